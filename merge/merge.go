// Package merge groups the recognized scans of one transport number into a
// single canonical PDF. Pages keep admission order, exact duplicate pages
// are dropped, and re-running over the same input set commits the same
// content hash — a document may accumulate late pages before upload and
// must be safely re-mergeable.
package merge

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"github.com/hanbit-ops/scanflow/store"
)

// Result describes a committed merge.
type Result struct {
	TransportNo    string
	Path           string
	ContentHash    string
	PageCount      int
	ScanCount      int
	DuplicateCount int
}

// Merger performs per-transport-number serialized merges.
type Merger struct {
	store  *store.Store
	outDir string
	locks  *keylock
	logger *slog.Logger
}

// New creates a Merger writing artifacts under outDir.
func New(st *store.Store, outDir string, logger *slog.Logger) *Merger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Merger{store: st, outDir: outDir, locks: newKeylock(), logger: logger}
}

// Run merges all recognized scans for a transport number and commits the
// PENDING→MERGED (or MERGED re-merge) transition. The whole operation holds
// the per-key lock: two pages admitted concurrently for the same number
// serialize here and never interleave writes to the output path.
// A merge failure is committed as ERROR with the cause preserved; corrupt
// input needs an operator, not a retry.
func (m *Merger) Run(ctx context.Context, transportNo string) (*Result, error) {
	unlock := m.locks.Lock(transportNo)
	defer unlock()

	res, err := m.mergeLocked(ctx, transportNo)
	if err != nil {
		m.store.AppendLog(ctx, transportNo, "", store.ActionMerge, "FAILED", err.Error())
		if markErr := m.store.MarkError(ctx, transportNo, err.Error()); markErr != nil {
			m.logger.Error("merge: error transition failed",
				"transport_no", transportNo, "error", markErr)
		}
		return nil, err
	}

	if err := m.store.MarkMerged(ctx, transportNo, res.Path, res.ContentHash,
		res.PageCount, res.ScanCount, res.DuplicateCount); err != nil {
		return nil, fmt.Errorf("merge: commit %s: %w", transportNo, err)
	}
	m.store.AppendLog(ctx, transportNo, "", store.ActionMerge, "SUCCESS",
		fmt.Sprintf("%d pages, %d duplicates removed", res.PageCount, res.DuplicateCount))
	m.logger.Info("merge: complete", "transport_no", transportNo,
		"pages", res.PageCount, "duplicates", res.DuplicateCount)
	return res, nil
}

func (m *Merger) mergeLocked(ctx context.Context, transportNo string) (*Result, error) {
	scans, err := m.store.ScansForDocument(ctx, transportNo)
	if err != nil {
		return nil, fmt.Errorf("merge: load scans: %w", err)
	}
	if len(scans) == 0 {
		return nil, fmt.Errorf("merge: no recognized pages for %s", transportNo)
	}

	tmpDir, err := os.MkdirTemp("", "scanflow-merge-*")
	if err != nil {
		return nil, fmt.Errorf("merge: temp dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	conf := model.NewDefaultConfiguration()
	seen := map[string]bool{}
	var orderedHashes []string
	var parts []string
	duplicates := 0

	// Scans in admission order; within a scan, pages in file order.
	for i, sc := range scans {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		hashes, err := pageHashes(sc.SourcePath)
		if err != nil {
			return nil, fmt.Errorf("merge: fingerprint %s: %w", sc.SourcePath, err)
		}

		var keep []string
		for pageIdx, ph := range hashes {
			if seen[ph] {
				duplicates++
				continue
			}
			seen[ph] = true
			orderedHashes = append(orderedHashes, ph)
			keep = append(keep, strconv.Itoa(pageIdx+1))
		}
		if len(keep) == 0 {
			continue
		}

		part := filepath.Join(tmpDir, fmt.Sprintf("part_%03d.pdf", i))
		if err := api.CollectFile(sc.SourcePath, part, keep, conf); err != nil {
			return nil, fmt.Errorf("merge: collect pages from %s: %w", sc.SourcePath, err)
		}
		parts = append(parts, part)
	}

	if len(orderedHashes) == 0 {
		return nil, fmt.Errorf("merge: no usable pages for %s", transportNo)
	}

	if err := os.MkdirAll(m.outDir, 0o755); err != nil {
		return nil, fmt.Errorf("merge: output dir: %w", err)
	}
	outPath := filepath.Join(m.outDir, transportNo+".pdf")
	tmpOut := filepath.Join(tmpDir, "merged.pdf")

	if err := api.MergeCreateFile(parts, tmpOut, false, conf); err != nil {
		return nil, fmt.Errorf("merge: assemble %s: %w", transportNo, err)
	}

	// Atomic publish: a concurrent reader of outPath never observes a
	// partial write. Rename can cross filesystems from the temp dir, so
	// stage next to the destination first.
	staged := outPath + ".tmp"
	if err := copyFile(tmpOut, staged); err != nil {
		return nil, fmt.Errorf("merge: stage output: %w", err)
	}
	if err := os.Rename(staged, outPath); err != nil {
		os.Remove(staged)
		return nil, fmt.Errorf("merge: publish output: %w", err)
	}

	return &Result{
		TransportNo:    transportNo,
		Path:           outPath,
		ContentHash:    contentHash(orderedHashes),
		PageCount:      len(orderedHashes),
		ScanCount:      len(scans),
		DuplicateCount: duplicates,
	}, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := out.ReadFrom(in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
