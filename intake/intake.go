// Package intake observes the scanner output directory and admits stable,
// fully-written PDFs into the document store as raw scans. It never touches
// document state: admission through the store's ingestion API is its only
// mutation, which keeps the store the sole serialization point.
package intake

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hanbit-ops/scanflow/store"
)

// Config configures the watcher.
type Config struct {
	// Dir is the watched scanner output directory, scanned recursively.
	Dir string
	// PollInterval between directory sweeps. Default: 5s.
	PollInterval time.Duration
	// StabilityWait is the minimum quiet interval between size checks.
	// Default: 3s.
	StabilityWait time.Duration
	// StabilityChecks: consecutive unchanged sizes required. Default: 3.
	StabilityChecks int
	Logger          *slog.Logger
}

func (c *Config) defaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.StabilityWait <= 0 {
		c.StabilityWait = 3 * time.Second
	}
	if c.StabilityChecks <= 0 {
		c.StabilityChecks = 3
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Watcher polls a directory and admits stable files.
type Watcher struct {
	store   *store.Store
	cfg     Config
	checker *stabilityChecker
	// admitted remembers paths handled during this process's lifetime so a
	// file that stays in the folder is not re-hashed on every sweep.
	admitted map[string]bool
}

// New creates a Watcher feeding the given store.
func New(st *store.Store, cfg Config) *Watcher {
	cfg.defaults()
	return &Watcher{
		store:    st,
		cfg:      cfg,
		checker:  newStabilityChecker(cfg.StabilityWait, cfg.StabilityChecks),
		admitted: map[string]bool{},
	}
}

// Run blocks until ctx is cancelled, sweeping the watched directory every
// poll interval. An immediate sweep runs at startup so files left over from
// a previous run are not delayed by one interval.
func (w *Watcher) Run(ctx context.Context) {
	log := w.cfg.Logger
	log.Info("intake: watching", "dir", w.cfg.Dir, "interval", w.cfg.PollInterval)

	if _, err := w.Sweep(ctx); err != nil {
		log.Error("intake: sweep failed", "error", err)
	}

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("intake: stopped")
			return
		case <-ticker.C:
			if _, err := w.Sweep(ctx); err != nil {
				log.Error("intake: sweep failed", "error", err)
			}
		}
	}
}

// Sweep performs one pass over the watched directory and returns how many
// scans were admitted.
func (w *Watcher) Sweep(ctx context.Context) (int, error) {
	log := w.cfg.Logger
	admitted := 0

	err := filepath.WalkDir(w.cfg.Dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// The scanner may delete directories mid-walk.
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() || !strings.EqualFold(filepath.Ext(path), ".pdf") {
			return nil
		}
		if w.admitted[path] {
			return nil
		}
		if !w.checker.stable(path) {
			return nil
		}
		if w.admit(ctx, path) {
			admitted++
		}
		return nil
	})
	if err != nil {
		return admitted, err
	}

	// Paths that vanished (archived by the external mover) can be re-admitted
	// if the same name reappears with new content.
	for path := range w.admitted {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			delete(w.admitted, path)
		}
	}

	if admitted > 0 {
		log.Info("intake: sweep complete", "admitted", admitted)
	}
	return admitted, nil
}

// admit hashes the file once and registers it. Duplicate content is skipped
// with an audit record, never processed twice.
func (w *Watcher) admit(ctx context.Context, path string) bool {
	log := w.cfg.Logger
	hash, size, err := hashFile(path)
	if err != nil {
		log.Error("intake: hash failed", "path", path, "error", err)
		w.checker.forget(path)
		return false
	}

	scan := &store.Scan{
		SourcePath:   path,
		OriginalName: filepath.Base(path),
		ContentHash:  hash,
		SizeBytes:    size,
	}
	err = w.store.AdmitScan(ctx, scan)
	switch {
	case errors.Is(err, store.ErrDuplicateScan):
		log.Warn("intake: duplicate content skipped", "path", path, "hash", hash)
		w.store.AppendLog(ctx, "", "", store.ActionAdmit, "SKIPPED",
			fmt.Sprintf("duplicate content %s (%s)", hash[:12], filepath.Base(path)))
		w.admitted[path] = true
		return false
	case err != nil:
		log.Error("intake: admission failed", "path", path, "error", err)
		return false
	}

	log.Info("intake: admitted", "path", path, "scan_id", scan.ID, "bytes", size)
	w.store.AppendLog(ctx, "", scan.ID, store.ActionAdmit, "SUCCESS", filepath.Base(path))
	w.admitted[path] = true
	return true
}

// hashFile computes the sha256 content hash, streamed.
func hashFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}
