package upload

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// NASSink copies merged documents onto a mounted share. The destination file
// name is the idempotency key, so a re-delivery of the same artifact finds
// its own previous copy and reports Duplicate.
type NASSink struct {
	dir string
}

// NewNASSink returns a sink writing under dir.
func NewNASSink(dir string) *NASSink {
	return &NASSink{dir: dir}
}

func (n *NASSink) Name() string { return "nas" }

func (n *NASSink) Store(ctx context.Context, d Delivery) (Outcome, error) {
	if err := ctx.Err(); err != nil {
		return Transient, err
	}
	if err := os.MkdirAll(n.dir, 0o755); err != nil {
		return Transient, fmt.Errorf("upload: nas dir: %w", err)
	}

	// Publishes rename a fully-written staging file into place, so an
	// existing file under this key is a completed earlier delivery.
	dst := filepath.Join(n.dir, d.Key()+".pdf")
	if _, err := os.Stat(dst); err == nil {
		return Duplicate, nil
	} else if !os.IsNotExist(err) {
		return Transient, fmt.Errorf("upload: nas probe %s: %w", dst, err)
	}

	srcInfo, err := os.Stat(d.Path)
	if err != nil {
		return Permanent, fmt.Errorf("upload: source missing: %w", err)
	}

	staged := dst + ".part"
	if err := copyTo(d.Path, staged); err != nil {
		os.Remove(staged)
		return Transient, fmt.Errorf("upload: nas copy: %w", err)
	}
	if info, err := os.Stat(staged); err != nil || info.Size() != srcInfo.Size() {
		os.Remove(staged)
		return Transient, fmt.Errorf("upload: nas size mismatch after copy")
	}
	if err := os.Rename(staged, dst); err != nil {
		os.Remove(staged)
		return Transient, fmt.Errorf("upload: nas publish: %w", err)
	}
	return Stored, nil
}

func copyTo(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
