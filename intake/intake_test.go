package intake

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hanbit-ops/scanflow/dbopen"
	"github.com/hanbit-ops/scanflow/store"
)

func newWatcher(t *testing.T, dir string) (*Watcher, *store.Store) {
	t.Helper()
	st, err := store.New(dbopen.OpenMemory(t))
	if err != nil {
		t.Fatal(err)
	}
	w := New(st, Config{
		Dir:             dir,
		PollInterval:    time.Millisecond,
		StabilityWait:   time.Millisecond,
		StabilityChecks: 2,
	})
	return w, st
}

// sweepUntilAdmitted drives sweeps past the stability gate.
func sweepUntilAdmitted(t *testing.T, w *Watcher, want int) {
	t.Helper()
	total := 0
	for i := 0; i < 20; i++ {
		n, err := w.Sweep(context.Background())
		if err != nil {
			t.Fatalf("Sweep: %v", err)
		}
		total += n
		if total >= want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("admitted %d files after 20 sweeps, want %d", total, want)
}

func TestSweepAdmitsStablePDF(t *testing.T) {
	dir := t.TempDir()
	w, st := newWatcher(t, dir)

	path := filepath.Join(dir, "scan_001.PDF")
	if err := os.WriteFile(path, []byte("%PDF-1.7 payload"), 0o644); err != nil {
		t.Fatal(err)
	}
	// Non-PDF noise is ignored.
	if err := os.WriteFile(filepath.Join(dir, "thumbs.db"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	sweepUntilAdmitted(t, w, 1)

	scans, err := st.PendingScans(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(scans) != 1 {
		t.Fatalf("pending scans = %d, want 1", len(scans))
	}
	if scans[0].OriginalName != "scan_001.PDF" || scans[0].SizeBytes == 0 {
		t.Errorf("scan = %+v", scans[0])
	}

	// A later sweep does not re-admit.
	n, err := w.Sweep(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("re-sweep admitted %d files", n)
	}
}

func TestSweepWaitsForGrowingFile(t *testing.T) {
	dir := t.TempDir()
	w, st := newWatcher(t, dir)

	path := filepath.Join(dir, "growing.pdf")
	if err := os.WriteFile(path, []byte("part"), 0o644); err != nil {
		t.Fatal(err)
	}

	// First sweep observes, second would normally admit, but the file grows
	// between them and resets the stability count.
	if _, err := w.Sweep(context.Background()); err != nil {
		t.Fatal(err)
	}
	time.Sleep(2 * time.Millisecond)
	if err := os.WriteFile(path, []byte("part and then some more"), 0o644); err != nil {
		t.Fatal(err)
	}
	if n, _ := w.Sweep(context.Background()); n != 0 {
		t.Fatal("admitted a file whose size just changed")
	}
	scans, _ := st.PendingScans(context.Background())
	if len(scans) != 0 {
		t.Fatalf("scans = %d, want 0 while unstable", len(scans))
	}

	// Once quiet, it goes through.
	sweepUntilAdmitted(t, w, 1)
}

func TestSweepSkipsDuplicateContent(t *testing.T) {
	dir := t.TempDir()
	w, st := newWatcher(t, dir)
	ctx := context.Background()

	body := []byte("%PDF-1.7 identical bytes")
	if err := os.WriteFile(filepath.Join(dir, "a.pdf"), body, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "b.pdf"), body, 0o644); err != nil {
		t.Fatal(err)
	}

	sweepUntilAdmitted(t, w, 1)
	// Drive a few more sweeps so both files clear the stability gate.
	for i := 0; i < 5; i++ {
		time.Sleep(2 * time.Millisecond)
		if _, err := w.Sweep(ctx); err != nil {
			t.Fatal(err)
		}
	}

	scans, err := st.PendingScans(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(scans) != 1 {
		t.Fatalf("pending scans = %d, want 1 (duplicate content rejected)", len(scans))
	}
}

func TestSweepRecursesSubdirectories(t *testing.T) {
	dir := t.TempDir()
	w, st := newWatcher(t, dir)

	sub := filepath.Join(dir, "tray2")
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(sub, "nested.pdf"), []byte("%PDF nested"), 0o644); err != nil {
		t.Fatal(err)
	}

	sweepUntilAdmitted(t, w, 1)
	scans, _ := st.PendingScans(context.Background())
	if len(scans) != 1 {
		t.Fatalf("scans = %d, want 1", len(scans))
	}
}

func TestVanishedPathCanBeReadmitted(t *testing.T) {
	dir := t.TempDir()
	w, st := newWatcher(t, dir)
	ctx := context.Background()

	path := filepath.Join(dir, "reused_name.pdf")
	if err := os.WriteFile(path, []byte("first run"), 0o644); err != nil {
		t.Fatal(err)
	}
	sweepUntilAdmitted(t, w, 1)

	// External mover archives the file; the same name comes back with new
	// content and must be admitted as a new scan.
	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	if _, err := w.Sweep(ctx); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("second run, new bytes"), 0o644); err != nil {
		t.Fatal(err)
	}
	sweepUntilAdmitted(t, w, 1)

	var n int
	if err := st.DB.QueryRow(`SELECT COUNT(*) FROM scans`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("total scans = %d, want 2", n)
	}
}

func TestStabilityCheckerResetsOnSizeChange(t *testing.T) {
	dir := t.TempDir()
	c := newStabilityChecker(time.Millisecond, 2)
	path := filepath.Join(dir, "f.pdf")
	if err := os.WriteFile(path, []byte("aa"), 0o644); err != nil {
		t.Fatal(err)
	}

	if c.stable(path) {
		t.Fatal("stable on first observation")
	}
	time.Sleep(2 * time.Millisecond)
	if err := os.WriteFile(path, []byte("aaaa"), 0o644); err != nil {
		t.Fatal(err)
	}
	if c.stable(path) {
		t.Fatal("stable immediately after growth")
	}
	time.Sleep(2 * time.Millisecond)
	if !c.stable(path) {
		t.Fatal("not stable after quiet interval with constant size")
	}
	// State dropped after passing; a fresh cycle starts over.
	if c.stable(path) {
		t.Fatal("stable without re-observation")
	}
}
