package intake

import (
	"os"
	"time"
)

// stabilityChecker tracks candidate files until their size has been
// unchanged for the required number of checks, each separated by at least
// the quiet interval. Scanners and network copies make a file visible
// before writing completes; admitting early corrupts everything downstream.
type stabilityChecker struct {
	wait   time.Duration
	checks int
	files  map[string]*observation
}

type observation struct {
	size     int64
	count    int
	lastSeen time.Time
}

func newStabilityChecker(wait time.Duration, checks int) *stabilityChecker {
	if checks < 2 {
		checks = 2
	}
	return &stabilityChecker{wait: wait, checks: checks, files: map[string]*observation{}}
}

// stable reports whether path has held a constant size long enough and can
// be opened for reading. State for the path is dropped once it passes.
func (c *stabilityChecker) stable(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		delete(c.files, path)
		return false
	}

	now := time.Now()
	obs, ok := c.files[path]
	if !ok {
		c.files[path] = &observation{size: info.Size(), count: 1, lastSeen: now}
		return false
	}
	if now.Sub(obs.lastSeen) < c.wait {
		return false
	}
	obs.lastSeen = now

	if obs.size != info.Size() {
		obs.size = info.Size()
		obs.count = 1
		return false
	}
	obs.count++
	if obs.count < c.checks {
		return false
	}

	// Size settled; make sure nothing still holds the file open for write.
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	f.Close()

	delete(c.files, path)
	return true
}

// forget drops tracking state for a path that was admitted or rejected.
func (c *stabilityChecker) forget(path string) {
	delete(c.files, path)
}
