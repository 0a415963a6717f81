// Package batch is the pipeline scheduler. A single controller goroutine
// ticks on a fixed interval and walks three phases: recognize pending scans,
// merge documents whose pages have all resolved, upload merged documents
// whose backoff window has elapsed. One tick runs at a time; a tick that
// overruns the interval simply delays the next one, it never overlaps it.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hanbit-ops/scanflow/merge"
	"github.com/hanbit-ops/scanflow/recognize"
	"github.com/hanbit-ops/scanflow/store"
	"github.com/hanbit-ops/scanflow/upload"
)

// Config tunes the controller.
type Config struct {
	// Interval between ticks.
	Interval time.Duration
	// ItemTimeout bounds one recognition, merge or upload.
	ItemTimeout time.Duration
	// Workers bounds concurrent work items within each tick phase:
	// recognitions, merges and uploads alike.
	Workers int
	// PendingRetryTicks is how many ticks an undecodable scan stays pending
	// before its failure is committed. 0 commits on the first failing tick.
	PendingRetryTicks int
	Logger            *slog.Logger
}

func (c *Config) defaults() {
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
	if c.ItemTimeout <= 0 {
		c.ItemTimeout = 2 * time.Minute
	}
	if c.Workers <= 0 {
		c.Workers = 3
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Controller owns the tick loop.
type Controller struct {
	cfg        Config
	store      *store.Store
	recognizer *recognize.Recognizer
	merger     Merger
	dispatcher *upload.Dispatcher

	force chan struct{}
}

// Merger is the slice of the merge package the scheduler drives.
type Merger interface {
	Run(ctx context.Context, transportNo string) (*merge.Result, error)
}

// New builds a Controller.
func New(cfg Config, st *store.Store, rec *recognize.Recognizer, merger Merger, disp *upload.Dispatcher) *Controller {
	cfg.defaults()
	return &Controller{
		cfg:        cfg,
		store:      st,
		recognizer: rec,
		merger:     merger,
		dispatcher: disp,
		force:      make(chan struct{}, 1),
	}
}

// Run drives ticks until ctx is cancelled. Blocks.
func (c *Controller) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-c.force:
		}
		if err := c.Tick(ctx); err != nil && !errors.Is(err, context.Canceled) {
			c.cfg.Logger.Error("batch: tick failed", "error", err)
		}
	}
}

// Force requests an immediate tick. Non-blocking; a force while a forced
// tick is already queued is a no-op.
func (c *Controller) Force() {
	select {
	case c.force <- struct{}{}:
	default:
	}
}

// Reprocess is the operator path back into the pipeline. With a scanID it
// retries that scan: an accompanying transportNo assigns the number manually,
// otherwise the next tick re-runs recognition from scratch. With only a
// transportNo it re-enters an ERROR document as PENDING. In every case an
// ERROR document tied to the work is reset, and a tick is forced.
func (c *Controller) Reprocess(ctx context.Context, scanID, transportNo string) error {
	switch {
	case scanID != "" && transportNo != "":
		if err := c.store.AssignTransportNo(ctx, scanID, transportNo); err != nil {
			return err
		}
	case scanID != "":
		sc, err := c.store.GetScan(ctx, scanID)
		if err != nil {
			return err
		}
		transportNo = sc.TransportNo
		if err := c.store.ResetScanForRetry(ctx, scanID); err != nil {
			return err
		}
	case transportNo != "":
		// Document-level: ERROR→PENDING or nothing.
		if err := c.store.Reprocess(ctx, transportNo); err != nil {
			return err
		}
	default:
		return fmt.Errorf("batch: reprocess needs a scan id or a transport number")
	}

	// A scan-level reprocess pulls its ERROR document back in too, so the
	// retried page has a live document to land on.
	if scanID != "" && transportNo != "" {
		doc, err := c.store.GetDocument(ctx, transportNo)
		if err == nil && doc.Status == store.StatusError {
			if err := c.store.Reprocess(ctx, transportNo); err != nil {
				return err
			}
		} else if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
	}

	c.store.AppendLog(ctx, transportNo, scanID, store.ActionReprocess, "REQUESTED", "")
	c.cfg.Logger.Info("batch: reprocess requested", "scan_id", scanID, "transport_no", transportNo)
	c.Force()
	return nil
}

// Tick runs one full scheduling pass. Exported so the control server and
// tests can run passes without the timer.
func (c *Controller) Tick(ctx context.Context) error {
	start := time.Now()
	recognized, err := c.recognizePhase(ctx)
	if err != nil {
		return err
	}
	merged, err := c.mergePhase(ctx)
	if err != nil {
		return err
	}
	uploaded, err := c.uploadPhase(ctx)
	if err != nil {
		return err
	}
	if recognized+merged+uploaded > 0 {
		c.cfg.Logger.Info("batch: tick complete",
			"recognized", recognized, "merged", merged, "uploaded", uploaded,
			"elapsed", time.Since(start).Round(time.Millisecond))
	}
	return nil
}

// recognizePhase runs the QR sweep over all pending scans with bounded
// concurrency. Recognition is pure compute over immutable files, so scans
// parallelize freely; all store writes serialize through SQLite.
func (c *Controller) recognizePhase(ctx context.Context) (int, error) {
	scans, err := c.store.PendingScans(ctx)
	if err != nil {
		return 0, fmt.Errorf("batch: list pending scans: %w", err)
	}
	if len(scans) == 0 {
		return 0, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Workers)
	resolved := 0
	done := make(chan int, len(scans))
	for _, sc := range scans {
		sc := sc
		g.Go(func() error {
			n, err := c.recognizeScan(gctx, sc)
			done <- n
			return err
		})
	}
	err = g.Wait()
	close(done)
	for n := range done {
		resolved += n
	}
	return resolved, err
}

// recognizeScan processes one scan and returns 1 when its recognition state
// was committed (ok or failed), 0 when it stays pending for another tick.
func (c *Controller) recognizeScan(ctx context.Context, sc *store.Scan) (int, error) {
	ictx, cancel := context.WithTimeout(ctx, c.cfg.ItemTimeout)
	defer cancel()

	res, recErr := c.recognizer.ReadFile(ictx, sc.SourcePath)
	if recErr == nil {
		if err := c.store.MarkScanRecognized(ctx, sc.ID, res.TransportNo, res.Engine, res.DPI); err != nil {
			return 0, fmt.Errorf("batch: commit recognition %s: %w", sc.ID, err)
		}
		c.store.AppendLog(ctx, res.TransportNo, sc.ID, store.ActionRecognize, "SUCCESS",
			fmt.Sprintf("engine=%s dpi=%d", res.Engine, res.DPI))
		c.cfg.Logger.Info("batch: scan recognized", "scan_id", sc.ID,
			"transport_no", res.TransportNo, "engine", res.Engine, "dpi", res.DPI)
		return 1, nil
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	kind := classifyRecogError(recErr)

	// An undecodable page may just be a slow or degraded source; give it
	// the configured grace before committing. Format, ambiguity and render
	// failures are deterministic and commit immediately.
	if kind == store.RecogNoCode && c.cfg.PendingRetryTicks > 0 {
		attempts, err := c.store.BumpScanAttempt(ctx, sc.ID)
		if err != nil {
			return 0, fmt.Errorf("batch: bump attempts %s: %w", sc.ID, err)
		}
		if attempts <= c.cfg.PendingRetryTicks {
			c.cfg.Logger.Debug("batch: scan stays pending", "scan_id", sc.ID,
				"attempt", attempts, "grace_ticks", c.cfg.PendingRetryTicks)
			return 0, nil
		}
	}

	if err := c.store.MarkScanFailed(ctx, sc.ID, kind, recErr.Error()); err != nil {
		return 0, fmt.Errorf("batch: commit failure %s: %w", sc.ID, err)
	}
	c.store.AppendLog(ctx, "", sc.ID, store.ActionRecognize, "FAILED", recErr.Error())
	c.cfg.Logger.Warn("batch: recognition failed", "scan_id", sc.ID,
		"kind", string(kind), "error", recErr)
	return 1, nil
}

func classifyRecogError(err error) store.RecogStatus {
	switch {
	case errors.Is(err, recognize.ErrAmbiguous):
		return store.RecogAmbiguous
	case errors.Is(err, recognize.ErrInvalidFormat):
		return store.RecogInvalid
	case errors.Is(err, recognize.ErrRender):
		return store.RecogRenderFailed
	default:
		// ErrNoCode and anything unclassified: nothing usable came out
		// of the file.
		return store.RecogNoCode
	}
}

// mergePhase merges PENDING documents whose scans have all resolved, and
// re-merges MERGED documents that gained recognized pages since their last
// merge. Eligible documents fan out over the worker pool; a transport number
// appears at most once per phase (a document is either PENDING or MERGED),
// and the merger's keyed lock serializes runs on the same number regardless.
func (c *Controller) mergePhase(ctx context.Context) (int, error) {
	var due []string

	pending, err := c.store.DocumentsByStatus(ctx, store.StatusPending)
	if err != nil {
		return 0, fmt.Errorf("batch: list pending documents: %w", err)
	}
	for _, doc := range pending {
		unresolved, err := c.store.UnresolvedScanCount(ctx, doc.TransportNo)
		if err != nil {
			return 0, fmt.Errorf("batch: count unresolved %s: %w", doc.TransportNo, err)
		}
		if unresolved > 0 {
			continue
		}
		due = append(due, doc.TransportNo)
	}

	stale, err := c.store.DocumentsByStatus(ctx, store.StatusMerged)
	if err != nil {
		return 0, fmt.Errorf("batch: list merged documents: %w", err)
	}
	for _, doc := range stale {
		ok, err := c.store.OkScanCount(ctx, doc.TransportNo)
		if err != nil {
			return 0, fmt.Errorf("batch: count scans %s: %w", doc.TransportNo, err)
		}
		if ok <= doc.ScanCount {
			continue
		}
		c.cfg.Logger.Info("batch: late pages, re-merging",
			"transport_no", doc.TransportNo, "had_scans", doc.ScanCount, "now_scans", ok)
		due = append(due, doc.TransportNo)
	}
	if len(due) == 0 {
		return 0, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Workers)
	done := make(chan int, len(due))
	for _, transportNo := range due {
		transportNo := transportNo
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			if c.mergeOne(gctx, transportNo) {
				done <- 1
			}
			return nil
		})
	}
	err = g.Wait()
	close(done)
	merged := 0
	for n := range done {
		merged += n
	}
	return merged, err
}

func (c *Controller) mergeOne(ctx context.Context, transportNo string) bool {
	ictx, cancel := context.WithTimeout(ctx, c.cfg.ItemTimeout)
	defer cancel()
	if _, err := c.merger.Run(ictx, transportNo); err != nil {
		// The merger already committed ERROR; the tick moves on.
		c.cfg.Logger.Error("batch: merge failed", "transport_no", transportNo, "error", err)
		return false
	}
	return true
}

// uploadPhase dispatches MERGED documents whose backoff window has elapsed,
// fanning the deliveries out over the worker pool so one slow sink call does
// not serialize the rest of the tick's uploads.
func (c *Controller) uploadPhase(ctx context.Context) (int, error) {
	docs, err := c.store.DocumentsByStatus(ctx, store.StatusMerged)
	if err != nil {
		return 0, fmt.Errorf("batch: list merged documents: %w", err)
	}
	var due []*store.Document
	for _, doc := range docs {
		if c.dispatcher.Due(doc) {
			due = append(due, doc)
		}
	}
	if len(due) == 0 {
		return 0, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Workers)
	done := make(chan int, len(due))
	for _, doc := range due {
		doc := doc
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			ictx, cancel := context.WithTimeout(gctx, c.cfg.ItemTimeout)
			err := c.dispatcher.Dispatch(ictx, doc)
			cancel()
			if err == nil {
				// A failed attempt is already committed (retry bump or
				// ERROR); only completed deliveries count.
				done <- 1
			}
			return nil
		})
	}
	err = g.Wait()
	close(done)
	uploaded := 0
	for n := range done {
		uploaded += n
	}
	return uploaded, err
}
