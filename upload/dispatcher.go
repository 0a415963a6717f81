package upload

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math"
	"time"

	"github.com/hanbit-ops/scanflow/store"
)

// RetryPolicy shapes the backoff schedule for transient delivery failures.
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
}

// Delay returns the wait before attempt number attempt (0-based counting of
// completed failures) for the document identified by key. The schedule is
// exponential with a cap and ±10% jitter. The jitter is a pure function of
// (key, attempt): documents failing together still spread out, while one
// document's deadline is fixed for a given attempt, so Due never flips back
// between evaluations.
func (p RetryPolicy) Delay(key string, attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	d := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if max := float64(p.MaxDelay); p.MaxDelay > 0 && d > max {
		d = max
	}
	h := fnv.New64a()
	fmt.Fprintf(h, "%s#%d", key, attempt)
	jitter := 0.9 + float64(h.Sum64()%2001)/10000 // [0.9, 1.1]
	return time.Duration(d * jitter)
}

// ErrExhausted marks a document whose transient failures used up the retry
// budget.
var ErrExhausted = errors.New("upload: retry attempts exhausted")

// Dispatcher drives deliveries for MERGED documents and commits the outcome
// to the store. It does not sleep between attempts; the batch loop calls
// Due to decide when a document's backoff window has elapsed.
type Dispatcher struct {
	store  *store.Store
	sink   Sink
	policy RetryPolicy
	logger *slog.Logger

	now func() time.Time
}

// NewDispatcher wires a sink to the store under the given retry policy.
func NewDispatcher(st *store.Store, sink Sink, policy RetryPolicy, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}
	if policy.Multiplier < 1 {
		policy.Multiplier = 1
	}
	return &Dispatcher{store: st, sink: sink, policy: policy, logger: logger, now: time.Now}
}

// Due reports whether doc's backoff window has elapsed. A document with no
// failed attempts is always due.
func (dp *Dispatcher) Due(doc *store.Document) bool {
	if doc.RetryCount == 0 {
		return true
	}
	since := dp.now().Sub(time.UnixMilli(doc.UpdatedAt))
	return since >= dp.policy.Delay(doc.TransportNo, doc.RetryCount)
}

// Dispatch attempts one delivery for doc and commits the result:
//
//	Stored or Duplicate  -> UPLOADED
//	Permanent            -> ERROR immediately
//	Transient            -> retry count bumped; ERROR once the budget is spent
//
// Duplicate is the idempotency contract at work: the sink already holds this
// exact artifact, so from the pipeline's view the upload succeeded.
func (dp *Dispatcher) Dispatch(ctx context.Context, doc *store.Document) error {
	d := Delivery{
		TransportNo: doc.TransportNo,
		ContentHash: doc.MergedHash,
		Path:        doc.MergedPath,
	}

	outcome, attemptErr := dp.sink.Store(ctx, d)
	switch outcome {
	case Stored, Duplicate:
		if err := dp.store.MarkUploaded(ctx, doc.TransportNo); err != nil {
			return fmt.Errorf("upload: commit %s: %w", doc.TransportNo, err)
		}
		dp.store.AppendLog(ctx, doc.TransportNo, "", store.ActionUpload, "SUCCESS",
			fmt.Sprintf("%s via %s (key %s)", outcome, dp.sink.Name(), d.Key()))
		dp.logger.Info("upload: delivered", "transport_no", doc.TransportNo,
			"sink", dp.sink.Name(), "outcome", outcome.String())
		return nil

	case Permanent:
		return dp.fail(ctx, doc, attemptErr)

	default: // Transient
		count, err := dp.store.IncrementRetry(ctx, doc.TransportNo)
		if err != nil {
			return fmt.Errorf("upload: record retry %s: %w", doc.TransportNo, err)
		}
		if count >= dp.policy.MaxAttempts {
			return dp.fail(ctx, doc, fmt.Errorf("%w after %d attempts: %v",
				ErrExhausted, count, attemptErr))
		}
		dp.store.AppendLog(ctx, doc.TransportNo, "", store.ActionUpload, "RETRY",
			fmt.Sprintf("attempt %d/%d: %v", count, dp.policy.MaxAttempts, attemptErr))
		dp.logger.Warn("upload: transient failure", "transport_no", doc.TransportNo,
			"attempt", count, "max_attempts", dp.policy.MaxAttempts, "error", attemptErr)
		return attemptErr
	}
}

func (dp *Dispatcher) fail(ctx context.Context, doc *store.Document, cause error) error {
	dp.store.AppendLog(ctx, doc.TransportNo, "", store.ActionUpload, "FAILED", cause.Error())
	if err := dp.store.MarkError(ctx, doc.TransportNo, cause.Error()); err != nil {
		return fmt.Errorf("upload: error transition %s: %w", doc.TransportNo, err)
	}
	dp.logger.Error("upload: giving up", "transport_no", doc.TransportNo, "error", cause)
	return cause
}
