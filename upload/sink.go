// Package upload delivers merged documents to their destination exactly once.
// Every delivery carries an idempotency key derived from the transport number
// and the merged content hash, so a sink that already holds the artifact can
// answer "duplicate" instead of storing it twice — the retry loop treats that
// as success.
package upload

import (
	"context"
	"errors"
)

// Outcome classifies a single delivery attempt.
type Outcome int

const (
	// Stored means the sink accepted and persisted the artifact.
	Stored Outcome = iota
	// Duplicate means the sink already holds an identical artifact under
	// the same idempotency key. Treated as success.
	Duplicate
	// Transient means the attempt failed but a retry may succeed.
	Transient
	// Permanent means retrying cannot help (rejected payload, auth).
	Permanent
)

func (o Outcome) String() string {
	switch o {
	case Stored:
		return "stored"
	case Duplicate:
		return "duplicate"
	case Transient:
		return "transient"
	case Permanent:
		return "permanent"
	}
	return "unknown"
}

// Delivery is one merged document headed for the sink.
type Delivery struct {
	TransportNo string
	ContentHash string
	Path        string
}

// Key returns the idempotency key for this delivery. Reprocessing a document
// produces a new hash and therefore a new key; re-sending the same artifact
// does not.
func (d Delivery) Key() string {
	return d.TransportNo + "-" + d.ContentHash
}

// Sink stores merged documents. Implementations classify their own failures:
// Outcome is authoritative, err carries detail for logs.
type Sink interface {
	Name() string
	Store(ctx context.Context, d Delivery) (Outcome, error)
}

// ErrTooLarge is returned by sinks that enforce a payload size cap.
var ErrTooLarge = errors.New("upload: artifact exceeds size limit")
