// Package store is the authoritative record of scans and documents and the
// single serialization point for document state. Every transition goes
// through a method that checks the current state inside a transaction;
// out-of-order transition requests are rejected with ErrInvalidTransition
// rather than silently applied.
package store

import (
	"database/sql"
	"errors"
)

// Sentinel errors returned by store operations.
var (
	// ErrDuplicateScan: a scan with the same content hash was already admitted.
	ErrDuplicateScan = errors.New("store: duplicate scan content")
	// ErrNotFound: the requested scan or document does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrInvalidTransition: the requested state change is not in the allowed set.
	ErrInvalidTransition = errors.New("store: invalid state transition")
	// ErrBadTransportNo: the supplied transport number is not 14 digits.
	ErrBadTransportNo = errors.New("store: malformed transport number")
)

// Store wraps the scanflow database.
type Store struct {
	DB *sql.DB
}

// New creates a Store from an already-opened database connection and
// applies the schema. Reopening against an existing file resumes whatever
// state was durable at shutdown; MERGED documents keep their artifact and
// are picked up by the next batch tick without re-merging.
func New(db *sql.DB) (*Store, error) {
	if err := ApplySchema(db); err != nil {
		return nil, err
	}
	return &Store{DB: db}, nil
}

// allowed is the document state machine. A re-merge of a MERGED document
// (late pages arriving before upload) stays in MERGED.
var allowed = map[Status][]Status{
	StatusPending:  {StatusMerged, StatusError},
	StatusMerged:   {StatusMerged, StatusUploaded, StatusError},
	StatusUploaded: {},
	StatusError:    {StatusPending},
}

func transitionOK(from, to Status) bool {
	for _, t := range allowed[from] {
		if t == to {
			return true
		}
	}
	return false
}
