package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hanbit-ops/scanflow/dbopen"
)

const docCols = `transport_no, status, merged_path, merged_hash, page_count,
	scan_count, duplicate_count, error_message, retry_count, created_at, updated_at`

// GetDocument retrieves a document by transport number.
func (s *Store) GetDocument(ctx context.Context, transportNo string) (*Document, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT `+docCols+` FROM documents WHERE transport_no = ?`, transportNo)
	return scanDocument(row)
}

// DocumentsByStatus returns documents in one state, oldest first.
func (s *Store) DocumentsByStatus(ctx context.Context, status Status) ([]*Document, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+docCols+` FROM documents WHERE status = ? ORDER BY updated_at, transport_no`,
		status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []*Document
	for rows.Next() {
		d := &Document{}
		if err := rows.Scan(&d.TransportNo, &d.Status, &d.MergedPath, &d.MergedHash,
			&d.PageCount, &d.ScanCount, &d.DuplicateCount, &d.ErrorMessage, &d.RetryCount,
			&d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, err
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// CountsByStatus returns the number of documents per state.
func (s *Store) CountsByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM documents GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := map[Status]int{}
	for rows.Next() {
		var st Status
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		counts[st] = n
	}
	return counts, rows.Err()
}

// MarkMerged commits a merge result: PENDING→MERGED, or MERGED→MERGED when a
// re-merge picked up late pages. The page set never shrinks, so a re-merge
// with fewer pages than recorded is rejected as an invalid transition.
func (s *Store) MarkMerged(ctx context.Context, transportNo, mergedPath, mergedHash string, pageCount, scanCount, duplicateCount int) error {
	return s.transition(ctx, transportNo, StatusMerged, func(tx *sql.Tx, d *Document) error {
		if pageCount < d.PageCount {
			return fmt.Errorf("%w: merged page count shrank from %d to %d",
				ErrInvalidTransition, d.PageCount, pageCount)
		}
		_, err := tx.ExecContext(ctx,
			`UPDATE documents SET status=?, merged_path=?, merged_hash=?,
			 page_count=?, scan_count=?, duplicate_count=?, error_message='', updated_at=?
			 WHERE transport_no=?`,
			StatusMerged, mergedPath, mergedHash, pageCount, scanCount, duplicateCount,
			time.Now().UnixMilli(), transportNo)
		return err
	})
}

// MarkUploaded commits a confirmed delivery: MERGED→UPLOADED.
func (s *Store) MarkUploaded(ctx context.Context, transportNo string) error {
	return s.transition(ctx, transportNo, StatusUploaded, func(tx *sql.Tx, d *Document) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE documents SET status=?, error_message='', updated_at=?
			 WHERE transport_no=?`,
			StatusUploaded, time.Now().UnixMilli(), transportNo)
		return err
	})
}

// MarkError parks a document in ERROR with the failure cause preserved for
// operator review. Valid from PENDING and MERGED.
func (s *Store) MarkError(ctx context.Context, transportNo, message string) error {
	return s.transition(ctx, transportNo, StatusError, func(tx *sql.Tx, d *Document) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE documents SET status=?, error_message=?, updated_at=?
			 WHERE transport_no=?`,
			StatusError, message, time.Now().UnixMilli(), transportNo)
		return err
	})
}

// IncrementRetry bumps the durable upload retry counter and returns the new
// value.
func (s *Store) IncrementRetry(ctx context.Context, transportNo string) (int, error) {
	var count int
	err := dbopen.RunTx(ctx, s.DB, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`UPDATE documents SET retry_count = retry_count + 1, updated_at=?
			 WHERE transport_no=?`, time.Now().UnixMilli(), transportNo); err != nil {
			return err
		}
		return tx.QueryRowContext(ctx,
			`SELECT retry_count FROM documents WHERE transport_no=?`, transportNo).Scan(&count)
	})
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	return count, err
}

// Reprocess re-enters an ERROR document into the pipeline: ERROR→PENDING,
// error cleared, retry budget reset, merged artifact fields dropped so the
// next merge produces a fresh content hash and a fresh idempotency key.
// The only way out of ERROR; always operator-initiated.
func (s *Store) Reprocess(ctx context.Context, transportNo string) error {
	return s.transition(ctx, transportNo, StatusPending, func(tx *sql.Tx, d *Document) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE documents SET status=?, error_message='', retry_count=0,
			 merged_path='', merged_hash='', updated_at=?
			 WHERE transport_no=?`,
			StatusPending, time.Now().UnixMilli(), transportNo)
		return err
	})
}

// transition loads the document, checks the state machine and applies fn,
// all inside one transaction.
func (s *Store) transition(ctx context.Context, transportNo string, to Status, fn func(*sql.Tx, *Document) error) error {
	return dbopen.RunTx(ctx, s.DB, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			`SELECT `+docCols+` FROM documents WHERE transport_no = ?`, transportNo)
		d, err := scanDocument(row)
		if err != nil {
			return err
		}
		if !transitionOK(d.Status, to) {
			return fmt.Errorf("%w: %s -> %s (transport %s)",
				ErrInvalidTransition, d.Status, to, transportNo)
		}
		return fn(tx, d)
	})
}

func scanDocument(row *sql.Row) (*Document, error) {
	d := &Document{}
	err := row.Scan(&d.TransportNo, &d.Status, &d.MergedPath, &d.MergedHash,
		&d.PageCount, &d.ScanCount, &d.DuplicateCount, &d.ErrorMessage, &d.RetryCount,
		&d.CreatedAt, &d.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return d, err
}
