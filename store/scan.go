package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hanbit-ops/scanflow/dbopen"
)

const scanCols = `id, source_path, original_name, content_hash, size_bytes,
	admitted_at, transport_no, recog_status, recog_detail, engine, dpi, attempts`

// AdmitScan registers a stability-confirmed file as a RawScan. The content
// hash must be computed by the caller (once, at admission). A hash that was
// already admitted returns ErrDuplicateScan regardless of filename.
func (s *Store) AdmitScan(ctx context.Context, scan *Scan) error {
	if scan.ID == "" {
		scan.ID = uuid.Must(uuid.NewV7()).String()
	}
	if scan.AdmittedAt == 0 {
		scan.AdmittedAt = time.Now().UnixMilli()
	}
	if scan.RecogStatus == "" {
		scan.RecogStatus = RecogPending
	}

	// Duplicate detection rides the UNIQUE(content_hash) constraint so a
	// concurrent admit of the same bytes cannot slip past a check-then-insert.
	res, err := s.DB.ExecContext(ctx,
		`INSERT INTO scans (`+scanCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(content_hash) DO NOTHING`,
		scan.ID, scan.SourcePath, scan.OriginalName, scan.ContentHash, scan.SizeBytes,
		scan.AdmittedAt, scan.TransportNo, scan.RecogStatus, scan.RecogDetail,
		scan.Engine, scan.DPI, scan.Attempts)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrDuplicateScan
	}
	return nil
}

// GetScan retrieves a scan by ID.
func (s *Store) GetScan(ctx context.Context, id string) (*Scan, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT `+scanCols+` FROM scans WHERE id = ?`, id)
	return scanScan(row)
}

// PendingScans returns scans still awaiting recognition, admission order.
func (s *Store) PendingScans(ctx context.Context) ([]*Scan, error) {
	return s.queryScans(ctx,
		`SELECT `+scanCols+` FROM scans WHERE recog_status = ?
		 ORDER BY admitted_at, rowid`, RecogPending)
}

// ScansForDocument returns the ok scans attributed to a transport number in
// admission order; this ordering is the merge order.
func (s *Store) ScansForDocument(ctx context.Context, transportNo string) ([]*Scan, error) {
	return s.queryScans(ctx,
		`SELECT `+scanCols+` FROM scans
		 WHERE transport_no = ? AND recog_status = ?
		 ORDER BY admitted_at, rowid`, transportNo, RecogOK)
}

// UnresolvedScanCount returns how many scans for a transport number have not
// completed recognition. Merge waits until this is zero.
func (s *Store) UnresolvedScanCount(ctx context.Context, transportNo string) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM scans WHERE transport_no = ? AND recog_status = ?`,
		transportNo, RecogPending).Scan(&n)
	return n, err
}

// ScanCountsByRecog returns the number of scans per recognition state.
func (s *Store) ScanCountsByRecog(ctx context.Context) (map[RecogStatus]int, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT recog_status, COUNT(*) FROM scans GROUP BY recog_status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := map[RecogStatus]int{}
	for rows.Next() {
		var st RecogStatus
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		counts[st] = n
	}
	return counts, rows.Err()
}

// OkScanCount returns how many recognized scans are attributed to a
// transport number. A MERGED document whose count exceeds its recorded
// scan_count has late pages and needs a re-merge.
func (s *Store) OkScanCount(ctx context.Context, transportNo string) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM scans WHERE transport_no = ? AND recog_status = ?`,
		transportNo, RecogOK).Scan(&n)
	return n, err
}

// MarkScanRecognized records a successful recognition and attributes the
// scan to its document, creating the document (PENDING) on first sight of
// the transport number. This is the only place documents come into being.
func (s *Store) MarkScanRecognized(ctx context.Context, scanID, transportNo, engine string, dpi int) error {
	if !ValidTransportNo(transportNo) {
		return fmt.Errorf("%w: %q", ErrBadTransportNo, transportNo)
	}
	now := time.Now().UnixMilli()
	return dbopen.RunTx(ctx, s.DB, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE scans SET transport_no=?, recog_status=?, recog_detail='', engine=?, dpi=?
			 WHERE id=?`,
			transportNo, RecogOK, engine, dpi, scanID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO documents (transport_no, status, created_at, updated_at)
			 VALUES (?,?,?,?)
			 ON CONFLICT(transport_no) DO NOTHING`,
			transportNo, StatusPending, now, now)
		return err
	})
}

// MarkScanFailed commits a recognition failure kind on a scan.
func (s *Store) MarkScanFailed(ctx context.Context, scanID string, kind RecogStatus, detail string) error {
	if !kind.Failed() {
		return fmt.Errorf("store: %q is not a failure kind", kind)
	}
	res, err := s.DB.ExecContext(ctx,
		`UPDATE scans SET recog_status=?, recog_detail=? WHERE id=?`,
		kind, detail, scanID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// BumpScanAttempt increments the recognition attempt counter and returns the
// new value. Used by the scheduler to decide when a transiently failing scan
// has used up its grace ticks.
func (s *Store) BumpScanAttempt(ctx context.Context, scanID string) (int, error) {
	var attempts int
	err := dbopen.RunTx(ctx, s.DB, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`UPDATE scans SET attempts = attempts + 1 WHERE id=?`, scanID); err != nil {
			return err
		}
		return tx.QueryRowContext(ctx,
			`SELECT attempts FROM scans WHERE id=?`, scanID).Scan(&attempts)
	})
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	return attempts, err
}

// AssignTransportNo sets an operator-supplied transport number on a failed
// scan and marks it ok, creating the document if needed. Part of manual
// reprocessing: the scan re-enters the pipeline as a recognized page.
func (s *Store) AssignTransportNo(ctx context.Context, scanID, transportNo string) error {
	if !ValidTransportNo(transportNo) {
		return fmt.Errorf("%w: %q", ErrBadTransportNo, transportNo)
	}
	now := time.Now().UnixMilli()
	return dbopen.RunTx(ctx, s.DB, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE scans SET transport_no=?, recog_status=?, recog_detail='', engine='manual'
			 WHERE id=?`, transportNo, RecogOK, scanID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO documents (transport_no, status, created_at, updated_at)
			 VALUES (?,?,?,?)
			 ON CONFLICT(transport_no) DO NOTHING`,
			transportNo, StatusPending, now, now)
		return err
	})
}

// ResetScanForRetry puts a failed scan back to pending so the next tick
// re-runs recognition. Used for reprocessing without an operator-supplied
// number.
func (s *Store) ResetScanForRetry(ctx context.Context, scanID string) error {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE scans SET recog_status=?, recog_detail='', attempts=0 WHERE id=?`,
		RecogPending, scanID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) queryScans(ctx context.Context, query string, args ...any) ([]*Scan, error) {
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var scans []*Scan
	for rows.Next() {
		sc := &Scan{}
		if err := rows.Scan(&sc.ID, &sc.SourcePath, &sc.OriginalName, &sc.ContentHash,
			&sc.SizeBytes, &sc.AdmittedAt, &sc.TransportNo, &sc.RecogStatus,
			&sc.RecogDetail, &sc.Engine, &sc.DPI, &sc.Attempts); err != nil {
			return nil, err
		}
		scans = append(scans, sc)
	}
	return scans, rows.Err()
}

func scanScan(row *sql.Row) (*Scan, error) {
	sc := &Scan{}
	err := row.Scan(&sc.ID, &sc.SourcePath, &sc.OriginalName, &sc.ContentHash,
		&sc.SizeBytes, &sc.AdmittedAt, &sc.TransportNo, &sc.RecogStatus,
		&sc.RecogDetail, &sc.Engine, &sc.DPI, &sc.Attempts)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return sc, err
}
