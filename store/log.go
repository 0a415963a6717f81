package store

import (
	"context"
	"log/slog"
	"time"
)

// Log actions recorded in process_log.
const (
	ActionAdmit     = "ADMIT"
	ActionRecognize = "RECOGNIZE"
	ActionMerge     = "MERGE"
	ActionUpload    = "UPLOAD"
	ActionReprocess = "REPROCESS"
)

// AppendLog records a processing step. Best-effort: a failing audit write is
// logged but never blocks the pipeline.
func (s *Store) AppendLog(ctx context.Context, transportNo, scanID, action, status, message string) {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO process_log (transport_no, scan_id, action, status, message, created_at)
		 VALUES (?,?,?,?,?,?)`,
		transportNo, scanID, action, status, message, time.Now().UnixMilli())
	if err != nil {
		slog.Warn("store: process log write failed", "action", action, "error", err)
	}
}
