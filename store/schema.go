package store

import "database/sql"

// Schema is the complete scanflow schema. All timestamps are unix
// milliseconds; the state enums live in types.go.
const Schema = `
-- Raw scans admitted from the watched folder. Bytes are immutable after
-- admission; content_hash is UNIQUE so re-scanned duplicates are rejected
-- regardless of filename.
CREATE TABLE IF NOT EXISTS scans (
    id              TEXT PRIMARY KEY,
    source_path     TEXT NOT NULL,
    original_name   TEXT NOT NULL,
    content_hash    TEXT NOT NULL UNIQUE,
    size_bytes      INTEGER NOT NULL DEFAULT 0,
    admitted_at     INTEGER NOT NULL,
    transport_no    TEXT NOT NULL DEFAULT '',
    recog_status    TEXT NOT NULL DEFAULT 'pending',
    recog_detail    TEXT NOT NULL DEFAULT '',
    engine          TEXT NOT NULL DEFAULT '',
    dpi             INTEGER NOT NULL DEFAULT 0,
    attempts        INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_scans_recog ON scans(recog_status);
CREATE INDEX IF NOT EXISTS idx_scans_transport ON scans(transport_no, admitted_at);

-- Documents, keyed by transport number.
CREATE TABLE IF NOT EXISTS documents (
    transport_no    TEXT PRIMARY KEY,
    status          TEXT NOT NULL DEFAULT 'PENDING',
    merged_path     TEXT NOT NULL DEFAULT '',
    merged_hash     TEXT NOT NULL DEFAULT '',
    page_count      INTEGER NOT NULL DEFAULT 0,
    scan_count      INTEGER NOT NULL DEFAULT 0,
    duplicate_count INTEGER NOT NULL DEFAULT 0,
    error_message   TEXT NOT NULL DEFAULT '',
    retry_count     INTEGER NOT NULL DEFAULT 0,
    created_at      INTEGER NOT NULL,
    updated_at      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_documents_status ON documents(status, updated_at);

-- Append-only processing audit.
CREATE TABLE IF NOT EXISTS process_log (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    transport_no    TEXT NOT NULL DEFAULT '',
    scan_id         TEXT NOT NULL DEFAULT '',
    action          TEXT NOT NULL,
    status          TEXT NOT NULL,
    message         TEXT NOT NULL DEFAULT '',
    created_at      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_process_log_transport ON process_log(transport_no, created_at DESC);
`

// ApplySchema creates all tables and indexes if absent.
func ApplySchema(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}
