package store

import "regexp"

// Status is a document's position in the pipeline state machine.
type Status string

const (
	// StatusPending: pages collected, recognition/merge not yet complete.
	StatusPending Status = "PENDING"
	// StatusMerged: one artifact produced, awaiting upload.
	StatusMerged Status = "MERGED"
	// StatusUploaded: terminal success.
	StatusUploaded Status = "UPLOADED"
	// StatusError: terminal failure, recoverable only via Reprocess.
	StatusError Status = "ERROR"
)

// RecogStatus is the recognition outcome recorded on a scan.
type RecogStatus string

const (
	RecogPending      RecogStatus = "pending"
	RecogOK           RecogStatus = "ok"
	RecogNoCode       RecogStatus = "no_code_found"
	RecogInvalid      RecogStatus = "invalid_checksum"
	RecogAmbiguous    RecogStatus = "ambiguous_multiple_codes"
	RecogRenderFailed RecogStatus = "render_failed"
)

// Failed reports whether the status is a committed recognition failure.
func (r RecogStatus) Failed() bool {
	switch r {
	case RecogNoCode, RecogInvalid, RecogAmbiguous, RecogRenderFailed:
		return true
	}
	return false
}

// Scan is one admitted input file from the watched folder.
type Scan struct {
	ID           string
	SourcePath   string
	OriginalName string
	ContentHash  string
	SizeBytes    int64
	AdmittedAt   int64
	TransportNo  string
	RecogStatus  RecogStatus
	RecogDetail  string
	Engine       string
	DPI          int
	Attempts     int
}

// Document is the unit of business identity, keyed by transport number.
type Document struct {
	TransportNo    string
	Status         Status
	MergedPath     string
	MergedHash     string
	PageCount      int
	ScanCount      int
	DuplicateCount int
	ErrorMessage   string
	RetryCount     int
	CreatedAt      int64
	UpdatedAt      int64
}

var transportNoRe = regexp.MustCompile(`^\d{14}$`)

// ValidTransportNo reports whether s is a well-formed transport number:
// exactly 14 ASCII digits.
func ValidTransportNo(s string) bool {
	return transportNoRe.MatchString(s)
}
