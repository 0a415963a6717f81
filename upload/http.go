package upload

import (
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

// HTTPSinkConfig configures an HTTPSink.
type HTTPSinkConfig struct {
	Endpoint    string
	Token       string
	Timeout     time.Duration
	MaxFileSize int64
}

// HTTPSink POSTs merged documents as multipart uploads. The receiver is
// expected to key on X-Idempotency-Key and answer 409 for an artifact it
// already holds; the dispatcher counts that as delivered.
type HTTPSink struct {
	cfg    HTTPSinkConfig
	client *http.Client
}

// NewHTTPSink returns a sink posting to cfg.Endpoint.
func NewHTTPSink(cfg HTTPSinkConfig) *HTTPSink {
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Minute
	}
	return &HTTPSink{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

func (h *HTTPSink) Name() string { return "http" }

func (h *HTTPSink) Store(ctx context.Context, d Delivery) (Outcome, error) {
	info, err := os.Stat(d.Path)
	if err != nil {
		return Permanent, fmt.Errorf("upload: source missing: %w", err)
	}
	if h.cfg.MaxFileSize > 0 && info.Size() > h.cfg.MaxFileSize {
		return Permanent, fmt.Errorf("%w: %d bytes", ErrTooLarge, info.Size())
	}

	f, err := os.Open(d.Path)
	if err != nil {
		return Permanent, fmt.Errorf("upload: open source: %w", err)
	}
	defer f.Close()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		part, err := mw.CreateFormFile("file", filepath.Base(d.Path))
		if err == nil {
			_, err = io.Copy(part, f)
		}
		if err == nil {
			err = mw.Close()
		}
		pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.cfg.Endpoint, pr)
	if err != nil {
		return Permanent, fmt.Errorf("upload: build request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("X-Idempotency-Key", d.Key())
	req.Header.Set("X-Transport-No", d.TransportNo)
	req.Header.Set("X-File-Hash", d.ContentHash)
	if h.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+h.cfg.Token)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		// DNS failures, refused connections, timeouts: the network may
		// recover, the artifact is unchanged.
		return Transient, fmt.Errorf("upload: post: %w", err)
	}
	defer func() {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
	}()

	return classify(resp.StatusCode)
}

func classify(status int) (Outcome, error) {
	switch {
	case status >= 200 && status < 300:
		return Stored, nil
	case status == http.StatusConflict:
		return Duplicate, nil
	case status == http.StatusUnauthorized,
		status == http.StatusForbidden,
		status == http.StatusRequestEntityTooLarge,
		status == http.StatusUnprocessableEntity:
		return Permanent, fmt.Errorf("upload: rejected with status %d", status)
	case status == http.StatusRequestTimeout,
		status == http.StatusTooManyRequests,
		status >= 500:
		return Transient, fmt.Errorf("upload: status %d", status)
	default:
		return Permanent, fmt.Errorf("upload: unexpected status %d", status)
	}
}
