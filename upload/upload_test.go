package upload

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hanbit-ops/scanflow/dbopen"
	"github.com/hanbit-ops/scanflow/store"
)

const tn = "12345678901234"

func newStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.New(dbopen.OpenMemory(t))
	if err != nil {
		t.Fatal(err)
	}
	return st
}

// mergedDoc seeds a MERGED document backed by a real artifact file.
func mergedDoc(t *testing.T, st *store.Store, dir string) *store.Document {
	t.Helper()
	ctx := context.Background()
	sc := &store.Scan{SourcePath: "/in/a.pdf", OriginalName: "a.pdf", ContentHash: "a"}
	if err := st.AdmitScan(ctx, sc); err != nil {
		t.Fatal(err)
	}
	if err := st.MarkScanRecognized(ctx, sc.ID, tn, "zxing", 200); err != nil {
		t.Fatal(err)
	}
	artifact := filepath.Join(dir, tn+".pdf")
	if err := os.WriteFile(artifact, []byte("%PDF merged artifact"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := st.MarkMerged(ctx, tn, artifact, "deadbeef", 1, 1, 0); err != nil {
		t.Fatal(err)
	}
	doc, err := st.GetDocument(ctx, tn)
	if err != nil {
		t.Fatal(err)
	}
	return doc
}

type fakeSink struct {
	outcomes []Outcome
	calls    int
	keys     []string
}

func (f *fakeSink) Name() string { return "fake" }

func (f *fakeSink) Store(ctx context.Context, d Delivery) (Outcome, error) {
	f.keys = append(f.keys, d.Key())
	o := f.outcomes[f.calls]
	f.calls++
	if o == Stored || o == Duplicate {
		return o, nil
	}
	return o, fmt.Errorf("attempt %d failed", f.calls)
}

func TestDeliveryKey(t *testing.T) {
	d := Delivery{TransportNo: tn, ContentHash: "cafe"}
	if d.Key() != tn+"-cafe" {
		t.Errorf("Key = %s", d.Key())
	}
}

func TestDispatchStored(t *testing.T) {
	st := newStore(t)
	doc := mergedDoc(t, st, t.TempDir())
	sink := &fakeSink{outcomes: []Outcome{Stored}}
	dp := NewDispatcher(st, sink, RetryPolicy{MaxAttempts: 3}, nil)

	if err := dp.Dispatch(context.Background(), doc); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	got, _ := st.GetDocument(context.Background(), tn)
	if got.Status != store.StatusUploaded {
		t.Errorf("status = %s, want UPLOADED", got.Status)
	}
	if sink.keys[0] != tn+"-deadbeef" {
		t.Errorf("idempotency key = %s", sink.keys[0])
	}
}

func TestDispatchDuplicateCountsAsDelivered(t *testing.T) {
	st := newStore(t)
	doc := mergedDoc(t, st, t.TempDir())
	sink := &fakeSink{outcomes: []Outcome{Duplicate}}
	dp := NewDispatcher(st, sink, RetryPolicy{MaxAttempts: 3}, nil)

	if err := dp.Dispatch(context.Background(), doc); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	got, _ := st.GetDocument(context.Background(), tn)
	if got.Status != store.StatusUploaded {
		t.Errorf("status = %s, want UPLOADED", got.Status)
	}
}

func TestDispatchPermanentFailsImmediately(t *testing.T) {
	st := newStore(t)
	doc := mergedDoc(t, st, t.TempDir())
	sink := &fakeSink{outcomes: []Outcome{Permanent}}
	dp := NewDispatcher(st, sink, RetryPolicy{MaxAttempts: 5}, nil)

	if err := dp.Dispatch(context.Background(), doc); err == nil {
		t.Fatal("Dispatch succeeded on permanent failure")
	}
	if sink.calls != 1 {
		t.Errorf("sink calls = %d, want 1", sink.calls)
	}
	got, _ := st.GetDocument(context.Background(), tn)
	if got.Status != store.StatusError {
		t.Errorf("status = %s, want ERROR", got.Status)
	}
}

func TestDispatchTransientExhaustsBudget(t *testing.T) {
	st := newStore(t)
	doc := mergedDoc(t, st, t.TempDir())
	sink := &fakeSink{outcomes: []Outcome{Transient, Transient, Transient}}
	dp := NewDispatcher(st, sink, RetryPolicy{MaxAttempts: 3}, nil)
	dp.now = func() time.Time { return time.Now().Add(24 * time.Hour) }
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		doc, _ = st.GetDocument(ctx, tn)
		if doc.Status != store.StatusMerged {
			t.Fatalf("attempt %d: status = %s, want MERGED", i+1, doc.Status)
		}
		if !dp.Due(doc) {
			t.Fatalf("attempt %d: not due with clock far ahead", i+1)
		}
		if err := dp.Dispatch(ctx, doc); err == nil {
			t.Fatalf("attempt %d unexpectedly succeeded", i+1)
		}
	}

	got, _ := st.GetDocument(ctx, tn)
	if got.Status != store.StatusError {
		t.Fatalf("status after exhaustion = %s, want ERROR", got.Status)
	}
	if got.RetryCount != 3 {
		t.Errorf("retry count = %d, want 3", got.RetryCount)
	}
}

func TestDueRespectsBackoffWindow(t *testing.T) {
	st := newStore(t)
	doc := mergedDoc(t, st, t.TempDir())
	dp := NewDispatcher(st, &fakeSink{}, RetryPolicy{
		MaxAttempts:  5,
		InitialDelay: time.Minute,
		Multiplier:   2,
		MaxDelay:     time.Hour,
	}, nil)

	if !dp.Due(doc) {
		t.Error("fresh document not due")
	}
	doc.RetryCount = 1
	doc.UpdatedAt = time.Now().UnixMilli()
	if dp.Due(doc) {
		t.Error("due immediately after a failed attempt")
	}
	dp.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	if !dp.Due(doc) {
		t.Error("not due after the backoff window elapsed")
	}
}

func TestRetryPolicyDelaySchedule(t *testing.T) {
	p := RetryPolicy{
		MaxAttempts:  5,
		InitialDelay: time.Minute,
		Multiplier:   2,
		MaxDelay:     time.Hour,
	}
	if d := p.Delay(tn, 0); d != 0 {
		t.Errorf("Delay(0) = %v, want 0", d)
	}
	// Jitter is ±10%, so check bands rather than exact values.
	bands := []struct {
		attempt int
		nominal time.Duration
	}{
		{1, time.Minute},
		{2, 2 * time.Minute},
		{3, 4 * time.Minute},
		{10, time.Hour}, // capped
	}
	for _, b := range bands {
		d := p.Delay(tn, b.attempt)
		lo := time.Duration(float64(b.nominal) * 0.85)
		hi := time.Duration(float64(b.nominal) * 1.15)
		if d < lo || d > hi {
			t.Errorf("Delay(%d) = %v, want within [%v, %v]", b.attempt, d, lo, hi)
		}
	}
}

func TestRetryPolicyDelayStablePerAttempt(t *testing.T) {
	p := RetryPolicy{
		MaxAttempts:  5,
		InitialDelay: time.Minute,
		Multiplier:   2,
		MaxDelay:     time.Hour,
	}
	// The same document and attempt always land on the same deadline, so a
	// document that became due cannot wobble back to not-due on the next
	// evaluation.
	for attempt := 1; attempt <= 5; attempt++ {
		first := p.Delay(tn, attempt)
		for i := 0; i < 10; i++ {
			if d := p.Delay(tn, attempt); d != first {
				t.Fatalf("Delay(%d) changed between calls: %v then %v", attempt, first, d)
			}
		}
	}
}

func TestNASSinkStoresThenDuplicates(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "artifact.pdf")
	if err := os.WriteFile(src, []byte("%PDF artifact"), 0o644); err != nil {
		t.Fatal(err)
	}
	sink := NewNASSink(filepath.Join(dir, "share"))
	d := Delivery{TransportNo: tn, ContentHash: "cafe", Path: src}
	ctx := context.Background()

	outcome, err := sink.Store(ctx, d)
	if err != nil || outcome != Stored {
		t.Fatalf("first Store = %v, %v", outcome, err)
	}
	dst := filepath.Join(dir, "share", d.Key()+".pdf")
	body, err := os.ReadFile(dst)
	if err != nil {
		t.Fatalf("destination not written: %v", err)
	}
	if string(body) != "%PDF artifact" {
		t.Errorf("destination bytes = %q", body)
	}

	outcome, err = sink.Store(ctx, d)
	if err != nil || outcome != Duplicate {
		t.Fatalf("second Store = %v, %v (want Duplicate)", outcome, err)
	}
}

func TestNASSinkMissingSourceIsPermanent(t *testing.T) {
	sink := NewNASSink(t.TempDir())
	outcome, err := sink.Store(context.Background(), Delivery{
		TransportNo: tn, ContentHash: "x", Path: "/nonexistent/a.pdf",
	})
	if outcome != Permanent || err == nil {
		t.Fatalf("Store = %v, %v, want Permanent", outcome, err)
	}
}

func TestHTTPSinkOutcomes(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "artifact.pdf")
	if err := os.WriteFile(src, []byte("%PDF artifact"), 0o644); err != nil {
		t.Fatal(err)
	}
	d := Delivery{TransportNo: tn, ContentHash: "cafe", Path: src}

	cases := []struct {
		status  int
		outcome Outcome
	}{
		{http.StatusOK, Stored},
		{http.StatusCreated, Stored},
		{http.StatusConflict, Duplicate},
		{http.StatusUnauthorized, Permanent},
		{http.StatusUnprocessableEntity, Permanent},
		{http.StatusTooManyRequests, Transient},
		{http.StatusBadGateway, Transient},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("status_%d", tc.status), func(t *testing.T) {
			var gotKey, gotAuth string
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotKey = r.Header.Get("X-Idempotency-Key")
				gotAuth = r.Header.Get("Authorization")
				w.WriteHeader(tc.status)
			}))
			defer srv.Close()

			sink := NewHTTPSink(HTTPSinkConfig{Endpoint: srv.URL, Token: "tok"})
			outcome, _ := sink.Store(context.Background(), d)
			if outcome != tc.outcome {
				t.Errorf("outcome = %v, want %v", outcome, tc.outcome)
			}
			if gotKey != d.Key() {
				t.Errorf("X-Idempotency-Key = %q, want %q", gotKey, d.Key())
			}
			if gotAuth != "Bearer tok" {
				t.Errorf("Authorization = %q", gotAuth)
			}
		})
	}
}

func TestHTTPSinkUnreachableIsTransient(t *testing.T) {
	src := filepath.Join(t.TempDir(), "a.pdf")
	if err := os.WriteFile(src, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	sink := NewHTTPSink(HTTPSinkConfig{Endpoint: "http://127.0.0.1:1/upload", Timeout: time.Second})
	outcome, err := sink.Store(context.Background(), Delivery{TransportNo: tn, ContentHash: "x", Path: src})
	if outcome != Transient || err == nil {
		t.Fatalf("Store = %v, %v, want Transient", outcome, err)
	}
}

func TestHTTPSinkSizeCap(t *testing.T) {
	src := filepath.Join(t.TempDir(), "big.pdf")
	if err := os.WriteFile(src, make([]byte, 2048), 0o644); err != nil {
		t.Fatal(err)
	}
	sink := NewHTTPSink(HTTPSinkConfig{Endpoint: "http://unused.invalid", MaxFileSize: 1024})
	outcome, err := sink.Store(context.Background(), Delivery{TransportNo: tn, ContentHash: "x", Path: src})
	if outcome != Permanent || !errors.Is(err, ErrTooLarge) {
		t.Fatalf("Store = %v, %v, want Permanent/ErrTooLarge", outcome, err)
	}
}
