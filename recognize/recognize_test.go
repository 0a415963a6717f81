package recognize

import (
	"context"
	"errors"
	"image"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hanbit-ops/scanflow/internal/testpdf"
)

func buildPDF(t *testing.T, name string, payloads ...string) string {
	t.Helper()
	dir := t.TempDir()
	var pngs []string
	for i, p := range payloads {
		png := filepath.Join(dir, name+"_"+string(rune('a'+i))+".png")
		if p == "" {
			if err := testpdf.WriteNoisePNG(png, 400); err != nil {
				t.Fatal(err)
			}
		} else {
			if err := testpdf.WriteQRPNG(png, p, 400); err != nil {
				t.Fatal(err)
			}
		}
		pngs = append(pngs, png)
	}
	pdf := filepath.Join(dir, name+".pdf")
	if err := testpdf.BuildPDF(pdf, pngs...); err != nil {
		t.Fatal(err)
	}
	return pdf
}

func newRecognizer(t *testing.T, engines ...string) *Recognizer {
	t.Helper()
	r, err := New(Config{Engines: engines, DPICandidates: []int{200, 150, 300}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return r
}

func TestEngineRoundTrip(t *testing.T) {
	img, err := testpdf.QRImage("12345678901234", 400)
	if err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{EngineZXing, EngineGoQR} {
		t.Run(name, func(t *testing.T) {
			eng, err := NewEngine(name)
			if err != nil {
				t.Fatalf("NewEngine(%s): %v", name, err)
			}
			codes := eng.Decode(img)
			if len(codes) != 1 || codes[0] != "12345678901234" {
				t.Errorf("Decode = %v, want [12345678901234]", codes)
			}
		})
	}
}

func TestEngineDecodeEmptyOnBlank(t *testing.T) {
	blank := image.NewGray(image.Rect(0, 0, 300, 300))
	for _, name := range []string{EngineZXing, EngineGoQR} {
		eng, err := NewEngine(name)
		if err != nil {
			t.Fatal(err)
		}
		if codes := eng.Decode(blank); len(codes) != 0 {
			t.Errorf("%s: Decode(blank) = %v, want none", name, codes)
		}
	}
}

func TestNewEngineUnknown(t *testing.T) {
	if _, err := NewEngine("zebra"); err == nil {
		t.Fatal("NewEngine accepted an unknown name")
	}
}

func TestReadFileSinglePage(t *testing.T) {
	pdf := buildPDF(t, "single", "12345678901234")
	r := newRecognizer(t, EngineZXing, EngineGoQR)

	res, err := r.ReadFile(context.Background(), pdf)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if res.TransportNo != "12345678901234" {
		t.Errorf("transport number = %s", res.TransportNo)
	}
	if res.Engine == "" || res.DPI == 0 {
		t.Errorf("provenance missing: %+v", res)
	}
	if res.Pages != 1 {
		t.Errorf("pages = %d, want 1", res.Pages)
	}
}

func TestReadFileMultiPageSameNumber(t *testing.T) {
	pdf := buildPDF(t, "multi", "12345678901234", "12345678901234")
	r := newRecognizer(t, EngineZXing)

	res, err := r.ReadFile(context.Background(), pdf)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if res.TransportNo != "12345678901234" || res.Pages != 2 {
		t.Errorf("result = %+v", res)
	}
}

func TestReadFileCodeOnLaterPage(t *testing.T) {
	// First page carries nothing; the number sits on page two.
	pdf := buildPDF(t, "later", "", "12345678901234")
	r := newRecognizer(t, EngineZXing, EngineGoQR)

	res, err := r.ReadFile(context.Background(), pdf)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if res.TransportNo != "12345678901234" {
		t.Errorf("transport number = %s", res.TransportNo)
	}
}

func TestReadFileAmbiguousAcrossPages(t *testing.T) {
	pdf := buildPDF(t, "ambiguous", "12345678901234", "98765432109876")
	r := newRecognizer(t, EngineZXing)

	_, err := r.ReadFile(context.Background(), pdf)
	if !errors.Is(err, ErrAmbiguous) {
		t.Fatalf("ReadFile = %v, want ErrAmbiguous", err)
	}
}

func TestReadFileInvalidFormat(t *testing.T) {
	pdf := buildPDF(t, "invalid", "HELLO-WORLD-42")
	r := newRecognizer(t, EngineZXing)

	_, err := r.ReadFile(context.Background(), pdf)
	if !errors.Is(err, ErrInvalidFormat) {
		t.Fatalf("ReadFile = %v, want ErrInvalidFormat", err)
	}
}

func TestReadFileNoCode(t *testing.T) {
	pdf := buildPDF(t, "noise", "")
	r := newRecognizer(t, EngineZXing, EngineGoQR)

	_, err := r.ReadFile(context.Background(), pdf)
	if !errors.Is(err, ErrNoCode) {
		t.Fatalf("ReadFile = %v, want ErrNoCode", err)
	}
}

// widthGatedEngine decodes only when the page was resampled to the width of
// one specific ladder entry, standing in for a symbol that is unreadable at
// the default resolution.
type widthGatedEngine struct {
	wantWidth int
	code      string
}

func (e *widthGatedEngine) Name() string { return "gated" }

func (e *widthGatedEngine) Decode(img image.Image) []string {
	if img.Bounds().Dx() != e.wantWidth {
		return nil
	}
	return []string{e.code}
}

func TestReadFileEscalatesThroughResolutionLadder(t *testing.T) {
	pdf := buildPDF(t, "ladder", "")
	const fallbackDPI = 300
	eng := &widthGatedEngine{
		wantWidth: int(float64(fallbackDPI) * a4WidthInches),
		code:      "12345678901234",
	}
	r := &Recognizer{
		engines: []Engine{eng},
		dpis:    []int{200, fallbackDPI},
		logger:  slog.Default(),
	}

	res, err := r.ReadFile(context.Background(), pdf)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if res.TransportNo != eng.code {
		t.Errorf("TransportNo = %s", res.TransportNo)
	}
	if res.DPI != fallbackDPI {
		t.Errorf("DPI = %d, want the fallback %d", res.DPI, fallbackDPI)
	}
	if res.Engine != "gated" {
		t.Errorf("Engine = %s", res.Engine)
	}

	// Without the fallback entry the sweep never reaches a readable width.
	r.dpis = []int{200}
	if _, err := r.ReadFile(context.Background(), pdf); !errors.Is(err, ErrNoCode) {
		t.Fatalf("ReadFile without fallback = %v, want ErrNoCode", err)
	}
}

func TestReadFileUnreadableSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.pdf")
	if err := os.WriteFile(path, []byte("%PDF-1.7 not really"), 0o644); err != nil {
		t.Fatal(err)
	}
	r := newRecognizer(t, EngineZXing)

	_, err := r.ReadFile(context.Background(), path)
	if !errors.Is(err, ErrRender) {
		t.Fatalf("ReadFile = %v, want ErrRender", err)
	}
}

func TestReadFileDumpsFailedPages(t *testing.T) {
	pdf := buildPDF(t, "dump", "")
	dumpDir := t.TempDir()
	r, err := New(Config{
		Engines:        []string{EngineZXing},
		DPICandidates:  []int{200},
		FailedImageDir: dumpDir,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.ReadFile(context.Background(), pdf); !errors.Is(err, ErrNoCode) {
		t.Fatalf("ReadFile = %v, want ErrNoCode", err)
	}
	entries, err := os.ReadDir(dumpDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("dumped files = %d, want 1", len(entries))
	}
	if !strings.HasSuffix(entries[0].Name(), ".png") {
		t.Errorf("dump file = %s, want a .png", entries[0].Name())
	}
}

func TestReadFileCancelled(t *testing.T) {
	pdf := buildPDF(t, "cancel", "12345678901234")
	r := newRecognizer(t, EngineZXing)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := r.ReadFile(ctx, pdf); !errors.Is(err, context.Canceled) {
		t.Fatalf("ReadFile = %v, want context.Canceled", err)
	}
}
