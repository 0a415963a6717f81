package recognize

import (
	"fmt"
	"image"

	"github.com/liyue201/goqr"
	"github.com/makiuchi-d/gozxing"
	"github.com/makiuchi-d/gozxing/multi"
	qrmulti "github.com/makiuchi-d/gozxing/multi/qrcode"
)

// Known engine names, referenced from configuration.
const (
	EngineZXing = "zxing"
	EngineGoQR  = "goqr"
)

// Engine is one interchangeable QR decoding strategy. Decode returns every
// payload found in the image; an empty slice means the engine found nothing,
// which is a normal outcome, not an error — the sweep just moves on.
type Engine interface {
	Name() string
	Decode(img image.Image) []string
}

// NewEngine returns the engine registered under name.
func NewEngine(name string) (Engine, error) {
	switch name {
	case EngineZXing:
		return newZXingEngine(), nil
	case EngineGoQR:
		return &goqrEngine{}, nil
	}
	return nil, fmt.Errorf("recognize: unknown engine %q", name)
}

// zxingEngine wraps the gozxing ZXing port with TRY_HARDER enabled. The
// multi-reader is used so a double-fed sheet with two symbols surfaces both
// payloads instead of an arbitrary one.
type zxingEngine struct {
	reader multi.MultipleBarcodeReader
	hints  map[gozxing.DecodeHintType]any
}

func newZXingEngine() *zxingEngine {
	return &zxingEngine{
		reader: qrmulti.NewQRCodeMultiReader(),
		hints: map[gozxing.DecodeHintType]any{
			gozxing.DecodeHintType_TRY_HARDER: true,
		},
	}
}

func (e *zxingEngine) Name() string { return EngineZXing }

func (e *zxingEngine) Decode(img image.Image) []string {
	src := gozxing.NewLuminanceSourceFromImage(img)
	bmp, err := gozxing.NewBinaryBitmap(gozxing.NewHybridBinarizer(src))
	if err != nil {
		return nil
	}
	results, err := e.reader.DecodeMultiple(bmp, e.hints)
	if err != nil {
		// NotFoundException and friends: nothing on this image.
		return nil
	}
	codes := make([]string, 0, len(results))
	for _, res := range results {
		if txt := res.GetText(); txt != "" {
			codes = append(codes, txt)
		}
	}
	return codes
}

// goqrEngine wraps the pure-Go quirc-style decoder. It binarizes
// differently from ZXing, which is exactly why it earns a slot in the
// ladder: symbols one engine rejects the other sometimes reads.
type goqrEngine struct{}

func (e *goqrEngine) Name() string { return EngineGoQR }

func (e *goqrEngine) Decode(img image.Image) []string {
	qrs, err := goqr.Recognize(img)
	if err != nil {
		return nil
	}
	codes := make([]string, 0, len(qrs))
	for _, q := range qrs {
		if len(q.Payload) > 0 {
			codes = append(codes, string(q.Payload))
		}
	}
	return codes
}
