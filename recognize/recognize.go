// Package recognize decodes the 14-digit transport number from scanned PDF
// pages. Several QR engines are tried in a fixed priority order at an
// escalating list of resolutions; the fallback ladder, not any single
// engine, is what makes damaged or skewed symbols readable. Recognition is
// a pure read of the source file.
package recognize

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"

	"github.com/hanbit-ops/scanflow/store"
)

// Typed recognition failures. All of them require operator input; none is
// retried automatically.
var (
	// ErrNoCode: no engine found a QR symbol on any page at any resolution.
	ErrNoCode = errors.New("recognize: no code found")
	// ErrInvalidFormat: a symbol decoded but its payload is not a
	// well-formed transport number.
	ErrInvalidFormat = errors.New("recognize: decoded payload is not a transport number")
	// ErrAmbiguous: distinct valid transport numbers were decoded; the
	// recognizer never guesses between them.
	ErrAmbiguous = errors.New("recognize: multiple distinct codes")
	// ErrRender: the PDF could not be opened or its pages rasterized.
	ErrRender = errors.New("recognize: unreadable source")
)

// Result is a successful recognition. Not persisted as such; the scheduler
// commits it onto the scan record.
type Result struct {
	TransportNo string
	Engine      string
	DPI         int
	Pages       int
}

// Config configures a Recognizer.
type Config struct {
	// Engines in priority order; see NewEngine for known names.
	Engines []string
	// DPICandidates is the resolution ladder, tried in order.
	DPICandidates []int
	// FailedImageDir, if set, receives a PNG dump of any page image that
	// defeated every engine at every resolution.
	FailedImageDir string
	Logger         *slog.Logger
}

// Recognizer sweeps engines and resolutions over the pages of a scan.
type Recognizer struct {
	engines []Engine
	dpis    []int
	dumpDir string
	logger  *slog.Logger
}

// New builds a Recognizer from config. Unknown engine names are an error;
// an empty ladder gets the single default resolution.
func New(cfg Config) (*Recognizer, error) {
	if len(cfg.Engines) == 0 {
		cfg.Engines = []string{EngineZXing, EngineGoQR}
	}
	if len(cfg.DPICandidates) == 0 {
		cfg.DPICandidates = []int{200}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	engines := make([]Engine, 0, len(cfg.Engines))
	for _, name := range cfg.Engines {
		e, err := NewEngine(name)
		if err != nil {
			return nil, err
		}
		engines = append(engines, e)
	}
	return &Recognizer{
		engines: engines,
		dpis:    cfg.DPICandidates,
		dumpDir: cfg.FailedImageDir,
		logger:  cfg.Logger,
	}, nil
}

// ReadFile extracts the transport number from a scanned PDF. Every page is
// inspected; all decoded payloads are validated against the 14-digit format
// before they count. Exactly one distinct valid number must emerge.
func (r *Recognizer) ReadFile(ctx context.Context, path string) (*Result, error) {
	pages, err := pageImages(path)
	if err != nil {
		return nil, fmt.Errorf("recognize: %s: %w: %v", path, ErrRender, err)
	}
	if len(pages) == 0 {
		return nil, fmt.Errorf("recognize: %s: %w", path, ErrNoCode)
	}

	valid := map[string]pageHit{}
	sawInvalid := false

	for _, pg := range pages {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		hit, found := r.sweepPage(pg)
		if !found {
			r.dumpFailedPage(pg)
			continue
		}
		distinct := map[string]bool{}
		for _, code := range hit.codes {
			if !store.ValidTransportNo(code) {
				sawInvalid = true
				r.logger.Warn("recognize: payload fails format check",
					"path", path, "page", pg.number, "payload", code)
				continue
			}
			distinct[code] = true
		}
		if len(distinct) > 1 {
			// One page, one engine, several codes: a split or double-fed
			// sheet. Never pick one.
			return nil, fmt.Errorf("recognize: page %d: %w: %v",
				pg.number, ErrAmbiguous, keys(distinct))
		}
		for code := range distinct {
			if _, ok := valid[code]; !ok {
				valid[code] = pageHit{engine: hit.engine, dpi: hit.dpi}
			}
		}
	}

	switch len(valid) {
	case 0:
		if sawInvalid {
			return nil, fmt.Errorf("recognize: %s: %w", path, ErrInvalidFormat)
		}
		return nil, fmt.Errorf("recognize: %s: %w", path, ErrNoCode)
	case 1:
		for code, hit := range valid {
			return &Result{
				TransportNo: code,
				Engine:      hit.engine,
				DPI:         hit.dpi,
				Pages:       len(pages),
			}, nil
		}
	}
	return nil, fmt.Errorf("recognize: %s: %w: %v", path, ErrAmbiguous, keys(valid))
}

type pageHit struct {
	codes  []string
	engine string
	dpi    int
}

// sweepPage runs the full engine sweep at the first resolution, then
// escalates through the ladder, short-circuiting on the first engine that
// yields any payload.
func (r *Recognizer) sweepPage(pg pageImage) (pageHit, bool) {
	for _, dpi := range r.dpis {
		scaled := scaleForDPI(pg.img, dpi)
		for _, eng := range r.engines {
			codes := eng.Decode(scaled)
			if len(codes) == 0 {
				continue
			}
			r.logger.Debug("recognize: decoded",
				"page", pg.number, "engine", eng.Name(), "dpi", dpi, "codes", len(codes))
			return pageHit{codes: codes, engine: eng.Name(), dpi: dpi}, true
		}
	}
	return pageHit{}, false
}

func (r *Recognizer) dumpFailedPage(pg pageImage) {
	if r.dumpDir == "" {
		return
	}
	if err := os.MkdirAll(r.dumpDir, 0o755); err != nil {
		r.logger.Warn("recognize: debug dir", "error", err)
		return
	}
	path, err := writeDebugPNG(r.dumpDir, pg)
	if err != nil {
		r.logger.Warn("recognize: debug dump failed", "page", pg.number, "error", err)
		return
	}
	r.logger.Info("recognize: undecodable page dumped", "page", pg.number, "path", path)
}

func keys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
