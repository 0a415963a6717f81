// Package config loads and validates the scanflow pipeline configuration.
//
// Configuration comes from a YAML file, with environment overrides for the
// values that differ between deployments (paths, sink credentials). Every
// section carries its own defaults so a partial file is always usable.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for one pipeline instance.
type Config struct {
	System  SystemConfig  `yaml:"system"`
	Paths   PathsConfig   `yaml:"paths"`
	Watcher WatcherConfig `yaml:"watcher"`
	QR      QRConfig      `yaml:"qr"`
	Batch   BatchConfig   `yaml:"batch"`
	Upload  UploadConfig  `yaml:"upload"`
	Retry   RetryConfig   `yaml:"retry"`
}

// SystemConfig holds process-wide settings.
type SystemConfig struct {
	// LogLevel is one of debug, info, warn, error. Default: info.
	LogLevel string `yaml:"log_level"`
	// WorkerCount bounds concurrent merge/upload/recognition work. Default: 3.
	WorkerCount int `yaml:"worker_count"`
	// ControlAddr is the listen address for the control endpoints.
	// Empty disables the control server.
	ControlAddr string `yaml:"control_addr"`
}

// PathsConfig holds the filesystem layout.
type PathsConfig struct {
	// ScannerOutput is the watched folder the scanner drops PDFs into.
	ScannerOutput string `yaml:"scanner_output"`
	// DataRoot is the root for the database, merged artifacts and debug dumps.
	DataRoot string `yaml:"data_root"`
}

// Database returns the SQLite database path under the data root.
func (p *PathsConfig) Database() string { return filepath.Join(p.DataRoot, "scanflow.db") }

// Merged returns the directory merged artifacts are written to.
func (p *PathsConfig) Merged() string { return filepath.Join(p.DataRoot, "merged") }

// QRDebug returns the directory undecodable page images are dumped to.
func (p *PathsConfig) QRDebug() string { return filepath.Join(p.DataRoot, "qr_debug") }

// WatcherConfig tunes the intake watcher.
type WatcherConfig struct {
	// PollInterval is how often the watched folder is scanned. Default: 5s.
	PollInterval Duration `yaml:"poll_interval"`
	// StabilityWait is the quiet interval between size checks. Default: 3s.
	StabilityWait Duration `yaml:"stability_wait"`
	// StabilityChecks is how many consecutive unchanged sizes are required
	// before a file is considered fully written. Default: 3.
	StabilityChecks int `yaml:"stability_checks"`
}

// QRConfig tunes the recognizer.
type QRConfig struct {
	// Engines lists engine names in priority order. Default: [zxing, goqr].
	Engines []string `yaml:"engines"`
	// DPICandidates is the adaptive resolution ladder, tried in order.
	// Default mirrors the scanner fleet: 200 first, then the neighbours.
	DPICandidates []int `yaml:"dpi_candidates"`
	// SaveFailedImages dumps the page image when every engine fails.
	SaveFailedImages bool `yaml:"save_failed_images"`
	// PendingRetryTicks is how many batch ticks a scan may remain
	// unrecognized before its failure is committed to the document.
	// 0 commits on the first failing tick.
	PendingRetryTicks int `yaml:"pending_retry_ticks"`
}

// BatchConfig tunes the batch scheduler.
type BatchConfig struct {
	// Interval between scheduling ticks. Default: 1m.
	Interval Duration `yaml:"interval"`
	// ItemTimeout bounds one merge or upload within a tick. Default: 2m.
	ItemTimeout Duration `yaml:"item_timeout"`
}

// UploadConfig selects and configures the sink.
type UploadConfig struct {
	// Type is "nas" or "http". Default: nas.
	Type string     `yaml:"type"`
	NAS  NASConfig  `yaml:"nas"`
	HTTP HTTPConfig `yaml:"http"`
}

// NASConfig configures the network-share sink.
type NASConfig struct {
	// Path is the mounted share directory merged artifacts are copied to.
	Path string `yaml:"path"`
}

// HTTPConfig configures the HTTP multipart sink.
type HTTPConfig struct {
	Endpoint string   `yaml:"endpoint"`
	Token    string   `yaml:"token"`
	Timeout  Duration `yaml:"timeout"`
	// MaxFileSize in bytes; larger artifacts are rejected before the request.
	MaxFileSize int64 `yaml:"max_file_size"`
}

// RetryConfig is the upload retry policy.
type RetryConfig struct {
	// MaxAttempts before a document is parked in ERROR. Default: 5.
	MaxAttempts int `yaml:"max_attempts"`
	// InitialDelay before the first retry. Default: 1m.
	InitialDelay Duration `yaml:"initial_delay"`
	// Multiplier for exponential backoff. Default: 2.
	Multiplier float64 `yaml:"multiplier"`
	// MaxDelay caps the backoff. Default: 1h.
	MaxDelay Duration `yaml:"max_delay"`
}

func (c *Config) defaults() {
	if c.System.LogLevel == "" {
		c.System.LogLevel = "info"
	}
	if c.System.WorkerCount <= 0 {
		c.System.WorkerCount = 3
	}
	if c.Paths.ScannerOutput == "" {
		c.Paths.ScannerOutput = "data/scanner_output"
	}
	if c.Paths.DataRoot == "" {
		c.Paths.DataRoot = "data"
	}
	if c.Watcher.PollInterval <= 0 {
		c.Watcher.PollInterval = Duration(5 * time.Second)
	}
	if c.Watcher.StabilityWait <= 0 {
		c.Watcher.StabilityWait = Duration(3 * time.Second)
	}
	if c.Watcher.StabilityChecks <= 0 {
		c.Watcher.StabilityChecks = 3
	}
	if len(c.QR.Engines) == 0 {
		c.QR.Engines = []string{"zxing", "goqr"}
	}
	if len(c.QR.DPICandidates) == 0 {
		c.QR.DPICandidates = []int{200, 150, 250, 180, 220, 120, 300}
	}
	if c.Batch.Interval <= 0 {
		c.Batch.Interval = Duration(time.Minute)
	}
	if c.Batch.ItemTimeout <= 0 {
		c.Batch.ItemTimeout = Duration(2 * time.Minute)
	}
	if c.Upload.Type == "" {
		c.Upload.Type = "nas"
	}
	if c.Upload.Type == "nas" && c.Upload.NAS.Path == "" {
		// Local delivery directory stands in until a share is configured.
		c.Upload.NAS.Path = filepath.Join(c.Paths.DataRoot, "uploaded")
	}
	if c.Upload.HTTP.Timeout <= 0 {
		c.Upload.HTTP.Timeout = Duration(time.Minute)
	}
	if c.Upload.HTTP.MaxFileSize <= 0 {
		c.Upload.HTTP.MaxFileSize = 100 * 1024 * 1024
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = 5
	}
	if c.Retry.InitialDelay <= 0 {
		c.Retry.InitialDelay = Duration(time.Minute)
	}
	if c.Retry.Multiplier <= 1 {
		c.Retry.Multiplier = 2
	}
	if c.Retry.MaxDelay <= 0 {
		c.Retry.MaxDelay = Duration(time.Hour)
	}
}

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	switch c.Upload.Type {
	case "nas":
		if c.Upload.NAS.Path == "" {
			return fmt.Errorf("config: upload.nas.path is required for type nas")
		}
	case "http":
		if c.Upload.HTTP.Endpoint == "" {
			return fmt.Errorf("config: upload.http.endpoint is required for type http")
		}
	default:
		return fmt.Errorf("config: unsupported upload type %q", c.Upload.Type)
	}
	for _, e := range c.QR.Engines {
		if e != "zxing" && e != "goqr" {
			return fmt.Errorf("config: unknown qr engine %q", e)
		}
	}
	for _, dpi := range c.QR.DPICandidates {
		if dpi < 50 || dpi > 600 {
			return fmt.Errorf("config: dpi candidate %d out of range [50,600]", dpi)
		}
	}
	return nil
}

// Load reads a YAML config file, applies defaults and validates.
// A missing file yields the defaults (the common case for tests and first
// runs); a malformed file is an error.
func Load(path string) (*Config, error) {
	var c Config
	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// Defaults only.
	case err != nil:
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(data, &c); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	c.defaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Default returns a configuration with all defaults applied. Validation is
// skipped: the zero upload section is unusable until a sink is configured.
func Default() *Config {
	var c Config
	c.defaults()
	return &c
}
