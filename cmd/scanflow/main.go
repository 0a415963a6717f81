// Command scanflow runs the scan-to-upload pipeline: it watches a scanner
// output folder, extracts transport numbers from QR codes, merges the pages
// of each transport into one PDF and uploads the result exactly once.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"
	_ "modernc.org/sqlite"

	"github.com/hanbit-ops/scanflow/batch"
	"github.com/hanbit-ops/scanflow/config"
	"github.com/hanbit-ops/scanflow/control"
	"github.com/hanbit-ops/scanflow/dbopen"
	"github.com/hanbit-ops/scanflow/intake"
	"github.com/hanbit-ops/scanflow/merge"
	"github.com/hanbit-ops/scanflow/recognize"
	"github.com/hanbit-ops/scanflow/store"
	"github.com/hanbit-ops/scanflow/upload"
)

func main() {
	cfgPath := env("SCANFLOW_CONFIG", "config.yaml")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("config", "error", err)
		os.Exit(1)
	}
	applyEnvOverrides(cfg)

	// Logging.
	var lvl slog.Level
	switch cfg.System.LogLevel {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)

	// Signal context.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	db, err := dbopen.Open(cfg.Paths.Database(), dbopen.WithMkdirAll())
	if err != nil {
		slog.Error("open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	st, err := store.New(db)
	if err != nil {
		slog.Error("init store", "error", err)
		os.Exit(1)
	}

	recCfg := recognize.Config{
		Engines:       cfg.QR.Engines,
		DPICandidates: cfg.QR.DPICandidates,
		Logger:        logger,
	}
	if cfg.QR.SaveFailedImages {
		recCfg.FailedImageDir = cfg.Paths.QRDebug()
	}
	recognizer, err := recognize.New(recCfg)
	if err != nil {
		slog.Error("init recognizer", "error", err)
		os.Exit(1)
	}

	merger := merge.New(st, cfg.Paths.Merged(), logger)

	var sink upload.Sink
	switch cfg.Upload.Type {
	case "http":
		sink = upload.NewHTTPSink(upload.HTTPSinkConfig{
			Endpoint:    cfg.Upload.HTTP.Endpoint,
			Token:       cfg.Upload.HTTP.Token,
			Timeout:     cfg.Upload.HTTP.Timeout.D(),
			MaxFileSize: cfg.Upload.HTTP.MaxFileSize,
		})
	default:
		sink = upload.NewNASSink(cfg.Upload.NAS.Path)
	}
	dispatcher := upload.NewDispatcher(st, sink, upload.RetryPolicy{
		MaxAttempts:  cfg.Retry.MaxAttempts,
		InitialDelay: cfg.Retry.InitialDelay.D(),
		Multiplier:   cfg.Retry.Multiplier,
		MaxDelay:     cfg.Retry.MaxDelay.D(),
	}, logger)

	controller := batch.New(batch.Config{
		Interval:          cfg.Batch.Interval.D(),
		ItemTimeout:       cfg.Batch.ItemTimeout.D(),
		Workers:           cfg.System.WorkerCount,
		PendingRetryTicks: cfg.QR.PendingRetryTicks,
		Logger:            logger,
	}, st, recognizer, merger, dispatcher)

	watcher := intake.New(st, intake.Config{
		Dir:             cfg.Paths.ScannerOutput,
		PollInterval:    cfg.Watcher.PollInterval.D(),
		StabilityWait:   cfg.Watcher.StabilityWait.D(),
		StabilityChecks: cfg.Watcher.StabilityChecks,
		Logger:          logger,
	})

	logger.Info("scanflow starting",
		"watch_dir", cfg.Paths.ScannerOutput,
		"data_root", cfg.Paths.DataRoot,
		"sink", cfg.Upload.Type,
		"batch_interval", cfg.Batch.Interval.D().String())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		watcher.Run(gctx)
		return nil
	})
	g.Go(func() error {
		err := controller.Run(gctx)
		if err == context.Canceled {
			return nil
		}
		return err
	})
	if cfg.System.ControlAddr != "" {
		srv := control.New(cfg.System.ControlAddr, st, controller, logger)
		g.Go(func() error {
			return srv.Run(gctx)
		})
	}

	if err := g.Wait(); err != nil && err != context.Canceled {
		slog.Error("pipeline stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("scanflow stopped")
}

// applyEnvOverrides maps deployment-specific settings over the file config.
func applyEnvOverrides(cfg *config.Config) {
	if v := os.Getenv("SCANFLOW_SCANNER_OUTPUT"); v != "" {
		cfg.Paths.ScannerOutput = v
	}
	if v := os.Getenv("SCANFLOW_DATA_ROOT"); v != "" {
		cfg.Paths.DataRoot = v
	}
	if v := os.Getenv("SCANFLOW_CONTROL_ADDR"); v != "" {
		cfg.System.ControlAddr = v
	}
	if v := os.Getenv("SCANFLOW_UPLOAD_TOKEN"); v != "" {
		cfg.Upload.HTTP.Token = v
	}
	if v := os.Getenv("SCANFLOW_NAS_PATH"); v != "" {
		cfg.Upload.NAS.Path = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.System.LogLevel = v
	}
}

func env(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
