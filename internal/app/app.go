package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"analytics/internal/analytics"
	"analytics/internal/config"
	"analytics/internal/dbclient"
	"analytics/internal/diag"
	"analytics/internal/export"
	"analytics/internal/metrics"
	"analytics/internal/pipeline"
	"analytics/internal/service"
)

// Options are the process-level inputs that are not part of the config
// file, mostly CLI flags.
type Options struct {
	ConfigPath string
	LogLevel   string // overrides log.level when set
	Stderr     io.Writer

	// LongRunning registers Go runtime collectors and is set for the
	// schedule and mcp modes.
	LongRunning bool

	// Clock stamps export file names. Defaults to time.Now.
	Clock func() time.Time
}

// App wires configuration, the database pool and every service together.
type App struct {
	Config config.Config
	Logger *slog.Logger
	Sink   diag.Sink

	Metrics      *metrics.Metrics
	Pool         *dbclient.Pool
	Executor     *dbclient.Executor
	Suite        *analytics.Suite
	Orchestrator *pipeline.Orchestrator
	Exporter     *export.Exporter
	Service      *service.AnalyticsService

	configPath string
	logCloser  io.Closer
	upload     *export.MinioUploader

	// exportOnSchedule starts from schedule.export and follows config
	// reloads.
	exportOnSchedule atomic.Bool
}

// New loads configuration and builds the App. Configuration problems are
// returned as *config.Error before any database connection is attempted.
func New(opts Options) (*App, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	if opts.LogLevel != "" {
		cfg.Log.Level = opts.LogLevel
	}

	logger, closer, err := diag.NewLogger(diag.LoggerOptions{
		Level:   cfg.Log.Level,
		Format:  cfg.Log.Format,
		Dir:     cfg.Log.Dir,
		Service: "analytics",
		Stderr:  opts.Stderr,
	})
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	a := &App{
		Config:     cfg,
		Logger:     logger,
		Sink:       diag.NewSlog(logger),
		configPath: opts.ConfigPath,
		logCloser:  closer,
	}
	if err := a.build(opts); err != nil {
		closer.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(opts Options) error {
	cfg := a.Config
	a.Metrics = metrics.New(opts.LongRunning)

	pool, err := dbclient.Open(cfg.Database.Driver, cfg.Database.URL)
	if err != nil {
		return &config.Error{Field: "database", Reason: err.Error(), Err: err}
	}
	a.exportOnSchedule.Store(cfg.Schedule.Export)
	pool.SetSink(a.Sink)
	a.Pool = pool

	execOpts := dbclient.Options{
		MaxAttempts: cfg.Retry.MaxAttempts,
		RetryDelay:  cfg.Retry.Delay.Std(),
		Sink:        a.Sink,
		OnAttempt:   a.Metrics.ObserveAttempt,
	}
	if cfg.Retry.TransientOnly {
		execOpts.Retryable = dbclient.IsTransient
	}
	a.Executor = dbclient.NewPoolExecutor(pool, execOpts)

	a.Suite = analytics.NewSuite(a.Executor, a.Sink, analytics.Settings{
		CohortMonthsBack:    cfg.Analytics.CohortMonthsBack,
		LTVMonthsBack:       cfg.Analytics.LTVMonthsBack,
		ChurnThresholdDays:  cfg.Analytics.ChurnThresholdDays,
		HighRiskLimit:       cfg.Analytics.HighRiskLimit,
		BottleneckThreshold: cfg.Analytics.BottleneckThreshold,
		RevenueWindow:       cfg.Analytics.RevenueWindow.Std(),
	})
	if opts.Clock != nil {
		a.Suite.SetClock(opts.Clock)
	}

	a.Orchestrator = pipeline.New(a.Suite.Stages(), pipeline.Options{
		Maintenance: a.Suite.Maintenance,
		Sink:        a.Sink,
		Observer:    a.Metrics,
	})

	exportOpts := export.ExporterOptions{
		Sink:      a.Sink,
		OnDataset: a.Metrics.ObserveExport,
	}
	if cfg.Export.Upload.Enabled {
		a.upload, err = newUploader(cfg.Export.Upload)
		if err != nil {
			return err
		}
		exportOpts.Uploader = a.upload
	}
	a.Exporter = export.NewExporter(a.Suite.Datasets(), export.NewFormatter(opts.Clock), exportOpts)

	a.Service = service.NewAnalyticsService(a.Orchestrator, a.Exporter, service.SinkEmitter{Sink: a.Sink})
	return nil
}

func newUploader(cfg config.Upload) (*export.MinioUploader, error) {
	u, err := export.NewMinioUploader(export.MinioConfig{
		Endpoint:  cfg.Endpoint,
		AccessKey: cfg.AccessKey,
		SecretKey: cfg.SecretKey,
		Bucket:    cfg.Bucket,
		Prefix:    cfg.Prefix,
		Region:    cfg.Region,
		UseSSL:    cfg.UseSSL,
	})
	if err != nil {
		return nil, &config.Error{Field: "export.upload", Reason: err.Error(), Err: err}
	}
	return u, nil
}

// Close releases the pool and flushes the log file.
func (a *App) Close() error {
	var errs []error
	if a.Pool != nil {
		errs = append(errs, a.Pool.Close())
	}
	if a.logCloser != nil {
		errs = append(errs, a.logCloser.Close())
	}
	return errors.Join(errs...)
}

// ── One-shot commands ─────────────────────────────────────

// RunPipeline runs all stages (or the named ones) and writes the metrics
// textfile when configured.
func (a *App) RunPipeline(ctx context.Context, stages ...string) (*pipeline.Report, error) {
	report, err := a.Service.RunPipeline(ctx, stages...)
	a.flushMetrics(ctx)
	return report, err
}

// Export writes the named datasets (all when empty). Empty enc and dir
// fall back to the configured format and directory.
func (a *App) Export(ctx context.Context, enc export.Encoding, dir string, names ...string) (*export.BatchReport, error) {
	if enc == "" {
		enc = export.Encoding(a.Config.Export.Format)
	}
	if dir == "" {
		dir = a.Config.Export.Dir
	}
	if a.upload != nil {
		if err := a.upload.EnsureBucket(ctx); err != nil {
			a.Sink.Log(ctx, slog.LevelWarn, "bucket check failed", slog.String("error", err.Error()))
		}
	}
	report, err := a.Service.Export(ctx, enc, dir, names...)
	a.flushMetrics(ctx)
	return report, err
}

func (a *App) flushMetrics(ctx context.Context) {
	path := a.Config.Metrics.Textfile
	if path == "" {
		return
	}
	if err := a.Metrics.WriteTextfile(path); err != nil {
		a.Sink.Log(ctx, slog.LevelWarn, "metrics textfile not written", slog.String("error", err.Error()))
	}
}
