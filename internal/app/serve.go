package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"analytics/internal/config"
	"analytics/internal/export"
	mcpserver "analytics/internal/mcp"
	"analytics/internal/service"
)

// ── Long-running modes ────────────────────────────────────

// Schedule runs the pipeline on the configured cron expression until ctx
// is cancelled. The schedule follows edits to the config file, and the
// status server runs when metrics.addr is set.
func (a *App) Schedule(ctx context.Context) error {
	if a.Config.Schedule.Cron == "" {
		return &config.Error{Field: "schedule.cron", Reason: "required for schedule mode"}
	}

	sched := service.NewScheduler(a.scheduledJob, a.Sink)
	if err := sched.Schedule(ctx, a.Config.Schedule.Cron); err != nil {
		return &config.Error{Field: "schedule.cron", Reason: err.Error(), Err: err}
	}
	defer sched.Stop()

	if a.configPath != "" {
		if err := sched.WatchConfig(ctx, a.configPath, a.reloadSchedule); err != nil {
			a.Sink.Log(ctx, slog.LevelWarn, "config watch disabled", slog.String("error", err.Error()))
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	if addr := a.Config.Metrics.Addr; addr != "" {
		router := service.NewStatusRouter(a.Service, sched, a.Metrics.Handler())
		g.Go(func() error { return service.Serve(gctx, addr, router, a.Sink) })
	}
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})
	err := g.Wait()

	sched.Stop()
	waitCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	a.Service.WaitRunning(waitCtx)
	return err
}

// scheduledJob is one cron tick: a full refresh and, when configured, a
// full export.
func (a *App) scheduledJob(ctx context.Context) error {
	report, err := a.Service.RunPipeline(ctx)
	if err != nil {
		return err
	}
	if !report.Success {
		a.Sink.Log(ctx, slog.LevelWarn, "scheduled run had failures", slog.Any("failed", report.Failed()))
	}
	if a.exportOnSchedule.Load() {
		if _, err := a.Export(ctx, "", ""); err != nil {
			return fmt.Errorf("scheduled export: %w", err)
		}
	}
	return nil
}

// reloadSchedule re-reads the config file. Only the cron expression and
// the export toggle take effect without a restart.
func (a *App) reloadSchedule() (string, error) {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return "", err
	}
	a.exportOnSchedule.Store(cfg.Schedule.Export)
	if cfg.Schedule.Cron == "" {
		return "", errors.New("schedule.cron removed; keeping the current schedule")
	}
	return cfg.Schedule.Cron, nil
}

// ServeMCP exposes the pipeline as MCP tools on stdin/stdout.
func (a *App) ServeMCP(ctx context.Context, version string) error {
	srv := mcpserver.New(mcpserver.Deps{
		Analytics:     a.Service,
		Sink:          a.Sink,
		ExportDir:     a.Config.Export.Dir,
		DefaultFormat: export.Encoding(a.Config.Export.Format),
		Version:       version,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ServeStdio() }()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return nil
	}
}
