package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/robfig/cron/v3"

	"analytics/internal/diag"
)

// ─────────────────────────────────────────────────────────────
// Scheduler — cron-triggered runs with config hot reload
// ─────────────────────────────────────────────────────────────

// ReloadFunc re-reads configuration and returns the cron expression it
// now specifies.
type ReloadFunc func() (string, error)

// Scheduler fires a job on a cron schedule and rebuilds the schedule when
// the config file changes.
type Scheduler struct {
	job  func(ctx context.Context) error
	sink diag.Sink

	mu        sync.Mutex
	expr      string
	cronSched *cron.Cron

	// watcher lifecycle
	watchCancel context.CancelFunc
	watcher     *fsnotify.Watcher

	// Debounce is how long config writes settle before a reload.
	Debounce time.Duration
}

// NewScheduler creates a Scheduler for job.
func NewScheduler(job func(ctx context.Context) error, sink diag.Sink) *Scheduler {
	return &Scheduler{job: job, sink: diag.OrDiscard(sink), Debounce: 500 * time.Millisecond}
}

// Expr returns the active cron expression, or "" when nothing is scheduled.
func (s *Scheduler) Expr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expr
}

// Next returns when the job fires next. ok is false when nothing is scheduled.
func (s *Scheduler) Next() (next time.Time, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cronSched == nil {
		return time.Time{}, false
	}
	entries := s.cronSched.Entries()
	if len(entries) == 0 {
		return time.Time{}, false
	}
	return entries[0].Next, true
}

// Schedule replaces the current schedule with expr (standard five-field
// cron or a descriptor such as "@daily"). An empty expr stops scheduling.
// An invalid expr leaves the current schedule in place.
func (s *Scheduler) Schedule(ctx context.Context, expr string) error {
	if expr != "" {
		if _, err := cron.ParseStandard(expr); err != nil {
			return fmt.Errorf("invalid cron expression %q: %w", expr, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cronSched != nil {
		s.cronSched.Stop()
		s.cronSched = nil
	}
	s.expr = expr
	if expr == "" {
		s.sink.Log(ctx, slog.LevelInfo, "schedule cleared")
		return nil
	}

	c := cron.New()
	if _, err := c.AddFunc(expr, func() { s.Trigger(ctx) }); err != nil {
		return fmt.Errorf("schedule %q: %w", expr, err)
	}
	c.Start()
	s.cronSched = c
	s.sink.Log(ctx, slog.LevelInfo, "pipeline scheduled", slog.String("cron", expr))
	return nil
}

// Trigger runs the job once now. Overlapping runs are skipped.
func (s *Scheduler) Trigger(ctx context.Context) {
	s.sink.Log(ctx, slog.LevelInfo, "scheduled run starting")
	err := s.job(ctx)
	switch {
	case errors.Is(err, ErrAlreadyRunning):
		s.sink.Log(ctx, slog.LevelWarn, "scheduled run skipped", slog.String("reason", err.Error()))
	case err != nil:
		s.sink.Log(ctx, slog.LevelError, "scheduled run failed", slog.String("error", err.Error()))
	}
}

// ── Config watcher ────────────────────────────────────────

// WatchConfig reloads the schedule whenever path is written. Reload
// errors are logged and the previous schedule stays active.
func (s *Scheduler) WatchConfig(ctx context.Context, path string, reload ReloadFunc) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("config path %q: %w", path, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	// Editors replace files on save, so watch the directory.
	if err := watcher.Add(filepath.Dir(absPath)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %q: %w", filepath.Dir(absPath), err)
	}

	watchCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.stopWatcherLocked()
	s.watcher = watcher
	s.watchCancel = cancel
	s.mu.Unlock()

	go func() {
		var timer *time.Timer
		for {
			select {
			case <-watchCtx.Done():
				if timer != nil {
					timer.Stop()
				}
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				if p, _ := filepath.Abs(event.Name); p != absPath {
					continue
				}
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(s.Debounce, func() { s.reload(ctx, reload) })
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.sink.Log(ctx, slog.LevelWarn, "config watcher error", slog.String("error", err.Error()))
			}
		}
	}()

	s.sink.Log(ctx, slog.LevelInfo, "watching config", slog.String("path", absPath))
	return nil
}

func (s *Scheduler) reload(ctx context.Context, reload ReloadFunc) {
	expr, err := reload()
	if err != nil {
		s.sink.Log(ctx, slog.LevelWarn, "config reload failed", slog.String("error", err.Error()))
		return
	}
	if expr == s.Expr() {
		return
	}
	if err := s.Schedule(ctx, expr); err != nil {
		s.sink.Log(ctx, slog.LevelWarn, "config reload failed", slog.String("error", err.Error()))
	}
}

// Stop tears down the cron scheduler and the config watcher. Runs already
// in progress are not interrupted.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopWatcherLocked()
	if s.cronSched != nil {
		s.cronSched.Stop()
		s.cronSched = nil
	}
}

func (s *Scheduler) stopWatcherLocked() {
	if s.watchCancel != nil {
		s.watchCancel()
		s.watchCancel = nil
	}
	if s.watcher != nil {
		s.watcher.Close()
		s.watcher = nil
	}
}
