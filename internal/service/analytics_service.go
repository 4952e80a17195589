package service

import (
	"context"
	"errors"
	"fmt"

	"analytics/internal/export"
	"analytics/internal/pipeline"
)

// ─────────────────────────────────────────────────────────────
// AnalyticsService — guarded entry point for pipeline runs and exports
// ─────────────────────────────────────────────────────────────

// Job IDs held in the running guard.
const (
	JobPipeline = "pipeline"
	JobExport   = "export"
)

// ErrAlreadyRunning is returned when the same job is already in progress.
var ErrAlreadyRunning = errors.New("already running")

// Runner is the orchestrator surface the service drives.
type Runner interface {
	Run(ctx context.Context) *pipeline.Report
	RunSelected(ctx context.Context, names ...string) (*pipeline.Report, error)
	Names() []string
}

// Exporter is the bulk export surface the service drives.
type Exporter interface {
	ExportAll(ctx context.Context, enc export.Encoding, dir string, names ...string) (*export.BatchReport, error)
	Names() []string
}

// AnalyticsService serializes runs per job and announces their results.
// The CLI, the scheduler and the MCP tools all go through it.
type AnalyticsService struct {
	runner   Runner
	exporter Exporter
	emitter  EventEmitter
	running  runningJobsGuard
}

// NewAnalyticsService creates an AnalyticsService. exporter may be nil
// when only refreshes are needed.
func NewAnalyticsService(runner Runner, exporter Exporter, emitter EventEmitter) *AnalyticsService {
	if emitter == nil {
		emitter = SinkEmitter{}
	}
	return &AnalyticsService{runner: runner, exporter: exporter, emitter: emitter}
}

// Stages lists the declared stage names in run order.
func (s *AnalyticsService) Stages() []string { return s.runner.Names() }

// Datasets lists the exportable dataset names.
func (s *AnalyticsService) Datasets() []string {
	if s.exporter == nil {
		return nil
	}
	return s.exporter.Names()
}

// ── Run ────────────────────────────────────────────────────

// RunPipeline runs every stage plus maintenance when stages is empty,
// otherwise only the named stages.
func (s *AnalyticsService) RunPipeline(ctx context.Context, stages ...string) (*pipeline.Report, error) {
	if !s.running.TryLock(JobPipeline) {
		s.emitter.Emit(ctx, EventRunSkipped, JobPipeline)
		return nil, fmt.Errorf("%s: %w", JobPipeline, ErrAlreadyRunning)
	}
	defer s.running.Unlock(JobPipeline)

	var (
		report *pipeline.Report
		err    error
	)
	if len(stages) == 0 {
		report = s.runner.Run(ctx)
	} else {
		report, err = s.runner.RunSelected(ctx, stages...)
		if err != nil {
			return nil, err
		}
	}
	s.emitter.Emit(ctx, EventPipelineCompleted, map[string]any{
		"runId":   report.RunID,
		"success": report.Success,
		"failed":  report.Failed(),
	})
	return report, nil
}

// Export writes the named datasets (all when names is empty) to dir.
func (s *AnalyticsService) Export(ctx context.Context, enc export.Encoding, dir string, names ...string) (*export.BatchReport, error) {
	if s.exporter == nil {
		return nil, errors.New("export is not configured")
	}
	if !s.running.TryLock(JobExport) {
		s.emitter.Emit(ctx, EventRunSkipped, JobExport)
		return nil, fmt.Errorf("%s: %w", JobExport, ErrAlreadyRunning)
	}
	defer s.running.Unlock(JobExport)

	report, err := s.exporter.ExportAll(ctx, enc, dir, names...)
	if err != nil {
		return nil, err
	}
	s.emitter.Emit(ctx, EventExportCompleted, map[string]any{
		"success":   report.Success,
		"artifacts": len(report.Artifacts()),
	})
	return report, nil
}

// Active lists the jobs currently running.
func (s *AnalyticsService) Active() []string { return s.running.Active() }

// WaitRunning blocks until all running jobs finish or ctx is cancelled.
// Used for graceful shutdown.
func (s *AnalyticsService) WaitRunning(ctx context.Context) {
	s.running.WaitAll(ctx)
}
