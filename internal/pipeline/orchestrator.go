package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"analytics/internal/diag"
)

// ErrUnknownStage is returned by RunSelected when a requested stage name
// is not declared. No stage runs in that case.
var ErrUnknownStage = errors.New("unknown stage")

// ErrNoStages is returned by RunSelected when no stage was requested.
var ErrNoStages = errors.New("no stages selected")

// ── Observer ───────────────────────────────────────────────

// Observer follows an orchestrator run: NotStarted → Running(i/N) → Completed.
// Metrics and progress reporting hook in here.
type Observer interface {
	BeforeStage(ctx context.Context, runID string, index, total int, stage Stage)
	AfterStage(ctx context.Context, runID string, index, total int, out Outcome)
	RunCompleted(ctx context.Context, report *Report)
}

// Observers fans out to several observers in order.
type Observers []Observer

func (os Observers) BeforeStage(ctx context.Context, runID string, index, total int, stage Stage) {
	for _, o := range os {
		o.BeforeStage(ctx, runID, index, total, stage)
	}
}

func (os Observers) AfterStage(ctx context.Context, runID string, index, total int, out Outcome) {
	for _, o := range os {
		o.AfterStage(ctx, runID, index, total, out)
	}
}

func (os Observers) RunCompleted(ctx context.Context, report *Report) {
	for _, o := range os {
		o.RunCompleted(ctx, report)
	}
}

// ── Orchestrator ───────────────────────────────────────────

// Options configures an Orchestrator.
type Options struct {
	// Maintenance runs once after a full run. Failures never change the
	// run's success. Nil skips the step.
	Maintenance StepFunc

	Sink     diag.Sink
	Observer Observer

	// NewRunID generates run identifiers. Defaults to uuid.NewString.
	NewRunID func() string
}

// Orchestrator runs a fixed, ordered list of stages, isolating failures
// so that one stage never prevents the next from running.
type Orchestrator struct {
	stages []Stage
	index  map[string]int
	opts   Options
	sink   diag.Sink
}

// New creates an Orchestrator over stages, in the order given.
func New(stages []Stage, opts Options) *Orchestrator {
	if opts.NewRunID == nil {
		opts.NewRunID = uuid.NewString
	}
	idx := make(map[string]int, len(stages))
	for i, s := range stages {
		idx[s.Name] = i
	}
	return &Orchestrator{
		stages: stages,
		index:  idx,
		opts:   opts,
		sink:   diag.OrDiscard(opts.Sink),
	}
}

// Stages returns the declared stages in order.
func (o *Orchestrator) Stages() []Stage {
	out := make([]Stage, len(o.stages))
	copy(out, o.stages)
	return out
}

// Names returns the declared stage names in order.
func (o *Orchestrator) Names() []string {
	names := make([]string, len(o.stages))
	for i, s := range o.stages {
		names[i] = s.Name
	}
	return names
}

// Run executes every stage once, in order, then the terminal maintenance
// step. The report's Success is true only if every stage succeeded.
func (o *Orchestrator) Run(ctx context.Context) *Report {
	runID := o.opts.NewRunID()
	ctx = withRunID(ctx, runID)
	o.sink.Log(ctx, slog.LevelInfo, "pipeline started",
		slog.String("run_id", runID),
		slog.Int("stages", len(o.stages)),
	)

	report := o.execute(ctx, runID, o.stages, RunOptions{})

	if o.opts.Maintenance != nil {
		o.sink.Log(ctx, slog.LevelInfo, "running database maintenance", slog.String("run_id", runID))
		if err := guard(ctx, o.opts.Maintenance, o.sink, "maintenance"); err != nil {
			report.MaintenanceErr = err
			o.sink.Log(ctx, slog.LevelWarn, "database maintenance failed",
				slog.String("run_id", runID),
				slog.String("error", err.Error()),
			)
		}
	}

	return o.finish(ctx, report)
}

// RunSelected executes only the named stages, in declared order. Unknown
// names fail before anything runs. Follow-ups and the terminal maintenance
// step are skipped; Success covers the selected stages only.
func (o *Orchestrator) RunSelected(ctx context.Context, names ...string) (*Report, error) {
	selected, err := o.Select(names...)
	if err != nil {
		return nil, err
	}

	runID := o.opts.NewRunID()
	ctx = withRunID(ctx, runID)
	o.sink.Log(ctx, slog.LevelInfo, "selective pipeline started",
		slog.String("run_id", runID),
		slog.String("stages", strings.Join(names, ",")),
	)

	report := o.execute(ctx, runID, selected, RunOptions{SkipFollowUps: true})
	report.Selective = true
	return o.finish(ctx, report), nil
}

// Select resolves names to declared stages in declared order.
// Duplicates are collapsed.
func (o *Orchestrator) Select(names ...string) ([]Stage, error) {
	if len(names) == 0 {
		return nil, ErrNoStages
	}
	want := make(map[string]bool, len(names))
	var unknown []string
	for _, n := range names {
		if _, ok := o.index[n]; !ok {
			unknown = append(unknown, n)
			continue
		}
		want[n] = true
	}
	if len(unknown) > 0 {
		return nil, fmt.Errorf("%w: %s (known: %s)", ErrUnknownStage,
			strings.Join(unknown, ", "), strings.Join(o.Names(), ", "))
	}

	var out []Stage
	for _, s := range o.stages {
		if want[s.Name] {
			out = append(out, s)
		}
	}
	return out, nil
}

func (o *Orchestrator) execute(ctx context.Context, runID string, stages []Stage, opts RunOptions) *Report {
	report := &Report{RunID: runID, Started: time.Now()}
	total := len(stages)
	for i, stage := range stages {
		if o.opts.Observer != nil {
			o.opts.Observer.BeforeStage(ctx, runID, i+1, total, stage)
		}
		o.sink.Log(ctx, slog.LevelInfo, fmt.Sprintf("Step %d/%d: %s", i+1, total, stage.label()),
			slog.String("run_id", runID),
			slog.String("stage", stage.Name),
		)

		out := RunStage(ctx, stage, o.sink, opts)
		report.Outcomes = append(report.Outcomes, out)

		if o.opts.Observer != nil {
			o.opts.Observer.AfterStage(ctx, runID, i+1, total, out)
		}
	}
	return report
}

func (o *Orchestrator) finish(ctx context.Context, report *Report) *Report {
	report.Duration = time.Since(report.Started)
	report.Success = true
	for _, out := range report.Outcomes {
		if !out.Success {
			report.Success = false
		}
	}

	level := slog.LevelInfo
	if !report.Success {
		level = slog.LevelError
	}
	o.sink.Log(ctx, level, "pipeline finished",
		slog.String("run_id", report.RunID),
		slog.Bool("success", report.Success),
		slog.Int("failed", len(report.Failed())),
		slog.Duration("duration", report.Duration),
	)
	for _, line := range strings.Split(strings.TrimRight(report.Summary(), "\n"), "\n") {
		o.sink.Log(ctx, slog.LevelInfo, line, slog.String("run_id", report.RunID))
	}

	if o.opts.Observer != nil {
		o.opts.Observer.RunCompleted(ctx, report)
	}
	return report
}

// ── Run ID propagation ─────────────────────────────────────

type runIDKey struct{}

func withRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runIDKey{}, id)
}

// RunID returns the run identifier attached to ctx by the orchestrator.
func RunID(ctx context.Context) string {
	id, _ := ctx.Value(runIDKey{}).(string)
	return id
}
