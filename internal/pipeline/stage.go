package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"analytics/internal/diag"
)

// StepFunc is one unit of work against the database.
type StepFunc func(ctx context.Context) error

// Step is a named, read-only follow-up that runs after a successful refresh.
type Step struct {
	Name string
	Run  StepFunc
}

// Stage is one named unit of the pipeline: a refresh and its follow-ups.
type Stage struct {
	Name      string // selector used on the command line, e.g. "churn"
	Title     string // human label used in summaries, e.g. "Churn Risk Analysis"
	Refresh   StepFunc
	FollowUps []Step
}

func (s Stage) label() string {
	if s.Title != "" {
		return s.Title
	}
	return s.Name
}

// Outcome is the result of running one stage.
type Outcome struct {
	Stage    string        `json:"stage"`
	Title    string        `json:"title"`
	Success  bool          `json:"success"`
	Duration time.Duration `json:"duration"`
	Err      error         `json:"-"`
}

// Error returns the failure message, or "".
func (o Outcome) Error() string {
	if o.Err == nil {
		return ""
	}
	return o.Err.Error()
}

// RunOptions tunes RunStage.
type RunOptions struct {
	SkipFollowUps bool
}

// RunStage runs the stage's refresh and, when it succeeds, each follow-up.
// It never returns an error and never panics: a refresh error or panic is
// recorded in the Outcome, follow-up failures are logged and ignored.
func RunStage(ctx context.Context, stage Stage, sink diag.Sink, opts RunOptions) Outcome {
	sink = diag.OrDiscard(sink)
	start := time.Now()
	out := Outcome{Stage: stage.Name, Title: stage.label()}

	if stage.Refresh == nil {
		out.Err = fmt.Errorf("stage %s has no refresh operation", stage.Name)
	} else {
		out.Err = guard(ctx, stage.Refresh, sink, stage.Name)
	}
	if out.Err != nil {
		out.Duration = time.Since(start)
		sink.Log(ctx, slog.LevelError, "stage failed",
			slog.String("stage", stage.Name),
			slog.String("error", out.Err.Error()),
			slog.Duration("duration", out.Duration),
		)
		return out
	}

	if !opts.SkipFollowUps {
		for _, step := range stage.FollowUps {
			if step.Run == nil {
				continue
			}
			if err := guard(ctx, step.Run, sink, stage.Name+"/"+step.Name); err != nil {
				sink.Log(ctx, slog.LevelWarn, "follow-up failed",
					slog.String("stage", stage.Name),
					slog.String("step", step.Name),
					slog.String("error", err.Error()),
				)
			}
		}
	}

	out.Success = true
	out.Duration = time.Since(start)
	sink.Log(ctx, slog.LevelInfo, "stage completed",
		slog.String("stage", stage.Name),
		slog.Duration("duration", out.Duration),
	)
	return out
}

// guard runs fn and converts a panic into an error. The stack trace goes
// to the sink only.
func guard(ctx context.Context, fn StepFunc, sink diag.Sink, where string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			sink.Log(ctx, slog.LevelError, "stage panicked",
				slog.String("where", where),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			err = fmt.Errorf("panic in %s: %v", where, r)
		}
	}()
	return fn(ctx)
}
