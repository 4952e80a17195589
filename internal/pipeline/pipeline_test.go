package pipeline_test

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"analytics/internal/diag"
	"analytics/internal/pipeline"
)

// ─────────────────────────────────────────────────────────────
// Helpers
// ─────────────────────────────────────────────────────────────

// trace records the order in which steps ran.
type trace struct{ calls []string }

func (tr *trace) step(name string, err error) pipeline.StepFunc {
	return func(context.Context) error {
		tr.calls = append(tr.calls, name)
		return err
	}
}

func (tr *trace) stage(name string, err error, followUps ...string) pipeline.Stage {
	s := pipeline.Stage{Name: name, Title: strings.ToUpper(name), Refresh: tr.step(name, err)}
	for _, f := range followUps {
		s.FollowUps = append(s.FollowUps, pipeline.Step{Name: f, Run: tr.step(name+"/"+f, nil)})
	}
	return s
}

type recordingObserver struct {
	events []string
	report *pipeline.Report
}

func (o *recordingObserver) BeforeStage(_ context.Context, _ string, i, n int, s pipeline.Stage) {
	o.events = append(o.events, fmt.Sprintf("before %s %d/%d", s.Name, i, n))
}

func (o *recordingObserver) AfterStage(_ context.Context, _ string, i, n int, out pipeline.Outcome) {
	o.events = append(o.events, fmt.Sprintf("after %s %d/%d %v", out.Stage, i, n, out.Success))
}

func (o *recordingObserver) RunCompleted(_ context.Context, r *pipeline.Report) {
	o.report = r
}

func fixedID() string { return "run-1" }

// ─────────────────────────────────────────────────────────────
// Stage runner
// ─────────────────────────────────────────────────────────────

func TestRunStage_SuccessRunsFollowUps(t *testing.T) {
	tr := &trace{}
	out := pipeline.RunStage(context.Background(), tr.stage("cohort", nil, "summary"), nil, pipeline.RunOptions{})

	assert.True(t, out.Success)
	assert.NoError(t, out.Err)
	assert.Equal(t, []string{"cohort", "cohort/summary"}, tr.calls)
}

func TestRunStage_RefreshFailureSkipsFollowUps(t *testing.T) {
	tr := &trace{}
	sink := &diag.Memory{}
	boom := errors.New("procedure missing")

	out := pipeline.RunStage(context.Background(), tr.stage("churn", boom, "high_risk"), sink, pipeline.RunOptions{})

	assert.False(t, out.Success)
	assert.ErrorIs(t, out.Err, boom)
	assert.Equal(t, "procedure missing", out.Error())
	assert.Equal(t, []string{"churn"}, tr.calls)
	require.Len(t, sink.Filter("stage failed"), 1)
}

func TestRunStage_FollowUpFailureDoesNotFailStage(t *testing.T) {
	sink := &diag.Memory{}
	stage := pipeline.Stage{
		Name:    "funnel",
		Refresh: func(context.Context) error { return nil },
		FollowUps: []pipeline.Step{
			{Name: "summary", Run: func(context.Context) error { return errors.New("timeout") }},
			{Name: "bottlenecks", Run: func(context.Context) error { panic("nil map") }},
		},
	}

	out := pipeline.RunStage(context.Background(), stage, sink, pipeline.RunOptions{})
	assert.True(t, out.Success)
	assert.Len(t, sink.Filter("follow-up failed"), 2)
}

func TestRunStage_PanicBecomesFailure(t *testing.T) {
	sink := &diag.Memory{}
	stage := pipeline.Stage{Name: "ltv", Refresh: func(context.Context) error { panic("index out of range") }}

	var out pipeline.Outcome
	assert.NotPanics(t, func() {
		out = pipeline.RunStage(context.Background(), stage, sink, pipeline.RunOptions{})
	})
	assert.False(t, out.Success)
	assert.Contains(t, out.Error(), "index out of range")
	require.Len(t, sink.Filter("stage panicked"), 1)
	assert.Contains(t, sink.Filter("stage panicked")[0].Attrs["stack"], "goroutine")
}

func TestRunStage_MissingRefresh(t *testing.T) {
	out := pipeline.RunStage(context.Background(), pipeline.Stage{Name: "rfm"}, nil, pipeline.RunOptions{})
	assert.False(t, out.Success)
	assert.Error(t, out.Err)
}

// ─────────────────────────────────────────────────────────────
// Orchestrator
// ─────────────────────────────────────────────────────────────

func TestRun_AllStagesSucceed(t *testing.T) {
	tr := &trace{}
	stages := []pipeline.Stage{
		tr.stage("cohort", nil, "summary"),
		tr.stage("churn", nil),
		tr.stage("funnel", nil),
	}
	o := pipeline.New(stages, pipeline.Options{
		Maintenance: tr.step("maintenance", nil),
		NewRunID:    fixedID,
	})

	report := o.Run(context.Background())
	assert.True(t, report.Success)
	assert.False(t, report.Selective)
	assert.Equal(t, "run-1", report.RunID)
	assert.Equal(t, 0, report.ExitCode())
	assert.Equal(t, []string{"cohort", "cohort/summary", "churn", "funnel", "maintenance"}, tr.calls)
	assert.Nil(t, report.MaintenanceErr)
}

func TestRun_NoStagesSucceeds(t *testing.T) {
	tr := &trace{}
	o := pipeline.New(nil, pipeline.Options{
		Maintenance: tr.step("maintenance", nil),
		NewRunID:    fixedID,
	})

	report := o.Run(context.Background())
	assert.True(t, report.Success)
	assert.Empty(t, report.Outcomes)
	assert.Empty(t, report.Failed())
	assert.Equal(t, 0, report.ExitCode())
	assert.Equal(t, []string{"maintenance"}, tr.calls)
	assert.Contains(t, report.Summary(), "All ETL processes completed successfully")
}

func TestRun_FailureIsolation(t *testing.T) {
	tr := &trace{}
	stages := []pipeline.Stage{
		tr.stage("cohort", nil),
		tr.stage("churn", errors.New("connection refused")),
		{Name: "funnel", Title: "FUNNEL", Refresh: func(context.Context) error { panic("boom") }},
		tr.stage("ltv", nil),
		tr.stage("rfm", nil),
	}
	report := pipeline.New(stages, pipeline.Options{NewRunID: fixedID}).Run(context.Background())

	assert.False(t, report.Success)
	assert.Equal(t, 1, report.ExitCode())
	require.Len(t, report.Outcomes, 5)
	assert.Equal(t, []string{"churn", "funnel"}, report.Failed())
	assert.Equal(t, []string{"cohort", "churn", "ltv", "rfm"}, tr.calls)

	churn, ok := report.Outcome("churn")
	require.True(t, ok)
	assert.EqualError(t, churn.Err, "connection refused")
}

func TestRun_MaintenanceFailureDoesNotFlipSuccess(t *testing.T) {
	tr := &trace{}
	sink := &diag.Memory{}
	o := pipeline.New([]pipeline.Stage{tr.stage("cohort", nil)}, pipeline.Options{
		Maintenance: tr.step("maintenance", errors.New("cannot vacuum")),
		Sink:        sink,
	})

	report := o.Run(context.Background())
	assert.True(t, report.Success)
	assert.EqualError(t, report.MaintenanceErr, "cannot vacuum")
	assert.Len(t, sink.Filter("database maintenance failed"), 1)
	assert.NotEmpty(t, report.RunID)
}

func TestRunSelected_ExecutesOnlyNamedStagesInDeclaredOrder(t *testing.T) {
	tr := &trace{}
	stages := []pipeline.Stage{
		tr.stage("cohort", errors.New("would fail")),
		tr.stage("churn", nil, "high_risk"),
		tr.stage("funnel", errors.New("would fail")),
		tr.stage("ltv", errors.New("would fail")),
		tr.stage("rfm", nil),
	}
	o := pipeline.New(stages, pipeline.Options{Maintenance: tr.step("maintenance", nil)})

	report, err := o.RunSelected(context.Background(), "rfm", "churn", "rfm")
	require.NoError(t, err)
	assert.True(t, report.Success)
	assert.True(t, report.Selective)
	assert.Equal(t, []string{"churn", "rfm"}, tr.calls, "declared order, no follow-ups, no maintenance")
	require.Len(t, report.Outcomes, 2)
}

func TestRunSelected_UnknownStageFailsFast(t *testing.T) {
	tr := &trace{}
	o := pipeline.New([]pipeline.Stage{tr.stage("cohort", nil), tr.stage("churn", nil)}, pipeline.Options{})

	report, err := o.RunSelected(context.Background(), "churn", "retention")
	assert.Nil(t, report)
	assert.ErrorIs(t, err, pipeline.ErrUnknownStage)
	assert.Contains(t, err.Error(), "retention")
	assert.Empty(t, tr.calls)

	_, err = o.RunSelected(context.Background())
	assert.ErrorIs(t, err, pipeline.ErrNoStages)
}

func TestRun_ObserverSeesEveryTransition(t *testing.T) {
	tr := &trace{}
	obs := &recordingObserver{}
	o := pipeline.New([]pipeline.Stage{tr.stage("cohort", nil), tr.stage("churn", errors.New("x"))},
		pipeline.Options{Observer: pipeline.Observers{obs}})

	report := o.Run(context.Background())
	assert.Equal(t, []string{
		"before cohort 1/2", "after cohort 1/2 true",
		"before churn 2/2", "after churn 2/2 false",
	}, obs.events)
	assert.Same(t, report, obs.report)
}

func TestRun_RunIDIsAttachedToContext(t *testing.T) {
	var seen string
	stage := pipeline.Stage{Name: "cohort", Refresh: func(ctx context.Context) error {
		seen = pipeline.RunID(ctx)
		return nil
	}}
	pipeline.New([]pipeline.Stage{stage}, pipeline.Options{NewRunID: fixedID}).Run(context.Background())
	assert.Equal(t, "run-1", seen)
}

func TestReport_Summary(t *testing.T) {
	tr := &trace{}
	sink := &diag.Memory{}
	stages := []pipeline.Stage{tr.stage("cohort", nil), tr.stage("churn", errors.New("x"))}
	report := pipeline.New(stages, pipeline.Options{Sink: sink}).Run(context.Background())

	summary := report.Summary()
	assert.Contains(t, summary, "COHORT: ✓ Success\n")
	assert.Contains(t, summary, "CHURN: ✗ Failed\n")
	assert.Contains(t, summary, "Total duration: ")
	assert.True(t, strings.HasSuffix(summary, "✗ Some ETL processes failed\n"))

	assert.Len(t, sink.Filter("CHURN: ✗ Failed"), 1)
	assert.Equal(t, 1, len(sink.Filter("pipeline finished")))
	assert.Equal(t, slog.LevelError, sink.Filter("pipeline finished")[0].Level)
}
