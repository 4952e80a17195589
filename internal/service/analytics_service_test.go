package service_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"analytics/internal/diag"
	"analytics/internal/export"
	"analytics/internal/pipeline"
	"analytics/internal/service"
)

// ─────────────────────────────────────────────────────────────
// Fakes
// ─────────────────────────────────────────────────────────────

type fakeRunner struct {
	block    chan struct{}
	started  chan struct{}
	selected []string
}

func (f *fakeRunner) Run(ctx context.Context) *pipeline.Report {
	if f.started != nil {
		close(f.started)
	}
	if f.block != nil {
		<-f.block
	}
	return &pipeline.Report{RunID: "run-1", Success: true}
}

func (f *fakeRunner) RunSelected(_ context.Context, names ...string) (*pipeline.Report, error) {
	f.selected = names
	for _, n := range names {
		if n == "bogus" {
			return nil, pipeline.ErrUnknownStage
		}
	}
	return &pipeline.Report{RunID: "run-2", Success: true, Selective: true}, nil
}

func (f *fakeRunner) Names() []string { return []string{"cohort", "churn"} }

type fakeExporter struct{ enc export.Encoding }

func (f *fakeExporter) ExportAll(_ context.Context, enc export.Encoding, _ string, _ ...string) (*export.BatchReport, error) {
	f.enc = enc
	return &export.BatchReport{Success: true}, nil
}

func (f *fakeExporter) Names() []string { return []string{"cohort", "revenue"} }

// ─────────────────────────────────────────────────────────────
// AnalyticsService
// ─────────────────────────────────────────────────────────────

func TestAnalyticsService_RunPipelineEmits(t *testing.T) {
	emitter := &service.MockEmitter{}
	svc := service.NewAnalyticsService(&fakeRunner{}, nil, emitter)

	report, err := svc.RunPipeline(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "run-1", report.RunID)
	require.Len(t, emitter.Named(service.EventPipelineCompleted), 1)
}

func TestAnalyticsService_SelectedStages(t *testing.T) {
	runner := &fakeRunner{}
	svc := service.NewAnalyticsService(runner, nil, &service.MockEmitter{})

	report, err := svc.RunPipeline(context.Background(), "churn")
	require.NoError(t, err)
	assert.True(t, report.Selective)
	assert.Equal(t, []string{"churn"}, runner.selected)

	_, err = svc.RunPipeline(context.Background(), "bogus")
	assert.ErrorIs(t, err, pipeline.ErrUnknownStage)
	assert.Empty(t, svc.Active(), "guard released after a config error")
}

func TestAnalyticsService_RejectsOverlap(t *testing.T) {
	runner := &fakeRunner{block: make(chan struct{}), started: make(chan struct{})}
	emitter := &service.MockEmitter{}
	svc := service.NewAnalyticsService(runner, nil, emitter)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = svc.RunPipeline(context.Background())
	}()
	<-runner.started

	_, err := svc.RunPipeline(context.Background())
	assert.ErrorIs(t, err, service.ErrAlreadyRunning)
	assert.Equal(t, []string{service.JobPipeline}, svc.Active())
	assert.Len(t, emitter.Named(service.EventRunSkipped), 1)

	close(runner.block)
	<-done

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	svc.WaitRunning(ctx)
	assert.Empty(t, svc.Active())
}

func TestAnalyticsService_Export(t *testing.T) {
	exp := &fakeExporter{}
	emitter := &service.MockEmitter{}
	svc := service.NewAnalyticsService(&fakeRunner{}, exp, emitter)

	report, err := svc.Export(context.Background(), export.Parquet, t.TempDir())
	require.NoError(t, err)
	assert.True(t, report.Success)
	assert.Equal(t, export.Parquet, exp.enc)
	assert.Equal(t, []string{"cohort", "revenue"}, svc.Datasets())
	assert.Len(t, emitter.Named(service.EventExportCompleted), 1)

	_, err = service.NewAnalyticsService(&fakeRunner{}, nil, nil).Export(context.Background(), export.CSV, t.TempDir())
	assert.Error(t, err)
}

// ─────────────────────────────────────────────────────────────
// Scheduler
// ─────────────────────────────────────────────────────────────

func TestScheduler_ScheduleAndClear(t *testing.T) {
	s := service.NewScheduler(func(context.Context) error { return nil }, nil)
	defer s.Stop()

	require.NoError(t, s.Schedule(context.Background(), "0 3 * * *"))
	assert.Equal(t, "0 3 * * *", s.Expr())
	next, ok := s.Next()
	require.True(t, ok)
	assert.Equal(t, 3, next.Hour())

	assert.Error(t, s.Schedule(context.Background(), "every tuesday"))
	assert.Equal(t, "0 3 * * *", s.Expr(), "invalid expression keeps the old schedule")

	require.NoError(t, s.Schedule(context.Background(), ""))
	_, ok = s.Next()
	assert.False(t, ok)
}

func TestScheduler_TriggerLogsSkip(t *testing.T) {
	sink := &diag.Memory{}
	s := service.NewScheduler(func(context.Context) error {
		return service.ErrAlreadyRunning
	}, sink)

	s.Trigger(context.Background())
	assert.Len(t, sink.Filter("scheduled run skipped"), 1)
	assert.Empty(t, sink.Filter("scheduled run failed"))
}

func TestScheduler_WatchConfigReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "analytics.yaml")
	require.NoError(t, os.WriteFile(path, []byte("a"), 0644))

	var calls atomic.Int32
	s := service.NewScheduler(func(context.Context) error { return nil }, nil)
	s.Debounce = 10 * time.Millisecond
	defer s.Stop()
	require.NoError(t, s.Schedule(context.Background(), "@daily"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.WatchConfig(ctx, path, func() (string, error) {
		calls.Add(1)
		return "@hourly", nil
	}))

	require.NoError(t, os.WriteFile(path, []byte("b"), 0644))
	require.Eventually(t, func() bool { return s.Expr() == "@hourly" }, 2*time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t, calls.Load(), int32(1))
}

func TestScheduler_StopIdempotent(t *testing.T) {
	s := service.NewScheduler(func(context.Context) error { return nil }, nil)
	s.Stop()
	s.Stop()
}

// ─────────────────────────────────────────────────────────────
// Status server
// ─────────────────────────────────────────────────────────────

func TestStatusRouter(t *testing.T) {
	gin.SetMode(gin.TestMode)
	svc := service.NewAnalyticsService(&fakeRunner{}, &fakeExporter{}, nil)
	sched := service.NewScheduler(func(context.Context) error { return errors.New("unused") }, nil)
	defer sched.Stop()
	require.NoError(t, sched.Schedule(context.Background(), "@daily"))

	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("analytics_up 1\n"))
	})
	r := service.NewStatusRouter(svc, sched, metrics)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var st service.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, "@daily", st.Schedule)
	assert.NotNil(t, st.NextRun)
	assert.Equal(t, []string{"cohort", "churn"}, st.Stages)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, "analytics_up 1\n", rec.Body.String())

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
