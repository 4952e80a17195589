// Package metrics records pipeline, executor and export activity as
// Prometheus metrics on a dedicated registry.
package metrics

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"analytics/internal/export"
	"analytics/internal/pipeline"
)

const namespace = "analytics"

// Result label values.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// Metrics holds every collector the process exposes.
type Metrics struct {
	Registry *prometheus.Registry

	StageOutcomes    *prometheus.CounterVec
	StageDuration    *prometheus.HistogramVec
	PipelineRuns     *prometheus.CounterVec
	MaintenanceFails prometheus.Counter
	ExecAttempts     prometheus.Counter
	ExecFailures     prometheus.Counter
	ExportArtifacts  *prometheus.CounterVec
}

// New registers all collectors on a fresh registry. withRuntime adds the
// Go and process collectors.
func New(withRuntime bool) *Metrics {
	reg := prometheus.NewRegistry()
	if withRuntime {
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		StageOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "stage_outcomes_total",
			Help:      "Stage completions by stage and result.",
		}, []string{"stage", "result"}),
		StageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "stage_duration_seconds",
			Help:      "Wall time of each stage including follow-ups.",
			Buckets:   []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}, []string{"stage"}),
		PipelineRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "runs_total",
			Help:      "Orchestrator runs by mode and result.",
		}, []string{"mode", "result"}),
		MaintenanceFails: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "maintenance_failures_total",
			Help:      "Database maintenance steps that failed.",
		}),
		ExecAttempts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "attempts_total",
			Help:      "Statement attempts, including retries.",
		}),
		ExecFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "attempt_failures_total",
			Help:      "Statement attempts that returned an error.",
		}),
		ExportArtifacts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "export",
			Name:      "datasets_total",
			Help:      "Dataset exports by dataset, encoding and result.",
		}, []string{"dataset", "encoding", "result"}),
	}
}

func result(err error) string {
	if err != nil {
		return ResultFailure
	}
	return ResultSuccess
}

// ObserveAttempt matches dbclient.Options.OnAttempt.
func (m *Metrics) ObserveAttempt(err error) {
	m.ExecAttempts.Inc()
	if err != nil {
		m.ExecFailures.Inc()
	}
}

// ObserveExport matches export.ExporterOptions.OnDataset.
func (m *Metrics) ObserveExport(dataset string, enc export.Encoding, err error) {
	m.ExportArtifacts.WithLabelValues(dataset, string(enc), result(err)).Inc()
}

// ── pipeline.Observer ──────────────────────────────────────

var _ pipeline.Observer = (*Metrics)(nil)

func (m *Metrics) BeforeStage(context.Context, string, int, int, pipeline.Stage) {}

func (m *Metrics) AfterStage(_ context.Context, _ string, _, _ int, out pipeline.Outcome) {
	res := ResultSuccess
	if !out.Success {
		res = ResultFailure
	}
	m.StageOutcomes.WithLabelValues(out.Stage, res).Inc()
	m.StageDuration.WithLabelValues(out.Stage).Observe(out.Duration.Seconds())
}

func (m *Metrics) RunCompleted(_ context.Context, r *pipeline.Report) {
	mode := "full"
	if r.Selective {
		mode = "selective"
	}
	res := ResultSuccess
	if !r.Success {
		res = ResultFailure
	}
	m.PipelineRuns.WithLabelValues(mode, res).Inc()
	if r.MaintenanceErr != nil {
		m.MaintenanceFails.Inc()
	}
}

// ── Exposition ─────────────────────────────────────────────

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

// WriteTextfile dumps the registry for the node-exporter textfile
// collector. The write is atomic.
func (m *Metrics) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, m.Registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
