package export

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"analytics/internal/diag"
	"analytics/internal/etl"
)

// ErrNoData marks a dataset whose query returned no rows. Bulk exports
// record it as a failure.
var ErrNoData = errors.New("no data")

// ErrUnknownDataset is returned before any export runs when a requested
// dataset is not declared.
var ErrUnknownDataset = errors.New("unknown dataset")

// Dataset is one exportable query.
type Dataset struct {
	Name   string // selector, e.g. "churn"
	File   string // artifact base name, e.g. "churn_risk"
	Fetch  func(ctx context.Context) (*etl.ResultSet, error)
	Nested []string // sub-collections written as sibling artifacts
}

// Uploader copies a finished artifact to remote storage and returns its URL.
type Uploader interface {
	Upload(ctx context.Context, a Artifact) (string, error)
}

// ExporterOptions configures an Exporter.
type ExporterOptions struct {
	Sink     diag.Sink
	Uploader Uploader // optional

	// OnDataset is called once per exported dataset with its result.
	OnDataset func(dataset string, enc Encoding, err error)
}

// Exporter runs dataset exports with per-dataset failure isolation.
type Exporter struct {
	datasets []Dataset
	index    map[string]int
	format   *Formatter
	opts     ExporterOptions
	sink     diag.Sink
}

// NewExporter creates an Exporter over datasets, in the order given.
func NewExporter(datasets []Dataset, format *Formatter, opts ExporterOptions) *Exporter {
	if format == nil {
		format = NewFormatter(nil)
	}
	idx := make(map[string]int, len(datasets))
	for i, d := range datasets {
		idx[d.Name] = i
	}
	return &Exporter{
		datasets: datasets,
		index:    idx,
		format:   format,
		opts:     opts,
		sink:     diag.OrDiscard(opts.Sink),
	}
}

// Names returns the declared dataset names in order.
func (e *Exporter) Names() []string {
	out := make([]string, len(e.datasets))
	for i, d := range e.datasets {
		out[i] = d.Name
	}
	return out
}

// Export fetches and writes a single dataset.
func (e *Exporter) Export(ctx context.Context, name string, enc Encoding, dir string) ([]Artifact, error) {
	if !enc.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedEncoding, enc)
	}
	i, ok := e.index[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDataset, name)
	}
	return e.exportOne(ctx, e.datasets[i], enc, dir)
}

func (e *Exporter) exportOne(ctx context.Context, d Dataset, enc Encoding, dir string) (arts []Artifact, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic exporting %s: %v", d.Name, r)
		}
	}()

	e.sink.Log(ctx, slog.LevelInfo, "exporting dataset",
		slog.String("dataset", d.Name),
		slog.String("encoding", string(enc)),
	)
	rs, err := d.Fetch(ctx)
	if err != nil {
		return nil, err
	}
	if rs.Empty() {
		e.sink.Log(ctx, slog.LevelWarn, "no data to export", slog.String("dataset", d.Name))
		return nil, fmt.Errorf("%s: %w", d.Name, ErrNoData)
	}

	base := d.File
	if base == "" {
		base = d.Name
	}
	if len(d.Nested) > 0 {
		arts, err = e.format.ExportNested(rs, base, enc, dir, d.Nested...)
	} else {
		var a Artifact
		a, err = e.format.Export(rs, base, enc, dir)
		if err == nil {
			arts = []Artifact{a}
		}
	}
	if err != nil {
		return arts, err
	}

	for i := range arts {
		arts[i].Dataset = d.Name
		e.sink.Log(ctx, slog.LevelInfo, "artifact written",
			slog.String("dataset", d.Name),
			slog.String("path", arts[i].Path),
			slog.Int("rows", arts[i].Rows),
		)
		if e.opts.Uploader == nil {
			continue
		}
		url, uerr := e.opts.Uploader.Upload(ctx, arts[i])
		if uerr != nil {
			e.sink.Log(ctx, slog.LevelWarn, "artifact upload failed",
				slog.String("path", arts[i].Path),
				slog.String("error", uerr.Error()),
			)
			continue
		}
		arts[i].URL = url
	}
	return arts, nil
}

// ── Bulk export ────────────────────────────────────────────

// DatasetOutcome is the result of exporting one dataset.
type DatasetOutcome struct {
	Dataset   string        `json:"dataset"`
	Success   bool          `json:"success"`
	Artifacts []Artifact    `json:"artifacts,omitempty"`
	Duration  time.Duration `json:"duration"`
	Err       error         `json:"-"`
}

// BatchReport summarizes a bulk export.
type BatchReport struct {
	Outcomes []DatasetOutcome `json:"outcomes"`
	Success  bool             `json:"success"`
	Duration time.Duration    `json:"duration"`
}

// ExitCode is 0 when every dataset exported and 1 otherwise.
func (r *BatchReport) ExitCode() int {
	if r.Success {
		return 0
	}
	return 1
}

// Artifacts returns every artifact written by the batch.
func (r *BatchReport) Artifacts() []Artifact {
	var out []Artifact
	for _, o := range r.Outcomes {
		out = append(out, o.Artifacts...)
	}
	return out
}

// Summary renders the human-readable block printed after a bulk export.
func (r *BatchReport) Summary() string {
	var b strings.Builder
	b.WriteString("Export Summary\n")
	for _, o := range r.Outcomes {
		mark := "✓ Success"
		if !o.Success {
			mark = "✗ Failed"
		}
		fmt.Fprintf(&b, "%s: %s\n", capitalize(o.Dataset), mark)
	}
	return b.String()
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// ExportAll exports the named datasets (all of them when names is empty)
// in declared order. Each dataset is isolated: a failed query or write is
// recorded and the batch continues. Unknown names and unsupported
// encodings fail before anything runs.
func (e *Exporter) ExportAll(ctx context.Context, enc Encoding, dir string, names ...string) (*BatchReport, error) {
	if !enc.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedEncoding, enc)
	}
	selected, err := e.selectDatasets(names)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	report := &BatchReport{Success: true}
	for _, d := range selected {
		dsStart := time.Now()
		arts, err := e.exportOne(ctx, d, enc, dir)
		out := DatasetOutcome{
			Dataset:   d.Name,
			Success:   err == nil,
			Artifacts: arts,
			Duration:  time.Since(dsStart),
			Err:       err,
		}
		if err != nil {
			report.Success = false
			e.sink.Log(ctx, slog.LevelError, "dataset export failed",
				slog.String("dataset", d.Name),
				slog.String("error", err.Error()),
			)
		}
		if e.opts.OnDataset != nil {
			e.opts.OnDataset(d.Name, enc, err)
		}
		report.Outcomes = append(report.Outcomes, out)
	}
	report.Duration = time.Since(start)

	for _, line := range strings.Split(strings.TrimRight(report.Summary(), "\n"), "\n") {
		e.sink.Log(ctx, slog.LevelInfo, line)
	}
	return report, nil
}

func (e *Exporter) selectDatasets(names []string) ([]Dataset, error) {
	if len(names) == 0 {
		return e.datasets, nil
	}
	want := make(map[string]bool, len(names))
	var unknown []string
	for _, n := range names {
		if _, ok := e.index[n]; !ok {
			unknown = append(unknown, n)
			continue
		}
		want[n] = true
	}
	if len(unknown) > 0 {
		return nil, fmt.Errorf("%w: %s (known: %s)", ErrUnknownDataset,
			strings.Join(unknown, ", "), strings.Join(e.Names(), ", "))
	}
	var out []Dataset
	for _, d := range e.datasets {
		if want[d.Name] {
			out = append(out, d)
		}
	}
	return out, nil
}
