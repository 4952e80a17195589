package export_test

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/reader"

	"analytics/internal/diag"
	"analytics/internal/etl"
	"analytics/internal/export"
)

// ─────────────────────────────────────────────────────────────
// Helpers
// ─────────────────────────────────────────────────────────────

var fixedTime = time.Date(2024, 3, 5, 14, 7, 9, 0, time.UTC)

func fixedClock() time.Time { return fixedTime }

func churnRows() *etl.ResultSet {
	return etl.NewResultSet(
		[]string{"customer_phone", "risk_score", "risk_level", "total_orders", "active"},
		[]etl.Record{
			{"customer_phone": "+79001234567", "risk_score": 87.5, "risk_level": "critical", "total_orders": int64(3), "active": false},
			{"customer_phone": "+79007654321", "risk_score": 12.0, "risk_level": "low", "total_orders": int64(14), "active": true},
		},
	)
}

func revenueRows() *etl.ResultSet {
	return etl.NewResultSet(
		[]string{"overview", "by_category", "by_hour"},
		[]etl.Record{{
			"overview": map[string]any{"total_revenue": 1500.5, "orders": float64(42)},
			"by_category": []any{
				map[string]any{"category": "coffee", "revenue": 1000.0},
				map[string]any{"category": "tea", "revenue": 300.5},
				map[string]any{"category": "food", "revenue": 200.0},
			},
			"by_hour": []any{
				map[string]any{"hour": float64(8), "revenue": 700.0},
				map[string]any{"hour": float64(9), "revenue": 800.5},
			},
		}},
	)
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(b)
}

// ─────────────────────────────────────────────────────────────
// Formatter
// ─────────────────────────────────────────────────────────────

func TestParseEncoding(t *testing.T) {
	enc, err := export.ParseEncoding(" JSON ")
	require.NoError(t, err)
	assert.Equal(t, export.JSON, enc)

	_, err = export.ParseEncoding("xml")
	assert.ErrorIs(t, err, export.ErrUnsupportedEncoding)
}

func TestExport_UnsupportedEncodingBeforeIO(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "exports")
	f := export.NewFormatter(fixedClock)

	_, err := f.Export(churnRows(), "churn_risk", export.Encoding("xml"), dir)
	assert.ErrorIs(t, err, export.ErrUnsupportedEncoding)
	_, statErr := os.Stat(dir)
	assert.True(t, os.IsNotExist(statErr), "directory must not be created")

	_, err = f.ExportNested(revenueRows(), "revenue", export.Encoding("xlsx"), dir, "by_hour")
	assert.ErrorIs(t, err, export.ErrUnsupportedEncoding)
}

func TestExport_CSV(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "exports")
	a, err := export.NewFormatter(fixedClock).Export(churnRows(), "churn_risk", export.CSV, dir)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dir, "churn_risk_20240305_140709.csv"), a.Path)
	assert.Equal(t, 2, a.Rows)
	assert.Equal(t, export.CSV, a.Encoding)
	assert.Positive(t, a.Bytes)
	assert.Equal(t, ""+
		"customer_phone,risk_score,risk_level,total_orders,active\n"+
		"+79001234567,87.5,critical,3,false\n"+
		"+79007654321,12,low,14,true\n", readFile(t, a.Path))
}

func TestExport_JSONKeepsColumnOrder(t *testing.T) {
	rs := etl.NewResultSet([]string{"step_number", "step_name"}, []etl.Record{
		{"step_number": int64(1), "step_name": "app_open"},
	})
	a, err := export.NewFormatter(fixedClock).Export(rs, "conversion_funnel", export.JSON, t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "[\n  {\n    \"step_number\": 1,\n    \"step_name\": \"app_open\"\n  }\n]\n", readFile(t, a.Path))
}

func TestExport_EmptyResultSet(t *testing.T) {
	dir := t.TempDir()
	rs := etl.NewResultSet([]string{"cohort_month", "users_count"}, nil)
	f := export.NewFormatter(fixedClock)

	a, err := f.Export(rs, "cohort_csv", export.CSV, dir)
	require.NoError(t, err)
	assert.Equal(t, "cohort_month,users_count\n", readFile(t, a.Path))
	assert.Equal(t, 0, a.Rows)

	a, err = f.Export(rs, "cohort_json", export.JSON, dir)
	require.NoError(t, err)
	assert.Equal(t, "[]\n", readFile(t, a.Path))

	a, err = f.Export(rs, "cohort_parquet", export.Parquet, dir)
	require.NoError(t, err)
	content := readFile(t, a.Path)
	assert.True(t, strings.HasPrefix(content, "PAR1"))
	assert.True(t, strings.HasSuffix(content, "PAR1"))
}

func TestExport_Parquet(t *testing.T) {
	a, err := export.NewFormatter(fixedClock).Export(churnRows(), "churn_risk", export.Parquet, t.TempDir())
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(a.Path, "churn_risk_20240305_140709.parquet"))

	raw, err := os.ReadFile(a.Path)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(raw, []byte("PAR1")))

	fr, err := local.NewLocalFileReader(a.Path)
	require.NoError(t, err)
	defer fr.Close()
	pr, err := reader.NewParquetReader(fr, nil, 1)
	require.NoError(t, err)
	defer pr.ReadStop()
	assert.Equal(t, int64(2), pr.GetNumRows())
}

func TestExport_FlattensNestedObjects(t *testing.T) {
	rs := etl.NewResultSet([]string{"id", "overview"}, []etl.Record{
		{"id": int64(1), "overview": map[string]any{"total": 10.0, "orders": 2.0}},
	})
	a, err := export.NewFormatter(fixedClock).Export(rs, "flat", export.CSV, t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "id,overview.orders,overview.total\n1,2,10\n", readFile(t, a.Path))
}

func TestExport_MixedJSONShapesKeepEveryValue(t *testing.T) {
	rs := etl.NewResultSet([]string{"id", "meta"}, []etl.Record{
		{"id": int64(1), "meta": "legacy-text"},
		{"id": int64(2), "meta": map[string]any{"a": 1.0}},
		{"id": int64(3), "meta": []any{1.0, 2.0}},
	})
	a, err := export.NewFormatter(fixedClock).Export(rs, "mixed", export.CSV, t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "id,meta,meta.a\n1,legacy-text,\n2,,1\n3,\"[1,2]\",\n", readFile(t, a.Path))
}

func TestExport_WriteOnce(t *testing.T) {
	dir := t.TempDir()
	f := export.NewFormatter(fixedClock)
	_, err := f.Export(churnRows(), "churn_risk", export.CSV, dir)
	require.NoError(t, err)

	_, err = f.Export(churnRows(), "churn_risk", export.CSV, dir)
	assert.Error(t, err, "an existing artifact must not be overwritten")
}

func TestExportNested_WritesSiblingArtifacts(t *testing.T) {
	dir := t.TempDir()
	arts, err := export.NewFormatter(fixedClock).ExportNested(revenueRows(), "revenue", export.CSV, dir, "by_category", "by_hour")
	require.NoError(t, err)
	require.Len(t, arts, 3)

	assert.Equal(t, filepath.Join(dir, "revenue_20240305_140709.csv"), arts[0].Path)
	assert.Equal(t, 1, arts[0].Rows)
	assert.Equal(t, "overview.orders,overview.total_revenue\n42,1500.5\n", readFile(t, arts[0].Path))

	assert.Equal(t, filepath.Join(dir, "revenue_by_category_20240305_140709.csv"), arts[1].Path)
	assert.Equal(t, 3, arts[1].Rows)
	assert.Equal(t, "category,revenue\ncoffee,1000\ntea,300.5\nfood,200\n", readFile(t, arts[1].Path))

	assert.Equal(t, filepath.Join(dir, "revenue_by_hour_20240305_140709.csv"), arts[2].Path)
	assert.Equal(t, 2, arts[2].Rows)
}

func TestExportNested_OverviewAsSubCollection(t *testing.T) {
	dir := t.TempDir()
	arts, err := export.NewFormatter(fixedClock).ExportNested(revenueRows(), "revenue", export.CSV, dir, "overview", "by_category", "by_hour")
	require.NoError(t, err)
	require.Len(t, arts, 3, "no parent artifact when every field is a sub-collection")

	assert.Equal(t, filepath.Join(dir, "revenue_overview_20240305_140709.csv"), arts[0].Path)
	assert.Equal(t, "orders,total_revenue\n42,1500.5\n", readFile(t, arts[0].Path))
	assert.Equal(t, filepath.Join(dir, "revenue_by_category_20240305_140709.csv"), arts[1].Path)
	assert.Equal(t, filepath.Join(dir, "revenue_by_hour_20240305_140709.csv"), arts[2].Path)
}

func TestExportNested_UnwrapsSingleJSONColumn(t *testing.T) {
	payload := map[string]any(revenueRows().Records[0])
	wrapped := etl.NewResultSet([]string{"get_revenue_breakdown"}, []etl.Record{
		{"get_revenue_breakdown": payload},
	})

	arts, err := export.NewFormatter(fixedClock).ExportNested(wrapped, "revenue", export.JSON, t.TempDir(), "by_category", "by_hour")
	require.NoError(t, err)
	require.Len(t, arts, 3)
	assert.Equal(t, 3, arts[1].Rows)
}

// ─────────────────────────────────────────────────────────────
// Exporter
// ─────────────────────────────────────────────────────────────

type fakeUploader struct {
	uploaded []string
	err      error
}

func (u *fakeUploader) Upload(_ context.Context, a export.Artifact) (string, error) {
	if u.err != nil {
		return "", u.err
	}
	u.uploaded = append(u.uploaded, filepath.Base(a.Path))
	return "s3://bucket/" + filepath.Base(a.Path), nil
}

func testDatasets(fetched *[]string) []export.Dataset {
	fetch := func(name string, rs *etl.ResultSet, err error) func(context.Context) (*etl.ResultSet, error) {
		return func(context.Context) (*etl.ResultSet, error) {
			*fetched = append(*fetched, name)
			return rs, err
		}
	}
	return []export.Dataset{
		{Name: "cohort", File: "cohort_analytics", Fetch: fetch("cohort", etl.NewResultSet([]string{"cohort_month"}, []etl.Record{{"cohort_month": "2024-01"}}), nil)},
		{Name: "churn", File: "churn_risk", Fetch: fetch("churn", nil, errors.New("relation does not exist"))},
		{Name: "ltv", File: "customer_ltv", Fetch: fetch("ltv", etl.NewResultSet([]string{"customer_phone"}, nil), nil)},
		{Name: "funnel", File: "conversion_funnel", Fetch: func(context.Context) (*etl.ResultSet, error) {
			*fetched = append(*fetched, "funnel")
			panic("driver bug")
		}},
		{Name: "revenue", File: "revenue", Nested: []string{"by_category", "by_hour"}, Fetch: fetch("revenue", revenueRows(), nil)},
	}
}

func TestExportAll_IsolatesFailures(t *testing.T) {
	var fetched []string
	sink := &diag.Memory{}
	var observed []string
	ex := export.NewExporter(testDatasets(&fetched), export.NewFormatter(fixedClock), export.ExporterOptions{
		Sink:      sink,
		OnDataset: func(ds string, _ export.Encoding, err error) { observed = append(observed, ds) },
	})

	report, err := ex.ExportAll(context.Background(), export.CSV, t.TempDir())
	require.NoError(t, err)
	assert.False(t, report.Success)
	assert.Equal(t, 1, report.ExitCode())
	assert.Equal(t, []string{"cohort", "churn", "ltv", "funnel", "revenue"}, fetched)
	assert.Equal(t, fetched, observed)

	require.Len(t, report.Outcomes, 5)
	assert.True(t, report.Outcomes[0].Success)
	assert.EqualError(t, report.Outcomes[1].Err, "relation does not exist")
	assert.ErrorIs(t, report.Outcomes[2].Err, export.ErrNoData)
	assert.Contains(t, report.Outcomes[3].Err.Error(), "driver bug")
	assert.True(t, report.Outcomes[4].Success)
	assert.Len(t, report.Outcomes[4].Artifacts, 3)
	assert.Len(t, report.Artifacts(), 4)

	summary := report.Summary()
	assert.Contains(t, summary, "Cohort: ✓ Success\n")
	assert.Contains(t, summary, "Churn: ✗ Failed\n")
	assert.Contains(t, summary, "Ltv: ✗ Failed\n")
	assert.Len(t, sink.Filter("dataset export failed"), 3)
}

func TestExportAll_SelectedDatasets(t *testing.T) {
	var fetched []string
	ex := export.NewExporter(testDatasets(&fetched), export.NewFormatter(fixedClock), export.ExporterOptions{})

	report, err := ex.ExportAll(context.Background(), export.JSON, t.TempDir(), "revenue", "cohort")
	require.NoError(t, err)
	assert.True(t, report.Success)
	assert.Equal(t, []string{"cohort", "revenue"}, fetched)
}

func TestExportAll_FailsFastOnConfigurationErrors(t *testing.T) {
	var fetched []string
	ex := export.NewExporter(testDatasets(&fetched), nil, export.ExporterOptions{})

	_, err := ex.ExportAll(context.Background(), export.CSV, t.TempDir(), "cohort", "sessions")
	assert.ErrorIs(t, err, export.ErrUnknownDataset)

	_, err = ex.ExportAll(context.Background(), export.Encoding("xml"), t.TempDir())
	assert.ErrorIs(t, err, export.ErrUnsupportedEncoding)
	assert.Empty(t, fetched)
}

func TestExporter_UploadsArtifacts(t *testing.T) {
	var fetched []string
	up := &fakeUploader{}
	ex := export.NewExporter(testDatasets(&fetched), export.NewFormatter(fixedClock), export.ExporterOptions{Uploader: up})

	arts, err := ex.Export(context.Background(), "cohort", export.CSV, t.TempDir())
	require.NoError(t, err)
	require.Len(t, arts, 1)
	assert.Equal(t, "s3://bucket/cohort_analytics_20240305_140709.csv", arts[0].URL)
	assert.Equal(t, "cohort", arts[0].Dataset)
	assert.Equal(t, []string{"cohort_analytics_20240305_140709.csv"}, up.uploaded)
}

func TestExporter_UploadFailureKeepsLocalArtifact(t *testing.T) {
	var fetched []string
	sink := &diag.Memory{}
	ex := export.NewExporter(testDatasets(&fetched), export.NewFormatter(fixedClock), export.ExporterOptions{
		Sink:     sink,
		Uploader: &fakeUploader{err: errors.New("bucket unreachable")},
	})

	report, err := ex.ExportAll(context.Background(), export.CSV, t.TempDir(), "cohort")
	require.NoError(t, err)
	assert.True(t, report.Success)
	assert.Empty(t, report.Outcomes[0].Artifacts[0].URL)
	assert.Len(t, sink.Filter("artifact upload failed"), 1)
}

func TestMinioUploader(t *testing.T) {
	_, err := export.NewMinioUploader(export.MinioConfig{Bucket: "exports"})
	assert.Error(t, err)

	up, err := export.NewMinioUploader(export.MinioConfig{
		Endpoint:  "localhost:9000",
		AccessKey: "minio",
		SecretKey: "minio123",
		Bucket:    "exports",
		Prefix:    "/analytics/",
	})
	require.NoError(t, err)
	key := up.ObjectKey(export.Artifact{Path: "/tmp/exports/churn_risk_20240305_140709.csv", Dataset: "churn"})
	assert.Equal(t, "analytics/churn/churn_risk_20240305_140709.csv", key)
}
