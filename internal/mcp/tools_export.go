package mcpserver

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"analytics/internal/export"
)

func (s *Server) registerExportTools() {
	formats := make([]string, len(export.Encodings))
	for i, e := range export.Encodings {
		formats[i] = string(e)
	}

	s.mcp.AddTool(mcp.NewTool("export_datasets",
		mcp.WithDescription("Export analytics datasets to timestamped files. Each dataset is exported independently; one failure does not stop the rest. Returns the written artifact paths."),
		mcp.WithString("format",
			mcp.Description(fmt.Sprintf("Output format (default %s)", s.defaultFormat)),
			mcp.Enum(formats...),
		),
		mcp.WithArray("datasets",
			mcp.Description("Optional dataset names; all datasets when omitted"),
			mcp.Items(map[string]any{"type": "string"}),
		),
	), s.handleExportDatasets)
}

func (s *Server) handleExportDatasets(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	enc := s.defaultFormat
	if f := req.GetString("format", ""); f != "" {
		parsed, err := export.ParseEncoding(f)
		if err != nil {
			return nil, err
		}
		enc = parsed
	}
	names, err := stringList(req.GetArguments()["datasets"])
	if err != nil {
		return nil, fmt.Errorf("datasets: %w", err)
	}

	report, err := s.svc.Export(ctx, enc, s.exportDir, names...)
	if err != nil {
		return nil, fmt.Errorf("export datasets: %w", err)
	}
	return jsonResult(newExportView(report))
}

type datasetView struct {
	Dataset   string            `json:"dataset"`
	Success   bool              `json:"success"`
	Artifacts []export.Artifact `json:"artifacts,omitempty"`
	Error     string            `json:"error,omitempty"`
}

type exportView struct {
	Success  bool          `json:"success"`
	Datasets []datasetView `json:"datasets"`
	Summary  string        `json:"summary"`
}

func newExportView(r *export.BatchReport) exportView {
	v := exportView{Success: r.Success, Summary: r.Summary(), Datasets: make([]datasetView, 0, len(r.Outcomes))}
	for _, o := range r.Outcomes {
		d := datasetView{Dataset: o.Dataset, Success: o.Success, Artifacts: o.Artifacts}
		if o.Err != nil {
			d.Error = o.Err.Error()
		}
		v.Datasets = append(v.Datasets, d)
	}
	return v
}
