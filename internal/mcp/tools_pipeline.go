package mcpserver

import (
	"context"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"analytics/internal/pipeline"
)

func boolPtr(v bool) *bool { return &v }

func (s *Server) registerPipelineTools() {
	s.mcp.AddTool(mcp.NewTool("list_stages",
		mcp.WithDescription("List the analytics stages in run order, the exportable datasets, and any job currently running"),
		mcp.WithToolAnnotation(mcp.ToolAnnotation{ReadOnlyHint: boolPtr(true)}),
	), s.handleListStages)

	s.mcp.AddTool(mcp.NewTool("run_pipeline",
		mcp.WithDescription("Refresh analytics tables. With no stages, runs every stage in order followed by database maintenance. With stages, runs only those (no follow-up reports, no maintenance). Returns a per-stage report."),
		mcp.WithArray("stages",
			mcp.Description("Optional stage names, e.g. [\"churn\", \"rfm\"]. Use list_stages to see them."),
			mcp.Items(map[string]any{"type": "string"}),
		),
		mcp.WithToolAnnotation(mcp.ToolAnnotation{
			DestructiveHint: boolPtr(false),
			IdempotentHint:  boolPtr(true),
		}),
	), s.handleRunPipeline)
}

func (s *Server) handleListStages(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(map[string]any{
		"stages":   s.svc.Stages(),
		"datasets": s.svc.Datasets(),
		"active":   s.svc.Active(),
	})
}

func (s *Server) handleRunPipeline(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	stages, err := stringList(req.GetArguments()["stages"])
	if err != nil {
		return nil, fmt.Errorf("stages: %w", err)
	}

	report, err := s.svc.RunPipeline(ctx, stages...)
	if err != nil {
		return nil, fmt.Errorf("run pipeline: %w", err)
	}
	return jsonResult(newRunView(report))
}

// ── Result views ───────────────────────────────────────────

type stageView struct {
	Stage   string  `json:"stage"`
	Title   string  `json:"title"`
	Success bool    `json:"success"`
	Seconds float64 `json:"seconds"`
	Error   string  `json:"error,omitempty"`
}

type runView struct {
	RunID       string      `json:"runId"`
	Success     bool        `json:"success"`
	Selective   bool        `json:"selective"`
	Stages      []stageView `json:"stages"`
	Maintenance string      `json:"maintenanceError,omitempty"`
	Seconds     float64     `json:"seconds"`
	Summary     string      `json:"summary"`
}

func newRunView(r *pipeline.Report) runView {
	v := runView{
		RunID:     r.RunID,
		Success:   r.Success,
		Selective: r.Selective,
		Seconds:   round(r.Duration),
		Summary:   r.Summary(),
		Stages:    make([]stageView, 0, len(r.Outcomes)),
	}
	if r.MaintenanceErr != nil {
		v.Maintenance = r.MaintenanceErr.Error()
	}
	for _, o := range r.Outcomes {
		v.Stages = append(v.Stages, stageView{
			Stage:   o.Stage,
			Title:   o.Title,
			Success: o.Success,
			Seconds: round(o.Duration),
			Error:   o.Error(),
		})
	}
	return v
}

func round(d time.Duration) float64 {
	return float64(d.Milliseconds()) / 1000
}
