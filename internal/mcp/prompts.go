package mcpserver

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
)

func (s *Server) registerPrompts() {
	s.mcp.AddPrompt(mcp.NewPrompt("refresh_and_export",
		mcp.WithPromptDescription("Refresh analytics and export the results for a report"),
		mcp.WithArgument("format",
			mcp.ArgumentDescription("csv, json or parquet"),
		),
	), s.handleRefreshAndExportPrompt)

	s.mcp.AddPrompt(mcp.NewPrompt("investigate_failure",
		mcp.WithPromptDescription("Re-run a failed stage and explain what went wrong"),
		mcp.WithArgument("stage",
			mcp.ArgumentDescription("Stage that failed, e.g. rfm"),
			mcp.RequiredArgument(),
		),
	), s.handleInvestigateFailurePrompt)
}

func (s *Server) handleRefreshAndExportPrompt(ctx context.Context, req mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	format := req.Params.Arguments["format"]
	if format == "" {
		format = string(s.defaultFormat)
	}
	return &mcp.GetPromptResult{
		Description: fmt.Sprintf("Refresh analytics and export as %s", format),
		Messages: []mcp.PromptMessage{
			{
				Role: mcp.RoleUser,
				Content: mcp.TextContent{
					Type: "text",
					Text: fmt.Sprintf(`Refresh the analytics and export the results. Follow these steps:

1. Call run_pipeline with no stages to refresh everything.
2. If any stage failed, report which ones and their errors, then continue.
3. Call export_datasets with format "%s".
4. List the artifact paths, noting datasets that had no data.`, format),
				},
			},
		},
	}, nil
}

func (s *Server) handleInvestigateFailurePrompt(ctx context.Context, req mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	stage := req.Params.Arguments["stage"]
	return &mcp.GetPromptResult{
		Description: fmt.Sprintf("Investigate the %s stage", stage),
		Messages: []mcp.PromptMessage{
			{
				Role: mcp.RoleUser,
				Content: mcp.TextContent{
					Type: "text",
					Text: fmt.Sprintf(`The "%s" analytics stage failed. Follow these steps:

1. Call run_pipeline with stages ["%s"] to reproduce it in isolation.
2. Read the error field of the stage report.
3. Explain whether it looks transient (connection, timeout, lock) or a statement problem (missing procedure, bad data), and what to check next.`, stage, stage),
				},
			},
		},
	}, nil
}
