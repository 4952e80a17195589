package mcpserver

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"
)

const (
	stagesURI   = "analytics://stages"
	datasetsURI = "analytics://datasets"
)

func (s *Server) registerResources() {
	// ── analytics://stages ────────────────────────────
	s.mcp.AddResource(mcp.NewResource(
		stagesURI,
		"Analytics Stages",
		mcp.WithResourceDescription("Stage names in run order"),
		mcp.WithMIMEType("application/json"),
	), s.handleStagesResource)

	// ── analytics://datasets ──────────────────────────
	s.mcp.AddResource(mcp.NewResource(
		datasetsURI,
		"Exportable Datasets",
		mcp.WithResourceDescription("Dataset names accepted by export_datasets"),
		mcp.WithMIMEType("application/json"),
	), s.handleDatasetsResource)
}

func (s *Server) handleStagesResource(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return jsonResource(stagesURI, s.svc.Stages())
}

func (s *Server) handleDatasetsResource(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return jsonResource(datasetsURI, s.svc.Datasets())
}

func jsonResource(uri string, v any) ([]mcp.ResourceContents, error) {
	data, err := marshalIndent(v)
	if err != nil {
		return nil, err
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}
