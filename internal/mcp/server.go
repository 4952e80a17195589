package mcpserver

import (
	"context"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"analytics/internal/diag"
	"analytics/internal/export"
	"analytics/internal/pipeline"
)

// Analytics is the service surface the tools drive.
type Analytics interface {
	Stages() []string
	Datasets() []string
	Active() []string
	RunPipeline(ctx context.Context, stages ...string) (*pipeline.Report, error)
	Export(ctx context.Context, enc export.Encoding, dir string, names ...string) (*export.BatchReport, error)
}

// Server is the MCP server for the analytics pipeline.
// It exposes tools, resources, and prompts so AI agents can refresh
// analytics tables and pull exports.
type Server struct {
	mcp  *server.MCPServer
	svc  Analytics
	sink diag.Sink

	exportDir     string
	defaultFormat export.Encoding
}

// Deps holds all dependencies passed from the app layer to the MCP server.
type Deps struct {
	Analytics     Analytics
	Sink          diag.Sink
	ExportDir     string
	DefaultFormat export.Encoding
	Version       string
}

// New creates and configures a new MCP server with all tools and resources.
func New(deps Deps) *Server {
	s := &Server{
		svc:           deps.Analytics,
		sink:          diag.OrDiscard(deps.Sink),
		exportDir:     deps.ExportDir,
		defaultFormat: deps.DefaultFormat,
	}
	if s.defaultFormat == "" {
		s.defaultFormat = export.CSV
	}
	version := deps.Version
	if version == "" {
		version = "dev"
	}

	s.mcp = server.NewMCPServer(
		"analytics-mcp",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(true, false),
		server.WithPromptCapabilities(true),
	)

	s.registerPipelineTools()
	s.registerExportTools()
	s.registerResources()
	s.registerPrompts()

	return s
}

// ServeStdio starts the MCP server on stdin/stdout.
func (s *Server) ServeStdio() error {
	s.sink.Log(context.Background(), slog.LevelInfo, "starting MCP stdio server")
	return server.ServeStdio(s.mcp)
}

// MCP exposes the underlying server, e.g. for an SSE transport.
func (s *Server) MCP() *server.MCPServer { return s.mcp }

// ── Helpers ────────────────────────────────────────────────

// textResult creates a simple text tool result.
func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

// jsonResult serializes v to JSON and wraps it in a text tool result.
func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := marshalIndent(v)
	if err != nil {
		return nil, err
	}
	return textResult(string(data)), nil
}
