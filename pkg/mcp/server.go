package mcp

import (
	"context"
	"log/slog"
	"os"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rain-yyy/FAN-Tianrui-FYP/internal/diagram"
	"github.com/rain-yyy/FAN-Tianrui-FYP/internal/filter"
	"github.com/rain-yyy/FAN-Tianrui-FYP/internal/lifecycle"
	"github.com/rain-yyy/FAN-Tianrui-FYP/internal/viewer"
)

// WikiServerDeps holds the dependencies for creating a WikiServer.
type WikiServerDeps struct {
	Lifecycle *lifecycle.Client
	Fetcher   viewer.Fetcher
	Renderer  *diagram.Renderer
	Logger    *slog.Logger
}

// WikiServer exposes the documentation client as MCP tools.
type WikiServer struct {
	lifecycle *lifecycle.Client
	fetcher   viewer.Fetcher
	renderer  *diagram.Renderer
	filter    *filter.Filter
	logger    *slog.Logger
	sessions  *SessionRegistry
	notifier  TaskNotifier
	mcpServer *server.MCPServer

	mu    sync.Mutex
	views map[string]*viewer.Session // task id -> loaded session
}

// NewWikiServer creates a WikiServer with all tools registered.
func NewWikiServer(deps WikiServerDeps) *WikiServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	renderer := deps.Renderer
	if renderer == nil {
		renderer = diagram.NewRenderer(nil, logger)
	}

	s := &WikiServer{
		lifecycle: deps.Lifecycle,
		fetcher:   deps.Fetcher,
		renderer:  renderer,
		filter:    filter.New(),
		logger:    logger,
		sessions:  NewSessionRegistry(),
		views:     make(map[string]*viewer.Session),
	}

	mcpSrv := server.NewMCPServer(
		"repowiki",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("repowiki generates documentation for a git repository. Use wiki.submit to start a job, wiki.status to follow it, wiki.pages to list the pages of a completed job (optionally filtered with an expression such as `depth == 0`), wiki.page to read one page, wiki.diagram to render Mermaid flowcharts and wiki.clear to forget the tracked job."),
	)
	s.notifier = NewMCPNotifier(mcpSrv, s.sessions)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *WikiServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *WikiServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *WikiServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: submitTool(), Handler: s.handleSubmit},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: pagesTool(), Handler: s.handlePages},
		{Tool: pageTool(), Handler: s.handlePage},
		{Tool: diagramTool(), Handler: s.handleDiagram},
		{Tool: clearTool(), Handler: s.handleClear},
	}
}

// --- Tool definitions ---

func submitTool() mcp.Tool {
	return mcp.NewTool("wiki.submit",
		mcp.WithDescription("Submit a repository for documentation generation"),
		mcp.WithString("repo_url", mcp.Required(), mcp.Description("Git URL of the repository")),
		mcp.WithBoolean("watch", mcp.Description("Follow the job and push progress notifications to this session")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("wiki.status",
		mcp.WithDescription("Get the status of a generation job"),
		mcp.WithString("task_id", mcp.Description("Job to query (default: the tracked job)")),
	)
}

func pagesTool() mcp.Tool {
	return mcp.NewTool("wiki.pages",
		mcp.WithDescription("List the pages of a completed job"),
		mcp.WithString("task_id", mcp.Description("Completed job (default: the tracked job)")),
		mcp.WithString("filter", mcp.Description("Boolean expression over id, title, filename, files, depth, index, parent, breadcrumb, has_children, url, strategy, bound")),
	)
}

func pageTool() mcp.Tool {
	return mcp.NewTool("wiki.page",
		mcp.WithDescription("Read one page of a completed job"),
		mcp.WithString("page_id", mcp.Required(), mcp.Description("Page id from wiki.pages")),
		mcp.WithString("task_id", mcp.Description("Completed job (default: the tracked job)")),
		mcp.WithString("format",
			mcp.Enum("markdown", "json"),
			mcp.DefaultString("markdown"),
			mcp.Description("Output format"),
		),
	)
}

func diagramTool() mcp.Tool {
	return mcp.NewTool("wiki.diagram",
		mcp.WithDescription("Render a Mermaid flowchart. Returns SVG, normalized Mermaid source or ASCII art"),
		mcp.WithString("source", mcp.Required(), mcp.Description("Mermaid flowchart source")),
		mcp.WithString("format",
			mcp.Enum("svg", "mermaid", "ascii"),
			mcp.DefaultString("svg"),
			mcp.Description("Output format"),
		),
	)
}

func clearTool() mcp.Tool {
	return mcp.NewTool("wiki.clear",
		mcp.WithDescription("Stop following the tracked job and forget it"),
	)
}
