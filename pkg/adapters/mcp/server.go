// Package mcp exposes flow reporting as read-only MCP tools, so assistants
// can answer questions about how a flow is performing.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/istresearch/rapidpro-sub000/internal/logging"
	"github.com/istresearch/rapidpro-sub000/pkg/domain"
	"github.com/istresearch/rapidpro-sub000/pkg/ports"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// Server wraps a Reporter and exposes it as an MCP server.
type Server struct {
	reporter  ports.Reporter
	mcpServer *server.MCPServer
	logger    *slog.Logger
}

// Option configures the Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewServer creates an MCP server named "flows" at version.
func NewServer(reporter ports.Reporter, version string, opts ...Option) *Server {
	s := &Server{
		reporter:  reporter,
		mcpServer: server.NewMCPServer("flows", version),
		logger:    logging.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.registerTools()
	return s
}

// MCPServer returns the underlying server.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// ServeStdio serves on stdin/stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcpServer)
}

// ServeSSE serves over SSE on addr until ctx is done.
func (s *Server) ServeSSE(ctx context.Context, addr, baseURL string) error {
	sseServer := server.NewSSEServer(s.mcpServer, server.WithBaseURL(baseURL))

	mux := http.NewServeMux()
	mux.Handle("/sse", sseServer.SSEHandler())
	mux.Handle("/message", sseServer.MessageHandler())
	httpServer := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	serverErrors := make(chan error, 1)
	go func() {
		s.logger.Info("MCP server listening (SSE)", "address", addr)
		serverErrors <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("could not stop MCP server gracefully: %w", err)
		}
		return nil
	}
}

func (s *Server) registerTools() {
	flowArg := mcp.WithString("flow_uuid", mcp.Required(), mcp.Description("UUID of the flow"))

	s.mcpServer.AddTool(mcp.NewTool("flow_stats",
		mcp.WithDescription("Count the runs of a flow by status, with the completion percentage."),
		flowArg,
	), s.flowStats)

	s.mcpServer.AddTool(mcp.NewTool("category_counts",
		mcp.WithDescription("Summarize how contacts answered each result of a flow."),
		flowArg,
	), s.categoryCounts)

	s.mcpServer.AddTool(mcp.NewTool("flow_activity",
		mcp.WithDescription("Show how many runs rest at each node and how often each path was taken."),
		flowArg,
	), s.flowActivity)

	s.mcpServer.AddTool(mcp.NewTool("recent_runs",
		mcp.WithDescription("List the latest runs that crossed one path of a flow, with the text that moved them."),
		flowArg,
		mcp.WithString("from_uuid", mcp.Required(), mcp.Description("Exit or rule the path starts at")),
		mcp.WithString("to_uuid", mcp.Required(), mcp.Description("Node the path leads to")),
	), s.recentRuns)
}

func (s *Server) flowStats(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.report(ctx, request, func(ctx context.Context, flowUUID string) (any, error) {
		return s.reporter.RunStats(ctx, flowUUID)
	})
}

func (s *Server) categoryCounts(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.report(ctx, request, func(ctx context.Context, flowUUID string) (any, error) {
		return s.reporter.CategoryCounts(ctx, flowUUID)
	})
}

func (s *Server) flowActivity(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.report(ctx, request, func(ctx context.Context, flowUUID string) (any, error) {
		return s.reporter.Activity(ctx, flowUUID)
	})
}

func (s *Server) recentRuns(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	key := domain.PathKey{
		FromUUID: request.GetString("from_uuid", ""),
		ToUUID:   request.GetString("to_uuid", ""),
	}
	if key.FromUUID == "" || key.ToUUID == "" {
		return mcp.NewToolResultError("from_uuid and to_uuid are required"), nil
	}
	return s.report(ctx, request, func(ctx context.Context, flowUUID string) (any, error) {
		return s.reporter.RecentRuns(ctx, flowUUID, key)
	})
}

// report runs read for the flow named in the request and returns its JSON.
// Failures are tool errors, not protocol errors.
func (s *Server) report(ctx context.Context, request mcp.CallToolRequest, read func(context.Context, string) (any, error)) (*mcp.CallToolResult, error) {
	flowUUID := request.GetString("flow_uuid", "")
	if flowUUID == "" {
		return mcp.NewToolResultError("flow_uuid is required"), nil
	}
	v, err := read(ctx, flowUUID)
	if errors.Is(err, domain.ErrFlowNotFound) {
		return mcp.NewToolResultError(fmt.Sprintf("flow %s not found", flowUUID)), nil
	}
	if err != nil {
		s.logger.Error("MCP tool failed", "tool", request.Params.Name, "flow_uuid", flowUUID, "error", err)
		return mcp.NewToolResultError(fmt.Sprintf("%s failed: %v", request.Params.Name, err)), nil
	}
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s result: %w", request.Params.Name, err)
	}
	return mcp.NewToolResultText(string(body)), nil
}
