// Package mcp exposes the Skein scheduler over the Model Context Protocol,
// so MCP-capable agents can submit background tasks, run workflow plans, and
// inspect queue state without going through the HTTP API.
package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/skein-dev/skein/internal/domain/bgtask"
	"github.com/skein-dev/skein/internal/domain/workflow"
	"github.com/skein-dev/skein/internal/service"
)

// TaskSubmitter is the slice of the task queue the MCP tools need.
type TaskSubmitter interface {
	Submit(ctx context.Context, spec bgtask.Spec) (*bgtask.Task, error)
	GetTask(id string) (*bgtask.Task, bool)
	ListTasks() []bgtask.Task
	Cancel(id string) bool
	Stats() service.QueueStat
}

// WorkflowRunner parses and executes workflow plans.
type WorkflowRunner interface {
	ParsePlan(ctx context.Context, text string) *workflow.Plan
	Execute(ctx context.Context, p *workflow.Plan) (string, *workflow.Execution, error)
}

// LaneStats reports lane occupancy.
type LaneStats interface {
	Stats() []service.LaneStat
}

// PoolStats reports session pool occupancy.
type PoolStats interface {
	Stats() []service.PoolStat
}

// ServerConfig holds MCP server settings.
type ServerConfig struct {
	Addr    string
	Name    string
	Version string
	APIKey  string
}

// ServerDeps holds the services the MCP tools call. Nil fields disable the
// corresponding tools with an error result rather than a panic.
type ServerDeps struct {
	Tasks     TaskSubmitter
	Workflows WorkflowRunner
	Lanes     LaneStats
	Pools     PoolStats
}

// Server wraps an MCP server serving Skein tools over streamable HTTP.
type Server struct {
	cfg        ServerConfig
	deps       ServerDeps
	mcpServer  *mcpserver.MCPServer
	httpServer *http.Server
}

// NewServer creates the MCP server and registers all tools and resources.
func NewServer(cfg ServerConfig, deps ServerDeps) *Server {
	s := &Server{
		cfg:  cfg,
		deps: deps,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		cfg.Name,
		cfg.Version,
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithResourceCapabilities(true, true),
	)

	s.registerTools()
	s.registerResources()

	return s
}

// MCPServer returns the underlying protocol server.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

// Start begins serving MCP over streamable HTTP on the configured address.
// It returns once the listener is bound; serving continues in the background.
func (s *Server) Start() error {
	handler := AuthMiddleware(s.cfg.APIKey, mcpserver.NewStreamableHTTPServer(s.mcpServer))

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("mcp listen on %s: %w", s.cfg.Addr, err)
	}

	s.httpServer = &http.Server{Handler: handler}
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("mcp server stopped", "error", err)
		}
	}()

	slog.Info("mcp server listening", "addr", ln.Addr().String())
	return nil
}

// Stop gracefully shuts down the MCP HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// toolResultJSON wraps a JSON payload as a text tool result.
func toolResultJSON(data string) *mcplib.CallToolResult {
	return mcplib.NewToolResultText(data)
}
