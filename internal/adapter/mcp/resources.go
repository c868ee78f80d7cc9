package mcp

import (
	"context"
	"encoding/json"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

// registerResources registers all MCP resources on the server.
func (s *Server) registerResources() {
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"skein://tasks",
			"Task List",
			mcplib.WithResourceDescription("All tracked background tasks: pending, running, and recent history"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleTasksResource,
	)

	s.mcpServer.AddResource(
		mcplib.NewResource(
			"skein://stats",
			"Scheduler Stats",
			mcplib.WithResourceDescription("Occupancy snapshots for the task queue, lanes, and session pools"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleStatsResource,
	)
}

func (s *Server) handleTasksResource(_ context.Context, req mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	if s.deps.Tasks == nil {
		return []mcplib.ResourceContents{
			mcplib.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     `{"error":"task queue not configured"}`,
			},
		}, nil
	}
	data, err := json.Marshal(s.deps.Tasks.ListTasks())
	if err != nil {
		return nil, err
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      req.Params.URI,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handleStatsResource(_ context.Context, req mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	stats := map[string]any{}
	if s.deps.Tasks != nil {
		stats["queue"] = s.deps.Tasks.Stats()
	}
	if s.deps.Lanes != nil {
		stats["lanes"] = s.deps.Lanes.Stats()
	}
	if s.deps.Pools != nil {
		stats["pools"] = s.deps.Pools.Stats()
	}
	data, err := json.Marshal(stats)
	if err != nil {
		return nil, err
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      req.Params.URI,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}
