// Package mcp exposes the kernel's administrative operations as MCP
// tool endpoints for an external runtime: events, commands, instances,
// checkpoints, and workflows.
package mcp

import (
	"context"
	"fmt"
	"log"

	gomcp "github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"stationkernel/internal/checkpoint"
	"stationkernel/internal/commandlog"
	"stationkernel/internal/eventstore"
	"stationkernel/internal/orchestrator"
	"stationkernel/internal/registry"
	"stationkernel/internal/reporter"
	"stationkernel/internal/workflow"
)

// Server is the administrative MCP server.
type Server struct {
	mcpServer    *server.MCPServer
	events       *eventstore.Store
	commands     *commandlog.Log
	instances    *registry.Registry
	checkpoints  *checkpoint.Manager
	machine      *workflow.Machine
	orchestrator *orchestrator.Orchestrator
	reporter     *reporter.Reporter

	// checkpointThreshold is the context_window_percent at or above which
	// a heartbeat automatically snapshots the instance
	// (checkpoint_context_threshold_percent config).
	checkpointThreshold int
}

// NewServer builds a Server wired to every kernel component and
// registers its tools.
func NewServer(
	events *eventstore.Store,
	commands *commandlog.Log,
	instances *registry.Registry,
	checkpoints *checkpoint.Manager,
	machine *workflow.Machine,
	orch *orchestrator.Orchestrator,
	rep *reporter.Reporter,
	checkpointThreshold int,
) *Server {
	if checkpointThreshold <= 0 {
		checkpointThreshold = checkpoint.ContextWindowThreshold
	}
	mcpServer := server.NewMCPServer(
		"Workflow Kernel MCP Server",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithRecovery(),
	)

	s := &Server{
		mcpServer:           mcpServer,
		events:              events,
		commands:            commands,
		instances:           instances,
		checkpoints:         checkpoints,
		machine:             machine,
		orchestrator:        orch,
		reporter:            rep,
		checkpointThreshold: checkpointThreshold,
	}

	s.setupTools()
	log.Printf("MCP server setup complete - administrative tools registered")
	return s
}

// StartStdio serves the MCP server over stdio.
func (s *Server) StartStdio(ctx context.Context) error {
	log.Printf("Starting MCP server using stdio transport")
	if err := server.ServeStdio(s.mcpServer); err != nil {
		return fmt.Errorf("MCP stdio server error: %w", err)
	}
	return nil
}

func toolResultJSON(v interface{}) *gomcp.CallToolResult {
	return gomcp.NewToolResultText(mustJSON(v))
}

func toolResultError(format string, args ...interface{}) *gomcp.CallToolResult {
	return gomcp.NewToolResultError(fmt.Sprintf(format, args...))
}
