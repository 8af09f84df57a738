package mcp

import (
	"context"
	"log"

	"github.com/mark3labs/mcp-go/mcp"

	"stationkernel/pkg/models"
)

func (s *Server) handleCreateWorkflow(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	testID, err := request.RequireString("test_id")
	if err != nil {
		return toolResultError("missing 'test_id': %v", err), nil
	}
	epicID, err := request.RequireString("epic_id")
	if err != nil {
		return toolResultError("missing 'epic_id': %v", err), nil
	}
	testType, err := request.RequireString("test_type")
	if err != nil {
		return toolResultError("missing 'test_type': %v", err), nil
	}
	instanceID := request.GetString("instance_id", "")

	wf, runErr := s.orchestrator.Run(ctx, instanceID, testID, epicID, models.TestType(testType))
	if wf == nil {
		return toolResultError("create workflow: %v", runErr), nil
	}

	response := map[string]interface{}{
		"workflow": wf,
		"report":   s.reporter.Report(wf),
	}
	if runErr != nil {
		response["error"] = runErr.Error()
	}

	// A completed workflow snapshots the driving instance's work-state as
	// an epic_completion checkpoint.
	if runErr == nil && instanceID != "" {
		pct := 0
		if inst, err := s.instances.Get(ctx, instanceID); err == nil {
			pct = inst.ContextWindowPercent
		}
		cp, err := s.checkpoints.Create(ctx, instanceID, models.CheckpointEpicCompletion, 0, pct, map[string]interface{}{
			"epic_id": epicID,
			"test_id": testID,
			"status":  string(wf.Status),
		})
		if err != nil {
			log.Printf("[MCP] epic_completion checkpoint for %s failed: %v", instanceID, err)
		} else {
			response["checkpoint_id"] = cp.CheckpointID
		}
	}
	return toolResultJSON(response), nil
}

func (s *Server) handleGetWorkflow(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	testID, err := request.RequireString("test_id")
	if err != nil {
		return toolResultError("missing 'test_id': %v", err), nil
	}

	wf, err := s.machine.Get(ctx, testID)
	if err != nil {
		return toolResultError("get workflow: %v", err), nil
	}
	return toolResultJSON(map[string]interface{}{
		"workflow": wf,
		"report":   s.reporter.Report(wf),
	}), nil
}

func (s *Server) handleListWorkflowsByEpic(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	epicID, err := request.RequireString("epic_id")
	if err != nil {
		return toolResultError("missing 'epic_id': %v", err), nil
	}

	workflows, err := s.machine.ListByEpic(ctx, epicID)
	if err != nil {
		return toolResultError("list workflows by epic: %v", err), nil
	}
	return toolResultJSON(map[string]interface{}{
		"workflows":   workflows,
		"epic_report": s.reporter.EpicReport(epicID, workflows),
	}), nil
}

func (s *Server) handleTransitionWorkflow(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	testID, err := request.RequireString("test_id")
	if err != nil {
		return toolResultError("missing 'test_id': %v", err), nil
	}
	toStage, err := request.RequireString("to_stage")
	if err != nil {
		return toolResultError("missing 'to_stage': %v", err), nil
	}

	wf, err := s.machine.Get(ctx, testID)
	if err != nil {
		return toolResultError("get workflow: %v", err), nil
	}

	updated, err := s.machine.Transition(ctx, wf, models.Stage(toStage))
	if err != nil {
		return toolResultError("transition workflow: %v", err), nil
	}
	return toolResultJSON(updated), nil
}

func (s *Server) handleEscalateWorkflow(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	testID, err := request.RequireString("test_id")
	if err != nil {
		return toolResultError("missing 'test_id': %v", err), nil
	}
	reason, err := request.RequireString("reason")
	if err != nil {
		return toolResultError("missing 'reason': %v", err), nil
	}

	wf, err := s.machine.Get(ctx, testID)
	if err != nil {
		return toolResultError("get workflow: %v", err), nil
	}

	escalated, err := s.machine.Escalate(ctx, wf, reason)
	if err != nil {
		return toolResultError("escalate workflow: %v", err), nil
	}
	return toolResultJSON(escalated), nil
}
