package mcp

import (
	"context"
	"encoding/json"

	"github.com/mark3labs/mcp-go/mcp"

	"stationkernel/pkg/models"
)

func (s *Server) handleCreateCheckpoint(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	instanceID, err := request.RequireString("instance_id")
	if err != nil {
		return toolResultError("missing 'instance_id': %v", err), nil
	}
	checkpointType, err := request.RequireString("checkpoint_type")
	if err != nil {
		return toolResultError("missing 'checkpoint_type': %v", err), nil
	}
	workState, err := request.RequireString("work_state")
	if err != nil {
		return toolResultError("missing 'work_state': %v", err), nil
	}

	sequenceNum := int64(request.GetInt("sequence_num", 0))
	contextWindowPercent := request.GetInt("context_window_percent", 0)

	var state interface{}
	if err := json.Unmarshal([]byte(workState), &state); err != nil {
		return toolResultError("work_state is not valid JSON: %v", err), nil
	}

	cp, err := s.checkpoints.Create(ctx, instanceID, models.CheckpointType(checkpointType), sequenceNum, contextWindowPercent, state)
	if err != nil {
		return toolResultError("create checkpoint: %v", err), nil
	}
	return toolResultJSON(cp), nil
}

func (s *Server) handleGetLatestCheckpoint(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	instanceID, err := request.RequireString("instance_id")
	if err != nil {
		return toolResultError("missing 'instance_id': %v", err), nil
	}

	cp, err := s.checkpoints.Latest(ctx, instanceID)
	if err != nil {
		return toolResultError("get latest checkpoint: %v", err), nil
	}
	return toolResultJSON(cp), nil
}

func (s *Server) handleLoadCheckpoint(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	checkpointID, err := request.RequireString("checkpoint_id")
	if err != nil {
		return toolResultError("missing 'checkpoint_id': %v", err), nil
	}

	cp, err := s.checkpoints.Load(ctx, checkpointID)
	if err != nil {
		return toolResultError("load checkpoint: %v", err), nil
	}
	return toolResultJSON(cp), nil
}
