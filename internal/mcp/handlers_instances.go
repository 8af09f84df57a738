package mcp

import (
	"context"
	"log"

	"github.com/mark3labs/mcp-go/mcp"

	"stationkernel/pkg/models"
)

func (s *Server) handleRegisterInstance(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	project, err := request.RequireString("project")
	if err != nil {
		return toolResultError("missing 'project': %v", err), nil
	}
	instanceType, err := request.RequireString("instance_type")
	if err != nil {
		return toolResultError("missing 'instance_type': %v", err), nil
	}

	var sessionUUID *string
	if v := request.GetString("claude_session_uuid", ""); v != "" {
		sessionUUID = &v
	}

	inst, err := s.instances.Register(ctx, project, models.InstanceType(instanceType), sessionUUID)
	if err != nil {
		return toolResultError("register instance: %v", err), nil
	}
	return toolResultJSON(inst), nil
}

func (s *Server) handleHeartbeat(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	instanceID, err := request.RequireString("instance_id")
	if err != nil {
		return toolResultError("missing 'instance_id': %v", err), nil
	}
	contextWindowPercent := request.GetInt("context_window_percent", 0)

	var currentEpic *string
	if v := request.GetString("current_epic", ""); v != "" {
		currentEpic = &v
	}

	if err := s.instances.Heartbeat(ctx, instanceID, contextWindowPercent, currentEpic); err != nil {
		return toolResultError("heartbeat: %v", err), nil
	}

	response := map[string]interface{}{"instance_id": instanceID, "status": "ok"}

	// Crossing the context-window threshold on a heartbeat snapshots the
	// instance automatically.
	workState := map[string]interface{}{"context_window_percent": contextWindowPercent}
	if currentEpic != nil {
		workState["current_epic"] = *currentEpic
	}
	cp, err := s.checkpoints.MaybeCheckpointOnHeartbeat(ctx, instanceID, 0, contextWindowPercent, workState, s.checkpointThreshold)
	if err != nil {
		log.Printf("[MCP] automatic context_window checkpoint for %s failed: %v", instanceID, err)
	} else if cp != nil {
		response["checkpoint_id"] = cp.CheckpointID
	}

	return toolResultJSON(response), nil
}

func (s *Server) handleCloseInstance(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	instanceID, err := request.RequireString("instance_id")
	if err != nil {
		return toolResultError("missing 'instance_id': %v", err), nil
	}

	var reason *string
	if v := request.GetString("reason", ""); v != "" {
		reason = &v
	}

	if err := s.instances.Close(ctx, instanceID, reason); err != nil {
		return toolResultError("close instance: %v", err), nil
	}
	return toolResultJSON(map[string]interface{}{"instance_id": instanceID, "status": "closed"}), nil
}

func (s *Server) handleResumeInstance(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	hint := request.GetString("hint", "")

	result, err := s.instances.Resolve(ctx, hint)
	if err != nil {
		return toolResultError("resolve instance: %v", err), nil
	}

	response := map[string]interface{}{"resolution": result}
	if !result.Disambiguation() && len(result.Matches) == 1 {
		// An unambiguous resolution also reconstructs the instance's
		// work-state so the caller can resume in one round trip.
		rec, recErr := s.checkpoints.Reconstruct(ctx, result.Matches[0].InstanceID)
		if recErr != nil {
			log.Printf("[MCP] reconstruct for %s failed: %v", result.Matches[0].InstanceID, recErr)
		} else {
			response["reconstruction"] = rec
		}
	}
	return toolResultJSON(response), nil
}

func (s *Server) handleGetInstanceDetails(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	instanceID, err := request.RequireString("instance_id")
	if err != nil {
		return toolResultError("missing 'instance_id': %v", err), nil
	}

	inst, err := s.instances.Get(ctx, instanceID)
	if err != nil {
		return toolResultError("get instance: %v", err), nil
	}
	return toolResultJSON(inst), nil
}

func (s *Server) handleListStaleInstances(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	project := request.GetString("project", "")
	limit := request.GetInt("limit", 50)
	offset := request.GetInt("offset", 0)

	stale, err := s.instances.ListStale(ctx, project)
	if err != nil {
		return toolResultError("list stale instances: %v", err), nil
	}

	total := len(stale)
	page := paginate(stale, limit, offset)
	return toolResultJSON(map[string]interface{}{
		"instances": page,
		"count":     len(page),
		"total":     total,
		"has_more":  offset+len(page) < total,
	}), nil
}

// paginate slices a fully loaded listing; the stale/active sets are
// bounded by live supervisor count, so loading them whole stays cheap.
func paginate(instances []*models.Instance, limit, offset int) []*models.Instance {
	if offset >= len(instances) {
		return nil
	}
	instances = instances[offset:]
	if limit > 0 && limit < len(instances) {
		instances = instances[:limit]
	}
	return instances
}
