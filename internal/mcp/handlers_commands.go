package mcp

import (
	"context"
	"encoding/json"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"stationkernel/internal/commandlog"
	"stationkernel/pkg/models"
)

func (s *Server) handleLogCommand(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	instanceID, err := request.RequireString("instance_id")
	if err != nil {
		return toolResultError("missing 'instance_id': %v", err), nil
	}
	commandType, err := request.RequireString("command_type")
	if err != nil {
		return toolResultError("missing 'command_type': %v", err), nil
	}
	action, err := request.RequireString("action")
	if err != nil {
		return toolResultError("missing 'action': %v", err), nil
	}

	entry := commandlog.Entry{
		InstanceID:      instanceID,
		CommandType:     models.CommandType(commandType),
		Action:          action,
		Success:         request.GetBool("success", true),
		ExecutionTimeMs: int64(request.GetInt("execution_time_ms", 0)),
		Source:          "mcp",
	}
	if toolName := request.GetString("tool_name", ""); toolName != "" {
		entry.ToolName = &toolName
	}
	if errMsg := request.GetString("error_message", ""); errMsg != "" {
		entry.ErrorMessage = &errMsg
	}
	if params := request.GetString("parameters", ""); params != "" {
		var v interface{}
		if err := json.Unmarshal([]byte(params), &v); err != nil {
			return toolResultError("parameters is not valid JSON: %v", err), nil
		}
		entry.Parameters = v
	}
	if result := request.GetString("result", ""); result != "" {
		var v interface{}
		if err := json.Unmarshal([]byte(result), &v); err != nil {
			return toolResultError("result is not valid JSON: %v", err), nil
		}
		entry.Result = v
	}

	logged, err := s.commands.Append(ctx, entry)
	if err != nil {
		return toolResultError("log command: %v", err), nil
	}
	return toolResultJSON(logged), nil
}

func (s *Server) handleSearchCommands(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	filter := models.CommandFilter{
		InstanceID:  request.GetString("instance_id", ""),
		Action:      request.GetString("action", ""),
		SuccessOnly: request.GetBool("success_only", false),
		Limit:       request.GetInt("limit", 50),
		Offset:      request.GetInt("offset", 0),
	}
	if raw := request.GetString("since", ""); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return toolResultError("since is not RFC 3339: %v", err), nil
		}
		filter.Since = &ts
	}
	if raw := request.GetString("until", ""); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return toolResultError("until is not RFC 3339: %v", err), nil
		}
		filter.Until = &ts
	}

	entries, total, err := s.commands.Search(ctx, filter)
	if err != nil {
		return toolResultError("search commands: %v", err), nil
	}
	return toolResultJSON(map[string]interface{}{
		"commands": entries,
		"total":    total,
	}), nil
}

func (s *Server) handleGetCommand(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := int64(request.GetInt("id", 0))
	if id == 0 {
		return toolResultError("missing 'id' parameter"), nil
	}

	entry, err := s.commands.Get(ctx, id)
	if err != nil {
		return toolResultError("get command: %v", err), nil
	}
	return toolResultJSON(entry), nil
}

func (s *Server) handleCommandStats(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	instanceID, err := request.RequireString("instance_id")
	if err != nil {
		return toolResultError("missing 'instance_id': %v", err), nil
	}

	stats, err := s.commands.Stats(ctx, instanceID)
	if err != nil {
		return toolResultError("command stats: %v", err), nil
	}
	return toolResultJSON(stats), nil
}
