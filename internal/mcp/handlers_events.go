package mcp

import (
	"context"
	"encoding/json"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"stationkernel/internal/eventstore"
	"stationkernel/pkg/models"
)

func (s *Server) handleEmitEvent(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	instanceID, err := request.RequireString("instance_id")
	if err != nil {
		return toolResultError("missing 'instance_id': %v", err), nil
	}
	eventType, err := request.RequireString("event_type")
	if err != nil {
		return toolResultError("missing 'event_type': %v", err), nil
	}
	eventData, err := request.RequireString("event_data")
	if err != nil {
		return toolResultError("missing 'event_data': %v", err), nil
	}

	var payload interface{}
	if err := json.Unmarshal([]byte(eventData), &payload); err != nil {
		return toolResultError("event_data is not valid JSON: %v", err), nil
	}

	var metadata interface{}
	if raw := request.GetString("metadata", ""); raw != "" {
		if err := json.Unmarshal([]byte(raw), &metadata); err != nil {
			return toolResultError("metadata is not valid JSON: %v", err), nil
		}
	}

	ev, err := s.events.Append(ctx, instanceID, models.EventType(eventType), payload, metadata)
	if err != nil {
		return toolResultError("emit event: %v", err), nil
	}
	return toolResultJSON(ev), nil
}

func (s *Server) handleQueryEvents(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	instanceID, err := request.RequireString("instance_id")
	if err != nil {
		return toolResultError("missing 'instance_id': %v", err), nil
	}

	var filter models.EventFilter
	if et := request.GetString("event_type", ""); et != "" {
		filter.EventTypes = []models.EventType{models.EventType(et)}
	}
	filter.Keyword = request.GetString("keyword", "")
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

	limit := request.GetInt("limit", 50)
	offset := request.GetInt("offset", 0)

	events, total, hasMore, err := s.events.Query(ctx, instanceID, filter, limit, offset)
	if err != nil {
		return toolResultError("query events: %v", err), nil
	}
	return toolResultJSON(map[string]interface{}{
		"events":   events,
		"total":    total,
		"has_more": hasMore,
	}), nil
}

func (s *Server) handleReplayEvents(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	instanceID, err := request.RequireString("instance_id")
	if err != nil {
		return toolResultError("missing 'instance_id': %v", err), nil
	}
	upTo := int64(request.GetInt("up_to_sequence", 0))

	events, err := s.events.Replay(ctx, instanceID, 0)
	if err != nil {
		return toolResultError("replay events: %v", err), nil
	}
	if upTo > 0 {
		filtered := make([]*models.Event, 0, len(events))
		for _, ev := range events {
			if ev.SequenceNum <= upTo {
				filtered = append(filtered, ev)
			}
		}
		events = filtered
	}

	state, err := eventstore.Fold(events)
	if err != nil {
		return toolResultError("replay events: %v", err), nil
	}
	return toolResultJSON(map[string]interface{}{
		"state": state,
		"count": len(events),
	}), nil
}

func (s *Server) handleListEventTypes(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return toolResultJSON(map[string]interface{}{
		"event_types": s.events.ListEventTypes(),
	}), nil
}
