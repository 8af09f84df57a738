package models

import (
	"encoding/json"
	"time"
)

// CommandType classifies how a command entry originated.
type CommandType string

const (
	CommandTypeMCPTool  CommandType = "mcp_tool"
	CommandTypeExplicit CommandType = "explicit"
	CommandTypeAuto     CommandType = "auto"
)

// CommandLogEntry is a sanitized record of a user- or tool-visible command.
type CommandLogEntry struct {
	ID              int64           `json:"id" db:"id"`
	InstanceID      string          `json:"instance_id" db:"instance_id"`
	CommandType     CommandType     `json:"command_type" db:"command_type"`
	Action          string          `json:"action" db:"action"`
	ToolName        *string         `json:"tool_name,omitempty" db:"tool_name"`
	Parameters      json.RawMessage `json:"parameters,omitempty" db:"parameters"`
	Result          json.RawMessage `json:"result,omitempty" db:"result"`
	Success         bool            `json:"success" db:"success"`
	ErrorMessage    *string         `json:"error_message,omitempty" db:"error_message"`
	ExecutionTimeMs int64           `json:"execution_time_ms" db:"execution_time_ms"`
	Timestamp       time.Time       `json:"timestamp" db:"timestamp"`
	Tags            json.RawMessage `json:"tags,omitempty" db:"tags"`
	ContextData     json.RawMessage `json:"context_data,omitempty" db:"context_data"`
	Source          string          `json:"source,omitempty" db:"source"`
}

// CommandFilter constrains CommandLog.Search results.
type CommandFilter struct {
	InstanceID  string
	Action      string
	SuccessOnly bool
	Since       *time.Time
	Until       *time.Time
	Limit       int
	Offset      int
}

// CommandStats summarizes an instance's command history.
type CommandStats struct {
	Total      int64 `json:"total"`
	Successful int64 `json:"successful"`
	Failed     int64 `json:"failed"`
}
