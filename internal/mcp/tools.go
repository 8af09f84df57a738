package mcp

import (
	"log"

	"github.com/mark3labs/mcp-go/mcp"
)

// setupTools registers every administrative tool, grouped by the entity
// it operates on.
func (s *Server) setupTools() {
	s.setupEventTools()
	s.setupCommandTools()
	s.setupInstanceTools()
	s.setupCheckpointTools()
	s.setupWorkflowTools()
	log.Printf("MCP tools setup complete")
}

func (s *Server) setupEventTools() {
	s.mcpServer.AddTool(mcp.NewTool("emit_event",
		mcp.WithDescription("Append an event to an instance's event store"),
		mcp.WithString("instance_id", mcp.Required(), mcp.Description("Instance the event belongs to")),
		mcp.WithString("event_type", mcp.Required(), mcp.Description("One of the closed event_type registry members")),
		mcp.WithString("event_data", mcp.Required(), mcp.Description("JSON-encoded event payload")),
		mcp.WithString("metadata", mcp.Description("Optional JSON-encoded metadata")),
	), s.handleEmitEvent)

	s.mcpServer.AddTool(mcp.NewTool("query_events",
		mcp.WithDescription("Query an instance's events newest-first, paginated"),
		mcp.WithString("instance_id", mcp.Required(), mcp.Description("Instance to query")),
		mcp.WithString("event_type", mcp.Description("Filter to a single event_type")),
		mcp.WithString("keyword", mcp.Description("Substring match over serialized event_data")),
		mcp.WithString("since", mcp.Description("Inclusive lower bound on timestamp, RFC 3339")),
		mcp.WithString("until", mcp.Description("Exclusive upper bound on timestamp, RFC 3339")),
		mcp.WithNumber("limit", mcp.Description("Page size (default 50)")),
		mcp.WithNumber("offset", mcp.Description("Page offset (default 0)")),
	), s.handleQueryEvents)

	s.mcpServer.AddTool(mcp.NewTool("replay_events",
		mcp.WithDescription("Deterministically fold an instance's events up to an optional sequence number"),
		mcp.WithString("instance_id", mcp.Required(), mcp.Description("Instance to replay")),
		mcp.WithNumber("up_to_sequence", mcp.Description("Replay only events with sequence_num <= this value")),
	), s.handleReplayEvents)

	s.mcpServer.AddTool(mcp.NewTool("list_event_types",
		mcp.WithDescription("List the closed event-type registry"),
	), s.handleListEventTypes)
}

func (s *Server) setupCommandTools() {
	s.mcpServer.AddTool(mcp.NewTool("log_command",
		mcp.WithDescription("Record a sanitized command/tool-call entry"),
		mcp.WithString("instance_id", mcp.Required(), mcp.Description("Instance the command ran against")),
		mcp.WithString("command_type", mcp.Required(), mcp.Description("mcp_tool | explicit | auto")),
		mcp.WithString("action", mcp.Required(), mcp.Description("Action name")),
		mcp.WithString("tool_name", mcp.Description("Underlying tool name, if any")),
		mcp.WithString("parameters", mcp.Description("JSON-encoded parameters (redacted before storage)")),
		mcp.WithString("result", mcp.Description("JSON-encoded result (redacted before storage)")),
		mcp.WithBoolean("success", mcp.Description("Whether the command succeeded")),
		mcp.WithString("error_message", mcp.Description("Error message, if any")),
		mcp.WithNumber("execution_time_ms", mcp.Description("Execution time in milliseconds")),
	), s.handleLogCommand)

	s.mcpServer.AddTool(mcp.NewTool("search_commands",
		mcp.WithDescription("Search the command log"),
		mcp.WithString("instance_id", mcp.Description("Filter by instance")),
		mcp.WithString("action", mcp.Description("Filter by action")),
		mcp.WithBoolean("success_only", mcp.Description("Only successful commands")),
		mcp.WithString("since", mcp.Description("Inclusive lower bound on timestamp, RFC 3339")),
		mcp.WithString("until", mcp.Description("Exclusive upper bound on timestamp, RFC 3339")),
		mcp.WithNumber("limit", mcp.Description("Page size (default 50)")),
		mcp.WithNumber("offset", mcp.Description("Page offset (default 0)")),
	), s.handleSearchCommands)

	s.mcpServer.AddTool(mcp.NewTool("get_command",
		mcp.WithDescription("Load a single command log entry by id"),
		mcp.WithNumber("id", mcp.Required(), mcp.Description("Command log entry id")),
	), s.handleGetCommand)

	s.mcpServer.AddTool(mcp.NewTool("command_stats",
		mcp.WithDescription("Aggregate success/failure counts for an instance"),
		mcp.WithString("instance_id", mcp.Required(), mcp.Description("Instance to summarize")),
	), s.handleCommandStats)
}

func (s *Server) setupInstanceTools() {
	s.mcpServer.AddTool(mcp.NewTool("register_instance",
		mcp.WithDescription("Register a new supervisor instance"),
		mcp.WithString("project", mcp.Required(), mcp.Description("Project name")),
		mcp.WithString("instance_type", mcp.Required(), mcp.Description("PS | MS")),
		mcp.WithString("claude_session_uuid", mcp.Description("External transcript identifier")),
	), s.handleRegisterInstance)

	s.mcpServer.AddTool(mcp.NewTool("heartbeat",
		mcp.WithDescription("Refresh an instance's liveness"),
		mcp.WithString("instance_id", mcp.Required(), mcp.Description("Instance to heartbeat")),
		mcp.WithNumber("context_window_percent", mcp.Description("Current context window usage, 0-100")),
		mcp.WithString("current_epic", mcp.Description("Epic the instance is currently working")),
	), s.handleHeartbeat)

	s.mcpServer.AddTool(mcp.NewTool("close_instance",
		mcp.WithDescription("Terminally close an instance"),
		mcp.WithString("instance_id", mcp.Required(), mcp.Description("Instance to close")),
		mcp.WithString("reason", mcp.Description("Closure reason")),
	), s.handleCloseInstance)

	s.mcpServer.AddTool(mcp.NewTool("resume_instance",
		mcp.WithDescription("Resolve a hint to one or more instances for resume"),
		mcp.WithString("hint", mcp.Description("Empty, exact id, id prefix (>=4 chars), project, or epic id")),
	), s.handleResumeInstance)

	s.mcpServer.AddTool(mcp.NewTool("get_instance_details",
		mcp.WithDescription("Load a single instance by id"),
		mcp.WithString("instance_id", mcp.Required(), mcp.Description("Instance id")),
	), s.handleGetInstanceDetails)

	s.mcpServer.AddTool(mcp.NewTool("list_stale_instances",
		mcp.WithDescription("List instances currently marked stale"),
		mcp.WithString("project", mcp.Description("Filter by project")),
		mcp.WithNumber("limit", mcp.Description("Page size (default 50)")),
		mcp.WithNumber("offset", mcp.Description("Page offset (default 0)")),
	), s.handleListStaleInstances)
}

func (s *Server) setupCheckpointTools() {
	s.mcpServer.AddTool(mcp.NewTool("create_checkpoint",
		mcp.WithDescription("Snapshot an instance's work-state"),
		mcp.WithString("instance_id", mcp.Required(), mcp.Description("Instance to checkpoint")),
		mcp.WithString("checkpoint_type", mcp.Required(), mcp.Description("context_window | epic_completion | manual")),
		mcp.WithNumber("sequence_num", mcp.Description("Event sequence number this checkpoint pins to; defaults to the instance's latest")),
		mcp.WithNumber("context_window_percent", mcp.Required(), mcp.Description("Context window usage, 0-100")),
		mcp.WithString("work_state", mcp.Required(), mcp.Description("JSON-encoded work-state snapshot")),
	), s.handleCreateCheckpoint)

	s.mcpServer.AddTool(mcp.NewTool("get_latest_checkpoint",
		mcp.WithDescription("Load the most recent checkpoint for an instance"),
		mcp.WithString("instance_id", mcp.Required(), mcp.Description("Instance to query")),
	), s.handleGetLatestCheckpoint)

	s.mcpServer.AddTool(mcp.NewTool("load_checkpoint",
		mcp.WithDescription("Load a specific checkpoint by id"),
		mcp.WithString("checkpoint_id", mcp.Required(), mcp.Description("Checkpoint id")),
	), s.handleLoadCheckpoint)
}

func (s *Server) setupWorkflowTools() {
	s.mcpServer.AddTool(mcp.NewTool("create_workflow",
		mcp.WithDescription("Create and run a new test workflow through the full pipeline"),
		mcp.WithString("test_id", mcp.Required(), mcp.Description("Test id")),
		mcp.WithString("epic_id", mcp.Required(), mcp.Description("Epic id")),
		mcp.WithString("test_type", mcp.Required(), mcp.Description("ui | api | unit | integration")),
		mcp.WithString("instance_id", mcp.Description("Instance to attribute events/commands to")),
	), s.handleCreateWorkflow)

	s.mcpServer.AddTool(mcp.NewTool("get_workflow",
		mcp.WithDescription("Load a workflow and its unified report"),
		mcp.WithString("test_id", mcp.Required(), mcp.Description("Test id")),
	), s.handleGetWorkflow)

	s.mcpServer.AddTool(mcp.NewTool("list_workflows_by_epic",
		mcp.WithDescription("List every workflow for an epic, with the aggregated epic report"),
		mcp.WithString("epic_id", mcp.Required(), mcp.Description("Epic id")),
	), s.handleListWorkflowsByEpic)

	s.mcpServer.AddTool(mcp.NewTool("transition_workflow",
		mcp.WithDescription("Manually transition a workflow to a new stage"),
		mcp.WithString("test_id", mcp.Required(), mcp.Description("Test id")),
		mcp.WithString("to_stage", mcp.Required(), mcp.Description("Target stage")),
	), s.handleTransitionWorkflow)

	s.mcpServer.AddTool(mcp.NewTool("escalate_workflow",
		mcp.WithDescription("Manually escalate a workflow"),
		mcp.WithString("test_id", mcp.Required(), mcp.Description("Test id")),
		mcp.WithString("reason", mcp.Required(), mcp.Description("Escalation reason")),
	), s.handleEscalateWorkflow)
}
