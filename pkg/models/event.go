package models

import (
	"encoding/json"
	"time"
)

// EventType is a member of the closed event-type registry.
type EventType string

const (
	EventInstanceRegistered EventType = "instance_registered"
	EventInstanceHeartbeat  EventType = "instance_heartbeat"
	EventInstanceStale      EventType = "instance_stale"

	EventEpicStarted   EventType = "epic_started"
	EventEpicCompleted EventType = "epic_completed"
	EventEpicFailed    EventType = "epic_failed"

	EventTestStarted       EventType = "test_started"
	EventTestPassed        EventType = "test_passed"
	EventTestFailed        EventType = "test_failed"
	EventValidationPassed  EventType = "validation_passed"
	EventValidationFailed  EventType = "validation_failed"

	EventCommitCreated EventType = "commit_created"
	EventPRCreated     EventType = "pr_created"
	EventPRMerged      EventType = "pr_merged"

	EventDeploymentStarted   EventType = "deployment_started"
	EventDeploymentCompleted EventType = "deployment_completed"
	EventDeploymentFailed    EventType = "deployment_failed"

	EventContextWindowUpdated EventType = "context_window_updated"
	EventCheckpointCreated    EventType = "checkpoint_created"
	EventCheckpointLoaded     EventType = "checkpoint_loaded"

	EventEpicPlanned    EventType = "epic_planned"
	EventFeatureRequest EventType = "feature_requested"
	EventTaskSpawned    EventType = "task_spawned"
)

// AllEventTypes is the closed event-type set. Adding a member here is a
// schema change, never a runtime act.
var AllEventTypes = []EventType{
	EventInstanceRegistered, EventInstanceHeartbeat, EventInstanceStale,
	EventEpicStarted, EventEpicCompleted, EventEpicFailed,
	EventTestStarted, EventTestPassed, EventTestFailed, EventValidationPassed, EventValidationFailed,
	EventCommitCreated, EventPRCreated, EventPRMerged,
	EventDeploymentStarted, EventDeploymentCompleted, EventDeploymentFailed,
	EventContextWindowUpdated, EventCheckpointCreated, EventCheckpointLoaded,
	EventEpicPlanned, EventFeatureRequest, EventTaskSpawned,
}

// EventTypeDefinition is returned by list_event_types.
type EventTypeDefinition struct {
	Type  EventType `json:"event_type"`
	Group string    `json:"group"`
}

// Event is an immutable, per-instance monotonically sequenced fact.
type Event struct {
	EventID     string          `json:"event_id" db:"event_id"`
	InstanceID  string          `json:"instance_id" db:"instance_id"`
	EventType   EventType       `json:"event_type" db:"event_type"`
	SequenceNum int64           `json:"sequence_num" db:"sequence_num"`
	Timestamp   time.Time       `json:"timestamp" db:"timestamp"`
	EventData   json.RawMessage `json:"event_data" db:"event_data"`
	Metadata    json.RawMessage `json:"metadata,omitempty" db:"metadata"`
}

// EventFilter constrains EventStore.Query results.
type EventFilter struct {
	EventTypes []EventType
	Since      *time.Time // inclusive
	Until      *time.Time // exclusive
	Keyword    string
}
