package models

import (
	"encoding/json"
	"time"
)

// CheckpointType names the trigger that produced a checkpoint.
type CheckpointType string

const (
	CheckpointContextWindow  CheckpointType = "context_window"
	CheckpointEpicCompletion CheckpointType = "epic_completion"
	CheckpointManual         CheckpointType = "manual"
)

// Checkpoint is a durable, immutable snapshot of an instance's work-state.
type Checkpoint struct {
	CheckpointID         string          `json:"checkpoint_id" db:"checkpoint_id"`
	InstanceID           string          `json:"instance_id" db:"instance_id"`
	CheckpointType       CheckpointType  `json:"checkpoint_type" db:"checkpoint_type"`
	SequenceNum          int64           `json:"sequence_num" db:"sequence_num"`
	Timestamp            time.Time       `json:"timestamp" db:"timestamp"`
	ContextWindowPercent int             `json:"context_window_percent" db:"context_window_percent"`
	WorkState            json.RawMessage `json:"work_state" db:"work_state"`
	Metadata             json.RawMessage `json:"metadata,omitempty" db:"metadata"`
}

// ReconstructSource names where Checkpoint Manager.Reconstruct drew state from.
type ReconstructSource string

const (
	SourceCheckpoint ReconstructSource = "CHECKPOINT"
	SourceEvents     ReconstructSource = "EVENTS"
	SourceCommands   ReconstructSource = "COMMANDS"
	SourceBasic      ReconstructSource = "BASIC"
)

// Reconstruction is the result of Checkpoint Manager.Reconstruct.
type Reconstruction struct {
	WorkState  json.RawMessage   `json:"work_state"`
	Source     ReconstructSource `json:"source"`
	Confidence float64           `json:"confidence"`
}
