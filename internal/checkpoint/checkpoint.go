// Package checkpoint manages durable work-state snapshots, and
// best-effort reconstruction when no fresh checkpoint exists, folding
// the event stream or command log instead.
package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"stationkernel/internal/db/repositories"
	"stationkernel/internal/eventstore"
	"stationkernel/internal/kernelerr"
	"stationkernel/pkg/models"
)

// Manager is the Checkpoint Manager.
type Manager struct {
	checkpoints *repositories.CheckpointRepo
	events      *eventstore.Store
	commands    *repositories.CommandRepo
	instances   *repositories.InstanceRepo
}

// New builds a Manager over its collaborators. instances backs the
// lowest reconstruction tier, which falls back to the registry row when
// an instance has no checkpoint, event, or command history.
func New(checkpoints *repositories.CheckpointRepo, events *eventstore.Store, commands *repositories.CommandRepo, instances *repositories.InstanceRepo) *Manager {
	return &Manager{checkpoints: checkpoints, events: events, commands: commands, instances: instances}
}

// Create persists a new checkpoint at the given sequence number and
// context-window reading. Checkpoints are captured at context-window
// thresholds, on epic completion, or on demand. A sequenceNum <= 0 means
// "pin to the instance's current event sequence": Create reads the
// latest sequence_num from the event store itself.
func (m *Manager) Create(ctx context.Context, instanceID string, checkpointType models.CheckpointType, sequenceNum int64, contextWindowPercent int, workState interface{}) (*models.Checkpoint, error) {
	if contextWindowPercent < 0 || contextWindowPercent > 100 {
		return nil, kernelerr.Wrap(kernelerr.ErrValidation, "context_window_percent %d out of range [0,100]", contextWindowPercent)
	}

	if sequenceNum <= 0 {
		latest, err := m.events.LatestSequence(ctx, instanceID)
		if err != nil {
			return nil, fmt.Errorf("read latest sequence for %s: %w", instanceID, err)
		}
		sequenceNum = latest
	}

	data, err := json.Marshal(workState)
	if err != nil {
		return nil, fmt.Errorf("marshal work_state: %w", err)
	}

	cp, err := m.checkpoints.Create(ctx, &models.Checkpoint{
		InstanceID:           instanceID,
		CheckpointType:       checkpointType,
		SequenceNum:          sequenceNum,
		Timestamp:            time.Now().UTC(),
		ContextWindowPercent: contextWindowPercent,
		WorkState:            data,
	})
	if err != nil {
		return nil, err
	}
	if _, err := m.events.Append(ctx, instanceID, models.EventCheckpointCreated, map[string]interface{}{
		"checkpoint_id":   cp.CheckpointID,
		"checkpoint_type": checkpointType,
		"sequence_num":    sequenceNum,
	}, nil); err != nil {
		return nil, fmt.Errorf("emit checkpoint_created for %s: %w", instanceID, err)
	}
	return cp, nil
}

// Latest returns the most recent checkpoint for an instance.
func (m *Manager) Latest(ctx context.Context, instanceID string) (*models.Checkpoint, error) {
	return m.checkpoints.Latest(ctx, instanceID)
}

// Load returns a specific checkpoint by id and records a
// checkpoint_loaded event against the instance it belongs to. Loading
// never mutates the checkpoint itself; checkpoints are immutable.
func (m *Manager) Load(ctx context.Context, checkpointID string) (*models.Checkpoint, error) {
	cp, err := m.checkpoints.Get(ctx, checkpointID)
	if err != nil {
		return nil, err
	}
	if _, err := m.events.Append(ctx, cp.InstanceID, models.EventCheckpointLoaded, map[string]interface{}{
		"checkpoint_id": cp.CheckpointID,
		"sequence_num":  cp.SequenceNum,
	}, nil); err != nil {
		return nil, fmt.Errorf("emit checkpoint_loaded for %s: %w", cp.InstanceID, err)
	}
	return cp, nil
}

// List returns every checkpoint captured for an instance.
func (m *Manager) List(ctx context.Context, instanceID string) ([]*models.Checkpoint, error) {
	return m.checkpoints.List(ctx, instanceID)
}

// Reconstruct rebuilds a best-effort work-state for instanceID through
// descending confidence tiers: the most recent checkpoint, then an event
// replay, then command-log history, then a bare empty state.
func (m *Manager) Reconstruct(ctx context.Context, instanceID string) (*models.Reconstruction, error) {
	cp, err := m.checkpoints.Latest(ctx, instanceID)
	if err == nil {
		// A checkpoint is the highest-confidence source and is returned
		// as-is, never diluted by folding later events into it. The
		// checkpoint_created event that immediately follows every snapshot
		// would otherwise make the events path shadow this one on every
		// reconstruct.
		return &models.Reconstruction{WorkState: cp.WorkState, Source: models.SourceCheckpoint, Confidence: 0.95}, nil
	}

	events, err := m.events.Replay(ctx, instanceID, 1)
	if err == nil && len(events) > 0 {
		return &models.Reconstruction{WorkState: foldEvents(json.RawMessage(`{}`), events), Source: models.SourceEvents, Confidence: 0.7}, nil
	}

	stats, err := m.commands.Stats(ctx, instanceID)
	if err == nil && stats.Total > 0 {
		data, _ := json.Marshal(map[string]interface{}{"command_stats": stats})
		return &models.Reconstruction{WorkState: data, Source: models.SourceCommands, Confidence: 0.4}, nil
	}

	return m.reconstructBasic(ctx, instanceID), nil
}

// reconstructBasic is the lowest tier: the registry row alone. An
// instance that registered but never checkpointed, emitted, or logged
// anything still resumes with its project/type/epic/status rather than
// an empty state.
func (m *Manager) reconstructBasic(ctx context.Context, instanceID string) *models.Reconstruction {
	inst, err := m.instances.Get(ctx, instanceID)
	if err != nil {
		return &models.Reconstruction{WorkState: json.RawMessage(`{}`), Source: models.SourceBasic, Confidence: 0.2}
	}

	state := map[string]interface{}{
		"instance_id":            inst.InstanceID,
		"project":                inst.Project,
		"instance_type":          inst.InstanceType,
		"status":                 inst.Status,
		"context_window_percent": inst.ContextWindowPercent,
	}
	if inst.CurrentEpic != nil {
		state["current_epic"] = *inst.CurrentEpic
	}
	data, err := json.Marshal(state)
	if err != nil {
		return &models.Reconstruction{WorkState: json.RawMessage(`{}`), Source: models.SourceBasic, Confidence: 0.2}
	}
	return &models.Reconstruction{WorkState: data, Source: models.SourceBasic, Confidence: 0.2}
}

// ContextWindowThreshold is the default context_window_percent at which
// MaybeCheckpointOnHeartbeat takes an automatic context_window
// checkpoint (checkpoint_context_threshold_percent config).
const ContextWindowThreshold = 80

// MaybeCheckpointOnHeartbeat creates an automatic context_window
// checkpoint when contextWindowPercent has crossed threshold since the
// instance's last checkpoint, and is a no-op otherwise. Callers (the
// Registry's heartbeat path) invoke this after each heartbeat so the
// context-window policy trigger fires without the orchestrator having to
// poll for it.
func (m *Manager) MaybeCheckpointOnHeartbeat(ctx context.Context, instanceID string, sequenceNum int64, contextWindowPercent int, workState interface{}, threshold int) (*models.Checkpoint, error) {
	if contextWindowPercent < threshold {
		return nil, nil
	}
	latest, err := m.checkpoints.Latest(ctx, instanceID)
	if err == nil && latest.ContextWindowPercent >= threshold {
		return nil, nil
	}
	return m.Create(ctx, instanceID, models.CheckpointContextWindow, sequenceNum, contextWindowPercent, workState)
}

// foldEvents layers each event's data over base in sequence order, a
// last-write-wins merge sufficient for the loosely structured work_state
// blob events carry.
func foldEvents(base json.RawMessage, events []*models.Event) json.RawMessage {
	merged := map[string]interface{}{}
	if len(base) > 0 {
		_ = json.Unmarshal(base, &merged)
	}
	for _, ev := range events {
		var patch map[string]interface{}
		if err := json.Unmarshal(ev.EventData, &patch); err != nil {
			continue
		}
		for k, v := range patch {
			merged[k] = v
		}
	}
	out, err := json.Marshal(merged)
	if err != nil {
		return base
	}
	return out
}
