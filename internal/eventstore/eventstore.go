// Package eventstore is the append-only, per-instance sequenced log of
// facts, backed by internal/db/repositories.EventRepo. Appends validate
// the event type against a closed registry; replay is a pure fold over
// the feed.
package eventstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/xeipuuv/gojsonschema"

	"stationkernel/internal/db/repositories"
	"stationkernel/internal/kernelerr"
	"stationkernel/pkg/models"
)

// Store is the Event Store.
type Store struct {
	events *repositories.EventRepo
}

// New builds a Store over the given repository.
func New(events *repositories.EventRepo) *Store {
	return &Store{events: events}
}

// requiredFields drives the per-type event_data schema registry:
// payloads are validated against compiled JSON Schemas, not accepted
// free-form. Types absent from the map carry no required fields.
var requiredFields = map[models.EventType][]string{
	models.EventInstanceRegistered:   {"project"},
	models.EventInstanceHeartbeat:    {"context_window_percent"},
	models.EventInstanceStale:        {"age_seconds"},
	models.EventEpicStarted:          {"epic_id"},
	models.EventEpicCompleted:        {"epic_id"},
	models.EventEpicFailed:           {"epic_id"},
	models.EventTestStarted:          {"test_id"},
	models.EventTestPassed:           {"test_id"},
	models.EventTestFailed:           {"test_id"},
	models.EventCheckpointCreated:    {"checkpoint_id"},
	models.EventCheckpointLoaded:     {"checkpoint_id"},
	models.EventContextWindowUpdated: {"context_window_percent"},
}

// eventSchemas holds the compiled schema per event type, built once at
// package init from requiredFields.
var eventSchemas = compileEventSchemas()

func compileEventSchemas() map[models.EventType]*gojsonschema.Schema {
	out := make(map[models.EventType]*gojsonschema.Schema, len(requiredFields))
	for eventType, required := range requiredFields {
		doc, err := json.Marshal(map[string]interface{}{
			"type":     "object",
			"required": required,
		})
		if err != nil {
			continue
		}
		schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(doc))
		if err != nil {
			continue
		}
		out[eventType] = schema
	}
	return out
}

// validateEventData checks a payload against its type's compiled schema.
// A non-object payload for a type with required fields fails the same
// way a missing field does.
func validateEventData(eventType models.EventType, data json.RawMessage) error {
	schema, ok := eventSchemas[eventType]
	if !ok {
		return nil
	}
	result, err := schema.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return kernelerr.Wrap(kernelerr.ErrValidation, "event_data for %s is not valid JSON: %v", eventType, err)
	}
	if !result.Valid() {
		return kernelerr.Wrap(kernelerr.ErrValidation, "event_data for %s: %s", eventType, result.Errors()[0])
	}
	return nil
}

// Append validates eventType against the closed registry (a type outside
// it is rejected, never silently accepted), validates the payload against
// the per-type schema registry, and marshals payload before persisting.
func (s *Store) Append(ctx context.Context, instanceID string, eventType models.EventType, payload interface{}, metadata interface{}) (*models.Event, error) {
	if !isKnownEventType(eventType) {
		return nil, kernelerr.Wrap(kernelerr.ErrValidation, "unknown event type %q", eventType)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal event_data for %s: %w", eventType, err)
	}
	if err := validateEventData(eventType, data); err != nil {
		return nil, err
	}

	var meta json.RawMessage
	if metadata != nil {
		meta, err = json.Marshal(metadata)
		if err != nil {
			return nil, fmt.Errorf("marshal metadata for %s: %w", eventType, err)
		}
	}

	return s.events.Append(ctx, &models.Event{
		InstanceID: instanceID,
		EventType:  eventType,
		Timestamp:  time.Now().UTC(),
		EventData:  data,
		Metadata:   meta,
	})
}

// Query returns events for an instance matching filter, newest-first,
// the total match count, and whether more pages remain beyond
// limit/offset.
func (s *Store) Query(ctx context.Context, instanceID string, filter models.EventFilter, limit, offset int) ([]*models.Event, int64, bool, error) {
	events, total, err := s.events.Query(ctx, instanceID, filter, limit, offset)
	if err != nil {
		return nil, 0, false, err
	}
	hasMore := limit > 0 && int64(offset+len(events)) < total
	return events, total, hasMore, nil
}

// Replay returns the full event feed for an instance from fromSeq
// onward, the input to Fold and to checkpoint reconstruction.
func (s *Store) Replay(ctx context.Context, instanceID string, fromSeq int64) ([]*models.Event, error) {
	return s.events.Replay(ctx, instanceID, fromSeq)
}

// LatestSequence returns the highest sequence_num recorded for an
// instance, or 0 when no event exists yet.
func (s *Store) LatestSequence(ctx context.Context, instanceID string) (int64, error) {
	return s.events.LatestSequence(ctx, instanceID)
}

// ReplayState is the accumulated state a Fold over an instance's events
// produces. Each event type group contributes its own slice of the state.
type ReplayState struct {
	EventsApplied  int                        `json:"events_applied"`
	LastSequence   int64                      `json:"last_sequence"`
	CountsByType   map[models.EventType]int64 `json:"counts_by_type"`
	CurrentEpic    string                     `json:"current_epic,omitempty"`
	ContextPercent int                        `json:"context_window_percent"`
	TestsPassed    []string                   `json:"tests_passed,omitempty"`
	TestsFailed    []string                   `json:"tests_failed,omitempty"`
	LastCheckpoint string                     `json:"last_checkpoint_id,omitempty"`
	Stale          bool                       `json:"stale"`
}

// Fold runs the deterministic replay fold: the same event feed always
// yields the same state. An unknown event type in the feed fails with
// ValidationError rather than being skipped, since replay over a feed
// the registry can't account for would produce silently wrong state.
func Fold(events []*models.Event) (*ReplayState, error) {
	state := &ReplayState{CountsByType: make(map[models.EventType]int64)}
	for _, ev := range events {
		if !isKnownEventType(ev.EventType) {
			return nil, kernelerr.Wrap(kernelerr.ErrValidation, "cannot replay unknown event type %q at sequence %d", ev.EventType, ev.SequenceNum)
		}
		state.EventsApplied++
		state.LastSequence = ev.SequenceNum
		state.CountsByType[ev.EventType]++

		var data map[string]interface{}
		if err := json.Unmarshal(ev.EventData, &data); err != nil {
			continue
		}

		switch ev.EventType {
		case models.EventInstanceHeartbeat, models.EventContextWindowUpdated:
			if pct, ok := data["context_window_percent"].(float64); ok {
				state.ContextPercent = int(pct)
			}
			if epic, ok := data["current_epic"].(string); ok && epic != "" {
				state.CurrentEpic = epic
			}
			state.Stale = false
		case models.EventInstanceStale:
			state.Stale = true
		case models.EventEpicStarted:
			if epic, ok := data["epic_id"].(string); ok {
				state.CurrentEpic = epic
			}
		case models.EventTestPassed:
			if id, ok := data["test_id"].(string); ok {
				state.TestsPassed = append(state.TestsPassed, id)
			}
		case models.EventTestFailed:
			if id, ok := data["test_id"].(string); ok {
				state.TestsFailed = append(state.TestsFailed, id)
			}
		case models.EventCheckpointCreated, models.EventCheckpointLoaded:
			if id, ok := data["checkpoint_id"].(string); ok {
				state.LastCheckpoint = id
			}
		}
	}
	return state, nil
}

// ListEventTypes returns every member of the closed event-type registry
// with its group.
func (s *Store) ListEventTypes() []models.EventTypeDefinition {
	defs := make([]models.EventTypeDefinition, 0, len(models.AllEventTypes))
	for _, t := range models.AllEventTypes {
		defs = append(defs, models.EventTypeDefinition{Type: t, Group: eventGroup(t)})
	}
	return defs
}

func isKnownEventType(t models.EventType) bool {
	for _, known := range models.AllEventTypes {
		if known == t {
			return true
		}
	}
	return false
}

func eventGroup(t models.EventType) string {
	switch t {
	case models.EventInstanceRegistered, models.EventInstanceHeartbeat, models.EventInstanceStale:
		return "instance"
	case models.EventEpicStarted, models.EventEpicCompleted, models.EventEpicFailed:
		return "epic"
	case models.EventTestStarted, models.EventTestPassed, models.EventTestFailed,
		models.EventValidationPassed, models.EventValidationFailed:
		return "testing"
	case models.EventCommitCreated, models.EventPRCreated, models.EventPRMerged:
		return "git"
	case models.EventDeploymentStarted, models.EventDeploymentCompleted, models.EventDeploymentFailed:
		return "deployment"
	case models.EventContextWindowUpdated, models.EventCheckpointCreated, models.EventCheckpointLoaded:
		return "work_state"
	case models.EventEpicPlanned, models.EventFeatureRequest, models.EventTaskSpawned:
		return "planning"
	default:
		return "other"
	}
}
