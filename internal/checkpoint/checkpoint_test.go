package checkpoint

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"stationkernel/internal/db"
	"stationkernel/internal/db/repositories"
	"stationkernel/internal/eventstore"
	"stationkernel/internal/kernelerr"
	"stationkernel/pkg/models"
)

func newManager(t *testing.T) (*Manager, *eventstore.Store, *repositories.Repositories) {
	t.Helper()
	repos := repositories.New(db.NewTest(t))
	events := eventstore.New(repos.Events)
	return New(repos.Checkpoints, events, repos.Commands, repos.Instances), events, repos
}

func TestCreate_RejectsOutOfRangeContextPercent(t *testing.T) {
	m, _, _ := newManager(t)
	_, err := m.Create(context.Background(), "inst-a", models.CheckpointManual, 1, 101, map[string]string{})
	require.Error(t, err)
	require.True(t, kernelerr.Is(err, kernelerr.ErrValidation))

	_, err = m.Create(context.Background(), "inst-a", models.CheckpointManual, 1, -1, map[string]string{})
	require.Error(t, err)
	require.True(t, kernelerr.Is(err, kernelerr.ErrValidation))
}

func TestCreate_PersistsAndEmitsCheckpointCreated(t *testing.T) {
	m, events, _ := newManager(t)
	ctx := context.Background()

	cp, err := m.Create(ctx, "inst-a", models.CheckpointManual, 3, 50, map[string]string{"epic": "E1"})
	require.NoError(t, err)
	require.Equal(t, 50, cp.ContextWindowPercent)

	evs, _, _, err := events.Query(ctx, "inst-a", models.EventFilter{EventTypes: []models.EventType{models.EventCheckpointCreated}}, 10, 0)
	require.NoError(t, err)
	require.Len(t, evs, 1)
}

func TestCreate_DerivesSequenceFromEventStream(t *testing.T) {
	m, events, _ := newManager(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := events.Append(ctx, "inst-a", models.EventInstanceHeartbeat, map[string]int{"context_window_percent": i}, nil)
		require.NoError(t, err)
	}

	cp, err := m.Create(ctx, "inst-a", models.CheckpointManual, 0, 40, map[string]string{"epic": "E1"})
	require.NoError(t, err)
	require.Equal(t, int64(3), cp.SequenceNum)
}

func TestLoad_EmitsCheckpointLoadedWithoutMutating(t *testing.T) {
	m, events, _ := newManager(t)
	ctx := context.Background()

	cp, err := m.Create(ctx, "inst-a", models.CheckpointManual, 1, 30, map[string]string{"k": "v"})
	require.NoError(t, err)

	loaded, err := m.Load(ctx, cp.CheckpointID)
	require.NoError(t, err)
	require.Equal(t, cp.CheckpointID, loaded.CheckpointID)
	require.Equal(t, cp.WorkState, loaded.WorkState)

	evs, _, _, err := events.Query(ctx, "inst-a", models.EventFilter{EventTypes: []models.EventType{models.EventCheckpointLoaded}}, 10, 0)
	require.NoError(t, err)
	require.Len(t, evs, 1)
}

func TestReconstruct_PrefersFreshCheckpointOverEvents(t *testing.T) {
	m, events, _ := newManager(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := events.Append(ctx, "inst-a", models.EventInstanceHeartbeat, map[string]int{"context_window_percent": i}, nil)
		require.NoError(t, err)
	}

	_, err := m.Create(ctx, "inst-a", models.CheckpointManual, 3, 40, map[string]string{"epic": "E1"})
	require.NoError(t, err)

	rec, err := m.Reconstruct(ctx, "inst-a")
	require.NoError(t, err)
	require.Equal(t, models.SourceCheckpoint, rec.Source)
	require.GreaterOrEqual(t, rec.Confidence, 0.9)

	var state map[string]string
	require.NoError(t, json.Unmarshal(rec.WorkState, &state))
	require.Equal(t, "E1", state["epic"])
}

func TestReconstruct_FallsBackToEventsWhenNoCheckpoint(t *testing.T) {
	m, events, _ := newManager(t)
	ctx := context.Background()

	_, err := events.Append(ctx, "inst-a", models.EventInstanceRegistered, map[string]string{"project": "p1"}, nil)
	require.NoError(t, err)

	rec, err := m.Reconstruct(ctx, "inst-a")
	require.NoError(t, err)
	require.Equal(t, models.SourceEvents, rec.Source)
	require.GreaterOrEqual(t, rec.Confidence, 0.7)
}

func TestReconstruct_FallsBackToBasicWhenNothingRecorded(t *testing.T) {
	m, _, _ := newManager(t)
	rec, err := m.Reconstruct(context.Background(), "inst-never-seen")
	require.NoError(t, err)
	require.Equal(t, models.SourceBasic, rec.Source)
}

func TestReconstruct_BasicTierSurfacesRegistryRow(t *testing.T) {
	m, _, repos := newManager(t)
	ctx := context.Background()

	// Registered directly through the repo so no instance_registered
	// event exists: the registry row is the only source left.
	epic := "E1"
	require.NoError(t, repos.Instances.Register(ctx, &models.Instance{
		InstanceID:           "inst-basic",
		Project:              "proj-a",
		InstanceType:         models.InstanceTypePS,
		Status:               models.InstanceStatusActive,
		RegistrationTime:     time.Now().UTC(),
		LastHeartbeat:        time.Now().UTC(),
		ContextWindowPercent: 15,
		CurrentEpic:          &epic,
	}))

	rec, err := m.Reconstruct(ctx, "inst-basic")
	require.NoError(t, err)
	require.Equal(t, models.SourceBasic, rec.Source)
	require.GreaterOrEqual(t, rec.Confidence, 0.2)

	var state map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.WorkState, &state))
	require.Equal(t, "proj-a", state["project"])
	require.Equal(t, string(models.InstanceTypePS), state["instance_type"])
	require.Equal(t, string(models.InstanceStatusActive), state["status"])
	require.Equal(t, "E1", state["current_epic"])
	require.EqualValues(t, 15, state["context_window_percent"])
}

func TestMaybeCheckpointOnHeartbeat_SkipsBelowThreshold(t *testing.T) {
	m, _, _ := newManager(t)
	cp, err := m.MaybeCheckpointOnHeartbeat(context.Background(), "inst-a", 1, 50, map[string]string{}, ContextWindowThreshold)
	require.NoError(t, err)
	require.Nil(t, cp)
}

func TestMaybeCheckpointOnHeartbeat_TriggersAtThreshold(t *testing.T) {
	m, _, _ := newManager(t)
	cp, err := m.MaybeCheckpointOnHeartbeat(context.Background(), "inst-a", 1, 85, map[string]string{}, ContextWindowThreshold)
	require.NoError(t, err)
	require.NotNil(t, cp)
	require.Equal(t, models.CheckpointContextWindow, cp.CheckpointType)
}
