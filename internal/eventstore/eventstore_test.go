package eventstore

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"stationkernel/internal/db"
	"stationkernel/internal/db/repositories"
	"stationkernel/internal/kernelerr"
	"stationkernel/pkg/models"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	return New(repositories.New(db.NewTest(t)).Events)
}

func TestAppend_SequenceNumbersAreGapFreePerInstance(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		ev, err := s.Append(ctx, "inst-a", models.EventInstanceHeartbeat, map[string]int{"context_window_percent": i}, nil)
		require.NoError(t, err)
		require.Equal(t, int64(i), ev.SequenceNum)
	}

	// A second instance's sequence starts independently at 1.
	ev, err := s.Append(ctx, "inst-b", models.EventInstanceRegistered, map[string]string{"project": "proj-b"}, nil)
	require.NoError(t, err)
	require.Equal(t, int64(1), ev.SequenceNum)
}

func TestAppend_RejectsUnknownEventType(t *testing.T) {
	s := newStore(t)
	_, err := s.Append(context.Background(), "inst-a", models.EventType("not_a_real_type"), map[string]int{}, nil)
	require.Error(t, err)
	require.True(t, kernelerr.Is(err, kernelerr.ErrValidation))
}

func TestQuery_NewestFirstMatchesReverseAppendOrder(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	var appended []*models.Event
	for i := 0; i < 4; i++ {
		ev, err := s.Append(ctx, "inst-a", models.EventTestStarted, map[string]string{"test_id": fmt.Sprintf("t-%d", i)}, nil)
		require.NoError(t, err)
		appended = append(appended, ev)
	}

	events, total, hasMore, err := s.Query(ctx, "inst-a", models.EventFilter{}, 10, 0)
	require.NoError(t, err)
	require.EqualValues(t, 4, total)
	require.False(t, hasMore)
	require.Len(t, events, 4)

	for i, ev := range events {
		want := appended[len(appended)-1-i]
		require.Equal(t, want.SequenceNum, ev.SequenceNum)
	}
}

func TestQuery_FiltersByEventTypeAndPaginates(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	_, err := s.Append(ctx, "inst-a", models.EventTestStarted, map[string]string{"test_id": "t-1"}, nil)
	require.NoError(t, err)
	_, err = s.Append(ctx, "inst-a", models.EventTestPassed, map[string]string{"test_id": "t-1"}, nil)
	require.NoError(t, err)
	_, err = s.Append(ctx, "inst-a", models.EventTestPassed, map[string]string{"test_id": "t-2"}, nil)
	require.NoError(t, err)

	events, total, hasMore, err := s.Query(ctx, "inst-a", models.EventFilter{EventTypes: []models.EventType{models.EventTestPassed}}, 1, 0)
	require.NoError(t, err)
	require.EqualValues(t, 2, total)
	require.True(t, hasMore)
	require.Len(t, events, 1)
	require.Equal(t, models.EventTestPassed, events[0].EventType)
}

func TestReplay_ReturnsAscendingFromSequence(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := s.Append(ctx, "inst-a", models.EventInstanceHeartbeat, map[string]int{"context_window_percent": i}, nil)
		require.NoError(t, err)
	}

	events, err := s.Replay(ctx, "inst-a", 2)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, int64(2), events[0].SequenceNum)
	require.Equal(t, int64(3), events[1].SequenceNum)
}

func TestAppend_RejectsPayloadMissingRequiredField(t *testing.T) {
	s := newStore(t)
	// instance_stale requires age_seconds in its payload.
	_, err := s.Append(context.Background(), "inst-a", models.EventInstanceStale, map[string]string{"note": "late"}, nil)
	require.Error(t, err)
	require.True(t, kernelerr.Is(err, kernelerr.ErrValidation))
}

func TestFold_AccumulatesStateDeterministically(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	_, err := s.Append(ctx, "inst-a", models.EventInstanceRegistered, map[string]interface{}{"project": "p1"}, nil)
	require.NoError(t, err)
	_, err = s.Append(ctx, "inst-a", models.EventEpicStarted, map[string]interface{}{"epic_id": "E1", "test_id": "T1"}, nil)
	require.NoError(t, err)
	_, err = s.Append(ctx, "inst-a", models.EventTestPassed, map[string]interface{}{"test_id": "T1"}, nil)
	require.NoError(t, err)
	_, err = s.Append(ctx, "inst-a", models.EventInstanceHeartbeat, map[string]interface{}{"context_window_percent": 42}, nil)
	require.NoError(t, err)

	events, err := s.Replay(ctx, "inst-a", 1)
	require.NoError(t, err)

	state, err := Fold(events)
	require.NoError(t, err)
	require.Equal(t, 4, state.EventsApplied)
	require.Equal(t, int64(4), state.LastSequence)
	require.Equal(t, "E1", state.CurrentEpic)
	require.Equal(t, 42, state.ContextPercent)
	require.Equal(t, []string{"T1"}, state.TestsPassed)
	require.False(t, state.Stale)

	// Folding the same feed twice yields the same state.
	again, err := Fold(events)
	require.NoError(t, err)
	require.Equal(t, state, again)
}

func TestFold_RefusesUnknownEventType(t *testing.T) {
	_, err := Fold([]*models.Event{{EventType: "made_up_type", SequenceNum: 1, EventData: []byte(`{}`)}})
	require.Error(t, err)
	require.True(t, kernelerr.Is(err, kernelerr.ErrValidation))
}

func TestLatestSequence_TracksAppends(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	seq, err := s.LatestSequence(ctx, "inst-a")
	require.NoError(t, err)
	require.Zero(t, seq)

	_, err = s.Append(ctx, "inst-a", models.EventInstanceRegistered, map[string]string{"project": "p1"}, nil)
	require.NoError(t, err)

	seq, err = s.LatestSequence(ctx, "inst-a")
	require.NoError(t, err)
	require.Equal(t, int64(1), seq)
}

func TestListEventTypes_CoversTheClosedRegistry(t *testing.T) {
	s := newStore(t)
	defs := s.ListEventTypes()
	require.Len(t, defs, len(models.AllEventTypes))
	for _, d := range defs {
		require.NotEmpty(t, d.Group)
	}
}
