package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"stationkernel/internal/db"
	"stationkernel/internal/db/repositories"
	"stationkernel/internal/eventstore"
	"stationkernel/internal/kernelerr"
	"stationkernel/pkg/models"
)

func newRegistry(t *testing.T) *Registry {
	t.Helper()
	repos := repositories.New(db.NewTest(t))
	return New(repos.Instances, eventstore.New(repos.Events), nil)
}

func TestRegister_CreatesActiveInstance(t *testing.T) {
	r := newRegistry(t)
	inst, err := r.Register(context.Background(), "proj-a", models.InstanceTypePS, nil)
	require.NoError(t, err)
	require.Equal(t, models.InstanceStatusActive, inst.Status)
	require.Equal(t, "proj-a", inst.Project)
}

func TestHeartbeat_IsIdempotent(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()
	inst, err := r.Register(ctx, "proj-a", models.InstanceTypePS, nil)
	require.NoError(t, err)

	epic := "epic-1"
	require.NoError(t, r.Heartbeat(ctx, inst.InstanceID, 40, &epic))
	first, err := r.Get(ctx, inst.InstanceID)
	require.NoError(t, err)

	require.NoError(t, r.Heartbeat(ctx, inst.InstanceID, 40, &epic))
	second, err := r.Get(ctx, inst.InstanceID)
	require.NoError(t, err)

	require.Equal(t, first.ContextWindowPercent, second.ContextWindowPercent)
	require.Equal(t, *first.CurrentEpic, *second.CurrentEpic)
	require.Equal(t, first.Status, second.Status)
}

func TestClose_IsTerminal(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()
	inst, err := r.Register(ctx, "proj-a", models.InstanceTypePS, nil)
	require.NoError(t, err)

	reason := "done"
	require.NoError(t, r.Close(ctx, inst.InstanceID, &reason))

	closed, err := r.Get(ctx, inst.InstanceID)
	require.NoError(t, err)
	require.Equal(t, models.InstanceStatusClosed, closed.Status)
}

func TestResolve_EmptyHintReturnsNewestActive(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()

	older, err := r.Register(ctx, "proj-a", models.InstanceTypePS, nil)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	newer, err := r.Register(ctx, "proj-a", models.InstanceTypePS, nil)
	require.NoError(t, err)
	require.NoError(t, r.Heartbeat(ctx, newer.InstanceID, 0, nil))

	res, err := r.Resolve(ctx, "")
	require.NoError(t, err)
	require.Equal(t, models.StrategyNewest, res.Strategy)
	require.Len(t, res.Matches, 1)
	require.Equal(t, newer.InstanceID, res.Matches[0].InstanceID)
	_ = older
}

func TestResolve_ExactMatch(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()
	inst, err := r.Register(ctx, "proj-a", models.InstanceTypePS, nil)
	require.NoError(t, err)

	res, err := r.Resolve(ctx, inst.InstanceID)
	require.NoError(t, err)
	require.Equal(t, models.StrategyExact, res.Strategy)
	require.Len(t, res.Matches, 1)
}

func TestResolve_ShortPrefixSkipsPartialAndFailsNotFound(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()
	inst, err := r.Register(ctx, "proj-a", models.InstanceTypePS, nil)
	require.NoError(t, err)

	shortHint := inst.InstanceID[:3]
	_, err = r.Resolve(ctx, shortHint)
	require.Error(t, err)
	require.True(t, kernelerr.Is(err, kernelerr.ErrNotFound))
}

func TestResolve_PartialPrefixMatchesWithFourOrMoreChars(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()
	inst, err := r.Register(ctx, "proj-a", models.InstanceTypePS, nil)
	require.NoError(t, err)

	hint := inst.InstanceID[:4]
	res, err := r.Resolve(ctx, hint)
	require.NoError(t, err)
	require.Equal(t, models.StrategyPartial, res.Strategy)
}

func TestResolve_ProjectFallbackPrefersMostRecentHeartbeat(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()

	a, err := r.Register(ctx, "shared-proj", models.InstanceTypePS, nil)
	require.NoError(t, err)
	b, err := r.Register(ctx, "shared-proj", models.InstanceTypeMS, nil)
	require.NoError(t, err)

	// Give b the more recent heartbeat.
	require.NoError(t, r.Heartbeat(ctx, a.InstanceID, 10, nil))
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, r.Heartbeat(ctx, b.InstanceID, 10, nil))

	res, err := r.Resolve(ctx, "shared-proj")
	require.NoError(t, err)
	require.Equal(t, models.StrategyProject, res.Strategy)
	require.True(t, len(res.Matches) >= 2)
	require.Equal(t, b.InstanceID, res.Matches[0].InstanceID)
}

func TestSweepStale_MarksOldHeartbeatsAndEmitsEvent(t *testing.T) {
	r := newRegistry(t)
	r.SetStaleThreshold(50 * time.Millisecond)
	ctx := context.Background()

	inst, err := r.Register(ctx, "proj-a", models.InstanceTypePS, nil)
	require.NoError(t, err)
	time.Sleep(80 * time.Millisecond)

	ids, err := r.SweepStale(ctx)
	require.NoError(t, err)
	require.Contains(t, ids, inst.InstanceID)

	refreshed, err := r.Get(ctx, inst.InstanceID)
	require.NoError(t, err)
	require.Equal(t, models.InstanceStatusStale, refreshed.Status)
}

func TestHeartbeat_FlipsStaleBackToActive(t *testing.T) {
	r := newRegistry(t)
	r.SetStaleThreshold(50 * time.Millisecond)
	ctx := context.Background()

	inst, err := r.Register(ctx, "proj-a", models.InstanceTypePS, nil)
	require.NoError(t, err)
	time.Sleep(80 * time.Millisecond)
	_, err = r.SweepStale(ctx)
	require.NoError(t, err)

	stale, err := r.Get(ctx, inst.InstanceID)
	require.NoError(t, err)
	require.Equal(t, models.InstanceStatusStale, stale.Status)

	require.NoError(t, r.Heartbeat(ctx, inst.InstanceID, 0, nil))
	active, err := r.Get(ctx, inst.InstanceID)
	require.NoError(t, err)
	require.Equal(t, models.InstanceStatusActive, active.Status)
}
