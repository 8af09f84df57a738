// Package registry tracks supervisor instance lifecycle
// (register/heartbeat/close), runs the periodic stale sweep, and resolves
// operator hints to instances. Writes are serialized per instance rather
// than globally, since the unit of contention is a single instance's
// event stream, not the whole database.
package registry

import (
	"context"
	"crypto/rand"
	"encoding/base32"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"stationkernel/internal/db/repositories"
	"stationkernel/internal/eventstore"
	"stationkernel/internal/kernelerr"
	"stationkernel/internal/metrics"
	"stationkernel/pkg/models"
)

// StaleAfter is the default heartbeat staleness window.
const StaleAfter = 120 * time.Second

// minPartialHintLen is the shortest hint Resolve will try as a PARTIAL
// instance-id prefix match; shorter hints are too likely to collide
// across projects.
const minPartialHintLen = 4

// Registry is the Instance Registry.
type Registry struct {
	instances *repositories.InstanceRepo
	events    *eventstore.Store
	metrics   *metrics.Metrics

	mu    sync.Mutex
	locks map[string]*sync.Mutex
	sweep *cron.Cron
	stale time.Duration
}

// New builds a Registry over repo, emitting instance_registered/
// instance_heartbeat/instance_stale events through events as each
// lifecycle operation runs. m may be nil, in which case sweep metrics
// are skipped.
func New(repo *repositories.InstanceRepo, events *eventstore.Store, m *metrics.Metrics) *Registry {
	return &Registry{
		instances: repo,
		events:    events,
		metrics:   m,
		locks:     make(map[string]*sync.Mutex),
		stale:     StaleAfter,
	}
}

// SetStaleThreshold overrides the default staleness window, sourced from
// stale_threshold_seconds config at boot.
func (r *Registry) SetStaleThreshold(d time.Duration) {
	if d > 0 {
		r.stale = d
	}
}

// idEncoding is lowercase base32 without padding, so instance ids stay
// short, case-insensitive-unambiguous, and shell-safe.
var idEncoding = base32.NewEncoding("abcdefghijklmnopqrstuvwxyz234567").WithPadding(base32.NoPadding)

// newInstanceID generates a short opaque identifier (12 chars from 60
// random bits), distinct from the UUIDs used for event/checkpoint ids:
// operators type instance ids by hand and resolve them by prefix, so
// they are kept deliberately short.
func newInstanceID() (string, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate instance id: %w", err)
	}
	return idEncoding.EncodeToString(buf)[:12], nil
}

// lockFor returns the mutex guarding writes to a single instance's
// event/workflow stream, creating it on first use.
func (r *Registry) lockFor(instanceID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[instanceID]
	if !ok {
		l = &sync.Mutex{}
		r.locks[instanceID] = l
	}
	return l
}

// Register creates a new supervisor session.
func (r *Registry) Register(ctx context.Context, project string, instanceType models.InstanceType, claudeSessionUUID *string) (*models.Instance, error) {
	id, err := newInstanceID()
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	inst := &models.Instance{
		InstanceID:           id,
		Project:              project,
		InstanceType:         instanceType,
		Status:               models.InstanceStatusActive,
		RegistrationTime:     now,
		LastHeartbeat:        now,
		ContextWindowPercent: 0,
		ClaudeSessionUUID:    claudeSessionUUID,
	}

	lock := r.lockFor(inst.InstanceID)
	lock.Lock()
	defer lock.Unlock()

	if err := r.instances.Register(ctx, inst); err != nil {
		return nil, err
	}
	if _, err := r.events.Append(ctx, inst.InstanceID, models.EventInstanceRegistered, map[string]interface{}{
		"project":       project,
		"instance_type": instanceType,
	}, nil); err != nil {
		return nil, fmt.Errorf("emit instance_registered for %s: %w", inst.InstanceID, err)
	}
	return inst, nil
}

// Heartbeat refreshes an instance's liveness and context-window reading,
// optionally updating current_epic, and emits instance_heartbeat.
// Idempotent: calling it twice with the same arguments leaves the row in
// the same state.
func (r *Registry) Heartbeat(ctx context.Context, instanceID string, contextWindowPercent int, currentEpic *string) error {
	lock := r.lockFor(instanceID)
	lock.Lock()
	defer lock.Unlock()

	if err := r.instances.Heartbeat(ctx, instanceID, contextWindowPercent, currentEpic, time.Now().UTC()); err != nil {
		return err
	}
	_, err := r.events.Append(ctx, instanceID, models.EventInstanceHeartbeat, map[string]interface{}{
		"context_window_percent": contextWindowPercent,
		"current_epic":           currentEpic,
	}, nil)
	if err != nil {
		return fmt.Errorf("emit instance_heartbeat for %s: %w", instanceID, err)
	}
	return nil
}

// Close terminates an instance. Closing is terminal.
func (r *Registry) Close(ctx context.Context, instanceID string, reason *string) error {
	lock := r.lockFor(instanceID)
	lock.Lock()
	defer lock.Unlock()

	if err := r.instances.Close(ctx, instanceID, reason); err != nil {
		return err
	}
	r.mu.Lock()
	delete(r.locks, instanceID)
	r.mu.Unlock()
	return nil
}

// Get loads a single instance.
func (r *Registry) Get(ctx context.Context, instanceID string) (*models.Instance, error) {
	return r.instances.Get(ctx, instanceID)
}

// ListActive returns active instances, optionally scoped to project.
func (r *Registry) ListActive(ctx context.Context, project string) ([]*models.Instance, error) {
	return r.instances.ListActive(ctx, project)
}

// ListStale returns stale instances, optionally scoped to project.
func (r *Registry) ListStale(ctx context.Context, project string) ([]*models.Instance, error) {
	return r.instances.ListStale(ctx, project)
}

// SweepStale marks every active instance whose heartbeat is older than
// the staleness window as stale, emits instance_stale (with the observed
// age) for each, and returns affected ids.
func (r *Registry) SweepStale(ctx context.Context) ([]string, error) {
	cutoff := time.Now().UTC().Add(-r.stale)
	ids, err := r.instances.MarkStale(ctx, cutoff)
	if err != nil {
		return nil, err
	}
	if r.metrics != nil {
		r.metrics.ObserveSweep(len(ids))
	}
	for _, id := range ids {
		inst, err := r.instances.Get(ctx, id)
		age := r.stale.Seconds()
		if err == nil {
			age = time.Since(inst.LastHeartbeat).Seconds()
		}
		if _, err := r.events.Append(ctx, id, models.EventInstanceStale, map[string]interface{}{
			"age_seconds": age,
		}, nil); err != nil {
			return ids, fmt.Errorf("emit instance_stale for %s: %w", id, err)
		}
	}
	return ids, nil
}

// StartSweep schedules SweepStale to run on a cron expression (default
// every minute if expr is empty). The returned cron.Cron is started;
// callers must Stop() it on shutdown.
func (r *Registry) StartSweep(ctx context.Context, expr string, onSwept func([]string)) (*cron.Cron, error) {
	if expr == "" {
		expr = "@every 1m"
	}
	c := cron.New()
	_, err := c.AddFunc(expr, func() {
		ids, err := r.SweepStale(ctx)
		if err != nil {
			return
		}
		if onSwept != nil && len(ids) > 0 {
			onSwept(ids)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("schedule stale sweep %q: %w", expr, err)
	}
	r.sweep = c
	c.Start()
	return c, nil
}

// Resolve tries resolution strategies in order: exact instance_id match,
// then a PARTIAL prefix match against active instances, then EPIC
// (current_epic match), then PROJECT (project match). An empty hint
// resolves NEWEST: the most recently heartbeaten active instance.
// Multiple matches are returned together so the caller can disambiguate.
func (r *Registry) Resolve(ctx context.Context, hint string) (*models.ResolutionResult, error) {
	if hint == "" {
		active, err := r.instances.ListActive(ctx, "")
		if err != nil {
			return nil, err
		}
		if len(active) == 0 {
			return nil, kernelerr.Wrap(kernelerr.ErrNotFound, "no active instance")
		}
		sortNewestFirst(active)
		return &models.ResolutionResult{Hint: hint, Strategy: models.StrategyNewest, Matches: active[:1]}, nil
	}

	if inst, err := r.instances.Get(ctx, hint); err == nil {
		return &models.ResolutionResult{Hint: hint, Strategy: models.StrategyExact, Matches: []*models.Instance{inst}}, nil
	} else if !kernelerr.Is(err, kernelerr.ErrNotFound) {
		return nil, err
	}

	if len(hint) >= minPartialHintLen {
		active, err := r.instances.ListActive(ctx, "")
		if err != nil {
			return nil, err
		}
		var partial []*models.Instance
		for _, inst := range active {
			if strings.HasPrefix(inst.InstanceID, hint) {
				partial = append(partial, inst)
			}
		}
		if len(partial) > 0 {
			sortNewestFirst(partial)
			return &models.ResolutionResult{Hint: hint, Strategy: models.StrategyPartial, Matches: partial}, nil
		}
	}

	byEpic, err := r.instances.ListByEpic(ctx, hint)
	if err != nil {
		return nil, err
	}
	if len(byEpic) > 0 {
		sortNewestFirst(byEpic)
		return &models.ResolutionResult{Hint: hint, Strategy: models.StrategyEpic, Matches: byEpic}, nil
	}

	byProject, err := r.instances.ListByProject(ctx, hint)
	if err != nil {
		return nil, err
	}
	if len(byProject) > 0 {
		sortNewestFirst(byProject)
		return &models.ResolutionResult{Hint: hint, Strategy: models.StrategyProject, Matches: byProject}, nil
	}

	return nil, kernelerr.Wrap(kernelerr.ErrNotFound, "no instance resolves hint %q", hint)
}

func sortNewestFirst(instances []*models.Instance) {
	sort.Slice(instances, func(i, j int) bool {
		return instances[i].LastHeartbeat.After(instances[j].LastHeartbeat)
	})
}
