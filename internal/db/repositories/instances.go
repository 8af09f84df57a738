package repositories

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"stationkernel/internal/db"
	"stationkernel/internal/kernelerr"
	"stationkernel/pkg/models"
)

// InstanceRepo is the persistence layer's view of supervisor_sessions:
// registration, heartbeat, the stale sweep, and the listings Resolve
// matches against.
type InstanceRepo struct {
	conn *sql.DB
}

// NewInstanceRepo builds an InstanceRepo over conn.
func NewInstanceRepo(conn *sql.DB) *InstanceRepo {
	return &InstanceRepo{conn: conn}
}

// Register inserts a new Instance. Fails with kernelerr.ErrConflict if
// instance_id already exists.
func (r *InstanceRepo) Register(ctx context.Context, inst *models.Instance) error {
	ctx, span := tracer.Start(ctx, "InstanceRepo.Register",
		trace.WithAttributes(attribute.String("instance.id", inst.InstanceID)))
	defer span.End()

	db.WriteMutex.Lock()
	defer db.WriteMutex.Unlock()

	_, err := r.conn.ExecContext(ctx, `
		INSERT INTO supervisor_sessions (
			instance_id, project, instance_type, status,
			registration_time, last_heartbeat, context_window_percent,
			current_epic, claude_session_uuid, closed_reason
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inst.InstanceID, inst.Project, string(inst.InstanceType), string(inst.Status),
		inst.RegistrationTime, inst.LastHeartbeat, inst.ContextWindowPercent,
		inst.CurrentEpic, inst.ClaudeSessionUUID, inst.ClosedReason,
	)
	if err != nil {
		if db.IsUniqueConstraintErr(err) {
			return kernelerr.Wrap(kernelerr.ErrConflict, "instance %s already registered", inst.InstanceID)
		}
		return fmt.Errorf("register instance %s: %w", inst.InstanceID, err)
	}
	return nil
}

// Get loads a single Instance by id.
func (r *InstanceRepo) Get(ctx context.Context, instanceID string) (*models.Instance, error) {
	row := r.conn.QueryRowContext(ctx, instanceSelectColumns+` WHERE instance_id = ?`, instanceID)
	inst, err := scanInstance(row)
	if err != nil {
		if db.IsNoRows(err) {
			return nil, kernelerr.Wrap(kernelerr.ErrNotFound, "instance %s not found", instanceID)
		}
		return nil, fmt.Errorf("get instance %s: %w", instanceID, err)
	}
	return inst, nil
}

// Heartbeat bumps last_heartbeat and context_window_percent, flipping a
// stale instance back to active. currentEpic is left unchanged when nil.
func (r *InstanceRepo) Heartbeat(ctx context.Context, instanceID string, contextWindowPercent int, currentEpic *string, at time.Time) error {
	ctx, span := tracer.Start(ctx, "InstanceRepo.Heartbeat",
		trace.WithAttributes(attribute.String("instance.id", instanceID)))
	defer span.End()

	db.WriteMutex.Lock()
	defer db.WriteMutex.Unlock()

	query := `
		UPDATE supervisor_sessions
		SET last_heartbeat = ?, context_window_percent = ?, status = 'active'`
	args := []interface{}{at, contextWindowPercent}
	if currentEpic != nil {
		query += `, current_epic = ?`
		args = append(args, *currentEpic)
	}
	query += ` WHERE instance_id = ? AND status != 'closed'`
	args = append(args, instanceID)

	res, err := r.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("heartbeat instance %s: %w", instanceID, err)
	}
	return requireRowsAffected(res, kernelerr.ErrNotFound, "instance %s not found or closed", instanceID)
}

// MarkStale transitions every active instance whose last_heartbeat is
// older than olderThan to stale, returning the affected instance ids.
func (r *InstanceRepo) MarkStale(ctx context.Context, olderThan time.Time) ([]string, error) {
	ctx, span := tracer.Start(ctx, "InstanceRepo.MarkStale")
	defer span.End()

	db.WriteMutex.Lock()
	defer db.WriteMutex.Unlock()

	rows, err := r.conn.QueryContext(ctx, `
		SELECT instance_id FROM supervisor_sessions
		WHERE status = 'active' AND last_heartbeat < ?`, olderThan)
	if err != nil {
		return nil, fmt.Errorf("select stale candidates: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan stale candidate: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if len(ids) == 0 {
		return nil, nil
	}

	_, err = r.conn.ExecContext(ctx, `
		UPDATE supervisor_sessions SET status = 'stale'
		WHERE status = 'active' AND last_heartbeat < ?`, olderThan)
	if err != nil {
		return nil, fmt.Errorf("mark stale: %w", err)
	}
	return ids, nil
}

// Close transitions an instance to closed with an optional reason.
// Closing is terminal: a closed instance can never re-register under the
// same id.
func (r *InstanceRepo) Close(ctx context.Context, instanceID string, reason *string) error {
	ctx, span := tracer.Start(ctx, "InstanceRepo.Close",
		trace.WithAttributes(attribute.String("instance.id", instanceID)))
	defer span.End()

	db.WriteMutex.Lock()
	defer db.WriteMutex.Unlock()

	res, err := r.conn.ExecContext(ctx, `
		UPDATE supervisor_sessions SET status = 'closed', closed_reason = ?
		WHERE instance_id = ? AND status != 'closed'`, reason, instanceID)
	if err != nil {
		return fmt.Errorf("close instance %s: %w", instanceID, err)
	}
	return requireRowsAffected(res, kernelerr.ErrNotFound, "instance %s not found or already closed", instanceID)
}

// ListActive returns every instance with status active, optionally scoped
// to a project.
func (r *InstanceRepo) ListActive(ctx context.Context, project string) ([]*models.Instance, error) {
	return r.listByStatus(ctx, "active", project)
}

// ListStale returns every instance currently marked stale.
func (r *InstanceRepo) ListStale(ctx context.Context, project string) ([]*models.Instance, error) {
	return r.listByStatus(ctx, "stale", project)
}

func (r *InstanceRepo) listByStatus(ctx context.Context, status, project string) ([]*models.Instance, error) {
	query := instanceSelectColumns + ` WHERE status = ?`
	args := []interface{}{status}
	if project != "" {
		query += ` AND project = ?`
		args = append(args, project)
	}
	query += ` ORDER BY last_heartbeat DESC`

	rows, err := r.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list instances status=%s: %w", status, err)
	}
	defer rows.Close()

	var out []*models.Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("scan instance: %w", err)
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

// ListByProject returns every non-closed instance for a project, used by
// Registry.Resolve's PROJECT/NEWEST strategies.
func (r *InstanceRepo) ListByProject(ctx context.Context, project string) ([]*models.Instance, error) {
	rows, err := r.conn.QueryContext(ctx, instanceSelectColumns+`
		WHERE project = ? AND status != 'closed' ORDER BY last_heartbeat DESC`, project)
	if err != nil {
		return nil, fmt.Errorf("list instances by project %s: %w", project, err)
	}
	defer rows.Close()

	var out []*models.Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("scan instance: %w", err)
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

// ListByEpic returns every non-closed instance currently working on epic.
func (r *InstanceRepo) ListByEpic(ctx context.Context, epic string) ([]*models.Instance, error) {
	rows, err := r.conn.QueryContext(ctx, instanceSelectColumns+`
		WHERE current_epic = ? AND status != 'closed' ORDER BY last_heartbeat DESC`, epic)
	if err != nil {
		return nil, fmt.Errorf("list instances by epic %s: %w", epic, err)
	}
	defer rows.Close()

	var out []*models.Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("scan instance: %w", err)
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

const instanceSelectColumns = `
	SELECT instance_id, project, instance_type, status, registration_time,
		last_heartbeat, context_window_percent, current_epic,
		claude_session_uuid, closed_reason
	FROM supervisor_sessions`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanInstance(s scanner) (*models.Instance, error) {
	var inst models.Instance
	var instanceType, status string
	if err := s.Scan(
		&inst.InstanceID, &inst.Project, &instanceType, &status,
		&inst.RegistrationTime, &inst.LastHeartbeat, &inst.ContextWindowPercent,
		&inst.CurrentEpic, &inst.ClaudeSessionUUID, &inst.ClosedReason,
	); err != nil {
		return nil, err
	}
	inst.InstanceType = models.InstanceType(instanceType)
	inst.Status = models.InstanceStatus(status)
	return &inst, nil
}

func requireRowsAffected(res sql.Result, kind error, format string, args ...interface{}) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return kernelerr.Wrap(kind, format, args...)
	}
	return nil
}
