package repositories

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"stationkernel/internal/db"
	"stationkernel/internal/kernelerr"
	"stationkernel/pkg/models"
)

// CheckpointRepo is the persistence layer's view of checkpoints.
type CheckpointRepo struct {
	conn *sql.DB
}

// NewCheckpointRepo builds a CheckpointRepo over conn.
func NewCheckpointRepo(conn *sql.DB) *CheckpointRepo {
	return &CheckpointRepo{conn: conn}
}

// Create persists a new checkpoint, assigning CheckpointID/SequenceNum if
// unset (sequence_num mirrors the instance's latest event sequence at
// capture time, supplied by the caller).
func (r *CheckpointRepo) Create(ctx context.Context, cp *models.Checkpoint) (*models.Checkpoint, error) {
	ctx, span := tracer.Start(ctx, "CheckpointRepo.Create",
		trace.WithAttributes(attribute.String("instance.id", cp.InstanceID)))
	defer span.End()

	db.WriteMutex.Lock()
	defer db.WriteMutex.Unlock()

	out := *cp
	if out.CheckpointID == "" {
		out.CheckpointID = uuid.NewString()
	}

	_, err := r.conn.ExecContext(ctx, `
		INSERT INTO checkpoints (
			checkpoint_id, instance_id, checkpoint_type, sequence_num,
			timestamp, context_window_percent, work_state, metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		out.CheckpointID, out.InstanceID, string(out.CheckpointType), out.SequenceNum,
		out.Timestamp, out.ContextWindowPercent, []byte(out.WorkState), nullableRaw(out.Metadata),
	)
	if err != nil {
		if db.IsUniqueConstraintErr(err) {
			return nil, kernelerr.Wrap(kernelerr.ErrConflict, "checkpoint already exists at sequence %d for %s", out.SequenceNum, out.InstanceID)
		}
		return nil, fmt.Errorf("create checkpoint for %s: %w", out.InstanceID, err)
	}
	return &out, nil
}

// Latest returns the most recent checkpoint for an instance, if any.
func (r *CheckpointRepo) Latest(ctx context.Context, instanceID string) (*models.Checkpoint, error) {
	ctx, span := tracer.Start(ctx, "CheckpointRepo.Latest",
		trace.WithAttributes(attribute.String("instance.id", instanceID)))
	defer span.End()

	row := r.conn.QueryRowContext(ctx, checkpointSelectColumns+`
		WHERE instance_id = ? ORDER BY sequence_num DESC LIMIT 1`, instanceID)
	cp, err := scanCheckpoint(row)
	if err != nil {
		if db.IsNoRows(err) {
			return nil, kernelerr.Wrap(kernelerr.ErrNotFound, "no checkpoint for %s", instanceID)
		}
		return nil, fmt.Errorf("latest checkpoint for %s: %w", instanceID, err)
	}
	return cp, nil
}

// Get loads a checkpoint by id.
func (r *CheckpointRepo) Get(ctx context.Context, checkpointID string) (*models.Checkpoint, error) {
	row := r.conn.QueryRowContext(ctx, checkpointSelectColumns+` WHERE checkpoint_id = ?`, checkpointID)
	cp, err := scanCheckpoint(row)
	if err != nil {
		if db.IsNoRows(err) {
			return nil, kernelerr.Wrap(kernelerr.ErrNotFound, "checkpoint %s not found", checkpointID)
		}
		return nil, fmt.Errorf("get checkpoint %s: %w", checkpointID, err)
	}
	return cp, nil
}

// List returns every checkpoint for an instance, oldest first.
func (r *CheckpointRepo) List(ctx context.Context, instanceID string) ([]*models.Checkpoint, error) {
	rows, err := r.conn.QueryContext(ctx, checkpointSelectColumns+`
		WHERE instance_id = ? ORDER BY sequence_num ASC`, instanceID)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints for %s: %w", instanceID, err)
	}
	defer rows.Close()

	var out []*models.Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

const checkpointSelectColumns = `
	SELECT checkpoint_id, instance_id, checkpoint_type, sequence_num,
		timestamp, context_window_percent, work_state, metadata
	FROM checkpoints`

func scanCheckpoint(s scanner) (*models.Checkpoint, error) {
	var cp models.Checkpoint
	var checkpointType string
	var workState []byte
	var metadata sql.NullString
	if err := s.Scan(
		&cp.CheckpointID, &cp.InstanceID, &checkpointType, &cp.SequenceNum,
		&cp.Timestamp, &cp.ContextWindowPercent, &workState, &metadata,
	); err != nil {
		return nil, err
	}
	cp.CheckpointType = models.CheckpointType(checkpointType)
	cp.WorkState = workState
	if metadata.Valid {
		cp.Metadata = []byte(metadata.String)
	}
	return &cp, nil
}
