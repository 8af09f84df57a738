package repositories

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"stationkernel/internal/db"
	"stationkernel/pkg/models"
)

// EventRepo is the persistence layer's view of event_store. Append
// allocates sequence_num atomically: the write mutex plus a transaction
// around the read-then-write keep the per-instance sequence gap-free.
type EventRepo struct {
	conn *sql.DB
}

// NewEventRepo builds an EventRepo over conn.
func NewEventRepo(conn *sql.DB) *EventRepo {
	return &EventRepo{conn: conn}
}

// Append assigns EventID and SequenceNum (max(sequence_num)+1 for the
// instance) and inserts the event, returning the populated event.
// Sequence numbers are strictly increasing per instance, never reused.
func (r *EventRepo) Append(ctx context.Context, ev *models.Event) (*models.Event, error) {
	ctx, span := tracer.Start(ctx, "EventRepo.Append",
		trace.WithAttributes(
			attribute.String("instance.id", ev.InstanceID),
			attribute.String("event.type", string(ev.EventType)),
		))
	defer span.End()

	db.WriteMutex.Lock()
	defer db.WriteMutex.Unlock()

	tx, err := r.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin append tx: %w", err)
	}
	defer tx.Rollback()

	var maxSeq sql.NullInt64
	if err := tx.QueryRowContext(ctx,
		`SELECT MAX(sequence_num) FROM event_store WHERE instance_id = ?`, ev.InstanceID,
	).Scan(&maxSeq); err != nil {
		return nil, fmt.Errorf("select max sequence_num for %s: %w", ev.InstanceID, err)
	}

	next := int64(1)
	if maxSeq.Valid {
		next = maxSeq.Int64 + 1
	}

	out := *ev
	if out.EventID == "" {
		// ULIDs sort lexicographically by creation time, so event ids line
		// up with the feed even across instances.
		out.EventID = ulid.Make().String()
	}
	out.SequenceNum = next

	_, err = tx.ExecContext(ctx, `
		INSERT INTO event_store (event_id, instance_id, event_type, sequence_num, timestamp, event_data, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		out.EventID, out.InstanceID, string(out.EventType), out.SequenceNum, out.Timestamp, []byte(out.EventData), nullableRaw(out.Metadata),
	)
	if err != nil {
		return nil, fmt.Errorf("insert event for %s: %w", ev.InstanceID, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit append tx: %w", err)
	}
	return &out, nil
}

// Query returns events for an instance matching filter, newest-first by
// (timestamp DESC, sequence_num DESC), along with the total match count
// (ignoring limit/offset) so callers can report has_more.
func (r *EventRepo) Query(ctx context.Context, instanceID string, filter models.EventFilter, limit, offset int) ([]*models.Event, int64, error) {
	ctx, span := tracer.Start(ctx, "EventRepo.Query",
		trace.WithAttributes(attribute.String("instance.id", instanceID)))
	defer span.End()

	where := ` WHERE instance_id = ?`
	args := []interface{}{instanceID}

	if len(filter.EventTypes) > 0 {
		where += ` AND event_type IN (` + placeholders(len(filter.EventTypes)) + `)`
		for _, t := range filter.EventTypes {
			args = append(args, string(t))
		}
	}
	if filter.Since != nil {
		where += ` AND timestamp >= ?`
		args = append(args, *filter.Since)
	}
	if filter.Until != nil {
		where += ` AND timestamp < ?`
		args = append(args, *filter.Until)
	}
	if filter.Keyword != "" {
		where += ` AND event_data LIKE ?`
		args = append(args, "%"+filter.Keyword+"%")
	}

	var total int64
	if err := r.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM event_store`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count events for %s: %w", instanceID, err)
	}

	query := `SELECT event_id, instance_id, event_type, sequence_num, timestamp, event_data, metadata
		FROM event_store` + where + ` ORDER BY timestamp DESC, sequence_num DESC`
	queryArgs := append([]interface{}{}, args...)
	if limit > 0 {
		query += ` LIMIT ?`
		queryArgs = append(queryArgs, limit)
		if offset > 0 {
			query += ` OFFSET ?`
			queryArgs = append(queryArgs, offset)
		}
	}

	rows, err := r.conn.QueryContext(ctx, query, queryArgs...)
	if err != nil {
		return nil, 0, fmt.Errorf("query events for %s: %w", instanceID, err)
	}
	defer rows.Close()

	var out []*models.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, ev)
	}
	return out, total, rows.Err()
}

// LatestSequence returns the highest sequence_num for an instance, or 0
// when none exists. Checkpoint creation reads this to pin a snapshot to
// the event stream.
func (r *EventRepo) LatestSequence(ctx context.Context, instanceID string) (int64, error) {
	var maxSeq sql.NullInt64
	if err := r.conn.QueryRowContext(ctx,
		`SELECT MAX(sequence_num) FROM event_store WHERE instance_id = ?`, instanceID,
	).Scan(&maxSeq); err != nil {
		return 0, fmt.Errorf("latest sequence for %s: %w", instanceID, err)
	}
	if !maxSeq.Valid {
		return 0, nil
	}
	return maxSeq.Int64, nil
}

// Replay returns every event for an instance in sequence order, the
// feed the Checkpoint Manager folds to reconstruct work-state.
func (r *EventRepo) Replay(ctx context.Context, instanceID string, fromSeq int64) ([]*models.Event, error) {
	ctx, span := tracer.Start(ctx, "EventRepo.Replay",
		trace.WithAttributes(attribute.String("instance.id", instanceID)))
	defer span.End()

	rows, err := r.conn.QueryContext(ctx, `
		SELECT event_id, instance_id, event_type, sequence_num, timestamp, event_data, metadata
		FROM event_store WHERE instance_id = ? AND sequence_num >= ?
		ORDER BY sequence_num ASC`, instanceID, fromSeq)
	if err != nil {
		return nil, fmt.Errorf("replay events for %s: %w", instanceID, err)
	}
	defer rows.Close()

	var out []*models.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func scanEvent(s scanner) (*models.Event, error) {
	var ev models.Event
	var eventType string
	var eventData []byte
	var metadata sql.NullString
	if err := s.Scan(&ev.EventID, &ev.InstanceID, &eventType, &ev.SequenceNum, &ev.Timestamp, &eventData, &metadata); err != nil {
		return nil, err
	}
	ev.EventType = models.EventType(eventType)
	ev.EventData = eventData
	if metadata.Valid {
		ev.Metadata = []byte(metadata.String)
	}
	return &ev, nil
}

func nullableRaw(raw []byte) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

func placeholders(n int) string {
	out := make([]byte, 0, n*2)
	for i := 0; i < n; i++ {
		if i > 0 {
			out = append(out, ',')
		}
		out = append(out, '?')
	}
	return string(out)
}
