package repositories

import (
	"context"
	"database/sql"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"stationkernel/internal/db"
	"stationkernel/internal/kernelerr"
	"stationkernel/pkg/models"
)

// CommandRepo is the persistence layer's view of command_log. Entries
// are written post-redaction by internal/commandlog; this repo never
// redacts.
type CommandRepo struct {
	conn *sql.DB
}

// NewCommandRepo builds a CommandRepo over conn.
func NewCommandRepo(conn *sql.DB) *CommandRepo {
	return &CommandRepo{conn: conn}
}

// Log inserts a (already-redacted) command entry, returning it with its
// assigned ID.
func (r *CommandRepo) Log(ctx context.Context, entry *models.CommandLogEntry) (*models.CommandLogEntry, error) {
	ctx, span := tracer.Start(ctx, "CommandRepo.Log",
		trace.WithAttributes(
			attribute.String("instance.id", entry.InstanceID),
			attribute.String("command.action", entry.Action),
		))
	defer span.End()

	db.WriteMutex.Lock()
	defer db.WriteMutex.Unlock()

	res, err := r.conn.ExecContext(ctx, `
		INSERT INTO command_log (
			instance_id, command_type, action, tool_name, parameters, result,
			success, error_message, execution_time_ms, timestamp, tags, context_data, source
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.InstanceID, string(entry.CommandType), entry.Action, entry.ToolName,
		nullableRaw(entry.Parameters), nullableRaw(entry.Result), entry.Success, entry.ErrorMessage,
		entry.ExecutionTimeMs, entry.Timestamp, nullableRaw(entry.Tags), nullableRaw(entry.ContextData), entry.Source,
	)
	if err != nil {
		return nil, fmt.Errorf("log command for %s: %w", entry.InstanceID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("log command last insert id: %w", err)
	}
	out := *entry
	out.ID = id
	return &out, nil
}

// Get loads a single command entry by id.
func (r *CommandRepo) Get(ctx context.Context, id int64) (*models.CommandLogEntry, error) {
	row := r.conn.QueryRowContext(ctx, commandSelectColumns+` WHERE id = ?`, id)
	entry, err := scanCommand(row)
	if err != nil {
		if db.IsNoRows(err) {
			return nil, kernelerr.Wrap(kernelerr.ErrNotFound, "command %d not found", id)
		}
		return nil, fmt.Errorf("get command %d: %w", id, err)
	}
	return entry, nil
}

// Search returns command entries matching filter (newest first,
// paginated) alongside the total match count across all pages.
func (r *CommandRepo) Search(ctx context.Context, filter models.CommandFilter) ([]*models.CommandLogEntry, int64, error) {
	ctx, span := tracer.Start(ctx, "CommandRepo.Search")
	defer span.End()

	where := ` WHERE 1=1`
	var args []interface{}

	if filter.InstanceID != "" {
		where += ` AND instance_id = ?`
		args = append(args, filter.InstanceID)
	}
	if filter.Action != "" {
		where += ` AND action = ?`
		args = append(args, filter.Action)
	}
	if filter.SuccessOnly {
		where += ` AND success = 1`
	}
	if filter.Since != nil {
		where += ` AND timestamp >= ?`
		args = append(args, *filter.Since)
	}
	if filter.Until != nil {
		where += ` AND timestamp < ?`
		args = append(args, *filter.Until)
	}

	var total int64
	if err := r.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM command_log`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count commands: %w", err)
	}

	query := commandSelectColumns + where + ` ORDER BY timestamp DESC, id DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ? OFFSET ?`
	queryArgs := append(append([]interface{}{}, args...), limit, filter.Offset)

	rows, err := r.conn.QueryContext(ctx, query, queryArgs...)
	if err != nil {
		return nil, 0, fmt.Errorf("search commands: %w", err)
	}
	defer rows.Close()

	var out []*models.CommandLogEntry
	for rows.Next() {
		entry, err := scanCommand(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan command: %w", err)
		}
		out = append(out, entry)
	}
	return out, total, rows.Err()
}

// Stats aggregates success/failure counts for an instance.
func (r *CommandRepo) Stats(ctx context.Context, instanceID string) (*models.CommandStats, error) {
	var stats models.CommandStats
	err := r.conn.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(CASE WHEN success THEN 1 ELSE 0 END), 0)
		FROM command_log WHERE instance_id = ?`, instanceID,
	).Scan(&stats.Total, &stats.Successful)
	if err != nil {
		return nil, fmt.Errorf("command stats for %s: %w", instanceID, err)
	}
	stats.Failed = stats.Total - stats.Successful
	return &stats, nil
}

const commandSelectColumns = `
	SELECT id, instance_id, command_type, action, tool_name, parameters, result,
		success, error_message, execution_time_ms, timestamp, tags, context_data, source
	FROM command_log`

func scanCommand(s scanner) (*models.CommandLogEntry, error) {
	var e models.CommandLogEntry
	var commandType string
	var toolName, errMsg sql.NullString
	var parameters, result, tags, contextData sql.NullString
	if err := s.Scan(
		&e.ID, &e.InstanceID, &commandType, &e.Action, &toolName, &parameters, &result,
		&e.Success, &errMsg, &e.ExecutionTimeMs, &e.Timestamp, &tags, &contextData, &e.Source,
	); err != nil {
		return nil, err
	}
	e.CommandType = models.CommandType(commandType)
	if toolName.Valid {
		e.ToolName = &toolName.String
	}
	if errMsg.Valid {
		e.ErrorMessage = &errMsg.String
	}
	if parameters.Valid {
		e.Parameters = []byte(parameters.String)
	}
	if result.Valid {
		e.Result = []byte(result.String)
	}
	if tags.Valid {
		e.Tags = []byte(tags.String)
	}
	if contextData.Valid {
		e.ContextData = []byte(contextData.String)
	}
	return &e, nil
}
