// Package commandlog is the sanitized, queryable record of every user-
// or tool-visible action taken against an instance. Every entry is
// redacted before it reaches the repository, so no caller can
// accidentally persist a raw secret.
package commandlog

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"stationkernel/internal/db/repositories"
	"stationkernel/internal/redaction"
	"stationkernel/pkg/models"
)

// Log is the Command Log.
type Log struct {
	commands *repositories.CommandRepo
	redactor func() *redaction.Redactor
}

// New builds a Log over repo, sourcing the active Redactor from
// redactorFn on every call so a hot-reloaded pattern file (see
// redaction.WatchingRedactor) takes effect without restarting the kernel.
func New(repo *repositories.CommandRepo, redactorFn func() *redaction.Redactor) *Log {
	return &Log{commands: repo, redactor: redactorFn}
}

// Entry is the input to Append: unredacted parameters/result/tags/context,
// redacted internally before persistence.
type Entry struct {
	InstanceID      string
	CommandType     models.CommandType
	Action          string
	ToolName        *string
	Parameters      interface{}
	Result          interface{}
	Success         bool
	ErrorMessage    *string
	ExecutionTimeMs int64
	Tags            interface{}
	ContextData     interface{}
	Source          string
}

// Append redacts e's structured fields and persists the resulting entry.
func (l *Log) Append(ctx context.Context, e Entry) (*models.CommandLogEntry, error) {
	r := l.redactor()

	parameters, err := redactField(r, e.Parameters)
	if err != nil {
		return nil, fmt.Errorf("redact parameters: %w", err)
	}
	result, err := redactField(r, e.Result)
	if err != nil {
		return nil, fmt.Errorf("redact result: %w", err)
	}
	tags, err := redactField(r, e.Tags)
	if err != nil {
		return nil, fmt.Errorf("redact tags: %w", err)
	}
	contextData, err := redactField(r, e.ContextData)
	if err != nil {
		return nil, fmt.Errorf("redact context_data: %w", err)
	}

	errMsg := e.ErrorMessage
	if errMsg != nil {
		redacted := r.RedactString(*errMsg)
		errMsg = &redacted
	}

	return l.commands.Log(ctx, &models.CommandLogEntry{
		InstanceID:      e.InstanceID,
		CommandType:     e.CommandType,
		Action:          e.Action,
		ToolName:        e.ToolName,
		Parameters:      parameters,
		Result:          result,
		Success:         e.Success,
		ErrorMessage:    errMsg,
		ExecutionTimeMs: e.ExecutionTimeMs,
		Timestamp:       time.Now().UTC(),
		Tags:            tags,
		ContextData:     contextData,
		Source:          e.Source,
	})
}

// Get loads a single command entry by id.
func (l *Log) Get(ctx context.Context, id int64) (*models.CommandLogEntry, error) {
	return l.commands.Get(ctx, id)
}

// Search returns command entries matching filter and the total match
// count across all pages.
func (l *Log) Search(ctx context.Context, filter models.CommandFilter) ([]*models.CommandLogEntry, int64, error) {
	return l.commands.Search(ctx, filter)
}

// Stats aggregates success/failure counts for an instance.
func (l *Log) Stats(ctx context.Context, instanceID string) (*models.CommandStats, error) {
	return l.commands.Stats(ctx, instanceID)
}

func redactField(r *redaction.Redactor, v interface{}) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return r.RedactJSON(raw), nil
}
