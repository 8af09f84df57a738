package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"stationkernel/internal/db"
	"stationkernel/internal/kernelerr"
	"stationkernel/pkg/models"
)

// WorkflowRepo is the persistence layer's view of workflows. Every
// mutation goes through the version-checked Update so concurrent writers
// cannot silently clobber each other.
type WorkflowRepo struct {
	conn *sql.DB
}

// NewWorkflowRepo builds a WorkflowRepo over conn.
func NewWorkflowRepo(conn *sql.DB) *WorkflowRepo {
	return &WorkflowRepo{conn: conn}
}

// Create inserts a new workflow at version 0.
func (r *WorkflowRepo) Create(ctx context.Context, wf *models.Workflow) (*models.Workflow, error) {
	ctx, span := tracer.Start(ctx, "WorkflowRepo.Create",
		trace.WithAttributes(attribute.String("workflow.test_id", wf.TestID)))
	defer span.End()

	db.WriteMutex.Lock()
	defer db.WriteMutex.Unlock()

	out := *wf
	out.Version = 0
	if out.Status == "" {
		out.Status = models.WorkflowPending
	}
	if out.CurrentStage == "" {
		out.CurrentStage = models.StagePending
	}

	res, err := r.conn.ExecContext(ctx, `
		INSERT INTO workflows (
			test_id, epic_id, test_type, current_stage, status,
			execution_result, detection_result, verification_result, fixing_result, learning_result,
			started_at, completed_at, retry_count, error_message, escalated, version
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		out.TestID, out.EpicID, string(out.TestType), string(out.CurrentStage), string(out.Status),
		marshalOrNil(out.ExecutionResult), marshalOrNil(out.DetectionResult), marshalOrNil(out.VerificationResult),
		marshalOrNil(out.FixingResult), marshalOrNil(out.LearningResult),
		out.StartedAt, out.CompletedAt, out.RetryCount, out.ErrorMessage, out.Escalated, out.Version,
	)
	if err != nil {
		if db.IsUniqueConstraintErr(err) {
			return nil, kernelerr.Wrap(kernelerr.ErrConflict, "workflow %s already exists", out.TestID)
		}
		return nil, fmt.Errorf("create workflow %s: %w", out.TestID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("create workflow last insert id: %w", err)
	}
	out.ID = id
	return &out, nil
}

// Get loads a workflow by its test id.
func (r *WorkflowRepo) Get(ctx context.Context, testID string) (*models.Workflow, error) {
	row := r.conn.QueryRowContext(ctx, workflowSelectColumns+` WHERE test_id = ?`, testID)
	wf, err := scanWorkflow(row)
	if err != nil {
		if db.IsNoRows(err) {
			return nil, kernelerr.Wrap(kernelerr.ErrNotFound, "workflow %s not found", testID)
		}
		return nil, fmt.Errorf("get workflow %s: %w", testID, err)
	}
	return wf, nil
}

// ListByEpic returns every workflow for an epic, started-at ascending.
func (r *WorkflowRepo) ListByEpic(ctx context.Context, epicID string) ([]*models.Workflow, error) {
	rows, err := r.conn.QueryContext(ctx, workflowSelectColumns+`
		WHERE epic_id = ? ORDER BY started_at ASC`, epicID)
	if err != nil {
		return nil, fmt.Errorf("list workflows for epic %s: %w", epicID, err)
	}
	defer rows.Close()

	var out []*models.Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan workflow: %w", err)
		}
		out = append(out, wf)
	}
	return out, rows.Err()
}

// Update performs an optimistic-concurrency write: the caller must
// supply wf.Version as the version it last observed. The write succeeds
// and bumps Version by one only if the stored version still matches;
// otherwise it fails with kernelerr.ErrConflict.
func (r *WorkflowRepo) Update(ctx context.Context, wf *models.Workflow) (*models.Workflow, error) {
	ctx, span := tracer.Start(ctx, "WorkflowRepo.Update",
		trace.WithAttributes(
			attribute.String("workflow.test_id", wf.TestID),
			attribute.Int64("workflow.version", wf.Version),
		))
	defer span.End()

	db.WriteMutex.Lock()
	defer db.WriteMutex.Unlock()

	out := *wf
	expected := out.Version
	out.Version = expected + 1

	res, err := r.conn.ExecContext(ctx, `
		UPDATE workflows SET
			current_stage = ?, status = ?,
			execution_result = ?, detection_result = ?, verification_result = ?,
			fixing_result = ?, learning_result = ?,
			completed_at = ?, retry_count = ?, error_message = ?, escalated = ?,
			version = ?
		WHERE test_id = ? AND version = ?`,
		string(out.CurrentStage), string(out.Status),
		marshalOrNil(out.ExecutionResult), marshalOrNil(out.DetectionResult), marshalOrNil(out.VerificationResult),
		marshalOrNil(out.FixingResult), marshalOrNil(out.LearningResult),
		out.CompletedAt, out.RetryCount, out.ErrorMessage, out.Escalated,
		out.Version,
		out.TestID, expected,
	)
	if err != nil {
		return nil, fmt.Errorf("update workflow %s: %w", out.TestID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("update workflow %s rows affected: %w", out.TestID, err)
	}
	if n == 0 {
		return nil, kernelerr.Wrap(kernelerr.ErrConflict, "workflow %s version %d is stale", out.TestID, expected)
	}
	return &out, nil
}

// RecordTransition appends one row to the workflow_transitions history.
// History rows are append-only and never read back on the write path.
func (r *WorkflowRepo) RecordTransition(ctx context.Context, tr *models.WorkflowTransition) error {
	db.WriteMutex.Lock()
	defer db.WriteMutex.Unlock()

	_, err := r.conn.ExecContext(ctx, `
		INSERT INTO workflow_transitions (workflow_id, from_stage, to_stage, timestamp, reason)
		VALUES (?, ?, ?, ?, ?)`,
		tr.WorkflowID, string(tr.FromStage), string(tr.ToStage), tr.Timestamp, tr.Reason,
	)
	if err != nil {
		return fmt.Errorf("record transition for workflow %d: %w", tr.WorkflowID, err)
	}
	return nil
}

// ListTransitions returns a workflow's transition history in the order
// the transitions happened.
func (r *WorkflowRepo) ListTransitions(ctx context.Context, workflowID int64) ([]*models.WorkflowTransition, error) {
	rows, err := r.conn.QueryContext(ctx, `
		SELECT workflow_id, from_stage, to_stage, timestamp, reason
		FROM workflow_transitions WHERE workflow_id = ? ORDER BY id ASC`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("list transitions for workflow %d: %w", workflowID, err)
	}
	defer rows.Close()

	var out []*models.WorkflowTransition
	for rows.Next() {
		var tr models.WorkflowTransition
		var from, to string
		if err := rows.Scan(&tr.WorkflowID, &from, &to, &tr.Timestamp, &tr.Reason); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		tr.FromStage = models.Stage(from)
		tr.ToStage = models.Stage(to)
		out = append(out, &tr)
	}
	return out, rows.Err()
}

const workflowSelectColumns = `
	SELECT id, test_id, epic_id, test_type, current_stage, status,
		execution_result, detection_result, verification_result, fixing_result, learning_result,
		started_at, completed_at, retry_count, error_message, escalated, version
	FROM workflows`

func scanWorkflow(s scanner) (*models.Workflow, error) {
	var wf models.Workflow
	var testType, currentStage, status string
	var executionResult, detectionResult, verificationResult, fixingResult, learningResult sql.NullString
	var errMsg sql.NullString
	if err := s.Scan(
		&wf.ID, &wf.TestID, &wf.EpicID, &testType, &currentStage, &status,
		&executionResult, &detectionResult, &verificationResult, &fixingResult, &learningResult,
		&wf.StartedAt, &wf.CompletedAt, &wf.RetryCount, &errMsg, &wf.Escalated, &wf.Version,
	); err != nil {
		return nil, err
	}
	wf.TestType = models.TestType(testType)
	wf.CurrentStage = models.Stage(currentStage)
	wf.Status = models.WorkflowStatus(status)
	if errMsg.Valid {
		wf.ErrorMessage = &errMsg.String
	}

	if executionResult.Valid {
		var v models.TestExecutionResult
		if err := json.Unmarshal([]byte(executionResult.String), &v); err != nil {
			return nil, fmt.Errorf("unmarshal execution_result: %w", err)
		}
		wf.ExecutionResult = &v
	}
	if detectionResult.Valid {
		var v models.DetectionResult
		if err := json.Unmarshal([]byte(detectionResult.String), &v); err != nil {
			return nil, fmt.Errorf("unmarshal detection_result: %w", err)
		}
		wf.DetectionResult = &v
	}
	if verificationResult.Valid {
		var v models.VerificationReport
		if err := json.Unmarshal([]byte(verificationResult.String), &v); err != nil {
			return nil, fmt.Errorf("unmarshal verification_result: %w", err)
		}
		wf.VerificationResult = &v
	}
	if fixingResult.Valid {
		var v models.FixResult
		if err := json.Unmarshal([]byte(fixingResult.String), &v); err != nil {
			return nil, fmt.Errorf("unmarshal fixing_result: %w", err)
		}
		wf.FixingResult = &v
	}
	if learningResult.Valid {
		var v models.LearningResult
		if err := json.Unmarshal([]byte(learningResult.String), &v); err != nil {
			return nil, fmt.Errorf("unmarshal learning_result: %w", err)
		}
		wf.LearningResult = &v
	}

	return &wf, nil
}

func marshalOrNil(v interface{}) interface{} {
	if v == nil {
		return nil
	}
	switch t := v.(type) {
	case *models.TestExecutionResult:
		if t == nil {
			return nil
		}
	case *models.DetectionResult:
		if t == nil {
			return nil
		}
	case *models.VerificationReport:
		if t == nil {
			return nil
		}
	case *models.FixResult:
		if t == nil {
			return nil
		}
	case *models.LearningResult:
		if t == nil {
			return nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil || string(b) == "null" {
		return nil
	}
	return string(b)
}
