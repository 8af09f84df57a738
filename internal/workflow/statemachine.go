// Package workflow is the per-test state machine: the Stage transition
// table, result storage, retry/escalation bookkeeping, and the
// optimistic-concurrency write path against
// internal/db/repositories.WorkflowRepo.
package workflow

import (
	"context"
	"fmt"
	"log"
	"time"

	"stationkernel/internal/db/repositories"
	"stationkernel/internal/kernelerr"
	"stationkernel/pkg/models"
)

// transitions is the fixed Stage transition table: every key is a legal
// current stage, mapping to the set of stages it may advance to.
var transitions = map[models.Stage][]models.Stage{
	models.StagePending:      {models.StageExecution},
	models.StageExecution:    {models.StageDetection, models.StageFailed},
	models.StageDetection:    {models.StageVerification, models.StageFailed},
	models.StageVerification: {models.StageFixing, models.StageLearning, models.StageFailed},
	models.StageFixing:       {models.StageVerification, models.StageLearning, models.StageFailed},
	models.StageLearning:     {models.StageCompleted, models.StageFailed},
	models.StageCompleted:    {},
	models.StageFailed:       {},
}

// CanTransition reports whether from->to is a legal move in the table.
func CanTransition(from, to models.Stage) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Machine is the Workflow State Machine.
type Machine struct {
	workflows *repositories.WorkflowRepo
}

// New builds a Machine over repo.
func New(repo *repositories.WorkflowRepo) *Machine {
	return &Machine{workflows: repo}
}

// Create starts a new workflow at StagePending.
func (m *Machine) Create(ctx context.Context, testID, epicID string, testType models.TestType) (*models.Workflow, error) {
	return m.workflows.Create(ctx, &models.Workflow{
		TestID:       testID,
		EpicID:       epicID,
		TestType:     testType,
		CurrentStage: models.StagePending,
		Status:       models.WorkflowPending,
		StartedAt:    time.Now().UTC(),
	})
}

// Get loads a workflow by test id.
func (m *Machine) Get(ctx context.Context, testID string) (*models.Workflow, error) {
	return m.workflows.Get(ctx, testID)
}

// ListByEpic returns every workflow for an epic.
func (m *Machine) ListByEpic(ctx context.Context, epicID string) ([]*models.Workflow, error) {
	return m.workflows.ListByEpic(ctx, epicID)
}

// Transition advances wf from its current stage to to, failing with
// kernelerr.ErrInvalidTransition if the move isn't in the table, and with
// kernelerr.ErrConflict if wf.Version is stale by the time the write
// lands. Illegal transitions and stale writes both fail loudly rather
// than silently applying.
func (m *Machine) Transition(ctx context.Context, wf *models.Workflow, to models.Stage) (*models.Workflow, error) {
	if wf.IsTerminal() {
		return nil, kernelerr.Wrap(kernelerr.ErrInvalidTransition, "workflow %s is terminal at stage %s", wf.TestID, wf.CurrentStage)
	}
	if !CanTransition(wf.CurrentStage, to) {
		return nil, kernelerr.Wrap(kernelerr.ErrInvalidTransition, "workflow %s cannot move %s -> %s", wf.TestID, wf.CurrentStage, to)
	}

	next := *wf
	next.CurrentStage = to
	next.Status = models.WorkflowInProgress
	if to == models.StageCompleted {
		next.Status = models.WorkflowCompleted
		now := time.Now().UTC()
		next.CompletedAt = &now
	}
	if to == models.StageFailed {
		next.Status = models.WorkflowFailed
		now := time.Now().UTC()
		next.CompletedAt = &now
	}

	updated, err := m.workflows.Update(ctx, &next)
	if err != nil {
		return nil, err
	}
	m.recordTransition(ctx, updated, wf.CurrentStage, to, "transition")
	return updated, nil
}

// Complete moves wf to StageCompleted via the transition table; only
// legal from StageLearning.
func (m *Machine) Complete(ctx context.Context, wf *models.Workflow) (*models.Workflow, error) {
	return m.Transition(ctx, wf, models.StageCompleted)
}

// recordTransition mirrors a transition into the append-only history.
// History is an audit trail, not a correctness dependency: a failed write
// is logged, never surfaced.
func (m *Machine) recordTransition(ctx context.Context, wf *models.Workflow, from, to models.Stage, reason string) {
	err := m.workflows.RecordTransition(ctx, &models.WorkflowTransition{
		WorkflowID: wf.ID,
		FromStage:  from,
		ToStage:    to,
		Timestamp:  time.Now().UTC(),
		Reason:     reason,
	})
	if err != nil {
		log.Printf("[StateMachine] record transition %s -> %s for %s failed: %v", from, to, wf.TestID, err)
	}
}

// Transitions returns wf's recorded transition history, oldest first.
func (m *Machine) Transitions(ctx context.Context, wf *models.Workflow) ([]*models.WorkflowTransition, error) {
	return m.workflows.ListTransitions(ctx, wf.ID)
}

// requireStage fails with kernelerr.ErrValidation unless wf is currently
// sitting in the stage that produces the result being stored: a result
// written from any other stage would corrupt the audit trail.
func requireStage(wf *models.Workflow, want models.Stage) error {
	if wf.CurrentStage != want {
		return kernelerr.Wrap(kernelerr.ErrValidation, "workflow %s is at stage %s, cannot store a %s result", wf.TestID, wf.CurrentStage, want)
	}
	return nil
}

// StoreExecutionResult attaches a TestExecutionResult without changing
// stage (callers transition separately).
func (m *Machine) StoreExecutionResult(ctx context.Context, wf *models.Workflow, result *models.TestExecutionResult) (*models.Workflow, error) {
	if err := requireStage(wf, models.StageExecution); err != nil {
		return nil, err
	}
	next := *wf
	next.ExecutionResult = result
	return m.workflows.Update(ctx, &next)
}

// StoreDetectionResult attaches a DetectionResult.
func (m *Machine) StoreDetectionResult(ctx context.Context, wf *models.Workflow, result *models.DetectionResult) (*models.Workflow, error) {
	if err := requireStage(wf, models.StageDetection); err != nil {
		return nil, err
	}
	next := *wf
	next.DetectionResult = result
	return m.workflows.Update(ctx, &next)
}

// StoreVerificationResult attaches a VerificationReport.
func (m *Machine) StoreVerificationResult(ctx context.Context, wf *models.Workflow, result *models.VerificationReport) (*models.Workflow, error) {
	if err := requireStage(wf, models.StageVerification); err != nil {
		return nil, err
	}
	next := *wf
	next.VerificationResult = result
	return m.workflows.Update(ctx, &next)
}

// StoreFixingResult attaches a FixResult.
func (m *Machine) StoreFixingResult(ctx context.Context, wf *models.Workflow, result *models.FixResult) (*models.Workflow, error) {
	if err := requireStage(wf, models.StageFixing); err != nil {
		return nil, err
	}
	next := *wf
	next.FixingResult = result
	return m.workflows.Update(ctx, &next)
}

// StoreLearningResult attaches a LearningResult.
func (m *Machine) StoreLearningResult(ctx context.Context, wf *models.Workflow, result *models.LearningResult) (*models.Workflow, error) {
	if err := requireStage(wf, models.StageLearning); err != nil {
		return nil, err
	}
	next := *wf
	next.LearningResult = result
	return m.workflows.Update(ctx, &next)
}

// IncrementRetry bumps the retry counter before a stage is re-run;
// retries are counted, not unbounded.
func (m *Machine) IncrementRetry(ctx context.Context, wf *models.Workflow) (*models.Workflow, error) {
	next := *wf
	next.RetryCount++
	return m.workflows.Update(ctx, &next)
}

// Fail moves wf straight to StageFailed regardless of the normal table,
// recording errMsg. The Error Handler and the Orchestrator's
// cancellation/timeout paths are the only expected callers. On a
// workflow that is already terminal only error_message is updated; the
// terminal stage, status, and completion time stay untouched.
func (m *Machine) Fail(ctx context.Context, wf *models.Workflow, errMsg string) (*models.Workflow, error) {
	next := *wf
	next.ErrorMessage = &errMsg
	if !wf.IsTerminal() {
		next.CurrentStage = models.StageFailed
		next.Status = models.WorkflowFailed
		now := time.Now().UTC()
		next.CompletedAt = &now
	}
	updated, err := m.workflows.Update(ctx, &next)
	if err != nil {
		return nil, err
	}
	m.recordTransition(ctx, updated, wf.CurrentStage, updated.CurrentStage, errMsg)
	return updated, nil
}

// Escalate marks wf escalated and, when not yet terminal, structurally
// failed: an escalation mid-pipeline forces the terminal transition
// itself, so escalated=true implies a failed status by construction
// rather than convention. A workflow that already reached a terminal
// stage keeps it; only escalated and error_message are updated then.
func (m *Machine) Escalate(ctx context.Context, wf *models.Workflow, reason string) (*models.Workflow, error) {
	next := *wf
	next.Escalated = true
	next.ErrorMessage = &reason
	if !wf.IsTerminal() {
		next.CurrentStage = models.StageFailed
		next.Status = models.WorkflowFailed
		now := time.Now().UTC()
		next.CompletedAt = &now
	}
	updated, err := m.workflows.Update(ctx, &next)
	if err != nil {
		return nil, fmt.Errorf("escalate workflow %s: %w", wf.TestID, err)
	}
	m.recordTransition(ctx, updated, wf.CurrentStage, updated.CurrentStage, reason)
	return updated, nil
}
