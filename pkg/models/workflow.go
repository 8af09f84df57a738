package models

import "time"

// Stage is a phase in the test pipeline, plus sentinel pending/completed/failed.
type Stage string

const (
	StagePending      Stage = "pending"
	StageExecution    Stage = "execution"
	StageDetection    Stage = "detection"
	StageVerification Stage = "verification"
	StageFixing       Stage = "fixing"
	StageLearning     Stage = "learning"
	StageCompleted    Stage = "completed"
	StageFailed       Stage = "failed"
)

// TestType is the kind of test a Workflow drives through the pipeline.
type TestType string

const (
	TestTypeUI          TestType = "ui"
	TestTypeAPI         TestType = "api"
	TestTypeUnit        TestType = "unit"
	TestTypeIntegration TestType = "integration"
)

// WorkflowStatus is the coarse-grained lifecycle state of a Workflow.
type WorkflowStatus string

const (
	WorkflowPending    WorkflowStatus = "pending"
	WorkflowInProgress WorkflowStatus = "in_progress"
	WorkflowCompleted  WorkflowStatus = "completed"
	WorkflowFailed     WorkflowStatus = "failed"
)

// Workflow is one test run through the pipeline.
type Workflow struct {
	ID       int64    `json:"id" db:"id"`
	TestID   string   `json:"test_id" db:"test_id"`
	EpicID   string   `json:"epic_id" db:"epic_id"`
	TestType TestType `json:"test_type" db:"test_type"`

	CurrentStage Stage          `json:"current_stage" db:"current_stage"`
	Status       WorkflowStatus `json:"status" db:"status"`

	ExecutionResult    *TestExecutionResult `json:"execution_result,omitempty" db:"execution_result"`
	DetectionResult    *DetectionResult     `json:"detection_result,omitempty" db:"detection_result"`
	VerificationResult *VerificationReport  `json:"verification_result,omitempty" db:"verification_result"`
	FixingResult       *FixResult           `json:"fixing_result,omitempty" db:"fixing_result"`
	LearningResult     *LearningResult      `json:"learning_result,omitempty" db:"learning_result"`

	StartedAt   time.Time  `json:"started_at" db:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty" db:"completed_at"`
	DurationMs  int64      `json:"duration_ms" db:"duration_ms"`

	RetryCount   int     `json:"retry_count" db:"retry_count"`
	ErrorMessage *string `json:"error_message,omitempty" db:"error_message"`
	Escalated    bool    `json:"escalated" db:"escalated"`

	// Version is an optimistic-concurrency counter: every persisted
	// mutation increments it, and a writer whose expected version is
	// stale loses with Conflict.
	Version int64 `json:"version" db:"version"`
}

// Duration recomputes DurationMs from StartedAt/CompletedAt.
func (w *Workflow) Duration() time.Duration {
	if w.CompletedAt == nil {
		return 0
	}
	return w.CompletedAt.Sub(w.StartedAt)
}

// IsTerminal reports whether the workflow can no longer transition.
func (w *Workflow) IsTerminal() bool {
	return w.CurrentStage == StageCompleted || w.CurrentStage == StageFailed
}

// WorkflowTransition is the audit event produced by the State Machine on
// every stage change, mirrored into the append-only workflow_transitions
// history.
type WorkflowTransition struct {
	WorkflowID int64     `json:"workflow_id"`
	FromStage  Stage     `json:"from_stage"`
	ToStage    Stage     `json:"to_stage"`
	Timestamp  time.Time `json:"timestamp"`
	Reason     string    `json:"reason"`
}
