// Package errorhandler classifies a stage failure as retryable or
// terminal, drives the retry/escalate decision, and emits the escalation
// handoff document when a workflow is terminally escalated.
package errorhandler

import (
	"context"
	"fmt"
	"log"
	"regexp"
	"time"

	"stationkernel/internal/kernelerr"
	"stationkernel/internal/metrics"
	"stationkernel/internal/workflow"
	"stationkernel/pkg/models"
)

// retryablePatterns is the closed set of message patterns treated as
// transient. Order doesn't matter; first match wins.
var retryablePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)network`),
	regexp.MustCompile(`(?i)timeout`),
	regexp.MustCompile(`(?i)ECONNREFUSED`),
	regexp.MustCompile(`(?i)ETIMEDOUT`),
	regexp.MustCompile(`(?i)temporary`),
	regexp.MustCompile(`(?i)transient`),
	regexp.MustCompile(`(?i)rate limit`),
}

// IsRetryable reports whether errMsg matches any retryable pattern.
func IsRetryable(errMsg string) bool {
	for _, p := range retryablePatterns {
		if p.MatchString(errMsg) {
			return true
		}
	}
	return false
}

// Decision is what the Orchestrator should do next after a stage failure.
type Decision string

const (
	DecisionRetry    Decision = "retry"
	DecisionEscalate Decision = "escalate"
)

// HandoffWriter persists an escalation handoff document and returns a
// reference (path or object key) the caller can surface to a
// human. Implemented by internal/errorhandler's file-based writer in
// production; injected here so tests can substitute an in-memory stub.
type HandoffWriter interface {
	Write(ctx context.Context, wf *models.Workflow, doc HandoffDocument) (string, error)
}

// HandoffDocument is the structured content backing the markdown handoff
// artifact: Status, Reason for Escalation, Error Details, Workflow
// Progress, Next Steps.
type HandoffDocument struct {
	TestID        string
	EpicID        string
	Status        string
	Reason        string
	ErrorDetails  string
	StageProgress []StageProgressEntry
	NextSteps     []string
	GeneratedAt   time.Time
}

// StageProgressEntry is one row of the Workflow Progress section.
type StageProgressEntry struct {
	Stage     models.Stage
	Completed bool
	Result    interface{}
}

// Handler is the Error Handler.
type Handler struct {
	machine    *workflow.Machine
	handoff    HandoffWriter
	metrics    *metrics.Metrics
	maxRetries int
}

// New builds a Handler. maxRetries mirrors the max_retries config
// (default 3). m may be nil, in which case retry/escalation counters are
// skipped.
func New(machine *workflow.Machine, handoff HandoffWriter, m *metrics.Metrics, maxRetries int) *Handler {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Handler{machine: machine, handoff: handoff, metrics: m, maxRetries: maxRetries}
}

// Handle classifies errMsg against wf's current retry_count and either
// increments the retry counter and returns DecisionRetry, or escalates
// and fails the workflow, returning DecisionEscalate and the handoff
// reference embedded in the returned error.
func (h *Handler) Handle(ctx context.Context, wf *models.Workflow, stage models.Stage, errMsg string) (Decision, *models.Workflow, error) {
	if IsRetryable(errMsg) && wf.RetryCount < h.maxRetries {
		updated, err := h.machine.IncrementRetry(ctx, wf)
		if err != nil {
			return "", nil, fmt.Errorf("increment retry for %s: %w", wf.TestID, err)
		}
		if h.metrics != nil {
			h.metrics.IncRetry()
		}
		log.Printf("[ErrorHandler] %s: retryable error at stage %s (attempt %d/%d): %s",
			wf.TestID, stage, updated.RetryCount, h.maxRetries, errMsg)
		return DecisionRetry, updated, nil
	}

	return h.escalate(ctx, wf, stage, errMsg)
}

// escalate marks wf escalated+failed and emits the handoff artifact. It is
// also the terminal path for kernelerr.ErrEscalated and non-retryable
// errors, and for retryable errors that have exhausted max_retries.
func (h *Handler) escalate(ctx context.Context, wf *models.Workflow, stage models.Stage, errMsg string) (Decision, *models.Workflow, error) {
	reason := fmt.Sprintf("Escalated: exhausted retries or non-retryable error at stage %s: %s", stage, errMsg)

	escalated, err := h.machine.Escalate(ctx, wf, reason)
	if err != nil {
		return "", nil, fmt.Errorf("escalate %s: %w", wf.TestID, err)
	}
	if h.metrics != nil {
		h.metrics.IncEscalation()
	}

	ref, handoffErr := h.handoff.Write(ctx, escalated, h.buildDocument(escalated, stage, errMsg))
	if handoffErr != nil {
		log.Printf("[ErrorHandler] %s: escalated but handoff write failed: %v", wf.TestID, handoffErr)
		return DecisionEscalate, escalated, kernelerr.Wrap(kernelerr.ErrEscalated, "%s (handoff write failed: %v)", reason, handoffErr)
	}

	log.Printf("[ErrorHandler] %s: escalated, handoff at %s", wf.TestID, ref)
	return DecisionEscalate, escalated, kernelerr.Wrap(kernelerr.ErrEscalated, "%s (handoff: %s)", reason, ref)
}

func (h *Handler) buildDocument(wf *models.Workflow, stage models.Stage, errMsg string) HandoffDocument {
	return HandoffDocument{
		TestID:       wf.TestID,
		EpicID:       wf.EpicID,
		Status:       string(wf.Status),
		Reason:       fmt.Sprintf("Stage %s failed: %s", stage, errMsg),
		ErrorDetails: errMsg,
		StageProgress: []StageProgressEntry{
			{Stage: models.StageExecution, Completed: wf.ExecutionResult != nil, Result: wf.ExecutionResult},
			{Stage: models.StageDetection, Completed: wf.DetectionResult != nil, Result: wf.DetectionResult},
			{Stage: models.StageVerification, Completed: wf.VerificationResult != nil, Result: wf.VerificationResult},
			{Stage: models.StageFixing, Completed: wf.FixingResult != nil, Result: wf.FixingResult},
			{Stage: models.StageLearning, Completed: wf.LearningResult != nil, Result: wf.LearningResult},
		},
		NextSteps: []string{
			"Review the stage progress and error details below.",
			"Re-run the test manually once the underlying cause is addressed.",
			"If the failure is systemic, file a follow-up issue against the collaborator.",
		},
		GeneratedAt: time.Now().UTC(),
	}
}
