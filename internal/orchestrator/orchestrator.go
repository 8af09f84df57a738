// Package orchestrator drives one workflow through every stage of the
// Stage Executor, applies the routing policy after verification/fixing,
// delegates failures to the Error Handler, and emits the epic_*/test_*
// boundary events.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"stationkernel/internal/commandlog"
	"stationkernel/internal/errorhandler"
	"stationkernel/internal/eventstore"
	"stationkernel/internal/kernelerr"
	"stationkernel/internal/metrics"
	"stationkernel/internal/stageexec"
	"stationkernel/internal/workflow"
	"stationkernel/pkg/models"
)

// maxFixLoops bounds the verification<->fixing loop independent of
// retry_count, which the routing policy gates on but never increments.
// It is a safety net against a verifier/fixer pair that never converges,
// so it is neither persisted nor surfaced.
const maxFixLoops = 25

// Orchestrator is the Workflow Orchestrator.
type Orchestrator struct {
	machine    *workflow.Machine
	executor   *stageexec.Executor
	handler    *errorhandler.Handler
	events     *eventstore.Store
	commands   *commandlog.Log
	metrics    *metrics.Metrics
	maxRetries int
	overall    time.Duration
}

// New builds an Orchestrator over its collaborators. overallTimeout
// should be config.StageTimeouts.OverallTimeout(), the sum of stage
// timeouts x1.5. m may be nil, in which case stage metrics are skipped.
func New(machine *workflow.Machine, executor *stageexec.Executor, handler *errorhandler.Handler, events *eventstore.Store, commands *commandlog.Log, m *metrics.Metrics, maxRetries int, overallTimeout time.Duration) *Orchestrator {
	return &Orchestrator{
		machine:    machine,
		executor:   executor,
		handler:    handler,
		events:     events,
		commands:   commands,
		metrics:    m,
		maxRetries: maxRetries,
		overall:    overallTimeout,
	}
}

// Run drives testID through the full pipeline on behalf of instanceID
// (used to scope emitted events; pass "" to skip event emission, e.g. in
// tests that exercise only workflow/stage mechanics).
func (o *Orchestrator) Run(ctx context.Context, instanceID, testID, epicID string, testType models.TestType) (*models.Workflow, error) {
	wf, err := o.machine.Create(ctx, testID, epicID, testType)
	if err != nil {
		return nil, fmt.Errorf("create workflow %s: %w", testID, err)
	}

	overallCtx, cancel := context.WithTimeout(ctx, o.overall)
	defer cancel()

	o.emit(overallCtx, instanceID, models.EventEpicStarted, map[string]interface{}{"epic_id": epicID, "test_id": testID})

	wf, err = o.machine.Transition(overallCtx, wf, models.StageExecution)
	if err != nil {
		return nil, fmt.Errorf("start workflow %s: %w", testID, err)
	}
	o.emit(overallCtx, instanceID, models.EventTestStarted, map[string]interface{}{"test_id": testID})

	stage := models.StageExecution
	fixLoops := 0

	for {
		if overallCtx.Err() != nil {
			return o.failOverall(ctx, wf, instanceID, overallCtx.Err())
		}

		result := o.executor.Execute(overallCtx, stage, wf)
		o.logCommand(overallCtx, instanceID, stage, result)
		if o.metrics != nil {
			o.metrics.ObserveStage(stage, float64(result.DurationMs)/1000, result.Success)
		}

		if !result.Success {
			if result.Error == "cancelled" {
				return o.failTerminal(ctx, wf, instanceID, "cancelled")
			}
			if overallCtx.Err() != nil {
				// The overall deadline expired mid-stage; the stage's own
				// "timeout" error must not count as a retryable attempt.
				return o.failOverall(ctx, wf, instanceID, overallCtx.Err())
			}

			decision, updated, herr := o.handler.Handle(overallCtx, wf, stage, result.Error)
			if herr != nil && decision != errorhandler.DecisionRetry {
				if stage == models.StageExecution {
					o.emit(overallCtx, instanceID, models.EventTestFailed, map[string]interface{}{"test_id": testID, "error": result.Error})
				}
				o.emit(overallCtx, instanceID, models.EventEpicFailed, map[string]interface{}{"epic_id": epicID, "test_id": testID, "error": herr.Error()})
				return updated, herr
			}
			wf = updated
			continue // DecisionRetry: re-run the same stage
		}

		wf, err = o.storeResult(overallCtx, wf, stage, result.Data)
		if err != nil {
			return nil, fmt.Errorf("store %s result for %s: %w", stage, testID, err)
		}

		if stage == models.StageExecution {
			o.emitExecutionOutcome(overallCtx, instanceID, wf)
		}

		next, escalationReason, err := o.route(wf, stage, &fixLoops)
		if err != nil {
			return nil, err
		}
		if escalationReason != "" {
			// Both "verification retries exhausted" and "fix attempt failed"
			// route through the Error Handler, not a direct Fail call, so
			// the escalation always produces a handoff artifact.
			_, updated, herr := o.handler.Handle(overallCtx, wf, stage, escalationReason)
			errText := escalationReason
			if herr != nil {
				errText = herr.Error()
			}
			o.emit(overallCtx, instanceID, models.EventEpicFailed, map[string]interface{}{"epic_id": epicID, "test_id": testID, "error": errText})
			return updated, herr
		}

		wf, err = o.machine.Transition(overallCtx, wf, next)
		if err != nil {
			return nil, fmt.Errorf("transition %s -> %s for %s: %w", stage, next, testID, err)
		}
		stage = next

		if stage == models.StageCompleted {
			o.emit(overallCtx, instanceID, models.EventEpicCompleted, map[string]interface{}{"epic_id": epicID, "test_id": testID})
			return wf, nil
		}
	}
}

// route picks the next stage: the linear happy path plus the
// verification<->fixing loop. It returns the next stage to transition
// into, or a non-empty escalationReason meaning the workflow must be
// handed to the Error Handler instead of transitioning further.
func (o *Orchestrator) route(wf *models.Workflow, stage models.Stage, fixLoops *int) (next models.Stage, escalationReason string, err error) {
	switch stage {
	case models.StageExecution:
		return models.StageDetection, "", nil
	case models.StageDetection:
		return models.StageVerification, "", nil
	case models.StageVerification:
		if wf.VerificationResult == nil {
			return "", "", kernelerr.Wrap(kernelerr.ErrValidation, "workflow %s has no verification result to route on", wf.TestID)
		}
		if wf.VerificationResult.Verified {
			return models.StageLearning, "", nil
		}
		if wf.RetryCount < o.maxRetries && *fixLoops < maxFixLoops {
			*fixLoops++
			return models.StageFixing, "", nil
		}
		return "", "verification did not converge within max_retries", nil
	case models.StageFixing:
		if wf.FixingResult == nil {
			return "", "", kernelerr.Wrap(kernelerr.ErrValidation, "workflow %s has no fixing result to route on", wf.TestID)
		}
		if wf.FixingResult.Success {
			return models.StageVerification, "", nil
		}
		return "", fmt.Sprintf("fix attempt failed: strategy=%s", wf.FixingResult.FixStrategy), nil
	case models.StageLearning:
		return models.StageCompleted, "", nil
	default:
		return "", "", kernelerr.Wrap(kernelerr.ErrValidation, "no routing rule for stage %s", stage)
	}
}

func (o *Orchestrator) storeResult(ctx context.Context, wf *models.Workflow, stage models.Stage, data interface{}) (*models.Workflow, error) {
	switch stage {
	case models.StageExecution:
		res, ok := data.(*models.TestExecutionResult)
		if !ok {
			return nil, kernelerr.Wrap(kernelerr.ErrValidation, "execution stage returned %T, want *TestExecutionResult", data)
		}
		return o.machine.StoreExecutionResult(ctx, wf, res)
	case models.StageDetection:
		res, ok := data.(*models.DetectionResult)
		if !ok {
			return nil, kernelerr.Wrap(kernelerr.ErrValidation, "detection stage returned %T, want *DetectionResult", data)
		}
		return o.machine.StoreDetectionResult(ctx, wf, res)
	case models.StageVerification:
		res, ok := data.(*models.VerificationReport)
		if !ok {
			return nil, kernelerr.Wrap(kernelerr.ErrValidation, "verification stage returned %T, want *VerificationReport", data)
		}
		return o.machine.StoreVerificationResult(ctx, wf, res)
	case models.StageFixing:
		res, ok := data.(*models.FixResult)
		if !ok {
			return nil, kernelerr.Wrap(kernelerr.ErrValidation, "fixing stage returned %T, want *FixResult", data)
		}
		return o.machine.StoreFixingResult(ctx, wf, res)
	case models.StageLearning:
		res, ok := data.(*models.LearningResult)
		if !ok {
			return nil, kernelerr.Wrap(kernelerr.ErrValidation, "learning stage returned %T, want *LearningResult", data)
		}
		return o.machine.StoreLearningResult(ctx, wf, res)
	default:
		return nil, kernelerr.Wrap(kernelerr.ErrValidation, "stage %s produces no storable result", stage)
	}
}

func (o *Orchestrator) emitExecutionOutcome(ctx context.Context, instanceID string, wf *models.Workflow) {
	if wf.ExecutionResult == nil {
		return
	}
	if wf.ExecutionResult.Passed {
		o.emit(ctx, instanceID, models.EventTestPassed, map[string]interface{}{"test_id": wf.TestID})
	} else {
		o.emit(ctx, instanceID, models.EventTestFailed, map[string]interface{}{"test_id": wf.TestID})
	}
}

// failOverall handles the combined workflow_timeout / cancelled
// short-circuit paths: a breached overall deadline fails
// with error_message="workflow_timeout"; an upstream cancellation fails
// with "cancelled". Neither goes through the Error Handler; both are
// terminal with no retry.
func (o *Orchestrator) failOverall(parent context.Context, wf *models.Workflow, instanceID string, cause error) (*models.Workflow, error) {
	msg := "workflow_timeout"
	if errors.Is(cause, context.Canceled) {
		msg = "cancelled"
	}
	return o.failTerminal(parent, wf, instanceID, msg)
}

func (o *Orchestrator) failTerminal(ctx context.Context, wf *models.Workflow, instanceID, msg string) (*models.Workflow, error) {
	// The caller's context may already be cancelled or expired; the
	// terminal bookkeeping still has to land, so it runs on a fresh
	// short-lived context.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	failed, err := o.machine.Fail(ctx, wf, msg)
	if err != nil {
		return nil, fmt.Errorf("fail workflow %s (%s): %w", wf.TestID, msg, err)
	}
	o.emit(ctx, instanceID, models.EventEpicFailed, map[string]interface{}{"epic_id": wf.EpicID, "test_id": wf.TestID, "reason": msg})
	o.emit(ctx, instanceID, models.EventTestFailed, map[string]interface{}{"test_id": wf.TestID, "reason": msg})
	kind := kernelerr.ErrCancelled
	if msg == "workflow_timeout" {
		kind = kernelerr.ErrTimeout
	}
	return failed, kernelerr.Wrap(kind, "%s", msg)
}

func (o *Orchestrator) emit(ctx context.Context, instanceID string, eventType models.EventType, payload interface{}) {
	if instanceID == "" || o.events == nil {
		return
	}
	if _, err := o.events.Append(ctx, instanceID, eventType, payload, nil); err != nil {
		log.Printf("[Orchestrator] emit %s for %s failed: %v", eventType, instanceID, err)
	}
}

func (o *Orchestrator) logCommand(ctx context.Context, instanceID string, stage models.Stage, result *models.StageResult) {
	if instanceID == "" || o.commands == nil {
		return
	}
	if _, err := o.commands.Append(ctx, commandlog.Entry{
		InstanceID:      instanceID,
		CommandType:     models.CommandTypeAuto,
		Action:          fmt.Sprintf("stage:%s", stage),
		Result:          result.Data,
		Success:         result.Success,
		ErrorMessage:    errMsgPtr(result.Error),
		ExecutionTimeMs: result.DurationMs,
		Source:          "orchestrator",
	}); err != nil {
		log.Printf("[Orchestrator] log command for stage %s failed: %v", stage, err)
	}
}

func errMsgPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
