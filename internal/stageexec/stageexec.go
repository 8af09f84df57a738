// Package stageexec is the uniform entry point for running a single
// pipeline stage: five pluggable collaborators, each call bounded by a
// per-stage timeout and wrapped in its own circuit breaker so one
// misbehaving collaborator can't starve the others.
package stageexec

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"

	"stationkernel/internal/kernelerr"
	"stationkernel/pkg/models"
)

// TestRunner executes a test and reports the outcome (execution stage).
type TestRunner interface {
	RunTest(ctx context.Context, wf *models.Workflow) (*models.TestExecutionResult, error)
}

// RedFlagDetector scans a completed execution for anomalies (detection stage).
type RedFlagDetector interface {
	Detect(ctx context.Context, wf *models.Workflow) (*models.DetectionResult, error)
}

// IndependentVerifier cross-checks a flagged or completed test (verification stage).
type IndependentVerifier interface {
	Verify(ctx context.Context, wf *models.Workflow) (*models.VerificationReport, error)
}

// FixAgent attempts a repair when verification concerns justify one (fixing stage).
type FixAgent interface {
	Fix(ctx context.Context, wf *models.Workflow) (*models.FixResult, error)
}

// LearningExtractor distills reusable patterns from a finished run (learning stage).
type LearningExtractor interface {
	Extract(ctx context.Context, wf *models.Workflow) (*models.LearningResult, error)
}

// Collaborators bundles every stage's collaborator. A nil field means that
// stage is not wired for this deployment and Execute returns an error for it.
type Collaborators struct {
	Runner    TestRunner
	Detector  RedFlagDetector
	Verifier  IndependentVerifier
	Fixer     FixAgent
	Extractor LearningExtractor
}

// StageTimeouts gives each stage its own timeout budget; no stage runs
// unbounded. Zero means use DefaultTimeout.
type StageTimeouts map[models.Stage]time.Duration

// DefaultTimeout applies to any stage StageTimeouts doesn't override.
const DefaultTimeout = 5 * time.Minute

// SeedLearningExtractor is the built-in learning collaborator: it derives
// patterns from the workflow's earlier stage results alone, with no
// external analyzer. The seed rule: a verified workflow yields one
// "success" pattern carrying the verification confidence; red flags that
// were verified away each yield a "resolved_flag" pattern.
type SeedLearningExtractor struct{}

// Extract applies the seed rules to wf's stored results.
func (SeedLearningExtractor) Extract(ctx context.Context, wf *models.Workflow) (*models.LearningResult, error) {
	result := &models.LearningResult{
		TestID:      wf.TestID,
		Patterns:    []models.Pattern{},
		ExtractedAt: time.Now().UTC(),
	}
	if wf.VerificationResult != nil && wf.VerificationResult.Verified {
		result.Patterns = append(result.Patterns, models.Pattern{
			Type:       "success",
			Confidence: wf.VerificationResult.Confidence,
		})
		if wf.DetectionResult != nil {
			for _, flag := range wf.DetectionResult.RedFlags {
				result.Patterns = append(result.Patterns, models.Pattern{
					Type:       "resolved_flag",
					Confidence: wf.VerificationResult.Confidence,
					Details:    flag.Check,
				})
			}
		}
	}
	if wf.FixingResult != nil && wf.FixingResult.Success {
		result.Patterns = append(result.Patterns, models.Pattern{
			Type:    "fix",
			Details: wf.FixingResult.FixStrategy,
		})
	}
	return result, nil
}

// Executor is the Stage Executor.
type Executor struct {
	collab   Collaborators
	timeouts StageTimeouts
	breakers map[models.Stage]*gobreaker.CircuitBreaker
}

// New builds an Executor, constructing one circuit breaker per stage that
// has a collaborator wired. The learning stage always has one: when no
// external LearningExtractor is injected, the built-in seed extractor
// runs instead, so learning never depends on an external runtime.
func New(collab Collaborators, timeouts StageTimeouts) *Executor {
	if collab.Extractor == nil {
		collab.Extractor = SeedLearningExtractor{}
	}
	e := &Executor{collab: collab, timeouts: timeouts, breakers: make(map[models.Stage]*gobreaker.CircuitBreaker)}
	for _, stage := range []models.Stage{models.StageExecution, models.StageDetection, models.StageVerification, models.StageFixing, models.StageLearning} {
		stage := stage
		e.breakers[stage] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        string(stage),
			MaxRequests: 1,
			Interval:    30 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
		})
	}
	return e
}

func (e *Executor) timeoutFor(stage models.Stage) time.Duration {
	if d, ok := e.timeouts[stage]; ok && d > 0 {
		return d
	}
	return DefaultTimeout
}

// Execute runs the collaborator bound to stage against wf, enforcing the
// stage's timeout and circuit breaker, and returns the uniform
// models.StageResult envelope.
func (e *Executor) Execute(ctx context.Context, stage models.Stage, wf *models.Workflow) *models.StageResult {
	start := time.Now()
	breaker, ok := e.breakers[stage]
	if !ok {
		return &models.StageResult{Success: false, Error: fmt.Sprintf("no executor wired for stage %s", stage)}
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeoutFor(stage))
	defer cancel()

	data, err := breaker.Execute(func() (interface{}, error) {
		return e.dispatch(ctx, stage, wf)
	})

	result := &models.StageResult{DurationMs: time.Since(start).Milliseconds()}
	if err != nil {
		result.Success = false
		switch {
		case errors.Is(ctx.Err(), context.Canceled):
			// The Orchestrator short-circuits on this exact string without
			// delegating to the Error Handler.
			result.Error = "cancelled"
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			result.Error = "timeout"
		default:
			result.Error = err.Error()
		}
		return result
	}

	result.Success = true
	result.Data = data
	return result
}

func (e *Executor) dispatch(ctx context.Context, stage models.Stage, wf *models.Workflow) (interface{}, error) {
	switch stage {
	case models.StageExecution:
		if e.collab.Runner == nil {
			return nil, kernelerr.Wrap(kernelerr.ErrUnavailable, "no TestRunner wired")
		}
		return e.collab.Runner.RunTest(ctx, wf)
	case models.StageDetection:
		if e.collab.Detector == nil {
			return nil, kernelerr.Wrap(kernelerr.ErrUnavailable, "no RedFlagDetector wired")
		}
		return e.collab.Detector.Detect(ctx, wf)
	case models.StageVerification:
		if e.collab.Verifier == nil {
			return nil, kernelerr.Wrap(kernelerr.ErrUnavailable, "no IndependentVerifier wired")
		}
		return e.collab.Verifier.Verify(ctx, wf)
	case models.StageFixing:
		if e.collab.Fixer == nil {
			return nil, kernelerr.Wrap(kernelerr.ErrUnavailable, "no FixAgent wired")
		}
		return e.collab.Fixer.Fix(ctx, wf)
	case models.StageLearning:
		if e.collab.Extractor == nil {
			return nil, kernelerr.Wrap(kernelerr.ErrUnavailable, "no LearningExtractor wired")
		}
		return e.collab.Extractor.Extract(ctx, wf)
	default:
		return nil, kernelerr.Wrap(kernelerr.ErrValidation, "stage %s has no executable collaborator", stage)
	}
}
