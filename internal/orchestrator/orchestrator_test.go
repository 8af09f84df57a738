package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stationkernel/internal/commandlog"
	"stationkernel/internal/db"
	"stationkernel/internal/db/repositories"
	"stationkernel/internal/errorhandler"
	"stationkernel/internal/eventstore"
	"stationkernel/internal/redaction"
	"stationkernel/internal/stageexec"
	"stationkernel/internal/workflow"
	"stationkernel/pkg/models"
)

type fakeRunner struct{ passed bool }

func (f fakeRunner) RunTest(ctx context.Context, wf *models.Workflow) (*models.TestExecutionResult, error) {
	return &models.TestExecutionResult{TestID: wf.TestID, Passed: f.passed, DurationMs: 10}, nil
}

type fakeDetector struct{}

func (fakeDetector) Detect(ctx context.Context, wf *models.Workflow) (*models.DetectionResult, error) {
	return &models.DetectionResult{TestID: wf.TestID}, nil
}

type fakeVerifier struct {
	verified   bool
	confidence int
}

func (f fakeVerifier) Verify(ctx context.Context, wf *models.Workflow) (*models.VerificationReport, error) {
	return &models.VerificationReport{Verified: f.verified, Confidence: f.confidence}, nil
}

type fakeFixer struct{ success bool }

func (f fakeFixer) Fix(ctx context.Context, wf *models.Workflow) (*models.FixResult, error) {
	return &models.FixResult{Success: f.success, FixStrategy: "retry-with-backoff"}, nil
}

type fakeExtractor struct{}

func (fakeExtractor) Extract(ctx context.Context, wf *models.Workflow) (*models.LearningResult, error) {
	return &models.LearningResult{TestID: wf.TestID}, nil
}

func newStack(t *testing.T, collab stageexec.Collaborators) (*Orchestrator, *workflow.Machine) {
	return newStackWithTimeout(t, collab, 10*time.Second)
}

func newStackWithTimeout(t *testing.T, collab stageexec.Collaborators, overall time.Duration) (*Orchestrator, *workflow.Machine) {
	t.Helper()
	repos := repositories.New(db.NewTest(t))
	machine := workflow.New(repos.Workflows)
	events := eventstore.New(repos.Events)
	commands := commandlog.New(repos.Commands, func() *redaction.Redactor { return redaction.NewDefault() })
	executor := stageexec.New(collab, stageexec.StageTimeouts{})
	handoff := &stubHandoffWriter{ref: "escalations/test.md"}
	handler := errorhandler.New(machine, handoff, nil, 3)
	orch := New(machine, executor, handler, events, commands, nil, 3, overall)
	return orch, machine
}

type stubHandoffWriter struct{ ref string }

func (s *stubHandoffWriter) Write(ctx context.Context, wf *models.Workflow, doc errorhandler.HandoffDocument) (string, error) {
	return s.ref, nil
}

func TestRun_HappyPathCompletesAllStages(t *testing.T) {
	orch, _ := newStack(t, stageexec.Collaborators{
		Runner:    fakeRunner{passed: true},
		Detector:  fakeDetector{},
		Verifier:  fakeVerifier{verified: true, confidence: 95},
		Extractor: fakeExtractor{},
	})

	wf, err := orch.Run(context.Background(), "", "t-ok", "epic-1", models.TestTypeAPI)
	require.NoError(t, err)
	assert.Equal(t, models.StageCompleted, wf.CurrentStage)
	assert.Equal(t, models.WorkflowCompleted, wf.Status)
	assert.NotNil(t, wf.ExecutionResult)
	assert.NotNil(t, wf.DetectionResult)
	assert.NotNil(t, wf.VerificationResult)
	assert.NotNil(t, wf.LearningResult)
}

func TestRun_FixLoopRecoversOnSecondVerification(t *testing.T) {
	verifyAttempts := 0
	verifier := verifierFunc(func(ctx context.Context, wf *models.Workflow) (*models.VerificationReport, error) {
		verifyAttempts++
		return &models.VerificationReport{Verified: verifyAttempts > 1, Confidence: 91}, nil
	})

	orch, _ := newStack(t, stageexec.Collaborators{
		Runner:    fakeRunner{passed: true},
		Detector:  fakeDetector{},
		Verifier:  verifier,
		Fixer:     fakeFixer{success: true},
		Extractor: fakeExtractor{},
	})

	wf, err := orch.Run(context.Background(), "", "t-fix", "epic-1", models.TestTypeAPI)
	require.NoError(t, err)
	assert.Equal(t, models.StageCompleted, wf.CurrentStage)
	assert.Equal(t, 2, verifyAttempts)
	assert.NotNil(t, wf.FixingResult)
	assert.True(t, wf.FixingResult.Success)
}

func TestRun_EscalatesWhenFixFails(t *testing.T) {
	orch, _ := newStack(t, stageexec.Collaborators{
		Runner:   fakeRunner{passed: true},
		Detector: fakeDetector{},
		Verifier: fakeVerifier{verified: false, confidence: 20},
		Fixer:    fakeFixer{success: false},
	})

	wf, err := orch.Run(context.Background(), "", "t-escalate", "epic-1", models.TestTypeAPI)
	require.Error(t, err)
	require.NotNil(t, wf)
	assert.True(t, wf.Escalated)
	assert.Equal(t, models.WorkflowFailed, wf.Status)
}

func TestRun_NoRunnerWiredFailsTerminal(t *testing.T) {
	orch, _ := newStack(t, stageexec.Collaborators{})

	wf, err := orch.Run(context.Background(), "", "t-no-runner", "epic-1", models.TestTypeUI)
	require.Error(t, err)
	require.NotNil(t, wf)
	assert.Equal(t, models.WorkflowFailed, wf.Status)
}

type slowRunner struct{ delay time.Duration }

func (s slowRunner) RunTest(ctx context.Context, wf *models.Workflow) (*models.TestExecutionResult, error) {
	select {
	case <-time.After(s.delay):
		return &models.TestExecutionResult{TestID: wf.TestID, Passed: true}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestRun_CancellationFailsWithoutRetry(t *testing.T) {
	orch, _ := newStack(t, stageexec.Collaborators{Runner: slowRunner{delay: time.Second}})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	wf, err := orch.Run(ctx, "", "t-cancel", "epic-1", models.TestTypeAPI)
	require.Error(t, err)
	require.NotNil(t, wf)
	assert.Equal(t, models.WorkflowFailed, wf.Status)
	require.NotNil(t, wf.ErrorMessage)
	assert.Equal(t, "cancelled", *wf.ErrorMessage)
	assert.Zero(t, wf.RetryCount)
}

func TestRun_OverallTimeoutFailsWithWorkflowTimeout(t *testing.T) {
	orch, _ := newStackWithTimeout(t, stageexec.Collaborators{Runner: slowRunner{delay: time.Second}}, 40*time.Millisecond)

	wf, err := orch.Run(context.Background(), "", "t-overall", "epic-1", models.TestTypeAPI)
	require.Error(t, err)
	require.NotNil(t, wf)
	assert.Equal(t, models.WorkflowFailed, wf.Status)
	require.NotNil(t, wf.ErrorMessage)
	assert.Equal(t, "workflow_timeout", *wf.ErrorMessage)
	assert.Zero(t, wf.RetryCount)
}

type verifierFunc func(ctx context.Context, wf *models.Workflow) (*models.VerificationReport, error)

func (f verifierFunc) Verify(ctx context.Context, wf *models.Workflow) (*models.VerificationReport, error) {
	return f(ctx, wf)
}

type runnerFunc func(ctx context.Context, wf *models.Workflow) (*models.TestExecutionResult, error)

func (f runnerFunc) RunTest(ctx context.Context, wf *models.Workflow) (*models.TestExecutionResult, error) {
	return f(ctx, wf)
}

func TestRun_RetryableExecutionErrorRetriesThenCompletes(t *testing.T) {
	attempts := 0
	runner := runnerFunc(func(ctx context.Context, wf *models.Workflow) (*models.TestExecutionResult, error) {
		attempts++
		if attempts == 1 {
			return nil, errors.New("ETIMEDOUT")
		}
		return &models.TestExecutionResult{TestID: wf.TestID, Passed: true, DurationMs: 10}, nil
	})

	orch, _ := newStack(t, stageexec.Collaborators{
		Runner:    runner,
		Detector:  fakeDetector{},
		Verifier:  fakeVerifier{verified: true, confidence: 95},
		Extractor: fakeExtractor{},
	})

	wf, err := orch.Run(context.Background(), "", "t-retry", "epic-1", models.TestTypeUI)
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowCompleted, wf.Status)
	assert.Equal(t, 1, wf.RetryCount)
	assert.Equal(t, 2, attempts)
}

func TestRun_ExecutionExhaustsRetriesAndEscalatesWithHandoff(t *testing.T) {
	runner := runnerFunc(func(ctx context.Context, wf *models.Workflow) (*models.TestExecutionResult, error) {
		return nil, errors.New("ETIMEDOUT")
	})

	orch, _ := newStack(t, stageexec.Collaborators{Runner: runner})

	wf, err := orch.Run(context.Background(), "", "t-exhaust", "epic-1", models.TestTypeUI)
	require.Error(t, err)
	require.NotNil(t, wf)
	assert.True(t, wf.Escalated)
	assert.Equal(t, models.WorkflowFailed, wf.Status)
	assert.Equal(t, 3, wf.RetryCount)
	// The handoff reference travels back in the returned error message.
	assert.Contains(t, err.Error(), "escalations/test.md")
}
