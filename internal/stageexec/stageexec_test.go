package stageexec

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stationkernel/pkg/models"
)

type slowRunner struct{ delay time.Duration }

func (s slowRunner) RunTest(ctx context.Context, wf *models.Workflow) (*models.TestExecutionResult, error) {
	select {
	case <-time.After(s.delay):
		return &models.TestExecutionResult{TestID: wf.TestID, Passed: true}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type failingDetector struct{ err error }

func (f failingDetector) Detect(ctx context.Context, wf *models.Workflow) (*models.DetectionResult, error) {
	return nil, f.err
}

func TestExecute_SuccessReturnsTypedData(t *testing.T) {
	e := New(Collaborators{Runner: slowRunner{delay: time.Millisecond}}, StageTimeouts{})
	wf := &models.Workflow{TestID: "t-1"}

	result := e.Execute(context.Background(), models.StageExecution, wf)
	require.True(t, result.Success)

	exec, ok := result.Data.(*models.TestExecutionResult)
	require.True(t, ok)
	assert.Equal(t, "t-1", exec.TestID)
	assert.True(t, exec.Passed)
}

func TestExecute_TimeoutReturnsLiteralTimeoutError(t *testing.T) {
	e := New(Collaborators{Runner: slowRunner{delay: time.Second}}, StageTimeouts{
		models.StageExecution: 20 * time.Millisecond,
	})

	result := e.Execute(context.Background(), models.StageExecution, &models.Workflow{TestID: "t-slow"})
	require.False(t, result.Success)
	assert.Equal(t, "timeout", result.Error)
}

func TestExecute_CancellationReturnsLiteralCancelledError(t *testing.T) {
	e := New(Collaborators{Runner: slowRunner{delay: time.Second}}, StageTimeouts{})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	result := e.Execute(ctx, models.StageExecution, &models.Workflow{TestID: "t-cancel"})
	require.False(t, result.Success)
	assert.Equal(t, "cancelled", result.Error)
}

func TestExecute_UnwiredCollaboratorFails(t *testing.T) {
	e := New(Collaborators{}, StageTimeouts{})
	result := e.Execute(context.Background(), models.StageExecution, &models.Workflow{TestID: "t-none"})
	require.False(t, result.Success)
	assert.Contains(t, result.Error, "no TestRunner wired")
}

func TestExecute_BreakerOpensAfterConsecutiveFailures(t *testing.T) {
	e := New(Collaborators{Detector: failingDetector{err: errors.New("detector down")}}, StageTimeouts{})
	wf := &models.Workflow{TestID: "t-breaker"}

	for i := 0; i < 3; i++ {
		result := e.Execute(context.Background(), models.StageDetection, wf)
		require.False(t, result.Success)
		assert.Contains(t, result.Error, "detector down")
	}

	// Fourth call is rejected by the open breaker without reaching the
	// collaborator.
	result := e.Execute(context.Background(), models.StageDetection, wf)
	require.False(t, result.Success)
	assert.Contains(t, result.Error, "circuit breaker is open")
}

func TestSeedLearningExtractor_EmitsSuccessPatternFromVerification(t *testing.T) {
	wf := &models.Workflow{
		TestID: "t-learn",
		VerificationResult: &models.VerificationReport{
			Verified:   true,
			Confidence: 95,
		},
		DetectionResult: &models.DetectionResult{
			RedFlags: []models.RedFlag{{Check: "latency", Severity: "low"}},
		},
	}

	result, err := SeedLearningExtractor{}.Extract(context.Background(), wf)
	require.NoError(t, err)
	require.Len(t, result.Patterns, 2)
	assert.Equal(t, "success", result.Patterns[0].Type)
	assert.Equal(t, 95, result.Patterns[0].Confidence)
	assert.Equal(t, "resolved_flag", result.Patterns[1].Type)
	assert.Equal(t, "latency", result.Patterns[1].Details)
}

func TestSeedLearningExtractor_NoPatternsWithoutVerification(t *testing.T) {
	result, err := SeedLearningExtractor{}.Extract(context.Background(), &models.Workflow{TestID: "t-empty"})
	require.NoError(t, err)
	assert.Empty(t, result.Patterns)
}

func TestNew_DefaultsLearningToSeedExtractor(t *testing.T) {
	e := New(Collaborators{}, StageTimeouts{})
	wf := &models.Workflow{
		TestID:             "t-default",
		VerificationResult: &models.VerificationReport{Verified: true, Confidence: 90},
	}

	result := e.Execute(context.Background(), models.StageLearning, wf)
	require.True(t, result.Success)

	learning, ok := result.Data.(*models.LearningResult)
	require.True(t, ok)
	require.Len(t, learning.Patterns, 1)
	assert.Equal(t, "success", learning.Patterns[0].Type)
}
