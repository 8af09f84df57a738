package reporter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"stationkernel/pkg/models"
)

func started(ago time.Duration) (time.Time, *time.Time) {
	start := time.Now().Add(-ago)
	end := time.Now()
	return start, &end
}

func TestReport_AcceptsHighConfidencePass(t *testing.T) {
	start, end := started(time.Minute)
	wf := &models.Workflow{
		TestID:      "t-1",
		EpicID:      "e-1",
		TestType:    models.TestTypeUI,
		StartedAt:   start,
		CompletedAt: end,
		VerificationResult: &models.VerificationReport{
			Verified:   true,
			Confidence: 95,
		},
	}

	rep := New().Report(wf)
	assert.True(t, rep.Passed)
	assert.Equal(t, models.RecommendAccept, rep.Recommendation)
	assert.Equal(t, "test passed verification", rep.Summary)
}

func TestReport_RejectsEscalatedFailure(t *testing.T) {
	start, end := started(time.Minute)
	errMsg := "verifier crashed"
	wf := &models.Workflow{
		TestID:       "t-2",
		EpicID:       "e-1",
		StartedAt:    start,
		CompletedAt:  end,
		Status:       models.WorkflowFailed,
		Escalated:    true,
		ErrorMessage: &errMsg,
	}

	rep := New().Report(wf)
	assert.False(t, rep.Passed)
	assert.Equal(t, models.RecommendReject, rep.Recommendation)
	assert.Contains(t, rep.Summary, errMsg)
}

func TestReport_ManualReviewWhenStillRecoverable(t *testing.T) {
	start, end := started(time.Minute)
	wf := &models.Workflow{
		TestID:      "t-3",
		EpicID:      "e-1",
		StartedAt:   start,
		CompletedAt: end,
		VerificationResult: &models.VerificationReport{
			Verified:   false,
			Confidence: 40,
			Concerns:   []string{"flaky selector"},
		},
	}

	rep := New().Report(wf)
	assert.False(t, rep.Passed)
	assert.Equal(t, models.RecommendManualReview, rep.Recommendation)
	assert.Contains(t, rep.Summary, "flaky selector")
}

func TestReport_StageSummariesInExecutionOrder(t *testing.T) {
	start, end := started(time.Minute)
	wf := &models.Workflow{
		TestID:      "t-4",
		StartedAt:   start,
		CompletedAt: end,
		ExecutionResult: &models.TestExecutionResult{
			Passed:     true,
			DurationMs: 500,
		},
		DetectionResult: &models.DetectionResult{
			RedFlags: nil,
		},
		VerificationResult: &models.VerificationReport{
			Verified:   true,
			Confidence: 92,
		},
	}

	rep := New().Report(wf)
	assert.Len(t, rep.Stages, 3)
	assert.Equal(t, models.StageExecution, rep.Stages[0].Stage)
	assert.Equal(t, models.StageDetection, rep.Stages[1].Stage)
	assert.Equal(t, models.StageVerification, rep.Stages[2].Stage)
	assert.True(t, rep.Stages[1].Success)
}

func TestEpicReport_AcceptsOnlyWhenAllPassed(t *testing.T) {
	start, end := started(time.Minute)
	passing := &models.Workflow{
		TestID: "t-1", EpicID: "e-1", StartedAt: start, CompletedAt: end,
		VerificationResult: &models.VerificationReport{Verified: true, Confidence: 95},
	}
	failing := &models.Workflow{
		TestID: "t-2", EpicID: "e-1", StartedAt: start, CompletedAt: end,
		Status: models.WorkflowFailed, Escalated: true,
	}

	rep := New().EpicReport("e-1", []*models.Workflow{passing, failing})
	assert.Equal(t, 2, rep.TotalTests)
	assert.Equal(t, 1, rep.Passed)
	assert.Equal(t, 1, rep.Failed)
	assert.Equal(t, models.RecommendReject, rep.Recommendation)
}

func TestEpicReport_ManualReviewWhenFailureStillEscalatable(t *testing.T) {
	start, end := started(time.Minute)
	passing := &models.Workflow{
		TestID: "t-1", EpicID: "e-1", StartedAt: start, CompletedAt: end,
		VerificationResult: &models.VerificationReport{Verified: true, Confidence: 95},
	}
	recoverable := &models.Workflow{
		TestID: "t-2", EpicID: "e-1", StartedAt: start, CompletedAt: end,
		VerificationResult: &models.VerificationReport{Verified: false, Confidence: 30},
	}

	rep := New().EpicReport("e-1", []*models.Workflow{passing, recoverable})
	assert.Equal(t, models.RecommendManualReview, rep.Recommendation)
}

func TestEpicReport_Empty(t *testing.T) {
	rep := New().EpicReport("e-empty", nil)
	assert.Equal(t, 0, rep.TotalTests)
	assert.Equal(t, float64(0), rep.AverageConfidence)
	assert.Empty(t, rep.Reports)
}
