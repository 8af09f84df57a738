// Package reporter aggregates Workflow rows into per-test and per-epic
// reports. Every method is a pure transform over already-loaded rows,
// with no side effects and no persistence of its own.
package reporter

import (
	"stationkernel/pkg/models"
)

// Reporter is the Unified Reporter.
type Reporter struct{}

// New builds a Reporter. It holds no state: every method is a pure
// function of its Workflow argument(s).
func New() *Reporter {
	return &Reporter{}
}

// Report aggregates a single workflow into a TestReport.
func (r *Reporter) Report(wf *models.Workflow) *models.TestReport {
	passed := wf.VerificationResult != nil && wf.VerificationResult.Verified && wf.ErrorMessage == nil

	confidence := 0
	var concerns []string
	if wf.VerificationResult != nil {
		confidence = wf.VerificationResult.Confidence
		concerns = wf.VerificationResult.Concerns
	}

	var redFlags []models.RedFlag
	if wf.DetectionResult != nil {
		redFlags = wf.DetectionResult.RedFlags
	}

	fixesApplied := 0
	if wf.FixingResult != nil && wf.FixingResult.Success {
		fixesApplied = 1
	}

	learningsExtracted := 0
	if wf.LearningResult != nil {
		learningsExtracted = len(wf.LearningResult.Patterns)
	}

	var evidencePaths []string
	if wf.ExecutionResult != nil {
		evidencePaths = append(evidencePaths, wf.ExecutionResult.Evidence.Screenshots...)
		evidencePaths = append(evidencePaths, wf.ExecutionResult.Evidence.Logs...)
		evidencePaths = append(evidencePaths, wf.ExecutionResult.Evidence.Traces...)
	}

	return &models.TestReport{
		TestID:             wf.TestID,
		EpicID:             wf.EpicID,
		TestType:           wf.TestType,
		Passed:             passed,
		Confidence:         confidence,
		Summary:            summarize(wf, passed, concerns),
		Recommendation:     recommend(wf, passed, confidence),
		EvidencePaths:      evidencePaths,
		RedFlags:           redFlags,
		FixesApplied:       fixesApplied,
		LearningsExtracted: learningsExtracted,
		DurationMs:         wf.Duration().Milliseconds(),
		Stages:             stageSummaries(wf),
	}
}

// recommend: accept if passed and confidence>=90;
// reject if not passed and not escalatable (i.e. already escalated/
// terminally failed with no further recourse); manual_review otherwise.
func recommend(wf *models.Workflow, passed bool, confidence int) models.Recommendation {
	if passed && confidence >= 90 {
		return models.RecommendAccept
	}
	if !passed && isTerminallyUnrecoverable(wf) {
		return models.RecommendReject
	}
	return models.RecommendManualReview
}

// isTerminallyUnrecoverable reports whether wf has exhausted every avenue
// this pipeline offers (escalated, or failed without ever reaching a
// fixing attempt that could still succeed).
func isTerminallyUnrecoverable(wf *models.Workflow) bool {
	return wf.Escalated || wf.Status == models.WorkflowFailed
}

func summarize(wf *models.Workflow, passed bool, concerns []string) string {
	if passed {
		return "test passed verification"
	}
	if wf.Escalated {
		return "escalated: " + derefOr(wf.ErrorMessage, "unspecified error")
	}
	if len(concerns) > 0 {
		return "verification concerns: " + concerns[0]
	}
	if wf.ErrorMessage != nil {
		return *wf.ErrorMessage
	}
	return "verification not yet complete"
}

func derefOr(s *string, fallback string) string {
	if s == nil {
		return fallback
	}
	return *s
}

// stageSummaries lists, in execution order, every stage that produced a
// result, recording its success: a completed workflow yields exactly one
// entry per executed stage.
func stageSummaries(wf *models.Workflow) []models.StageSummary {
	var out []models.StageSummary
	if wf.ExecutionResult != nil {
		out = append(out, models.StageSummary{Stage: models.StageExecution, DurationMs: wf.ExecutionResult.DurationMs, Success: wf.ExecutionResult.Passed})
	}
	if wf.DetectionResult != nil {
		out = append(out, models.StageSummary{Stage: models.StageDetection, Success: len(wf.DetectionResult.RedFlags) == 0})
	}
	if wf.VerificationResult != nil {
		out = append(out, models.StageSummary{Stage: models.StageVerification, Success: wf.VerificationResult.Verified})
	}
	if wf.FixingResult != nil {
		out = append(out, models.StageSummary{Stage: models.StageFixing, Success: wf.FixingResult.Success})
	}
	if wf.LearningResult != nil {
		out = append(out, models.StageSummary{Stage: models.StageLearning, Success: true})
	}
	return out
}

// EpicReport aggregates every workflow belonging to one epic.
func (r *Reporter) EpicReport(epicID string, workflows []*models.Workflow) *models.EpicTestReport {
	reports := make([]*models.TestReport, 0, len(workflows))
	var passed, failed int
	var confidenceSum float64
	anyEscalatable := false

	for _, wf := range workflows {
		rep := r.Report(wf)
		reports = append(reports, rep)
		if rep.Passed {
			passed++
		} else {
			failed++
		}
		confidenceSum += float64(rep.Confidence)
		if !isTerminallyUnrecoverable(wf) {
			anyEscalatable = true
		}
	}

	avg := 0.0
	if len(reports) > 0 {
		avg = confidenceSum / float64(len(reports))
	}

	return &models.EpicTestReport{
		EpicID:            epicID,
		TotalTests:        len(workflows),
		Passed:            passed,
		Failed:            failed,
		AverageConfidence: avg,
		Recommendation:    epicRecommendation(passed, failed, len(workflows), anyEscalatable),
		Reports:           reports,
	}
}

// epicRecommendation: accept iff all passed; reject
// iff any failed and none escalatable; manual_review otherwise.
func epicRecommendation(passed, failed, total int, anyEscalatable bool) models.Recommendation {
	if total > 0 && passed == total {
		return models.RecommendAccept
	}
	if failed > 0 && !anyEscalatable {
		return models.RecommendReject
	}
	return models.RecommendManualReview
}
