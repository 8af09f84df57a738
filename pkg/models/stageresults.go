package models

import "time"

// Evidence is the artifact bundle a test execution produces.
type Evidence struct {
	Screenshots []string `json:"screenshots,omitempty"`
	Logs        []string `json:"logs,omitempty"`
	Traces      []string `json:"traces,omitempty"`
}

// TestExecutionResult is produced by the execution stage.
type TestExecutionResult struct {
	TestID     string   `json:"test_id"`
	Passed     bool     `json:"passed"`
	DurationMs int64    `json:"duration_ms"`
	Evidence   Evidence `json:"evidence"`
}

// RedFlag is a single anomaly surfaced by the anomaly detector.
type RedFlag struct {
	Check       string `json:"check"`
	Description string `json:"description"`
	Severity    string `json:"severity"`
}

// DetectionResult is produced by the detection stage.
type DetectionResult struct {
	TestID        string    `json:"test_id"`
	RedFlags      []RedFlag `json:"red_flags"`
	DetectedAt    time.Time `json:"detected_at"`
	TotalChecks   int       `json:"total_checks"`
	FlaggedChecks int       `json:"flagged_checks"`
}

// CrossValidationResult is one independent check the verifier ran.
type CrossValidationResult struct {
	Name    string `json:"name"`
	Passed  bool   `json:"passed"`
	Details string `json:"details,omitempty"`
}

// VerificationReport is produced by the verification stage.
type VerificationReport struct {
	Verified               bool                    `json:"verified"`
	Confidence             int                     `json:"confidence"`
	Concerns               []string                `json:"concerns,omitempty"`
	CrossValidationResults []CrossValidationResult `json:"cross_validation_results,omitempty"`
	VerifierID             string                  `json:"verifier_id"`
}

// FixResult is produced by the fixing stage.
type FixResult struct {
	Success     bool     `json:"success"`
	FixStrategy string   `json:"fix_strategy"`
	RetriesUsed int      `json:"retries_used"`
	Cost        *float64 `json:"cost,omitempty"`
}

// Pattern is a single learned pattern extracted from a completed run.
type Pattern struct {
	Type       string `json:"type"`
	Confidence int    `json:"confidence"`
	Details    string `json:"details,omitempty"`
}

// LearningResult is produced by the learning stage.
type LearningResult struct {
	TestID      string    `json:"test_id"`
	Patterns    []Pattern `json:"patterns"`
	ExtractedAt time.Time `json:"extracted_at"`
}

// StageResult is the uniform envelope the Stage Executor returns.
type StageResult struct {
	Success     bool        `json:"success"`
	Data        interface{} `json:"data,omitempty"`
	Error       string      `json:"error,omitempty"`
	RetriesUsed int         `json:"retries_used"`
	DurationMs  int64       `json:"duration_ms"`
}
