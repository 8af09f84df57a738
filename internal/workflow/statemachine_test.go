package workflow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"stationkernel/internal/db"
	"stationkernel/internal/db/repositories"
	"stationkernel/internal/kernelerr"
	"stationkernel/pkg/models"
)

func newMachine(t *testing.T) *Machine {
	t.Helper()
	return New(repositories.New(db.NewTest(t)).Workflows)
}

func TestCreate_StartsAtPendingWithZeroRetries(t *testing.T) {
	m := newMachine(t)
	wf, err := m.Create(context.Background(), "t-1", "e-1", models.TestTypeUI)
	require.NoError(t, err)
	require.Equal(t, models.StagePending, wf.CurrentStage)
	require.Equal(t, models.WorkflowPending, wf.Status)
	require.Zero(t, wf.RetryCount)
	require.False(t, wf.Escalated)
}

func TestTransition_OnlyAllowedMovesSucceed(t *testing.T) {
	m := newMachine(t)
	wf, err := m.Create(context.Background(), "t-2", "e-1", models.TestTypeAPI)
	require.NoError(t, err)

	// pending -> verification is not in the table.
	_, err = m.Transition(context.Background(), wf, models.StageVerification)
	require.Error(t, err)
	require.True(t, kernelerr.Is(err, kernelerr.ErrInvalidTransition))

	wf, err = m.Transition(context.Background(), wf, models.StageExecution)
	require.NoError(t, err)
	require.Equal(t, models.StageExecution, wf.CurrentStage)
}

func TestTransition_TerminalStagesRejectFurtherMoves(t *testing.T) {
	m := newMachine(t)
	wf, err := m.Create(context.Background(), "t-3", "e-1", models.TestTypeAPI)
	require.NoError(t, err)
	wf, err = m.Fail(context.Background(), wf, "boom")
	require.NoError(t, err)
	require.True(t, wf.IsTerminal())

	_, err = m.Transition(context.Background(), wf, models.StageExecution)
	require.Error(t, err)
	require.True(t, kernelerr.Is(err, kernelerr.ErrInvalidTransition))
}

func TestStoreResult_RejectsWrongStage(t *testing.T) {
	m := newMachine(t)
	wf, err := m.Create(context.Background(), "t-4", "e-1", models.TestTypeAPI)
	require.NoError(t, err)

	// wf is still at StagePending; storing a detection result now must
	// fail with ValidationError.
	_, err = m.StoreDetectionResult(context.Background(), wf, &models.DetectionResult{TestID: wf.TestID})
	require.Error(t, err)
	require.True(t, kernelerr.Is(err, kernelerr.ErrValidation))

	wf, err = m.Transition(context.Background(), wf, models.StageExecution)
	require.NoError(t, err)

	wf, err = m.StoreExecutionResult(context.Background(), wf, &models.TestExecutionResult{TestID: wf.TestID, Passed: true})
	require.NoError(t, err)
	require.NotNil(t, wf.ExecutionResult)

	// Still at StageExecution: a verification result is premature.
	_, err = m.StoreVerificationResult(context.Background(), wf, &models.VerificationReport{Verified: true})
	require.Error(t, err)
	require.True(t, kernelerr.Is(err, kernelerr.ErrValidation))
}

func TestEscalate_ForcesStatusFailed(t *testing.T) {
	m := newMachine(t)
	wf, err := m.Create(context.Background(), "t-5", "e-1", models.TestTypeAPI)
	require.NoError(t, err)
	wf, err = m.Transition(context.Background(), wf, models.StageExecution)
	require.NoError(t, err)

	wf, err = m.Escalate(context.Background(), wf, "Escalated: did not converge")
	require.NoError(t, err)
	require.True(t, wf.Escalated)
	require.Equal(t, models.WorkflowFailed, wf.Status)
	require.Equal(t, models.StageFailed, wf.CurrentStage)
	require.True(t, wf.IsTerminal())
}

func TestTransition_StaleWriterLosesWithConflict(t *testing.T) {
	m := newMachine(t)
	wf, err := m.Create(context.Background(), "t-7", "e-1", models.TestTypeAPI)
	require.NoError(t, err)

	// Two copies of the same loaded row race; the second carries a stale
	// version by the time its write lands.
	stale := *wf
	_, err = m.Transition(context.Background(), wf, models.StageExecution)
	require.NoError(t, err)

	_, err = m.Transition(context.Background(), &stale, models.StageExecution)
	require.Error(t, err)
	require.True(t, kernelerr.Is(err, kernelerr.ErrConflict))
}

func TestIncrementRetry_Accumulates(t *testing.T) {
	m := newMachine(t)
	wf, err := m.Create(context.Background(), "t-6", "e-1", models.TestTypeAPI)
	require.NoError(t, err)

	wf, err = m.IncrementRetry(context.Background(), wf)
	require.NoError(t, err)
	wf, err = m.IncrementRetry(context.Background(), wf)
	require.NoError(t, err)
	require.Equal(t, 2, wf.RetryCount)
}

func TestEscalate_CompletedWorkflowKeepsTerminalStage(t *testing.T) {
	m := newMachine(t)
	ctx := context.Background()
	wf, err := m.Create(ctx, "t-10", "e-1", models.TestTypeAPI)
	require.NoError(t, err)
	for _, stage := range []models.Stage{
		models.StageExecution, models.StageDetection, models.StageVerification,
		models.StageLearning, models.StageCompleted,
	} {
		wf, err = m.Transition(ctx, wf, stage)
		require.NoError(t, err)
	}
	require.Equal(t, models.WorkflowCompleted, wf.Status)
	completedAt := *wf.CompletedAt

	// Escalating a terminal row may only touch escalated/error_message.
	wf, err = m.Escalate(ctx, wf, "operator escalation")
	require.NoError(t, err)
	require.True(t, wf.Escalated)
	require.Equal(t, models.StageCompleted, wf.CurrentStage)
	require.Equal(t, models.WorkflowCompleted, wf.Status)
	require.Equal(t, completedAt, *wf.CompletedAt)
	require.Equal(t, "operator escalation", *wf.ErrorMessage)
}

func TestFail_TerminalWorkflowOnlyUpdatesErrorMessage(t *testing.T) {
	m := newMachine(t)
	ctx := context.Background()
	wf, err := m.Create(ctx, "t-11", "e-1", models.TestTypeAPI)
	require.NoError(t, err)
	wf, err = m.Fail(ctx, wf, "first failure")
	require.NoError(t, err)
	completedAt := *wf.CompletedAt

	wf, err = m.Fail(ctx, wf, "amended failure detail")
	require.NoError(t, err)
	require.Equal(t, models.StageFailed, wf.CurrentStage)
	require.Equal(t, models.WorkflowFailed, wf.Status)
	require.Equal(t, completedAt, *wf.CompletedAt)
	require.Equal(t, "amended failure detail", *wf.ErrorMessage)
}

func TestTransitions_HistoryRecordsEveryMove(t *testing.T) {
	m := newMachine(t)
	ctx := context.Background()
	wf, err := m.Create(ctx, "t-8", "e-1", models.TestTypeAPI)
	require.NoError(t, err)

	wf, err = m.Transition(ctx, wf, models.StageExecution)
	require.NoError(t, err)
	wf, err = m.Fail(ctx, wf, "runner unreachable")
	require.NoError(t, err)

	history, err := m.Transitions(ctx, wf)
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.Equal(t, models.StagePending, history[0].FromStage)
	require.Equal(t, models.StageExecution, history[0].ToStage)
	require.Equal(t, models.StageExecution, history[1].FromStage)
	require.Equal(t, models.StageFailed, history[1].ToStage)
	require.Equal(t, "runner unreachable", history[1].Reason)
}

func TestComplete_OnlyLegalFromLearning(t *testing.T) {
	m := newMachine(t)
	ctx := context.Background()
	wf, err := m.Create(ctx, "t-9", "e-1", models.TestTypeAPI)
	require.NoError(t, err)

	_, err = m.Complete(ctx, wf)
	require.Error(t, err)
	require.True(t, kernelerr.Is(err, kernelerr.ErrInvalidTransition))
}

func TestCanTransition_MatchesAllowedTable(t *testing.T) {
	cases := []struct {
		from, to models.Stage
		want     bool
	}{
		{models.StagePending, models.StageExecution, true},
		{models.StageExecution, models.StageDetection, true},
		{models.StageExecution, models.StageFailed, true},
		{models.StageDetection, models.StageVerification, true},
		{models.StageVerification, models.StageFixing, true},
		{models.StageVerification, models.StageLearning, true},
		{models.StageFixing, models.StageVerification, true},
		{models.StageLearning, models.StageCompleted, true},
		{models.StageCompleted, models.StageExecution, false},
		{models.StageFailed, models.StageExecution, false},
		{models.StagePending, models.StageDetection, false},
	}
	for _, c := range cases {
		got := CanTransition(c.from, c.to)
		if got != c.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}
