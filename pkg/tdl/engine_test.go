package tdl

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/keel/pkg/contracts"
	"github.com/Mindburn-Labs/keel/pkg/store"
)

var testTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestEngine(t *testing.T, budget int64) (*Engine, store.Store) {
	t.Helper()
	ctx := context.Background()
	s := store.NewMemory()
	require.NoError(t, s.PutSession(ctx, &contracts.Session{ID: "s1", WUBudget: budget, CreatedAt: testTime}))
	require.NoError(t, s.PutLedger(ctx, &contracts.ConservationLedger{SessionID: "s1", WUBudget: budget}))
	require.NoError(t, s.PutLayer(ctx, &contracts.ExecutionLayer{
		ID: "l1", SessionID: "s1", Index: 1, Title: "work",
		Status: contracts.LayerActive, CreatedAt: testTime,
	}))
	e := NewEngine(s, nil).WithClock(func() time.Time { return testTime })
	return e, s
}

func mustCreate(t *testing.T, e *Engine, assignee string, deps []string, deliverable string, cost int64) *contracts.Task {
	t.Helper()
	task, err := e.CreateTask(context.Background(), "l1", assignee, deps, deliverable, cost)
	require.NoError(t, err)
	return task
}

// advance drives a task from ASSIGNED to SUBMITTED.
func advance(t *testing.T, e *Engine, taskID string) {
	t.Helper()
	ctx := context.Background()
	_, err := e.Start(ctx, taskID)
	require.NoError(t, err)
	_, err = e.Submit(ctx, taskID, "done")
	require.NoError(t, err)
}

func TestCreateTask(t *testing.T) {
	ctx := context.Background()
	e, s := newTestEngine(t, 100)

	task := mustCreate(t, e, "worker-a", nil, "d1", 3)
	assert.Equal(t, contracts.TaskAssigned, task.Status)
	assert.Equal(t, "s1", task.SessionID)

	d, err := s.GetDeliverable(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, contracts.DeliverablePending, d.Status)

	_, err = e.CreateTask(ctx, "l1", "", nil, "d2", 1)
	require.Error(t, err)
	assert.True(t, contracts.IsKind(err, contracts.KindInvalidInput))
	_, err = e.CreateTask(ctx, "l1", "worker-a", nil, "", 1)
	require.Error(t, err)
	assert.True(t, contracts.IsKind(err, contracts.KindInvalidInput))
	_, err = e.CreateTask(ctx, "l1", "worker-a", nil, "d2", -1)
	require.Error(t, err)
	assert.True(t, contracts.IsKind(err, contracts.KindInvalidInput))
	_, err = e.CreateTask(ctx, "missing-layer", "worker-a", nil, "d2", 1)
	require.Error(t, err)
	assert.True(t, contracts.IsKind(err, contracts.KindNotFound))
}

func TestCycleDetection(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t, 100)

	t1 := mustCreate(t, e, "worker-a", nil, "d1", 1)
	t2 := mustCreate(t, e, "worker-b", []string{t1.ID}, "d2", 1)
	t3 := mustCreate(t, e, "worker-c", []string{t2.ID}, "d3", 1)

	// Closing the loop t1 → t3 would form a cycle through t2.
	_, err := e.Reassign(ctx, t1.ID, "", []string{t3.ID})
	require.Error(t, err)
	assert.False(t, contracts.IsKind(err, contracts.KindCyclicDependency)) // t1 is ASSIGNED, not reassignable yet

	// Drive t1 to REJECTED so reassignment is legal, then try the cycle.
	advance(t, e, t1.ID)
	_, err = e.Reject(ctx, t1.ID, "rework")
	require.NoError(t, err)
	_, err = e.Reassign(ctx, t1.ID, "", []string{t3.ID})
	require.Error(t, err)
	assert.True(t, contracts.IsKind(err, contracts.KindCyclicDependency))

	// Self-dependency is the smallest cycle.
	_, err = e.Reassign(ctx, t1.ID, "", []string{t1.ID})
	require.Error(t, err)
	assert.True(t, contracts.IsKind(err, contracts.KindCyclicDependency))

	// A valid reassignment still works afterwards.
	task, err := e.Reassign(ctx, t1.ID, "worker-d", nil)
	require.NoError(t, err)
	assert.Equal(t, contracts.TaskAssigned, task.Status)
	assert.Equal(t, "worker-d", task.Assignee)
}

func TestStartRequiresAcceptedDeps(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t, 100)

	t1 := mustCreate(t, e, "worker-a", nil, "d1", 1)
	t2 := mustCreate(t, e, "worker-b", []string{t1.ID}, "d2", 1)

	_, err := e.Start(ctx, t2.ID)
	require.Error(t, err)
	assert.True(t, contracts.IsKind(err, contracts.KindDependencyNotAccepted))
	assert.Contains(t, err.Error(), t1.ID)

	advance(t, e, t1.ID)
	_, err = e.Start(ctx, t2.ID)
	require.Error(t, err)
	assert.True(t, contracts.IsKind(err, contracts.KindDependencyNotAccepted))

	_, err = e.Accept(ctx, t1.ID, contracts.ProvenanceVerified)
	require.NoError(t, err)

	task, err := e.Start(ctx, t2.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.TaskInProgress, task.Status)
}

func TestAcceptCreditsLedger(t *testing.T) {
	ctx := context.Background()
	e, s := newTestEngine(t, 100)

	t1 := mustCreate(t, e, "worker-a", nil, "d1", 5)
	advance(t, e, t1.ID)

	task, err := e.Accept(ctx, t1.ID, contracts.ProvenanceVerified)
	require.NoError(t, err)
	assert.Equal(t, contracts.TaskAccepted, task.Status)

	led, err := s.GetLedger(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), led.WUConsumed)
	assert.Equal(t, int64(5), led.ExecutionTotal)
	assert.Equal(t, int64(5), led.VerifiedReality)
	assert.Zero(t, led.FormulaExecution)
	assert.Zero(t, led.Delta())

	d, err := s.GetDeliverable(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, contracts.DeliverableDone, d.Status)

	// Formula provenance credits the other accumulator.
	t2 := mustCreate(t, e, "worker-b", nil, "d2", 3)
	advance(t, e, t2.ID)
	_, err = e.Accept(ctx, t2.ID, contracts.ProvenanceFormula)
	require.NoError(t, err)
	led, err = s.GetLedger(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(8), led.ExecutionTotal)
	assert.Equal(t, int64(3), led.FormulaExecution)
	assert.Zero(t, led.Delta())
}

func TestAcceptPreconditions(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t, 100)

	t1 := mustCreate(t, e, "worker-a", nil, "d1", 1)

	_, err := e.Accept(ctx, t1.ID, contracts.ProvenanceVerified)
	require.Error(t, err)
	assert.True(t, contracts.IsKind(err, contracts.KindInvalidInput))

	advance(t, e, t1.ID)
	_, err = e.Accept(ctx, t1.ID, contracts.Provenance("HEARSAY"))
	require.Error(t, err)
	assert.True(t, contracts.IsKind(err, contracts.KindInvalidInput))

	_, err = e.Accept(ctx, t1.ID, contracts.ProvenanceVerified)
	require.NoError(t, err)

	// A second accept is refused by the state guard.
	_, err = e.Accept(ctx, t1.ID, contracts.ProvenanceVerified)
	require.Error(t, err)
	assert.True(t, contracts.IsKind(err, contracts.KindInvalidInput))
}

func TestAcceptBudgetExceededMutatesNothing(t *testing.T) {
	ctx := context.Background()
	e, s := newTestEngine(t, 10)

	t1 := mustCreate(t, e, "worker-a", nil, "d1", 4)
	t2 := mustCreate(t, e, "worker-b", nil, "d2", 4)
	t3 := mustCreate(t, e, "worker-c", nil, "d3", 4)

	for _, id := range []string{t1.ID, t2.ID} {
		advance(t, e, id)
		_, err := e.Accept(ctx, id, contracts.ProvenanceVerified)
		require.NoError(t, err)
	}

	advance(t, e, t3.ID)
	_, err := e.Accept(ctx, t3.ID, contracts.ProvenanceVerified)
	require.Error(t, err)
	assert.True(t, contracts.IsKind(err, contracts.KindBudgetExceeded))

	// Nothing moved: task still SUBMITTED, deliverable still PENDING,
	// ledger untouched.
	task, err := s.GetTask(ctx, t3.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.TaskSubmitted, task.Status)
	d, err := s.GetDeliverable(ctx, "d3")
	require.NoError(t, err)
	assert.Equal(t, contracts.DeliverablePending, d.Status)
	led, err := s.GetLedger(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(8), led.WUConsumed)
	assert.Zero(t, led.Delta())
}

func TestRejectCountsTowardEscalation(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t, 100)

	t1 := mustCreate(t, e, "worker-a", nil, "d1", 1)

	for i := 1; i <= 3; i++ {
		advance(t, e, t1.ID)
		task, err := e.Reject(ctx, t1.ID, "not good enough")
		require.NoError(t, err)
		assert.Equal(t, i, task.Rejections)
		assert.Equal(t, contracts.TaskRejected, task.Status)
	}
}

func TestFileStandup(t *testing.T) {
	ctx := context.Background()
	e, s := newTestEngine(t, 100)

	t1 := mustCreate(t, e, "worker-a", nil, "d1", 1)
	fields := contracts.StandupFields{Progress: "halfway", Blockers: "none", NextSteps: "finish"}

	// All fields are mandatory.
	_, err := e.FileStandup(ctx, t1.ID, 1, contracts.StandupFields{Progress: "halfway"})
	require.Error(t, err)
	assert.True(t, contracts.IsKind(err, contracts.KindStandupFieldsMissing))

	// Sequence must be exactly previous + 1.
	_, err = e.FileStandup(ctx, t1.ID, 2, fields)
	require.Error(t, err)
	assert.True(t, contracts.IsKind(err, contracts.KindStandupSequenceViolation))
	_, err = e.FileStandup(ctx, t1.ID, 0, fields)
	require.Error(t, err)
	assert.True(t, contracts.IsKind(err, contracts.KindStandupSequenceViolation))

	report, err := e.FileStandup(ctx, t1.ID, 1, fields)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Sequence)

	// Replaying the same sequence fails; the next one succeeds.
	_, err = e.FileStandup(ctx, t1.ID, 1, fields)
	require.Error(t, err)
	assert.True(t, contracts.IsKind(err, contracts.KindStandupSequenceViolation))
	_, err = e.FileStandup(ctx, t1.ID, 2, fields)
	require.NoError(t, err)

	reports, err := s.ListStandups(ctx, t1.ID)
	require.NoError(t, err)
	require.Len(t, reports, 2)
	assert.Equal(t, 1, reports[0].Sequence)
	assert.Equal(t, 2, reports[1].Sequence)
}

func TestSubmitRequiresInProgress(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t, 100)

	t1 := mustCreate(t, e, "worker-a", nil, "d1", 1)
	_, err := e.Submit(ctx, t1.ID, "premature")
	require.Error(t, err)
	assert.True(t, contracts.IsKind(err, contracts.KindInvalidInput))
}
