package layers

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

func newTestManager(t *testing.T) (*Manager, store.Store) {
	t.Helper()
	s := store.NewMemory()
	m := NewManager(s, nil).WithClock(func() time.Time { return testTime })
	return m, s
}

func seedSession(t *testing.T, m *Manager, budget int64, specs ...contracts.LayerSpec) (string, []string) {
	t.Helper()
	ctx := context.Background()
	sess, err := m.CreateSession(ctx, budget)
	require.NoError(t, err)
	if len(specs) == 0 {
		return sess.ID, nil
	}
	ids, err := m.CreateLayers(ctx, sess.ID, specs)
	require.NoError(t, err)
	return sess.ID, ids
}

func TestCreateSession(t *testing.T) {
	ctx := context.Background()
	m, s := newTestManager(t)

	sess, err := m.CreateSession(ctx, 100)
	require.NoError(t, err)
	assert.NotEmpty(t, sess.ID)
	assert.Equal(t, int64(100), sess.WUBudget)

	led, err := s.GetLedger(ctx, sess.ID)
	require.NoError(t, err)
	assert.Zero(t, led.ExecutionTotal)
	assert.Equal(t, int64(100), led.WUBudget)

	_, err = m.CreateSession(ctx, -1)
	require.Error(t, err)
	assert.True(t, contracts.IsKind(err, contracts.KindInvalidInput))
}

func TestCreateLayersAutoIndices(t *testing.T) {
	ctx := context.Background()
	m, s := newTestManager(t)
	sessID, ids := seedSession(t, m, 100,
		contracts.LayerSpec{Title: "foundation", WUCost: 3},
		contracts.LayerSpec{Title: "walls", WUCost: 4},
	)
	require.Len(t, ids, 2)

	layers, err := s.ListLayers(ctx, sessID)
	require.NoError(t, err)
	require.Len(t, layers, 2)
	assert.Equal(t, 1, layers[0].Index)
	assert.Equal(t, 2, layers[1].Index)
	assert.Equal(t, contracts.LayerPending, layers[0].Status)

	// A second batch continues the sequence.
	more, err := m.CreateLayers(ctx, sessID, []contracts.LayerSpec{{Title: "roof", WUCost: 2}})
	require.NoError(t, err)
	layer, err := s.GetLayer(ctx, more[0])
	require.NoError(t, err)
	assert.Equal(t, 3, layer.Index)

	sess, err := s.GetSession(ctx, sessID)
	require.NoError(t, err)
	assert.Len(t, sess.LayerIDs, 3)
}

func TestCreateLayersExplicitIndices(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)
	sessID, _ := seedSession(t, m, 100)

	_, err := m.CreateLayers(ctx, sessID, []contracts.LayerSpec{
		{Index: 1, Title: "a"},
		{Index: 2, Title: "b"},
	})
	require.NoError(t, err)

	// A gap in the requested run rejects the whole batch.
	_, err = m.CreateLayers(ctx, sessID, []contracts.LayerSpec{
		{Index: 3, Title: "c"},
		{Index: 5, Title: "d"},
	})
	require.Error(t, err)
	assert.True(t, contracts.IsKind(err, contracts.KindSequenceViolation))

	// Mixing explicit and auto-assigned indices rejects the batch.
	_, err = m.CreateLayers(ctx, sessID, []contracts.LayerSpec{
		{Index: 3, Title: "c"},
		{Title: "d"},
	})
	require.Error(t, err)
	assert.True(t, contracts.IsKind(err, contracts.KindSequenceViolation))
}

func TestCreateLayersValidation(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)
	sessID, _ := seedSession(t, m, 100)

	_, err := m.CreateLayers(ctx, sessID, nil)
	require.Error(t, err)
	assert.True(t, contracts.IsKind(err, contracts.KindInvalidInput))

	_, err = m.CreateLayers(ctx, sessID, []contracts.LayerSpec{{Title: ""}})
	require.Error(t, err)
	assert.True(t, contracts.IsKind(err, contracts.KindInvalidInput))

	_, err = m.CreateLayers(ctx, sessID, []contracts.LayerSpec{{Title: "a", WUCost: -1}})
	require.Error(t, err)
	assert.True(t, contracts.IsKind(err, contracts.KindInvalidInput))
}

func TestActivateOrderAndBudget(t *testing.T) {
	ctx := context.Background()
	m, s := newTestManager(t)
	sessID, ids := seedSession(t, m, 10,
		contracts.LayerSpec{Title: "one", WUCost: 4},
		contracts.LayerSpec{Title: "two", WUCost: 4},
	)

	// Layer 2 cannot go first.
	_, err := m.Activate(ctx, ids[1])
	require.Error(t, err)
	assert.True(t, contracts.IsKind(err, contracts.KindSequenceViolation))

	layer, err := m.Activate(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, contracts.LayerActive, layer.Status)
	require.NotNil(t, layer.StartedAt)
	assert.True(t, layer.StartedAt.Equal(testTime))

	led, err := s.GetLedger(ctx, sessID)
	require.NoError(t, err)
	assert.Equal(t, int64(4), led.WUConsumed)

	// No second ACTIVE layer while one is in flight.
	_, err = m.Activate(ctx, ids[1])
	require.Error(t, err)
	assert.True(t, contracts.IsKind(err, contracts.KindSequenceViolation))

	// Re-activating the active layer is also a sequence violation.
	_, err = m.Activate(ctx, ids[0])
	require.Error(t, err)
	assert.True(t, contracts.IsKind(err, contracts.KindSequenceViolation))
}

func TestActivateBudgetExceeded(t *testing.T) {
	ctx := context.Background()
	m, s := newTestManager(t)
	sessID, ids := seedSession(t, m, 3,
		contracts.LayerSpec{Title: "expensive", WUCost: 4},
	)

	_, err := m.Activate(ctx, ids[0])
	require.Error(t, err)
	assert.True(t, contracts.IsKind(err, contracts.KindBudgetExceeded))

	// The failed activation consumed nothing.
	led, err := s.GetLedger(ctx, sessID)
	require.NoError(t, err)
	assert.Zero(t, led.WUConsumed)
	layer, err := s.GetLayer(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, contracts.LayerPending, layer.Status)
}

func TestVerificationRequiresBothFields(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)
	_, ids := seedSession(t, m, 10, contracts.LayerSpec{Title: "one", WUCost: 1})

	// Not active yet.
	_, err := m.RecordVerification(ctx, ids[0], "manual", "ref-1")
	require.Error(t, err)
	assert.True(t, contracts.IsKind(err, contracts.KindVerificationIncomplete))

	_, err = m.Activate(ctx, ids[0])
	require.NoError(t, err)

	_, err = m.RecordVerification(ctx, ids[0], "", "ref-1")
	require.Error(t, err)
	assert.True(t, contracts.IsKind(err, contracts.KindVerificationIncomplete))
	_, err = m.RecordVerification(ctx, ids[0], "manual", "")
	require.Error(t, err)
	assert.True(t, contracts.IsKind(err, contracts.KindVerificationIncomplete))

	layer, err := m.RecordVerification(ctx, ids[0], "manual", "ref-1")
	require.NoError(t, err)
	assert.Equal(t, contracts.LayerExecuted, layer.Status)
	assert.Equal(t, "manual", layer.VerificationMethod)
	require.NotNil(t, layer.ExecutedAt)
}

func TestLockIsTerminal(t *testing.T) {
	ctx := context.Background()
	m, s := newTestManager(t)
	_, ids := seedSession(t, m, 10, contracts.LayerSpec{Title: "one", WUCost: 1})

	// Cannot lock before execution.
	_, err := m.Lock(ctx, ids[0])
	require.Error(t, err)
	assert.True(t, contracts.IsKind(err, contracts.KindSequenceViolation))

	_, err = m.Activate(ctx, ids[0])
	require.NoError(t, err)
	_, err = m.RecordVerification(ctx, ids[0], "manual", "ref-1")
	require.NoError(t, err)

	layer, err := m.Lock(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, contracts.LayerLocked, layer.Status)
	require.NotNil(t, layer.LockedAt)

	// A second lock fails and changes nothing.
	before, err := s.GetLayer(ctx, ids[0])
	require.NoError(t, err)
	_, err = m.Lock(ctx, ids[0])
	require.Error(t, err)
	assert.True(t, contracts.IsKind(err, contracts.KindLayerLocked))
	after, err := s.GetLayer(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, before.Version, after.Version)

	// Locked layers are immutable.
	title := "renamed"
	_, err = m.Modify(ctx, ids[0], contracts.LayerPatch{Title: &title})
	require.Error(t, err)
	assert.True(t, contracts.IsKind(err, contracts.KindLayerLocked))

	// And cannot be deleted.
	err = m.Delete(ctx, ids[0])
	require.Error(t, err)
	assert.True(t, contracts.IsKind(err, contracts.KindDeleteNotPermitted))
}

func TestFailAndRetry(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)
	_, ids := seedSession(t, m, 10, contracts.LayerSpec{Title: "one", WUCost: 1})

	// Only ACTIVE layers can fail.
	_, err := m.Fail(ctx, ids[0], "too early")
	require.Error(t, err)
	assert.True(t, contracts.IsKind(err, contracts.KindSequenceViolation))

	_, err = m.Activate(ctx, ids[0])
	require.NoError(t, err)
	layer, err := m.Fail(ctx, ids[0], "worker crashed")
	require.NoError(t, err)
	assert.Equal(t, contracts.LayerFailed, layer.Status)
	assert.Equal(t, "worker crashed", layer.FailureReason)

	layer, err = m.Retry(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, contracts.LayerActive, layer.Status)
	assert.Equal(t, 1, layer.RetryCount)
	assert.Empty(t, layer.FailureReason)

	// Retry from a non-FAILED state is refused.
	_, err = m.Retry(ctx, ids[0])
	require.Error(t, err)
	assert.True(t, contracts.IsKind(err, contracts.KindSequenceViolation))
}

func TestRetryLimit(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	m := NewManager(s, nil).WithClock(func() time.Time { return testTime }).WithMaxRetries(1)
	_, ids := seedSession(t, m, 10, contracts.LayerSpec{Title: "one", WUCost: 1})

	_, err := m.Activate(ctx, ids[0])
	require.NoError(t, err)
	_, err = m.Fail(ctx, ids[0], "first")
	require.NoError(t, err)
	_, err = m.Retry(ctx, ids[0])
	require.NoError(t, err)
	_, err = m.Fail(ctx, ids[0], "second")
	require.NoError(t, err)

	_, err = m.Retry(ctx, ids[0])
	require.Error(t, err)
	assert.True(t, contracts.IsKind(err, contracts.KindInvalidInput))
}

func TestDeletePendingOnly(t *testing.T) {
	ctx := context.Background()
	m, s := newTestManager(t)
	sessID, ids := seedSession(t, m, 10,
		contracts.LayerSpec{Title: "one", WUCost: 1},
		contracts.LayerSpec{Title: "two", WUCost: 1},
	)

	require.NoError(t, m.Delete(ctx, ids[1]))
	sess, err := s.GetSession(ctx, sessID)
	require.NoError(t, err)
	assert.Equal(t, []string{ids[0]}, sess.LayerIDs)

	_, err = m.Activate(ctx, ids[0])
	require.NoError(t, err)
	err = m.Delete(ctx, ids[0])
	require.Error(t, err)
	assert.True(t, contracts.IsKind(err, contracts.KindDeleteNotPermitted))
}

func TestModify(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)
	_, ids := seedSession(t, m, 10, contracts.LayerSpec{Title: "one", WUCost: 1})

	title, desc, cost := "renamed", "more detail", int64(2)
	layer, err := m.Modify(ctx, ids[0], contracts.LayerPatch{Title: &title, Description: &desc, WUCost: &cost})
	require.NoError(t, err)
	assert.Equal(t, "renamed", layer.Title)
	assert.Equal(t, "more detail", layer.Description)
	assert.Equal(t, int64(2), layer.WUCost)

	empty := ""
	_, err = m.Modify(ctx, ids[0], contracts.LayerPatch{Title: &empty})
	require.Error(t, err)
	assert.True(t, contracts.IsKind(err, contracts.KindInvalidInput))

	negative := int64(-1)
	_, err = m.Modify(ctx, ids[0], contracts.LayerPatch{WUCost: &negative})
	require.Error(t, err)
	assert.True(t, contracts.IsKind(err, contracts.KindInvalidInput))
}

func TestArchivedSessionRejectsNewLayers(t *testing.T) {
	ctx := context.Background()
	m, s := newTestManager(t)
	sessID, _ := seedSession(t, m, 10)

	sess, err := s.GetSession(ctx, sessID)
	require.NoError(t, err)
	sess.Archived = true
	require.NoError(t, s.PutSession(ctx, sess))

	_, err = m.CreateLayers(ctx, sessID, []contracts.LayerSpec{{Title: "late"}})
	require.Error(t, err)
	assert.True(t, contracts.IsKind(err, contracts.KindInvalidInput))
}
