// Package layers implements the Execution Layer Manager: the state machine
// that sequences locked units of governed work within a session.
//
// Layers advance PENDING → ACTIVE → EXECUTED → LOCKED, with ACTIVE → FAILED
// and bounded-or-unbounded FAILED → ACTIVE retry. The manager enforces the
// single-ACTIVE constraint and verification-before-lock, and recomputes the
// session's conservation ledger after every transition that can touch it.
package layers

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/keel/pkg/conservation"
	"github.com/Mindburn-Labs/keel/pkg/contracts"
	"github.com/Mindburn-Labs/keel/pkg/store"
)

// Manager owns the ordered list of execution layers per session.
type Manager struct {
	store      store.Store
	log        *slog.Logger
	clock      func() time.Time
	maxRetries int // 0 = unbounded; policy belongs to configuration
}

// NewManager creates a layer manager over the given store.
func NewManager(s store.Store, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{store: s, log: log, clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (m *Manager) WithClock(clock func() time.Time) *Manager {
	m.clock = clock
	return m
}

// WithMaxRetries bounds FAILED → ACTIVE transitions per layer. Zero leaves
// retries unbounded.
func (m *Manager) WithMaxRetries(n int) *Manager {
	m.maxRetries = n
	return m
}

// CreateSession creates a governance session with the given WU budget and
// an empty conservation ledger.
func (m *Manager) CreateSession(ctx context.Context, wuBudget int64) (*contracts.Session, error) {
	if wuBudget < 0 {
		return nil, contracts.Errf(contracts.KindInvalidInput, "", "WU budget must be non-negative, got %d", wuBudget)
	}
	sess := &contracts.Session{
		ID:        uuid.New().String(),
		WUBudget:  wuBudget,
		CreatedAt: m.clock().UTC(),
	}
	if err := m.store.PutSession(ctx, sess); err != nil {
		return nil, err
	}
	led := &contracts.ConservationLedger{SessionID: sess.ID, WUBudget: wuBudget}
	if err := m.store.PutLedger(ctx, led); err != nil {
		return nil, err
	}
	return sess, nil
}

// CreateLayers atomically creates a contiguous batch of PENDING layers
// starting at the session's current max index + 1. The whole batch is
// rejected if any spec is malformed or the requested indices would not be
// contiguous. Returns the created layer ids in sequence order.
func (m *Manager) CreateLayers(ctx context.Context, sessionID string, specs []contracts.LayerSpec) ([]string, error) {
	if len(specs) == 0 {
		return nil, contracts.Errf(contracts.KindInvalidInput, sessionID, "empty layer batch")
	}
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Archived {
		return nil, contracts.Errf(contracts.KindInvalidInput, sessionID, "session is archived")
	}
	for i, spec := range specs {
		if err := ValidateSpec(spec); err != nil {
			return nil, contracts.Errf(contracts.KindInvalidInput, sessionID, "layer spec %d: %v", i, err)
		}
	}

	existing, err := m.store.ListLayers(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	start := 1
	if n := len(existing); n > 0 {
		start = existing[n-1].Index + 1
	}

	// Specs either carry no indices (all zero, auto-assigned) or must form
	// exactly the next contiguous run.
	explicit := specs[0].Index != 0
	for i, spec := range specs {
		if (spec.Index != 0) != explicit {
			return nil, contracts.Errf(contracts.KindSequenceViolation, sessionID,
				"layer batch mixes explicit and auto-assigned indices")
		}
		if explicit && spec.Index != start+i {
			return nil, contracts.Errf(contracts.KindSequenceViolation, sessionID,
				"layer batch not contiguous: spec %d has index %d, want %d", i, spec.Index, start+i)
		}
	}

	now := m.clock().UTC()
	ids := make([]string, 0, len(specs))
	for i, spec := range specs {
		layer := &contracts.ExecutionLayer{
			ID:          uuid.New().String(),
			SessionID:   sessionID,
			Index:       start + i,
			Title:       spec.Title,
			Description: spec.Description,
			Status:      contracts.LayerPending,
			WUCost:      spec.WUCost,
			CreatedAt:   now,
		}
		if err := m.store.PutLayer(ctx, layer); err != nil {
			return nil, err
		}
		ids = append(ids, layer.ID)
	}

	sess.LayerIDs = append(sess.LayerIDs, ids...)
	if err := m.store.PutSession(ctx, sess); err != nil {
		return nil, err
	}
	m.log.Info("layer batch created", "session_id", sessionID, "count", len(ids), "first_index", start)
	return ids, nil
}

// Activate transitions PENDING → ACTIVE. Preconditions: no other layer in
// the session is ACTIVE, and every lower-index layer is LOCKED. Activation
// consumes the layer's WU cost against the session budget.
func (m *Manager) Activate(ctx context.Context, layerID string) (*contracts.ExecutionLayer, error) {
	layer, err := m.store.GetLayer(ctx, layerID)
	if err != nil {
		return nil, err
	}
	if layer.Status != contracts.LayerPending {
		return nil, contracts.Errf(contracts.KindSequenceViolation, layerID,
			"cannot activate layer in %s state", layer.Status)
	}

	siblings, err := m.store.ListLayers(ctx, layer.SessionID)
	if err != nil {
		return nil, err
	}
	for _, sib := range siblings {
		if sib.Status == contracts.LayerActive {
			return nil, contracts.Errf(contracts.KindSequenceViolation, layerID,
				"layer %d (%s) is already active", sib.Index, sib.ID)
		}
		if sib.Index < layer.Index && sib.Status != contracts.LayerLocked {
			return nil, contracts.Errf(contracts.KindSequenceViolation, layerID,
				"layer %d must be locked before layer %d can activate (currently %s)",
				sib.Index, layer.Index, sib.Status)
		}
	}

	led, err := m.store.GetLedger(ctx, layer.SessionID)
	if err != nil {
		return nil, err
	}
	if err := conservation.CheckBudget(led, layer.WUCost); err != nil {
		return nil, err
	}
	led.WUConsumed += layer.WUCost
	if err := conservation.Recompute(led); err != nil {
		return nil, err
	}
	if err := m.store.PutLedger(ctx, led); err != nil {
		return nil, err
	}

	now := m.clock().UTC()
	layer.Status = contracts.LayerActive
	layer.StartedAt = &now
	if err := m.store.PutLayer(ctx, layer); err != nil {
		return nil, err
	}
	m.log.Info("layer activated", "layer_id", layerID, "index", layer.Index, "wu_cost", layer.WUCost)
	return layer, nil
}

// RecordVerification transitions ACTIVE → EXECUTED. Both the verification
// method and the evidence reference are mandatory.
func (m *Manager) RecordVerification(ctx context.Context, layerID, method, evidenceRef string) (*contracts.ExecutionLayer, error) {
	layer, err := m.store.GetLayer(ctx, layerID)
	if err != nil {
		return nil, err
	}
	if layer.Status != contracts.LayerActive {
		return nil, contracts.Errf(contracts.KindVerificationIncomplete, layerID,
			"cannot record verification in %s state", layer.Status)
	}
	if method == "" || evidenceRef == "" {
		return nil, contracts.Errf(contracts.KindVerificationIncomplete, layerID,
			"verification method and evidence reference are both required")
	}

	now := m.clock().UTC()
	layer.Status = contracts.LayerExecuted
	layer.VerificationMethod = method
	layer.EvidenceRef = evidenceRef
	layer.ExecutedAt = &now
	if err := m.store.PutLayer(ctx, layer); err != nil {
		return nil, err
	}
	if err := m.recompute(ctx, layer.SessionID); err != nil {
		return nil, err
	}
	return layer, nil
}

// Lock transitions EXECUTED → LOCKED. Terminal: the record becomes
// immutable and a second Lock fails with LAYER_LOCKED, leaving state
// unchanged.
func (m *Manager) Lock(ctx context.Context, layerID string) (*contracts.ExecutionLayer, error) {
	layer, err := m.store.GetLayer(ctx, layerID)
	if err != nil {
		return nil, err
	}
	if layer.Status == contracts.LayerLocked {
		return nil, contracts.Errf(contracts.KindLayerLocked, layerID, "layer is already locked")
	}
	if layer.Status != contracts.LayerExecuted {
		return nil, contracts.Errf(contracts.KindSequenceViolation, layerID,
			"cannot lock layer in %s state", layer.Status)
	}

	now := m.clock().UTC()
	layer.Status = contracts.LayerLocked
	layer.LockedAt = &now
	if err := m.store.PutLayer(ctx, layer); err != nil {
		return nil, err
	}
	if err := m.recompute(ctx, layer.SessionID); err != nil {
		return nil, err
	}
	m.log.Info("layer locked", "layer_id", layerID, "index", layer.Index)
	return layer, nil
}

// Fail transitions ACTIVE → FAILED.
func (m *Manager) Fail(ctx context.Context, layerID, reason string) (*contracts.ExecutionLayer, error) {
	layer, err := m.store.GetLayer(ctx, layerID)
	if err != nil {
		return nil, err
	}
	if layer.Status != contracts.LayerActive {
		return nil, contracts.Errf(contracts.KindSequenceViolation, layerID,
			"cannot fail layer in %s state", layer.Status)
	}
	layer.Status = contracts.LayerFailed
	layer.FailureReason = reason
	if err := m.store.PutLayer(ctx, layer); err != nil {
		return nil, err
	}
	m.log.Warn("layer failed", "layer_id", layerID, "index", layer.Index, "reason", reason)
	return layer, nil
}

// Retry transitions FAILED → ACTIVE and increments the retry count. No
// other starting state is accepted.
func (m *Manager) Retry(ctx context.Context, layerID string) (*contracts.ExecutionLayer, error) {
	layer, err := m.store.GetLayer(ctx, layerID)
	if err != nil {
		return nil, err
	}
	if layer.Status != contracts.LayerFailed {
		return nil, contracts.Errf(contracts.KindSequenceViolation, layerID,
			"cannot retry layer in %s state", layer.Status)
	}
	if m.maxRetries > 0 && layer.RetryCount >= m.maxRetries {
		return nil, contracts.Errf(contracts.KindInvalidInput, layerID,
			"retry limit reached (%d)", m.maxRetries)
	}

	now := m.clock().UTC()
	layer.Status = contracts.LayerActive
	layer.RetryCount++
	layer.FailureReason = ""
	layer.StartedAt = &now
	if err := m.store.PutLayer(ctx, layer); err != nil {
		return nil, err
	}
	m.log.Info("layer retried", "layer_id", layerID, "retry_count", layer.RetryCount)
	return layer, nil
}

// Delete removes a layer. Permitted only while PENDING.
func (m *Manager) Delete(ctx context.Context, layerID string) error {
	layer, err := m.store.GetLayer(ctx, layerID)
	if err != nil {
		return err
	}
	if layer.Status != contracts.LayerPending {
		return contracts.Errf(contracts.KindDeleteNotPermitted, layerID,
			"only PENDING layers can be deleted (status %s)", layer.Status)
	}
	if err := m.store.DeleteLayer(ctx, layerID); err != nil {
		return err
	}

	sess, err := m.store.GetSession(ctx, layer.SessionID)
	if err != nil {
		return err
	}
	kept := sess.LayerIDs[:0]
	for _, id := range sess.LayerIDs {
		if id != layerID {
			kept = append(kept, id)
		}
	}
	sess.LayerIDs = kept
	return m.store.PutSession(ctx, sess)
}

// Modify applies a partial update. Refused with LAYER_LOCKED once the
// layer is locked; permitted in every other state.
func (m *Manager) Modify(ctx context.Context, layerID string, patch contracts.LayerPatch) (*contracts.ExecutionLayer, error) {
	layer, err := m.store.GetLayer(ctx, layerID)
	if err != nil {
		return nil, err
	}
	if layer.Status == contracts.LayerLocked {
		return nil, contracts.Errf(contracts.KindLayerLocked, layerID, "locked layers are immutable")
	}
	if patch.Title != nil {
		if *patch.Title == "" {
			return nil, contracts.Errf(contracts.KindInvalidInput, layerID, "title must not be empty")
		}
		layer.Title = *patch.Title
	}
	if patch.Description != nil {
		layer.Description = *patch.Description
	}
	if patch.WUCost != nil {
		if *patch.WUCost < 0 {
			return nil, contracts.Errf(contracts.KindInvalidInput, layerID, "wu_cost must be non-negative")
		}
		layer.WUCost = *patch.WUCost
	}
	if err := m.store.PutLayer(ctx, layer); err != nil {
		return nil, err
	}
	return layer, nil
}

func (m *Manager) recompute(ctx context.Context, sessionID string) error {
	led, err := m.store.GetLedger(ctx, sessionID)
	if err != nil {
		return err
	}
	return conservation.Recompute(led)
}
