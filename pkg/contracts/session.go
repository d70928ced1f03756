// Package contracts defines the shared record types exchanged between the
// governance kernel components and the ledger store.
//
// All records carry an optimistic-concurrency Version: a write must present
// the version it read, and the store rejects stale writes with
// ErrConcurrentModification. Work units (WU) are integer amounts so the
// conservation identity holds exactly, with no floating-point drift.
package contracts

import "time"

// Session is the governance container: an ordered sequence of execution
// layers, a WU budget, and a conservation ledger. Sessions are never
// deleted, only archived.
type Session struct {
	ID        string    `json:"id"`
	LayerIDs  []string  `json:"layer_ids"`
	WUBudget  int64     `json:"wu_budget"`
	Archived  bool      `json:"archived"`
	CreatedAt time.Time `json:"created_at"`
	Version   int64     `json:"version"`
}

// Provenance tags which conservation category an accepted unit of work
// credits. Callers must declare provenance on task acceptance.
type Provenance string

const (
	// ProvenanceVerified marks work backed by independent verification.
	ProvenanceVerified Provenance = "VERIFIED_REALITY"
	// ProvenanceFormula marks work produced by formal execution.
	ProvenanceFormula Provenance = "FORMULA_EXECUTION"
)

// ConservationLedger holds the per-session WU accumulators. The identity
// ExecutionTotal == VerifiedReality + FormulaExecution must hold after
// every contributing mutation, and WUConsumed must never exceed WUBudget.
type ConservationLedger struct {
	SessionID        string `json:"session_id"`
	ExecutionTotal   int64  `json:"execution_total"`
	VerifiedReality  int64  `json:"verified_reality"`
	FormulaExecution int64  `json:"formula_execution"`
	WUConsumed       int64  `json:"wu_consumed"`
	WUBudget         int64  `json:"wu_budget"`
	Version          int64  `json:"version"`
}

// Delta returns the conservation residual. Zero means the identity holds.
func (l *ConservationLedger) Delta() int64 {
	return l.ExecutionTotal - (l.VerifiedReality + l.FormulaExecution)
}

// Remaining returns the unconsumed WU budget, floored at zero.
func (l *ConservationLedger) Remaining() int64 {
	r := l.WUBudget - l.WUConsumed
	if r < 0 {
		return 0
	}
	return r
}
