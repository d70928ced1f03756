// Package conservation enforces the WU accounting identity and computes
// the readiness score that gates human approval.
//
// The identity is EXECUTION_TOTAL = VERIFIED_REALITY + FORMULA_EXECUTION,
// held exactly over integer work units. A mismatch is a program fault: it
// means a caller wrote ledger state without going through the kernel's own
// mutators, so the triggering operation must abort loudly rather than
// silently correct the ledger.
package conservation

import (
	"fmt"

	"github.com/Mindburn-Labs/keel/pkg/contracts"
)

// Recompute validates the conservation identity over the given ledger.
// Returns a CONSERVATION_VIOLATION fault on any mismatch.
func Recompute(led *contracts.ConservationLedger) error {
	if led.ExecutionTotal < 0 || led.VerifiedReality < 0 || led.FormulaExecution < 0 {
		return contracts.Errf(contracts.KindConservationViolation, led.SessionID,
			"negative accumulator: total=%d verified=%d formula=%d",
			led.ExecutionTotal, led.VerifiedReality, led.FormulaExecution)
	}
	if d := led.Delta(); d != 0 {
		return contracts.Errf(contracts.KindConservationViolation, led.SessionID,
			"conservation identity broken: total=%d verified=%d formula=%d delta=%d",
			led.ExecutionTotal, led.VerifiedReality, led.FormulaExecution, d)
	}
	if led.WUConsumed > led.WUBudget {
		return contracts.Errf(contracts.KindConservationViolation, led.SessionID,
			"consumed %d WU exceeds budget %d", led.WUConsumed, led.WUBudget)
	}
	return nil
}

// CheckBudget validates that consuming deltaWU more work units stays within
// the session budget. It never mutates the ledger.
func CheckBudget(led *contracts.ConservationLedger, deltaWU int64) error {
	if deltaWU < 0 {
		return contracts.Errf(contracts.KindInvalidInput, led.SessionID, "negative WU delta %d", deltaWU)
	}
	if led.WUConsumed+deltaWU > led.WUBudget {
		return contracts.Errf(contracts.KindBudgetExceeded, led.SessionID,
			"budget exceeded: consumed %d + requested %d > budget %d",
			led.WUConsumed, deltaWU, led.WUBudget)
	}
	return nil
}

// Readiness returns R = L × P × V. Each factor must already be in [0, 1];
// out-of-range inputs are rejected rather than clamped so upstream bugs
// are not masked.
func Readiness(l, p, v float64) (float64, error) {
	for name, f := range map[string]float64{"L": l, "P": p, "V": v} {
		if f < 0 || f > 1 {
			return 0, fmt.Errorf("readiness factor %s=%v out of range [0,1]", name, f)
		}
	}
	return l * p * v, nil
}

// RequiresHumanApproval reports whether the readiness score falls below the
// configured approval threshold.
func RequiresHumanApproval(r, threshold float64) bool {
	return r < threshold
}

// Score bundles the readiness factors with the derived value for query
// responses.
type Score struct {
	L          float64 `json:"l"`
	P          float64 `json:"p"`
	V          float64 `json:"v"`
	R          float64 `json:"r"`
	Level      Level   `json:"level"`
	Bottleneck string  `json:"bottleneck,omitempty"`
}

// NewScore computes the full readiness bundle, rejecting out-of-range
// factors.
func NewScore(l, p, v float64) (*Score, error) {
	r, err := Readiness(l, p, v)
	if err != nil {
		return nil, err
	}
	return &Score{L: l, P: p, V: v, R: r, Level: LevelFor(r), Bottleneck: Bottleneck(l, p, v)}, nil
}
