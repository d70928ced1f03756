// Package finalize renders the three-way finalization disposition over a
// set of graded checks. Decide is a pure function and is the single code
// path for both automated and human-triggered finalization, so the two
// call sites can never diverge.
package finalize

import (
	"strings"

	"github.com/Mindburn-Labs/keel/pkg/contracts"
)

// Decide turns graded checks plus an optional override into a disposition.
//
//  1. Any failing BLOCK check → REJECTED. No override changes this.
//  2. Failing WARN checks, no override → WARNINGS; the caller may resubmit
//     with an override.
//  3. Failing WARN checks, override with a non-empty reason → APPROVED,
//     tagged QUALITY_OVERRIDE with the reason attached for audit.
//  4. All checks passed → APPROVED, no tag.
func Decide(checks []contracts.Check, override *contracts.Override) contracts.FinalizeDecision {
	var blocks, warns []string
	for _, c := range checks {
		if c.Passed {
			continue
		}
		switch c.Severity {
		case contracts.SeverityBlock:
			blocks = append(blocks, c.ID)
		case contracts.SeverityWarn:
			warns = append(warns, c.ID)
		}
	}

	if len(blocks) > 0 {
		return contracts.FinalizeDecision{
			Disposition:   contracts.DispositionRejected,
			FailingBlocks: blocks,
			FailingWarns:  warns,
		}
	}

	if len(warns) > 0 {
		if override == nil || strings.TrimSpace(override.Reason) == "" {
			return contracts.FinalizeDecision{
				Disposition:  contracts.DispositionWarnings,
				FailingWarns: warns,
			}
		}
		return contracts.FinalizeDecision{
			Disposition:    contracts.DispositionApproved,
			FailingWarns:   warns,
			OverrideTag:    contracts.TagQualityOverride,
			OverrideReason: override.Reason,
		}
	}

	return contracts.FinalizeDecision{Disposition: contracts.DispositionApproved}
}
