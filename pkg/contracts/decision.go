package contracts

// Severity grades a finalize check. BLOCK failures are fatal to approval;
// WARN failures may be overridden with a recorded reason.
type Severity string

const (
	SeverityBlock Severity = "BLOCK"
	SeverityWarn  Severity = "WARN"
)

// Check is one graded verdict produced by an upstream validator.
type Check struct {
	ID       string   `json:"id"`
	Severity Severity `json:"severity"`
	Passed   bool     `json:"passed"`
}

// Override lets a human approve past failing WARN checks. The reason is
// mandatory and is attached to the decision for audit.
type Override struct {
	Reason string `json:"reason"`
}

// Disposition is the three-way outcome of finalization.
type Disposition string

const (
	DispositionRejected Disposition = "REJECTED"
	DispositionWarnings Disposition = "WARNINGS"
	DispositionApproved Disposition = "APPROVED"
)

// TagQualityOverride marks an approval that overrode failing WARN checks.
const TagQualityOverride = "QUALITY_OVERRIDE"

// FinalizeDecision is the computed disposition over a set of graded checks.
// It is derived, never persisted by the kernel.
type FinalizeDecision struct {
	Disposition    Disposition `json:"disposition"`
	FailingBlocks  []string    `json:"failing_blocks,omitempty"`
	FailingWarns   []string    `json:"failing_warns,omitempty"`
	OverrideTag    string      `json:"override_tag,omitempty"`
	OverrideReason string      `json:"override_reason,omitempty"`
}
