package contracts

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a kernel contract violation. All kinds are
// non-retryable by the kernel itself: the caller must supply corrected
// input. ConservationViolation is the one fault-class kind; it signals an
// internal-consistency bug, not a user error.
type ErrorKind string

const (
	// Execution-layer contract violations.
	KindSequenceViolation      ErrorKind = "SEQUENCE_VIOLATION"
	KindLayerLocked            ErrorKind = "LAYER_LOCKED"
	KindDeleteNotPermitted     ErrorKind = "DELETE_NOT_PERMITTED"
	KindVerificationIncomplete ErrorKind = "VERIFICATION_INCOMPLETE"

	// Task-delegation contract violations.
	KindCyclicDependency         ErrorKind = "CYCLIC_DEPENDENCY"
	KindDependencyNotAccepted    ErrorKind = "DEPENDENCY_NOT_ACCEPTED"
	KindEscalationOptionsInvalid ErrorKind = "ESCALATION_OPTIONS_INVALID"
	KindStandupSequenceViolation ErrorKind = "STANDUP_SEQUENCE_VIOLATION"
	KindStandupFieldsMissing     ErrorKind = "STANDUP_FIELDS_MISSING"

	// Resource exhaustion; recoverable by a budget increase upstream.
	KindBudgetExceeded ErrorKind = "BUDGET_EXCEEDED"

	// Fatal internal-consistency fault.
	KindConservationViolation ErrorKind = "CONSERVATION_VIOLATION"

	// Stale write detected by the ledger store.
	KindConcurrentModification ErrorKind = "CONCURRENT_MODIFICATION"

	// Lookup failures and malformed input surfaced by the store/kernel.
	KindNotFound     ErrorKind = "NOT_FOUND"
	KindInvalidInput ErrorKind = "INVALID_INPUT"
)

// Error is the structured error every kernel operation returns on a
// precondition failure: kind + offending record id + human-readable detail,
// so presentation layers can render actionable messages.
type Error struct {
	Kind     ErrorKind `json:"kind"`
	RecordID string    `json:"record_id,omitempty"`
	Detail   string    `json:"detail"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.RecordID == "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
	}
	return fmt.Sprintf("%s [%s]: %s", e.Kind, e.RecordID, e.Detail)
}

// Fatal reports whether the error indicates a program fault rather than a
// correctable caller mistake.
func (e *Error) Fatal() bool {
	return e.Kind == KindConservationViolation
}

// Errf builds a structured Error with a formatted detail message.
func Errf(kind ErrorKind, recordID, format string, args ...any) *Error {
	return &Error{Kind: kind, RecordID: recordID, Detail: fmt.Sprintf(format, args...)}
}

// IsKind reports whether err is (or wraps) a kernel Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var ke *Error
	if errors.As(err, &ke) {
		return ke.Kind == kind
	}
	return false
}
