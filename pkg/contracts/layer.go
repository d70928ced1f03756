package contracts

import "time"

// LayerStatus is the lifecycle state of an execution layer.
type LayerStatus string

const (
	LayerPending  LayerStatus = "PENDING"
	LayerActive   LayerStatus = "ACTIVE"
	LayerExecuted LayerStatus = "EXECUTED"
	LayerLocked   LayerStatus = "LOCKED"
	LayerFailed   LayerStatus = "FAILED"
)

// ExecutionLayer is a sequenced, lockable unit of governed work.
//
// Lifecycle: PENDING → ACTIVE → EXECUTED → LOCKED, with ACTIVE → FAILED
// and FAILED → ACTIVE (retry). LOCKED is terminal; the record becomes
// immutable. At most one layer per session may be ACTIVE, and a layer may
// activate only once every lower-index layer is LOCKED.
type ExecutionLayer struct {
	ID          string      `json:"id"`
	SessionID   string      `json:"session_id"`
	Index       int         `json:"index"`
	Title       string      `json:"title"`
	Description string      `json:"description,omitempty"`
	Status      LayerStatus `json:"status"`
	WUCost      int64       `json:"wu_cost"`
	RetryCount  int         `json:"retry_count"`

	// Set only on the ACTIVE → EXECUTED transition.
	VerificationMethod string `json:"verification_method,omitempty"`
	EvidenceRef        string `json:"evidence_ref,omitempty"`

	FailureReason string     `json:"failure_reason,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	ExecutedAt    *time.Time `json:"executed_at,omitempty"`
	LockedAt      *time.Time `json:"locked_at,omitempty"`
	Version       int64      `json:"version"`
}

// LayerSpec is the caller-supplied description of a layer to create.
// Index zero means "assign the next contiguous index".
type LayerSpec struct {
	Index       int    `json:"index,omitempty"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	WUCost      int64  `json:"wu_cost"`
}

// LayerPatch is a partial update applied by ModifyLayer. Nil fields are
// left untouched. Patches are refused once a layer is LOCKED.
type LayerPatch struct {
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
	WUCost      *int64  `json:"wu_cost,omitempty"`
}
