package contracts

import "time"

// TaskStatus is the lifecycle state of a delegated task.
type TaskStatus string

const (
	TaskAssigned   TaskStatus = "ASSIGNED"
	TaskInProgress TaskStatus = "IN_PROGRESS"
	TaskSubmitted  TaskStatus = "SUBMITTED"
	TaskAccepted   TaskStatus = "ACCEPTED"
	TaskRejected   TaskStatus = "REJECTED"
	TaskBlocked    TaskStatus = "BLOCKED"
)

// Task is a unit of delegated work owned by an actor (human or AI worker),
// scoped to an execution layer. Upstream dependencies form a DAG; a task
// may enter IN_PROGRESS only once every upstream task is ACCEPTED.
type Task struct {
	ID            string     `json:"id"`
	LayerID       string     `json:"layer_id"`
	SessionID     string     `json:"session_id"`
	Assignee      string     `json:"assignee"`
	Status        TaskStatus `json:"status"`
	UpstreamDeps  []string   `json:"upstream_deps,omitempty"`
	DeliverableID string     `json:"deliverable_id"`
	WUCost        int64      `json:"wu_cost"`

	// StandupSeq is the sequence number of the latest standup report.
	StandupSeq int `json:"standup_seq"`

	// Rejections counts SUBMITTED → REJECTED transitions; the configured
	// threshold makes the task eligible for escalation.
	Rejections   int    `json:"rejections"`
	Output       string `json:"output,omitempty"`
	RejectReason string `json:"reject_reason,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	Version   int64     `json:"version"`
}

// StandupReport is an append-only cadence report attached to a task.
// Sequence numbers increase by exactly 1 per task; all fields are required.
// Reports are immutable once filed.
type StandupReport struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"task_id"`
	Sequence  int       `json:"sequence"`
	Progress  string    `json:"progress"`
	Blockers  string    `json:"blockers"`
	NextSteps string    `json:"next_steps"`
	FiledAt   time.Time `json:"filed_at"`
}

// StandupFields are the caller-supplied contents of a standup report.
type StandupFields struct {
	Progress  string `json:"progress"`
	Blockers  string `json:"blockers"`
	NextSteps string `json:"next_steps"`
}

// DeliverableStatus is the state of an external artifact linked to a task.
type DeliverableStatus string

const (
	DeliverablePending DeliverableStatus = "PENDING"
	DeliverableDone    DeliverableStatus = "DONE"
)

// Deliverable is the external artifact a task produces. It transitions
// PENDING → DONE only as a side effect of its task being ACCEPTED; no
// other path may mark it DONE.
type Deliverable struct {
	ID      string            `json:"id"`
	Status  DeliverableStatus `json:"status"`
	Version int64             `json:"version"`
}

// EscalationOption is one resolution path offered to the human director
// when a task escalates. An escalation must present 2 to 4 options.
type EscalationOption struct {
	Action string `json:"action"`
	Detail string `json:"detail"`
}
