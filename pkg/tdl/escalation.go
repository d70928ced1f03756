package tdl

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/keel/pkg/contracts"
)

// EscalationStrategy produces the resolution options surfaced to the human
// decider when a task escalates. The engine validates the option count at
// its boundary; a strategy returning fewer than two or more than four
// options fails the escalation rather than shipping a malformed menu.
type EscalationStrategy interface {
	Options(task *contracts.Task, reason string) []contracts.EscalationOption
}

// Escalation is the record handed to the human decider.
type Escalation struct {
	ID        string
	TaskID    string
	Reason    string
	Options   []contracts.EscalationOption
	CreatedAt time.Time
}

// DefaultStrategy offers the standard resolution menu.
type DefaultStrategy struct{}

// Options returns reassign, split, descope, and cancel.
func (DefaultStrategy) Options(task *contracts.Task, reason string) []contracts.EscalationOption {
	return []contracts.EscalationOption{
		{Action: "REASSIGN", Detail: fmt.Sprintf("reassign away from %s with revised instructions", task.Assignee)},
		{Action: "SPLIT", Detail: "split into smaller tasks with independent deliverables"},
		{Action: "DESCOPE", Detail: "narrow the deliverable to what has already been demonstrated"},
		{Action: "CANCEL", Detail: "cancel the task and rework the layer plan"},
	}
}

// Escalate transitions an eligible task to BLOCKED and returns the decision
// menu. A task is eligible when it has been rejected at least the configured
// number of times, or when an upstream dependency is itself REJECTED or
// BLOCKED and so permanently unmet.
func (e *Engine) Escalate(ctx context.Context, taskID string) (*Escalation, error) {
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status == contracts.TaskBlocked {
		return nil, contracts.Errf(contracts.KindInvalidInput, taskID, "task is already escalated")
	}
	if task.Status == contracts.TaskAccepted {
		return nil, contracts.Errf(contracts.KindInvalidInput, taskID, "accepted tasks cannot escalate")
	}

	reason, eligible := "", false
	if task.Status == contracts.TaskRejected && task.Rejections >= e.escalateAfter {
		eligible = true
		reason = fmt.Sprintf("rejected %d times", task.Rejections)
	}
	if !eligible {
		for _, depID := range task.UpstreamDeps {
			dep, err := e.store.GetTask(ctx, depID)
			if err != nil {
				return nil, err
			}
			if dep.Status == contracts.TaskRejected || dep.Status == contracts.TaskBlocked {
				eligible = true
				reason = fmt.Sprintf("upstream dependency %s is %s", depID, dep.Status)
				break
			}
		}
	}
	if !eligible {
		return nil, contracts.Errf(contracts.KindInvalidInput, taskID,
			"task is not eligible for escalation (rejections %d/%d, no unmet terminal dependency)",
			task.Rejections, e.escalateAfter)
	}

	options := e.strategy.Options(task, reason)
	if len(options) < 2 || len(options) > 4 {
		return nil, contracts.Errf(contracts.KindEscalationOptionsInvalid, taskID,
			"escalation requires 2-4 options, strategy produced %d", len(options))
	}

	task.Status = contracts.TaskBlocked
	if err := e.store.PutTask(ctx, task); err != nil {
		return nil, err
	}
	e.log.Warn("task escalated", "task_id", taskID, "reason", reason, "options", len(options))
	return &Escalation{
		ID:        uuid.New().String(),
		TaskID:    taskID,
		Reason:    reason,
		Options:   options,
		CreatedAt: e.clock().UTC(),
	}, nil
}
