// Package tdl implements the Task Delegation Engine: assignment, DAG
// dependency gating, acceptance, escalation, and standup cadence for
// tasks delegated to human or AI workers within an execution layer.
//
// Acceptance is the conservation step: the linked deliverable becomes DONE
// and the session ledger is credited in the same operation; no deliverable
// becomes DONE by any other path.
package tdl

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/keel/pkg/conservation"
	"github.com/Mindburn-Labs/keel/pkg/contracts"
	"github.com/Mindburn-Labs/keel/pkg/store"
)

// Engine owns tasks within a layer.
type Engine struct {
	store    store.Store
	log      *slog.Logger
	clock    func() time.Time
	strategy EscalationStrategy

	// escalateAfter is the rejection count that makes a task eligible for
	// escalation. Configuration, never a hardcoded call-site constant.
	escalateAfter int
}

// NewEngine creates a delegation engine over the given store.
func NewEngine(s store.Store, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		store:         s,
		log:           log,
		clock:         time.Now,
		strategy:      DefaultStrategy{},
		escalateAfter: 3,
	}
}

// WithClock overrides the clock for deterministic testing.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

// WithStrategy replaces the escalation option strategy. Option-count
// validation stays at the engine boundary regardless of strategy.
func (e *Engine) WithStrategy(s EscalationStrategy) *Engine {
	e.strategy = s
	return e
}

// WithEscalateAfter sets the rejection count that makes a task eligible
// for escalation.
func (e *Engine) WithEscalateAfter(n int) *Engine {
	if n > 0 {
		e.escalateAfter = n
	}
	return e
}

// CreateTask creates a task in ASSIGNED under the given layer. The
// upstream dependency ids, together with existing task edges, must form no
// cycle; a would-be cycle rejects the creation.
func (e *Engine) CreateTask(ctx context.Context, layerID, assignee string, upstreamDeps []string, deliverableID string, wuCost int64) (*contracts.Task, error) {
	if assignee == "" {
		return nil, contracts.Errf(contracts.KindInvalidInput, layerID, "assignee is required")
	}
	if deliverableID == "" {
		return nil, contracts.Errf(contracts.KindInvalidInput, layerID, "deliverable id is required")
	}
	if wuCost < 0 {
		return nil, contracts.Errf(contracts.KindInvalidInput, layerID, "wu_cost must be non-negative")
	}
	layer, err := e.store.GetLayer(ctx, layerID)
	if err != nil {
		return nil, err
	}

	id := uuid.New().String()
	if err := e.checkAcyclic(ctx, id, upstreamDeps); err != nil {
		return nil, err
	}

	// The deliverable record is created PENDING alongside its task unless
	// it already exists (shared deliverables are rejected at acceptance by
	// the PENDING→DONE guard).
	if _, err := e.store.GetDeliverable(ctx, deliverableID); err != nil {
		if !contracts.IsKind(err, contracts.KindNotFound) {
			return nil, err
		}
		d := &contracts.Deliverable{ID: deliverableID, Status: contracts.DeliverablePending}
		if err := e.store.PutDeliverable(ctx, d); err != nil {
			return nil, err
		}
	}

	task := &contracts.Task{
		ID:            id,
		LayerID:       layerID,
		SessionID:     layer.SessionID,
		Assignee:      assignee,
		Status:        contracts.TaskAssigned,
		UpstreamDeps:  append([]string(nil), upstreamDeps...),
		DeliverableID: deliverableID,
		WUCost:        wuCost,
		CreatedAt:     e.clock().UTC(),
	}
	if err := e.store.PutTask(ctx, task); err != nil {
		return nil, err
	}
	e.log.Info("task created", "task_id", task.ID, "layer_id", layerID, "assignee", assignee, "deps", len(upstreamDeps))
	return task, nil
}

// Start transitions ASSIGNED/REJECTED → IN_PROGRESS. Every upstream
// dependency must be ACCEPTED; the error names the first unmet one.
func (e *Engine) Start(ctx context.Context, taskID string) (*contracts.Task, error) {
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status != contracts.TaskAssigned && task.Status != contracts.TaskRejected {
		return nil, contracts.Errf(contracts.KindInvalidInput, taskID,
			"cannot start task in %s state", task.Status)
	}
	for _, depID := range task.UpstreamDeps {
		dep, err := e.store.GetTask(ctx, depID)
		if err != nil {
			return nil, err
		}
		if dep.Status != contracts.TaskAccepted {
			return nil, contracts.Errf(contracts.KindDependencyNotAccepted, taskID,
				"dependency %s is %s, not ACCEPTED", depID, dep.Status)
		}
	}

	task.Status = contracts.TaskInProgress
	if err := e.store.PutTask(ctx, task); err != nil {
		return nil, err
	}
	return task, nil
}

// Submit transitions IN_PROGRESS → SUBMITTED with the worker's output.
func (e *Engine) Submit(ctx context.Context, taskID, output string) (*contracts.Task, error) {
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status != contracts.TaskInProgress {
		return nil, contracts.Errf(contracts.KindInvalidInput, taskID,
			"cannot submit task in %s state", task.Status)
	}
	task.Status = contracts.TaskSubmitted
	task.Output = output
	if err := e.store.PutTask(ctx, task); err != nil {
		return nil, err
	}
	return task, nil
}

// Accept transitions SUBMITTED → ACCEPTED. In the same step the linked
// deliverable becomes DONE and the session ledger is credited under the
// caller-supplied provenance tag, after which the conservation identity is
// re-validated. Budget is checked first and nothing mutates on failure.
func (e *Engine) Accept(ctx context.Context, taskID string, provenance contracts.Provenance) (*contracts.Task, error) {
	if provenance != contracts.ProvenanceVerified && provenance != contracts.ProvenanceFormula {
		return nil, contracts.Errf(contracts.KindInvalidInput, taskID, "unknown provenance tag %q", provenance)
	}
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status != contracts.TaskSubmitted {
		return nil, contracts.Errf(contracts.KindInvalidInput, taskID,
			"cannot accept task in %s state", task.Status)
	}

	deliverable, err := e.store.GetDeliverable(ctx, task.DeliverableID)
	if err != nil {
		return nil, err
	}
	if deliverable.Status != contracts.DeliverablePending {
		return nil, contracts.Errf(contracts.KindConservationViolation, task.DeliverableID,
			"deliverable already %s; acceptance would double-count", deliverable.Status)
	}

	led, err := e.store.GetLedger(ctx, task.SessionID)
	if err != nil {
		return nil, err
	}
	if err := conservation.CheckBudget(led, task.WUCost); err != nil {
		return nil, err
	}
	led.WUConsumed += task.WUCost
	led.ExecutionTotal += task.WUCost
	switch provenance {
	case contracts.ProvenanceVerified:
		led.VerifiedReality += task.WUCost
	case contracts.ProvenanceFormula:
		led.FormulaExecution += task.WUCost
	}
	if err := conservation.Recompute(led); err != nil {
		return nil, err
	}

	if err := e.store.PutLedger(ctx, led); err != nil {
		return nil, err
	}
	deliverable.Status = contracts.DeliverableDone
	if err := e.store.PutDeliverable(ctx, deliverable); err != nil {
		return nil, err
	}
	task.Status = contracts.TaskAccepted
	if err := e.store.PutTask(ctx, task); err != nil {
		return nil, err
	}
	e.log.Info("task accepted", "task_id", taskID, "provenance", string(provenance), "wu_cost", task.WUCost)
	return task, nil
}

// Reject transitions SUBMITTED → REJECTED and counts the rejection toward
// escalation eligibility.
func (e *Engine) Reject(ctx context.Context, taskID, reason string) (*contracts.Task, error) {
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status != contracts.TaskSubmitted {
		return nil, contracts.Errf(contracts.KindInvalidInput, taskID,
			"cannot reject task in %s state", task.Status)
	}
	task.Status = contracts.TaskRejected
	task.RejectReason = reason
	task.Rejections++
	if err := e.store.PutTask(ctx, task); err != nil {
		return nil, err
	}
	e.log.Info("task rejected", "task_id", taskID, "rejections", task.Rejections, "reason", reason)
	return task, nil
}

// Reassign re-enters ASSIGNED from REJECTED or BLOCKED, optionally with a
// new assignee and adjusted dependencies (re-checked for cycles).
func (e *Engine) Reassign(ctx context.Context, taskID, assignee string, upstreamDeps []string) (*contracts.Task, error) {
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status != contracts.TaskRejected && task.Status != contracts.TaskBlocked {
		return nil, contracts.Errf(contracts.KindInvalidInput, taskID,
			"cannot reassign task in %s state", task.Status)
	}
	if upstreamDeps != nil {
		if err := e.checkAcyclic(ctx, taskID, upstreamDeps); err != nil {
			return nil, err
		}
		task.UpstreamDeps = append([]string(nil), upstreamDeps...)
	}
	if assignee != "" {
		task.Assignee = assignee
	}
	task.Status = contracts.TaskAssigned
	if err := e.store.PutTask(ctx, task); err != nil {
		return nil, err
	}
	return task, nil
}

// FileStandup appends a standup report. The sequence number must be
// exactly one greater than the task's previous report (1 for the first),
// and all fields are required. The task record tracks the latest sequence.
func (e *Engine) FileStandup(ctx context.Context, taskID string, sequence int, fields contracts.StandupFields) (*contracts.StandupReport, error) {
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if fields.Progress == "" || fields.Blockers == "" || fields.NextSteps == "" {
		return nil, contracts.Errf(contracts.KindStandupFieldsMissing, taskID,
			"progress, blockers, and next_steps are all required")
	}
	if sequence != task.StandupSeq+1 {
		return nil, contracts.Errf(contracts.KindStandupSequenceViolation, taskID,
			"standup sequence must be %d, got %d", task.StandupSeq+1, sequence)
	}

	report := &contracts.StandupReport{
		ID:        uuid.New().String(),
		TaskID:    taskID,
		Sequence:  sequence,
		Progress:  fields.Progress,
		Blockers:  fields.Blockers,
		NextSteps: fields.NextSteps,
		FiledAt:   e.clock().UTC(),
	}
	if err := e.store.AppendStandup(ctx, report); err != nil {
		return nil, err
	}
	task.StandupSeq = sequence
	if err := e.store.PutTask(ctx, task); err != nil {
		return nil, err
	}
	return report, nil
}

// checkAcyclic walks the dependency graph reachable from deps, with the
// candidate task's own edges included, and rejects any cycle.
func (e *Engine) checkAcyclic(ctx context.Context, taskID string, deps []string) error {
	graph := map[string][]string{taskID: deps}
	queue := append([]string(nil), deps...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if _, seen := graph[id]; seen {
			continue
		}
		dep, err := e.store.GetTask(ctx, id)
		if err != nil {
			return err
		}
		graph[id] = dep.UpstreamDeps
		queue = append(queue, dep.UpstreamDeps...)
	}

	visited := make(map[string]bool)
	onStack := make(map[string]bool)
	var walk func(node string) error
	walk = func(node string) error {
		visited[node] = true
		onStack[node] = true
		for _, next := range graph[node] {
			if !visited[next] {
				if err := walk(next); err != nil {
					return err
				}
			} else if onStack[next] {
				return contracts.Errf(contracts.KindCyclicDependency, taskID,
					"cycle detected: %s depends on %s", node, next)
			}
		}
		onStack[node] = false
		return nil
	}
	return walk(taskID)
}
