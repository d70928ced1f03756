// Package kernel is the governance facade. It serializes every
// state-changing command under a per-session lock, delegates to the layer
// manager and task delegation engine, records each commit in the audit
// trail with a conservation snapshot, and answers readiness and finalize
// queries.
//
// Multi-record commands rely on the session lock for atomicity. Every
// process writing to a shared store must therefore hold its locks in a
// shared domain: use WithLocker(NewRedisLocker(...)) whenever more than
// one process can reach the store.
package kernel

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/Mindburn-Labs/keel/pkg/audit"
	"github.com/Mindburn-Labs/keel/pkg/config"
	"github.com/Mindburn-Labs/keel/pkg/conservation"
	"github.com/Mindburn-Labs/keel/pkg/contracts"
	"github.com/Mindburn-Labs/keel/pkg/finalize"
	"github.com/Mindburn-Labs/keel/pkg/layers"
	"github.com/Mindburn-Labs/keel/pkg/observability"
	"github.com/Mindburn-Labs/keel/pkg/store"
	"github.com/Mindburn-Labs/keel/pkg/tdl"
)

// FactorSource supplies the evidence-confidence (L), process-compliance
// (P), and verification-completeness (V) factors for a session's readiness
// score.
type FactorSource interface {
	Factors(ctx context.Context, sessionID string) (l, p, v float64, err error)
}

// Kernel coordinates all governance commands for sessions.
type Kernel struct {
	store   store.Store
	layers  *layers.Manager
	tasks   *tdl.Engine
	trail   *audit.Trail
	locker  Locker
	factors FactorSource
	obs     *observability.Provider
	log     *slog.Logger
	cfg     *config.Config
	clock   func() time.Time
}

// New assembles a kernel over the given store and configuration.
func New(s store.Store, cfg *config.Config, log *slog.Logger) *Kernel {
	if log == nil {
		log = slog.Default()
	}
	if cfg == nil {
		cfg = config.Load()
	}
	k := &Kernel{
		store:  s,
		trail:  audit.NewTrail(),
		locker: NewMemoryLocker(),
		log:    log,
		cfg:    cfg,
		clock:  time.Now,
	}
	k.layers = layers.NewManager(s, log).WithMaxRetries(cfg.MaxLayerRetries)
	k.tasks = tdl.NewEngine(s, log).WithEscalateAfter(cfg.EscalateAfterRejections)
	k.factors = NewStoreFactors(s)
	return k
}

// WithLocker replaces the session locker, e.g. with a RedisLocker for
// multi-process deployments.
func (k *Kernel) WithLocker(l Locker) *Kernel {
	k.locker = l
	return k
}

// WithFactors replaces the readiness factor source.
func (k *Kernel) WithFactors(f FactorSource) *Kernel {
	k.factors = f
	return k
}

// WithObservability attaches metric and trace recording.
func (k *Kernel) WithObservability(p *observability.Provider) *Kernel {
	k.obs = p
	return k
}

// WithClock overrides the clock for deterministic testing, propagated to
// the layer manager, delegation engine, and audit trail.
func (k *Kernel) WithClock(clock func() time.Time) *Kernel {
	k.clock = clock
	k.layers.WithClock(clock)
	k.tasks.WithClock(clock)
	k.trail.WithClock(clock)
	return k
}

// Trail exposes the audit trail for inspection and verification.
func (k *Kernel) Trail() *audit.Trail {
	return k.trail
}

// command runs fn under the session lock with tracing and an audit append
// on success.
func (k *Kernel) command(ctx context.Context, name, sessionID string, event audit.EventType, fn func(ctx context.Context) (recordID string, data map[string]any, err error)) error {
	done := func(error) {}
	if k.obs != nil {
		ctx, done = k.obs.TrackCommand(ctx, name, attribute.String("session_id", sessionID))
	}

	unlock, err := k.locker.Lock(ctx, sessionID)
	if err != nil {
		done(err)
		return err
	}
	defer unlock()

	recordID, data, err := fn(ctx)
	if err != nil {
		if k.obs != nil && contracts.IsKind(err, contracts.KindConservationViolation) {
			k.obs.RecordViolation(ctx, sessionID)
		}
		done(err)
		return err
	}

	led, ledErr := k.store.GetLedger(ctx, sessionID)
	if ledErr != nil {
		led = nil
	}
	if _, aerr := k.trail.Append(audit.Record{
		Event:     event,
		SessionID: sessionID,
		RecordID:  recordID,
		Data:      data,
		Ledger:    led,
	}); aerr != nil {
		k.log.Error("audit append failed", "event", string(event), "error", aerr)
	}
	done(nil)
	return nil
}

// CreateSession provisions a session with the given work-unit budget
// (config default when zero) and a zero conservation ledger.
func (k *Kernel) CreateSession(ctx context.Context, wuBudget int64) (*contracts.Session, error) {
	if wuBudget == 0 {
		wuBudget = k.cfg.DefaultWUBudget
	}
	sess, err := k.layers.CreateSession(ctx, wuBudget)
	if err != nil {
		return nil, err
	}
	if _, aerr := k.trail.Append(audit.Record{
		Event:     audit.EventSessionCreated,
		SessionID: sess.ID,
		Data:      map[string]any{"wu_budget": wuBudget},
	}); aerr != nil {
		k.log.Error("audit append failed", "event", "SESSION_CREATED", "error", aerr)
	}
	return sess, nil
}

// CreateLayers plans layers in a session and returns their ids in
// sequence order.
func (k *Kernel) CreateLayers(ctx context.Context, sessionID string, specs []contracts.LayerSpec) ([]string, error) {
	var ids []string
	err := k.command(ctx, "create_layers", sessionID, audit.EventLayersCreated, func(ctx context.Context) (string, map[string]any, error) {
		var err error
		ids, err = k.layers.CreateLayers(ctx, sessionID, specs)
		if err != nil {
			return "", nil, err
		}
		return "", map[string]any{"count": len(ids)}, nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// ActivateLayer starts execution of a pending layer.
func (k *Kernel) ActivateLayer(ctx context.Context, sessionID, layerID string) (*contracts.ExecutionLayer, error) {
	var layer *contracts.ExecutionLayer
	err := k.command(ctx, "activate_layer", sessionID, audit.EventLayerActivated, func(ctx context.Context) (string, map[string]any, error) {
		var err error
		layer, err = k.layers.Activate(ctx, layerID)
		if err != nil {
			return "", nil, err
		}
		return layerID, map[string]any{"wu_cost": layer.WUCost}, nil
	})
	if err != nil {
		return nil, err
	}
	return layer, nil
}

// RecordVerification marks an active layer executed with its evidence.
func (k *Kernel) RecordVerification(ctx context.Context, sessionID, layerID, method, evidenceRef string) (*contracts.ExecutionLayer, error) {
	var layer *contracts.ExecutionLayer
	err := k.command(ctx, "record_verification", sessionID, audit.EventLayerExecuted, func(ctx context.Context) (string, map[string]any, error) {
		var err error
		layer, err = k.layers.RecordVerification(ctx, layerID, method, evidenceRef)
		if err != nil {
			return "", nil, err
		}
		return layerID, map[string]any{"method": method, "evidence_ref": evidenceRef}, nil
	})
	if err != nil {
		return nil, err
	}
	return layer, nil
}

// LockLayer makes an executed layer immutable.
func (k *Kernel) LockLayer(ctx context.Context, sessionID, layerID string) (*contracts.ExecutionLayer, error) {
	var layer *contracts.ExecutionLayer
	err := k.command(ctx, "lock_layer", sessionID, audit.EventLayerLocked, func(ctx context.Context) (string, map[string]any, error) {
		var err error
		layer, err = k.layers.Lock(ctx, layerID)
		if err != nil {
			return "", nil, err
		}
		return layerID, nil, nil
	})
	if err != nil {
		return nil, err
	}
	return layer, nil
}

// FailLayer records a failure on an active layer.
func (k *Kernel) FailLayer(ctx context.Context, sessionID, layerID, reason string) (*contracts.ExecutionLayer, error) {
	var layer *contracts.ExecutionLayer
	err := k.command(ctx, "fail_layer", sessionID, audit.EventLayerFailed, func(ctx context.Context) (string, map[string]any, error) {
		var err error
		layer, err = k.layers.Fail(ctx, layerID, reason)
		if err != nil {
			return "", nil, err
		}
		return layerID, map[string]any{"reason": reason}, nil
	})
	if err != nil {
		return nil, err
	}
	return layer, nil
}

// RetryLayer re-activates a failed layer.
func (k *Kernel) RetryLayer(ctx context.Context, sessionID, layerID string) (*contracts.ExecutionLayer, error) {
	var layer *contracts.ExecutionLayer
	err := k.command(ctx, "retry_layer", sessionID, audit.EventLayerRetried, func(ctx context.Context) (string, map[string]any, error) {
		var err error
		layer, err = k.layers.Retry(ctx, layerID)
		if err != nil {
			return "", nil, err
		}
		return layerID, map[string]any{"retry_count": layer.RetryCount}, nil
	})
	if err != nil {
		return nil, err
	}
	return layer, nil
}

// DeleteLayer removes a pending layer from the plan.
func (k *Kernel) DeleteLayer(ctx context.Context, sessionID, layerID string) error {
	return k.command(ctx, "delete_layer", sessionID, audit.EventLayerDeleted, func(ctx context.Context) (string, map[string]any, error) {
		if err := k.layers.Delete(ctx, layerID); err != nil {
			return "", nil, err
		}
		return layerID, nil, nil
	})
}

// ModifyLayer patches an unlocked layer's planning fields.
func (k *Kernel) ModifyLayer(ctx context.Context, sessionID, layerID string, patch contracts.LayerPatch) (*contracts.ExecutionLayer, error) {
	var layer *contracts.ExecutionLayer
	err := k.command(ctx, "modify_layer", sessionID, audit.EventLayerModified, func(ctx context.Context) (string, map[string]any, error) {
		var err error
		layer, err = k.layers.Modify(ctx, layerID, patch)
		if err != nil {
			return "", nil, err
		}
		return layerID, nil, nil
	})
	if err != nil {
		return nil, err
	}
	return layer, nil
}

// CreateTask delegates work under a layer.
func (k *Kernel) CreateTask(ctx context.Context, sessionID, layerID, assignee string, upstreamDeps []string, deliverableID string, wuCost int64) (*contracts.Task, error) {
	var task *contracts.Task
	err := k.command(ctx, "create_task", sessionID, audit.EventTaskCreated, func(ctx context.Context) (string, map[string]any, error) {
		var err error
		task, err = k.tasks.CreateTask(ctx, layerID, assignee, upstreamDeps, deliverableID, wuCost)
		if err != nil {
			return "", nil, err
		}
		return task.ID, map[string]any{"assignee": assignee, "layer_id": layerID}, nil
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

// StartTask begins work on an assigned task.
func (k *Kernel) StartTask(ctx context.Context, sessionID, taskID string) (*contracts.Task, error) {
	var task *contracts.Task
	err := k.command(ctx, "start_task", sessionID, audit.EventTaskStarted, func(ctx context.Context) (string, map[string]any, error) {
		var err error
		task, err = k.tasks.Start(ctx, taskID)
		if err != nil {
			return "", nil, err
		}
		return taskID, nil, nil
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

// SubmitTask records the worker's output for review.
func (k *Kernel) SubmitTask(ctx context.Context, sessionID, taskID, output string) (*contracts.Task, error) {
	var task *contracts.Task
	err := k.command(ctx, "submit_task", sessionID, audit.EventTaskSubmitted, func(ctx context.Context) (string, map[string]any, error) {
		var err error
		task, err = k.tasks.Submit(ctx, taskID, output)
		if err != nil {
			return "", nil, err
		}
		return taskID, nil, nil
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

// AcceptTask accepts a submitted task, completing its deliverable and
// crediting the conservation ledger under the given provenance.
func (k *Kernel) AcceptTask(ctx context.Context, sessionID, taskID string, provenance contracts.Provenance) (*contracts.Task, error) {
	var task *contracts.Task
	err := k.command(ctx, "accept_task", sessionID, audit.EventTaskAccepted, func(ctx context.Context) (string, map[string]any, error) {
		var err error
		task, err = k.tasks.Accept(ctx, taskID, provenance)
		if err != nil {
			return "", nil, err
		}
		return taskID, map[string]any{"provenance": string(provenance), "wu_cost": task.WUCost}, nil
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

// RejectTask rejects a submitted task.
func (k *Kernel) RejectTask(ctx context.Context, sessionID, taskID, reason string) (*contracts.Task, error) {
	var task *contracts.Task
	err := k.command(ctx, "reject_task", sessionID, audit.EventTaskRejected, func(ctx context.Context) (string, map[string]any, error) {
		var err error
		task, err = k.tasks.Reject(ctx, taskID, reason)
		if err != nil {
			return "", nil, err
		}
		return taskID, map[string]any{"rejections": task.Rejections}, nil
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

// EscalateTask raises an eligible task to a human decision.
func (k *Kernel) EscalateTask(ctx context.Context, sessionID, taskID string) (*tdl.Escalation, error) {
	var esc *tdl.Escalation
	err := k.command(ctx, "escalate_task", sessionID, audit.EventTaskEscalated, func(ctx context.Context) (string, map[string]any, error) {
		var err error
		esc, err = k.tasks.Escalate(ctx, taskID)
		if err != nil {
			return "", nil, err
		}
		if k.obs != nil {
			k.obs.RecordEscalation(ctx, esc.Reason)
		}
		return taskID, map[string]any{"reason": esc.Reason, "options": len(esc.Options)}, nil
	})
	if err != nil {
		return nil, err
	}
	return esc, nil
}

// ReassignTask re-enters a rejected or blocked task into the assigned state.
func (k *Kernel) ReassignTask(ctx context.Context, sessionID, taskID, assignee string, upstreamDeps []string) (*contracts.Task, error) {
	var task *contracts.Task
	err := k.command(ctx, "reassign_task", sessionID, audit.EventTaskCreated, func(ctx context.Context) (string, map[string]any, error) {
		var err error
		task, err = k.tasks.Reassign(ctx, taskID, assignee, upstreamDeps)
		if err != nil {
			return "", nil, err
		}
		return taskID, map[string]any{"assignee": task.Assignee}, nil
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

// FileStandup appends a standup report for a task.
func (k *Kernel) FileStandup(ctx context.Context, sessionID, taskID string, sequence int, fields contracts.StandupFields) (*contracts.StandupReport, error) {
	var report *contracts.StandupReport
	err := k.command(ctx, "file_standup", sessionID, audit.EventStandupFiled, func(ctx context.Context) (string, map[string]any, error) {
		var err error
		report, err = k.tasks.FileStandup(ctx, taskID, sequence, fields)
		if err != nil {
			return "", nil, err
		}
		return taskID, map[string]any{"sequence": sequence}, nil
	})
	if err != nil {
		return nil, err
	}
	return report, nil
}

// Readiness computes the session's composite readiness score.
func (k *Kernel) Readiness(ctx context.Context, sessionID string) (*conservation.Score, error) {
	l, p, v, err := k.factors.Factors(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return conservation.NewScore(l, p, v)
}

// Finalize runs the decision engine over the supplied checks. A readiness
// score below the configured threshold contributes a failing WARNING check,
// so finalizing an unready session demands an explicit override reason.
// An approved decision archives the session.
func (k *Kernel) Finalize(ctx context.Context, sessionID string, checks []contracts.Check, override *contracts.Override) (*contracts.FinalizeDecision, error) {
	var decision contracts.FinalizeDecision
	err := k.command(ctx, "finalize", sessionID, audit.EventFinalizeDecided, func(ctx context.Context) (string, map[string]any, error) {
		sess, err := k.store.GetSession(ctx, sessionID)
		if err != nil {
			return "", nil, err
		}
		led, err := k.store.GetLedger(ctx, sessionID)
		if err != nil {
			return "", nil, err
		}
		if err := conservation.Recompute(led); err != nil {
			return "", nil, err
		}

		score, err := k.Readiness(ctx, sessionID)
		if err != nil {
			return "", nil, err
		}
		all := append([]contracts.Check(nil), checks...)
		all = append(all, contracts.Check{
			ID:       "READINESS_THRESHOLD",
			Severity: contracts.SeverityWarn,
			Passed:   !conservation.RequiresHumanApproval(score.R, k.cfg.ReadinessThreshold),
		})

		decision = finalize.Decide(all, override)
		if k.obs != nil {
			k.obs.RecordFinalize(ctx, string(decision.Disposition))
		}
		k.log.Info("finalize decided",
			"session_id", sessionID,
			"disposition", string(decision.Disposition),
			"readiness", score.R,
			"level", string(score.Level),
		)

		if decision.Disposition == contracts.DispositionApproved {
			sess.Archived = true
			if err := k.store.PutSession(ctx, sess); err != nil {
				return "", nil, err
			}
		}
		return "", map[string]any{
			"disposition": string(decision.Disposition),
			"readiness":   score.R,
			"level":       string(score.Level),
			"bottleneck":  score.Bottleneck,
		}, nil
	})
	if err != nil {
		return nil, err
	}
	if decision.Disposition == contracts.DispositionApproved {
		led, ledErr := k.store.GetLedger(ctx, sessionID)
		if ledErr != nil {
			led = nil
		}
		if _, aerr := k.trail.Append(audit.Record{
			Event:     audit.EventSessionFinalized,
			SessionID: sessionID,
			Data:      map[string]any{"archived": true},
			Ledger:    led,
		}); aerr != nil {
			k.log.Error("audit append failed", "event", "SESSION_FINALIZED", "error", aerr)
		}
	}
	return &decision, nil
}

// Session returns the session record.
func (k *Kernel) Session(ctx context.Context, sessionID string) (*contracts.Session, error) {
	return k.store.GetSession(ctx, sessionID)
}

// Ledger returns the session's conservation ledger.
func (k *Kernel) Ledger(ctx context.Context, sessionID string) (*contracts.ConservationLedger, error) {
	return k.store.GetLedger(ctx, sessionID)
}

// Layer returns a single layer record.
func (k *Kernel) Layer(ctx context.Context, layerID string) (*contracts.ExecutionLayer, error) {
	return k.store.GetLayer(ctx, layerID)
}

// Task returns a single task record.
func (k *Kernel) Task(ctx context.Context, taskID string) (*contracts.Task, error) {
	return k.store.GetTask(ctx, taskID)
}

// Layers lists the session's layers ordered by index.
func (k *Kernel) Layers(ctx context.Context, sessionID string) ([]*contracts.ExecutionLayer, error) {
	return k.store.ListLayers(ctx, sessionID)
}

// Tasks lists the tasks under a layer.
func (k *Kernel) Tasks(ctx context.Context, layerID string) ([]*contracts.Task, error) {
	return k.store.ListTasks(ctx, layerID)
}
