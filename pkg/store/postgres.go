package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/Mindburn-Labs/keel/pkg/contracts"

	_ "github.com/lib/pq"
)

// Postgres is a Store backed by PostgreSQL, for multi-node deployments.
// Same optimistic-versioning discipline as the SQLite adapter.
type Postgres struct {
	db *sql.DB
}

// NewPostgres wraps an open database handle. Migrations are expected to be
// applied out of band (see MigratePostgres for dev setups).
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// OpenPostgres connects to the database at url, pings it, and applies
// migrations.
func OpenPostgres(ctx context.Context, url string) (*Postgres, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := MigratePostgres(ctx, db); err != nil {
		return nil, err
	}
	return &Postgres{db: db}, nil
}

// MigratePostgres creates the kernel tables if they do not exist.
func MigratePostgres(ctx context.Context, db *sql.DB) error {
	query := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		layer_ids JSONB NOT NULL DEFAULT '[]',
		wu_budget BIGINT NOT NULL,
		archived BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL,
		version BIGINT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS layers (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		idx INTEGER NOT NULL,
		title TEXT NOT NULL,
		description TEXT,
		status TEXT NOT NULL,
		wu_cost BIGINT NOT NULL,
		retry_count INTEGER NOT NULL DEFAULT 0,
		verification_method TEXT,
		evidence_ref TEXT,
		failure_reason TEXT,
		created_at TEXT NOT NULL,
		started_at TEXT,
		executed_at TEXT,
		locked_at TEXT,
		version BIGINT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		layer_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		assignee TEXT NOT NULL,
		status TEXT NOT NULL,
		upstream_deps JSONB NOT NULL DEFAULT '[]',
		deliverable_id TEXT NOT NULL,
		wu_cost BIGINT NOT NULL,
		standup_seq INTEGER NOT NULL DEFAULT 0,
		rejections INTEGER NOT NULL DEFAULT 0,
		output TEXT,
		reject_reason TEXT,
		created_at TEXT NOT NULL,
		version BIGINT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS deliverables (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		version BIGINT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS ledgers (
		session_id TEXT PRIMARY KEY,
		execution_total BIGINT NOT NULL,
		verified_reality BIGINT NOT NULL,
		formula_execution BIGINT NOT NULL,
		wu_consumed BIGINT NOT NULL,
		wu_budget BIGINT NOT NULL,
		version BIGINT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS standups (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		sequence INTEGER NOT NULL,
		progress TEXT NOT NULL,
		blockers TEXT NOT NULL,
		next_steps TEXT NOT NULL,
		filed_at TEXT NOT NULL,
		UNIQUE(task_id, sequence)
	);`
	_, err := db.ExecContext(ctx, query)
	return err
}

func pgPut(version *int64, kind, id string, insert func() error, update func() (sql.Result, error)) error {
	if *version == 0 {
		if err := insert(); err != nil {
			return contracts.Errf(contracts.KindConcurrentModification, id, "%s insert conflict: %v", kind, err)
		}
		*version = 1
		return nil
	}
	res, err := update()
	if err != nil {
		return fmt.Errorf("update %s %q: %w", kind, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return contracts.Errf(contracts.KindConcurrentModification, id, "%s stale write at version %d", kind, *version)
	}
	*version++
	return nil
}

func (p *Postgres) GetSession(ctx context.Context, id string) (*contracts.Session, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT id, layer_ids, wu_budget, archived, created_at, version FROM sessions WHERE id = $1`, id)
	var sess contracts.Session
	var layerIDs []byte
	if err := row.Scan(&sess.ID, &layerIDs, &sess.WUBudget, &sess.Archived, &sess.CreatedAt, &sess.Version); err != nil {
		if err == sql.ErrNoRows {
			return nil, notFound("session", id)
		}
		return nil, err
	}
	if err := json.Unmarshal(layerIDs, &sess.LayerIDs); err != nil {
		return nil, fmt.Errorf("decode layer_ids for session %q: %w", id, err)
	}
	return &sess, nil
}

func (p *Postgres) PutSession(ctx context.Context, sess *contracts.Session) error {
	layerIDs, _ := json.Marshal(sess.LayerIDs)
	return pgPut(&sess.Version, "session", sess.ID,
		func() error {
			_, err := p.db.ExecContext(ctx,
				`INSERT INTO sessions (id, layer_ids, wu_budget, archived, created_at, version) VALUES ($1, $2, $3, $4, $5, 1)`,
				sess.ID, layerIDs, sess.WUBudget, sess.Archived, sess.CreatedAt)
			return err
		},
		func() (sql.Result, error) {
			return p.db.ExecContext(ctx,
				`UPDATE sessions SET layer_ids = $1, wu_budget = $2, archived = $3, version = version + 1 WHERE id = $4 AND version = $5`,
				layerIDs, sess.WUBudget, sess.Archived, sess.ID, sess.Version)
		})
}

func (p *Postgres) GetLayer(ctx context.Context, id string) (*contracts.ExecutionLayer, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT id, session_id, idx, title, description, status, wu_cost, retry_count,
		        verification_method, evidence_ref, failure_reason,
		        created_at, started_at, executed_at, locked_at, version
		 FROM layers WHERE id = $1`, id)
	l, err := scanLayer(row)
	if err == sql.ErrNoRows {
		return nil, notFound("layer", id)
	}
	return l, err
}

func (p *Postgres) PutLayer(ctx context.Context, l *contracts.ExecutionLayer) error {
	return pgPut(&l.Version, "layer", l.ID,
		func() error {
			_, err := p.db.ExecContext(ctx,
				`INSERT INTO layers (id, session_id, idx, title, description, status, wu_cost, retry_count,
				                     verification_method, evidence_ref, failure_reason,
				                     created_at, started_at, executed_at, locked_at, version)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, 1)`,
				l.ID, l.SessionID, l.Index, l.Title, l.Description, string(l.Status), l.WUCost, l.RetryCount,
				l.VerificationMethod, l.EvidenceRef, l.FailureReason,
				formatTime(l.CreatedAt), formatTimePtr(l.StartedAt), formatTimePtr(l.ExecutedAt), formatTimePtr(l.LockedAt))
			return err
		},
		func() (sql.Result, error) {
			return p.db.ExecContext(ctx,
				`UPDATE layers SET title = $1, description = $2, status = $3, wu_cost = $4, retry_count = $5,
				        verification_method = $6, evidence_ref = $7, failure_reason = $8,
				        started_at = $9, executed_at = $10, locked_at = $11, version = version + 1
				 WHERE id = $12 AND version = $13`,
				l.Title, l.Description, string(l.Status), l.WUCost, l.RetryCount,
				l.VerificationMethod, l.EvidenceRef, l.FailureReason,
				formatTimePtr(l.StartedAt), formatTimePtr(l.ExecutedAt), formatTimePtr(l.LockedAt),
				l.ID, l.Version)
		})
}

func (p *Postgres) DeleteLayer(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM layers WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("layer", id)
	}
	return nil
}

func (p *Postgres) ListLayers(ctx context.Context, sessionID string) ([]*contracts.ExecutionLayer, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, session_id, idx, title, description, status, wu_cost, retry_count,
		        verification_method, evidence_ref, failure_reason,
		        created_at, started_at, executed_at, locked_at, version
		 FROM layers WHERE session_id = $1 ORDER BY idx ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.ExecutionLayer
	for rows.Next() {
		l, err := scanLayer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (p *Postgres) GetTask(ctx context.Context, id string) (*contracts.Task, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT id, layer_id, session_id, assignee, status, upstream_deps, deliverable_id, wu_cost,
		        standup_seq, rejections, output, reject_reason, created_at, version
		 FROM tasks WHERE id = $1`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, notFound("task", id)
	}
	return t, err
}

func (p *Postgres) PutTask(ctx context.Context, t *contracts.Task) error {
	deps, _ := json.Marshal(t.UpstreamDeps)
	return pgPut(&t.Version, "task", t.ID,
		func() error {
			_, err := p.db.ExecContext(ctx,
				`INSERT INTO tasks (id, layer_id, session_id, assignee, status, upstream_deps, deliverable_id,
				                    wu_cost, standup_seq, rejections, output, reject_reason, created_at, version)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, 1)`,
				t.ID, t.LayerID, t.SessionID, t.Assignee, string(t.Status), deps, t.DeliverableID,
				t.WUCost, t.StandupSeq, t.Rejections, t.Output, t.RejectReason, formatTime(t.CreatedAt))
			return err
		},
		func() (sql.Result, error) {
			return p.db.ExecContext(ctx,
				`UPDATE tasks SET assignee = $1, status = $2, upstream_deps = $3, standup_seq = $4, rejections = $5,
				        output = $6, reject_reason = $7, version = version + 1
				 WHERE id = $8 AND version = $9`,
				t.Assignee, string(t.Status), deps, t.StandupSeq, t.Rejections,
				t.Output, t.RejectReason, t.ID, t.Version)
		})
}

func (p *Postgres) ListTasks(ctx context.Context, layerID string) ([]*contracts.Task, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, layer_id, session_id, assignee, status, upstream_deps, deliverable_id, wu_cost,
		        standup_seq, rejections, output, reject_reason, created_at, version
		 FROM tasks WHERE layer_id = $1 ORDER BY created_at ASC`, layerID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (p *Postgres) GetDeliverable(ctx context.Context, id string) (*contracts.Deliverable, error) {
	row := p.db.QueryRowContext(ctx, `SELECT id, status, version FROM deliverables WHERE id = $1`, id)
	var d contracts.Deliverable
	var status string
	if err := row.Scan(&d.ID, &status, &d.Version); err != nil {
		if err == sql.ErrNoRows {
			return nil, notFound("deliverable", id)
		}
		return nil, err
	}
	d.Status = contracts.DeliverableStatus(status)
	return &d, nil
}

func (p *Postgres) PutDeliverable(ctx context.Context, d *contracts.Deliverable) error {
	return pgPut(&d.Version, "deliverable", d.ID,
		func() error {
			_, err := p.db.ExecContext(ctx,
				`INSERT INTO deliverables (id, status, version) VALUES ($1, $2, 1)`, d.ID, string(d.Status))
			return err
		},
		func() (sql.Result, error) {
			return p.db.ExecContext(ctx,
				`UPDATE deliverables SET status = $1, version = version + 1 WHERE id = $2 AND version = $3`,
				string(d.Status), d.ID, d.Version)
		})
}

func (p *Postgres) GetLedger(ctx context.Context, sessionID string) (*contracts.ConservationLedger, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT session_id, execution_total, verified_reality, formula_execution, wu_consumed, wu_budget, version
		 FROM ledgers WHERE session_id = $1`, sessionID)
	var l contracts.ConservationLedger
	if err := row.Scan(&l.SessionID, &l.ExecutionTotal, &l.VerifiedReality, &l.FormulaExecution,
		&l.WUConsumed, &l.WUBudget, &l.Version); err != nil {
		if err == sql.ErrNoRows {
			return nil, notFound("ledger", sessionID)
		}
		return nil, err
	}
	return &l, nil
}

func (p *Postgres) PutLedger(ctx context.Context, l *contracts.ConservationLedger) error {
	return pgPut(&l.Version, "ledger", l.SessionID,
		func() error {
			_, err := p.db.ExecContext(ctx,
				`INSERT INTO ledgers (session_id, execution_total, verified_reality, formula_execution, wu_consumed, wu_budget, version)
				 VALUES ($1, $2, $3, $4, $5, $6, 1)`,
				l.SessionID, l.ExecutionTotal, l.VerifiedReality, l.FormulaExecution, l.WUConsumed, l.WUBudget)
			return err
		},
		func() (sql.Result, error) {
			return p.db.ExecContext(ctx,
				`UPDATE ledgers SET execution_total = $1, verified_reality = $2, formula_execution = $3,
				        wu_consumed = $4, wu_budget = $5, version = version + 1
				 WHERE session_id = $6 AND version = $7`,
				l.ExecutionTotal, l.VerifiedReality, l.FormulaExecution, l.WUConsumed, l.WUBudget,
				l.SessionID, l.Version)
		})
}

func (p *Postgres) AppendStandup(ctx context.Context, r *contracts.StandupReport) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO standups (id, task_id, sequence, progress, blockers, next_steps, filed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		r.ID, r.TaskID, r.Sequence, r.Progress, r.Blockers, r.NextSteps, formatTime(r.FiledAt))
	if err != nil {
		return contracts.Errf(contracts.KindConcurrentModification, r.TaskID,
			"standup %d append conflict: %v", r.Sequence, err)
	}
	return nil
}

func (p *Postgres) ListStandups(ctx context.Context, taskID string) ([]*contracts.StandupReport, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, task_id, sequence, progress, blockers, next_steps, filed_at
		 FROM standups WHERE task_id = $1 ORDER BY sequence ASC`, taskID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.StandupReport
	for rows.Next() {
		var r contracts.StandupReport
		var filedAt string
		if err := rows.Scan(&r.ID, &r.TaskID, &r.Sequence, &r.Progress, &r.Blockers, &r.NextSteps, &filedAt); err != nil {
			return nil, err
		}
		r.FiledAt = parseTime(filedAt)
		out = append(out, &r)
	}
	return out, rows.Err()
}
