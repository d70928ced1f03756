package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/keel/pkg/contracts"

	_ "modernc.org/sqlite"
)

// SQLite is a Store backed by a SQLite database. Suitable for single-node
// deployments and tests; the version column carries the optimistic
// concurrency check.
type SQLite struct {
	db *sql.DB
}

// NewSQLite wraps an open database handle and runs migrations.
func NewSQLite(db *sql.DB) (*SQLite, error) {
	s := &SQLite{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// OpenSQLite opens (or creates) the database at path and runs migrations.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}
	return NewSQLite(db)
}

// Close closes the underlying database handle.
func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		layer_ids JSON NOT NULL DEFAULT '[]',
		wu_budget INTEGER NOT NULL,
		archived INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		version INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS layers (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		idx INTEGER NOT NULL,
		title TEXT NOT NULL,
		description TEXT,
		status TEXT NOT NULL,
		wu_cost INTEGER NOT NULL,
		retry_count INTEGER NOT NULL DEFAULT 0,
		verification_method TEXT,
		evidence_ref TEXT,
		failure_reason TEXT,
		created_at TEXT NOT NULL,
		started_at TEXT,
		executed_at TEXT,
		locked_at TEXT,
		version INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		layer_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		assignee TEXT NOT NULL,
		status TEXT NOT NULL,
		upstream_deps JSON NOT NULL DEFAULT '[]',
		deliverable_id TEXT NOT NULL,
		wu_cost INTEGER NOT NULL,
		standup_seq INTEGER NOT NULL DEFAULT 0,
		rejections INTEGER NOT NULL DEFAULT 0,
		output TEXT,
		reject_reason TEXT,
		created_at TEXT NOT NULL,
		version INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS deliverables (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		version INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS ledgers (
		session_id TEXT PRIMARY KEY,
		execution_total INTEGER NOT NULL,
		verified_reality INTEGER NOT NULL,
		formula_execution INTEGER NOT NULL,
		wu_consumed INTEGER NOT NULL,
		wu_budget INTEGER NOT NULL,
		version INTEGER NOT NULL
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
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

// put runs the shared insert-or-guarded-update discipline. insert and
// update must be full statements; update must filter on version.
func (s *SQLite) put(ctx context.Context, kind, id string, version *int64, insert func() error, update func() (sql.Result, error)) error {
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

func (s *SQLite) GetSession(ctx context.Context, id string) (*contracts.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, layer_ids, wu_budget, archived, created_at, version FROM sessions WHERE id = ?`, id)
	var sess contracts.Session
	var layerIDs, createdAt string
	if err := row.Scan(&sess.ID, &layerIDs, &sess.WUBudget, &sess.Archived, &createdAt, &sess.Version); err != nil {
		if err == sql.ErrNoRows {
			return nil, notFound("session", id)
		}
		return nil, err
	}
	if err := json.Unmarshal([]byte(layerIDs), &sess.LayerIDs); err != nil {
		return nil, fmt.Errorf("decode layer_ids for session %q: %w", id, err)
	}
	sess.CreatedAt = parseTime(createdAt)
	return &sess, nil
}

func (s *SQLite) PutSession(ctx context.Context, sess *contracts.Session) error {
	layerIDs, _ := json.Marshal(sess.LayerIDs)
	return s.put(ctx, "session", sess.ID, &sess.Version,
		func() error {
			_, err := s.db.ExecContext(ctx,
				`INSERT INTO sessions (id, layer_ids, wu_budget, archived, created_at, version) VALUES (?, ?, ?, ?, ?, 1)`,
				sess.ID, string(layerIDs), sess.WUBudget, sess.Archived, formatTime(sess.CreatedAt))
			return err
		},
		func() (sql.Result, error) {
			return s.db.ExecContext(ctx,
				`UPDATE sessions SET layer_ids = ?, wu_budget = ?, archived = ?, version = version + 1 WHERE id = ? AND version = ?`,
				string(layerIDs), sess.WUBudget, sess.Archived, sess.ID, sess.Version)
		})
}

func (s *SQLite) GetLayer(ctx context.Context, id string) (*contracts.ExecutionLayer, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, session_id, idx, title, description, status, wu_cost, retry_count,
		        verification_method, evidence_ref, failure_reason,
		        created_at, started_at, executed_at, locked_at, version
		 FROM layers WHERE id = ?`, id)
	l, err := scanLayer(row)
	if err == sql.ErrNoRows {
		return nil, notFound("layer", id)
	}
	return l, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLayer(row rowScanner) (*contracts.ExecutionLayer, error) {
	var l contracts.ExecutionLayer
	var desc, method, evidence, failure sql.NullString
	var createdAt string
	var startedAt, executedAt, lockedAt sql.NullString
	var status string
	if err := row.Scan(&l.ID, &l.SessionID, &l.Index, &l.Title, &desc, &status, &l.WUCost, &l.RetryCount,
		&method, &evidence, &failure, &createdAt, &startedAt, &executedAt, &lockedAt, &l.Version); err != nil {
		return nil, err
	}
	l.Description = desc.String
	l.Status = contracts.LayerStatus(status)
	l.VerificationMethod = method.String
	l.EvidenceRef = evidence.String
	l.FailureReason = failure.String
	l.CreatedAt = parseTime(createdAt)
	l.StartedAt = parseNullTime(startedAt)
	l.ExecutedAt = parseNullTime(executedAt)
	l.LockedAt = parseNullTime(lockedAt)
	return &l, nil
}

func (s *SQLite) PutLayer(ctx context.Context, l *contracts.ExecutionLayer) error {
	return s.put(ctx, "layer", l.ID, &l.Version,
		func() error {
			_, err := s.db.ExecContext(ctx,
				`INSERT INTO layers (id, session_id, idx, title, description, status, wu_cost, retry_count,
				                     verification_method, evidence_ref, failure_reason,
				                     created_at, started_at, executed_at, locked_at, version)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)`,
				l.ID, l.SessionID, l.Index, l.Title, l.Description, string(l.Status), l.WUCost, l.RetryCount,
				l.VerificationMethod, l.EvidenceRef, l.FailureReason,
				formatTime(l.CreatedAt), formatTimePtr(l.StartedAt), formatTimePtr(l.ExecutedAt), formatTimePtr(l.LockedAt))
			return err
		},
		func() (sql.Result, error) {
			return s.db.ExecContext(ctx,
				`UPDATE layers SET title = ?, description = ?, status = ?, wu_cost = ?, retry_count = ?,
				        verification_method = ?, evidence_ref = ?, failure_reason = ?,
				        started_at = ?, executed_at = ?, locked_at = ?, version = version + 1
				 WHERE id = ? AND version = ?`,
				l.Title, l.Description, string(l.Status), l.WUCost, l.RetryCount,
				l.VerificationMethod, l.EvidenceRef, l.FailureReason,
				formatTimePtr(l.StartedAt), formatTimePtr(l.ExecutedAt), formatTimePtr(l.LockedAt),
				l.ID, l.Version)
		})
}

func (s *SQLite) DeleteLayer(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM layers WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("layer", id)
	}
	return nil
}

func (s *SQLite) ListLayers(ctx context.Context, sessionID string) ([]*contracts.ExecutionLayer, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, idx, title, description, status, wu_cost, retry_count,
		        verification_method, evidence_ref, failure_reason,
		        created_at, started_at, executed_at, locked_at, version
		 FROM layers WHERE session_id = ? ORDER BY idx ASC`, sessionID)
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

func (s *SQLite) GetTask(ctx context.Context, id string) (*contracts.Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, layer_id, session_id, assignee, status, upstream_deps, deliverable_id, wu_cost,
		        standup_seq, rejections, output, reject_reason, created_at, version
		 FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, notFound("task", id)
	}
	return t, err
}

func scanTask(row rowScanner) (*contracts.Task, error) {
	var t contracts.Task
	var deps, createdAt, status string
	var output, rejectReason sql.NullString
	if err := row.Scan(&t.ID, &t.LayerID, &t.SessionID, &t.Assignee, &status, &deps, &t.DeliverableID,
		&t.WUCost, &t.StandupSeq, &t.Rejections, &output, &rejectReason, &createdAt, &t.Version); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(deps), &t.UpstreamDeps); err != nil {
		return nil, fmt.Errorf("decode upstream_deps for task %q: %w", t.ID, err)
	}
	t.Status = contracts.TaskStatus(status)
	t.Output = output.String
	t.RejectReason = rejectReason.String
	t.CreatedAt = parseTime(createdAt)
	return &t, nil
}

func (s *SQLite) PutTask(ctx context.Context, t *contracts.Task) error {
	deps, _ := json.Marshal(t.UpstreamDeps)
	return s.put(ctx, "task", t.ID, &t.Version,
		func() error {
			_, err := s.db.ExecContext(ctx,
				`INSERT INTO tasks (id, layer_id, session_id, assignee, status, upstream_deps, deliverable_id,
				                    wu_cost, standup_seq, rejections, output, reject_reason, created_at, version)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)`,
				t.ID, t.LayerID, t.SessionID, t.Assignee, string(t.Status), string(deps), t.DeliverableID,
				t.WUCost, t.StandupSeq, t.Rejections, t.Output, t.RejectReason, formatTime(t.CreatedAt))
			return err
		},
		func() (sql.Result, error) {
			return s.db.ExecContext(ctx,
				`UPDATE tasks SET assignee = ?, status = ?, upstream_deps = ?, standup_seq = ?, rejections = ?,
				        output = ?, reject_reason = ?, version = version + 1
				 WHERE id = ? AND version = ?`,
				t.Assignee, string(t.Status), string(deps), t.StandupSeq, t.Rejections,
				t.Output, t.RejectReason, t.ID, t.Version)
		})
}

func (s *SQLite) ListTasks(ctx context.Context, layerID string) ([]*contracts.Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, layer_id, session_id, assignee, status, upstream_deps, deliverable_id, wu_cost,
		        standup_seq, rejections, output, reject_reason, created_at, version
		 FROM tasks WHERE layer_id = ? ORDER BY created_at ASC`, layerID)
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

func (s *SQLite) GetDeliverable(ctx context.Context, id string) (*contracts.Deliverable, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, status, version FROM deliverables WHERE id = ?`, id)
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

func (s *SQLite) PutDeliverable(ctx context.Context, d *contracts.Deliverable) error {
	return s.put(ctx, "deliverable", d.ID, &d.Version,
		func() error {
			_, err := s.db.ExecContext(ctx,
				`INSERT INTO deliverables (id, status, version) VALUES (?, ?, 1)`, d.ID, string(d.Status))
			return err
		},
		func() (sql.Result, error) {
			return s.db.ExecContext(ctx,
				`UPDATE deliverables SET status = ?, version = version + 1 WHERE id = ? AND version = ?`,
				string(d.Status), d.ID, d.Version)
		})
}

func (s *SQLite) GetLedger(ctx context.Context, sessionID string) (*contracts.ConservationLedger, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT session_id, execution_total, verified_reality, formula_execution, wu_consumed, wu_budget, version
		 FROM ledgers WHERE session_id = ?`, sessionID)
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

func (s *SQLite) PutLedger(ctx context.Context, l *contracts.ConservationLedger) error {
	return s.put(ctx, "ledger", l.SessionID, &l.Version,
		func() error {
			_, err := s.db.ExecContext(ctx,
				`INSERT INTO ledgers (session_id, execution_total, verified_reality, formula_execution, wu_consumed, wu_budget, version)
				 VALUES (?, ?, ?, ?, ?, ?, 1)`,
				l.SessionID, l.ExecutionTotal, l.VerifiedReality, l.FormulaExecution, l.WUConsumed, l.WUBudget)
			return err
		},
		func() (sql.Result, error) {
			return s.db.ExecContext(ctx,
				`UPDATE ledgers SET execution_total = ?, verified_reality = ?, formula_execution = ?,
				        wu_consumed = ?, wu_budget = ?, version = version + 1
				 WHERE session_id = ? AND version = ?`,
				l.ExecutionTotal, l.VerifiedReality, l.FormulaExecution, l.WUConsumed, l.WUBudget,
				l.SessionID, l.Version)
		})
}

func (s *SQLite) AppendStandup(ctx context.Context, r *contracts.StandupReport) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO standups (id, task_id, sequence, progress, blockers, next_steps, filed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.TaskID, r.Sequence, r.Progress, r.Blockers, r.NextSteps, formatTime(r.FiledAt))
	if err != nil {
		return contracts.Errf(contracts.KindConcurrentModification, r.TaskID,
			"standup %d append conflict: %v", r.Sequence, err)
	}
	return nil
}

func (s *SQLite) ListStandups(ctx context.Context, taskID string) ([]*contracts.StandupReport, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, task_id, sequence, progress, blockers, next_steps, filed_at
		 FROM standups WHERE task_id = ? ORDER BY sequence ASC`, taskID)
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

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}
