// Package store defines the durable ledger-store contract the kernel runs
// against, plus memory, SQLite, and Postgres adapters.
//
// Every Put is an optimistic write: the record must carry the version the
// caller read, and a stale version fails with CONCURRENT_MODIFICATION. The
// kernel decides whether to re-read and resubmit; the store never retries.
package store

import (
	"context"

	"github.com/Mindburn-Labs/keel/pkg/contracts"
)

// Store is the CRUD + versioning contract consumed by the kernel.
//
// Insert semantics: a record with Version 0 is created and its Version set
// to 1. Update semantics: the stored version must equal the presented
// version; on success the version is bumped by 1 (both stored and in the
// passed record). Standup reports are append-only and unversioned.
type Store interface {
	GetSession(ctx context.Context, id string) (*contracts.Session, error)
	PutSession(ctx context.Context, s *contracts.Session) error

	GetLayer(ctx context.Context, id string) (*contracts.ExecutionLayer, error)
	PutLayer(ctx context.Context, l *contracts.ExecutionLayer) error
	DeleteLayer(ctx context.Context, id string) error
	// ListLayers returns the session's layers ordered by sequence index.
	ListLayers(ctx context.Context, sessionID string) ([]*contracts.ExecutionLayer, error)

	GetTask(ctx context.Context, id string) (*contracts.Task, error)
	PutTask(ctx context.Context, t *contracts.Task) error
	ListTasks(ctx context.Context, layerID string) ([]*contracts.Task, error)

	GetDeliverable(ctx context.Context, id string) (*contracts.Deliverable, error)
	PutDeliverable(ctx context.Context, d *contracts.Deliverable) error

	GetLedger(ctx context.Context, sessionID string) (*contracts.ConservationLedger, error)
	PutLedger(ctx context.Context, l *contracts.ConservationLedger) error

	AppendStandup(ctx context.Context, r *contracts.StandupReport) error
	// ListStandups returns a task's reports ordered by sequence number.
	ListStandups(ctx context.Context, taskID string) ([]*contracts.StandupReport, error)
}

func notFound(kind, id string) error {
	return contracts.Errf(contracts.KindNotFound, id, "%s not found", kind)
}

func stale(kind, id string, want, got int64) error {
	return contracts.Errf(contracts.KindConcurrentModification, id,
		"%s version mismatch: stored %d, presented %d", kind, want, got)
}
