// Package audit provides the append-only, hash-chained audit trail. Every
// state-changing command records an entry carrying the conservation sums as
// they stood after the command, so the trail doubles as a replayable record
// of ledger history.
//
// Entries are canonicalized with RFC 8785 (JCS) before hashing so the chain
// is stable across marshal implementations.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gowebpki/jcs"

	"github.com/Mindburn-Labs/keel/pkg/contracts"
)

// EventType categorizes a trail entry.
type EventType string

const (
	EventSessionCreated    EventType = "SESSION_CREATED"
	EventLayersCreated     EventType = "LAYERS_CREATED"
	EventLayerActivated    EventType = "LAYER_ACTIVATED"
	EventLayerExecuted     EventType = "LAYER_EXECUTED"
	EventLayerLocked       EventType = "LAYER_LOCKED"
	EventLayerFailed       EventType = "LAYER_FAILED"
	EventLayerRetried      EventType = "LAYER_RETRIED"
	EventLayerDeleted      EventType = "LAYER_DELETED"
	EventLayerModified     EventType = "LAYER_MODIFIED"
	EventTaskCreated       EventType = "TASK_CREATED"
	EventTaskStarted       EventType = "TASK_STARTED"
	EventTaskSubmitted     EventType = "TASK_SUBMITTED"
	EventTaskAccepted      EventType = "TASK_ACCEPTED"
	EventTaskRejected      EventType = "TASK_REJECTED"
	EventTaskEscalated     EventType = "TASK_ESCALATED"
	EventStandupFiled      EventType = "STANDUP_FILED"
	EventFinalizeDecided   EventType = "FINALIZE_DECIDED"
	EventSessionFinalized  EventType = "SESSION_FINALIZED"
)

// Entry is one immutable record in the trail.
type Entry struct {
	Sequence    uint64         `json:"sequence"`
	Event       EventType      `json:"event"`
	SessionID   string         `json:"session_id"`
	RecordID    string         `json:"record_id,omitempty"`
	Actor       string         `json:"actor,omitempty"`
	ContentHash string         `json:"content_hash"`
	PrevHash    string         `json:"prev_hash"`
	Timestamp   time.Time      `json:"timestamp"`
	Data        map[string]any `json:"data,omitempty"`

	// Conservation sums as of this entry, so a reader can audit the
	// identity at any point of history without replay.
	ExecutionTotal   int64 `json:"execution_total"`
	VerifiedReality  int64 `json:"verified_reality"`
	FormulaExecution int64 `json:"formula_execution"`
	WUConsumed       int64 `json:"wu_consumed"`
}

const genesisHash = "genesis"

// Trail is an append-only, hash-chained audit log.
type Trail struct {
	mu       sync.RWMutex
	entries  []Entry
	headHash string
	clock    func() time.Time
}

// NewTrail creates an empty trail.
func NewTrail() *Trail {
	return &Trail{headHash: genesisHash, clock: time.Now}
}

// WithClock overrides clock for testing.
func (t *Trail) WithClock(clock func() time.Time) *Trail {
	t.clock = clock
	return t
}

// Record describes the event to append; the trail assigns sequence, hashes,
// and timestamp.
type Record struct {
	Event     EventType
	SessionID string
	RecordID  string
	Actor     string
	Data      map[string]any
	Ledger    *contracts.ConservationLedger
}

// Append adds an entry to the trail and returns its sequence number.
func (t *Trail) Append(rec Record) (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	seq := uint64(len(t.entries)) + 1
	entry := Entry{
		Sequence:  seq,
		Event:     rec.Event,
		SessionID: rec.SessionID,
		RecordID:  rec.RecordID,
		Actor:     rec.Actor,
		PrevHash:  t.headHash,
		Timestamp: t.clock().UTC(),
		Data:      rec.Data,
	}
	if rec.Ledger != nil {
		entry.ExecutionTotal = rec.Ledger.ExecutionTotal
		entry.VerifiedReality = rec.Ledger.VerifiedReality
		entry.FormulaExecution = rec.Ledger.FormulaExecution
		entry.WUConsumed = rec.Ledger.WUConsumed
	}

	hash, err := contentHash(entry)
	if err != nil {
		return 0, err
	}
	entry.ContentHash = hash

	t.entries = append(t.entries, entry)
	t.headHash = hash
	return seq, nil
}

// Get retrieves an entry by sequence number.
func (t *Trail) Get(seq uint64) (*Entry, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if seq == 0 || seq > uint64(len(t.entries)) {
		return nil, fmt.Errorf("audit entry %d not found", seq)
	}
	entry := t.entries[seq-1]
	return &entry, nil
}

// Head returns the current head hash.
func (t *Trail) Head() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.headHash
}

// Length returns the number of entries.
func (t *Trail) Length() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// Entries returns a copy of all entries, optionally filtered to a session.
func (t *Trail) Entries(sessionID string) []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Entry, 0, len(t.entries))
	for _, e := range t.entries {
		if sessionID == "" || e.SessionID == sessionID {
			out = append(out, e)
		}
	}
	return out
}

// Verify walks the entire chain and reports the first break, if any.
func (t *Trail) Verify() (bool, string) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	prevHash := genesisHash
	for i, entry := range t.entries {
		if entry.PrevHash != prevHash {
			return false, fmt.Sprintf("chain broken at entry %d: expected prev %s, got %s", i+1, prevHash, entry.PrevHash)
		}
		computed, err := contentHash(entry)
		if err != nil {
			return false, fmt.Sprintf("failed to canonicalize entry %d", i+1)
		}
		if computed != entry.ContentHash {
			return false, fmt.Sprintf("hash mismatch at entry %d", i+1)
		}
		prevHash = entry.ContentHash
	}
	return true, "chain verified"
}

// contentHash canonicalizes everything but the hash field itself and
// returns its sha256 digest.
func contentHash(entry Entry) (string, error) {
	entry.ContentHash = ""
	raw, err := json.Marshal(entry)
	if err != nil {
		return "", fmt.Errorf("failed to marshal audit entry: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize audit entry: %w", err)
	}
	h := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(h[:]), nil
}
