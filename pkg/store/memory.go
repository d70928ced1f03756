package store

import (
	"context"
	"sort"
	"sync"

	"github.com/Mindburn-Labs/keel/pkg/contracts"
)

// Memory is an in-process Store. Thread-safe via RWMutex; records are
// copied on the way in and out so callers cannot mutate stored state
// outside a Put.
type Memory struct {
	mu           sync.RWMutex
	sessions     map[string]*contracts.Session
	layers       map[string]*contracts.ExecutionLayer
	tasks        map[string]*contracts.Task
	deliverables map[string]*contracts.Deliverable
	ledgers      map[string]*contracts.ConservationLedger
	standups     map[string][]*contracts.StandupReport
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		sessions:     make(map[string]*contracts.Session),
		layers:       make(map[string]*contracts.ExecutionLayer),
		tasks:        make(map[string]*contracts.Task),
		deliverables: make(map[string]*contracts.Deliverable),
		ledgers:      make(map[string]*contracts.ConservationLedger),
		standups:     make(map[string][]*contracts.StandupReport),
	}
}

func copySession(s *contracts.Session) *contracts.Session {
	c := *s
	c.LayerIDs = append([]string(nil), s.LayerIDs...)
	return &c
}

func copyLayer(l *contracts.ExecutionLayer) *contracts.ExecutionLayer {
	c := *l
	return &c
}

func copyTask(t *contracts.Task) *contracts.Task {
	c := *t
	c.UpstreamDeps = append([]string(nil), t.UpstreamDeps...)
	return &c
}

func (m *Memory) GetSession(ctx context.Context, id string) (*contracts.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, notFound("session", id)
	}
	return copySession(s), nil
}

func (m *Memory) PutSession(ctx context.Context, s *contracts.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.sessions[s.ID]
	if err := checkVersion("session", s.ID, ok, versionOf(ok, func() int64 { return cur.Version }), s.Version); err != nil {
		return err
	}
	s.Version++
	m.sessions[s.ID] = copySession(s)
	return nil
}

func (m *Memory) GetLayer(ctx context.Context, id string) (*contracts.ExecutionLayer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.layers[id]
	if !ok {
		return nil, notFound("layer", id)
	}
	return copyLayer(l), nil
}

func (m *Memory) PutLayer(ctx context.Context, l *contracts.ExecutionLayer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.layers[l.ID]
	if err := checkVersion("layer", l.ID, ok, versionOf(ok, func() int64 { return cur.Version }), l.Version); err != nil {
		return err
	}
	l.Version++
	m.layers[l.ID] = copyLayer(l)
	return nil
}

func (m *Memory) DeleteLayer(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.layers[id]; !ok {
		return notFound("layer", id)
	}
	delete(m.layers, id)
	return nil
}

func (m *Memory) ListLayers(ctx context.Context, sessionID string) ([]*contracts.ExecutionLayer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*contracts.ExecutionLayer
	for _, l := range m.layers {
		if l.SessionID == sessionID {
			out = append(out, copyLayer(l))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
}

func (m *Memory) GetTask(ctx context.Context, id string) (*contracts.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, notFound("task", id)
	}
	return copyTask(t), nil
}

func (m *Memory) PutTask(ctx context.Context, t *contracts.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.tasks[t.ID]
	if err := checkVersion("task", t.ID, ok, versionOf(ok, func() int64 { return cur.Version }), t.Version); err != nil {
		return err
	}
	t.Version++
	m.tasks[t.ID] = copyTask(t)
	return nil
}

func (m *Memory) ListTasks(ctx context.Context, layerID string) ([]*contracts.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*contracts.Task
	for _, t := range m.tasks {
		if t.LayerID == layerID {
			out = append(out, copyTask(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) GetDeliverable(ctx context.Context, id string) (*contracts.Deliverable, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.deliverables[id]
	if !ok {
		return nil, notFound("deliverable", id)
	}
	c := *d
	return &c, nil
}

func (m *Memory) PutDeliverable(ctx context.Context, d *contracts.Deliverable) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.deliverables[d.ID]
	if err := checkVersion("deliverable", d.ID, ok, versionOf(ok, func() int64 { return cur.Version }), d.Version); err != nil {
		return err
	}
	d.Version++
	c := *d
	m.deliverables[d.ID] = &c
	return nil
}

func (m *Memory) GetLedger(ctx context.Context, sessionID string) (*contracts.ConservationLedger, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.ledgers[sessionID]
	if !ok {
		return nil, notFound("ledger", sessionID)
	}
	c := *l
	return &c, nil
}

func (m *Memory) PutLedger(ctx context.Context, l *contracts.ConservationLedger) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.ledgers[l.SessionID]
	if err := checkVersion("ledger", l.SessionID, ok, versionOf(ok, func() int64 { return cur.Version }), l.Version); err != nil {
		return err
	}
	l.Version++
	c := *l
	m.ledgers[l.SessionID] = &c
	return nil
}

func (m *Memory) AppendStandup(ctx context.Context, r *contracts.StandupReport) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *r
	m.standups[r.TaskID] = append(m.standups[r.TaskID], &c)
	return nil
}

func (m *Memory) ListStandups(ctx context.Context, taskID string) ([]*contracts.StandupReport, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	reports := m.standups[taskID]
	out := make([]*contracts.StandupReport, 0, len(reports))
	for _, r := range reports {
		c := *r
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

// checkVersion enforces the insert/update discipline shared by all Put
// methods: inserts must present version 0, updates must present the stored
// version.
func checkVersion(kind, id string, exists bool, stored, presented int64) error {
	if !exists {
		if presented != 0 {
			return stale(kind, id, 0, presented)
		}
		return nil
	}
	if presented != stored {
		return stale(kind, id, stored, presented)
	}
	return nil
}

func versionOf(ok bool, get func() int64) int64 {
	if !ok {
		return 0
	}
	return get()
}
