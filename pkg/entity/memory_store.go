package entity

import (
	"context"
	"sync"
)

// MemoryStore is a simple in-memory implementation for tests.
type MemoryStore struct {
	mu       sync.RWMutex
	entities map[string]Entity
	nextID   map[string]int64

	// txMu serialises transactions so a check-then-insert inside one Txn
	// cannot interleave with another.
	txMu sync.Mutex
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entities: make(map[string]Entity),
		nextID:   make(map[string]int64),
	}
}

func (m *MemoryStore) Get(ctx context.Context, key Key) (Entity, error) {
	if key.Incomplete() {
		return Entity{}, ErrIncomplete
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entities[string(key.Encode())]
	if !ok {
		return Entity{}, ErrNotFound
	}
	return e.Clone(), nil
}

func (m *MemoryStore) Put(ctx context.Context, e Entity) (Entity, error) {
	if len(e.Key) == 0 {
		return Entity{}, ErrIncomplete
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := e.Clone()
	if stored.Key.Incomplete() {
		kind := stored.Key.Kind()
		m.nextID[kind]++
		stored.Key[len(stored.Key)-1].ID = m.nextID[kind]
	}
	m.entities[string(stored.Key.Encode())] = stored
	return stored.Clone(), nil
}

func (m *MemoryStore) Delete(ctx context.Context, key Key) error {
	if key.Incomplete() {
		return ErrIncomplete
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entities, string(key.Encode()))
	return nil
}

func (m *MemoryStore) Run(ctx context.Context, q Query) ([]Entity, error) {
	if err := validateQuery(q); err != nil {
		return nil, err
	}
	m.mu.RLock()
	var out []Entity
	for _, e := range m.entities {
		if matchEntity(e, q) {
			out = append(out, e.Clone())
		}
	}
	m.mu.RUnlock()
	sortEntities(out, q.Orders)
	return applyLimit(out, q.Limit), nil
}

func (m *MemoryStore) Begin(ctx context.Context) (Txn, error) {
	m.txMu.Lock()
	return &memTxn{store: m}, nil
}

// memTxn applies writes to the store immediately; atomicity here means only
// that no other transaction runs concurrently. Rollback cannot undo writes.
type memTxn struct {
	store  *MemoryStore
	closed bool
}

func (t *memTxn) Get(ctx context.Context, key Key) (Entity, error) { return t.store.Get(ctx, key) }
func (t *memTxn) Put(ctx context.Context, e Entity) (Entity, error) {
	return t.store.Put(ctx, e)
}
func (t *memTxn) Delete(ctx context.Context, key Key) error { return t.store.Delete(ctx, key) }
func (t *memTxn) Run(ctx context.Context, q Query) ([]Entity, error) {
	return t.store.Run(ctx, q)
}

func (t *memTxn) Commit(ctx context.Context) error {
	if t.closed {
		return nil
	}
	t.closed = true
	t.store.txMu.Unlock()
	return nil
}

func (t *memTxn) Rollback(ctx context.Context) error {
	if t.closed {
		return nil
	}
	t.closed = true
	t.store.txMu.Unlock()
	return nil
}
