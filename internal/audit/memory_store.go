package audit

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory audit store for tests and single-node demos.
type MemoryStore struct {
	mu      sync.RWMutex
	streams map[int][]*Record
	byID    map[string]*Record
	byTx    map[string]*Record
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		streams: make(map[int][]*Record),
		byID:    make(map[string]*Record),
		byTx:    make(map[string]*Record),
	}
}

func (m *MemoryStore) Append(ctx context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.byID[rec.ID]; ok {
		if existing.Hash == rec.Hash {
			return nil
		}
		return ErrSequenceConflict
	}
	chain := m.streams[rec.Stream]
	if int64(len(chain))+1 != rec.Sequence {
		return ErrSequenceConflict
	}

	cp := rec.Clone()
	m.streams[rec.Stream] = append(chain, cp)
	m.byID[rec.ID] = cp
	if rec.Transaction != nil {
		m.byTx[rec.Transaction.ID] = cp
	}
	return nil
}

func (m *MemoryStore) Head(ctx context.Context, stream int) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	chain := m.streams[stream]
	if len(chain) == 0 {
		return nil, nil
	}
	return chain[len(chain)-1].Clone(), nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

func (m *MemoryStore) FindByTransaction(ctx context.Context, txID string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.byTx[txID]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

func (m *MemoryStore) List(ctx context.Context, stream int, afterSeq int64, limit int) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []*Record{}
	for _, rec := range m.streams[stream] {
		if rec.Sequence <= afterSeq {
			continue
		}
		out = append(out, rec.Clone())
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// Tamper overwrites a stored record in place. Tests use it to check that
// verification catches edits.
func (m *MemoryStore) Tamper(stream int, seq int64, fn func(*Record)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	chain := m.streams[stream]
	if seq < 1 || seq > int64(len(chain)) {
		return
	}
	fn(chain[seq-1])
}
