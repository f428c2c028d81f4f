package workflow

import (
	"context"
	"sync"
)

// StateStore persists submissions by task hash. Load returns nil, nil when
// nothing was stored. Save must be atomic.
type StateStore interface {
	Load(ctx context.Context, key string) (*Submission, error)
	Save(ctx context.Context, key string, s *Submission) error
}

// MemoryStore keeps submissions in memory.
type MemoryStore struct {
	mu   sync.Mutex
	subs map[string]*Submission
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{subs: map[string]*Submission{}}
}

func (m *MemoryStore) Load(_ context.Context, key string) (*Submission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.subs[key].Clone(), nil
}

func (m *MemoryStore) Save(_ context.Context, key string, s *Submission) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[key] = s.Clone()
	return nil
}
