package persistence

import (
	"context"
	"sync"
	"time"

	"github.com/BaSui01/wayflow/workflow"
)

// MemoryStore is an in-memory implementation of Store.
// Suitable for development and testing. Data is lost on restart.
type MemoryStore struct {
	items  map[string]*envelope
	mu     sync.RWMutex
	closed bool
	opts   Options
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore(opts Options) *MemoryStore {
	return &MemoryStore{
		items: make(map[string]*envelope),
		opts:  opts,
	}
}

// Close closes the store
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Ping checks if the store is healthy
func (s *MemoryStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

// Save stores an encoded copy; later changes to snap are not visible.
func (s *MemoryStore) Save(ctx context.Context, snap *workflow.ConversationSnapshot) error {
	env, err := newEnvelope(snap, s.opts.TTL)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	s.items[snap.ID] = env
	return nil
}

func (s *MemoryStore) Load(ctx context.Context, id string) (*workflow.ConversationSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	env, ok := s.items[id]
	if !ok || env.expired(time.Now()) {
		return nil, ErrNotFound
	}
	return env.snapshot()
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	env, ok := s.items[id]
	if !ok {
		return ErrNotFound
	}
	delete(s.items, id)
	if env.expired(time.Now()) {
		return ErrNotFound
	}
	return nil
}

func (s *MemoryStore) List(ctx context.Context, filter ListFilter) ([]Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	now := time.Now()
	out := make([]Summary, 0, len(s.items))
	for id, env := range s.items {
		if env.expired(now) {
			delete(s.items, id)
			continue
		}
		if filter.matches(env.Summary) {
			out = append(out, env.Summary)
		}
	}
	return filter.page(out), nil
}
