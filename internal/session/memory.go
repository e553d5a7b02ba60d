package session

import (
	"context"
	"sync"
	"time"
)

type memoryStore struct {
	mu    sync.RWMutex
	items map[string]time.Time // user id -> expiry, zero = never
	opts  Options
}

// NewMemory returns a Store that lives for the lifetime of the process.
func NewMemory(opts Options) Store {
	return &memoryStore{items: make(map[string]time.Time), opts: opts}
}

func (s *memoryStore) MarkPending(_ context.Context, userID string) error {
	s.mu.Lock()
	s.items[userID] = s.opts.expiry(s.opts.now())
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) IsPending(_ context.Context, userID string) (bool, error) {
	s.mu.RLock()
	exp, ok := s.items[userID]
	s.mu.RUnlock()
	if !ok {
		return false, nil
	}
	return exp.IsZero() || s.opts.now().Before(exp), nil
}

func (s *memoryStore) ClearPending(_ context.Context, userID string) error {
	s.mu.Lock()
	delete(s.items, userID)
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) Len(_ context.Context) (int, error) {
	now := s.opts.now()
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, exp := range s.items {
		if exp.IsZero() || now.Before(exp) {
			n++
		}
	}
	return n, nil
}

func (s *memoryStore) Prune(_ context.Context) (int, error) {
	now := s.opts.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, exp := range s.items {
		if !exp.IsZero() && !now.Before(exp) {
			delete(s.items, id)
			removed++
		}
	}
	return removed, nil
}

func (s *memoryStore) Close() error { return nil }
