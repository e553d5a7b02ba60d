package session

import "sync"

// Tracker pairs a Store with per-user locks so a caller can check the flag
// and act on it without another message for the same user interleaving.
type Tracker struct {
	Store

	mu    sync.Mutex
	locks map[string]*userLock
}

type userLock struct {
	mu   sync.Mutex
	refs int
}

func NewTracker(store Store) *Tracker {
	return &Tracker{Store: store, locks: make(map[string]*userLock)}
}

// Lock blocks until userID's lock is free and returns its release func.
// Locks for different users never contend.
func (t *Tracker) Lock(userID string) (unlock func()) {
	t.mu.Lock()
	l, ok := t.locks[userID]
	if !ok {
		l = &userLock{}
		t.locks[userID] = l
	}
	l.refs++
	t.mu.Unlock()

	l.mu.Lock()
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Unlock()
			t.mu.Lock()
			l.refs--
			if l.refs == 0 {
				delete(t.locks, userID)
			}
			t.mu.Unlock()
		})
	}
}
