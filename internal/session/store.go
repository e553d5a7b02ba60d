// Package session tracks which users have asked for an image link and are
// expected to send an image next.
package session

import (
	"context"
	"time"
)

// Backend identifiers accepted by session.backend.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

// Store holds the per-user pending-image flag. Unknown users are not pending.
type Store interface {
	// MarkPending sets the flag. Setting it twice is the same as once.
	MarkPending(ctx context.Context, userID string) error
	IsPending(ctx context.Context, userID string) (bool, error)
	// ClearPending removes the flag; absent flags are not an error.
	ClearPending(ctx context.Context, userID string) error
	// Len counts users currently pending.
	Len(ctx context.Context) (int, error)
	// Prune drops expired flags and reports how many were removed.
	Prune(ctx context.Context) (int, error)
	Close() error
}

// Options are shared by every backend.
type Options struct {
	// TTL expires a flag after it was set. Zero keeps flags until cleared.
	TTL time.Duration
	// Now overrides the clock, for tests.
	Now func() time.Time
}

func (o Options) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

// expiry returns the deadline for a flag set at t, or zero for no expiry.
func (o Options) expiry(t time.Time) time.Time {
	if o.TTL <= 0 {
		return time.Time{}
	}
	return t.Add(o.TTL)
}
