package session

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"img2url/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeClock is a settable clock shared by the TTL tests.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type storeFactory func(t *testing.T, opts Options) Store

func backends(t *testing.T) map[string]storeFactory {
	return map[string]storeFactory{
		BackendMemory: func(t *testing.T, opts Options) Store {
			return NewMemory(opts)
		},
		BackendSQLite: func(t *testing.T, opts Options) Store {
			s, err := NewSQLite(filepath.Join(t.TempDir(), "sessions.db"), opts, testLogger())
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		},
		BackendRedis: func(t *testing.T, opts Options) Store {
			mr := miniredis.RunT(t)
			s, err := NewRedis(context.Background(), RedisConfig{Addr: mr.Addr()}, opts)
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		},
	}
}

func TestStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	for name, newStore := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := newStore(t, Options{})

			pending, err := s.IsPending(ctx, "wxid_alice")
			require.NoError(t, err)
			assert.False(t, pending, "unknown users are not pending")

			require.NoError(t, s.MarkPending(ctx, "wxid_alice"))
			require.NoError(t, s.MarkPending(ctx, "wxid_alice"))
			pending, err = s.IsPending(ctx, "wxid_alice")
			require.NoError(t, err)
			assert.True(t, pending)

			n, err := s.Len(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, n, "marking twice is idempotent")

			other, err := s.IsPending(ctx, "wxid_bob")
			require.NoError(t, err)
			assert.False(t, other, "flags are per user")

			require.NoError(t, s.ClearPending(ctx, "wxid_alice"))
			require.NoError(t, s.ClearPending(ctx, "wxid_alice"), "clearing an absent flag is a no-op")
			pending, err = s.IsPending(ctx, "wxid_alice")
			require.NoError(t, err)
			assert.False(t, pending)
		})
	}
}

func TestStoreTTL(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	opts := Options{TTL: time.Minute, Now: clock.Now}

	for _, name := range []string{BackendMemory, BackendSQLite} {
		t.Run(name, func(t *testing.T) {
			s := backends(t)[name](t, opts)
			require.NoError(t, s.MarkPending(ctx, "u1"))

			clock.Advance(30 * time.Second)
			pending, err := s.IsPending(ctx, "u1")
			require.NoError(t, err)
			assert.True(t, pending)

			clock.Advance(31 * time.Second)
			pending, err = s.IsPending(ctx, "u1")
			require.NoError(t, err)
			assert.False(t, pending, "expired flags read as absent")

			removed, err := s.Prune(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, removed)
		})
	}
}

func TestStoreNoTTLNeverExpires(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	s := NewMemory(Options{Now: clock.Now})

	require.NoError(t, s.MarkPending(ctx, "u1"))
	clock.Advance(365 * 24 * time.Hour)

	pending, err := s.IsPending(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, pending)
	removed, err := s.Prune(ctx)
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestRedisStoreTTL(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	s, err := NewRedis(ctx, RedisConfig{Addr: mr.Addr(), Prefix: "test:"}, Options{TTL: time.Minute})
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.MarkPending(ctx, "u1"))
	assert.True(t, mr.Exists("test:u1"))

	mr.FastForward(2 * time.Minute)
	pending, err := s.IsPending(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, pending)
}

func TestSQLiteStorePersists(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "sessions.db")

	s, err := NewSQLite(path, Options{}, testLogger())
	require.NoError(t, err)
	require.NoError(t, s.MarkPending(ctx, "u1"))
	require.NoError(t, s.Close())

	reopened, err := NewSQLite(path, Options{}, testLogger())
	require.NoError(t, err)
	defer reopened.Close()

	pending, err := reopened.IsPending(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, pending)

	version, err := schemaVersion(reopened.db)
	require.NoError(t, err)
	assert.Equal(t, len(migrations), version)
}

func TestNewFromConfig(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)

	cases := map[string]config.SessionConfig{
		"default": {},
		"memory":  {Backend: BackendMemory},
		"sqlite":  {Backend: BackendSQLite, DBPath: filepath.Join(t.TempDir(), "s.db")},
		"redis":   {Backend: BackendRedis, Redis: config.RedisConfig{Addr: mr.Addr()}},
	}
	for name, cfg := range cases {
		t.Run(name, func(t *testing.T) {
			s, err := NewFromConfig(ctx, cfg, testLogger())
			require.NoError(t, err)
			assert.NoError(t, s.Close())
		})
	}

	_, err := NewFromConfig(ctx, config.SessionConfig{Backend: "etcd"}, testLogger())
	assert.Error(t, err)
}

func TestNewRedis_Unreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := NewRedis(context.Background(), RedisConfig{Addr: addr}, Options{})
	assert.Error(t, err)
}

func TestRunPruner_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		RunPruner(ctx, NewMemory(Options{}), time.Millisecond, testLogger())
		close(done)
	}()
	time.Sleep(5 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("pruner did not stop")
	}
}
