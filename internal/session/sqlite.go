package session

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// SQLiteStore keeps pending flags in a local SQLite file so they survive restarts.
type SQLiteStore struct {
	db     *sql.DB
	opts   Options
	logger *slog.Logger
}

func NewSQLite(dbPath string, opts Options, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := runMigrations(db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("session database migration failed: %w", err)
	}
	return &SQLiteStore{db: db, opts: opts, logger: logger}, nil
}

func (s *SQLiteStore) MarkPending(ctx context.Context, userID string) error {
	now := s.opts.now()
	var expires int64
	if exp := s.opts.expiry(now); !exp.IsZero() {
		expires = exp.UnixNano()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pending_images (user_id, created_at, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET created_at = excluded.created_at, expires_at = excluded.expires_at`,
		userID, now.UnixNano(), expires,
	)
	if err != nil {
		return fmt.Errorf("mark pending %s: %w", userID, err)
	}
	return nil
}

func (s *SQLiteStore) IsPending(ctx context.Context, userID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pending_images WHERE user_id = ? AND (expires_at = 0 OR expires_at > ?)`,
		userID, s.opts.now().UnixNano(),
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("query pending %s: %w", userID, err)
	}
	return n > 0, nil
}

func (s *SQLiteStore) ClearPending(ctx context.Context, userID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM pending_images WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("clear pending %s: %w", userID, err)
	}
	return nil
}

func (s *SQLiteStore) Len(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pending_images WHERE expires_at = 0 OR expires_at > ?`,
		s.opts.now().UnixNano(),
	).Scan(&n)
	return n, err
}

func (s *SQLiteStore) Prune(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM pending_images WHERE expires_at != 0 AND expires_at <= ?`,
		s.opts.now().UnixNano(),
	)
	if err != nil {
		return 0, fmt.Errorf("prune pending: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Debug("pruned expired pending flags", "count", n)
	}
	return int(n), nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
