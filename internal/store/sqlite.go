// This file implements the SQLite backend.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "embed"

	"github.com/BTreeMap/FollowUp/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
	sqliteDSNParams       = "_busy_timeout=5000&_foreign_keys=on"
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteStore is the SQLite-backed Store.
type SQLiteStore struct {
	sqlStore
}

// NewSQLiteStore creates a new SQLite store. The DSN is a file path; its
// directory is created if missing.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("SQLiteStore.NewSQLiteStore: creating SQLite store", "DSN_set", cfg.DSN != "")
	if cfg.DSN == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	path := cfg.DSN
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	dir := filepath.Dir(strings.TrimPrefix(path, "file:"))
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("SQLiteStore.NewSQLiteStore: create directory failed", "dir", dir, "error", err)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	dsn := cfg.DSN
	if !strings.Contains(dsn, "?") {
		dsn += "?" + sqliteDSNParams
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("SQLiteStore.NewSQLiteStore: open failed", "error", err)
		return nil, err
	}
	// One connection serializes writers; callers must not hold rows open
	// while issuing another statement.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		slog.Error("SQLiteStore.NewSQLiteStore: ping failed", "error", err)
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("SQLiteStore.NewSQLiteStore: migrations failed", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLiteStore.NewSQLiteStore: migrations applied", "path", path)
	return &SQLiteStore{sqlStore{db: db, dialect: dialectSQLite}}, nil
}

// ClaimDueMessages selects candidates, then claims each with a conditional
// update; only rows whose update affected exactly one row are returned.
func (s *SQLiteStore) ClaimDueMessages(ctx context.Context, tenantID string, now time.Time, limit int) ([]models.Message, error) {
	now = ts(now)
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+`, (q.priority + e.priority_boost) AS prio
		FROM sequence_messages m
		JOIN sequence_enrollments e ON e.id = m.enrollment_id
		JOIN sequences q ON q.id = m.sequence_id
		WHERE m.tenant_id = ? AND m.status = 'pending' AND m.scheduled_for <= ? AND e.status = 'active'
		ORDER BY prio DESC, m.scheduled_for ASC
		LIMIT ?`,
		tenantID, now, limit,
	)
	if err != nil {
		slog.Error("SQLiteStore.ClaimDueMessages: select failed", "tenant", tenantID, "error", err)
		return nil, fmt.Errorf("select due messages failed: %w", err)
	}
	var candidates []models.Message
	for rows.Next() {
		var prio int
		m, err := scanMessage(rows, &prio)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan due message failed: %w", err)
		}
		m.Priority = prio
		candidates = append(candidates, m)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("due message iteration failed: %w", err)
	}
	rows.Close()

	claimed := candidates[:0]
	for _, m := range candidates {
		res, err := s.db.ExecContext(ctx,
			`UPDATE sequence_messages SET status = 'sending', claimed_at = ?, updated_at = ? WHERE id = ? AND status = 'pending'`,
			now, now, m.ID,
		)
		if err != nil {
			return nil, fmt.Errorf("claim message %s failed: %w", m.ID, err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			continue
		}
		m.Status = models.MessageSending
		claimedAt := now
		m.ClaimedAt = &claimedAt
		m.UpdatedAt = now
		claimed = append(claimed, m)
	}
	slog.Debug("SQLiteStore.ClaimDueMessages", "tenant", tenantID, "candidates", len(candidates), "claimed", len(claimed))
	return claimed, nil
}
