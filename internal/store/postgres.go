// This file implements the PostgreSQL backend.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"time"

	_ "embed"

	"github.com/BTreeMap/FollowUp/internal/models"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// PostgresStore is the PostgreSQL-backed Store.
type PostgresStore struct {
	sqlStore
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")
	if cfg.DSN == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		slog.Error("PostgresStore.NewPostgresStore: open failed", "error", err)
		return nil, err
	}
	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("PostgresStore.NewPostgresStore: ping failed", "error", err)
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("PostgresStore.NewPostgresStore: migrations failed", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("PostgresStore.NewPostgresStore: migrations applied")
	return &PostgresStore{sqlStore{db: db, dialect: dialectPostgres}}, nil
}

// ClaimDueMessages claims with SKIP LOCKED so concurrent workers never block
// on, or receive, the same rows.
func (s *PostgresStore) ClaimDueMessages(ctx context.Context, tenantID string, now time.Time, limit int) ([]models.Message, error) {
	now = ts(now)
	rows, err := s.db.QueryContext(ctx, `
		WITH due AS (
			SELECT m.id, (q.priority + e.priority_boost) AS prio
			FROM sequence_messages m
			JOIN sequence_enrollments e ON e.id = m.enrollment_id
			JOIN sequences q ON q.id = m.sequence_id
			WHERE m.tenant_id = $1 AND m.status = 'pending' AND m.scheduled_for <= $2 AND e.status = 'active'
			ORDER BY prio DESC, m.scheduled_for ASC
			LIMIT $3
			FOR UPDATE OF m SKIP LOCKED
		)
		UPDATE sequence_messages AS m
		SET status = 'sending', claimed_at = $2, updated_at = $2
		FROM due
		WHERE m.id = due.id AND m.status = 'pending'
		RETURNING `+messageColumns+`, due.prio`,
		tenantID, now, limit,
	)
	if err != nil {
		slog.Error("PostgresStore.ClaimDueMessages: claim failed", "tenant", tenantID, "error", err)
		return nil, fmt.Errorf("claim due messages failed: %w", err)
	}
	defer rows.Close()

	var msgs []models.Message
	for rows.Next() {
		var prio int
		m, err := scanMessage(rows, &prio)
		if err != nil {
			return nil, fmt.Errorf("scan claimed message failed: %w", err)
		}
		m.Priority = prio
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim iteration failed: %w", err)
	}
	// RETURNING does not preserve the CTE ordering.
	sortClaimed(msgs)
	slog.Debug("PostgresStore.ClaimDueMessages", "tenant", tenantID, "claimed", len(msgs))
	return msgs, nil
}

func sortClaimed(msgs []models.Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if msgs[i].Priority != msgs[j].Priority {
			return msgs[i].Priority > msgs[j].Priority
		}
		return msgs[i].ScheduledFor.Before(msgs[j].ScheduledFor)
	})
}
