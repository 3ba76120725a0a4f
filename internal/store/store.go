// Package store provides storage backends for FollowUp.
//
// Two backends share one set of SQL repositories: PostgreSQL (lib/pq) for
// production and SQLite (mattn/go-sqlite3) for single-node deployments and
// tests. Every repository method takes the tenant identifier as a query
// parameter; tenant names are never interpolated into SQL.
package store

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

var (
	// ErrClaimLost is returned when a settlement finds the message no longer
	// in the sending state, meaning another pass or the stale sweep owns it.
	ErrClaimLost = errors.New("message claim lost")
	// ErrActiveEnrollmentExists is returned when a live enrollment already
	// occupies the (subject, sequence) slot.
	ErrActiveEnrollmentExists = errors.New("active enrollment already exists")
	// ErrStateChanged is returned when a guarded transition matched no row.
	ErrStateChanged = errors.New("record state changed concurrently")
	// ErrNotYetSent is returned when a provider event arrives for a message
	// that has not been settled as sent.
	ErrNotYetSent = errors.New("message not yet sent")
)

// Opts holds configuration options for store implementations.
type Opts struct {
	DSN string
}

// Option configures a store.
type Option func(*Opts)

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// DetectDSNType returns "postgres" for PostgreSQL connection strings and
// "sqlite3" for everything else.
func DetectDSNType(dsn string) string {
	lower := strings.ToLower(strings.TrimSpace(dsn))
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") {
		return "postgres"
	}
	// key=value form, e.g. "host=localhost user=app dbname=followup"
	if strings.Contains(lower, "host=") || strings.Contains(lower, "dbname=") {
		return "postgres"
	}
	return "sqlite3"
}

// Store is the full persistence surface used by the engine.
type Store interface {
	TemplateRepo
	SequenceRepo
	EnrollmentRepo
	MessageRepo
	PreferenceRepo
	ContactRepo
	DedupRepo
	Close() error
}

// Compile-time checks that both backends implement Store.
var (
	_ Store = (*PostgresStore)(nil)
	_ Store = (*SQLiteStore)(nil)
)

// Open creates the backend matching the configured DSN.
func Open(opts ...Option) (Store, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database DSN not set")
	}
	switch DetectDSNType(cfg.DSN) {
	case "postgres":
		slog.Info("store.Open: using PostgreSQL store")
		return NewPostgresStore(opts...)
	default:
		slog.Info("store.Open: using SQLite store", "path", cfg.DSN)
		return NewSQLiteStore(opts...)
	}
}
