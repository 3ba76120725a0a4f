package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/FollowUp/internal/models"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
)

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

func (d dialect) String() string {
	if d == dialectPostgres {
		return "postgres"
	}
	return "sqlite"
}

// sqlStore implements the repositories on top of database/sql. Queries are
// written with '?' placeholders and rebound for PostgreSQL.
type sqlStore struct {
	db      *sql.DB
	dialect dialect
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// Close closes the underlying database.
func (s *sqlStore) Close() error {
	return s.db.Close()
}

// q rebinds '?' placeholders to '$n' for PostgreSQL.
func (s *sqlStore) q(query string) string {
	if s.dialect != dialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// forUpdate returns the row-lock suffix for read-then-write transactions.
// SQLite serializes writers on its single connection.
func (s *sqlStore) forUpdate() string {
	if s.dialect == dialectPostgres {
		return " FOR UPDATE"
	}
	return ""
}

// inTx runs fn inside a transaction, committing on nil error.
// fn must only use tx; the SQLite pool has a single connection.
func (s *sqlStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction failed: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			slog.Error("sqlStore.inTx: rollback failed", "dialect", s.dialect, "error", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction failed: %w", err)
	}
	return nil
}

// placeholders returns "?, ?, ?" for n arguments.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// isUniqueViolation reports whether err is a unique constraint failure on either backend.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// ts normalizes a timestamp for storage: UTC, microsecond precision.
func ts(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

// nullTS converts an optional timestamp into a column value.
func nullTS(t *time.Time) any {
	if t == nil {
		return nil
	}
	return ts(*t)
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

// encodeJSON marshals v for a TEXT column. Nil values are stored as NULL.
func encodeJSON(v any) (any, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case []string:
		if x == nil {
			return nil, nil
		}
	case []models.Condition:
		if x == nil {
			return nil, nil
		}
	case map[string]any:
		if x == nil {
			return nil, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode json column: %w", err)
	}
	return string(b), nil
}

// decodeJSON unmarshals a nullable TEXT column into dst.
func decodeJSON(col sql.NullString, dst any) error {
	if !col.Valid || col.String == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(col.String), dst); err != nil {
		return fmt.Errorf("decode json column: %w", err)
	}
	return nil
}

const messageColumns = `m.id, m.tenant_id, m.enrollment_id, m.sequence_id, m.step_id, m.step_order, m.template_id,
	m.channel, m.recipient, m.subject, m.content, m.status, m.scheduled_for, m.claimed_at, m.sent_at,
	m.delivered_at, m.bounced_at, m.failed_at, m.opened_at, m.clicked_at, m.external_id, m.error_message,
	m.delivery_metadata, m.attempt, m.created_at, m.updated_at`

// scanMessage scans messageColumns, followed by any extra destinations.
func scanMessage(row scanner, extra ...any) (models.Message, error) {
	var m models.Message
	var subject, content, externalID, errMsg, metadata sql.NullString
	var claimedAt, sentAt, deliveredAt, bouncedAt, failedAt, openedAt, clickedAt sql.NullTime
	dest := []any{
		&m.ID, &m.TenantID, &m.EnrollmentID, &m.SequenceID, &m.StepID, &m.StepOrder, &m.TemplateID,
		&m.Channel, &m.Recipient, &subject, &content, &m.Status, &m.ScheduledFor, &claimedAt, &sentAt,
		&deliveredAt, &bouncedAt, &failedAt, &openedAt, &clickedAt, &externalID, &errMsg,
		&metadata, &m.Attempt, &m.CreatedAt, &m.UpdatedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return m, err
	}
	m.Subject = subject.String
	m.Content = content.String
	m.ExternalID = externalID.String
	m.ErrorMessage = errMsg.String
	m.ScheduledFor = m.ScheduledFor.UTC()
	m.CreatedAt = m.CreatedAt.UTC()
	m.UpdatedAt = m.UpdatedAt.UTC()
	m.ClaimedAt = timePtr(claimedAt)
	m.SentAt = timePtr(sentAt)
	m.DeliveredAt = timePtr(deliveredAt)
	m.BouncedAt = timePtr(bouncedAt)
	m.FailedAt = timePtr(failedAt)
	m.OpenedAt = timePtr(openedAt)
	m.ClickedAt = timePtr(clickedAt)
	if err := decodeJSON(metadata, &m.DeliveryMetadata); err != nil {
		return m, err
	}
	return m, nil
}

const enrollmentColumns = `e.id, e.tenant_id, e.sequence_id, e.subject_type, e.subject_id, e.trigger_event,
	e.status, e.current_step_index, e.next_send_at, e.enrollment_data, e.priority_boost, e.cancel_reason,
	e.recipient_email, e.recipient_phone, e.paused_at, e.completed_at, e.cancelled_at, e.created_at, e.updated_at`

func scanEnrollment(row scanner) (models.Enrollment, error) {
	var e models.Enrollment
	var triggerEvent, data, cancelReason, email, phone sql.NullString
	var nextSendAt, pausedAt, completedAt, cancelledAt sql.NullTime
	err := row.Scan(
		&e.ID, &e.TenantID, &e.SequenceID, &e.Subject.Type, &e.Subject.ID, &triggerEvent,
		&e.Status, &e.CurrentStepIndex, &nextSendAt, &data, &e.PriorityBoost, &cancelReason,
		&email, &phone, &pausedAt, &completedAt, &cancelledAt, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return e, err
	}
	e.TriggerEvent = triggerEvent.String
	e.CancelReason = cancelReason.String
	e.RecipientEmail = email.String
	e.RecipientPhone = phone.String
	e.NextSendAt = timePtr(nextSendAt)
	e.PausedAt = timePtr(pausedAt)
	e.CompletedAt = timePtr(completedAt)
	e.CancelledAt = timePtr(cancelledAt)
	e.CreatedAt = e.CreatedAt.UTC()
	e.UpdatedAt = e.UpdatedAt.UTC()
	if err := decodeJSON(data, &e.EnrollmentData); err != nil {
		return e, err
	}
	return e, nil
}
