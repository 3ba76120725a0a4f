package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/FollowUp/internal/models"
)

const defaultListLimit = 100

func (s *sqlStore) CreateEnrollment(ctx context.Context, e *models.Enrollment, first *models.Message) error {
	data, err := encodeJSON(e.EnrollmentData)
	if err != nil {
		return err
	}
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, s.q(`INSERT INTO sequence_enrollments (id, tenant_id, sequence_id, subject_type,
			subject_id, trigger_event, status, current_step_index, next_send_at, enrollment_data, priority_boost,
			cancel_reason, recipient_email, recipient_phone, paused_at, completed_at, cancelled_at, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			e.ID, e.TenantID, e.SequenceID, e.Subject.Type, e.Subject.ID, nilIfEmpty(e.TriggerEvent), e.Status,
			e.CurrentStepIndex, nullTS(e.NextSendAt), data, e.PriorityBoost, nilIfEmpty(e.CancelReason),
			nilIfEmpty(e.RecipientEmail), nilIfEmpty(e.RecipientPhone), nullTS(e.PausedAt), nullTS(e.CompletedAt),
			nullTS(e.CancelledAt), ts(e.CreatedAt), ts(e.UpdatedAt),
		)
		if err != nil {
			if isUniqueViolation(err) {
				return ErrActiveEnrollmentExists
			}
			return fmt.Errorf("insert enrollment failed: %w", err)
		}
		if first == nil {
			return nil
		}
		return s.insertMessage(ctx, tx, first)
	})
	if err != nil {
		if !errors.Is(err, ErrActiveEnrollmentExists) {
			slog.Error("Store.CreateEnrollment failed", "dialect", s.dialect, "tenant", e.TenantID, "error", err)
		}
		return err
	}
	slog.Debug("Store.CreateEnrollment succeeded", "tenant", e.TenantID, "enrollmentID", e.ID, "sequenceID", e.SequenceID)
	return nil
}

func (s *sqlStore) GetEnrollment(ctx context.Context, tenantID, id string) (*models.Enrollment, error) {
	return s.getEnrollment(ctx, s.db, tenantID, id, false)
}

func (s *sqlStore) getEnrollment(ctx context.Context, q querier, tenantID, id string, lock bool) (*models.Enrollment, error) {
	query := `SELECT ` + enrollmentColumns + ` FROM sequence_enrollments e WHERE e.tenant_id = ? AND e.id = ?`
	if lock {
		query += s.forUpdate()
	}
	e, err := scanEnrollment(q.QueryRowContext(ctx, s.q(query), tenantID, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get enrollment failed: %w", err)
	}
	return &e, nil
}

func (s *sqlStore) FindLiveEnrollment(ctx context.Context, tenantID, sequenceID string, subject models.SubjectRef) (*models.Enrollment, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+enrollmentColumns+` FROM sequence_enrollments e
		WHERE e.tenant_id = ? AND e.sequence_id = ? AND e.subject_type = ? AND e.subject_id = ?
		AND e.status IN ('active', 'paused')`), tenantID, sequenceID, subject.Type, subject.ID)
	e, err := scanEnrollment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find live enrollment failed: %w", err)
	}
	return &e, nil
}

func (s *sqlStore) LatestEnrollmentAt(ctx context.Context, tenantID, sequenceID string, subject models.SubjectRef) (*time.Time, error) {
	var latest sql.NullTime
	err := s.db.QueryRowContext(ctx, s.q(`SELECT created_at FROM sequence_enrollments
		WHERE tenant_id = ? AND sequence_id = ? AND subject_type = ? AND subject_id = ?
		ORDER BY created_at DESC LIMIT 1`), tenantID, sequenceID, subject.Type, subject.ID).Scan(&latest)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest enrollment lookup failed: %w", err)
	}
	return timePtr(latest), nil
}

func (s *sqlStore) ListEnrollments(ctx context.Context, tenantID string, filter models.EnrollmentFilter) ([]models.Enrollment, error) {
	where := []string{"e.tenant_id = ?"}
	args := []any{tenantID}
	if filter.SequenceID != "" {
		where = append(where, "e.sequence_id = ?")
		args = append(args, filter.SequenceID)
	}
	if filter.Status != "" {
		where = append(where, "e.status = ?")
		args = append(args, filter.Status)
	}
	if filter.SubjectType != "" {
		where = append(where, "e.subject_type = ?")
		args = append(args, filter.SubjectType)
	}
	if filter.SubjectID != "" {
		where = append(where, "e.subject_id = ?")
		args = append(args, filter.SubjectID)
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	args = append(args, limit, max(filter.Offset, 0))
	return s.queryEnrollments(ctx, s.db, `SELECT `+enrollmentColumns+` FROM sequence_enrollments e WHERE `+
		strings.Join(where, " AND ")+` ORDER BY e.created_at DESC, e.id ASC LIMIT ? OFFSET ?`, args...)
}

func (s *sqlStore) ListLiveEnrollmentsByAddress(ctx context.Context, tenantID, email, phone, sequenceID string) ([]models.Enrollment, error) {
	var match []string
	args := []any{tenantID}
	if email != "" {
		match = append(match, "LOWER(e.recipient_email) = ?")
		args = append(args, strings.ToLower(email))
	}
	if phone != "" {
		// Stored numbers may or may not carry the leading '+'.
		digits := strings.TrimPrefix(phone, "+")
		match = append(match, "e.recipient_phone IN (?, ?)")
		args = append(args, digits, "+"+digits)
	}
	if len(match) == 0 {
		return nil, nil
	}
	query := `SELECT ` + enrollmentColumns + ` FROM sequence_enrollments e
		WHERE e.tenant_id = ? AND e.status IN ('active', 'paused') AND (` + strings.Join(match, " OR ") + `)`
	if sequenceID != "" {
		query += ` AND e.sequence_id = ?`
		args = append(args, sequenceID)
	}
	return s.queryEnrollments(ctx, s.db, query+` ORDER BY e.created_at ASC`, args...)
}

func (s *sqlStore) queryEnrollments(ctx context.Context, q querier, query string, args ...any) ([]models.Enrollment, error) {
	rows, err := q.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		slog.Error("Store.queryEnrollments failed", "dialect", s.dialect, "error", err)
		return nil, fmt.Errorf("query enrollments failed: %w", err)
	}
	defer rows.Close()
	out := []models.Enrollment{}
	for rows.Next() {
		e, err := scanEnrollment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan enrollment failed: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *sqlStore) PauseEnrollment(ctx context.Context, tenantID, id string, now time.Time) error {
	now = ts(now)
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE sequence_enrollments SET status = 'paused', paused_at = ?, updated_at = ?
		WHERE tenant_id = ? AND id = ? AND status = 'active'`), now, now, tenantID, id)
	if err != nil {
		slog.Error("Store.PauseEnrollment failed", "dialect", s.dialect, "enrollmentID", id, "error", err)
		return fmt.Errorf("pause enrollment failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return ErrStateChanged
	}
	return nil
}

func (s *sqlStore) ResumeEnrollment(ctx context.Context, tenantID, id string, nextSendAt *time.Time, now time.Time) error {
	now = ts(now)
	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.q(`UPDATE sequence_enrollments
			SET status = 'active', paused_at = NULL, next_send_at = ?, updated_at = ?
			WHERE tenant_id = ? AND id = ? AND status = 'paused'`), nullTS(nextSendAt), now, tenantID, id)
		if err != nil {
			return fmt.Errorf("resume enrollment failed: %w", err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return ErrStateChanged
		}
		if nextSendAt == nil {
			return nil
		}
		_, err = tx.ExecContext(ctx, s.q(`UPDATE sequence_messages SET scheduled_for = ?, updated_at = ?
			WHERE tenant_id = ? AND enrollment_id = ? AND status = 'pending'`), ts(*nextSendAt), now, tenantID, id)
		if err != nil {
			return fmt.Errorf("reschedule pending message failed: %w", err)
		}
		return nil
	})
}

func (s *sqlStore) EndEnrollment(ctx context.Context, tenantID, id string, status models.EnrollmentStatus, reason string, now time.Time) error {
	if status != models.EnrollmentCancelled && status != models.EnrollmentFailed {
		return fmt.Errorf("end enrollment: invalid terminal status %q", status)
	}
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		return s.endEnrollmentTx(ctx, tx, tenantID, id, status, reason, now)
	})
	if err != nil && !errors.Is(err, ErrStateChanged) {
		slog.Error("Store.EndEnrollment failed", "dialect", s.dialect, "enrollmentID", id, "error", err)
	}
	return err
}

// endEnrollmentTx terminates a live enrollment and cancels its pending messages.
// Messages already claimed are left to settle.
func (s *sqlStore) endEnrollmentTx(ctx context.Context, tx *sql.Tx, tenantID, id string, status models.EnrollmentStatus, reason string, now time.Time) error {
	now = ts(now)
	var cancelledAt any
	if status == models.EnrollmentCancelled {
		cancelledAt = now
	}
	res, err := tx.ExecContext(ctx, s.q(`UPDATE sequence_enrollments
		SET status = ?, cancel_reason = ?, cancelled_at = ?, next_send_at = NULL, updated_at = ?
		WHERE tenant_id = ? AND id = ? AND status IN ('active', 'paused')`),
		status, nilIfEmpty(reason), cancelledAt, now, tenantID, id)
	if err != nil {
		return fmt.Errorf("end enrollment failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return ErrStateChanged
	}
	_, err = tx.ExecContext(ctx, s.q(`UPDATE sequence_messages SET status = 'cancelled', error_message = ?, updated_at = ?
		WHERE tenant_id = ? AND enrollment_id = ? AND status = 'pending'`), nilIfEmpty(reason), now, tenantID, id)
	if err != nil {
		return fmt.Errorf("cancel pending messages failed: %w", err)
	}
	return nil
}
