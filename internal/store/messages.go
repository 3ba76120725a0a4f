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

func (s *sqlStore) insertMessage(ctx context.Context, q querier, m *models.Message) error {
	meta, err := encodeJSON(m.DeliveryMetadata)
	if err != nil {
		return err
	}
	attempt := m.Attempt
	if attempt <= 0 {
		attempt = 1
	}
	_, err = q.ExecContext(ctx, s.q(`INSERT INTO sequence_messages (id, tenant_id, enrollment_id, sequence_id, step_id,
		step_order, template_id, channel, recipient, subject, content, status, scheduled_for, external_id,
		error_message, delivery_metadata, attempt, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		m.ID, m.TenantID, m.EnrollmentID, m.SequenceID, m.StepID, m.StepOrder, m.TemplateID, m.Channel,
		m.Recipient, nilIfEmpty(m.Subject), nilIfEmpty(m.Content), m.Status, ts(m.ScheduledFor),
		nilIfEmpty(m.ExternalID), nilIfEmpty(m.ErrorMessage), meta, attempt, ts(m.CreatedAt), ts(m.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert message failed: %w", err)
	}
	return nil
}

func (s *sqlStore) InsertMessage(ctx context.Context, m *models.Message) error {
	if err := s.insertMessage(ctx, s.db, m); err != nil {
		slog.Error("Store.InsertMessage failed", "dialect", s.dialect, "tenant", m.TenantID, "error", err)
		return err
	}
	slog.Debug("Store.InsertMessage succeeded", "tenant", m.TenantID, "messageID", m.ID, "attempt", m.Attempt)
	return nil
}

func (s *sqlStore) RequeueStaleClaims(ctx context.Context, tenantID string, staleBefore, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE sequence_messages SET status = 'pending', claimed_at = NULL, updated_at = ?
		WHERE tenant_id = ? AND status = 'sending' AND claimed_at < ?`), ts(now), tenantID, ts(staleBefore))
	if err != nil {
		slog.Error("Store.RequeueStaleClaims failed", "dialect", s.dialect, "tenant", tenantID, "error", err)
		return 0, fmt.Errorf("requeue stale claims failed: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		slog.Info("Store.RequeueStaleClaims", "tenant", tenantID, "requeued", n)
	}
	return int(n), nil
}

func (s *sqlStore) ReleaseClaim(ctx context.Context, tenantID, id string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE sequence_messages SET status = 'pending', claimed_at = NULL, updated_at = ?
		WHERE tenant_id = ? AND id = ? AND status = 'sending'`), ts(now), tenantID, id)
	if err != nil {
		return fmt.Errorf("release claim failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return ErrClaimLost
	}
	return nil
}

func (s *sqlStore) SettleMessage(ctx context.Context, st Settlement) error {
	if st.Status != models.MessageSent && st.Status != models.MessageCancelled {
		return fmt.Errorf("settle message: invalid status %q", st.Status)
	}
	at := ts(st.At)
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var res sql.Result
		var err error
		if st.Status == models.MessageSent {
			res, err = tx.ExecContext(ctx, s.q(`UPDATE sequence_messages
				SET status = 'sent', sent_at = ?, external_id = ?, subject = ?, content = ?, error_message = NULL, updated_at = ?
				WHERE tenant_id = ? AND id = ? AND status = 'sending'`),
				at, nilIfEmpty(st.ExternalID), nilIfEmpty(st.Subject), nilIfEmpty(st.Content), at, st.TenantID, st.MessageID)
		} else {
			res, err = tx.ExecContext(ctx, s.q(`UPDATE sequence_messages
				SET status = 'cancelled', error_message = ?, updated_at = ?
				WHERE tenant_id = ? AND id = ? AND status = 'sending'`),
				nilIfEmpty(st.Reason), at, st.TenantID, st.MessageID)
		}
		if err != nil {
			return fmt.Errorf("settle message failed: %w", err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return ErrClaimLost
		}
		return s.advanceEnrollmentTx(ctx, tx, st, at)
	})
	if err != nil && !errors.Is(err, ErrClaimLost) {
		slog.Error("Store.SettleMessage failed", "dialect", s.dialect, "messageID", st.MessageID, "error", err)
	}
	return err
}

// advanceEnrollmentTx moves the enrollment to the next step or completes it.
// Enrollments cancelled while the message was in flight are left untouched.
func (s *sqlStore) advanceEnrollmentTx(ctx context.Context, tx *sql.Tx, st Settlement, at time.Time) error {
	if st.Next == nil {
		_, err := tx.ExecContext(ctx, s.q(`UPDATE sequence_enrollments
			SET status = 'completed', completed_at = ?, next_send_at = NULL, current_step_index = ?, updated_at = ?
			WHERE tenant_id = ? AND id = ? AND status IN ('active', 'paused')`),
			at, st.NextStepIndex, at, st.TenantID, st.EnrollmentID)
		if err != nil {
			return fmt.Errorf("complete enrollment failed: %w", err)
		}
		return nil
	}
	res, err := tx.ExecContext(ctx, s.q(`UPDATE sequence_enrollments
		SET current_step_index = ?, next_send_at = ?, updated_at = ?
		WHERE tenant_id = ? AND id = ? AND status IN ('active', 'paused')`),
		st.NextStepIndex, ts(st.Next.ScheduledFor), at, st.TenantID, st.EnrollmentID)
	if err != nil {
		return fmt.Errorf("advance enrollment failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return nil
	}
	return s.insertMessage(ctx, tx, st.Next)
}

func (s *sqlStore) FailMessage(ctx context.Context, tenantID, id, content, errMsg string, failEnrollment bool, now time.Time) error {
	now = ts(now)
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var enrollmentID string
		err := tx.QueryRowContext(ctx, s.q(`SELECT enrollment_id FROM sequence_messages
			WHERE tenant_id = ? AND id = ? AND status = 'sending'`+s.forUpdate()), tenantID, id).Scan(&enrollmentID)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrClaimLost
		}
		if err != nil {
			return fmt.Errorf("load claimed message failed: %w", err)
		}
		_, err = tx.ExecContext(ctx, s.q(`UPDATE sequence_messages
			SET status = 'failed', failed_at = ?, error_message = ?, content = COALESCE(?, content), updated_at = ?
			WHERE tenant_id = ? AND id = ?`), now, errMsg, nilIfEmpty(content), now, tenantID, id)
		if err != nil {
			return fmt.Errorf("fail message failed: %w", err)
		}
		if !failEnrollment {
			return nil
		}
		err = s.endEnrollmentTx(ctx, tx, tenantID, enrollmentID, models.EnrollmentFailed, errMsg, now)
		if errors.Is(err, ErrStateChanged) {
			return nil
		}
		return err
	})
	if err != nil && !errors.Is(err, ErrClaimLost) {
		slog.Error("Store.FailMessage failed", "dialect", s.dialect, "messageID", id, "error", err)
	}
	return err
}

func (s *sqlStore) CancelClaimedMessage(ctx context.Context, tenantID, id, reason string, now time.Time) error {
	now = ts(now)
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var enrollmentID string
		err := tx.QueryRowContext(ctx, s.q(`SELECT enrollment_id FROM sequence_messages
			WHERE tenant_id = ? AND id = ? AND status = 'sending'`+s.forUpdate()), tenantID, id).Scan(&enrollmentID)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrClaimLost
		}
		if err != nil {
			return fmt.Errorf("load claimed message failed: %w", err)
		}
		_, err = tx.ExecContext(ctx, s.q(`UPDATE sequence_messages SET status = 'cancelled', error_message = ?, updated_at = ?
			WHERE tenant_id = ? AND id = ?`), nilIfEmpty(reason), now, tenantID, id)
		if err != nil {
			return fmt.Errorf("cancel message failed: %w", err)
		}
		err = s.endEnrollmentTx(ctx, tx, tenantID, enrollmentID, models.EnrollmentCancelled, reason, now)
		if errors.Is(err, ErrStateChanged) {
			return nil
		}
		return err
	})
	if err != nil && !errors.Is(err, ErrClaimLost) {
		slog.Error("Store.CancelClaimedMessage failed", "dialect", s.dialect, "messageID", id, "error", err)
	}
	return err
}

func (s *sqlStore) getMessage(ctx context.Context, q querier, query string, args ...any) (*models.Message, error) {
	m, err := scanMessage(q.QueryRowContext(ctx, s.q(query), args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get message failed: %w", err)
	}
	return &m, nil
}

func (s *sqlStore) GetMessage(ctx context.Context, tenantID, id string) (*models.Message, error) {
	return s.getMessage(ctx, s.db, `SELECT `+messageColumns+` FROM sequence_messages m WHERE m.tenant_id = ? AND m.id = ?`, tenantID, id)
}

func (s *sqlStore) PendingMessageForEnrollment(ctx context.Context, tenantID, enrollmentID string) (*models.Message, error) {
	return s.getMessage(ctx, s.db, `SELECT `+messageColumns+` FROM sequence_messages m
		WHERE m.tenant_id = ? AND m.enrollment_id = ? AND m.status = 'pending'
		ORDER BY m.scheduled_for ASC LIMIT 1`, tenantID, enrollmentID)
}

func (s *sqlStore) FindMessageByExternalID(ctx context.Context, tenantID, externalID string) (*models.Message, error) {
	return s.getMessage(ctx, s.db, `SELECT `+messageColumns+` FROM sequence_messages m
		WHERE m.tenant_id = ? AND m.external_id = ?`, tenantID, externalID)
}

func (s *sqlStore) FindLatestMessageByRecipient(ctx context.Context, tenantID, recipient string, ch models.Channel) (*models.Message, error) {
	alt := recipient
	if ch == models.ChannelSMS {
		if strings.HasPrefix(recipient, "+") {
			alt = strings.TrimPrefix(recipient, "+")
		} else {
			alt = "+" + recipient
		}
	}
	return s.getMessage(ctx, s.db, `SELECT `+messageColumns+` FROM sequence_messages m
		WHERE m.tenant_id = ? AND m.channel = ? AND m.recipient IN (?, ?) AND m.sent_at IS NOT NULL
		ORDER BY m.sent_at DESC LIMIT 1`, tenantID, ch, recipient, alt)
}

func (s *sqlStore) ListMessagesForEnrollment(ctx context.Context, tenantID, enrollmentID string) ([]models.Message, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT `+messageColumns+` FROM sequence_messages m
		WHERE m.tenant_id = ? AND m.enrollment_id = ? ORDER BY m.step_order ASC, m.attempt ASC, m.created_at ASC`),
		tenantID, enrollmentID)
	if err != nil {
		return nil, fmt.Errorf("list messages failed: %w", err)
	}
	defer rows.Close()
	out := []models.Message{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message failed: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *sqlStore) ApplyDeliveryUpdate(ctx context.Context, tenantID, id string, u DeliveryUpdate, now time.Time) (bool, error) {
	var changed bool
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		m, err := s.getMessage(ctx, tx, `SELECT `+messageColumns+` FROM sequence_messages m
			WHERE m.tenant_id = ? AND m.id = ?`+s.forUpdate(), tenantID, id)
		if err != nil {
			return err
		}
		if m == nil {
			return ErrStateChanged
		}
		// Only the processor moves a message out of pending or sending.
		if m.Status == models.MessagePending || m.Status == models.MessageSending {
			return ErrNotYetSent
		}
		status := m.Status
		if u.Status != "" && m.Status.CanTransitionTo(u.Status) &&
			u.Status != models.MessagePending && u.Status != models.MessageSending {
			status = u.Status
			changed = true
		}
		errMsg := m.ErrorMessage
		if changed && u.ErrorMessage != "" {
			errMsg = u.ErrorMessage
		}
		meta := m.DeliveryMetadata
		if len(u.Metadata) > 0 {
			if meta == nil {
				meta = make(map[string]any, len(u.Metadata))
			}
			for k, v := range u.Metadata {
				meta[k] = v
			}
		}
		encoded, err := encodeJSON(meta)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, s.q(`UPDATE sequence_messages SET status = ?, delivered_at = ?, bounced_at = ?,
			failed_at = ?, opened_at = ?, clicked_at = ?, error_message = ?, delivery_metadata = ?, updated_at = ?
			WHERE tenant_id = ? AND id = ?`),
			status, nullTS(firstSet(m.DeliveredAt, u.DeliveredAt)), nullTS(firstSet(m.BouncedAt, u.BouncedAt)),
			nullTS(firstSet(m.FailedAt, u.FailedAt)), nullTS(firstSet(m.OpenedAt, u.OpenedAt)),
			nullTS(firstSet(m.ClickedAt, u.ClickedAt)), nilIfEmpty(errMsg), encoded, ts(now), tenantID, id)
		if err != nil {
			return fmt.Errorf("apply delivery update failed: %w", err)
		}
		return nil
	})
	if err != nil {
		if !errors.Is(err, ErrStateChanged) && !errors.Is(err, ErrNotYetSent) {
			slog.Error("Store.ApplyDeliveryUpdate failed", "dialect", s.dialect, "messageID", id, "error", err)
		}
		return false, err
	}
	slog.Debug("Store.ApplyDeliveryUpdate succeeded", "tenant", tenantID, "messageID", id, "statusChanged", changed)
	return changed, nil
}

// firstSet keeps the earliest recorded timestamp.
func firstSet(existing, incoming *time.Time) *time.Time {
	if existing != nil {
		return existing
	}
	return incoming
}

func (s *sqlStore) TenantsWithDueMessages(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT DISTINCT tenant_id FROM sequence_messages
		WHERE status IN ('pending', 'sending') AND scheduled_for <= ? ORDER BY tenant_id`), ts(now))
	if err != nil {
		return nil, fmt.Errorf("list tenants with due messages failed: %w", err)
	}
	defer rows.Close()
	var tenants []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("scan tenant failed: %w", err)
		}
		tenants = append(tenants, t)
	}
	return tenants, rows.Err()
}
