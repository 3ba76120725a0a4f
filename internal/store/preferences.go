package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/FollowUp/internal/models"
)

func (s *sqlStore) GetPreference(ctx context.Context, tenantID, address string) (*models.CommunicationPreference, error) {
	var p models.CommunicationPreference
	var reason sql.NullString
	var unsubscribedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, s.q(`SELECT tenant_id, address, address_type, email_enabled, sms_enabled,
		global_unsubscribe, unsubscribed_at, reason, updated_at
		FROM communication_preferences WHERE tenant_id = ? AND address = ?`), tenantID, address).Scan(
		&p.TenantID, &p.Address, &p.AddressType, &p.EmailEnabled, &p.SMSEnabled,
		&p.GlobalUnsubscribe, &unsubscribedAt, &reason, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get preference failed: %w", err)
	}
	p.Reason = reason.String
	p.UnsubscribedAt = timePtr(unsubscribedAt)
	p.UpdatedAt = p.UpdatedAt.UTC()
	return &p, nil
}

func (s *sqlStore) UpsertPreference(ctx context.Context, p *models.CommunicationPreference) error {
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO communication_preferences (tenant_id, address, address_type,
		email_enabled, sms_enabled, global_unsubscribe, unsubscribed_at, reason, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, address) DO UPDATE SET
			email_enabled = excluded.email_enabled,
			sms_enabled = excluded.sms_enabled,
			global_unsubscribe = excluded.global_unsubscribe,
			unsubscribed_at = excluded.unsubscribed_at,
			reason = excluded.reason,
			updated_at = excluded.updated_at`),
		p.TenantID, p.Address, p.AddressType, p.EmailEnabled, p.SMSEnabled, p.GlobalUnsubscribe,
		nullTS(p.UnsubscribedAt), nilIfEmpty(p.Reason), ts(p.UpdatedAt),
	)
	if err != nil {
		slog.Error("Store.UpsertPreference failed", "dialect", s.dialect, "tenant", p.TenantID, "error", err)
		return fmt.Errorf("upsert preference failed: %w", err)
	}
	slog.Debug("Store.UpsertPreference succeeded", "tenant", p.TenantID, "address", p.Address,
		"global", p.GlobalUnsubscribe, "email", p.EmailEnabled, "sms", p.SMSEnabled)
	return nil
}

func (s *sqlStore) AddSequenceOptOut(ctx context.Context, tenantID, address, sequenceID string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO sequence_opt_outs (tenant_id, address, sequence_id, created_at)
		VALUES (?, ?, ?, ?) ON CONFLICT (tenant_id, address, sequence_id) DO NOTHING`),
		tenantID, address, sequenceID, ts(now))
	if err != nil {
		slog.Error("Store.AddSequenceOptOut failed", "dialect", s.dialect, "tenant", tenantID, "error", err)
		return fmt.Errorf("add sequence opt-out failed: %w", err)
	}
	return nil
}

func (s *sqlStore) IsSequenceOptedOut(ctx context.Context, tenantID, address, sequenceID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM sequence_opt_outs
		WHERE tenant_id = ? AND address = ? AND sequence_id = ?`), tenantID, address, sequenceID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("sequence opt-out check failed: %w", err)
	}
	return n > 0, nil
}

func (s *sqlStore) UpsertContact(ctx context.Context, c *models.Contact) error {
	attrs, err := encodeJSON(c.Attributes)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.q(`INSERT INTO contacts (tenant_id, subject_type, subject_id, first_name,
		last_name, email, phone, attributes, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, subject_type, subject_id) DO UPDATE SET
			first_name = excluded.first_name,
			last_name = excluded.last_name,
			email = excluded.email,
			phone = excluded.phone,
			attributes = excluded.attributes,
			updated_at = excluded.updated_at`),
		c.TenantID, c.SubjectType, c.SubjectID, nilIfEmpty(c.FirstName), nilIfEmpty(c.LastName),
		nilIfEmpty(c.Email), nilIfEmpty(c.Phone), attrs, ts(c.UpdatedAt),
	)
	if err != nil {
		slog.Error("Store.UpsertContact failed", "dialect", s.dialect, "tenant", c.TenantID, "error", err)
		return fmt.Errorf("upsert contact failed: %w", err)
	}
	return nil
}

func (s *sqlStore) GetContact(ctx context.Context, tenantID string, subject models.SubjectRef) (*models.Contact, error) {
	var c models.Contact
	var first, last, email, phone, attrs sql.NullString
	err := s.db.QueryRowContext(ctx, s.q(`SELECT tenant_id, subject_type, subject_id, first_name, last_name,
		email, phone, attributes, updated_at FROM contacts
		WHERE tenant_id = ? AND subject_type = ? AND subject_id = ?`), tenantID, subject.Type, subject.ID).Scan(
		&c.TenantID, &c.SubjectType, &c.SubjectID, &first, &last, &email, &phone, &attrs, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get contact failed: %w", err)
	}
	c.FirstName = first.String
	c.LastName = last.String
	c.Email = email.String
	c.Phone = phone.String
	c.UpdatedAt = c.UpdatedAt.UTC()
	if err := decodeJSON(attrs, &c.Attributes); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *sqlStore) RecordEvent(ctx context.Context, tenantID, eventKey string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.q(`INSERT INTO webhook_events (event_key, tenant_id, received_at)
		VALUES (?, ?, ?) ON CONFLICT (event_key) DO NOTHING`), eventKey, tenantID, ts(now))
	if err != nil {
		return false, fmt.Errorf("record webhook event failed: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (s *sqlStore) MarkEventProcessed(ctx context.Context, eventKey string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, s.q(`UPDATE webhook_events SET processed_at = ? WHERE event_key = ?`), ts(now), eventKey)
	if err != nil {
		return fmt.Errorf("mark webhook event processed failed: %w", err)
	}
	return nil
}

func (s *sqlStore) ForgetEvent(ctx context.Context, eventKey string) error {
	_, err := s.db.ExecContext(ctx, s.q(`DELETE FROM webhook_events WHERE event_key = ?`), eventKey)
	if err != nil {
		return fmt.Errorf("forget webhook event failed: %w", err)
	}
	return nil
}
