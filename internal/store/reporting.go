package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/BTreeMap/FollowUp/internal/models"
)

func (s *sqlStore) ProcessingStatus(ctx context.Context, tenantID string, now time.Time) (*models.ProcessingStatus, error) {
	now = ts(now)
	var st models.ProcessingStatus
	var nextDue sql.NullTime
	err := s.db.QueryRowContext(ctx, s.q(`SELECT
		COALESCE(SUM(CASE WHEN status = 'pending' AND scheduled_for <= ? THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN status = 'pending' AND scheduled_for > ? THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN status = 'sending' THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN status = 'sent' THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN status = 'delivered' THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN status IN ('failed', 'bounced') THEN 1 ELSE 0 END), 0)
		FROM sequence_messages WHERE tenant_id = ?`), now, now, tenantID).Scan(
		&st.DuePending, &st.ScheduledPending, &st.Sending, &st.Sent, &st.Delivered, &st.Failed)
	if err != nil {
		return nil, fmt.Errorf("processing status failed: %w", err)
	}
	err = s.db.QueryRowContext(ctx, s.q(`SELECT MIN(scheduled_for) FROM sequence_messages
		WHERE tenant_id = ? AND status = 'pending'`), tenantID).Scan(&nextDue)
	if err != nil {
		return nil, fmt.Errorf("next due lookup failed: %w", err)
	}
	st.NextDueAt = timePtr(nextDue)
	err = s.db.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM sequence_enrollments
		WHERE tenant_id = ? AND status = 'active'`), tenantID).Scan(&st.ActiveEnrollments)
	if err != nil {
		return nil, fmt.Errorf("active enrollment count failed: %w", err)
	}
	return &st, nil
}

func (s *sqlStore) SequenceAnalytics(ctx context.Context, tenantID string) ([]models.SequenceAnalytics, error) {
	seqs, err := s.ListSequences(ctx, tenantID, models.SequenceFilter{})
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*models.SequenceAnalytics, len(seqs))
	out := make([]models.SequenceAnalytics, len(seqs))
	for i, seq := range seqs {
		out[i] = models.SequenceAnalytics{
			SequenceID:  seq.ID,
			Name:        seq.Name,
			Enrollments: map[string]int{},
			Messages:    map[string]int{},
		}
		byID[seq.ID] = &out[i]
	}

	if err := s.countGrouped(ctx, `SELECT sequence_id, status, COUNT(*) FROM sequence_enrollments
		WHERE tenant_id = ? GROUP BY sequence_id, status`, tenantID, func(seqID, status string, n int) {
		if a := byID[seqID]; a != nil {
			a.Enrollments[status] = n
		}
	}); err != nil {
		return nil, err
	}
	if err := s.countGrouped(ctx, `SELECT sequence_id, status, COUNT(*) FROM sequence_messages
		WHERE tenant_id = ? GROUP BY sequence_id, status`, tenantID, func(seqID, status string, n int) {
		if a := byID[seqID]; a != nil {
			a.Messages[status] = n
		}
	}); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, s.q(`SELECT sequence_id,
		COALESCE(SUM(CASE WHEN opened_at IS NOT NULL THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN clicked_at IS NOT NULL THEN 1 ELSE 0 END), 0)
		FROM sequence_messages WHERE tenant_id = ? GROUP BY sequence_id`), tenantID)
	if err != nil {
		return nil, fmt.Errorf("engagement query failed: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var seqID string
		var opened, clicked int
		if err := rows.Scan(&seqID, &opened, &clicked); err != nil {
			return nil, fmt.Errorf("scan engagement failed: %w", err)
		}
		if a := byID[seqID]; a != nil {
			a.Opened = opened
			a.Clicked = clicked
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range out {
		a := &out[i]
		reached := a.Messages[string(models.MessageSent)] + a.Messages[string(models.MessageDelivered)]
		if reached > 0 {
			a.OpenRate = float64(a.Opened) / float64(reached)
			a.ClickRate = float64(a.Clicked) / float64(reached)
		}
	}
	return out, nil
}

func (s *sqlStore) countGrouped(ctx context.Context, query, tenantID string, fn func(seqID, status string, n int)) error {
	rows, err := s.db.QueryContext(ctx, s.q(query), tenantID)
	if err != nil {
		return fmt.Errorf("grouped count failed: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var seqID, status string
		var n int
		if err := rows.Scan(&seqID, &status, &n); err != nil {
			return fmt.Errorf("scan grouped count failed: %w", err)
		}
		fn(seqID, status, n)
	}
	return rows.Err()
}
