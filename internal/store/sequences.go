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

const sequenceColumns = `id, tenant_id, name, description, type, trigger_event, trigger_conditions, active,
	start_delay_minutes, max_enrollments, enrollment_window_minutes, priority, tags, created_by,
	created_at, updated_at, deleted_at`

func scanSequence(row scanner) (models.Sequence, error) {
	var q models.Sequence
	var description, typ, triggerEvent, conditions, tags, createdBy sql.NullString
	var deletedAt sql.NullTime
	err := row.Scan(&q.ID, &q.TenantID, &q.Name, &description, &typ, &triggerEvent, &conditions, &q.Active,
		&q.StartDelayMinutes, &q.MaxEnrollments, &q.EnrollmentWindowMinutes, &q.Priority, &tags, &createdBy,
		&q.CreatedAt, &q.UpdatedAt, &deletedAt)
	if err != nil {
		return q, err
	}
	q.Description = description.String
	q.Type = typ.String
	q.TriggerEvent = triggerEvent.String
	q.CreatedBy = createdBy.String
	q.CreatedAt = q.CreatedAt.UTC()
	q.UpdatedAt = q.UpdatedAt.UTC()
	q.DeletedAt = timePtr(deletedAt)
	if err := decodeJSON(conditions, &q.TriggerConditions); err != nil {
		return q, err
	}
	if err := decodeJSON(tags, &q.Tags); err != nil {
		return q, err
	}
	return q, nil
}

func (s *sqlStore) CreateSequence(ctx context.Context, seq *models.Sequence) error {
	conditions, err := encodeJSON(seq.TriggerConditions)
	if err != nil {
		return err
	}
	tags, err := encodeJSON(seq.Tags)
	if err != nil {
		return err
	}
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, s.q(`INSERT INTO sequences (`+sequenceColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			seq.ID, seq.TenantID, seq.Name, nilIfEmpty(seq.Description), nilIfEmpty(seq.Type),
			nilIfEmpty(seq.TriggerEvent), conditions, seq.Active, seq.StartDelayMinutes, seq.MaxEnrollments,
			seq.EnrollmentWindowMinutes, seq.Priority, tags, nilIfEmpty(seq.CreatedBy),
			ts(seq.CreatedAt), ts(seq.UpdatedAt), nullTS(seq.DeletedAt),
		)
		if err != nil {
			return fmt.Errorf("insert sequence failed: %w", err)
		}
		return s.insertSteps(ctx, tx, seq.Steps)
	})
	if err != nil {
		slog.Error("Store.CreateSequence failed", "dialect", s.dialect, "tenant", seq.TenantID, "error", err)
		return err
	}
	slog.Debug("Store.CreateSequence succeeded", "tenant", seq.TenantID, "sequenceID", seq.ID, "steps", len(seq.Steps))
	return nil
}

func (s *sqlStore) insertSteps(ctx context.Context, tx *sql.Tx, steps []models.Step) error {
	for _, st := range steps {
		conds, err := encodeJSON(st.SendConditions)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, s.q(`INSERT INTO sequence_steps
			(id, sequence_id, step_order, name, template_id, channel, delay_after_previous_minutes, send_conditions)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
			st.ID, st.SequenceID, st.StepOrder, nilIfEmpty(st.Name), st.TemplateID, st.Channel,
			st.DelayAfterPreviousMinutes, conds,
		)
		if err != nil {
			return fmt.Errorf("insert step %d failed: %w", st.StepOrder, err)
		}
	}
	return nil
}

func (s *sqlStore) UpdateSequence(ctx context.Context, seq *models.Sequence, replaceSteps bool) error {
	conditions, err := encodeJSON(seq.TriggerConditions)
	if err != nil {
		return err
	}
	tags, err := encodeJSON(seq.Tags)
	if err != nil {
		return err
	}
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.q(`UPDATE sequences SET name = ?, description = ?, type = ?,
			trigger_event = ?, trigger_conditions = ?, active = ?, start_delay_minutes = ?, max_enrollments = ?,
			enrollment_window_minutes = ?, priority = ?, tags = ?, updated_at = ?
			WHERE tenant_id = ? AND id = ? AND deleted_at IS NULL`),
			seq.Name, nilIfEmpty(seq.Description), nilIfEmpty(seq.Type), nilIfEmpty(seq.TriggerEvent), conditions,
			seq.Active, seq.StartDelayMinutes, seq.MaxEnrollments, seq.EnrollmentWindowMinutes, seq.Priority,
			tags, ts(seq.UpdatedAt), seq.TenantID, seq.ID,
		)
		if err != nil {
			return fmt.Errorf("update sequence failed: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrStateChanged
		}
		if !replaceSteps {
			return nil
		}
		if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM sequence_steps WHERE sequence_id = ?`), seq.ID); err != nil {
			return fmt.Errorf("delete steps failed: %w", err)
		}
		return s.insertSteps(ctx, tx, seq.Steps)
	})
	if err != nil && !errors.Is(err, ErrStateChanged) {
		slog.Error("Store.UpdateSequence failed", "dialect", s.dialect, "sequenceID", seq.ID, "error", err)
	}
	return err
}

func (s *sqlStore) GetSequence(ctx context.Context, tenantID, id string) (*models.Sequence, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+sequenceColumns+` FROM sequences WHERE tenant_id = ? AND id = ?`), tenantID, id)
	seq, err := scanSequence(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get sequence failed: %w", err)
	}
	steps, err := s.loadSteps(ctx, []string{seq.ID})
	if err != nil {
		return nil, err
	}
	seq.Steps = steps[seq.ID]
	if seq.Steps == nil {
		seq.Steps = []models.Step{}
	}
	return &seq, nil
}

// loadSteps returns ordered steps keyed by sequence id.
func (s *sqlStore) loadSteps(ctx context.Context, sequenceIDs []string) (map[string][]models.Step, error) {
	out := make(map[string][]models.Step, len(sequenceIDs))
	if len(sequenceIDs) == 0 {
		return out, nil
	}
	args := make([]any, len(sequenceIDs))
	for i, id := range sequenceIDs {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT id, sequence_id, step_order, name, template_id, channel,
		delay_after_previous_minutes, send_conditions FROM sequence_steps
		WHERE sequence_id IN (`+placeholders(len(args))+`) ORDER BY sequence_id, step_order`), args...)
	if err != nil {
		return nil, fmt.Errorf("load steps failed: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var st models.Step
		var name, conds sql.NullString
		if err := rows.Scan(&st.ID, &st.SequenceID, &st.StepOrder, &name, &st.TemplateID, &st.Channel,
			&st.DelayAfterPreviousMinutes, &conds); err != nil {
			return nil, fmt.Errorf("scan step failed: %w", err)
		}
		st.Name = name.String
		if err := decodeJSON(conds, &st.SendConditions); err != nil {
			return nil, err
		}
		out[st.SequenceID] = append(out[st.SequenceID], st)
	}
	return out, rows.Err()
}

func (s *sqlStore) ListSequences(ctx context.Context, tenantID string, filter models.SequenceFilter) ([]models.Sequence, error) {
	where := []string{"tenant_id = ?", "deleted_at IS NULL"}
	args := []any{tenantID}
	if filter.Type != "" {
		where = append(where, "type = ?")
		args = append(args, filter.Type)
	}
	if filter.TriggerEvent != "" {
		where = append(where, "trigger_event = ?")
		args = append(args, filter.TriggerEvent)
	}
	if filter.Active != nil {
		where = append(where, "active = ?")
		args = append(args, *filter.Active)
	}
	if filter.CreatedBy != "" {
		where = append(where, "created_by = ?")
		args = append(args, filter.CreatedBy)
	}
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT `+sequenceColumns+` FROM sequences WHERE `+
		strings.Join(where, " AND ")+` ORDER BY priority DESC, created_at ASC, id ASC`), args...)
	if err != nil {
		slog.Error("Store.ListSequences query failed", "dialect", s.dialect, "tenant", tenantID, "error", err)
		return nil, fmt.Errorf("list sequences failed: %w", err)
	}
	var seqs []models.Sequence
	for rows.Next() {
		seq, err := scanSequence(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan sequence failed: %w", err)
		}
		if !hasAllTags(&seq, filter.Tags) {
			continue
		}
		seqs = append(seqs, seq)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	ids := make([]string, len(seqs))
	for i := range seqs {
		ids[i] = seqs[i].ID
	}
	steps, err := s.loadSteps(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make([]models.Sequence, 0, len(seqs))
	for _, seq := range seqs {
		seq.Steps = steps[seq.ID]
		if seq.Steps == nil {
			seq.Steps = []models.Step{}
		}
		out = append(out, seq)
	}
	return out, nil
}

func hasAllTags(seq *models.Sequence, tags []string) bool {
	for _, tag := range tags {
		if !seq.HasTag(tag) {
			return false
		}
	}
	return true
}

func (s *sqlStore) DeleteSequence(ctx context.Context, tenantID, id string, soft bool, now time.Time) error {
	var res sql.Result
	var err error
	if soft {
		res, err = s.db.ExecContext(ctx, s.q(`UPDATE sequences SET deleted_at = ?, active = ?, updated_at = ?
			WHERE tenant_id = ? AND id = ? AND deleted_at IS NULL`), ts(now), false, ts(now), tenantID, id)
	} else {
		res, err = s.db.ExecContext(ctx, s.q(`DELETE FROM sequences WHERE tenant_id = ? AND id = ?`), tenantID, id)
	}
	if err != nil {
		slog.Error("Store.DeleteSequence failed", "dialect", s.dialect, "sequenceID", id, "soft", soft, "error", err)
		return fmt.Errorf("delete sequence failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStateChanged
	}
	slog.Debug("Store.DeleteSequence succeeded", "tenant", tenantID, "sequenceID", id, "soft", soft)
	return nil
}

func (s *sqlStore) CountEnrollments(ctx context.Context, tenantID, sequenceID string, statuses ...models.EnrollmentStatus) (int, error) {
	query := `SELECT COUNT(*) FROM sequence_enrollments WHERE tenant_id = ? AND sequence_id = ?`
	args := []any{tenantID, sequenceID}
	if len(statuses) > 0 {
		query += ` AND status IN (` + placeholders(len(statuses)) + `)`
		for _, st := range statuses {
			args = append(args, string(st))
		}
	}
	var n int
	if err := s.db.QueryRowContext(ctx, s.q(query), args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count enrollments failed: %w", err)
	}
	return n, nil
}
