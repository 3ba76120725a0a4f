package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BTreeMap/FollowUp/internal/models"
)

const templateColumns = `id, tenant_id, name, category, channel, subject, content, variables, language, created_by, created_at, updated_at`

func scanTemplate(row scanner) (models.Template, error) {
	var t models.Template
	var category, subject, variables, createdBy sql.NullString
	err := row.Scan(&t.ID, &t.TenantID, &t.Name, &category, &t.Channel, &subject, &t.Content,
		&variables, &t.Language, &createdBy, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return t, err
	}
	t.Category = category.String
	t.Subject = subject.String
	t.CreatedBy = createdBy.String
	t.CreatedAt = t.CreatedAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()
	if err := decodeJSON(variables, &t.Variables); err != nil {
		return t, err
	}
	if t.Variables == nil {
		t.Variables = []string{}
	}
	return t, nil
}

func (s *sqlStore) CreateTemplate(ctx context.Context, t *models.Template) error {
	vars, err := encodeJSON(t.Variables)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.q(`INSERT INTO message_templates (`+templateColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		t.ID, t.TenantID, t.Name, nilIfEmpty(t.Category), t.Channel, nilIfEmpty(t.Subject), t.Content,
		vars, t.Language, nilIfEmpty(t.CreatedBy), ts(t.CreatedAt), ts(t.UpdatedAt),
	)
	if err != nil {
		slog.Error("Store.CreateTemplate failed", "dialect", s.dialect, "tenant", t.TenantID, "error", err)
		return fmt.Errorf("insert template failed: %w", err)
	}
	slog.Debug("Store.CreateTemplate succeeded", "tenant", t.TenantID, "templateID", t.ID)
	return nil
}

func (s *sqlStore) UpdateTemplate(ctx context.Context, t *models.Template) error {
	vars, err := encodeJSON(t.Variables)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE message_templates
		SET name = ?, category = ?, channel = ?, subject = ?, content = ?, variables = ?, language = ?, updated_at = ?
		WHERE tenant_id = ? AND id = ?`),
		t.Name, nilIfEmpty(t.Category), t.Channel, nilIfEmpty(t.Subject), t.Content, vars, t.Language, ts(t.UpdatedAt),
		t.TenantID, t.ID,
	)
	if err != nil {
		slog.Error("Store.UpdateTemplate failed", "dialect", s.dialect, "templateID", t.ID, "error", err)
		return fmt.Errorf("update template failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStateChanged
	}
	return nil
}

func (s *sqlStore) GetTemplate(ctx context.Context, tenantID, id string) (*models.Template, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+templateColumns+` FROM message_templates WHERE tenant_id = ? AND id = ?`), tenantID, id)
	t, err := scanTemplate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get template failed: %w", err)
	}
	return &t, nil
}

func (s *sqlStore) ListTemplates(ctx context.Context, tenantID string, filter models.TemplateFilter) ([]models.Template, error) {
	where := []string{"tenant_id = ?"}
	args := []any{tenantID}
	if filter.Channel != "" {
		where = append(where, "channel = ?")
		args = append(args, filter.Channel)
	}
	if filter.Category != "" {
		where = append(where, "category = ?")
		args = append(args, filter.Category)
	}
	if filter.Language != "" {
		where = append(where, "language = ?")
		args = append(args, filter.Language)
	}
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT `+templateColumns+` FROM message_templates WHERE `+
		strings.Join(where, " AND ")+` ORDER BY created_at ASC, id ASC`), args...)
	if err != nil {
		slog.Error("Store.ListTemplates query failed", "dialect", s.dialect, "tenant", tenantID, "error", err)
		return nil, fmt.Errorf("list templates failed: %w", err)
	}
	defer rows.Close()
	templates := []models.Template{}
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, fmt.Errorf("scan template failed: %w", err)
		}
		templates = append(templates, t)
	}
	return templates, rows.Err()
}

func (s *sqlStore) DeleteTemplate(ctx context.Context, tenantID, id string) error {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM message_templates WHERE tenant_id = ? AND id = ?`), tenantID, id)
	if err != nil {
		slog.Error("Store.DeleteTemplate failed", "dialect", s.dialect, "templateID", id, "error", err)
		return fmt.Errorf("delete template failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStateChanged
	}
	slog.Debug("Store.DeleteTemplate succeeded", "tenant", tenantID, "templateID", id)
	return nil
}

func (s *sqlStore) TemplateReferencedByLiveEnrollments(ctx context.Context, tenantID, id string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM sequence_steps st
		JOIN sequences q ON q.id = st.sequence_id
		WHERE q.tenant_id = ? AND st.template_id = ?
		AND EXISTS (SELECT 1 FROM sequence_enrollments e
			WHERE e.sequence_id = q.id AND e.status IN ('active', 'paused'))`), tenantID, id).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("template reference check failed: %w", err)
	}
	return n > 0, nil
}
