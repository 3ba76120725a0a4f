package sequence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/BTreeMap/FollowUp/internal/models"
	"github.com/BTreeMap/FollowUp/internal/store"
	"github.com/BTreeMap/FollowUp/internal/util"
)

const defaultLanguage = "en"

var variablePattern = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_.]*)\s*\}\}`)

// ExtractVariables returns the placeholder names in content, de-duplicated,
// in order of first appearance.
func ExtractVariables(content string) []string {
	vars := []string{}
	seen := make(map[string]bool)
	for _, m := range variablePattern.FindAllStringSubmatch(content, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			vars = append(vars, m[1])
		}
	}
	return vars
}

// Render substitutes placeholders from vars. Unresolved placeholders render
// as the empty string.
func Render(content string, vars map[string]any) string {
	return variablePattern.ReplaceAllStringFunc(content, func(token string) string {
		name := variablePattern.FindStringSubmatch(token)[1]
		v, ok := lookup(vars, name)
		if !ok || v == nil {
			return ""
		}
		return fmt.Sprint(v)
	})
}

// TemplateInput is the body of a template create request.
type TemplateInput struct {
	Name     string         `json:"name" validate:"required,max=200"`
	Category string         `json:"category" validate:"max=100"`
	Channel  models.Channel `json:"channel" validate:"required,oneof=email sms"`
	Subject  string         `json:"subject" validate:"max=998"`
	Content  string         `json:"content" validate:"required"`
	// Variables is derived from Content when nil.
	Variables []string `json:"variables"`
	Language  string   `json:"language" validate:"omitempty,max=16"`
}

// TemplatePatch carries the fields of a template update; nil leaves a field unchanged.
type TemplatePatch struct {
	Name      *string   `json:"name" validate:"omitempty,min=1,max=200"`
	Category  *string   `json:"category"`
	Subject   *string   `json:"subject"`
	Content   *string   `json:"content" validate:"omitempty,min=1"`
	Variables *[]string `json:"variables"`
	Language  *string   `json:"language"`
}

// TemplateService manages message templates.
type TemplateService struct {
	store store.Store
	settings
}

// NewTemplateService creates a TemplateService over st.
func NewTemplateService(st store.Store, opts ...Option) *TemplateService {
	return &TemplateService{store: st, settings: newSettings(opts)}
}

// CreateTemplate validates and stores a new template.
func (s *TemplateService) CreateTemplate(ctx context.Context, tenantID, actor string, in TemplateInput) (*models.Template, error) {
	if err := ValidateStruct(in); err != nil {
		return nil, err
	}
	if in.Channel == models.ChannelEmail && strings.TrimSpace(in.Subject) == "" {
		return nil, models.NewValidationError("Email templates require a subject", map[string]string{"subject": "is required"})
	}
	now := s.clock()
	t := &models.Template{
		ID:        util.NewTemplateID(),
		TenantID:  tenantID,
		Name:      in.Name,
		Category:  in.Category,
		Channel:   in.Channel,
		Subject:   in.Subject,
		Content:   in.Content,
		Variables: in.Variables,
		Language:  in.Language,
		CreatedBy: actor,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if t.Variables == nil {
		t.Variables = ExtractVariables(t.Content)
	}
	if t.Language == "" {
		t.Language = defaultLanguage
	}
	if err := s.store.CreateTemplate(ctx, t); err != nil {
		return nil, err
	}
	slog.Info("TemplateService.CreateTemplate: created", "tenant", tenantID, "templateID", t.ID, "channel", t.Channel)
	return t, nil
}

// UpdateTemplate applies patch. Variables are re-derived only when the
// content changes and the patch does not supply them.
func (s *TemplateService) UpdateTemplate(ctx context.Context, tenantID, id string, patch TemplatePatch) (*models.Template, error) {
	if err := ValidateStruct(patch); err != nil {
		return nil, err
	}
	t, err := s.GetTemplate(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	contentChanged := false
	if patch.Name != nil {
		t.Name = *patch.Name
	}
	if patch.Category != nil {
		t.Category = *patch.Category
	}
	if patch.Subject != nil {
		t.Subject = *patch.Subject
	}
	if patch.Content != nil && *patch.Content != t.Content {
		t.Content = *patch.Content
		contentChanged = true
	}
	if patch.Language != nil && *patch.Language != "" {
		t.Language = *patch.Language
	}
	switch {
	case patch.Variables != nil:
		t.Variables = *patch.Variables
	case contentChanged:
		t.Variables = ExtractVariables(t.Content)
	}
	if t.Channel == models.ChannelEmail && strings.TrimSpace(t.Subject) == "" {
		return nil, models.NewValidationError("Email templates require a subject", map[string]string{"subject": "is required"})
	}
	t.UpdatedAt = s.clock()
	if err := s.store.UpdateTemplate(ctx, t); err != nil {
		if errors.Is(err, store.ErrStateChanged) {
			return nil, models.NewNotFoundError("template %s not found", id)
		}
		return nil, err
	}
	return t, nil
}

// DeleteTemplate removes a template unless a sequence with live enrollments uses it.
func (s *TemplateService) DeleteTemplate(ctx context.Context, tenantID, id string) error {
	if _, err := s.GetTemplate(ctx, tenantID, id); err != nil {
		return err
	}
	inUse, err := s.store.TemplateReferencedByLiveEnrollments(ctx, tenantID, id)
	if err != nil {
		return err
	}
	if inUse {
		return models.NewConflictError("template %s is used by a sequence with active enrollments", id)
	}
	if err := s.store.DeleteTemplate(ctx, tenantID, id); err != nil {
		if errors.Is(err, store.ErrStateChanged) {
			return models.NewNotFoundError("template %s not found", id)
		}
		return err
	}
	slog.Info("TemplateService.DeleteTemplate: deleted", "tenant", tenantID, "templateID", id)
	return nil
}

// GetTemplate returns the template or a not-found error.
func (s *TemplateService) GetTemplate(ctx context.Context, tenantID, id string) (*models.Template, error) {
	t, err := s.store.GetTemplate(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, models.NewNotFoundError("template %s not found", id)
	}
	return t, nil
}

func (s *TemplateService) ListTemplates(ctx context.Context, tenantID string, filter models.TemplateFilter) ([]models.Template, error) {
	return s.store.ListTemplates(ctx, tenantID, filter)
}
