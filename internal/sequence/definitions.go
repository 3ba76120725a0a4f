package sequence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/BTreeMap/FollowUp/internal/models"
	"github.com/BTreeMap/FollowUp/internal/store"
	"github.com/BTreeMap/FollowUp/internal/util"
)

// StepInput describes one step of a sequence definition.
type StepInput struct {
	// StepOrder is assigned by position when zero for every step.
	StepOrder                 int                `json:"step_order" validate:"gte=0"`
	Name                      string             `json:"name" validate:"max=200"`
	TemplateID                string             `json:"template_id" validate:"required"`
	Channel                   models.Channel     `json:"channel" validate:"omitempty,oneof=email sms"`
	DelayAfterPreviousMinutes int                `json:"delay_after_previous_minutes" validate:"gte=0"`
	SendConditions            []models.Condition `json:"send_conditions" validate:"dive"`
}

// SequenceInput is the body of a sequence create request.
type SequenceInput struct {
	Name                    string             `json:"name" validate:"required,max=200"`
	Description             string             `json:"description"`
	Type                    string             `json:"type" validate:"max=100"`
	TriggerEvent            string             `json:"trigger_event" validate:"max=100"`
	TriggerConditions       []models.Condition `json:"trigger_conditions" validate:"dive"`
	Active                  *bool              `json:"active"`
	StartDelayMinutes       int                `json:"start_delay_minutes" validate:"gte=0"`
	MaxEnrollments          int                `json:"max_enrollments" validate:"gte=0"`
	EnrollmentWindowMinutes int                `json:"enrollment_window_minutes" validate:"gte=0"`
	Priority                int                `json:"priority" validate:"gte=0,lte=10"`
	Tags                    []string           `json:"tags"`
	Steps                   []StepInput        `json:"steps" validate:"required,min=1,dive"`
}

// SequencePatch carries the fields of a sequence update; nil leaves a field unchanged.
type SequencePatch struct {
	Name                    *string             `json:"name" validate:"omitempty,min=1,max=200"`
	Description             *string             `json:"description"`
	Type                    *string             `json:"type"`
	TriggerEvent            *string             `json:"trigger_event"`
	TriggerConditions       *[]models.Condition `json:"trigger_conditions"`
	Active                  *bool               `json:"active"`
	StartDelayMinutes       *int                `json:"start_delay_minutes" validate:"omitempty,gte=0"`
	MaxEnrollments          *int                `json:"max_enrollments" validate:"omitempty,gte=0"`
	EnrollmentWindowMinutes *int                `json:"enrollment_window_minutes" validate:"omitempty,gte=0"`
	Priority                *int                `json:"priority" validate:"omitempty,gte=0,lte=10"`
	Tags                    *[]string           `json:"tags"`
	Steps                   *[]StepInput        `json:"steps" validate:"omitempty,min=1,dive"`
}

// DefinitionService manages sequence definitions.
type DefinitionService struct {
	store store.Store
	settings
}

// NewDefinitionService creates a DefinitionService over st.
func NewDefinitionService(st store.Store, opts ...Option) *DefinitionService {
	return &DefinitionService{store: st, settings: newSettings(opts)}
}

// CreateSequence validates the definition and stores it with its steps.
func (s *DefinitionService) CreateSequence(ctx context.Context, tenantID, actor string, in SequenceInput) (*models.Sequence, error) {
	if err := ValidateStruct(in); err != nil {
		return nil, err
	}
	if err := validateConditions("trigger_conditions", in.TriggerConditions); err != nil {
		return nil, err
	}
	now := s.clock()
	seq := &models.Sequence{
		ID:                      util.NewSequenceID(),
		TenantID:                tenantID,
		Name:                    in.Name,
		Description:             in.Description,
		Type:                    in.Type,
		TriggerEvent:            in.TriggerEvent,
		TriggerConditions:       in.TriggerConditions,
		Active:                  in.Active == nil || *in.Active,
		StartDelayMinutes:       in.StartDelayMinutes,
		MaxEnrollments:          in.MaxEnrollments,
		EnrollmentWindowMinutes: in.EnrollmentWindowMinutes,
		Priority:                in.Priority,
		Tags:                    in.Tags,
		CreatedBy:               actor,
		CreatedAt:               now,
		UpdatedAt:               now,
	}
	steps, err := s.buildSteps(ctx, tenantID, seq.ID, in.Steps)
	if err != nil {
		return nil, err
	}
	seq.Steps = steps
	if err := s.store.CreateSequence(ctx, seq); err != nil {
		return nil, err
	}
	slog.Info("DefinitionService.CreateSequence: created", "tenant", tenantID, "sequenceID", seq.ID, "steps", len(steps))
	return seq, nil
}

// buildSteps checks orders, templates and channels and returns steps sorted by order.
func (s *DefinitionService) buildSteps(ctx context.Context, tenantID, sequenceID string, inputs []StepInput) ([]models.Step, error) {
	n := len(inputs)
	explicit := 0
	for _, in := range inputs {
		if in.StepOrder != 0 {
			explicit++
		}
	}
	if explicit != 0 && explicit != n {
		return nil, models.NewValidationError("step_order must be given for every step or for none",
			map[string]string{"steps": "mixed explicit and implicit step_order"})
	}
	seen := make(map[int]bool, n)
	steps := make([]models.Step, 0, n)
	for i, in := range inputs {
		field := fmt.Sprintf("steps[%d]", i)
		order := in.StepOrder
		if order == 0 {
			order = i + 1
		}
		if order < 1 || order > n || seen[order] {
			return nil, models.NewValidationError("step_order values must be unique and contiguous from 1",
				map[string]string{field + ".step_order": fmt.Sprintf("must be a unique value in 1..%d", n)})
		}
		seen[order] = true

		t, err := s.store.GetTemplate(ctx, tenantID, in.TemplateID)
		if err != nil {
			return nil, err
		}
		if t == nil {
			return nil, models.NewValidationError("Step references an unknown template",
				map[string]string{field + ".template_id": "template not found"})
		}
		if in.Channel != "" && in.Channel != t.Channel {
			return nil, models.NewValidationError("Step channel does not match its template",
				map[string]string{field + ".channel": fmt.Sprintf("template %s is %s", t.ID, t.Channel)})
		}
		if t.Channel == models.ChannelEmail && strings.TrimSpace(t.Subject) == "" {
			return nil, models.NewValidationError("Email steps require a template with a subject",
				map[string]string{field + ".template_id": "email template has no subject"})
		}
		if err := validateConditions(field+".send_conditions", in.SendConditions); err != nil {
			return nil, err
		}
		steps = append(steps, models.Step{
			ID:                        util.NewStepID(),
			SequenceID:                sequenceID,
			StepOrder:                 order,
			Name:                      in.Name,
			TemplateID:                t.ID,
			Channel:                   t.Channel,
			DelayAfterPreviousMinutes: in.DelayAfterPreviousMinutes,
			SendConditions:            in.SendConditions,
		})
	}
	sort.Slice(steps, func(i, j int) bool { return steps[i].StepOrder < steps[j].StepOrder })
	return steps, nil
}

func validateConditions(field string, conds []models.Condition) error {
	for i, c := range conds {
		if c.Op == models.OpIn {
			if _, ok := c.Value.([]any); !ok {
				return models.NewValidationError("Condition value must be a list for op \"in\"",
					map[string]string{fmt.Sprintf("%s[%d].value", field, i): "must be a list"})
			}
		}
	}
	return nil
}

// UpdateSequence applies patch. Steps may be replaced only while the
// sequence has no active or paused enrollments.
func (s *DefinitionService) UpdateSequence(ctx context.Context, tenantID, id string, patch SequencePatch) (*models.Sequence, error) {
	if err := ValidateStruct(patch); err != nil {
		return nil, err
	}
	seq, err := s.GetSequence(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if patch.Name != nil {
		seq.Name = *patch.Name
	}
	if patch.Description != nil {
		seq.Description = *patch.Description
	}
	if patch.Type != nil {
		seq.Type = *patch.Type
	}
	if patch.TriggerEvent != nil {
		seq.TriggerEvent = *patch.TriggerEvent
	}
	if patch.TriggerConditions != nil {
		if err := validateConditions("trigger_conditions", *patch.TriggerConditions); err != nil {
			return nil, err
		}
		seq.TriggerConditions = *patch.TriggerConditions
	}
	if patch.Active != nil {
		seq.Active = *patch.Active
	}
	if patch.StartDelayMinutes != nil {
		seq.StartDelayMinutes = *patch.StartDelayMinutes
	}
	if patch.MaxEnrollments != nil {
		seq.MaxEnrollments = *patch.MaxEnrollments
	}
	if patch.EnrollmentWindowMinutes != nil {
		seq.EnrollmentWindowMinutes = *patch.EnrollmentWindowMinutes
	}
	if patch.Priority != nil {
		seq.Priority = *patch.Priority
	}
	if patch.Tags != nil {
		seq.Tags = *patch.Tags
	}
	replaceSteps := patch.Steps != nil
	if replaceSteps {
		live, err := s.store.CountEnrollments(ctx, tenantID, id, models.EnrollmentActive, models.EnrollmentPaused)
		if err != nil {
			return nil, err
		}
		if live > 0 {
			return nil, models.NewConflictError("cannot replace steps of sequence %s while it has %d active enrollments", id, live)
		}
		steps, err := s.buildSteps(ctx, tenantID, id, *patch.Steps)
		if err != nil {
			return nil, err
		}
		seq.Steps = steps
	}
	seq.UpdatedAt = s.clock()
	if err := s.store.UpdateSequence(ctx, seq, replaceSteps); err != nil {
		if errors.Is(err, store.ErrStateChanged) {
			return nil, models.NewNotFoundError("sequence %s not found", id)
		}
		return nil, err
	}
	slog.Info("DefinitionService.UpdateSequence: updated", "tenant", tenantID, "sequenceID", id, "replacedSteps", replaceSteps)
	return seq, nil
}

// DeleteSequence rejects sequences with live enrollments. A sequence that
// never had enrollments is removed with its steps; otherwise it is soft
// deleted so its history stays reportable.
func (s *DefinitionService) DeleteSequence(ctx context.Context, tenantID, id string) error {
	if _, err := s.GetSequence(ctx, tenantID, id); err != nil {
		return err
	}
	live, err := s.store.CountEnrollments(ctx, tenantID, id, models.EnrollmentActive, models.EnrollmentPaused)
	if err != nil {
		return err
	}
	if live > 0 {
		return models.NewConflictError("sequence %s has %d active enrollments", id, live)
	}
	total, err := s.store.CountEnrollments(ctx, tenantID, id)
	if err != nil {
		return err
	}
	soft := total > 0
	if err := s.store.DeleteSequence(ctx, tenantID, id, soft, s.clock()); err != nil {
		if errors.Is(err, store.ErrStateChanged) {
			return models.NewNotFoundError("sequence %s not found", id)
		}
		return err
	}
	slog.Info("DefinitionService.DeleteSequence: deleted", "tenant", tenantID, "sequenceID", id, "soft", soft)
	return nil
}

// GetSequence returns a non-deleted sequence with its ordered steps.
func (s *DefinitionService) GetSequence(ctx context.Context, tenantID, id string) (*models.Sequence, error) {
	seq, err := s.store.GetSequence(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if seq == nil || seq.Deleted() {
		return nil, models.NewNotFoundError("sequence %s not found", id)
	}
	return seq, nil
}

func (s *DefinitionService) ListSequences(ctx context.Context, tenantID string, filter models.SequenceFilter) ([]models.Sequence, error) {
	seqs, err := s.store.ListSequences(ctx, tenantID, filter)
	if err != nil {
		return nil, err
	}
	if seqs == nil {
		seqs = []models.Sequence{}
	}
	return seqs, nil
}
