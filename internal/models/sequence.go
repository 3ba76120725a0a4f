package models

import "time"

// Channel identifies the transport a step or message is delivered through.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
)

// Valid reports whether c is a supported channel.
func (c Channel) Valid() bool {
	return c == ChannelEmail || c == ChannelSMS
}

// Template is a reusable message body with {{variable}} placeholders.
type Template struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	Name      string    `json:"name"`
	Category  string    `json:"category,omitempty"`
	Channel   Channel   `json:"channel"`
	Subject   string    `json:"subject,omitempty"` // email only
	Content   string    `json:"content"`
	Variables []string  `json:"variables"`
	Language  string    `json:"language"`
	CreatedBy string    `json:"created_by,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Condition operators.
const (
	OpEq     = "eq"
	OpNeq    = "neq"
	OpIn     = "in"
	OpExists = "exists"
	OpGt     = "gt"
	OpLt     = "lt"
)

// Condition is one predicate evaluated against a key/value context.
// A list of conditions matches when every condition matches.
type Condition struct {
	Field string `json:"field" validate:"required"`
	Op    string `json:"op" validate:"required,oneof=eq neq in exists gt lt"`
	Value any    `json:"value,omitempty"`
}

// Sequence is an ordered drip campaign of timed steps.
type Sequence struct {
	ID                      string      `json:"id"`
	TenantID                string      `json:"tenant_id"`
	Name                    string      `json:"name"`
	Description             string      `json:"description,omitempty"`
	Type                    string      `json:"type,omitempty"`
	TriggerEvent            string      `json:"trigger_event,omitempty"`
	TriggerConditions       []Condition `json:"trigger_conditions,omitempty"`
	Active                  bool        `json:"active"`
	StartDelayMinutes       int         `json:"start_delay_minutes"`
	MaxEnrollments          int         `json:"max_enrollments"`           // 0 means unlimited
	EnrollmentWindowMinutes int         `json:"enrollment_window_minutes"` // 0 means no window
	Priority                int         `json:"priority"`
	Tags                    []string    `json:"tags,omitempty"`
	CreatedBy               string      `json:"created_by,omitempty"`
	CreatedAt               time.Time   `json:"created_at"`
	UpdatedAt               time.Time   `json:"updated_at"`
	DeletedAt               *time.Time  `json:"deleted_at,omitempty"`
	Steps                   []Step      `json:"steps"`
}

// Deleted reports whether the sequence has been soft deleted.
func (s *Sequence) Deleted() bool {
	return s.DeletedAt != nil
}

// StepAt returns the step at the zero-based index, if any.
func (s *Sequence) StepAt(index int) (Step, bool) {
	if index < 0 || index >= len(s.Steps) {
		return Step{}, false
	}
	return s.Steps[index], true
}

// HasTag reports whether the sequence carries tag.
func (s *Sequence) HasTag(tag string) bool {
	for _, t := range s.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Step is one timed send within a sequence.
type Step struct {
	ID                        string      `json:"id"`
	SequenceID                string      `json:"sequence_id"`
	StepOrder                 int         `json:"step_order"`
	Name                      string      `json:"name,omitempty"`
	TemplateID                string      `json:"template_id"`
	Channel                   Channel     `json:"channel"`
	DelayAfterPreviousMinutes int         `json:"delay_after_previous_minutes"`
	SendConditions            []Condition `json:"send_conditions,omitempty"`
}

// Delay returns the step's delay after the previous step.
func (s Step) Delay() time.Duration {
	return time.Duration(s.DelayAfterPreviousMinutes) * time.Minute
}

// SequenceFilter narrows ListSequences. Zero values are ignored.
type SequenceFilter struct {
	Type         string
	TriggerEvent string
	Active       *bool
	CreatedBy    string
	Tags         []string
}

// TemplateFilter narrows ListTemplates. Zero values are ignored.
type TemplateFilter struct {
	Channel  Channel
	Category string
	Language string
}
