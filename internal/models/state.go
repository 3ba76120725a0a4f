package models

import "time"

// SubjectType identifies which collaborator record an enrollment refers to.
type SubjectType string

const (
	SubjectMember        SubjectType = "member"
	SubjectVisitor       SubjectType = "visitor"
	SubjectPrayerRequest SubjectType = "prayer_request"
)

// Valid reports whether t is a known subject type.
func (t SubjectType) Valid() bool {
	switch t {
	case SubjectMember, SubjectVisitor, SubjectPrayerRequest:
		return true
	}
	return false
}

// SubjectRef points at exactly one member, visitor or prayer request.
type SubjectRef struct {
	Type SubjectType `json:"type"`
	ID   string      `json:"id"`
}

// EnrollmentStatus is the lifecycle state of an enrollment.
type EnrollmentStatus string

const (
	EnrollmentActive    EnrollmentStatus = "active"
	EnrollmentPaused    EnrollmentStatus = "paused"
	EnrollmentCompleted EnrollmentStatus = "completed"
	EnrollmentCancelled EnrollmentStatus = "cancelled"
	EnrollmentFailed    EnrollmentStatus = "failed"
)

// IsLive reports whether the enrollment still occupies its (subject, sequence) slot.
func (s EnrollmentStatus) IsLive() bool {
	return s == EnrollmentActive || s == EnrollmentPaused
}

// IsTerminal reports whether no further transition is possible.
func (s EnrollmentStatus) IsTerminal() bool {
	return s == EnrollmentCompleted || s == EnrollmentCancelled || s == EnrollmentFailed
}

// Enrollment is one subject's run through one sequence.
type Enrollment struct {
	ID               string           `json:"id"`
	TenantID         string           `json:"tenant_id"`
	SequenceID       string           `json:"sequence_id"`
	Subject          SubjectRef       `json:"subject"`
	TriggerEvent     string           `json:"trigger_event,omitempty"`
	Status           EnrollmentStatus `json:"status"`
	CurrentStepIndex int              `json:"current_step_index"`
	NextSendAt       *time.Time       `json:"next_send_at,omitempty"`
	EnrollmentData   map[string]any   `json:"enrollment_data,omitempty"`
	PriorityBoost    int              `json:"priority_boost"`
	CancelReason     string           `json:"cancel_reason,omitempty"`
	RecipientEmail   string           `json:"recipient_email,omitempty"`
	RecipientPhone   string           `json:"recipient_phone,omitempty"`
	PausedAt         *time.Time       `json:"paused_at,omitempty"`
	CompletedAt      *time.Time       `json:"completed_at,omitempty"`
	CancelledAt      *time.Time       `json:"cancelled_at,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// AddressFor returns the snapshot address used for the given channel.
func (e *Enrollment) AddressFor(ch Channel) string {
	if ch == ChannelSMS {
		return e.RecipientPhone
	}
	return e.RecipientEmail
}

// EnrollmentFilter narrows ListEnrollments. Zero values are ignored.
type EnrollmentFilter struct {
	SequenceID  string
	Status      EnrollmentStatus
	SubjectType SubjectType
	SubjectID   string
	Limit       int
	Offset      int
}

// MessageStatus is the delivery state of a message.
type MessageStatus string

const (
	MessagePending   MessageStatus = "pending"
	MessageSending   MessageStatus = "sending"
	MessageSent      MessageStatus = "sent"
	MessageDelivered MessageStatus = "delivered"
	MessageBounced   MessageStatus = "bounced"
	MessageFailed    MessageStatus = "failed"
	MessageCancelled MessageStatus = "cancelled"
)

func (s MessageStatus) rank() int {
	switch s {
	case MessagePending:
		return 0
	case MessageSending:
		return 1
	case MessageSent:
		return 2
	case MessageDelivered:
		return 3
	case MessageBounced, MessageFailed, MessageCancelled:
		return 4
	}
	return -1
}

// IsTerminal reports whether the message can no longer change status.
func (s MessageStatus) IsTerminal() bool {
	return s.rank() == 4
}

// CanTransitionTo reports whether moving from s to next is allowed.
// Statuses only move forward; sending -> pending is the one exception and
// is reserved for claim release.
func (s MessageStatus) CanTransitionTo(next MessageStatus) bool {
	if s == MessageSending && next == MessagePending {
		return true
	}
	from, to := s.rank(), next.rank()
	if from < 0 || to < 0 {
		return false
	}
	return to > from
}

// StatusesBefore lists the statuses from which next is reachable.
func StatusesBefore(next MessageStatus) []MessageStatus {
	all := []MessageStatus{MessagePending, MessageSending, MessageSent, MessageDelivered,
		MessageBounced, MessageFailed, MessageCancelled}
	var out []MessageStatus
	for _, s := range all {
		if s.CanTransitionTo(next) {
			out = append(out, s)
		}
	}
	return out
}

// Message is one rendered, channel-specific send attempt for an enrollment step.
type Message struct {
	ID               string         `json:"id"`
	TenantID         string         `json:"tenant_id"`
	EnrollmentID     string         `json:"enrollment_id"`
	SequenceID       string         `json:"sequence_id"`
	StepID           string         `json:"step_id"`
	StepOrder        int            `json:"step_order"`
	TemplateID       string         `json:"template_id"`
	Channel          Channel        `json:"channel"`
	Recipient        string         `json:"recipient"`
	Subject          string         `json:"subject,omitempty"`
	Content          string         `json:"content,omitempty"`
	Status           MessageStatus  `json:"status"`
	ScheduledFor     time.Time      `json:"scheduled_for"`
	ClaimedAt        *time.Time     `json:"claimed_at,omitempty"`
	SentAt           *time.Time     `json:"sent_at,omitempty"`
	DeliveredAt      *time.Time     `json:"delivered_at,omitempty"`
	BouncedAt        *time.Time     `json:"bounced_at,omitempty"`
	FailedAt         *time.Time     `json:"failed_at,omitempty"`
	OpenedAt         *time.Time     `json:"opened_at,omitempty"`
	ClickedAt        *time.Time     `json:"clicked_at,omitempty"`
	ExternalID       string         `json:"external_id,omitempty"`
	ErrorMessage     string         `json:"error_message,omitempty"`
	DeliveryMetadata map[string]any `json:"delivery_metadata,omitempty"`
	Attempt          int            `json:"attempt"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`

	// Priority is the effective claim priority (sequence priority plus
	// enrollment boost). Populated only by claims.
	Priority int `json:"-"`
}
