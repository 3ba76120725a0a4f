package store

import (
	"context"
	"time"

	"github.com/BTreeMap/FollowUp/internal/models"
)

// Get methods return (nil, nil) when the row does not exist for the tenant.

// TemplateRepo persists message templates.
type TemplateRepo interface {
	CreateTemplate(ctx context.Context, t *models.Template) error
	UpdateTemplate(ctx context.Context, t *models.Template) error
	GetTemplate(ctx context.Context, tenantID, id string) (*models.Template, error)
	ListTemplates(ctx context.Context, tenantID string, filter models.TemplateFilter) ([]models.Template, error)
	DeleteTemplate(ctx context.Context, tenantID, id string) error
	// TemplateReferencedByLiveEnrollments reports whether any step using the
	// template belongs to a sequence with active or paused enrollments.
	TemplateReferencedByLiveEnrollments(ctx context.Context, tenantID, id string) (bool, error)
}

// SequenceRepo persists sequences and their steps.
type SequenceRepo interface {
	// CreateSequence inserts the sequence and its steps in one transaction.
	CreateSequence(ctx context.Context, seq *models.Sequence) error
	// UpdateSequence writes metadata and, when replaceSteps is set, swaps the
	// step list in the same transaction.
	UpdateSequence(ctx context.Context, seq *models.Sequence, replaceSteps bool) error
	// GetSequence returns the sequence with ordered steps, including soft-deleted ones.
	GetSequence(ctx context.Context, tenantID, id string) (*models.Sequence, error)
	// ListSequences returns non-deleted sequences matching filter.
	ListSequences(ctx context.Context, tenantID string, filter models.SequenceFilter) ([]models.Sequence, error)
	// DeleteSequence hard deletes (steps cascade) or soft deletes the sequence.
	DeleteSequence(ctx context.Context, tenantID, id string, soft bool, now time.Time) error
	// CountEnrollments counts enrollments of the sequence, optionally restricted to statuses.
	CountEnrollments(ctx context.Context, tenantID, sequenceID string, statuses ...models.EnrollmentStatus) (int, error)
}

// EnrollmentRepo persists enrollments.
type EnrollmentRepo interface {
	// CreateEnrollment inserts the enrollment and its first pending message
	// atomically. Returns ErrActiveEnrollmentExists when the slot is taken.
	CreateEnrollment(ctx context.Context, e *models.Enrollment, first *models.Message) error
	GetEnrollment(ctx context.Context, tenantID, id string) (*models.Enrollment, error)
	FindLiveEnrollment(ctx context.Context, tenantID, sequenceID string, subject models.SubjectRef) (*models.Enrollment, error)
	// LatestEnrollmentAt returns when the subject last enrolled in the sequence.
	LatestEnrollmentAt(ctx context.Context, tenantID, sequenceID string, subject models.SubjectRef) (*time.Time, error)
	ListEnrollments(ctx context.Context, tenantID string, filter models.EnrollmentFilter) ([]models.Enrollment, error)
	// ListLiveEnrollmentsByAddress returns active and paused enrollments whose
	// contact snapshot matches email or phone. sequenceID narrows when non-empty.
	ListLiveEnrollmentsByAddress(ctx context.Context, tenantID, email, phone, sequenceID string) ([]models.Enrollment, error)
	// PauseEnrollment moves an active enrollment to paused.
	PauseEnrollment(ctx context.Context, tenantID, id string, now time.Time) error
	// ResumeEnrollment moves a paused enrollment back to active and
	// reschedules its pending message to nextSendAt.
	ResumeEnrollment(ctx context.Context, tenantID, id string, nextSendAt *time.Time, now time.Time) error
	// EndEnrollment moves a live enrollment to cancelled or failed and
	// cancels its pending messages in the same transaction.
	EndEnrollment(ctx context.Context, tenantID, id string, status models.EnrollmentStatus, reason string, now time.Time) error
}

// Settlement is the outcome of one claimed message.
type Settlement struct {
	TenantID     string
	MessageID    string
	EnrollmentID string
	// Status is MessageSent for a dispatched message or MessageCancelled for a
	// skipped step.
	Status     models.MessageStatus
	ExternalID string
	Subject    string
	Content    string
	Reason     string
	At         time.Time
	// NextStepIndex is the enrollment's step index after this settlement.
	NextStepIndex int
	// Next is the following step's message, or nil when the sequence is exhausted.
	Next *models.Message
}

// DeliveryUpdate carries provider-reported fields for one message.
// Zero values leave the stored column unchanged.
type DeliveryUpdate struct {
	Status       models.MessageStatus
	DeliveredAt  *time.Time
	BouncedAt    *time.Time
	FailedAt     *time.Time
	OpenedAt     *time.Time
	ClickedAt    *time.Time
	ErrorMessage string
	Metadata     map[string]any
}

// MessageRepo persists sequence messages and their claim lifecycle.
type MessageRepo interface {
	// ClaimDueMessages atomically moves up to limit due pending messages of
	// active enrollments to sending and returns them ordered by effective
	// priority descending then scheduled_for ascending.
	ClaimDueMessages(ctx context.Context, tenantID string, now time.Time, limit int) ([]models.Message, error)
	// RequeueStaleClaims moves sending messages claimed before staleBefore back to pending.
	RequeueStaleClaims(ctx context.Context, tenantID string, staleBefore, now time.Time) (int, error)
	ReleaseClaim(ctx context.Context, tenantID, id string, now time.Time) error
	// SettleMessage applies a settlement and the enrollment advance in one
	// transaction. Returns ErrClaimLost if the message is no longer sending.
	SettleMessage(ctx context.Context, s Settlement) error
	// FailMessage marks a sending message failed. When failEnrollment is set
	// the enrollment also moves to failed.
	FailMessage(ctx context.Context, tenantID, id, content, errMsg string, failEnrollment bool, now time.Time) error
	// CancelClaimedMessage cancels a sending message together with its enrollment.
	CancelClaimedMessage(ctx context.Context, tenantID, id, reason string, now time.Time) error
	GetMessage(ctx context.Context, tenantID, id string) (*models.Message, error)
	ListMessagesForEnrollment(ctx context.Context, tenantID, enrollmentID string) ([]models.Message, error)
	PendingMessageForEnrollment(ctx context.Context, tenantID, enrollmentID string) (*models.Message, error)
	// InsertMessage stores a new pending message (operator retry).
	InsertMessage(ctx context.Context, m *models.Message) error
	FindMessageByExternalID(ctx context.Context, tenantID, externalID string) (*models.Message, error)
	// FindLatestMessageByRecipient returns the most recently sent message to
	// recipient on the channel.
	FindLatestMessageByRecipient(ctx context.Context, tenantID, recipient string, ch models.Channel) (*models.Message, error)
	// ApplyDeliveryUpdate merges provider fields into the message. A status
	// change is applied only when it moves forward. Returns ErrNotYetSent
	// while the message is still pending or sending. Returns whether the
	// status changed.
	ApplyDeliveryUpdate(ctx context.Context, tenantID, id string, u DeliveryUpdate, now time.Time) (bool, error)
	// TenantsWithDueMessages lists tenants that have pending messages due at now.
	TenantsWithDueMessages(ctx context.Context, now time.Time) ([]string, error)
	ProcessingStatus(ctx context.Context, tenantID string, now time.Time) (*models.ProcessingStatus, error)
	SequenceAnalytics(ctx context.Context, tenantID string) ([]models.SequenceAnalytics, error)
}

// PreferenceRepo persists per-address communication preferences.
type PreferenceRepo interface {
	GetPreference(ctx context.Context, tenantID, address string) (*models.CommunicationPreference, error)
	UpsertPreference(ctx context.Context, p *models.CommunicationPreference) error
	AddSequenceOptOut(ctx context.Context, tenantID, address, sequenceID string, now time.Time) error
	IsSequenceOptedOut(ctx context.Context, tenantID, address, sequenceID string) (bool, error)
}

// ContactRepo persists the minimal collaborator records used to resolve subjects.
type ContactRepo interface {
	UpsertContact(ctx context.Context, c *models.Contact) error
	GetContact(ctx context.Context, tenantID string, subject models.SubjectRef) (*models.Contact, error)
}
