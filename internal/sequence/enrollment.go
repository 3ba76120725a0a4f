package sequence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/FollowUp/internal/models"
	"github.com/BTreeMap/FollowUp/internal/store"
	"github.com/BTreeMap/FollowUp/internal/util"
)

// Outcome classifies one enrollment attempt.
type Outcome string

const (
	OutcomeEnrolled        Outcome = "enrolled"
	OutcomeAlreadyEnrolled Outcome = "already_enrolled"
	OutcomeUnsubscribed    Outcome = "unsubscribed"
	OutcomeInvalid         Outcome = "invalid"
	OutcomeNotFound        Outcome = "not_found"
	OutcomeRejected        Outcome = "rejected"
)

// EnrollResult is the explicit result of one enrollment attempt.
type EnrollResult struct {
	Outcome    Outcome            `json:"outcome"`
	SequenceID string             `json:"sequence_id,omitempty"`
	Subject    models.SubjectRef  `json:"subject"`
	Enrollment *models.Enrollment `json:"enrollment,omitempty"`
	Reason     string             `json:"reason,omitempty"`
	Fields     map[string]string  `json:"fields,omitempty"`
}

// OK reports whether the subject was enrolled.
func (r EnrollResult) OK() bool {
	return r.Outcome == OutcomeEnrolled
}

// Err maps the outcome onto the error taxonomy; nil when enrolled.
func (r EnrollResult) Err() error {
	switch r.Outcome {
	case OutcomeEnrolled:
		return nil
	case OutcomeAlreadyEnrolled:
		return models.NewConflictError("%s", r.Reason)
	case OutcomeUnsubscribed:
		return models.NewForbiddenError("%s", r.Reason)
	case OutcomeInvalid:
		return models.NewValidationError(r.Reason, r.Fields)
	case OutcomeNotFound:
		return models.NewNotFoundError("%s", r.Reason)
	default:
		return models.NewConflictError("%s", r.Reason)
	}
}

func rejectResult(outcome Outcome, req EnrollRequest, subject models.SubjectRef, reason string) EnrollResult {
	return EnrollResult{Outcome: outcome, SequenceID: req.SequenceID, Subject: subject, Reason: reason}
}

// EnrollRequest enrolls one subject. Exactly one of the subject ids must be set.
type EnrollRequest struct {
	SequenceID      string         `json:"sequence_id"`
	MemberID        string         `json:"member_id"`
	VisitorID       string         `json:"visitor_id"`
	PrayerRequestID string         `json:"prayer_request_id"`
	TriggerEvent    string         `json:"trigger_event" validate:"max=100"`
	EnrollmentData  map[string]any `json:"enrollment_data"`
	PriorityBoost   int            `json:"priority_boost" validate:"gte=0,lte=10"`
}

// Subject returns the single subject named by the request.
func (r EnrollRequest) Subject() (models.SubjectRef, error) {
	var refs []models.SubjectRef
	if id := strings.TrimSpace(r.MemberID); id != "" {
		refs = append(refs, models.SubjectRef{Type: models.SubjectMember, ID: id})
	}
	if id := strings.TrimSpace(r.VisitorID); id != "" {
		refs = append(refs, models.SubjectRef{Type: models.SubjectVisitor, ID: id})
	}
	if id := strings.TrimSpace(r.PrayerRequestID); id != "" {
		refs = append(refs, models.SubjectRef{Type: models.SubjectPrayerRequest, ID: id})
	}
	if len(refs) != 1 {
		return models.SubjectRef{}, models.NewValidationError("Exactly one of member_id, visitor_id or prayer_request_id is required",
			map[string]string{"subject": fmt.Sprintf("got %d subject identifiers", len(refs))})
	}
	return refs[0], nil
}

// BulkEnrollRequest enrolls many subjects. Items without a sequence id
// inherit SequenceID.
type BulkEnrollRequest struct {
	SequenceID  string          `json:"sequence_id"`
	Enrollments []EnrollRequest `json:"enrollments"`
}

// TriggerRequest reports a domain event for a subject.
type TriggerRequest struct {
	Event           string         `json:"event" validate:"required,max=100"`
	MemberID        string         `json:"member_id"`
	VisitorID       string         `json:"visitor_id"`
	PrayerRequestID string         `json:"prayer_request_id"`
	Data            map[string]any `json:"data"`
	PriorityBoost   int            `json:"priority_boost" validate:"gte=0,lte=10"`
}

// EnrollmentManager owns the enrollment lifecycle.
type EnrollmentManager struct {
	store store.Store
	settings
}

// NewEnrollmentManager creates an EnrollmentManager over st.
func NewEnrollmentManager(st store.Store, opts ...Option) *EnrollmentManager {
	m := &EnrollmentManager{store: st, settings: newSettings(opts)}
	if m.resolver == nil {
		m.resolver = NewStoreResolver(st, opts...)
	}
	return m
}

// Enroll creates an active enrollment and its first pending message.
// Policy outcomes are reported in the result; the error is reserved for
// storage failures.
func (m *EnrollmentManager) Enroll(ctx context.Context, tenantID string, req EnrollRequest) (EnrollResult, error) {
	if err := ValidateStruct(req); err != nil {
		return invalidResult(req, models.SubjectRef{}, err), nil
	}
	if strings.TrimSpace(req.SequenceID) == "" {
		return EnrollResult{Outcome: OutcomeInvalid, Reason: "sequence_id is required",
			Fields: map[string]string{"sequence_id": "is required"}}, nil
	}
	subject, err := req.Subject()
	if err != nil {
		return invalidResult(req, subject, err), nil
	}

	seq, err := m.store.GetSequence(ctx, tenantID, req.SequenceID)
	if err != nil {
		return EnrollResult{}, err
	}
	if seq == nil {
		return rejectResult(OutcomeNotFound, req, subject, fmt.Sprintf("sequence %s not found", req.SequenceID)), nil
	}
	if seq.Deleted() || !seq.Active {
		return rejectResult(OutcomeRejected, req, subject, "sequence is not active"), nil
	}
	first, ok := seq.StepAt(0)
	if !ok {
		return rejectResult(OutcomeRejected, req, subject, "sequence has no steps"), nil
	}

	contact, err := m.resolveContact(ctx, tenantID, subject, req.EnrollmentData)
	if err != nil {
		return EnrollResult{}, err
	}
	if contact == nil {
		return rejectResult(OutcomeNotFound, req, subject, fmt.Sprintf("%s %s not found", subject.Type, subject.ID)), nil
	}
	email := util.CanonicalEmail(contact.Email)
	phone := util.E164(contact.Phone)
	if addressFor(first.Channel, email, phone) == "" {
		res := rejectResult(OutcomeInvalid, req, subject, fmt.Sprintf("subject has no %s address for the first step", first.Channel))
		res.Fields = map[string]string{"subject": "missing " + string(first.Channel) + " address"}
		return res, nil
	}

	live, err := m.store.FindLiveEnrollment(ctx, tenantID, seq.ID, subject)
	if err != nil {
		return EnrollResult{}, err
	}
	if live != nil {
		return rejectResult(OutcomeAlreadyEnrolled, req, subject, "already enrolled"), nil
	}

	now := m.clock()
	if seq.EnrollmentWindowMinutes > 0 {
		last, err := m.store.LatestEnrollmentAt(ctx, tenantID, seq.ID, subject)
		if err != nil {
			return EnrollResult{}, err
		}
		window := time.Duration(seq.EnrollmentWindowMinutes) * time.Minute
		if last != nil && now.Sub(*last) < window {
			return rejectResult(OutcomeAlreadyEnrolled, req, subject, "already enrolled within the enrollment window"), nil
		}
	}
	if seq.MaxEnrollments > 0 {
		n, err := m.store.CountEnrollments(ctx, tenantID, seq.ID)
		if err != nil {
			return EnrollResult{}, err
		}
		if n >= seq.MaxEnrollments {
			return rejectResult(OutcomeRejected, req, subject, "sequence has reached its enrollment limit"), nil
		}
	}

	blocked, err := m.addressBlocked(ctx, tenantID, seq.ID, email, phone)
	if err != nil {
		return EnrollResult{}, err
	}
	if blocked {
		return rejectResult(OutcomeUnsubscribed, req, subject, "unsubscribed"), nil
	}

	nextSendAt := now.Add(time.Duration(seq.StartDelayMinutes)*time.Minute + first.Delay())
	e := &models.Enrollment{
		ID:               util.NewEnrollmentID(),
		TenantID:         tenantID,
		SequenceID:       seq.ID,
		Subject:          subject,
		TriggerEvent:     req.TriggerEvent,
		Status:           models.EnrollmentActive,
		CurrentStepIndex: 0,
		NextSendAt:       &nextSendAt,
		EnrollmentData:   req.EnrollmentData,
		PriorityBoost:    req.PriorityBoost,
		RecipientEmail:   email,
		RecipientPhone:   phone,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	msg := newStepMessage(e, first, nextSendAt, 1, now)
	if err := m.store.CreateEnrollment(ctx, e, msg); err != nil {
		if errors.Is(err, store.ErrActiveEnrollmentExists) {
			return rejectResult(OutcomeAlreadyEnrolled, req, subject, "already enrolled"), nil
		}
		return EnrollResult{}, err
	}
	slog.Info("EnrollmentManager.Enroll: enrolled", "tenant", tenantID, "enrollmentID", e.ID,
		"sequenceID", seq.ID, "subject", subject.Type, "subjectID", subject.ID, "nextSendAt", nextSendAt)
	return EnrollResult{Outcome: OutcomeEnrolled, SequenceID: seq.ID, Subject: subject, Enrollment: e}, nil
}

func invalidResult(req EnrollRequest, subject models.SubjectRef, err error) EnrollResult {
	res := EnrollResult{Outcome: OutcomeInvalid, SequenceID: req.SequenceID, Subject: subject, Reason: err.Error()}
	var de *models.DomainError
	if errors.As(err, &de) {
		res.Reason = de.Message
		res.Fields = de.Fields
	}
	return res
}

// resolveContact falls back to addresses carried in the enrollment data when
// the subject has no contact record.
func (m *EnrollmentManager) resolveContact(ctx context.Context, tenantID string, subject models.SubjectRef, data map[string]any) (*models.Contact, error) {
	c, err := m.resolver.Resolve(ctx, tenantID, subject)
	if err != nil || c != nil {
		return c, err
	}
	email, _ := data["email"].(string)
	phone, _ := data["phone"].(string)
	if email == "" && phone == "" {
		return nil, nil
	}
	first, _ := data["first_name"].(string)
	last, _ := data["last_name"].(string)
	return &models.Contact{TenantID: tenantID, SubjectType: subject.Type, SubjectID: subject.ID,
		FirstName: first, LastName: last, Email: email, Phone: phone}, nil
}

// addressBlocked reports a global unsubscribe or a sequence opt-out on either address.
func (m *EnrollmentManager) addressBlocked(ctx context.Context, tenantID, sequenceID string, addresses ...string) (bool, error) {
	return isBlocked(ctx, m.store, tenantID, sequenceID, addresses...)
}

func isBlocked(ctx context.Context, st store.PreferenceRepo, tenantID, sequenceID string, addresses ...string) (bool, error) {
	for _, addr := range addresses {
		if addr == "" {
			continue
		}
		pref, err := st.GetPreference(ctx, tenantID, addr)
		if err != nil {
			return false, err
		}
		if pref != nil && pref.GlobalUnsubscribe {
			return true, nil
		}
		optedOut, err := st.IsSequenceOptedOut(ctx, tenantID, addr, sequenceID)
		if err != nil {
			return false, err
		}
		if optedOut {
			return true, nil
		}
	}
	return false, nil
}

func addressFor(ch models.Channel, email, phone string) string {
	if ch == models.ChannelSMS {
		return phone
	}
	return email
}

// newStepMessage builds the pending message for step.
func newStepMessage(e *models.Enrollment, step models.Step, scheduledFor time.Time, attempt int, now time.Time) *models.Message {
	return &models.Message{
		ID:           util.NewMessageID(),
		TenantID:     e.TenantID,
		EnrollmentID: e.ID,
		SequenceID:   e.SequenceID,
		StepID:       step.ID,
		StepOrder:    step.StepOrder,
		TemplateID:   step.TemplateID,
		Channel:      step.Channel,
		Recipient:    e.AddressFor(step.Channel),
		Status:       models.MessagePending,
		ScheduledFor: scheduledFor,
		Attempt:      attempt,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// BulkEnroll enrolls every item independently. More than MaxBulkEnroll
// items is rejected before anything is written.
func (m *EnrollmentManager) BulkEnroll(ctx context.Context, tenantID string, req BulkEnrollRequest) ([]EnrollResult, error) {
	if len(req.Enrollments) == 0 {
		return nil, models.NewValidationError("enrollments must not be empty", map[string]string{"enrollments": "is required"})
	}
	if len(req.Enrollments) > MaxBulkEnroll {
		return nil, models.NewValidationError(fmt.Sprintf("at most %d enrollments per request", MaxBulkEnroll),
			map[string]string{"enrollments": fmt.Sprintf("must contain at most %d items", MaxBulkEnroll)})
	}
	results := make([]EnrollResult, 0, len(req.Enrollments))
	for _, item := range req.Enrollments {
		if item.SequenceID == "" {
			item.SequenceID = req.SequenceID
		}
		res, err := m.Enroll(ctx, tenantID, item)
		if err != nil {
			slog.Error("EnrollmentManager.BulkEnroll: item failed", "tenant", tenantID, "sequenceID", item.SequenceID, "error", err)
			subject, _ := item.Subject()
			res = rejectResult(OutcomeRejected, item, subject, "internal error")
		}
		results = append(results, res)
	}
	return results, nil
}

// TriggerEvent enrolls the subject in every active sequence listening for
// the event whose trigger conditions hold, in priority order.
func (m *EnrollmentManager) TriggerEvent(ctx context.Context, tenantID string, req TriggerRequest) ([]EnrollResult, error) {
	if err := ValidateStruct(req); err != nil {
		return nil, err
	}
	base := EnrollRequest{
		MemberID:        req.MemberID,
		VisitorID:       req.VisitorID,
		PrayerRequestID: req.PrayerRequestID,
		TriggerEvent:    req.Event,
		EnrollmentData:  req.Data,
		PriorityBoost:   req.PriorityBoost,
	}
	if _, err := base.Subject(); err != nil {
		return nil, err
	}
	active := true
	seqs, err := m.store.ListSequences(ctx, tenantID, models.SequenceFilter{TriggerEvent: req.Event, Active: &active})
	if err != nil {
		return nil, err
	}
	results := []EnrollResult{}
	for _, seq := range seqs {
		if !EvaluateConditions(seq.TriggerConditions, req.Data) {
			continue
		}
		item := base
		item.SequenceID = seq.ID
		res, err := m.Enroll(ctx, tenantID, item)
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	slog.Debug("EnrollmentManager.TriggerEvent", "tenant", tenantID, "event", req.Event, "matched", len(results))
	return results, nil
}

// GetEnrollment returns the enrollment or a not-found error.
func (m *EnrollmentManager) GetEnrollment(ctx context.Context, tenantID, id string) (*models.Enrollment, error) {
	e, err := m.store.GetEnrollment(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, models.NewNotFoundError("enrollment %s not found", id)
	}
	return e, nil
}

func (m *EnrollmentManager) ListEnrollments(ctx context.Context, tenantID string, filter models.EnrollmentFilter) ([]models.Enrollment, error) {
	return m.store.ListEnrollments(ctx, tenantID, filter)
}

// Messages lists every message of an enrollment.
func (m *EnrollmentManager) Messages(ctx context.Context, tenantID, enrollmentID string) ([]models.Message, error) {
	return m.store.ListMessagesForEnrollment(ctx, tenantID, enrollmentID)
}

// Pause stops sends for an active enrollment.
func (m *EnrollmentManager) Pause(ctx context.Context, tenantID, id string) (*models.Enrollment, error) {
	e, err := m.GetEnrollment(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if e.Status != models.EnrollmentActive {
		return nil, models.NewConflictError("enrollment %s is %s, not active", id, e.Status)
	}
	if err := m.store.PauseEnrollment(ctx, tenantID, id, m.clock()); err != nil {
		if errors.Is(err, store.ErrStateChanged) {
			return nil, models.NewConflictError("enrollment %s changed state", id)
		}
		return nil, err
	}
	slog.Info("EnrollmentManager.Pause: paused", "tenant", tenantID, "enrollmentID", id)
	return m.GetEnrollment(ctx, tenantID, id)
}

// Resume reactivates a paused enrollment. The pending message keeps the
// delay it had left when the enrollment was paused.
func (m *EnrollmentManager) Resume(ctx context.Context, tenantID, id string) (*models.Enrollment, error) {
	e, err := m.GetEnrollment(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if e.Status != models.EnrollmentPaused {
		return nil, models.NewConflictError("enrollment %s is %s, not paused", id, e.Status)
	}
	now := m.clock()
	pending, err := m.store.PendingMessageForEnrollment(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	var next *time.Time
	if pending != nil {
		remaining := time.Duration(0)
		if e.PausedAt != nil {
			remaining = max(pending.ScheduledFor.Sub(*e.PausedAt), 0)
		}
		at := now.Add(remaining)
		next = &at
	}
	if err := m.store.ResumeEnrollment(ctx, tenantID, id, next, now); err != nil {
		if errors.Is(err, store.ErrStateChanged) {
			return nil, models.NewConflictError("enrollment %s changed state", id)
		}
		return nil, err
	}
	slog.Info("EnrollmentManager.Resume: resumed", "tenant", tenantID, "enrollmentID", id, "nextSendAt", next)
	return m.GetEnrollment(ctx, tenantID, id)
}

// CancelEnrollment ends a live enrollment at staff request.
func (m *EnrollmentManager) CancelEnrollment(ctx context.Context, tenantID, id, reason string) (*models.Enrollment, error) {
	e, err := m.GetEnrollment(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if !e.Status.IsLive() {
		return nil, models.NewConflictError("enrollment %s is already %s", id, e.Status)
	}
	if reason == "" {
		reason = "cancelled by staff"
	}
	if err := m.store.EndEnrollment(ctx, tenantID, id, models.EnrollmentCancelled, reason, m.clock()); err != nil {
		if errors.Is(err, store.ErrStateChanged) {
			return nil, models.NewConflictError("enrollment %s changed state", id)
		}
		return nil, err
	}
	slog.Info("EnrollmentManager.CancelEnrollment: cancelled", "tenant", tenantID, "enrollmentID", id, "reason", reason)
	return m.GetEnrollment(ctx, tenantID, id)
}
