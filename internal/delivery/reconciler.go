package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/FollowUp/internal/models"
	"github.com/BTreeMap/FollowUp/internal/sequence"
	"github.com/BTreeMap/FollowUp/internal/store"
	"github.com/BTreeMap/FollowUp/internal/twiliosms"
	"github.com/BTreeMap/FollowUp/internal/util"
)

// Cancellation reasons recorded on enrollments ended by provider events.
const (
	ReasonEmailUnsubscribe = "email unsubscribe"
	ReasonSMSUnsubscribe   = "SMS unsubscribe"
	ReasonSpamComplaint    = "spam complaint"
	ReasonSMSOptOut        = "SMS opt-out"
)

// stopKeywords end all SMS to the sender when found anywhere in an inbound
// body, case-insensitively.
var stopKeywords = []string{"stop", "unsubscribe", "quit", "end", "cancel"}

// messageBirdPermanentCodes are GSM error codes that mark the number as
// unreachable for good.
var messageBirdPermanentCodes = map[int]bool{
	1:  true, // unknown subscriber
	9:  true, // illegal subscriber
	11: true, // teleservice not provisioned
	13: true, // call barred
}

// Result summarises one webhook delivery.
type Result struct {
	Processed int `json:"processed"`
	Errors    int `json:"errors"`
	Ignored   int `json:"ignored"`
	// Deferred counts events for messages still being dispatched. Their
	// keys are released so a redelivered batch applies them.
	Deferred int `json:"deferred,omitempty"`
}

// OptOutApplier applies an address-level preference change and its
// enrollment cascade.
type OptOutApplier interface {
	ApplyOptOut(ctx context.Context, tenantID string, o sequence.OptOut) (int, error)
}

// Repo is the storage the reconciler needs.
type Repo interface {
	store.MessageRepo
	store.DedupRepo
	EndEnrollment(ctx context.Context, tenantID, id string, status models.EnrollmentStatus, reason string, now time.Time) error
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) {
		r.now = now
	}
}

// Reconciler applies normalized provider events to messages, enrollments
// and preferences.
type Reconciler struct {
	repo   Repo
	optOut OptOutApplier
	now    func() time.Time
}

// NewReconciler creates a Reconciler.
func NewReconciler(repo Repo, optOut OptOutApplier, opts ...Option) *Reconciler {
	r := &Reconciler{repo: repo, optOut: optOut, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Reconciler) clock() time.Time {
	return r.now().UTC()
}

// RecordDeliveryEvent normalizes a raw webhook payload and applies its
// events. Only an unreadable payload returns an error; per-event failures
// are counted in the result.
func (r *Reconciler) RecordDeliveryEvent(ctx context.Context, tenantID string, n Normalizer, p Payload) (Result, error) {
	events, err := n.Normalize(p)
	if err != nil {
		slog.Warn("Reconciler.RecordDeliveryEvent: payload rejected", "tenant", tenantID, "provider", n.Provider(), "error", err)
		return Result{}, err
	}
	return r.Reconcile(ctx, tenantID, events), nil
}

// Reconcile applies events in order. Events whose key was already recorded
// are acknowledged without being applied again.
func (r *Reconciler) Reconcile(ctx context.Context, tenantID string, events []Event) Result {
	var res Result
	for _, ev := range events {
		if ev.Type == EventIgnored {
			res.Ignored++
			continue
		}
		if ev.EventKey != "" {
			fresh, err := r.repo.RecordEvent(ctx, tenantID, ev.EventKey, r.clock())
			if err != nil {
				slog.Error("Reconciler.Reconcile: dedup record failed", "tenant", tenantID, "eventKey", ev.EventKey, "error", err)
				res.Errors++
				continue
			}
			if !fresh {
				slog.Debug("Reconciler.Reconcile: duplicate event", "tenant", tenantID, "eventKey", ev.EventKey)
				res.Ignored++
				continue
			}
		}

		applied, err := r.apply(ctx, tenantID, ev)
		if errors.Is(err, store.ErrNotYetSent) {
			slog.Info("Reconciler.Reconcile: message not yet sent, deferring event", "tenant", tenantID,
				"provider", ev.Provider, "type", ev.Type, "messageID", ev.InternalMessageID)
			res.Deferred++
			r.forget(ctx, ev.EventKey)
			continue
		}
		if err != nil {
			slog.Error("Reconciler.Reconcile: event failed", "tenant", tenantID, "provider", ev.Provider,
				"type", ev.Type, "externalID", ev.ExternalMessageID, "error", err)
			res.Errors++
			r.forget(ctx, ev.EventKey)
			continue
		}
		if ev.EventKey != "" {
			if err := r.repo.MarkEventProcessed(ctx, ev.EventKey, r.clock()); err != nil {
				slog.Warn("Reconciler.Reconcile: mark processed failed", "eventKey", ev.EventKey, "error", err)
			}
		}
		if applied {
			res.Processed++
		} else {
			res.Ignored++
		}
	}
	return res
}

// forget releases an event key so the provider's retry applies it.
func (r *Reconciler) forget(ctx context.Context, eventKey string) {
	if eventKey == "" {
		return
	}
	if err := r.repo.ForgetEvent(context.WithoutCancel(ctx), eventKey); err != nil {
		slog.Warn("Reconciler.Reconcile: forget event failed", "eventKey", eventKey, "error", err)
	}
}

// apply reports false when the event matched nothing it could change.
func (r *Reconciler) apply(ctx context.Context, tenantID string, ev Event) (bool, error) {
	if ev.Type == EventInbound {
		return r.applyInbound(ctx, tenantID, ev)
	}

	m, err := r.findMessage(ctx, tenantID, ev)
	if err != nil {
		return false, err
	}

	switch ev.Type {
	case EventUnsubscribe:
		reason := ReasonEmailUnsubscribe
		if ev.Channel == models.ChannelSMS {
			reason = ReasonSMSUnsubscribe
		}
		return r.applyUnsubscribe(ctx, tenantID, ev, m, reason)
	case EventComplained:
		return r.applyUnsubscribe(ctx, tenantID, ev, m, ReasonSpamComplaint)
	}

	if m == nil {
		slog.Info("Reconciler.apply: no message for event", "tenant", tenantID, "provider", ev.Provider,
			"type", ev.Type, "externalID", ev.ExternalMessageID, "address", ev.Address)
		return false, nil
	}

	at := ev.Timestamp
	if at.IsZero() {
		at = r.clock()
	}
	var u store.DeliveryUpdate
	switch ev.Type {
	case EventDelivered:
		u = store.DeliveryUpdate{Status: models.MessageDelivered, DeliveredAt: &at}
	case EventBounce:
		u = store.DeliveryUpdate{Status: models.MessageBounced, BouncedAt: &at, ErrorMessage: reasonOr(ev, "bounced")}
	case EventDropped, EventFailed, EventUndelivered:
		u = store.DeliveryUpdate{Status: models.MessageFailed, FailedAt: &at, ErrorMessage: reasonOr(ev, string(ev.Type))}
	case EventOpen:
		u = store.DeliveryUpdate{OpenedAt: &at}
	case EventClick:
		u = store.DeliveryUpdate{ClickedAt: &at}
		if ev.URL != "" {
			u.Metadata = map[string]any{"url": ev.URL}
		}
	default:
		return false, nil
	}
	if ev.ErrorCode != 0 {
		if u.Metadata == nil {
			u.Metadata = map[string]any{}
		}
		u.Metadata["error_code"] = ev.ErrorCode
	}

	changed, err := r.repo.ApplyDeliveryUpdate(ctx, tenantID, m.ID, u, r.clock())
	if err != nil {
		if errors.Is(err, store.ErrStateChanged) {
			return false, nil
		}
		return false, err
	}
	slog.Info("Reconciler.apply: delivery update", "tenant", tenantID, "messageID", m.ID, "type", ev.Type,
		"statusChanged", changed)

	switch {
	case ev.Type == EventBounce:
		if err := r.endEnrollment(ctx, tenantID, m.EnrollmentID, models.EnrollmentFailed, "bounced: "+reasonOr(ev, "hard bounce")); err != nil {
			return true, err
		}
	case m.Channel == models.ChannelSMS && isPermanentSMSCode(ev.Provider, ev.ErrorCode) &&
		(ev.Type == EventFailed || ev.Type == EventUndelivered):
		reason := fmt.Sprintf("SMS permanent error %d", ev.ErrorCode)
		if _, err := r.optOut.ApplyOptOut(ctx, tenantID, sequence.OptOut{
			Phone:       util.E164(m.Recipient),
			ChannelOnly: true,
			Reason:      reason,
		}); err != nil {
			return true, err
		}
		if err := r.endEnrollment(ctx, tenantID, m.EnrollmentID, models.EnrollmentCancelled, reason); err != nil {
			return true, err
		}
	}
	return true, nil
}

func (r *Reconciler) applyUnsubscribe(ctx context.Context, tenantID string, ev Event, m *models.Message, reason string) (bool, error) {
	addr := ev.Address
	if addr == "" && m != nil {
		addr = m.Recipient
	}
	o := sequence.OptOut{Reason: reason}
	if ev.Channel == models.ChannelSMS {
		o.Phone = util.E164(addr)
	} else {
		o.Email = util.CanonicalEmail(addr)
	}
	if o.Email == "" && o.Phone == "" {
		return false, nil
	}
	n, err := r.optOut.ApplyOptOut(ctx, tenantID, o)
	if err != nil {
		return false, err
	}
	if m != nil {
		if err := r.endEnrollment(ctx, tenantID, m.EnrollmentID, models.EnrollmentCancelled, reason); err != nil {
			return true, err
		}
	}
	slog.Info("Reconciler.applyUnsubscribe", "tenant", tenantID, "reason", reason, "cancelled", n)
	return true, nil
}

func (r *Reconciler) applyInbound(ctx context.Context, tenantID string, ev Event) (bool, error) {
	if !HasStopKeyword(ev.Body) {
		return false, nil
	}
	phone := util.E164(ev.Address)
	if phone == "" {
		return false, nil
	}
	n, err := r.optOut.ApplyOptOut(ctx, tenantID, sequence.OptOut{Phone: phone, Reason: ReasonSMSOptOut})
	if err != nil {
		return false, err
	}
	slog.Info("Reconciler.applyInbound: SMS opt-out", "tenant", tenantID, "phone", phone, "cancelled", n)
	return true, nil
}

// findMessage looks up by our id, then the provider's id, then the latest
// message sent to the address. The address fallback can pick the wrong
// message when several went to the same recipient.
func (r *Reconciler) findMessage(ctx context.Context, tenantID string, ev Event) (*models.Message, error) {
	if ev.InternalMessageID != "" {
		m, err := r.repo.GetMessage(ctx, tenantID, ev.InternalMessageID)
		if err != nil || m != nil {
			return m, err
		}
	}
	if ev.ExternalMessageID != "" {
		m, err := r.repo.FindMessageByExternalID(ctx, tenantID, ev.ExternalMessageID)
		if err != nil || m != nil {
			return m, err
		}
	}
	addr := ev.Address
	if ev.Channel == models.ChannelSMS {
		addr = util.E164(addr)
	} else {
		addr = util.CanonicalEmail(addr)
	}
	if addr == "" {
		return nil, nil
	}
	return r.repo.FindLatestMessageByRecipient(ctx, tenantID, addr, ev.Channel)
}

func (r *Reconciler) endEnrollment(ctx context.Context, tenantID, id string, status models.EnrollmentStatus, reason string) error {
	err := r.repo.EndEnrollment(ctx, tenantID, id, status, reason, r.clock())
	if errors.Is(err, store.ErrStateChanged) {
		return nil
	}
	return err
}

// HasStopKeyword reports whether an inbound SMS body asks to stop messages.
func HasStopKeyword(body string) bool {
	lower := strings.ToLower(body)
	for _, kw := range stopKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

func isPermanentSMSCode(provider string, code int) bool {
	if code == 0 {
		return false
	}
	if provider == ProviderMessageBird {
		return messageBirdPermanentCodes[code]
	}
	return twiliosms.IsPermanentCode(code)
}

func reasonOr(ev Event, fallback string) string {
	if ev.Reason != "" {
		return ev.Reason
	}
	return fallback
}
