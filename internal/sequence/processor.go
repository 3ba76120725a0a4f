package sequence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/FollowUp/internal/messaging"
	"github.com/BTreeMap/FollowUp/internal/models"
	"github.com/BTreeMap/FollowUp/internal/store"
	"github.com/BTreeMap/FollowUp/internal/util"
)

// ProcessResult counts the outcome of one processing pass.
type ProcessResult struct {
	Claimed   int `json:"claimed_count"`
	Processed int `json:"processed_count"`
	Failed    int `json:"failed_count"`
	Skipped   int `json:"skipped_count"`
	Released  int `json:"released_count"`
	Requeued  int `json:"requeued_count"`
}

func (r *ProcessResult) add(o outcome) {
	switch o {
	case outcomeSent:
		r.Processed++
	case outcomeFailed:
		r.Failed++
	case outcomeSkipped:
		r.Skipped++
	case outcomeReleased:
		r.Released++
	}
}

type outcome int

const (
	outcomeSent outcome = iota
	outcomeFailed
	outcomeSkipped
	outcomeReleased
	outcomeLost
)

// Processor claims due messages, dispatches them and advances enrollments.
// Concurrent passes never dispatch the same message: a message is sent
// only by the pass whose claim moved it from pending to sending.
type Processor struct {
	store   store.Store
	senders *messaging.Registry
	settings
}

// NewProcessor creates a Processor dispatching through senders.
func NewProcessor(st store.Store, senders *messaging.Registry, opts ...Option) *Processor {
	p := &Processor{store: st, senders: senders, settings: newSettings(opts)}
	if p.resolver == nil {
		p.resolver = NewStoreResolver(st, opts...)
	}
	return p
}

// ProcessSequences runs one pass for the tenant. Per-message dispatch
// failures are recorded on the message and counted; the error is reserved
// for storage failures that stop the pass.
func (p *Processor) ProcessSequences(ctx context.Context, tenantID string, batchSize int) (ProcessResult, error) {
	var res ProcessResult
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	batchSize = min(batchSize, MaxBatchSize)

	now := p.clock()
	requeued, err := p.store.RequeueStaleClaims(ctx, tenantID, now.Add(-p.claimTimeout), now)
	if err != nil {
		return res, err
	}
	res.Requeued = requeued

	claimed, err := p.store.ClaimDueMessages(ctx, tenantID, now, batchSize)
	if err != nil {
		return res, err
	}
	res.Claimed = len(claimed)

	for i := range claimed {
		if ctx.Err() != nil {
			p.releaseRemaining(ctx, tenantID, claimed[i:])
			res.Released += len(claimed) - i
			break
		}
		o, err := p.processMessage(ctx, &claimed[i])
		if err != nil {
			slog.Error("Processor.ProcessSequences: message processing failed", "tenant", tenantID,
				"messageID", claimed[i].ID, "error", err)
			res.Failed++
			continue
		}
		res.add(o)
	}
	if res.Claimed > 0 || res.Requeued > 0 {
		slog.Info("Processor.ProcessSequences: pass complete", "tenant", tenantID, "claimed", res.Claimed,
			"processed", res.Processed, "failed", res.Failed, "skipped", res.Skipped,
			"released", res.Released, "requeued", res.Requeued)
	}
	return res, nil
}

// releaseRemaining returns undispatched claims to pending after cancellation.
func (p *Processor) releaseRemaining(ctx context.Context, tenantID string, msgs []models.Message) {
	bg := context.WithoutCancel(ctx)
	for _, m := range msgs {
		if err := p.store.ReleaseClaim(bg, tenantID, m.ID, p.clock()); err != nil && !errors.Is(err, store.ErrClaimLost) {
			slog.Warn("Processor.releaseRemaining: release failed", "tenant", tenantID, "messageID", m.ID, "error", err)
		}
	}
}

func (p *Processor) processMessage(ctx context.Context, m *models.Message) (outcome, error) {
	tenantID := m.TenantID
	e, err := p.store.GetEnrollment(ctx, tenantID, m.EnrollmentID)
	if err != nil {
		return 0, err
	}
	if e == nil {
		return p.fail(ctx, m, "", "enrollment not found", true)
	}
	switch {
	case e.Status == models.EnrollmentPaused:
		if err := p.store.ReleaseClaim(ctx, tenantID, m.ID, p.clock()); err != nil && !errors.Is(err, store.ErrClaimLost) {
			return 0, err
		}
		slog.Debug("Processor.processMessage: enrollment paused, claim released", "tenant", tenantID, "messageID", m.ID)
		return outcomeReleased, nil
	case e.Status != models.EnrollmentActive:
		return p.cancel(ctx, m, "enrollment "+string(e.Status))
	}

	seq, err := p.store.GetSequence(ctx, tenantID, e.SequenceID)
	if err != nil {
		return 0, err
	}
	if seq == nil {
		return p.fail(ctx, m, "", "sequence not found", true)
	}
	idx, step, ok := locateStep(seq, m)
	if !ok {
		return p.fail(ctx, m, "", "sequence step no longer exists", true)
	}

	// Preferences are re-read after the claim so an unsubscribe that landed
	// while the message was queued always wins.
	blocked, err := isBlocked(ctx, p.store, tenantID, seq.ID, e.RecipientEmail, e.RecipientPhone)
	if err != nil {
		return 0, err
	}
	if blocked {
		return p.cancel(ctx, m, "unsubscribed")
	}
	if m.Recipient == "" {
		return p.skip(ctx, m, e, seq, idx, fmt.Sprintf("no %s address", m.Channel))
	}
	pref, err := p.store.GetPreference(ctx, tenantID, util.CanonicalAddress(m.Recipient))
	if err != nil {
		return 0, err
	}
	if !pref.AllowsChannel(m.Channel) {
		return p.skip(ctx, m, e, seq, idx, fmt.Sprintf("%s disabled for recipient", m.Channel))
	}

	vars, err := p.templateVars(ctx, e, seq)
	if err != nil {
		return 0, err
	}
	if !EvaluateConditions(step.SendConditions, vars) {
		return p.skip(ctx, m, e, seq, idx, "send conditions not met")
	}

	tpl, err := p.store.GetTemplate(ctx, tenantID, m.TemplateID)
	if err != nil {
		return 0, err
	}
	if tpl == nil {
		return p.fail(ctx, m, "", "template not found", true)
	}
	subject := Render(tpl.Subject, vars)
	content := Render(tpl.Content, vars)

	sender, err := p.senders.Get(m.Channel)
	if err != nil {
		return p.fail(ctx, m, content, err.Error(), false)
	}
	receipt, err := sender.Send(ctx, messaging.OutboundMessage{
		MessageID: m.ID,
		To:        m.Recipient,
		Subject:   subject,
		Body:      content,
	})
	if err != nil {
		return p.fail(ctx, m, content, err.Error(), models.IsPermanent(err))
	}

	// The message is out; record it even if the pass is being cancelled.
	settleCtx := context.WithoutCancel(ctx)
	sentAt := p.clock()
	st := store.Settlement{
		TenantID:      tenantID,
		MessageID:     m.ID,
		EnrollmentID:  e.ID,
		Status:        models.MessageSent,
		ExternalID:    receipt.ExternalID,
		Subject:       subject,
		Content:       content,
		At:            sentAt,
		NextStepIndex: idx + 1,
		Next:          p.nextMessage(e, seq, idx, sentAt),
	}
	if err := p.store.SettleMessage(settleCtx, st); err != nil {
		if errors.Is(err, store.ErrClaimLost) {
			slog.Warn("Processor.processMessage: claim lost after dispatch", "tenant", tenantID, "messageID", m.ID)
			return outcomeLost, nil
		}
		return 0, err
	}
	slog.Info("Processor.processMessage: sent", "tenant", tenantID, "messageID", m.ID, "enrollmentID", e.ID,
		"channel", m.Channel, "step", m.StepOrder, "externalID", receipt.ExternalID)
	return outcomeSent, nil
}

// locateStep finds the message's step by order, falling back to its id.
func locateStep(seq *models.Sequence, m *models.Message) (int, models.Step, bool) {
	if st, ok := seq.StepAt(m.StepOrder - 1); ok && st.ID == m.StepID {
		return m.StepOrder - 1, st, true
	}
	for i, st := range seq.Steps {
		if st.ID == m.StepID {
			return i, st, true
		}
	}
	return 0, models.Step{}, false
}

// nextMessage builds the message for the step after idx, or nil when the
// sequence is exhausted.
func (p *Processor) nextMessage(e *models.Enrollment, seq *models.Sequence, idx int, from time.Time) *models.Message {
	next, ok := seq.StepAt(idx + 1)
	if !ok {
		return nil
	}
	return newStepMessage(e, next, from.Add(next.Delay()), 1, from)
}

// skip cancels the message for this step and moves the enrollment on.
func (p *Processor) skip(ctx context.Context, m *models.Message, e *models.Enrollment, seq *models.Sequence, idx int, reason string) (outcome, error) {
	at := p.clock()
	err := p.store.SettleMessage(ctx, store.Settlement{
		TenantID:      m.TenantID,
		MessageID:     m.ID,
		EnrollmentID:  e.ID,
		Status:        models.MessageCancelled,
		Reason:        reason,
		At:            at,
		NextStepIndex: idx + 1,
		Next:          p.nextMessage(e, seq, idx, at),
	})
	if errors.Is(err, store.ErrClaimLost) {
		return outcomeLost, nil
	}
	if err != nil {
		return 0, err
	}
	slog.Info("Processor.skip: step skipped", "tenant", m.TenantID, "messageID", m.ID, "step", m.StepOrder, "reason", reason)
	return outcomeSkipped, nil
}

// cancel ends the message together with its enrollment.
func (p *Processor) cancel(ctx context.Context, m *models.Message, reason string) (outcome, error) {
	err := p.store.CancelClaimedMessage(ctx, m.TenantID, m.ID, reason, p.clock())
	if errors.Is(err, store.ErrClaimLost) {
		return outcomeLost, nil
	}
	if err != nil {
		return 0, err
	}
	slog.Info("Processor.cancel: message cancelled", "tenant", m.TenantID, "messageID", m.ID, "reason", reason)
	return outcomeSkipped, nil
}

// fail records a dispatch failure. Permanent failures also fail the enrollment.
func (p *Processor) fail(ctx context.Context, m *models.Message, content, errMsg string, permanent bool) (outcome, error) {
	err := p.store.FailMessage(ctx, m.TenantID, m.ID, content, errMsg, permanent, p.clock())
	if errors.Is(err, store.ErrClaimLost) {
		return outcomeLost, nil
	}
	if err != nil {
		return 0, err
	}
	slog.Warn("Processor.fail: message failed", "tenant", m.TenantID, "messageID", m.ID, "permanent", permanent, "error", errMsg)
	return outcomeFailed, nil
}

// templateVars merges the subject profile, the enrollment data and the
// engine-provided values. Enrollment data overrides profile fields.
func (p *Processor) templateVars(ctx context.Context, e *models.Enrollment, seq *models.Sequence) (map[string]any, error) {
	vars := map[string]any{}
	contact, err := p.resolver.Resolve(ctx, e.TenantID, e.Subject)
	if err != nil {
		return nil, err
	}
	if contact != nil {
		for k, v := range contact.Profile() {
			vars[k] = v
		}
	}
	for k, v := range e.EnrollmentData {
		vars[k] = v
	}
	if _, ok := vars["email"]; !ok || vars["email"] == "" {
		vars["email"] = e.RecipientEmail
	}
	if _, ok := vars["phone"]; !ok || vars["phone"] == "" {
		vars["phone"] = e.RecipientPhone
	}
	vars["sequence_name"] = seq.Name
	vars["unsubscribe_url"] = UnsubscribeURL(p.publicBaseURL, e.TenantID, e.RecipientEmail, e.RecipientPhone, "")
	return vars, nil
}

// RetryMessage queues a new attempt of a failed message's step. The failed
// row is left as it is.
func (p *Processor) RetryMessage(ctx context.Context, tenantID, messageID string) (*models.Message, error) {
	m, err := p.store.GetMessage(ctx, tenantID, messageID)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, models.NewNotFoundError("message %s not found", messageID)
	}
	if m.Status != models.MessageFailed {
		return nil, models.NewConflictError("message %s is %s; only failed messages can be retried", messageID, m.Status)
	}
	e, err := p.store.GetEnrollment(ctx, tenantID, m.EnrollmentID)
	if err != nil {
		return nil, err
	}
	if e == nil || e.Status != models.EnrollmentActive {
		return nil, models.NewConflictError("enrollment of message %s is not active", messageID)
	}
	pending, err := p.store.PendingMessageForEnrollment(ctx, tenantID, e.ID)
	if err != nil {
		return nil, err
	}
	if pending != nil {
		return nil, models.NewConflictError("enrollment %s already has a pending message", e.ID)
	}
	now := p.clock()
	retry := &models.Message{
		ID:           util.NewMessageID(),
		TenantID:     tenantID,
		EnrollmentID: m.EnrollmentID,
		SequenceID:   m.SequenceID,
		StepID:       m.StepID,
		StepOrder:    m.StepOrder,
		TemplateID:   m.TemplateID,
		Channel:      m.Channel,
		Recipient:    m.Recipient,
		Status:       models.MessagePending,
		ScheduledFor: now,
		Attempt:      m.Attempt + 1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := p.store.InsertMessage(ctx, retry); err != nil {
		return nil, err
	}
	slog.Info("Processor.RetryMessage: queued", "tenant", tenantID, "messageID", retry.ID, "retryOf", messageID, "attempt", retry.Attempt)
	return retry, nil
}

// ProcessAllTenants runs a pass for every tenant with due work. A failing
// tenant is logged and does not stop the others.
func (p *Processor) ProcessAllTenants(ctx context.Context, batchSize int) (map[string]ProcessResult, error) {
	tenants, err := p.store.TenantsWithDueMessages(ctx, p.clock())
	if err != nil {
		return nil, err
	}
	results := make(map[string]ProcessResult, len(tenants))
	for _, tenantID := range tenants {
		if ctx.Err() != nil {
			return results, ctx.Err()
		}
		res, err := p.ProcessSequences(ctx, tenantID, batchSize)
		if err != nil {
			slog.Error("Processor.ProcessAllTenants: tenant pass failed", "tenant", tenantID, "error", err)
			continue
		}
		results[tenantID] = res
	}
	return results, nil
}

// Status reports queue depth and enrollment counts for the tenant.
func (p *Processor) Status(ctx context.Context, tenantID string) (*models.ProcessingStatus, error) {
	return p.store.ProcessingStatus(ctx, tenantID, p.clock())
}

// Analytics reports per-sequence delivery and engagement counts.
func (p *Processor) Analytics(ctx context.Context, tenantID string) ([]models.SequenceAnalytics, error) {
	out, err := p.store.SequenceAnalytics(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []models.SequenceAnalytics{}
	}
	return out, nil
}
