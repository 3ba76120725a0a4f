package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/FollowUp/internal/models"
	"github.com/BTreeMap/FollowUp/internal/util"
)

func TestSQLiteStore_ClaimOrdersByPriorityThenTime(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	low := seedSequence(t, s, 1, 0)
	high := seedSequence(t, s, 9, 0)

	_, lowEarly := seedEnrollment(t, s, low, "v1", baseTime.Add(-2*time.Hour))
	_, highLate := seedEnrollment(t, s, high, "v2", baseTime.Add(-time.Hour))
	_, highEarly := seedEnrollment(t, s, high, "v3", baseTime.Add(-3*time.Hour))
	seedEnrollment(t, s, high, "v4", baseTime.Add(time.Hour)) // not due

	claimed, err := s.ClaimDueMessages(ctx, testTenant, baseTime, 10)
	if err != nil {
		t.Fatalf("ClaimDueMessages failed: %v", err)
	}
	want := []string{highEarly.ID, highLate.ID, lowEarly.ID}
	if len(claimed) != len(want) {
		t.Fatalf("claimed %d messages, want %d", len(claimed), len(want))
	}
	for i, id := range want {
		if claimed[i].ID != id {
			t.Errorf("claimed[%d] = %s, want %s", i, claimed[i].ID, id)
		}
		if claimed[i].Status != models.MessageSending || claimed[i].ClaimedAt == nil {
			t.Errorf("claimed[%d] not in sending state: %+v", i, claimed[i])
		}
	}
	if claimed[0].Priority != 9 {
		t.Errorf("effective priority = %d, want 9", claimed[0].Priority)
	}

	again, err := s.ClaimDueMessages(ctx, testTenant, baseTime, 10)
	if err != nil {
		t.Fatalf("second claim failed: %v", err)
	}
	if len(again) != 0 {
		t.Errorf("second claim returned %d messages, want 0", len(again))
	}
}

func TestSQLiteStore_ClaimSkipsPausedEnrollments(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	seq := seedSequence(t, s, 0, 0)
	e, _ := seedEnrollment(t, s, seq, "v1", baseTime)
	if err := s.PauseEnrollment(ctx, testTenant, e.ID, baseTime); err != nil {
		t.Fatalf("PauseEnrollment failed: %v", err)
	}
	claimed, err := s.ClaimDueMessages(ctx, testTenant, baseTime, 10)
	if err != nil {
		t.Fatalf("ClaimDueMessages failed: %v", err)
	}
	if len(claimed) != 0 {
		t.Errorf("paused enrollment's message was claimed")
	}
}

func TestSQLiteStore_ConcurrentClaimsAreDisjoint(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	seq := seedSequence(t, s, 0, 0)
	const total = 20
	for i := 0; i < total; i++ {
		seedEnrollment(t, s, seq, util.GenerateRandomHex(8), baseTime)
	}

	var mu sync.Mutex
	seen := make(map[string]int)
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				claimed, err := s.ClaimDueMessages(ctx, testTenant, baseTime, 3)
				if err != nil {
					t.Errorf("ClaimDueMessages failed: %v", err)
					return
				}
				if len(claimed) == 0 {
					return
				}
				mu.Lock()
				for _, m := range claimed {
					seen[m.ID]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != total {
		t.Errorf("claimed %d distinct messages, want %d", len(seen), total)
	}
	for id, n := range seen {
		if n != 1 {
			t.Errorf("message %s claimed %d times", id, n)
		}
	}
}

func TestSQLiteStore_SettleAdvancesThenCompletes(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	seq := seedSequence(t, s, 0, 0, 1440)
	e, first := seedEnrollment(t, s, seq, "v1", baseTime)

	if _, err := s.ClaimDueMessages(ctx, testTenant, baseTime, 10); err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	sentAt := baseTime.Add(time.Minute)
	next := newPendingMessage(e, seq.Steps[1], sentAt.Add(1440*time.Minute))
	err := s.SettleMessage(ctx, Settlement{
		TenantID: testTenant, MessageID: first.ID, EnrollmentID: e.ID, Status: models.MessageSent,
		ExternalID: "ext-1", Content: "Hi Ada", At: sentAt, NextStepIndex: 1, Next: next,
	})
	if err != nil {
		t.Fatalf("SettleMessage failed: %v", err)
	}

	got, _ := s.GetMessage(ctx, testTenant, first.ID)
	if got.Status != models.MessageSent || got.ExternalID != "ext-1" || got.SentAt == nil {
		t.Errorf("unexpected settled message: %+v", got)
	}
	pending, _ := s.PendingMessageForEnrollment(ctx, testTenant, e.ID)
	if pending == nil || !pending.ScheduledFor.Equal(sentAt.Add(1440*time.Minute)) {
		t.Fatalf("next message not scheduled correctly: %+v", pending)
	}
	enr, _ := s.GetEnrollment(ctx, testTenant, e.ID)
	if enr.Status != models.EnrollmentActive || enr.CurrentStepIndex != 1 {
		t.Errorf("unexpected enrollment after advance: %+v", enr)
	}

	// settling the same claim twice must not advance again
	err = s.SettleMessage(ctx, Settlement{
		TenantID: testTenant, MessageID: first.ID, EnrollmentID: e.ID, Status: models.MessageSent,
		At: sentAt, NextStepIndex: 1, Next: newPendingMessage(e, seq.Steps[1], sentAt),
	})
	if !errors.Is(err, ErrClaimLost) {
		t.Fatalf("second settle: got %v, want ErrClaimLost", err)
	}

	later := sentAt.Add(1440 * time.Minute)
	if _, err := s.ClaimDueMessages(ctx, testTenant, later, 10); err != nil {
		t.Fatalf("claim step 2 failed: %v", err)
	}
	err = s.SettleMessage(ctx, Settlement{
		TenantID: testTenant, MessageID: pending.ID, EnrollmentID: e.ID, Status: models.MessageSent,
		ExternalID: "ext-2", At: later, NextStepIndex: 2,
	})
	if err != nil {
		t.Fatalf("final SettleMessage failed: %v", err)
	}
	enr, _ = s.GetEnrollment(ctx, testTenant, e.ID)
	if enr.Status != models.EnrollmentCompleted || enr.CompletedAt == nil || enr.NextSendAt != nil {
		t.Errorf("enrollment not completed: %+v", enr)
	}
}

func TestSQLiteStore_SettleAfterCancelDoesNotAdvance(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	seq := seedSequence(t, s, 0, 0, 60)
	e, first := seedEnrollment(t, s, seq, "v1", baseTime)
	if _, err := s.ClaimDueMessages(ctx, testTenant, baseTime, 10); err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if err := s.EndEnrollment(ctx, testTenant, e.ID, models.EnrollmentCancelled, "unsubscribed", baseTime); err != nil {
		t.Fatalf("EndEnrollment failed: %v", err)
	}
	err := s.SettleMessage(ctx, Settlement{
		TenantID: testTenant, MessageID: first.ID, EnrollmentID: e.ID, Status: models.MessageSent,
		At: baseTime, NextStepIndex: 1, Next: newPendingMessage(e, seq.Steps[1], baseTime.Add(time.Hour)),
	})
	if err != nil {
		t.Fatalf("SettleMessage failed: %v", err)
	}
	if pending, _ := s.PendingMessageForEnrollment(ctx, testTenant, e.ID); pending != nil {
		t.Error("cancelled enrollment should not get a next message")
	}
}

func TestSQLiteStore_FailMessage(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	seq := seedSequence(t, s, 0, 0)
	transient, m1 := seedEnrollment(t, s, seq, "v1", baseTime)
	permanent, m2 := seedEnrollment(t, s, seq, "v2", baseTime)
	if _, err := s.ClaimDueMessages(ctx, testTenant, baseTime, 10); err != nil {
		t.Fatalf("claim failed: %v", err)
	}

	if err := s.FailMessage(ctx, testTenant, m1.ID, "body", "timeout", false, baseTime); err != nil {
		t.Fatalf("FailMessage transient failed: %v", err)
	}
	if err := s.FailMessage(ctx, testTenant, m2.ID, "", "invalid recipient", true, baseTime); err != nil {
		t.Fatalf("FailMessage permanent failed: %v", err)
	}

	got, _ := s.GetMessage(ctx, testTenant, m1.ID)
	if got.Status != models.MessageFailed || got.ErrorMessage != "timeout" || got.FailedAt == nil || got.Content != "body" {
		t.Errorf("unexpected failed message: %+v", got)
	}
	if enr, _ := s.GetEnrollment(ctx, testTenant, transient.ID); enr.Status != models.EnrollmentActive {
		t.Errorf("transient failure changed enrollment to %s", enr.Status)
	}
	if enr, _ := s.GetEnrollment(ctx, testTenant, permanent.ID); enr.Status != models.EnrollmentFailed {
		t.Errorf("permanent failure left enrollment %s", enr.Status)
	}
	if err := s.FailMessage(ctx, testTenant, m1.ID, "", "again", false, baseTime); !errors.Is(err, ErrClaimLost) {
		t.Errorf("failing a settled message: got %v, want ErrClaimLost", err)
	}
}

func TestSQLiteStore_ReleaseAndRequeueClaims(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	seq := seedSequence(t, s, 0, 0)
	_, m1 := seedEnrollment(t, s, seq, "v1", baseTime)
	_, m2 := seedEnrollment(t, s, seq, "v2", baseTime)
	if _, err := s.ClaimDueMessages(ctx, testTenant, baseTime, 10); err != nil {
		t.Fatalf("claim failed: %v", err)
	}

	if err := s.ReleaseClaim(ctx, testTenant, m1.ID, baseTime); err != nil {
		t.Fatalf("ReleaseClaim failed: %v", err)
	}
	if err := s.ReleaseClaim(ctx, testTenant, m1.ID, baseTime); !errors.Is(err, ErrClaimLost) {
		t.Errorf("double release: got %v, want ErrClaimLost", err)
	}

	n, err := s.RequeueStaleClaims(ctx, testTenant, baseTime.Add(-time.Minute), baseTime)
	if err != nil || n != 0 {
		t.Fatalf("fresh claims should not be requeued: n=%d err=%v", n, err)
	}
	n, err = s.RequeueStaleClaims(ctx, testTenant, baseTime.Add(time.Minute), baseTime.Add(time.Hour))
	if err != nil || n != 1 {
		t.Fatalf("RequeueStaleClaims = %d, %v; want 1", n, err)
	}
	got, _ := s.GetMessage(ctx, testTenant, m2.ID)
	if got.Status != models.MessagePending || got.ClaimedAt != nil {
		t.Errorf("stale claim not requeued: %+v", got)
	}
}

func TestSQLiteStore_ApplyDeliveryUpdate(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	seq := seedSequence(t, s, 0, 0)
	e, m := seedEnrollment(t, s, seq, "v1", baseTime)
	s.ClaimDueMessages(ctx, testTenant, baseTime, 10)
	if err := s.SettleMessage(ctx, Settlement{
		TenantID: testTenant, MessageID: m.ID, EnrollmentID: e.ID, Status: models.MessageSent,
		ExternalID: "sg-123", At: baseTime, NextStepIndex: 1,
	}); err != nil {
		t.Fatalf("SettleMessage failed: %v", err)
	}

	found, err := s.FindMessageByExternalID(ctx, testTenant, "sg-123")
	if err != nil || found == nil || found.ID != m.ID {
		t.Fatalf("FindMessageByExternalID = %v, %v", found, err)
	}
	latest, err := s.FindLatestMessageByRecipient(ctx, testTenant, "v1@example.org", models.ChannelEmail)
	if err != nil || latest == nil || latest.ID != m.ID {
		t.Fatalf("FindLatestMessageByRecipient = %v, %v", latest, err)
	}

	delivered := baseTime.Add(time.Minute)
	changed, err := s.ApplyDeliveryUpdate(ctx, testTenant, m.ID, DeliveryUpdate{Status: models.MessageDelivered, DeliveredAt: &delivered}, delivered)
	if err != nil || !changed {
		t.Fatalf("deliver: changed=%v err=%v", changed, err)
	}
	clicked := baseTime.Add(2 * time.Minute)
	changed, err = s.ApplyDeliveryUpdate(ctx, testTenant, m.ID, DeliveryUpdate{
		ClickedAt: &clicked, Metadata: map[string]any{"url": "https://example.org/visit"},
	}, clicked)
	if err != nil || changed {
		t.Fatalf("click: changed=%v err=%v", changed, err)
	}
	changed, err = s.ApplyDeliveryUpdate(ctx, testTenant, m.ID, DeliveryUpdate{Status: models.MessagePending}, clicked)
	if err != nil || changed {
		t.Fatalf("backward transition applied: changed=%v err=%v", changed, err)
	}

	got, _ := s.GetMessage(ctx, testTenant, m.ID)
	if got.Status != models.MessageDelivered || got.DeliveredAt == nil || got.ClickedAt == nil {
		t.Errorf("unexpected message: %+v", got)
	}
	if got.DeliveryMetadata["url"] != "https://example.org/visit" {
		t.Errorf("metadata not merged: %+v", got.DeliveryMetadata)
	}
}

func TestSQLiteStore_ApplyDeliveryUpdateBeforeSent(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	seq := seedSequence(t, s, 0, 0)
	_, m := seedEnrollment(t, s, seq, "v1", baseTime)
	delivered := baseTime.Add(time.Minute)
	update := DeliveryUpdate{Status: models.MessageDelivered, DeliveredAt: &delivered}

	if _, err := s.ApplyDeliveryUpdate(ctx, testTenant, m.ID, update, delivered); !errors.Is(err, ErrNotYetSent) {
		t.Fatalf("pending message: err = %v, want ErrNotYetSent", err)
	}
	s.ClaimDueMessages(ctx, testTenant, baseTime, 10)
	if _, err := s.ApplyDeliveryUpdate(ctx, testTenant, m.ID, update, delivered); !errors.Is(err, ErrNotYetSent) {
		t.Fatalf("sending message: err = %v, want ErrNotYetSent", err)
	}

	got, _ := s.GetMessage(ctx, testTenant, m.ID)
	if got.Status != models.MessageSending || got.DeliveredAt != nil {
		t.Errorf("message changed before settle: %+v", got)
	}
}

func TestSQLiteStore_WebhookEventDedup(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	first, err := s.RecordEvent(ctx, testTenant, "sendgrid:evt-1", baseTime)
	if err != nil || !first {
		t.Fatalf("first RecordEvent = %v, %v", first, err)
	}
	again, err := s.RecordEvent(ctx, testTenant, "sendgrid:evt-1", baseTime)
	if err != nil || again {
		t.Fatalf("duplicate RecordEvent = %v, %v", again, err)
	}
	if err := s.MarkEventProcessed(ctx, "sendgrid:evt-1", baseTime); err != nil {
		t.Fatalf("MarkEventProcessed failed: %v", err)
	}
	if err := s.ForgetEvent(ctx, "sendgrid:evt-1"); err != nil {
		t.Fatalf("ForgetEvent failed: %v", err)
	}
	if ok, _ := s.RecordEvent(ctx, testTenant, "sendgrid:evt-1", baseTime); !ok {
		t.Error("forgotten event should record again")
	}
}

func TestSQLiteStore_StatusAndAnalytics(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	seq := seedSequence(t, s, 0, 0)
	e, m := seedEnrollment(t, s, seq, "v1", baseTime)
	seedEnrollment(t, s, seq, "v2", baseTime.Add(time.Hour))

	tenants, err := s.TenantsWithDueMessages(ctx, baseTime)
	if err != nil || len(tenants) != 1 || tenants[0] != testTenant {
		t.Fatalf("TenantsWithDueMessages = %v, %v", tenants, err)
	}

	st, err := s.ProcessingStatus(ctx, testTenant, baseTime)
	if err != nil {
		t.Fatalf("ProcessingStatus failed: %v", err)
	}
	if st.DuePending != 1 || st.ScheduledPending != 1 || st.ActiveEnrollments != 2 {
		t.Errorf("unexpected status: %+v", st)
	}

	s.ClaimDueMessages(ctx, testTenant, baseTime, 10)
	s.SettleMessage(ctx, Settlement{
		TenantID: testTenant, MessageID: m.ID, EnrollmentID: e.ID, Status: models.MessageSent,
		ExternalID: "x-1", At: baseTime, NextStepIndex: 1,
	})
	opened := baseTime.Add(time.Minute)
	s.ApplyDeliveryUpdate(ctx, testTenant, m.ID, DeliveryUpdate{OpenedAt: &opened}, opened)

	stats, err := s.SequenceAnalytics(ctx, testTenant)
	if err != nil || len(stats) != 1 {
		t.Fatalf("SequenceAnalytics = %v, %v", stats, err)
	}
	a := stats[0]
	if a.Enrollments["completed"] != 1 || a.Enrollments["active"] != 1 {
		t.Errorf("enrollment counts = %v", a.Enrollments)
	}
	if a.Messages["sent"] != 1 || a.Messages["pending"] != 1 || a.Opened != 1 || a.OpenRate != 1 {
		t.Errorf("message analytics = %+v", a)
	}
}
