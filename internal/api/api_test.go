package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/BTreeMap/FollowUp/internal/delivery"
	"github.com/BTreeMap/FollowUp/internal/messaging"
	"github.com/BTreeMap/FollowUp/internal/models"
	"github.com/BTreeMap/FollowUp/internal/sequence"
	"github.com/BTreeMap/FollowUp/internal/store"
	"github.com/BTreeMap/FollowUp/internal/testutil"
	"github.com/BTreeMap/FollowUp/internal/twiliosms"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	tenant      = "church_a"
	publicURL   = "https://followup.example.org"
	hookSecret  = "hook-secret"
	twilioToken = "twilio-token"
)

var now = time.Date(2025, 3, 2, 9, 0, 0, 0, time.UTC)

type envelope struct {
	Status  string            `json:"status"`
	Message string            `json:"message"`
	Result  json.RawMessage   `json:"result"`
	Errors  map[string]string `json:"errors"`
}

type testServer struct {
	handler http.Handler
	store   *store.SQLiteStore
	email   *messaging.MockService
	sms     *messaging.MockService
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	st := testutil.NewSQLiteStore(t)
	ts := &testServer{
		store: st,
		email: messaging.NewMockService(models.ChannelEmail),
		sms:   messaging.NewMockService(models.ChannelSMS),
	}
	opts := []sequence.Option{
		sequence.WithClock(func() time.Time { return now }),
		sequence.WithPublicBaseURL(publicURL),
	}
	manager := sequence.NewEnrollmentManager(st, opts...)
	srv := NewServer(Services{
		Templates:   sequence.NewTemplateService(st, opts...),
		Definitions: sequence.NewDefinitionService(st, opts...),
		Enrollments: manager,
		Processor:   sequence.NewProcessor(st, messaging.NewRegistry(ts.email, ts.sms), opts...),
		Contacts:    sequence.NewStoreResolver(st, opts...),
		Reconciler:  delivery.NewReconciler(st, manager, delivery.WithClock(func() time.Time { return now })),
	},
		WithWebhookSecret(hookSecret),
		WithTwilioValidator(twiliosms.NewSignatureValidator(twilioToken)),
		WithPublicBaseURL(publicURL),
	)
	ts.handler = srv.Handler()
	return ts
}

// do sends a request as a tenant admin unless headers override it.
func (ts *testServer) do(t *testing.T, method, target string, body any, headers ...string) (int, envelope) {
	t.Helper()
	var rd io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rd = strings.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, target, rd)
	req.Header.Set(headerTenant, tenant)
	req.Header.Set(headerRole, "admin")
	req.Header.Set(headerUser, "staff_1")
	for i := 0; i+1 < len(headers); i += 2 {
		if headers[i+1] == "" {
			req.Header.Del(headers[i])
			continue
		}
		req.Header.Set(headers[i], headers[i+1])
	}
	rr := httptest.NewRecorder()
	ts.handler.ServeHTTP(rr, req)

	var env envelope
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &env), rr.Body.String())
	return rr.Code, env
}

func decodeResult(t *testing.T, env envelope, dst any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(env.Result, dst))
}

// seed creates a contact and a one-step sequence on the given channel and
// returns the sequence id.
func (ts *testServer) seed(t *testing.T, ch models.Channel) string {
	t.Helper()
	code, _ := ts.do(t, http.MethodPut, "/admin/contacts/visitor/v1", map[string]any{
		"first_name": "Ada", "email": "Ada@Example.org", "phone": "+1 555 000 1111",
	})
	require.Equal(t, http.StatusOK, code)

	tplBody := map[string]any{"name": "welcome", "channel": ch, "content": "Hi {{first_name}}"}
	if ch == models.ChannelEmail {
		tplBody["subject"] = "Welcome"
	}
	code, env := ts.do(t, http.MethodPost, "/sequences/templates", tplBody)
	require.Equal(t, http.StatusCreated, code, env.Message)
	var tpl models.Template
	decodeResult(t, env, &tpl)

	code, env = ts.do(t, http.MethodPost, "/sequences", map[string]any{
		"name":          "first visit",
		"trigger_event": "first_visit",
		"steps":         []map[string]any{{"template_id": tpl.ID}},
	})
	require.Equal(t, http.StatusCreated, code, env.Message)
	var seq models.Sequence
	decodeResult(t, env, &seq)
	return seq.ID
}

func (ts *testServer) enroll(t *testing.T, sequenceID string) models.Enrollment {
	t.Helper()
	code, env := ts.do(t, http.MethodPost, "/sequences/enroll", map[string]any{"sequence_id": sequenceID, "visitor_id": "v1"})
	require.Equal(t, http.StatusCreated, code, env.Message)
	var res sequence.EnrollResult
	decodeResult(t, env, &res)
	require.NotNil(t, res.Enrollment)
	return *res.Enrollment
}

func (ts *testServer) sendDue(t *testing.T) []models.Message {
	t.Helper()
	code, _ := ts.do(t, http.MethodPost, "/sequences/process", map[string]any{"batch_size": 10})
	require.Equal(t, http.StatusOK, code)
	msgs, err := ts.store.ListMessagesForEnrollment(context.Background(), tenant, ts.liveEnrollmentID(t))
	require.NoError(t, err)
	return msgs
}

func (ts *testServer) liveEnrollmentID(t *testing.T) string {
	t.Helper()
	ens, err := ts.store.ListEnrollments(context.Background(), tenant, models.EnrollmentFilter{})
	require.NoError(t, err)
	require.NotEmpty(t, ens)
	return ens[0].ID
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	code, env := ts.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", env.Status)

	code, _ = ts.do(t, http.MethodPost, "/health", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, code)
}

func TestTenantIsRequired(t *testing.T) {
	ts := newTestServer(t)
	code, env := ts.do(t, http.MethodGet, "/sequences", nil, headerTenant, "")
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, env.Errors, "tenant")

	code, _ = ts.do(t, http.MethodGet, "/sequences", nil, headerTenant, "bad tenant!")
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = ts.do(t, http.MethodGet, "/sequences?tenant="+tenant, nil, headerTenant, "")
	assert.Equal(t, http.StatusOK, code)
}

func TestSequenceLifecycle(t *testing.T) {
	ts := newTestServer(t)
	seqID := ts.seed(t, models.ChannelEmail)

	code, env := ts.do(t, http.MethodGet, "/sequences?trigger_event=first_visit", nil)
	require.Equal(t, http.StatusOK, code)
	var seqs []models.Sequence
	decodeResult(t, env, &seqs)
	require.Len(t, seqs, 1)
	assert.Equal(t, seqID, seqs[0].ID)
	assert.Len(t, seqs[0].Steps, 1)

	code, _ = ts.do(t, http.MethodGet, "/sequences?active=maybe", nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code, env = ts.do(t, http.MethodPut, "/sequences/"+seqID, map[string]any{"name": "renamed"})
	require.Equal(t, http.StatusOK, code, env.Message)
	code, env = ts.do(t, http.MethodGet, "/sequences/"+seqID, nil)
	require.Equal(t, http.StatusOK, code)
	var seq models.Sequence
	decodeResult(t, env, &seq)
	assert.Equal(t, "renamed", seq.Name)

	code, _ = ts.do(t, http.MethodDelete, "/sequences/"+seqID, nil)
	require.Equal(t, http.StatusOK, code)
	code, _ = ts.do(t, http.MethodGet, "/sequences/"+seqID, nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestCreateSequenceValidation(t *testing.T) {
	ts := newTestServer(t)
	code, env := ts.do(t, http.MethodPost, "/sequences", map[string]any{"name": "no steps"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "error", env.Status)

	code, _ = ts.do(t, http.MethodPost, "/sequences", "{not json")
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = ts.do(t, http.MethodPatch, "/sequences", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, code)
}

func TestTemplateEndpoints(t *testing.T) {
	ts := newTestServer(t)
	code, env := ts.do(t, http.MethodPost, "/sequences/templates", map[string]any{
		"name": "reminder", "channel": "sms", "content": "See you {{day}}",
	})
	require.Equal(t, http.StatusCreated, code, env.Message)
	var tpl models.Template
	decodeResult(t, env, &tpl)
	assert.Equal(t, []string{"day"}, tpl.Variables)

	code, env = ts.do(t, http.MethodGet, "/sequences/templates?channel=sms", nil)
	require.Equal(t, http.StatusOK, code)
	var tpls []models.Template
	decodeResult(t, env, &tpls)
	assert.Len(t, tpls, 1)

	code, _ = ts.do(t, http.MethodPut, "/sequences/templates/"+tpl.ID, map[string]any{"content": "Bye"})
	assert.Equal(t, http.StatusOK, code)
	code, _ = ts.do(t, http.MethodDelete, "/sequences/templates/"+tpl.ID, nil)
	assert.Equal(t, http.StatusOK, code)
	code, _ = ts.do(t, http.MethodGet, "/sequences/templates/"+tpl.ID, nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestEnrollSingleDuplicateAndBulk(t *testing.T) {
	ts := newTestServer(t)
	seqID := ts.seed(t, models.ChannelEmail)
	e := ts.enroll(t, seqID)
	assert.Equal(t, models.EnrollmentActive, e.Status)

	code, env := ts.do(t, http.MethodPost, "/sequences/enroll", map[string]any{"sequence_id": seqID, "visitor_id": "v1"})
	assert.Equal(t, http.StatusConflict, code)
	var dup sequence.EnrollResult
	decodeResult(t, env, &dup)
	assert.Equal(t, sequence.OutcomeAlreadyEnrolled, dup.Outcome)

	code, env = ts.do(t, http.MethodPost, "/sequences/enroll", map[string]any{
		"sequence_id": seqID,
		"enrollments": []map[string]any{{"visitor_id": "v1"}, {"visitor_id": "ghost"}, {}},
	})
	require.Equal(t, http.StatusOK, code, env.Message)
	var bulk struct {
		Results []sequence.EnrollResult `json:"results"`
		Total   int                     `json:"total"`
	}
	decodeResult(t, env, &bulk)
	require.Equal(t, 3, bulk.Total)
	assert.Equal(t, sequence.OutcomeAlreadyEnrolled, bulk.Results[0].Outcome)
	assert.Equal(t, sequence.OutcomeNotFound, bulk.Results[1].Outcome)
	assert.Equal(t, sequence.OutcomeInvalid, bulk.Results[2].Outcome)

	code, env = ts.do(t, http.MethodPost, "/sequences/enroll", map[string]any{
		"sequence_id": seqID,
		"enrollments": []map[string]any{
			{"visitor_id": "walk-in", "enrollment_data": map[string]any{"email": "walk.in@example.org"}},
			{"visitor_id": "v1"},
		},
	})
	require.Equal(t, http.StatusCreated, code, env.Message)
	decodeResult(t, env, &bulk)
	assert.Equal(t, sequence.OutcomeEnrolled, bulk.Results[0].Outcome)
	assert.Equal(t, models.SubjectRef{Type: models.SubjectVisitor, ID: "v1"}, bulk.Results[1].Subject)

	code, env = ts.do(t, http.MethodGet, "/sequences/enroll?status=active&subject_id=v1", nil)
	require.Equal(t, http.StatusOK, code)
	var ens []models.Enrollment
	decodeResult(t, env, &ens)
	assert.Len(t, ens, 1)

	code, _ = ts.do(t, http.MethodGet, "/sequences/enroll?limit=-1", nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestTriggerEnrollsListeningSequences(t *testing.T) {
	ts := newTestServer(t)
	ts.seed(t, models.ChannelEmail)

	code, env := ts.do(t, http.MethodPost, "/sequences/trigger", map[string]any{"event": "first_visit", "visitor_id": "v1"})
	require.Equal(t, http.StatusOK, code, env.Message)
	var out struct {
		Enrolled int `json:"enrolled"`
	}
	decodeResult(t, env, &out)
	assert.Equal(t, 1, out.Enrolled)

	code, _ = ts.do(t, http.MethodPost, "/sequences/trigger", map[string]any{"visitor_id": "v1"})
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestProcessRequiresElevatedRole(t *testing.T) {
	ts := newTestServer(t)
	seqID := ts.seed(t, models.ChannelEmail)
	ts.enroll(t, seqID)

	code, _ := ts.do(t, http.MethodPost, "/sequences/process", nil, headerRole, "member")
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, 0, ts.email.CallCount())

	code, env := ts.do(t, http.MethodPost, "/sequences/process", nil)
	require.Equal(t, http.StatusOK, code)
	var res sequence.ProcessResult
	decodeResult(t, env, &res)
	assert.Equal(t, 1, res.Processed)
	assert.Equal(t, 1, ts.email.CallCount())

	code, env = ts.do(t, http.MethodGet, "/sequences/process", nil, headerRole, "member")
	require.Equal(t, http.StatusOK, code)
	var st models.ProcessingStatus
	decodeResult(t, env, &st)
	assert.Equal(t, 1, st.Sent)

	code, _ = ts.do(t, http.MethodGet, "/admin/sequences/analytics", nil, headerRole, "")
	assert.Equal(t, http.StatusForbidden, code)
	code, env = ts.do(t, http.MethodGet, "/admin/sequences/analytics", nil, headerRole, "owner")
	require.Equal(t, http.StatusOK, code)
	var stats []models.SequenceAnalytics
	decodeResult(t, env, &stats)
	require.Len(t, stats, 1)
	assert.Equal(t, 1, stats[0].Messages[string(models.MessageSent)])
}

func TestPauseResumeAndCancel(t *testing.T) {
	ts := newTestServer(t)
	seqID := ts.seed(t, models.ChannelEmail)
	e := ts.enroll(t, seqID)

	code, env := ts.do(t, http.MethodPut, "/sequences/"+e.ID+"/pause", nil)
	require.Equal(t, http.StatusOK, code, env.Message)
	var got models.Enrollment
	decodeResult(t, env, &got)
	assert.Equal(t, models.EnrollmentPaused, got.Status)

	code, _ = ts.do(t, http.MethodPut, "/sequences/"+e.ID+"/pause", nil)
	assert.Equal(t, http.StatusConflict, code)

	code, env = ts.do(t, http.MethodDelete, "/sequences/"+e.ID+"/pause", nil)
	require.Equal(t, http.StatusOK, code, env.Message)
	decodeResult(t, env, &got)
	assert.Equal(t, models.EnrollmentActive, got.Status)

	code, env = ts.do(t, http.MethodDelete, "/sequences/enrollments/"+e.ID, map[string]any{"reason": "moved away"})
	require.Equal(t, http.StatusOK, code, env.Message)
	decodeResult(t, env, &got)
	assert.Equal(t, models.EnrollmentCancelled, got.Status)
	assert.Equal(t, "moved away", got.CancelReason)

	code, env = ts.do(t, http.MethodGet, "/sequences/enrollments/"+e.ID+"/messages", nil)
	require.Equal(t, http.StatusOK, code)
	var msgs []models.Message
	decodeResult(t, env, &msgs)
	require.Len(t, msgs, 1)
	assert.Equal(t, models.MessageCancelled, msgs[0].Status)
}

func TestRetryMessageEndpoint(t *testing.T) {
	ts := newTestServer(t)
	seqID := ts.seed(t, models.ChannelEmail)
	ts.enroll(t, seqID)
	ts.email.FailWith = func(messaging.OutboundMessage) error {
		return models.NewDispatchError("mailbox busy", false, nil)
	}
	msgs := ts.sendDue(t)
	require.Len(t, msgs, 1)
	require.Equal(t, models.MessageFailed, msgs[0].Status)

	code, _ := ts.do(t, http.MethodPost, "/sequences/messages/"+msgs[0].ID+"/retry", nil, headerRole, "member")
	assert.Equal(t, http.StatusForbidden, code)

	code, env := ts.do(t, http.MethodPost, "/sequences/messages/"+msgs[0].ID+"/retry", nil)
	require.Equal(t, http.StatusCreated, code, env.Message)
	var retry models.Message
	decodeResult(t, env, &retry)
	assert.Equal(t, models.MessagePending, retry.Status)
	assert.Equal(t, 2, retry.Attempt)
}

func TestUnsubscribeLink(t *testing.T) {
	ts := newTestServer(t)
	seqID := ts.seed(t, models.ChannelEmail)
	e := ts.enroll(t, seqID)

	link := sequence.UnsubscribeURL(publicURL, tenant, "ada@example.org", "", "")
	u, err := url.Parse(link)
	require.NoError(t, err)

	code, env := ts.do(t, http.MethodGet, u.RequestURI(), nil, headerTenant, "", headerRole, "")
	require.Equal(t, http.StatusOK, code, env.Message)
	var res sequence.UnsubscribeResult
	decodeResult(t, env, &res)
	assert.True(t, res.Global)
	assert.Equal(t, 1, res.CancelledEnrollments)

	got, err := ts.store.GetEnrollment(context.Background(), tenant, e.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EnrollmentCancelled, got.Status)

	// Enrolling again is refused.
	code, _ = ts.do(t, http.MethodPost, "/sequences/enroll", map[string]any{"sequence_id": seqID, "visitor_id": "v1"})
	assert.Equal(t, http.StatusForbidden, code)

	code, _ = ts.do(t, http.MethodGet, "/unsubscribe?token=garbage", nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestUnsubscribeByAddressForOneSequence(t *testing.T) {
	ts := newTestServer(t)
	seqID := ts.seed(t, models.ChannelEmail)
	ts.enroll(t, seqID)

	code, env := ts.do(t, http.MethodPost, "/unsubscribe", map[string]any{"email": "ADA@example.org", "sequence_id": seqID})
	require.Equal(t, http.StatusOK, code, env.Message)
	var res sequence.UnsubscribeResult
	decodeResult(t, env, &res)
	assert.False(t, res.Global)
	assert.Equal(t, "ada@example.org", res.Email)
	assert.Equal(t, 1, res.CancelledEnrollments)

	code, _ = ts.do(t, http.MethodPost, "/unsubscribe", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestEmailWebhookRequiresSecret(t *testing.T) {
	ts := newTestServer(t)
	seqID := ts.seed(t, models.ChannelEmail)
	ts.enroll(t, seqID)
	msgs := ts.sendDue(t)
	require.Len(t, msgs, 1)

	payload := fmt.Sprintf(`[{"email":"ada@example.org","event":"delivered","sg_event_id":"ev1","message_id":%q,"timestamp":1740906000}]`, msgs[0].ID)

	code, _ := ts.do(t, http.MethodPost, "/webhooks/email-delivery", payload)
	assert.Equal(t, http.StatusUnauthorized, code)

	code, env := ts.do(t, http.MethodPost, "/webhooks/email-delivery", payload, "Authorization", "Bearer "+hookSecret)
	require.Equal(t, http.StatusOK, code, env.Message)
	assert.Equal(t, "recorded", env.Status)
	var res delivery.Result
	decodeResult(t, env, &res)
	assert.Equal(t, 1, res.Processed)

	// A redelivered event is ignored.
	code, env = ts.do(t, http.MethodPost, "/webhooks/email-delivery?token="+hookSecret, payload)
	require.Equal(t, http.StatusOK, code)
	decodeResult(t, env, &res)
	assert.Equal(t, 0, res.Processed)
	assert.Equal(t, 1, res.Ignored)

	got, err := ts.store.GetMessage(context.Background(), tenant, msgs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, models.MessageDelivered, got.Status)

	code, _ = ts.do(t, http.MethodPost, "/webhooks/email-delivery", "{}", "Authorization", "Bearer "+hookSecret)
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = ts.do(t, http.MethodPost, "/webhooks/email-delivery?provider=postmark", "[]", "Authorization", "Bearer "+hookSecret)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestSMSWebhookVerifiesTwilioSignature(t *testing.T) {
	ts := newTestServer(t)
	seqID := ts.seed(t, models.ChannelSMS)
	ts.enroll(t, seqID)
	msgs := ts.sendDue(t)
	require.Len(t, msgs, 1)
	require.NotEmpty(t, msgs[0].ExternalID)

	target := "/webhooks/sms-delivery?tenant=" + tenant
	form := url.Values{"MessageSid": {msgs[0].ExternalID}, "MessageStatus": {"delivered"}}
	post := func(signature string) int {
		req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("X-Twilio-Signature", signature)
		rr := httptest.NewRecorder()
		ts.handler.ServeHTTP(rr, req)
		return rr.Code
	}

	assert.Equal(t, http.StatusUnauthorized, post("bogus"))
	assert.Equal(t, http.StatusOK, post(testutil.TwilioSignature(twilioToken, publicURL+target, form)))

	got, err := ts.store.GetMessage(context.Background(), tenant, msgs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, models.MessageDelivered, got.Status)
}

func TestSMSWebhookAcceptsSignedPut(t *testing.T) {
	ts := newTestServer(t)
	seqID := ts.seed(t, models.ChannelSMS)
	ts.enroll(t, seqID)
	msgs := ts.sendDue(t)
	require.Len(t, msgs, 1)

	target := "/webhooks/sms-delivery?tenant=" + tenant
	form := url.Values{"MessageSid": {msgs[0].ExternalID}, "MessageStatus": {"delivered"}}
	req := httptest.NewRequest(http.MethodPut, target, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Twilio-Signature", testutil.TwilioSignature(twilioToken, publicURL+target, form))
	rr := httptest.NewRecorder()
	ts.handler.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	got, err := ts.store.GetMessage(context.Background(), tenant, msgs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, models.MessageDelivered, got.Status)

	code, _ := ts.do(t, http.MethodGet, target, nil)
	assert.Equal(t, http.StatusMethodNotAllowed, code)
}

func TestEmailWebhookAsksForRedeliveryWhileSending(t *testing.T) {
	ts := newTestServer(t)
	seqID := ts.seed(t, models.ChannelEmail)
	e := ts.enroll(t, seqID)
	msgs, err := ts.store.ListMessagesForEnrollment(context.Background(), tenant, e.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	claimed, err := ts.store.ClaimDueMessages(context.Background(), tenant, now, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	body := fmt.Sprintf(`[{"email":"ada@example.org","timestamp":%d,"event":"delivered","sg_event_id":"early1","message_id":%q}]`,
		now.Unix(), msgs[0].ID)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/email-delivery?tenant="+tenant, strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+hookSecret)
	rr := httptest.NewRecorder()
	ts.handler.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code, rr.Body.String())
	assert.NotEmpty(t, rr.Header().Get("Retry-After"))

	got, err := ts.store.GetMessage(context.Background(), tenant, msgs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, models.MessageSending, got.Status)
}

func TestSMSWebhookInboundStop(t *testing.T) {
	ts := newTestServer(t)
	seqID := ts.seed(t, models.ChannelSMS)
	e := ts.enroll(t, seqID)

	body := `{"id":"mb1","status":"received"}`
	code, _ := ts.do(t, http.MethodPost, "/webhooks/sms-delivery?provider=messagebird", body)
	assert.Equal(t, http.StatusUnauthorized, code)

	target := "/webhooks/sms-delivery?tenant=" + tenant
	form := url.Values{"MessageSid": {"SMinbound"}, "From": {"+15550001111"}, "Body": {"Stop please"}, "SmsStatus": {"received"}}
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Twilio-Signature", testutil.TwilioSignature(twilioToken, publicURL+target, form))
	rr := httptest.NewRecorder()
	ts.handler.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	got, err := ts.store.GetEnrollment(context.Background(), tenant, e.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EnrollmentCancelled, got.Status)
}

func TestContactEndpointValidates(t *testing.T) {
	ts := newTestServer(t)
	code, _ := ts.do(t, http.MethodPut, "/admin/contacts/visitor/v9", map[string]any{"email": "not-an-email"})
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = ts.do(t, http.MethodPut, "/admin/contacts/pastor/v9", map[string]any{"first_name": "Grace"})
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = ts.do(t, http.MethodPut, "/admin/contacts/visitor", map[string]any{})
	assert.Equal(t, http.StatusNotFound, code)
	code, _ = ts.do(t, http.MethodPut, "/admin/contacts/visitor/v9", map[string]any{"first_name": "Grace"}, headerRole, "member")
	assert.Equal(t, http.StatusForbidden, code)
}

func TestUnknownSequenceEndpoint(t *testing.T) {
	ts := newTestServer(t)
	code, _ := ts.do(t, http.MethodGet, "/sequences/a/b/c", nil)
	assert.Equal(t, http.StatusNotFound, code)
}
