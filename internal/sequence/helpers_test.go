package sequence

import (
	"context"
	"testing"
	"time"

	"github.com/BTreeMap/FollowUp/internal/messaging"
	"github.com/BTreeMap/FollowUp/internal/models"
	"github.com/BTreeMap/FollowUp/internal/store"
	"github.com/BTreeMap/FollowUp/internal/testutil"
	"github.com/stretchr/testify/require"
)

const testTenant = "church_a"

var baseTime = time.Date(2025, 3, 2, 9, 0, 0, 0, time.UTC)

type testEnv struct {
	store     *store.SQLiteStore
	email     *messaging.MockService
	sms       *messaging.MockService
	templates *TemplateService
	defs      *DefinitionService
	manager   *EnrollmentManager
	proc      *Processor
	contacts  *StoreResolver
	clk       *testutil.Clock
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st := testutil.NewSQLiteStore(t)
	env := &testEnv{
		store: st,
		email: messaging.NewMockService(models.ChannelEmail),
		sms:   messaging.NewMockService(models.ChannelSMS),
		clk:   testutil.NewClock(baseTime),
	}
	opts := []Option{
		WithClock(env.clock),
		WithPublicBaseURL("https://followup.example.org"),
	}
	env.templates = NewTemplateService(st, opts...)
	env.defs = NewDefinitionService(st, opts...)
	env.manager = NewEnrollmentManager(st, opts...)
	env.proc = NewProcessor(st, messaging.NewRegistry(env.email, env.sms), opts...)
	env.contacts = NewStoreResolver(st, opts...)
	return env
}

func (e *testEnv) clock() time.Time {
	return e.clk.Now()
}

func (e *testEnv) advance(d time.Duration) {
	e.clk.Advance(d)
}

func (e *testEnv) addContact(t *testing.T, typ models.SubjectType, id, email, phone string) {
	t.Helper()
	err := e.contacts.Upsert(context.Background(), &models.Contact{
		TenantID:    testTenant,
		SubjectType: typ,
		SubjectID:   id,
		FirstName:   "Ada",
		LastName:    "Lovelace",
		Email:       email,
		Phone:       phone,
		Attributes:  map[string]any{"church_name": "Grace Chapel"},
	})
	require.NoError(t, err)
}

func (e *testEnv) emailTemplate(t *testing.T, subject, content string) *models.Template {
	t.Helper()
	tpl, err := e.templates.CreateTemplate(context.Background(), testTenant, "staff_1", TemplateInput{
		Name:    "email " + subject,
		Channel: models.ChannelEmail,
		Subject: subject,
		Content: content,
	})
	require.NoError(t, err)
	return tpl
}

func (e *testEnv) smsTemplate(t *testing.T, content string) *models.Template {
	t.Helper()
	tpl, err := e.templates.CreateTemplate(context.Background(), testTenant, "staff_1", TemplateInput{
		Name:    "sms",
		Channel: models.ChannelSMS,
		Content: content,
	})
	require.NoError(t, err)
	return tpl
}

// emailSequence creates an active sequence with one email step per delay.
func (e *testEnv) emailSequence(t *testing.T, startDelay int, delays ...int) *models.Sequence {
	t.Helper()
	tpl := e.emailTemplate(t, "Welcome {{first_name}}", "Hi {{first_name}}, see you at {{church_name}}.")
	in := SequenceInput{
		Name:              "visitor follow-up",
		TriggerEvent:      "visit_scheduled",
		StartDelayMinutes: startDelay,
	}
	for _, d := range delays {
		in.Steps = append(in.Steps, StepInput{TemplateID: tpl.ID, DelayAfterPreviousMinutes: d})
	}
	seq, err := e.defs.CreateSequence(context.Background(), testTenant, "staff_1", in)
	require.NoError(t, err)
	return seq
}

func (e *testEnv) enrollVisitor(t *testing.T, seq *models.Sequence, visitorID string) *models.Enrollment {
	t.Helper()
	res, err := e.manager.Enroll(context.Background(), testTenant, EnrollRequest{SequenceID: seq.ID, VisitorID: visitorID})
	require.NoError(t, err)
	require.Equal(t, OutcomeEnrolled, res.Outcome, res.Reason)
	return res.Enrollment
}

func (e *testEnv) messages(t *testing.T, enrollmentID string) []models.Message {
	t.Helper()
	msgs, err := e.store.ListMessagesForEnrollment(context.Background(), testTenant, enrollmentID)
	require.NoError(t, err)
	return msgs
}

func (e *testEnv) enrollment(t *testing.T, id string) *models.Enrollment {
	t.Helper()
	en, err := e.store.GetEnrollment(context.Background(), testTenant, id)
	require.NoError(t, err)
	require.NotNil(t, en)
	return en
}
