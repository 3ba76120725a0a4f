package sequence

import (
	"context"
	"encoding/base64"
	"net/url"
	"testing"

	"github.com/BTreeMap/FollowUp/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeUnsubscribeToken(t *testing.T) {
	payload := []byte(`{"email":"ada@example.org","sequenceId":"seq_1"}`)
	variants := map[string]string{
		"std padded": base64.StdEncoding.EncodeToString(payload),
		"url padded": base64.URLEncoding.EncodeToString(payload),
		"std raw":    base64.RawStdEncoding.EncodeToString(payload),
		"url raw":    base64.RawURLEncoding.EncodeToString(payload),
	}
	for name, token := range variants {
		t.Run(name, func(t *testing.T) {
			req, err := DecodeUnsubscribeToken(token)
			require.NoError(t, err)
			assert.Equal(t, "ada@example.org", req.Email)
			assert.Equal(t, "seq_1", req.SequenceID)
		})
	}

	req, err := DecodeUnsubscribeToken(EncodeUnsubscribeToken("", "+15550001111", ""))
	require.NoError(t, err)
	assert.Equal(t, "+15550001111", req.Phone)

	for _, bad := range []string{"", "%%%not-base64%%%", base64.StdEncoding.EncodeToString([]byte("not json")),
		base64.StdEncoding.EncodeToString([]byte(`{"sequenceId":"seq_1"}`))} {
		_, err := DecodeUnsubscribeToken(bad)
		require.Error(t, err, bad)
		var de *models.DomainError
		require.ErrorAs(t, err, &de)
		assert.Equal(t, "Invalid unsubscribe token", de.Message)
		assert.Equal(t, models.KindValidation, de.Kind)
	}
}

func TestUnsubscribeURL(t *testing.T) {
	assert.Empty(t, UnsubscribeURL("", "church_a", "a@example.org", "", ""))
	link := UnsubscribeURL("https://followup.example.org/", "church_a", "a@example.org", "", "")
	u, err := url.Parse(link)
	require.NoError(t, err)
	assert.Equal(t, "/unsubscribe", u.Path)
	assert.Equal(t, "church_a", u.Query().Get("tenant"))
	req, err := DecodeUnsubscribeToken(u.Query().Get("token"))
	require.NoError(t, err)
	assert.Equal(t, "a@example.org", req.Email)
}

func TestGlobalUnsubscribeCancelsAllSequences(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.addContact(t, models.SubjectVisitor, "v1", "v1@example.org", "+1 555 000 1111")
	first := env.emailSequence(t, 0, 0)
	second := env.emailSequence(t, 0, 0)
	a := env.enrollVisitor(t, first, "v1")
	b := env.enrollVisitor(t, second, "v1")

	res, err := env.manager.Unsubscribe(ctx, testTenant, UnsubscribeRequest{Email: " V1@Example.org "})
	require.NoError(t, err)
	assert.True(t, res.Global)
	assert.Equal(t, 2, res.CancelledEnrollments)

	for _, id := range []string{a.ID, b.ID} {
		en := env.enrollment(t, id)
		assert.Equal(t, models.EnrollmentCancelled, en.Status)
		assert.Equal(t, "unsubscribed", en.CancelReason)
	}
	pref, err := env.store.GetPreference(ctx, testTenant, "v1@example.org")
	require.NoError(t, err)
	require.NotNil(t, pref)
	assert.True(t, pref.GlobalUnsubscribe)
	assert.False(t, pref.EmailEnabled)
	assert.True(t, pref.SMSEnabled)
	require.NotNil(t, pref.UnsubscribedAt)

	again, err := env.manager.Unsubscribe(ctx, testTenant, UnsubscribeRequest{Email: "v1@example.org"})
	require.NoError(t, err, "repeat unsubscribe succeeds")
	assert.Equal(t, 0, again.CancelledEnrollments)
}

func TestSequenceUnsubscribeLeavesOthersRunning(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.addContact(t, models.SubjectVisitor, "v1", "v1@example.org", "")
	first := env.emailSequence(t, 0, 0)
	second := env.emailSequence(t, 0, 0)
	a := env.enrollVisitor(t, first, "v1")
	b := env.enrollVisitor(t, second, "v1")

	res, err := env.manager.Unsubscribe(ctx, testTenant, UnsubscribeRequest{Email: "v1@example.org", SequenceID: first.ID})
	require.NoError(t, err)
	assert.False(t, res.Global)
	assert.Equal(t, 1, res.CancelledEnrollments)

	assert.Equal(t, models.EnrollmentCancelled, env.enrollment(t, a.ID).Status)
	assert.Equal(t, models.EnrollmentActive, env.enrollment(t, b.ID).Status)

	optedOut, err := env.store.IsSequenceOptedOut(ctx, testTenant, "v1@example.org", first.ID)
	require.NoError(t, err)
	assert.True(t, optedOut)
	pref, err := env.store.GetPreference(ctx, testTenant, "v1@example.org")
	require.NoError(t, err)
	assert.Nil(t, pref)
}

func TestUnsubscribeRequiresAddress(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.manager.Unsubscribe(context.Background(), testTenant, UnsubscribeRequest{SequenceID: "seq_1"})
	assert.True(t, models.IsKind(err, models.KindValidation))
}

func TestChannelOnlyOptOutKeepsEnrollments(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.addContact(t, models.SubjectVisitor, "v1", "v1@example.org", "+15550001111")
	seq := env.emailSequence(t, 0, 0)
	en := env.enrollVisitor(t, seq, "v1")

	n, err := env.manager.ApplyOptOut(ctx, testTenant, OptOut{Phone: "+15550001111", ChannelOnly: true, Reason: "invalid number"})
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, models.EnrollmentActive, env.enrollment(t, en.ID).Status)

	pref, err := env.store.GetPreference(ctx, testTenant, "+15550001111")
	require.NoError(t, err)
	require.NotNil(t, pref)
	assert.False(t, pref.SMSEnabled)
	assert.False(t, pref.GlobalUnsubscribe)
	assert.Equal(t, models.AddressPhone, pref.AddressType)
}
