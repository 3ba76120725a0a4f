package delivery

import (
	"net/url"
	"testing"
	"time"

	"github.com/BTreeMap/FollowUp/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewNormalizerDefaultsAndRejections(t *testing.T) {
	n, err := NewNormalizer("", models.ChannelEmail)
	require.NoError(t, err)
	assert.Equal(t, ProviderSendGrid, n.Provider())

	n, err = NewNormalizer("", models.ChannelSMS)
	require.NoError(t, err)
	assert.Equal(t, ProviderTwilio, n.Provider())

	n, err = NewNormalizer(" Mailgun ", models.ChannelEmail)
	require.NoError(t, err)
	assert.Equal(t, ProviderMailgun, n.Provider())

	_, err = NewNormalizer("postmark", models.ChannelEmail)
	assert.True(t, models.IsKind(err, models.KindValidation))

	_, err = NewNormalizer(ProviderTwilio, models.ChannelEmail)
	assert.True(t, models.IsKind(err, models.KindValidation))
}

func TestSendGridNormalize(t *testing.T) {
	body := `[
		{"email":"Ada@Example.org","timestamp":1740906000,"event":"delivered","sg_event_id":"ev1",
		 "sg_message_id":"sg.1","smtp-id":"<abc@example.org>","message_id":"msg_1"},
		{"email":"ada@example.org","timestamp":1740906060,"event":"click","sg_message_id":"sg.1","url":"https://x.test/a"},
		{"email":"ada@example.org","timestamp":1740906120,"event":"processed"},
		{"email":"ada@example.org","timestamp":1740906180,"event":"spamreport","sg_event_id":"ev4"}
	]`
	events, err := sendGridNormalizer{}.Normalize(Payload{Body: []byte(body)})
	require.NoError(t, err)
	require.Len(t, events, 4)

	first := events[0]
	assert.Equal(t, EventDelivered, first.Type)
	assert.Equal(t, "abc@example.org", first.ExternalMessageID)
	assert.Equal(t, "msg_1", first.InternalMessageID)
	assert.Equal(t, "sendgrid:ev1", first.EventKey)
	assert.Equal(t, time.Unix(1740906000, 0).UTC(), first.Timestamp)

	click := events[1]
	assert.Equal(t, EventClick, click.Type)
	assert.Equal(t, "sg.1", click.ExternalMessageID, "sg_message_id is the fallback id")
	assert.Equal(t, "https://x.test/a", click.URL)
	assert.NotEmpty(t, click.EventKey)

	assert.Equal(t, EventIgnored, events[2].Type)
	assert.Equal(t, EventComplained, events[3].Type)

	_, err = sendGridNormalizer{}.Normalize(Payload{Body: []byte(`{"event":"delivered"}`)})
	assert.True(t, models.IsKind(err, models.KindWebhookPayload))
}

func TestSendGridEventKeyIsStable(t *testing.T) {
	body := []byte(`[{"email":"a@example.org","timestamp":1740906000,"event":"open","sg_message_id":"sg.9"}]`)
	a, err := sendGridNormalizer{}.Normalize(Payload{Body: body})
	require.NoError(t, err)
	b, err := sendGridNormalizer{}.Normalize(Payload{Body: body})
	require.NoError(t, err)
	assert.Equal(t, a[0].EventKey, b[0].EventKey)
}

func TestMailgunNormalize(t *testing.T) {
	tests := []struct {
		name     string
		event    string
		severity string
		want     EventType
	}{
		{"delivered", "delivered", "", EventDelivered},
		{"permanent failure", "failed", "permanent", EventBounce},
		{"temporary failure", "failed", "temporary", EventIgnored},
		{"opened", "opened", "", EventOpen},
		{"unsubscribed", "unsubscribed", "", EventUnsubscribe},
		{"complained", "complained", "", EventComplained},
		{"accepted", "accepted", "", EventIgnored},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := `{"signature":{},"event-data":{"id":"mg1","event":"` + tt.event + `","severity":"` + tt.severity + `",
				"timestamp":1740906000.5,"recipient":"ada@example.org",
				"message":{"headers":{"message-id":"abc@example.org"}},
				"user-variables":{"message_id":"msg_7"},
				"delivery-status":{"code":550,"description":"mailbox unavailable"}}}`
			events, err := mailgunNormalizer{}.Normalize(Payload{Body: []byte(body)})
			require.NoError(t, err)
			require.Len(t, events, 1)
			ev := events[0]
			assert.Equal(t, tt.want, ev.Type)
			assert.Equal(t, "abc@example.org", ev.ExternalMessageID)
			assert.Equal(t, "msg_7", ev.InternalMessageID)
			assert.Equal(t, "mailbox unavailable", ev.Reason)
			assert.Equal(t, "mailgun:mg1", ev.EventKey)
			assert.Equal(t, int64(500_000_000), int64(ev.Timestamp.Nanosecond()))
		})
	}

	_, err := mailgunNormalizer{}.Normalize(Payload{Body: []byte(`{"signature":{}}`)})
	assert.True(t, models.IsKind(err, models.KindWebhookPayload))
}

func TestTwilioNormalize(t *testing.T) {
	status := url.Values{
		"MessageSid":    {"SM1"},
		"MessageStatus": {"undelivered"},
		"ErrorCode":     {"30006"},
		"To":            {"+15550001111"},
	}
	events, err := twilioNormalizer{}.Normalize(Payload{Form: status})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, EventUndelivered, events[0].Type)
	assert.Equal(t, 30006, events[0].ErrorCode)
	assert.Equal(t, "+15550001111", events[0].Address)
	assert.Equal(t, "twilio:SM1:undelivered", events[0].EventKey)

	inbound := url.Values{
		"MessageSid": {"SM2"},
		"From":       {"+15550001111"},
		"Body":       {"STOP please"},
	}
	events, err = twilioNormalizer{}.Normalize(Payload{Form: inbound})
	require.NoError(t, err)
	assert.Equal(t, EventInbound, events[0].Type)
	assert.Equal(t, "STOP please", events[0].Body)
	assert.Equal(t, "+15550001111", events[0].Address)

	queued := url.Values{"MessageSid": {"SM3"}, "MessageStatus": {"queued"}}
	events, err = twilioNormalizer{}.Normalize(Payload{Form: queued})
	require.NoError(t, err)
	assert.Equal(t, EventIgnored, events[0].Type)

	_, err = twilioNormalizer{}.Normalize(Payload{Form: url.Values{}})
	assert.True(t, models.IsKind(err, models.KindWebhookPayload))
}

func TestMessageBirdNormalize(t *testing.T) {
	body := `{"id":"mb1","recipient":15550001111,"status":"delivery_failed","statusErrorCode":1,
		"statusDatetime":"2025-03-02T09:05:00+00:00","reference":"msg_3"}`
	events, err := messageBirdNormalizer{}.Normalize(Payload{Body: []byte(body)})
	require.NoError(t, err)
	require.Len(t, events, 1)
	ev := events[0]
	assert.Equal(t, EventUndelivered, ev.Type)
	assert.Equal(t, "15550001111", ev.Address)
	assert.Equal(t, 1, ev.ErrorCode)
	assert.Equal(t, "msg_3", ev.InternalMessageID)
	assert.Equal(t, time.Date(2025, 3, 2, 9, 5, 0, 0, time.UTC), ev.Timestamp)
	assert.True(t, isPermanentSMSCode(ProviderMessageBird, ev.ErrorCode))
	assert.False(t, isPermanentSMSCode(ProviderMessageBird, 27))
	assert.True(t, isPermanentSMSCode(ProviderTwilio, 21610))
	assert.False(t, isPermanentSMSCode(ProviderTwilio, 30001))
}

func TestHasStopKeyword(t *testing.T) {
	for body, want := range map[string]bool{
		"STOP":               true,
		"please Unsubscribe": true,
		"i quit":             true,
		"Cancel":             true,
		"see you sunday":     false,
		"":                   false,
	} {
		assert.Equal(t, want, HasStopKeyword(body), body)
	}
}
