// Package delivery reconciles asynchronous provider callbacks with the
// message and enrollment state written by the sequence processor.
package delivery

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/FollowUp/internal/models"
)

// EventType is a provider event reduced to the engine's vocabulary.
type EventType string

const (
	EventDelivered   EventType = "delivered"
	EventBounce      EventType = "bounce"
	EventDropped     EventType = "dropped"
	EventFailed      EventType = "failed"
	EventUndelivered EventType = "undelivered"
	EventOpen        EventType = "open"
	EventClick       EventType = "click"
	EventUnsubscribe EventType = "unsubscribe"
	EventComplained  EventType = "complained"
	EventInbound     EventType = "inbound"
	// EventIgnored covers informational events (queued, processed, deferred).
	EventIgnored EventType = "ignored"
)

// Provider names accepted in the provider query parameter.
const (
	ProviderSendGrid    = "sendgrid"
	ProviderMailgun     = "mailgun"
	ProviderTwilio      = "twilio"
	ProviderMessageBird = "messagebird"
)

// Event is one normalized provider callback.
type Event struct {
	Provider string
	Channel  models.Channel
	// Address is the recipient of the outbound message, or the sender of an
	// inbound SMS.
	Address           string
	Type              EventType
	Timestamp         time.Time
	ExternalMessageID string
	// InternalMessageID is our message id when the provider echoes custom
	// arguments back.
	InternalMessageID string
	Reason            string
	URL               string
	ErrorCode         int
	Body              string
	EventKey          string
}

// Payload is the raw webhook input. JSON providers read Body; form-encoded
// providers read Form.
type Payload struct {
	Body []byte
	Form url.Values
}

// Normalizer converts one provider's payload into events.
type Normalizer interface {
	Provider() string
	Channel() models.Channel
	Normalize(p Payload) ([]Event, error)
}

// NewNormalizer picks the normalizer for provider on the channel. An empty
// provider selects the channel default: sendgrid for email, twilio for SMS.
func NewNormalizer(provider string, ch models.Channel) (Normalizer, error) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	if provider == "" {
		provider = ProviderSendGrid
		if ch == models.ChannelSMS {
			provider = ProviderTwilio
		}
	}
	var n Normalizer
	switch provider {
	case ProviderSendGrid:
		n = sendGridNormalizer{}
	case ProviderMailgun:
		n = mailgunNormalizer{}
	case ProviderTwilio:
		n = twilioNormalizer{}
	case ProviderMessageBird:
		n = messageBirdNormalizer{}
	default:
		return nil, models.NewValidationError("Unknown delivery provider", map[string]string{"provider": provider})
	}
	if n.Channel() != ch {
		return nil, models.NewValidationError("Provider does not serve this channel",
			map[string]string{"provider": fmt.Sprintf("%s is a %s provider", provider, n.Channel())})
	}
	return n, nil
}

// SendGrid posts a JSON array of events. Custom arguments set through
// X-SMTPAPI unique_args appear as top-level fields.
type sendGridNormalizer struct{}

type sendGridEvent struct {
	Email       string `json:"email"`
	Timestamp   int64  `json:"timestamp"`
	Event       string `json:"event"`
	SGMessageID string `json:"sg_message_id"`
	SGEventID   string `json:"sg_event_id"`
	SMTPID      string `json:"smtp-id"`
	MessageID   string `json:"message_id"`
	Reason      string `json:"reason"`
	Response    string `json:"response"`
	Status      string `json:"status"`
	URL         string `json:"url"`
}

func (sendGridNormalizer) Provider() string        { return ProviderSendGrid }
func (sendGridNormalizer) Channel() models.Channel { return models.ChannelEmail }

func (sendGridNormalizer) Normalize(p Payload) ([]Event, error) {
	var raw []sendGridEvent
	if err := json.Unmarshal(p.Body, &raw); err != nil {
		return nil, models.NewWebhookPayloadError("SendGrid payload must be a JSON array of events", err)
	}
	out := make([]Event, 0, len(raw))
	for _, r := range raw {
		ev := Event{
			Provider:          ProviderSendGrid,
			Channel:           models.ChannelEmail,
			Address:           r.Email,
			Type:              sendGridType(r.Event),
			Timestamp:         unixTime(float64(r.Timestamp)),
			ExternalMessageID: stripAngles(r.SMTPID),
			InternalMessageID: r.MessageID,
			Reason:            firstNonEmpty(r.Reason, r.Response, r.Status),
			URL:               r.URL,
		}
		if ev.ExternalMessageID == "" {
			ev.ExternalMessageID = r.SGMessageID
		}
		ev.EventKey = eventKey(ProviderSendGrid, r.SGEventID, ev)
		out = append(out, ev)
	}
	return out, nil
}

func sendGridType(event string) EventType {
	switch strings.ToLower(event) {
	case "delivered":
		return EventDelivered
	case "bounce":
		return EventBounce
	case "dropped":
		return EventDropped
	case "open":
		return EventOpen
	case "click":
		return EventClick
	case "unsubscribe", "group_unsubscribe":
		return EventUnsubscribe
	case "spamreport":
		return EventComplained
	}
	return EventIgnored
}

// Mailgun posts {"signature": {...}, "event-data": {...}}.
type mailgunNormalizer struct{}

type mailgunEnvelope struct {
	EventData *mailgunEvent `json:"event-data"`
}

type mailgunEvent struct {
	ID        string  `json:"id"`
	Event     string  `json:"event"`
	Severity  string  `json:"severity"`
	Timestamp float64 `json:"timestamp"`
	Recipient string  `json:"recipient"`
	Reason    string  `json:"reason"`
	URL       string  `json:"url"`
	Message   struct {
		Headers struct {
			MessageID string `json:"message-id"`
		} `json:"headers"`
	} `json:"message"`
	UserVariables  map[string]any `json:"user-variables"`
	DeliveryStatus struct {
		Code        int    `json:"code"`
		Message     string `json:"message"`
		Description string `json:"description"`
	} `json:"delivery-status"`
}

func (mailgunNormalizer) Provider() string        { return ProviderMailgun }
func (mailgunNormalizer) Channel() models.Channel { return models.ChannelEmail }

func (mailgunNormalizer) Normalize(p Payload) ([]Event, error) {
	var env mailgunEnvelope
	if err := json.Unmarshal(p.Body, &env); err != nil {
		return nil, models.NewWebhookPayloadError("Mailgun payload is not valid JSON", err)
	}
	if env.EventData == nil {
		return nil, models.NewWebhookPayloadError("Mailgun payload has no event-data", nil)
	}
	r := env.EventData
	ev := Event{
		Provider:          ProviderMailgun,
		Channel:           models.ChannelEmail,
		Address:           r.Recipient,
		Type:              mailgunType(r.Event, r.Severity),
		Timestamp:         unixTime(r.Timestamp),
		ExternalMessageID: stripAngles(r.Message.Headers.MessageID),
		Reason:            firstNonEmpty(r.DeliveryStatus.Description, r.DeliveryStatus.Message, r.Reason),
		URL:               r.URL,
		ErrorCode:         r.DeliveryStatus.Code,
	}
	if id, ok := r.UserVariables["message_id"].(string); ok {
		ev.InternalMessageID = id
	}
	ev.EventKey = eventKey(ProviderMailgun, r.ID, ev)
	return []Event{ev}, nil
}

func mailgunType(event, severity string) EventType {
	switch strings.ToLower(event) {
	case "delivered":
		return EventDelivered
	case "failed":
		// Temporary failures are retried by Mailgun itself.
		if strings.EqualFold(severity, "permanent") {
			return EventBounce
		}
		return EventIgnored
	case "rejected":
		return EventDropped
	case "opened":
		return EventOpen
	case "clicked":
		return EventClick
	case "unsubscribed":
		return EventUnsubscribe
	case "complained":
		return EventComplained
	}
	return EventIgnored
}

// Twilio posts form-encoded status callbacks and inbound messages to the
// same webhook.
type twilioNormalizer struct{}

func (twilioNormalizer) Provider() string        { return ProviderTwilio }
func (twilioNormalizer) Channel() models.Channel { return models.ChannelSMS }

func (twilioNormalizer) Normalize(p Payload) ([]Event, error) {
	form := p.Form
	sid := firstNonEmpty(form.Get("MessageSid"), form.Get("SmsSid"))
	if sid == "" {
		return nil, models.NewWebhookPayloadError("Twilio payload has no MessageSid", nil)
	}
	status := strings.ToLower(firstNonEmpty(form.Get("MessageStatus"), form.Get("SmsStatus")))
	ev := Event{
		Provider:          ProviderTwilio,
		Channel:           models.ChannelSMS,
		ExternalMessageID: sid,
		Reason:            form.Get("ErrorMessage"),
	}
	if code, err := strconv.Atoi(form.Get("ErrorCode")); err == nil {
		ev.ErrorCode = code
	}
	if status == "received" || (status == "" && form.Has("Body")) {
		ev.Type = EventInbound
		ev.Address = form.Get("From")
		ev.Body = form.Get("Body")
		ev.EventKey = "twilio:inbound:" + sid
		return []Event{ev}, nil
	}
	ev.Address = form.Get("To")
	switch status {
	case "delivered", "read":
		ev.Type = EventDelivered
	case "undelivered":
		ev.Type = EventUndelivered
	case "failed":
		ev.Type = EventFailed
	default:
		ev.Type = EventIgnored
	}
	if ev.Reason == "" && ev.ErrorCode != 0 {
		ev.Reason = fmt.Sprintf("Twilio error %d", ev.ErrorCode)
	}
	ev.EventKey = "twilio:" + sid + ":" + status
	return []Event{ev}, nil
}

// MessageBird posts a JSON status report per message.
type messageBirdNormalizer struct{}

type messageBirdReport struct {
	ID              string          `json:"id"`
	Reference       string          `json:"reference"`
	Recipient       json.RawMessage `json:"recipient"`
	Status          string          `json:"status"`
	StatusReason    string          `json:"statusReason"`
	StatusDatetime  string          `json:"statusDatetime"`
	StatusErrorCode *int            `json:"statusErrorCode"`
}

func (messageBirdNormalizer) Provider() string        { return ProviderMessageBird }
func (messageBirdNormalizer) Channel() models.Channel { return models.ChannelSMS }

func (messageBirdNormalizer) Normalize(p Payload) ([]Event, error) {
	var r messageBirdReport
	if err := json.Unmarshal(p.Body, &r); err != nil {
		return nil, models.NewWebhookPayloadError("MessageBird payload is not valid JSON", err)
	}
	if r.ID == "" {
		return nil, models.NewWebhookPayloadError("MessageBird payload has no id", nil)
	}
	ev := Event{
		Provider:          ProviderMessageBird,
		Channel:           models.ChannelSMS,
		Address:           rawScalar(r.Recipient),
		ExternalMessageID: r.ID,
		InternalMessageID: r.Reference,
		Reason:            r.StatusReason,
	}
	if t, err := time.Parse(time.RFC3339, r.StatusDatetime); err == nil {
		ev.Timestamp = t.UTC()
	}
	if r.StatusErrorCode != nil {
		ev.ErrorCode = *r.StatusErrorCode
	}
	switch strings.ToLower(r.Status) {
	case "delivered":
		ev.Type = EventDelivered
	case "delivery_failed":
		ev.Type = EventUndelivered
	case "expired":
		ev.Type = EventFailed
	default:
		ev.Type = EventIgnored
	}
	ev.EventKey = "messagebird:" + r.ID + ":" + strings.ToLower(r.Status) + ":" + r.StatusDatetime
	return []Event{ev}, nil
}

// rawScalar renders a JSON string or number as text. MessageBird sends
// recipients as numbers.
func rawScalar(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

// eventKey prefers the provider's own event id and otherwise hashes the
// fields that identify the event.
func eventKey(provider, providerEventID string, ev Event) string {
	if providerEventID != "" {
		return provider + ":" + providerEventID
	}
	sum := sha256.Sum256([]byte(strings.Join([]string{
		provider, ev.ExternalMessageID, ev.InternalMessageID, ev.Address, string(ev.Type),
		strconv.FormatInt(ev.Timestamp.UnixNano(), 10), ev.URL,
	}, "|")))
	return provider + ":" + hex.EncodeToString(sum[:16])
}

func unixTime(sec float64) time.Time {
	if sec <= 0 {
		return time.Time{}
	}
	whole, frac := math.Modf(sec)
	return time.Unix(int64(whole), int64(frac*1e9)).UTC()
}

func stripAngles(id string) string {
	return strings.TrimSuffix(strings.TrimPrefix(strings.TrimSpace(id), "<"), ">")
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
