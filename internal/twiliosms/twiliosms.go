// Package twiliosms wraps the Twilio Messaging API for SMS delivery.
package twiliosms

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/twilio/twilio-go"
	twilioclient "github.com/twilio/twilio-go/client"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

// Sender sends a single SMS and returns the provider message SID.
type Sender interface {
	SendSMS(ctx context.Context, to, body string) (string, error)
}

// Opts holds configuration options for the Twilio SMS client.
type Opts struct {
	AccountSID     string
	AuthToken      string
	FromNumber     string
	StatusCallback string
}

// Option defines a configuration option for the Twilio SMS client.
type Option func(*Opts)

// WithAccountSID sets the Twilio account SID.
func WithAccountSID(sid string) Option {
	return func(o *Opts) { o.AccountSID = sid }
}

// WithAuthToken sets the Twilio auth token.
func WithAuthToken(token string) Option {
	return func(o *Opts) { o.AuthToken = token }
}

// WithFromNumber sets the sending phone number in E.164 form.
func WithFromNumber(from string) Option {
	return func(o *Opts) { o.FromNumber = from }
}

// WithStatusCallback sets the URL Twilio posts delivery status updates to.
func WithStatusCallback(url string) Option {
	return func(o *Opts) { o.StatusCallback = url }
}

// Client wraps the Twilio REST API for SMS.
type Client struct {
	client         *twilio.RestClient
	from           string
	statusCallback string
}

var _ Sender = (*Client)(nil)

// NewClient creates a Twilio SMS client.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("twiliosms.NewClient: config loaded",
		"AccountSID_set", cfg.AccountSID != "",
		"AuthToken_set", cfg.AuthToken != "",
		"FromNumber_set", cfg.FromNumber != "",
		"StatusCallback_set", cfg.StatusCallback != "")

	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("account SID and auth token must be provided")
	}
	if cfg.FromNumber == "" {
		return nil, fmt.Errorf("from number must be provided")
	}

	rest := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return &Client{client: rest, from: cfg.FromNumber, statusCallback: cfg.StatusCallback}, nil
}

// SendSMS sends body to the given number and returns the message SID.
func (c *Client) SendSMS(ctx context.Context, to, body string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	params := &twilioApi.CreateMessageParams{}
	params.SetTo(to)
	params.SetFrom(c.from)
	params.SetBody(body)
	if c.statusCallback != "" {
		params.SetStatusCallback(c.statusCallback)
	}

	resp, err := c.client.Api.CreateMessage(params)
	if err != nil {
		slog.Error("twiliosms.Client.SendSMS failed", "to", to, "error", err)
		return "", fmt.Errorf("failed to send sms to %s: %w", to, err)
	}
	sid := ""
	if resp != nil && resp.Sid != nil {
		sid = *resp.Sid
	}
	slog.Debug("twiliosms.Client.SendSMS succeeded", "to", to, "sid", sid)
	return sid, nil
}

// permanentCodes are Twilio error codes that retrying cannot fix: invalid or
// unreachable numbers, opted-out recipients and carrier blocks.
var permanentCodes = map[int]bool{
	21211: true, // invalid 'To' number
	21214: true, // 'To' number cannot be reached
	21610: true, // recipient replied STOP
	21612: true, // 'To' number not currently reachable via SMS
	21614: true, // 'To' number is not a valid mobile number
	30004: true, // message blocked
	30005: true, // unknown destination handset
	30006: true, // landline or unreachable carrier
}

// IsPermanentCode reports whether a Twilio error code marks the number as undeliverable.
func IsPermanentCode(code int) bool {
	return permanentCodes[code]
}

// ErrorCode extracts the Twilio error code from err, if it carries one.
func ErrorCode(err error) (int, bool) {
	var restErr *twilioclient.TwilioRestError
	if errors.As(err, &restErr) {
		return restErr.Code, true
	}
	return 0, false
}

// MockClient records sends for tests.
type MockClient struct {
	mu           sync.Mutex
	SentMessages []SentMessage
	// Err, when set, is returned by every send.
	Err error
}

// SentMessage is one recorded SMS.
type SentMessage struct {
	To   string
	Body string
	SID  string
}

var _ Sender = (*MockClient)(nil)

// NewMockClient creates an empty MockClient.
func NewMockClient() *MockClient {
	return &MockClient{SentMessages: []SentMessage{}}
}

// SendSMS records the message and returns a synthetic SID.
func (m *MockClient) SendSMS(ctx context.Context, to, body string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return "", m.Err
	}
	sid := fmt.Sprintf("SM%032d", len(m.SentMessages)+1)
	m.SentMessages = append(m.SentMessages, SentMessage{To: to, Body: body, SID: sid})
	return sid, nil
}

// Sent returns a copy of the recorded messages.
func (m *MockClient) Sent() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentMessage(nil), m.SentMessages...)
}
