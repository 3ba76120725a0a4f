package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/textproto"
	"strings"

	"github.com/BTreeMap/FollowUp/internal/models"
	"github.com/BTreeMap/FollowUp/internal/util"
	"github.com/badoux/checkmail"
	"github.com/google/uuid"
	"gopkg.in/gomail.v2"
)

// Dialer sends composed messages. *gomail.Dialer satisfies it.
type Dialer interface {
	DialAndSend(m ...*gomail.Message) error
}

// NewSMTPDialer returns a gomail dialer for an SMTP relay such as SendGrid's.
func NewSMTPDialer(host string, port int, username, password string) *gomail.Dialer {
	return gomail.NewDialer(host, port, username, password)
}

// EmailService delivers email through an SMTP dialer.
type EmailService struct {
	dialer Dialer
	from   string
	domain string
}

var _ Service = (*EmailService)(nil)

// NewEmailService creates an EmailService sending from the given address.
func NewEmailService(dialer Dialer, from string) (*EmailService, error) {
	if dialer == nil {
		return nil, fmt.Errorf("email dialer must be provided")
	}
	if err := checkmail.ValidateFormat(from); err != nil {
		return nil, fmt.Errorf("invalid from address %q: %w", from, err)
	}
	domain := from[strings.LastIndexByte(from, '@')+1:]
	return &EmailService{dialer: dialer, from: from, domain: domain}, nil
}

// Channel returns models.ChannelEmail.
func (s *EmailService) Channel() models.Channel {
	return models.ChannelEmail
}

// ValidateAndCanonicalizeRecipient lower-cases the address and checks its format.
func (s *EmailService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	canonical := util.CanonicalEmail(recipient)
	if canonical == "" {
		return "", fmt.Errorf("recipient cannot be empty")
	}
	if err := checkmail.ValidateFormat(canonical); err != nil {
		return "", fmt.Errorf("invalid email address %q: %w", recipient, err)
	}
	return canonical, nil
}

// Send composes and delivers the message. The returned external id is the
// Message-ID header value, which Mailgun reports back verbatim.
func (s *EmailService) Send(ctx context.Context, msg OutboundMessage) (Receipt, error) {
	to, err := s.ValidateAndCanonicalizeRecipient(msg.To)
	if err != nil {
		return Receipt{}, models.NewDispatchError("invalid email recipient", true, err)
	}
	if err := ctx.Err(); err != nil {
		return Receipt{}, models.NewDispatchError("email send cancelled", false, err)
	}

	externalID := uuid.NewString() + "@" + s.domain
	args, _ := json.Marshal(map[string]any{"unique_args": map[string]string{"message_id": msg.MessageID}})
	vars, _ := json.Marshal(map[string]string{"message_id": msg.MessageID})

	m := gomail.NewMessage()
	m.SetHeader("From", s.from)
	m.SetHeader("To", to)
	m.SetHeader("Subject", msg.Subject)
	m.SetHeader("Message-ID", "<"+externalID+">")
	m.SetHeader("X-SMTPAPI", string(args))
	m.SetHeader("X-Mailgun-Variables", string(vars))
	if looksLikeHTML(msg.Body) {
		m.SetBody("text/html", msg.Body)
	} else {
		m.SetBody("text/plain", msg.Body)
	}

	if err := s.dialer.DialAndSend(m); err != nil {
		slog.Error("EmailService.Send failed", "to", to, "messageID", msg.MessageID, "error", err)
		return Receipt{}, models.NewDispatchError("email send failed", isPermanentSMTPError(err), err)
	}
	slog.Debug("EmailService.Send succeeded", "to", to, "messageID", msg.MessageID, "externalID", externalID)
	return Receipt{ExternalID: externalID}, nil
}

func looksLikeHTML(body string) bool {
	return strings.Contains(body, "</") || strings.Contains(body, "<br")
}

// isPermanentSMTPError reports 5xx replies, which reject the message for good.
func isPermanentSMTPError(err error) bool {
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) {
		return tpErr.Code >= 500 && tpErr.Code < 600
	}
	return false
}
