package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BTreeMap/FollowUp/internal/models"
	"github.com/BTreeMap/FollowUp/internal/twiliosms"
	"github.com/BTreeMap/FollowUp/internal/util"
)

const minPhoneDigits = 6

// SMSService delivers SMS through a Twilio sender.
type SMSService struct {
	client twiliosms.Sender
}

var _ Service = (*SMSService)(nil)

// NewSMSService wraps a Twilio client or mock.
func NewSMSService(client twiliosms.Sender) *SMSService {
	return &SMSService{client: client}
}

// Channel returns models.ChannelSMS.
func (s *SMSService) Channel() models.Channel {
	return models.ChannelSMS
}

// ValidateAndCanonicalizeRecipient reduces the number to E.164 form.
// Numbers without a leading '+' are assumed to already include the country code.
func (s *SMSService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	if strings.TrimSpace(recipient) == "" {
		return "", fmt.Errorf("recipient cannot be empty")
	}
	digits := util.PhoneDigits(recipient)
	if digits == "" {
		return "", fmt.Errorf("invalid phone number: no digits found in recipient %q", recipient)
	}
	if len(digits) < minPhoneDigits {
		return "", fmt.Errorf("invalid phone number: %q is too short (minimum %d digits required)", digits, minPhoneDigits)
	}
	canonical := "+" + digits
	if canonical != recipient {
		slog.Debug("SMSService canonicalized recipient", "original", recipient, "canonical", canonical)
	}
	return canonical, nil
}

// Send delivers the body as an SMS. Subjects are ignored.
func (s *SMSService) Send(ctx context.Context, msg OutboundMessage) (Receipt, error) {
	to, err := s.ValidateAndCanonicalizeRecipient(msg.To)
	if err != nil {
		return Receipt{}, models.NewDispatchError("invalid sms recipient", true, err)
	}
	sid, err := s.client.SendSMS(ctx, to, msg.Body)
	if err != nil {
		code, ok := twiliosms.ErrorCode(err)
		permanent := ok && twiliosms.IsPermanentCode(code)
		slog.Error("SMSService.Send failed", "to", to, "messageID", msg.MessageID, "code", code, "permanent", permanent, "error", err)
		return Receipt{}, models.NewDispatchError("sms send failed", permanent, err)
	}
	return Receipt{ExternalID: sid}, nil
}
