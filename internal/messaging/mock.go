package messaging

import (
	"context"
	"fmt"
	"sync"

	"github.com/BTreeMap/FollowUp/internal/models"
)

// MockService records sends for tests and is safe for concurrent use.
type MockService struct {
	channel models.Channel

	mu   sync.Mutex
	sent []OutboundMessage
	// FailWith, when set, decides the error for each send.
	FailWith func(OutboundMessage) error
}

var _ Service = (*MockService)(nil)

// NewMockService creates a mock for the given channel.
func NewMockService(ch models.Channel) *MockService {
	return &MockService{channel: ch}
}

func (m *MockService) Channel() models.Channel {
	return m.channel
}

func (m *MockService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	if recipient == "" {
		return "", fmt.Errorf("recipient cannot be empty")
	}
	return recipient, nil
}

func (m *MockService) Send(ctx context.Context, msg OutboundMessage) (Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		if err := m.FailWith(msg); err != nil {
			return Receipt{}, err
		}
	}
	m.sent = append(m.sent, msg)
	return Receipt{ExternalID: fmt.Sprintf("%s-ext-%s", m.channel, msg.MessageID)}, nil
}

// Sent returns a copy of all recorded messages.
func (m *MockService) Sent() []OutboundMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]OutboundMessage(nil), m.sent...)
}

// CallCount returns the number of successful sends.
func (m *MockService) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}
