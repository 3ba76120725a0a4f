// Package messaging provides the channel senders the sequence processor
// dispatches through: SMTP email via gomail and SMS via Twilio.
package messaging

import (
	"context"
	"fmt"

	"github.com/BTreeMap/FollowUp/internal/models"
)

// OutboundMessage is a rendered message ready for a channel.
type OutboundMessage struct {
	// MessageID is the engine's message id, echoed back by providers that
	// support custom arguments.
	MessageID string
	To        string
	Subject   string
	Body      string
}

// Receipt is what a channel returns for an accepted message.
type Receipt struct {
	ExternalID string
}

// Service defines a pluggable message delivery abstraction.
type Service interface {
	// Channel reports which channel the service delivers on.
	Channel() models.Channel

	// ValidateAndCanonicalizeRecipient validates and canonicalizes a recipient identifier.
	// Returns the canonicalized recipient and an error if validation fails.
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)

	// Send dispatches msg. Failures are *models.DomainError of kind dispatch;
	// Permanent is set when retrying cannot succeed.
	Send(ctx context.Context, msg OutboundMessage) (Receipt, error)
}

// Registry maps channels to their services.
type Registry struct {
	services map[models.Channel]Service
}

// NewRegistry creates a Registry from the given services. A later service
// replaces an earlier one on the same channel.
func NewRegistry(services ...Service) *Registry {
	r := &Registry{services: make(map[models.Channel]Service, len(services))}
	for _, s := range services {
		if s != nil {
			r.services[s.Channel()] = s
		}
	}
	return r
}

// Get returns the service for ch.
func (r *Registry) Get(ch models.Channel) (Service, error) {
	if s, ok := r.services[ch]; ok {
		return s, nil
	}
	return nil, models.NewDispatchError(fmt.Sprintf("no sender configured for channel %q", ch), false, nil)
}

// Channels lists the configured channels.
func (r *Registry) Channels() []models.Channel {
	out := make([]models.Channel, 0, len(r.services))
	for _, ch := range []models.Channel{models.ChannelEmail, models.ChannelSMS} {
		if _, ok := r.services[ch]; ok {
			out = append(out, ch)
		}
	}
	return out
}
