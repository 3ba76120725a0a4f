package store

import (
	"context"
	"time"
)

// WebhookEvent is a provider event that has been received.
type WebhookEvent struct {
	EventKey    string     `json:"event_key"`
	TenantID    string     `json:"tenant_id"`
	ReceivedAt  time.Time  `json:"received_at"`
	ProcessedAt *time.Time `json:"processed_at"`
}

// DedupRepo makes provider webhook retries idempotent.
type DedupRepo interface {
	// RecordEvent inserts the event key. Returns false if it was already recorded.
	RecordEvent(ctx context.Context, tenantID, eventKey string, now time.Time) (bool, error)
	// MarkEventProcessed stamps processed_at for the event.
	MarkEventProcessed(ctx context.Context, eventKey string, now time.Time) error
	// ForgetEvent removes the key so a provider retry is applied again.
	ForgetEvent(ctx context.Context, eventKey string) error
}
