package api

import (
	"io"
	"log/slog"
	"net/http"

	"github.com/BTreeMap/FollowUp/internal/delivery"
	"github.com/BTreeMap/FollowUp/internal/models"
)

// deferredRetryAfter is the Retry-After hint, in seconds, for batches that
// raced a send.
const deferredRetryAfter = "30"

// emailWebhookHandler accepts email provider event batches. The provider is
// chosen with ?provider= and defaults to SendGrid.
func (s *Server) emailWebhookHandler(w http.ResponseWriter, r *http.Request, tenantID string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	if !s.checkWebhookSecret(r) {
		slog.Warn("Server.emailWebhookHandler: rejected unauthenticated callback", "tenant", tenantID)
		writeError(w, r, models.NewUnauthorizedError("invalid webhook credentials"))
		return
	}
	n, err := delivery.NewNormalizer(r.URL.Query().Get("provider"), models.ChannelEmail)
	if err != nil {
		writeError(w, r, err)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, r, models.NewWebhookPayloadError("could not read body", err))
		return
	}
	s.recordDelivery(w, r, tenantID, n, delivery.Payload{Body: body})
}

// smsWebhookHandler accepts SMS status callbacks and inbound messages.
// Twilio posts forms; MessageBird posts JSON.
func (s *Server) smsWebhookHandler(w http.ResponseWriter, r *http.Request, tenantID string) {
	if r.Method != http.MethodPost && r.Method != http.MethodPut {
		methodNotAllowed(w, "POST, PUT")
		return
	}
	n, err := delivery.NewNormalizer(r.URL.Query().Get("provider"), models.ChannelSMS)
	if err != nil {
		writeError(w, r, err)
		return
	}

	var p delivery.Payload
	if n.Provider() == delivery.ProviderTwilio {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		if err := r.ParseForm(); err != nil {
			writeError(w, r, models.NewWebhookPayloadError("invalid form body", err))
			return
		}
		p.Form = r.PostForm
	} else {
		if p.Body, err = io.ReadAll(io.LimitReader(r.Body, maxBodyBytes)); err != nil {
			writeError(w, r, models.NewWebhookPayloadError("could not read body", err))
			return
		}
	}

	var authorized bool
	if s.opts.TwilioValidator != nil && n.Provider() == delivery.ProviderTwilio {
		authorized = s.checkTwilioSignature(r)
	} else {
		authorized = s.checkWebhookSecret(r)
	}
	if !authorized {
		slog.Warn("Server.smsWebhookHandler: rejected unauthenticated callback", "tenant", tenantID, "provider", n.Provider())
		writeError(w, r, models.NewUnauthorizedError("invalid webhook credentials"))
		return
	}
	s.recordDelivery(w, r, tenantID, n, p)
}

func (s *Server) recordDelivery(w http.ResponseWriter, r *http.Request, tenantID string, n delivery.Normalizer, p delivery.Payload) {
	res, err := s.reconciler.RecordDeliveryEvent(requestContext(r), tenantID, n, p)
	if err != nil {
		slog.Warn("Server.recordDelivery: payload rejected", "tenant", tenantID, "provider", n.Provider(), "error", err)
		writeError(w, r, err)
		return
	}
	slog.Info("Server.recordDelivery: events recorded", "tenant", tenantID, "provider", n.Provider(),
		"processed", res.Processed, "ignored", res.Ignored, "errors", res.Errors, "deferred", res.Deferred)
	if res.Deferred > 0 {
		// Providers redeliver on 5xx; applied events are deduplicated.
		w.Header().Set("Retry-After", deferredRetryAfter)
		writeJSONResponse(w, http.StatusServiceUnavailable, models.NewAPIResponseBuilder().
			WithStatus(models.APIStatusError).
			WithMessage("Some events refer to messages still being sent").
			WithResult(res).
			Build())
		return
	}
	writeJSONResponse(w, http.StatusOK, models.RecordedWithResult(res))
}
