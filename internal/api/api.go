// Package api provides the HTTP server for FollowUp.
//
// It exposes the sequence, template, enrollment and processing endpoints used
// by staff tools, the public unsubscribe endpoint, and the provider delivery
// webhooks. Authentication of staff requests happens upstream; this server
// reads the tenant from X-Tenant-ID (or the tenant query parameter) and the
// caller's role from X-User-Role.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/FollowUp/internal/delivery"
	"github.com/BTreeMap/FollowUp/internal/sequence"
	"github.com/BTreeMap/FollowUp/internal/twiliosms"
)

// DefaultAddr is the listen address used when none is configured.
const DefaultAddr = ":8080"

// Opts holds configuration options for the API server.
type Opts struct {
	Addr string
	// WebhookSecret authenticates provider callbacks. Empty disables the check.
	WebhookSecret string
	// TwilioValidator, when set, verifies X-Twilio-Signature on SMS webhooks.
	TwilioValidator *twiliosms.SignatureValidator
	// PublicBaseURL is the externally visible origin, used to rebuild the
	// URL Twilio signed.
	PublicBaseURL string
	// BatchSize is the default batch for manually triggered processing.
	BatchSize int
}

// Option defines a functional option for configuring the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) {
		o.Addr = addr
	}
}

// WithWebhookSecret sets the shared secret for provider webhooks.
func WithWebhookSecret(secret string) Option {
	return func(o *Opts) {
		o.WebhookSecret = secret
	}
}

// WithTwilioValidator enables Twilio signature checks on SMS webhooks.
func WithTwilioValidator(v *twiliosms.SignatureValidator) Option {
	return func(o *Opts) {
		o.TwilioValidator = v
	}
}

// WithPublicBaseURL sets the externally visible origin of the server.
func WithPublicBaseURL(u string) Option {
	return func(o *Opts) {
		o.PublicBaseURL = u
	}
}

// WithBatchSize sets the default batch size for POST /sequences/process.
func WithBatchSize(n int) Option {
	return func(o *Opts) {
		o.BatchSize = n
	}
}

// Services are the engine components the server exposes.
type Services struct {
	Templates   *sequence.TemplateService
	Definitions *sequence.DefinitionService
	Enrollments *sequence.EnrollmentManager
	Processor   *sequence.Processor
	Contacts    *sequence.StoreResolver
	Reconciler  *delivery.Reconciler
}

// Server serves the FollowUp HTTP API.
type Server struct {
	templates   *sequence.TemplateService
	definitions *sequence.DefinitionService
	enrollments *sequence.EnrollmentManager
	processor   *sequence.Processor
	contacts    *sequence.StoreResolver
	reconciler  *delivery.Reconciler
	opts        Opts
	started     time.Time
}

// NewServer creates a Server over the given services.
func NewServer(svc Services, opts ...Option) *Server {
	o := Opts{Addr: DefaultAddr, BatchSize: sequence.DefaultBatchSize}
	for _, opt := range opts {
		opt(&o)
	}
	return &Server{
		templates:   svc.Templates,
		definitions: svc.Definitions,
		enrollments: svc.Enrollments,
		processor:   svc.Processor,
		contacts:    svc.Contacts,
		reconciler:  svc.Reconciler,
		opts:        o,
		started:     time.Now(),
	}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.healthHandler)
	mux.HandleFunc("/sequences", s.withTenant(s.sequencesHandler))
	mux.HandleFunc("/sequences/", s.withTenant(s.sequenceRoutes))
	mux.HandleFunc("/admin/sequences/analytics", s.withTenant(s.requireElevated(s.analyticsHandler)))
	mux.HandleFunc("/admin/contacts/", s.withTenant(s.requireElevated(s.contactHandler)))
	mux.HandleFunc("/unsubscribe", s.withTenant(s.unsubscribeHandler))
	mux.HandleFunc("/webhooks/email-delivery", s.withTenant(s.emailWebhookHandler))
	mux.HandleFunc("/webhooks/sms-delivery", s.withTenant(s.smsWebhookHandler))
	return recoverMiddleware(mux)
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: listening", "addr", s.opts.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		slog.Error("Server.Run: listener failed", "addr", s.opts.Addr, "error", err)
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	defer cancel()
	slog.Info("Server.Run: shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server.Run: shutdown failed", "error", err)
		return err
	}
	return nil
}
