package api

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"

	"github.com/BTreeMap/FollowUp/internal/models"
)

const (
	headerTenant = "X-Tenant-ID"
	headerRole   = "X-User-Role"
	headerUser   = "X-User-ID"
)

var tenantPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,63}$`)

// tenantHandler serves a request already bound to a tenant.
type tenantHandler func(w http.ResponseWriter, r *http.Request, tenantID string)

// withTenant resolves the tenant from the header or the tenant query
// parameter and rejects requests without a well-formed one.
func (s *Server) withTenant(next tenantHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID := strings.TrimSpace(r.Header.Get(headerTenant))
		if tenantID == "" {
			tenantID = strings.TrimSpace(r.URL.Query().Get("tenant"))
		}
		if tenantID == "" {
			writeError(w, r, models.NewValidationError("Tenant is required",
				map[string]string{"tenant": "set the X-Tenant-ID header or the tenant query parameter"}))
			return
		}
		if !tenantPattern.MatchString(tenantID) {
			writeError(w, r, models.NewValidationError("Invalid tenant", map[string]string{"tenant": "malformed tenant identifier"}))
			return
		}
		next(w, r, tenantID)
	}
}

// isElevated reports whether the caller may run privileged operations.
func isElevated(r *http.Request) bool {
	switch strings.ToLower(strings.TrimSpace(r.Header.Get(headerRole))) {
	case "admin", "owner":
		return true
	}
	return false
}

// requireElevated rejects callers that are not admin or owner.
func (s *Server) requireElevated(next tenantHandler) tenantHandler {
	return func(w http.ResponseWriter, r *http.Request, tenantID string) {
		if !isElevated(r) {
			slog.Warn("Server.requireElevated: forbidden", "tenant", tenantID, "path", r.URL.Path,
				"role", r.Header.Get(headerRole))
			writeError(w, r, models.NewForbiddenError("admin or owner role required"))
			return
		}
		next(w, r, tenantID)
	}
}

func actor(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(headerUser))
}

// checkWebhookSecret accepts "Authorization: Bearer <secret>" or
// ?token=<secret>. With no secret configured every request passes.
func (s *Server) checkWebhookSecret(r *http.Request) bool {
	if s.opts.WebhookSecret == "" {
		return true
	}
	presented := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
	if presented == "" || presented == r.Header.Get("Authorization") {
		presented = r.URL.Query().Get("token")
	}
	return presented != "" && subtle.ConstantTimeCompare([]byte(presented), []byte(s.opts.WebhookSecret)) == 1
}

// checkTwilioSignature verifies X-Twilio-Signature against the URL Twilio
// called. The form must already be parsed.
func (s *Server) checkTwilioSignature(r *http.Request) bool {
	return s.opts.TwilioValidator.Validate(s.callbackURL(r), r.PostForm, r.Header.Get("X-Twilio-Signature"))
}

func (s *Server) callbackURL(r *http.Request) string {
	if s.opts.PublicBaseURL != "" {
		return strings.TrimRight(s.opts.PublicBaseURL, "/") + r.URL.RequestURI()
	}
	scheme := "http"
	if r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		scheme = "https"
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}

// recoverMiddleware turns handler panics into 500 responses.
func recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				writeError(w, r, fmt.Errorf("panic serving %s: %v", r.URL.Path, rec))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// requestContext detaches handler work that must finish from the client's
// connection lifetime.
func requestContext(r *http.Request) context.Context {
	return context.WithoutCancel(r.Context())
}
