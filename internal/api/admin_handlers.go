package api

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/BTreeMap/FollowUp/internal/models"
	"github.com/BTreeMap/FollowUp/internal/sequence"
)

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]any{
		"service": "followup",
		"uptime":  time.Since(s.started).Round(time.Second).String(),
	}))
}

// analyticsHandler reports per-sequence counts for the tenant.
func (s *Server) analyticsHandler(w http.ResponseWriter, r *http.Request, tenantID string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	out, err := s.processor.Analytics(r.Context(), tenantID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(out))
}

type contactBody struct {
	FirstName  string         `json:"first_name"`
	LastName   string         `json:"last_name"`
	Email      string         `json:"email"`
	Phone      string         `json:"phone"`
	Attributes map[string]any `json:"attributes"`
}

// contactHandler handles PUT /admin/contacts/{subject_type}/{subject_id},
// which syncs the profile the engine renders and addresses from.
func (s *Server) contactHandler(w http.ResponseWriter, r *http.Request, tenantID string) {
	segments := strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, "/admin/contacts/"), "/"), "/")
	if len(segments) != 2 || segments[0] == "" || segments[1] == "" {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Unknown contact endpoint"))
		return
	}
	if r.Method != http.MethodPut {
		methodNotAllowed(w, http.MethodPut)
		return
	}
	var body contactBody
	if err := decodeJSON(r, &body, false); err != nil {
		writeError(w, r, err)
		return
	}
	c := &models.Contact{
		TenantID:    tenantID,
		SubjectType: models.SubjectType(segments[0]),
		SubjectID:   segments[1],
		FirstName:   body.FirstName,
		LastName:    body.LastName,
		Email:       body.Email,
		Phone:       body.Phone,
		Attributes:  body.Attributes,
	}
	if err := s.contacts.Upsert(r.Context(), c); err != nil {
		writeError(w, r, err)
		return
	}
	slog.Debug("Server.contactHandler: contact synced", "tenant", tenantID, "subjectType", c.SubjectType, "subjectID", c.SubjectID)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Contact saved", c))
}

type unsubscribeBody struct {
	Token string `json:"token"`
	sequence.UnsubscribeRequest
}

// unsubscribeHandler serves the public unsubscribe link (GET ?token=) and
// explicit requests (POST with a token or an address).
func (s *Server) unsubscribeHandler(w http.ResponseWriter, r *http.Request, tenantID string) {
	var req sequence.UnsubscribeRequest
	switch r.Method {
	case http.MethodGet:
		decoded, err := sequence.DecodeUnsubscribeToken(r.URL.Query().Get("token"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		req = decoded
	case http.MethodPost:
		var body unsubscribeBody
		if err := decodeJSON(r, &body, false); err != nil {
			writeError(w, r, err)
			return
		}
		req = body.UnsubscribeRequest
		if body.Token != "" {
			decoded, err := sequence.DecodeUnsubscribeToken(body.Token)
			if err != nil {
				writeError(w, r, err)
				return
			}
			decoded.Reason = body.Reason
			req = decoded
		}
	default:
		methodNotAllowed(w, "GET, POST")
		return
	}

	res, err := s.enrollments.Unsubscribe(requestContext(r), tenantID, req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	slog.Info("Server.unsubscribeHandler: unsubscribed", "tenant", tenantID, "global", res.Global,
		"sequenceID", res.SequenceID, "cancelled", res.CancelledEnrollments)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("You have been unsubscribed", res))
}
