package api

import (
	"log/slog"
	"net/http"

	"github.com/BTreeMap/FollowUp/internal/models"
	"github.com/BTreeMap/FollowUp/internal/sequence"
)

// templateRoutes handles /sequences/templates[/{id}].
func (s *Server) templateRoutes(w http.ResponseWriter, r *http.Request, tenantID string, rest []string) {
	switch len(rest) {
	case 0:
		switch r.Method {
		case http.MethodGet:
			q := r.URL.Query()
			tpls, err := s.templates.ListTemplates(r.Context(), tenantID, models.TemplateFilter{
				Channel:  models.Channel(q.Get("channel")),
				Category: q.Get("category"),
				Language: q.Get("language"),
			})
			if err != nil {
				writeError(w, r, err)
				return
			}
			writeJSONResponse(w, http.StatusOK, models.Success(tpls))
		case http.MethodPost:
			var in sequence.TemplateInput
			if err := decodeJSON(r, &in, false); err != nil {
				writeError(w, r, err)
				return
			}
			tpl, err := s.templates.CreateTemplate(r.Context(), tenantID, actor(r), in)
			if err != nil {
				writeError(w, r, err)
				return
			}
			slog.Info("Server.templateRoutes: template created", "tenant", tenantID, "templateID", tpl.ID)
			writeJSONResponse(w, http.StatusCreated, models.SuccessWithMessage("Template created", tpl))
		default:
			methodNotAllowed(w, "GET, POST")
		}
	case 1:
		id := rest[0]
		switch r.Method {
		case http.MethodGet:
			tpl, err := s.templates.GetTemplate(r.Context(), tenantID, id)
			if err != nil {
				writeError(w, r, err)
				return
			}
			writeJSONResponse(w, http.StatusOK, models.Success(tpl))
		case http.MethodPut:
			var patch sequence.TemplatePatch
			if err := decodeJSON(r, &patch, false); err != nil {
				writeError(w, r, err)
				return
			}
			tpl, err := s.templates.UpdateTemplate(r.Context(), tenantID, id, patch)
			if err != nil {
				writeError(w, r, err)
				return
			}
			writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Template updated", tpl))
		case http.MethodDelete:
			if err := s.templates.DeleteTemplate(r.Context(), tenantID, id); err != nil {
				writeError(w, r, err)
				return
			}
			writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Template deleted", map[string]string{"id": id}))
		default:
			methodNotAllowed(w, "GET, PUT, DELETE")
		}
	default:
		writeJSONResponse(w, http.StatusNotFound, models.Error("Unknown template endpoint"))
	}
}
