package api

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/BTreeMap/FollowUp/internal/models"
	"github.com/BTreeMap/FollowUp/internal/sequence"
)

// sequencesHandler handles GET/POST /sequences.
func (s *Server) sequencesHandler(w http.ResponseWriter, r *http.Request, tenantID string) {
	switch r.Method {
	case http.MethodGet:
		s.listSequencesHandler(w, r, tenantID)
	case http.MethodPost:
		s.createSequenceHandler(w, r, tenantID)
	default:
		methodNotAllowed(w, "GET, POST")
	}
}

// sequenceRoutes dispatches everything below /sequences/.
func (s *Server) sequenceRoutes(w http.ResponseWriter, r *http.Request, tenantID string) {
	slog.Debug("Server.sequenceRoutes", "method", r.Method, "path", r.URL.Path, "tenant", tenantID)
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/sequences/"), "/")
	segments := strings.Split(path, "/")

	switch {
	case path == "":
		s.sequencesHandler(w, r, tenantID)
	case segments[0] == "enroll" && len(segments) == 1:
		switch r.Method {
		case http.MethodPost:
			s.enrollHandler(w, r, tenantID)
		case http.MethodGet:
			s.listEnrollmentsHandler(w, r, tenantID)
		default:
			methodNotAllowed(w, "GET, POST")
		}
	case segments[0] == "trigger" && len(segments) == 1:
		if r.Method != http.MethodPost {
			methodNotAllowed(w, http.MethodPost)
			return
		}
		s.triggerHandler(w, r, tenantID)
	case segments[0] == "process" && len(segments) == 1:
		switch r.Method {
		case http.MethodPost:
			s.requireElevated(s.processHandler)(w, r, tenantID)
		case http.MethodGet:
			s.processStatusHandler(w, r, tenantID)
		default:
			methodNotAllowed(w, "GET, POST")
		}
	case segments[0] == "templates":
		s.templateRoutes(w, r, tenantID, segments[1:])
	case segments[0] == "enrollments" && len(segments) >= 2:
		s.enrollmentRoutes(w, r, tenantID, segments[1], segments[2:])
	case segments[0] == "messages" && len(segments) == 3 && segments[2] == "retry":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, http.MethodPost)
			return
		}
		s.requireElevated(func(w http.ResponseWriter, r *http.Request, tenantID string) {
			s.retryMessageHandler(w, r, tenantID, segments[1])
		})(w, r, tenantID)
	case len(segments) == 1:
		switch r.Method {
		case http.MethodGet:
			s.getSequenceHandler(w, r, tenantID, segments[0])
		case http.MethodPut:
			s.updateSequenceHandler(w, r, tenantID, segments[0])
		case http.MethodDelete:
			s.deleteSequenceHandler(w, r, tenantID, segments[0])
		default:
			methodNotAllowed(w, "GET, PUT, DELETE")
		}
	case len(segments) == 2 && segments[1] == "pause":
		// The id is an enrollment id.
		switch r.Method {
		case http.MethodPut:
			s.pauseHandler(w, r, tenantID, segments[0])
		case http.MethodDelete:
			s.resumeHandler(w, r, tenantID, segments[0])
		default:
			methodNotAllowed(w, "PUT, DELETE")
		}
	default:
		writeJSONResponse(w, http.StatusNotFound, models.Error("Unknown sequence endpoint"))
	}
}

func (s *Server) listSequencesHandler(w http.ResponseWriter, r *http.Request, tenantID string) {
	q := r.URL.Query()
	filter := models.SequenceFilter{
		Type:         q.Get("type"),
		TriggerEvent: q.Get("trigger_event"),
		CreatedBy:    q.Get("created_by"),
	}
	if v := q.Get("active"); v != "" {
		active, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, r, models.NewValidationError("Invalid query parameter", map[string]string{"active": "must be true or false"}))
			return
		}
		filter.Active = &active
	}
	for _, tag := range q["tags"] {
		for _, t := range strings.Split(tag, ",") {
			if t = strings.TrimSpace(t); t != "" {
				filter.Tags = append(filter.Tags, t)
			}
		}
	}
	seqs, err := s.definitions.ListSequences(r.Context(), tenantID, filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(seqs))
}

func (s *Server) createSequenceHandler(w http.ResponseWriter, r *http.Request, tenantID string) {
	var in sequence.SequenceInput
	if err := decodeJSON(r, &in, false); err != nil {
		writeError(w, r, err)
		return
	}
	seq, err := s.definitions.CreateSequence(r.Context(), tenantID, actor(r), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	slog.Info("Server.createSequenceHandler: sequence created", "tenant", tenantID, "sequenceID", seq.ID)
	writeJSONResponse(w, http.StatusCreated, models.SuccessWithMessage("Sequence created", seq))
}

func (s *Server) getSequenceHandler(w http.ResponseWriter, r *http.Request, tenantID, id string) {
	seq, err := s.definitions.GetSequence(r.Context(), tenantID, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(seq))
}

func (s *Server) updateSequenceHandler(w http.ResponseWriter, r *http.Request, tenantID, id string) {
	var patch sequence.SequencePatch
	if err := decodeJSON(r, &patch, false); err != nil {
		writeError(w, r, err)
		return
	}
	seq, err := s.definitions.UpdateSequence(r.Context(), tenantID, id, patch)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Sequence updated", seq))
}

func (s *Server) deleteSequenceHandler(w http.ResponseWriter, r *http.Request, tenantID, id string) {
	if err := s.definitions.DeleteSequence(r.Context(), tenantID, id); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Sequence deleted", map[string]string{"id": id}))
}

// enrollBody accepts a single enrollment or, with enrollments set, a bulk one.
type enrollBody struct {
	sequence.EnrollRequest
	Enrollments *[]sequence.EnrollRequest `json:"enrollments"`
}

func (s *Server) enrollHandler(w http.ResponseWriter, r *http.Request, tenantID string) {
	var body enrollBody
	if err := decodeJSON(r, &body, false); err != nil {
		writeError(w, r, err)
		return
	}
	ctx := requestContext(r)

	if body.Enrollments != nil {
		results, err := s.enrollments.BulkEnroll(ctx, tenantID, sequence.BulkEnrollRequest{
			SequenceID:  body.SequenceID,
			Enrollments: *body.Enrollments,
		})
		if err != nil {
			writeError(w, r, err)
			return
		}
		summary := map[sequence.Outcome]int{}
		for _, res := range results {
			summary[res.Outcome]++
		}
		slog.Info("Server.enrollHandler: bulk enrollment", "tenant", tenantID, "sequenceID", body.SequenceID,
			"items", len(results), "enrolled", summary[sequence.OutcomeEnrolled])
		status := http.StatusOK
		if summary[sequence.OutcomeEnrolled] > 0 {
			status = http.StatusCreated
		}
		writeJSONResponse(w, status, models.Success(map[string]any{
			"results": results,
			"summary": summary,
			"total":   len(results),
		}))
		return
	}

	res, err := s.enrollments.Enroll(ctx, tenantID, body.EnrollRequest)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !res.OK() {
		rerr := res.Err()
		writeJSONResponse(w, models.HTTPStatus(rerr), models.NewAPIResponseBuilder().
			WithStatus(models.APIStatusError).
			WithMessage(res.Reason).
			WithErrors(res.Fields).
			WithResult(res).
			Build())
		return
	}
	writeJSONResponse(w, http.StatusCreated, models.SuccessWithMessage("Enrolled", res))
}

func (s *Server) listEnrollmentsHandler(w http.ResponseWriter, r *http.Request, tenantID string) {
	q := r.URL.Query()
	filter := models.EnrollmentFilter{
		SequenceID:  q.Get("sequence_id"),
		Status:      models.EnrollmentStatus(q.Get("status")),
		SubjectType: models.SubjectType(q.Get("subject_type")),
		SubjectID:   q.Get("subject_id"),
	}
	var err error
	if filter.Limit, err = intParam(q.Get("limit"), "limit"); err != nil {
		writeError(w, r, err)
		return
	}
	if filter.Offset, err = intParam(q.Get("offset"), "offset"); err != nil {
		writeError(w, r, err)
		return
	}
	ens, err := s.enrollments.ListEnrollments(r.Context(), tenantID, filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(ens))
}

// enrollmentRoutes handles /sequences/enrollments/{id}[/messages].
func (s *Server) enrollmentRoutes(w http.ResponseWriter, r *http.Request, tenantID, id string, rest []string) {
	switch {
	case len(rest) == 0:
		switch r.Method {
		case http.MethodGet:
			e, err := s.enrollments.GetEnrollment(r.Context(), tenantID, id)
			if err != nil {
				writeError(w, r, err)
				return
			}
			writeJSONResponse(w, http.StatusOK, models.Success(e))
		case http.MethodDelete:
			var body struct {
				Reason string `json:"reason"`
			}
			if err := decodeJSON(r, &body, true); err != nil {
				writeError(w, r, err)
				return
			}
			e, err := s.enrollments.CancelEnrollment(requestContext(r), tenantID, id, body.Reason)
			if err != nil {
				writeError(w, r, err)
				return
			}
			writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Enrollment cancelled", e))
		default:
			methodNotAllowed(w, "GET, DELETE")
		}
	case len(rest) == 1 && rest[0] == "messages":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, http.MethodGet)
			return
		}
		msgs, err := s.enrollments.Messages(r.Context(), tenantID, id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSONResponse(w, http.StatusOK, models.Success(msgs))
	default:
		writeJSONResponse(w, http.StatusNotFound, models.Error("Unknown enrollment endpoint"))
	}
}

func (s *Server) pauseHandler(w http.ResponseWriter, r *http.Request, tenantID, id string) {
	e, err := s.enrollments.Pause(requestContext(r), tenantID, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Enrollment paused", e))
}

func (s *Server) resumeHandler(w http.ResponseWriter, r *http.Request, tenantID, id string) {
	e, err := s.enrollments.Resume(requestContext(r), tenantID, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Enrollment resumed", e))
}

func (s *Server) triggerHandler(w http.ResponseWriter, r *http.Request, tenantID string) {
	var req sequence.TriggerRequest
	if err := decodeJSON(r, &req, false); err != nil {
		writeError(w, r, err)
		return
	}
	results, err := s.enrollments.TriggerEvent(requestContext(r), tenantID, req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	enrolled := 0
	for _, res := range results {
		if res.OK() {
			enrolled++
		}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]any{
		"event":    req.Event,
		"enrolled": enrolled,
		"results":  results,
	}))
}

func (s *Server) processHandler(w http.ResponseWriter, r *http.Request, tenantID string) {
	var body struct {
		BatchSize int `json:"batch_size"`
	}
	if err := decodeJSON(r, &body, true); err != nil {
		writeError(w, r, err)
		return
	}
	if v := r.URL.Query().Get("batch_size"); v != "" {
		n, err := intParam(v, "batch_size")
		if err != nil {
			writeError(w, r, err)
			return
		}
		body.BatchSize = n
	}
	if body.BatchSize <= 0 {
		body.BatchSize = s.opts.BatchSize
	}
	res, err := s.processor.ProcessSequences(requestContext(r), tenantID, body.BatchSize)
	if err != nil {
		writeError(w, r, err)
		return
	}
	slog.Info("Server.processHandler: manual pass", "tenant", tenantID, "processed", res.Processed, "failed", res.Failed)
	writeJSONResponse(w, http.StatusOK, models.Success(res))
}

func (s *Server) processStatusHandler(w http.ResponseWriter, r *http.Request, tenantID string) {
	st, err := s.processor.Status(r.Context(), tenantID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(st))
}

func (s *Server) retryMessageHandler(w http.ResponseWriter, r *http.Request, tenantID, messageID string) {
	m, err := s.processor.RetryMessage(requestContext(r), tenantID, messageID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, models.SuccessWithMessage("Retry scheduled", m))
}

func intParam(v, name string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, models.NewValidationError("Invalid query parameter", map[string]string{name: "must be a non-negative integer"})
	}
	return n, nil
}
