package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mobiliza/disparo/internal/dispatch"
	"github.com/mobiliza/disparo/internal/models"
)

// StrategyRequest is the wire form of a recipient-selection strategy.
type StrategyRequest struct {
	Type          string `json:"type"`
	Kind          string `json:"kind,omitempty"`
	ID            string `json:"id,omitempty"`
	EventID       string `json:"event_id,omitempty"`
	CoordinatorID string `json:"coordinator_id,omitempty"`
}

// toStrategy decodes the request into exactly one strategy variant.
func (req *StrategyRequest) toStrategy() (dispatch.Strategy, error) {
	kind := models.RecipientKind(req.Kind)

	requireKind := func() error {
		if !kind.Valid() {
			return fmt.Errorf("kind must be %q or %q", models.KindContact, models.KindLeader)
		}
		return nil
	}

	switch req.Type {
	case "all":
		if err := requireKind(); err != nil {
			return nil, err
		}
		return dispatch.AllOfKind{Kind: kind}, nil
	case "single":
		if err := requireKind(); err != nil {
			return nil, err
		}
		return dispatch.SingleByID{Kind: kind, ID: req.ID}, nil
	case "by_event":
		return dispatch.ByEvent{EventID: req.EventID}, nil
	case "not_yet_notified":
		if err := requireKind(); err != nil {
			return nil, err
		}
		return dispatch.NotYetNotified{Kind: kind}, nil
	case "awaiting_confirmation":
		if err := requireKind(); err != nil {
			return nil, err
		}
		return dispatch.AwaitingConfirmation{Kind: kind}, nil
	case "subordinate_tree":
		return dispatch.SubordinateTreeOf{CoordinatorID: req.CoordinatorID}, nil
	}
	return nil, fmt.Errorf("unknown strategy type %q", req.Type)
}

// StartRunRequest is the request body for POST /runs. A batch_size of
// 0 means one batch covering everything; when the field is absent the
// configured default applies.
type StartRunRequest struct {
	Strategy    StrategyRequest `json:"strategy"`
	TemplateKey string          `json:"template_key"`
	BatchSize   *int            `json:"batch_size,omitempty"`
}

// ScheduleRequest is the request body for POST /schedules.
type ScheduleRequest struct {
	Strategy    StrategyRequest `json:"strategy"`
	TemplateKey string          `json:"template_key"`
	SendAt      time.Time       `json:"send_at"`
}

// ScheduleResponse is the response for POST /schedules.
type ScheduleResponse struct {
	JobIDs []string `json:"job_ids"`
}

// DueJobsResponse is the response for GET /schedules/due.
type DueJobsResponse struct {
	Jobs []models.DeferredJob `json:"jobs"`
}

// CoordinatorSummary is one entry in the coordinator pick list.
type CoordinatorSummary struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Address string `json:"address"`
}

// TemplateSummary is one entry in the template pick list. The body is
// deliberately not exposed; rendering belongs to the gateway.
type TemplateSummary struct {
	Key  string `json:"key"`
	Name string `json:"name"`
}

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status        string          `json:"status"`
	Uptime        string          `json:"uptime"`
	RunStatus     dispatch.Status `json:"run_status"`
	OutboxPending int             `json:"outbox_pending"`
	OutboxClaimed int             `json:"outbox_claimed"`
}

// ErrorResponse is the error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// handleStartRun handles POST /api/v1/runs
func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var req StartRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if !s.requireTemplate(w, r, req.TemplateKey) {
		return
	}

	batchSize := s.config.Dispatch.BatchSize
	if req.BatchSize != nil {
		if *req.BatchSize < 0 {
			s.sendError(w, http.StatusBadRequest, "batch_size must not be negative")
			return
		}
		batchSize = *req.BatchSize
	}

	strategy, err := req.Strategy.toStrategy()
	if err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	state, err := s.runner.Start(r.Context(), strategy, req.TemplateKey, batchSize)
	if err != nil {
		s.sendRunError(w, err)
		return
	}

	s.sendJSON(w, http.StatusAccepted, state)
}

// handleRunStatus handles GET /api/v1/runs/current
func (s *Server) handleRunStatus(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, s.runner.Snapshot())
}

// handleClearRun handles DELETE /api/v1/runs/current
func (s *Server) handleClearRun(w http.ResponseWriter, r *http.Request) {
	if err := s.runner.Clear(); err != nil {
		s.sendRunError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleResumeRun handles POST /api/v1/runs/{id}/resume
func (s *Server) handleResumeRun(w http.ResponseWriter, r *http.Request) {
	state, err := s.runner.Resume(chi.URLParam(r, "id"))
	if err != nil {
		s.sendRunError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, state)
}

// handleCancelRun handles POST /api/v1/runs/{id}/cancel
func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	state, err := s.runner.Cancel(chi.URLParam(r, "id"))
	if err != nil {
		s.sendRunError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, state)
}

// handleCoordinatorSearch handles GET /api/v1/coordinators?q=
func (s *Server) handleCoordinatorSearch(w http.ResponseWriter, r *http.Request) {
	query := strings.TrimSpace(r.URL.Query().Get("q"))
	if len([]rune(query)) < 2 {
		s.sendError(w, http.StatusBadRequest, "q must be at least 2 characters")
		return
	}

	leaders, err := s.recipients.SearchLeaders(r.Context(), query, 20)
	if err != nil {
		s.logger.Error("coordinator search failed", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Search failed")
		return
	}

	results := make([]CoordinatorSummary, 0, len(leaders))
	for _, l := range leaders {
		results = append(results, CoordinatorSummary{ID: l.ID, Name: l.Name, Address: l.Address})
	}
	s.sendJSON(w, http.StatusOK, results)
}

// requireTemplate rejects a missing or unknown template key before any
// recipients are resolved. Writes the error response itself; the
// caller just returns on false.
func (s *Server) requireTemplate(w http.ResponseWriter, r *http.Request, key string) bool {
	if key == "" {
		s.sendError(w, http.StatusBadRequest, "template_key is required")
		return false
	}
	tmpl, err := s.templates.GetByKey(r.Context(), key)
	if err != nil {
		s.logger.Error("template lookup failed", "template", key, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Template lookup failed")
		return false
	}
	if tmpl == nil {
		s.sendError(w, http.StatusBadRequest, fmt.Sprintf("unknown template_key %q", key))
		return false
	}
	return true
}

// handleTemplateList handles GET /api/v1/templates
func (s *Server) handleTemplateList(w http.ResponseWriter, r *http.Request) {
	templates, err := s.templates.List(r.Context())
	if err != nil {
		s.logger.Error("template list failed", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Template list failed")
		return
	}

	results := make([]TemplateSummary, 0, len(templates))
	for _, t := range templates {
		results = append(results, TemplateSummary{Key: t.Key, Name: t.Name})
	}
	s.sendJSON(w, http.StatusOK, results)
}

// handleSchedule handles POST /api/v1/schedules
func (s *Server) handleSchedule(w http.ResponseWriter, r *http.Request) {
	var req ScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if !s.requireTemplate(w, r, req.TemplateKey) {
		return
	}
	if req.SendAt.IsZero() {
		s.sendError(w, http.StatusBadRequest, "send_at is required")
		return
	}

	strategy, err := req.Strategy.toStrategy()
	if err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	ids, err := s.scheduler.Schedule(r.Context(), strategy, req.TemplateKey, req.SendAt)
	if err != nil {
		if errors.Is(err, dispatch.ErrNoRecipients) {
			s.sendError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("failed to schedule jobs", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to schedule jobs")
		return
	}

	s.sendJSON(w, http.StatusCreated, ScheduleResponse{JobIDs: ids})
}

// handleDueJobs handles GET /api/v1/schedules/due
func (s *Server) handleDueJobs(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.sendError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	jobs, err := s.outbox.Due(r.Context(), time.Now(), limit)
	if err != nil {
		s.logger.Error("failed to claim due jobs", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to claim due jobs")
		return
	}
	if jobs == nil {
		jobs = []models.DeferredJob{}
	}

	s.sendJSON(w, http.StatusOK, DueJobsResponse{Jobs: jobs})
}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	pending, claimed, err := s.outbox.Stats(r.Context())
	if err != nil {
		s.logger.Error("failed to read outbox stats", "error", err)
	}

	s.sendJSON(w, http.StatusOK, HealthResponse{
		Status:        "ok",
		Uptime:        time.Since(s.startTime).Round(time.Second).String(),
		RunStatus:     s.runner.Snapshot().Status,
		OutboxPending: pending,
		OutboxClaimed: claimed,
	})
}

// sendRunError maps state-machine errors onto HTTP statuses: bad
// operator input is 400, transition conflicts are 409.
func (s *Server) sendRunError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, dispatch.ErrNoRecipients):
		s.sendError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, dispatch.ErrInvalidTransition), errors.Is(err, dispatch.ErrRunMismatch):
		s.sendError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("run command failed", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Internal error")
	}
}

// sendJSON sends a JSON response
func (s *Server) sendJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// sendError sends an error response
func (s *Server) sendError(w http.ResponseWriter, status int, message string) {
	s.sendJSON(w, status, ErrorResponse{Error: message})
}
