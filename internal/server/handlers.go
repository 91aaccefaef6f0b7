package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"autopilot/internal/app"
	"autopilot/internal/health"
	"autopilot/internal/jobs"
	"autopilot/internal/notify"
)

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps the core error taxonomy onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, jobs.ErrValidation), errors.Is(err, notify.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, jobs.ErrUnknownType), errors.Is(err, notify.ErrUnknownTemplate), errors.Is(err, jobs.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, jobs.ErrDuplicateJob), errors.Is(err, jobs.ErrInvalidState):
		status = http.StatusConflict
	}
	writeJSON(w, status, errorBody{Error: err.Error()})
}

func decodeBody(r *http.Request, v any) error {
	defer func() { _ = r.Body.Close() }()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", jobs.ErrValidation, err)
	}
	return nil
}

func (s *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.core.GetSystemStatus())
}

func (s *Service) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.core.GetAnalyticsDashboard())
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := s.core.HealthCheck(r.Context())
	status := http.StatusOK
	if report.Status == health.StatusDown {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

type triggerRequest struct {
	Priority *int           `json:"priority,omitempty"`
	Payload  map[string]any `json:"payload,omitempty"`
	Sync     bool           `json:"sync,omitempty"`
	Timeout  string         `json:"timeout,omitempty"`
}

func (s *Service) handleTrigger(w http.ResponseWriter, r *http.Request) {
	t := jobs.AutomationType(chi.URLParam(r, "type"))

	var req triggerRequest
	if r.ContentLength > 0 {
		if err := decodeBody(r, &req); err != nil {
			writeError(w, err)
			return
		}
	}

	var timeout time.Duration
	if strings.TrimSpace(req.Timeout) != "" {
		d, err := time.ParseDuration(req.Timeout)
		if err != nil || d < 0 {
			writeError(w, fmt.Errorf("%w: invalid timeout %q", jobs.ErrValidation, req.Timeout))
			return
		}
		timeout = d
	}

	res, err := s.core.TriggerAutomation(r.Context(), t, app.TriggerOptions{
		Priority: req.Priority,
		Payload:  req.Payload,
		Sync:     req.Sync,
		Timeout:  timeout,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

type enqueueRequest struct {
	Type        string         `json:"type"`
	Payload     map[string]any `json:"payload,omitempty"`
	Priority    int            `json:"priority,omitempty"`
	DedupKey    string         `json:"dedup_key,omitempty"`
	OwnerUserID string         `json:"owner_user_id,omitempty"`
}

func (s *Service) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	id, err := s.core.QueuePriorityJob(jobs.Job{
		Type:        jobs.AutomationType(req.Type),
		Payload:     req.Payload,
		Priority:    req.Priority,
		DedupKey:    req.DedupKey,
		OwnerUserID: req.OwnerUserID,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"job_id": id})
}

func (s *Service) handleGetJob(w http.ResponseWriter, r *http.Request) {
	j, err := s.core.GetJob(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (s *Service) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.core.CancelJob(id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job_id": id, "cancelled": true})
}

type notifyRequest struct {
	UserID   string         `json:"user_id"`
	Template string         `json:"template"`
	Data     map[string]any `json:"data,omitempty"`
}

func (s *Service) handleNotify(w http.ResponseWriter, r *http.Request) {
	var req notifyRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	sent, err := s.core.SendImmediateNotification(r.Context(), req.UserID, req.Template, req.Data)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sent": sent})
}

func (s *Service) handleMetrics(w http.ResponseWriter, r *http.Request) {
	promhttp.HandlerFor(s.core.MetricsGatherer(), promhttp.HandlerOpts{}).ServeHTTP(w, r)
}
