package api

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"review-batch-runner/internal/config"
	"review-batch-runner/internal/logging"
	"review-batch-runner/internal/models"
	"review-batch-runner/internal/runner"
	"review-batch-runner/internal/store"
	"review-batch-runner/internal/telemetry"
)

// Server wires HTTP handlers for the cron trigger and job management API.
type Server struct {
	cfg    config.Config
	store  *store.Store
	runner *runner.Runner
}

// New constructs the API server.
func New(cfg config.Config, st *store.Store, run *runner.Runner) *Server {
	return &Server{
		cfg:    cfg,
		store:  st,
		runner: run,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Get("/cron/run", s.handleCronRun)
	r.Post("/jobs", s.handleCreateJob)
	r.Get("/jobs/{id}", s.handleGetJob)
	r.Get("/jobs/{id}/items", s.handleListItems)
	r.Get("/accounts/{id}/alerts", s.handleListAlerts)
	return r
}

// handleCronRun is the trigger hit by the external periodic scheduler. Item
// failures are data in the summary, never an HTTP error; only a bad bearer
// token changes the status code.
func (s *Server) handleCronRun(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	summary, err := s.runner.Tick(r.Context())
	if err != nil {
		logging.Error(err, "cron tick failed")
		summary.Success = false
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) authorized(r *http.Request) bool {
	if s.cfg.CronSecret == "" {
		return false
	}
	header := r.Header.Get("Authorization")
	token := strings.TrimPrefix(header, "Bearer ")
	if token == header {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.CronSecret)) == 1
}

type createJobRequest struct {
	AccountID      string           `json:"account_id"`
	Kind           string           `json:"kind"`
	Capabilities   []string         `json:"capabilities"`
	Items          []map[string]any `json:"items"`
	IdempotencyKey string           `json:"idempotency_key"`
}

type createJobResponse struct {
	Job        models.Job `json:"job"`
	Idempotent bool       `json:"idempotent"`
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.AccountID == "" {
		http.Error(w, "account_id is required", http.StatusBadRequest)
		return
	}
	if !validKind(req.Kind) {
		http.Error(w, "unknown kind", http.StatusBadRequest)
		return
	}
	if len(req.Items) == 0 {
		http.Error(w, "items are required", http.StatusBadRequest)
		return
	}

	job, idempotent, err := s.store.CreateJob(r.Context(), store.CreateJobParams{
		AccountID:      req.AccountID,
		Kind:           req.Kind,
		Capabilities:   req.Capabilities,
		Items:          req.Items,
		IdempotencyKey: req.IdempotencyKey,
		IdempotencyTTL: s.cfg.IdempotencyTTL,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, createJobResponse{Job: job, Idempotent: idempotent})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.store.GetJob(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleListItems(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	items, err := s.store.ListItems(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	alerts, err := s.store.ListChanges(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": alerts})
}

func validKind(kind string) bool {
	switch kind {
	case models.KindLLMCheck, models.KindPostText, models.KindPostPhoto, models.KindProfileCheck:
		return true
	}
	return false
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
