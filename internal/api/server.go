package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"dispatchq/internal/models"
	"dispatchq/internal/queue"
	"dispatchq/internal/ratelimit"
	"dispatchq/internal/telemetry"
)

// Server wires HTTP handlers around the queue service. This is the only
// surface the surrounding application talks to.
type Server struct {
	svc     *queue.Service
	limiter *ratelimit.TokenBucket
	log     zerolog.Logger
}

// New constructs the API server. The limiter may be nil to disable
// enqueue rate limiting.
func New(svc *queue.Service, limiter *ratelimit.TokenBucket, log zerolog.Logger) *Server {
	return &Server{svc: svc, limiter: limiter, log: log}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/v1/dispatches", s.handleAddDispatch)
	r.Get("/v1/dispatches/{id}", s.handleJobStatus)
	r.Post("/v1/dispatches/{id}/cancel", s.handleCancel)
	r.Get("/v1/queues/stats", s.handleStats)
	return r
}

type dispatchRequest struct {
	SelectionID     string   `json:"selection_id"`
	ClientID        string   `json:"client_id"`
	CandidateIDs    []string `json:"candidate_ids"`
	MessageTemplate string   `json:"message_template"`
	Priority        string   `json:"priority"`
	RequestedBy     string   `json:"requested_by"`
	RateLimit       struct {
		DelayPerMessageMS int `json:"delay_per_message_ms"`
		BatchSize         int `json:"batch_size"`
		MaxRetries        int `json:"max_retries"`
	} `json:"rate_limit"`
}

type dispatchResponse struct {
	JobID string `json:"job_id"`
}

func (s *Server) handleAddDispatch(w http.ResponseWriter, r *http.Request) {
	var req dispatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	if s.limiter != nil && req.ClientID != "" {
		allowed, _, err := s.limiter.Allow(r.Context(), req.ClientID)
		if err != nil {
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	jobID, err := s.svc.AddDispatchJob(r.Context(), models.DispatchPayload{
		SelectionID:     req.SelectionID,
		ClientID:        req.ClientID,
		CandidateIDs:    req.CandidateIDs,
		MessageTemplate: req.MessageTemplate,
		PriorityClass:   req.Priority,
		RequestedBy:     req.RequestedBy,
		RateLimit: models.RateLimit{
			DelayPerMessage: time.Duration(req.RateLimit.DelayPerMessageMS) * time.Millisecond,
			BatchSize:       req.RateLimit.BatchSize,
			MaxRetries:      req.RateLimit.MaxRetries,
		},
	})
	if err != nil {
		if errors.Is(err, queue.ErrNoClient) || errors.Is(err, queue.ErrNoCandidates) || errors.Is(err, queue.ErrNoTemplate) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.log.Error().Err(err).Msg("enqueue dispatch failed")
		http.Error(w, "enqueue failed", http.StatusInternalServerError)
		return
	}

	telemetry.DispatchesEnqueued.Inc()
	writeJSON(w, http.StatusAccepted, dispatchResponse{JobID: jobID})
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	status, err := s.svc.GetJobStatus(r.Context(), id)
	if err != nil {
		http.Error(w, "status lookup failed", http.StatusInternalServerError)
		return
	}
	code := http.StatusOK
	if status.Status == queue.StatusNotFound {
		code = http.StatusNotFound
	}
	writeJSON(w, code, status)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ok, err := s.svc.CancelJob(r.Context(), id)
	if err != nil {
		http.Error(w, "cancel failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": ok})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.svc.GetQueueStats(r.Context())
	if err != nil {
		http.Error(w, "stats unavailable", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
