// Package api exposes the HTTP surface: work item intake and scheduling,
// gateway webhooks, health and metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"gbp-orchestrator/internal/config"
	"gbp-orchestrator/internal/lifecycle"
	"gbp-orchestrator/internal/models"
	"gbp-orchestrator/internal/ratelimit"
	"gbp-orchestrator/internal/store"
	"gbp-orchestrator/internal/telemetry"
	"gbp-orchestrator/internal/webhook"
)

// ItemStore is the work item surface the handlers need.
type ItemStore interface {
	CreateWorkItem(ctx context.Context, p store.CreateWorkItemParams) (models.WorkItem, error)
	GetWorkItem(ctx context.Context, id string) (models.WorkItem, error)
	Schedule(ctx context.Context, id string, at time.Time) error
	CreateTransaction(ctx context.Context, p store.CreateTransactionParams) (models.PaymentTransaction, error)
}

// Reconciler applies decoded webhook events.
type Reconciler interface {
	Apply(ctx context.Context, ev webhook.Event) (webhook.Result, error)
}

// Server wires HTTP handlers for the dashboard-facing API.
type Server struct {
	cfg        config.Config
	store      ItemStore
	reconciler Reconciler
	limiter    *ratelimit.TokenBucket
}

// New constructs the API server. limiter may be nil, which disables
// per-tenant rate limiting.
func New(cfg config.Config, st ItemStore, rec Reconciler, limiter *ratelimit.TokenBucket) *Server {
	return &Server{
		cfg:        cfg,
		store:      st,
		reconciler: rec,
		limiter:    limiter,
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

	r.Post("/posts", s.handleCreatePost)
	r.Get("/posts/{id}", s.handleGetPost)
	r.Post("/posts/{id}/schedule", s.handleSchedule)
	r.Post("/transactions", s.handleCreateTransaction)
	r.Post("/webhooks/{gateway}", s.handleWebhook)
	return r
}

type createPostRequest struct {
	Kind        string     `json:"kind"`
	LocationID  string     `json:"location_id"`
	Content     string     `json:"content"`
	MediaURLs   []string   `json:"media_urls"`
	ScheduledAt *time.Time `json:"scheduled_at"`
}

func (s *Server) handleCreatePost(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFromRequest(r)
	if !s.allow(w, r, tenant) {
		return
	}

	var req createPostRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.LocationID == "" {
		http.Error(w, "location_id is required", http.StatusBadRequest)
		return
	}
	if req.Content == "" {
		http.Error(w, "content is required", http.StatusBadRequest)
		return
	}

	item, err := s.store.CreateWorkItem(r.Context(), store.CreateWorkItemParams{
		Kind:        req.Kind,
		Tenant:      tenant,
		LocationID:  req.LocationID,
		Content:     req.Content,
		MediaURLs:   req.MediaURLs,
		ScheduledAt: req.ScheduledAt,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, item)
}

func (s *Server) handleGetPost(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	item, err := s.store.GetWorkItem(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

type scheduleRequest struct {
	ScheduledAt time.Time `json:"scheduled_at"`
}

func (s *Server) handleSchedule(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFromRequest(r)
	if !s.allow(w, r, tenant) {
		return
	}

	var req scheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.ScheduledAt.IsZero() {
		http.Error(w, "scheduled_at is required", http.StatusBadRequest)
		return
	}

	id := chi.URLParam(r, "id")
	if err := s.store.Schedule(r.Context(), id, req.ScheduledAt); err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			http.Error(w, "not found", http.StatusNotFound)
		case errors.Is(err, store.ErrConflict), errors.Is(err, lifecycle.ErrInvalidTransition):
			http.Error(w, "item is not schedulable", http.StatusConflict)
		default:
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": models.StatusScheduled})
}

type createTransactionRequest struct {
	Gateway              string `json:"gateway"`
	GatewayTransactionID string `json:"gateway_transaction_id"`
	AmountCents          int64  `json:"amount_cents"`
	Currency             string `json:"currency"`
}

func (s *Server) handleCreateTransaction(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFromRequest(r)
	if !s.allow(w, r, tenant) {
		return
	}

	var req createTransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Gateway == "" || req.GatewayTransactionID == "" {
		http.Error(w, "gateway and gateway_transaction_id are required", http.StatusBadRequest)
		return
	}

	tx, err := s.store.CreateTransaction(r.Context(), store.CreateTransactionParams{
		Tenant:               tenant,
		Gateway:              req.Gateway,
		GatewayTransactionID: req.GatewayTransactionID,
		AmountCents:          req.AmountCents,
		Currency:             req.Currency,
	})
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			http.Error(w, "transaction already exists", http.StatusConflict)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, tx)
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	gateway := chi.URLParam(r, "gateway")
	body, err := readBody(r)
	if err != nil {
		http.Error(w, "unreadable body", http.StatusBadRequest)
		return
	}

	ev, err := webhook.Parse(gateway, body)
	if err != nil {
		switch {
		case errors.Is(err, webhook.ErrUnknownGateway):
			http.Error(w, "unknown gateway", http.StatusNotFound)
		case errors.Is(err, webhook.ErrUnhandledEvent):
			// Acknowledge so the gateway stops redelivering.
			writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		default:
			http.Error(w, "invalid event", http.StatusBadRequest)
		}
		return
	}

	res, err := s.reconciler.Apply(r.Context(), ev)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			http.Error(w, "unknown transaction", http.StatusNotFound)
		case errors.Is(err, lifecycle.ErrInvalidTransition):
			http.Error(w, "transition not allowed", http.StatusConflict)
		default:
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}

	status := "applied"
	if !res.Applied {
		status = "duplicate"
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": status, "transaction": res.Transaction})
}

// allow enforces the per-tenant rate limit, writing the 429 itself.
func (s *Server) allow(w http.ResponseWriter, r *http.Request, tenant string) bool {
	if s.limiter == nil {
		return true
	}
	allowed, err := s.limiter.AllowTenant(r.Context(), tenant)
	if err != nil {
		http.Error(w, "rate limit error", http.StatusInternalServerError)
		return false
	}
	if !allowed {
		telemetry.RateLimitRejects.Inc()
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return false
	}
	return true
}

func tenantFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Tenant-ID"); v != "" {
		return v
	}
	return "default"
}

func readBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	return io.ReadAll(io.LimitReader(r.Body, 1<<20))
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
