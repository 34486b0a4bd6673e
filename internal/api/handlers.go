package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/shelfwatch/assortment-crawler/internal/models"
)

// ProductCounter reports persisted record counts per platform.
type ProductCounter interface {
	CountByPlatform(ctx context.Context) (map[string]int, error)
}

// OutboxMonitor reports how many outbox events still await relay delivery.
type OutboxMonitor interface {
	PendingCount(ctx context.Context) (int64, error)
}

// Handlers exposes crawl progress over HTTP: health, per-job status, and
// aggregate stats. It is read-only; crawls are started from the CLI.
type Handlers struct {
	registry *Registry
	products ProductCounter
	outbox   OutboxMonitor
	logger   *slog.Logger
}

func NewHandlers(registry *Registry, logger *slog.Logger) *Handlers {
	return &Handlers{
		registry: registry,
		logger:   logger,
	}
}

// WithStore attaches database-backed stat sources. Without them /stats
// serves the in-memory job counters only, as on CSV-output runs.
func (h *Handlers) WithStore(products ProductCounter, outbox OutboxMonitor) *Handlers {
	h.products = products
	h.outbox = outbox
	return h
}

// Router builds the chi router with the standard middleware stack.
func (h *Handlers) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/healthz", h.Health)
	r.Get("/jobs", h.ListJobs)
	r.Get("/jobs/{id}", h.GetJob)
	r.Get("/stats", h.Stats)

	return r
}

func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handlers) ListJobs(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, h.registry.List())
}

func (h *Handlers) GetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, ok := h.registry.Get(id)
	if !ok {
		h.respondError(w, http.StatusNotFound, "job not found")
		return
	}
	h.respondJSON(w, http.StatusOK, job)
}

// StatsResponse aggregates counters across every job the process has run.
// The store-backed fields are present only when a database store is wired.
type StatsResponse struct {
	Jobs               int             `json:"jobs"`
	Running            int             `json:"running"`
	ByState            map[string]int  `json:"by_state"`
	Counters           models.Counters `json:"counters"`
	ProductsByPlatform map[string]int  `json:"products_by_platform,omitempty"`
	OutboxPending      *int64          `json:"outbox_pending,omitempty"`
}

func (h *Handlers) Stats(w http.ResponseWriter, r *http.Request) {
	jobs := h.registry.List()

	resp := StatsResponse{
		Jobs:    len(jobs),
		ByState: make(map[string]int),
	}
	for _, job := range jobs {
		resp.ByState[string(job.State)]++
		if !job.State.Terminal() {
			resp.Running++
		}
		resp.Counters.PagesFetched += job.Counters.PagesFetched
		resp.Counters.Fetched += job.Counters.Fetched
		resp.Counters.Normalized += job.Counters.Normalized
		resp.Counters.Synced += job.Counters.Synced
		resp.Counters.Failed += job.Counters.Failed
	}

	if h.products != nil {
		counts, err := h.products.CountByPlatform(r.Context())
		if err != nil {
			h.logger.Warn("failed to count products for stats", "error", err)
		} else {
			resp.ProductsByPlatform = counts
		}
	}
	if h.outbox != nil {
		pending, err := h.outbox.PendingCount(r.Context())
		if err != nil {
			h.logger.Warn("failed to read outbox lag for stats", "error", err)
		} else {
			resp.OutboxPending = &pending
		}
	}

	h.respondJSON(w, http.StatusOK, resp)
}

func (h *Handlers) respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handlers) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, map[string]string{"error": message})
}
