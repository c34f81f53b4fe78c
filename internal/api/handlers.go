package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/ignite/squeeze/internal/domain"
	"github.com/ignite/squeeze/internal/engagement"
	"github.com/ignite/squeeze/internal/pkg/logger"
	"github.com/ignite/squeeze/internal/store"
)

// Reports answers the engagement rate queries; *engagement.Reports
// satisfies it.
type Reports interface {
	DripStats(ctx context.Context, dripID string) (*domain.DripStats, error)
	SubjectStats(ctx context.Context, dripID string) ([]domain.SubjectStats, error)
}

// Recorder records engagement facts from tracking links;
// *engagement.Recorder satisfies it.
type Recorder interface {
	RecordOpen(ctx context.Context, dripID, subscriberID, token string) error
	RecordClick(ctx context.Context, dripID, subscriberID, token string, moveToStepID *string) error
	RecordUnsubscribe(ctx context.Context, dripID, subscriberID, token string) error
}

// Deps are the collaborators of Handlers.
type Deps struct {
	Drips       store.DripStore
	Steps       store.StepStore
	Subscribers store.SubscriberStore
	Reports     Reports
	Recorder    Recorder
	// Ping checks the backing store for /healthz; optional.
	Ping func(ctx context.Context) error
}

// Handlers contains all HTTP handlers
type Handlers struct {
	drips       store.DripStore
	steps       store.StepStore
	subscribers store.SubscriberStore
	reports     Reports
	recorder    Recorder
	ping        func(ctx context.Context) error
}

// NewHandlers creates a new Handlers instance
func NewHandlers(deps Deps) *Handlers {
	return &Handlers{
		drips:       deps.Drips,
		steps:       deps.Steps,
		subscribers: deps.Subscribers,
		reports:     deps.Reports,
		recorder:    deps.Recorder,
		ping:        deps.Ping,
	}
}

// Response helpers

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// respondStoreError maps store sentinels to status codes. Anything else is
// logged and answered with a generic message.
func respondStoreError(w http.ResponseWriter, err error, what string) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		respondError(w, http.StatusNotFound, what+" not found")
	case errors.Is(err, engagement.ErrInvalidToken):
		respondError(w, http.StatusForbidden, "invalid token")
	default:
		logger.Error("api request failed", "resource", what, "error", err)
		respondError(w, http.StatusInternalServerError, "An internal error occurred")
	}
}

// HealthCheck returns service health status
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	status, code := "healthy", http.StatusOK
	if h.ping != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.ping(ctx); err != nil {
			logger.Warn("health check ping failed", "error", err)
			status, code = "unhealthy", http.StatusServiceUnavailable
		}
	}
	respondJSON(w, code, map[string]interface{}{
		"status":    status,
		"timestamp": time.Now().UTC(),
	})
}

// GetDripStats returns delivery counts and rates for a drip.
func (h *Handlers) GetDripStats(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.drips.Get(r.Context(), id); err != nil {
		respondStoreError(w, err, "drip")
		return
	}
	stats, err := h.reports.DripStats(r.Context(), id)
	if err != nil {
		respondStoreError(w, err, "drip stats")
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

// GetSubjectStats returns per-subject counts for a split-tested drip.
func (h *Handlers) GetSubjectStats(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	drip, err := h.drips.Get(r.Context(), id)
	if err != nil {
		respondStoreError(w, err, "drip")
		return
	}
	stats, err := h.reports.SubjectStats(r.Context(), id)
	if err != nil {
		respondStoreError(w, err, "subject stats")
		return
	}
	if stats == nil {
		stats = []domain.SubjectStats{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"drip_id":       id,
		"split_testing": drip.SplitTesting(),
		"subjects":      stats,
	})
}

// GetStepSubscriberCount returns how many active subscribers sit on a step.
func (h *Handlers) GetStepSubscriberCount(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.steps.Get(r.Context(), id); err != nil {
		respondStoreError(w, err, "step")
		return
	}
	n, err := h.subscribers.CountOnStep(r.Context(), id)
	if err != nil {
		respondStoreError(w, err, "step count")
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"step_id": id, "subscribers": n})
}
