package api

import (
	"errors"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	"github.com/ignite/squeeze/internal/engagement"
	"github.com/ignite/squeeze/internal/pkg/logger"
)

type trackingParams struct {
	dripID       string
	subscriberID string
	token        string
}

func trackingFromRequest(r *http.Request) trackingParams {
	return trackingParams{
		dripID:       chi.URLParam(r, "drip"),
		subscriberID: chi.URLParam(r, "subscriber"),
		token:        chi.URLParam(r, "token"),
	}
}

// TrackOpen records an open from the tracking pixel. It always answers 204
// so a bad link never shows a broken image.
func (h *Handlers) TrackOpen(w http.ResponseWriter, r *http.Request) {
	p := trackingFromRequest(r)
	if err := h.recorder.RecordOpen(r.Context(), p.dripID, p.subscriberID, p.token); err != nil {
		logger.Warn("open not recorded", "drip_id", p.dripID, "subscriber_id", p.subscriberID, "error", err)
	}
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusNoContent)
}

// TrackClick records a click and redirects to the url query parameter. An
// optional step parameter moves the subscriber.
func (h *Handlers) TrackClick(w http.ResponseWriter, r *http.Request) {
	p := trackingFromRequest(r)
	target, err := url.Parse(r.URL.Query().Get("url"))
	if err != nil || (target.Scheme != "http" && target.Scheme != "https") {
		respondError(w, http.StatusBadRequest, "invalid redirect url")
		return
	}

	var moveTo *string
	if step := r.URL.Query().Get("step"); step != "" {
		moveTo = &step
	}
	if err := h.recorder.RecordClick(r.Context(), p.dripID, p.subscriberID, p.token, moveTo); err != nil {
		if errors.Is(err, engagement.ErrInvalidToken) {
			respondError(w, http.StatusForbidden, "invalid token")
			return
		}
		// The reader still gets where they were going.
		logger.Error("click not recorded", "drip_id", p.dripID, "subscriber_id", p.subscriberID, "error", err)
	}
	http.Redirect(w, r, target.String(), http.StatusFound)
}

// Unsubscribe records the unsubscribe fact and deactivates the subscriber.
func (h *Handlers) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	p := trackingFromRequest(r)
	if err := h.recorder.RecordUnsubscribe(r.Context(), p.dripID, p.subscriberID, p.token); err != nil {
		respondStoreError(w, err, "subscription")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "unsubscribed"})
}
