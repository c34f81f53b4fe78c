package memory

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/ignite/squeeze/internal/domain"
	"github.com/ignite/squeeze/internal/store"
)

func (r *FunnelRepo) GetOrCreateSubscription(_ context.Context, funnelID, subscriberID string, now time.Time) (*domain.FunnelSubscription, bool, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if _, ok := r.db.funnels[funnelID]; !ok {
		return nil, false, store.ErrNotFound
	}
	key := pair{funnelID, subscriberID}
	if fs, ok := r.db.subscriptions[key]; ok {
		cp := *fs
		return &cp, false, nil
	}
	fs := &domain.FunnelSubscription{
		ID:           uuid.NewString(),
		FunnelID:     funnelID,
		SubscriberID: subscriberID,
		CreatedAt:    now,
	}
	r.db.subscriptions[key] = fs
	cp := *fs
	return &cp, true, nil
}
