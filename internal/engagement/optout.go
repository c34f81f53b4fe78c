package engagement

import (
	"context"
	"fmt"
	"time"

	"github.com/ignite/squeeze/internal/domain"
	"github.com/ignite/squeeze/internal/pkg/logger"
	"github.com/ignite/squeeze/internal/store"
)

// OptOut deactivates subscribers based on their engagement.
type OptOut struct {
	subscribers store.SubscriberStore
	facts       store.EngagementStore
	now         func() time.Time
}

// NewOptOut creates an OptOut.
func NewOptOut(subscribers store.SubscriberStore, facts store.EngagementStore, now func() time.Time) *OptOut {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &OptOut{subscribers: subscribers, facts: facts, now: now}
}

// SpamReporters unsubscribes every active subscriber who reported any drip
// as spam and returns how many were unsubscribed.
func (o *OptOut) SpamReporters(ctx context.Context) (int, error) {
	ids, err := o.facts.SubscribersWithFact(ctx, domain.FactSpam)
	if err != nil {
		return 0, fmt.Errorf("list spam reporters: %w", err)
	}
	now := o.now()
	n := 0
	for _, id := range ids {
		if err := o.subscribers.Unsubscribe(ctx, id, now); err != nil {
			logger.Error("spam opt-out failed", "subscriber_id", id, "error", err)
			continue
		}
		n++
	}
	logger.Info("spam reporters opted out", "candidates", len(ids), "unsubscribed", n)
	return n, nil
}
