package engagement

import (
	"context"
	"fmt"

	"github.com/ignite/squeeze/internal/domain"
	"github.com/ignite/squeeze/internal/store"
)

// Reports answers engagement rate queries.
type Reports struct {
	facts store.EngagementStore
}

// NewReports creates a Reports.
func NewReports(facts store.EngagementStore) *Reports {
	return &Reports{facts: facts}
}

// DripStats returns delivery counts and rates over sent intents.
func (r *Reports) DripStats(ctx context.Context, dripID string) (*domain.DripStats, error) {
	st, err := r.facts.DripStats(ctx, dripID)
	if err != nil {
		return nil, fmt.Errorf("drip stats: %w", err)
	}
	st.OpenRate = rate(st.Opened, st.Sent)
	st.ClickRate = rate(st.Clicked, st.Sent)
	st.SpamRate = rate(st.Spammed, st.Sent)
	st.UnsubscribeRate = rate(st.Unsubscribed, st.Sent)
	return st, nil
}

// SubjectStats returns per-subject counts and rates for a split-tested drip.
func (r *Reports) SubjectStats(ctx context.Context, dripID string) ([]domain.SubjectStats, error) {
	stats, err := r.facts.SubjectStats(ctx, dripID)
	if err != nil {
		return nil, fmt.Errorf("subject stats: %w", err)
	}
	for i := range stats {
		stats[i].OpenRate = rate(stats[i].Opened, stats[i].Sent)
		stats[i].ClickRate = rate(stats[i].Clicked, stats[i].Sent)
	}
	return stats, nil
}

func rate(n, sent int) float64 {
	if sent == 0 {
		return 0
	}
	return float64(n) / float64(sent)
}
