// Package funnel admits subscribers into funnels.
//
// Membership is idempotent: entering an existing member leaves their
// workflow position alone unless the caller asks to ignore previous history.
package funnel

import (
	"context"
	"fmt"
	"time"

	"github.com/ignite/squeeze/internal/domain"
	"github.com/ignite/squeeze/internal/pkg/logger"
	"github.com/ignite/squeeze/internal/store"
)

// Service is the funnel entry point used by signup flows and modify steps.
type Service struct {
	funnels     store.FunnelStore
	subscribers store.SubscriberStore
	now         func() time.Time
}

// NewService creates a Service.
func NewService(funnels store.FunnelStore, subscribers store.SubscriberStore, now func() time.Time) *Service {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Service{funnels: funnels, subscribers: subscribers, now: now}
}

// Enter joins subscriberID to funnelID. The subscriber is moved to the
// funnel's entry step only when the membership is new or
// ignorePreviousHistory is set.
func (s *Service) Enter(ctx context.Context, funnelID, subscriberID string, ignorePreviousHistory bool) (*domain.FunnelSubscription, error) {
	f, err := s.funnels.Get(ctx, funnelID)
	if err != nil {
		return nil, fmt.Errorf("load funnel %s: %w", funnelID, err)
	}
	now := s.now()
	membership, created, err := s.funnels.GetOrCreateSubscription(ctx, funnelID, subscriberID, now)
	if err != nil {
		return nil, fmt.Errorf("join funnel %s: %w", funnelID, err)
	}
	if !created && !ignorePreviousHistory {
		return membership, nil
	}
	if f.EntryStepID == nil {
		logger.Warn("funnel has no entry step", "funnel_id", funnelID, "subscriber_id", subscriberID)
		return membership, nil
	}
	if err := s.subscribers.MoveToStep(ctx, subscriberID, *f.EntryStepID, now); err != nil {
		return nil, fmt.Errorf("move to entry step: %w", err)
	}
	logger.Debug("subscriber entered funnel", "funnel_id", funnelID, "subscriber_id", subscriberID,
		"new_member", created, "step_id", *f.EntryStepID)
	return membership, nil
}

// EnterEmail resolves or creates the subscriber for email and enters it.
func (s *Service) EnterEmail(ctx context.Context, funnelID, email string, ignorePreviousHistory bool) (*domain.FunnelSubscription, error) {
	sub, _, err := s.GetOrCreateByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	return s.Enter(ctx, funnelID, sub.ID, ignorePreviousHistory)
}

// GetOrCreateByEmail normalizes email and returns its subscriber, creating
// an active one if needed.
func (s *Service) GetOrCreateByEmail(ctx context.Context, email string) (*domain.Subscriber, bool, error) {
	email = domain.NormalizeEmail(email)
	if email == "" {
		return nil, false, fmt.Errorf("empty email")
	}
	sub, created, err := s.subscribers.GetOrCreateByEmail(ctx, email, s.now())
	if err != nil {
		return nil, false, fmt.Errorf("get or create subscriber: %w", err)
	}
	return sub, created, nil
}
