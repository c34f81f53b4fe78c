package engagement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ignite/squeeze/internal/domain"
	"github.com/ignite/squeeze/internal/pkg/logger"
	"github.com/ignite/squeeze/internal/store"
)

// Recorder turns tracking hits into engagement facts.
type Recorder struct {
	subscribers store.SubscriberStore
	intents     store.IntentStore
	facts       store.EngagementStore
	tokens      *Tokens
	now         func() time.Time
}

// NewRecorder creates a Recorder.
func NewRecorder(subscribers store.SubscriberStore, intents store.IntentStore, facts store.EngagementStore, tokens *Tokens, now func() time.Time) *Recorder {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Recorder{subscribers: subscribers, intents: intents, facts: facts, tokens: tokens, now: now}
}

// RecordOpen records that the drip was opened.
func (r *Recorder) RecordOpen(ctx context.Context, dripID, subscriberID, token string) error {
	intent, _, err := r.resolve(ctx, dripID, subscriberID, token)
	if err != nil {
		return err
	}
	return r.add(ctx, intent, domain.FactOpen)
}

// RecordClick records a click, which implies an open. When moveToStepID is
// set the subscriber is moved there, e.g. to branch a workflow on interest.
func (r *Recorder) RecordClick(ctx context.Context, dripID, subscriberID, token string, moveToStepID *string) error {
	intent, _, err := r.resolve(ctx, dripID, subscriberID, token)
	if err != nil {
		return err
	}
	if err := r.add(ctx, intent, domain.FactOpen); err != nil {
		return err
	}
	if err := r.add(ctx, intent, domain.FactClick); err != nil {
		return err
	}
	if moveToStepID != nil {
		if err := r.subscribers.MoveToStep(ctx, subscriberID, *moveToStepID, r.now()); err != nil {
			return fmt.Errorf("move clicker to step: %w", err)
		}
	}
	return nil
}

// RecordSpam records a spam complaint.
func (r *Recorder) RecordSpam(ctx context.Context, dripID, subscriberID, token string) error {
	intent, _, err := r.resolve(ctx, dripID, subscriberID, token)
	if err != nil {
		return err
	}
	return r.add(ctx, intent, domain.FactSpam)
}

// RecordUnsubscribe records the unsubscribe fact and deactivates the subscriber.
func (r *Recorder) RecordUnsubscribe(ctx context.Context, dripID, subscriberID, token string) error {
	intent, sub, err := r.resolve(ctx, dripID, subscriberID, token)
	if err != nil {
		return err
	}
	if err := r.add(ctx, intent, domain.FactUnsubscribe); err != nil {
		return err
	}
	if !sub.IsActive {
		return nil
	}
	if err := r.subscribers.Unsubscribe(ctx, sub.ID, r.now()); err != nil {
		return fmt.Errorf("unsubscribe: %w", err)
	}
	logger.Info("subscriber unsubscribed", "drip_id", dripID, "subscriber_id", sub.ID)
	return nil
}

func (r *Recorder) resolve(ctx context.Context, dripID, subscriberID, token string) (*domain.SendIntent, *domain.Subscriber, error) {
	sub, err := r.subscribers.Get(ctx, subscriberID)
	if err != nil {
		return nil, nil, fmt.Errorf("load subscriber %s: %w", subscriberID, err)
	}
	if !r.tokens.Verify(sub.Email, token) {
		return nil, nil, ErrInvalidToken
	}
	intent, err := r.intents.Get(ctx, dripID, subscriberID)
	if err != nil {
		return nil, nil, fmt.Errorf("load send intent: %w", err)
	}
	return intent, sub, nil
}

// add records a fact; repeats are a no-op.
func (r *Recorder) add(ctx context.Context, intent *domain.SendIntent, kind domain.FactKind) error {
	err := r.facts.AddFact(ctx, domain.EngagementFact{SendIntentID: intent.ID, Kind: kind, Date: r.now()})
	if errors.Is(err, store.ErrDuplicate) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("record %s: %w", kind, err)
	}
	return nil
}
