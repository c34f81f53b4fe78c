package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ignite/squeeze/internal/audience"
	"github.com/ignite/squeeze/internal/domain"
	"github.com/ignite/squeeze/internal/store"
)

// SubscriberRepo implements store.SubscriberStore in memory.
type SubscriberRepo struct{ db *DB }

var _ store.SubscriberStore = (*SubscriberRepo)(nil)

func (r *SubscriberRepo) Get(_ context.Context, id string) (*domain.Subscriber, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	s, ok := r.db.subscribers[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := copySubscriber(*s)
	return &cp, nil
}

func (r *SubscriberRepo) GetMany(_ context.Context, ids []string) ([]domain.Subscriber, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	out := make([]domain.Subscriber, 0, len(ids))
	for _, id := range ids {
		if s, ok := r.db.subscribers[id]; ok {
			out = append(out, copySubscriber(*s))
		}
	}
	return out, nil
}

func (r *SubscriberRepo) ListOnStep(_ context.Context, stepID string) ([]domain.Subscriber, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	var out []domain.Subscriber
	for _, s := range r.db.subscribers {
		if s.IsActive && s.OnStep(stepID) {
			out = append(out, copySubscriber(*s))
		}
	}
	sortSubscribers(out)
	return out, nil
}

func (r *SubscriberRepo) CountOnStep(ctx context.Context, stepID string) (int, error) {
	subs, err := r.ListOnStep(ctx, stepID)
	return len(subs), err
}

func (r *SubscriberRepo) GetOrCreateByEmail(_ context.Context, email string, now time.Time) (*domain.Subscriber, bool, error) {
	email = domain.NormalizeEmail(email)
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	for _, s := range r.db.subscribers {
		if s.Email == email {
			cp := copySubscriber(*s)
			return &cp, false, nil
		}
	}
	s := &domain.Subscriber{
		ID:            uuid.NewString(),
		Email:         email,
		IsActive:      true,
		SubscribeDate: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	r.db.subscribers[s.ID] = s
	cp := copySubscriber(*s)
	return &cp, true, nil
}

func (r *SubscriberRepo) MoveToStep(_ context.Context, id, stepID string, at time.Time) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	s, ok := r.db.subscribers[id]
	if !ok {
		return store.ErrNotFound
	}
	s.MoveTo(stepID, at)
	s.UpdatedAt = at
	return nil
}

func (r *SubscriberRepo) Unsubscribe(_ context.Context, id string, at time.Time) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	s, ok := r.db.subscribers[id]
	if !ok {
		return store.ErrNotFound
	}
	s.Unsubscribe(at)
	s.UpdatedAt = at
	return nil
}

func (r *SubscriberRepo) Save(_ context.Context, sub *domain.Subscriber) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	s, ok := r.db.subscribers[sub.ID]
	if !ok {
		return store.ErrNotFound
	}
	cp := copySubscriber(*sub)
	s.Attributes = cp.Attributes
	s.Tags = cp.Tags
	s.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *SubscriberRepo) CountRelated(_ context.Context, relation string, ids []string) (map[string]int, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()

	want := make(map[string]bool, len(ids))
	out := make(map[string]int, len(ids))
	for _, id := range ids {
		want[id] = true
		out[id] = 0
	}

	switch relation {
	case store.RelationSendDrips:
		for _, in := range r.db.intents {
			if want[in.SubscriberID] {
				out[in.SubscriberID]++
			}
		}
	case store.RelationFunnels:
		for _, fs := range r.db.subscriptions {
			if want[fs.SubscriberID] {
				out[fs.SubscriberID]++
			}
		}
	default:
		kind, ok := relationFact[relation]
		if !ok {
			return nil, fmt.Errorf("unknown relation %q", relation)
		}
		for k := range r.db.facts {
			if k.kind != kind {
				continue
			}
			if in, ok := r.db.intents[k.intentID]; ok && want[in.SubscriberID] {
				out[in.SubscriberID]++
			}
		}
	}
	return out, nil
}

var relationFact = map[string]domain.FactKind{
	store.RelationOpens:        domain.FactOpen,
	store.RelationClicks:       domain.FactClick,
	store.RelationSpams:        domain.FactSpam,
	store.RelationUnsubscribes: domain.FactUnsubscribe,
}

func (r *SubscriberRepo) QueryAudience(ctx context.Context, rules []domain.Rule, now time.Time) ([]domain.Subscriber, error) {
	r.db.mu.RLock()
	var active []domain.Subscriber
	for _, s := range r.db.subscribers {
		if s.IsActive {
			active = append(active, copySubscriber(*s))
		}
	}
	r.db.mu.RUnlock()
	sortSubscribers(active)
	return audience.NewEvaluator(r).Evaluate(ctx, rules, active, now)
}
