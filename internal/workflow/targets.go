package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ignite/squeeze/internal/domain"
	"github.com/ignite/squeeze/internal/store"
)

// Capability is one step_<operation> of a modify target, applied to a single
// subscriber. targetID identifies the object within the target type.
type Capability func(ctx context.Context, targetID string, sub *domain.Subscriber) error

// Targets is the registry of modify target types and the operations each
// one provides.
type Targets struct {
	mu     sync.RWMutex
	byType map[string]map[domain.ModifyOp]Capability
}

// NewTargets creates an empty registry.
func NewTargets() *Targets {
	return &Targets{byType: make(map[string]map[domain.ModifyOp]Capability)}
}

// Register adds op to targetType.
func (t *Targets) Register(targetType string, op domain.ModifyOp, fn Capability) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ops, ok := t.byType[targetType]
	if !ok {
		ops = make(map[domain.ModifyOp]Capability)
		t.byType[targetType] = ops
	}
	ops[op] = fn
}

// Resolve returns the capability for op on target.
func (t *Targets) Resolve(target domain.ModifyTarget, op domain.ModifyOp) (Capability, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ops, ok := t.byType[target.Type]
	if !ok {
		return nil, fmt.Errorf("%w: unknown target type %q", ErrMissingCapability, target.Type)
	}
	fn, ok := ops[op]
	if !ok {
		return nil, fmt.Errorf("%w: %s has no step_%s", ErrMissingCapability, target, op)
	}
	return fn, nil
}

// RegisterTagTarget installs the "tag" target: add and remove a tag named by
// the target id.
func RegisterTagTarget(t *Targets, subscribers store.SubscriberStore) {
	t.Register("tag", domain.ModifyAdd, func(ctx context.Context, tag string, sub *domain.Subscriber) error {
		if !sub.AddTag(tag) {
			return nil
		}
		return subscribers.Save(ctx, sub)
	})
	t.Register("tag", domain.ModifyRemove, func(ctx context.Context, tag string, sub *domain.Subscriber) error {
		if !sub.RemoveTag(tag) {
			return nil
		}
		return subscribers.Save(ctx, sub)
	})
}

// FunnelEnterer admits a subscriber into a funnel; funnel.Service satisfies it.
type FunnelEnterer interface {
	Enter(ctx context.Context, funnelID, subscriberID string, ignorePreviousHistory bool) (*domain.FunnelSubscription, error)
}

// RegisterFunnelTarget installs the "funnel" target: add enters the funnel
// keeping history, move restarts the subscriber at the funnel's entry step.
func RegisterFunnelTarget(t *Targets, funnels FunnelEnterer) {
	t.Register("funnel", domain.ModifyAdd, func(ctx context.Context, funnelID string, sub *domain.Subscriber) error {
		_, err := funnels.Enter(ctx, funnelID, sub.ID, false)
		return err
	})
	t.Register("funnel", domain.ModifyMove, func(ctx context.Context, funnelID string, sub *domain.Subscriber) error {
		_, err := funnels.Enter(ctx, funnelID, sub.ID, true)
		return err
	})
}

// RegisterUnsubscribeTarget installs the "unsubscribe" target. Its add
// operation deactivates the subscriber and stamps the unsubscribe date.
func RegisterUnsubscribeTarget(t *Targets, subscribers store.SubscriberStore, now func() time.Time) {
	t.Register("unsubscribe", domain.ModifyAdd, func(ctx context.Context, _ string, sub *domain.Subscriber) error {
		sub.Unsubscribe(now())
		return subscribers.Unsubscribe(ctx, sub.ID, *sub.UnsubscribeDate)
	})
}
