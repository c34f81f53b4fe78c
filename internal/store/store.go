package store

import (
	"context"
	"time"

	"github.com/ignite/squeeze/internal/domain"
)

// Relations that can be counted for "<relation>__count" rule paths.
const (
	RelationSendDrips    = "send_drips"
	RelationOpens        = "opens"
	RelationClicks       = "clicks"
	RelationSpams        = "spams"
	RelationUnsubscribes = "unsubscribes"
	RelationFunnels      = "funnels"
)

// Relations lists every countable relation.
var Relations = []string{
	RelationSendDrips, RelationOpens, RelationClicks,
	RelationSpams, RelationUnsubscribes, RelationFunnels,
}

// SubscriberStore is the population store for subscribers.
// Implementations must be safe for concurrent use.
type SubscriberStore interface {
	// Get returns a subscriber. Returns ErrNotFound if it doesn't exist.
	Get(ctx context.Context, id string) (*domain.Subscriber, error)

	// GetMany returns the subscribers with the given ids, skipping unknown ids.
	GetMany(ctx context.Context, ids []string) ([]domain.Subscriber, error)

	// ListOnStep returns active subscribers whose current step is stepID.
	ListOnStep(ctx context.Context, stepID string) ([]domain.Subscriber, error)

	// CountOnStep counts active subscribers on stepID.
	CountOnStep(ctx context.Context, stepID string) (int, error)

	// GetOrCreateByEmail returns the subscriber with email, creating an
	// active one if none exists. created reports whether it was inserted.
	GetOrCreateByEmail(ctx context.Context, email string, now time.Time) (sub *domain.Subscriber, created bool, err error)

	// MoveToStep sets step and step_timestamp together.
	MoveToStep(ctx context.Context, id, stepID string, at time.Time) error

	// Unsubscribe sets is_active=false and unsubscribe_date.
	Unsubscribe(ctx context.Context, id string, at time.Time) error

	// Save persists attributes and tags of an existing subscriber.
	Save(ctx context.Context, sub *domain.Subscriber) error

	// CountRelated returns, per subscriber id, the distinct count of a
	// related collection (one of Relations). Missing ids count as zero.
	CountRelated(ctx context.Context, relation string, ids []string) (map[string]int, error)

	// QueryAudience returns active subscribers matching rules, evaluated by
	// the store itself. Used for broadcasts over the whole population.
	QueryAudience(ctx context.Context, rules []domain.Rule, now time.Time) ([]domain.Subscriber, error)
}

// StepStore loads the workflow forest.
type StepStore interface {
	Get(ctx context.Context, id string) (*domain.Step, error)
	// List returns every step, roots and children, in no particular order.
	List(ctx context.Context) ([]domain.Step, error)
	// FindByDrip returns the step whose action references dripID.
	FindByDrip(ctx context.Context, dripID string) (*domain.Step, error)
}

// DripStore loads drip definitions.
type DripStore interface {
	Get(ctx context.Context, id string) (*domain.Drip, error)
	ListEnabled(ctx context.Context) ([]domain.Drip, error)
	MarkBroadcastSent(ctx context.Context, id string) error
}

// IntentStore persists SendIntents. (drip_id, subscriber_id) is unique.
type IntentStore interface {
	// ExistingSubscribers returns which of ids already have an intent for dripID.
	ExistingSubscribers(ctx context.Context, dripID string, ids []string) (map[string]bool, error)

	// Create inserts an unsent intent. Returns ErrDuplicate if the pair exists.
	Create(ctx context.Context, intent *domain.SendIntent) error

	// Get returns the intent for (dripID, subscriberID). Returns ErrNotFound.
	Get(ctx context.Context, dripID, subscriberID string) (*domain.SendIntent, error)

	// ListUnsent returns subscriber ids of unsent intents for dripID, oldest first.
	ListUnsent(ctx context.Context, dripID string) ([]string, error)

	// MarkSent flips sent to true only if it is still false and reports
	// whether this call performed the transition.
	MarkSent(ctx context.Context, id string, at time.Time, subjectID *string) (bool, error)
}

// FunnelStore persists funnels and their memberships.
type FunnelStore interface {
	Get(ctx context.Context, id string) (*domain.Funnel, error)

	// GetOrCreateSubscription returns the (funnel, subscriber) membership,
	// creating it if needed. created reports whether it was inserted.
	GetOrCreateSubscription(ctx context.Context, funnelID, subscriberID string, now time.Time) (sub *domain.FunnelSubscription, created bool, err error)
}

// EngagementStore persists engagement facts and answers rate queries.
type EngagementStore interface {
	// AddFact records a fact; returns ErrDuplicate if it already exists.
	AddFact(ctx context.Context, fact domain.EngagementFact) error

	HasFact(ctx context.Context, intentID string, kind domain.FactKind) (bool, error)

	// DripStats counts sent/unsent intents and facts for a drip.
	DripStats(ctx context.Context, dripID string) (*domain.DripStats, error)

	// SubjectStats counts sends and facts grouped by subject variant.
	SubjectStats(ctx context.Context, dripID string) ([]domain.SubjectStats, error)

	// SubscribersWithFact returns active subscriber ids holding a fact of kind.
	SubscribersWithFact(ctx context.Context, kind domain.FactKind) ([]string, error)
}
