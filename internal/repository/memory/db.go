// Package memory implements the store contracts in process memory. It backs
// the development mode of the binaries and the service tests.
package memory

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ignite/squeeze/internal/domain"
)

type pair struct{ a, b string }

type factKey struct {
	intentID string
	kind     domain.FactKind
}

// DB is the shared in-memory state behind every repository in this package.
type DB struct {
	mu sync.RWMutex

	subscribers   map[string]*domain.Subscriber
	steps         map[string]*domain.Step
	drips         map[string]*domain.Drip
	funnels       map[string]*domain.Funnel
	intents       map[string]*domain.SendIntent
	intentByPair  map[pair]string
	subscriptions map[pair]*domain.FunnelSubscription
	facts         map[factKey]domain.EngagementFact

	seq       int64
	intentSeq map[string]int64
}

// New creates an empty DB.
func New() *DB {
	return &DB{
		subscribers:   make(map[string]*domain.Subscriber),
		steps:         make(map[string]*domain.Step),
		drips:         make(map[string]*domain.Drip),
		funnels:       make(map[string]*domain.Funnel),
		intents:       make(map[string]*domain.SendIntent),
		intentByPair:  make(map[pair]string),
		subscriptions: make(map[pair]*domain.FunnelSubscription),
		facts:         make(map[factKey]domain.EngagementFact),
		intentSeq:     make(map[string]int64),
	}
}

// Subscribers returns the subscriber repository.
func (db *DB) Subscribers() *SubscriberRepo { return &SubscriberRepo{db: db} }

// Steps returns the step repository.
func (db *DB) Steps() *StepRepo { return &StepRepo{db: db} }

// Drips returns the drip repository.
func (db *DB) Drips() *DripRepo { return &DripRepo{db: db} }

// Intents returns the send intent repository.
func (db *DB) Intents() *IntentRepo { return &IntentRepo{db: db} }

// Funnels returns the funnel repository.
func (db *DB) Funnels() *FunnelRepo { return &FunnelRepo{db: db} }

// Engagement returns the engagement repository.
func (db *DB) Engagement() *EngagementRepo { return &EngagementRepo{db: db} }

// PutSubscriber inserts or replaces a subscriber, assigning an id if empty.
func (db *DB) PutSubscriber(s domain.Subscriber) string {
	db.mu.Lock()
	defer db.mu.Unlock()
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	cp := copySubscriber(s)
	db.subscribers[s.ID] = &cp
	return s.ID
}

// PutStep inserts or replaces a step.
func (db *DB) PutStep(s domain.Step) {
	db.mu.Lock()
	defer db.mu.Unlock()
	cp := s
	db.steps[s.ID] = &cp
}

// PutDrip inserts or replaces a drip.
func (db *DB) PutDrip(d domain.Drip) {
	db.mu.Lock()
	defer db.mu.Unlock()
	cp := d
	db.drips[d.ID] = &cp
}

// DeleteDrip removes a drip definition.
func (db *DB) DeleteDrip(id string) {
	db.mu.Lock()
	defer db.mu.Unlock()
	delete(db.drips, id)
}

// PutFunnel inserts or replaces a funnel.
func (db *DB) PutFunnel(f domain.Funnel) {
	db.mu.Lock()
	defer db.mu.Unlock()
	cp := f
	db.funnels[f.ID] = &cp
}

func copySubscriber(s domain.Subscriber) domain.Subscriber {
	cp := s
	if s.Attributes != nil {
		cp.Attributes = make(map[string]any, len(s.Attributes))
		for k, v := range s.Attributes {
			cp.Attributes[k] = v
		}
	}
	if s.Tags != nil {
		cp.Tags = append([]string(nil), s.Tags...)
	}
	if s.StepID != nil {
		id := *s.StepID
		cp.StepID = &id
	}
	if s.StepTimestamp != nil {
		ts := *s.StepTimestamp
		cp.StepTimestamp = &ts
	}
	if s.UnsubscribeDate != nil {
		ts := *s.UnsubscribeDate
		cp.UnsubscribeDate = &ts
	}
	return cp
}

func sortSubscribers(subs []domain.Subscriber) {
	sort.SliceStable(subs, func(i, j int) bool {
		if !subs[i].CreatedAt.Equal(subs[j].CreatedAt) {
			return subs[i].CreatedAt.Before(subs[j].CreatedAt)
		}
		return subs[i].ID < subs[j].ID
	})
}
