package memory

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/ignite/squeeze/internal/domain"
	"github.com/ignite/squeeze/internal/store"
)

// IntentRepo implements store.IntentStore in memory.
type IntentRepo struct{ db *DB }

var _ store.IntentStore = (*IntentRepo)(nil)

func (r *IntentRepo) ExistingSubscribers(_ context.Context, dripID string, ids []string) (map[string]bool, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	out := make(map[string]bool)
	for _, id := range ids {
		if _, ok := r.db.intentByPair[pair{dripID, id}]; ok {
			out[id] = true
		}
	}
	return out, nil
}

func (r *IntentRepo) Create(_ context.Context, intent *domain.SendIntent) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	key := pair{intent.DripID, intent.SubscriberID}
	if _, ok := r.db.intentByPair[key]; ok {
		return store.ErrDuplicate
	}
	if intent.ID == "" {
		intent.ID = uuid.NewString()
	}
	cp := *intent
	r.db.intents[cp.ID] = &cp
	r.db.intentByPair[key] = cp.ID
	r.db.seq++
	r.db.intentSeq[cp.ID] = r.db.seq
	return nil
}

func (r *IntentRepo) Get(_ context.Context, dripID, subscriberID string) (*domain.SendIntent, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	id, ok := r.db.intentByPair[pair{dripID, subscriberID}]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *r.db.intents[id]
	return &cp, nil
}

func (r *IntentRepo) ListUnsent(_ context.Context, dripID string) ([]string, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	var unsent []*domain.SendIntent
	for _, in := range r.db.intents {
		if in.DripID == dripID && !in.Sent {
			unsent = append(unsent, in)
		}
	}
	sort.Slice(unsent, func(i, j int) bool {
		if !unsent[i].Date.Equal(unsent[j].Date) {
			return unsent[i].Date.Before(unsent[j].Date)
		}
		return r.db.intentSeq[unsent[i].ID] < r.db.intentSeq[unsent[j].ID]
	})
	ids := make([]string, len(unsent))
	for i, in := range unsent {
		ids[i] = in.SubscriberID
	}
	return ids, nil
}

func (r *IntentRepo) MarkSent(_ context.Context, id string, at time.Time, subjectID *string) (bool, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	in, ok := r.db.intents[id]
	if !ok {
		return false, store.ErrNotFound
	}
	if in.Sent {
		return false, nil
	}
	ts := at
	in.Sent = true
	in.SentAt = &ts
	in.SubjectID = subjectID
	return true, nil
}

// All returns every intent for dripID; used by tests and reports.
func (r *IntentRepo) All(dripID string) []domain.SendIntent {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	var out []domain.SendIntent
	for _, in := range r.db.intents {
		if in.DripID == dripID {
			out = append(out, *in)
		}
	}
	sort.Slice(out, func(i, j int) bool { return r.db.intentSeq[out[i].ID] < r.db.intentSeq[out[j].ID] })
	return out
}
