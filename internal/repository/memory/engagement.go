package memory

import (
	"context"
	"sort"

	"github.com/ignite/squeeze/internal/domain"
	"github.com/ignite/squeeze/internal/store"
)

// EngagementRepo implements store.EngagementStore in memory.
type EngagementRepo struct{ db *DB }

var _ store.EngagementStore = (*EngagementRepo)(nil)

func (r *EngagementRepo) AddFact(_ context.Context, fact domain.EngagementFact) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if _, ok := r.db.intents[fact.SendIntentID]; !ok {
		return store.ErrNotFound
	}
	key := factKey{fact.SendIntentID, fact.Kind}
	if _, ok := r.db.facts[key]; ok {
		return store.ErrDuplicate
	}
	r.db.facts[key] = fact
	return nil
}

func (r *EngagementRepo) HasFact(_ context.Context, intentID string, kind domain.FactKind) (bool, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	_, ok := r.db.facts[factKey{intentID, kind}]
	return ok, nil
}

func (r *EngagementRepo) DripStats(_ context.Context, dripID string) (*domain.DripStats, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	st := &domain.DripStats{DripID: dripID}
	for _, in := range r.db.intents {
		if in.DripID != dripID {
			continue
		}
		if !in.Sent {
			st.Unsent++
			continue
		}
		st.Sent++
		if r.hasFact(in.ID, domain.FactOpen) {
			st.Opened++
		}
		if r.hasFact(in.ID, domain.FactClick) {
			st.Clicked++
		}
		if r.hasFact(in.ID, domain.FactSpam) {
			st.Spammed++
		}
		if r.hasFact(in.ID, domain.FactUnsubscribe) {
			st.Unsubscribed++
		}
	}
	return st, nil
}

func (r *EngagementRepo) SubjectStats(_ context.Context, dripID string) ([]domain.SubjectStats, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	bySubject := map[string]*domain.SubjectStats{}
	if d, ok := r.db.drips[dripID]; ok {
		for _, s := range d.Subjects {
			bySubject[s.ID] = &domain.SubjectStats{SubjectID: s.ID, Text: s.Text}
		}
	}
	for _, in := range r.db.intents {
		if in.DripID != dripID || !in.Sent || in.SubjectID == nil {
			continue
		}
		st, ok := bySubject[*in.SubjectID]
		if !ok {
			st = &domain.SubjectStats{SubjectID: *in.SubjectID}
			bySubject[*in.SubjectID] = st
		}
		st.Sent++
		if r.hasFact(in.ID, domain.FactOpen) {
			st.Opened++
		}
		if r.hasFact(in.ID, domain.FactClick) {
			st.Clicked++
		}
	}
	out := make([]domain.SubjectStats, 0, len(bySubject))
	for _, st := range bySubject {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubjectID < out[j].SubjectID })
	return out, nil
}

func (r *EngagementRepo) SubscribersWithFact(_ context.Context, kind domain.FactKind) ([]string, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	seen := map[string]bool{}
	var out []string
	for k := range r.db.facts {
		if k.kind != kind {
			continue
		}
		in, ok := r.db.intents[k.intentID]
		if !ok || seen[in.SubscriberID] {
			continue
		}
		if s, ok := r.db.subscribers[in.SubscriberID]; ok && s.IsActive {
			seen[in.SubscriberID] = true
			out = append(out, in.SubscriberID)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (r *EngagementRepo) hasFact(intentID string, kind domain.FactKind) bool {
	_, ok := r.db.facts[factKey{intentID, kind}]
	return ok
}
