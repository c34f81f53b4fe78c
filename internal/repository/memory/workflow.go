package memory

import (
	"context"
	"sort"

	"github.com/ignite/squeeze/internal/domain"
	"github.com/ignite/squeeze/internal/store"
)

// StepRepo implements store.StepStore in memory.
type StepRepo struct{ db *DB }

var _ store.StepStore = (*StepRepo)(nil)

func (r *StepRepo) Get(_ context.Context, id string) (*domain.Step, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	s, ok := r.db.steps[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (r *StepRepo) List(_ context.Context) ([]domain.Step, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	out := make([]domain.Step, 0, len(r.db.steps))
	for _, s := range r.db.steps {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *StepRepo) FindByDrip(_ context.Context, dripID string) (*domain.Step, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	for _, s := range r.db.steps {
		if s.Action.Kind == domain.ActionDrip && s.Action.DripID == dripID {
			cp := *s
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

// DripRepo implements store.DripStore in memory.
type DripRepo struct{ db *DB }

var _ store.DripStore = (*DripRepo)(nil)

func (r *DripRepo) Get(_ context.Context, id string) (*domain.Drip, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	d, ok := r.db.drips[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (r *DripRepo) ListEnabled(_ context.Context) ([]domain.Drip, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	var out []domain.Drip
	for _, d := range r.db.drips {
		if d.Enabled {
			out = append(out, *d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *DripRepo) MarkBroadcastSent(_ context.Context, id string) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	d, ok := r.db.drips[id]
	if !ok {
		return store.ErrNotFound
	}
	d.BroadcastSent = true
	return nil
}

// FunnelRepo implements store.FunnelStore in memory.
type FunnelRepo struct{ db *DB }

var _ store.FunnelStore = (*FunnelRepo)(nil)

func (r *FunnelRepo) Get(_ context.Context, id string) (*domain.Funnel, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	f, ok := r.db.funnels[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *f
	return &cp, nil
}
