package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ignite/squeeze/internal/domain"
	"github.com/ignite/squeeze/internal/store"
)

// FunnelRepo implements store.FunnelStore against PostgreSQL.
type FunnelRepo struct{ db *sql.DB }

var _ store.FunnelStore = (*FunnelRepo)(nil)

// NewFunnelRepo creates a Postgres-backed funnel repository.
func NewFunnelRepo(db *sql.DB) *FunnelRepo { return &FunnelRepo{db: db} }

func (r *FunnelRepo) Get(ctx context.Context, id string) (*domain.Funnel, error) {
	var (
		f     domain.Funnel
		entry sql.NullString
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT id, name, entry_step_id, created_at
		FROM squeeze_funnels WHERE id = $1`, id).Scan(&f.ID, &f.Name, &entry, &f.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get funnel: %w", err)
	}
	f.EntryStepID = nullString(entry)
	return &f, nil
}

// GetOrCreateSubscription inserts the membership unless it exists. The
// unique (funnel_id, subscriber_id) constraint settles concurrent entries.
func (r *FunnelRepo) GetOrCreateSubscription(ctx context.Context, funnelID, subscriberID string, now time.Time) (*domain.FunnelSubscription, bool, error) {
	fs := domain.FunnelSubscription{}
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO squeeze_funnel_subscriptions (id, funnel_id, subscriber_id, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (funnel_id, subscriber_id) DO NOTHING
		RETURNING id, funnel_id, subscriber_id, created_at`,
		uuid.NewString(), funnelID, subscriberID, now).Scan(&fs.ID, &fs.FunnelID, &fs.SubscriberID, &fs.CreatedAt)
	switch {
	case err == nil:
		return &fs, true, nil
	case pqCode(err) == codeForeignKeyViolation:
		return nil, false, store.ErrNotFound
	case err != sql.ErrNoRows:
		return nil, false, fmt.Errorf("create funnel subscription: %w", err)
	}

	err = r.db.QueryRowContext(ctx, `
		SELECT id, funnel_id, subscriber_id, created_at
		FROM squeeze_funnel_subscriptions
		WHERE funnel_id = $1 AND subscriber_id = $2`, funnelID, subscriberID).Scan(
		&fs.ID, &fs.FunnelID, &fs.SubscriberID, &fs.CreatedAt)
	if err != nil {
		return nil, false, fmt.Errorf("get funnel subscription: %w", err)
	}
	return &fs, false, nil
}
