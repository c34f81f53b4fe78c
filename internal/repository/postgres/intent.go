package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ignite/squeeze/internal/domain"
	"github.com/ignite/squeeze/internal/store"
	"github.com/lib/pq"
)

// IntentRepo implements store.IntentStore against PostgreSQL.
type IntentRepo struct{ db *sql.DB }

var _ store.IntentStore = (*IntentRepo)(nil)

// NewIntentRepo creates a Postgres-backed send intent repository.
func NewIntentRepo(db *sql.DB) *IntentRepo { return &IntentRepo{db: db} }

func (r *IntentRepo) ExistingSubscribers(ctx context.Context, dripID string, ids []string) (map[string]bool, error) {
	out := make(map[string]bool)
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT subscriber_id
		FROM squeeze_send_intents
		WHERE drip_id = $1 AND subscriber_id = ANY($2)`, dripID, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("existing intents: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan intent: %w", err)
		}
		out[id] = true
	}
	return out, rows.Err()
}

func (r *IntentRepo) Create(ctx context.Context, intent *domain.SendIntent) error {
	if intent.ID == "" {
		intent.ID = uuid.NewString()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO squeeze_send_intents (id, drip_id, subscriber_id, sent, date)
		VALUES ($1, $2, $3, FALSE, $4)`,
		intent.ID, intent.DripID, intent.SubscriberID, intent.Date)
	switch {
	case err == nil:
		return nil
	case pqCode(err) == codeUniqueViolation:
		return store.ErrDuplicate
	case pqCode(err) == codeForeignKeyViolation:
		return store.ErrNotFound
	default:
		return fmt.Errorf("create intent: %w", err)
	}
}

func (r *IntentRepo) Get(ctx context.Context, dripID, subscriberID string) (*domain.SendIntent, error) {
	var (
		in        domain.SendIntent
		sentAt    sql.NullTime
		subjectID sql.NullString
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT id, drip_id, subscriber_id, sent, date, sent_at, subject_id
		FROM squeeze_send_intents
		WHERE drip_id = $1 AND subscriber_id = $2`, dripID, subscriberID).Scan(
		&in.ID, &in.DripID, &in.SubscriberID, &in.Sent, &in.Date, &sentAt, &subjectID)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get intent: %w", err)
	}
	in.SentAt = nullTime(sentAt)
	in.SubjectID = nullString(subjectID)
	return &in, nil
}

func (r *IntentRepo) ListUnsent(ctx context.Context, dripID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT subscriber_id
		FROM squeeze_send_intents
		WHERE drip_id = $1 AND NOT sent
		ORDER BY date, seq`, dripID)
	if err != nil {
		return nil, fmt.Errorf("list unsent intents: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan unsent intent: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// MarkSent is a conditional update so a send is recorded at most once.
func (r *IntentRepo) MarkSent(ctx context.Context, id string, at time.Time, subjectID *string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE squeeze_send_intents
		SET sent = TRUE, sent_at = $2, subject_id = COALESCE($3, subject_id)
		WHERE id = $1 AND NOT sent`, id, at, subjectID)
	if err != nil {
		return false, fmt.Errorf("mark intent sent: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark intent sent: %w", err)
	}
	return n == 1, nil
}
