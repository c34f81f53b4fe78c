package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ignite/squeeze/internal/audience"
	"github.com/ignite/squeeze/internal/domain"
	"github.com/ignite/squeeze/internal/store"
	"github.com/lib/pq"
)

// SubscriberRepo implements store.SubscriberStore against PostgreSQL.
type SubscriberRepo struct{ db *sql.DB }

var _ store.SubscriberStore = (*SubscriberRepo)(nil)

// NewSubscriberRepo creates a Postgres-backed subscriber repository.
func NewSubscriberRepo(db *sql.DB) *SubscriberRepo { return &SubscriberRepo{db: db} }

const subscriberColumns = `s.id, COALESCE(s.user_id,''), s.email, s.is_active, s.step_id, s.step_timestamp,
		       s.attributes, s.tags, s.subscribe_date, s.unsubscribe_date, s.created_at, s.updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSubscriber(row rowScanner) (*domain.Subscriber, error) {
	var (
		s          domain.Subscriber
		stepID     sql.NullString
		stepTS     sql.NullTime
		unsubDate  sql.NullTime
		attributes []byte
		tags       pq.StringArray
	)
	if err := row.Scan(&s.ID, &s.UserID, &s.Email, &s.IsActive, &stepID, &stepTS,
		&attributes, &tags, &s.SubscribeDate, &unsubDate, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return nil, err
	}
	s.StepID = nullString(stepID)
	s.StepTimestamp = nullTime(stepTS)
	s.UnsubscribeDate = nullTime(unsubDate)
	s.Tags = []string(tags)
	if len(attributes) > 0 {
		if err := json.Unmarshal(attributes, &s.Attributes); err != nil {
			return nil, fmt.Errorf("decode attributes of %s: %w", s.ID, err)
		}
	}
	return &s, nil
}

func (r *SubscriberRepo) query(ctx context.Context, q string, args ...interface{}) ([]domain.Subscriber, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Subscriber
	for rows.Next() {
		s, err := scanSubscriber(rows)
		if err != nil {
			return nil, fmt.Errorf("scan subscriber: %w", err)
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

func (r *SubscriberRepo) Get(ctx context.Context, id string) (*domain.Subscriber, error) {
	s, err := scanSubscriber(r.db.QueryRowContext(ctx,
		`SELECT `+subscriberColumns+` FROM squeeze_subscribers s WHERE s.id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get subscriber: %w", err)
	}
	return s, nil
}

func (r *SubscriberRepo) GetMany(ctx context.Context, ids []string) ([]domain.Subscriber, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	subs, err := r.query(ctx, `
		SELECT `+subscriberColumns+`
		FROM squeeze_subscribers s
		WHERE s.id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("get subscribers: %w", err)
	}
	// Return in the order asked for.
	byID := make(map[string]domain.Subscriber, len(subs))
	for _, s := range subs {
		byID[s.ID] = s
	}
	out := make([]domain.Subscriber, 0, len(subs))
	for _, id := range ids {
		if s, ok := byID[id]; ok {
			out = append(out, s)
		}
	}
	return out, nil
}

func (r *SubscriberRepo) ListOnStep(ctx context.Context, stepID string) ([]domain.Subscriber, error) {
	subs, err := r.query(ctx, `
		SELECT `+subscriberColumns+`
		FROM squeeze_subscribers s
		WHERE s.step_id = $1 AND s.is_active
		ORDER BY s.id`, stepID)
	if err != nil {
		return nil, fmt.Errorf("list subscribers on step: %w", err)
	}
	return subs, nil
}

func (r *SubscriberRepo) CountOnStep(ctx context.Context, stepID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM squeeze_subscribers WHERE step_id = $1 AND is_active`, stepID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count subscribers on step: %w", err)
	}
	return n, nil
}

func (r *SubscriberRepo) GetOrCreateByEmail(ctx context.Context, email string, now time.Time) (*domain.Subscriber, bool, error) {
	email = domain.NormalizeEmail(email)
	s, err := scanSubscriber(r.db.QueryRowContext(ctx, `
		INSERT INTO squeeze_subscribers AS s (id, email, is_active, subscribe_date, created_at, updated_at)
		VALUES ($1, $2, TRUE, $3, $3, $3)
		ON CONFLICT (email) DO NOTHING
		RETURNING `+subscriberColumns, uuid.NewString(), email, now))
	if err == nil {
		return s, true, nil
	}
	if err != sql.ErrNoRows {
		return nil, false, fmt.Errorf("create subscriber: %w", err)
	}

	s, err = scanSubscriber(r.db.QueryRowContext(ctx,
		`SELECT `+subscriberColumns+` FROM squeeze_subscribers s WHERE s.email = $1`, email))
	if err != nil {
		return nil, false, fmt.Errorf("get subscriber by email: %w", err)
	}
	return s, false, nil
}

func (r *SubscriberRepo) exec(ctx context.Context, op, q string, args ...interface{}) error {
	res, err := r.db.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (r *SubscriberRepo) MoveToStep(ctx context.Context, id, stepID string, at time.Time) error {
	return r.exec(ctx, "move subscriber", `
		UPDATE squeeze_subscribers
		SET step_id = $2, step_timestamp = $3, updated_at = $3
		WHERE id = $1`, id, stepID, at)
}

func (r *SubscriberRepo) Unsubscribe(ctx context.Context, id string, at time.Time) error {
	return r.exec(ctx, "unsubscribe subscriber", `
		UPDATE squeeze_subscribers
		SET is_active = FALSE, unsubscribe_date = $2, updated_at = $2
		WHERE id = $1`, id, at)
}

func (r *SubscriberRepo) Save(ctx context.Context, sub *domain.Subscriber) error {
	attrs := sub.Attributes
	if attrs == nil {
		attrs = map[string]any{}
	}
	data, err := json.Marshal(attrs)
	if err != nil {
		return fmt.Errorf("encode attributes: %w", err)
	}
	tags := sub.Tags
	if tags == nil {
		tags = []string{}
	}
	return r.exec(ctx, "save subscriber", `
		UPDATE squeeze_subscribers
		SET attributes = $2, tags = $3, updated_at = NOW()
		WHERE id = $1`, sub.ID, data, pq.Array(tags))
}

// countQueries are keyed by relation; each takes the id array as $1.
var countQueries = map[string]string{
	store.RelationSendDrips: `
		SELECT subscriber_id, COUNT(DISTINCT id)
		FROM squeeze_send_intents
		WHERE subscriber_id = ANY($1)
		GROUP BY subscriber_id`,
	store.RelationFunnels: `
		SELECT subscriber_id, COUNT(DISTINCT funnel_id)
		FROM squeeze_funnel_subscriptions
		WHERE subscriber_id = ANY($1)
		GROUP BY subscriber_id`,
}

var relationFact = map[string]domain.FactKind{
	store.RelationOpens:        domain.FactOpen,
	store.RelationClicks:       domain.FactClick,
	store.RelationSpams:        domain.FactSpam,
	store.RelationUnsubscribes: domain.FactUnsubscribe,
}

func (r *SubscriberRepo) CountRelated(ctx context.Context, relation string, ids []string) (map[string]int, error) {
	out := make(map[string]int, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	var (
		q    string
		args = []interface{}{pq.Array(ids)}
	)
	if kind, ok := relationFact[relation]; ok {
		q = `
		SELECT i.subscriber_id, COUNT(DISTINCT f.send_intent_id)
		FROM squeeze_engagement_facts f
		JOIN squeeze_send_intents i ON i.id = f.send_intent_id
		WHERE i.subscriber_id = ANY($1) AND f.kind = $2
		GROUP BY i.subscriber_id`
		args = append(args, string(kind))
	} else if q, ok = countQueries[relation]; !ok {
		return nil, fmt.Errorf("unknown relation %q", relation)
	}

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("count %s: %w", relation, err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, fmt.Errorf("scan %s count: %w", relation, err)
		}
		out[id] = n
	}
	return out, rows.Err()
}

// QueryAudience pushes the rules down into SQL.
func (r *SubscriberRepo) QueryAudience(ctx context.Context, rules []domain.Rule, now time.Time) ([]domain.Subscriber, error) {
	where, args, err := audience.NewQueryBuilder().BuildWhere(rules, now)
	if err != nil {
		return nil, err
	}
	q := strings.Join([]string{
		`SELECT ` + subscriberColumns,
		`FROM squeeze_subscribers s`,
		`WHERE s.is_active AND (` + where + `)`,
		`ORDER BY s.id`,
	}, "\n")
	subs, err := r.query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query audience: %w", err)
	}
	return subs, nil
}
