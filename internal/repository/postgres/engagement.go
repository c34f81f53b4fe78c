package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ignite/squeeze/internal/domain"
	"github.com/ignite/squeeze/internal/store"
)

// EngagementRepo implements store.EngagementStore against PostgreSQL.
type EngagementRepo struct{ db *sql.DB }

var _ store.EngagementStore = (*EngagementRepo)(nil)

// NewEngagementRepo creates a Postgres-backed engagement repository.
func NewEngagementRepo(db *sql.DB) *EngagementRepo { return &EngagementRepo{db: db} }

func (r *EngagementRepo) AddFact(ctx context.Context, fact domain.EngagementFact) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO squeeze_engagement_facts (send_intent_id, kind, date)
		VALUES ($1, $2, $3)`, fact.SendIntentID, string(fact.Kind), fact.Date)
	switch {
	case err == nil:
		return nil
	case pqCode(err) == codeUniqueViolation:
		return store.ErrDuplicate
	case pqCode(err) == codeForeignKeyViolation:
		return store.ErrNotFound
	default:
		return fmt.Errorf("add %s fact: %w", fact.Kind, err)
	}
}

func (r *EngagementRepo) HasFact(ctx context.Context, intentID string, kind domain.FactKind) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM squeeze_engagement_facts WHERE send_intent_id = $1 AND kind = $2
		)`, intentID, string(kind)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("has fact: %w", err)
	}
	return exists, nil
}

// factExists is the correlated EXISTS used by the stats queries; i is the
// send intent alias.
func factExists(kind domain.FactKind) string {
	return fmt.Sprintf(`EXISTS (SELECT 1 FROM squeeze_engagement_facts f WHERE f.send_intent_id = i.id AND f.kind = '%s')`, kind)
}

func (r *EngagementRepo) DripStats(ctx context.Context, dripID string) (*domain.DripStats, error) {
	st := &domain.DripStats{DripID: dripID}
	err := r.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE i.sent),
			COUNT(*) FILTER (WHERE NOT i.sent),
			COUNT(*) FILTER (WHERE i.sent AND `+factExists(domain.FactOpen)+`),
			COUNT(*) FILTER (WHERE i.sent AND `+factExists(domain.FactClick)+`),
			COUNT(*) FILTER (WHERE i.sent AND `+factExists(domain.FactSpam)+`),
			COUNT(*) FILTER (WHERE i.sent AND `+factExists(domain.FactUnsubscribe)+`)
		FROM squeeze_send_intents i
		WHERE i.drip_id = $1`, dripID).Scan(
		&st.Sent, &st.Unsent, &st.Opened, &st.Clicked, &st.Spammed, &st.Unsubscribed)
	if err != nil {
		return nil, fmt.Errorf("drip stats: %w", err)
	}
	return st, nil
}

// SubjectStats reports every subject of the drip, including ones that have
// not been sent yet, plus any subject id still referenced by sent intents.
func (r *EngagementRepo) SubjectStats(ctx context.Context, dripID string) ([]domain.SubjectStats, error) {
	rows, err := r.db.QueryContext(ctx, `
		WITH sent AS (
			SELECT i.subject_id,
			       COUNT(*) AS sent,
			       COUNT(*) FILTER (WHERE `+factExists(domain.FactOpen)+`) AS opened,
			       COUNT(*) FILTER (WHERE `+factExists(domain.FactClick)+`) AS clicked
			FROM squeeze_send_intents i
			WHERE i.drip_id = $1 AND i.sent AND i.subject_id IS NOT NULL
			GROUP BY i.subject_id
		)
		SELECT COALESCE(s.id, sent.subject_id), COALESCE(s.text, ''),
		       COALESCE(sent.sent, 0), COALESCE(sent.opened, 0), COALESCE(sent.clicked, 0)
		FROM (SELECT id, text FROM squeeze_drip_subjects WHERE drip_id = $1) s
		FULL OUTER JOIN sent ON sent.subject_id = s.id
		ORDER BY 1`, dripID)
	if err != nil {
		return nil, fmt.Errorf("subject stats: %w", err)
	}
	defer rows.Close()

	var out []domain.SubjectStats
	for rows.Next() {
		var st domain.SubjectStats
		if err := rows.Scan(&st.SubjectID, &st.Text, &st.Sent, &st.Opened, &st.Clicked); err != nil {
			return nil, fmt.Errorf("scan subject stats: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (r *EngagementRepo) SubscribersWithFact(ctx context.Context, kind domain.FactKind) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT DISTINCT i.subscriber_id
		FROM squeeze_engagement_facts f
		JOIN squeeze_send_intents i ON i.id = f.send_intent_id
		JOIN squeeze_subscribers s ON s.id = i.subscriber_id
		WHERE f.kind = $1 AND s.is_active
		ORDER BY i.subscriber_id`, string(kind))
	if err != nil {
		return nil, fmt.Errorf("subscribers with %s: %w", kind, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan subscriber id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
