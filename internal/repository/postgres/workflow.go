package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/ignite/squeeze/internal/domain"
	"github.com/ignite/squeeze/internal/store"
	"github.com/lib/pq"
)

// StepRepo implements store.StepStore against PostgreSQL.
type StepRepo struct{ db *sql.DB }

var _ store.StepStore = (*StepRepo)(nil)

// NewStepRepo creates a Postgres-backed step repository.
func NewStepRepo(db *sql.DB) *StepRepo { return &StepRepo{db: db} }

const stepColumns = `id, COALESCE(funnel_id,''), parent_id, position, is_active, description, action, created_at`

func scanStep(row rowScanner) (*domain.Step, error) {
	var (
		s        domain.Step
		parentID sql.NullString
		action   []byte
	)
	if err := row.Scan(&s.ID, &s.FunnelID, &parentID, &s.Position, &s.IsActive, &s.Description, &action, &s.CreatedAt); err != nil {
		return nil, err
	}
	s.ParentID = nullString(parentID)
	if err := json.Unmarshal(action, &s.Action); err != nil {
		return nil, fmt.Errorf("decode action of step %s: %w", s.ID, err)
	}
	return &s, nil
}

func (r *StepRepo) Get(ctx context.Context, id string) (*domain.Step, error) {
	s, err := scanStep(r.db.QueryRowContext(ctx, `SELECT `+stepColumns+` FROM squeeze_steps WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get step: %w", err)
	}
	return s, nil
}

func (r *StepRepo) List(ctx context.Context) ([]domain.Step, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+stepColumns+` FROM squeeze_steps ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	defer rows.Close()

	var out []domain.Step
	for rows.Next() {
		s, err := scanStep(rows)
		if err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

func (r *StepRepo) FindByDrip(ctx context.Context, dripID string) (*domain.Step, error) {
	s, err := scanStep(r.db.QueryRowContext(ctx, `
		SELECT `+stepColumns+`
		FROM squeeze_steps
		WHERE action->>'kind' = 'drip' AND action->>'drip_id' = $1
		ORDER BY id
		LIMIT 1`, dripID))
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find step by drip: %w", err)
	}
	return s, nil
}

// DripRepo implements store.DripStore against PostgreSQL.
type DripRepo struct{ db *sql.DB }

var _ store.DripStore = (*DripRepo)(nil)

// NewDripRepo creates a Postgres-backed drip repository.
func NewDripRepo(db *sql.DB) *DripRepo { return &DripRepo{db: db} }

const dripColumns = `id, name, type, enabled, from_email, from_name, html_body, text_body,
		       send_after, broadcast_sent, rules, created_at`

func scanDrip(row rowScanner) (*domain.Drip, error) {
	var (
		d         domain.Drip
		dripType  string
		sendAfter sql.NullTime
		rules     []byte
	)
	if err := row.Scan(&d.ID, &d.Name, &dripType, &d.Enabled, &d.FromEmail, &d.FromName, &d.HTMLBody, &d.TextBody,
		&sendAfter, &d.BroadcastSent, &rules, &d.CreatedAt); err != nil {
		return nil, err
	}
	d.Type = domain.DripType(dripType)
	d.SendAfter = nullTime(sendAfter)
	if len(rules) > 0 {
		if err := json.Unmarshal(rules, &d.Rules); err != nil {
			return nil, fmt.Errorf("decode rules of drip %s: %w", d.ID, err)
		}
	}
	return &d, nil
}

func (r *DripRepo) Get(ctx context.Context, id string) (*domain.Drip, error) {
	d, err := scanDrip(r.db.QueryRowContext(ctx, `SELECT `+dripColumns+` FROM squeeze_drips WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get drip: %w", err)
	}
	drips := []domain.Drip{*d}
	if err := r.attachSubjects(ctx, drips); err != nil {
		return nil, err
	}
	return &drips[0], nil
}

func (r *DripRepo) ListEnabled(ctx context.Context) ([]domain.Drip, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+dripColumns+` FROM squeeze_drips WHERE enabled ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list drips: %w", err)
	}
	defer rows.Close()

	var out []domain.Drip
	for rows.Next() {
		d, err := scanDrip(rows)
		if err != nil {
			return nil, fmt.Errorf("scan drip: %w", err)
		}
		out = append(out, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := r.attachSubjects(ctx, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *DripRepo) attachSubjects(ctx context.Context, drips []domain.Drip) error {
	if len(drips) == 0 {
		return nil
	}
	ids := make([]string, len(drips))
	index := make(map[string]int, len(drips))
	for i, d := range drips {
		ids[i] = d.ID
		index[d.ID] = i
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, drip_id, text, enabled
		FROM squeeze_drip_subjects
		WHERE drip_id = ANY($1)
		ORDER BY drip_id, id`, pq.Array(ids))
	if err != nil {
		return fmt.Errorf("list drip subjects: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var s domain.DripSubject
		if err := rows.Scan(&s.ID, &s.DripID, &s.Text, &s.Enabled); err != nil {
			return fmt.Errorf("scan drip subject: %w", err)
		}
		i := index[s.DripID]
		drips[i].Subjects = append(drips[i].Subjects, s)
	}
	return rows.Err()
}

func (r *DripRepo) MarkBroadcastSent(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE squeeze_drips SET broadcast_sent = TRUE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("mark broadcast sent: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}
