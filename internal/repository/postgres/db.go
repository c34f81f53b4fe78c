// Package postgres implements the store contracts on PostgreSQL via lib/pq.
// The schema lives in migrations/ and is applied by cmd/migrate.
package postgres

import (
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"
)

// PostgreSQL error codes mapped onto store sentinels.
const (
	codeUniqueViolation     = "23505"
	codeForeignKeyViolation = "23503"
)

// Repos bundles every repository over one connection pool.
type Repos struct {
	Subscribers *SubscriberRepo
	Steps       *StepRepo
	Drips       *DripRepo
	Intents     *IntentRepo
	Funnels     *FunnelRepo
	Engagement  *EngagementRepo
}

// New creates every repository over db.
func New(db *sql.DB) *Repos {
	return &Repos{
		Subscribers: NewSubscriberRepo(db),
		Steps:       NewStepRepo(db),
		Drips:       NewDripRepo(db),
		Intents:     NewIntentRepo(db),
		Funnels:     NewFunnelRepo(db),
		Engagement:  NewEngagementRepo(db),
	}
}

func pqCode(err error) string {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code)
	}
	return ""
}

func nullString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func nullTime(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}
