package domain

import "time"

// DripType distinguishes step-driven drips from one-off broadcasts.
type DripType string

const (
	DripTypeDrip      DripType = "drip"
	DripTypeBroadcast DripType = "broadcast"
)

// Drip is a message definition plus the audience rules that narrow who gets it.
type Drip struct {
	ID            string        `json:"id" db:"id"`
	Name          string        `json:"name" db:"name"`
	Type          DripType      `json:"type" db:"type"`
	Enabled       bool          `json:"enabled" db:"enabled"`
	FromEmail     string        `json:"from_email,omitempty" db:"from_email"`
	FromName      string        `json:"from_name,omitempty" db:"from_name"`
	HTMLBody      string        `json:"html_body" db:"html_body"`
	TextBody      string        `json:"text_body,omitempty" db:"text_body"`
	SendAfter     *time.Time    `json:"send_after,omitempty" db:"send_after"`
	BroadcastSent bool          `json:"broadcast_sent" db:"broadcast_sent"`
	Subjects      []DripSubject `json:"subjects"`
	Rules         []Rule        `json:"rules"`
	CreatedAt     time.Time     `json:"created_at" db:"created_at"`
}

// DripSubject is one subject line variant. More than one enabled variant
// puts the drip into split-test mode.
type DripSubject struct {
	ID      string `json:"id" db:"id"`
	DripID  string `json:"drip_id" db:"drip_id"`
	Text    string `json:"text" db:"text"`
	Enabled bool   `json:"enabled" db:"enabled"`
}

// EnabledSubjects returns the subject variants eligible for sending.
func (d Drip) EnabledSubjects() []DripSubject {
	var out []DripSubject
	for _, s := range d.Subjects {
		if s.Enabled {
			out = append(out, s)
		}
	}
	return out
}

// SplitTesting reports whether more than one subject is enabled.
func (d Drip) SplitTesting() bool { return len(d.EnabledSubjects()) > 1 }

// Due reports whether the drip may be sent at now.
func (d Drip) Due(now time.Time) bool {
	return d.SendAfter == nil || !d.SendAfter.After(now)
}
