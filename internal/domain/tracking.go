package domain

import "time"

// FactKind enumerates engagement facts attached to a send intent.
type FactKind string

const (
	FactOpen        FactKind = "open"
	FactClick       FactKind = "click"
	FactSpam        FactKind = "spam"
	FactUnsubscribe FactKind = "unsubscribe"
)

// FactKinds lists every engagement fact kind.
var FactKinds = []FactKind{FactOpen, FactClick, FactSpam, FactUnsubscribe}

// EngagementFact records that a send intent was opened, clicked, reported as
// spam or unsubscribed from. Existence is the fact; there is at most one per
// (intent, kind).
type EngagementFact struct {
	SendIntentID string    `json:"send_intent_id" db:"send_intent_id"`
	Kind         FactKind  `json:"kind" db:"kind"`
	Date         time.Time `json:"date" db:"date"`
}

// DripStats summarizes a drip's delivery and engagement.
type DripStats struct {
	DripID          string  `json:"drip_id"`
	Sent            int     `json:"sent"`
	Unsent          int     `json:"unsent"`
	Opened          int     `json:"opened"`
	Clicked         int     `json:"clicked"`
	Spammed         int     `json:"spammed"`
	Unsubscribed    int     `json:"unsubscribed"`
	OpenRate        float64 `json:"open_rate"`
	ClickRate       float64 `json:"click_rate"`
	SpamRate        float64 `json:"spam_rate"`
	UnsubscribeRate float64 `json:"unsubscribe_rate"`
}

// SubjectStats summarizes engagement for one split-test subject.
type SubjectStats struct {
	SubjectID string  `json:"subject_id"`
	Text      string  `json:"text"`
	Sent      int     `json:"sent"`
	Opened    int     `json:"opened"`
	Clicked   int     `json:"clicked"`
	OpenRate  float64 `json:"open_rate"`
	ClickRate float64 `json:"click_rate"`
}
