package domain

import (
	"strings"
	"time"
)

// Subscriber is an entity moving through a workflow, tracked by its current step.
// A subscriber has at most one current step; StepTimestamp records when it
// arrived there.
type Subscriber struct {
	ID              string         `json:"id" db:"id"`
	UserID          string         `json:"user_id,omitempty" db:"user_id"`
	Email           string         `json:"email" db:"email"`
	IsActive        bool           `json:"is_active" db:"is_active"`
	StepID          *string        `json:"step_id,omitempty" db:"step_id"`
	StepTimestamp   *time.Time     `json:"step_timestamp,omitempty" db:"step_timestamp"`
	Attributes      map[string]any `json:"attributes,omitempty" db:"attributes"`
	Tags            []string       `json:"tags,omitempty" db:"tags"`
	SubscribeDate   time.Time      `json:"subscribe_date" db:"subscribe_date"`
	UnsubscribeDate *time.Time     `json:"unsubscribe_date,omitempty" db:"unsubscribe_date"`
	CreatedAt       time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at" db:"updated_at"`
}

// MoveTo places the subscriber on stepID. The step and its timestamp always
// change together.
func (s *Subscriber) MoveTo(stepID string, at time.Time) {
	id := stepID
	ts := at
	s.StepID = &id
	s.StepTimestamp = &ts
}

// Unsubscribe deactivates the subscriber. Its step position is kept.
func (s *Subscriber) Unsubscribe(at time.Time) {
	ts := at
	s.IsActive = false
	s.UnsubscribeDate = &ts
}

// OnStep reports whether the subscriber currently sits on stepID.
func (s Subscriber) OnStep(stepID string) bool {
	return s.StepID != nil && *s.StepID == stepID
}

// HasTag reports whether tag is set (case-insensitive).
func (s Subscriber) HasTag(tag string) bool {
	for _, t := range s.Tags {
		if strings.EqualFold(t, tag) {
			return true
		}
	}
	return false
}

// AddTag adds tag if missing and reports whether the subscriber changed.
func (s *Subscriber) AddTag(tag string) bool {
	if tag == "" || s.HasTag(tag) {
		return false
	}
	s.Tags = append(s.Tags, tag)
	return true
}

// RemoveTag removes tag and reports whether the subscriber changed.
func (s *Subscriber) RemoveTag(tag string) bool {
	out := s.Tags[:0]
	removed := false
	for _, t := range s.Tags {
		if strings.EqualFold(t, tag) {
			removed = true
			continue
		}
		out = append(out, t)
	}
	s.Tags = out
	return removed
}

// NormalizeEmail trims and lower-cases an address for identity lookups.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// SubscriberIDs returns the ids of subs in order.
func SubscriberIDs(subs []Subscriber) []string {
	ids := make([]string, len(subs))
	for i, s := range subs {
		ids[i] = s.ID
	}
	return ids
}
