package domain

import "time"

// Funnel is a named entry point that admits subscribers to a root step.
type Funnel struct {
	ID          string    `json:"id" db:"id"`
	Name        string    `json:"name" db:"name"`
	EntryStepID *string   `json:"entry_step_id,omitempty" db:"entry_step_id"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// FunnelSubscription joins a subscriber to a funnel; (funnel, subscriber) is unique.
type FunnelSubscription struct {
	ID           string    `json:"id" db:"id"`
	FunnelID     string    `json:"funnel_id" db:"funnel_id"`
	SubscriberID string    `json:"subscriber_id" db:"subscriber_id"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}
