package domain

import "time"

// SendIntent is the idempotency record for one (drip, subscriber) pair. It is
// created unsent and flips to sent exactly once. Intents are never deleted.
type SendIntent struct {
	ID           string     `json:"id" db:"id"`
	DripID       string     `json:"drip_id" db:"drip_id"`
	SubscriberID string     `json:"subscriber_id" db:"subscriber_id"`
	Sent         bool       `json:"sent" db:"sent"`
	Date         time.Time  `json:"date" db:"date"`
	SentAt       *time.Time `json:"sent_at,omitempty" db:"sent_at"`
	SubjectID    *string    `json:"subject_id,omitempty" db:"subject_id"`
}

// EmailMessage is the fully-resolved message handed to an outbound transport.
// Template rendering and sender resolution are complete by the time it exists.
type EmailMessage struct {
	DripID       string            `json:"drip_id"`
	SubscriberID string            `json:"subscriber_id"`
	SubjectID    string            `json:"subject_id,omitempty"`
	To           string            `json:"to"`
	From         string            `json:"from"`
	Subject      string            `json:"subject"`
	HTMLBody     string            `json:"html_body"`
	TextBody     string            `json:"text_body,omitempty"`
	Headers      map[string]string `json:"headers,omitempty"`
}

// SendResult is returned by a transport connection after a delivery attempt.
type SendResult struct {
	MessageID string    `json:"message_id"`
	SentAt    time.Time `json:"sent_at"`
}
