package transport

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ignite/squeeze/internal/domain"
	"github.com/ignite/squeeze/internal/pkg/logger"
)

// Log is a development transport that logs messages instead of sending
// them. It keeps every message it was given.
type Log struct {
	mu   sync.Mutex
	sent []domain.EmailMessage
}

// NewLog creates a Log transport.
func NewLog() *Log { return &Log{} }

// Open starts a session.
func (l *Log) Open(_ context.Context) (Connection, error) {
	return &logConn{log: l}, nil
}

// Sent returns a copy of every message sent so far.
func (l *Log) Sent() []domain.EmailMessage {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]domain.EmailMessage(nil), l.sent...)
}

type logConn struct {
	log    *Log
	closed bool
}

func (c *logConn) Send(_ context.Context, msg *domain.EmailMessage) (*domain.SendResult, error) {
	if c.closed {
		return nil, ErrClosed
	}
	c.log.mu.Lock()
	c.log.sent = append(c.log.sent, *msg)
	c.log.mu.Unlock()

	res := &domain.SendResult{MessageID: uuid.NewString(), SentAt: time.Now().UTC()}
	logger.Info("message sent (log transport)", "drip_id", msg.DripID, "subscriber_id", msg.SubscriberID,
		"to_email", msg.To, "subject", msg.Subject, "message_id", res.MessageID)
	return res, nil
}

func (c *logConn) Close() error {
	c.closed = true
	return nil
}
