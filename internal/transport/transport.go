// Package transport delivers rendered messages to an outbound provider.
//
// A Transport opens a Connection once per delivery chunk; the connection is
// then used sequentially for every message in the chunk and closed.
package transport

import (
	"context"
	"errors"

	"github.com/ignite/squeeze/internal/domain"
)

// ErrClosed is returned by Send on a closed connection.
var ErrClosed = errors.New("transport connection closed")

// Transport opens outbound connections. Implementations must be safe for
// concurrent use; connections need not be.
type Transport interface {
	Open(ctx context.Context) (Connection, error)
}

// Connection sends messages over one outbound session.
type Connection interface {
	Send(ctx context.Context, msg *domain.EmailMessage) (*domain.SendResult, error)
	Close() error
}
