package distlock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Store is a shared key-value store with atomic create-if-absent leases.
// Acquire never blocks: ok is false when another holder owns key. A lease
// expires on its own after ttl so a crashed holder cannot wedge a key.
type Store interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error)
	// Release deletes key if token still owns it.
	Release(ctx context.Context, key, token string) error
}

// Extender is implemented by stores that can push out the expiry of a lease
// the caller still owns. ok is false when token no longer owns key.
type Extender interface {
	Extend(ctx context.Context, key, token string, ttl time.Duration) (ok bool, err error)
}

var (
	// ErrNotExtendable is returned by Lease.Extend when the store has no
	// Extend support.
	ErrNotExtendable = errors.New("lease store cannot extend leases")
	// ErrLeaseLost is returned by Lease.Extend when the lease expired and
	// was taken by another holder.
	ErrLeaseLost = errors.New("lease lost")
)

// Coordinator composes lock keys from a deployment prefix, a scope and
// scope-local ids, and hands out leases over a Store.
type Coordinator struct {
	store  Store
	prefix string
}

// NewCoordinator creates a Coordinator. prefix disambiguates deployments
// sharing one store and may be empty.
func NewCoordinator(store Store, prefix string) *Coordinator {
	return &Coordinator{store: store, prefix: prefix}
}

// Key returns the lock key for scope and ids, e.g. "prod:step:42".
func (c *Coordinator) Key(scope string, ids ...string) string {
	parts := make([]string, 0, len(ids)+2)
	if c.prefix != "" {
		parts = append(parts, c.prefix)
	}
	parts = append(parts, scope)
	parts = append(parts, ids...)
	return strings.Join(parts, ":")
}

// TryAcquire attempts the lease for scope/ids. It returns a nil Lease and no
// error when someone else holds it.
func (c *Coordinator) TryAcquire(ctx context.Context, ttl time.Duration, scope string, ids ...string) (*Lease, error) {
	key := c.Key(scope, ids...)
	token, ok, err := c.store.Acquire(ctx, key, ttl)
	if err != nil {
		return nil, fmt.Errorf("acquire %s: %w", key, err)
	}
	if !ok {
		return nil, nil
	}
	return &Lease{store: c.store, key: key, token: token, ttl: ttl}, nil
}

// Lease is a held lock. Release it exactly once, typically via defer.
type Lease struct {
	store Store
	key   string
	token string
	ttl   time.Duration
}

// Key returns the leased key.
func (l *Lease) Key() string { return l.key }

// Release gives the lease back.
func (l *Lease) Release(ctx context.Context) error {
	if err := l.store.Release(ctx, l.key, l.token); err != nil {
		return fmt.Errorf("release %s: %w", l.key, err)
	}
	return nil
}

// Extend renews the lease for the ttl it was acquired with.
func (l *Lease) Extend(ctx context.Context) error {
	ext, ok := l.store.(Extender)
	if !ok {
		return ErrNotExtendable
	}
	owned, err := ext.Extend(ctx, l.key, l.token, l.ttl)
	if err != nil {
		return fmt.Errorf("extend %s: %w", l.key, err)
	}
	if !owned {
		return fmt.Errorf("extend %s: %w", l.key, ErrLeaseLost)
	}
	return nil
}

// newToken returns a random ownership value.
func newToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate lease token: %w", err)
	}
	return hex.EncodeToString(b), nil
}
