package distlock

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is a process-local Store for development and tests.
type MemoryStore struct {
	mu     sync.Mutex
	leases map[string]memLease
	now    func() time.Time
}

type memLease struct {
	token   string
	expires time.Time
}

// NewMemoryStore creates an empty in-process lease store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{leases: make(map[string]memLease), now: time.Now}
}

func (s *MemoryStore) Acquire(_ context.Context, key string, ttl time.Duration) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if l, ok := s.leases[key]; ok && now.Before(l.expires) {
		return "", false, nil
	}
	token, err := newToken()
	if err != nil {
		return "", false, err
	}
	s.leases[key] = memLease{token: token, expires: now.Add(ttl)}
	return token, true, nil
}

func (s *MemoryStore) Release(_ context.Context, key, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.leases[key]; ok && l.token == token {
		delete(s.leases, key)
	}
	return nil
}

// Extend renews key for ttl if token still owns an unexpired lease.
func (s *MemoryStore) Extend(_ context.Context, key, token string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	l, ok := s.leases[key]
	if !ok || l.token != token || !now.Before(l.expires) {
		return false, nil
	}
	s.leases[key] = memLease{token: token, expires: now.Add(ttl)}
	return true, nil
}

// Held reports whether key is currently leased.
func (s *MemoryStore) Held(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.leases[key]
	return ok && s.now().Before(l.expires)
}
