// Package auth - state.go keeps OAuth state values between the login redirect
// and the provider callback. Each state is single use.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// StateTTL bounds how long a user may take at the identity provider.
const StateTTL = 5 * time.Minute

// StateStore saves OAuth state values and consumes them exactly once.
type StateStore interface {
	Save(ctx context.Context, state string) error
	// Consume reports whether state was known and unexpired, and forgets it.
	Consume(ctx context.Context, state string) (bool, error)
}

// NewState returns a random URL-safe state value.
func NewState() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// MemoryStateStore is a single-instance StateStore.
type MemoryStateStore struct {
	mu     sync.Mutex
	states map[string]time.Time
	ttl    time.Duration
	now    func() time.Time
}

// NewMemoryStateStore creates an in-process state store.
func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{states: make(map[string]time.Time), ttl: StateTTL, now: time.Now}
}

// Save records state with the store TTL and drops expired entries.
func (s *MemoryStateStore) Save(_ context.Context, state string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for k, exp := range s.states {
		if now.After(exp) {
			delete(s.states, k)
		}
	}
	s.states[state] = now.Add(s.ttl)
	return nil
}

// Consume removes state and reports whether it was valid.
func (s *MemoryStateStore) Consume(_ context.Context, state string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	exp, ok := s.states[state]
	if !ok {
		return false, nil
	}
	delete(s.states, state)
	return !s.now().After(exp), nil
}

// RedisStateStore shares state across instances.
type RedisStateStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStateStore creates a Redis-backed state store.
func NewRedisStateStore(client *redis.Client) *RedisStateStore {
	return &RedisStateStore{client: client, ttl: StateTTL}
}

func stateKey(state string) string { return "usio:oauth_state:" + state }

// Save stores state with the TTL.
func (s *RedisStateStore) Save(ctx context.Context, state string) error {
	return s.client.Set(ctx, stateKey(state), "1", s.ttl).Err()
}

// Consume atomically reads and deletes state.
func (s *RedisStateStore) Consume(ctx context.Context, state string) (bool, error) {
	err := s.client.GetDel(ctx, stateKey(state)).Err()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
