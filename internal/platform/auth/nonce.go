package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// NonceStore remembers webhook nonces until they expire so a signed request
// cannot be replayed.
type NonceStore interface {
	// UseNonce records nonce within scope. It returns false when the nonce was already used.
	UseNonce(ctx context.Context, scope, nonce string, expiry time.Time) (bool, error)
}

// InMemoryNonceStore is a process-local NonceStore.
type InMemoryNonceStore struct {
	mu     sync.Mutex
	now    func() time.Time
	nonces map[string]time.Time
}

// NewInMemoryNonceStore constructs the store.
func NewInMemoryNonceStore() *InMemoryNonceStore {
	return &InMemoryNonceStore{nonces: make(map[string]time.Time), now: time.Now}
}

// UseNonce implements NonceStore.
func (s *InMemoryNonceStore) UseNonce(_ context.Context, scope, nonce string, expiry time.Time) (bool, error) {
	if scope == "" || nonce == "" {
		return false, errors.New("auth: scope and nonce are required")
	}
	key := scope + "::" + nonce

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if !expiry.After(now) {
		return false, errors.New("auth: nonce expiry is in the past")
	}
	for k, exp := range s.nonces {
		if !exp.After(now) {
			delete(s.nonces, k)
		}
	}
	if _, used := s.nonces[key]; used {
		return false, nil
	}
	s.nonces[key] = expiry
	return true, nil
}

// RedisNonceStore shares nonces across replicas using SET NX with a TTL.
type RedisNonceStore struct {
	client redis.Cmdable
	prefix string
	now    func() time.Time
}

// NewRedisNonceStore builds a store on client. Keys are namespaced by prefix.
func NewRedisNonceStore(client redis.Cmdable, prefix string) *RedisNonceStore {
	if prefix == "" {
		prefix = "orders:webhook-nonce"
	}
	return &RedisNonceStore{client: client, prefix: prefix, now: time.Now}
}

// UseNonce implements NonceStore.
func (s *RedisNonceStore) UseNonce(ctx context.Context, scope, nonce string, expiry time.Time) (bool, error) {
	if s == nil || s.client == nil {
		return false, errors.New("auth: redis nonce store not configured")
	}
	if scope == "" || nonce == "" {
		return false, errors.New("auth: scope and nonce are required")
	}
	ttl := expiry.Sub(s.now())
	if ttl <= 0 {
		return false, errors.New("auth: nonce expiry is in the past")
	}
	stored, err := s.client.SetNX(ctx, fmt.Sprintf("%s:%s:%s", s.prefix, scope, nonce), 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("auth: record nonce: %w", err)
	}
	return stored, nil
}
