package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "orders:idempotency"

// completeScript overwrites the record only while it still belongs to the same
// fingerprint. KEYS[1]=record key, ARGV[1]=fingerprint, ARGV[2]=record JSON, ARGV[3]=ttl ms.
var completeScript = redis.NewScript(`
local current = redis.call("GET", KEYS[1])
if current then
	local decoded = cjson.decode(current)
	if decoded["fingerprint"] ~= ARGV[1] then
		return 0
	end
end
redis.call("SET", KEYS[1], ARGV[2], "PX", ARGV[3])
return 1
`)

// RedisStore reserves keys with SET NX and lets Redis expire them.
type RedisStore struct {
	client redis.Cmdable
	prefix string
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore constructs a store on client.
func NewRedisStore(client redis.Cmdable, prefix string) *RedisStore {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) redisKey(key string) string {
	return s.prefix + ":" + documentID(key)
}

// Reserve implements Store.
func (s *RedisStore) Reserve(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Reservation, error) {
	ttl = normaliseTTL(ttl)
	record := newPendingRecord(key, fingerprint, now.UTC(), ttl)
	payload, err := json.Marshal(record)
	if err != nil {
		return Reservation{}, fmt.Errorf("idempotency: encode record: %w", err)
	}

	rk := s.redisKey(key)
	reserved, err := s.client.SetNX(ctx, rk, payload, ttl).Result()
	if err != nil {
		return Reservation{}, fmt.Errorf("idempotency: reserve: %w", err)
	}
	if reserved {
		return Reservation{State: ReservationStateNew, Record: record}, nil
	}

	raw, err := s.client.Get(ctx, rk).Bytes()
	if errors.Is(err, redis.Nil) {
		// expired between SETNX and GET; the caller may retry the request
		return Reservation{State: ReservationStatePending, Record: record}, nil
	}
	if err != nil {
		return Reservation{}, fmt.Errorf("idempotency: load: %w", err)
	}
	var existing Record
	if err := json.Unmarshal(raw, &existing); err != nil {
		return Reservation{}, fmt.Errorf("idempotency: decode record: %w", err)
	}
	return existingReservation(existing, fingerprint)
}

// Complete implements Store.
func (s *RedisStore) Complete(ctx context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error {
	ttl = normaliseTTL(ttl)
	now = now.UTC()
	record := newPendingRecord(key, fingerprint, now, ttl).complete(resp, now, ttl)
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("idempotency: encode record: %w", err)
	}

	stored, err := completeScript.Run(ctx, s.client, []string{s.redisKey(key)}, fingerprint, payload, ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("idempotency: complete: %w", err)
	}
	if stored == 0 {
		return ErrFingerprintMismatch
	}
	return nil
}

// Release implements Store.
func (s *RedisStore) Release(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.redisKey(key)).Err(); err != nil {
		return fmt.Errorf("idempotency: release: %w", err)
	}
	return nil
}
