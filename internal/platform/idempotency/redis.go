package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisRequestPrefix = "idem:req:"
	redisEventPrefix   = "idem:evt:"
)

// RedisCommander is the subset of *redis.Client used by RedisStore.
type RedisCommander interface {
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Exists(ctx context.Context, keys ...string) *redis.IntCmd
	Ping(ctx context.Context) *redis.StatusCmd
}

var _ RedisCommander = (*redis.Client)(nil)

// RedisStore keeps records in Redis so replays work across instances. Expiry is delegated to key TTLs.
type RedisStore struct {
	client RedisCommander
}

var (
	_ Store       = (*RedisStore)(nil)
	_ EventLedger = (*RedisStore)(nil)
)

// NewRedisStore wraps a Redis client.
func NewRedisStore(client RedisCommander) (*RedisStore, error) {
	if client == nil {
		return nil, errors.New("idempotency: redis client is required")
	}
	return &RedisStore{client: client}, nil
}

// NewRedisClient parses a redis:// URL into a client.
func NewRedisClient(rawURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, fmt.Errorf("idempotency: parse redis url: %w", err)
	}
	return redis.NewClient(opts), nil
}

// Reserve implements Store using SETNX so only one request wins the key.
func (s *RedisStore) Reserve(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Reservation, error) {
	ttl = ttlOrDefault(ttl)
	record := newPendingRecord(key, fingerprint, now.UTC(), ttl)
	payload, err := json.Marshal(record)
	if err != nil {
		return Reservation{}, fmt.Errorf("idempotency: encode record: %w", err)
	}

	id := redisRequestPrefix + compositeKey(key)
	created, err := s.client.SetNX(ctx, id, payload, ttl).Result()
	if err != nil {
		return Reservation{}, fmt.Errorf("idempotency: reserve: %w", err)
	}
	if created {
		return Reservation{State: ReservationStateNew, Record: record}, nil
	}

	existing, found, err := s.load(ctx, id)
	if err != nil {
		return Reservation{}, err
	}
	if !found {
		// Expired between SETNX and GET; the caller may retry with a fresh reservation.
		return Reservation{State: ReservationStatePending, Record: record}, nil
	}
	return reservationFor(existing, fingerprint)
}

// SaveResponse implements Store.
func (s *RedisStore) SaveResponse(ctx context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error {
	ttl = ttlOrDefault(ttl)
	id := redisRequestPrefix + compositeKey(key)

	record, found, err := s.load(ctx, id)
	if err != nil {
		return err
	}
	if found && record.Fingerprint != fingerprint {
		return ErrFingerprintMismatch
	}
	if !found {
		record = Record{Key: key, Fingerprint: fingerprint}
	}

	payload, err := json.Marshal(completeRecord(record, resp, now.UTC(), ttl))
	if err != nil {
		return fmt.Errorf("idempotency: encode record: %w", err)
	}
	if err := s.client.Set(ctx, id, payload, ttl).Err(); err != nil {
		return fmt.Errorf("idempotency: save response: %w", err)
	}
	return nil
}

// Release implements Store.
func (s *RedisStore) Release(ctx context.Context, key, fingerprint string) error {
	id := redisRequestPrefix + compositeKey(key)
	record, found, err := s.load(ctx, id)
	if err != nil || !found || record.Fingerprint != fingerprint {
		return err
	}
	if err := s.client.Del(ctx, id).Err(); err != nil {
		return fmt.Errorf("idempotency: release: %w", err)
	}
	return nil
}

// CleanupExpired is a no-op: Redis expires keys itself.
func (s *RedisStore) CleanupExpired(context.Context, time.Time, int) (int, error) {
	return 0, nil
}

// Seen implements EventLedger.
func (s *RedisStore) Seen(ctx context.Context, eventID string) (bool, error) {
	n, err := s.client.Exists(ctx, redisEventPrefix+eventID).Result()
	if err != nil {
		return false, fmt.Errorf("idempotency: lookup event: %w", err)
	}
	return n > 0, nil
}

// MarkProcessed implements EventLedger.
func (s *RedisStore) MarkProcessed(ctx context.Context, eventID string, ttl time.Duration) error {
	if err := s.client.Set(ctx, redisEventPrefix+eventID, "1", ttlOrDefault(ttl)).Err(); err != nil {
		return fmt.Errorf("idempotency: mark event: %w", err)
	}
	return nil
}

// Ping checks connectivity for readiness probes.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) load(ctx context.Context, id string) (Record, bool, error) {
	raw, err := s.client.Get(ctx, id).Bytes()
	if errors.Is(err, redis.Nil) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("idempotency: load record: %w", err)
	}
	var record Record
	if err := json.Unmarshal(raw, &record); err != nil {
		return Record{}, false, fmt.Errorf("idempotency: decode record: %w", err)
	}
	return record, true, nil
}
