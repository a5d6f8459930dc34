package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "idempotency:"

// redisGetter is satisfied by both the client and a WATCH transaction.
type redisGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

// RedisStore keeps records as JSON values whose Redis TTL matches the record expiry,
// so CleanupExpired has nothing to do.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore constructs a Redis-backed store.
func NewRedisStore(client redis.UniversalClient) (*RedisStore, error) {
	if client == nil {
		return nil, errors.New("idempotency: redis client is required")
	}
	return &RedisStore{client: client}, nil
}

type redisRecord struct {
	Key             string              `json:"key"`
	Fingerprint     string              `json:"fingerprint"`
	Status          Status              `json:"status"`
	ResponseStatus  int                 `json:"response_status,omitempty"`
	ResponseHeaders map[string][]string `json:"response_headers,omitempty"`
	ResponseBody    []byte              `json:"response_body,omitempty"`
	CreatedAt       time.Time           `json:"created_at"`
	UpdatedAt       time.Time           `json:"updated_at"`
	ExpiresAt       time.Time           `json:"expires_at"`
}

func (r redisRecord) record() Record {
	return Record{
		Key:             r.Key,
		Fingerprint:     r.Fingerprint,
		Status:          r.Status,
		ResponseStatus:  r.ResponseStatus,
		ResponseHeaders: r.ResponseHeaders,
		ResponseBody:    r.ResponseBody,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
		ExpiresAt:       r.ExpiresAt,
	}
}

// Reserve claims the key with SETNX. A key that expires between SETNX and the
// follow-up GET is claimed on the second pass.
func (s *RedisStore) Reserve(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Reservation, error) {
	now = now.UTC()
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	redisKey := redisKeyPrefix + recordID(key)
	pending := redisRecord{
		Key:         key,
		Fingerprint: fingerprint,
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}
	payload, err := json.Marshal(pending)
	if err != nil {
		return Reservation{}, fmt.Errorf("idempotency: encode record: %w", err)
	}

	for attempt := 0; attempt < 2; attempt++ {
		claimed, err := s.client.SetNX(ctx, redisKey, payload, ttl).Result()
		if err != nil {
			return Reservation{}, fmt.Errorf("idempotency: redis setnx: %w", err)
		}
		if claimed {
			return Reservation{State: ReservationStateNew, Record: pending.record()}, nil
		}

		existing, err := s.load(ctx, s.client, redisKey)
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return Reservation{}, err
		}
		return resolveExisting(existing.record(), fingerprint)
	}
	return Reservation{}, errors.New("idempotency: redis reservation kept expiring")
}

// SaveResponse stores the response under WATCH so a concurrent takeover by another
// fingerprint is detected.
func (s *RedisStore) SaveResponse(ctx context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error {
	now = now.UTC()
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	redisKey := redisKeyPrefix + recordID(key)

	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		record, err := s.load(ctx, tx, redisKey)
		switch {
		case errors.Is(err, redis.Nil):
			record = redisRecord{Key: key, Fingerprint: fingerprint, CreatedAt: now}
		case err != nil:
			return err
		case record.Fingerprint != fingerprint:
			return ErrFingerprintMismatch
		}

		record.Status = StatusCompleted
		record.ResponseStatus = resp.Status
		record.ResponseHeaders = sanitizeHeaders(resp.Headers)
		record.ResponseBody = nil
		if len(resp.Body) > 0 {
			record.ResponseBody = append([]byte(nil), resp.Body...)
		}
		record.UpdatedAt = now
		record.ExpiresAt = now.Add(ttl)

		payload, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("idempotency: encode record: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, redisKey, payload, ttl)
			return nil
		})
		return err
	}, redisKey)
	if err != nil && !errors.Is(err, ErrFingerprintMismatch) {
		return fmt.Errorf("idempotency: redis save: %w", err)
	}
	return err
}

// Release deletes the reservation when it still belongs to fingerprint.
func (s *RedisStore) Release(ctx context.Context, key, fingerprint string) error {
	redisKey := redisKeyPrefix + recordID(key)
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		record, err := s.load(ctx, tx, redisKey)
		if err != nil {
			return err
		}
		if record.Fingerprint != fingerprint {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, redisKey)
			return nil
		})
		return err
	}, redisKey)
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("idempotency: redis release: %w", err)
	}
	return nil
}

// CleanupExpired is a no-op; Redis evicts keys once their TTL passes.
func (s *RedisStore) CleanupExpired(context.Context, time.Time, int) (int, error) {
	return 0, nil
}

func (s *RedisStore) load(ctx context.Context, cmd redisGetter, redisKey string) (redisRecord, error) {
	data, err := cmd.Get(ctx, redisKey).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return redisRecord{}, err
		}
		return redisRecord{}, fmt.Errorf("idempotency: redis get: %w", err)
	}
	var record redisRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return redisRecord{}, fmt.Errorf("idempotency: decode record: %w", err)
	}
	return record, nil
}
