package idempotency

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps records in process memory. It backs tests and single-replica
// deployments that run with API_IDEMPOTENCY_BACKEND=memory.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
}

// NewMemoryStore constructs an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

func expired(record Record, now time.Time) bool {
	return !record.ExpiresAt.IsZero() && !now.Before(record.ExpiresAt)
}

// Reserve claims key unless a live record holds it. Expired records are replaced.
func (s *MemoryStore) Reserve(_ context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Reservation, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now = now.UTC()
	id := recordID(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.records[id]; ok && !expired(existing, now) {
		return resolveExisting(existing, fingerprint)
	}
	claimed := Record{
		Key:         key,
		Fingerprint: fingerprint,
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}
	s.records[id] = claimed
	return Reservation{State: ReservationStateNew, Record: claimed}, nil
}

// SaveResponse completes the record owned by fingerprint, creating it if it was
// purged while the handler ran.
func (s *MemoryStore) SaveResponse(_ context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now = now.UTC()
	id := recordID(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[id]
	switch {
	case !ok:
		record = Record{Key: key, Fingerprint: fingerprint, CreatedAt: now}
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
	s.records[id] = record
	return nil
}

// Release drops the record when it still belongs to fingerprint.
func (s *MemoryStore) Release(_ context.Context, key, fingerprint string) error {
	id := recordID(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	if record, ok := s.records[id]; ok && record.Fingerprint == fingerprint {
		delete(s.records, id)
	}
	return nil
}

// CleanupExpired removes up to limit expired records; limit <= 0 means all.
func (s *MemoryStore) CleanupExpired(_ context.Context, now time.Time, limit int) (int, error) {
	now = now.UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, record := range s.records {
		if limit > 0 && removed >= limit {
			break
		}
		if expired(record, now) {
			delete(s.records, id)
			removed++
		}
	}
	return removed, nil
}

// Len reports the number of records held, expired or not.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}
