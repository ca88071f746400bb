package idempotency

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is the single-instance store used when Redis is not configured, and in tests.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
	events  map[string]time.Time
	now     func() time.Time
}

var (
	_ Store       = (*MemoryStore)(nil)
	_ EventLedger = (*MemoryStore)(nil)
)

// NewMemoryStore constructs an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]Record),
		events:  make(map[string]time.Time),
		now:     time.Now,
	}
}

// Reserve implements Store. Expired records are treated as absent.
func (s *MemoryStore) Reserve(_ context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Reservation, error) {
	now = now.UTC()
	s.mu.Lock()
	defer s.mu.Unlock()

	id := compositeKey(key)
	record, ok := s.records[id]
	if !ok || !now.Before(record.ExpiresAt) {
		record = newPendingRecord(key, fingerprint, now, ttlOrDefault(ttl))
		s.records[id] = record
		return Reservation{State: ReservationStateNew, Record: record}, nil
	}
	return reservationFor(record, fingerprint)
}

// SaveResponse implements Store.
func (s *MemoryStore) SaveResponse(_ context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error {
	now = now.UTC()
	s.mu.Lock()
	defer s.mu.Unlock()

	id := compositeKey(key)
	record, ok := s.records[id]
	if ok && record.Fingerprint != fingerprint {
		return ErrFingerprintMismatch
	}
	if !ok {
		record = Record{Key: key, Fingerprint: fingerprint}
	}
	s.records[id] = completeRecord(record, resp, now, ttlOrDefault(ttl))
	return nil
}

// Release deletes the reservation so a later attempt may retry.
func (s *MemoryStore) Release(_ context.Context, key, fingerprint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := compositeKey(key)
	if record, ok := s.records[id]; ok && record.Fingerprint == fingerprint {
		delete(s.records, id)
	}
	return nil
}

// CleanupExpired removes up to limit expired records and event ids. A non-positive limit removes all.
func (s *MemoryStore) CleanupExpired(_ context.Context, now time.Time, limit int) (int, error) {
	now = now.UTC()
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	full := func() bool { return limit > 0 && removed >= limit }
	for id, record := range s.records {
		if full() {
			return removed, nil
		}
		if now.Before(record.ExpiresAt) {
			continue
		}
		delete(s.records, id)
		removed++
	}
	for id, expires := range s.events {
		if full() {
			break
		}
		if now.Before(expires) {
			continue
		}
		delete(s.events, id)
		removed++
	}
	return removed, nil
}

// Seen implements EventLedger.
func (s *MemoryStore) Seen(_ context.Context, eventID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	expires, ok := s.events[eventID]
	return ok && s.now().Before(expires), nil
}

// MarkProcessed implements EventLedger.
func (s *MemoryStore) MarkProcessed(_ context.Context, eventID string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.events[eventID] = s.now().Add(ttlOrDefault(ttl))
	return nil
}
