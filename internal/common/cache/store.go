package cache

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// Entry is one persisted result, unique per CoordinateHash.
type Entry struct {
	CoordinateHash string          `json:"coordinateHash" db:"coordinate_hash"`
	OriginalLat    float64         `json:"originalLat" db:"original_lat"`
	OriginalLng    float64         `json:"originalLng" db:"original_lng"`
	Result         json.RawMessage `json:"result" db:"result"`
	RawResponse    json.RawMessage `json:"rawResponse,omitempty" db:"raw_response"`
	ExpiresAt      time.Time       `json:"expiresAt" db:"expires_at"`
	CreatedAt      time.Time       `json:"createdAt" db:"created_at"`
}

// Store persists entries. Get returns (nil, nil) when the hash is absent.
// Put is an upsert with last-write-wins semantics.
type Store interface {
	Get(ctx context.Context, hash string) (*Entry, error)
	Put(ctx context.Context, entry *Entry) error
	Delete(ctx context.Context, hash string) error
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}

// MemoryStore keeps entries in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]Entry)}
}

func (s *MemoryStore) Get(_ context.Context, hash string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[hash]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (s *MemoryStore) Put(_ context.Context, entry *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[entry.CoordinateHash] = *entry
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, hash)
	return nil
}

func (s *MemoryStore) PurgeExpired(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for k, e := range s.entries {
		if !e.ExpiresAt.After(now) {
			delete(s.entries, k)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
