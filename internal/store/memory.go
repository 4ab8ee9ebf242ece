package store

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/quantdesk/paper-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu      sync.RWMutex
	ledgers map[string][]byte
	brokers map[string][]byte
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		ledgers: make(map[string][]byte),
		brokers: make(map[string][]byte),
	}
}

// Records round-trip through JSON so callers never share mutable state
// with the store, matching the behavior of the durable backends.

func (s *MemoryStore) LoadLedger(_ context.Context, userID string) (*model.Ledger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, ok := s.ledgers[userID]
	if !ok {
		return nil, ErrNotFound
	}
	var l model.Ledger
	if err := json.Unmarshal(data, &l); err != nil {
		return nil, err
	}
	l.Normalize()
	return &l, nil
}

func (s *MemoryStore) SaveLedger(_ context.Context, userID string, l *model.Ledger) error {
	data, err := json.Marshal(l)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ledgers[userID] = data
	return nil
}

func (s *MemoryStore) LoadBroker(_ context.Context, userID string) (*model.BrokerState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, ok := s.brokers[userID]
	if !ok {
		return nil, ErrNotFound
	}
	var b model.BrokerState
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *MemoryStore) SaveBroker(_ context.Context, userID string, b *model.BrokerState) error {
	data, err := json.Marshal(b)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.brokers[userID] = data
	return nil
}

func (s *MemoryStore) ListBrokerUsers(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]string, 0, len(s.brokers))
	for id := range s.brokers {
		users = append(users, id)
	}
	return users, nil
}
