package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/quantdesk/paper-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Saves go to the primary store and refresh the cache; loads check
// Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

func (s *CachedStore) LoadLedger(ctx context.Context, userID string) (*model.Ledger, error) {
	data, err := s.rdb.Get(ctx, ledgerKey(userID)).Bytes()
	if err == nil {
		var l model.Ledger
		if json.Unmarshal(data, &l) == nil {
			l.Normalize()
			return &l, nil
		}
	}

	l, err := s.primary.LoadLedger(ctx, userID)
	if err != nil {
		return nil, err
	}

	s.cache(ctx, ledgerKey(userID), l)
	return l, nil
}

func (s *CachedStore) SaveLedger(ctx context.Context, userID string, l *model.Ledger) error {
	if err := s.primary.SaveLedger(ctx, userID, l); err != nil {
		return err
	}
	s.cache(ctx, ledgerKey(userID), l)
	return nil
}

func (s *CachedStore) LoadBroker(ctx context.Context, userID string) (*model.BrokerState, error) {
	data, err := s.rdb.Get(ctx, brokerKey(userID)).Bytes()
	if err == nil {
		var b model.BrokerState
		if json.Unmarshal(data, &b) == nil {
			return &b, nil
		}
	}

	b, err := s.primary.LoadBroker(ctx, userID)
	if err != nil {
		return nil, err
	}

	s.cache(ctx, brokerKey(userID), b)
	return b, nil
}

func (s *CachedStore) SaveBroker(ctx context.Context, userID string, b *model.BrokerState) error {
	if err := s.primary.SaveBroker(ctx, userID, b); err != nil {
		return err
	}
	s.cache(ctx, brokerKey(userID), b)
	return nil
}

// ListBrokerUsers is a passthrough — the cross-user scan must see the
// authoritative set, not a cached subset.
func (s *CachedStore) ListBrokerUsers(ctx context.Context) ([]string, error) {
	return s.primary.ListBrokerUsers(ctx)
}

func (s *CachedStore) cache(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func ledgerKey(uid string) string { return fmt.Sprintf("ledger:%s", uid) }
func brokerKey(uid string) string { return fmt.Sprintf("broker:%s", uid) }
