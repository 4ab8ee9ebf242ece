// Package store defines persistence for per-user ledgers and broker
// sandbox state. Implementations include PostgreSQL (source of truth),
// Redis (read-through cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/quantdesk/paper-engine/internal/model"
)

// ErrNotFound is returned when no record exists for a user. Callers
// typically substitute a default-constructed state.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence interface. Records are read-modify-written
// whole per request; per-user serialization is the engine's job.
type Store interface {
	// LoadLedger returns the ledger for a user, or ErrNotFound.
	LoadLedger(ctx context.Context, userID string) (*model.Ledger, error)

	// SaveLedger persists the full ledger for a user.
	SaveLedger(ctx context.Context, userID string, l *model.Ledger) error

	// LoadBroker returns the broker sandbox state for a user, or ErrNotFound.
	LoadBroker(ctx context.Context, userID string) (*model.BrokerState, error)

	// SaveBroker persists the full broker sandbox state for a user.
	SaveBroker(ctx context.Context, userID string, b *model.BrokerState) error

	// ListBrokerUsers returns every user id with broker state. Webhook
	// reconciliation scans these to locate a provider order id.
	ListBrokerUsers(ctx context.Context) ([]string, error)
}
