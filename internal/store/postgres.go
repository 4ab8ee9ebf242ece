package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quantdesk/paper-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// Each user's ledger and broker state is one JSONB document, upserted
// whole on every save.
//
// Schema:
//
//	CREATE TABLE ledgers (
//	    user_id    TEXT PRIMARY KEY,
//	    data       JSONB NOT NULL,
//	    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
//	);
//	CREATE TABLE broker_states (
//	    user_id    TEXT PRIMARY KEY,
//	    data       JSONB NOT NULL,
//	    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
//	);
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) LoadLedger(ctx context.Context, userID string) (*model.Ledger, error) {
	var data []byte
	err := s.pool.QueryRow(ctx,
		`SELECT data FROM ledgers WHERE user_id = $1`, userID).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load ledger %s: %w", userID, err)
	}

	var l model.Ledger
	if err := json.Unmarshal(data, &l); err != nil {
		return nil, fmt.Errorf("decode ledger %s: %w", userID, err)
	}
	l.Normalize()
	return &l, nil
}

func (s *PostgresStore) SaveLedger(ctx context.Context, userID string, l *model.Ledger) error {
	data, err := json.Marshal(l)
	if err != nil {
		return fmt.Errorf("encode ledger %s: %w", userID, err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO ledgers (user_id, data, updated_at) VALUES ($1, $2, now())
		 ON CONFLICT (user_id) DO UPDATE SET data = $2, updated_at = now()`,
		userID, data)
	if err != nil {
		return fmt.Errorf("save ledger %s: %w", userID, err)
	}
	return nil
}

func (s *PostgresStore) LoadBroker(ctx context.Context, userID string) (*model.BrokerState, error) {
	var data []byte
	err := s.pool.QueryRow(ctx,
		`SELECT data FROM broker_states WHERE user_id = $1`, userID).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load broker state %s: %w", userID, err)
	}

	var b model.BrokerState
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("decode broker state %s: %w", userID, err)
	}
	return &b, nil
}

func (s *PostgresStore) SaveBroker(ctx context.Context, userID string, b *model.BrokerState) error {
	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("encode broker state %s: %w", userID, err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO broker_states (user_id, data, updated_at) VALUES ($1, $2, now())
		 ON CONFLICT (user_id) DO UPDATE SET data = $2, updated_at = now()`,
		userID, data)
	if err != nil {
		return fmt.Errorf("save broker state %s: %w", userID, err)
	}
	return nil
}

func (s *PostgresStore) ListBrokerUsers(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT user_id FROM broker_states`)
	if err != nil {
		return nil, fmt.Errorf("list broker users: %w", err)
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		users = append(users, id)
	}
	return users, rows.Err()
}
