package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// PostgresBackend stores payloads in the client_state table created by the
// migrations in db/migrations.
type PostgresBackend struct {
	db *sql.DB
}

func NewPostgresBackend(db *sql.DB) *PostgresBackend {
	return &PostgresBackend{db: db}
}

func (s *PostgresBackend) Load(ctx context.Context, key string) ([]byte, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM client_state WHERE key = $1`, key).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load client state: %w", err)
	}
	return payload, nil
}

func (s *PostgresBackend) Save(ctx context.Context, key string, payload []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO client_state (key, payload, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (key) DO UPDATE SET payload = EXCLUDED.payload, updated_at = NOW()
	`, key, payload)
	if err != nil {
		return fmt.Errorf("save client state: %w", err)
	}
	return nil
}

func (s *PostgresBackend) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresBackend) Close() error {
	return s.db.Close()
}
