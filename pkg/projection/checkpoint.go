package projection

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
)

// InMemoryCheckpointStore is a non-durable CheckpointStore for tests and
// single-process deployments.
type InMemoryCheckpointStore struct {
	mu    sync.Mutex
	marks map[string]uint64
}

func NewInMemoryCheckpointStore() *InMemoryCheckpointStore {
	return &InMemoryCheckpointStore{marks: make(map[string]uint64)}
}

func (s *InMemoryCheckpointStore) Get(ctx context.Context, name string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.marks[name], nil
}

func (s *InMemoryCheckpointStore) Set(ctx context.Context, name string, sequence uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marks[name] = sequence
	return nil
}

func (s *InMemoryCheckpointStore) Reset(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.marks, name)
	return nil
}

const postgresCheckpointSchema = `
CREATE TABLE IF NOT EXISTS projection_checkpoints (
	projection_name TEXT PRIMARY KEY,
	sequence BIGINT NOT NULL
);
`

// PostgresCheckpointStore persists checkpoints in a single upserted row per
// projection, the same upsert idiom used throughout the pack's registry and
// snapshot stores.
type PostgresCheckpointStore struct {
	db *sql.DB
}

func NewPostgresCheckpointStore(db *sql.DB) *PostgresCheckpointStore {
	return &PostgresCheckpointStore{db: db}
}

func (s *PostgresCheckpointStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, postgresCheckpointSchema)
	return err
}

func (s *PostgresCheckpointStore) Get(ctx context.Context, name string) (uint64, error) {
	var seq uint64
	err := s.db.QueryRowContext(ctx, `SELECT sequence FROM projection_checkpoints WHERE projection_name = $1`, name).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("projection: get checkpoint: %w", err)
	}
	return seq, nil
}

func (s *PostgresCheckpointStore) Set(ctx context.Context, name string, sequence uint64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projection_checkpoints (projection_name, sequence) VALUES ($1, $2)
		ON CONFLICT (projection_name) DO UPDATE SET sequence = $2
	`, name, sequence)
	if err != nil {
		return fmt.Errorf("projection: set checkpoint: %w", err)
	}
	return nil
}

func (s *PostgresCheckpointStore) Reset(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM projection_checkpoints WHERE projection_name = $1`, name)
	return err
}
