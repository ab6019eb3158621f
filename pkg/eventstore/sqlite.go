package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/danvoulez/ledger/pkg/event"
	"github.com/danvoulez/ledger/pkg/hashchain"
	"github.com/danvoulez/ledger/pkg/ids"
	"github.com/danvoulez/ledger/pkg/ledgererr"
)

// sqliteSchema mirrors postgresSchema; modernc.org/sqlite enforces the same
// UNIQUE constraints, so optimistic concurrency and gap-free sequencing
// hold identically on this backend.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS events (
	id TEXT PRIMARY KEY,
	sequence INTEGER UNIQUE NOT NULL,
	ts INTEGER NOT NULL,
	type TEXT NOT NULL,
	aggregate_type TEXT NOT NULL,
	aggregate_id TEXT NOT NULL,
	aggregate_version INTEGER NOT NULL,
	payload TEXT NOT NULL,
	causation TEXT,
	actor TEXT NOT NULL,
	previous_hash TEXT NOT NULL,
	hash TEXT NOT NULL,
	schema_version INTEGER NOT NULL DEFAULT 1,
	metadata TEXT,
	UNIQUE (aggregate_type, aggregate_id, aggregate_version)
);
CREATE INDEX IF NOT EXISTS events_aggregate_idx ON events (aggregate_type, aggregate_id, aggregate_version);
`

// SQLiteStore is an embedded, single-process Event Store backend, suitable
// for a standalone deployment or for tests that want real SQL semantics
// without a Postgres instance. SQLite has no SELECT ... FOR UPDATE, so
// appends serialize on an in-process mutex instead of a row lock; a single
// modernc.org/sqlite handle already serializes writers at the driver level,
// but the mutex also protects the enforcer/store invariant check as one
// critical section.
type SQLiteStore struct {
	db    *sql.DB
	enf   *hashchain.TemporalEnforcer
	clock func() time.Time
	hub   *fanout
	mu    sync.Mutex
}

func NewSQLiteStore(ctx context.Context, db *sql.DB) (*SQLiteStore, error) {
	var seq sql.NullInt64
	var tail sql.NullString
	err := db.QueryRowContext(ctx, "SELECT sequence, hash FROM events ORDER BY sequence DESC LIMIT 1").Scan(&seq, &tail)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("eventstore: recover tail: %w", err)
	}
	return &SQLiteStore{
		db:    db,
		enf:   hashchain.NewTemporalEnforcer(uint64(seq.Int64), tail.String),
		clock: time.Now,
		hub:   newFanout(),
	}, nil
}

func (s *SQLiteStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteSchema)
	return err
}

func (s *SQLiteStore) Append(ctx context.Context, in event.Input) (event.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var lastVersion sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT aggregate_version FROM events WHERE aggregate_type = $1 AND aggregate_id = $2 ORDER BY aggregate_version DESC LIMIT 1`,
		in.AggregateType, in.AggregateID,
	).Scan(&lastVersion)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return event.Event{}, fmt.Errorf("eventstore: read aggregate version: %w", err)
	}
	if uint64(lastVersion.Int64) != in.AggregateVersion-1 {
		return event.Event{}, ledgererr.ConcurrencyConflict(map[string]any{
			"expected_aggregate_version": in.AggregateVersion - 1,
			"current_aggregate_version":  lastVersion.Int64,
		})
	}

	e, err := s.enf.Prepare(in, ids.New().String(), s.clock)
	if err != nil {
		return event.Event{}, err
	}

	causationJSON, err := json.Marshal(e.Causation)
	if err != nil {
		return event.Event{}, fmt.Errorf("eventstore: marshal causation: %w", err)
	}
	payloadJSON, err := json.Marshal(e.Payload)
	if err != nil {
		return event.Event{}, fmt.Errorf("eventstore: marshal payload: %w", err)
	}
	actorJSON, err := json.Marshal(e.Actor)
	if err != nil {
		return event.Event{}, fmt.Errorf("eventstore: marshal actor: %w", err)
	}
	metaJSON, err := json.Marshal(e.Metadata)
	if err != nil {
		return event.Event{}, fmt.Errorf("eventstore: marshal metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO events (id, sequence, ts, type, aggregate_type, aggregate_id, aggregate_version,
			payload, causation, actor, previous_hash, hash, schema_version, metadata)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
	`,
		e.ID, e.Sequence, e.Timestamp, e.Type, e.AggregateType, e.AggregateID, e.AggregateVersion,
		string(payloadJSON), string(causationJSON), string(actorJSON), e.PreviousHash, e.Hash,
		schemaVersionOrDefault(e.SchemaVersion), string(metaJSON),
	)
	if err != nil {
		return event.Event{}, fmt.Errorf("eventstore: insert event: %w", err)
	}

	s.enf.Commit(e)
	s.hub.publish(e)
	return e, nil
}

func (s *SQLiteStore) GetByAggregate(ctx context.Context, aggregateType string, aggregateID ids.ID, q AggregateQuery) ([]event.Event, error) {
	query := fmt.Sprintf(`SELECT %s FROM events WHERE aggregate_type = $1 AND aggregate_id = $2 AND aggregate_version >= $3`, selectCols)
	args := []any{aggregateType, aggregateID, q.FromVersion}
	n := 4
	if q.ToVersion > 0 {
		query += fmt.Sprintf(" AND aggregate_version <= $%d", n)
		args = append(args, q.ToVersion)
		n++
	}
	query += " ORDER BY aggregate_version ASC"
	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", n)
		args = append(args, q.Limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("eventstore: get by aggregate: %w", err)
	}
	defer func() { _ = rows.Close() }()

	result := make([]event.Event, 0)
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

func (s *SQLiteStore) GetBySequence(ctx context.Context, from, to uint64) ([]event.Event, error) {
	query := fmt.Sprintf(`SELECT %s FROM events WHERE sequence >= $1`, selectCols)
	args := []any{from}
	if to > 0 {
		query += " AND sequence <= $2"
		args = append(args, to)
	}
	query += " ORDER BY sequence ASC"
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("eventstore: get by sequence: %w", err)
	}
	defer func() { _ = rows.Close() }()

	result := make([]event.Event, 0)
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

func (s *SQLiteStore) GetByID(ctx context.Context, id ids.ID) (event.Event, error) {
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT %s FROM events WHERE id = $1`, selectCols), id)
	e, err := scanEvent(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return event.Event{}, ledgererr.NotFound("event", string(id))
		}
		return event.Event{}, err
	}
	return e, nil
}

func (s *SQLiteStore) GetLatest(ctx context.Context, aggregateType string, aggregateID ids.ID) (event.Event, error) {
	row := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT %s FROM events WHERE aggregate_type = $1 AND aggregate_id = $2 ORDER BY aggregate_version DESC LIMIT 1`, selectCols),
		aggregateType, aggregateID)
	e, err := scanEvent(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return event.Event{}, ledgererr.NotFound(aggregateType, string(aggregateID))
		}
		return event.Event{}, err
	}
	return e, nil
}

func (s *SQLiteStore) GetCurrentSequence(ctx context.Context) (uint64, error) {
	return s.enf.CurrentSequence(), nil
}

func (s *SQLiteStore) Subscribe(ctx context.Context, filter SubscriptionFilter) *Subscription {
	return s.hub.subscribe(ctx, filter)
}

func (s *SQLiteStore) VerifyIntegrity(ctx context.Context, from, to uint64) (IntegrityReport, error) {
	events, err := s.GetBySequence(ctx, from, to)
	if err != nil {
		return IntegrityReport{}, err
	}
	return verifyReport(hashchain.VerifyChain(events)), nil
}
