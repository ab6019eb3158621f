package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/danvoulez/ledger/pkg/event"
	"github.com/danvoulez/ledger/pkg/hashchain"
	"github.com/danvoulez/ledger/pkg/ids"
	"github.com/danvoulez/ledger/pkg/ledgererr"
)

// postgresSchema creates the append-only events table. aggregate_version
// uniqueness per aggregate enforces optimistic concurrency (spec §4.1
// precondition 1); sequence uniqueness enforces the gap-free global order
// (precondition 2). There is deliberately no UPDATE or DELETE statement
// anywhere in this file.
const postgresSchema = `
CREATE TABLE IF NOT EXISTS events (
	id TEXT PRIMARY KEY,
	sequence BIGINT UNIQUE NOT NULL,
	ts BIGINT NOT NULL,
	type TEXT NOT NULL,
	aggregate_type TEXT NOT NULL,
	aggregate_id TEXT NOT NULL,
	aggregate_version BIGINT NOT NULL,
	payload TEXT NOT NULL,
	causation TEXT,
	actor TEXT NOT NULL,
	previous_hash TEXT NOT NULL,
	hash TEXT NOT NULL,
	schema_version INT NOT NULL DEFAULT 1,
	metadata TEXT,
	UNIQUE (aggregate_type, aggregate_id, aggregate_version)
);
CREATE INDEX IF NOT EXISTS events_aggregate_idx ON events (aggregate_type, aggregate_id, aggregate_version);
`

// PostgresStore is the durable, Postgres-backed Event Store. It serializes
// appends with a row-level lock on the current tail event (no row is
// locked while the table is still empty) so that
// sequence allocation and the hash chain tail advance atomically across
// concurrent writers, the same pattern the obligations ledger uses for
// AcquireNextPending with FOR UPDATE SKIP LOCKED.
type PostgresStore struct {
	db    *sql.DB
	enf   *hashchain.TemporalEnforcer
	clock func() time.Time
	hub   *fanout
}

// NewPostgresStore recovers the enforcer's sequence/tail from the database
// and returns a ready Store. Init must be called once beforehand to create
// the schema.
func NewPostgresStore(ctx context.Context, db *sql.DB) (*PostgresStore, error) {
	var seq sql.NullInt64
	var tail sql.NullString
	err := db.QueryRowContext(ctx, "SELECT sequence, hash FROM events ORDER BY sequence DESC LIMIT 1").Scan(&seq, &tail)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("eventstore: recover tail: %w", err)
	}
	return &PostgresStore{
		db:    db,
		enf:   hashchain.NewTemporalEnforcer(uint64(seq.Int64), tail.String),
		clock: time.Now,
		hub:   newFanout(),
	}, nil
}

// Init creates the events table if absent.
func (s *PostgresStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, postgresSchema)
	return err
}

func (s *PostgresStore) Append(ctx context.Context, in event.Input) (event.Event, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return event.Event{}, fmt.Errorf("eventstore: begin append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Lock the tail row first so concurrent appenders serialize here,
	// before either one calls Prepare.
	var dummy sql.NullString
	_ = tx.QueryRowContext(ctx, "SELECT hash FROM events ORDER BY sequence DESC LIMIT 1 FOR UPDATE").Scan(&dummy)

	var lastVersion sql.NullInt64
	err = tx.QueryRowContext(ctx,
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

	_, err = tx.ExecContext(ctx, `
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

	if err := tx.Commit(); err != nil {
		return event.Event{}, fmt.Errorf("eventstore: commit append: %w", err)
	}

	s.enf.Commit(e)
	s.hub.publish(e)
	return e, nil
}

func schemaVersionOrDefault(v int) int {
	if v == 0 {
		return 1
	}
	return v
}

const selectCols = `id, sequence, ts, type, aggregate_type, aggregate_id, aggregate_version, payload, causation, actor, previous_hash, hash, schema_version, metadata`

func scanEvent(row interface{ Scan(dest ...any) error }) (event.Event, error) {
	var e event.Event
	var causation, metadata sql.NullString
	var actorJSON string
	var payloadJSON string

	if err := row.Scan(&e.ID, &e.Sequence, &e.Timestamp, &e.Type, &e.AggregateType, &e.AggregateID,
		&e.AggregateVersion, &payloadJSON, &causation, &actorJSON, &e.PreviousHash, &e.Hash,
		&e.SchemaVersion, &metadata); err != nil {
		return event.Event{}, err
	}

	if err := json.Unmarshal([]byte(payloadJSON), &e.Payload); err != nil {
		return event.Event{}, fmt.Errorf("eventstore: corrupt payload: %w", err)
	}
	if err := json.Unmarshal([]byte(actorJSON), &e.Actor); err != nil {
		return event.Event{}, fmt.Errorf("eventstore: corrupt actor: %w", err)
	}
	if causation.Valid && causation.String != "" && causation.String != "null" {
		var c event.Causation
		if err := json.Unmarshal([]byte(causation.String), &c); err != nil {
			return event.Event{}, fmt.Errorf("eventstore: corrupt causation: %w", err)
		}
		e.Causation = &c
	}
	if metadata.Valid && metadata.String != "" && metadata.String != "null" {
		if err := json.Unmarshal([]byte(metadata.String), &e.Metadata); err != nil {
			return event.Event{}, fmt.Errorf("eventstore: corrupt metadata: %w", err)
		}
	}
	return e, nil
}

func (s *PostgresStore) GetByAggregate(ctx context.Context, aggregateType string, aggregateID ids.ID, q AggregateQuery) ([]event.Event, error) {
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

func (s *PostgresStore) GetBySequence(ctx context.Context, from, to uint64) ([]event.Event, error) {
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

func (s *PostgresStore) GetByID(ctx context.Context, id ids.ID) (event.Event, error) {
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

func (s *PostgresStore) GetLatest(ctx context.Context, aggregateType string, aggregateID ids.ID) (event.Event, error) {
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

func (s *PostgresStore) GetCurrentSequence(ctx context.Context) (uint64, error) {
	return s.enf.CurrentSequence(), nil
}

func (s *PostgresStore) Subscribe(ctx context.Context, filter SubscriptionFilter) *Subscription {
	return s.hub.subscribe(ctx, filter)
}

func (s *PostgresStore) VerifyIntegrity(ctx context.Context, from, to uint64) (IntegrityReport, error) {
	events, err := s.GetBySequence(ctx, from, to)
	if err != nil {
		return IntegrityReport{}, err
	}
	if from > 1 {
		// Verifying a slice that doesn't start at genesis: check self-hashes
		// and adjacency only, not the literal genesis previous_hash.
		for i, e := range events {
			ok, err := hashchain.VerifyHash(e)
			if err != nil || !ok {
				return IntegrityReport{Valid: false, InvalidAt: e.Sequence, Error: "self hash mismatch"}, nil
			}
			if i > 0 && e.PreviousHash != events[i-1].Hash {
				return IntegrityReport{Valid: false, InvalidAt: e.Sequence, Error: "previous_hash mismatch"}, nil
			}
		}
		return IntegrityReport{Valid: true}, nil
	}
	return verifyReport(hashchain.VerifyChain(events)), nil
}
