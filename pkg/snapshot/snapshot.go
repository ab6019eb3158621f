// Package snapshot implements the snapshot store and load acceleration for
// aggregate reconstruction (spec §4.5).
package snapshot

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/danvoulez/ledger/pkg/ids"
)

// Record is a stored snapshot: {aggregate_type, aggregate_id, state,
// aggregate_version, sequence, rehydrator_version, state_hash} per spec §4.5.
type Record struct {
	AggregateType     string
	AggregateID       ids.ID
	State             any
	AggregateVersion  uint64
	Sequence          uint64
	RehydratorVersion int
	StateHash         string
}

// Policy decides when a new snapshot should be written after a load, per
// spec §4.5 "Snapshot-creation policy is evaluated after load: defaults
// trigger a new snapshot every N events beyond a minimum floor."
type Policy struct {
	EveryN int
	Floor  uint64
}

// DefaultPolicy snapshots every 100 events once an aggregate has reached
// at least 50 events, the same order of magnitude the teacher's
// canary/rollout thresholds use for "don't act until there's enough
// signal" floors.
var DefaultPolicy = Policy{EveryN: 100, Floor: 50}

// ShouldSnapshot reports whether a new snapshot should be written, given
// the versions since the last one.
func (p Policy) ShouldSnapshot(versionsSinceLast uint64, currentVersion uint64) bool {
	if currentVersion < p.Floor {
		return false
	}
	if p.EveryN <= 0 {
		return false
	}
	return versionsSinceLast >= uint64(p.EveryN)
}

func stateHash(state any) (string, error) {
	raw, err := json.Marshal(state)
	if err != nil {
		return "", fmt.Errorf("snapshot: hash state: %w", err)
	}
	sum := sha256.Sum256(raw)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}

// Store persists and retrieves snapshots. Loader, built over a Store,
// implements pkg/aggregate.SnapshotProvider.
type Store interface {
	// Latest returns the newest snapshot for (aggregateType, aggregateID)
	// whose RehydratorVersion equals rehydratorVersion (spec §4.5 step 1).
	Latest(ctx context.Context, aggregateType string, aggregateID ids.ID, rehydratorVersion int) (Record, bool, error)

	// Put stores a new snapshot, superseding any prior one for the same
	// (aggregate_type, aggregate_id, rehydrator_version).
	Put(ctx context.Context, rec Record) error

	// DeleteByType deletes all snapshots for aggregateType — used when a
	// rehydrator's declared version changes (spec §4.5 "Invalidation").
	DeleteByType(ctx context.Context, aggregateType string) error
}

// Loader adapts a Store and a Policy into the narrow interface
// pkg/aggregate.Repository consumes. Load hands back the stored State as
// the Store returns it; no unmarshaling into a typed state takes place.
type Loader struct {
	store     Store
	policy    Policy
	newState  func() any
	versionOf func(state any) uint64
	mu        sync.Mutex
	sinceLast map[string]uint64 // "type/id" -> versions applied since last snapshot
}

// NewLoader builds a snapshot-accelerated loader. newState is kept on the
// Loader, but Load and Consider do not call it.
func NewLoader(store Store, policy Policy, newState func() any) *Loader {
	return &Loader{
		store:     store,
		policy:    policy,
		newState:  newState,
		sinceLast: make(map[string]uint64),
	}
}

func key(aggregateType string, aggregateID ids.ID) string {
	return aggregateType + "/" + string(aggregateID)
}

// Load implements pkg/aggregate.SnapshotProvider.
func (l *Loader) Load(ctx context.Context, aggregateType string, aggregateID ids.ID, rehydratorVersion int) (any, uint64, uint64, bool, error) {
	rec, ok, err := l.store.Latest(ctx, aggregateType, aggregateID, rehydratorVersion)
	if err != nil {
		return nil, 0, 0, false, err
	}
	if !ok {
		return nil, 0, 0, false, nil
	}
	return rec.State, rec.AggregateVersion, rec.Sequence, true, nil
}

// Consider implements pkg/aggregate.SnapshotProvider: it writes a new
// snapshot when the policy says enough events have accumulated since the
// last one for this aggregate.
func (l *Loader) Consider(ctx context.Context, aggregateType string, aggregateID ids.ID, rehydratorVersion int, state any, version, sequence uint64) error {
	l.mu.Lock()
	k := key(aggregateType, aggregateID)
	since := l.sinceLast[k] + 1
	l.mu.Unlock()

	if !l.policy.ShouldSnapshot(since, version) {
		l.mu.Lock()
		l.sinceLast[k] = since
		l.mu.Unlock()
		return nil
	}

	h, err := stateHash(state)
	if err != nil {
		return err
	}
	if err := l.store.Put(ctx, Record{
		AggregateType:     aggregateType,
		AggregateID:       aggregateID,
		State:             state,
		AggregateVersion:  version,
		Sequence:          sequence,
		RehydratorVersion: rehydratorVersion,
		StateHash:         h,
	}); err != nil {
		return fmt.Errorf("snapshot: put: %w", err)
	}

	l.mu.Lock()
	l.sinceLast[k] = 0
	l.mu.Unlock()
	return nil
}

// InMemoryStore is a non-durable Store for tests.
type InMemoryStore struct {
	mu   sync.RWMutex
	byAT map[string]Record // "type/id/rehydratorVersion" -> latest record
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{byAT: make(map[string]Record)}
}

func storeKey(aggregateType string, aggregateID ids.ID, rehydratorVersion int) string {
	return fmt.Sprintf("%s/%s/%d", aggregateType, aggregateID, rehydratorVersion)
}

func (s *InMemoryStore) Latest(ctx context.Context, aggregateType string, aggregateID ids.ID, rehydratorVersion int) (Record, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.byAT[storeKey(aggregateType, aggregateID, rehydratorVersion)]
	return rec, ok, nil
}

func (s *InMemoryStore) Put(ctx context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byAT[storeKey(rec.AggregateType, rec.AggregateID, rec.RehydratorVersion)] = rec
	return nil
}

func (s *InMemoryStore) DeleteByType(ctx context.Context, aggregateType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prefix := aggregateType + "/"
	for k := range s.byAT {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			delete(s.byAT, k)
		}
	}
	return nil
}

// postgresSchema stores state as opaque JSON; callers decode it via their
// rehydrator's own state type when reading Record.State back out.
const postgresSchema = `
CREATE TABLE IF NOT EXISTS snapshots (
	aggregate_type TEXT NOT NULL,
	aggregate_id TEXT NOT NULL,
	rehydrator_version INT NOT NULL,
	aggregate_version BIGINT NOT NULL,
	sequence BIGINT NOT NULL,
	state_hash TEXT NOT NULL,
	state_json TEXT NOT NULL,
	PRIMARY KEY (aggregate_type, aggregate_id, rehydrator_version)
);
`

// PostgresStore persists snapshots in a single upserted row per
// (aggregate_type, aggregate_id, rehydrator_version), mirroring
// pkg/store/ledger/postgres_ledger.go's JSON-as-TEXT column convention for
// opaque structured payloads.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, postgresSchema)
	return err
}

func (s *PostgresStore) Latest(ctx context.Context, aggregateType string, aggregateID ids.ID, rehydratorVersion int) (Record, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT aggregate_version, sequence, state_hash, state_json FROM snapshots
		WHERE aggregate_type = $1 AND aggregate_id = $2 AND rehydrator_version = $3
	`, aggregateType, aggregateID, rehydratorVersion)

	var rec Record
	var stateJSON string
	err := row.Scan(&rec.AggregateVersion, &rec.Sequence, &rec.StateHash, &stateJSON)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, false, nil
		}
		return Record{}, false, fmt.Errorf("snapshot: latest: %w", err)
	}
	var raw map[string]any
	if err := json.Unmarshal([]byte(stateJSON), &raw); err != nil {
		return Record{}, false, fmt.Errorf("snapshot: corrupt state_json: %w", err)
	}
	rec.AggregateType = aggregateType
	rec.AggregateID = aggregateID
	rec.RehydratorVersion = rehydratorVersion
	rec.State = raw
	return rec, true, nil
}

func (s *PostgresStore) Put(ctx context.Context, rec Record) error {
	stateJSON, err := json.Marshal(rec.State)
	if err != nil {
		return fmt.Errorf("snapshot: marshal state: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO snapshots (aggregate_type, aggregate_id, rehydrator_version, aggregate_version, sequence, state_hash, state_json)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (aggregate_type, aggregate_id, rehydrator_version) DO UPDATE
		SET aggregate_version = $4, sequence = $5, state_hash = $6, state_json = $7
	`, rec.AggregateType, rec.AggregateID, rec.RehydratorVersion, rec.AggregateVersion, rec.Sequence, rec.StateHash, string(stateJSON))
	if err != nil {
		return fmt.Errorf("snapshot: put: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteByType(ctx context.Context, aggregateType string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM snapshots WHERE aggregate_type = $1", aggregateType)
	return err
}
