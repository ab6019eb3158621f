// Package aggregate implements rehydrators and the repository that folds
// an aggregate's event stream into its current state (spec §4.4).
package aggregate

import (
	"context"
	"fmt"

	"github.com/danvoulez/ledger/pkg/event"
	"github.com/danvoulez/ledger/pkg/eventstore"
	"github.com/danvoulez/ledger/pkg/ids"
	"github.com/danvoulez/ledger/pkg/ledgererr"
	"github.com/danvoulez/ledger/pkg/schema"
)

// Rehydrator declares how aggregate type T is folded from its event
// stream. Apply MUST be a total, deterministic, side-effect-free function
// of (state, event) — spec §4.4: "it MUST be deterministic and
// side-effect-free."
type Rehydrator interface {
	AggregateType() string
	// Version identifies the rehydrator's fold logic. Bump it whenever
	// Apply's semantics change; the snapshot store uses this to decide
	// whether a stored snapshot is still usable (spec §4.5).
	Version() int
	InitialState() any
	Apply(state any, e event.Event) (any, error)
}

// Bound restricts reconstruction to events at or before a version or
// timestamp; the zero value means unbounded.
type Bound struct {
	AtVersion   uint64
	AtTimestamp int64
}

// SnapshotProvider is the narrow interface the repository needs from
// pkg/snapshot, kept here so neither package imports the other:
// snapshot.Loader satisfies it structurally.
type SnapshotProvider interface {
	Load(ctx context.Context, aggregateType string, aggregateID ids.ID, rehydratorVersion int) (state any, afterVersion uint64, afterSequence uint64, ok bool, err error)
	Consider(ctx context.Context, aggregateType string, aggregateID ids.ID, rehydratorVersion int, state any, version, sequence uint64) error
}

// Repository composes rehydrators with the Event Store and the schema
// registry's upcaster chain, and accelerates reconstruction with
// snapshots when a SnapshotProvider is configured.
type Repository struct {
	store       eventstore.Store
	schemas     *schema.Registry
	rehydrators map[string]Rehydrator
	snapshots   SnapshotProvider
}

func NewRepository(store eventstore.Store, schemas *schema.Registry) *Repository {
	return &Repository{
		store:       store,
		schemas:     schemas,
		rehydrators: make(map[string]Rehydrator),
	}
}

// WithSnapshots attaches a snapshot provider for accelerated reconstruction.
func (r *Repository) WithSnapshots(s SnapshotProvider) *Repository {
	r.snapshots = s
	return r
}

// Register adds a rehydrator for its declared aggregate type.
func (r *Repository) Register(rh Rehydrator) {
	r.rehydrators[rh.AggregateType()] = rh
}

// Reconstruct folds all applicable events for (aggregateType, aggregateID)
// in ascending aggregate_version order, per spec §4.4. A non-zero Bound
// stops folding at the first event exceeding it; snapshots are only used
// for unbounded reconstruction.
func (r *Repository) Reconstruct(ctx context.Context, aggregateType string, aggregateID ids.ID, bound Bound) (any, uint64, error) {
	rh, ok := r.rehydrators[aggregateType]
	if !ok {
		return nil, 0, fmt.Errorf("aggregate: no rehydrator registered for type %q", aggregateType)
	}

	state := rh.InitialState()
	fromVersion := uint64(1)

	unbounded := bound == (Bound{})
	if r.snapshots != nil && unbounded {
		if snap, afterVersion, _, ok, err := r.snapshots.Load(ctx, aggregateType, aggregateID, rh.Version()); err != nil {
			return nil, 0, fmt.Errorf("aggregate: load snapshot: %w", err)
		} else if ok {
			state = snap
			fromVersion = afterVersion + 1
		}
	}

	events, err := r.store.GetByAggregate(ctx, aggregateType, aggregateID, eventstore.AggregateQuery{FromVersion: fromVersion})
	if err != nil {
		return nil, 0, fmt.Errorf("aggregate: load events: %w", err)
	}

	version := fromVersion - 1
	for _, e := range events {
		if bound.AtVersion > 0 && e.AggregateVersion > bound.AtVersion {
			break
		}
		if bound.AtTimestamp > 0 && e.Timestamp > bound.AtTimestamp {
			break
		}

		payload, err := r.upcast(e)
		if err != nil {
			return nil, 0, err
		}
		e.Payload = payload

		state, err = rh.Apply(state, e)
		if err != nil {
			return nil, 0, ledgererr.Wrap(ledgererr.CodeInvariantViolation, err,
				fmt.Sprintf("apply %s to %s/%s", e.Type, aggregateType, aggregateID))
		}
		version = e.AggregateVersion
	}

	if version == 0 {
		return nil, 0, ledgererr.NotFound(aggregateType, string(aggregateID))
	}

	if r.snapshots != nil && unbounded && len(events) > 0 {
		last := events[len(events)-1]
		if err := r.snapshots.Consider(ctx, aggregateType, aggregateID, rh.Version(), state, version, last.Sequence); err != nil {
			return nil, 0, fmt.Errorf("aggregate: consider snapshot: %w", err)
		}
	}

	return state, version, nil
}

func (r *Repository) upcast(e event.Event) (map[string]any, error) {
	if r.schemas == nil {
		return e.Payload, nil
	}
	if err := r.schemas.Validate(context.Background(), e); err != nil {
		return nil, err
	}
	return r.schemas.Upcast(e)
}

// Fold runs a bespoke fold over a stream of events the caller has already
// gathered (e.g. from multiple aggregates, for a cross-stream query such
// as "active roles for entity E in realm R at time T" per spec §4.4). It
// applies no schema upcasting and no snapshot acceleration; the caller
// owns the event selection.
func Fold(events []event.Event, initial any, apply func(state any, e event.Event) (any, error)) (any, error) {
	state := initial
	for _, e := range events {
		next, err := apply(state, e)
		if err != nil {
			return nil, fmt.Errorf("aggregate: fold at sequence %d: %w", e.Sequence, err)
		}
		state = next
	}
	return state, nil
}
