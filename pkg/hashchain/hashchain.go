// Package hashchain implements canonical event hashing and the temporal
// enforcer that assigns monotonically increasing sequence numbers and
// validates hash linkage (spec §4.2).
package hashchain

import (
	"fmt"
	"sync"
	"time"

	"github.com/danvoulez/ledger/pkg/canonicalize"
	"github.com/danvoulez/ledger/pkg/event"
	"github.com/danvoulez/ledger/pkg/ids"
	"github.com/danvoulez/ledger/pkg/ledgererr"
)

// ComputeHash returns the canonical hash of an event, excluding its own
// Hash field, per spec §3 "Canonical hashing".
func ComputeHash(e event.Event) (string, error) {
	canon, err := canonicalize.CanonicalEventForm(e.HashInput())
	if err != nil {
		return "", fmt.Errorf("hashchain: compute hash: %w", err)
	}
	return canonicalize.HashEventForm(canon), nil
}

// VerifyHash reports whether e.Hash matches the canonical hash of its
// other fields.
func VerifyHash(e event.Event) (bool, error) {
	h, err := ComputeHash(e)
	if err != nil {
		return false, err
	}
	return h == e.Hash, nil
}

// ChainResult is the outcome of verifying a run of events in global order.
type ChainResult struct {
	Valid     bool
	InvalidAt uint64
	Err       string
}

// VerifyChain checks each event's self-hash and that each event's
// previous_hash matches the prior event's hash, per spec §4.2 and the
// universal property P1/P2.
func VerifyChain(events []event.Event) ChainResult {
	prev := event.GenesisHash
	for _, e := range events {
		if e.PreviousHash != prev {
			return ChainResult{Valid: false, InvalidAt: e.Sequence, Err: "previous_hash mismatch"}
		}
		ok, err := VerifyHash(e)
		if err != nil {
			return ChainResult{Valid: false, InvalidAt: e.Sequence, Err: err.Error()}
		}
		if !ok {
			return ChainResult{Valid: false, InvalidAt: e.Sequence, Err: "self hash mismatch"}
		}
		prev = e.Hash
	}
	return ChainResult{Valid: true}
}

// TemporalEnforcer holds the installation's current sequence and tail
// hash, and atomically allocates the next sequence number. It is the only
// place that may assign a sequence to an event (spec §4.2, §5 "the tail of
// the event log is serialized").
type TemporalEnforcer struct {
	mu       sync.Mutex
	sequence uint64
	tailHash string
}

// NewTemporalEnforcer starts an enforcer at the given current sequence and
// tail hash, as recovered from the store at startup (0 / genesis before
// any append).
func NewTemporalEnforcer(currentSequence uint64, tailHash string) *TemporalEnforcer {
	if tailHash == "" {
		tailHash = event.GenesisHash
	}
	return &TemporalEnforcer{sequence: currentSequence, tailHash: tailHash}
}

// CurrentSequence returns the last assigned sequence (0 before any append).
func (t *TemporalEnforcer) CurrentSequence() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sequence
}

// Prepare validates and stamps an event input for append: it acquires the
// next sequence, the current tail hash as previous_hash, and a timestamp,
// then computes the event's own hash. Prepare does not persist anything
// and does not advance the enforcer; the caller (the event store)
// persists the event and then calls Commit. An event that is prepared but
// never committed leaves the sequence and tail unchanged.
func (t *TemporalEnforcer) Prepare(in event.Input, id string, clock func() time.Time) (event.Event, error) {
	if err := in.Actor.Validate(); err != nil {
		return event.Event{}, ledgererr.InvalidEvent(err.Error())
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	nextSeq := t.sequence + 1
	e := event.Event{
		ID:               ids.ID(id),
		Sequence:         nextSeq,
		Timestamp:        clock().UnixMilli(),
		Type:             in.Type,
		AggregateType:    in.AggregateType,
		AggregateID:      in.AggregateID,
		AggregateVersion: in.AggregateVersion,
		Payload:          in.Payload,
		Causation:        in.Causation,
		Actor:            in.Actor,
		PreviousHash:     t.tailHash,
		SchemaVersion:    in.SchemaVersion,
		Metadata:         in.Metadata,
	}

	h, err := ComputeHash(e)
	if err != nil {
		return event.Event{}, fmt.Errorf("hashchain: prepare: %w", err)
	}
	e.Hash = h
	return e, nil
}

// Commit advances the enforcer's in-memory tail after the caller has
// durably persisted the prepared event. It must be called while still
// holding the same logical critical section Prepare was called under
// (the event store's append serialization, §4.1 precondition 2) — the
// enforcer itself does not re-check monotonicity here because the store's
// unique-sequence constraint is the structural guarantee of record P2/P3.
func (t *TemporalEnforcer) Commit(e event.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e.Sequence > t.sequence {
		t.sequence = e.Sequence
	}
	t.tailHash = e.Hash
}
