// Package eventstore implements the append-only, hash-chained Event Store
// (spec §4.1): append, read by aggregate/sequence/id, subscribe, and
// integrity verification, backed by a relational store.
package eventstore

import (
	"context"

	"github.com/danvoulez/ledger/pkg/event"
	"github.com/danvoulez/ledger/pkg/hashchain"
	"github.com/danvoulez/ledger/pkg/ids"
)

// AggregateQuery narrows a get-by-aggregate read. The stores in this
// package apply FromVersion, ToVersion and Limit; FromTimestamp and
// ToTimestamp are not read by any of them, so they do not narrow the result.
type AggregateQuery struct {
	FromVersion   uint64
	ToVersion     uint64 // 0 means unbounded
	FromTimestamp int64
	ToTimestamp   int64
	Limit         int   // 0 means unbounded
}

// SubscriptionFilter narrows which newly appended events a subscriber
// receives (spec §4.1 "Notification fan-out").
type SubscriptionFilter struct {
	AggregateTypes []string
	EventTypes     []string
	AfterSequence  uint64
}

// Matches reports whether e satisfies the filter.
func (f SubscriptionFilter) Matches(e event.Event) bool {
	if e.Sequence <= f.AfterSequence {
		return false
	}
	if len(f.AggregateTypes) > 0 && !contains(f.AggregateTypes, e.AggregateType) {
		return false
	}
	if len(f.EventTypes) > 0 && !contains(f.EventTypes, e.Type) {
		return false
	}
	return true
}

func contains(xs []string, x string) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}

// Subscription is a live, cancellable feed of newly appended events,
// delivered in strict sequence order, at-least-once (spec §4.1).
type Subscription struct {
	Events chan event.Event
	cancel func()
}

// Close cancels the subscription and removes it from the fan-out set.
func (s *Subscription) Close() {
	if s.cancel != nil {
		s.cancel()
	}
}

// IntegrityReport is the result of Store.VerifyIntegrity.
type IntegrityReport struct {
	Valid     bool
	InvalidAt uint64
	Error     string
}

// Store is the Event Store contract (spec §4.1).
type Store interface {
	// Append assigns the next global sequence, computes previous_hash from
	// the current tail, computes hash, and persists the event atomically
	// under the three preconditions in spec §4.1. Returns
	// ledgererr.CodeConcurrencyConflict, CodeChainBroken or CodeInvalidEvent
	// on failure.
	Append(ctx context.Context, in event.Input) (event.Event, error)

	// GetByAggregate yields events in ascending aggregate_version.
	GetByAggregate(ctx context.Context, aggregateType string, aggregateID ids.ID, q AggregateQuery) ([]event.Event, error)

	// GetBySequence yields events in ascending global order. to==0 means
	// unbounded (through the current tail).
	GetBySequence(ctx context.Context, from, to uint64) ([]event.Event, error)

	// GetByID performs an O(log N) lookup by event id.
	GetByID(ctx context.Context, id ids.ID) (event.Event, error)

	// GetLatest returns the most recent event for an aggregate.
	GetLatest(ctx context.Context, aggregateType string, aggregateID ids.ID) (event.Event, error)

	// GetCurrentSequence returns the last assigned sequence, 0 before any append.
	GetCurrentSequence(ctx context.Context) (uint64, error)

	// Subscribe produces a subscription of newly appended events matching
	// filter. Closing the returned subscription removes it from fan-out.
	Subscribe(ctx context.Context, filter SubscriptionFilter) *Subscription

	// VerifyIntegrity walks [from, to] (to==0 means the current tail) and
	// verifies hash linkage and self-hashes.
	VerifyIntegrity(ctx context.Context, from, to uint64) (IntegrityReport, error)
}

// verifyReport turns a hashchain.ChainResult into the Store-level report shape.
func verifyReport(r hashchain.ChainResult) IntegrityReport {
	return IntegrityReport{Valid: r.Valid, InvalidAt: r.InvalidAt, Error: r.Err}
}
