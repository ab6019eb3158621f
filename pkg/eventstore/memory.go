package eventstore

import (
	"context"
	"sync"
	"time"

	"github.com/danvoulez/ledger/pkg/event"
	"github.com/danvoulez/ledger/pkg/hashchain"
	"github.com/danvoulez/ledger/pkg/ids"
	"github.com/danvoulez/ledger/pkg/ledgererr"
)

// InMemoryStore is a non-durable Store used by tests and by aggregate/
// workflow unit tests that don't want a database fixture. It implements
// the exact same concurrency and hash-chain invariants as the SQL-backed
// stores.
type InMemoryStore struct {
	mu     sync.RWMutex
	enf    *hashchain.TemporalEnforcer
	clock  func() time.Time
	hub    *fanout
	events []event.Event
	byID   map[ids.ID]int
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		enf:   hashchain.NewTemporalEnforcer(0, ""),
		clock: time.Now,
		hub:   newFanout(),
		byID:  make(map[ids.ID]int),
	}
}

// WithClock overrides the store's clock, for deterministic tests.
func (s *InMemoryStore) WithClock(clock func() time.Time) *InMemoryStore {
	s.clock = clock
	return s
}

func (s *InMemoryStore) Append(ctx context.Context, in event.Input) (event.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var lastVersion uint64
	for i := len(s.events) - 1; i >= 0; i-- {
		if s.events[i].AggregateType == in.AggregateType && s.events[i].AggregateID == in.AggregateID {
			lastVersion = s.events[i].AggregateVersion
			break
		}
	}
	if lastVersion != in.AggregateVersion-1 {
		return event.Event{}, ledgererr.ConcurrencyConflict(map[string]any{
			"expected_aggregate_version": in.AggregateVersion - 1,
			"current_aggregate_version":  lastVersion,
		})
	}

	e, err := s.enf.Prepare(in, ids.New().String(), s.clock)
	if err != nil {
		return event.Event{}, err
	}

	s.enf.Commit(e)
	s.events = append(s.events, e)
	s.byID[e.ID] = len(s.events) - 1
	s.hub.publish(e)
	return e, nil
}

func (s *InMemoryStore) GetByAggregate(ctx context.Context, aggregateType string, aggregateID ids.ID, q AggregateQuery) ([]event.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]event.Event, 0)
	for _, e := range s.events {
		if e.AggregateType != aggregateType || e.AggregateID != aggregateID {
			continue
		}
		if e.AggregateVersion < q.FromVersion {
			continue
		}
		if q.ToVersion > 0 && e.AggregateVersion > q.ToVersion {
			continue
		}
		result = append(result, e)
		if q.Limit > 0 && len(result) >= q.Limit {
			break
		}
	}
	return result, nil
}

func (s *InMemoryStore) GetBySequence(ctx context.Context, from, to uint64) ([]event.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]event.Event, 0)
	for _, e := range s.events {
		if e.Sequence < from {
			continue
		}
		if to > 0 && e.Sequence > to {
			continue
		}
		result = append(result, e)
	}
	return result, nil
}

func (s *InMemoryStore) GetByID(ctx context.Context, id ids.ID) (event.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.byID[id]
	if !ok {
		return event.Event{}, ledgererr.NotFound("event", string(id))
	}
	return s.events[i], nil
}

func (s *InMemoryStore) GetLatest(ctx context.Context, aggregateType string, aggregateID ids.ID) (event.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.events) - 1; i >= 0; i-- {
		if s.events[i].AggregateType == aggregateType && s.events[i].AggregateID == aggregateID {
			return s.events[i], nil
		}
	}
	return event.Event{}, ledgererr.NotFound(aggregateType, string(aggregateID))
}

func (s *InMemoryStore) GetCurrentSequence(ctx context.Context) (uint64, error) {
	return s.enf.CurrentSequence(), nil
}

func (s *InMemoryStore) Subscribe(ctx context.Context, filter SubscriptionFilter) *Subscription {
	return s.hub.subscribe(ctx, filter)
}

func (s *InMemoryStore) VerifyIntegrity(ctx context.Context, from, to uint64) (IntegrityReport, error) {
	events, err := s.GetBySequence(ctx, from, to)
	if err != nil {
		return IntegrityReport{}, err
	}
	return verifyReport(hashchain.VerifyChain(events)), nil
}
