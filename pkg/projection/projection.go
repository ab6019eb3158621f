// Package projection implements the projection manager (spec §4.6): each
// projection subscribes to a subset of event types, advances a persisted
// checkpoint only after its handler succeeds, and exposes a lag metric.
package projection

import (
	"context"
	"fmt"
	"sync"

	"github.com/danvoulez/ledger/pkg/event"
	"github.com/danvoulez/ledger/pkg/eventstore"
)

// Handler processes one event for a projection. It MUST be idempotent
// with respect to (projection_name, sequence): a replay of the same event
// against the same checkpoint must not produce duplicates (spec §4.6).
type Handler func(ctx context.Context, e event.Event) error

// Definition is a projection's static declaration.
type Definition struct {
	Name          string
	SubscribesTo  []string
	Handle        Handler
}

// CheckpointStore persists a projection's last-processed sequence.
type CheckpointStore interface {
	Get(ctx context.Context, projectionName string) (uint64, error)
	Set(ctx context.Context, projectionName string, sequence uint64) error
	Reset(ctx context.Context, projectionName string) error
}

// Manager drives one or more projections against an Event Store.
type Manager struct {
	store       eventstore.Store
	checkpoints CheckpointStore

	mu    sync.Mutex
	defs  map[string]Definition
	subs  map[string]*eventstore.Subscription
	stop  map[string]context.CancelFunc
}

func NewManager(store eventstore.Store, checkpoints CheckpointStore) *Manager {
	return &Manager{
		store:       store,
		checkpoints: checkpoints,
		defs:        make(map[string]Definition),
		subs:        make(map[string]*eventstore.Subscription),
		stop:        make(map[string]context.CancelFunc),
	}
}

// Register adds a projection definition. Call Start to begin driving it.
func (m *Manager) Register(def Definition) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defs[def.Name] = def
}

// Start subscribes to the Event Store at checkpoint+1 and drives handler
// calls in a background goroutine until ctx is cancelled or Stop is
// called (spec §4.6: "subscribes to the Event Store at checkpoint+1 on
// start and advances the checkpoint only after handle completes
// successfully").
func (m *Manager) Start(ctx context.Context, name string) error {
	m.mu.Lock()
	def, ok := m.defs[name]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("projection: %q not registered", name)
	}

	checkpoint, err := m.checkpoints.Get(ctx, name)
	if err != nil {
		return fmt.Errorf("projection: load checkpoint for %q: %w", name, err)
	}

	// Subscribe before reading the backfill, so the manager never misses
	// events appended between the backfill read and the subscription
	// being registered: subscribe first, then backfill, then drain
	// anything the subscription buffered during the backfill.
	runCtx, cancel := context.WithCancel(ctx)
	sub := m.store.Subscribe(runCtx, eventstore.SubscriptionFilter{
		EventTypes:    def.SubscribesTo,
		AfterSequence: checkpoint,
	})

	m.mu.Lock()
	m.subs[name] = sub
	m.stop[name] = cancel
	m.mu.Unlock()

	backfill, err := m.store.GetBySequence(ctx, checkpoint+1, 0)
	if err != nil {
		cancel()
		return fmt.Errorf("projection: backfill %q: %w", name, err)
	}

	seen := checkpoint
	for _, e := range backfill {
		if !matchesTypes(def.SubscribesTo, e.Type) {
			continue
		}
		if err := m.apply(ctx, name, def, e, &seen); err != nil {
			cancel()
			return err
		}
	}

	go m.drain(runCtx, name, def, sub, seen)
	return nil
}

func (m *Manager) drain(ctx context.Context, name string, def Definition, sub *eventstore.Subscription, seen uint64) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub.Events:
			if !ok {
				return
			}
			if e.Sequence <= seen {
				continue
			}
			_ = m.apply(ctx, name, def, e, &seen)
		}
	}
}

func (m *Manager) apply(ctx context.Context, name string, def Definition, e event.Event, seen *uint64) error {
	if err := def.Handle(ctx, e); err != nil {
		return fmt.Errorf("projection: %q handler failed at sequence %d: %w", name, e.Sequence, err)
	}
	if err := m.checkpoints.Set(ctx, name, e.Sequence); err != nil {
		return fmt.Errorf("projection: %q advance checkpoint: %w", name, err)
	}
	*seen = e.Sequence
	return nil
}

func matchesTypes(types []string, t string) bool {
	if len(types) == 0 {
		return true
	}
	for _, v := range types {
		if v == t {
			return true
		}
	}
	return false
}

// Stop cancels a running projection's subscription without resetting its
// checkpoint.
func (m *Manager) Stop(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cancel, ok := m.stop[name]; ok {
		cancel()
		delete(m.stop, name)
		delete(m.subs, name)
	}
}

// Rebuild deletes a projection's checkpoint and restarts it from the
// beginning (spec §4.6: "delete projection state, reset checkpoint to 0,
// replay from the beginning"). The caller is responsible for clearing the
// projection's own derived state store before calling Rebuild.
func (m *Manager) Rebuild(ctx context.Context, name string) error {
	m.Stop(name)
	if err := m.checkpoints.Reset(ctx, name); err != nil {
		return fmt.Errorf("projection: reset checkpoint for %q: %w", name, err)
	}
	return m.Start(ctx, name)
}

// Lag returns current_global_sequence - checkpoint for a projection, the
// consistency marker clients may surface (spec §4.6).
func (m *Manager) Lag(ctx context.Context, name string) (uint64, error) {
	checkpoint, err := m.checkpoints.Get(ctx, name)
	if err != nil {
		return 0, err
	}
	current, err := m.store.GetCurrentSequence(ctx)
	if err != nil {
		return 0, err
	}
	if current < checkpoint {
		return 0, nil
	}
	return current - checkpoint, nil
}
