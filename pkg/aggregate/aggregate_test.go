package aggregate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/danvoulez/ledger/pkg/actor"
	"github.com/danvoulez/ledger/pkg/event"
	"github.com/danvoulez/ledger/pkg/eventstore"
)

type entityState struct {
	Name    string
	Version int
}

type entityRehydrator struct{}

func (entityRehydrator) AggregateType() string { return "Entity" }
func (entityRehydrator) Version() int          { return 1 }
func (entityRehydrator) InitialState() any      { return entityState{} }
func (entityRehydrator) Apply(state any, e event.Event) (any, error) {
	s := state.(entityState)
	switch e.Type {
	case "EntityCreated":
		s.Name = e.Payload["name"].(string)
	case "EntityRenamed":
		s.Name = e.Payload["name"].(string)
	}
	s.Version++
	return s, nil
}

func TestReconstructFoldsInVersionOrder(t *testing.T) {
	store := eventstore.NewInMemoryStore()
	ctx := context.Background()

	_, err := store.Append(ctx, event.Input{
		Type: "EntityCreated", AggregateType: "Entity", AggregateID: "acme", AggregateVersion: 1,
		Payload: map[string]any{"name": "Acme"}, Actor: actor.System("s"),
	})
	require.NoError(t, err)
	_, err = store.Append(ctx, event.Input{
		Type: "EntityRenamed", AggregateType: "Entity", AggregateID: "acme", AggregateVersion: 2,
		Payload: map[string]any{"name": "Acme Corp"}, Actor: actor.System("s"),
	})
	require.NoError(t, err)

	repo := NewRepository(store, nil)
	repo.Register(entityRehydrator{})

	state, version, err := repo.Reconstruct(ctx, "Entity", "acme", Bound{})
	require.NoError(t, err)
	require.Equal(t, uint64(2), version)
	require.Equal(t, "Acme Corp", state.(entityState).Name)
	require.Equal(t, 2, state.(entityState).Version)
}

func TestReconstructBoundStopsEarly(t *testing.T) {
	store := eventstore.NewInMemoryStore()
	ctx := context.Background()

	for v := uint64(1); v <= 3; v++ {
		_, err := store.Append(ctx, event.Input{
			Type: "EntityRenamed", AggregateType: "Entity", AggregateID: "acme", AggregateVersion: v,
			Payload: map[string]any{"name": "X"}, Actor: actor.System("s"),
		})
		require.NoError(t, err)
	}

	repo := NewRepository(store, nil)
	repo.Register(entityRehydrator{})

	_, version, err := repo.Reconstruct(ctx, "Entity", "acme", Bound{AtVersion: 2})
	require.NoError(t, err)
	require.Equal(t, uint64(2), version)
}

func TestReconstructUnknownAggregateNotFound(t *testing.T) {
	store := eventstore.NewInMemoryStore()
	repo := NewRepository(store, nil)
	repo.Register(entityRehydrator{})

	_, _, err := repo.Reconstruct(context.Background(), "Entity", "missing", Bound{})
	require.Error(t, err)
}

func TestFoldAppliesGivenFunction(t *testing.T) {
	events := []event.Event{
		{Type: "Inc", Payload: map[string]any{"by": 1}},
		{Type: "Inc", Payload: map[string]any{"by": 2}},
	}
	total, err := Fold(events, 0, func(state any, e event.Event) (any, error) {
		return state.(int) + e.Payload["by"].(int), nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, total)
}
