package entity

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/danvoulez/ledger/pkg/actor"
	"github.com/danvoulez/ledger/pkg/event"
	"github.com/danvoulez/ledger/pkg/eventstore"
	"github.com/danvoulez/ledger/pkg/ids"
)

func TestCreateThenGetRoundTrips(t *testing.T) {
	store := eventstore.NewInMemoryStore()
	mgr := NewManager(store)
	realmID := ids.New()

	created, err := mgr.Create(context.Background(), actor.System("test"), realmID, TypePerson,
		Identity{Name: "John", Identifiers: []string{"ssn:123"}})
	require.NoError(t, err)
	require.Equal(t, "John", created.Identity.Name)
	require.Equal(t, realmID, created.RealmID)

	got, err := mgr.Get(context.Background(), created.ID)
	require.NoError(t, err)
	require.Equal(t, created, got)
}

func TestGetUnknownReturnsNotFound(t *testing.T) {
	store := eventstore.NewInMemoryStore()
	mgr := NewManager(store)
	_, err := mgr.Get(context.Background(), ids.New())
	require.Error(t, err)
}

func TestUpdateAppliesOverIdentity(t *testing.T) {
	store := eventstore.NewInMemoryStore()
	mgr := NewManager(store)
	created, err := mgr.Create(context.Background(), actor.System("test"), ids.New(), TypeOrganization, Identity{Name: "Acme"})
	require.NoError(t, err)

	_, err = store.Append(context.Background(), event.Input{
		Type:             "EntityUpdated",
		AggregateType:    aggregateType,
		AggregateID:      created.ID,
		AggregateVersion: created.Version + 1,
		Actor:            actor.System("test"),
		Payload: map[string]any{
			"identity": map[string]any{"name": "Acme Corp"},
		},
	})
	require.NoError(t, err)

	updated, err := mgr.Get(context.Background(), created.ID)
	require.NoError(t, err)
	require.Equal(t, "Acme Corp", updated.Identity.Name)
}
