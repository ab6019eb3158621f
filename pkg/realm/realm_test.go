package realm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/danvoulez/ledger/pkg/actor"
	"github.com/danvoulez/ledger/pkg/eventstore"
	"github.com/danvoulez/ledger/pkg/ledgererr"
)

func TestBootstrapCreatesPrimordialRealmExactlyOnce(t *testing.T) {
	store := eventstore.NewInMemoryStore()
	mgr := NewManager(store)
	sys := actor.System("bootstrap")

	r1, err := mgr.Bootstrap(context.Background(), sys)
	require.NoError(t, err)
	require.Equal(t, PrimordialRealmID, r1.ID)

	r2, err := mgr.Bootstrap(context.Background(), sys)
	require.NoError(t, err)
	require.Equal(t, r1.Name, r2.Name)
	require.Equal(t, r1.EstablishedByAgreement, r2.EstablishedByAgreement)

	events, err := store.GetByAggregate(context.Background(), aggregateType, PrimordialRealmID, eventstore.AggregateQuery{})
	require.NoError(t, err)
	require.Len(t, events, 1, "bootstrap must append exactly one RealmCreated event across repeated calls")
}

func TestRebuildFromEventsReturnsNilForUnknownRealm(t *testing.T) {
	store := eventstore.NewInMemoryStore()
	mgr := NewManager(store)
	r, err := mgr.RebuildFromEvents(context.Background(), "nonexistent")
	require.NoError(t, err)
	require.Nil(t, r)
}

func TestGetRealmCachesAfterRebuild(t *testing.T) {
	store := eventstore.NewInMemoryStore()
	mgr := NewManager(store)
	sys := actor.System("s")

	created, err := mgr.CreateRealm(context.Background(), sys, "acme", Config{Isolation: IsolationFull, CrossRealmAllowed: true}, "lic-1", "")
	require.NoError(t, err)

	got, err := mgr.GetRealm(context.Background(), created.ID)
	require.NoError(t, err)
	require.Equal(t, "acme", got.Name)
	require.True(t, got.Config.CrossRealmAllowed)
}

func TestGetRealmUnknownReturnsNotFound(t *testing.T) {
	store := eventstore.NewInMemoryStore()
	mgr := NewManager(store)
	_, err := mgr.GetRealm(context.Background(), "missing")
	require.Error(t, err)
	require.True(t, ledgererr.Is(err, ledgererr.CodeNotFound))
}

func TestValidateCrossRealmOperationRejectsWhenEitherRealmDisallows(t *testing.T) {
	store := eventstore.NewInMemoryStore()
	mgr := NewManager(store)
	sys := actor.System("s")

	r1, err := mgr.CreateRealm(context.Background(), sys, "r1", Config{Isolation: IsolationFull, CrossRealmAllowed: true}, "lic-1", "")
	require.NoError(t, err)
	r2, err := mgr.CreateRealm(context.Background(), sys, "r2", Config{Isolation: IsolationFull, CrossRealmAllowed: false}, "lic-2", "")
	require.NoError(t, err)

	err = mgr.ValidateCrossRealmOperation(context.Background(), r1.ID, r2.ID, "AssetTransferred")
	require.Error(t, err)
	require.True(t, ledgererr.Is(err, ledgererr.CodeInvariantViolation))
}

func TestValidateCrossRealmOperationHierarchicalRequiresAncestry(t *testing.T) {
	store := eventstore.NewInMemoryStore()
	mgr := NewManager(store)
	sys := actor.System("s")

	parent, err := mgr.CreateRealm(context.Background(), sys, "parent", Config{Isolation: IsolationHierarchical, CrossRealmAllowed: true}, "lic-1", "")
	require.NoError(t, err)
	child, err := mgr.CreateRealm(context.Background(), sys, "child", Config{Isolation: IsolationHierarchical, CrossRealmAllowed: true}, "lic-2", parent.ID)
	require.NoError(t, err)
	unrelated, err := mgr.CreateRealm(context.Background(), sys, "unrelated", Config{Isolation: IsolationHierarchical, CrossRealmAllowed: true}, "lic-3", "")
	require.NoError(t, err)

	require.NoError(t, mgr.ValidateCrossRealmOperation(context.Background(), parent.ID, child.ID, "AssetTransferred"))

	err = mgr.ValidateCrossRealmOperation(context.Background(), parent.ID, unrelated.ID, "AssetTransferred")
	require.Error(t, err)
	require.True(t, ledgererr.Is(err, ledgererr.CodeInvariantViolation))
}

func TestValidateCrossRealmOperationSameRealmAlwaysSucceeds(t *testing.T) {
	store := eventstore.NewInMemoryStore()
	mgr := NewManager(store)
	require.NoError(t, mgr.ValidateCrossRealmOperation(context.Background(), "r1", "r1", "AssetTransferred"))
}

func TestValidateCrossRealmOperationRejectsOnIsolationIntegrityViolation(t *testing.T) {
	store := eventstore.NewInMemoryStore()
	mgr := NewManager(store)
	sys := actor.System("s")

	r1, err := mgr.CreateRealm(context.Background(), sys, "r1", Config{CrossRealmAllowed: true}, "lic-1", "")
	require.NoError(t, err)
	r2, err := mgr.CreateRealm(context.Background(), sys, "r2", Config{CrossRealmAllowed: true}, "lic-2", "")
	require.NoError(t, err)

	require.NoError(t, mgr.ValidateCrossRealmOperation(context.Background(), r1.ID, r2.ID, "AssetTransferred"))

	// A resource double-claimed across realms (e.g. an id-generation bug)
	// must trip the isolation integrity assertion even when both realms
	// otherwise allow the operation.
	mgr.RegisterResource(r2.ID, r1.ID)

	err = mgr.ValidateCrossRealmOperation(context.Background(), r1.ID, r2.ID, "AssetTransferred")
	require.Error(t, err)
	require.True(t, ledgererr.Is(err, ledgererr.CodeInvariantViolation))
}
