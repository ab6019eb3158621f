package authz

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/danvoulez/ledger/pkg/actor"
	"github.com/danvoulez/ledger/pkg/ids"
	"github.com/danvoulez/ledger/pkg/ledgererr"
	"github.com/danvoulez/ledger/pkg/scope"
)

func TestPermissionMatchesWildcardAndExact(t *testing.T) {
	p := Permission{Action: "*", Resource: "entity:*"}
	require.True(t, p.Matches("read", "entity:acme"))
	require.False(t, p.Matches("read", "asset:acme"))

	exact := Permission{Action: "read", Resource: "entity:acme"}
	require.True(t, exact.Matches("read", "entity:acme"))
	require.False(t, exact.Matches("write", "entity:acme"))
}

func TestDecideAllowsWhenRoleGrantsPermission(t *testing.T) {
	roles := []Role{
		{
			ID: "role-1", Type: "Admin", HolderActor: actor.Party("p1"),
			Scope:       scope.Realm("r1"),
			Permissions: []Permission{{Action: "*", Resource: "*"}},
			ValidFrom:   time.Now().Add(-time.Hour),
		},
	}
	eng := NewEngine2(
		func(ctx context.Context, a actor.Reference) ([]Role, error) { return roles, nil },
		nil,
		nil,
		nil,
	)
	req := Request{
		Actor: actor.Party("p1"), Action: "read",
		Resource: scope.Resource{Scope: scope.Entity("e1"), RealmID: "r1"},
		Realm:    "r1", Timestamp: time.Now(),
	}
	allowed, granted, err := eng.Decide(context.Background(), req)
	require.NoError(t, err)
	require.True(t, allowed)
	require.Len(t, granted, 1)
}

func TestDecideDeniesWhenNoRoleMatches(t *testing.T) {
	eng := NewEngine2(
		func(ctx context.Context, a actor.Reference) ([]Role, error) { return nil, nil },
		nil, nil, nil,
	)
	req := Request{Actor: actor.Party("p1"), Action: "read", Resource: scope.Resource{Scope: scope.Entity("e1"), RealmID: "r1"}, Timestamp: time.Now()}
	allowed, _, err := eng.Decide(context.Background(), req)
	require.False(t, allowed)
	require.Error(t, err)
	require.True(t, ledgererr.Is(err, ledgererr.CodeUnauthorized))
}

func TestDecideExpiredRoleDoesNotGrant(t *testing.T) {
	past := time.Now().Add(-time.Hour)
	roles := []Role{
		{
			ID: "role-1", Scope: scope.Global(),
			Permissions: []Permission{{Action: "*", Resource: "*"}},
			ValidFrom:   time.Now().Add(-2 * time.Hour), ValidUntil: &past,
		},
	}
	eng := NewEngine2(func(ctx context.Context, a actor.Reference) ([]Role, error) { return roles, nil }, nil, nil, nil)
	req := Request{Resource: scope.Resource{Scope: scope.Entity("e1")}, Timestamp: time.Now()}
	allowed, _, err := eng.Decide(context.Background(), req)
	require.False(t, allowed)
	require.Error(t, err)
}

func TestDecidePolicyDenyOverridesRoleGrant(t *testing.T) {
	roles := []Role{
		{ID: "role-1", Scope: scope.Global(), Permissions: []Permission{{Action: "*", Resource: "*"}}, ValidFrom: time.Now().Add(-time.Hour)},
	}
	policy := func(ctx context.Context, req Request, tentative bool) (PolicyDecision, string, string, error) {
		return PolicyDeny, "pol-1", "business-hours", nil
	}
	var audited AuditEntry
	audit := func(ctx context.Context, entry AuditEntry) error { audited = entry; return nil }
	eng := NewEngine2(func(ctx context.Context, a actor.Reference) ([]Role, error) { return roles, nil }, nil, policy, audit)

	req := Request{Resource: scope.Resource{Scope: scope.Entity("e1")}, Timestamp: time.Now()}
	allowed, _, err := eng.Decide(context.Background(), req)
	require.False(t, allowed)
	require.Error(t, err)
	require.False(t, audited.Allowed)
	require.Equal(t, "pol-1", audited.PolicyID)
}

func TestDecideAgreementInvalidationRevokesRole(t *testing.T) {
	roles := []Role{
		{
			ID: "role-1", Scope: scope.Global(), Permissions: []Permission{{Action: "*", Resource: "*"}},
			ValidFrom: time.Now().Add(-time.Hour), EstablishingAgreementID: "ag-1",
		},
	}
	eng := NewEngine2(
		func(ctx context.Context, a actor.Reference) ([]Role, error) { return roles, nil },
		func(ctx context.Context, agreementID ids.ID, at time.Time) (bool, error) { return true, nil },
		nil, nil,
	)
	req := Request{Resource: scope.Resource{Scope: scope.Entity("e1")}, Timestamp: time.Now()}
	allowed, _, err := eng.Decide(context.Background(), req)
	require.False(t, allowed)
	require.Error(t, err)
}
