package integration

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/danvoulez/ledger/pkg/actor"
	"github.com/danvoulez/ledger/pkg/eventstore"
	"github.com/danvoulez/ledger/pkg/ids"
)

// TestEmploymentAgreementActivationGrantsReadRole exercises spec S2 end to
// end through the public intent surface: two entities, a proposed
// Employment agreement, both parties consenting, activation, and then an
// authorization check that must succeed because of the role the
// AgreementActivated hook granted.
func TestEmploymentAgreementActivationGrantsReadRole(t *testing.T) {
	store := eventstore.NewInMemoryStore()
	sys := NewSystem(store, Options{})
	ctx := context.Background()
	require.NoError(t, sys.Start(ctx))

	realmID := ids.New()
	sysActor := actor.System("test")

	acmeRes, err := sys.Intents.Dispatch(ctx, IntentRequest{
		Intent: "CreateEntity", Actor: sysActor, Realm: realmID,
		Payload: map[string]any{"entity_type": "Organization", "name": "Acme"},
	})
	require.NoError(t, err)
	acmeID := acmeRes.Outcome["entity_id"].(string)

	// CreateEntity must register the new entity's id to its owning realm in
	// the isolation checker, so a later collision against that id is caught.
	ok, violations := sys.Realms.VerifyIsolation()
	require.True(t, ok, "no violations expected yet: %v", violations)
	sys.Realms.RegisterResource(ids.New(), ids.ID(acmeID))
	ok, violations = sys.Realms.VerifyIsolation()
	require.False(t, ok, "entity id claimed by two realms must trip the isolation integrity check")
	require.NotEmpty(t, violations)

	johnRes, err := sys.Intents.Dispatch(ctx, IntentRequest{
		Intent: "CreateEntity", Actor: sysActor, Realm: realmID,
		Payload: map[string]any{"entity_type": "Person", "name": "John"},
	})
	require.NoError(t, err)
	johnID := johnRes.Outcome["entity_id"].(string)

	propRes, err := sys.Intents.Dispatch(ctx, IntentRequest{
		Intent: "ProposeAgreement", Actor: sysActor, Realm: realmID,
		Payload: map[string]any{
			"agreement_type": "Employment",
			"parties": []any{
				map[string]any{"entity_id": acmeID, "role": "Employer"},
				map[string]any{"entity_id": johnID, "role": "Employee"},
			},
		},
	})
	require.NoError(t, err)
	require.NotEmpty(t, propRes.Affordances)
	agreementID := propRes.Outcome["agreement_id"].(string)

	_, err = sys.Intents.Dispatch(ctx, IntentRequest{
		Intent: "RecordConsent", Actor: sysActor, Realm: realmID,
		Payload: map[string]any{"agreement_id": agreementID, "party": acmeID, "method": "Digital"},
	})
	require.NoError(t, err)
	_, err = sys.Intents.Dispatch(ctx, IntentRequest{
		Intent: "RecordConsent", Actor: sysActor, Realm: realmID,
		Payload: map[string]any{"agreement_id": agreementID, "party": johnID, "method": "Digital"},
	})
	require.NoError(t, err)

	activateRes, err := sys.Intents.Dispatch(ctx, IntentRequest{
		Intent: "ActivateAgreement", Actor: sysActor, Realm: realmID,
		Payload: map[string]any{"agreement_id": agreementID},
	})
	require.NoError(t, err)
	require.Equal(t, "Active", activateRes.Outcome["status"])

	// The hook runs asynchronously off the projection's live drain; give it
	// a moment to observe AgreementActivated and grant the role.
	require.Eventually(t, func() bool {
		res, err := sys.Intents.Dispatch(ctx, IntentRequest{
			Intent: "CheckAuthorization",
			Actor:  actor.Party(ids.ID(johnID)),
			Realm:  realmID,
			Payload: map[string]any{
				"action":        "read",
				"resource_kind": "realm",
				"resource_id":   string(realmID),
			},
		})
		return err == nil && res.Success
	}, time.Second, 10*time.Millisecond, "expected John to be granted a read role after agreement activation")
}

func TestDispatchUnregisteredIntentReturnsInvalidEvent(t *testing.T) {
	store := eventstore.NewInMemoryStore()
	sys := NewSystem(store, Options{})
	_, err := sys.Intents.Dispatch(context.Background(), IntentRequest{Intent: "DoesNotExist"})
	require.Error(t, err)
}
