package hashchain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/danvoulez/ledger/pkg/actor"
	"github.com/danvoulez/ledger/pkg/event"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestTemporalEnforcerChains(t *testing.T) {
	enf := NewTemporalEnforcer(0, "")
	clock := fixedClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	e1, err := enf.Prepare(event.Input{
		Type:             "EntityCreated",
		AggregateType:    "Entity",
		AggregateID:      "acme",
		AggregateVersion: 1,
		Payload:          map[string]any{"name": "Acme"},
		Actor:            actor.System("bootstrap"),
	}, "11111111-1111-7111-8111-111111111111", clock)
	require.NoError(t, err)
	require.Equal(t, event.GenesisHash, e1.PreviousHash)
	enf.Commit(e1)

	e2, err := enf.Prepare(event.Input{
		Type:             "EntityRenamed",
		AggregateType:    "Entity",
		AggregateID:      "acme",
		AggregateVersion: 2,
		Payload:          map[string]any{"name": "Acme Corp"},
		Actor:            actor.System("bootstrap"),
	}, "22222222-2222-7222-8222-222222222222", clock)
	require.NoError(t, err)
	require.Equal(t, e1.Hash, e2.PreviousHash)
	enf.Commit(e2)

	result := VerifyChain([]event.Event{e1, e2})
	require.True(t, result.Valid, result.Err)
}

func TestVerifyChainDetectsTamper(t *testing.T) {
	enf := NewTemporalEnforcer(0, "")
	clock := fixedClock(time.Now())

	e1, err := enf.Prepare(event.Input{
		Type: "X", AggregateType: "T", AggregateID: "a", AggregateVersion: 1,
		Payload: map[string]any{"k": "v"}, Actor: actor.System("s"),
	}, "33333333-3333-7333-8333-333333333333", clock)
	require.NoError(t, err)

	tampered := e1
	tampered.Payload = map[string]any{"k": "tampered"}

	result := VerifyChain([]event.Event{tampered})
	require.False(t, result.Valid)
}

func TestInvalidActorRejected(t *testing.T) {
	enf := NewTemporalEnforcer(0, "")
	_, err := enf.Prepare(event.Input{
		Type: "X", AggregateType: "T", AggregateID: "a", AggregateVersion: 1,
		Actor: actor.Reference{Kind: "bogus"},
	}, "44444444-4444-7444-8444-444444444444", time.Now)
	require.Error(t, err)
}
