package schema

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/danvoulez/ledger/pkg/actor"
	"github.com/danvoulez/ledger/pkg/event"
)

func TestUpcastChainsInAscendingOrder(t *testing.T) {
	r := NewRegistry()
	r.Declare("EntityRenamed", 3)

	require.NoError(t, r.RegisterUpcaster("EntityRenamed", 1, func(p map[string]any, e event.Event) (map[string]any, error) {
		p["name"] = p["full_name"]
		delete(p, "full_name")
		return p, nil
	}))
	require.NoError(t, r.RegisterUpcaster("EntityRenamed", 2, func(p map[string]any, e event.Event) (map[string]any, error) {
		p["renamed_at"] = e.Timestamp
		return p, nil
	}))

	e := event.Event{
		Type:          "EntityRenamed",
		SchemaVersion: 1,
		Timestamp:     1000,
		Payload:       map[string]any{"full_name": "Acme Corp"},
	}

	upcast, err := r.Upcast(e)
	require.NoError(t, err)
	require.Equal(t, "Acme Corp", upcast["name"])
	require.Equal(t, int64(1000), upcast["renamed_at"])
	require.NotContains(t, upcast, "full_name")

	// The stored event itself is never rewritten.
	require.Equal(t, "Acme Corp", e.Payload["full_name"])
	require.NotContains(t, e.Payload, "name")
}

func TestUpcastMissingUpcasterErrors(t *testing.T) {
	r := NewRegistry()
	r.Declare("Foo", 2)

	_, err := r.Upcast(event.Event{Type: "Foo", SchemaVersion: 1, Payload: map[string]any{}})
	require.Error(t, err)
}

func TestUpcastUndeclaredTypePassesThrough(t *testing.T) {
	r := NewRegistry()
	e := event.Event{Type: "Unknown", SchemaVersion: 1, Payload: map[string]any{"a": 1}}
	out, err := r.Upcast(e)
	require.NoError(t, err)
	require.Equal(t, e.Payload, out)
}

func TestValidateRejectsPayloadNotMatchingSchema(t *testing.T) {
	r := NewRegistry()
	r.Declare("EntityCreated", 1)
	require.NoError(t, r.RegisterValidator("EntityCreated", 1, `{
		"type": "object",
		"required": ["name"],
		"properties": {"name": {"type": "string"}}
	}`))

	ok := event.Event{
		Type: "EntityCreated", SchemaVersion: 1,
		Payload: map[string]any{"name": "Acme"},
		Actor:   actor.System("s"),
	}
	require.NoError(t, r.Validate(context.Background(), ok))

	bad := ok
	bad.Payload = map[string]any{}
	require.Error(t, r.Validate(context.Background(), bad))
}

func TestMigrationRejectsUnpermittedTarget(t *testing.T) {
	_, err := Migration(MigrationRequest{
		EventType: "Foo",
		Target:    "routine_cleanup",
		Transform: func(p map[string]any, e event.Event) (map[string]any, error) { return p, nil },
	}, nil)
	require.Error(t, err)
}

func TestMigrationTransformsMatchingEvents(t *testing.T) {
	events := []event.Event{
		{ID: "1", Type: "Foo", Payload: map[string]any{"v": 1}},
		{ID: "2", Type: "Bar", Payload: map[string]any{"v": 2}},
	}
	out, err := Migration(MigrationRequest{
		EventType: "Foo",
		Target:    MigrationCorruptionRepair,
		Transform: func(p map[string]any, e event.Event) (map[string]any, error) {
			p["repaired"] = true
			return p, nil
		},
	}, events)
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, true, out["1"]["repaired"])
}
