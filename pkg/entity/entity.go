// Package entity implements the Entity aggregate (spec §3 "Entity"): the
// actor-or-thing record within a realm, rehydrated the same way pkg/realm
// rehydrates Realm — a private aggregate.Repository folding EntityCreated
// and EntityUpdated, with no snapshot acceleration since entities mutate rarely.
package entity

import (
	"context"
	"fmt"

	"github.com/danvoulez/ledger/pkg/actor"
	"github.com/danvoulez/ledger/pkg/aggregate"
	"github.com/danvoulez/ledger/pkg/event"
	"github.com/danvoulez/ledger/pkg/eventstore"
	"github.com/danvoulez/ledger/pkg/ids"
	"github.com/danvoulez/ledger/pkg/ledgererr"
)

// Type enumerates the entity_type values spec §3 names as an open set
// ("Person, Organization, System, …").
type Type string

const (
	TypePerson       Type = "Person"
	TypeOrganization Type = "Organization"
	TypeSystem       Type = "System"
)

// Identity is an entity's name/identifiers/contacts (spec §3 Entity.identity).
type Identity struct {
	Name        string   `json:"name"`
	Identifiers []string `json:"identifiers,omitempty"`
	Contacts    []string `json:"contacts,omitempty"`
}

// Entity is the folded state of an Entity aggregate.
type Entity struct {
	ID       ids.ID `json:"id"`
	RealmID  ids.ID `json:"realm_id"`
	Type     Type   `json:"entity_type"`
	Identity Identity `json:"identity"`
	Version  uint64 `json:"version"`
}

const aggregateType = "Entity"

type rehydrator struct{}

func (rehydrator) AggregateType() string { return aggregateType }
func (rehydrator) Version() int          { return 1 }
func (rehydrator) InitialState() any     { return (*Entity)(nil) }

func (rehydrator) Apply(state any, e event.Event) (any, error) {
	switch e.Type {
	case "EntityCreated":
		return decodeCreated(e)
	case "EntityUpdated":
		cur, _ := state.(*Entity)
		if cur == nil {
			return nil, fmt.Errorf("entity: %s updated before creation", e.AggregateID)
		}
		return applyUpdate(cur, e), nil
	default:
		return nil, fmt.Errorf("entity: unknown event type %q for aggregate %s", e.Type, aggregateType)
	}
}

func decodeCreated(e event.Event) (*Entity, error) {
	realmID, _ := e.Payload["realm_id"].(string)
	entityType, _ := e.Payload["entity_type"].(string)

	ident := Identity{}
	if raw, ok := e.Payload["identity"].(map[string]any); ok {
		ident.Name, _ = raw["name"].(string)
		ident.Identifiers = toStringSlice(raw["identifiers"])
		ident.Contacts = toStringSlice(raw["contacts"])
	}

	return &Entity{
		ID:       e.AggregateID,
		RealmID:  ids.ID(realmID),
		Type:     Type(entityType),
		Identity: ident,
		Version:  e.AggregateVersion,
	}, nil
}

func applyUpdate(cur *Entity, e event.Event) *Entity {
	next := *cur
	if raw, ok := e.Payload["identity"].(map[string]any); ok {
		if name, ok := raw["name"].(string); ok {
			next.Identity.Name = name
		}
		if ids := toStringSlice(raw["identifiers"]); ids != nil {
			next.Identity.Identifiers = ids
		}
		if contacts := toStringSlice(raw["contacts"]); contacts != nil {
			next.Identity.Contacts = contacts
		}
	}
	next.Version = e.AggregateVersion
	return &next
}

func toStringSlice(v any) []string {
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, x := range raw {
		if s, ok := x.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// Manager reconstructs Entity aggregates from events; it holds no cache
// since entities are looked up far less often than realms are.
type Manager struct {
	store eventstore.Store
	repo  *aggregate.Repository
}

func NewManager(store eventstore.Store) *Manager {
	repo := aggregate.NewRepository(store, nil)
	repo.Register(rehydrator{})
	return &Manager{store: store, repo: repo}
}

// Get rebuilds an Entity from its event stream.
func (m *Manager) Get(ctx context.Context, entityID ids.ID) (*Entity, error) {
	state, _, err := m.repo.Reconstruct(ctx, aggregateType, entityID, aggregate.Bound{})
	if err != nil {
		if ledgererr.Is(err, ledgererr.CodeNotFound) {
			return nil, ledgererr.NotFound(aggregateType, string(entityID))
		}
		return nil, fmt.Errorf("entity: get %s: %w", entityID, err)
	}
	return state.(*Entity), nil
}

// Create appends EntityCreated and returns the reconstructed entity.
func (m *Manager) Create(ctx context.Context, actorRef actor.Reference, realmID ids.ID, entityType Type, ident Identity) (*Entity, error) {
	entityID := ids.New()
	if _, err := m.store.Append(ctx, event.Input{
		Type:             "EntityCreated",
		AggregateType:    aggregateType,
		AggregateID:      entityID,
		AggregateVersion: 1,
		Actor:            actorRef,
		Payload: map[string]any{
			"realm_id":    string(realmID),
			"entity_type": string(entityType),
			"identity": map[string]any{
				"name":        ident.Name,
				"identifiers": toAnySlice(ident.Identifiers),
				"contacts":    toAnySlice(ident.Contacts),
			},
		},
	}); err != nil {
		return nil, fmt.Errorf("entity: create: %w", err)
	}
	return m.Get(ctx, entityID)
}

func toAnySlice(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
