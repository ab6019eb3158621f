// Package role implements the Role aggregate (spec §3 "Role"): a
// permission grant scoped to Global/Realm/Entity/Agreement/Asset, always
// traceable to the Agreement that established it. Roles are read by
// pkg/authz through the RoleLoader it defines; this package supplies the
// concrete loader via ActiveRolesForHolder, folding both RoleGranted and
// RoleRevoked events.
package role

import (
	"context"
	"fmt"
	"time"

	"github.com/danvoulez/ledger/pkg/actor"
	"github.com/danvoulez/ledger/pkg/aggregate"
	"github.com/danvoulez/ledger/pkg/authz"
	"github.com/danvoulez/ledger/pkg/event"
	"github.com/danvoulez/ledger/pkg/eventstore"
	"github.com/danvoulez/ledger/pkg/ids"
	"github.com/danvoulez/ledger/pkg/ledgererr"
	"github.com/danvoulez/ledger/pkg/scope"
)

// Role is the folded state of a Role aggregate (spec §3 "Role").
type Role struct {
	ID                 ids.ID    `json:"id"`
	RoleType           string    `json:"role_type"`
	Scope              scope.Scope `json:"scope"`
	HolderEntityID     ids.ID    `json:"holder"`
	EstablishedBy      ids.ID    `json:"established_by"`
	Permissions        []authz.Permission `json:"permissions"`
	ValidFrom          int64     `json:"valid_from"`
	ValidUntil         *int64    `json:"valid_until,omitempty"`
	Revoked            bool      `json:"revoked"`
	Version            uint64    `json:"version"`
}

// IsActive reports whether the role's own validity window covers `at` and
// it has not been revoked (spec §3 Role.is_active, partial — the
// establishing-agreement half of I6 is checked by the caller via
// AgreementStatusLookup since this package has no agreement dependency).
func (r *Role) IsActive(at time.Time) bool {
	if r.Revoked {
		return false
	}
	ts := at.UnixMilli()
	if ts < r.ValidFrom {
		return false
	}
	if r.ValidUntil != nil && ts > *r.ValidUntil {
		return false
	}
	return true
}

const aggregateType = "Role"

type rehydrator struct{}

func (rehydrator) AggregateType() string { return aggregateType }
func (rehydrator) Version() int          { return 1 }
func (rehydrator) InitialState() any     { return (*Role)(nil) }

func (rehydrator) Apply(state any, e event.Event) (any, error) {
	switch e.Type {
	case "RoleGranted":
		return decodeGranted(e)
	case "RoleRevoked":
		cur, _ := state.(*Role)
		if cur == nil {
			return nil, fmt.Errorf("role: revoked before granted for %s", e.AggregateID)
		}
		next := *cur
		next.Revoked = true
		next.Version = e.AggregateVersion
		return &next, nil
	default:
		return nil, fmt.Errorf("role: unknown event type %q for aggregate %s", e.Type, aggregateType)
	}
}

func decodeGranted(e event.Event) (*Role, error) {
	roleType, _ := e.Payload["role_type"].(string)
	holder, _ := e.Payload["holder"].(string)
	establishedBy, _ := e.Payload["established_by"].(string)

	sc := scope.Global()
	if raw, ok := e.Payload["scope"].(map[string]any); ok {
		kind, _ := raw["kind"].(string)
		id, _ := raw["id"].(string)
		switch scope.Kind(kind) {
		case scope.KindRealm:
			sc = scope.Realm(ids.ID(id))
		case scope.KindEntity:
			sc = scope.Entity(ids.ID(id))
		case scope.KindAgreement:
			sc = scope.Agreement(ids.ID(id))
		case scope.KindAsset:
			sc = scope.Asset(ids.ID(id))
		}
	}

	var perms []authz.Permission
	if raw, ok := e.Payload["permissions"].([]any); ok {
		for _, p := range raw {
			pm, ok := p.(map[string]any)
			if !ok {
				continue
			}
			action, _ := pm["action"].(string)
			resource, _ := pm["resource"].(string)
			perms = append(perms, authz.Permission{Action: action, Resource: resource})
		}
	}

	validFrom := e.Timestamp
	if vf, ok := e.Payload["valid_from"].(float64); ok {
		validFrom = int64(vf)
	}
	var validUntil *int64
	if vu, ok := e.Payload["valid_until"].(float64); ok {
		u := int64(vu)
		validUntil = &u
	}

	return &Role{
		ID:             e.AggregateID,
		RoleType:       roleType,
		Scope:          sc,
		HolderEntityID: ids.ID(holder),
		EstablishedBy:  ids.ID(establishedBy),
		Permissions:    perms,
		ValidFrom:      validFrom,
		ValidUntil:     validUntil,
		Version:        e.AggregateVersion,
	}, nil
}

// Manager reconstructs Role aggregates, grants new roles, and answers the
// cross-aggregate "active roles for holder" query pkg/authz needs.
type Manager struct {
	store eventstore.Store
	repo  *aggregate.Repository
}

func NewManager(store eventstore.Store) *Manager {
	repo := aggregate.NewRepository(store, nil)
	repo.Register(rehydrator{})
	return &Manager{store: store, repo: repo}
}

func (m *Manager) Get(ctx context.Context, roleID ids.ID) (*Role, error) {
	state, _, err := m.repo.Reconstruct(ctx, aggregateType, roleID, aggregate.Bound{})
	if err != nil {
		if ledgererr.Is(err, ledgererr.CodeNotFound) {
			return nil, ledgererr.NotFound(aggregateType, string(roleID))
		}
		return nil, fmt.Errorf("role: get %s: %w", roleID, err)
	}
	return state.(*Role), nil
}

// Grant appends RoleGranted. Returns the role id before reconstruction
// completes so hooks (e.g. the AgreementActivated hook) can reference it
// deterministically.
func (m *Manager) Grant(ctx context.Context, actorRef actor.Reference, roleType string, sc scope.Scope, holder, establishedBy ids.ID, perms []authz.Permission) (ids.ID, error) {
	roleID := ids.New()
	permPayload := make([]any, len(perms))
	for i, p := range perms {
		permPayload[i] = map[string]any{"action": p.Action, "resource": p.Resource}
	}

	if _, err := m.store.Append(ctx, event.Input{
		Type:             "RoleGranted",
		AggregateType:    aggregateType,
		AggregateID:      roleID,
		AggregateVersion: 1,
		Actor:            actorRef,
		Payload: map[string]any{
			"role_type":      roleType,
			"holder":         string(holder),
			"established_by": string(establishedBy),
			"scope": map[string]any{
				"kind": string(sc.Kind),
				"id":   string(sc.ID),
			},
			"permissions": permPayload,
		},
	}); err != nil {
		return "", fmt.Errorf("role: grant: %w", err)
	}
	return roleID, nil
}

// Revoke appends RoleRevoked.
func (m *Manager) Revoke(ctx context.Context, actorRef actor.Reference, roleID ids.ID) error {
	cur, err := m.Get(ctx, roleID)
	if err != nil {
		return err
	}
	if _, err := m.store.Append(ctx, event.Input{
		Type:             "RoleRevoked",
		AggregateType:    aggregateType,
		AggregateID:      roleID,
		AggregateVersion: cur.Version + 1,
		Actor:            actorRef,
		Payload:          map[string]any{},
	}); err != nil {
		return fmt.Errorf("role: revoke %s: %w", roleID, err)
	}
	return nil
}

// HolderIndex tracks which role ids belong to which holder entity, so
// ActiveRolesForHolder does not need a full event-store scan per lookup.
// It is rebuilt from RoleGranted events observed via subscription — see
// pkg/integration's wiring, which feeds every RoleGranted event here.
type HolderIndex struct {
	byHolder map[ids.ID][]ids.ID
}

func NewHolderIndex() *HolderIndex {
	return &HolderIndex{byHolder: make(map[ids.ID][]ids.ID)}
}

// Observe records a RoleGranted event's (holder, role id) pairing. Safe to
// call multiple times for the same event: a role id already recorded for
// the holder is not added again.
func (h *HolderIndex) Observe(e event.Event) {
	if e.Type != "RoleGranted" {
		return
	}
	holder, _ := e.Payload["holder"].(string)
	for _, id := range h.byHolder[ids.ID(holder)] {
		if id == e.AggregateID {
			return
		}
	}
	h.byHolder[ids.ID(holder)] = append(h.byHolder[ids.ID(holder)], e.AggregateID)
}

// RoleIDsForHolder returns every role id ever granted to holder, without
// filtering by active/revoked status.
func (h *HolderIndex) RoleIDsForHolder(holder ids.ID) []ids.ID {
	return h.byHolder[holder]
}

// ActiveRolesForHolder implements pkg/authz.RoleLoader: it resolves every
// role granted to the actor's resolved entity id via the index, reloads
// each by full reconstruction (never trusting a cached copy, matching
// pkg/realm's read philosophy), and converts to authz.Role.
func (m *Manager) ActiveRolesForHolder(index *HolderIndex, resolveHolder func(actor.Reference) ids.ID) authz.RoleLoader {
	return func(ctx context.Context, a actor.Reference) ([]authz.Role, error) {
		holder := resolveHolder(a)
		var out []authz.Role
		for _, roleID := range index.RoleIDsForHolder(holder) {
			r, err := m.Get(ctx, roleID)
			if err != nil {
				if ledgererr.Is(err, ledgererr.CodeNotFound) {
					continue
				}
				return nil, err
			}
			if r.Revoked {
				continue
			}
			out = append(out, authz.Role{
				ID:                      r.ID,
				Type:                    r.RoleType,
				HolderActor:             a,
				Scope:                   r.Scope,
				Permissions:             r.Permissions,
				ValidFrom:               time.UnixMilli(r.ValidFrom),
				ValidUntil:              validUntilTime(r.ValidUntil),
				EstablishingAgreementID: r.EstablishedBy,
			})
		}
		return out, nil
	}
}

func validUntilTime(ms *int64) *time.Time {
	if ms == nil {
		return nil
	}
	t := time.UnixMilli(*ms)
	return &t
}
