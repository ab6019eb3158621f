// Package realm implements the Realm Manager (spec §4.13): tenant
// boundaries, idempotent bootstrap of the primordial realm, and
// cross-realm operation validation. Realm state is never trusted from a
// cache alone — every read that matters is rebuilt from events, adapting
// the teacher's pkg/tenants provisioning/isolation patterns onto the
// ledger's event-sourced aggregate model.
package realm

import (
	"context"
	"fmt"
	"sync"

	"github.com/danvoulez/ledger/pkg/actor"
	"github.com/danvoulez/ledger/pkg/aggregate"
	"github.com/danvoulez/ledger/pkg/event"
	"github.com/danvoulez/ledger/pkg/eventstore"
	"github.com/danvoulez/ledger/pkg/ids"
	"github.com/danvoulez/ledger/pkg/ledgererr"
	"github.com/danvoulez/ledger/pkg/tenants"
)

// Isolation is a realm's cross-realm containment mode (spec §3 Realm.config).
type Isolation string

const (
	IsolationFull         Isolation = "Full"
	IsolationHierarchical Isolation = "Hierarchical"
)

// Config is a realm's boundary configuration.
type Config struct {
	Isolation             Isolation `json:"isolation"`
	CrossRealmAllowed     bool      `json:"cross_realm_allowed"`
	AllowedEntityTypes    []string  `json:"allowed_entity_types,omitempty"`
	AllowedAgreementTypes []string  `json:"allowed_agreement_types,omitempty"`
}

// Realm is the tenant boundary (spec §3 Realm).
type Realm struct {
	ID                   ids.ID  `json:"id"`
	Name                 string  `json:"name"`
	CreatedAt            int64   `json:"created_at"`
	EstablishedByAgreement ids.ID `json:"established_by"`
	Config               Config  `json:"config"`
	ParentRealmID        ids.ID  `json:"parent_realm_id,omitempty"`
}

// PrimordialRealmID is the well-known id of the bootstrap realm (spec S1).
const PrimordialRealmID ids.ID = "00000000-0000-0000-0000-000000000000"

const aggregateType = "Realm"

// realmRehydrator folds RealmCreated events into a Realm. A realm has no
// further lifecycle events in this spec — once created its config is
// immutable — so Apply only ever handles the one event type.
type realmRehydrator struct{}

func (realmRehydrator) AggregateType() string { return aggregateType }
func (realmRehydrator) Version() int          { return 1 }
func (realmRehydrator) InitialState() any     { return (*Realm)(nil) }

func (realmRehydrator) Apply(state any, e event.Event) (any, error) {
	switch e.Type {
	case "RealmCreated":
		return decodeRealmCreated(e)
	default:
		return nil, fmt.Errorf("realm: unknown event type %q for aggregate %s", e.Type, aggregateType)
	}
}

func decodeRealmCreated(e event.Event) (*Realm, error) {
	name, _ := e.Payload["name"].(string)
	established, _ := e.Payload["established_by"].(string)
	parent, _ := e.Payload["parent_realm_id"].(string)

	cfg := Config{Isolation: IsolationFull}
	if raw, ok := e.Payload["config"].(map[string]any); ok {
		if iso, ok := raw["isolation"].(string); ok {
			cfg.Isolation = Isolation(iso)
		}
		if cr, ok := raw["cross_realm_allowed"].(bool); ok {
			cfg.CrossRealmAllowed = cr
		}
		cfg.AllowedEntityTypes = toStringSlice(raw["allowed_entity_types"])
		cfg.AllowedAgreementTypes = toStringSlice(raw["allowed_agreement_types"])
	}

	return &Realm{
		ID:                     e.AggregateID,
		Name:                   name,
		CreatedAt:              e.Timestamp,
		EstablishedByAgreement: ids.ID(established),
		Config:                 cfg,
		ParentRealmID:          ids.ID(parent),
	}, nil
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

// Manager is the Realm Manager: bootstrap, canonical reconstruction, and
// cross-realm operation validation, with a derived (never authoritative)
// read-through cache per spec §4.13 / §4.14's caching rule.
type Manager struct {
	store      eventstore.Store
	repo       *aggregate.Repository
	mu         sync.RWMutex
	cache      map[ids.ID]*Realm
	isolation  *tenants.IsolationChecker
}

// NewManager builds a Manager over the given event store, registering its
// own rehydrator with a private aggregate.Repository (no snapshot
// acceleration — realms are created once and read rarely enough that
// full replay is cheap, and the spec requires rebuild to be canonical
// regardless). The isolation checker backs ValidateCrossRealmOperation
// with a structural assertion: no resource id may ever be claimed by
// two different realms.
func NewManager(store eventstore.Store) *Manager {
	repo := aggregate.NewRepository(store, nil)
	repo.Register(realmRehydrator{})
	return &Manager{
		store:     store,
		repo:      repo,
		cache:     make(map[ids.ID]*Realm),
		isolation: tenants.NewIsolationChecker(),
	}
}

// RegisterResource claims resourceID for realmID in the isolation
// checker. Aggregate managers (entity, agreement, asset, ...) call this
// whenever they create a resource scoped to a realm, so that
// ValidateCrossRealmOperation's integrity assertion has real ownership
// data to check against.
func (m *Manager) RegisterResource(realmID, resourceID ids.ID) {
	m.isolation.RegisterResource(string(realmID), string(resourceID))
}

// VerifyIsolation reports whether any resource has been claimed by more
// than one realm, per spec §4.13's isolation guarantee.
func (m *Manager) VerifyIsolation() (bool, []string) {
	return m.isolation.VerifyIsolation()
}

// RebuildFromEvents is the only canonical state reconstruction (spec
// §4.13): load all Realm events for realmID, apply in order, return the
// resulting realm or (nil, nil) if none exist.
func (m *Manager) RebuildFromEvents(ctx context.Context, realmID ids.ID) (*Realm, error) {
	state, _, err := m.repo.Reconstruct(ctx, aggregateType, realmID, aggregate.Bound{})
	if err != nil {
		if ledgererr.Is(err, ledgererr.CodeNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("realm: rebuild %s: %w", realmID, err)
	}
	r, _ := state.(*Realm)
	return r, nil
}

// GetRealm is a cache lookup; a miss rebuilds from events and repopulates
// the cache (spec §4.13 get_realm). The cache is never the source of
// truth — see Manager's doc comment.
func (m *Manager) GetRealm(ctx context.Context, realmID ids.ID) (*Realm, error) {
	m.mu.RLock()
	r, ok := m.cache[realmID]
	m.mu.RUnlock()
	if ok {
		return r, nil
	}

	r, err := m.RebuildFromEvents(ctx, realmID)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, ledgererr.NotFound("Realm", string(realmID))
	}

	m.mu.Lock()
	m.cache[realmID] = r
	m.mu.Unlock()
	return r, nil
}

// Bootstrap is idempotent (spec §4.13, S1): on first run it appends
// RealmCreated(Primordial), EntityCreated(System) and
// AgreementCreated(Genesis, Active); on subsequent runs it detects the
// existing RealmCreated for PrimordialRealmID and no-ops.
func (m *Manager) Bootstrap(ctx context.Context, sys actor.Reference) (*Realm, error) {
	existing, err := m.RebuildFromEvents(ctx, PrimordialRealmID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		m.mu.Lock()
		m.cache[PrimordialRealmID] = existing
		m.mu.Unlock()
		return existing, nil
	}

	genesisAgreementID := ids.New()
	systemEntityID := ids.New()

	if _, err := m.store.Append(ctx, event.Input{
		Type:             "RealmCreated",
		AggregateType:    aggregateType,
		AggregateID:      PrimordialRealmID,
		AggregateVersion: 1,
		Actor:            sys,
		Payload: map[string]any{
			"name":           "primordial",
			"established_by": string(genesisAgreementID),
			"config": map[string]any{
				"isolation":           string(IsolationFull),
				"cross_realm_allowed": false,
			},
		},
	}); err != nil {
		return nil, fmt.Errorf("realm: bootstrap append RealmCreated: %w", err)
	}

	if _, err := m.store.Append(ctx, event.Input{
		Type:             "EntityCreated",
		AggregateType:    "Entity",
		AggregateID:      systemEntityID,
		AggregateVersion: 1,
		Actor:            sys,
		Payload: map[string]any{
			"realm_id":    string(PrimordialRealmID),
			"entity_type": "System",
			"identity":    map[string]any{"name": "system"},
		},
	}); err != nil {
		return nil, fmt.Errorf("realm: bootstrap append EntityCreated: %w", err)
	}

	if _, err := m.store.Append(ctx, event.Input{
		Type:             "AgreementCreated",
		AggregateType:    "Agreement",
		AggregateID:      genesisAgreementID,
		AggregateVersion: 1,
		Actor:            sys,
		Payload: map[string]any{
			"realm_id":       string(PrimordialRealmID),
			"agreement_type": "Genesis",
			"status":         "Active",
			"parties": []any{
				map[string]any{"entity_id": string(systemEntityID), "role": "system"},
			},
		},
	}); err != nil {
		return nil, fmt.Errorf("realm: bootstrap append AgreementCreated: %w", err)
	}

	r, err := m.RebuildFromEvents(ctx, PrimordialRealmID)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.cache[PrimordialRealmID] = r
	m.mu.Unlock()

	m.RegisterResource(PrimordialRealmID, PrimordialRealmID)
	m.RegisterResource(PrimordialRealmID, systemEntityID)
	m.RegisterResource(PrimordialRealmID, genesisAgreementID)
	return r, nil
}

// CreateRealm appends RealmCreated and repopulates the cache strictly
// from the resulting events — the caller's config is never trusted
// directly (spec §4.13: "never trust the passed value alone").
func (m *Manager) CreateRealm(ctx context.Context, actorRef actor.Reference, name string, cfg Config, licenseAgreementID ids.ID, parentRealmID ids.ID) (*Realm, error) {
	realmID := ids.New()

	payload := map[string]any{
		"name":           name,
		"established_by": string(licenseAgreementID),
		"config": map[string]any{
			"isolation":             string(cfg.Isolation),
			"cross_realm_allowed":   cfg.CrossRealmAllowed,
			"allowed_entity_types":  toAnySlice(cfg.AllowedEntityTypes),
			"allowed_agreement_types": toAnySlice(cfg.AllowedAgreementTypes),
		},
	}
	if parentRealmID != "" {
		payload["parent_realm_id"] = string(parentRealmID)
	}

	if _, err := m.store.Append(ctx, event.Input{
		Type:             "RealmCreated",
		AggregateType:    aggregateType,
		AggregateID:      realmID,
		AggregateVersion: 1,
		Actor:            actorRef,
		Payload:          payload,
	}); err != nil {
		return nil, fmt.Errorf("realm: create %s: %w", name, err)
	}

	r, err := m.RebuildFromEvents(ctx, realmID)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.cache[realmID] = r
	m.mu.Unlock()

	m.RegisterResource(realmID, realmID)
	if licenseAgreementID != "" {
		m.RegisterResource(realmID, licenseAgreementID)
	}
	return r, nil
}

func toAnySlice(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

// ValidateCrossRealmOperation enforces spec §4.13's cross-realm rule: both
// realms must allow cross-realm operations, and under Hierarchical
// isolation the pair must be in an ancestor/descendant relationship.
// Within a single realm (source == target) it always succeeds.
func (m *Manager) ValidateCrossRealmOperation(ctx context.Context, sourceID, targetID ids.ID, op string) error {
	if sourceID == targetID {
		return nil
	}

	source, err := m.GetRealm(ctx, sourceID)
	if err != nil {
		return err
	}
	target, err := m.GetRealm(ctx, targetID)
	if err != nil {
		return err
	}

	if !source.Config.CrossRealmAllowed || !target.Config.CrossRealmAllowed {
		return ledgererr.InvariantViolation("cross_realm_allowed",
			fmt.Sprintf("cross-realm operation %q requires cross_realm_allowed on both %s and %s", op, sourceID, targetID))
	}

	if source.Config.Isolation == IsolationHierarchical || target.Config.Isolation == IsolationHierarchical {
		if !m.isAncestorDescendant(ctx, source, target) {
			return ledgererr.InvariantViolation("hierarchical_isolation",
				fmt.Sprintf("hierarchical isolation permits only ancestor/descendant realm pairs, got %s and %s", sourceID, targetID))
		}
	}

	if ok, violations := m.isolation.VerifyIsolation(); !ok {
		return ledgererr.InvariantViolation("realm_isolation",
			fmt.Sprintf("cross-realm operation %q blocked by isolation integrity violation: %v", op, violations))
	}

	return nil
}

func (m *Manager) isAncestorDescendant(ctx context.Context, a, b *Realm) bool {
	if a.ParentRealmID == b.ID || b.ParentRealmID == a.ID {
		return true
	}
	if anc, err := m.isAncestorOf(ctx, a.ID, b.ID); err == nil && anc {
		return true
	}
	if anc, err := m.isAncestorOf(ctx, b.ID, a.ID); err == nil && anc {
		return true
	}
	return false
}

// isAncestorOf walks descendant's parent chain looking for ancestorID.
func (m *Manager) isAncestorOf(ctx context.Context, ancestorID, descendantID ids.ID) (bool, error) {
	cur := descendantID
	for depth := 0; depth < 64; depth++ {
		r, err := m.GetRealm(ctx, cur)
		if err != nil {
			return false, err
		}
		if r.ParentRealmID == "" {
			return false, nil
		}
		if r.ParentRealmID == ancestorID {
			return true, nil
		}
		cur = r.ParentRealmID
	}
	return false, nil
}
