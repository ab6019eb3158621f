// Package integration is the spec's component P ("Integration glue"):
// wiring, subscription fan-out via pkg/projection, the
// AgreementActivated→RoleGranted hook, audit trail emission, and the
// POST /intent dispatch surface — the composition root every other
// package is assembled through. Grounded on the teacher's own
// cmd/helm/main.go + cmd/helm/subsystems.go composition pattern (a single
// function building every subsystem in dependency order, registering HTTP
// routes last), adapted from CLI/HTTP glue into a reusable library System
// so cmd/ledgerd stays a thin entry point.
package integration

import (
	"context"
	"fmt"
	"time"

	"github.com/danvoulez/ledger/pkg/actor"
	"github.com/danvoulez/ledger/pkg/agreement"
	"github.com/danvoulez/ledger/pkg/asset"
	"github.com/danvoulez/ledger/pkg/authz"
	"github.com/danvoulez/ledger/pkg/entity"
	"github.com/danvoulez/ledger/pkg/eventstore"
	"github.com/danvoulez/ledger/pkg/ids"
	"github.com/danvoulez/ledger/pkg/policy"
	"github.com/danvoulez/ledger/pkg/projection"
	"github.com/danvoulez/ledger/pkg/realm"
	"github.com/danvoulez/ledger/pkg/role"
	"github.com/danvoulez/ledger/pkg/scope"
)

// System bundles every domain manager wired to a single Event Store, plus
// the projection manager driving the agreement→role hook and the role
// holder index, the authorization engine, and the intent dispatcher. It is
// the one place the core's component graph is assembled (spec §9 "Global
// mutable state: the core exposes factory functions that produce instances
// wired to that store").
type System struct {
	Store eventstore.Store

	Realms     *realm.Manager
	Entities   *entity.Manager
	Agreements *agreement.Manager
	Roles      *role.Manager
	Assets     *asset.Manager

	RoleIndex *role.HolderIndex
	Authz     *authz.Engine2
	Policies  *policy.Engine

	Projections *projection.Manager
	Hook        *AgreementRoleHook

	Intents *Dispatcher
}

// Options configures NewSystem. All fields are optional.
type Options struct {
	Checkpoints          projection.CheckpointStore
	Policies             []policy.Policy
	CustomPolicy         policy.CustomEvaluator
	RoleTemplates        []RoleTemplate
	ImplicitConsentTypes []string
}

// NewSystem assembles the full component graph over store. Callers must
// call Start to begin driving the hook and role-index projections before
// any AgreementActivated events are expected to produce roles.
func NewSystem(store eventstore.Store, opts Options) *System {
	if opts.Checkpoints == nil {
		opts.Checkpoints = projection.NewInMemoryCheckpointStore()
	}
	if opts.RoleTemplates == nil {
		opts.RoleTemplates = DefaultRoleTemplates()
	}

	sys := &System{
		Store:       store,
		Realms:      realm.NewManager(store),
		Entities:    entity.NewManager(store),
		Agreements:  agreement.NewManager(store, opts.ImplicitConsentTypes...),
		Roles:       role.NewManager(store),
		Assets:      asset.NewManager(store),
		RoleIndex:   role.NewHolderIndex(),
		Policies:    policy.NewEngine(opts.Policies, opts.CustomPolicy),
		Projections: projection.NewManager(store, opts.Checkpoints),
	}

	sys.Hook = NewAgreementRoleHook(sys.Agreements, sys.Roles, opts.RoleTemplates)
	sys.Projections.Register(sys.Hook.Definition())
	sys.Projections.Register(RoleIndexProjection(sys.RoleIndex))

	sys.Authz = authz.NewEngine2(
		sys.Roles.ActiveRolesForHolder(sys.RoleIndex, holderFromActor),
		sys.agreementStatusLookup,
		PolicyEvaluatorFrom(sys.Policies),
		NewEventStoreAuditSink(store),
	)

	sys.Intents = NewDispatcher()
	sys.registerDefaultHandlers()

	return sys
}

// Start begins driving the hook and role-index projections. Must be
// called once before the system is considered live.
func (s *System) Start(ctx context.Context) error {
	if err := s.Projections.Start(ctx, "agreement-role-hook"); err != nil {
		return fmt.Errorf("integration: start agreement-role-hook: %w", err)
	}
	if err := s.Projections.Start(ctx, "role-holder-index"); err != nil {
		return fmt.Errorf("integration: start role-holder-index: %w", err)
	}
	return nil
}

func holderFromActor(a actor.Reference) ids.ID {
	return a.PartyID
}

// agreementStatusLookup implements authz.AgreementStatusLookup (spec
// §4.11 step 1(b) / I6): it reports whether the establishing agreement is
// currently in a terminal state. `at` is passed on, but TerminatedBefore
// does not consult it, so a termination after `at` also counts.
func (s *System) agreementStatusLookup(ctx context.Context, agreementID ids.ID, at time.Time) (bool, error) {
	ag, err := s.Agreements.Get(ctx, agreementID)
	if err != nil {
		return false, err
	}
	return ag.TerminatedBefore(at.UnixMilli()), nil
}

// registerDefaultHandlers wires the reference POST /intent surface (spec
// §6) to the domain managers just assembled — the minimal intent set
// needed to drive spec S1/S2's scenarios end to end.
func (s *System) registerDefaultHandlers() {
	s.Intents.Register("CreateEntity", func(ctx context.Context, req IntentRequest) (IntentResult, error) {
		entityType, _ := req.Payload["entity_type"].(string)
		name, _ := req.Payload["name"].(string)
		e, err := s.Entities.Create(ctx, req.Actor, req.Realm, entity.Type(entityType), entity.Identity{Name: name})
		if err != nil {
			return IntentResult{}, err
		}
		s.Realms.RegisterResource(req.Realm, e.ID)
		return IntentResult{Success: true, Outcome: map[string]any{"entity_id": string(e.ID)}}, nil
	})

	s.Intents.Register("ProposeAgreement", func(ctx context.Context, req IntentRequest) (IntentResult, error) {
		agreementType, _ := req.Payload["agreement_type"].(string)
		parties := decodeParties(req.Payload["parties"])
		ag, err := s.Agreements.Propose(ctx, req.Actor, req.Realm, agreementType, parties)
		if err != nil {
			return IntentResult{}, err
		}
		s.Realms.RegisterResource(req.Realm, ag.ID)
		return IntentResult{
			Success: true,
			Outcome: map[string]any{"agreement_id": string(ag.ID), "status": string(ag.Status)},
			Affordances: []Affordance{{Action: "RecordConsent", Description: "record a party's consent"}},
		}, nil
	})

	s.Intents.Register("RecordConsent", func(ctx context.Context, req IntentRequest) (IntentResult, error) {
		agreementID, _ := req.Payload["agreement_id"].(string)
		partyID, _ := req.Payload["party"].(string)
		method, _ := req.Payload["method"].(string)
		ag, err := s.Agreements.RecordConsent(ctx, req.Actor, ids.ID(agreementID), ids.ID(partyID), agreement.ConsentMethod(method))
		if err != nil {
			return IntentResult{}, err
		}
		return IntentResult{Success: true, Outcome: map[string]any{"agreement_id": string(ag.ID)}}, nil
	})

	s.Intents.Register("ActivateAgreement", func(ctx context.Context, req IntentRequest) (IntentResult, error) {
		agreementID, _ := req.Payload["agreement_id"].(string)
		ag, err := s.Agreements.Activate(ctx, req.Actor, ids.ID(agreementID))
		if err != nil {
			return IntentResult{}, err
		}
		return IntentResult{Success: true, Outcome: map[string]any{"agreement_id": string(ag.ID), "status": string(ag.Status)}}, nil
	})

	s.Intents.Register("CheckAuthorization", func(ctx context.Context, req IntentRequest) (IntentResult, error) {
		action, _ := req.Payload["action"].(string)
		resourceKind, _ := req.Payload["resource_kind"].(string)
		resourceID, _ := req.Payload["resource_id"].(string)

		allowed, granted, err := s.Authz.Decide(ctx, authz.Request{
			Actor:  req.Actor,
			Action: action,
			Resource: scope.Resource{
				Scope:   scope.Scope{Kind: scope.Kind(resourceKind), ID: ids.ID(resourceID)},
				RealmID: req.Realm,
			},
			Realm:     req.Realm,
			Timestamp: time.Now(),
		})
		if err != nil {
			return IntentResult{}, err
		}
		grantedOut := make([]map[string]any, len(granted))
		for i, g := range granted {
			grantedOut[i] = map[string]any{"role_id": string(g.RoleID), "agreement_id": string(g.AgreementID)}
		}
		return IntentResult{Success: allowed, Outcome: map[string]any{"allowed": allowed, "granted_by": grantedOut}}, nil
	})
}

func decodeParties(v any) []agreement.Party {
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]agreement.Party, 0, len(raw))
	for _, p := range raw {
		pm, ok := p.(map[string]any)
		if !ok {
			continue
		}
		entityID, _ := pm["entity_id"].(string)
		role, _ := pm["role"].(string)
		party := agreement.Party{EntityID: ids.ID(entityID), Role: role}
		if flags, ok := pm["flags"].(map[string]any); ok {
			party.Flags.IsWitness, _ = flags["is_witness"].(bool)
			party.Flags.IsSupervisor, _ = flags["is_supervisor"].(bool)
		}
		out = append(out, party)
	}
	return out
}
