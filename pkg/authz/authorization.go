// Authorization engine (spec §4.11): resolves active roles for an actor,
// matches glob-style permissions, and defers to the Policy Engine before
// reaching a final decision.
package authz

import (
	"context"
	"path"
	"time"

	"github.com/danvoulez/ledger/pkg/actor"
	"github.com/danvoulez/ledger/pkg/ids"
	"github.com/danvoulez/ledger/pkg/ledgererr"
	"github.com/danvoulez/ledger/pkg/scope"
)

// Permission is a `{action, resource}` pair with glob-style subset
// matching (spec §4.11 step 2).
type Permission struct {
	Action   string
	Resource string
}

// Matches reports whether p covers the requested action/resource, with
// `*` matching any and explicit values overriding wildcards — both sides
// are path-glob-matched (spec: "both fields satisfy glob-style subset
// rules").
func (p Permission) Matches(action, resource string) bool {
	return globMatch(p.Action, action) && globMatch(p.Resource, resource)
}

func globMatch(pattern, value string) bool {
	if pattern == "*" || pattern == value {
		return true
	}
	ok, err := path.Match(pattern, value)
	return err == nil && ok
}

// Role is the folded state of a role aggregate, the unit this engine
// reasons about (spec §4.11 step 1: "Load all role aggregates whose
// holder matches the actor").
type Role struct {
	ID                 ids.ID
	Type               string
	HolderActor        actor.Reference
	Scope              scope.Scope
	Permissions        []Permission
	ValidFrom          time.Time
	ValidUntil         *time.Time // nil means open-ended
	EstablishingAgreementID ids.ID
}

// coversTimestamp implements spec §4.11 step 1(a): "validity covers timestamp".
func (r Role) coversTimestamp(t time.Time) bool {
	if t.Before(r.ValidFrom) {
		return false
	}
	if r.ValidUntil != nil && t.After(*r.ValidUntil) {
		return false
	}
	return true
}

// AgreementStatusLookup answers spec §4.11 step 1(b): whether a role's
// establishing agreement is in a terminal state that invalidates derived
// roles at the given timestamp. Domain-specific, so it is injected.
type AgreementStatusLookup func(ctx context.Context, agreementID ids.ID, at time.Time) (invalidated bool, err error)

// RoleLoader resolves all role aggregates whose holder matches an actor,
// via pkg/aggregate.Repository reconstructing Role aggregates — injected
// so this package does not depend on aggregate/eventstore directly.
type RoleLoader func(ctx context.Context, a actor.Reference) ([]Role, error)

// PolicyDecision mirrors the Policy Engine's (§4.12) three-valued effect.
type PolicyDecision string

const (
	PolicyAllow   PolicyDecision = "Allow"
	PolicyDeny    PolicyDecision = "Deny"
	PolicyNeutral PolicyDecision = "Neutral"
)

// PolicyEvaluator is the Policy Engine's contract as consumed here (spec
// §4.11 step 4: "Invoke the Policy Engine; a policy decision of Deny
// overrides").
type PolicyEvaluator func(ctx context.Context, req Request, tentative bool) (PolicyDecision, string, string, error) // decision, policyID, ruleName

// AuditSink records the audit entry spec §4.11 step 5 requires ("Audit
// entries are themselves events").
type AuditSink func(ctx context.Context, entry AuditEntry) error

// Request is an authorization request (spec §4.11).
type Request struct {
	Actor     actor.Reference
	Action    string
	Resource  scope.Resource
	Realm     ids.ID
	Timestamp time.Time
	Attributes map[string]any
}

// GrantedBy records one role that contributed to an allow decision.
type GrantedBy struct {
	RoleID       ids.ID
	RoleType     string
	AgreementID  ids.ID
	Permission   Permission
	Scope        scope.Scope
}

// AuditEntry is the full reasoning chain for one decision.
type AuditEntry struct {
	Request    Request
	Allowed    bool
	GrantedBy  []GrantedBy
	PolicyID   string
	PolicyRule string
}

// Engine2 implements spec §4.11's decision algorithm, named to avoid
// colliding with the ReBAC Engine this package already exposes for direct
// relationship checks (see engine.go) — both are valid authorization
// primitives the core consumes; this one is what Request/Decision flows
// through.
type Engine2 struct {
	loadRoles      RoleLoader
	agreementTerm  AgreementStatusLookup
	evaluatePolicy PolicyEvaluator
	audit          AuditSink
}

func NewEngine2(loadRoles RoleLoader, agreementTerm AgreementStatusLookup, evaluatePolicy PolicyEvaluator, audit AuditSink) *Engine2 {
	return &Engine2{loadRoles: loadRoles, agreementTerm: agreementTerm, evaluatePolicy: evaluatePolicy, audit: audit}
}

// Decide runs spec §4.11's 5-step algorithm.
func (e *Engine2) Decide(ctx context.Context, req Request) (bool, []GrantedBy, error) {
	roles, err := e.loadRoles(ctx, req.Actor)
	if err != nil {
		return false, nil, err
	}

	var granted []GrantedBy
	for _, r := range roles {
		if !r.coversTimestamp(req.Timestamp) {
			continue
		}
		if e.agreementTerm != nil && r.EstablishingAgreementID != "" {
			invalidated, err := e.agreementTerm(ctx, r.EstablishingAgreementID, req.Timestamp)
			if err != nil {
				return false, nil, err
			}
			if invalidated {
				continue
			}
		}
		if !r.Scope.Contains(req.Resource) {
			continue
		}
		for _, p := range r.Permissions {
			if p.Matches(req.Action, req.Resource.Scope.String()) {
				granted = append(granted, GrantedBy{
					RoleID: r.ID, RoleType: r.Type, AgreementID: r.EstablishingAgreementID,
					Permission: p, Scope: r.Scope,
				})
			}
		}
	}

	tentative := len(granted) > 0
	allowed := tentative

	var policyID, policyRule string
	if e.evaluatePolicy != nil {
		decision, pid, rule, err := e.evaluatePolicy(ctx, req, tentative)
		if err != nil {
			return false, granted, err
		}
		policyID, policyRule = pid, rule
		switch decision {
		case PolicyDeny:
			allowed = false
		case PolicyAllow:
			// Recorded but does not change a prior allow/deny outcome beyond
			// what it already is, per spec §4.12 "a matching Allow is
			// recorded but does not short-circuit".
		case PolicyNeutral:
			// leaves tentative decision intact
		}
	}

	if e.audit != nil {
		if err := e.audit(ctx, AuditEntry{Request: req, Allowed: allowed, GrantedBy: granted, PolicyID: policyID, PolicyRule: policyRule}); err != nil {
			return allowed, granted, err
		}
	}

	if !allowed {
		return false, granted, ledgererr.Unauthorized("no role grants the requested permission, or policy denied it")
	}
	return true, granted, nil
}
