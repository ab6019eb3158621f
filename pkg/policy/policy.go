// Package policy implements the Policy Engine (spec §4.12): declarative
// policies evaluated in descending priority order, with a matching Deny
// short-circuiting and a matching Allow recorded but not short-circuiting.
package policy

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/danvoulez/ledger/pkg/actor"
	"github.com/danvoulez/ledger/pkg/ids"
)

// Effect is a policy's declared outcome when its conditions match.
type Effect string

const (
	EffectAllow   Effect = "Allow"
	EffectDeny    Effect = "Deny"
	EffectNeutral Effect = "Neutral"
)

// ActorConditionKind enumerates spec §4.12's actor condition variants.
type ActorConditionKind string

const (
	ActorAny            ActorConditionKind = "Any"
	ActorIDCond         ActorConditionKind = "ActorId"
	ActorTypeCond       ActorConditionKind = "ActorType"
	ActorHasRole        ActorConditionKind = "HasRole"
	ActorNotHasRole     ActorConditionKind = "NotHasRole"
	ActorIsResourceOwner ActorConditionKind = "IsResourceOwner"
	ActorIsAgreementParty ActorConditionKind = "IsAgreementParty"
)

// ResourceConditionKind enumerates spec §4.12's resource condition variants.
type ResourceConditionKind string

const (
	ResourceAny             ResourceConditionKind = "Any"
	ResourceTypeCond        ResourceConditionKind = "ResourceType"
	ResourceIDCond          ResourceConditionKind = "ResourceId"
	ResourceAttributeCond   ResourceConditionKind = "ResourceAttribute"
	ResourceInRealmCond     ResourceConditionKind = "ResourceInRealm"
)

// ContextConditionKind enumerates spec §4.12's context condition variants.
type ContextConditionKind string

const (
	ContextInRealm      ContextConditionKind = "InRealm"
	ContextHasAttribute ContextConditionKind = "HasAttribute"
	ContextEnvironment  ContextConditionKind = "Environment"
)

// TemporalConditionKind enumerates spec §4.12's temporal condition variants.
type TemporalConditionKind string

const (
	TemporalTimeOfDay    TemporalConditionKind = "TimeOfDay"
	TemporalDayOfWeek    TemporalConditionKind = "DayOfWeek"
	TemporalDateRange    TemporalConditionKind = "DateRange"
	TemporalBusinessHours TemporalConditionKind = "BusinessHours"
)

// RoleConditionKind enumerates spec §4.12's role condition variants.
type RoleConditionKind string

const (
	RoleHasAnyRole  RoleConditionKind = "HasAnyRole"
	RoleHasAllRoles RoleConditionKind = "HasAllRoles"
	RoleInScope     RoleConditionKind = "RoleInScope"
)

// Condition is one typed match clause; exactly one of the *Kind fields is
// meaningful, selected by Category.
type Condition struct {
	Category string // "actor" | "resource" | "context" | "temporal" | "role"

	ActorKind    ActorConditionKind
	ResourceKind ResourceConditionKind
	ContextKind  ContextConditionKind
	TemporalKind TemporalConditionKind
	RoleKind     RoleConditionKind

	StringValue string
	StringSet   []string
	Key         string
	Value       any
	From        string // HH:MM or date
	To          string
}

// RuleOp composes conditions (spec §4.12: "Rules compose conditions via
// And / Or / Not / Custom").
type RuleOp string

const (
	RuleAnd    RuleOp = "And"
	RuleOr     RuleOp = "Or"
	RuleNot    RuleOp = "Not"
	RuleCustom RuleOp = "Custom"
)

// Rule is a boolean expression over Conditions, or a named custom CEL
// evaluator.
type Rule struct {
	Op          RuleOp
	Conditions  []Condition
	Children    []Rule // operands for And/Or/Not
	EvaluatorID string // Custom
	Params      map[string]any
}

// Policy is a declarative policy document (spec §4.12).
type Policy struct {
	ID         string
	Name       string
	Priority   int
	Enabled    bool
	Conditions []Condition
	Effect     Effect
	Rules      []Rule
}

// EvalContext is the full request context a policy condition/rule is
// evaluated against.
type EvalContext struct {
	Actor        actor.Reference
	ActorRoles   []string
	ResourceType string
	ResourceID   string
	ResourceOwner string
	ResourceAttrs map[string]any
	AgreementPartyOf map[ids.ID]bool
	Realm        ids.ID
	Timestamp    time.Time
	Attributes   map[string]any
	Environment  string
}

// CustomEvaluator resolves a named Custom rule to a CEL program, matching
// the teacher's pkg/governance/policy_engine.go CEL-based evaluation.
type CustomEvaluator func(ctx context.Context, evaluatorID string, params map[string]any, evalCtx EvalContext) (bool, error)

// Engine evaluates a set of Policy documents against an EvalContext in
// descending-priority order.
type Engine struct {
	policies []Policy
	custom   CustomEvaluator
}

// NewEngine builds an Engine. custom may be a *CELCustomEvaluator's
// Evaluate method for Custom rules routed through CEL (see cel.go), or
// any other domain-specific evaluator.
func NewEngine(policies []Policy, custom CustomEvaluator) *Engine {
	e := &Engine{custom: custom}
	e.SetPolicies(policies)
	return e
}

// SetPolicies replaces the policy set, pre-sorted by descending priority.
func (e *Engine) SetPolicies(policies []Policy) {
	sorted := make([]Policy, len(policies))
	copy(sorted, policies)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority > sorted[j].Priority })
	e.policies = sorted
}

// Decision is the three-valued outcome of evaluating the policy set.
type Decision struct {
	Effect     string
	PolicyID   string
	PolicyName string
}

// Evaluate implements spec §4.12's evaluation order: by descending
// priority; a matching Deny short-circuits; a matching Allow is recorded
// but does not short-circuit (a later Deny may still override).
func (e *Engine) Evaluate(ctx context.Context, evalCtx EvalContext) (Decision, error) {
	var recordedAllow *Decision

	for _, p := range e.policies {
		if !p.Enabled {
			continue
		}
		matched, err := e.policyMatches(ctx, p, evalCtx)
		if err != nil {
			return Decision{}, fmt.Errorf("policy: evaluate %q: %w", p.ID, err)
		}
		if !matched {
			continue
		}
		switch p.Effect {
		case EffectDeny:
			return Decision{Effect: string(EffectDeny), PolicyID: p.ID, PolicyName: p.Name}, nil
		case EffectAllow:
			if recordedAllow == nil {
				recordedAllow = &Decision{Effect: string(EffectAllow), PolicyID: p.ID, PolicyName: p.Name}
			}
		case EffectNeutral:
			// leaves the tentative decision intact, continue evaluating.
		}
	}

	if recordedAllow != nil {
		return *recordedAllow, nil
	}
	return Decision{Effect: string(EffectNeutral)}, nil
}

func (e *Engine) policyMatches(ctx context.Context, p Policy, evalCtx EvalContext) (bool, error) {
	for _, c := range p.Conditions {
		ok, err := e.evalCondition(ctx, c, evalCtx)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	for _, r := range p.Rules {
		ok, err := e.evalRule(ctx, r, evalCtx)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func (e *Engine) evalRule(ctx context.Context, r Rule, evalCtx EvalContext) (bool, error) {
	switch r.Op {
	case RuleAnd:
		for _, child := range r.Children {
			ok, err := e.evalRule(ctx, child, evalCtx)
			if err != nil || !ok {
				return ok, err
			}
		}
		return true, nil
	case RuleOr:
		for _, child := range r.Children {
			ok, err := e.evalRule(ctx, child, evalCtx)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	case RuleNot:
		if len(r.Children) != 1 {
			return false, fmt.Errorf("policy: Not rule requires exactly one child")
		}
		ok, err := e.evalRule(ctx, r.Children[0], evalCtx)
		return !ok, err
	case RuleCustom:
		if e.custom == nil {
			return false, fmt.Errorf("policy: Custom rule %q has no evaluator registered", r.EvaluatorID)
		}
		return e.custom(ctx, r.EvaluatorID, r.Params, evalCtx)
	default:
		// A leaf Rule with bare Conditions (no Op) is an implicit And.
		for _, c := range r.Conditions {
			ok, err := e.evalCondition(ctx, c, evalCtx)
			if err != nil || !ok {
				return ok, err
			}
		}
		return true, nil
	}
}

func (e *Engine) evalCondition(ctx context.Context, c Condition, evalCtx EvalContext) (bool, error) {
	switch c.Category {
	case "actor":
		return evalActorCondition(c, evalCtx), nil
	case "resource":
		return evalResourceCondition(c, evalCtx), nil
	case "context":
		return evalContextCondition(c, evalCtx), nil
	case "temporal":
		return evalTemporalCondition(c, evalCtx), nil
	case "role":
		return evalRoleCondition(c, evalCtx), nil
	default:
		return false, fmt.Errorf("policy: unknown condition category %q", c.Category)
	}
}

func evalActorCondition(c Condition, evalCtx EvalContext) bool {
	switch c.ActorKind {
	case ActorAny:
		return true
	case ActorIDCond:
		return actorID(evalCtx.Actor) == c.StringValue
	case ActorTypeCond:
		return string(evalCtx.Actor.Kind) == c.StringValue
	case ActorHasRole:
		return containsStr(evalCtx.ActorRoles, c.StringValue)
	case ActorNotHasRole:
		return !containsStr(evalCtx.ActorRoles, c.StringValue)
	case ActorIsResourceOwner:
		return actorID(evalCtx.Actor) == evalCtx.ResourceOwner
	case ActorIsAgreementParty:
		return evalCtx.AgreementPartyOf[ids.ID(c.StringValue)]
	default:
		return false
	}
}

func actorID(a actor.Reference) string {
	switch a.Kind {
	case actor.KindParty:
		return string(a.PartyID)
	case actor.KindSystem:
		return a.SystemID
	case actor.KindWorkflow:
		return string(a.WorkflowID)
	default:
		return ""
	}
}

func containsStr(xs []string, x string) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}

func evalResourceCondition(c Condition, evalCtx EvalContext) bool {
	switch c.ResourceKind {
	case ResourceAny:
		return true
	case ResourceTypeCond:
		return evalCtx.ResourceType == c.StringValue
	case ResourceIDCond:
		return evalCtx.ResourceID == c.StringValue
	case ResourceAttributeCond:
		v, ok := evalCtx.ResourceAttrs[c.Key]
		return ok && v == c.Value
	case ResourceInRealmCond:
		return string(evalCtx.Realm) == c.StringValue
	default:
		return false
	}
}

func evalContextCondition(c Condition, evalCtx EvalContext) bool {
	switch c.ContextKind {
	case ContextInRealm:
		return string(evalCtx.Realm) == c.StringValue
	case ContextHasAttribute:
		v, ok := evalCtx.Attributes[c.Key]
		return ok && v == c.Value
	case ContextEnvironment:
		return evalCtx.Environment == c.StringValue
	default:
		return false
	}
}

func evalTemporalCondition(c Condition, evalCtx EvalContext) bool {
	t := evalCtx.Timestamp
	switch c.TemporalKind {
	case TemporalTimeOfDay:
		from, err1 := time.Parse("15:04", c.From)
		to, err2 := time.Parse("15:04", c.To)
		if err1 != nil || err2 != nil {
			return false
		}
		cur := time.Date(0, 1, 1, t.Hour(), t.Minute(), 0, 0, time.UTC)
		return !cur.Before(from) && !cur.After(to)
	case TemporalDayOfWeek:
		return containsStr(c.StringSet, t.Weekday().String())
	case TemporalDateRange:
		from, err1 := time.Parse("2006-01-02", c.From)
		to, err2 := time.Parse("2006-01-02", c.To)
		if err1 != nil || err2 != nil {
			return false
		}
		return !t.Before(from) && !t.After(to)
	case TemporalBusinessHours:
		wd := t.Weekday()
		if wd == time.Saturday || wd == time.Sunday {
			return false
		}
		return t.Hour() >= 9 && t.Hour() < 17
	default:
		return false
	}
}

func evalRoleCondition(c Condition, evalCtx EvalContext) bool {
	switch c.RoleKind {
	case RoleHasAnyRole:
		for _, r := range c.StringSet {
			if containsStr(evalCtx.ActorRoles, r) {
				return true
			}
		}
		return false
	case RoleHasAllRoles:
		for _, r := range c.StringSet {
			if !containsStr(evalCtx.ActorRoles, r) {
				return false
			}
		}
		return true
	case RoleInScope:
		return containsStr(evalCtx.ActorRoles, c.StringValue)
	default:
		return false
	}
}
