package policy

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/danvoulez/ledger/pkg/actor"
)

func TestEvaluateHigherPriorityDenyShortCircuits(t *testing.T) {
	policies := []Policy{
		{ID: "allow-all", Priority: 1, Enabled: true, Effect: EffectAllow, Conditions: []Condition{{Category: "actor", ActorKind: ActorAny}}},
		{ID: "deny-weekend", Priority: 10, Enabled: true, Effect: EffectDeny, Conditions: []Condition{{Category: "resource", ResourceKind: ResourceAny}}},
	}
	eng := NewEngine(policies, nil)
	d, err := eng.Evaluate(context.Background(), EvalContext{Timestamp: time.Now()})
	require.NoError(t, err)
	require.Equal(t, string(EffectDeny), d.Effect)
	require.Equal(t, "deny-weekend", d.PolicyID)
}

func TestEvaluateAllowRecordedButNotShortCircuiting(t *testing.T) {
	policies := []Policy{
		{ID: "allow-1", Priority: 10, Enabled: true, Effect: EffectAllow, Conditions: []Condition{{Category: "actor", ActorKind: ActorAny}}},
		{ID: "neutral-1", Priority: 5, Enabled: true, Effect: EffectNeutral, Conditions: []Condition{{Category: "actor", ActorKind: ActorAny}}},
	}
	eng := NewEngine(policies, nil)
	d, err := eng.Evaluate(context.Background(), EvalContext{Timestamp: time.Now()})
	require.NoError(t, err)
	require.Equal(t, string(EffectAllow), d.Effect)
	require.Equal(t, "allow-1", d.PolicyID)
}

func TestEvaluateLaterLowerPriorityDenyOverridesEarlierAllow(t *testing.T) {
	policies := []Policy{
		{ID: "allow-1", Priority: 10, Enabled: true, Effect: EffectAllow, Conditions: []Condition{{Category: "actor", ActorKind: ActorAny}}},
		{ID: "deny-1", Priority: 1, Enabled: true, Effect: EffectDeny, Conditions: []Condition{{Category: "actor", ActorKind: ActorAny}}},
	}
	eng := NewEngine(policies, nil)
	d, err := eng.Evaluate(context.Background(), EvalContext{Timestamp: time.Now()})
	require.NoError(t, err)
	require.Equal(t, string(EffectDeny), d.Effect)
}

func TestEvaluateNoMatchYieldsNeutral(t *testing.T) {
	policies := []Policy{
		{ID: "deny-bob", Priority: 10, Enabled: true, Effect: EffectDeny, Conditions: []Condition{{Category: "actor", ActorKind: ActorIDCond, StringValue: "bob"}}},
	}
	eng := NewEngine(policies, nil)
	d, err := eng.Evaluate(context.Background(), EvalContext{Actor: actor.Party("alice"), Timestamp: time.Now()})
	require.NoError(t, err)
	require.Equal(t, string(EffectNeutral), d.Effect)
}

func TestEvaluateDisabledPolicyIsSkipped(t *testing.T) {
	policies := []Policy{
		{ID: "deny-all", Priority: 10, Enabled: false, Effect: EffectDeny, Conditions: []Condition{{Category: "actor", ActorKind: ActorAny}}},
	}
	eng := NewEngine(policies, nil)
	d, err := eng.Evaluate(context.Background(), EvalContext{Timestamp: time.Now()})
	require.NoError(t, err)
	require.Equal(t, string(EffectNeutral), d.Effect)
}

func TestRuleNotInvertsBusinessHours(t *testing.T) {
	policies := []Policy{
		{
			ID: "business-hours-deny", Priority: 10, Enabled: true, Effect: EffectDeny,
			Rules: []Rule{
				{Op: RuleNot, Children: []Rule{
					{Conditions: []Condition{{Category: "temporal", TemporalKind: TemporalBusinessHours}}},
				}},
			},
		},
	}
	eng := NewEngine(policies, nil)
	weekend := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC) // a Saturday
	d, err := eng.Evaluate(context.Background(), EvalContext{Timestamp: weekend})
	require.NoError(t, err)
	require.Equal(t, string(EffectDeny), d.Effect, "Not(BusinessHours) should match outside business hours")
}

func TestCustomRuleRoutesThroughCELEvaluator(t *testing.T) {
	env, err := NewCELEnv()
	require.NoError(t, err)
	cust := NewCELCustomEvaluator(env)
	require.NoError(t, cust.Register("has-admin-role", `"admin" in roles`))

	policies := []Policy{
		{
			ID: "admin-only", Priority: 10, Enabled: true, Effect: EffectAllow,
			Rules: []Rule{{Op: RuleCustom, EvaluatorID: "has-admin-role"}},
		},
	}
	eng := NewEngine(policies, cust.Evaluate)
	d, err := eng.Evaluate(context.Background(), EvalContext{ActorRoles: []string{"admin"}, Timestamp: time.Now()})
	require.NoError(t, err)
	require.Equal(t, string(EffectAllow), d.Effect)

	d, err = eng.Evaluate(context.Background(), EvalContext{ActorRoles: []string{"viewer"}, Timestamp: time.Now()})
	require.NoError(t, err)
	require.Equal(t, string(EffectNeutral), d.Effect)
}
