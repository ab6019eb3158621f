package integration

import (
	"context"

	"github.com/danvoulez/ledger/pkg/authz"
	"github.com/danvoulez/ledger/pkg/policy"
)

// PolicyEvaluatorFrom adapts a policy.Engine into pkg/authz's
// PolicyEvaluator contract (spec §4.11 step 4 invoking the Policy Engine,
// §4.12 for the engine itself).
func PolicyEvaluatorFrom(engine *policy.Engine) authz.PolicyEvaluator {
	return func(ctx context.Context, req authz.Request, tentative bool) (authz.PolicyDecision, string, string, error) {
		evalCtx := policy.EvalContext{
			Actor:        req.Actor,
			ResourceType: string(req.Resource.Scope.Kind),
			ResourceID:   string(req.Resource.Scope.ID),
			Realm:        req.Realm,
			Timestamp:    req.Timestamp,
			Attributes:   req.Attributes,
		}

		decision, err := engine.Evaluate(ctx, evalCtx)
		if err != nil {
			return authz.PolicyNeutral, "", "", err
		}

		switch policy.Effect(decision.Effect) {
		case policy.EffectDeny:
			return authz.PolicyDeny, decision.PolicyID, decision.PolicyName, nil
		case policy.EffectAllow:
			return authz.PolicyAllow, decision.PolicyID, decision.PolicyName, nil
		default:
			return authz.PolicyNeutral, decision.PolicyID, decision.PolicyName, nil
		}
	}
}
