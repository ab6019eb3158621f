package policy

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/decls"
	"github.com/google/cel-go/common/types"
)

// NewCELEnv builds the CEL environment Custom rule evaluators compile
// against. It declares action, resource_type, resource_id, principal,
// roles, realm, attributes and params; there is no time variable, and
// Evaluate binds action to the empty string since EvalContext carries no
// action.
func NewCELEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.VariableDecls(
			decls.NewVariable("action", types.StringType),
			decls.NewVariable("resource_type", types.StringType),
			decls.NewVariable("resource_id", types.StringType),
			decls.NewVariable("principal", types.StringType),
			decls.NewVariable("roles", types.NewListType(types.StringType)),
			decls.NewVariable("realm", types.StringType),
			decls.NewVariable("attributes", types.NewMapType(types.StringType, types.DynType)),
			decls.NewVariable("params", types.NewMapType(types.StringType, types.DynType)),
		),
	)
}

// CELCustomEvaluator compiles and caches Custom-rule CEL programs keyed by
// evaluator_id, matching the teacher's PolicyEngine.policySet cache.
type CELCustomEvaluator struct {
	env     *cel.Env
	mu      sync.RWMutex
	sources map[string]string
	compiled map[string]cel.Program
}

func NewCELCustomEvaluator(env *cel.Env) *CELCustomEvaluator {
	return &CELCustomEvaluator{env: env, sources: make(map[string]string), compiled: make(map[string]cel.Program)}
}

// Register compiles a named CEL expression for later use as a Custom rule
// evaluator_id.
func (c *CELCustomEvaluator) Register(evaluatorID, celSource string) error {
	ast, issues := c.env.Compile(celSource)
	if issues != nil && issues.Err() != nil {
		return fmt.Errorf("policy: compile custom evaluator %q: %w", evaluatorID, issues.Err())
	}
	prg, err := c.env.Program(ast)
	if err != nil {
		return fmt.Errorf("policy: build program for %q: %w", evaluatorID, err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sources[evaluatorID] = celSource
	c.compiled[evaluatorID] = prg
	return nil
}

// Evaluate implements CustomEvaluator by running the registered CEL
// program against the request's EvalContext.
func (c *CELCustomEvaluator) Evaluate(ctx context.Context, evaluatorID string, params map[string]any, evalCtx EvalContext) (bool, error) {
	c.mu.RLock()
	prg, ok := c.compiled[evaluatorID]
	c.mu.RUnlock()
	if !ok {
		return false, fmt.Errorf("policy: unknown custom evaluator %q", evaluatorID)
	}

	input := map[string]any{
		"action":        "",
		"resource_type": evalCtx.ResourceType,
		"resource_id":   evalCtx.ResourceID,
		"principal":     actorID(evalCtx.Actor),
		"roles":         evalCtx.ActorRoles,
		"realm":         string(evalCtx.Realm),
		"attributes":    evalCtx.Attributes,
		"params":        params,
	}

	out, _, err := prg.Eval(input)
	if err != nil {
		return false, fmt.Errorf("policy: eval custom evaluator %q: %w", evaluatorID, err)
	}
	allowed, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("policy: custom evaluator %q did not return a bool", evaluatorID)
	}
	return allowed, nil
}
