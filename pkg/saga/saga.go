// Package saga implements the saga coordinator (spec §4.9): ordered steps
// with compensation, run under the same Event Store serialization
// guarantees as any other append path.
package saga

import (
	"context"
	"fmt"
	"time"

	"github.com/danvoulez/ledger/pkg/event"
	"github.com/danvoulez/ledger/pkg/eventstore"
	"github.com/danvoulez/ledger/pkg/ids"
	"github.com/danvoulez/ledger/pkg/ledgererr"
)

// Status is a saga instance's lifecycle state (spec §4.9).
type Status string

const (
	StatusRunning              Status = "Running"
	StatusCompleted            Status = "Completed"
	StatusFailed               Status = "Failed"
	StatusCompensating         Status = "Compensating"
	StatusCompensated          Status = "Compensated"
	StatusCompensationFailed   Status = "CompensationFailed"
)

// CompensationFailureStrategy governs what happens when a compensation
// step itself fails.
type CompensationFailureStrategy string

const (
	StrategyManual CompensationFailureStrategy = "manual"
	StrategyRetry  CompensationFailureStrategy = "retry"
	StrategyAbandon CompensationFailureStrategy = "abandon"
)

// StepResult is the outcome of Step.Execute.
type StepResult struct {
	Success          bool
	CompensationData map[string]any
	Err              error
}

// Step is one unit of saga work (spec §4.9).
type Step struct {
	Name       string
	Execute    func(ctx context.Context, s *Instance) StepResult
	Compensate func(ctx context.Context, s *Instance, data map[string]any) error
}

// Definition is a static, ordered list of steps plus saga-level policy.
type Definition struct {
	ID                          string
	Steps                       []Step
	TimeoutMS                   int64
	CompensationFailureStrategy CompensationFailureStrategy
	RealmPair                   [2]string // the two realms this saga is the sole sanctioned bridge between, if cross-realm
}

// completedStep records a step that ran successfully, for reverse-order
// compensation.
type completedStep struct {
	name string
	data map[string]any
}

// Instance is a saga's live state.
type Instance struct {
	ID           ids.ID
	DefinitionID string
	Status       Status
	StartedAt    time.Time
	Variables    map[string]any

	completed []completedStep
	version   uint64
}

// Coordinator runs Definition-described sagas.
type Coordinator struct {
	store eventstore.Store
	now   func() time.Time
}

func NewCoordinator(store eventstore.Store) *Coordinator {
	return &Coordinator{store: store, now: time.Now}
}

// Run executes a saga's steps in order, compensating in reverse on any
// failure (spec §4.9).
func (c *Coordinator) Run(ctx context.Context, def Definition, inst Instance) (Instance, error) {
	inst.Status = StatusRunning
	inst.StartedAt = c.now()

	if err := c.emit(ctx, &inst, "SagaStarted", nil); err != nil {
		return inst, err
	}

	deadline := time.Time{}
	if def.TimeoutMS > 0 {
		deadline = inst.StartedAt.Add(time.Duration(def.TimeoutMS) * time.Millisecond)
	}

	for _, step := range def.Steps {
		if !deadline.IsZero() && c.now().After(deadline) {
			return c.fail(ctx, def, inst, step.Name, ledgererr.Timeout(fmt.Sprintf("saga %q", def.ID)))
		}

		result := step.Execute(ctx, &inst)
		if !result.Success {
			return c.fail(ctx, def, inst, step.Name, result.Err)
		}
		inst.completed = append(inst.completed, completedStep{name: step.Name, data: result.CompensationData})
		if err := c.emit(ctx, &inst, "SagaStepCompleted", map[string]any{"step": step.Name}); err != nil {
			return inst, err
		}
	}

	inst.Status = StatusCompleted
	if err := c.emit(ctx, &inst, "SagaCompleted", nil); err != nil {
		return inst, err
	}
	return inst, nil
}

func (c *Coordinator) fail(ctx context.Context, def Definition, inst Instance, failedStep string, cause error) (Instance, error) {
	inst.Status = StatusFailed
	if err := c.emit(ctx, &inst, "SagaFailed", map[string]any{"step": failedStep, "error": errString(cause)}); err != nil {
		return inst, err
	}
	return c.compensate(ctx, def, inst)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// compensate walks completed steps in reverse, calling Compensate for each
// (spec §4.9: "iterate completed steps in reverse calling compensate").
func (c *Coordinator) compensate(ctx context.Context, def Definition, inst Instance) (Instance, error) {
	inst.Status = StatusCompensating
	if err := c.emit(ctx, &inst, "SagaCompensating", nil); err != nil {
		return inst, err
	}

	stepsByName := make(map[string]Step, len(def.Steps))
	for _, s := range def.Steps {
		stepsByName[s.Name] = s
	}

	for i := len(inst.completed) - 1; i >= 0; i-- {
		cs := inst.completed[i]
		step, ok := stepsByName[cs.name]
		if !ok || step.Compensate == nil {
			continue
		}
		if err := step.Compensate(ctx, &inst, cs.data); err != nil {
			return c.handleCompensationFailure(ctx, def, inst, cs.name, err)
		}
	}

	inst.Status = StatusCompensated
	if err := c.emit(ctx, &inst, "SagaCompensated", nil); err != nil {
		return inst, err
	}
	return inst, nil
}

func (c *Coordinator) handleCompensationFailure(ctx context.Context, def Definition, inst Instance, step string, cause error) (Instance, error) {
	inst.Status = StatusCompensationFailed
	_ = c.emit(ctx, &inst, "SagaCompensationFailed", map[string]any{"step": step, "error": errString(cause)})

	switch def.CompensationFailureStrategy {
	case StrategyRetry:
		// A single retry attempt; exhausting retries is left to the caller
		// re-invoking compensate via a higher-level policy, per spec §4.9's
		// "retry" strategy being coordinator-level policy, not hardwired
		// backoff here.
		stepsByName := make(map[string]Step, len(def.Steps))
		for _, s := range def.Steps {
			stepsByName[s.Name] = s
		}
		if st, ok := stepsByName[step]; ok && st.Compensate != nil {
			var data map[string]any
			for _, cs := range inst.completed {
				if cs.name == step {
					data = cs.data
				}
			}
			if err := st.Compensate(ctx, &inst, data); err == nil {
				return inst, nil
			}
		}
		return inst, ledgererr.CompensationFailed(step, cause)
	case StrategyAbandon:
		return inst, nil
	case StrategyManual:
		fallthrough
	default:
		return inst, ledgererr.CompensationFailed(step, cause)
	}
}

func (c *Coordinator) emit(ctx context.Context, inst *Instance, eventType string, payload map[string]any) error {
	if payload == nil {
		payload = map[string]any{}
	}
	payload["saga_id"] = string(inst.ID)
	payload["status"] = string(inst.Status)
	inst.version++
	_, err := c.store.Append(ctx, event.Input{
		Type:             eventType,
		AggregateType:    "Saga",
		AggregateID:      inst.ID,
		AggregateVersion: inst.version,
		Payload:          payload,
	})
	if err != nil {
		return fmt.Errorf("saga: append %s: %w", eventType, err)
	}
	return nil
}

// CrossRealmValidator enforces spec §4.9's "cross-realm operations are
// only permitted through a registered saga" invariant and detects
// inconsistent completion.
type CrossRealmValidator struct {
	registered map[[2]string]bool
}

func NewCrossRealmValidator() *CrossRealmValidator {
	return &CrossRealmValidator{registered: make(map[[2]string]bool)}
}

func normalizePair(a, b string) [2]string {
	if a <= b {
		return [2]string{a, b}
	}
	return [2]string{b, a}
}

// Register declares that a saga is the sanctioned bridge between two realms.
func (v *CrossRealmValidator) Register(def Definition) {
	if def.RealmPair[0] == "" && def.RealmPair[1] == "" {
		return
	}
	v.registered[normalizePair(def.RealmPair[0], def.RealmPair[1])] = true
}

// ValidateCrossRealmWrite reports whether a write from sourceRealm to
// targetRealm may proceed outside a saga: a same-realm write is allowed,
// and a direct write spanning two realms is rejected unconditionally per
// spec §4.9, whether or not a saga is registered for the pair.
func (v *CrossRealmValidator) ValidateCrossRealmWrite(sourceRealm, targetRealm string) error {
	if sourceRealm == targetRealm {
		return nil
	}
	return ledgererr.Unauthorized(fmt.Sprintf("cross-realm write from %q to %q must go through a registered saga", sourceRealm, targetRealm))
}

// Inconsistency describes a saga marked Completed where one side of its
// realm pair was not actually updated.
type Inconsistency struct {
	SagaID ids.ID
	Realms [2]string
	Reason string
}

// DetectInconsistentCompletion scans completed sagas against a
// caller-supplied predicate reporting whether a given realm was actually
// updated by the saga (spec §4.9: "A consistency validator SHALL detect
// any state where a saga is marked Completed but one side of a pair of
// realms is not updated").
func DetectInconsistentCompletion(sagas []Instance, defsByID map[string]Definition, realmUpdated func(sagaID ids.ID, realm string) (bool, error)) ([]Inconsistency, error) {
	var out []Inconsistency
	for _, s := range sagas {
		if s.Status != StatusCompleted {
			continue
		}
		def, ok := defsByID[s.DefinitionID]
		if !ok || (def.RealmPair[0] == "" && def.RealmPair[1] == "") {
			continue
		}
		for _, r := range def.RealmPair {
			ok, err := realmUpdated(s.ID, r)
			if err != nil {
				return out, err
			}
			if !ok {
				out = append(out, Inconsistency{SagaID: s.ID, Realms: def.RealmPair, Reason: fmt.Sprintf("realm %q not updated", r)})
			}
		}
	}
	return out, nil
}
