// Package workflow implements the workflow engine (spec §4.7): a static
// state-machine definition driven by typed transitions, actor constraints
// and guards, with all side effects expressed as Event Store appends or
// WorkflowServices invocations.
package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/danvoulez/ledger/pkg/actor"
	"github.com/danvoulez/ledger/pkg/event"
	"github.com/danvoulez/ledger/pkg/eventstore"
	"github.com/danvoulez/ledger/pkg/ids"
	"github.com/danvoulez/ledger/pkg/ledgererr"
)

// TimeoutAction is the declared behavior when a state's timeout elapses
// (spec §5 "Cancellation & timeouts").
type TimeoutAction string

const (
	TimeoutAutoTransition TimeoutAction = "AutoTransition"
	TimeoutEscalate       TimeoutAction = "Escalate"
	TimeoutExpire         TimeoutAction = "Expire"
)

// TimeoutPolicy declares a state's timeout behavior.
type TimeoutPolicy struct {
	After  time.Duration
	Action TimeoutAction
	// Transition names the transition to run when Action == AutoTransition.
	Transition string
}

// StateDef is one state in a workflow definition.
type StateDef struct {
	Name     string
	OnEnter  []string
	OnExit   []string
	Timeout  *TimeoutPolicy
}

// ActorConstraintKind enumerates spec §4.7's ActorConstraint variants.
type ActorConstraintKind string

const (
	ConstraintRole            ActorConstraintKind = "Role"
	ConstraintParty           ActorConstraintKind = "Party"
	ConstraintSystem          ActorConstraintKind = "System"
	ConstraintAgreementParty  ActorConstraintKind = "AgreementParty"
	ConstraintSelf            ActorConstraintKind = "Self"
)

// ActorConstraint restricts which actors may invoke a transition.
type ActorConstraint struct {
	Kind     ActorConstraintKind
	RoleType string // for Role
	PartyID  string // for Party
	Role     string // for AgreementParty
}

// Matches reports whether a reports whether the constraint is satisfied by
// the given actor reference, given a role lookup for Role/AgreementParty
// constraints. subjectID is the id of the entity the transition is being
// invoked against, used for Self.
func (c ActorConstraint) Matches(a actor.Reference, subjectID string, activeRoles []string) bool {
	switch c.Kind {
	case ConstraintRole:
		for _, r := range activeRoles {
			if r == c.RoleType {
				return true
			}
		}
		return false
	case ConstraintParty:
		return a.Kind == actor.KindParty && string(a.PartyID) == c.PartyID
	case ConstraintSystem:
		return a.Kind == actor.KindSystem
	case ConstraintAgreementParty:
		for _, r := range activeRoles {
			if r == c.Role {
				return true
			}
		}
		return false
	case ConstraintSelf:
		return a.Kind == actor.KindParty && string(a.PartyID) == subjectID
	default:
		return false
	}
}

// GuardKind enumerates spec §4.7's Guard.condition variants.
type GuardKind string

const (
	GuardHasRole          GuardKind = "HasRole"
	GuardHasConsent       GuardKind = "HasConsent"
	GuardTimeElapsed      GuardKind = "TimeElapsed"
	GuardAssetInStatus    GuardKind = "AssetInStatus"
	GuardAgreementInStatus GuardKind = "AgreementInStatus"
	GuardCustom           GuardKind = "Custom"
)

// Guard is one condition a transition requires.
type Guard struct {
	Name         string
	Kind         GuardKind
	RoleType     string        // HasRole
	FromAll      bool          // HasConsent
	SinceState   string        // TimeElapsed
	Duration     time.Duration // TimeElapsed
	Status       string        // AssetInStatus / AgreementInStatus
	ValidatorID  string        // Custom
	Params       map[string]any
}

// GuardEvaluator evaluates a single guard against an instance's current
// state; callers supply one since guard semantics (role lookups, consent
// records, custom validators) are domain-specific and not knowable to this
// engine.
type GuardEvaluator func(ctx context.Context, g Guard, inst Instance, payload map[string]any) (bool, error)

// Transition is one edge in a workflow definition.
type Transition struct {
	Name          string
	From          []string
	To            string
	AllowedActors []ActorConstraint
	Guards        []Guard
	Actions       []string
	Emits         []string
}

// Definition is a static workflow document (spec §4.7).
type Definition struct {
	ID             string
	States         []StateDef
	Transitions    []Transition
	InitialState   string
	TerminalStates []string
}

func (d Definition) state(name string) (StateDef, bool) {
	for _, s := range d.States {
		if s.Name == name {
			return s, true
		}
	}
	return StateDef{}, false
}

func (d Definition) isTerminal(name string) bool {
	for _, t := range d.TerminalStates {
		if t == name {
			return true
		}
	}
	return false
}

func (d Definition) findTransition(name, fromState string) (Transition, bool) {
	for _, t := range d.Transitions {
		if t.Name != name {
			continue
		}
		for _, f := range t.From {
			if f == fromState {
				return t, true
			}
		}
	}
	return Transition{}, false
}

// HistoryEntry records one completed transition.
type HistoryEntry struct {
	Transition string
	From       string
	To         string
	Actor      actor.Reference
	At         time.Time
	Payload    map[string]any
}

// Instance is the live state of a workflow. The engine updates it in place
// as it appends WorkflowTransitioned/WorkflowCompleted events; no
// rehydrator folds those events back into an Instance.
type Instance struct {
	ID           ids.ID
	DefinitionID string
	State        string
	Complete     bool
	EnteredAt    time.Time
	History      []HistoryEntry
	SubjectID    string
	ActiveRoles  []string
}

// ActionExecutor runs a named on_enter/on_exit/transition action against
// WorkflowServices (spec §4.7: "All side effects are either event appends
// or invocations of the WorkflowServices interface"). The engine never
// writes outside the Event Store itself.
type ActionExecutor func(ctx context.Context, action string, inst Instance, payload map[string]any) error

// Engine drives Definition-described state machines.
type Engine struct {
	store    eventstore.Store
	guard    GuardEvaluator
	execute  ActionExecutor
	defs     map[string]Definition
	now      func() time.Time
}

func NewEngine(store eventstore.Store, guard GuardEvaluator, execute ActionExecutor) *Engine {
	return &Engine{
		store:   store,
		guard:   guard,
		execute: execute,
		defs:    make(map[string]Definition),
		now:     time.Now,
	}
}

func (e *Engine) Register(def Definition) { e.defs[def.ID] = def }

// Transition runs the 8-step algorithm from spec §4.7.
func (e *Engine) Transition(ctx context.Context, def Definition, inst Instance, transitionName string, a actor.Reference, payload map[string]any) (Instance, error) {
	// 1. reject if complete
	if inst.Complete {
		return inst, ledgererr.WorkflowComplete(string(inst.ID))
	}

	// 2. find a matching transition
	tr, ok := def.findTransition(transitionName, inst.State)
	if !ok {
		return inst, ledgererr.InvalidTransition(transitionName, inst.State)
	}

	// 3. actor authorization: first match wins, empty list allows
	if len(tr.AllowedActors) > 0 {
		authorized := false
		for _, c := range tr.AllowedActors {
			if c.Matches(a, inst.SubjectID, inst.ActiveRoles) {
				authorized = true
				break
			}
		}
		if !authorized {
			return inst, ledgererr.Unauthorized(fmt.Sprintf("actor does not satisfy any allowed_actors constraint for transition %q", transitionName))
		}
	}

	// 4. evaluate all guards, collect failures
	var failed []string
	for _, g := range tr.Guards {
		ok, err := e.guard(ctx, g, inst, payload)
		if err != nil {
			return inst, fmt.Errorf("workflow: guard %q: %w", g.Name, err)
		}
		if !ok {
			failed = append(failed, g.Name)
		}
	}
	if len(failed) > 0 {
		return inst, ledgererr.GuardsFailed(failed)
	}

	// 5. execute current state's on_exit actions
	if cur, ok := def.state(inst.State); ok {
		for _, act := range cur.OnExit {
			if err := e.execute(ctx, act, inst, payload); err != nil {
				return inst, fmt.Errorf("workflow: on_exit action %q: %w", act, err)
			}
		}
	}

	// 6. execute transition actions
	for _, act := range tr.Actions {
		if err := e.execute(ctx, act, inst, payload); err != nil {
			return inst, fmt.Errorf("workflow: transition action %q: %w", act, err)
		}
	}

	// 7. compute history entry; append WorkflowTransitioned; update instance;
	// append WorkflowCompleted if the new state is terminal
	now := e.now()
	entry := HistoryEntry{Transition: tr.Name, From: inst.State, To: tr.To, Actor: a, At: now, Payload: payload}

	nextVersion := uint64(len(inst.History)) + 1
	_, err := e.store.Append(ctx, event.Input{
		Type:             "WorkflowTransitioned",
		AggregateType:    "Workflow",
		AggregateID:      inst.ID,
		AggregateVersion: nextVersion,
		Actor:            a,
		Payload: map[string]any{
			"transition": tr.Name,
			"from":       inst.State,
			"to":         tr.To,
			"payload":    payload,
		},
	})
	if err != nil {
		return inst, fmt.Errorf("workflow: append WorkflowTransitioned: %w", err)
	}

	inst.History = append(inst.History, entry)
	inst.State = tr.To
	inst.EnteredAt = now

	terminal := def.isTerminal(tr.To)
	if terminal {
		inst.Complete = true
		_, err := e.store.Append(ctx, event.Input{
			Type:             "WorkflowCompleted",
			AggregateType:    "Workflow",
			AggregateID:      inst.ID,
			AggregateVersion: nextVersion + 1,
			Actor:            a,
			Payload:          map[string]any{"final_state": tr.To},
		})
		if err != nil {
			return inst, fmt.Errorf("workflow: append WorkflowCompleted: %w", err)
		}
	}

	// 8. execute new state's on_enter actions
	if next, ok := def.state(tr.To); ok {
		for _, act := range next.OnEnter {
			if err := e.execute(ctx, act, inst, payload); err != nil {
				return inst, fmt.Errorf("workflow: on_enter action %q: %w", act, err)
			}
		}
	}

	return inst, nil
}

// CheckTimeout evaluates a state's declared timeout against the instance's
// EnteredAt and returns the action to take, if any (spec §5: "when elapsed,
// the engine evaluates the declared action on the next tick").
func (d Definition) CheckTimeout(inst Instance, now time.Time) (*TimeoutPolicy, bool) {
	s, ok := d.state(inst.State)
	if !ok || s.Timeout == nil {
		return nil, false
	}
	if now.Sub(inst.EnteredAt) < s.Timeout.After {
		return nil, false
	}
	return s.Timeout, true
}
