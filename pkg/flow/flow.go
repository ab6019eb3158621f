// Package flow implements the flow orchestrator (spec §4.8): composition
// of workflows and imperative steps with cooperative, suspendable
// execution.
package flow

import (
	"context"
	"fmt"
	"time"

	"github.com/danvoulez/ledger/pkg/event"
	"github.com/danvoulez/ledger/pkg/eventstore"
	"github.com/danvoulez/ledger/pkg/ids"
)

// Status is a flow instance's lifecycle state.
type Status string

const (
	StatusRunning   Status = "Running"
	StatusWaiting   Status = "Waiting"
	StatusCompleted Status = "Completed"
	StatusFailed    Status = "Failed"
	StatusCancelled Status = "Cancelled"
)

// JoinMode governs how a Parallel step's branches are awaited.
type JoinMode string

const (
	JoinAll   JoinMode = "All"
	JoinAny   JoinMode = "Any"
	JoinFirst JoinMode = "First"
)

// WaitKind discriminates a Wait step's condition.
type WaitKind string

const (
	WaitDuration  WaitKind = "Duration"
	WaitEvent     WaitKind = "Event"
	WaitCondition WaitKind = "Condition"
)

// WaitSpec describes what a Wait step suspends on.
type WaitSpec struct {
	Kind      WaitKind
	Duration  time.Duration
	EventType string
	Filter    map[string]any
	Condition string
}

// StepKind enumerates spec §4.8's step variants.
type StepKind string

const (
	StepWorkflow StepKind = "Workflow"
	StepDecision StepKind = "Decision"
	StepParallel StepKind = "Parallel"
	StepWait     StepKind = "Wait"
	StepAction   StepKind = "Action"
)

// Branch is one labeled sub-sequence of steps, used by Decision and Parallel.
type Branch struct {
	Name  string
	Steps []Step
}

// Step is one node in a flow definition.
type Step struct {
	Name string
	Kind StepKind

	// Workflow
	DefinitionID string
	Input        map[string]any

	// Decision
	Branches []Branch
	Default  string // branch name used when no decision matches

	// Parallel
	ParallelBranches []Branch
	Join             JoinMode

	// Wait
	Wait WaitSpec

	// Action
	Actions []string
}

// ErrorHandlerKind enumerates spec §4.8's error_handlers variants.
type ErrorHandlerKind string

const (
	HandlerRetry      ErrorHandlerKind = "Retry"
	HandlerCompensate ErrorHandlerKind = "Compensate"
	HandlerSkip       ErrorHandlerKind = "Skip"
	HandlerFail       ErrorHandlerKind = "Fail"
)

// ErrorHandler declares recovery behavior for a step failure.
type ErrorHandler struct {
	Kind          ErrorHandlerKind
	MaxRetries    int
	CompensateStep string
}

// Definition is a static flow document.
type Definition struct {
	ID            string
	Steps         []Step
	ErrorHandlers map[string]ErrorHandler // keyed by step name
}

// Instance is a flow's live state (spec §4.8).
type Instance struct {
	ID             ids.ID
	DefinitionID   string
	Status         Status
	CurrentSteps   []string
	ActiveWorkflows []string
	Variables      map[string]any
	History        []string
	NextStep       string // __next_step: resume point after a Wait
	waitingOn      *WaitSpec
	retries        map[string]int
}

// DecisionFunc evaluates a Decision step's branches and returns the name of
// the branch to take, matching spec §4.8's Decision(branches[], default?).
// Branch selection logic is domain-specific (conditions over Variables), so
// it is injected rather than hardcoded.
type DecisionFunc func(ctx context.Context, inst Instance, step Step) (branch string, err error)

// WorkflowStarter runs a sub-workflow for a Workflow step. The orchestrator
// calls it synchronously: the step completes when it returns, and its
// output is merged into the instance's Variables.
type WorkflowStarter func(ctx context.Context, definitionID string, input map[string]any) (map[string]any, error)

// ActionRunner executes an Action step's action list, matching
// spec §4.8's "Action(actions[])".
type ActionRunner func(ctx context.Context, actions []string, inst Instance) error

// ConditionFunc polls a Wait(Condition) predicate.
type ConditionFunc func(ctx context.Context, condition string, inst Instance) (bool, error)

// Orchestrator drives Definition-described flows.
type Orchestrator struct {
	store    eventstore.Store
	decide   DecisionFunc
	startWf  WorkflowStarter
	runActs  ActionRunner
	poll     ConditionFunc
	now      func() time.Time

	waitingByEvent map[string][]waitingFlow // event_type -> flows waiting on it
}

type waitingFlow struct {
	instanceID ids.ID
	filter     map[string]any
}

func NewOrchestrator(store eventstore.Store, decide DecisionFunc, startWf WorkflowStarter, runActs ActionRunner, poll ConditionFunc) *Orchestrator {
	return &Orchestrator{
		store: store, decide: decide, startWf: startWf, runActs: runActs, poll: poll,
		now:            time.Now,
		waitingByEvent: make(map[string][]waitingFlow),
	}
}

// Start begins execution of a flow instance at the first step.
func (o *Orchestrator) Start(ctx context.Context, def Definition, inst Instance) (Instance, error) {
	inst.Status = StatusRunning
	if len(def.Steps) > 0 {
		inst.NextStep = def.Steps[0].Name
	}
	return o.run(ctx, def, inst)
}

// Resume re-enters a Waiting flow after its wake condition is satisfied
// (spec §4.8: "each matching flow re-enters execution at its __next_step").
func (o *Orchestrator) Resume(ctx context.Context, def Definition, inst Instance, payload map[string]any) (Instance, error) {
	if inst.Status != StatusWaiting {
		return inst, fmt.Errorf("flow: cannot resume instance in status %s", inst.Status)
	}
	inst.Status = StatusRunning
	if inst.Variables == nil {
		inst.Variables = make(map[string]any)
	}
	for k, v := range payload {
		inst.Variables[k] = v
	}
	return o.run(ctx, def, inst)
}

// OnEvent notifies the orchestrator of an appended event, resuming any
// flows whose Wait(Event) filter matches it.
func (o *Orchestrator) OnEvent(ctx context.Context, def Definition, e event.Event, load func(ids.ID) (Instance, error)) ([]Instance, error) {
	var resumed []Instance
	waiters := o.waitingByEvent[e.Type]
	remaining := waiters[:0]
	for _, w := range waiters {
		if !matchesFilter(w.filter, e) {
			remaining = append(remaining, w)
			continue
		}
		inst, err := load(w.instanceID)
		if err != nil {
			return resumed, err
		}
		next, err := o.Resume(ctx, def, inst, map[string]any{"event": e.Payload})
		if err != nil {
			return resumed, err
		}
		resumed = append(resumed, next)
	}
	o.waitingByEvent[e.Type] = remaining
	return resumed, nil
}

func matchesFilter(filter map[string]any, e event.Event) bool {
	for k, v := range filter {
		if e.Payload[k] != v {
			return false
		}
	}
	return true
}

func (d Definition) step(name string) (Step, bool) {
	for _, s := range d.Steps {
		if s.Name == name {
			return s, true
		}
	}
	return Step{}, false
}

func (d Definition) stepAfter(name string) (Step, bool) {
	for i, s := range d.Steps {
		if s.Name == name && i+1 < len(d.Steps) {
			return d.Steps[i+1], true
		}
	}
	return Step{}, false
}

// run executes steps until the flow completes, fails, or suspends.
func (o *Orchestrator) run(ctx context.Context, def Definition, inst Instance) (Instance, error) {
	for inst.NextStep != "" {
		step, ok := def.step(inst.NextStep)
		if !ok {
			inst.Status = StatusFailed
			return inst, fmt.Errorf("flow: unknown step %q", inst.NextStep)
		}

		inst.CurrentSteps = []string{step.Name}
		inst.History = append(inst.History, step.Name)

		done, err := o.executeStep(ctx, def, &inst, step)
		if err != nil {
			if handled, herr := o.handleError(ctx, def, &inst, step, err); herr != nil {
				inst.Status = StatusFailed
				return inst, herr
			} else if !handled {
				inst.Status = StatusFailed
				return inst, err
			}
			continue
		}
		if !done {
			inst.Status = StatusWaiting
			if next, hasNext := def.stepAfter(step.Name); hasNext {
				inst.NextStep = next.Name
			} else {
				inst.NextStep = ""
			}
			return inst, nil
		}

		next, hasNext := def.stepAfter(step.Name)
		if !hasNext {
			inst.Status = StatusCompleted
			inst.NextStep = ""
			return inst, nil
		}
		inst.NextStep = next.Name
	}
	if inst.Status == StatusRunning {
		inst.Status = StatusCompleted
	}
	return inst, nil
}

func (o *Orchestrator) handleError(ctx context.Context, def Definition, inst *Instance, step Step, stepErr error) (bool, error) {
	h, ok := def.ErrorHandlers[step.Name]
	if !ok {
		return false, nil
	}
	switch h.Kind {
	case HandlerSkip:
		next, hasNext := def.stepAfter(step.Name)
		if hasNext {
			inst.NextStep = next.Name
		} else {
			inst.Status = StatusCompleted
			inst.NextStep = ""
		}
		return true, nil
	case HandlerRetry:
		if inst.retries == nil {
			inst.retries = make(map[string]int)
		}
		inst.retries[step.Name]++
		if inst.retries[step.Name] > h.MaxRetries {
			return false, nil
		}
		inst.NextStep = step.Name
		return true, nil
	case HandlerCompensate:
		inst.NextStep = h.CompensateStep
		return true, nil
	case HandlerFail:
		return false, stepErr
	default:
		return false, nil
	}
}

// executeStep runs one step, returning done=true if it completed
// synchronously or done=false if the instance transitioned to Waiting
// (spec §4.8: "execute_step either completes synchronously ... or
// transitions the instance to Waiting and registers for its wake
// condition").
func (o *Orchestrator) executeStep(ctx context.Context, def Definition, inst *Instance, step Step) (bool, error) {
	switch step.Kind {
	case StepAction:
		if err := o.runActs(ctx, step.Actions, *inst); err != nil {
			return false, fmt.Errorf("flow: action step %q: %w", step.Name, err)
		}
		return true, nil

	case StepWorkflow:
		out, err := o.startWf(ctx, step.DefinitionID, step.Input)
		if err != nil {
			return false, fmt.Errorf("flow: workflow step %q: %w", step.Name, err)
		}
		if inst.Variables == nil {
			inst.Variables = make(map[string]any)
		}
		for k, v := range out {
			inst.Variables[k] = v
		}
		return true, nil

	case StepDecision:
		branchName, err := o.decide(ctx, *inst, step)
		if err != nil {
			return false, fmt.Errorf("flow: decision step %q: %w", step.Name, err)
		}
		if branchName == "" {
			branchName = step.Default
		}
		for _, b := range step.Branches {
			if b.Name == branchName {
				return o.runBranchInline(ctx, def, inst, b)
			}
		}
		return false, fmt.Errorf("flow: decision step %q: no branch %q", step.Name, branchName)

	case StepParallel:
		return o.executeParallel(ctx, def, inst, step)

	case StepWait:
		return o.beginWait(inst, step)

	default:
		return false, fmt.Errorf("flow: unknown step kind %q", step.Kind)
	}
}

func (o *Orchestrator) runBranchInline(ctx context.Context, def Definition, inst *Instance, b Branch) (bool, error) {
	for _, s := range b.Steps {
		done, err := o.executeStep(ctx, def, inst, s)
		if err != nil || !done {
			return done, err
		}
	}
	return true, nil
}

func (o *Orchestrator) executeParallel(ctx context.Context, def Definition, inst *Instance, step Step) (bool, error) {
	completed := 0
	var firstErr error
	for _, b := range step.ParallelBranches {
		done, err := o.runBranchInline(ctx, def, inst, b)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if done {
			completed++
			if step.Join == JoinFirst || step.Join == JoinAny {
				return true, nil
			}
		}
	}
	switch step.Join {
	case JoinAll:
		if completed == len(step.ParallelBranches) {
			return true, nil
		}
		if firstErr != nil {
			return false, firstErr
		}
		return false, fmt.Errorf("flow: parallel step %q: not all branches completed", step.Name)
	default:
		if completed > 0 {
			return true, nil
		}
		return false, firstErr
	}
}

func (o *Orchestrator) beginWait(inst *Instance, step Step) (bool, error) {
	switch step.Wait.Kind {
	case WaitEvent:
		o.waitingByEvent[step.Wait.EventType] = append(o.waitingByEvent[step.Wait.EventType], waitingFlow{
			instanceID: inst.ID, filter: step.Wait.Filter,
		})
		return false, nil
	case WaitDuration, WaitCondition:
		// Timer/poll-driven resumes are scheduled externally (spec §4.10's
		// scheduler ticks drive Wait(Duration) resumption; a caller polling
		// ConditionFunc drives Wait(Condition)). This orchestrator only
		// records the suspension; resumption always goes through Resume.
		return false, nil
	default:
		return false, fmt.Errorf("flow: unknown wait kind %q", step.Wait.Kind)
	}
}
