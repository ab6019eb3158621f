package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/danvoulez/ledger/pkg/actor"
	"github.com/danvoulez/ledger/pkg/eventstore"
	"github.com/danvoulez/ledger/pkg/ledgererr"
)

func draftToActiveDef() Definition {
	return Definition{
		ID: "AgreementLifecycle",
		States: []StateDef{
			{Name: "Draft"},
			{Name: "Active"},
			{Name: "Terminated"},
		},
		Transitions: []Transition{
			{
				Name: "Activate", From: []string{"Draft"}, To: "Active",
				AllowedActors: []ActorConstraint{{Kind: ConstraintRole, RoleType: "Admin"}},
				Guards:        []Guard{{Name: "hasConsent", Kind: GuardHasConsent, FromAll: true}},
			},
			{
				Name: "Terminate", From: []string{"Active"}, To: "Terminated",
				AllowedActors: []ActorConstraint{{Kind: ConstraintSystem}},
			},
		},
		InitialState:   "Draft",
		TerminalStates: []string{"Terminated"},
	}
}

func noopExecute(ctx context.Context, action string, inst Instance, payload map[string]any) error {
	return nil
}

func TestTransitionSucceedsAndAppendsEvents(t *testing.T) {
	store := eventstore.NewInMemoryStore()
	guard := func(ctx context.Context, g Guard, inst Instance, payload map[string]any) (bool, error) {
		return true, nil
	}
	eng := NewEngine(store, guard, noopExecute)
	def := draftToActiveDef()
	eng.Register(def)

	inst := Instance{ID: "wf-1", DefinitionID: def.ID, State: "Draft", ActiveRoles: []string{"Admin"}}
	a := actor.Party("admin-1")

	next, err := eng.Transition(context.Background(), def, inst, "Activate", a, nil)
	require.NoError(t, err)
	require.Equal(t, "Active", next.State)
	require.False(t, next.Complete)
	require.Len(t, next.History, 1)

	events, err := store.GetByAggregate(context.Background(), "Workflow", "wf-1", eventstore.AggregateQuery{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, "WorkflowTransitioned", events[0].Type)
}

func TestTransitionToTerminalAppendsCompletedEvent(t *testing.T) {
	store := eventstore.NewInMemoryStore()
	guard := func(ctx context.Context, g Guard, inst Instance, payload map[string]any) (bool, error) { return true, nil }
	eng := NewEngine(store, guard, noopExecute)
	def := draftToActiveDef()
	eng.Register(def)

	inst := Instance{ID: "wf-2", DefinitionID: def.ID, State: "Active"}
	next, err := eng.Transition(context.Background(), def, inst, "Terminate", actor.System("scheduler"), nil)
	require.NoError(t, err)
	require.True(t, next.Complete)

	events, err := store.GetByAggregate(context.Background(), "Workflow", "wf-2", eventstore.AggregateQuery{})
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, "WorkflowCompleted", events[1].Type)
}

func TestTransitionRejectsWhenAlreadyComplete(t *testing.T) {
	store := eventstore.NewInMemoryStore()
	eng := NewEngine(store, func(context.Context, Guard, Instance, map[string]any) (bool, error) { return true, nil }, noopExecute)
	def := draftToActiveDef()
	eng.Register(def)

	inst := Instance{ID: "wf-3", DefinitionID: def.ID, State: "Terminated", Complete: true}
	_, err := eng.Transition(context.Background(), def, inst, "Terminate", actor.System("s"), nil)
	require.Error(t, err)
	require.True(t, ledgererr.Is(err, ledgererr.CodeWorkflowComplete))
}

func TestTransitionRejectsUnknownTransitionName(t *testing.T) {
	store := eventstore.NewInMemoryStore()
	eng := NewEngine(store, func(context.Context, Guard, Instance, map[string]any) (bool, error) { return true, nil }, noopExecute)
	def := draftToActiveDef()
	eng.Register(def)

	inst := Instance{ID: "wf-4", DefinitionID: def.ID, State: "Draft"}
	_, err := eng.Transition(context.Background(), def, inst, "Terminate", actor.System("s"), nil)
	require.Error(t, err)
	require.True(t, ledgererr.Is(err, ledgererr.CodeInvalidTransition))
}

func TestTransitionRejectsUnauthorizedActor(t *testing.T) {
	store := eventstore.NewInMemoryStore()
	eng := NewEngine(store, func(context.Context, Guard, Instance, map[string]any) (bool, error) { return true, nil }, noopExecute)
	def := draftToActiveDef()
	eng.Register(def)

	inst := Instance{ID: "wf-5", DefinitionID: def.ID, State: "Draft"} // no ActiveRoles
	_, err := eng.Transition(context.Background(), def, inst, "Activate", actor.Party("p1"), nil)
	require.Error(t, err)
	require.True(t, ledgererr.Is(err, ledgererr.CodeUnauthorized))
}

func TestTransitionCollectsAllFailedGuards(t *testing.T) {
	store := eventstore.NewInMemoryStore()
	def := Definition{
		ID:     "Two",
		States: []StateDef{{Name: "A"}, {Name: "B"}},
		Transitions: []Transition{
			{
				Name: "Go", From: []string{"A"}, To: "B",
				Guards: []Guard{{Name: "g1"}, {Name: "g2"}},
			},
		},
		InitialState: "A",
	}
	guard := func(ctx context.Context, g Guard, inst Instance, payload map[string]any) (bool, error) {
		return false, nil
	}
	eng := NewEngine(store, guard, noopExecute)
	eng.Register(def)

	inst := Instance{ID: "wf-6", DefinitionID: def.ID, State: "A"}
	_, err := eng.Transition(context.Background(), def, inst, "Go", actor.System("s"), nil)
	require.Error(t, err)
	require.True(t, ledgererr.Is(err, ledgererr.CodeGuardsFailed))
	var le *ledgererr.LedgerError
	require.ErrorAs(t, err, &le)
	require.Equal(t, []string{"g1", "g2"}, le.Details["failed_guards"])
}

func TestCheckTimeoutRespectsElapsedDuration(t *testing.T) {
	def := Definition{
		States: []StateDef{{Name: "Pending", Timeout: &TimeoutPolicy{After: time.Minute, Action: TimeoutExpire}}},
	}
	inst := Instance{State: "Pending", EnteredAt: time.Now().Add(-2 * time.Minute)}
	policy, due := def.CheckTimeout(inst, time.Now())
	require.True(t, due)
	require.Equal(t, TimeoutExpire, policy.Action)

	inst.EnteredAt = time.Now()
	_, due = def.CheckTimeout(inst, time.Now())
	require.False(t, due)
}
