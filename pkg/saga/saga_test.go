package saga

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/danvoulez/ledger/pkg/eventstore"
	"github.com/danvoulez/ledger/pkg/ids"
)

func TestRunCompletesAllStepsSuccessfully(t *testing.T) {
	store := eventstore.NewInMemoryStore()
	coord := NewCoordinator(store)

	var ran []string
	def := Definition{
		ID: "transfer",
		Steps: []Step{
			{Name: "debit", Execute: func(ctx context.Context, s *Instance) StepResult {
				ran = append(ran, "debit")
				return StepResult{Success: true}
			}},
			{Name: "credit", Execute: func(ctx context.Context, s *Instance) StepResult {
				ran = append(ran, "credit")
				return StepResult{Success: true}
			}},
		},
	}

	inst, err := coord.Run(context.Background(), def, Instance{ID: ids.New(), DefinitionID: def.ID})
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, inst.Status)
	require.Equal(t, []string{"debit", "credit"}, ran)
}

func TestRunCompensatesCompletedStepsInReverseOnFailure(t *testing.T) {
	store := eventstore.NewInMemoryStore()
	coord := NewCoordinator(store)

	var compensated []string
	def := Definition{
		ID: "transfer",
		Steps: []Step{
			{
				Name: "debit",
				Execute: func(ctx context.Context, s *Instance) StepResult {
					return StepResult{Success: true, CompensationData: map[string]any{"amount": 10}}
				},
				Compensate: func(ctx context.Context, s *Instance, data map[string]any) error {
					compensated = append(compensated, "debit")
					return nil
				},
			},
			{
				Name: "credit",
				Execute: func(ctx context.Context, s *Instance) StepResult {
					return StepResult{Success: false, Err: errors.New("credit failed")}
				},
			},
		},
	}

	inst, err := coord.Run(context.Background(), def, Instance{ID: ids.New(), DefinitionID: def.ID})
	require.NoError(t, err)
	require.Equal(t, StatusCompensated, inst.Status)
	require.Equal(t, []string{"debit"}, compensated)
}

func TestCompensationFailureStrategyManualReturnsError(t *testing.T) {
	store := eventstore.NewInMemoryStore()
	coord := NewCoordinator(store)

	def := Definition{
		ID:                          "transfer",
		CompensationFailureStrategy: StrategyManual,
		Steps: []Step{
			{
				Name:       "debit",
				Execute:    func(ctx context.Context, s *Instance) StepResult { return StepResult{Success: true} },
				Compensate: func(ctx context.Context, s *Instance, data map[string]any) error { return errors.New("compensation boom") },
			},
			{
				Name:    "credit",
				Execute: func(ctx context.Context, s *Instance) StepResult { return StepResult{Success: false, Err: errors.New("fail")} },
			},
		},
	}

	inst, err := coord.Run(context.Background(), def, Instance{ID: ids.New(), DefinitionID: def.ID})
	require.Error(t, err)
	require.Equal(t, StatusCompensationFailed, inst.Status)
}

func TestCompensationFailureStrategyAbandonSucceeds(t *testing.T) {
	store := eventstore.NewInMemoryStore()
	coord := NewCoordinator(store)

	def := Definition{
		ID:                          "transfer",
		CompensationFailureStrategy: StrategyAbandon,
		Steps: []Step{
			{
				Name:       "debit",
				Execute:    func(ctx context.Context, s *Instance) StepResult { return StepResult{Success: true} },
				Compensate: func(ctx context.Context, s *Instance, data map[string]any) error { return errors.New("compensation boom") },
			},
			{
				Name:    "credit",
				Execute: func(ctx context.Context, s *Instance) StepResult { return StepResult{Success: false, Err: errors.New("fail")} },
			},
		},
	}

	_, err := coord.Run(context.Background(), def, Instance{ID: ids.New(), DefinitionID: def.ID})
	require.NoError(t, err)
}

func TestCrossRealmValidatorRejectsDirectWrite(t *testing.T) {
	v := NewCrossRealmValidator()
	require.NoError(t, v.ValidateCrossRealmWrite("realm-a", "realm-a"))
	require.Error(t, v.ValidateCrossRealmWrite("realm-a", "realm-b"))
}

func TestDetectInconsistentCompletionFlagsPartialRealmUpdate(t *testing.T) {
	def := Definition{ID: "bridge", RealmPair: [2]string{"a", "b"}}
	inst := Instance{ID: "s1", DefinitionID: "bridge", Status: StatusCompleted}

	inconsistencies, err := DetectInconsistentCompletion([]Instance{inst}, map[string]Definition{"bridge": def}, func(sagaID ids.ID, realm string) (bool, error) {
		return realm != "b", nil
	})
	require.NoError(t, err)
	require.Len(t, inconsistencies, 1)
	require.Equal(t, "realm \"b\" not updated", inconsistencies[0].Reason)
}
