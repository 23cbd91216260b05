package executor

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cronflow/cronflow/internal/models"
)

func TestChecksumStableForSameDefinition(t *testing.T) {
	def := &models.WorkflowDefinition{
		ID:    "wf-1",
		Steps: []models.StepDefinition{{ID: "a", Name: "A", Action: "noop"}},
	}
	sum1, err := Checksum(def)
	require.NoError(t, err)
	sum2, err := Checksum(def)
	require.NoError(t, err)
	require.Equal(t, sum1, sum2)
	require.Len(t, sum1, 64)
}

func TestChecksumChangesWithSteps(t *testing.T) {
	def1 := &models.WorkflowDefinition{Steps: []models.StepDefinition{{ID: "a", Action: "noop"}}}
	def2 := &models.WorkflowDefinition{Steps: []models.StepDefinition{{ID: "a", Action: "different"}}}

	sum1, err := Checksum(def1)
	require.NoError(t, err)
	sum2, err := Checksum(def2)
	require.NoError(t, err)
	require.NotEqual(t, sum1, sum2)
}

func TestSimulatedExecutorDefaultsToSuccess(t *testing.T) {
	sim := NewSimulated()
	result, err := sim.Execute(context.Background(), &Context{RunID: "r1", StepName: "unregistered"})
	require.NoError(t, err)
	require.Equal(t, models.StepCompleted, result.Status)
}

func TestSimulatedExecutorRunsRegisteredHandler(t *testing.T) {
	sim := NewSimulated()
	sim.Handlers["fail-me"] = func(ctx context.Context, ec *Context) ([]byte, error) {
		return nil, errors.New("boom")
	}

	result, err := sim.Execute(context.Background(), &Context{RunID: "r1", StepName: "fail-me"})
	require.Error(t, err)
	require.Equal(t, models.StepFailed, result.Status)
	require.NotNil(t, result.Error)
	require.Contains(t, *result.Error, "boom")
}
