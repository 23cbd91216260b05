package condition

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEvaluateLiterals(t *testing.T) {
	ok, err := Evaluate("true", &Context{})
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = Evaluate("false", &Context{})
	require.NoError(t, err)
	require.False(t, ok)
}

func TestEvaluatePayloadPath(t *testing.T) {
	ctx := &Context{Payload: []byte(`{"amount": 150, "region": "us-east"}`)}

	ok, err := Evaluate("ctx.payload.amount > 100", ctx)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = Evaluate(`ctx.payload.region == 'us-east'`, ctx)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = Evaluate(`ctx.payload.region == "eu-west"`, ctx)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestEvaluateMissingPathIsNullAndFalsy(t *testing.T) {
	ctx := &Context{Payload: []byte(`{}`)}

	ok, err := Evaluate("ctx.payload.missing", ctx)
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = Evaluate("ctx.payload.missing == null", ctx)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestEvaluateStepOutputAndStatus(t *testing.T) {
	ctx := &Context{
		Steps: map[string]StepContext{
			"fetch": {
				Output: []byte(`{"count": 5}`),
				Status: "completed",
			},
		},
	}

	ok, err := Evaluate("ctx.steps.fetch.output.count >= 5", ctx)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = Evaluate("ctx.steps.fetch.status == completed", ctx)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestEvaluateStepError(t *testing.T) {
	ctx := &Context{
		Steps: map[string]StepContext{
			"fetch": {Error: "timeout"},
		},
	}
	ok, err := Evaluate(`ctx.steps.fetch.error == 'timeout'`, ctx)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = Evaluate("ctx.steps.other.error == null", ctx)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestEvaluateNumericStringCoercion(t *testing.T) {
	ctx := &Context{Payload: []byte(`{"count": "42"}`)}
	ok, err := Evaluate("ctx.payload.count == 42", ctx)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestEvaluateIncomparableTypesFail(t *testing.T) {
	ctx := &Context{Payload: []byte(`{"obj": {"a": 1}}`)}
	_, err := Evaluate("ctx.payload.obj > 1", ctx)
	require.Error(t, err)
}
