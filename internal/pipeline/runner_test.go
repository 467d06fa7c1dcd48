package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskorch/internal/core"
)

func recordingUnit(name string, order *[]string, err error) Unit {
	return NewUnit(name, func(context.Context, *RunContext) (Result, error) {
		*order = append(*order, name)
		if err != nil {
			return Result{}, err
		}
		return Result{Data: []any{name}, Meta: map[string]any{"ran": true}}, nil
	})
}

func TestRunnerRunsUnitsInOrder(t *testing.T) {
	var order []string
	r := NewRunner(
		recordingUnit("fetch", &order, nil),
		recordingUnit("build", &order, nil),
		recordingUnit("notify", &order, nil),
	)

	outcome, err := r.Execute(context.Background(), &RunContext{TaskName: "weekly-rankings"})
	require.NoError(t, err)
	assert.Equal(t, []string{"fetch", "build", "notify"}, order)
	assert.Equal(t, []StepResult{
		{Task: "fetch", Status: StepCompleted},
		{Task: "build", Status: StepCompleted},
		{Task: "notify", Status: StepCompleted},
	}, outcome.Steps)
	require.NotNil(t, outcome.Output)
	assert.Equal(t, []any{"fetch", "build", "notify"}, outcome.Output.Data)
	assert.Contains(t, outcome.Output.Meta, "build")
}

func TestRunnerFailureMarksEveryStepFailed(t *testing.T) {
	var order []string
	boom := errors.New("rate limited")
	r := NewRunner(
		recordingUnit("fetch", &order, nil),
		recordingUnit("build", &order, boom),
		recordingUnit("notify", &order, nil),
	)

	outcome, err := r.Execute(context.Background(), &RunContext{})
	assert.Nil(t, outcome)
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrSubTaskFailure)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, core.KindSubTaskFailure, core.ErrorKind(err))
	assert.Equal(t, []string{"fetch", "build"}, order, "units after the failure must not run")

	var failure *SubTaskFailure
	require.ErrorAs(t, err, &failure)
	for _, step := range failure.Outcome.Steps {
		assert.Equal(t, StepFailed, step.Status, step.Task)
	}
	assert.Len(t, failure.Outcome.Steps, 3)

	var carrier core.ResultCarrier
	require.ErrorAs(t, err, &carrier)
	assert.Same(t, failure.Outcome, carrier.Result())
}

func TestRunnerStopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var order []string
	r := NewRunner(
		NewUnit("first", func(context.Context, *RunContext) (Result, error) {
			order = append(order, "first")
			cancel()
			return Result{}, nil
		}),
		recordingUnit("second", &order, nil),
	)

	_, err := r.Execute(ctx, &RunContext{})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []string{"first"}, order)
}

func TestRunContextParams(t *testing.T) {
	rc := &RunContext{Params: map[string]any{"year": 2024, "week": float64(3), "date": "2024-01-15", "n": int64(7)}}
	year, ok := rc.IntParam("year")
	assert.True(t, ok)
	assert.Equal(t, 2024, year)
	week, _ := rc.IntParam("week")
	assert.Equal(t, 3, week)
	n, _ := rc.IntParam("n")
	assert.Equal(t, 7, n)
	date, ok := rc.StringParam("date")
	assert.True(t, ok)
	assert.Equal(t, "2024-01-15", date)
	_, ok = rc.IntParam("date")
	assert.False(t, ok)
	_, ok = (*RunContext)(nil).Param("x")
	assert.False(t, ok)
}

func TestCatalogResolve(t *testing.T) {
	c := NewCatalog(NewUnit("a", nil), NewUnit("b", nil))
	units, err := c.Resolve([]string{"b", "a"})
	require.NoError(t, err)
	assert.Equal(t, "b", units[0].Name())

	_, err = c.Resolve([]string{"a", "zzz"})
	assert.ErrorIs(t, err, ErrUnknownUnit)

	assert.Error(t, c.Register(NewUnit("a", nil)))
	require.NoError(t, c.Register(NewUnit("c", nil)))
	assert.Equal(t, []string{"a", "b", "c"}, c.Names())
}
