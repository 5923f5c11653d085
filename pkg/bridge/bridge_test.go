package bridge_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zwpku/torchann-plumed/pkg/bridge"
	"github.com/zwpku/torchann-plumed/pkg/host"
	"github.com/zwpku/torchann-plumed/pkg/model"
)

const sumProductModel = `
name: sum-product
dtype: float64
tensors:
  - {id: 1, input: {dimensions: [2]}}
  - {id: 2, computation: {op: select, sources: [1], dim: 0, index: 0}}
  - {id: 3, computation: {op: select, sources: [1], dim: 0, index: 1}}
  - {id: 4, computation: {op: add, sources: [2, 3]}}
  - {id: 5, computation: {op: mul, sources: [2, 3]}}
  - {id: 6, computation: {op: stack, sources: [4, 5]}}
output: 6
`

// f(x) = x
const identityModel = `
name: identity
dtype: float64
tensors:
  - {id: 1, input: {dimensions: [-1]}}
output: 1
`

// f(x) = [x0 * x0, 4], with the constant not connected to the input.
const constantBranchModel = `
name: constant-branch
dtype: float64
tensors:
  - {id: 1, input: {dimensions: [2]}}
  - {id: 2, computation: {op: select, sources: [1], dim: 0, index: 0}}
  - {id: 3, computation: {op: mul, sources: [2, 2]}}
  - {id: 4, inlineData: {dimensions: [], values: [4]}}
  - {id: 5, computation: {op: stack, sources: [3, 4]}}
output: 5
`

const constantModel = `
name: constant
tensors:
  - {id: 1, input: {dimensions: [2]}}
  - {id: 2, inlineData: {dimensions: [1], values: [7]}}
output: 2
`

// Distance between particles 0 and 1, returned with a batch dimension.
const distanceModel = `
name: distance
tensors:
  - {id: 1, input: {dimensions: [1, -1, 3]}}
  - {id: 2, computation: {op: select, sources: [1], dim: 0, index: 0}}
  - {id: 3, computation: {op: select, sources: [2], dim: 0, index: 0}}
  - {id: 4, computation: {op: select, sources: [2], dim: 0, index: 1}}
  - {id: 5, computation: {op: sub, sources: [4, 3]}}
  - {id: 6, computation: {op: mul, sources: [5, 5]}}
  - {id: 7, computation: {op: sum, sources: [6]}}
  - {id: 8, computation: {op: sqrt, sources: [7]}}
  - {id: 9, computation: {op: reshape, sources: [8], shape: [1, 1]}}
output: 9
`

// Sum of cubed coordinates, symmetric under relabelling particles.
const cubeSumModel = `
name: cube-sum
tensors:
  - {id: 1, input: {dimensions: [1, -1, 3]}}
  - {id: 2, computation: {op: pow, sources: [1], exponent: 3}}
  - {id: 3, computation: {op: sum, sources: [2]}}
  - {id: 4, computation: {op: reshape, sources: [3], shape: [1, 1]}}
output: 4
`

func writeModel(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "model.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func newFunction(t *testing.T, modelYAML string, numArgs, numOutput int) (*bridge.Bridge, *host.FunctionAction) {
	t.Helper()
	action := host.NewFunctionAction("f", numArgs)
	b, err := bridge.NewFunction(context.Background(), bridge.Config{
		Label:      "f",
		ModuleFile: writeModel(t, modelYAML),
		NumOutput:  numOutput,
	}, action)
	require.NoError(t, err)
	return b, action
}

func component(t *testing.T, a *host.Action, name string) *host.Value {
	t.Helper()
	v, ok := a.Component(name)
	require.True(t, ok, "component %s", name)
	return v
}

func TestFunctionSumAndProduct(t *testing.T) {
	b, action := newFunction(t, sumProductModel, 2, 2)
	assert.Equal(t, []string{"output-0", "output-1"}, b.ComponentNames())

	require.NoError(t, action.SetArguments([]float64{2, 3}))
	require.NoError(t, b.Calculate(context.Background()))

	sum := component(t, &action.Action, "output-0")
	assert.Equal(t, 5.0, sum.Get())
	assert.Equal(t, []float64{1, 1}, sum.Derivatives())

	product := component(t, &action.Action, "output-1")
	assert.Equal(t, 6.0, product.Get())
	assert.Equal(t, []float64{3, 2}, product.Derivatives())
}

func TestFunctionNoGradientLeakage(t *testing.T) {
	b, action := newFunction(t, identityModel, 3, 3)

	require.NoError(t, action.SetArguments([]float64{0.5, -1, 2}))
	require.NoError(t, b.Calculate(context.Background()))

	for i, want := range [][]float64{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}} {
		v := component(t, &action.Action, b.ComponentNames()[i])
		assert.Equal(t, want, v.Derivatives(), "output-%d", i)
	}
}

func TestFunctionDisconnectedOutputIsZero(t *testing.T) {
	b, action := newFunction(t, constantBranchModel, 2, 2)

	require.NoError(t, action.SetArguments([]float64{3, 1}))
	require.NoError(t, b.Calculate(context.Background()))

	square := component(t, &action.Action, "output-0")
	assert.Equal(t, 9.0, square.Get())
	assert.Equal(t, []float64{6, 0}, square.Derivatives())

	constant := component(t, &action.Action, "output-1")
	assert.Equal(t, 4.0, constant.Get())
	assert.Equal(t, []float64{0, 0}, constant.Derivatives())
}

func TestFunctionUndefinedGradientIsZeroFilled(t *testing.T) {
	b, action := newFunction(t, constantModel, 2, 1)

	v := component(t, &action.Action, "output-0")
	v.SetDerivative(0, 99)
	v.SetDerivative(1, -99)

	for step := 0; step < 3; step++ {
		require.NoError(t, action.SetArguments([]float64{float64(step), 1}))
		require.NoError(t, b.Calculate(context.Background()))
		assert.Equal(t, 7.0, v.Get())
		assert.Equal(t, []float64{0, 0}, v.Derivatives())
	}
}

func TestFunctionShapeMismatchEveryStep(t *testing.T) {
	b, action := newFunction(t, sumProductModel, 2, 3)
	require.NoError(t, action.SetArguments([]float64{2, 3}))

	for step := 0; step < 2; step++ {
		err := b.Calculate(context.Background())
		require.Error(t, err)

		var shapeErr *bridge.ShapeMismatchError
		require.True(t, errors.As(err, &shapeErr), "step %d: got %v", step, err)
		assert.Equal(t, 3, shapeErr.Want)
		assert.Equal(t, []int{2}, shapeErr.Got)
	}
}

func TestFunctionIsDeterministic(t *testing.T) {
	b, action := newFunction(t, sumProductModel, 2, 2)
	require.NoError(t, action.SetArguments([]float64{0.1, 0.7}))

	snapshot := func() [][]float64 {
		var out [][]float64
		for _, v := range action.Components() {
			out = append(out, append([]float64{v.Get()}, v.Derivatives()...))
		}
		return out
	}

	require.NoError(t, b.Calculate(context.Background()))
	first := snapshot()
	require.NoError(t, b.Calculate(context.Background()))
	assert.Equal(t, first, snapshot())
}

func TestFunctionSetupErrors(t *testing.T) {
	ctx := context.Background()

	_, err := bridge.NewFunction(ctx, bridge.Config{Label: "f", ModuleFile: filepath.Join(t.TempDir(), "missing.pt"), NumOutput: 1}, host.NewFunctionAction("f", 2))
	var loadErr *model.LoadError
	assert.True(t, errors.As(err, &loadErr), "expected LoadError, got %v", err)

	path := writeModel(t, sumProductModel)
	_, err = bridge.NewFunction(ctx, bridge.Config{Label: "f", ModuleFile: path, NumOutput: 0}, host.NewFunctionAction("f", 2))
	assert.ErrorContains(t, err, "NUM_OUTPUT must be positive")

	_, err = bridge.NewFunction(ctx, bridge.Config{Label: "f", ModuleFile: path, NumOutput: 2}, host.NewFunctionAction("f", 3))
	assert.ErrorContains(t, err, "expects input shape [2], got [3]")

	_, err = bridge.NewFunction(ctx, bridge.Config{Label: "f", Action: bridge.ActionColvar, ModuleFile: path, NumOutput: 2}, host.NewFunctionAction("f", 2))
	assert.Error(t, err)
}

func TestFunctionActionsShareProtocol(t *testing.T) {
	for _, name := range bridge.FunctionActions {
		t.Run(name, func(t *testing.T) {
			action := host.NewFunctionAction("f", 2)
			b, err := bridge.NewFunction(context.Background(), bridge.Config{
				Label:      "f",
				Action:     name,
				ModuleFile: writeModel(t, sumProductModel),
				NumOutput:  2,
			}, action)
			require.NoError(t, err)

			require.NoError(t, action.SetArguments([]float64{2, 3}))
			require.NoError(t, b.Calculate(context.Background()))
			assert.Equal(t, []float64{3, 2}, component(t, &action.Action, "output-1").Derivatives())
		})
	}
}

func newColvar(t *testing.T, modelYAML string, numAtoms int) (*bridge.Bridge, *host.ColvarAction) {
	t.Helper()
	action := host.NewColvarAction("cv", numAtoms)
	b, err := bridge.NewColvar(context.Background(), bridge.Config{
		Label:      "cv",
		ModuleFile: writeModel(t, modelYAML),
		NumOutput:  1,
	}, action)
	require.NoError(t, err)
	return b, action
}

func TestColvarDistance(t *testing.T) {
	b, action := newColvar(t, distanceModel, 2)

	require.NoError(t, action.SetPositions([]bridge.Vector{{0, 0, 0}, {1, 0, 0}}))
	require.NoError(t, b.Calculate(context.Background()))

	v := component(t, &action.Action, "output-0")
	assert.Equal(t, 1.0, v.Get())
	assert.Equal(t, []float64{-1, 0, 0, 1, 0, 0}, v.Derivatives())
	assert.True(t, action.BoxDerivativesNoPBC())
}

func TestColvarPermutationPermutesDerivatives(t *testing.T) {
	positions := []bridge.Vector{{1, 2, 0.5}, {-1, 0.25, 3}, {2, -2, 1}}
	permutation := []int{2, 0, 1}

	b, action := newColvar(t, cubeSumModel, 3)
	require.NoError(t, action.SetPositions(positions))
	require.NoError(t, b.Calculate(context.Background()))
	v := component(t, &action.Action, "output-0")
	value := v.Get()
	derivatives := v.Derivatives()

	// Particle j moves to index permutation[j].
	permuted := make([]bridge.Vector, len(positions))
	for j, p := range positions {
		permuted[permutation[j]] = p
	}
	require.NoError(t, action.SetPositions(permuted))
	require.NoError(t, b.Calculate(context.Background()))

	assert.Equal(t, value, v.Get())
	got := v.Derivatives()
	for j := range positions {
		for c := 0; c < 3; c++ {
			assert.Equal(t, derivatives[3*j+c], got[3*permutation[j]+c], "particle %d coordinate %d", j, c)
		}
	}
	assert.Equal(t, []float64{3, 12, 0.75}, derivatives[0:3])
}

func TestColvarRejectsScalarModel(t *testing.T) {
	const scalarOutput = `
tensors:
  - {id: 1, input: {dimensions: [1, -1, 3]}}
  - {id: 2, computation: {op: sum, sources: [1]}}
output: 2
`
	b, action := newColvar(t, scalarOutput, 2)
	require.NoError(t, action.SetPositions([]bridge.Vector{{0, 0, 0}, {1, 1, 1}}))

	err := b.Calculate(context.Background())
	var shapeErr *bridge.ShapeMismatchError
	require.True(t, errors.As(err, &shapeErr), "got %v", err)
	assert.Equal(t, 1, shapeErr.Want)
}
