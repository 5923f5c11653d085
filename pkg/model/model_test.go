package model

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"

	api "github.com/zwpku/torchann-plumed/api/v1alpha1"
)

func TestLoad(t *testing.T) {
	m, err := Load(context.Background(), "testdata/sum_product.yaml")
	require.NoError(t, err)

	assert.Equal(t, "testdata/sum_product.yaml", m.Path())
	assert.Equal(t, "sum-product", m.Name())
	assert.Equal(t, tensor.Float64, m.DType())
	assert.Equal(t, []int{2}, m.InputShape())
	assert.Equal(t, 0, m.NumParameters())
	assert.Equal(t, "sum and product of two arguments", m.Metadata()["description"])
}

func TestLoadBinary(t *testing.T) {
	src, err := os.ReadFile("testdata/sum_product.yaml")
	require.NoError(t, err)
	g, err := api.Decode(src, api.FormatYAML)
	require.NoError(t, err)
	data, err := api.Encode(g, api.FormatBinary)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "sum_product.pb")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	m, err := Load(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, "sum-product", m.Name())
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()
	corrupt := filepath.Join(dir, "corrupt.pb")
	require.NoError(t, os.WriteFile(corrupt, []byte{0x0a, 0xff, 0x01}, 0o644))
	invalid := filepath.Join(dir, "invalid.yaml")
	require.NoError(t, os.WriteFile(invalid, []byte("tensors: []\noutput: 3\n"), 0o644))

	for _, path := range []string{filepath.Join(dir, "missing.pt"), corrupt, invalid} {
		_, err := Load(context.Background(), path)
		require.Error(t, err, path)

		var loadErr *LoadError
		require.True(t, errors.As(err, &loadErr), "%s: expected a LoadError, got %T", path, err)
		assert.Equal(t, path, loadErr.Path)
	}
}

func TestForward(t *testing.T) {
	m, err := Load(context.Background(), "testdata/sum_product.yaml")
	require.NoError(t, err)

	pass, err := m.Forward([]float64{2, 3}, []int{2})
	require.NoError(t, err)
	assert.Equal(t, []int{2}, pass.OutputShape())

	result, err := pass.Run(2)
	require.NoError(t, err)
	assert.Equal(t, []float64{5, 6}, result.Values)
	assert.Equal(t, [][]float64{{1, 1}, {3, 2}}, result.Gradients)

	_, err = pass.Run(2)
	assert.Error(t, err, "a pass runs once")
}

func TestForwardPreconditions(t *testing.T) {
	m, err := Load(context.Background(), "testdata/sum_product.yaml")
	require.NoError(t, err)

	_, err = m.Forward([]float64{1, 2, 3}, []int{3})
	assert.ErrorContains(t, err, "expects input shape [2], got [3]")

	_, err = m.Forward([]float64{1}, []int{2})
	assert.ErrorContains(t, err, "needs 2 values")

	pass, err := m.Forward([]float64{1, 2}, []int{2})
	require.NoError(t, err)
	_, err = pass.Run(3)
	assert.Error(t, err)
}

func TestForwardFreeDimension(t *testing.T) {
	m, err := New(&api.Graph{
		Tensors: []*api.Tensor{
			{Id: 1, Input: &api.Placeholder{Dimensions: []int32{1, -1, 3}}},
			{Id: 2, Computation: &api.TensorOperation{Op: api.OpSum, Sources: []int32{1}}},
		},
		Output: 2,
	})
	require.NoError(t, err)
	assert.Equal(t, tensor.Float32, m.DType())

	for _, atoms := range []int{1, 4} {
		pass, err := m.Forward(make([]float64, atoms*3), []int{1, atoms, 3})
		require.NoError(t, err)
		assert.Equal(t, []int{}, pass.OutputShape())

		result, err := pass.Run(1)
		require.NoError(t, err)
		assert.Len(t, result.Gradients[0], atoms*3)
	}
}

func TestForwardConstantOutputHasNoGradient(t *testing.T) {
	m, err := New(&api.Graph{
		DType: "float64",
		Tensors: []*api.Tensor{
			{Id: 1, Input: &api.Placeholder{Dimensions: []int32{2}}},
			{Id: 2, InlineData: &api.InlineData{Dimensions: []int32{2}, Values: []float64{7, 8}}},
		},
		Output: 2,
	})
	require.NoError(t, err)

	pass, err := m.Forward([]float64{1, 2}, []int{2})
	require.NoError(t, err)
	result, err := pass.Run(2)
	require.NoError(t, err)
	assert.Equal(t, []float64{7, 8}, result.Values)
	assert.Equal(t, [][]float64{nil, nil}, result.Gradients)
}

// Every output gradient of a small network matches central finite differences.
func TestForwardMatchesFiniteDifferences(t *testing.T) {
	m, err := New(&api.Graph{
		DType: "float64",
		Tensors: []*api.Tensor{
			{Id: 1, Input: &api.Placeholder{Dimensions: []int32{3}}},
			{Id: 2, InlineData: &api.InlineData{Dimensions: []int32{2, 3}, Values: []float64{0.2, -0.5, 1, 0.7, 0.1, -0.3}, RequiresGrad: true}},
			{Id: 3, InlineData: &api.InlineData{Dimensions: []int32{2}, Values: []float64{0.1, -0.2}, RequiresGrad: true}},
			{Id: 4, Computation: &api.TensorOperation{Op: api.OpMatMul, Sources: []int32{2, 1}}},
			{Id: 5, Computation: &api.TensorOperation{Op: api.OpAdd, Sources: []int32{4, 3}}},
			{Id: 6, Computation: &api.TensorOperation{Op: api.OpSigmoid, Sources: []int32{5}}},
			{Id: 7, Computation: &api.TensorOperation{Op: api.OpSin, Sources: []int32{1}}},
			{Id: 8, Computation: &api.TensorOperation{Op: api.OpSum, Sources: []int32{7}}},
			{Id: 9, Computation: &api.TensorOperation{Op: api.OpReshape, Sources: []int32{8}, Shape: []int32{1}}},
			{Id: 10, Computation: &api.TensorOperation{Op: api.OpCat, Sources: []int32{6, 9}}},
		},
		Output: 10,
	})
	require.NoError(t, err)
	assert.Equal(t, 8, m.NumParameters())

	x := []float64{0.4, -1.1, 0.9}
	evaluate := func(x []float64) *Result {
		pass, err := m.Forward(x, []int{3})
		require.NoError(t, err)
		result, err := pass.Run(3)
		require.NoError(t, err)
		return result
	}

	result := evaluate(x)
	const h = 1e-6
	for i := 0; i < 3; i++ {
		require.Len(t, result.Gradients[i], 3)
		for j := range x {
			plus, minus := slices.Clone(x), slices.Clone(x)
			plus[j] += h
			minus[j] -= h
			want := (evaluate(plus).Values[i] - evaluate(minus).Values[i]) / (2 * h)
			assert.InDelta(t, want, result.Gradients[i][j], 1e-6, "d output-%d / d x%d", i, j)
		}
	}
}
