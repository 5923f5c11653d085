package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/gorgonia"

	api "github.com/zwpku/torchann-plumed/api/v1alpha1"
)

type fakeTensor struct {
	id   TensorID
	deps []TensorID
}

func (f *fakeTensor) TensorID() TensorID            { return f.id }
func (f *fakeTensor) Dependencies() []TensorID      { return f.deps }
func (f *fakeTensor) Value() (*gorgonia.Node, bool) { return nil, false }
func (f *fakeTensor) DependsOnInput() bool          { return false }

type fakeScope map[TensorID]Tensor

func (s fakeScope) Close() error                             { return nil }
func (s fakeScope) RegisterTensors([]*api.Tensor) error      { return nil }
func (s fakeScope) BindInput(TensorID, *gorgonia.Node) error { return nil }
func (s fakeScope) AllTensors() map[TensorID]Tensor          { return s }
func (s fakeScope) Evaluate([]TensorID) error                { return nil }

func newFakeScope(edges map[TensorID][]TensorID) fakeScope {
	s := fakeScope{}
	for id, deps := range edges {
		s[id] = &fakeTensor{id: id, deps: deps}
	}
	return s
}

func TestBuildDAGOrdersDependenciesFirst(t *testing.T) {
	scope := newFakeScope(map[TensorID][]TensorID{
		1: nil,
		2: {1},
		3: {1},
		4: {3, 2},
		5: {4},
	})

	order, err := BuildDAG(scope, []TensorID{5})
	require.NoError(t, err)
	assert.Equal(t, []TensorID{1, 2, 3, 4, 5}, order)
}

func TestBuildDAGSkipsTensorsNotNeeded(t *testing.T) {
	scope := newFakeScope(map[TensorID][]TensorID{
		1: nil,
		2: {1},
		3: {1},
		// 9 depends on a tensor that does not exist, but nothing wants it.
		9: {99},
	})

	order, err := BuildDAG(scope, []TensorID{2})
	require.NoError(t, err)
	assert.Equal(t, []TensorID{1, 2}, order)
}

func TestBuildDAGReportsCycles(t *testing.T) {
	scope := newFakeScope(map[TensorID][]TensorID{
		1: nil,
		2: {1, 3},
		3: {2},
	})

	_, err := BuildDAG(scope, []TensorID{3})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unreachable")
}

func TestBuildDAGMissingTensor(t *testing.T) {
	scope := newFakeScope(map[TensorID][]TensorID{
		2: {1},
	})

	_, err := BuildDAG(scope, []TensorID{2})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tensor 1 not found")
}
