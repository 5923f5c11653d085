package exprgraph

import (
	"gorgonia.org/gorgonia"

	api "github.com/zwpku/torchann-plumed/api/v1alpha1"
	"github.com/zwpku/torchann-plumed/pkg/engine"
)

type node struct {
	id         TensorID
	definition *api.Tensor

	// value is nil until the tensor is bound or lowered.
	value          *gorgonia.Node
	dependsOnInput bool

	dependencies []TensorID
}

func newNode(definition *api.Tensor) *node {
	t := &node{
		id:         TensorID(definition.GetId()),
		definition: definition,
	}
	if computation := definition.GetComputation(); computation != nil {
		t.dependencies = append(t.dependencies, engine.GetDependencies(computation)...)
	}
	return t
}

func (t *node) Value() (*gorgonia.Node, bool) {
	return t.value, t.value != nil
}

func (t *node) DependsOnInput() bool {
	return t.dependsOnInput
}

func (t *node) Dependencies() []TensorID {
	return t.dependencies
}

func (t *node) TensorID() TensorID {
	return t.id
}
