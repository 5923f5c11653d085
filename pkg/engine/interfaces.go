package engine

import (
	"io"

	"gorgonia.org/gorgonia"

	api "github.com/zwpku/torchann-plumed/api/v1alpha1"
)

type TensorID int32

// Scope lowers the tensors of a single forward pass onto an expression graph.
type Scope interface {
	io.Closer

	RegisterTensors(tensors []*api.Tensor) error
	// BindInput supplies the node standing for the graph's input placeholder.
	BindInput(id TensorID, value *gorgonia.Node) error
	AllTensors() map[TensorID]Tensor
	Evaluate(wantTensors []TensorID) error
}

type Tensor interface {
	TensorID() TensorID
	Dependencies() []TensorID
	// Value is the expression node, available once the scope has evaluated it.
	Value() (*gorgonia.Node, bool)
	// DependsOnInput reports whether the value is a function of the bound input.
	DependsOnInput() bool
}
