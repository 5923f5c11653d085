package engine

import (
	"fmt"

	"gorgonia.org/gorgonia"

	api "github.com/zwpku/torchann-plumed/api/v1alpha1"
)

// Evaluate lowers graph onto scope with input bound to the input placeholder, and returns
// the output tensor. The scope must be fresh; it is not closed.
func Evaluate(scope Scope, graph *api.Graph, input *gorgonia.Node) (Tensor, error) {
	if err := scope.RegisterTensors(graph.GetTensors()); err != nil {
		return nil, err
	}

	inputTensor := graph.InputTensor()
	if inputTensor == nil {
		return nil, fmt.Errorf("graph has no input tensor")
	}
	if err := scope.BindInput(TensorID(inputTensor.GetId()), input); err != nil {
		return nil, err
	}

	outputID := TensorID(graph.GetOutput())
	if err := scope.Evaluate([]TensorID{outputID}); err != nil {
		return nil, err
	}

	output, found := scope.AllTensors()[outputID]
	if !found {
		return nil, fmt.Errorf("tensor %d not found", outputID)
	}
	if _, ok := output.Value(); !ok {
		return nil, fmt.Errorf("tensor %d was not evaluated", outputID)
	}
	return output, nil
}

func GetDependencies(computation *api.TensorOperation) []TensorID {
	return toTensorIDs(computation.GetSources())
}

func toTensorIDs(ids []int32) []TensorID {
	tensorIDs := make([]TensorID, len(ids))
	for i, id := range ids {
		tensorIDs[i] = TensorID(id)
	}
	return tensorIDs
}
