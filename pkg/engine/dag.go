package engine

import (
	"fmt"
	"slices"
)

// BuildDAG returns an evaluation order for the wanted tensors and their ancestors.
// Tensors that no wanted tensor depends on are left out.
func BuildDAG(scope Scope, wantTensors []TensorID) ([]TensorID, error) {
	allTensors := scope.AllTensors()

	needed := make(map[TensorID]bool)
	stack := slices.Clone(wantTensors)
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if needed[id] {
			continue
		}
		tensor, found := allTensors[id]
		if !found {
			return nil, fmt.Errorf("tensor %d not found", id)
		}
		needed[id] = true
		stack = append(stack, tensor.Dependencies()...)
	}

	// Sorted so the evaluation order does not depend on map iteration.
	candidates := make([]TensorID, 0, len(needed))
	for id := range needed {
		candidates = append(candidates, id)
	}
	slices.Sort(candidates)

	evaluationOrder := make([]TensorID, 0, len(candidates))
	done := make(map[TensorID]bool)

	for {
		progress := false
		for _, id := range candidates {
			if done[id] {
				continue
			}

			ready := true
			for _, dep := range allTensors[id].Dependencies() {
				if !done[dep] {
					ready = false
					break
				}
			}
			if ready {
				done[id] = true
				evaluationOrder = append(evaluationOrder, id)
				progress = true
			}
		}
		if !progress {
			break
		}
	}

	for _, id := range wantTensors {
		if !done[id] {
			return nil, fmt.Errorf("tensor %d could not be computed (unreachable in computation graph)", id)
		}
	}

	return evaluationOrder, nil
}
