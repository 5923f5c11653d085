package model

import (
	"errors"
	"fmt"
	"slices"

	"gorgonia.org/gorgonia"

	"github.com/zwpku/torchann-plumed/pkg/engine/exprgraph"
)

var errPassUsed = errors.New("pass already ran")

// Pass is one lowered forward evaluation. It runs at most once.
type Pass struct {
	graph          *gorgonia.ExprGraph
	input          *gorgonia.Node
	output         *gorgonia.Node
	dependsOnInput bool
	ran            bool
}

// Result holds leading elements of the flattened model output and, for each, its
// gradient with respect to the input. A nil gradient means the element is not a function
// of the input.
type Result struct {
	Values    []float64
	Gradients [][]float64
}

// OutputShape is the shape of the model output; empty for a scalar.
func (p *Pass) OutputShape() []int {
	if p.output.IsScalar() {
		return []int{}
	}
	return slices.Clone([]int(p.output.Shape()))
}

// Run computes the first n elements of the flattened output and their gradients.
// Gradients are derived symbolically before anything runs, and a single tape machine run
// evaluates the forward values and every gradient together.
func (p *Pass) Run(n int) (*Result, error) {
	if p.ran {
		return nil, errPassUsed
	}
	p.ran = true

	size := numElements(p.OutputShape())
	if n < 0 || n > size {
		return nil, fmt.Errorf("cannot read %d values from an output of shape %v", n, p.OutputShape())
	}

	flat := p.output
	if !flat.IsScalar() && flat.Dims() != 1 {
		var err error
		if flat, err = gorgonia.Reshape(flat, []int{size}); err != nil {
			return nil, err
		}
	}

	elements := make([]*gorgonia.Node, n)
	gradients := make([]*gorgonia.Node, n)
	for i := range elements {
		if flat.IsScalar() {
			elements[i] = flat
		} else {
			element, err := gorgonia.Slice(flat, gorgonia.S(i))
			if err != nil {
				return nil, err
			}
			elements[i] = element
		}
		if !p.dependsOnInput {
			continue
		}
		grads, err := gorgonia.Grad(elements[i], p.input)
		if err != nil {
			return nil, fmt.Errorf("differentiating output element %d: %w", i, err)
		}
		gradients[i] = grads[0]
	}

	vm := gorgonia.NewTapeMachine(p.graph)
	defer vm.Close()
	if err := vm.RunAll(); err != nil {
		return nil, err
	}

	result := &Result{
		Values:    make([]float64, n),
		Gradients: make([][]float64, n),
	}
	for i, element := range elements {
		values, err := exprgraph.Float64s(element.Value())
		if err != nil {
			return nil, fmt.Errorf("output element %d: %w", i, err)
		}
		result.Values[i] = values[0]
		if gradients[i] == nil {
			continue
		}
		if result.Gradients[i], err = exprgraph.Float64s(gradients[i].Value()); err != nil {
			return nil, fmt.Errorf("gradient of output element %d: %w", i, err)
		}
	}
	return result, nil
}

func numElements(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}
