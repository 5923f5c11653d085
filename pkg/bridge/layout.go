package bridge

import (
	"fmt"
	"slices"
)

// layout is how host state is packed into the differentiation root and how the root
// gradient is unpacked into derivative slots.
type layout interface {
	// rootShape is the shape of the values built by assemble.
	rootShape() []int
	numDerivatives() int
	// assemble returns the root values in row-major order, in double precision.
	assemble() ([]float64, error)
	// outputs maps the model output shape to the shape the declared outputs are read
	// from. The outputs are its leading elements in row-major order.
	outputs(shape []int) ([]int, error)
	scatter(c Component, grad []float64)
	// finish runs once per step after all components are published.
	finish()
}

// scalarLayout feeds N scalar arguments as a vector of shape [N].
type scalarLayout struct {
	args ArgumentSource
}

func (l *scalarLayout) rootShape() []int {
	return []int{l.args.NumberOfArguments()}
}

func (l *scalarLayout) numDerivatives() int {
	return l.args.NumberOfArguments()
}

func (l *scalarLayout) assemble() ([]float64, error) {
	values := make([]float64, l.args.NumberOfArguments())
	for i := range values {
		values[i] = l.args.Argument(i)
	}
	return values, nil
}

func (l *scalarLayout) outputs(shape []int) ([]int, error) {
	return shape, nil
}

func (l *scalarLayout) scatter(c Component, grad []float64) {
	for j, v := range grad {
		c.SetDerivative(j, v)
	}
}

func (l *scalarLayout) finish() {}

// cartesianLayout feeds the positions of M particles as a [1, M, 3] tensor.
type cartesianLayout struct {
	atoms    AtomSource
	numAtoms int
}

func (l *cartesianLayout) rootShape() []int {
	return []int{1, l.numAtoms, 3}
}

func (l *cartesianLayout) numDerivatives() int {
	return 3 * l.numAtoms
}

func (l *cartesianLayout) assemble() ([]float64, error) {
	positions := l.atoms.Positions()
	if len(positions) != l.numAtoms {
		return nil, fmt.Errorf("host returned %d positions, expected %d", len(positions), l.numAtoms)
	}
	values := make([]float64, 0, 3*l.numAtoms)
	for _, p := range positions {
		values = append(values, p[0], p[1], p[2])
	}
	return values, nil
}

// outputs reads the first entry along the batch dimension of the model output.
func (l *cartesianLayout) outputs(shape []int) ([]int, error) {
	if len(shape) == 0 {
		return nil, &ShapeMismatchError{Got: shape}
	}
	return slices.Clone(shape[1:]), nil
}

// scatter maps grad[0][j][c] to derivative slot 3j+c.
func (l *cartesianLayout) scatter(c Component, grad []float64) {
	for j := 0; j < l.numAtoms; j++ {
		for k := 0; k < 3; k++ {
			c.SetDerivative(3*j+k, grad[3*j+k])
		}
	}
}

func (l *cartesianLayout) finish() {
	l.atoms.SetBoxDerivativesNoPBC()
}
