package bridge

// Vector is a Cartesian position.
type Vector [3]float64

// Component is a host-owned output slot holding one value and its derivatives.
type Component interface {
	Name() string
	Set(value float64)
	SetDerivative(j int, value float64)
}

// ComponentHost creates the output slots of an action. It is called once per component
// during setup.
type ComponentHost interface {
	AddComponentWithDerivatives(name string) (Component, error)
}

// ArgumentSource provides the current values of N scalar arguments, in a stable order.
type ArgumentSource interface {
	NumberOfArguments() int
	Argument(i int) float64
}

// AtomSource provides the positions of the requested particles.
type AtomSource interface {
	TotalAtoms() int
	// RequestAtoms fixes the particle set; Positions returns them in this order.
	RequestAtoms(indices []int) error
	Positions() []Vector
	// SetBoxDerivativesNoPBC declares that the components do not depend on the cell.
	SetBoxDerivativesNoPBC()
}

// FunctionHost is the host of the scalar-argument actions.
type FunctionHost interface {
	ComponentHost
	ArgumentSource
}

// ColvarHost is the host of the Cartesian action.
type ColvarHost interface {
	ComponentHost
	AtomSource
}
