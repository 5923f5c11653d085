// Package host is an in-process implementation of the simulation-engine side of the bridge:
// component storage, argument values and particle positions.
package host

import (
	"fmt"
	"slices"
	"strings"

	"github.com/zwpku/torchann-plumed/pkg/bridge"
)

// Value is a component: a scalar value and its derivatives with respect to the action's
// degrees of freedom.
type Value struct {
	name        string
	value       float64
	derivatives []float64
}

func newValue(name string, numDerivatives int) *Value {
	return &Value{
		name:        name,
		derivatives: make([]float64, numDerivatives),
	}
}

func (v *Value) Name() string {
	return v.name
}

func (v *Value) Set(value float64) {
	v.value = value
}

func (v *Value) Get() float64 {
	return v.value
}

// SetDerivative panics if j is outside the action's degrees of freedom.
func (v *Value) SetDerivative(j int, value float64) {
	v.derivatives[j] = value
}

func (v *Value) Derivatives() []float64 {
	return slices.Clone(v.derivatives)
}

// Action holds the components of one labelled action.
type Action struct {
	label          string
	numDerivatives int
	components     []*Value
}

func (a *Action) Label() string {
	return a.label
}

func (a *Action) AddComponentWithDerivatives(name string) (bridge.Component, error) {
	if _, found := a.Component(name); found {
		return nil, fmt.Errorf("component %s.%s already exists", a.label, name)
	}
	v := newValue(name, a.numDerivatives)
	a.components = append(a.components, v)
	return v, nil
}

// Component looks up a component by its short name, e.g. "output-0".
func (a *Action) Component(name string) (*Value, bool) {
	for _, v := range a.components {
		if v.name == name {
			return v, true
		}
	}
	return nil, false
}

func (a *Action) Components() []*Value {
	return slices.Clone(a.components)
}

// FunctionAction takes a fixed number of scalar arguments.
type FunctionAction struct {
	Action
	args []float64
}

var _ bridge.FunctionHost = &FunctionAction{}

func NewFunctionAction(label string, numArgs int) *FunctionAction {
	return &FunctionAction{
		Action: Action{label: label, numDerivatives: numArgs},
		args:   make([]float64, numArgs),
	}
}

// SetArguments sets the argument values for the next step.
func (a *FunctionAction) SetArguments(values []float64) error {
	if len(values) != len(a.args) {
		return fmt.Errorf("%s: expected %d arguments, got %d", a.label, len(a.args), len(values))
	}
	copy(a.args, values)
	return nil
}

func (a *FunctionAction) NumberOfArguments() int {
	return len(a.args)
}

func (a *FunctionAction) Argument(i int) float64 {
	return a.args[i]
}

// ColvarAction reads the positions of particles of the system.
type ColvarAction struct {
	Action
	system    []bridge.Vector
	requested []int

	boxDerivativesNoPBC bool
}

var _ bridge.ColvarHost = &ColvarAction{}

func NewColvarAction(label string, numAtoms int) *ColvarAction {
	return &ColvarAction{
		Action: Action{label: label},
		system: make([]bridge.Vector, numAtoms),
	}
}

func (a *ColvarAction) TotalAtoms() int {
	return len(a.system)
}

func (a *ColvarAction) RequestAtoms(indices []int) error {
	if len(a.components) != 0 {
		return fmt.Errorf("%s: atoms must be requested before components are created", a.label)
	}
	for _, i := range indices {
		if i < 0 || i >= len(a.system) {
			return fmt.Errorf("%s: atom %d out of range, system has %d atoms", a.label, i, len(a.system))
		}
	}
	a.requested = slices.Clone(indices)
	a.numDerivatives = 3 * len(indices)
	return nil
}

// SetPositions sets the positions of all particles of the system for the next step.
func (a *ColvarAction) SetPositions(positions []bridge.Vector) error {
	if len(positions) != len(a.system) {
		return fmt.Errorf("%s: expected %d positions, got %d", a.label, len(a.system), len(positions))
	}
	copy(a.system, positions)
	a.boxDerivativesNoPBC = false
	return nil
}

// Positions returns the requested particles in request order.
func (a *ColvarAction) Positions() []bridge.Vector {
	out := make([]bridge.Vector, len(a.requested))
	for i, idx := range a.requested {
		out[i] = a.system[idx]
	}
	return out
}

func (a *ColvarAction) SetBoxDerivativesNoPBC() {
	a.boxDerivativesNoPBC = true
}

// BoxDerivativesNoPBC reports whether the last step declared no cell dependency.
func (a *ColvarAction) BoxDerivativesNoPBC() bool {
	return a.boxDerivativesNoPBC
}

// Registry resolves component references of the form "label.component".
type Registry struct {
	actions []*Action
}

func (r *Registry) Add(a *Action) error {
	for _, existing := range r.actions {
		if existing.label == a.label {
			return fmt.Errorf("duplicate action label %q", a.label)
		}
	}
	r.actions = append(r.actions, a)
	return nil
}

// Lookup finds "label.output-i".
func (r *Registry) Lookup(ref string) (*Value, error) {
	label, name, ok := strings.Cut(ref, ".")
	if !ok {
		return nil, fmt.Errorf("reference %q is not of the form label.component", ref)
	}
	for _, a := range r.actions {
		if a.label != label {
			continue
		}
		if v, found := a.Component(name); found {
			return v, nil
		}
		return nil, fmt.Errorf("action %q has no component %q", label, name)
	}
	return nil, fmt.Errorf("no action labelled %q", label)
}
