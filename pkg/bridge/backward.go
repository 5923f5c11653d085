package bridge

import (
	"errors"
	"fmt"
	"slices"

	"github.com/zwpku/torchann-plumed/pkg/model"
)

var errOutOfOrder = errors.New("outputs must be evaluated once each, in ascending order")

// ErrGraphReleased is returned by a backward pass through a tape whose graph was released
// by an earlier pass.
var ErrGraphReleased = errors.New("backward through a released graph")

// outputState tracks one output through a step: PENDING, then EVALUATED once its backward
// pass ran, then PUBLISHED once its value and derivatives were written to the host.
type outputState int

const (
	pending outputState = iota
	evaluated
	published
)

func (s outputState) String() string {
	switch s {
	case pending:
		return "PENDING"
	case evaluated:
		return "EVALUATED"
	case published:
		return "PUBLISHED"
	default:
		return fmt.Sprintf("outputState(%d)", int(s))
	}
}

// gradient is the result of reading the root gradient after a backward pass. A gradient
// that was never reached by any backward pass is absent rather than zero.
type gradient struct {
	values  []float64
	present bool
}

func someGradient(values []float64) gradient {
	return gradient{values: values, present: true}
}

func noGradient() gradient {
	return gradient{}
}

// Get returns the values and whether they are present.
func (g gradient) Get() ([]float64, bool) {
	return g.values, g.present
}

// rootGradient is the gradient slot of the differentiation root. Backward passes
// accumulate into it. It stays undefined until a pass reaches the root.
type rootGradient struct {
	values  []float64
	defined bool
}

func (r *rootGradient) accumulate(grad []float64) {
	if !r.defined {
		r.values = make([]float64, len(grad))
		r.defined = true
	}
	for j, v := range grad {
		r.values[j] += v
	}
}

func (r *rootGradient) zero() {
	clear(r.values)
}

func (r *rootGradient) get() ([]float64, bool) {
	return r.values, r.defined
}

// tape replays the per-output gradients of one forward pass as backward passes. The last
// pass that does not retain the graph releases it.
type tape struct {
	result   *model.Result
	released bool
}

func (t *tape) backward(i int, retainGraph bool, root *rootGradient) error {
	if t.released {
		return ErrGraphReleased
	}
	if i < 0 || i >= len(t.result.Values) {
		return fmt.Errorf("no output %d in a result of %d", i, len(t.result.Values))
	}
	if grad := t.result.Gradients[i]; grad != nil {
		root.accumulate(grad)
	}
	if !retainGraph {
		t.released = true
	}
	return nil
}

// outputPass runs the backward passes of one step.
//
// Output i may only be evaluated after outputs 0..i-1 were published. The graph is
// retained for every backward pass except the one of the last output, which releases it.
// Before each backward pass after the first, the root gradient is reset if it exists,
// because backward accumulates into it.
type outputPass struct {
	tape   *tape
	root   rootGradient
	states []outputState
}

func newOutputPass(result *model.Result, count int) *outputPass {
	return newOutputPassOn(&tape{result: result}, count)
}

func newOutputPassOn(t *tape, count int) *outputPass {
	return &outputPass{
		tape:   t,
		states: make([]outputState, count),
	}
}

func (p *outputPass) last() int {
	return len(p.states) - 1
}

// evaluate moves output i from PENDING to EVALUATED.
func (p *outputPass) evaluate(i int) (gradient, error) {
	if i < 0 || i > p.last() || p.states[i] != pending || (i > 0 && p.states[i-1] != published) {
		return noGradient(), &ReentrantBackwardError{Output: i, Err: errOutOfOrder}
	}

	if i > 0 {
		if _, ok := p.root.get(); ok {
			p.root.zero()
		}
	}

	retainGraph := i < p.last()
	if err := p.tape.backward(i, retainGraph, &p.root); err != nil {
		if errors.Is(err, ErrGraphReleased) {
			return noGradient(), &ReentrantBackwardError{Output: i, Err: err}
		}
		return noGradient(), fmt.Errorf("backward pass for %s: %w", componentName(i), err)
	}
	backwardPasses.Inc()
	p.states[i] = evaluated

	if g, ok := p.root.get(); ok {
		return someGradient(slices.Clone(g)), nil
	}
	return noGradient(), nil
}

// publish moves output i from EVALUATED to PUBLISHED. An absent gradient is published as
// zeros.
func (p *outputPass) publish(i int, c Component, g gradient, numDerivatives int, scatter func(c Component, grad []float64)) error {
	if p.states[i] != evaluated {
		return fmt.Errorf("%s is %v, cannot publish", componentName(i), p.states[i])
	}

	switch values, ok := g.Get(); {
	case ok:
		scatter(c, values)
	default:
		undefinedGradients.Inc()
		scatter(c, make([]float64, numDerivatives))
	}
	c.Set(p.tape.result.Values[i])

	p.states[i] = published
	return nil
}
