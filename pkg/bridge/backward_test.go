package bridge

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zwpku/torchann-plumed/pkg/model"
)

type recordingComponent struct {
	value       float64
	derivatives map[int]float64
}

func (c *recordingComponent) Name() string { return "test" }

func (c *recordingComponent) Set(v float64) { c.value = v }

func (c *recordingComponent) SetDerivative(j int, v float64) {
	if c.derivatives == nil {
		c.derivatives = make(map[int]float64)
	}
	c.derivatives[j] = v
}

func copyScatter(c Component, grad []float64) {
	for j, v := range grad {
		c.SetDerivative(j, v)
	}
}

// squares is the result of f(a, b) = [a*a, b*b].
func squares(a, b float64) *model.Result {
	return &model.Result{
		Values:    []float64{a * a, b * b},
		Gradients: [][]float64{{2 * a, 0}, {0, 2 * b}},
	}
}

func TestOutputPassStates(t *testing.T) {
	pass := newOutputPass(squares(2, 5), 2)
	c0, c1 := &recordingComponent{}, &recordingComponent{}

	g, err := pass.evaluate(0)
	require.NoError(t, err)
	assert.Equal(t, evaluated, pass.states[0])
	assert.Equal(t, pending, pass.states[1])

	// output-1 cannot start before output-0 is published.
	_, err = pass.evaluate(1)
	var reentrant *ReentrantBackwardError
	require.True(t, errors.As(err, &reentrant))
	assert.Equal(t, 1, reentrant.Output)

	require.NoError(t, pass.publish(0, c0, g, 2, copyScatter))
	assert.Equal(t, published, pass.states[0])
	assert.Equal(t, 4.0, c0.value)
	assert.Equal(t, map[int]float64{0: 4, 1: 0}, c0.derivatives)

	g, err = pass.evaluate(1)
	require.NoError(t, err)
	require.NoError(t, pass.publish(1, c1, g, 2, copyScatter))
	assert.Equal(t, 25.0, c1.value)
	// Without the reset the gradient of output-0 would still be in the root.
	assert.Equal(t, map[int]float64{0: 0, 1: 10}, c1.derivatives)

	// Each output is evaluated once.
	_, err = pass.evaluate(0)
	assert.True(t, errors.As(err, &reentrant))
	assert.Error(t, pass.publish(1, c1, g, 2, copyScatter))
}

func TestOutputPassReleasesGraphOnLastOutput(t *testing.T) {
	shared := &tape{result: squares(2, 5)}

	pass := newOutputPassOn(shared, 2)
	for i := 0; i < 2; i++ {
		g, err := pass.evaluate(i)
		require.NoError(t, err)
		require.NoError(t, pass.publish(i, &recordingComponent{}, g, 2, copyScatter))
		assert.Equal(t, i == 1, shared.released, "after output-%d", i)
	}

	// A second pass over the same forward result finds the graph released.
	again := newOutputPassOn(shared, 2)
	_, err := again.evaluate(0)
	var reentrant *ReentrantBackwardError
	require.True(t, errors.As(err, &reentrant), "got %v", err)
	assert.True(t, errors.Is(err, ErrGraphReleased))
}

func TestOutputPassAbsentGradientPublishesZeros(t *testing.T) {
	constant := &model.Result{Values: []float64{-2}, Gradients: [][]float64{nil}}

	pass := newOutputPass(constant, 1)
	g, err := pass.evaluate(0)
	require.NoError(t, err)
	_, present := g.Get()
	assert.False(t, present)

	c := &recordingComponent{derivatives: map[int]float64{0: 9}}
	require.NoError(t, pass.publish(0, c, g, 3, copyScatter))
	assert.Equal(t, -2.0, c.value)
	assert.Equal(t, map[int]float64{0: 0, 1: 0, 2: 0}, c.derivatives)
}

func TestOutputPassRootGradientStaysDefined(t *testing.T) {
	// Output 1 does not reach the root, which keeps the zeroed gradient of output 0.
	result := &model.Result{Values: []float64{3, 7}, Gradients: [][]float64{{1, 2}, nil}}

	pass := newOutputPass(result, 2)
	g, err := pass.evaluate(0)
	require.NoError(t, err)
	require.NoError(t, pass.publish(0, &recordingComponent{}, g, 2, copyScatter))

	g, err = pass.evaluate(1)
	require.NoError(t, err)
	values, present := g.Get()
	assert.True(t, present)
	assert.Equal(t, []float64{0, 0}, values)
}

func TestRootGradientAccumulates(t *testing.T) {
	var root rootGradient
	_, ok := root.get()
	assert.False(t, ok)

	root.accumulate([]float64{1, 2})
	root.accumulate([]float64{0.5, -2})
	values, ok := root.get()
	require.True(t, ok)
	assert.Equal(t, []float64{1.5, 0}, values)

	root.zero()
	values, ok = root.get()
	assert.True(t, ok)
	assert.Equal(t, []float64{0, 0}, values)
}
