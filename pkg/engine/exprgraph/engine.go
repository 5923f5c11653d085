// Package exprgraph lowers graphs onto a gorgonia expression graph. Gradients are derived
// symbolically by gorgonia from the lowered nodes.
package exprgraph

import (
	"fmt"

	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	api "github.com/zwpku/torchann-plumed/api/v1alpha1"
	"github.com/zwpku/torchann-plumed/pkg/engine"
)

type TensorID = engine.TensorID

// CalculationScope lowers one forward pass. Inline data becomes new leaf nodes of the
// scope's graph, so nothing is shared between passes.
type CalculationScope struct {
	g       *gorgonia.ExprGraph
	dtype   tensor.Dtype
	tensors map[TensorID]*node
}

func NewCalculationScope(g *gorgonia.ExprGraph, dtype tensor.Dtype) (*CalculationScope, error) {
	if dtype != tensor.Float32 && dtype != tensor.Float64 {
		return nil, fmt.Errorf("unsupported dtype %v", dtype)
	}
	return &CalculationScope{
		g:       g,
		dtype:   dtype,
		tensors: make(map[TensorID]*node),
	}, nil
}

func (c *CalculationScope) Close() error {
	c.tensors = nil
	return nil
}

func (c *CalculationScope) AllTensors() map[TensorID]engine.Tensor {
	tensors := make(map[TensorID]engine.Tensor, len(c.tensors))
	for _, t := range c.tensors {
		tensors[t.id] = t
	}
	return tensors
}

func (c *CalculationScope) RegisterTensors(tensors []*api.Tensor) error {
	for _, definition := range tensors {
		id := TensorID(definition.GetId())
		if _, ok := c.tensors[id]; ok {
			return fmt.Errorf("tensor %d already registered", definition.GetId())
		}
		c.tensors[id] = newNode(definition)
	}
	return nil
}

func (c *CalculationScope) BindInput(id TensorID, value *gorgonia.Node) error {
	t, ok := c.tensors[id]
	if !ok {
		return fmt.Errorf("tensor %d not found", id)
	}
	if t.definition.GetInput() == nil {
		return fmt.Errorf("tensor %d is not an input", id)
	}
	if value.Dtype() != c.dtype {
		return fmt.Errorf("input is %v, graph is %v", value.Dtype(), c.dtype)
	}
	t.value = value
	t.dependsOnInput = true
	return nil
}

func (c *CalculationScope) Evaluate(wantTensors []TensorID) error {
	evaluationOrder, err := engine.BuildDAG(c, wantTensors)
	if err != nil {
		return err
	}

	for _, tensorID := range evaluationOrder {
		t, ok := c.tensors[tensorID]
		if !ok {
			return fmt.Errorf("tensor %d not found", tensorID)
		}
		if err := c.evaluateTensor(t); err != nil {
			return fmt.Errorf("evaluating tensor %d: %w", tensorID, err)
		}
	}

	return nil
}

func (c *CalculationScope) evaluateTensor(t *node) error {
	if t.value != nil {
		return nil
	}

	if t.definition.GetInput() != nil {
		return fmt.Errorf("input tensor %d is not bound", t.id)
	}

	if inlineData := t.definition.GetInlineData(); inlineData != nil {
		value, err := c.leaf(fmt.Sprintf("t%d", t.id), toInts(inlineData.GetDimensions()), inlineData.GetValues())
		if err != nil {
			return err
		}
		t.value = value
		return nil
	}

	computation := t.definition.GetComputation()
	if computation == nil {
		return fmt.Errorf("tensor %d has no computation", t.id)
	}

	sources := make([]*gorgonia.Node, 0, len(t.dependencies))
	for _, id := range t.dependencies {
		source, found := c.tensors[id]
		if !found || source.value == nil {
			return fmt.Errorf("source tensor %d not found", id)
		}
		sources = append(sources, source.value)
		t.dependsOnInput = t.dependsOnInput || source.dependsOnInput
	}

	value, err := c.apply(computation, sources)
	if err != nil {
		return err
	}
	t.value = value
	return nil
}

// leaf adds inline data to the graph. Leaves are named after their tensor so that two
// inline tensors holding equal values stay distinct nodes.
func (c *CalculationScope) leaf(name string, shape []int, values []float64) (*gorgonia.Node, error) {
	if len(shape) == 0 {
		if len(values) != 1 {
			return nil, fmt.Errorf("scalar %s has %d values", name, len(values))
		}
		return gorgonia.NewScalar(c.g, c.dtype, gorgonia.WithName(name), gorgonia.WithValue(scalarValue(c.dtype, values[0]))), nil
	}
	value, err := NewDense(c.dtype, shape, values)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return gorgonia.NewTensor(c.g, c.dtype, len(shape), gorgonia.WithName(name), gorgonia.WithShape(shape...), gorgonia.WithValue(value)), nil
}

func toInts(dims []int32) []int {
	out := make([]int, len(dims))
	for i, d := range dims {
		out[i] = int(d)
	}
	return out
}
