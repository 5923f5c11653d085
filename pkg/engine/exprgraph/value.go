package exprgraph

import (
	"fmt"
	"slices"

	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// ParseDType maps a graph dtype name to a tensor dtype; empty means float32.
func ParseDType(name string) (tensor.Dtype, error) {
	switch name {
	case "", "float32":
		return tensor.Float32, nil
	case "float64":
		return tensor.Float64, nil
	default:
		return tensor.Dtype{}, fmt.Errorf("unsupported dtype %q", name)
	}
}

// NewDense copies values into a dense tensor of the given dtype and shape.
func NewDense(dtype tensor.Dtype, shape []int, values []float64) (*tensor.Dense, error) {
	if n := numElements(shape); n != len(values) {
		return nil, fmt.Errorf("shape %v needs %d values, got %d", shape, n, len(values))
	}
	var backing any
	switch dtype {
	case tensor.Float64:
		backing = slices.Clone(values)
	case tensor.Float32:
		narrow := make([]float32, len(values))
		for i, v := range values {
			narrow[i] = float32(v)
		}
		backing = narrow
	default:
		return nil, fmt.Errorf("unsupported dtype %v", dtype)
	}
	return tensor.New(tensor.WithShape(shape...), tensor.WithBacking(backing)), nil
}

// NewInput adds the differentiation root to g: a variable of the given shape holding
// values narrowed to dtype.
func NewInput(g *gorgonia.ExprGraph, dtype tensor.Dtype, shape []int, values []float64) (*gorgonia.Node, error) {
	if len(shape) == 0 {
		return nil, fmt.Errorf("input must have at least one dimension")
	}
	value, err := NewDense(dtype, shape, values)
	if err != nil {
		return nil, err
	}
	return gorgonia.NewTensor(g, dtype, len(shape), gorgonia.WithName("input"), gorgonia.WithShape(shape...), gorgonia.WithValue(value)), nil
}

// Float64s widens a computed value to float64, in row-major order.
func Float64s(v gorgonia.Value) ([]float64, error) {
	if v == nil {
		return nil, fmt.Errorf("node has no value")
	}
	data := v.Data()
	if d, ok := v.(*tensor.Dense); ok && d.IsMaterializable() {
		data = d.Materialize().Data()
	}
	switch data := data.(type) {
	case float64:
		return []float64{data}, nil
	case float32:
		return []float64{float64(data)}, nil
	case []float64:
		return slices.Clone(data), nil
	case []float32:
		wide := make([]float64, len(data))
		for i, x := range data {
			wide[i] = float64(x)
		}
		return wide, nil
	default:
		return nil, fmt.Errorf("unsupported value type %T", data)
	}
}

func (c *CalculationScope) scalar(v float64) *gorgonia.Node {
	return gorgonia.NewConstant(scalarValue(c.dtype, v))
}

func (c *CalculationScope) constant(shape []int, values []float64) (*gorgonia.Node, error) {
	value, err := NewDense(c.dtype, shape, values)
	if err != nil {
		return nil, err
	}
	return gorgonia.NewConstant(value), nil
}

func scalarValue(dtype tensor.Dtype, v float64) any {
	if dtype == tensor.Float32 {
		return float32(v)
	}
	return v
}

func numElements(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}
