// Package model loads serialized graphs and evaluates them, with gradients, on gorgonia
// expression graphs.
package model

import (
	"context"
	"fmt"
	"maps"
	"os"
	"slices"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
	"k8s.io/klog/v2"

	api "github.com/zwpku/torchann-plumed/api/v1alpha1"
	"github.com/zwpku/torchann-plumed/pkg/engine"
	"github.com/zwpku/torchann-plumed/pkg/engine/exprgraph"
)

var modelLoads = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "torchbridge_model_loads_total",
	Help: "Model loads by result",
}, []string{"result"})

// LoadError reports a model file that could not be read, decoded or validated.
type LoadError struct {
	Path string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("cannot load model %q: %v", e.Path, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// Model is an immutable, loaded graph. Forward builds a new expression graph on every
// call, so a Model can be shared between goroutines.
type Model struct {
	path       string
	graph      *api.Graph
	dtype      tensor.Dtype
	inputShape []int
}

// Load reads, decodes and validates the graph at path. Every failure is a *LoadError.
func Load(ctx context.Context, path string) (*Model, error) {
	log := klog.FromContext(ctx)

	m, err := load(path)
	if err != nil {
		modelLoads.WithLabelValues("error").Inc()
		return nil, &LoadError{Path: path, Err: err}
	}
	modelLoads.WithLabelValues("ok").Inc()

	log.V(2).Info("loaded model", "path", path, "name", m.Name(), "dtype", m.dtype, "inputShape", m.inputShape, "parameters", m.NumParameters())
	return m, nil
}

func load(path string) (*Model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	graph, err := api.Decode(data, api.FormatForPath(path))
	if err != nil {
		return nil, err
	}
	m, err := New(graph)
	if err != nil {
		return nil, err
	}
	m.path = path
	return m, nil
}

// New wraps an already-decoded graph. The graph must not be modified afterwards.
func New(graph *api.Graph) (*Model, error) {
	if err := api.Validate(graph); err != nil {
		return nil, fmt.Errorf("invalid graph: %w", err)
	}
	dtype, err := exprgraph.ParseDType(graph.DType)
	if err != nil {
		return nil, err
	}
	m := &Model{
		graph: graph,
		dtype: dtype,
	}
	for _, d := range graph.InputTensor().GetInput().Dimensions {
		m.inputShape = append(m.inputShape, int(d))
	}
	return m, nil
}

func (m *Model) Path() string {
	return m.path
}

func (m *Model) Name() string {
	return m.graph.Name
}

// DType is the working precision of the model.
func (m *Model) DType() tensor.Dtype {
	return m.dtype
}

// InputShape is the declared input shape; -1 marks a dimension of any size.
func (m *Model) InputShape() []int {
	return slices.Clone(m.inputShape)
}

// NumParameters counts the elements of trainable inline tensors.
func (m *Model) NumParameters() int {
	n := 0
	for _, t := range m.graph.GetTensors() {
		if d := t.GetInlineData(); d != nil && d.RequiresGrad {
			n += len(d.Values)
		}
	}
	return n
}

func (m *Model) Metadata() map[string]string {
	return maps.Clone(m.graph.Metadata)
}

// Graph returns the underlying graph definition, which callers must treat as read-only.
func (m *Model) Graph() *api.Graph {
	return m.graph
}

// Forward lowers the model onto a new expression graph whose input is a variable of the
// given shape holding input. Nothing is computed until the returned Pass is run.
func (m *Model) Forward(input []float64, shape []int) (*Pass, error) {
	if err := m.CheckInputShape(shape); err != nil {
		return nil, err
	}

	g := gorgonia.NewGraph()
	x, err := exprgraph.NewInput(g, m.dtype, shape, input)
	if err != nil {
		return nil, err
	}
	scope, err := exprgraph.NewCalculationScope(g, m.dtype)
	if err != nil {
		return nil, err
	}
	defer scope.Close()

	output, err := engine.Evaluate(scope, m.graph, x)
	if err != nil {
		return nil, fmt.Errorf("forward pass of model %q: %w", m.Name(), err)
	}
	value, _ := output.Value()
	return &Pass{
		graph:          g,
		input:          x,
		output:         value,
		dependsOnInput: output.DependsOnInput(),
	}, nil
}

// CheckInputShape reports whether Forward would accept an input of the given shape.
func (m *Model) CheckInputShape(shape []int) error {
	ok := len(shape) == len(m.inputShape)
	for i := 0; ok && i < len(shape); i++ {
		if m.inputShape[i] != -1 && m.inputShape[i] != shape[i] {
			ok = false
		}
	}
	if !ok {
		return fmt.Errorf("model %q expects input shape %v, got %v", m.Name(), m.inputShape, shape)
	}
	return nil
}
