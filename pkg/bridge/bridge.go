// Package bridge evaluates a loaded model once per simulation step and publishes each
// model output, with its exact gradient, as a host component named output-i.
//
// Every step builds a new differentiation root from the host state and runs one forward
// pass, whose gradients gorgonia derives symbolically. They are then replayed as one
// backward pass per output in ascending order: the root gradient is reset between
// outputs and the graph is released by the last backward pass.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"k8s.io/klog/v2"

	"github.com/zwpku/torchann-plumed/pkg/model"
)

// Action names. The scalar-argument actions behave identically.
const (
	ActionFunc    = "TORCHFUNC"
	ActionANN     = "TORCHANN"
	ActionANNFunc = "TORCHANNFUNC"
	ActionColvar  = "TORCHCOLVAR"
)

const componentStem = "output-"

// FunctionActions lists the actions built with NewFunction.
var FunctionActions = []string{ActionFunc, ActionANN, ActionANNFunc}

// Config is the setup-time configuration of one bridge.
type Config struct {
	Label string
	// Action is one of FunctionActions, or ActionColvar. Empty means TORCHFUNC for
	// NewFunction and TORCHCOLVAR for NewColvar.
	Action string
	// ModuleFile is the path of the serialized model.
	ModuleFile string
	// NumOutput is the number of values the model returns per step.
	NumOutput int
}

// Bridge owns a model and the output components of one action.
type Bridge struct {
	config     Config
	model      *model.Model
	layout     layout
	components []Component
}

func componentName(i int) string {
	return fmt.Sprintf("%s%d", componentStem, i)
}

// NewFunction creates a bridge whose model input is the vector of the host's scalar
// arguments.
func NewFunction(ctx context.Context, config Config, host FunctionHost) (*Bridge, error) {
	if config.Action == "" {
		config.Action = ActionFunc
	}
	if !slices.Contains(FunctionActions, config.Action) {
		return nil, fmt.Errorf("%s: action %q does not take scalar arguments", config.Label, config.Action)
	}
	if host.NumberOfArguments() == 0 {
		return nil, fmt.Errorf("%s: no arguments", config.Label)
	}
	return newBridge(ctx, config, host, &scalarLayout{args: host}, "Number of args", host.NumberOfArguments())
}

// NewColvar creates a bridge whose model input is the positions of every particle in the
// system, in index order.
func NewColvar(ctx context.Context, config Config, host ColvarHost) (*Bridge, error) {
	if config.Action == "" {
		config.Action = ActionColvar
	}
	if config.Action != ActionColvar {
		return nil, fmt.Errorf("%s: action %q does not take positions", config.Label, config.Action)
	}

	numAtoms := host.TotalAtoms()
	if numAtoms == 0 {
		return nil, fmt.Errorf("%s: system has no atoms", config.Label)
	}
	atoms := make([]int, numAtoms)
	for i := range atoms {
		atoms[i] = i
	}
	if err := host.RequestAtoms(atoms); err != nil {
		return nil, fmt.Errorf("%s: requesting atoms: %w", config.Label, err)
	}
	return newBridge(ctx, config, host, &cartesianLayout{atoms: host, numAtoms: numAtoms}, "Number of atoms", numAtoms)
}

func newBridge(ctx context.Context, config Config, host ComponentHost, l layout, inputKind string, inputCount int) (*Bridge, error) {
	log := klog.FromContext(ctx)

	if config.NumOutput <= 0 {
		return nil, fmt.Errorf("%s: NUM_OUTPUT must be positive, got %d", config.Label, config.NumOutput)
	}

	m, err := model.Load(ctx, config.ModuleFile)
	if err != nil {
		return nil, err
	}
	if err := m.CheckInputShape(l.rootShape()); err != nil {
		return nil, fmt.Errorf("%s: %w", config.Label, err)
	}

	log.Info("MODULE_FILE", "label", config.Label, "action", config.Action, "path", config.ModuleFile)
	log.Info(inputKind, "label", config.Label, "count", inputCount)
	log.Info("NUM_OUTPUT", "label", config.Label, "count", config.NumOutput)

	b := &Bridge{
		config: config,
		model:  m,
		layout: l,
	}
	for i := 0; i < config.NumOutput; i++ {
		c, err := host.AddComponentWithDerivatives(componentName(i))
		if err != nil {
			return nil, fmt.Errorf("%s: creating component %s: %w", config.Label, componentName(i), err)
		}
		b.components = append(b.components, c)
	}

	log.V(2).Info("initialization ended", "label", config.Label)
	return b, nil
}

func (b *Bridge) Config() Config {
	return b.config
}

func (b *Bridge) Model() *model.Model {
	return b.model
}

// ComponentNames returns output-0 .. output-(K-1).
func (b *Bridge) ComponentNames() []string {
	names := make([]string, len(b.components))
	for i, c := range b.components {
		names[i] = c.Name()
	}
	return names
}

// Calculate runs one step: every component is published, or an error is returned and the
// step must be considered failed.
func (b *Bridge) Calculate(ctx context.Context) error {
	start := time.Now()
	err := b.calculate(ctx)
	stepDuration.WithLabelValues(b.config.Action).Observe(time.Since(start).Seconds())

	result := "ok"
	var shapeErr *ShapeMismatchError
	var reentrantErr *ReentrantBackwardError
	switch {
	case err == nil:
	case errors.As(err, &shapeErr):
		result = "shape_mismatch"
	case errors.As(err, &reentrantErr):
		result = "reentrant_backward"
	default:
		result = "error"
	}
	stepsTotal.WithLabelValues(b.config.Action, result).Inc()
	return err
}

func (b *Bridge) calculate(ctx context.Context) error {
	log := klog.FromContext(ctx)

	input, err := b.layout.assemble()
	if err != nil {
		return fmt.Errorf("%s: assembling input: %w", b.config.Label, err)
	}

	forward, err := b.model.Forward(input, b.layout.rootShape())
	if err != nil {
		return fmt.Errorf("%s: %w", b.config.Label, err)
	}
	shape, err := b.layout.outputs(forward.OutputShape())
	if err != nil {
		var shapeErr *ShapeMismatchError
		if errors.As(err, &shapeErr) {
			shapeErr.Label = b.config.Label
			shapeErr.Want = len(b.components)
			return shapeErr
		}
		return fmt.Errorf("%s: %w", b.config.Label, err)
	}
	if err := b.checkOutputs(shape); err != nil {
		return err
	}

	result, err := forward.Run(len(b.components))
	if err != nil {
		return fmt.Errorf("%s: %w", b.config.Label, err)
	}

	pass := newOutputPass(result, len(b.components))
	for i, c := range b.components {
		g, err := pass.evaluate(i)
		if err != nil {
			return fmt.Errorf("%s: %w", b.config.Label, err)
		}
		if _, ok := g.Get(); !ok {
			log.V(4).Info("gradient undefined, publishing zeros", "label", b.config.Label, "component", c.Name())
		}
		if err := pass.publish(i, c, g, b.layout.numDerivatives(), b.layout.scatter); err != nil {
			return fmt.Errorf("%s: %w", b.config.Label, err)
		}
	}
	b.layout.finish()
	return nil
}

// checkOutputs accepts a vector of K values, or a scalar when K is 1.
func (b *Bridge) checkOutputs(shape []int) error {
	k := len(b.components)
	switch {
	case len(shape) == 1 && shape[0] == k:
		return nil
	case len(shape) == 0 && k == 1:
		return nil
	default:
		return &ShapeMismatchError{Label: b.config.Label, Want: k, Got: shape}
	}
}
