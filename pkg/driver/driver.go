// Package driver runs configured bridges over a recorded trajectory.
package driver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"k8s.io/klog/v2"

	"github.com/zwpku/torchann-plumed/pkg/blobs"
	"github.com/zwpku/torchann-plumed/pkg/bridge"
	"github.com/zwpku/torchann-plumed/pkg/config"
	"github.com/zwpku/torchann-plumed/pkg/host"
	"github.com/zwpku/torchann-plumed/pkg/record"
	"github.com/zwpku/torchann-plumed/pkg/trajectory"
)

type Options struct {
	Config *config.Config
	Cache  *blobs.ModelCache

	// Fields supplies scalar arguments and Positions supplies particle positions. Either may
	// be nil if no action needs it; when both are set they advance together.
	Fields    trajectory.Reader
	Positions trajectory.Reader

	Recorder record.Recorder

	// MaxSteps stops the run early when positive.
	MaxSteps int
}

// action is one configured bridge and its host.
type action struct {
	config   config.Action
	bridge   *bridge.Bridge
	function *host.FunctionAction
	colvar   *host.ColvarAction
	// args produce the argument values of a function action for the current frame.
	args []func(frame *trajectory.Frame) float64
}

type Driver struct {
	opts     Options
	actions  []*action
	registry host.Registry
}

// Run evaluates every action on every frame and returns the number of steps completed.
// Any bridge error stops the run.
func Run(ctx context.Context, opts Options) (int, error) {
	d := &Driver{opts: opts}

	frame, err := d.nextFrame()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return 0, fmt.Errorf("trajectory has no frames")
		}
		return 0, err
	}
	if err := d.setup(ctx, frame); err != nil {
		return 0, err
	}

	steps := 0
	for {
		if err := ctx.Err(); err != nil {
			return steps, err
		}
		if err := d.step(ctx, frame); err != nil {
			return steps, fmt.Errorf("step %d: %w", frame.Step, err)
		}
		steps++
		if opts.MaxSteps > 0 && steps >= opts.MaxSteps {
			return steps, nil
		}

		frame, err = d.nextFrame()
		if errors.Is(err, io.EOF) {
			return steps, nil
		}
		if err != nil {
			return steps, err
		}
	}
}

// nextFrame reads one frame from each reader and merges them.
func (d *Driver) nextFrame() (*trajectory.Frame, error) {
	var frame *trajectory.Frame
	for _, r := range []trajectory.Reader{d.opts.Fields, d.opts.Positions} {
		if r == nil {
			continue
		}
		f, err := r.Next()
		if err != nil {
			return nil, err
		}
		if frame == nil {
			frame = f
			continue
		}
		if f.Positions != nil {
			frame.Positions = f.Positions
		}
	}
	if frame == nil {
		return nil, fmt.Errorf("no trajectory input configured")
	}
	return frame, nil
}

func (d *Driver) setup(ctx context.Context, frame *trajectory.Frame) error {
	log := klog.FromContext(ctx)

	for _, ac := range d.opts.Config.Actions {
		moduleFile, err := d.opts.Cache.Resolve(ctx, ac.ModuleFile)
		if err != nil {
			return fmt.Errorf("%s: resolving model: %w", ac.Label, err)
		}

		a := &action{config: ac}
		var h *host.Action
		if ac.IsColvar() {
			if len(frame.Positions) == 0 {
				return fmt.Errorf("%s: %s needs particle positions", ac.Label, ac.Action)
			}
			a.colvar = host.NewColvarAction(ac.Label, len(frame.Positions))
			a.bridge, err = bridge.NewColvar(ctx, ac.BridgeConfig(moduleFile), a.colvar)
			h = &a.colvar.Action
		} else {
			for _, ref := range ac.Arg {
				arg, err := d.argument(ref, frame)
				if err != nil {
					return fmt.Errorf("%s: %w", ac.Label, err)
				}
				a.args = append(a.args, arg)
			}
			a.function = host.NewFunctionAction(ac.Label, len(ac.Arg))
			a.bridge, err = bridge.NewFunction(ctx, ac.BridgeConfig(moduleFile), a.function)
			h = &a.function.Action
		}
		if err != nil {
			return err
		}
		if err := d.registry.Add(h); err != nil {
			return err
		}
		d.actions = append(d.actions, a)
		log.V(2).Info("action ready", "label", ac.Label, "components", a.bridge.ComponentNames())
	}
	return nil
}

// argument resolves an ARG entry: a component of an earlier action, or a trajectory field.
func (d *Driver) argument(ref string, frame *trajectory.Frame) (func(*trajectory.Frame) float64, error) {
	if strings.Contains(ref, ".") {
		v, err := d.registry.Lookup(ref)
		if err != nil {
			return nil, fmt.Errorf("argument %q: %w", ref, err)
		}
		return func(*trajectory.Frame) float64 { return v.Get() }, nil
	}
	if _, ok := frame.Fields[ref]; !ok {
		return nil, fmt.Errorf("argument %q is not a trajectory field", ref)
	}
	return func(f *trajectory.Frame) float64 { return f.Fields[ref] }, nil
}

func (d *Driver) step(ctx context.Context, frame *trajectory.Frame) error {
	var samples []record.Sample
	for _, a := range d.actions {
		var components []*host.Value
		if a.colvar != nil {
			if err := a.colvar.SetPositions(frame.Positions); err != nil {
				return err
			}
			components = a.colvar.Components()
		} else {
			values := make([]float64, len(a.args))
			for i, arg := range a.args {
				values[i] = arg(frame)
			}
			if err := a.function.SetArguments(values); err != nil {
				return err
			}
			components = a.function.Components()
		}

		if err := a.bridge.Calculate(ctx); err != nil {
			return err
		}

		for _, v := range components {
			samples = append(samples, record.Sample{
				Name:        a.config.Label + "." + v.Name(),
				Value:       v.Get(),
				Derivatives: v.Derivatives(),
			})
		}
	}

	if d.opts.Recorder == nil {
		return nil
	}
	return d.opts.Recorder.Record(ctx, frame.Step, frame.Time, samples)
}
