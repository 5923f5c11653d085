package v1alpha1

import (
	"errors"
	"fmt"
)

// Validate checks the structural rules of a graph. All problems are reported together.
func Validate(g *Graph) error {
	if g == nil {
		return errors.New("graph is nil")
	}

	var errs []error
	switch g.DType {
	case "", "float32", "float64":
	default:
		errs = append(errs, fmt.Errorf("unsupported dtype %q", g.DType))
	}

	ids := make(map[int32]bool, len(g.Tensors))
	inputs := 0
	for i, t := range g.Tensors {
		if t == nil {
			errs = append(errs, fmt.Errorf("tensor #%d is empty", i))
			continue
		}
		if ids[t.Id] {
			errs = append(errs, fmt.Errorf("tensor %d defined more than once", t.Id))
		}
		ids[t.Id] = true

		kinds := 0
		if t.Input != nil {
			kinds++
			inputs++
		}
		if t.InlineData != nil {
			kinds++
			if err := validateInlineData(t.InlineData); err != nil {
				errs = append(errs, fmt.Errorf("tensor %d: %w", t.Id, err))
			}
		}
		if t.Computation != nil {
			kinds++
		}
		if kinds != 1 {
			errs = append(errs, fmt.Errorf("tensor %d must have exactly one of input, inlineData or computation", t.Id))
		}
	}
	if inputs != 1 {
		errs = append(errs, fmt.Errorf("graph must have exactly one input tensor, found %d", inputs))
	}

	for _, t := range g.Tensors {
		op := t.GetComputation()
		if op == nil {
			continue
		}
		arity, known := sourceArity[op.Op]
		if !known {
			errs = append(errs, fmt.Errorf("tensor %d: unsupported operation %q", t.Id, op.Op))
			continue
		}
		if arity >= 0 && len(op.Sources) != arity {
			errs = append(errs, fmt.Errorf("tensor %d: %s takes %d sources, got %d", t.Id, op.Op, arity, len(op.Sources)))
		}
		if arity < 0 && len(op.Sources) == 0 {
			errs = append(errs, fmt.Errorf("tensor %d: %s needs at least one source", t.Id, op.Op))
		}
		for _, src := range op.Sources {
			if !ids[src] {
				errs = append(errs, fmt.Errorf("tensor %d: source tensor %d not found", t.Id, src))
			}
		}
		if op.Op == OpCast {
			switch op.DType {
			case "float32", "float64":
			default:
				errs = append(errs, fmt.Errorf("tensor %d: cast to unsupported dtype %q", t.Id, op.DType))
			}
		}
	}

	if !ids[g.Output] {
		errs = append(errs, fmt.Errorf("output tensor %d not found", g.Output))
	}
	return errors.Join(errs...)
}

func validateInlineData(d *InlineData) error {
	n := 1
	for _, dim := range d.Dimensions {
		if dim < 0 {
			return fmt.Errorf("negative dimension in %v", d.Dimensions)
		}
		n *= int(dim)
	}
	if n != len(d.Values) {
		return fmt.Errorf("dimensions %v need %d values, got %d", d.Dimensions, n, len(d.Values))
	}
	return nil
}
