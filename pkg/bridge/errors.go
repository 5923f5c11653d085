package bridge

import "fmt"

// ShapeMismatchError is returned when the model output does not hold one value per
// declared output. It is checked on every step.
type ShapeMismatchError struct {
	Label string
	Want  int
	Got   []int
}

func (e *ShapeMismatchError) Error() string {
	return fmt.Sprintf("%s: model output has shape %v, expected %d values (NUM_OUTPUT)", e.Label, e.Got, e.Want)
}

// ReentrantBackwardError is returned when a backward pass is attempted for an output whose
// computation graph is no longer available, or when outputs are visited out of order.
type ReentrantBackwardError struct {
	Output int
	Err    error
}

func (e *ReentrantBackwardError) Error() string {
	return fmt.Sprintf("backward pass for %s: %v", componentName(e.Output), e.Err)
}

func (e *ReentrantBackwardError) Unwrap() error {
	return e.Err
}
