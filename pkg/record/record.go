// Package record stores the published components of every step.
package record

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
)

// Sample is one published component.
type Sample struct {
	// Name is the full reference, label.output-i.
	Name        string
	Value       float64
	Derivatives []float64
}

type Recorder interface {
	Record(ctx context.Context, step int, time float64, samples []Sample) error
	Close() error
}

// ColvarWriter writes values as COLVAR columns. The header is taken from the first step.
type ColvarWriter struct {
	w     *bufio.Writer
	c     io.Closer
	names []string
}

var _ Recorder = &ColvarWriter{}

// NewColvarWriter writes to w; w is closed by Close if it is an io.Closer.
func NewColvarWriter(w io.Writer) *ColvarWriter {
	cw := &ColvarWriter{w: bufio.NewWriter(w)}
	if c, ok := w.(io.Closer); ok {
		cw.c = c
	}
	return cw
}

func (cw *ColvarWriter) Record(ctx context.Context, step int, time float64, samples []Sample) error {
	names := make([]string, len(samples))
	for i, s := range samples {
		names[i] = s.Name
	}
	if cw.names == nil {
		cw.names = names
		if _, err := fmt.Fprintf(cw.w, "#! FIELDS time %s\n", strings.Join(names, " ")); err != nil {
			return err
		}
	} else if !slices.Equal(cw.names, names) {
		return fmt.Errorf("step %d: components %v differ from header %v", step, names, cw.names)
	}

	fmt.Fprintf(cw.w, " %.6f", time)
	for _, s := range samples {
		fmt.Fprintf(cw.w, " %.9g", s.Value)
	}
	_, err := cw.w.WriteString("\n")
	return err
}

func (cw *ColvarWriter) Close() error {
	err := cw.w.Flush()
	if cw.c != nil {
		err = errors.Join(err, cw.c.Close())
	}
	return err
}

// Multi fans out to several recorders.
type Multi []Recorder

func (m Multi) Record(ctx context.Context, step int, time float64, samples []Sample) error {
	for _, r := range m {
		if err := r.Record(ctx, step, time, samples); err != nil {
			return err
		}
	}
	return nil
}

func (m Multi) Close() error {
	var errs []error
	for _, r := range m {
		errs = append(errs, r.Close())
	}
	return errors.Join(errs...)
}
