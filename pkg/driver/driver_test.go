package driver

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zwpku/torchann-plumed/pkg/blobs"
	"github.com/zwpku/torchann-plumed/pkg/bridge"
	"github.com/zwpku/torchann-plumed/pkg/config"
	"github.com/zwpku/torchann-plumed/pkg/record"
	"github.com/zwpku/torchann-plumed/pkg/trajectory"
)

const distanceModel = `
tensors:
  - {id: 1, input: {dimensions: [1, -1, 3]}}
  - {id: 2, computation: {op: select, sources: [1], dim: 0, index: 0}}
  - {id: 3, computation: {op: select, sources: [2], dim: 0, index: 0}}
  - {id: 4, computation: {op: select, sources: [2], dim: 0, index: 1}}
  - {id: 5, computation: {op: sub, sources: [4, 3]}}
  - {id: 6, computation: {op: mul, sources: [5, 5]}}
  - {id: 7, computation: {op: sum, sources: [6]}}
  - {id: 8, computation: {op: sqrt, sources: [7]}}
  - {id: 9, computation: {op: reshape, sources: [8], shape: [1, 1]}}
output: 9
`

const sumProductModel = `
dtype: float64
tensors:
  - {id: 1, input: {dimensions: [2]}}
  - {id: 2, computation: {op: select, sources: [1], dim: 0, index: 0}}
  - {id: 3, computation: {op: select, sources: [1], dim: 0, index: 1}}
  - {id: 4, computation: {op: add, sources: [2, 3]}}
  - {id: 5, computation: {op: mul, sources: [2, 3]}}
  - {id: 6, computation: {op: stack, sources: [4, 5]}}
output: 6
`

const colvarFile = `#! FIELDS time phi
0.0 3.0
0.5 0.5
1.0 1.0
`

const xyzFile = `2
step 0
H 0 0 0
H 1 0 0
2
step 1
H 0 0 0
H 2 0 0
2
step 2
H 0 0 0
H 0 0 1
`

type memoryRecorder struct {
	steps   []int
	samples [][]record.Sample
}

func (m *memoryRecorder) Record(ctx context.Context, step int, time float64, samples []record.Sample) error {
	m.steps = append(m.steps, step)
	m.samples = append(m.samples, samples)
	return nil
}

func (m *memoryRecorder) Close() error { return nil }

func setup(t *testing.T, numOutput int) Options {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "distance.yaml"), []byte(distanceModel), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sum_product.yaml"), []byte(sumProductModel), 0o644))

	cfg := &config.Config{
		CacheDir: filepath.Join(dir, "cache"),
		Actions: []config.Action{
			{Label: "d", Action: bridge.ActionColvar, ModuleFile: filepath.Join(dir, "distance.yaml"), NumOutput: 1},
			{Label: "f", Action: bridge.ActionANN, ModuleFile: filepath.Join(dir, "sum_product.yaml"), NumOutput: numOutput, Arg: []string{"d.output-0", "phi"}},
		},
	}
	require.NoError(t, cfg.Validate())

	return Options{
		Config:    cfg,
		Cache:     &blobs.ModelCache{Dir: cfg.CacheDir},
		Fields:    trajectory.NewColvarReader(strings.NewReader(colvarFile)),
		Positions: trajectory.NewXYZReader(strings.NewReader(xyzFile)),
	}
}

func TestRunChainsActions(t *testing.T) {
	opts := setup(t, 2)
	rec := &memoryRecorder{}
	opts.Recorder = rec

	steps, err := Run(context.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, 3, steps)
	assert.Equal(t, []int{0, 1, 2}, rec.steps)

	byName := func(step int) map[string]record.Sample {
		out := map[string]record.Sample{}
		for _, s := range rec.samples[step] {
			out[s.Name] = s
		}
		return out
	}

	first := byName(0)
	assert.Equal(t, 1.0, first["d.output-0"].Value)
	assert.Equal(t, []float64{-1, 0, 0, 1, 0, 0}, first["d.output-0"].Derivatives)
	assert.Equal(t, 4.0, first["f.output-0"].Value)
	assert.Equal(t, 3.0, first["f.output-1"].Value)
	assert.Equal(t, []float64{3, 1}, first["f.output-1"].Derivatives)

	second := byName(1)
	assert.Equal(t, 2.0, second["d.output-0"].Value)
	assert.Equal(t, 2.5, second["f.output-0"].Value)
	assert.Equal(t, []float64{0.5, 2}, second["f.output-1"].Derivatives)

	third := byName(2)
	assert.Equal(t, []float64{0, 0, -1, 0, 0, 1}, third["d.output-0"].Derivatives)
}

func TestRunMaxSteps(t *testing.T) {
	opts := setup(t, 2)
	steps, err := Run(context.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, 3, steps)

	opts = setup(t, 2)
	opts.MaxSteps = 1
	steps, err = Run(context.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, 1, steps)
}

func TestRunStopsOnShapeMismatch(t *testing.T) {
	opts := setup(t, 3)
	steps, err := Run(context.Background(), opts)
	require.Error(t, err)
	assert.Equal(t, 0, steps)
	assert.Contains(t, err.Error(), "step 0")

	var shapeErr *bridge.ShapeMismatchError
	assert.True(t, errors.As(err, &shapeErr))
}

func TestRunUnknownArgument(t *testing.T) {
	opts := setup(t, 2)
	opts.Config.Actions[1].Arg = []string{"psi"}
	_, err := Run(context.Background(), opts)
	assert.ErrorContains(t, err, `argument "psi" is not a trajectory field`)

	opts = setup(t, 2)
	opts.Config.Actions[1].Arg = []string{"f.output-0", "phi"}
	_, err = Run(context.Background(), opts)
	assert.ErrorContains(t, err, `no action labelled "f"`)
}
