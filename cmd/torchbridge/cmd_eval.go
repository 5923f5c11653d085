package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	"github.com/zwpku/torchann-plumed/pkg/blobs"
	"github.com/zwpku/torchann-plumed/pkg/config"
	"github.com/zwpku/torchann-plumed/pkg/driver"
	"github.com/zwpku/torchann-plumed/pkg/record"
	"github.com/zwpku/torchann-plumed/pkg/trajectory"
)

type evalOptions struct {
	configPath string
	colvarPath string
	xyzPath    string
	outPath    string
	sqlitePath string
	maxSteps   int
}

func newEvalCommand() *cobra.Command {
	opts := &evalOptions{}
	cmd := &cobra.Command{
		Use:   "eval",
		Short: "Run the configured actions over a trajectory and record every output",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEval(cmd, opts)
		},
	}
	cmd.Flags().StringVarP(&opts.configPath, "config", "c", "", "actions config file")
	cmd.Flags().StringVar(&opts.colvarPath, "colvar", "", "COLVAR file supplying argument fields")
	cmd.Flags().StringVar(&opts.xyzPath, "xyz", "", "XYZ file supplying particle positions")
	cmd.Flags().StringVarP(&opts.outPath, "out", "o", "-", "COLVAR output file, - for stdout")
	cmd.Flags().StringVar(&opts.sqlitePath, "sqlite", "", "also record values and derivatives to this sqlite database")
	cmd.Flags().IntVar(&opts.maxSteps, "max-steps", 0, "stop after this many steps")
	_ = cmd.MarkFlagRequired("config")
	return cmd
}

func runEval(cmd *cobra.Command, opts *evalOptions) error {
	ctx := cmd.Context()
	log := klog.FromContext(ctx)

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}

	driverOpts := driver.Options{
		Config:   cfg,
		Cache:    &blobs.ModelCache{Dir: cfg.CacheDir},
		MaxSteps: opts.maxSteps,
	}

	if opts.colvarPath != "" {
		f, err := os.Open(opts.colvarPath)
		if err != nil {
			return fmt.Errorf("opening colvar file: %w", err)
		}
		defer f.Close()
		driverOpts.Fields = trajectory.NewColvarReader(f)
	}
	if opts.xyzPath != "" {
		f, err := os.Open(opts.xyzPath)
		if err != nil {
			return fmt.Errorf("opening xyz file: %w", err)
		}
		defer f.Close()
		driverOpts.Positions = trajectory.NewXYZReader(f)
	}

	// The colvar writer closes its destination; stdout must stay open.
	var out io.Writer = struct{ io.Writer }{cmd.OutOrStdout()}
	if opts.outPath != "-" {
		f, err := os.Create(opts.outPath)
		if err != nil {
			return fmt.Errorf("creating output file: %w", err)
		}
		out = f
	}
	recorders := record.Multi{record.NewColvarWriter(out)}
	if opts.sqlitePath != "" {
		db := record.NewSQLiteRecorder(opts.sqlitePath)
		if err := db.Init(ctx); err != nil {
			return fmt.Errorf("opening sqlite recorder: %w", err)
		}
		recorders = append(recorders, db)
	}
	driverOpts.Recorder = recorders

	steps, runErr := driver.Run(ctx, driverOpts)
	closeErr := recorders.Close()
	if runErr != nil {
		return runErr
	}
	if closeErr != nil {
		return fmt.Errorf("closing recorders: %w", closeErr)
	}

	log.Info("evaluation finished", "steps", steps)
	return nil
}
