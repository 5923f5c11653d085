package main

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	api "github.com/zwpku/torchann-plumed/api/v1alpha1"
	"github.com/zwpku/torchann-plumed/pkg/blobs"
	"github.com/zwpku/torchann-plumed/pkg/config"
	"github.com/zwpku/torchann-plumed/pkg/model"
)

func newModelCache(cacheDir string) (*blobs.ModelCache, error) {
	dir, err := config.ExpandHome(cacheDir)
	if err != nil {
		return nil, err
	}
	return &blobs.ModelCache{Dir: dir}, nil
}

func newInspectCommand() *cobra.Command {
	cacheDir := config.DefaultCacheDir
	cmd := &cobra.Command{
		Use:   "inspect <model>",
		Short: "Print the input shape, precision and metadata of a model",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cache, err := newModelCache(cacheDir)
			if err != nil {
				return err
			}
			p, err := cache.Resolve(ctx, args[0])
			if err != nil {
				return err
			}
			m, err := model.Load(ctx, p)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "name:        %s\n", m.Name())
			fmt.Fprintf(out, "dtype:       %s\n", m.DType())
			fmt.Fprintf(out, "input:       %v\n", m.InputShape())
			fmt.Fprintf(out, "tensors:     %d\n", len(m.Graph().Tensors))
			fmt.Fprintf(out, "parameters:  %d\n", m.NumParameters())
			metadata := m.Metadata()
			keys := make([]string, 0, len(metadata))
			for k := range metadata {
				keys = append(keys, k)
			}
			slices.Sort(keys)
			for _, k := range keys {
				fmt.Fprintf(out, "metadata:    %s=%s\n", k, metadata[k])
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&cacheDir, "cache-dir", cacheDir, "directory for downloaded models")
	return cmd
}

func newConvertCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "convert <in> <out>",
		Short: "Convert a model between the yaml and binary encodings, chosen by file extension",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			log := klog.FromContext(cmd.Context())
			in, out := args[0], args[1]

			data, err := os.ReadFile(in)
			if err != nil {
				return fmt.Errorf("reading model: %w", err)
			}
			g, err := api.Decode(data, api.FormatForPath(in))
			if err != nil {
				return fmt.Errorf("%s: %w", in, err)
			}
			if err := api.Validate(g); err != nil {
				return fmt.Errorf("%s: %w", in, err)
			}

			format := api.FormatForPath(out)
			encoded, err := api.Encode(g, format)
			if err != nil {
				return err
			}
			if err := os.WriteFile(out, encoded, 0o644); err != nil {
				return fmt.Errorf("writing model: %w", err)
			}
			log.Info("converted model", "from", in, "to", out, "format", format, "bytes", len(encoded))
			return nil
		},
	}
}

func newFetchCommand() *cobra.Command {
	cacheDir := config.DefaultCacheDir
	cmd := &cobra.Command{
		Use:   "fetch <model>...",
		Short: "Download remote models into the cache and print their local paths",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cache, err := newModelCache(cacheDir)
			if err != nil {
				return err
			}
			for _, ref := range args {
				p, err := cache.Resolve(cmd.Context(), ref)
				if err != nil {
					return fmt.Errorf("fetching %q: %w", ref, err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), p)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&cacheDir, "cache-dir", cacheDir, "directory for downloaded models")
	return cmd
}

func newPushCommand() *cobra.Command {
	var bucket string
	cmd := &cobra.Command{
		Use:   "push <model>",
		Short: "Validate a model and upload it to a GCS bucket under its content hash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			src := args[0]

			bucketName, ok := strings.CutPrefix(bucket, "gs://")
			if !ok || bucketName == "" {
				return fmt.Errorf("--bucket must be a GCS bucket URL (gs://<bucketName>)")
			}
			if _, err := model.Load(ctx, src); err != nil {
				return err
			}

			info, err := blobs.HashFile(src)
			if err != nil {
				return err
			}
			info.Key += strings.ToLower(filepath.Ext(src))

			store := &blobs.GCSBlobstore{Bucket: strings.TrimSuffix(bucketName, "/")}
			if err := store.Upload(ctx, src, info); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "gs://%s/%s\n", store.Bucket, info.Key)
			return nil
		},
	}
	cmd.Flags().StringVar(&bucket, "bucket", os.Getenv("CACHE_BUCKET"), "destination bucket, gs://<bucketName>")
	return cmd
}
