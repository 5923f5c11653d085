package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"k8s.io/klog/v2"

	api "github.com/zwpku/torchann-plumed/api/v1alpha1"
	"github.com/zwpku/torchann-plumed/pkg/blobs"
	"github.com/zwpku/torchann-plumed/pkg/config"
	"github.com/zwpku/torchann-plumed/pkg/server"
)

func main() {
	ctx := context.Background()
	err := run(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	listen := ":9876"
	metricsListen := ":9877"
	cacheDir := os.Getenv("CACHE_DIR")
	if cacheDir == "" {
		cacheDir = config.DefaultCacheDir
	}
	modelRoot := ""
	allowedRemotes := ""

	flag.StringVar(&listen, "listen", listen, "grpc listen address")
	flag.StringVar(&metricsListen, "metrics-listen", metricsListen, "metrics listen address, empty to disable")
	flag.StringVar(&cacheDir, "cache-dir", cacheDir, "directory for downloaded models")
	flag.StringVar(&modelRoot, "model-root", modelRoot, "directory that local model paths are relative to and may not leave; empty refuses local paths")
	flag.StringVar(&allowedRemotes, "allowed-remotes", allowedRemotes, "comma-separated hosts and gs buckets that remote models may be fetched from")
	klog.InitFlags(nil)
	flag.Parse()

	log := klog.FromContext(ctx)

	cacheDir, err := config.ExpandHome(cacheDir)
	if err != nil {
		return err
	}

	lis, err := net.Listen("tcp", listen)
	if err != nil {
		return fmt.Errorf("listening on %q: %w", listen, err)
	}

	var opts []grpc.ServerOption
	grpcServer := grpc.NewServer(opts...)

	bridgeServer := server.NewServer(&blobs.ModelCache{Dir: cacheDir}, modelRoot)
	if allowedRemotes != "" {
		bridgeServer.AllowedRemotes = strings.Split(allowedRemotes, ",")
	}
	api.RegisterBridgeServer(grpcServer, bridgeServer)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("Starting bridgeserver", "listen", listen, "cacheDir", cacheDir, "modelRoot", modelRoot, "allowedRemotes", bridgeServer.AllowedRemotes)
		if err := grpcServer.Serve(lis); err != nil {
			return fmt.Errorf("serving GRPC: %w", err)
		}
		return nil
	})

	if metricsListen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer := &http.Server{Addr: metricsListen, Handler: mux}
		g.Go(func() error {
			log.Info("serving metrics", "listen", metricsListen)
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("serving metrics on %q: %w", metricsListen, err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			grpcServer.GracefulStop()
			return metricsServer.Close()
		})
	}

	return g.Wait()
}
