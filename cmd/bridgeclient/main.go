package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"k8s.io/klog/v2"

	api "github.com/zwpku/torchann-plumed/api/v1alpha1"
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
	serverAddr := "127.0.0.1:9876"
	req := &api.OpenSessionRequest{
		Label:     "client",
		Action:    "TORCHFUNC",
		NumOutput: 1,
	}
	var numOutput int
	var args, positions string

	flag.StringVar(&serverAddr, "server", serverAddr, "bridgeserver address")
	flag.StringVar(&req.Label, "label", req.Label, "action label")
	flag.StringVar(&req.Action, "action", req.Action, "TORCHFUNC, TORCHANN, TORCHANNFUNC or TORCHCOLVAR")
	flag.StringVar(&req.ModuleFile, "module", "", "model path or URL, as seen by the server")
	flag.IntVar(&numOutput, "num-output", 1, "number of model outputs")
	flag.StringVar(&args, "args", "", "comma-separated argument values")
	flag.StringVar(&positions, "positions", "", "comma-separated x,y,z values of every atom")
	klog.InitFlags(nil)
	flag.Parse()

	log := klog.FromContext(ctx)

	argValues, err := parseFloats(args)
	if err != nil {
		return fmt.Errorf("parsing -args: %w", err)
	}
	positionValues, err := parseFloats(positions)
	if err != nil {
		return fmt.Errorf("parsing -positions: %w", err)
	}
	if len(positionValues)%3 != 0 {
		return fmt.Errorf("-positions needs a multiple of 3 values, got %d", len(positionValues))
	}
	req.NumOutput = int32(numOutput)
	req.NumArguments = int32(len(argValues))
	req.NumAtoms = int32(len(positionValues) / 3)

	var opts []grpc.DialOption
	opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))

	conn, err := grpc.NewClient(serverAddr, opts...)
	if err != nil {
		return fmt.Errorf("failed to connect to server %q: %w", serverAddr, err)
	}
	defer conn.Close()
	client := api.NewBridgeClient(conn)

	log.Info("Starting bridgeclient", "server", serverAddr)

	session, err := client.OpenSession(ctx, req)
	if err != nil {
		return fmt.Errorf("failed to open session: %w", err)
	}
	defer func() {
		if _, err := client.CloseSession(ctx, &api.CloseSessionRequest{SessionId: session.SessionId}); err != nil {
			log.Error(err, "closing session", "session", session.SessionId)
		}
	}()
	log.Info("Opened session", "session", session.SessionId, "components", session.Components, "model", session.Model)

	response, err := client.Calculate(ctx, &api.CalculateRequest{
		SessionId: session.SessionId,
		Arguments: argValues,
		Positions: positionValues,
	})
	if err != nil {
		return fmt.Errorf("failed to calculate: %w", err)
	}
	for _, c := range response.Components {
		fmt.Printf("%s.%s %g %v\n", req.Label, c.Name, c.Value, c.Derivatives)
	}

	return nil
}

func parseFloats(s string) ([]float64, error) {
	if s == "" {
		return nil, nil
	}
	var values []float64
	for _, field := range strings.Split(s, ",") {
		v, err := strconv.ParseFloat(strings.TrimSpace(field), 64)
		if err != nil {
			return nil, err
		}
		values = append(values, v)
	}
	return values, nil
}
