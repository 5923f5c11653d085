// Package server exposes bridges over gRPC. Each session owns one bridge and the host
// state it reads; steps of a session are serialized.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"k8s.io/klog/v2"

	api "github.com/zwpku/torchann-plumed/api/v1alpha1"
	"github.com/zwpku/torchann-plumed/pkg/blobs"
	"github.com/zwpku/torchann-plumed/pkg/bridge"
	"github.com/zwpku/torchann-plumed/pkg/host"
	"github.com/zwpku/torchann-plumed/pkg/model"
)

const tracerName = "github.com/zwpku/torchann-plumed/pkg/server"

type Server struct {
	api.UnimplementedBridgeServer

	// Cache resolves remote model references. If nil, remote references are refused.
	Cache *blobs.ModelCache
	// ModelRoot is the directory local model paths are relative to; they may not leave
	// it. If empty, local paths are refused.
	ModelRoot string
	// AllowedRemotes lists the hosts (host[:port] for http and https) and the buckets (for
	// gs) that remote references may name.
	AllowedRemotes []string

	tracer trace.Tracer

	mutex    sync.Mutex
	sessions map[string]*session
}

type session struct {
	mutex    sync.Mutex
	bridge   *bridge.Bridge
	function *host.FunctionAction
	colvar   *host.ColvarAction
}

func NewServer(cache *blobs.ModelCache, modelRoot string) *Server {
	return &Server{
		Cache:     cache,
		ModelRoot: modelRoot,
		tracer:    otel.Tracer(tracerName),
		sessions:  make(map[string]*session),
	}
}

var _ api.BridgeServer = &Server{}

func (s *Server) OpenSession(ctx context.Context, req *api.OpenSessionRequest) (*api.OpenSessionResponse, error) {
	log := klog.FromContext(ctx)

	ctx, span := s.tracer.Start(ctx, "Bridge.OpenSession", trace.WithAttributes(
		attribute.String("label", req.Label),
		attribute.String("action", req.Action),
	))
	defer span.End()

	if req.Label == "" {
		return nil, spanError(span, status.Error(codes.InvalidArgument, "label is required"))
	}
	if req.NumOutput <= 0 {
		return nil, spanError(span, status.Errorf(codes.InvalidArgument, "numOutput must be positive, got %d", req.NumOutput))
	}

	moduleFile, err := s.resolveModel(ctx, req.ModuleFile)
	if err != nil {
		return nil, spanError(span, err)
	}

	cfg := bridge.Config{
		Label:      req.Label,
		Action:     strings.ToUpper(req.Action),
		ModuleFile: moduleFile,
		NumOutput:  int(req.NumOutput),
	}

	sess := &session{}
	if cfg.Action == bridge.ActionColvar {
		if req.NumAtoms <= 0 || req.NumArguments != 0 {
			return nil, spanError(span, status.Errorf(codes.InvalidArgument, "%s needs numAtoms and no numArguments", cfg.Action))
		}
		sess.colvar = host.NewColvarAction(req.Label, int(req.NumAtoms))
		sess.bridge, err = bridge.NewColvar(ctx, cfg, sess.colvar)
	} else {
		if req.NumArguments <= 0 || req.NumAtoms != 0 {
			return nil, spanError(span, status.Errorf(codes.InvalidArgument, "%s needs numArguments and no numAtoms", req.Action))
		}
		sess.function = host.NewFunctionAction(req.Label, int(req.NumArguments))
		sess.bridge, err = bridge.NewFunction(ctx, cfg, sess.function)
	}
	if err != nil {
		var loadErr *model.LoadError
		if errors.As(err, &loadErr) {
			log.Error(err, "loading model", "label", req.Label, "model", req.ModuleFile)
		}
		return nil, spanError(span, toStatus(err, codes.InvalidArgument))
	}

	id := uuid.NewString()
	s.mutex.Lock()
	s.sessions[id] = sess
	s.mutex.Unlock()

	m := sess.bridge.Model()
	info := api.ModelInfo{
		Name:          m.Name(),
		DType:         m.DType().String(),
		NumParameters: int32(m.NumParameters()),
	}
	for _, d := range m.InputShape() {
		info.InputShape = append(info.InputShape, int32(d))
	}

	span.SetAttributes(attribute.String("session", id))
	log.Info("opened session", "session", id, "label", req.Label, "action", cfg.Action, "model", req.ModuleFile)
	return &api.OpenSessionResponse{
		SessionId:  id,
		Components: sess.bridge.ComponentNames(),
		Model:      info,
	}, nil
}

func (s *Server) Calculate(ctx context.Context, req *api.CalculateRequest) (*api.CalculateResponse, error) {
	ctx, span := s.tracer.Start(ctx, "Bridge.Calculate", trace.WithAttributes(
		attribute.String("session", req.SessionId),
	))
	defer span.End()

	sess, err := s.session(req.SessionId)
	if err != nil {
		return nil, spanError(span, err)
	}

	sess.mutex.Lock()
	defer sess.mutex.Unlock()

	var components []*host.Value
	if sess.colvar != nil {
		if len(req.Arguments) != 0 {
			return nil, spanError(span, status.Error(codes.InvalidArgument, "colvar sessions take positions, not arguments"))
		}
		if len(req.Positions) != 3*sess.colvar.TotalAtoms() {
			return nil, spanError(span, status.Errorf(codes.InvalidArgument, "expected %d position values, got %d", 3*sess.colvar.TotalAtoms(), len(req.Positions)))
		}
		positions := make([]bridge.Vector, sess.colvar.TotalAtoms())
		for i := range positions {
			copy(positions[i][:], req.Positions[3*i:3*i+3])
		}
		if err := sess.colvar.SetPositions(positions); err != nil {
			return nil, spanError(span, status.Error(codes.InvalidArgument, err.Error()))
		}
		components = sess.colvar.Components()
	} else {
		if len(req.Positions) != 0 {
			return nil, spanError(span, status.Error(codes.InvalidArgument, "function sessions take arguments, not positions"))
		}
		if err := sess.function.SetArguments(req.Arguments); err != nil {
			return nil, spanError(span, status.Error(codes.InvalidArgument, err.Error()))
		}
		components = sess.function.Components()
	}

	if err := sess.bridge.Calculate(ctx); err != nil {
		return nil, spanError(span, toStatus(err, codes.Internal))
	}

	resp := &api.CalculateResponse{}
	for _, v := range components {
		resp.Components = append(resp.Components, api.Component{
			Name:        v.Name(),
			Value:       v.Get(),
			Derivatives: v.Derivatives(),
		})
	}
	if sess.colvar != nil {
		resp.BoxDerivativesNoPbc = sess.colvar.BoxDerivativesNoPBC()
	}
	return resp, nil
}

func (s *Server) CloseSession(ctx context.Context, req *api.CloseSessionRequest) (*api.CloseSessionResponse, error) {
	log := klog.FromContext(ctx)

	s.mutex.Lock()
	_, found := s.sessions[req.SessionId]
	delete(s.sessions, req.SessionId)
	s.mutex.Unlock()

	if !found {
		return nil, status.Errorf(codes.NotFound, "session %q not found", req.SessionId)
	}
	log.Info("closed session", "session", req.SessionId)
	return &api.CloseSessionResponse{}, nil
}

// NumSessions returns the number of open sessions.
func (s *Server) NumSessions() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return len(s.sessions)
}

func (s *Server) session(id string) (*session, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	sess, found := s.sessions[id]
	if !found {
		return nil, status.Errorf(codes.NotFound, "session %q not found", id)
	}
	return sess, nil
}

// resolveModel maps a client reference to a local path. Errors carry no detail about the
// host filesystem or the remote store; the detail is logged instead.
func (s *Server) resolveModel(ctx context.Context, ref string) (string, error) {
	log := klog.FromContext(ctx)

	if ref == "" {
		return "", status.Error(codes.InvalidArgument, "moduleFile is required")
	}
	if blobs.IsRemote(ref) {
		if s.Cache == nil {
			return "", status.Errorf(codes.InvalidArgument, "remote model %q not supported, no cache configured", ref)
		}
		if !s.remoteAllowed(ref) {
			return "", status.Errorf(codes.PermissionDenied, "remote model %q is not on an allowed host", ref)
		}
		p, err := s.Cache.Resolve(ctx, ref)
		if err != nil {
			log.Error(err, "fetching model", "model", ref)
			return "", status.Errorf(codes.Unavailable, "model %q could not be fetched", ref)
		}
		return p, nil
	}

	if s.ModelRoot == "" {
		return "", status.Error(codes.PermissionDenied, "local model paths are disabled, no model root configured")
	}
	if !filepath.IsLocal(ref) {
		return "", status.Error(codes.PermissionDenied, "model path must be relative to the model root and stay inside it")
	}
	// Resolving through os.Root also refuses symlinks that lead out of the model root.
	root, err := os.OpenRoot(s.ModelRoot)
	if err != nil {
		log.Error(err, "opening model root", "root", s.ModelRoot)
		return "", status.Error(codes.Internal, "model root is unavailable")
	}
	defer root.Close()
	if _, err := root.Stat(ref); err != nil {
		log.Error(err, "resolving model", "model", ref)
		return "", status.Error(codes.FailedPrecondition, loadFailed)
	}
	return filepath.Join(s.ModelRoot, ref), nil
}

func (s *Server) remoteAllowed(ref string) bool {
	u, err := url.Parse(ref)
	if err != nil || u.Host == "" {
		return false
	}
	return slices.Contains(s.AllowedRemotes, u.Host)
}

const loadFailed = "model could not be loaded"

// toStatus maps bridge errors to gRPC codes; anything unrecognized gets fallback. Load
// errors are reported without their cause, which may quote the model file.
func toStatus(err error, fallback codes.Code) error {
	var loadErr *model.LoadError
	var shapeErr *bridge.ShapeMismatchError
	var reentrantErr *bridge.ReentrantBackwardError
	switch {
	case errors.As(err, &loadErr):
		return status.Error(codes.FailedPrecondition, loadFailed)
	case errors.As(err, &shapeErr):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.As(err, &reentrantErr):
		return status.Error(codes.Internal, err.Error())
	default:
		return status.Error(fallback, err.Error())
	}
}

func spanError(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(otelcodes.Error, fmt.Sprint(status.Code(err)))
	return err
}
