package v1alpha1

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// OpenSessionRequest creates a bridge on the server. Exactly one of NumArguments (scalar
// actions) or NumAtoms (TORCHCOLVAR) is set.
type OpenSessionRequest struct {
	Label        string `json:"label"`
	Action       string `json:"action"`
	ModuleFile   string `json:"moduleFile"`
	NumOutput    int32  `json:"numOutput"`
	NumArguments int32  `json:"numArguments,omitempty"`
	NumAtoms     int32  `json:"numAtoms,omitempty"`
}

type ModelInfo struct {
	Name          string  `json:"name,omitempty"`
	DType         string  `json:"dtype"`
	InputShape    []int32 `json:"inputShape"`
	NumParameters int32   `json:"numParameters"`
}

type OpenSessionResponse struct {
	SessionId  string    `json:"sessionId"`
	Components []string  `json:"components"`
	Model      ModelInfo `json:"model"`
}

// CalculateRequest carries the host state of one step: the arguments, or the flattened
// x, y, z positions of every atom.
type CalculateRequest struct {
	SessionId string    `json:"sessionId"`
	Arguments []float64 `json:"arguments,omitempty"`
	Positions []float64 `json:"positions,omitempty"`
}

type Component struct {
	Name        string    `json:"name"`
	Value       float64   `json:"value"`
	Derivatives []float64 `json:"derivatives"`
}

type CalculateResponse struct {
	Components          []Component `json:"components"`
	BoxDerivativesNoPbc bool        `json:"boxDerivativesNoPbc,omitempty"`
}

type CloseSessionRequest struct {
	SessionId string `json:"sessionId"`
}

type CloseSessionResponse struct{}

const (
	Bridge_ServiceName                 = "torchbridge.v1alpha1.Bridge"
	Bridge_OpenSession_FullMethodName  = "/" + Bridge_ServiceName + "/OpenSession"
	Bridge_Calculate_FullMethodName    = "/" + Bridge_ServiceName + "/Calculate"
	Bridge_CloseSession_FullMethodName = "/" + Bridge_ServiceName + "/CloseSession"
)

// BridgeClient is the client API for the Bridge service.
type BridgeClient interface {
	OpenSession(ctx context.Context, in *OpenSessionRequest, opts ...grpc.CallOption) (*OpenSessionResponse, error)
	Calculate(ctx context.Context, in *CalculateRequest, opts ...grpc.CallOption) (*CalculateResponse, error)
	CloseSession(ctx context.Context, in *CloseSessionRequest, opts ...grpc.CallOption) (*CloseSessionResponse, error)
}

type bridgeClient struct {
	cc grpc.ClientConnInterface
}

func NewBridgeClient(cc grpc.ClientConnInterface) BridgeClient {
	return &bridgeClient{cc}
}

func (c *bridgeClient) invoke(ctx context.Context, method string, in, out any, opts []grpc.CallOption) error {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(JSONCodecName)}, opts...)
	return c.cc.Invoke(ctx, method, in, out, opts...)
}

func (c *bridgeClient) OpenSession(ctx context.Context, in *OpenSessionRequest, opts ...grpc.CallOption) (*OpenSessionResponse, error) {
	out := new(OpenSessionResponse)
	if err := c.invoke(ctx, Bridge_OpenSession_FullMethodName, in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *bridgeClient) Calculate(ctx context.Context, in *CalculateRequest, opts ...grpc.CallOption) (*CalculateResponse, error) {
	out := new(CalculateResponse)
	if err := c.invoke(ctx, Bridge_Calculate_FullMethodName, in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *bridgeClient) CloseSession(ctx context.Context, in *CloseSessionRequest, opts ...grpc.CallOption) (*CloseSessionResponse, error) {
	out := new(CloseSessionResponse)
	if err := c.invoke(ctx, Bridge_CloseSession_FullMethodName, in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

// BridgeServer is the server API for the Bridge service.
type BridgeServer interface {
	OpenSession(context.Context, *OpenSessionRequest) (*OpenSessionResponse, error)
	Calculate(context.Context, *CalculateRequest) (*CalculateResponse, error)
	CloseSession(context.Context, *CloseSessionRequest) (*CloseSessionResponse, error)
}

// UnimplementedBridgeServer can be embedded to have forward compatible implementations.
type UnimplementedBridgeServer struct{}

func (UnimplementedBridgeServer) OpenSession(context.Context, *OpenSessionRequest) (*OpenSessionResponse, error) {
	return nil, status.Errorf(codes.Unimplemented, "method OpenSession not implemented")
}

func (UnimplementedBridgeServer) Calculate(context.Context, *CalculateRequest) (*CalculateResponse, error) {
	return nil, status.Errorf(codes.Unimplemented, "method Calculate not implemented")
}

func (UnimplementedBridgeServer) CloseSession(context.Context, *CloseSessionRequest) (*CloseSessionResponse, error) {
	return nil, status.Errorf(codes.Unimplemented, "method CloseSession not implemented")
}

func RegisterBridgeServer(s grpc.ServiceRegistrar, srv BridgeServer) {
	s.RegisterService(&Bridge_ServiceDesc, srv)
}

func _Bridge_OpenSession_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(OpenSessionRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(BridgeServer).OpenSession(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: Bridge_OpenSession_FullMethodName}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(BridgeServer).OpenSession(ctx, req.(*OpenSessionRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _Bridge_Calculate_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(CalculateRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(BridgeServer).Calculate(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: Bridge_Calculate_FullMethodName}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(BridgeServer).Calculate(ctx, req.(*CalculateRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _Bridge_CloseSession_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(CloseSessionRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(BridgeServer).CloseSession(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: Bridge_CloseSession_FullMethodName}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(BridgeServer).CloseSession(ctx, req.(*CloseSessionRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// Bridge_ServiceDesc is the grpc.ServiceDesc for the Bridge service.
var Bridge_ServiceDesc = grpc.ServiceDesc{
	ServiceName: Bridge_ServiceName,
	HandlerType: (*BridgeServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "OpenSession", Handler: _Bridge_OpenSession_Handler},
		{MethodName: "Calculate", Handler: _Bridge_Calculate_Handler},
		{MethodName: "CloseSession", Handler: _Bridge_CloseSession_Handler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "torchbridge/v1alpha1/bridge",
}
