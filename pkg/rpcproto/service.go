package rpcproto

import (
	"context"

	"google.golang.org/grpc"
)

// MergerServer is implemented by the external merger collaborator.
// pkg/merger dials it; nothing in this core implements it.
type MergerServer interface {
	FetchAndMerge(context.Context, *FetchAndMergeRequest) (*FetchAndMergeResponse, error)
}

// ControlServer is implemented by a replica to answer another replica's
// join/status RPCs over the same control-plane connection.
type ControlServer interface {
	Join(context.Context, *JoinRequest) (*JoinResponse, error)
	Status(context.Context, *StatusRequest) (*StatusResponse, error)
}

// MergerServiceName is the gRPC service name merger clients dial.
const MergerServiceName = "conveyor.Merger"

// ControlServiceName is the gRPC service name replicas dial for
// join/status.
const ControlServiceName = "conveyor.Control"

// RegisterMergerServer registers srv with s under the JSON codec this
// package installs, the same shape google.golang.org/grpc's generated
// _grpc.pb.go would produce, hand-written here since no .proto is
// compiled (see codec.go's package doc).
func RegisterMergerServer(s *grpc.Server, srv MergerServer) {
	s.RegisterService(&mergerServiceDesc, srv)
}

// RegisterControlServer registers srv with s.
func RegisterControlServer(s *grpc.Server, srv ControlServer) {
	s.RegisterService(&controlServiceDesc, srv)
}

func mergerFetchAndMergeHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(FetchAndMergeRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(MergerServer).FetchAndMerge(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MergerServiceName + "/FetchAndMerge"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(MergerServer).FetchAndMerge(ctx, req.(*FetchAndMergeRequest))
	}
	return interceptor(ctx, in, info, handler)
}

var mergerServiceDesc = grpc.ServiceDesc{
	ServiceName: MergerServiceName,
	HandlerType: (*MergerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "FetchAndMerge", Handler: mergerFetchAndMergeHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "rpcproto/merger.go",
}

func controlJoinHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(JoinRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ControlServer).Join(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ControlServiceName + "/Join"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ControlServer).Join(ctx, req.(*JoinRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func controlStatusHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(StatusRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ControlServer).Status(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ControlServiceName + "/Status"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ControlServer).Status(ctx, req.(*StatusRequest))
	}
	return interceptor(ctx, in, info, handler)
}

var controlServiceDesc = grpc.ServiceDesc{
	ServiceName: ControlServiceName,
	HandlerType: (*ControlServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Join", Handler: controlJoinHandler},
		{MethodName: "Status", Handler: controlStatusHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "rpcproto/control.go",
}
