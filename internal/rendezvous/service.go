package rendezvous

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	serviceName   = "cudaipc.rendezvous.Rendezvous"
	fetchMethod   = "/" + serviceName + "/Fetch"
	releaseMethod = "/" + serviceName + "/Release"
)

// rendezvousServer is the server API of the rendezvous service.
type rendezvousServer interface {
	// Fetch returns the encoded advertisement published under a name.
	Fetch(context.Context, *wrapperspb.StringValue) (*wrapperspb.BytesValue, error)
	// Release tells the owner that a peer is done with a name.
	Release(context.Context, *wrapperspb.StringValue) (*emptypb.Empty, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*rendezvousServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Fetch",
			Handler:    fetchHandler,
		},
		{
			MethodName: "Release",
			Handler:    releaseHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "rendezvous.proto",
}

func fetchHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(rendezvousServer).Fetch(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: fetchMethod,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(rendezvousServer).Fetch(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}

func releaseHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(rendezvousServer).Release(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: releaseMethod,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(rendezvousServer).Release(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}
