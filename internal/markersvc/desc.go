package markersvc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	methodMerge     = "/" + ServiceName + "/Merge"
	methodRecompute = "/" + ServiceName + "/Recompute"
	methodCounts    = "/" + ServiceName + "/Counts"
	methodFavorite  = "/" + ServiceName + "/Favorite"
	methodLocate    = "/" + ServiceName + "/Locate"
)

// ServiceDesc describes MarkerService for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*MarkerServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Merge", Handler: structHandler(methodMerge, MarkerServiceServer.Merge)},
		{MethodName: "Recompute", Handler: structHandler(methodRecompute, MarkerServiceServer.Recompute)},
		{MethodName: "Counts", Handler: countsHandler},
		{MethodName: "Favorite", Handler: structHandler(methodFavorite, MarkerServiceServer.Favorite)},
		{MethodName: "Locate", Handler: structHandler(methodLocate, MarkerServiceServer.Locate)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "aqmap/v1/marker_service.proto",
}

type structMethod func(MarkerServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func structHandler(fullMethod string, call structMethod) grpc.MethodHandler {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(MarkerServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(MarkerServiceServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func countsHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(MarkerServiceServer).Counts(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodCounts}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(MarkerServiceServer).Counts(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}
