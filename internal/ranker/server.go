package ranker

import (
	"context"
	"errors"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	serviceName = "screening.v1.Ranker"
	rankMethod  = "/" + serviceName + "/Rank"
)

// #region service-desc
var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*Ranker)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Rank", Handler: rankHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "screening/v1/ranker.proto",
}

// RegisterServer exposes r as the ranking service on s.
func RegisterServer(s grpc.ServiceRegistrar, r Ranker) {
	s.RegisterService(&serviceDesc, r)
}

func rankHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return serveRank(ctx, srv.(Ranker), in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: rankMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return serveRank(ctx, srv.(Ranker), req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// #endregion service-desc

// #region serve
func serveRank(ctx context.Context, r Ranker, in *structpb.Struct) (*structpb.Struct, error) {
	req, err := requestFromStruct(in)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	resp, err := r.Rank(ctx, req)
	if err != nil {
		if _, ok := status.FromError(err); ok {
			return nil, err
		}
		if errors.Is(err, ErrBadPayload) {
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}
		return nil, status.Error(codes.Internal, err.Error())
	}
	out, err := resp.toStruct()
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

// #endregion serve
