package server

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the full gRPC service name, also used for health status.
const ServiceName = "triage.trust_gateway.v1.TrustGatewayService"

// Full method names.
const (
	CallToolMethod        = "/" + ServiceName + "/CallTool"
	GetSessionTrustMethod = "/" + ServiceName + "/GetSessionTrust"
	ResetSessionMethod    = "/" + ServiceName + "/ResetSession"
)

// TrustGatewayServiceServer is the server API of the trust gateway service.
// Messages are google.protobuf.Struct so agents need no generated stubs:
//
//	CallTool:        {agent_tool_id, session_id, call_id?, arguments?} -> tool call result
//	GetSessionTrust: {session_id} -> session snapshot
//	ResetSession:    {session_id} -> {session_id, reset}
type TrustGatewayServiceServer interface {
	CallTool(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetSessionTrust(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ResetSession(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// RegisterTrustGatewayServiceServer registers srv on s.
func RegisterTrustGatewayServiceServer(s grpc.ServiceRegistrar, srv TrustGatewayServiceServer) {
	s.RegisterService(&serviceDesc, srv)
}

type unaryMethod func(TrustGatewayServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(fullMethod string, call unaryMethod) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(TrustGatewayServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(TrustGatewayServiceServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*TrustGatewayServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "CallTool",
			Handler:    unaryHandler(CallToolMethod, TrustGatewayServiceServer.CallTool),
		},
		{
			MethodName: "GetSessionTrust",
			Handler:    unaryHandler(GetSessionTrustMethod, TrustGatewayServiceServer.GetSessionTrust),
		},
		{
			MethodName: "ResetSession",
			Handler:    unaryHandler(ResetSessionMethod, TrustGatewayServiceServer.ResetSession),
		},
	},
	Streams: []grpc.StreamDesc{},
}
