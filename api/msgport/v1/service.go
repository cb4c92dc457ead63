package msgportv1

import (
	"context"

	"google.golang.org/grpc"
)

const ServiceName = "msgport.v1.PortService"

// ErrorTrailer names the msgerr code of a failed call.
const ErrorTrailer = "msgport-error"

const (
	RegisterPortProcedure    = "/msgport.v1.PortService/RegisterPort"
	CheckRemotePortProcedure = "/msgport.v1.PortService/CheckRemotePort"
	SendMessageProcedure     = "/msgport.v1.PortService/SendMessage"
	UnregisterPortProcedure  = "/msgport.v1.PortService/UnregisterPort"
	GetPropertiesProcedure   = "/msgport.v1.PortService/GetProperties"
	ListPortsProcedure       = "/msgport.v1.PortService/ListPorts"
	GetStatsProcedure        = "/msgport.v1.PortService/GetStats"
	ListenProcedure          = "/msgport.v1.PortService/Listen"
)

type PortServiceServer interface {
	RegisterPort(context.Context, *RegisterPortRequest) (*RegisterPortResponse, error)
	CheckRemotePort(context.Context, *CheckRemotePortRequest) (*CheckRemotePortResponse, error)
	SendMessage(context.Context, *SendMessageRequest) (*SendMessageResponse, error)
	UnregisterPort(context.Context, *UnregisterPortRequest) (*UnregisterPortResponse, error)
	GetProperties(context.Context, *GetPropertiesRequest) (*GetPropertiesResponse, error)
	ListPorts(context.Context, *ListPortsRequest) (*ListPortsResponse, error)
	GetStats(context.Context, *GetStatsRequest) (*GetStatsResponse, error)
	Listen(*ListenRequest, grpc.ServerStreamingServer[ListenResponse]) error
}

func RegisterPortServiceServer(s grpc.ServiceRegistrar, srv PortServiceServer) {
	s.RegisterService(&PortServiceDesc, srv)
}

// unary builds a method handler for a request type Req. call adapts the
// typed server method.
func unary[Req any, Res any](procedure string, call func(PortServiceServer, context.Context, *Req) (*Res, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		s := srv.(PortServiceServer) //nolint:forcetypeassert
		if interceptor == nil {
			return call(s, ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: procedure}
		return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
			return call(s, ctx, req.(*Req)) //nolint:forcetypeassert
		})
	}
}

func listenHandler(srv any, stream grpc.ServerStream) error {
	in := new(ListenRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(PortServiceServer).Listen(in, &grpc.GenericServerStream[ListenRequest, ListenResponse]{ServerStream: stream}) //nolint:forcetypeassert
}

var PortServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*PortServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "RegisterPort", Handler: unary(RegisterPortProcedure, PortServiceServer.RegisterPort)},
		{MethodName: "CheckRemotePort", Handler: unary(CheckRemotePortProcedure, PortServiceServer.CheckRemotePort)},
		{MethodName: "SendMessage", Handler: unary(SendMessageProcedure, PortServiceServer.SendMessage)},
		{MethodName: "UnregisterPort", Handler: unary(UnregisterPortProcedure, PortServiceServer.UnregisterPort)},
		{MethodName: "GetProperties", Handler: unary(GetPropertiesProcedure, PortServiceServer.GetProperties)},
		{MethodName: "ListPorts", Handler: unary(ListPortsProcedure, PortServiceServer.ListPorts)},
		{MethodName: "GetStats", Handler: unary(GetStatsProcedure, PortServiceServer.GetStats)},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Listen", Handler: listenHandler, ServerStreams: true},
	},
	Metadata: "msgport/v1/port_service",
}
