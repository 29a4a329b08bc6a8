// Package control exposes the simulation's pumps over gRPC.
//
// The service is declared by hand on top of protobuf well-known types, so
// there is no generated code: requests are Struct or StringValue messages
// and every reply is a Struct.
package control

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ServiceName is the fully-qualified gRPC service name.
const ServiceName = "pumpsim.control.v1.PumpControl"

// Full method names.
const (
	MethodListPumps    = "/" + ServiceName + "/ListPumps"
	MethodGetPump      = "/" + ServiceName + "/GetPump"
	MethodSetActivated = "/" + ServiceName + "/SetActivated"
	MethodSetMode      = "/" + ServiceName + "/SetMode"
	MethodSetRate      = "/" + ServiceName + "/SetRate"
	MethodFlush        = "/" + ServiceName + "/Flush"

	MethodGetSupplyLine        = "/" + ServiceName + "/GetSupplyLine"
	MethodSetSupplyEnabled     = "/" + ServiceName + "/SetSupplyEnabled"
	MethodSetSupplyPeriod      = "/" + ServiceName + "/SetSupplyPeriod"
	MethodStartSupplyRecording = "/" + ServiceName + "/StartSupplyRecording"
	MethodStopSupplyRecording  = "/" + ServiceName + "/StopSupplyRecording"
)

// PumpControlServer is the server API.
//
// SetActivated takes {pump_id, activated}, SetMode {pump_id, mode},
// SetRate {pump_id, rate_percent} and Flush {pump_id, rate_percent}.
// The supply-line calls take {pump_id}, plus enabled for SetSupplyEnabled
// and period_hours for SetSupplyPeriod.
type PumpControlServer interface {
	ListPumps(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	GetPump(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	SetActivated(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SetMode(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SetRate(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Flush(context.Context, *structpb.Struct) (*structpb.Struct, error)

	GetSupplyLine(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	SetSupplyEnabled(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SetSupplyPeriod(context.Context, *structpb.Struct) (*structpb.Struct, error)
	StartSupplyRecording(context.Context, *structpb.Struct) (*structpb.Struct, error)
	StopSupplyRecording(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// RegisterPumpControlServer registers srv on s.
func RegisterPumpControlServer(s grpc.ServiceRegistrar, srv PumpControlServer) {
	s.RegisterService(&PumpControlServiceDesc, srv)
}

// PumpControlServiceDesc is the grpc.ServiceDesc for PumpControl.
var PumpControlServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*PumpControlServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "ListPumps",
			Handler: unary(MethodListPumps, func() proto.Message { return new(emptypb.Empty) },
				func(s PumpControlServer, ctx context.Context, in proto.Message) (proto.Message, error) {
					return s.ListPumps(ctx, in.(*emptypb.Empty))
				}),
		},
		{
			MethodName: "GetPump",
			Handler: unary(MethodGetPump, func() proto.Message { return new(wrapperspb.StringValue) },
				func(s PumpControlServer, ctx context.Context, in proto.Message) (proto.Message, error) {
					return s.GetPump(ctx, in.(*wrapperspb.StringValue))
				}),
		},
		{
			MethodName: "SetActivated",
			Handler: unary(MethodSetActivated, newStruct,
				func(s PumpControlServer, ctx context.Context, in proto.Message) (proto.Message, error) {
					return s.SetActivated(ctx, in.(*structpb.Struct))
				}),
		},
		{
			MethodName: "SetMode",
			Handler: unary(MethodSetMode, newStruct,
				func(s PumpControlServer, ctx context.Context, in proto.Message) (proto.Message, error) {
					return s.SetMode(ctx, in.(*structpb.Struct))
				}),
		},
		{
			MethodName: "SetRate",
			Handler: unary(MethodSetRate, newStruct,
				func(s PumpControlServer, ctx context.Context, in proto.Message) (proto.Message, error) {
					return s.SetRate(ctx, in.(*structpb.Struct))
				}),
		},
		{
			MethodName: "Flush",
			Handler: unary(MethodFlush, newStruct,
				func(s PumpControlServer, ctx context.Context, in proto.Message) (proto.Message, error) {
					return s.Flush(ctx, in.(*structpb.Struct))
				}),
		},
		{
			MethodName: "GetSupplyLine",
			Handler: unary(MethodGetSupplyLine, func() proto.Message { return new(wrapperspb.StringValue) },
				func(s PumpControlServer, ctx context.Context, in proto.Message) (proto.Message, error) {
					return s.GetSupplyLine(ctx, in.(*wrapperspb.StringValue))
				}),
		},
		{
			MethodName: "SetSupplyEnabled",
			Handler: unary(MethodSetSupplyEnabled, newStruct,
				func(s PumpControlServer, ctx context.Context, in proto.Message) (proto.Message, error) {
					return s.SetSupplyEnabled(ctx, in.(*structpb.Struct))
				}),
		},
		{
			MethodName: "SetSupplyPeriod",
			Handler: unary(MethodSetSupplyPeriod, newStruct,
				func(s PumpControlServer, ctx context.Context, in proto.Message) (proto.Message, error) {
					return s.SetSupplyPeriod(ctx, in.(*structpb.Struct))
				}),
		},
		{
			MethodName: "StartSupplyRecording",
			Handler: unary(MethodStartSupplyRecording, newStruct,
				func(s PumpControlServer, ctx context.Context, in proto.Message) (proto.Message, error) {
					return s.StartSupplyRecording(ctx, in.(*structpb.Struct))
				}),
		},
		{
			MethodName: "StopSupplyRecording",
			Handler: unary(MethodStopSupplyRecording, newStruct,
				func(s PumpControlServer, ctx context.Context, in proto.Message) (proto.Message, error) {
					return s.StopSupplyRecording(ctx, in.(*structpb.Struct))
				}),
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "pumpsim/control/v1/control.proto",
}

func newStruct() proto.Message { return new(structpb.Struct) }

type callFunc func(PumpControlServer, context.Context, proto.Message) (proto.Message, error)

// unary builds a grpc.MethodHandler the same way protoc-gen-go-grpc does
// for each method: decode, then call directly or through the interceptor.
func unary(fullMethod string, newReq func() proto.Message, call callFunc) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := newReq()
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(PumpControlServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(PumpControlServer), ctx, req.(proto.Message))
		}
		return interceptor(ctx, in, info, handler)
	}
}
