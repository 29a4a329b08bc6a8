package control

import (
	"github.com/signalsfoundry/resource-pump-sim/internal/logging"
	"github.com/signalsfoundry/resource-pump-sim/internal/observability"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
)

// NewServer builds a gRPC server with the request-id, tracing and metrics
// interceptors chained in that order, and registers svc on it. collector
// may be nil. The otelgrpc stats handler opens the server span, picking up
// any trace context the caller propagated, and the tracing interceptor
// names and annotates it.
func NewServer(svc PumpControlServer, log logging.Logger, collector *observability.PumpCollector, opts ...grpc.ServerOption) *grpc.Server {
	interceptors := []grpc.UnaryServerInterceptor{
		RequestIDUnaryServerInterceptor(log),
		TracingUnaryServerInterceptor(),
	}
	if collector != nil {
		interceptors = append(interceptors, collector.UnaryServerInterceptor())
	}
	opts = append([]grpc.ServerOption{
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(interceptors...),
	}, opts...)

	server := grpc.NewServer(opts...)
	RegisterPumpControlServer(server, svc)
	return server
}
