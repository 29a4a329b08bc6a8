package observability

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/signalsfoundry/resource-pump-sim/model"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

// PumpCollector bundles Prometheus metrics for the pump simulation and the
// control surface, and provides helpers to wire them into gRPC servers and
// HTTP handlers.
type PumpCollector struct {
	gatherer prometheus.Gatherer

	RPCRequests  *prometheus.CounterVec
	RPCDurations *prometheus.HistogramVec

	PumpState      *prometheus.GaugeVec
	Transferred    *prometheus.CounterVec
	Refunded       *prometheus.CounterVec
	RefundClamps   *prometheus.CounterVec
	TickDurations  prometheus.Histogram
	Pumps          prometheus.Gauge
	SupplyDelivery *prometheus.CounterVec
}

// NewPumpCollector registers pump Prometheus metrics against the provided
// registerer, defaulting to the global Prometheus registry when nil.
func NewPumpCollector(reg prometheus.Registerer) (*PumpCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	requests, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pump_control_requests_total",
		Help: "Total number of handled control RPCs, labeled by service, method, and gRPC status code.",
	}, []string{"service", "method", "code"}), "pump_control_requests_total")
	if err != nil {
		return nil, err
	}

	durations, err := registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pump_control_request_duration_seconds",
		Help:    "Control RPC latency in seconds.",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	}, []string{"service", "method"}), "pump_control_request_duration_seconds")
	if err != nil {
		return nil, err
	}

	state, err := registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pump_state",
		Help: "1 for the state each pump is currently in, 0 otherwise.",
	}, []string{"pump", "state"}), "pump_state")
	if err != nil {
		return nil, err
	}

	transferred, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pump_transferred_units_total",
		Help: "Resource units placed into destinations, labeled by pump, resource, and mode.",
	}, []string{"pump", "resource", "mode"}), "pump_transferred_units_total")
	if err != nil {
		return nil, err
	}

	refunded, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pump_refunded_units_total",
		Help: "Resource units withdrawn but returned to the source because destinations could not absorb them.",
	}, []string{"pump", "resource"}), "pump_refunded_units_total")
	if err != nil {
		return nil, err
	}

	clamps, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pump_refund_clamps_total",
		Help: "Refunds that would have left a stock outside [0, capacity] and were clamped.",
	}, []string{"pump", "resource"}), "pump_refund_clamps_total")
	if err != nil {
		return nil, err
	}

	ticks, err := registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "pump_sim_tick_duration_seconds",
		Help:    "Wall-clock time spent processing one simulation tick.",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
	}), "pump_sim_tick_duration_seconds")
	if err != nil {
		return nil, err
	}

	pumps, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pump_sim_pumps",
		Help: "Current number of pumps registered with the simulation.",
	}), "pump_sim_pumps")
	if err != nil {
		return nil, err
	}

	deliveries, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pump_supply_deliveries_total",
		Help: "Periodic supply-line deliveries performed, labeled by pump.",
	}, []string{"pump"}), "pump_supply_deliveries_total")
	if err != nil {
		return nil, err
	}

	return &PumpCollector{
		gatherer:       gatherer,
		RPCRequests:    requests,
		RPCDurations:   durations,
		PumpState:      state,
		Transferred:    transferred,
		Refunded:       refunded,
		RefundClamps:   clamps,
		TickDurations:  ticks,
		Pumps:          pumps,
		SupplyDelivery: deliveries,
	}, nil
}

// UnaryServerInterceptor records request counts and durations for unary RPCs.
func (c *PumpCollector) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		if c == nil {
			return resp, err
		}

		fullMethod := ""
		if info != nil {
			fullMethod = info.FullMethod
		}
		service, method := SplitMethod(fullMethod)
		code := status.Code(err).String()

		if c.RPCRequests != nil {
			c.RPCRequests.WithLabelValues(service, method, code).Inc()
		}
		if c.RPCDurations != nil {
			c.RPCDurations.WithLabelValues(service, method).Observe(time.Since(start).Seconds())
		}

		return resp, err
	}
}

// Handler exposes a ready-to-use /metrics handler.
func (c *PumpCollector) Handler() http.Handler {
	gatherer := c.gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetPumpState flags the pump's current state and clears the others.
func (c *PumpCollector) SetPumpState(pumpID string, state model.PumpState) {
	if c == nil || c.PumpState == nil {
		return
	}
	for _, s := range []model.PumpState{
		model.PumpStateDisabled,
		model.PumpStatePumping,
		model.PumpStateSourceEmpty,
		model.PumpStateDestinationsFull,
	} {
		v := 0.0
		if s == state {
			v = 1
		}
		c.PumpState.WithLabelValues(pumpID, s.String()).Set(v)
	}
}

// ObserveTransfer records one resource's transfer outcome for a pump.
func (c *PumpCollector) ObserveTransfer(pumpID, resource string, mode model.PumpMode, accepted, refunded float64) {
	if c == nil {
		return
	}
	if c.Transferred != nil && accepted > 0 {
		c.Transferred.WithLabelValues(pumpID, resource, mode.String()).Add(accepted)
	}
	if c.Refunded != nil && refunded > 0 {
		c.Refunded.WithLabelValues(pumpID, resource).Add(refunded)
	}
}

// ObserveRefundClamp counts a refund that had to be clamped into range.
func (c *PumpCollector) ObserveRefundClamp(pumpID, resource string) {
	if c == nil || c.RefundClamps == nil {
		return
	}
	c.RefundClamps.WithLabelValues(pumpID, resource).Inc()
}

// ObserveSupplyDelivery counts one supply-line delivery.
func (c *PumpCollector) ObserveSupplyDelivery(pumpID string) {
	if c == nil || c.SupplyDelivery == nil {
		return
	}
	c.SupplyDelivery.WithLabelValues(pumpID).Inc()
}

// ObserveTick records how long one simulation tick took.
func (c *PumpCollector) ObserveTick(d time.Duration) {
	if c == nil || c.TickDurations == nil {
		return
	}
	c.TickDurations.Observe(d.Seconds())
}

// SetPumpCount updates the registered-pump gauge.
func (c *PumpCollector) SetPumpCount(n int) {
	if c == nil || c.Pumps == nil {
		return
	}
	c.Pumps.Set(float64(n))
}

// SplitMethod parses a fully-qualified gRPC method name into service and method
// components. It tolerates empty strings and partial paths, returning
// "unknown"/"unknown" when parsing fails.
func SplitMethod(fullMethod string) (string, string) {
	if fullMethod == "" {
		return "unknown", "unknown"
	}
	fullMethod = strings.TrimPrefix(fullMethod, "/")
	parts := strings.Split(fullMethod, "/")
	if len(parts) < 2 {
		return "unknown", "unknown"
	}
	service := parts[len(parts)-2]
	method := parts[len(parts)-1]
	if dot := strings.LastIndex(service, "."); dot >= 0 && dot+1 < len(service) {
		service = service[dot+1:]
	}
	if service == "" {
		service = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	return service, method
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGaugeVec(reg prometheus.Registerer, vec *prometheus.GaugeVec, name string) (*prometheus.GaugeVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.GaugeVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogramVec(reg prometheus.Registerer, vec *prometheus.HistogramVec, name string) (*prometheus.HistogramVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogram(reg prometheus.Registerer, h prometheus.Histogram, name string) (prometheus.Histogram, error) {
	if err := reg.Register(h); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return h, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}
