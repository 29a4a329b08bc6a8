package control

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/signalsfoundry/resource-pump-sim/internal/logging"
	"github.com/signalsfoundry/resource-pump-sim/internal/pump"
	"github.com/signalsfoundry/resource-pump-sim/internal/sim"
	"github.com/signalsfoundry/resource-pump-sim/model"
	"go.opentelemetry.io/otel/attribute"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Request and reply field names.
const (
	KeyPumpID         = "pump_id"
	KeyActivated      = "activated"
	KeyMode           = "mode"
	KeyRatePercent    = "rate_percent"
	KeyHostNodeID     = "host_node_id"
	KeyMaxRemoteRange = "max_remote_range"
	KeyState          = "state"
	KeyCooldownUntil  = "cooldown_until"
	KeyInvalid        = "invalid"
	KeyPumps          = "pumps"
	KeyAttempted      = "attempted"
	KeyAccepted       = "accepted"
	KeyRefunded       = "refunded"
	KeyEligible       = "eligible"
	KeyShortfall      = "shortfall"

	KeyEnabled      = "enabled"
	KeyPeriodHours  = "period_hours"
	KeyLastDelivery = "last_delivery"
	KeyDeliveries   = "deliveries"
	KeyRecording    = "recording"
	KeyRecordStart  = "record_start"
)

// Service implements PumpControlServer on top of a Simulation.
type Service struct {
	sim *sim.Simulation
	log logging.Logger
}

var _ PumpControlServer = (*Service)(nil)

// NewService constructs a Service bound to s.
func NewService(s *sim.Simulation, log logging.Logger) *Service {
	if log == nil {
		log = logging.Noop()
	}
	return &Service{sim: s, log: log}
}

func (s *Service) ensureReady() error {
	if s == nil || s.sim == nil {
		return status.Error(codes.Internal, "simulation not available")
	}
	return nil
}

// ListPumps returns every pump's status ordered by ID.
func (s *Service) ListPumps(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	var list []any
	for _, st := range s.sim.ListPumps() {
		list = append(list, statusMap(st))
	}
	out, err := structpb.NewStruct(map[string]any{KeyPumps: list})
	if err != nil {
		return nil, ToStatusError(err)
	}
	return out, nil
}

// GetPump returns one pump's status.
func (s *Service) GetPump(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	if req.GetValue() == "" {
		return nil, status.Error(codes.InvalidArgument, "pump_id is required")
	}
	return s.statusReply(req.GetValue())
}

// SetActivated switches a pump on or off.
func (s *Service) SetActivated(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	id, err := pumpID(req)
	if err != nil {
		return nil, ToStatusError(err)
	}
	on, ok := req.GetFields()[KeyActivated].GetKind().(*structpb.Value_BoolValue)
	if !ok {
		return nil, ToStatusError(fmt.Errorf("%w: %s must be a bool", ErrInvalidRequest, KeyActivated))
	}

	ctx, span := StartChildSpan(ctx, "PumpControl.SetActivated", "pump", id, attribute.Bool("activated", on.BoolValue))
	defer span.End()

	if err := s.sim.SetPumpActivated(id, on.BoolValue); err != nil {
		return nil, ToStatusError(err)
	}
	logging.LoggerFromContext(ctx, s.log).Info(ctx, "pump activation changed",
		logging.String("pump_id", id), logging.Bool("activated", on.BoolValue))
	return s.statusReply(id)
}

// SetMode changes a pump's mode.
func (s *Service) SetMode(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	id, err := pumpID(req)
	if err != nil {
		return nil, ToStatusError(err)
	}
	raw, ok := req.GetFields()[KeyMode].GetKind().(*structpb.Value_StringValue)
	if !ok {
		return nil, ToStatusError(fmt.Errorf("%w: %s must be a string", ErrInvalidRequest, KeyMode))
	}
	mode, err := model.ParsePumpMode(raw.StringValue)
	if err != nil {
		return nil, ToStatusError(fmt.Errorf("%w: %v", ErrInvalidRequest, err))
	}

	ctx, span := StartChildSpan(ctx, "PumpControl.SetMode", "pump", id, attribute.String("mode", mode.String()))
	defer span.End()

	if err := s.sim.SetPumpMode(id, mode); err != nil {
		return nil, ToStatusError(err)
	}
	logging.LoggerFromContext(ctx, s.log).Info(ctx, "pump mode changed",
		logging.String("pump_id", id), logging.String("mode", mode.String()))
	return s.statusReply(id)
}

// SetRate changes a pump's rate percentage.
func (s *Service) SetRate(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	id, err := pumpID(req)
	if err != nil {
		return nil, ToStatusError(err)
	}
	rate, err := ratePercent(req)
	if err != nil {
		return nil, ToStatusError(err)
	}
	if err := s.sim.SetPumpRate(id, rate); err != nil {
		return nil, ToStatusError(err)
	}
	logging.LoggerFromContext(ctx, s.log).Info(ctx, "pump rate changed",
		logging.String("pump_id", id), logging.Float64("rate_percent", rate))
	return s.statusReply(id)
}

// Flush moves rate_percent of each eligible host stock's capacity right
// away. The pump must be activated and valid.
func (s *Service) Flush(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	id, err := pumpID(req)
	if err != nil {
		return nil, ToStatusError(err)
	}
	rate, err := ratePercent(req)
	if err != nil {
		return nil, ToStatusError(err)
	}

	st, err := s.sim.GetPump(id)
	if err != nil {
		return nil, ToStatusError(err)
	}
	if st.Invalid != "" {
		return nil, ToStatusError(fmt.Errorf("%w: %s", ErrPumpUnavailable, st.Invalid))
	}
	if !st.Activated {
		return nil, ToStatusError(fmt.Errorf("%w: pump %q is deactivated", ErrPumpUnavailable, id))
	}

	ctx, span := StartChildSpan(ctx, "PumpControl.Flush", "pump", id, attribute.Float64("rate_percent", rate))
	defer span.End()

	out, err := s.sim.FlushPump(ctx, id, rate)
	if err != nil {
		return nil, ToStatusError(err)
	}
	logging.LoggerFromContext(ctx, s.log).Info(ctx, "pump flushed",
		logging.String("pump_id", id),
		logging.Float64("accepted", out.Accepted),
		logging.Float64("refunded", out.Refunded),
	)
	reply, err := structpb.NewStruct(outcomeMap(id, out))
	if err != nil {
		return nil, ToStatusError(err)
	}
	return reply, nil
}

// GetSupplyLine returns the supply line wrapping a pump.
func (s *Service) GetSupplyLine(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	if req.GetValue() == "" {
		return nil, status.Error(codes.InvalidArgument, "pump_id is required")
	}
	return supplyReply(s.sim.SupplyLine(req.GetValue()))
}

// SetSupplyEnabled turns a supply line's periodic deliveries on or off.
func (s *Service) SetSupplyEnabled(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	id, err := pumpID(req)
	if err != nil {
		return nil, ToStatusError(err)
	}
	on, ok := req.GetFields()[KeyEnabled].GetKind().(*structpb.Value_BoolValue)
	if !ok {
		return nil, ToStatusError(fmt.Errorf("%w: %s must be a bool", ErrInvalidRequest, KeyEnabled))
	}

	ctx, span := StartChildSpan(ctx, "PumpControl.SetSupplyEnabled", "pump", id, attribute.Bool("enabled", on.BoolValue))
	defer span.End()

	st, err := s.sim.SetSupplyEnabled(id, on.BoolValue)
	if err != nil {
		return nil, ToStatusError(err)
	}
	logging.LoggerFromContext(ctx, s.log).Info(ctx, "supply line toggled",
		logging.String("pump_id", id), logging.Bool("enabled", on.BoolValue))
	return supplyReply(st, nil)
}

// SetSupplyPeriod changes a supply line's delivery period.
func (s *Service) SetSupplyPeriod(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	id, err := pumpID(req)
	if err != nil {
		return nil, ToStatusError(err)
	}
	v, ok := req.GetFields()[KeyPeriodHours].GetKind().(*structpb.Value_NumberValue)
	if !ok || math.IsNaN(v.NumberValue) || math.IsInf(v.NumberValue, 0) || v.NumberValue < 0 {
		return nil, ToStatusError(fmt.Errorf("%w: %s must be a non-negative number", ErrInvalidRequest, KeyPeriodHours))
	}
	st, err := s.sim.SetSupplyPeriod(id, time.Duration(v.NumberValue*float64(time.Hour)))
	if err != nil {
		return nil, ToStatusError(err)
	}
	logging.LoggerFromContext(ctx, s.log).Info(ctx, "supply period changed",
		logging.String("pump_id", id), logging.Duration("period", st.Period))
	return supplyReply(st, nil)
}

// StartSupplyRecording starts timing a supply round trip.
func (s *Service) StartSupplyRecording(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	id, err := pumpID(req)
	if err != nil {
		return nil, ToStatusError(err)
	}
	return supplyReply(s.sim.StartSupplyRecording(id))
}

// StopSupplyRecording ends the round trip and adopts it as the period.
func (s *Service) StopSupplyRecording(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	id, err := pumpID(req)
	if err != nil {
		return nil, ToStatusError(err)
	}
	st, err := s.sim.StopSupplyRecording(id)
	if err != nil {
		return nil, ToStatusError(err)
	}
	logging.LoggerFromContext(ctx, s.log).Info(ctx, "supply round trip recorded",
		logging.String("pump_id", id), logging.Duration("period", st.Period))
	return supplyReply(st, nil)
}

func supplyReply(st pump.SupplyStatus, err error) (*structpb.Struct, error) {
	if err != nil {
		return nil, ToStatusError(err)
	}
	m := map[string]any{
		KeyPumpID:      st.PumpID,
		KeyEnabled:     st.Enabled,
		KeyPeriodHours: st.Period.Hours(),
		KeyDeliveries:  st.Deliveries,
		KeyRecording:   st.Recording,
	}
	if !st.LastDelivery.IsZero() {
		m[KeyLastDelivery] = st.LastDelivery.UTC().Format(time.RFC3339Nano)
	}
	if st.Recording {
		m[KeyRecordStart] = st.RecordStart.UTC().Format(time.RFC3339Nano)
	}
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, ToStatusError(err)
	}
	return out, nil
}

func (s *Service) statusReply(id string) (*structpb.Struct, error) {
	st, err := s.sim.GetPump(id)
	if err != nil {
		return nil, ToStatusError(err)
	}
	out, err := structpb.NewStruct(statusMap(st))
	if err != nil {
		return nil, ToStatusError(err)
	}
	return out, nil
}

func pumpID(req *structpb.Struct) (string, error) {
	v, ok := req.GetFields()[KeyPumpID].GetKind().(*structpb.Value_StringValue)
	if !ok || v.StringValue == "" {
		return "", fmt.Errorf("%w: %s is required", ErrInvalidRequest, KeyPumpID)
	}
	return v.StringValue, nil
}

func ratePercent(req *structpb.Struct) (float64, error) {
	v, ok := req.GetFields()[KeyRatePercent].GetKind().(*structpb.Value_NumberValue)
	if !ok {
		return 0, fmt.Errorf("%w: %s must be a number", ErrInvalidRequest, KeyRatePercent)
	}
	if err := pump.ValidateRate(v.NumberValue); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return v.NumberValue, nil
}

func statusMap(st pump.Status) map[string]any {
	m := map[string]any{
		KeyPumpID:         st.ID,
		KeyHostNodeID:     st.HostNodeID,
		KeyMode:           st.Mode.String(),
		KeyRatePercent:    st.RatePercent,
		KeyMaxRemoteRange: st.MaxRemoteRange,
		KeyActivated:      st.Activated,
		KeyState:          st.State.String(),
	}
	if !st.CooldownUntil.IsZero() {
		m[KeyCooldownUntil] = st.CooldownUntil.UTC().Format(time.RFC3339Nano)
	}
	if st.Invalid != "" {
		m[KeyInvalid] = st.Invalid
	}
	return m
}

func outcomeMap(id string, out pump.Outcome) map[string]any {
	return map[string]any{
		KeyPumpID:    id,
		KeyAttempted: finite(out.Attempted),
		KeyAccepted:  finite(out.Accepted),
		KeyRefunded:  finite(out.Refunded),
		KeyEligible:  out.Eligible,
		KeyShortfall: out.Shortfall,
		KeyState:     out.State.String(),
	}
}

// finite keeps NaN and Inf out of JSON-mapped Struct values.
func finite(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}
