package control

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// PumpInfo is the client-side view of a pump.
type PumpInfo struct {
	ID             string
	HostNodeID     string
	Mode           string
	RatePercent    float64
	MaxRemoteRange float64
	Activated      bool
	State          string
	CooldownUntil  time.Time
	Invalid        string
}

// FlushResult is the client-side view of a flush.
type FlushResult struct {
	PumpID    string
	Attempted float64
	Accepted  float64
	Refunded  float64
	Eligible  int
	Shortfall bool
	State     string
}

// SupplyInfo is the client-side view of a supply line.
type SupplyInfo struct {
	PumpID       string
	Enabled      bool
	Period       time.Duration
	LastDelivery time.Time
	Deliveries   int
	Recording    bool
	RecordStart  time.Time
}

// Client calls PumpControl over a gRPC connection.
type Client struct {
	cc grpc.ClientConnInterface
}

// DialOptions returns the options a PumpControl connection is dialled
// with: request-id propagation and an otelgrpc client span per call.
func DialOptions() []grpc.DialOption {
	return []grpc.DialOption{
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
		grpc.WithUnaryInterceptor(RequestIDUnaryClientInterceptor()),
	}
}

// NewClient wraps cc.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// ListPumps returns every pump.
func (c *Client) ListPumps(ctx context.Context, opts ...grpc.CallOption) ([]PumpInfo, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, MethodListPumps, &emptypb.Empty{}, out, opts...); err != nil {
		return nil, err
	}
	var pumps []PumpInfo
	for _, v := range out.GetFields()[KeyPumps].GetListValue().GetValues() {
		pumps = append(pumps, pumpInfoFrom(v.GetStructValue()))
	}
	return pumps, nil
}

// GetPump returns one pump.
func (c *Client) GetPump(ctx context.Context, id string, opts ...grpc.CallOption) (PumpInfo, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, MethodGetPump, wrapperspb.String(id), out, opts...); err != nil {
		return PumpInfo{}, err
	}
	return pumpInfoFrom(out), nil
}

// SetActivated switches a pump on or off.
func (c *Client) SetActivated(ctx context.Context, id string, on bool, opts ...grpc.CallOption) (PumpInfo, error) {
	return c.update(ctx, MethodSetActivated, map[string]any{KeyPumpID: id, KeyActivated: on}, opts)
}

// SetMode changes a pump's mode ("distribute", "send_remote", "receive_remote").
func (c *Client) SetMode(ctx context.Context, id, mode string, opts ...grpc.CallOption) (PumpInfo, error) {
	return c.update(ctx, MethodSetMode, map[string]any{KeyPumpID: id, KeyMode: mode}, opts)
}

// SetRate changes a pump's rate percentage.
func (c *Client) SetRate(ctx context.Context, id string, percent float64, opts ...grpc.CallOption) (PumpInfo, error) {
	return c.update(ctx, MethodSetRate, map[string]any{KeyPumpID: id, KeyRatePercent: percent}, opts)
}

// Flush moves percent of each eligible host stock's capacity at once.
func (c *Client) Flush(ctx context.Context, id string, percent float64, opts ...grpc.CallOption) (FlushResult, error) {
	in, err := structpb.NewStruct(map[string]any{KeyPumpID: id, KeyRatePercent: percent})
	if err != nil {
		return FlushResult{}, fmt.Errorf("build flush request: %w", err)
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, MethodFlush, in, out, opts...); err != nil {
		return FlushResult{}, err
	}
	f := out.GetFields()
	return FlushResult{
		PumpID:    f[KeyPumpID].GetStringValue(),
		Attempted: f[KeyAttempted].GetNumberValue(),
		Accepted:  f[KeyAccepted].GetNumberValue(),
		Refunded:  f[KeyRefunded].GetNumberValue(),
		Eligible:  int(f[KeyEligible].GetNumberValue()),
		Shortfall: f[KeyShortfall].GetBoolValue(),
		State:     f[KeyState].GetStringValue(),
	}, nil
}

// GetSupplyLine returns the supply line wrapping a pump.
func (c *Client) GetSupplyLine(ctx context.Context, id string, opts ...grpc.CallOption) (SupplyInfo, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, MethodGetSupplyLine, wrapperspb.String(id), out, opts...); err != nil {
		return SupplyInfo{}, err
	}
	return supplyInfoFrom(out), nil
}

// SetSupplyEnabled turns a supply line on or off.
func (c *Client) SetSupplyEnabled(ctx context.Context, id string, on bool, opts ...grpc.CallOption) (SupplyInfo, error) {
	return c.supply(ctx, MethodSetSupplyEnabled, map[string]any{KeyPumpID: id, KeyEnabled: on}, opts)
}

// SetSupplyPeriod changes a supply line's delivery period.
func (c *Client) SetSupplyPeriod(ctx context.Context, id string, period time.Duration, opts ...grpc.CallOption) (SupplyInfo, error) {
	return c.supply(ctx, MethodSetSupplyPeriod, map[string]any{KeyPumpID: id, KeyPeriodHours: period.Hours()}, opts)
}

// StartSupplyRecording starts timing a supply round trip.
func (c *Client) StartSupplyRecording(ctx context.Context, id string, opts ...grpc.CallOption) (SupplyInfo, error) {
	return c.supply(ctx, MethodStartSupplyRecording, map[string]any{KeyPumpID: id}, opts)
}

// StopSupplyRecording ends the round trip and adopts it as the period.
func (c *Client) StopSupplyRecording(ctx context.Context, id string, opts ...grpc.CallOption) (SupplyInfo, error) {
	return c.supply(ctx, MethodStopSupplyRecording, map[string]any{KeyPumpID: id}, opts)
}

func (c *Client) supply(ctx context.Context, method string, req map[string]any, opts []grpc.CallOption) (SupplyInfo, error) {
	in, err := structpb.NewStruct(req)
	if err != nil {
		return SupplyInfo{}, fmt.Errorf("build request: %w", err)
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, method, in, out, opts...); err != nil {
		return SupplyInfo{}, err
	}
	return supplyInfoFrom(out), nil
}

func supplyInfoFrom(s *structpb.Struct) SupplyInfo {
	f := s.GetFields()
	info := SupplyInfo{
		PumpID:     f[KeyPumpID].GetStringValue(),
		Enabled:    f[KeyEnabled].GetBoolValue(),
		Period:     time.Duration(f[KeyPeriodHours].GetNumberValue() * float64(time.Hour)),
		Deliveries: int(f[KeyDeliveries].GetNumberValue()),
		Recording:  f[KeyRecording].GetBoolValue(),
	}
	if t, err := time.Parse(time.RFC3339Nano, f[KeyLastDelivery].GetStringValue()); err == nil {
		info.LastDelivery = t
	}
	if t, err := time.Parse(time.RFC3339Nano, f[KeyRecordStart].GetStringValue()); err == nil {
		info.RecordStart = t
	}
	return info
}

func (c *Client) update(ctx context.Context, method string, req map[string]any, opts []grpc.CallOption) (PumpInfo, error) {
	in, err := structpb.NewStruct(req)
	if err != nil {
		return PumpInfo{}, fmt.Errorf("build request: %w", err)
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, method, in, out, opts...); err != nil {
		return PumpInfo{}, err
	}
	return pumpInfoFrom(out), nil
}

func pumpInfoFrom(s *structpb.Struct) PumpInfo {
	f := s.GetFields()
	info := PumpInfo{
		ID:             f[KeyPumpID].GetStringValue(),
		HostNodeID:     f[KeyHostNodeID].GetStringValue(),
		Mode:           f[KeyMode].GetStringValue(),
		RatePercent:    f[KeyRatePercent].GetNumberValue(),
		MaxRemoteRange: f[KeyMaxRemoteRange].GetNumberValue(),
		Activated:      f[KeyActivated].GetBoolValue(),
		State:          f[KeyState].GetStringValue(),
		Invalid:        f[KeyInvalid].GetStringValue(),
	}
	if v := f[KeyCooldownUntil].GetStringValue(); v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			info.CooldownUntil = t
		}
	}
	return info
}
