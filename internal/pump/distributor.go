// Package pump implements the resource distributor: a pump endpoint bound
// to one host node that moves a share of the host's stocks into its
// network or to remote receivers every tick, and the supply line that
// periodically refills a host and flushes it.
package pump

import (
	"context"
	"math"
	"time"

	"github.com/signalsfoundry/resource-pump-sim/core"
	"github.com/signalsfoundry/resource-pump-sim/internal/logging"
	"github.com/signalsfoundry/resource-pump-sim/kb"
	"github.com/signalsfoundry/resource-pump-sim/model"
)

// Host is what a pump needs from the surrounding simulation.
type Host interface {
	// Node returns the node with the given ID, or nil.
	Node(id string) *model.Node
	// NetworkMembers returns the nodes connected to the given node,
	// including the node itself.
	NetworkMembers(nodeID string) []*model.Node
	// SetAmount writes a stock amount and emits transition events.
	SetAmount(node *model.Node, stock *model.ResourceStock, amount float64)
	// Subscribe registers for change events and returns an unsubscribe func.
	Subscribe(fn func(kb.Event)) (unsubscribe func())
	// Distance returns the distance in metres between the containers
	// owning two nodes.
	Distance(aNodeID, bNodeID string) (float64, bool)
	// IsEligibleForRemote reports whether the node's container satisfies
	// the physical precondition for remote pumping.
	IsEligibleForRemote(nodeID string) bool
}

// RemoteLocator finds the receive-mode pumps a sender may push to.
type RemoteLocator interface {
	RemoteReceivers(sender *Distributor) []*Distributor
}

// MetricsRecorder receives per-pump observations. PumpCollector in
// internal/observability implements it.
type MetricsRecorder interface {
	SetPumpState(pumpID string, state model.PumpState)
	ObserveTransfer(pumpID, resource string, mode model.PumpMode, accepted, refunded float64)
	ObserveRefundClamp(pumpID, resource string)
}

type noopRecorder struct{}

func (noopRecorder) SetPumpState(string, model.PumpState)                                {}
func (noopRecorder) ObserveTransfer(string, string, model.PumpMode, float64, float64)    {}
func (noopRecorder) ObserveRefundClamp(string, string)                                  {}

// Option customises Distributor construction.
type Option func(*Distributor)

// WithLogger attaches a structured logger.
func WithLogger(l logging.Logger) Option {
	return func(d *Distributor) {
		if l != nil {
			d.log = l
		}
	}
}

// WithMetrics attaches a metrics recorder.
func WithMetrics(m MetricsRecorder) Option {
	return func(d *Distributor) {
		if m != nil {
			d.metrics = m
		}
	}
}

// WithRemoteLocator attaches the lookup used in send-remote mode.
func WithRemoteLocator(r RemoteLocator) Option {
	return func(d *Distributor) {
		d.remote = r
	}
}

// Outcome summarises one DistributeResources call.
type Outcome struct {
	// Attempted is the total withdrawn from host stocks before dispatch.
	Attempted float64
	// Accepted is the total placed into destinations.
	Accepted float64
	// Refunded is the total returned to host stocks.
	Refunded float64
	// Eligible counts host stocks that could send and were non-empty.
	Eligible int
	// Shortfall is set when some transfer could not be fully placed.
	Shortfall bool
	State     model.PumpState
}

// Status is a read-only view of a pump for snapshots and RPCs.
type Status struct {
	ID             string
	HostNodeID     string
	Mode           model.PumpMode
	RatePercent    float64
	MaxRemoteRange float64
	Activated      bool
	State          model.PumpState
	CooldownUntil  time.Time
	Invalid        string
}

// Distributor is one pump endpoint and its state machine.
//
// A Distributor is not safe for concurrent use. The simulation serialises
// ticks, control calls and event delivery; event handlers run synchronously
// from inside transfers of this and other pumps, so there is no per-pump lock.
type Distributor struct {
	cfg     Config
	host    Host
	remote  RemoteLocator
	log     logging.Logger
	metrics MetricsRecorder

	invalid error
	warned  bool

	state         model.PumpState
	cooldownUntil time.Time
	pendingReset  bool

	network      *core.ResourceNetwork
	networkDirty bool

	now time.Time
	dt  time.Duration

	unsubscribe func()
}

// NewDistributor builds a pump for cfg. A configuration that fails
// validation produces a pump that stays disabled and warns once.
func NewDistributor(cfg Config, host Host, opts ...Option) *Distributor {
	cfg = cfg.WithDefaults()
	d := &Distributor{
		cfg:          cfg,
		host:         host,
		log:          logging.Noop(),
		metrics:      noopRecorder{},
		state:        model.PumpStateDisabled,
		networkDirty: true,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	d.log = logging.ForPump(d.log, cfg.ID, cfg.HostNodeID)
	d.invalid = cfg.Validate()
	if d.invalid == nil && host == nil {
		d.invalid = ErrInvalidConfig
	}
	d.metrics.SetPumpState(cfg.ID, d.state)
	return d
}

// Attach subscribes the pump's handlers to host events.
func (d *Distributor) Attach() {
	if d.host == nil || d.unsubscribe != nil {
		return
	}
	d.unsubscribe = d.host.Subscribe(d.handleEvent)
}

// Close unsubscribes the pump's handlers.
func (d *Distributor) Close() {
	if d.unsubscribe != nil {
		d.unsubscribe()
		d.unsubscribe = nil
	}
}

// ID returns the pump ID.
func (d *Distributor) ID() string { return d.cfg.ID }

// HostNodeID returns the ID of the node the pump draws from.
func (d *Distributor) HostNodeID() string { return d.cfg.HostNodeID }

// Mode returns the current pump mode.
func (d *Distributor) Mode() model.PumpMode { return d.cfg.Mode }

// Activated reports whether the pump is switched on.
func (d *Distributor) Activated() bool { return d.cfg.Activated }

// Valid reports whether the pump's configuration can run.
func (d *Distributor) Valid() bool { return d.invalid == nil }

// MaxRemoteRange returns the remote pumping range in metres.
func (d *Distributor) MaxRemoteRange() float64 { return d.cfg.MaxRemoteRange }

// State returns the current state.
func (d *Distributor) State() model.PumpState { return d.state }

// Status returns a read-only view of the pump.
func (d *Distributor) Status() Status {
	st := Status{
		ID:             d.cfg.ID,
		HostNodeID:     d.cfg.HostNodeID,
		Mode:           d.cfg.Mode,
		RatePercent:    d.cfg.RatePercent,
		MaxRemoteRange: d.cfg.MaxRemoteRange,
		Activated:      d.cfg.Activated,
		State:          d.state,
		CooldownUntil:  d.cooldownUntil,
	}
	if d.invalid != nil {
		st.Invalid = d.invalid.Error()
	}
	return st
}

// SetActivated switches the pump on or off. The change takes effect at the
// start of the next tick.
func (d *Distributor) SetActivated(on bool) {
	if d.cfg.Activated == on {
		return
	}
	d.cfg.Activated = on
	d.pendingReset = true
}

// SetMode changes where the pump sends resources. The pump returns to
// pumping on the next tick regardless of any cooldown.
func (d *Distributor) SetMode(mode model.PumpMode) {
	if d.cfg.Mode == mode {
		return
	}
	d.cfg.Mode = mode
	d.pendingReset = true
}

// SetRate changes the configured rate percentage.
func (d *Distributor) SetRate(percent float64) error {
	if err := ValidateRate(percent); err != nil {
		return err
	}
	d.cfg.RatePercent = percent
	return nil
}

// InvalidateNetwork forces a rebuild of the network view before the next
// transfer.
func (d *Distributor) InvalidateNetwork() {
	d.networkDirty = true
}

// Tick is the per-step entry point. now is the absolute sim time and dt
// the sim time elapsed since the previous tick.
func (d *Distributor) Tick(ctx context.Context, now time.Time, dt time.Duration) Outcome {
	d.now = now
	d.dt = dt

	if d.invalid == nil && d.host != nil && d.host.Node(d.cfg.HostNodeID) == nil {
		d.invalid = ErrInvalidConfig
	}
	if d.invalid != nil {
		d.warnInvalid(ctx)
		d.setState(ctx, model.PumpStateDisabled)
		return Outcome{State: d.state}
	}
	if !d.cfg.Activated {
		d.pendingReset = false
		d.setState(ctx, model.PumpStateDisabled)
		return Outcome{State: d.state}
	}

	if host := d.host.Node(d.cfg.HostNodeID); len(host.Stocks) == 0 {
		d.setState(ctx, model.PumpStateDisabled)
		return Outcome{State: d.state}
	}

	if d.state == model.PumpStateDisabled || d.pendingReset {
		d.pendingReset = false
		d.networkDirty = true
		d.setState(ctx, model.PumpStatePumping)
	}
	if d.suspended() && !now.Before(d.cooldownUntil) {
		d.setState(ctx, model.PumpStatePumping)
	}
	if d.networkDirty {
		d.rebuildNetwork()
	}
	if d.state != model.PumpStatePumping {
		return Outcome{State: d.state}
	}
	return d.DistributeResources(ctx)
}

// DistributeResources moves one tick's worth of every eligible host stock
// at the configured rate scaled by the last tick's duration.
func (d *Distributor) DistributeResources(ctx context.Context) Outcome {
	return d.distribute(ctx, d.cfg.RatePercent/100*d.dt.Seconds())
}

// DistributeAtRate moves percent of each eligible stock's capacity
// regardless of tick duration. A full-rate flush passes 100. now is the sim
// time of the call and anchors any cooldown it arms.
func (d *Distributor) DistributeAtRate(ctx context.Context, now time.Time, percent float64) Outcome {
	d.now = now
	return d.distribute(ctx, percent/100)
}

func (d *Distributor) distribute(ctx context.Context, fraction float64) Outcome {
	if d.invalid != nil || !d.cfg.Activated {
		d.setState(ctx, model.PumpStateDisabled)
		return Outcome{State: d.state}
	}
	if d.cfg.Mode == model.PumpModeReceiveRemote {
		return Outcome{State: d.state}
	}
	host := d.host.Node(d.cfg.HostNodeID)
	if host == nil {
		return Outcome{State: d.state}
	}
	// A host without stocks has nothing to pump.
	if len(host.Stocks) == 0 {
		d.setState(ctx, model.PumpStateDisabled)
		return Outcome{State: d.state}
	}

	var out Outcome
	for _, stock := range host.Stocks {
		if !stock.CanSend() || !stock.Finite() || stock.IsEmpty() {
			continue
		}
		out.Eligible++

		transfer := stock.Capacity * fraction
		if transfer > stock.Amount {
			transfer = stock.Amount
		}
		if transfer <= 0 || math.IsNaN(transfer) {
			continue
		}
		d.host.SetAmount(host, stock, stock.Amount-transfer)
		out.Attempted += transfer

		var accepted float64
		switch d.cfg.Mode {
		case model.PumpModeDistribute:
			accepted = d.DistributeLocally(stock.Name, transfer, false)
		case model.PumpModeSendRemote:
			accepted = d.sendRemote(stock.Name, transfer)
		}

		refund := math.Abs(transfer) - math.Abs(accepted)
		if refund < 0 {
			refund = 0
		}
		if refund > model.EmptyThreshold {
			out.Shortfall = true
		}
		if refund > 0 {
			d.refund(ctx, host, stock, refund)
		}
		out.Accepted += accepted
		out.Refunded += refund
		d.metrics.ObserveTransfer(d.cfg.ID, stock.Name, d.cfg.Mode, accepted, refund)
	}

	switch {
	case out.Eligible == 0:
		d.suspend(ctx, model.PumpStateSourceEmpty)
	case out.Shortfall:
		d.suspend(ctx, model.PumpStateDestinationsFull)
	default:
		d.setState(ctx, model.PumpStatePumping)
	}
	out.State = d.state
	return out
}

// DistributeLocally offers amount of a resource to the host's network and
// returns how much was accepted. When fromRemote is set the pump is acting
// as a receiver, and anything the network cannot absorb tops up the pump's
// own host stock.
func (d *Distributor) DistributeLocally(resource string, amount float64, fromRemote bool) float64 {
	if amount <= 0 || d.host == nil {
		return 0
	}
	if d.network == nil || d.networkDirty {
		d.rebuildNetwork()
	}
	accepted := d.network.Request(resource, amount, true)
	if !fromRemote || accepted >= amount {
		return accepted
	}

	host := d.host.Node(d.cfg.HostNodeID)
	stock := host.Stock(resource)
	if !stock.CanReceive() {
		return accepted
	}
	add := math.Min(amount-accepted, stock.FreeCapacity())
	if add <= 0 {
		return accepted
	}
	d.host.SetAmount(host, stock, stock.Amount+add)
	return accepted + add
}

func (d *Distributor) sendRemote(resource string, amount float64) float64 {
	if d.remote == nil || !d.host.IsEligibleForRemote(d.cfg.HostNodeID) {
		return 0
	}
	receivers := d.remote.RemoteReceivers(d)
	if len(receivers) == 0 {
		return 0
	}
	share := amount / float64(len(receivers))
	accepted := 0.0
	for _, r := range receivers {
		accepted += r.DistributeLocally(resource, share, true)
	}
	return accepted
}

// refund returns undelivered amount to a host stock, clamping into
// [0, capacity] if something else changed the stock in between.
func (d *Distributor) refund(ctx context.Context, host *model.Node, stock *model.ResourceStock, amount float64) {
	next := stock.Amount + math.Abs(amount)
	clamped := next
	if clamped > stock.Capacity {
		clamped = stock.Capacity
	}
	if clamped < 0 {
		clamped = 0
	}
	if clamped != next {
		d.log.Warn(ctx, "refund out of range; clamped",
			logging.String("resource", stock.Name),
			logging.Float64("refund", amount),
			logging.Float64("amount", stock.Amount),
			logging.Float64("capacity", stock.Capacity),
		)
		d.metrics.ObserveRefundClamp(d.cfg.ID, stock.Name)
	}
	d.host.SetAmount(host, stock, clamped)
}

func (d *Distributor) rebuildNetwork() {
	d.networkDirty = false
	if d.host == nil {
		d.network = nil
		return
	}
	host := d.host.Node(d.cfg.HostNodeID)
	d.network = core.BuildNetwork(host, d.host.NetworkMembers(d.cfg.HostNodeID), d.host)
}

func (d *Distributor) suspended() bool {
	return d.state == model.PumpStateSourceEmpty || d.state == model.PumpStateDestinationsFull
}

func (d *Distributor) suspend(ctx context.Context, state model.PumpState) {
	d.cooldownUntil = d.now.Add(d.cfg.Cooldown)
	d.setState(ctx, state)
}

func (d *Distributor) setState(ctx context.Context, state model.PumpState) {
	if d.state == state {
		return
	}
	prev := d.state
	d.state = state
	d.metrics.SetPumpState(d.cfg.ID, state)
	d.log.Debug(ctx, "pump state changed",
		logging.String("from", prev.String()),
		logging.String("to", state.String()),
	)
}

func (d *Distributor) warnInvalid(ctx context.Context) {
	if d.warned {
		return
	}
	d.warned = true
	d.log.Warn(ctx, "pump disabled: invalid configuration", logging.Err(d.invalid))
}

// handleEvent only flips state or marks the network dirty; it never moves
// resources.
func (d *Distributor) handleEvent(e kb.Event) {
	host := d.host.Node(d.cfg.HostNodeID)
	ctx := context.Background()

	switch e.Type {
	case kb.EventMembershipChanged, kb.EventPriorityChanged:
		if e.NodeID == d.cfg.HostNodeID || (host != nil && e.ContainerID == host.ContainerID) {
			d.networkDirty = true
		}
	case kb.EventResourceNonEmpty, kb.EventResourceFull:
		if e.NodeID == d.cfg.HostNodeID && d.state == model.PumpStateSourceEmpty {
			d.setState(ctx, model.PumpStatePumping)
		}
	case kb.EventResourceNotFull, kb.EventResourceEmpty:
		if e.NodeID == d.cfg.HostNodeID || d.state != model.PumpStateDestinationsFull || host == nil {
			return
		}
		if !host.HasResource(e.Resource) {
			return
		}
		if d.cfg.Mode == model.PumpModeDistribute && e.ContainerID != host.ContainerID {
			return
		}
		d.setState(ctx, model.PumpStatePumping)
	}
}
