// Package sim wires the knowledge base, the pumps and the event scheduler
// into one tick-driven simulation and exposes the control operations the
// binaries and the gRPC surface use.
package sim

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/signalsfoundry/resource-pump-sim/internal/logging"
	"github.com/signalsfoundry/resource-pump-sim/internal/observability"
	"github.com/signalsfoundry/resource-pump-sim/internal/persist"
	"github.com/signalsfoundry/resource-pump-sim/internal/pump"
	"github.com/signalsfoundry/resource-pump-sim/internal/sched"
	"github.com/signalsfoundry/resource-pump-sim/kb"
	"github.com/signalsfoundry/resource-pump-sim/model"
)

var (
	// ErrPumpNotFound indicates a requested pump was not found.
	ErrPumpNotFound = errors.New("pump not found")
	// ErrPumpExists indicates a pump with the same ID is already registered.
	ErrPumpExists = errors.New("pump already exists")
	// ErrInvalidArgument indicates a control request failed validation.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrHostHasPump indicates the host node already has a pump sending
	// from it.
	ErrHostHasPump = errors.New("host node already has a sending pump")
	// ErrNoSupplyLine indicates the pump is not wrapped in a supply line.
	ErrNoSupplyLine = errors.New("pump has no supply line")
	// ErrNodeNotFound re-exports the KB sentinel for callers of sim.
	ErrNodeNotFound = kb.ErrNodeNotFound
)

// MetricsRecorder is everything the simulation reports to Prometheus.
type MetricsRecorder interface {
	pump.MetricsRecorder
	pump.DeliveryRecorder
	ObserveTick(d time.Duration)
	SetPumpCount(n int)
}

type noopMetrics struct{}

func (noopMetrics) SetPumpState(string, model.PumpState)                             {}
func (noopMetrics) ObserveTransfer(string, string, model.PumpMode, float64, float64) {}
func (noopMetrics) ObserveRefundClamp(string, string)                               {}
func (noopMetrics) ObserveSupplyDelivery(string)                                     {}
func (noopMetrics) ObserveTick(time.Duration)                                        {}
func (noopMetrics) SetPumpCount(int)                                                 {}

// Option customises Simulation construction.
type Option func(*Simulation)

// WithLogger attaches a structured logger.
func WithLogger(l logging.Logger) Option {
	return func(s *Simulation) {
		if l != nil {
			s.log = l
		}
	}
}

// WithMetrics attaches a metrics recorder.
func WithMetrics(m MetricsRecorder) Option {
	return func(s *Simulation) {
		if m != nil {
			s.metrics = m
		}
	}
}

// Simulation owns the knowledge base, the pump registry and the scheduler.
type Simulation struct {
	// mu serialises ticks against control calls. Take it before any KB lock.
	mu sync.Mutex

	kb    *kb.KnowledgeBase
	host  kbHost
	clock *sched.ManualClock
	sched sched.EventScheduler

	pumps  map[string]*pump.Distributor
	order  []string
	supply map[string]*pump.SupplyLine

	lastTick time.Time
	ticks    uint64
	runID    string

	log     logging.Logger
	metrics MetricsRecorder
}

// New builds a simulation over kbase whose clock starts at start.
func New(kbase *kb.KnowledgeBase, start time.Time, opts ...Option) *Simulation {
	if kbase == nil {
		kbase = kb.NewKnowledgeBase()
	}
	clock := sched.NewManualClock(start)
	s := &Simulation{
		kb:       kbase,
		host:     kbHost{KnowledgeBase: kbase},
		clock:    clock,
		sched:    sched.NewEventScheduler(clock),
		pumps:    make(map[string]*pump.Distributor),
		supply:   make(map[string]*pump.SupplyLine),
		lastTick: start,
		runID:    uuid.NewString(),
		log:      logging.Noop(),
		metrics:  noopMetrics{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.log = s.log.With(logging.String("run_id", s.runID))
	return s
}

// KB exposes the knowledge base. Mutate stocks through SetStockAmount so
// writes are serialised with ticks.
func (s *Simulation) KB() *kb.KnowledgeBase { return s.kb }

// RunID identifies this simulation run in logs.
func (s *Simulation) RunID() string { return s.runID }

// Now returns the sim time of the last tick.
func (s *Simulation) Now() time.Time { return s.clock.Now() }

// AddPump registers and attaches a pump. A non-nil supply config wraps it
// in a supply line. A host node carries at most one pump that sends from
// it; receive-mode pumps may share a host with it.
func (s *Simulation) AddPump(cfg pump.Config, supply *pump.SupplyLineConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.pumps[cfg.ID]; exists {
		return fmt.Errorf("%w: %q", ErrPumpExists, cfg.ID)
	}
	if cfg.Mode != model.PumpModeReceiveRemote && cfg.WithDefaults().Validate() == nil {
		if other := s.senderOnHostLocked(cfg.HostNodeID, cfg.ID); other != nil {
			return fmt.Errorf("%w: %q has %q, cannot add %q", ErrHostHasPump, cfg.HostNodeID, other.ID(), cfg.ID)
		}
	}
	p := pump.NewDistributor(cfg, s.host,
		pump.WithLogger(s.log),
		pump.WithMetrics(s.metrics),
		pump.WithRemoteLocator(locator{s}),
	)
	if !p.Valid() {
		s.log.Warn(context.Background(), "pump registered disabled",
			logging.String("pump_id", cfg.ID),
			logging.String("reason", p.Status().Invalid),
		)
	}
	p.Attach()
	s.pumps[cfg.ID] = p
	s.order = append(s.order, cfg.ID)
	sort.Strings(s.order)

	if supply != nil {
		line := pump.NewSupplyLine(p, s.sched, *supply, s.log, s.metrics)
		line.Start(s.clock.Now())
		s.supply[cfg.ID] = line
	}
	s.metrics.SetPumpCount(len(s.pumps))
	return nil
}

// RemovePump detaches and forgets a pump.
func (s *Simulation) RemovePump(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pumps[id]
	if !ok {
		return fmt.Errorf("%w: %q", ErrPumpNotFound, id)
	}
	p.Close()
	if line, ok := s.supply[id]; ok {
		line.Close()
		delete(s.supply, id)
	}
	delete(s.pumps, id)
	for i, pid := range s.order {
		if pid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	s.metrics.SetPumpCount(len(s.pumps))
	return nil
}

// Tick advances the simulation to simTime: due scheduled events run first,
// then every pump ticks in ID order. A simTime before the previous tick is
// treated as a zero-length step.
func (s *Simulation) Tick(ctx context.Context, simTime time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	ctx, span := observability.StartTickSpan(ctx, simTime, len(s.pumps))
	defer span.End()

	dt := simTime.Sub(s.lastTick)
	if dt < 0 {
		dt = 0
		simTime = s.lastTick
	}
	s.lastTick = simTime
	s.ticks++
	s.clock.Set(simTime)
	s.sched.RunDue()

	for _, id := range s.order {
		s.pumps[id].Tick(ctx, simTime, dt)
	}
	s.metrics.ObserveTick(time.Since(start))
}

// Ticks returns how many ticks have run.
func (s *Simulation) Ticks() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ticks
}

// senderOnHostLocked returns a valid pump other than exclude that sends
// from hostNodeID, or nil.
func (s *Simulation) senderOnHostLocked(hostNodeID, exclude string) *pump.Distributor {
	for _, id := range s.order {
		p := s.pumps[id]
		if id == exclude || !p.Valid() || p.HostNodeID() != hostNodeID {
			continue
		}
		if p.Mode() != model.PumpModeReceiveRemote {
			return p
		}
	}
	return nil
}

func (s *Simulation) pumpLocked(id string) (*pump.Distributor, error) {
	p, ok := s.pumps[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrPumpNotFound, id)
	}
	return p, nil
}

// GetPump returns one pump's status.
func (s *Simulation) GetPump(id string) (pump.Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, err := s.pumpLocked(id)
	if err != nil {
		return pump.Status{}, err
	}
	return p.Status(), nil
}

// ListPumps returns every pump's status ordered by ID.
func (s *Simulation) ListPumps() []pump.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]pump.Status, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.pumps[id].Status())
	}
	return out
}

// StockSnapshot is one stock's level at snapshot time.
type StockSnapshot struct {
	NodeID      string
	ContainerID string
	Resource    string
	Amount      float64
	Capacity    float64
}

// Snapshot is a consistent view of the simulation between ticks.
type Snapshot struct {
	Time   time.Time
	Ticks  uint64
	Pumps  []pump.Status
	Stocks []StockSnapshot
}

// Snapshot copies pump statuses and stock levels under the tick lock.
func (s *Simulation) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{Time: s.clock.Now(), Ticks: s.ticks}
	for _, id := range s.order {
		snap.Pumps = append(snap.Pumps, s.pumps[id].Status())
	}
	for _, n := range s.kb.ListNodes() {
		for _, st := range n.Stocks {
			snap.Stocks = append(snap.Stocks, StockSnapshot{
				NodeID:      n.ID,
				ContainerID: n.ContainerID,
				Resource:    st.Name,
				Amount:      st.Amount,
				Capacity:    st.Capacity,
			})
		}
	}
	return snap
}

// SetPumpActivated switches a pump on or off from the next tick.
func (s *Simulation) SetPumpActivated(id string, on bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, err := s.pumpLocked(id)
	if err != nil {
		return err
	}
	p.SetActivated(on)
	s.invalidateNeighboursLocked(p)
	return nil
}

// SetPumpMode changes a pump's mode from the next tick.
func (s *Simulation) SetPumpMode(id string, mode model.PumpMode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, err := s.pumpLocked(id)
	if err != nil {
		return err
	}
	if mode != model.PumpModeReceiveRemote && p.Valid() {
		if other := s.senderOnHostLocked(p.HostNodeID(), id); other != nil {
			return fmt.Errorf("%w: %q has %q", ErrHostHasPump, p.HostNodeID(), other.ID())
		}
	}
	p.SetMode(mode)
	s.invalidateNeighboursLocked(p)
	return nil
}

// SetPumpRate changes a pump's rate percentage.
func (s *Simulation) SetPumpRate(id string, percent float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, err := s.pumpLocked(id)
	if err != nil {
		return err
	}
	if err := p.SetRate(percent); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	return nil
}

// FlushPump immediately moves percent of every eligible host stock's
// capacity, outside the regular tick.
func (s *Simulation) FlushPump(ctx context.Context, id string, percent float64) (pump.Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, err := s.pumpLocked(id)
	if err != nil {
		return pump.Outcome{}, err
	}
	if err := pump.ValidateRate(percent); err != nil {
		return pump.Outcome{}, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	return p.DistributeAtRate(ctx, s.clock.Now(), percent), nil
}

func (s *Simulation) supplyLocked(id string) (*pump.SupplyLine, error) {
	if _, err := s.pumpLocked(id); err != nil {
		return nil, err
	}
	line, ok := s.supply[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNoSupplyLine, id)
	}
	return line, nil
}

// SupplyLine returns the status of the supply line wrapping a pump.
func (s *Simulation) SupplyLine(id string) (pump.SupplyStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	line, err := s.supplyLocked(id)
	if err != nil {
		return pump.SupplyStatus{}, err
	}
	return line.Status(), nil
}

// SetSupplyEnabled turns periodic deliveries on or off. Enabling restarts
// the period from the current sim time.
func (s *Simulation) SetSupplyEnabled(id string, on bool) (pump.SupplyStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	line, err := s.supplyLocked(id)
	if err != nil {
		return pump.SupplyStatus{}, err
	}
	line.SetEnabled(on, s.clock.Now())
	return line.Status(), nil
}

// SetSupplyPeriod changes the delivery period.
func (s *Simulation) SetSupplyPeriod(id string, period time.Duration) (pump.SupplyStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	line, err := s.supplyLocked(id)
	if err != nil {
		return pump.SupplyStatus{}, err
	}
	if err := line.SetPeriod(period); err != nil {
		return pump.SupplyStatus{}, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	return line.Status(), nil
}

// StartSupplyRecording starts timing a round trip at the current sim time.
// Deliveries pause until StopSupplyRecording.
func (s *Simulation) StartSupplyRecording(id string) (pump.SupplyStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	line, err := s.supplyLocked(id)
	if err != nil {
		return pump.SupplyStatus{}, err
	}
	line.StartRecording(s.clock.Now())
	return line.Status(), nil
}

// StopSupplyRecording ends the round trip and adopts it as the period.
func (s *Simulation) StopSupplyRecording(id string) (pump.SupplyStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	line, err := s.supplyLocked(id)
	if err != nil {
		return pump.SupplyStatus{}, err
	}
	line.StopRecording(s.clock.Now())
	return line.Status(), nil
}

// SetStockAmount is the entry point for external production and consumption.
func (s *Simulation) SetStockAmount(nodeID, resource string, amount float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.kb.SetStockAmount(nodeID, resource, amount)
}

// SetContainerGrounded lands or lifts off a container.
func (s *Simulation) SetContainerGrounded(id string, grounded bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.kb.SetContainerGrounded(id, grounded)
}

// SetContainerPosition moves a container.
func (s *Simulation) SetContainerPosition(id string, pos model.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.kb.SetContainerPosition(id, pos)
}

// RemoteReceivers lists the IDs of the pumps the given sender would push to
// right now.
func (s *Simulation) RemoteReceivers(senderID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, err := s.pumpLocked(senderID)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, r := range (locator{s}).RemoteReceivers(p) {
		ids = append(ids, r.ID())
	}
	return ids, nil
}

// invalidateNeighboursLocked marks the network of every pump sharing p's
// container for rebuild.
func (s *Simulation) invalidateNeighboursLocked(p *pump.Distributor) {
	host := s.kb.GetNode(p.HostNodeID())
	if host == nil {
		return
	}
	for _, id := range s.order {
		other := s.pumps[id]
		if n := s.kb.GetNode(other.HostNodeID()); n != nil && n.ContainerID == host.ContainerID {
			other.InvalidateNetwork()
		}
	}
}

// locator implements pump.RemoteLocator. It runs inside Tick or a control
// call, so the simulation lock is already held.
type locator struct{ s *Simulation }

func (l locator) RemoteReceivers(sender *pump.Distributor) []*pump.Distributor {
	s := l.s
	sHost := s.kb.GetNode(sender.HostNodeID())
	if sHost == nil {
		return nil
	}
	var out []*pump.Distributor
	for _, id := range s.order {
		r := s.pumps[id]
		if r == sender || !r.Valid() || !r.Activated() || r.Mode() != model.PumpModeReceiveRemote {
			continue
		}
		rHost := s.kb.GetNode(r.HostNodeID())
		if rHost == nil || rHost.ContainerID == sHost.ContainerID {
			continue
		}
		if !s.host.IsEligibleForRemote(r.HostNodeID()) {
			continue
		}
		dist, ok := s.host.Distance(sender.HostNodeID(), r.HostNodeID())
		if !ok || dist > sender.MaxRemoteRange() {
			continue
		}
		out = append(out, r)
	}
	return out
}

// Save writes every pump's persisted fields, supply-line fields included.
func (s *Simulation) Save(ctx context.Context, store persist.Store) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range s.order {
		fields := s.pumps[id].Fields()
		if line, ok := s.supply[id]; ok {
			for k, v := range line.Fields() {
				fields[k] = v
			}
		}
		if err := store.SaveFields(ctx, id, fields); err != nil {
			return fmt.Errorf("save pump %q: %w", id, err)
		}
	}
	s.log.Info(ctx, "pump settings saved", logging.Int("pumps", len(s.order)))
	return nil
}

// Restore applies saved fields to every registered pump. Pumps with no
// saved record keep their scenario settings; unparsable fields are logged
// and skipped.
func (s *Simulation) Restore(ctx context.Context, store persist.Store) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	restored := 0
	for _, id := range s.order {
		fields, err := store.LoadFields(ctx, id)
		if errors.Is(err, persist.ErrNotFound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("restore pump %q: %w", id, err)
		}
		p := s.pumps[id]
		prevMode := p.Mode()
		if err := p.ApplyFields(fields); err != nil {
			s.log.Warn(ctx, "ignoring bad saved pump fields", logging.String("pump_id", id), logging.Err(err))
		}
		if p.Mode() != model.PumpModeReceiveRemote && p.Valid() && s.senderOnHostLocked(p.HostNodeID(), id) != nil {
			s.log.Warn(ctx, "ignoring saved pump mode: host already has a sending pump",
				logging.String("pump_id", id), logging.String("mode", p.Mode().String()))
			p.SetMode(prevMode)
		}
		if line, ok := s.supply[id]; ok {
			if err := line.ApplyFields(fields); err != nil {
				s.log.Warn(ctx, "ignoring bad saved supply fields", logging.String("pump_id", id), logging.Err(err))
			}
			line.Start(s.clock.Now())
		}
		s.invalidateNeighboursLocked(s.pumps[id])
		restored++
	}
	s.log.Info(ctx, "pump settings restored", logging.Int("pumps", restored))
	return nil
}

// Close detaches every pump and cancels scheduled deliveries.
func (s *Simulation) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.order {
		s.pumps[id].Close()
		if line, ok := s.supply[id]; ok {
			line.Close()
		}
	}
}
