package sim

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/signalsfoundry/resource-pump-sim/internal/persist"
	"github.com/signalsfoundry/resource-pump-sim/internal/pump"
	"github.com/signalsfoundry/resource-pump-sim/kb"
	"github.com/signalsfoundry/resource-pump-sim/model"
)

var t0 = time.Date(2025, time.March, 1, 0, 0, 0, 0, time.UTC)

func fuel(amount, capacity float64) *model.ResourceStock {
	return &model.ResourceStock{Name: "Fuel", Amount: amount, Capacity: capacity}
}

func approx(a, b float64) bool { return math.Abs(a-b) <= 1e-9 }

func mustContainer(t *testing.T, k *kb.KnowledgeBase, id string, pos model.Position, grounded bool) {
	t.Helper()
	if err := k.AddContainer(&model.Container{ID: id, Position: pos, Grounded: grounded}); err != nil {
		t.Fatalf("AddContainer(%s): %v", id, err)
	}
}

func mustNode(t *testing.T, k *kb.KnowledgeBase, id, container string, stocks ...*model.ResourceStock) *model.Node {
	t.Helper()
	n := &model.Node{ID: id, ContainerID: container, Stocks: stocks}
	if err := k.AddNode(n); err != nil {
		t.Fatalf("AddNode(%s): %v", id, err)
	}
	return n
}

func mustAdd(t *testing.T, s *Simulation, cfg pump.Config, supply *pump.SupplyLineConfig) {
	t.Helper()
	if err := s.AddPump(cfg, supply); err != nil {
		t.Fatalf("AddPump(%s): %v", cfg.ID, err)
	}
}

// remoteScenario builds a grounded base with a sender and a grounded
// outpost 100m away with a receiver.
func remoteScenario(t *testing.T) (*Simulation, *model.Node, *model.Node, *model.Node) {
	t.Helper()
	k := kb.NewKnowledgeBase()
	mustContainer(t, k, "base", model.Position{}, true)
	mustContainer(t, k, "outpost", model.Position{X: 100}, true)
	tank := mustNode(t, k, "tank", "base", fuel(100, 100))
	dock := mustNode(t, k, "dock", "outpost", fuel(0, 50))
	hab := mustNode(t, k, "hab", "outpost", fuel(0, 5))

	s := New(k, t0)
	mustAdd(t, s, pump.Config{ID: "sender", HostNodeID: "tank", RatePercent: 10, Mode: model.PumpModeSendRemote,
		MaxRemoteRange: pump.DefaultMaxRemoteRange, Activated: true}, nil)
	mustAdd(t, s, pump.Config{ID: "recv", HostNodeID: "dock", RatePercent: 10, Mode: model.PumpModeReceiveRemote, Activated: true}, nil)
	return s, tank, dock, hab
}

func TestTickDistributesLocally(t *testing.T) {
	k := kb.NewKnowledgeBase()
	mustContainer(t, k, "ship", model.Position{}, false)
	tank := mustNode(t, k, "tank", "ship", fuel(100, 100))
	engine := mustNode(t, k, "engine", "ship", fuel(0, 100))

	s := New(k, t0)
	mustAdd(t, s, pump.Config{ID: "p1", HostNodeID: "tank", RatePercent: 10, Activated: true}, nil)

	s.Tick(context.Background(), t0.Add(time.Second))

	if !approx(engine.Stock("Fuel").Amount, 10) || !approx(tank.Stock("Fuel").Amount, 90) {
		t.Fatalf("amounts tank=%v engine=%v, want 90/10", tank.Stock("Fuel").Amount, engine.Stock("Fuel").Amount)
	}
	st, err := s.GetPump("p1")
	if err != nil {
		t.Fatalf("GetPump: %v", err)
	}
	if st.State != model.PumpStatePumping {
		t.Fatalf("state = %v, want pumping", st.State)
	}
	if s.Ticks() != 1 || !s.Now().Equal(t0.Add(time.Second)) {
		t.Fatalf("ticks=%d now=%v", s.Ticks(), s.Now())
	}
}

func TestTickBackwardsIsZeroStep(t *testing.T) {
	k := kb.NewKnowledgeBase()
	mustContainer(t, k, "ship", model.Position{}, false)
	tank := mustNode(t, k, "tank", "ship", fuel(100, 100))
	mustNode(t, k, "engine", "ship", fuel(0, 100))

	s := New(k, t0)
	mustAdd(t, s, pump.Config{ID: "p1", HostNodeID: "tank", RatePercent: 10, Activated: true}, nil)
	s.Tick(context.Background(), t0.Add(time.Second))
	s.Tick(context.Background(), t0)

	if !approx(tank.Stock("Fuel").Amount, 90) {
		t.Fatalf("tank = %v, want 90 after backwards tick", tank.Stock("Fuel").Amount)
	}
	if !s.Now().Equal(t0.Add(time.Second)) {
		t.Fatalf("Now = %v, want clock held", s.Now())
	}
}

func TestRemoteTransferBetweenGroundedContainers(t *testing.T) {
	s, tank, dock, hab := remoteScenario(t)

	ids, err := s.RemoteReceivers("sender")
	if err != nil || len(ids) != 1 || ids[0] != "recv" {
		t.Fatalf("RemoteReceivers = %v, %v; want [recv]", ids, err)
	}

	s.Tick(context.Background(), t0.Add(time.Second))

	if !approx(tank.Stock("Fuel").Amount, 90) {
		t.Fatalf("tank = %v, want 90", tank.Stock("Fuel").Amount)
	}
	if !approx(hab.Stock("Fuel").Amount, 5) {
		t.Fatalf("hab = %v, want 5", hab.Stock("Fuel").Amount)
	}
	if !approx(dock.Stock("Fuel").Amount, 5) {
		t.Fatalf("dock = %v, want remainder 5", dock.Stock("Fuel").Amount)
	}
}

func TestRemoteReceiversFiltered(t *testing.T) {
	s, tank, _, _ := remoteScenario(t)

	if err := s.SetContainerPosition("outpost", model.Position{X: 500}); err != nil {
		t.Fatalf("SetContainerPosition: %v", err)
	}
	if ids, _ := s.RemoteReceivers("sender"); len(ids) != 0 {
		t.Fatalf("out of range receivers = %v, want none", ids)
	}

	if err := s.SetContainerPosition("outpost", model.Position{X: 100}); err != nil {
		t.Fatalf("SetContainerPosition: %v", err)
	}
	if err := s.SetContainerGrounded("outpost", false); err != nil {
		t.Fatalf("SetContainerGrounded: %v", err)
	}
	if ids, _ := s.RemoteReceivers("sender"); len(ids) != 0 {
		t.Fatalf("airborne receivers = %v, want none", ids)
	}

	// No receivers: the whole transfer is refunded.
	s.Tick(context.Background(), t0.Add(time.Second))
	if tank.Stock("Fuel").Amount != 100 {
		t.Fatalf("tank = %v, want full refund", tank.Stock("Fuel").Amount)
	}
	st, _ := s.GetPump("sender")
	if st.State != model.PumpStateDestinationsFull {
		t.Fatalf("sender state = %v, want destinations_full", st.State)
	}

	if err := s.SetContainerGrounded("outpost", true); err != nil {
		t.Fatalf("SetContainerGrounded: %v", err)
	}
	if err := s.SetPumpActivated("recv", false); err != nil {
		t.Fatalf("SetPumpActivated: %v", err)
	}
	if ids, _ := s.RemoteReceivers("sender"); len(ids) != 0 {
		t.Fatalf("deactivated receivers = %v, want none", ids)
	}
}

func TestControlErrors(t *testing.T) {
	s, _, _, _ := remoteScenario(t)

	if err := s.AddPump(pump.Config{ID: "sender", HostNodeID: "tank"}, nil); !errors.Is(err, ErrPumpExists) {
		t.Fatalf("duplicate AddPump = %v, want ErrPumpExists", err)
	}
	if _, err := s.GetPump("nope"); !errors.Is(err, ErrPumpNotFound) {
		t.Fatalf("GetPump(nope) = %v, want ErrPumpNotFound", err)
	}
	if err := s.SetPumpMode("nope", model.PumpModeDistribute); !errors.Is(err, ErrPumpNotFound) {
		t.Fatalf("SetPumpMode(nope) = %v, want ErrPumpNotFound", err)
	}
	if err := s.SetPumpRate("sender", 0); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("SetPumpRate(0) = %v, want ErrInvalidArgument", err)
	}
	if _, err := s.FlushPump(context.Background(), "sender", math.NaN()); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("FlushPump(NaN) = %v, want ErrInvalidArgument", err)
	}
	if err := s.RemovePump("nope"); !errors.Is(err, ErrPumpNotFound) {
		t.Fatalf("RemovePump(nope) = %v, want ErrPumpNotFound", err)
	}
}

func TestFlushAndRemove(t *testing.T) {
	k := kb.NewKnowledgeBase()
	mustContainer(t, k, "ship", model.Position{}, false)
	tank := mustNode(t, k, "tank", "ship", fuel(100, 100))
	engine := mustNode(t, k, "engine", "ship", fuel(0, 100))

	s := New(k, t0)
	mustAdd(t, s, pump.Config{ID: "p1", HostNodeID: "tank", RatePercent: 10, Activated: true}, nil)
	s.Tick(context.Background(), t0)

	out, err := s.FlushPump(context.Background(), "p1", 100)
	if err != nil {
		t.Fatalf("FlushPump: %v", err)
	}
	if !approx(out.Accepted, 100) || !approx(engine.Stock("Fuel").Amount, 100) || tank.Stock("Fuel").Amount != 0 {
		t.Fatalf("flush outcome=%+v engine=%v", out, engine.Stock("Fuel").Amount)
	}

	if err := s.RemovePump("p1"); err != nil {
		t.Fatalf("RemovePump: %v", err)
	}
	if got := s.ListPumps(); len(got) != 0 {
		t.Fatalf("ListPumps after remove = %v", got)
	}
}

func TestListPumpsOrderedByID(t *testing.T) {
	s, _, _, _ := remoteScenario(t)
	got := s.ListPumps()
	if len(got) != 2 || got[0].ID != "recv" || got[1].ID != "sender" {
		t.Fatalf("ListPumps = %+v, want recv then sender", got)
	}
}

func TestSaveAndRestore(t *testing.T) {
	ctx := context.Background()
	store := persist.NewMemoryStore()

	s1, _, _, _ := remoteScenario(t)
	if err := s1.SetPumpMode("sender", model.PumpModeDistribute); err != nil {
		t.Fatalf("SetPumpMode: %v", err)
	}
	if err := s1.SetPumpRate("sender", 15); err != nil {
		t.Fatalf("SetPumpRate: %v", err)
	}
	if err := s1.SetPumpActivated("recv", false); err != nil {
		t.Fatalf("SetPumpActivated: %v", err)
	}
	if err := s1.Save(ctx, store); err != nil {
		t.Fatalf("Save: %v", err)
	}

	s2, _, _, _ := remoteScenario(t)
	if err := s2.Restore(ctx, store); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	sender, _ := s2.GetPump("sender")
	if sender.Mode != model.PumpModeDistribute || sender.RatePercent != 15 || !sender.Activated {
		t.Fatalf("restored sender = %+v", sender)
	}
	recv, _ := s2.GetPump("recv")
	if recv.Activated || recv.Mode != model.PumpModeReceiveRemote {
		t.Fatalf("restored recv = %+v", recv)
	}
}

func TestRestoreKeepsScenarioWhenNothingSaved(t *testing.T) {
	s, _, _, _ := remoteScenario(t)
	if err := s.Restore(context.Background(), persist.NewMemoryStore()); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	st, _ := s.GetPump("sender")
	if st.Mode != model.PumpModeSendRemote || st.RatePercent != pump.DefaultRatePercent {
		t.Fatalf("sender = %+v, want scenario settings", st)
	}
}

func TestSupplyLineCatchesUpThroughTick(t *testing.T) {
	k := kb.NewKnowledgeBase()
	mustContainer(t, k, "outpost", model.Position{}, true)
	crate := mustNode(t, k, "crate", "outpost", fuel(0, 100))
	depot := mustNode(t, k, "depot", "outpost", fuel(0, 10000))

	rec := &fakeMetrics{}
	s := New(k, t0, WithMetrics(rec))
	mustAdd(t, s, pump.Config{ID: "supply", HostNodeID: "crate", RatePercent: 10},
		&pump.SupplyLineConfig{Enabled: true, Period: time.Hour})

	s.Tick(context.Background(), t0.Add(3*time.Hour+time.Second))

	line, err := s.SupplyLine("supply")
	if err != nil {
		t.Fatalf("SupplyLine: %v", err)
	}
	if line.Deliveries != 3 {
		t.Fatalf("deliveries = %d, want 3", line.Deliveries)
	}
	if !approx(depot.Stock("Fuel").Amount, 300) {
		t.Fatalf("depot = %v, want 300", depot.Stock("Fuel").Amount)
	}
	if crate.Stock("Fuel").Amount != 0 {
		t.Fatalf("crate = %v, want flushed", crate.Stock("Fuel").Amount)
	}
	if rec.deliveries != 3 || rec.ticks != 1 || rec.pumps != 1 {
		t.Fatalf("metrics = %+v", rec)
	}
}

func TestStockChangeWakesSourceEmptyPump(t *testing.T) {
	k := kb.NewKnowledgeBase()
	mustContainer(t, k, "ship", model.Position{}, false)
	mustNode(t, k, "tank", "ship", fuel(0, 100))
	engine := mustNode(t, k, "engine", "ship", fuel(0, 100))

	s := New(k, t0)
	mustAdd(t, s, pump.Config{ID: "p1", HostNodeID: "tank", RatePercent: 10, Activated: true}, nil)
	s.Tick(context.Background(), t0.Add(time.Second))
	if st, _ := s.GetPump("p1"); st.State != model.PumpStateSourceEmpty {
		t.Fatalf("state = %v, want source_empty", st.State)
	}

	if err := s.SetStockAmount("tank", "Fuel", 50); err != nil {
		t.Fatalf("SetStockAmount: %v", err)
	}
	if st, _ := s.GetPump("p1"); st.State != model.PumpStatePumping {
		t.Fatalf("state = %v, want pumping after refill", st.State)
	}
	s.Tick(context.Background(), t0.Add(2*time.Second))
	if !approx(engine.Stock("Fuel").Amount, 10) {
		t.Fatalf("engine = %v, want 10", engine.Stock("Fuel").Amount)
	}
}

func TestSnapshotReportsStocksAndPumps(t *testing.T) {
	s, _, _, _ := remoteScenario(t)
	s.Tick(context.Background(), t0.Add(time.Second))

	snap := s.Snapshot()
	if snap.Ticks != 1 || !snap.Time.Equal(t0.Add(time.Second)) {
		t.Fatalf("snapshot ticks=%d time=%v", snap.Ticks, snap.Time)
	}
	if len(snap.Pumps) != 2 {
		t.Fatalf("snapshot pumps = %d, want 2", len(snap.Pumps))
	}
	levels := make(map[string]float64)
	for _, st := range snap.Stocks {
		levels[st.NodeID] = st.Amount
	}
	if !approx(levels["tank"], 90) || !approx(levels["hab"], 5) || !approx(levels["dock"], 5) {
		t.Fatalf("snapshot levels = %v", levels)
	}
}

func TestOneSendingPumpPerHost(t *testing.T) {
	k := kb.NewKnowledgeBase()
	mustContainer(t, k, "ship", model.Position{}, false)
	tank := mustNode(t, k, "tank", "ship", fuel(100, 100))
	mustNode(t, k, "engine", "ship", fuel(0, 100))

	s := New(k, t0)
	mustAdd(t, s, pump.Config{ID: "p1", HostNodeID: "tank", RatePercent: 10, Activated: true}, nil)
	err := s.AddPump(pump.Config{ID: "p2", HostNodeID: "tank", RatePercent: 10, Activated: true}, nil)
	if !errors.Is(err, ErrHostHasPump) {
		t.Fatalf("second distribute pump = %v, want ErrHostHasPump", err)
	}
	err = s.AddPump(pump.Config{ID: "p3", HostNodeID: "tank", RatePercent: 10, Mode: model.PumpModeSendRemote, Activated: true}, nil)
	if !errors.Is(err, ErrHostHasPump) {
		t.Fatalf("send-remote pump on same host = %v, want ErrHostHasPump", err)
	}
	mustAdd(t, s, pump.Config{ID: "recv", HostNodeID: "tank", RatePercent: 10, Mode: model.PumpModeReceiveRemote, Activated: true}, nil)
	if err := s.SetPumpMode("recv", model.PumpModeDistribute); !errors.Is(err, ErrHostHasPump) {
		t.Fatalf("switching receiver to distribute = %v, want ErrHostHasPump", err)
	}
	if err := s.SetPumpMode("p1", model.PumpModeSendRemote); err != nil {
		t.Fatalf("sender changing its own mode: %v", err)
	}
	if err := s.SetPumpMode("p1", model.PumpModeDistribute); err != nil {
		t.Fatalf("SetPumpMode: %v", err)
	}

	s.Tick(context.Background(), t0.Add(time.Second))
	if !approx(tank.Stock("Fuel").Amount, 90) {
		t.Fatalf("tank = %v, want 90 from a single pump", tank.Stock("Fuel").Amount)
	}
}

func TestRestoreKeepsOneSenderPerHost(t *testing.T) {
	ctx := context.Background()
	store := persist.NewMemoryStore()
	if err := store.SaveFields(ctx, "recv", map[string]string{pump.FieldMode: "distribute"}); err != nil {
		t.Fatalf("SaveFields: %v", err)
	}

	k := kb.NewKnowledgeBase()
	mustContainer(t, k, "ship", model.Position{}, true)
	mustNode(t, k, "tank", "ship", fuel(100, 100))
	s := New(k, t0)
	mustAdd(t, s, pump.Config{ID: "p1", HostNodeID: "tank", RatePercent: 10, Activated: true}, nil)
	mustAdd(t, s, pump.Config{ID: "recv", HostNodeID: "tank", RatePercent: 10, Mode: model.PumpModeReceiveRemote, Activated: true}, nil)

	if err := s.Restore(ctx, store); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if st, _ := s.GetPump("recv"); st.Mode != model.PumpModeReceiveRemote {
		t.Fatalf("restored recv mode = %v, want receive_remote", st.Mode)
	}
}

func TestSupplyLineControls(t *testing.T) {
	k := kb.NewKnowledgeBase()
	mustContainer(t, k, "outpost", model.Position{}, true)
	mustNode(t, k, "crate", "outpost", fuel(0, 100))
	depot := mustNode(t, k, "depot", "outpost", fuel(0, 10000))
	mustContainer(t, k, "base", model.Position{X: 1000}, true)
	mustNode(t, k, "tank", "base", fuel(0, 100))

	s := New(k, t0)
	mustAdd(t, s, pump.Config{ID: "supply", HostNodeID: "crate", RatePercent: 10},
		&pump.SupplyLineConfig{Enabled: false, Period: time.Hour})
	mustAdd(t, s, pump.Config{ID: "plain", HostNodeID: "tank", RatePercent: 10}, nil)
	ctx := context.Background()

	if _, err := s.SupplyLine("plain"); !errors.Is(err, ErrNoSupplyLine) {
		t.Fatalf("SupplyLine(plain) = %v, want ErrNoSupplyLine", err)
	}
	if _, err := s.SetSupplyEnabled("nope", true); !errors.Is(err, ErrPumpNotFound) {
		t.Fatalf("SetSupplyEnabled(nope) = %v, want ErrPumpNotFound", err)
	}
	if _, err := s.SetSupplyPeriod("supply", -time.Hour); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("negative period = %v, want ErrInvalidArgument", err)
	}

	s.Tick(ctx, t0.Add(2*time.Hour))
	st, err := s.SetSupplyEnabled("supply", true)
	if err != nil || !st.Enabled || !st.LastDelivery.Equal(t0.Add(2*time.Hour)) {
		t.Fatalf("SetSupplyEnabled = %+v, %v", st, err)
	}
	s.Tick(ctx, t0.Add(3*time.Hour))
	if !approx(depot.Stock("Fuel").Amount, 100) {
		t.Fatalf("depot = %v, want one delivery", depot.Stock("Fuel").Amount)
	}

	if st, err = s.StartSupplyRecording("supply"); err != nil || !st.Recording {
		t.Fatalf("StartSupplyRecording = %+v, %v", st, err)
	}
	s.Tick(ctx, t0.Add(5*time.Hour+30*time.Minute))
	st, err = s.StopSupplyRecording("supply")
	if err != nil || st.Recording || st.Period != 150*time.Minute {
		t.Fatalf("StopSupplyRecording = %+v, %v", st, err)
	}
	if st.Deliveries != 1 {
		t.Fatalf("deliveries = %d, want none while recording", st.Deliveries)
	}

	if st, err = s.SetSupplyPeriod("supply", 30*time.Minute); err != nil || st.Period != 30*time.Minute {
		t.Fatalf("SetSupplyPeriod = %+v, %v", st, err)
	}
	s.Tick(ctx, t0.Add(6*time.Hour))
	if st, _ := s.SupplyLine("supply"); st.Deliveries != 2 {
		t.Fatalf("deliveries after new period = %d, want 2", st.Deliveries)
	}
}

type fakeMetrics struct {
	deliveries int
	ticks      int
	pumps      int
}

func (f *fakeMetrics) SetPumpState(string, model.PumpState)                             {}
func (f *fakeMetrics) ObserveTransfer(string, string, model.PumpMode, float64, float64) {}
func (f *fakeMetrics) ObserveRefundClamp(string, string)                               {}
func (f *fakeMetrics) ObserveSupplyDelivery(string)                                     { f.deliveries++ }
func (f *fakeMetrics) ObserveTick(time.Duration)                                        { f.ticks++ }
func (f *fakeMetrics) SetPumpCount(n int)                                               { f.pumps = n }
