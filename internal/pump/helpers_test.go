package pump

import (
	"math"
	"testing"
	"time"

	"github.com/signalsfoundry/resource-pump-sim/kb"
	"github.com/signalsfoundry/resource-pump-sim/model"
)

const tolerance = 1e-9

var t0 = time.Date(2025, time.March, 1, 0, 0, 0, 0, time.UTC)

// testHost adapts a KnowledgeBase to Host the same way the simulation does.
type testHost struct {
	*kb.KnowledgeBase
}

func newTestHost() *testHost {
	return &testHost{KnowledgeBase: kb.NewKnowledgeBase()}
}

func (h *testHost) Node(id string) *model.Node { return h.GetNode(id) }

func (h *testHost) NetworkMembers(id string) []*model.Node {
	n := h.GetNode(id)
	if n == nil {
		return nil
	}
	return h.NodesInContainer(n.ContainerID)
}

func (h *testHost) Distance(a, b string) (float64, bool) {
	na, nb := h.GetNode(a), h.GetNode(b)
	if na == nil || nb == nil {
		return 0, false
	}
	ca, cb := h.GetContainer(na.ContainerID), h.GetContainer(nb.ContainerID)
	if ca == nil || cb == nil {
		return 0, false
	}
	return ca.Position.DistanceTo(cb.Position), true
}

func (h *testHost) IsEligibleForRemote(id string) bool {
	n := h.GetNode(id)
	if n == nil {
		return false
	}
	c := h.GetContainer(n.ContainerID)
	return c != nil && c.Grounded
}

func (h *testHost) container(t *testing.T, id string, grounded bool) {
	t.Helper()
	if err := h.AddContainer(&model.Container{ID: id, Grounded: grounded}); err != nil {
		t.Fatalf("AddContainer(%s): %v", id, err)
	}
}

func (h *testHost) node(t *testing.T, id, containerID string, priority int, stocks ...*model.ResourceStock) *model.Node {
	t.Helper()
	n := &model.Node{ID: id, ContainerID: containerID, Priority: priority, Stocks: stocks}
	if err := h.AddNode(n); err != nil {
		t.Fatalf("AddNode(%s): %v", id, err)
	}
	return n
}

func fuel(amount, capacity float64) *model.ResourceStock {
	return &model.ResourceStock{Name: "Fuel", Amount: amount, Capacity: capacity}
}

func amountOf(n *model.Node) float64 { return n.Stock("Fuel").Amount }

func approx(a, b float64) bool { return math.Abs(a-b) <= tolerance }

// staticLocator returns a fixed receiver list.
type staticLocator []*Distributor

func (s staticLocator) RemoteReceivers(*Distributor) []*Distributor { return s }

type fakeRecorder struct {
	states    map[string]model.PumpState
	accepted  float64
	refunded  float64
	clamps    int
	delivered int
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{states: make(map[string]model.PumpState)}
}

func (r *fakeRecorder) SetPumpState(id string, s model.PumpState) { r.states[id] = s }

func (r *fakeRecorder) ObserveTransfer(_, _ string, _ model.PumpMode, accepted, refunded float64) {
	r.accepted += accepted
	r.refunded += refunded
}

func (r *fakeRecorder) ObserveRefundClamp(string, string) { r.clamps++ }

func (r *fakeRecorder) ObserveSupplyDelivery(string) { r.delivered++ }

func localConfig(id, host string) Config {
	return Config{
		ID:          id,
		HostNodeID:  host,
		RatePercent: 10,
		Mode:        model.PumpModeDistribute,
		Activated:   true,
	}
}
