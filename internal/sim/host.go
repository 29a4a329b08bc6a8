package sim

import (
	"github.com/signalsfoundry/resource-pump-sim/kb"
	"github.com/signalsfoundry/resource-pump-sim/model"
)

// kbHost adapts the knowledge base to pump.Host. A container's nodes form
// one network.
type kbHost struct {
	*kb.KnowledgeBase
}

func (h kbHost) Node(id string) *model.Node { return h.GetNode(id) }

func (h kbHost) NetworkMembers(nodeID string) []*model.Node {
	n := h.GetNode(nodeID)
	if n == nil {
		return nil
	}
	return h.NodesInContainer(n.ContainerID)
}

func (h kbHost) containerOf(nodeID string) *model.Container {
	n := h.GetNode(nodeID)
	if n == nil {
		return nil
	}
	return h.GetContainer(n.ContainerID)
}

func (h kbHost) Distance(aNodeID, bNodeID string) (float64, bool) {
	a, b := h.containerOf(aNodeID), h.containerOf(bNodeID)
	if a == nil || b == nil {
		return 0, false
	}
	return a.Position.DistanceTo(b.Position), true
}

func (h kbHost) IsEligibleForRemote(nodeID string) bool {
	c := h.containerOf(nodeID)
	return c != nil && c.Grounded
}
