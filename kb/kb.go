package kb

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/signalsfoundry/resource-pump-sim/model"
)

var (
	ErrContainerExists   = errors.New("container already exists")
	ErrContainerNotFound = errors.New("container not found")
	ErrNodeExists        = errors.New("node already exists")
	ErrNodeNotFound      = errors.New("node not found")
	ErrResourceNotFound  = errors.New("resource not found on node")
	ErrAmountOutOfRange  = errors.New("amount outside [0, capacity]")
)

// EventType indicates what kind of change happened in the KB.
type EventType int

const (
	// EventResourceNonEmpty fires when a stock goes from empty to holding something.
	EventResourceNonEmpty EventType = iota
	// EventResourceEmpty fires when a stock drains to empty.
	EventResourceEmpty
	// EventResourceFull fires when a stock reaches capacity.
	EventResourceFull
	// EventResourceNotFull fires when a full stock gains free capacity.
	EventResourceNotFull
	// EventMembershipChanged fires when a node joins or leaves a container.
	EventMembershipChanged
	// EventPriorityChanged fires when a node's flow priority changes.
	EventPriorityChanged
)

func (t EventType) String() string {
	switch t {
	case EventResourceNonEmpty:
		return "resource_nonempty"
	case EventResourceEmpty:
		return "resource_empty"
	case EventResourceFull:
		return "resource_full"
	case EventResourceNotFull:
		return "resource_not_full"
	case EventMembershipChanged:
		return "membership_changed"
	case EventPriorityChanged:
		return "priority_changed"
	default:
		return fmt.Sprintf("EventType(%d)", int(t))
	}
}

// Event is emitted to subscribers when something interesting happens.
// Resource is empty for membership and priority events.
type Event struct {
	Type        EventType
	NodeID      string
	ContainerID string
	Resource    string
}

// KnowledgeBase is an in-memory, thread-safe store for containers and the
// nodes they hold. It is the host adapter the pumps run against: it owns
// stock mutation and turns amount changes into transition events.
type KnowledgeBase struct {
	mu sync.RWMutex

	containers map[string]*model.Container
	nodes      map[string]*model.Node

	nextSubID uint64
	subIDs    []uint64
	subs      map[uint64]func(Event)
}

// NewKnowledgeBase constructs an empty KB.
func NewKnowledgeBase() *KnowledgeBase {
	return &KnowledgeBase{
		containers: make(map[string]*model.Container),
		nodes:      make(map[string]*model.Node),
		subs:       make(map[uint64]func(Event)),
	}
}

// AddContainer adds a new container. It returns an error if the ID already exists.
func (kb *KnowledgeBase) AddContainer(c *model.Container) error {
	if c == nil || c.ID == "" {
		return fmt.Errorf("%w: empty container ID", ErrContainerNotFound)
	}
	kb.mu.Lock()
	defer kb.mu.Unlock()

	if _, exists := kb.containers[c.ID]; exists {
		return fmt.Errorf("%w: %q", ErrContainerExists, c.ID)
	}
	// store pointer so position/grounded updates are visible to pumps
	kb.containers[c.ID] = c
	return nil
}

// GetContainer returns the container with the given ID, or nil if not found.
func (kb *KnowledgeBase) GetContainer(id string) *model.Container {
	kb.mu.RLock()
	defer kb.mu.RUnlock()
	return kb.containers[id]
}

// ListContainers returns a snapshot slice of all containers ordered by ID.
func (kb *KnowledgeBase) ListContainers() []*model.Container {
	kb.mu.RLock()
	defer kb.mu.RUnlock()

	res := make([]*model.Container, 0, len(kb.containers))
	for _, c := range kb.containers {
		res = append(res, c)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res
}

// SetContainerPosition moves a container.
func (kb *KnowledgeBase) SetContainerPosition(id string, pos model.Position) error {
	kb.mu.Lock()
	defer kb.mu.Unlock()
	c, ok := kb.containers[id]
	if !ok {
		return fmt.Errorf("%w: %q", ErrContainerNotFound, id)
	}
	c.Position = pos
	return nil
}

// SetContainerGrounded updates whether a container is landed.
func (kb *KnowledgeBase) SetContainerGrounded(id string, grounded bool) error {
	kb.mu.Lock()
	defer kb.mu.Unlock()
	c, ok := kb.containers[id]
	if !ok {
		return fmt.Errorf("%w: %q", ErrContainerNotFound, id)
	}
	c.Grounded = grounded
	return nil
}

// AddNode adds a node to its container and notifies subscribers that the
// container's membership changed.
func (kb *KnowledgeBase) AddNode(n *model.Node) error {
	if n == nil || n.ID == "" {
		return fmt.Errorf("%w: empty node ID", ErrNodeNotFound)
	}
	kb.mu.Lock()
	if _, exists := kb.nodes[n.ID]; exists {
		kb.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrNodeExists, n.ID)
	}
	if _, ok := kb.containers[n.ContainerID]; !ok {
		kb.mu.Unlock()
		return fmt.Errorf("%w: %q for node %q", ErrContainerNotFound, n.ContainerID, n.ID)
	}
	kb.nodes[n.ID] = n
	subs := kb.subscribersLocked()
	kb.mu.Unlock()

	notify(subs, Event{Type: EventMembershipChanged, NodeID: n.ID, ContainerID: n.ContainerID})
	return nil
}

// RemoveNode deletes a node and notifies subscribers.
func (kb *KnowledgeBase) RemoveNode(id string) error {
	kb.mu.Lock()
	n, ok := kb.nodes[id]
	if !ok {
		kb.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrNodeNotFound, id)
	}
	delete(kb.nodes, id)
	subs := kb.subscribersLocked()
	kb.mu.Unlock()

	notify(subs, Event{Type: EventMembershipChanged, NodeID: id, ContainerID: n.ContainerID})
	return nil
}

// GetNode returns the node with the given ID, or nil if not found.
func (kb *KnowledgeBase) GetNode(id string) *model.Node {
	kb.mu.RLock()
	defer kb.mu.RUnlock()
	return kb.nodes[id]
}

// ListNodes returns a snapshot slice of all nodes ordered by ID.
func (kb *KnowledgeBase) ListNodes() []*model.Node {
	kb.mu.RLock()
	defer kb.mu.RUnlock()

	res := make([]*model.Node, 0, len(kb.nodes))
	for _, n := range kb.nodes {
		res = append(res, n)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res
}

// NodesInContainer returns the nodes of one container ordered by ID.
func (kb *KnowledgeBase) NodesInContainer(containerID string) []*model.Node {
	kb.mu.RLock()
	defer kb.mu.RUnlock()

	var res []*model.Node
	for _, n := range kb.nodes {
		if n.ContainerID == containerID {
			res = append(res, n)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res
}

// SetNodePriority changes a node's flow priority and notifies subscribers.
func (kb *KnowledgeBase) SetNodePriority(id string, priority int) error {
	kb.mu.Lock()
	n, ok := kb.nodes[id]
	if !ok {
		kb.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrNodeNotFound, id)
	}
	if n.Priority == priority {
		kb.mu.Unlock()
		return nil
	}
	n.Priority = priority
	subs := kb.subscribersLocked()
	kb.mu.Unlock()

	notify(subs, Event{Type: EventPriorityChanged, NodeID: id, ContainerID: n.ContainerID})
	return nil
}

// SetAmount writes a stock's amount and emits the empty/full transition
// events implied by the change. It does not clamp; callers own the
// 0 <= amount <= capacity invariant.
func (kb *KnowledgeBase) SetAmount(node *model.Node, stock *model.ResourceStock, amount float64) {
	if node == nil || stock == nil {
		return
	}
	kb.mu.Lock()
	wasEmpty, wasFull := stock.IsEmpty(), stock.IsFull()
	stock.Amount = amount
	isEmpty, isFull := stock.IsEmpty(), stock.IsFull()
	var subs []func(Event)
	if wasEmpty != isEmpty || wasFull != isFull {
		subs = kb.subscribersLocked()
	}
	kb.mu.Unlock()

	if len(subs) == 0 {
		return
	}
	base := Event{NodeID: node.ID, ContainerID: node.ContainerID, Resource: stock.Name}
	if wasEmpty && !isEmpty {
		notify(subs, withType(base, EventResourceNonEmpty))
	}
	if !wasEmpty && isEmpty {
		notify(subs, withType(base, EventResourceEmpty))
	}
	if !wasFull && isFull {
		notify(subs, withType(base, EventResourceFull))
	}
	if wasFull && !isFull {
		notify(subs, withType(base, EventResourceNotFull))
	}
}

// SetStockAmount is the external-simulation entry point (production,
// consumption, refuelling). Unlike SetAmount it validates the range.
func (kb *KnowledgeBase) SetStockAmount(nodeID, resource string, amount float64) error {
	kb.mu.RLock()
	n, ok := kb.nodes[nodeID]
	kb.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrNodeNotFound, nodeID)
	}
	stock := n.Stock(resource)
	if stock == nil {
		return fmt.Errorf("%w: %q on %q", ErrResourceNotFound, resource, nodeID)
	}
	if math.IsNaN(amount) || math.IsInf(amount, 0) || amount < 0 || amount > stock.Capacity {
		return fmt.Errorf("%w: %g not in [0, %g]", ErrAmountOutOfRange, amount, stock.Capacity)
	}
	kb.SetAmount(n, stock, amount)
	return nil
}

// Subscribe registers a callback for KB events. It returns an unsubscribe function.
func (kb *KnowledgeBase) Subscribe(fn func(Event)) (unsubscribe func()) {
	kb.mu.Lock()
	defer kb.mu.Unlock()
	kb.nextSubID++
	id := kb.nextSubID
	kb.subs[id] = fn
	kb.subIDs = append(kb.subIDs, id)

	return func() {
		kb.mu.Lock()
		defer kb.mu.Unlock()
		if _, ok := kb.subs[id]; !ok {
			return
		}
		delete(kb.subs, id)
		for i, sid := range kb.subIDs {
			if sid == id {
				kb.subIDs = append(kb.subIDs[:i], kb.subIDs[i+1:]...)
				break
			}
		}
	}
}

// subscribersLocked copies the callbacks in subscription order.
// Caller must hold kb.mu.
func (kb *KnowledgeBase) subscribersLocked() []func(Event) {
	out := make([]func(Event), 0, len(kb.subIDs))
	for _, id := range kb.subIDs {
		out = append(out, kb.subs[id])
	}
	return out
}

// notify runs callbacks outside the lock to avoid deadlocks.
func notify(subs []func(Event), e Event) {
	for _, sub := range subs {
		sub(e)
	}
}

func withType(e Event, t EventType) Event {
	e.Type = t
	return e
}
