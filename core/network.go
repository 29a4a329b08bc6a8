package core

import (
	"sort"

	"github.com/signalsfoundry/resource-pump-sim/model"
)

// StockMutator writes stock amounts. The KB implements it so every write
// turns into empty/full transition events.
type StockMutator interface {
	SetAmount(node *model.Node, stock *model.ResourceStock, amount float64)
}

type directMutator struct{}

func (directMutator) SetAmount(_ *model.Node, stock *model.ResourceStock, amount float64) {
	stock.Amount = amount
}

type member struct {
	node  *model.Node
	stock *model.ResourceStock
}

// priorityGroup holds the members sharing one flow priority.
type priorityGroup struct {
	priority int
	members  []member
}

// ResourceNetwork is the set of nodes a host can push resources into,
// partitioned by resource name and ordered by descending priority.
//
// It is a snapshot of membership, not of amounts: Request always re-reads
// the members' current amount and capacity, so several pumps sharing the
// same nodes in one tick see each other's effects.
type ResourceNetwork struct {
	host    *model.Node
	mutator StockMutator

	// groups maps resource name -> groups sorted by descending priority.
	groups map[string][]*priorityGroup
}

// BuildNetwork builds the push lists for every resource the host carries
// from the given members, then removes the host itself so a pump never
// distributes to its own node.
func BuildNetwork(host *model.Node, members []*model.Node, mutator StockMutator) *ResourceNetwork {
	if mutator == nil {
		mutator = directMutator{}
	}
	net := &ResourceNetwork{
		host:    host,
		mutator: mutator,
		groups:  make(map[string][]*priorityGroup),
	}
	if host == nil {
		return net
	}

	for _, hs := range host.Stocks {
		if hs == nil {
			continue
		}
		if _, ok := net.groups[hs.Name]; ok {
			continue
		}
		byPriority := make(map[int]*priorityGroup)
		for _, n := range members {
			if n == nil {
				continue
			}
			stock := n.Stock(hs.Name)
			if stock == nil || !stock.CanReceive() {
				continue
			}
			g, ok := byPriority[n.Priority]
			if !ok {
				g = &priorityGroup{priority: n.Priority}
				byPriority[n.Priority] = g
			}
			g.members = append(g.members, member{node: n, stock: stock})
		}

		list := make([]*priorityGroup, 0, len(byPriority))
		for _, g := range byPriority {
			list = append(list, g)
		}
		sort.Slice(list, func(i, j int) bool { return list[i].priority > list[j].priority })
		net.groups[hs.Name] = list
	}

	net.RemoveNode(host)
	return net
}

// Host returns the node the network was built for.
func (n *ResourceNetwork) Host() *model.Node {
	if n == nil {
		return nil
	}
	return n.host
}

// Resources returns the resource names the network has push lists for.
func (n *ResourceNetwork) Resources() []string {
	if n == nil {
		return nil
	}
	out := make([]string, 0, len(n.groups))
	for name := range n.groups {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Members returns the receiving nodes for a resource in visiting order.
func (n *ResourceNetwork) Members(resource string) []*model.Node {
	if n == nil {
		return nil
	}
	var out []*model.Node
	for _, g := range n.groups[resource] {
		for _, m := range g.members {
			out = append(out, m.node)
		}
	}
	return out
}

// FreeCapacity returns the room left across every member for a resource.
func (n *ResourceNetwork) FreeCapacity(resource string) float64 {
	if n == nil {
		return 0
	}
	total := 0.0
	for _, g := range n.groups[resource] {
		total += g.freeCapacity()
	}
	return total
}

// RemoveNode drops a node from every push list without rebuilding.
func (n *ResourceNetwork) RemoveNode(node *model.Node) {
	if n == nil || node == nil {
		return
	}
	for name, list := range n.groups {
		kept := list[:0]
		for _, g := range list {
			members := g.members[:0]
			for _, m := range g.members {
				if m.node.ID != node.ID {
					members = append(members, m)
				}
			}
			g.members = members
			if len(g.members) > 0 {
				kept = append(kept, g)
			}
		}
		n.groups[name] = kept
	}
}

// Request asks the network to absorb amount of a resource and returns how
// much was accepted. Groups are visited in descending priority; inside a
// group the amount is split in proportion to each member's free capacity.
// With partial == false the request is all-or-nothing.
func (n *ResourceNetwork) Request(resource string, amount float64, partial bool) float64 {
	if n == nil || amount <= model.EmptyThreshold {
		return 0
	}
	list := n.groups[resource]
	if len(list) == 0 {
		return 0
	}
	if !partial && n.FreeCapacity(resource)+model.EmptyThreshold < amount {
		return 0
	}

	accepted := 0.0
	remaining := amount
	for _, g := range list {
		if remaining <= model.EmptyThreshold {
			break
		}
		free := g.freeCapacity()
		if free <= model.EmptyThreshold {
			continue
		}
		place := remaining
		if place > free {
			place = free
		}
		for _, m := range g.members {
			if !m.stock.CanReceive() {
				continue
			}
			room := m.stock.FreeCapacity()
			if room <= 0 {
				continue
			}
			share := place * room / free
			if share > room {
				share = room
			}
			next := m.stock.Amount + share
			if next > m.stock.Capacity {
				next = m.stock.Capacity
			}
			delta := next - m.stock.Amount
			if delta <= 0 {
				continue
			}
			n.mutator.SetAmount(m.node, m.stock, next)
			accepted += delta
		}
		remaining = amount - accepted
	}
	if accepted > amount {
		accepted = amount
	}
	return accepted
}

func (g *priorityGroup) freeCapacity() float64 {
	total := 0.0
	for _, m := range g.members {
		if m.stock.CanReceive() {
			total += m.stock.FreeCapacity()
		}
	}
	return total
}
