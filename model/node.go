package model

// Node is a distribution endpoint holding zero or more resource stocks.
// Nodes inside the same Container form one resource network.
type Node struct {
	ID          string
	Name        string
	ContainerID string

	// Priority orders receivers during local distribution; higher values
	// are filled first.
	Priority int

	Stocks []*ResourceStock
}

// Stock returns the stock with the given resource name, or nil.
func (n *Node) Stock(name string) *ResourceStock {
	if n == nil {
		return nil
	}
	for _, s := range n.Stocks {
		if s != nil && s.Name == name {
			return s
		}
	}
	return nil
}

// HasResource reports whether the node carries a stock of the named resource.
func (n *Node) HasResource(name string) bool {
	return n.Stock(name) != nil
}
