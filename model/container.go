package model

import "math"

// Position is a location in metres within a shared local frame.
type Position struct {
	X float64
	Y float64
	Z float64
}

// DistanceTo returns the straight-line distance to other in metres.
func (p Position) DistanceTo(other Position) float64 {
	dx := p.X - other.X
	dy := p.Y - other.Y
	dz := p.Z - other.Z
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}

// Container is an independently simulated body (a vessel, a base) that
// owns a set of connected nodes.
type Container struct {
	ID       string
	Name     string
	Position Position

	// Grounded is the physical precondition for remote pumping: both the
	// sending and the receiving container must be landed.
	Grounded bool
}
