package model

import (
	"fmt"
	"math"
	"strings"
)

// EmptyThreshold is the amount at or below which a stock counts as empty.
const EmptyThreshold = 1e-8

// FlowMode describes which directions a stock may be moved in.
type FlowMode int

const (
	FlowModeAll FlowMode = iota // push and pull
	FlowModeNone
	FlowModePushOnly // may leave the stock, may not be filled by a pump
	FlowModePullOnly // may be filled, may not be drained by a pump
)

func (m FlowMode) String() string {
	switch m {
	case FlowModeAll:
		return "all"
	case FlowModeNone:
		return "none"
	case FlowModePushOnly:
		return "push_only"
	case FlowModePullOnly:
		return "pull_only"
	default:
		return fmt.Sprintf("FlowMode(%d)", int(m))
	}
}

// ParseFlowMode maps a config string onto a FlowMode. Empty means FlowModeAll.
func ParseFlowMode(s string) (FlowMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "all", "both":
		return FlowModeAll, nil
	case "none", "no_flow":
		return FlowModeNone, nil
	case "push_only", "push", "out":
		return FlowModePushOnly, nil
	case "pull_only", "pull", "in":
		return FlowModePullOnly, nil
	default:
		return FlowModeAll, fmt.Errorf("unknown flow mode %q", s)
	}
}

// ResourceStock is a single named, capacity-bounded quantity held by a Node.
type ResourceStock struct {
	Name       string
	Amount     float64
	Capacity   float64
	FlowLocked bool
	FlowMode   FlowMode
}

// CanSend reports whether a pump may draw from the stock.
func (r *ResourceStock) CanSend() bool {
	if r == nil || r.FlowLocked {
		return false
	}
	return r.FlowMode == FlowModeAll || r.FlowMode == FlowModePushOnly
}

// CanReceive reports whether a pump may push into the stock.
func (r *ResourceStock) CanReceive() bool {
	if r == nil || r.FlowLocked {
		return false
	}
	return r.FlowMode == FlowModeAll || r.FlowMode == FlowModePullOnly
}

// Finite reports whether both the amount and the capacity are real numbers.
func (r *ResourceStock) Finite() bool {
	if r == nil {
		return false
	}
	return !math.IsNaN(r.Amount) && !math.IsInf(r.Amount, 0) &&
		!math.IsNaN(r.Capacity) && !math.IsInf(r.Capacity, 0)
}

// IsEmpty reports whether the stock holds no usable amount.
func (r *ResourceStock) IsEmpty() bool {
	return r == nil || r.Amount <= EmptyThreshold
}

// IsFull reports whether the stock has no free capacity left.
func (r *ResourceStock) IsFull() bool {
	return r == nil || r.Capacity-r.Amount <= EmptyThreshold
}

// FreeCapacity returns how much more the stock can hold, never negative.
func (r *ResourceStock) FreeCapacity() float64 {
	if r == nil {
		return 0
	}
	free := r.Capacity - r.Amount
	if free < 0 {
		return 0
	}
	return free
}
