package model

import (
	"fmt"
	"strings"
)

// PumpMode selects where a pump sends the resources it draws.
type PumpMode int

const (
	// PumpModeDistribute pushes into the other nodes of the host's network.
	PumpModeDistribute PumpMode = iota
	// PumpModeSendRemote pushes to receive-mode pumps on nearby containers.
	PumpModeSendRemote
	// PumpModeReceiveRemote makes the pump a sink for remote senders only.
	PumpModeReceiveRemote
)

func (m PumpMode) String() string {
	switch m {
	case PumpModeDistribute:
		return "distribute"
	case PumpModeSendRemote:
		return "send_remote"
	case PumpModeReceiveRemote:
		return "receive_remote"
	default:
		return fmt.Sprintf("PumpMode(%d)", int(m))
	}
}

// ParsePumpMode maps a config or RPC string onto a PumpMode.
func ParsePumpMode(s string) (PumpMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "distribute", "local":
		return PumpModeDistribute, nil
	case "send_remote", "send-remote", "remote", "send":
		return PumpModeSendRemote, nil
	case "receive_remote", "receive-remote", "receive":
		return PumpModeReceiveRemote, nil
	default:
		return PumpModeDistribute, fmt.Errorf("unknown pump mode %q", s)
	}
}

// PumpState is the observable state of a pump's state machine.
type PumpState int

const (
	PumpStateDisabled PumpState = iota
	PumpStatePumping
	PumpStateSourceEmpty
	PumpStateDestinationsFull
)

func (s PumpState) String() string {
	switch s {
	case PumpStateDisabled:
		return "disabled"
	case PumpStatePumping:
		return "pumping"
	case PumpStateSourceEmpty:
		return "source_empty"
	case PumpStateDestinationsFull:
		return "destinations_full"
	default:
		return fmt.Sprintf("PumpState(%d)", int(s))
	}
}
