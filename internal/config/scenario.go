// Package config loads simulation scenarios from YAML.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/signalsfoundry/resource-pump-sim/internal/logging"
	"github.com/signalsfoundry/resource-pump-sim/internal/pump"
	"github.com/signalsfoundry/resource-pump-sim/internal/sim"
	"github.com/signalsfoundry/resource-pump-sim/model"
)

// ErrInvalidScenario marks a structural problem in a scenario document.
var ErrInvalidScenario = errors.New("invalid scenario")

// Scenario is the YAML document: containers with their nodes and stocks,
// then the pumps driving those nodes.
type Scenario struct {
	Start      time.Time   `yaml:"start"`
	Containers []Container `yaml:"containers"`
	Pumps      []Pump      `yaml:"pumps"`
}

type Position struct {
	X float64 `yaml:"x"`
	Y float64 `yaml:"y"`
	Z float64 `yaml:"z"`
}

type Container struct {
	ID       string   `yaml:"id"`
	Name     string   `yaml:"name"`
	Position Position `yaml:"position"`
	Grounded bool     `yaml:"grounded"`
	Nodes    []Node   `yaml:"nodes"`
}

type Node struct {
	ID       string  `yaml:"id"`
	Name     string  `yaml:"name"`
	Priority int     `yaml:"priority"`
	Stocks   []Stock `yaml:"stocks"`
}

type Stock struct {
	Resource string  `yaml:"resource"`
	Amount   float64 `yaml:"amount"`
	Capacity float64 `yaml:"capacity"`
	FlowMode string  `yaml:"flow_mode"`
	Locked   bool    `yaml:"locked"`
}

// Pump describes one pump. Rate defaults to 10%, MaxRemoteRange to 200 m
// and Activated to true when omitted. An explicit range of 0 keeps the
// pump from reaching any remote receiver.
type Pump struct {
	ID             string        `yaml:"id"`
	Host           string        `yaml:"host"`
	Rate           *float64      `yaml:"rate"`
	Mode           string        `yaml:"mode"`
	MaxRemoteRange *float64      `yaml:"max_remote_range"`
	Activated      *bool         `yaml:"activated"`
	Cooldown       time.Duration `yaml:"cooldown"`
	SupplyLine     *SupplyLine   `yaml:"supply_line"`
}

type SupplyLine struct {
	Enabled     bool    `yaml:"enabled"`
	PeriodHours float64 `yaml:"period_hours"`
}

// Load reads a scenario file.
func Load(path string) (*Scenario, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open scenario: %w", err)
	}
	defer f.Close()
	return Decode(f)
}

// Decode parses a scenario and checks its structure. Unknown keys are
// rejected. A pump with a bad mode or rate is not a structural error; it
// is registered disabled by Apply.
func Decode(r io.Reader) (*Scenario, error) {
	var sc Scenario
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&sc); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrInvalidScenario, err)
	}
	if err := sc.validate(); err != nil {
		return nil, err
	}
	return &sc, nil
}

func (sc *Scenario) validate() error {
	containers := make(map[string]bool)
	nodes := make(map[string]bool)
	for _, c := range sc.Containers {
		if c.ID == "" {
			return fmt.Errorf("%w: container with empty id", ErrInvalidScenario)
		}
		if containers[c.ID] {
			return fmt.Errorf("%w: duplicate container %q", ErrInvalidScenario, c.ID)
		}
		containers[c.ID] = true
		for _, n := range c.Nodes {
			if n.ID == "" {
				return fmt.Errorf("%w: node with empty id in %q", ErrInvalidScenario, c.ID)
			}
			if nodes[n.ID] {
				return fmt.Errorf("%w: duplicate node %q", ErrInvalidScenario, n.ID)
			}
			nodes[n.ID] = true
			for _, st := range n.Stocks {
				if st.Resource == "" {
					return fmt.Errorf("%w: node %q has a stock with no resource", ErrInvalidScenario, n.ID)
				}
				if !finite(st.Amount) || !finite(st.Capacity) {
					return fmt.Errorf("%w: node %q stock %q has a non-finite level",
						ErrInvalidScenario, n.ID, st.Resource)
				}
				if st.Capacity < 0 || st.Amount < 0 || st.Amount > st.Capacity {
					return fmt.Errorf("%w: node %q stock %q amount %g capacity %g",
						ErrInvalidScenario, n.ID, st.Resource, st.Amount, st.Capacity)
				}
				if _, err := model.ParseFlowMode(st.FlowMode); err != nil {
					return fmt.Errorf("%w: node %q stock %q: %v", ErrInvalidScenario, n.ID, st.Resource, err)
				}
			}
		}
	}
	pumps := make(map[string]bool)
	senders := make(map[string]string)
	for _, p := range sc.Pumps {
		if p.ID == "" {
			return fmt.Errorf("%w: pump with empty id", ErrInvalidScenario)
		}
		if pumps[p.ID] {
			return fmt.Errorf("%w: duplicate pump %q", ErrInvalidScenario, p.ID)
		}
		pumps[p.ID] = true
		if mode, err := model.ParsePumpMode(p.Mode); err == nil && mode != model.PumpModeReceiveRemote {
			if other, ok := senders[p.Host]; ok {
				return fmt.Errorf("%w: pumps %q and %q both send from node %q",
					ErrInvalidScenario, other, p.ID, p.Host)
			}
			senders[p.Host] = p.ID
		}
		if p.SupplyLine != nil && p.SupplyLine.PeriodHours < 0 {
			return fmt.Errorf("%w: pump %q supply period negative", ErrInvalidScenario, p.ID)
		}
	}
	return nil
}

func finite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }

// invalidMode is outside the PumpMode range so Validate rejects it.
const invalidMode = model.PumpMode(-1)

// PumpConfig converts the YAML form into a pump configuration. An unknown
// mode yields a configuration that fails validation, and the returned
// error says why.
func (p Pump) PumpConfig() (pump.Config, error) {
	cfg := pump.Config{
		ID:             p.ID,
		HostNodeID:     p.Host,
		RatePercent:    pump.DefaultRatePercent,
		MaxRemoteRange: pump.DefaultMaxRemoteRange,
		Activated:      true,
		Cooldown:       p.Cooldown,
	}
	if p.Rate != nil {
		cfg.RatePercent = *p.Rate
	}
	if p.MaxRemoteRange != nil {
		cfg.MaxRemoteRange = *p.MaxRemoteRange
	}
	if p.Activated != nil {
		cfg.Activated = *p.Activated
	}
	mode, err := model.ParsePumpMode(p.Mode)
	if err != nil {
		cfg.Mode = invalidMode
		return cfg, err
	}
	cfg.Mode = mode
	return cfg, cfg.Validate()
}

// SupplyConfig returns the supply-line configuration, or nil.
func (p Pump) SupplyConfig() *pump.SupplyLineConfig {
	if p.SupplyLine == nil {
		return nil
	}
	return &pump.SupplyLineConfig{
		Enabled: p.SupplyLine.Enabled,
		Period:  time.Duration(p.SupplyLine.PeriodHours * float64(time.Hour)),
	}
}

// Summary lists what Apply registered.
type Summary struct {
	ContainerIDs []string
	NodeIDs      []string
	PumpIDs      []string
	// DisabledPumps are pumps registered with a configuration that can
	// never run.
	DisabledPumps []string
}

// Apply populates the simulation's knowledge base and registers every
// pump. Malformed pumps are registered anyway and stay disabled.
func (sc *Scenario) Apply(ctx context.Context, s *sim.Simulation, log logging.Logger) (*Summary, error) {
	if s == nil {
		return nil, fmt.Errorf("apply scenario: nil simulation")
	}
	if log == nil {
		log = logging.Noop()
	}
	kbase := s.KB()
	sum := &Summary{}

	for _, c := range sc.Containers {
		err := kbase.AddContainer(&model.Container{
			ID:       c.ID,
			Name:     c.Name,
			Position: model.Position{X: c.Position.X, Y: c.Position.Y, Z: c.Position.Z},
			Grounded: c.Grounded,
		})
		if err != nil {
			return nil, fmt.Errorf("apply scenario: %w", err)
		}
		sum.ContainerIDs = append(sum.ContainerIDs, c.ID)

		for _, n := range c.Nodes {
			node := &model.Node{ID: n.ID, Name: n.Name, ContainerID: c.ID, Priority: n.Priority}
			for _, st := range n.Stocks {
				// Checked in validate.
				fm, _ := model.ParseFlowMode(st.FlowMode)
				node.Stocks = append(node.Stocks, &model.ResourceStock{
					Name:       st.Resource,
					Amount:     st.Amount,
					Capacity:   st.Capacity,
					FlowLocked: st.Locked,
					FlowMode:   fm,
				})
			}
			if err := kbase.AddNode(node); err != nil {
				return nil, fmt.Errorf("apply scenario: %w", err)
			}
			sum.NodeIDs = append(sum.NodeIDs, n.ID)
		}
	}

	for _, p := range sc.Pumps {
		cfg, cfgErr := p.PumpConfig()
		if cfgErr != nil {
			log.Warn(ctx, "scenario pump is malformed and will stay disabled",
				logging.String("pump_id", p.ID),
				logging.Err(cfgErr),
			)
			sum.DisabledPumps = append(sum.DisabledPumps, p.ID)
		}
		if err := s.AddPump(cfg, p.SupplyConfig()); err != nil {
			return nil, fmt.Errorf("apply scenario: %w", err)
		}
		sum.PumpIDs = append(sum.PumpIDs, p.ID)
	}

	log.Info(ctx, "scenario applied",
		logging.Int("containers", len(sum.ContainerIDs)),
		logging.Int("nodes", len(sum.NodeIDs)),
		logging.Int("pumps", len(sum.PumpIDs)),
	)
	return sum, nil
}
