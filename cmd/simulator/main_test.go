package main

import (
	"bytes"
	"context"
	"math"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/signalsfoundry/resource-pump-sim/internal/logging"
	"github.com/signalsfoundry/resource-pump-sim/model"
	"github.com/signalsfoundry/resource-pump-sim/timectrl"
)

var shippedScenario = filepath.Join("..", "..", "configs", "scenario.yaml")

// TestBatchRunConservesResources runs the shipped scenario for a few
// simulated minutes and checks that no supply delivery happened, so the
// total of each resource is unchanged.
func TestBatchRunConservesResources(t *testing.T) {
	opts := options{
		scenario: shippedScenario,
		duration: 5 * time.Minute,
		tick:     time.Second,
		warp:     1,
		mode:     timectrl.Accelerated,
	}

	var out bytes.Buffer
	snap, err := runBatch(context.Background(), opts, logging.Noop(), &out)
	if err != nil {
		t.Fatalf("runBatch: %v", err)
	}
	if snap.Ticks != 300 {
		t.Fatalf("ticks = %d, want 300", snap.Ticks)
	}

	totals := make(map[string]float64)
	for _, st := range snap.Stocks {
		if st.Amount < 0 || st.Amount > st.Capacity {
			t.Fatalf("%s/%s = %v outside [0, %v]", st.NodeID, st.Resource, st.Amount, st.Capacity)
		}
		totals[st.Resource] += st.Amount
	}
	if math.Abs(totals["LiquidFuel"]-2400) > 1e-6 {
		t.Fatalf("LiquidFuel total = %v, want 2400", totals["LiquidFuel"])
	}
	if math.Abs(totals["Oxidizer"]-2200) > 1e-6 {
		t.Fatalf("Oxidizer total = %v, want 2200", totals["Oxidizer"])
	}

	var dock float64
	for _, st := range snap.Stocks {
		if st.NodeID == "outpost-dock" {
			dock = st.Amount
		}
	}
	if dock <= 0 {
		t.Fatalf("outpost dock received nothing from the refinery export pump")
	}

	if !strings.Contains(out.String(), "Simulation complete") {
		t.Fatalf("summary missing from output:\n%s", out.String())
	}
}

func TestBatchRunPersistsAcrossRuns(t *testing.T) {
	store := "sqlite:" + filepath.Join(t.TempDir(), "pumps.db")
	opts := options{
		scenario: shippedScenario,
		store:    store,
		duration: 10 * time.Second,
		tick:     time.Second,
		warp:     1,
		mode:     timectrl.Accelerated,
	}

	if _, err := runBatch(context.Background(), opts, logging.Noop(), &bytes.Buffer{}); err != nil {
		t.Fatalf("first run: %v", err)
	}
	snap, err := runBatch(context.Background(), opts, logging.Noop(), &bytes.Buffer{})
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	for _, p := range snap.Pumps {
		if p.ID == "outpost-receiver" && p.Mode != model.PumpModeReceiveRemote {
			t.Fatalf("restored receiver mode = %v", p.Mode)
		}
	}
}

func TestBatchRunMissingScenario(t *testing.T) {
	opts := options{scenario: filepath.Join(t.TempDir(), "nope.yaml"), duration: time.Second, tick: time.Second}
	if _, err := runBatch(context.Background(), opts, logging.Noop(), &bytes.Buffer{}); err == nil {
		t.Fatalf("expected error for missing scenario")
	}
}
