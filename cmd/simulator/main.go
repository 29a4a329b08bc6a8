package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"time"

	"github.com/signalsfoundry/resource-pump-sim/internal/config"
	"github.com/signalsfoundry/resource-pump-sim/internal/logging"
	"github.com/signalsfoundry/resource-pump-sim/internal/observability"
	"github.com/signalsfoundry/resource-pump-sim/internal/persist"
	"github.com/signalsfoundry/resource-pump-sim/internal/sim"
	"github.com/signalsfoundry/resource-pump-sim/kb"
	"github.com/signalsfoundry/resource-pump-sim/timectrl"
)

type options struct {
	scenario string
	store    string
	duration time.Duration
	tick     time.Duration
	warp     float64
	mode     timectrl.Mode
}

func main() {
	scenario := flag.String("scenario", "configs/scenario.yaml", "path to a YAML scenario")
	store := flag.String("store", "", "pump settings store to restore from and save to (memory:, sqlite:<path>, redis://...); empty disables")
	duration := flag.Duration("duration", 10*time.Minute, "total simulated duration")
	tick := flag.Duration("tick", time.Second, "tick interval")
	warp := flag.Float64("warp", 1, "sim seconds per tick second")
	mode := flag.String("mode", "accelerated", "realtime or accelerated")
	flag.Parse()

	log := logging.NewFromEnv()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	shutdownTracing, err := observability.InitTracing(ctx, observability.TracingConfigFromEnv(), log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tracing: %v\n", err)
		os.Exit(1)
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)

	opts := options{
		scenario: *scenario,
		store:    *store,
		duration: *duration,
		tick:     *tick,
		warp:     *warp,
		mode:     timectrl.ParseMode(*mode),
	}
	if _, err := runBatch(ctx, opts, log, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "simulation failed: %v\n", err)
		os.Exit(1)
	}
}

// runBatch loads a scenario, restores saved pump settings, runs the
// simulation for the requested duration and prints a summary to out.
func runBatch(ctx context.Context, opts options, log logging.Logger, out io.Writer) (sim.Snapshot, error) {
	sc, err := config.Load(opts.scenario)
	if err != nil {
		return sim.Snapshot{}, err
	}
	start := sc.Start
	if start.IsZero() {
		start = time.Now().UTC()
	}

	s := sim.New(kb.NewKnowledgeBase(), start, sim.WithLogger(log))
	defer s.Close()
	sum, err := sc.Apply(ctx, s, log)
	if err != nil {
		return sim.Snapshot{}, err
	}
	fmt.Fprintf(out, "Loaded scenario: %d containers, %d nodes, %d pumps (%d disabled)\n",
		len(sum.ContainerIDs), len(sum.NodeIDs), len(sum.PumpIDs), len(sum.DisabledPumps))

	var store persist.Store
	if opts.store != "" {
		store, err = persist.Open(ctx, opts.store)
		if err != nil {
			return sim.Snapshot{}, fmt.Errorf("open store: %w", err)
		}
		defer store.Close()
		if err := s.Restore(ctx, store); err != nil {
			return sim.Snapshot{}, err
		}
	}

	tick := opts.tick
	if tick <= 0 {
		tick = time.Second
	}
	tc := timectrl.NewTimeController(start, tick, opts.mode)
	tc.Warp = opts.warp
	tc.AddListener(func(simTime time.Time) {
		s.Tick(ctx, simTime)
	})

	fmt.Fprintf(out, "Starting simulation: duration=%s, tick=%s, warp=%g, mode=%v\n", opts.duration, tick, tc.Warp, opts.mode)
	<-tc.StartContext(ctx, opts.duration)

	if store != nil {
		if err := s.Save(context.Background(), store); err != nil {
			return sim.Snapshot{}, err
		}
	}

	snap := s.Snapshot()
	printSnapshot(out, snap)
	return snap, nil
}

func printSnapshot(out io.Writer, snap sim.Snapshot) {
	fmt.Fprintf(out, "Simulation complete at %s after %d ticks.\n", snap.Time.Format(time.RFC3339), snap.Ticks)
	for _, p := range snap.Pumps {
		fmt.Fprintf(out, "  pump %-20s host=%-18s mode=%-14s rate=%5.1f%% state=%s\n",
			p.ID, p.HostNodeID, p.Mode, p.RatePercent, p.State)
	}
	stocks := append([]sim.StockSnapshot(nil), snap.Stocks...)
	sort.SliceStable(stocks, func(i, j int) bool { return stocks[i].ContainerID < stocks[j].ContainerID })
	for _, st := range stocks {
		fmt.Fprintf(out, "  %-10s %-18s %-12s %10.2f / %-10.2f\n",
			st.ContainerID, st.NodeID, st.Resource, st.Amount, st.Capacity)
	}
}
