package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/signalsfoundry/resource-pump-sim/internal/config"
	"github.com/signalsfoundry/resource-pump-sim/internal/control"
	"github.com/signalsfoundry/resource-pump-sim/internal/logging"
	"github.com/signalsfoundry/resource-pump-sim/internal/observability"
	"github.com/signalsfoundry/resource-pump-sim/internal/persist"
	"github.com/signalsfoundry/resource-pump-sim/internal/sim"
	"github.com/signalsfoundry/resource-pump-sim/kb"
	"github.com/signalsfoundry/resource-pump-sim/timectrl"
	"google.golang.org/grpc"
)

// Config collects the control server's flags.
type Config struct {
	ListenAddress  string
	MetricsAddress string
	ScenarioPath   string
	StoreSpec      string
	TickInterval   time.Duration
	Warp           float64
	Accelerated    bool
	SaveInterval   time.Duration
	LogLevel       string
	LogFormat      string
}

func main() {
	var cfg Config
	flag.StringVar(&cfg.ListenAddress, "grpc-addr", ":50061", "TCP address the control gRPC server listens on")
	flag.StringVar(&cfg.MetricsAddress, "metrics-addr", ":9090", "HTTP address for Prometheus /metrics (empty disables)")
	flag.StringVar(&cfg.ScenarioPath, "scenario", "configs/scenario.yaml", "path to a YAML scenario")
	flag.StringVar(&cfg.StoreSpec, "store", "sqlite:pumpsim.db", "pump settings store: memory:, sqlite:<path> or redis://host:port/db")
	flag.DurationVar(&cfg.TickInterval, "tick", time.Second, "tick interval")
	flag.Float64Var(&cfg.Warp, "warp", 1, "sim seconds per wall second")
	flag.BoolVar(&cfg.Accelerated, "accelerated", false, "step as fast as possible instead of on a wall-clock ticker")
	flag.DurationVar(&cfg.SaveInterval, "save-interval", time.Minute, "how often pump settings are saved (0 saves on shutdown only)")
	flag.StringVar(&cfg.LogLevel, "log-level", envOr("LOG_LEVEL", "info"), "log level")
	flag.StringVar(&cfg.LogFormat, "log-format", envOr("LOG_FORMAT", "text"), "log format: text or json")
	flag.Parse()

	log := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.InitTracing(ctx, observability.TracingConfigFromEnv(), log)
	if err != nil {
		log.Error(ctx, "failed to initialise tracing", logging.Err(err))
		os.Exit(1)
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)

	lis, err := net.Listen("tcp", cfg.ListenAddress)
	if err != nil {
		log.Error(ctx, "failed to listen for gRPC", logging.String("addr", cfg.ListenAddress), logging.Err(err))
		os.Exit(1)
	}

	if err := run(ctx, cfg, log, lis); err != nil {
		log.Error(ctx, "control server failed", logging.Err(err))
		os.Exit(1)
	}
}

// run serves the control API on lis and drives the simulation until ctx
// is cancelled, then saves pump settings and shuts down.
func run(ctx context.Context, cfg Config, log logging.Logger, lis net.Listener) error {
	if log == nil {
		log = logging.Noop()
	}

	sc, err := config.Load(cfg.ScenarioPath)
	if err != nil {
		return err
	}

	collector, err := observability.NewPumpCollector(nil)
	if err != nil {
		return fmt.Errorf("metrics collector: %w", err)
	}

	start := sc.Start
	if start.IsZero() {
		start = time.Now().UTC()
	}
	s := sim.New(kb.NewKnowledgeBase(), start, sim.WithLogger(log), sim.WithMetrics(collector))
	defer s.Close()
	if _, err := sc.Apply(ctx, s, log); err != nil {
		return err
	}

	store, err := persist.Open(ctx, cfg.StoreSpec)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()
	if err := s.Restore(ctx, store); err != nil {
		return err
	}

	metricsSrv := serveMetrics(cfg.MetricsAddress, collector, log)

	server := control.NewServer(control.NewService(s, log), log, collector)
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.Serve(lis)
	}()
	log.Info(ctx, "serving pump control", logging.String("addr", lis.Addr().String()), logging.String("run_id", s.RunID()))

	mode := timectrl.RealTime
	if cfg.Accelerated {
		mode = timectrl.Accelerated
	}
	tick := cfg.TickInterval
	if tick <= 0 {
		tick = time.Second
	}
	tc := timectrl.NewTimeController(start, tick, mode)
	tc.Warp = cfg.Warp
	simCtx, cancelSim := context.WithCancel(ctx)
	defer cancelSim()
	tc.AddListener(func(simTime time.Time) {
		s.Tick(simCtx, simTime)
	})
	simDone := tc.StartContext(simCtx, 0)

	var saveC <-chan time.Time
	if cfg.SaveInterval > 0 {
		ticker := time.NewTicker(cfg.SaveInterval)
		defer ticker.Stop()
		saveC = ticker.C
	}

	var runErr error
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case err := <-serveErr:
			if err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				runErr = fmt.Errorf("grpc serve: %w", err)
			}
			break loop
		case <-saveC:
			if err := s.Save(ctx, store); err != nil {
				log.Warn(ctx, "periodic save failed", logging.Err(err))
			}
		}
	}

	log.Info(context.Background(), "shutting down control server")
	cancelSim()
	<-simDone
	server.GracefulStop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Save(shutdownCtx, store); err != nil && runErr == nil {
		runErr = err
	}
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	return runErr
}

func serveMetrics(addr string, collector *observability.PumpCollector, log logging.Logger) *http.Server {
	if collector == nil || addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn(context.Background(), "metrics server exited", logging.Err(err))
		}
	}()

	log.Info(context.Background(), "serving Prometheus metrics", logging.String("addr", addr))
	return srv
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
