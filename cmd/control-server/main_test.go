package main

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/signalsfoundry/resource-pump-sim/internal/control"
	"github.com/signalsfoundry/resource-pump-sim/internal/logging"
	"github.com/signalsfoundry/resource-pump-sim/internal/persist"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

func TestControlServerStartupSmoke(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen: %v", err)
	}

	dbPath := filepath.Join(t.TempDir(), "pumps.db")
	cfg := Config{
		ListenAddress:  lis.Addr().String(),
		MetricsAddress: "",
		ScenarioPath:   filepath.Join("..", "..", "configs", "scenario.yaml"),
		StoreSpec:      "sqlite:" + dbPath,
		TickInterval:   20 * time.Millisecond,
		Warp:           1,
		LogLevel:       "warn",
		LogFormat:      "text",
	}
	log := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})

	errCh := make(chan error, 1)
	go func() {
		errCh <- run(ctx, cfg, log, lis)
	}()

	dial := append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, control.DialOptions()...)
	conn, err := grpc.NewClient(cfg.ListenAddress, dial...)
	if err != nil {
		t.Fatalf("grpc.NewClient: %v", err)
	}
	defer conn.Close()
	client := control.NewClient(conn)

	pumps, err := client.ListPumps(ctx, grpc.WaitForReady(true))
	if err != nil {
		t.Fatalf("ListPumps: %v", err)
	}
	if len(pumps) != 4 {
		t.Fatalf("ListPumps returned %d pumps, want 4", len(pumps))
	}
	if _, err := client.SetRate(ctx, "refinery-main", 12); err != nil {
		t.Fatalf("SetRate: %v", err)
	}

	cancel()
	if err := <-errCh; err != nil {
		t.Fatalf("run returned error: %v", err)
	}

	// Settings were saved on shutdown.
	store, err := persist.OpenSQLite(context.Background(), dbPath)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer store.Close()
	fields, err := store.LoadFields(context.Background(), "refinery-main")
	if err != nil {
		t.Fatalf("LoadFields: %v", err)
	}
	if fields["pumpRate"] != "12" {
		t.Fatalf("saved pumpRate = %q, want 12", fields["pumpRate"])
	}
}
