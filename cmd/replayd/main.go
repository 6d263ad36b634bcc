// Command replayd launches the interactive backtesting daemon.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc"

	"github.com/replaycore/replayd/config"
	"github.com/replaycore/replayd/internal/bus/eventbus"
	"github.com/replaycore/replayd/internal/observability"
	"github.com/replaycore/replayd/internal/replay"
	"github.com/replaycore/replayd/internal/session"
	"github.com/replaycore/replayd/internal/snapshot"
	"github.com/replaycore/replayd/lib/telemetry"
)

const (
	serviceName              = "replayd"
	serverShutdownTimeout    = 5 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
)

func main() {
	configPath := flag.String("config", "", "Path to the YAML configuration file")
	host := flag.String("host", "", "Listen host (overrides configuration)")
	port := flag.Int("port", 0, "Listen port (overrides configuration)")
	heartbeatInterval := flag.Duration("heartbeat-interval", 0, "Heartbeat send interval (overrides configuration)")
	heartbeatTimeout := flag.Duration("heartbeat-timeout", 0, "Idle timeout before a client is closed (overrides configuration)")
	dataPath := flag.String("data", "", "Path to the historical data file (CSV)")
	snapshotDir := flag.String("snapshot-dir", "", "Directory for snapshot files (overrides configuration)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	logger := log.New(os.Stdout, "replayd ", log.LstdFlags|log.Lmicroseconds)

	cfg := config.FromEnv()
	if *configPath != "" {
		loaded, err := config.LoadFile(cfg, *configPath)
		if err != nil {
			logger.Fatalf("load config: %v", err)
		}
		cfg = loaded
	}
	cfg = config.Apply(cfg,
		config.WithListenAddress(*host, *port),
		config.WithHeartbeat(*heartbeatInterval, *heartbeatTimeout),
		config.WithDebug(*debug || cfg.Debug))
	if *snapshotDir != "" {
		cfg.Replay.SnapshotDir = *snapshotDir
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatalf("invalid configuration: %v", err)
	}

	observability.SetLogger(observability.NewStdLogger(logger, cfg.Debug))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	_, telemetryShutdown, err := telemetry.Init(ctx, telemetry.Config{
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		ServiceName:  serviceNameOrDefault(cfg.Telemetry.ServiceName),
	})
	if err != nil {
		logger.Fatalf("initialize telemetry: %v", err)
	}

	provider, err := buildProvider(*dataPath)
	if err != nil {
		logger.Fatalf("load historical data: %v", err)
	}
	logger.Printf("data provider ready: records=%d", provider.Total())

	initialCash, err := decimal.NewFromString(cfg.Replay.InitialCash)
	if err != nil {
		logger.Fatalf("parse initial cash %q: %v", cfg.Replay.InitialCash, err)
	}

	bus := eventbus.NewMemoryBus(eventbus.Config{MaxHistory: cfg.Replay.MaxHistory})
	manager := snapshot.NewManager()
	controller := replay.NewController(replay.Config{
		TimeUnit:             cfg.Replay.TimeUnit,
		InitialSpeed:         cfg.Replay.InitialSpeed,
		InitialCash:          initialCash,
		SnapshotDir:          cfg.Replay.SnapshotDir,
		AutoSnapshotInterval: cfg.Replay.AutoSnapshotInterval,
	})

	start, end := providerTimeRange(provider)
	if err := controller.Initialize(bus, manager, provider, start, end, provider.Total()); err != nil {
		logger.Fatalf("initialize replay controller: %v", err)
	}

	stateProvider := func() any { return controller.Status() }
	dispatcher := session.NewDispatcher(controller, cfg.Server.CommandTimeout,
		session.WithStateProvider(stateProvider))
	server := session.NewServer(cfg.Server, dispatcher,
		session.WithServerStateProvider(stateProvider))
	server.AttachBus(bus)

	var lifecycle conc.WaitGroup
	lifecycle.Go(func() {
		if err := server.Start(cfg.Server.ListenAddr()); err != nil {
			logger.Printf("session server: %v", err)
			cancel()
		}
	})

	logger.Printf("replayd started on %s; awaiting shutdown signal", cfg.Server.ListenAddr())
	<-ctx.Done()
	logger.Print("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Printf("shutdown: session server: %v", err)
	}
	shutdownCancel()

	controller.Stop()
	lifecycle.Wait()

	telemetryCtx, telemetryCancel := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
	if err := telemetryShutdown(telemetryCtx); err != nil {
		logger.Printf("shutdown: telemetry: %v", err)
	}
	telemetryCancel()

	logger.Print("shutdown completed")
}

// buildProvider loads the CSV feed when a data path is supplied; otherwise
// the daemon starts with an empty stream and waits for a snapshot load.
func buildProvider(dataPath string) (replay.DataProvider, error) {
	if dataPath == "" {
		return &replay.SliceProvider{Sorted: true}, nil
	}
	return replay.NewCSVProvider(dataPath)
}

// providerTimeRange derives the simulation window from the stream's first
// and last records, falling back to the wall clock for empty streams.
func providerTimeRange(provider replay.DataProvider) (time.Time, time.Time) {
	now := time.Now().UTC()
	total := provider.Total()
	if total == 0 {
		return now, now
	}
	start, end := now, now
	if record, ok := provider.Record(0); ok {
		if ts, ok := record.Timestamp(); ok {
			start = ts
		}
	}
	if record, ok := provider.Record(total - 1); ok {
		if ts, ok := record.Timestamp(); ok {
			end = ts
		}
	}
	return start, end
}

func serviceNameOrDefault(name string) string {
	if name == "" {
		return serviceName
	}
	return name
}
