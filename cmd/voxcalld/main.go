package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/voxcall-labs/voxcall-core/internal/bus"
	"github.com/voxcall-labs/voxcall-core/internal/callcontrol"
	"github.com/voxcall-labs/voxcall-core/internal/callengine"
	"github.com/voxcall-labs/voxcall-core/internal/config"
	"github.com/voxcall-labs/voxcall-core/internal/eventstore"
	"github.com/voxcall-labs/voxcall-core/internal/natsserver"
	"github.com/voxcall-labs/voxcall-core/internal/provider"
	"github.com/voxcall-labs/voxcall-core/internal/runtime"
	"github.com/voxcall-labs/voxcall-core/internal/session"
)

var version = "0.1.0-dev"

func logLevel(name string) slog.Level {
	switch name {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func main() {
	var (
		configPath  string
		showVersion bool
	)

	flag.StringVar(&configPath, "config", "voxcall.yaml", "Path to configuration file")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.New(slog.NewJSONHandler(os.Stdout, nil)).Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(cfg.Telemetry.LogLevel),
	}))

	if err := run(cfg, configPath, logger); err != nil {
		logger.Error("daemon exited with error", slog.String("error", err.Error()))
		time.Sleep(1 * time.Second)
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

func run(cfg config.Config, configPath string, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	manager := config.NewManager(configPath, cfg, logger)

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	go func() {
		for range hup {
			if err := manager.Reload(); err != nil {
				logger.Warn("config reload failed, keeping previous snapshot", slog.String("error", err.Error()))
			} else {
				logger.Info("config reloaded, applies to new calls")
			}
		}
	}()
	defer signal.Stop(hup)

	embedded, err := natsserver.Start(cfg.Bus, logger)
	if err != nil {
		return fmt.Errorf("embedded bus: %w", err)
	}
	defer embedded.Shutdown()

	busClient, err := bus.Connect(ctx, cfg.Bus, logger)
	if err != nil {
		return fmt.Errorf("bus connect: %w", err)
	}
	defer busClient.Close()

	store := session.NewStore()

	calls, err := eventstore.Open(ctx, cfg.CallStore, logger)
	if err != nil {
		return fmt.Errorf("call store: %w", err)
	}
	defer calls.Close()

	selector := provider.NewSelector(cfg.Routing, logger)
	for _, pcfg := range cfg.Providers {
		p, err := provider.Build(pcfg, cfg.Routing, busClient.Conn(), logger)
		if err != nil {
			return fmt.Errorf("build provider: %w", err)
		}
		if err := selector.Register(p); err != nil {
			return fmt.Errorf("register provider: %w", err)
		}
		logger.Info("provider registered", slog.String("name", pcfg.Name), slog.String("kind", pcfg.Kind))
	}

	rt := runtime.New(cfg, logger,
		runtime.Probe{Name: "bus", Check: busClient.Healthy},
		runtime.Probe{Name: "providers", Check: selector.Ready},
	)
	rt.WithCallSnapshot(store.Snapshot)
	if err := rt.Setup(); err != nil {
		return err
	}

	meter := otel.Meter("voxcall-core")
	if err := store.RegisterMetrics(meter); err != nil {
		logger.Warn("session metrics registration failed", slog.String("error", err.Error()))
	}

	ctrl, err := callcontrol.NewNATSController(busClient.Conn(), logger)
	if err != nil {
		return fmt.Errorf("call control: %w", err)
	}
	defer ctrl.Close()

	engine, err := callengine.New(manager, store, ctrl, selector, callengine.Options{
		Recorder:  calls,
		Publisher: busClient.Conn(),
		Meter:     meter,
	}, logger)
	if err != nil {
		return fmt.Errorf("call engine: %w", err)
	}

	engineDone := make(chan struct{})
	go func() {
		engine.Run(ctx)
		close(engineDone)
	}()

	err = rt.Start(ctx)

	select {
	case <-engineDone:
	case <-time.After(10 * time.Second):
		logger.Warn("call engine did not drain in time")
	}
	return err
}
