// snsd is the browser-automation session orchestrator daemon. It boots the
// device-cloud client, the automation runtime, and the HTTP/WebSocket API,
// then serves until interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/akiranaka1984/sns-orchestrator/pkg/api"
	"github.com/akiranaka1984/sns-orchestrator/pkg/bus"
	"github.com/akiranaka1984/sns-orchestrator/pkg/config"
	"github.com/akiranaka1984/sns-orchestrator/pkg/device"
	"github.com/akiranaka1984/sns-orchestrator/pkg/driver"
	"github.com/akiranaka1984/sns-orchestrator/pkg/logging"
	"github.com/akiranaka1984/sns-orchestrator/pkg/operation"
	"github.com/akiranaka1984/sns-orchestrator/pkg/orchestrator"
	"github.com/akiranaka1984/sns-orchestrator/pkg/preview"
	"github.com/akiranaka1984/sns-orchestrator/pkg/scheduler"
	"github.com/akiranaka1984/sns-orchestrator/pkg/signature"
	"github.com/akiranaka1984/sns-orchestrator/pkg/storage"
	"github.com/akiranaka1984/sns-orchestrator/pkg/telemetry"
)

// Version information set via ldflags during build.
var (
	version = "1.0.0-dev"
	commit  = "unknown"
)

var (
	configPath  string
	showVersion bool
)

func main() {
	flag.StringVar(&configPath, "config", config.DefaultPath(), "path to config file")
	flag.BoolVar(&showVersion, "version", false, "print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("snsd %s (%s)\n", version, commit)
		return
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "snsd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(cfg.Logging.Dir)
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer logger.Close()
	logger.SetMinLevel(logging.Level(cfg.Logging.MinLevel))

	tracer, err := telemetry.NewTracerProvider("sns-orchestrator")
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tracer.Shutdown(ctx)
	}()

	store, err := storage.New(cfg.Storage.DatabasePath)
	if err != nil {
		return err
	}
	defer store.Close()

	var msgBus bus.MessageBus
	if cfg.Bus.URL != "" {
		msgBus, err = bus.NewNATSBus(bus.Config{URL: cfg.Bus.URL, Name: cfg.Bus.Name})
		if err != nil {
			return fmt.Errorf("failed to connect message bus: %w", err)
		}
	} else {
		msgBus = bus.NewMemoryBus()
	}
	defer msgBus.Close()

	devices, err := device.NewClient(device.Config{
		BaseURL:      cfg.Device.BaseURL,
		APIKey:       cfg.Device.APIKey,
		APIKeyHeader: cfg.Device.APIKeyHeader,
		PollInterval: cfg.Device.PollInterval,
	}, logger)
	if err != nil {
		return err
	}

	factory := driver.NewPlaywrightFactory(cfg.Operation.ScreenshotType)
	if err := factory.Initialize(); err != nil {
		return fmt.Errorf("failed to start automation runtime: %w", err)
	}
	defer factory.Close()

	broadcaster := preview.NewBroadcaster(preview.Config{
		SubscriberBuffer:  cfg.Preview.SubscriberBuffer,
		HeartbeatInterval: cfg.Preview.HeartbeatInterval,
	}, msgBus, logger)
	defer broadcaster.Close()

	machine := operation.NewMachine(operation.Config{
		StepTimeout:   cfg.Operation.StepTimeout,
		TypingTimeout: cfg.Operation.TypingTimeout,
		FrameInterval: cfg.Preview.FrameInterval,
		CeilingMargin: cfg.Operation.CeilingMargin,
	}, broadcaster, logger, nil)

	orch, err := orchestrator.New(orchestrator.Options{
		Store:         store,
		Devices:       devices,
		Drivers:       factory,
		Signatures:    signature.NewRegistry(cfg.Platforms.SelectorOverrides),
		Machine:       machine,
		Broadcaster:   broadcaster,
		Logger:        logger,
		BootTimeout:   cfg.Device.BootTimeout,
		ScreenshotDir: cfg.Storage.ScreenshotDir,
	})
	if err != nil {
		return err
	}

	server := api.NewServer(api.Config{
		BindAddress:   cfg.Server.Bind,
		ScreenshotDir: cfg.Storage.ScreenshotDir,
	}, orch, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(server.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	if cfg.Scheduler.Enabled {
		sched := scheduler.New(scheduler.Config{
			PollInterval: cfg.Scheduler.PollInterval,
			Workers:      cfg.Scheduler.Workers,
		}, store, msgBus, orch, logger)
		g.Go(func() error {
			return sched.Run(ctx)
		})
	}

	logger.Info(logging.CategoryAPI, "started", "orchestrator listening", map[string]any{
		"bind":    cfg.Server.Bind,
		"version": version,
	})
	return g.Wait()
}
