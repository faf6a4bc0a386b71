// Command angravd runs the gateway daemon: it attaches to a running
// remote-debugging-enabled browser, discovers agent chat surfaces inside
// it, and exposes them as an OpenAI-compatible HTTP API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/basket/angrav-gateway/internal/availability"
	"github.com/basket/angrav-gateway/internal/bus"
	"github.com/basket/angrav-gateway/internal/config"
	"github.com/basket/angrav-gateway/internal/coordinator"
	"github.com/basket/angrav-gateway/internal/driver/rodadapter"
	"github.com/basket/angrav-gateway/internal/gateway"
	"github.com/basket/angrav-gateway/internal/model"
	"github.com/basket/angrav-gateway/internal/queue"
	"github.com/basket/angrav-gateway/internal/registry"
	"github.com/basket/angrav-gateway/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

  %s [-config path/to/config.yaml]

Attaches to the remote-debugging endpoint configured by -config (or
ANGRAV_REMOTE_DEBUG_URL), discovers agent chat surfaces, and serves the
OpenAI-compatible gateway.

FLAGS:
`, os.Args[0], os.Args[0])
	flag.PrintDefaults()
}

func main() {
	configPath := flag.String("config", "", "path to config.yaml (optional; defaults + env overrides apply regardless)")
	version := flag.Bool("version", false, "print version and exit")
	flag.Usage = printUsage
	flag.Parse()

	if *version {
		fmt.Println(Version)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "angravd: load config: %v\n", err)
		os.Exit(1)
	}

	logger := telemetry.NewLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	drv, err := rodadapter.Dial(cfg.RemoteDebugURL)
	if err != nil {
		logger.Error("startup: dial remote debug endpoint", "url", cfg.RemoteDebugURL, "error", err)
		os.Exit(1)
	}
	defer drv.Close()
	logger.Info("startup phase", "phase", "driver_connected", "url", cfg.RemoteDebugURL)

	availabilityStore, err := availability.Open(cfg.AvailabilityDBPath)
	if err != nil {
		logger.Error("startup: open availability store", "path", cfg.AvailabilityDBPath, "error", err)
		os.Exit(1)
	}
	defer availabilityStore.Close()
	logger.Info("startup phase", "phase", "availability_store_open", "path", cfg.AvailabilityDBPath)

	eventBus := bus.NewWithLogger(logger)

	reg := registry.New(drv, eventBus, logger, registry.Config{
		WorkbenchURLMarker:  cfg.WorkbenchURLMarker,
		ManagerURLMarker:    cfg.ManagerURLMarker,
		AgentFrameURLMarker: cfg.AgentFrameURLMarker,
		PollInterval:        cfg.PollInterval,
		Availability:        availabilityStore,
		Account:             cfg.AccountName,
	})
	if err := reg.Discover(ctx); err != nil {
		logger.Warn("startup: initial discovery failed", "error", err)
	}
	reg.StartPolling(ctx)
	logger.Info("startup phase", "phase", "registry_polling", "sessions", reg.Size())

	orchestrator := gateway.NewOrchestrator(reg, cfg.RequestTimeout)

	router := queue.New(reg, gateway.NewChatHandler(orchestrator), queue.Config{
		MaxPerSession:  cfg.Queue.MaxPerSession,
		MaxTotal:       cfg.Queue.MaxTotal,
		EnqueueTimeout: cfg.Queue.EnqueueTimeout,
	})
	go router.WatchSessionClosures(ctx, eventBus)

	coord := coordinator.New(eventBus, reg,
		orchestrator.ExtractOnly,
		func(ctx context.Context, sessionID, prompt string) error {
			_, _, err := router.Submit(ctx, queue.Request{
				SessionID: sessionID,
				Messages:  []model.Message{{Role: "user", Content: prompt}},
			})
			return err
		},
	)

	gw := gateway.New(gateway.Config{
		Cfg:          cfg,
		Registry:     reg,
		Queue:        router,
		Availability: availabilityStore,
		Bus:          eventBus,
		Orchestrator: orchestrator,
		Coordinator:  coord,
		Logger:       logger,
	})

	server := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: gw.Handler(),
	}

	lc := &net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				_ = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
			})
		},
	}
	ln, err := lc.Listen(ctx, "tcp", cfg.BindAddr)
	if err != nil {
		logger.Error("startup: listen", "addr", cfg.BindAddr, "error", err)
		os.Exit(1)
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", cfg.BindAddr)
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
	}

	// Graceful shutdown (§9 "Shutdown path: stop polling, drain queues
	// (reject pending with Shutdown), close driver"): stop intake first,
	// then stop the poller so no new state transitions race the drain,
	// then reject whatever is still queued, then release the driver.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)

	reg.StopPolling()
	router.Shutdown()

	logger.Info("shutdown complete")
}
