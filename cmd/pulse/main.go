// Command pulse launches the event distribution service.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/coachpo/pulse/internal/bridge"
	"github.com/coachpo/pulse/internal/config"
	"github.com/coachpo/pulse/internal/dispatch"
	"github.com/coachpo/pulse/internal/fanout"
	"github.com/coachpo/pulse/internal/registry"
	httpserver "github.com/coachpo/pulse/internal/server/http"
	"github.com/coachpo/pulse/internal/telemetry"
)

const (
	defaultConfigPath        = "config/pulse.yaml"
	pulseLoggerPrefix        = "pulse "
	shutdownTimeout          = 30 * time.Second
	serverShutdownTimeout    = 5 * time.Second
	lifecycleShutdownTimeout = 10 * time.Second
	bridgeShutdownTimeout    = 5 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
	readHeaderTimeout        = 5 * time.Second
)

func main() {
	cfgPathFlag := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	logger := newPulseLogger()

	configPath := resolveConfigPath(cfgPathFlag)

	appCfg, loadedFromFile, err := config.LoadOrDefault(ctx, configPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if !loadedFromFile {
		logger.Printf("configuration file not found, using defaults")
	}
	logger.Printf("configuration initialised: env=%s, addr=%s, broker=%s",
		appCfg.Environment, appCfg.Server.Addr, appCfg.Broker.Addr)

	telemetryProvider, err := initTelemetry(ctx, logger, appCfg.Environment, appCfg.Telemetry)
	if err != nil {
		logger.Fatalf("initialize telemetry: %v", err)
	}

	reg := registry.New(logger)
	dispatcher := dispatch.NewDispatcher(reg, logger, appCfg.Heartbeat.Interval.Std())

	redisBridge := bridge.NewRedisBridge(bridge.RedisConfig{
		Addr:                 appCfg.Broker.Addr,
		Password:             appCfg.Broker.Password,
		DB:                   appCfg.Broker.DB,
		EventsChannel:        appCfg.Broker.EventsChannel,
		SubscriptionsChannel: appCfg.Broker.SubscriptionsChannel,
		ConnectTimeout:       appCfg.Broker.ConnectTimeout.Std(),
	}, logger)

	coordinator := fanout.New(reg, dispatcher, redisBridge, logger,
		fanout.WithEmitLimit(appCfg.Emit.RatePerSecond, appCfg.Emit.Burst))

	// Broker connectivity is a hard startup dependency: without it this
	// process would silently drift from the rest of the fleet.
	if err := redisBridge.Start(ctx, coordinator.Handlers()); err != nil {
		logger.Fatalf("start broker bridge: %v", err)
	}
	logger.Printf("broker bridge connected: %s", appCfg.Broker.Addr)

	var lifecycle conc.WaitGroup

	server := buildServer(appCfg.Server, coordinator, dispatcher, reg, logger)
	startServer(&lifecycle, logger, server)
	logger.Printf("event stream listening on %s", server.Addr)

	logger.Print("pulse started; awaiting shutdown signal")
	<-ctx.Done()
	logger.Print("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
		server:     server,
		mainCancel: cancel,
		lifecycle:  &lifecycle,
		registry:   reg,
		bridge:     redisBridge,
		telemetry:  telemetryProvider,
	})

	logger.Printf("shutdown completed in %v", time.Since(shutdownStart))
}

func parseFlags() string {
	cfgPath := flag.String("config", "", fmt.Sprintf("Path to application configuration file (default: %s)", defaultConfigPath))
	flag.Parse()
	return *cfgPath
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newPulseLogger() *log.Logger {
	return log.New(os.Stdout, pulseLoggerPrefix, log.LstdFlags|log.Lmicroseconds)
}

func initTelemetry(ctx context.Context, logger *log.Logger, env config.Environment, cfg config.TelemetryConfig) (*telemetry.Provider, error) {
	telemetryCfg := telemetry.DefaultConfig()
	if cfg.OTLPEndpoint != "" {
		telemetryCfg.OTLPEndpoint = cfg.OTLPEndpoint
	}
	if cfg.ServiceName != "" {
		telemetryCfg.ServiceName = cfg.ServiceName
	}
	telemetryCfg.Environment = string(env)
	telemetryCfg.OTLPInsecure = cfg.OTLPInsecure
	telemetryCfg.EnableMetrics = cfg.EnableMetrics

	provider, err := telemetry.NewProvider(ctx, telemetryCfg)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry provider: %w", err)
	}

	if telemetryCfg.Enabled {
		logger.Printf("telemetry initialized: endpoint=%s, service=%s", telemetryCfg.OTLPEndpoint, telemetryCfg.ServiceName)
	} else {
		logger.Printf("telemetry disabled")
	}
	return provider, nil
}

func buildServer(cfg config.ServerConfig, coordinator *fanout.Coordinator, dispatcher *dispatch.Dispatcher, reg *registry.Registry, logger *log.Logger) *http.Server {
	handler := httpserver.NewHandler(coordinator, dispatcher, reg, logger)

	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}
}

func startServer(lifecycle *conc.WaitGroup, logger *log.Logger, server *http.Server) {
	lifecycle.Go(func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Printf("event stream server: %v", err)
		}
	})
}

type gracefulShutdownConfig struct {
	server     *http.Server
	mainCancel context.CancelFunc
	lifecycle  *conc.WaitGroup
	registry   *registry.Registry
	bridge     *bridge.RedisBridge
	telemetry  *telemetry.Provider
}

func performGracefulShutdown(ctx context.Context, logger *log.Logger, cfg gracefulShutdownConfig) {
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Printf("shutdown: %s...", name)
		if err := fn(stepCtx); err != nil {
			logger.Printf("shutdown: %s failed: %v", name, err)
		} else {
			logger.Printf("shutdown: %s completed", name)
		}
	}

	if cfg.server != nil {
		shutdownStep("stopping event stream server", serverShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.server.Shutdown(stepCtx)
		})
	}

	logger.Print("shutdown: cancelling main context")
	if cfg.mainCancel != nil {
		cfg.mainCancel()
	}

	if cfg.lifecycle != nil {
		shutdownStep("waiting for lifecycle goroutines", lifecycleShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				cfg.lifecycle.Wait()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return fmt.Errorf("timeout waiting for goroutines: %w", stepCtx.Err())
			}
		})
	}

	if cfg.registry != nil {
		shutdownStep("closing client connections", bridgeShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				cfg.registry.Shutdown()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return stepCtx.Err()
			}
		})
	}

	if cfg.bridge != nil {
		shutdownStep("closing broker bridge", bridgeShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.bridge.Close()
		})
	}

	if cfg.telemetry != nil {
		shutdownStep("shutting down telemetry", telemetryShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.telemetry.Shutdown(stepCtx)
		})
	}
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}

	return filepath.Clean(defaultConfigPath)
}
