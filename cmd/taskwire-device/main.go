// Package main implements the entry point for the TaskWire device agent.
// The agent connects a device's task registry to the broker: it announces
// capabilities on birth, executes commands, publishes results, and leaves
// a death notice behind when the connection is lost.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/c360/taskwire/config"
	"github.com/c360/taskwire/device"
	"github.com/c360/taskwire/gateway"
	"github.com/c360/taskwire/health"
	"github.com/c360/taskwire/metric"
	"github.com/c360/taskwire/pkg/tlsutil"
	"github.com/c360/taskwire/task"
	"github.com/c360/taskwire/transport/natstransport"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "taskwire-device"
)

func main() {
	// Add panic recovery
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("Agent failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run() error {
	cliCfg, logger, shouldExit, err := initializeCLI()
	if shouldExit || err != nil {
		return err
	}

	cfg, err := initializeConfiguration(cliCfg)
	if err != nil {
		return err
	}

	if cliCfg.Validate {
		slog.Info("Configuration is valid", "device_id", cfg.Device.ID)
		return nil
	}

	ctx := context.Background()

	metricsRegistry := metric.NewMetricsRegistry()
	healthMon := health.NewMonitor()

	tr, err := buildTransport(cfg, logger, metricsRegistry)
	if err != nil {
		return fmt.Errorf("create transport: %w", err)
	}
	tr.OnHealthChange(func(healthy bool) {
		if healthy {
			healthMon.UpdateHealthy("transport", "connected")
		} else {
			healthMon.UpdateUnhealthy("transport", "connection lost")
		}
	})

	registry := task.NewRegistry()
	registerDemoTasks(registry)
	slog.Info("Task registry populated", "tasks", registry.Len())

	agent, err := buildAgent(cfg, tr, registry, logger, metricsRegistry)
	if err != nil {
		return fmt.Errorf("create agent: %w", err)
	}

	return runWithSignalHandling(ctx, cfg, agent, tr, logger, metricsRegistry, healthMon, cliCfg.ShutdownTimeout)
}

// initializeCLI parses flags and sets up logging
func initializeCLI() (*CLIConfig, *slog.Logger, bool, error) {
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return nil, nil, false, fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil, nil, true, nil
	}

	if cliCfg.ShowHelp {
		printDetailedHelp()
		return nil, nil, true, nil
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	slog.Info("Starting TaskWire device agent",
		"version", Version,
		"build_time", BuildTime,
		"config_path", cliCfg.ConfigPath)

	return cliCfg, logger, false, nil
}

// initializeConfiguration loads configuration and applies flag overrides
func initializeConfiguration(cliCfg *CLIConfig) (*config.Config, error) {
	loader := config.NewLoader()
	if cliCfg.ConfigPath != "" {
		loader.AddLayer(cliCfg.ConfigPath)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	// Flags override both file layers and environment.
	if cliCfg.DeviceID != "" {
		cfg.Device.ID = cliCfg.DeviceID
	}
	if cliCfg.NATSURL != "" {
		cfg.NATS.URL = cliCfg.NATSURL
	}
	if cfg.Device.ID == "" {
		cfg.Device.ID = "device-" + uuid.NewString()[:8]
		slog.Warn("No device id configured, generated one for this run", "device_id", cfg.Device.ID)
	}
	cfg.Logging.Level = cliCfg.LogLevel
	cfg.Logging.Format = cliCfg.LogFormat

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// buildTransport creates the NATS transport from config
func buildTransport(
	cfg *config.Config,
	logger *slog.Logger,
	metricsRegistry *metric.MetricsRegistry,
) (*natstransport.Client, error) {
	opts := []natstransport.ClientOption{
		natstransport.WithLogger(&slogAdapter{logger: logger.With("component", "transport")}),
		natstransport.WithKeepAlive(cfg.NATS.KeepAlive),
		natstransport.WithMaxReconnects(cfg.NATS.MaxReconnects),
		natstransport.WithReconnectWait(cfg.NATS.ReconnectWait),
		natstransport.WithTimeout(cfg.NATS.Timeout),
		natstransport.WithPublishRetry(cfg.NATS.PublishRetryBudget().ToRetryConfig()),
		natstransport.WithMetrics(metricsRegistry.CoreMetrics()),
	}
	if cfg.Security.TLS.Client.Enabled {
		tlsConfig, err := tlsutil.LoadClientTLSConfig(cfg.Security.TLS.Client)
		if err != nil {
			return nil, fmt.Errorf("load client TLS config: %w", err)
		}
		opts = append(opts, natstransport.WithTLS(tlsConfig))
	}
	if cfg.NATS.Stream != "" {
		opts = append(opts, natstransport.WithStream(cfg.NATS.Stream))
	}
	if cfg.NATS.Username != "" {
		opts = append(opts, natstransport.WithCredentials(cfg.NATS.Username, cfg.NATS.Password))
	}
	if cfg.NATS.Token != "" {
		opts = append(opts, natstransport.WithToken(cfg.NATS.Token))
	}

	return natstransport.NewClient(cfg.NATS.URL, opts...)
}

// buildAgent creates the device agent from config
func buildAgent(
	cfg *config.Config,
	tr *natstransport.Client,
	registry *task.Registry,
	logger *slog.Logger,
	metricsRegistry *metric.MetricsRegistry,
) (*device.Agent, error) {
	opts := []device.Option{
		device.WithLogger(logger),
		device.WithMetricsRegistry(metricsRegistry),
	}
	if cfg.Worker.Enabled {
		opts = append(opts, device.WithWorkerPool(cfg.Worker.Workers, cfg.Worker.QueueSize))
	}
	return device.NewAgent(cfg.Device.ID, tr, registry, opts...)
}

// runWithSignalHandling starts everything and handles shutdown signals
func runWithSignalHandling(
	ctx context.Context,
	cfg *config.Config,
	agent *device.Agent,
	tr *natstransport.Client,
	logger *slog.Logger,
	metricsRegistry *metric.MetricsRegistry,
	healthMon *health.Monitor,
	shutdownTimeout time.Duration,
) error {
	signalCtx, signalCancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	if err := agent.Start(signalCtx); err != nil {
		return fmt.Errorf("start agent: %w", err)
	}
	healthMon.UpdateHealthy("agent", "listening")

	var monitor *gateway.Monitor
	if cfg.Gateway.Enabled {
		gatewayOpts := []gateway.MonitorOption{
			gateway.WithLogger(logger),
			gateway.WithAddress(cfg.Gateway.Port, cfg.Gateway.Path),
		}
		if cfg.Security.TLS.Server.Enabled {
			tlsConfig, err := tlsutil.LoadServerTLSConfig(cfg.Security.TLS.Server)
			if err != nil {
				return fmt.Errorf("load server TLS config: %w", err)
			}
			gatewayOpts = append(gatewayOpts, gateway.WithTLS(tlsConfig))
		}
		var err error
		monitor, err = gateway.NewMonitor(tr, gatewayOpts...)
		if err != nil {
			return fmt.Errorf("create gateway monitor: %w", err)
		}
		if err := monitor.Start(signalCtx); err != nil {
			return fmt.Errorf("start gateway monitor: %w", err)
		}
		slog.Info("Gateway monitor listening", "port", cfg.Gateway.Port, "path", cfg.Gateway.Path)
	}

	metricsServer := startMetricsServer(cfg, metricsRegistry, logger)
	healthServer := startHealthServer(cfg, healthMon, logger)

	slog.Info("TaskWire device agent started", "device_id", cfg.Device.ID)

	<-signalCtx.Done()
	slog.Info("Received shutdown signal")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	return shutdown(shutdownCtx, agent, monitor, metricsServer, healthServer)
}

// startMetricsServer starts the Prometheus endpoint when enabled
func startMetricsServer(cfg *config.Config, registry *metric.MetricsRegistry, logger *slog.Logger) *metric.Server {
	if !cfg.Metrics.Enabled {
		return nil
	}
	server := metric.NewServer(cfg.Metrics.Port, cfg.Metrics.Path, registry)
	go func() {
		if err := server.Start(); err != nil {
			logger.Error("Metrics server failed", "error", err)
		}
	}()
	slog.Info("Metrics endpoint listening", "address", server.Address())
	return server
}

// startHealthServer starts the health check endpoint when enabled
func startHealthServer(cfg *config.Config, healthMon *health.Monitor, logger *slog.Logger) *http.Server {
	if !cfg.Health.Enabled {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle(cfg.Health.Path, health.Handler(healthMon, appName))
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Health.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Health server failed", "error", err)
		}
	}()
	slog.Info("Health endpoint listening", "port", cfg.Health.Port, "path", cfg.Health.Path)
	return server
}

// shutdown stops everything in reverse start order. The agent stop also
// publishes the clean death notice and disconnects the transport.
func shutdown(
	ctx context.Context,
	agent *device.Agent,
	monitor *gateway.Monitor,
	metricsServer *metric.Server,
	healthServer *http.Server,
) error {
	var firstErr error

	if monitor != nil {
		if err := monitor.Stop(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("stop gateway monitor: %w", err)
		}
	}

	if err := agent.Stop(ctx); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("stop agent: %w", err)
	}

	if healthServer != nil {
		if err := healthServer.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("stop health server: %w", err)
		}
	}
	if metricsServer != nil {
		if err := metricsServer.Stop(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("stop metrics server: %w", err)
		}
	}

	if firstErr != nil {
		return firstErr
	}
	slog.Info("TaskWire device agent shutdown complete")
	return nil
}
