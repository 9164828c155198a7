// Package main implements taskwire-ctl, the operator CLI for TaskWire.
// It discovers device capabilities, invokes tasks, lists the live device
// directory, and tails the gateway event stream.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/c360/taskwire/metric"
	"github.com/c360/taskwire/orchestrator"
	"github.com/c360/taskwire/transport/natstransport"
)

// Build information constants
const (
	Version = "0.1.0"
	appName = "taskwire-ctl"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "discover":
		err = runDiscover(os.Args[2:])
	case "invoke":
		err = runInvoke(os.Args[2:])
	case "devices":
		err = runDevices(os.Args[2:])
	case "watch":
		err = runWatch(os.Args[2:])
	case "version", "-v", "--version":
		fmt.Printf("%s version %s\n", appName, Version)
	case "help", "-h", "--help":
		printUsage()
	default:
		_, _ = fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(2)
	}

	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "%s: %v\n", os.Args[1], err)
		os.Exit(1)
	}
}

func printUsage() {
	_, _ = fmt.Fprintf(os.Stderr, `%s - TaskWire control CLI

Usage: %s <command> [options]

Commands:
  discover   Fetch the task descriptors a device announced
  invoke     Invoke a task on a device and print the result
  devices    List devices observed in the directory
  watch      Stream gateway events to stdout
  version    Show version information
  help       Show this help

Run '%s <command> -h' for command options.
`, appName, os.Args[0], os.Args[0])
}

// setupLogger keeps CLI output clean: warnings and errors only unless
// TASKWIRE_LOG_LEVEL says otherwise.
func setupLogger() *slog.Logger {
	level := slog.LevelWarn
	switch strings.ToLower(os.Getenv("TASKWIRE_LOG_LEVEL")) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "error":
		level = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// connectClient builds a transport and a started orchestrator client.
// The returned cleanup stops both.
func connectClient(ctx context.Context, natsURL string, logger *slog.Logger) (*orchestrator.Client, func(), error) {
	tr, err := natstransport.NewClient(natsURL,
		natstransport.WithLogger(&slogAdapter{logger: logger.With("component", "transport")}),
		natstransport.WithMetrics(metric.NewMetricsRegistry().CoreMetrics()),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("create transport: %w", err)
	}

	client, err := orchestrator.NewClient(tr, orchestrator.WithLogger(logger))
	if err != nil {
		return nil, nil, fmt.Errorf("create client: %w", err)
	}

	if err := client.Start(ctx); err != nil {
		return nil, nil, fmt.Errorf("connect: %w", err)
	}

	cleanup := func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Stop(stopCtx); err != nil {
			logger.Warn("stop client", "error", err)
		}
	}
	return client, cleanup, nil
}

// slogAdapter bridges *slog.Logger to the transport's printf-style
// logger interface.
type slogAdapter struct {
	logger *slog.Logger
}

func (a *slogAdapter) Printf(format string, v ...any) {
	a.logger.Info(fmt.Sprintf(format, v...))
}

func (a *slogAdapter) Errorf(format string, v ...any) {
	a.logger.Error(fmt.Sprintf(format, v...))
}

func (a *slogAdapter) Debugf(format string, v ...any) {
	a.logger.Debug(fmt.Sprintf(format, v...))
}
