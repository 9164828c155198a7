package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/c360/taskwire/errors"
)

func runInvoke(args []string) error {
	fs := flag.NewFlagSet("invoke", flag.ExitOnError)
	natsURL := fs.String("nats-url", getEnv("TASKWIRE_NATS_URL", "nats://localhost:4222"),
		"NATS server URL (env: TASKWIRE_NATS_URL)")
	deviceID := fs.String("device", "", "Device identifier (required)")
	taskName := fs.String("task", "", "Task name (required)")
	paramsJSON := fs.String("params", "{}", "Task parameters as a JSON object")
	timeout := fs.Duration("timeout", 30*time.Second, "How long to wait for the result")
	retries := fs.Int("retries", 0, "Retry transient failures up to this many times")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *deviceID == "" || *taskName == "" {
		return fmt.Errorf("-device and -task are required")
	}

	var params map[string]any
	if err := json.Unmarshal([]byte(*paramsJSON), &params); err != nil {
		return fmt.Errorf("invalid -params JSON: %w", err)
	}

	logger := setupLogger()
	ctx := context.Background()

	client, cleanup, err := connectClient(ctx, *natsURL, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	// Retry only classified-transient failures (timeouts, device offline);
	// task and validation errors fail immediately. A timed-out invocation
	// may still have run on the device, so retrying assumes idempotent
	// tasks, which is the caller's call via -retries.
	rc := errors.DefaultRetryConfig()
	rc.MaxRetries = *retries

	var result any
	delay := rc.InitialDelay
	for attempt := 0; ; attempt++ {
		result, err = client.Invoke(ctx, *deviceID, *taskName, params, *timeout)
		if !rc.ShouldRetry(err, attempt) {
			break
		}
		logger.Warn("invocation failed, retrying",
			"attempt", attempt+1, "max", rc.MaxRetries, "error", err)
		time.Sleep(delay)
		delay = time.Duration(float64(delay) * rc.BackoffFactor)
		if delay > rc.MaxDelay {
			delay = rc.MaxDelay
		}
	}
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}
