package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"
)

func runDiscover(args []string) error {
	fs := flag.NewFlagSet("discover", flag.ExitOnError)
	natsURL := fs.String("nats-url", getEnv("TASKWIRE_NATS_URL", "nats://localhost:4222"),
		"NATS server URL (env: TASKWIRE_NATS_URL)")
	deviceID := fs.String("device", "", "Device identifier (required)")
	timeout := fs.Duration("timeout", 10*time.Second, "How long to wait for a capability announcement")
	asJSON := fs.Bool("json", false, "Print task descriptors as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *deviceID == "" {
		return fmt.Errorf("-device is required")
	}

	logger := setupLogger()
	ctx := context.Background()

	client, cleanup, err := connectClient(ctx, *natsURL, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	tasks, err := client.Discover(ctx, *deviceID, *timeout)
	if err != nil {
		return err
	}

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(tasks)
	}

	fmt.Printf("device %s announces %d task(s):\n", *deviceID, len(tasks))
	for _, desc := range tasks {
		params := make([]string, 0, len(desc.ParameterSchema))
		for _, p := range desc.ParameterSchema {
			s := p.Name + ":" + p.Type
			if p.Required {
				s += "!"
			}
			params = append(params, s)
		}
		line := "  " + desc.Name
		if len(params) > 0 {
			line += "(" + strings.Join(params, ", ") + ")"
		}
		if desc.Summary != "" {
			line += " - " + desc.Summary
		}
		fmt.Println(line)
	}
	return nil
}
