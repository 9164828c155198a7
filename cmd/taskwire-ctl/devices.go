package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"
)

func runDevices(args []string) error {
	fs := flag.NewFlagSet("devices", flag.ExitOnError)
	natsURL := fs.String("nats-url", getEnv("TASKWIRE_NATS_URL", "nats://localhost:4222"),
		"NATS server URL (env: TASKWIRE_NATS_URL)")
	wait := fs.Duration("wait", 3*time.Second, "How long to collect announcements before printing")
	asJSON := fs.Bool("json", false, "Print the directory as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}

	logger := setupLogger()
	ctx := context.Background()

	client, cleanup, err := connectClient(ctx, *natsURL, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	// Births are retained on the stream, so a short listen window picks
	// up devices that announced before we connected.
	time.Sleep(*wait)

	devices := client.Directory().Devices()

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(devices)
	}

	if len(devices) == 0 {
		fmt.Println("no devices observed")
		return nil
	}
	for _, dev := range devices {
		state := "online"
		if !dev.Online {
			state = "offline"
			if dev.LastReason != "" {
				state += " (" + dev.LastReason + ")"
			}
		}
		fmt.Printf("%-24s %-10s %d task(s)\n", dev.DeviceID, state, len(dev.Tasks))
	}
	return nil
}
