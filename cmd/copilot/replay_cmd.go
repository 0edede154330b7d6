package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/opsrunbook/copilot/pkg/config"
	"github.com/opsrunbook/copilot/pkg/pipeline"
)

// runReplayCmd regenerates the action plan for a stored incident packet
// and prints the drift report. It never executes actions.
func runReplayCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("replay", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var incidentID string
	cmd.StringVar(&incidentID, "incident", "", "Incident id to replay (REQUIRED)")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if incidentID == "" {
		fmt.Fprintln(stderr, "Error: --incident is required")
		cmd.Usage()
		return 2
	}

	ctx := context.Background()
	cfg := config.Load()

	blobs, err := openBlobStore(ctx, cfg)
	if err != nil {
		fmt.Fprintf(stderr, "Error: blob store: %v\n", err)
		return 1
	}
	records, closeRecords, err := openRecordStore(ctx, cfg)
	if err != nil {
		fmt.Fprintf(stderr, "Error: record store: %v\n", err)
		return 1
	}
	defer func() { _ = closeRecords() }()

	report, err := pipeline.Replay(ctx, blobs, records, incidentID, time.Now().UTC())
	if err != nil {
		fmt.Fprintf(stderr, "Error: replay: %v\n", err)
		return 1
	}

	data, _ := json.MarshalIndent(report, "", "  ")
	fmt.Fprintln(stdout, string(data))
	if !report.Match {
		return 1
	}
	return 0
}
