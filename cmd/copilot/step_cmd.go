package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/opsrunbook/copilot/pkg/config"
)

// runStepCmd executes one pipeline step against the configured backends,
// reading the step's JSON input from --input (or stdin with "-"). This is
// what the state-machine task definitions invoke.
func runStepCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("step", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var inputPath string
	cmd.StringVar(&inputPath, "input", "-", "Path to the step input JSON (- for stdin)")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if cmd.NArg() != 1 {
		fmt.Fprintln(stderr, "Usage: copilot step <name> [--input file]")
		return 2
	}
	name := cmd.Arg(0)

	input, err := readInput(inputPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: read input: %v\n", err)
		return 2
	}

	ctx := context.Background()
	cfg := config.Load()
	logger := newLogger(stderr, cfg.LogLevel)

	c, closeStores, err := buildComponents(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(stderr, "Error: wiring: %v\n", err)
		return 1
	}
	defer func() { _ = closeStores() }()

	out, err := c.local.BuildRegistry(c.cycle).Run(ctx, name, input)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	data, _ := json.MarshalIndent(out, "", "  ")
	fmt.Fprintln(stdout, string(data))
	return 0
}

func readInput(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, fmt.Errorf("input file %s is empty", path)
	}
	return data, nil
}
