// Command copilot runs the incident-response service and its operator
// utilities. With no arguments it starts the HTTP server.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/opsrunbook/copilot/pkg/version"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run dispatches to a subcommand. Split out from main for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return runServe(stdout, stderr)
	}

	switch args[1] {
	case "serve", "server":
		return runServe(stdout, stderr)
	case "step":
		return runStepCmd(args[2:], stdout, stderr)
	case "replay":
		return runReplayCmd(args[2:], stdout, stderr)
	case "doctor":
		return runDoctorCmd(stdout, stderr)
	case "version", "--version", "-v":
		fmt.Fprintf(stdout, "opsrunbook-copilot %s\n", version.Version)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "opsrunbook-copilot %s\n", version.Version)
	fmt.Fprintln(w, "Automated first-responder for production incidents.")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "USAGE:")
	fmt.Fprintln(w, "  copilot <command> [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "COMMANDS:")
	fmt.Fprintln(w, "  serve      Run the HTTP server (default)")
	fmt.Fprintln(w, "  step       Run one pipeline step from JSON input (--input)")
	fmt.Fprintln(w, "  replay     Regenerate an incident's action plan and diff it (--incident)")
	fmt.Fprintln(w, "  doctor     Check configuration and backend wiring")
	fmt.Fprintln(w, "  version    Show version information")
	fmt.Fprintln(w, "  help       Show this help")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Configuration is environment-driven; see doctor for the effective values.")
	fmt.Fprintln(w, "")
}
