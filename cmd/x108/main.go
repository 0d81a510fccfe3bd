package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/obsidia-labs/x108/pkg/config"
)

// Build information, set with -ldflags.
var (
	Version = "dev"
	Commit  = "none"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return 2
	}

	cfg := config.Load()
	slog.SetDefault(slog.New(slog.NewJSONHandler(stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()})))

	switch args[1] {
	case "check":
		return runCheckCmd(args[2:], stdout, stderr)
	case "decide":
		return runDecideCmd(cfg, args[2:], os.Stdin, stdout, stderr)
	case "backtest":
		return runBacktestCmd(cfg, args[2:], stdout, stderr)
	case "serve", "server":
		return runServeCmd(cfg, args[2:], stderr)
	case "version":
		_, _ = fmt.Fprintf(stdout, "x108 %s (%s)\n", Version, Commit)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "x108: temporal gating for irreversible actions")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "USAGE:")
	_, _ = fmt.Fprintln(w, "  x108 <command> [flags]")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "COMMANDS:")
	_, _ = fmt.Fprintln(w, "  check      Evaluate the X-108 temporal lock (--elapsed, --tau, --irreversible)")
	_, _ = fmt.Fprintln(w, "  decide     Run the full gate chain on a JSON request (--in, --state)")
	_, _ = fmt.Fprintln(w, "  backtest   Replay a price CSV through the gates (--csv, --log)")
	_, _ = fmt.Fprintln(w, "  serve      Run the HTTP decision server")
	_, _ = fmt.Fprintln(w, "  version    Print build information")
}
