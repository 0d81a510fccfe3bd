package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/obsidia-labs/x108/pkg/backtest"
	"github.com/obsidia-labs/x108/pkg/config"
	"github.com/obsidia-labs/x108/pkg/paper"
)

// runBacktestCmd implements `x108 backtest`.
func runBacktestCmd(cfg *config.Config, args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("backtest", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	def := backtest.DefaultConfig()
	var (
		csvPath, logPath, ordersPath string
		bc                           = def
	)
	cmd.StringVar(&csvPath, "csv", "", "Price CSV with a close column (REQUIRED)")
	cmd.StringVar(&logPath, "log", "", "Write the JSONL decision log here")
	cmd.StringVar(&ordersPath, "orders", "", "Write ERC-8004 paper intents as JSONL here")
	cmd.StringVar(&bc.Asset, "asset", def.Asset, "Asset symbol")
	cmd.IntVar(&bc.Warmup, "warmup", def.Warmup, "Returns observed before the first step")
	cmd.Float64Var(&bc.RiskLevel, "risk", def.RiskLevel, "Order size as a fraction of equity")
	cmd.BoolVar(&bc.Irreversible, "irreversible", def.Irreversible, "Subject candidates to the X-108 wait")
	cmd.BoolVar(&bc.DisableSafeMode, "no-safe-mode", false, "Keep trading after a killswitch trip")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if csvPath == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --csv is required")
		return 2
	}

	prices, err := backtest.LoadPricesFile(csvPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	var sink paper.Sink
	if ordersPath != "" {
		f, err := os.Create(ordersPath)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		defer f.Close()
		sink = paper.NewJSONLSink(f)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	// Backtests keep their first-seen times and audit chain in memory.
	local := *cfg
	local.Store = config.StoreMemory
	local.AuditPath = ""
	rt, err := newRuntime(ctx, &local, nil, sink)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer rt.Close()

	var opts []backtest.RunnerOption
	if logPath != "" {
		f, err := os.Create(logPath)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		defer f.Close()
		opts = append(opts, backtest.WithDecisionLog(f))
	}

	sum, err := backtest.NewRunner(rt.engine, bc, opts...).Run(ctx, prices)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(sum)
	return 0
}
