package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"

	"github.com/obsidia-labs/x108/pkg/temporal"
)

// runCheckCmd implements `x108 check`.
//
// Exit codes:
//
//	0 = ACT
//	1 = HOLD
//	2 = usage or input error
func runCheckCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("check", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		elapsed      float64
		tau          float64
		irreversible bool
	)
	cmd.Float64Var(&elapsed, "elapsed", 0, "Seconds since the intent was first seen")
	cmd.Float64Var(&tau, "tau", temporal.DefaultMinWait, "Minimum wait in seconds")
	cmd.BoolVar(&irreversible, "irreversible", true, "Whether the action is irreversible")

	if err := cmd.Parse(args); err != nil {
		return 2
	}

	res, err := temporal.Check(elapsed, irreversible, tau)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(res)
	if res.Decision == temporal.ActionHold {
		return 1
	}
	return 0
}
