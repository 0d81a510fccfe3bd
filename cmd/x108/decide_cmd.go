package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/obsidia-labs/x108/pkg/config"
	"github.com/obsidia-labs/x108/pkg/contracts"
	"github.com/obsidia-labs/x108/pkg/engine"
	"github.com/obsidia-labs/x108/pkg/temporal"
)

// decideInput is the JSON document read by `x108 decide`.
type decideInput struct {
	Intent     contracts.Intent            `json:"intent"`
	Features   *contracts.Features         `json:"features,omitempty"`
	Simulation contracts.SimulationSummary `json:"simulation"`
	Returns    []float64                   `json:"returns,omitempty"`
	Tau        *float64                    `json:"tau_seconds,omitempty"`
	Now        *float64                    `json:"now,omitempty"`
	State      *contracts.RunState         `json:"state,omitempty"`
}

// runDecideCmd implements `x108 decide`. The request is read from --in (or
// stdin); with --state the run state is loaded from and saved back to a
// file so cooldowns carry across invocations. With the memory store, --state
// also keeps first-seen times in a SQLite file beside the state.
func runDecideCmd(cfg *config.Config, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("decide", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var in, statePath string
	cmd.StringVar(&in, "in", "-", "Request JSON file, - for stdin")
	cmd.StringVar(&statePath, "state", "", "Run state JSON file to load and update")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	src := stdin
	if in != "-" {
		f, err := os.Open(in)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		defer f.Close()
		src = f
	}
	var req decideInput
	if err := json.NewDecoder(src).Decode(&req); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: invalid request: %v\n", err)
		return 2
	}

	state := req.State
	if statePath != "" {
		loaded, err := readState(statePath)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		state = loaded
	}
	if state == nil {
		state = contracts.NewRunState()
	}

	if cfg.Store == config.StoreMemory || cfg.Store == "" {
		if statePath != "" {
			local := *cfg
			local.Store = config.StoreSQLite
			local.SQLitePath = registryPath(statePath)
			cfg = &local
		} else {
			_, _ = fmt.Fprintln(stderr, "Warning: first-seen times are not kept between runs; "+
				"irreversible intents hold on every call. Use --state or X108_STORE.")
		}
	}

	ctx := context.Background()
	rt, err := newRuntime(ctx, cfg, nil, nil)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer rt.Close()

	now := temporal.Seconds(temporal.WallClock{}.Now())
	if req.Now != nil {
		now = *req.Now
	}
	d, err := rt.engine.Decide(ctx, engine.Request{
		Intent:     req.Intent,
		Features:   req.Features,
		Simulation: req.Simulation,
		State:      state,
		Returns:    req.Returns,
		Tau:        req.Tau,
		Now:        now,
	})
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	if statePath != "" {
		if err := writeState(statePath, state); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(d)
	return 0
}

// registryPath is the first-seen database kept beside a state file.
func registryPath(statePath string) string {
	return strings.TrimSuffix(statePath, filepath.Ext(statePath)) + ".firstseen.db"
}

func readState(path string) (*contracts.RunState, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return contracts.NewRunState(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state: %w", err)
	}
	var s contracts.RunState
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse state %s: %w", path, err)
	}
	return &s, nil
}

func writeState(path string, s *contracts.RunState) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	return os.Rename(tmp, path)
}
