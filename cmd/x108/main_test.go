package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/obsidia-labs/x108/pkg/backtest"
	"github.com/obsidia-labs/x108/pkg/contracts"
	"github.com/obsidia-labs/x108/pkg/temporal"
)

func isolate(t *testing.T) {
	t.Helper()
	t.Setenv("X108_STORE", "memory")
	t.Setenv("X108_PROFILE", "")
	t.Setenv("X108_AUDIT_PATH", "")
	t.Setenv("LOG_LEVEL", "ERROR")
}

func run(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := Run(append([]string{"x108"}, args...), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestRun_Usage(t *testing.T) {
	isolate(t)
	code, _, stderr := run(t)
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr, "USAGE")

	code, _, stderr = run(t, "frobnicate")
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr, "Unknown command: frobnicate")

	code, stdout, _ := run(t, "help")
	assert.Equal(t, 0, code)
	assert.Contains(t, stdout, "backtest")

	code, stdout, _ = run(t, "version")
	assert.Equal(t, 0, code)
	assert.True(t, strings.HasPrefix(stdout, "x108 "))
}

func TestRun_Check(t *testing.T) {
	isolate(t)
	code, stdout, _ := run(t, "check", "--elapsed", "50")
	assert.Equal(t, 1, code)
	var res temporal.Result
	require.NoError(t, json.Unmarshal([]byte(stdout), &res))
	assert.Equal(t, temporal.ActionHold, res.Decision)
	assert.InDelta(t, 58.0, res.WaitRemaining, 1e-9)

	code, _, _ = run(t, "check", "--elapsed", "108")
	assert.Equal(t, 0, code)

	code, _, _ = run(t, "check", "--elapsed", "0", "--irreversible=false")
	assert.Equal(t, 0, code)

	code, _, stderr := run(t, "check", "--tau", "-1")
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr, "Error")
}

func TestRun_Decide(t *testing.T) {
	isolate(t)
	dir := t.TempDir()
	reqPath := filepath.Join(dir, "req.json")
	statePath := filepath.Join(dir, "state.json")

	in := contracts.NewIntent("BTC-USD", contracts.SideBuy, 1, 1000, 0.9, false)
	in.ID = "cli-1"
	body, err := json.Marshal(map[string]any{"intent": in, "now": 1000.0})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(reqPath, body, 0o600))

	code, stdout, stderr := run(t, "decide", "--in", reqPath, "--state", statePath)
	require.Equal(t, 0, code, stderr)
	var d contracts.Decision
	require.NoError(t, json.Unmarshal([]byte(stdout), &d))
	assert.Equal(t, contracts.VerdictExecute, d.Value)

	saved, err := readState(statePath)
	require.NoError(t, err)
	assert.Equal(t, []float64{1.0}, saved.EquityCurve)

	code, _, _ = run(t, "decide", "--in", filepath.Join(dir, "missing.json"))
	assert.Equal(t, 2, code)
}

func TestRun_DecideKeepsFirstSeenWithState(t *testing.T) {
	isolate(t)
	dir := t.TempDir()
	statePath := filepath.Join(dir, "state.json")

	decideAt := func(now float64) contracts.Decision {
		in := contracts.NewIntent("BTC-USD", contracts.SideBuy, 1, 1000, 0.9, true)
		in.ID = "cli-2"
		body, err := json.Marshal(map[string]any{"intent": in, "now": now})
		require.NoError(t, err)
		reqPath := filepath.Join(dir, "req.json")
		require.NoError(t, os.WriteFile(reqPath, body, 0o600))

		code, stdout, stderr := run(t, "decide", "--in", reqPath, "--state", statePath)
		require.Equal(t, 0, code, stderr)
		assert.NotContains(t, stderr, "Warning")
		var d contracts.Decision
		require.NoError(t, json.Unmarshal([]byte(stdout), &d))
		return d
	}

	d := decideAt(1000)
	assert.Equal(t, contracts.VerdictHold, d.Value)
	assert.FileExists(t, filepath.Join(dir, "state.firstseen.db"))

	d = decideAt(1050)
	assert.Equal(t, contracts.VerdictHold, d.Value)
	assert.InDelta(t, 58.0, d.WaitRemaining, 1e-9)

	d = decideAt(1108)
	assert.Equal(t, contracts.VerdictExecute, d.Value)
}

func TestRun_DecideWarnsWithoutPersistence(t *testing.T) {
	isolate(t)
	reqPath := filepath.Join(t.TempDir(), "req.json")
	in := contracts.NewIntent("BTC-USD", contracts.SideBuy, 1, 1000, 0.9, true)
	body, err := json.Marshal(map[string]any{"intent": in, "now": 1000.0})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(reqPath, body, 0o600))

	code, _, stderr := run(t, "decide", "--in", reqPath)
	assert.Equal(t, 0, code)
	assert.Contains(t, stderr, "Warning: first-seen times are not kept")
}

func TestRun_DecideUnknownStore(t *testing.T) {
	isolate(t)
	t.Setenv("X108_STORE", "etcd")
	dir := t.TempDir()
	reqPath := filepath.Join(dir, "req.json")
	require.NoError(t, os.WriteFile(reqPath, []byte(`{"intent":{}}`), 0o600))

	code, _, stderr := run(t, "decide", "--in", reqPath)
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr, "unknown store")
}

func TestRun_Backtest(t *testing.T) {
	isolate(t)
	dir := t.TempDir()
	csvPath := filepath.Join(dir, "prices.csv")
	logPath := filepath.Join(dir, "decisions.jsonl")
	ordersPath := filepath.Join(dir, "orders.jsonl")

	var b strings.Builder
	b.WriteString("close\n")
	for i := 0; i < 300; i++ {
		fmt.Fprintf(&b, "%.10f\n", 100*math.Pow(1.001, float64(i)))
	}
	require.NoError(t, os.WriteFile(csvPath, []byte(b.String()), 0o600))

	code, stdout, stderr := run(t, "backtest", "--csv", csvPath, "--log", logPath, "--orders", ordersPath)
	require.Equal(t, 0, code, stderr)

	var sum backtest.Summary
	require.NoError(t, json.Unmarshal([]byte(stdout), &sum))
	assert.Equal(t, 239, sum.Steps)
	assert.Positive(t, sum.Executes)
	assert.Equal(t, sum.Steps, sum.Executes+sum.Holds+sum.Blocks)
	assert.Equal(t, -1, sum.SafeModeStep)

	logData, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Equal(t, sum.Steps, strings.Count(string(logData), "\n"))

	orders, err := os.ReadFile(ordersPath)
	require.NoError(t, err)
	assert.Equal(t, sum.Executes, strings.Count(string(orders), "\n"))
	assert.Contains(t, string(orders), `"standard":"ERC-8004"`)

	code, _, _ = run(t, "backtest")
	assert.Equal(t, 2, code)
}
