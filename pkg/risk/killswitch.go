// Package risk implements the killswitch gate: a circuit breaker over
// drawdown, volatility and loss streaks that blocks and imposes a cooldown
// when any threshold is breached.
package risk

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/obsidia-labs/x108/pkg/compose"
	"github.com/obsidia-labs/x108/pkg/contracts"
)

// VolatilityWindow is the number of most recent returns used for volatility.
const VolatilityWindow = 50

// ErrInvalidConfig is returned by Config.Validate.
var ErrInvalidConfig = errors.New("risk: invalid killswitch config")

// Config holds the killswitch thresholds.
type Config struct {
	MaxDrawdown          float64 `json:"max_drawdown" yaml:"max_drawdown"`
	MaxVolatility        float64 `json:"max_volatility" yaml:"max_volatility"`
	MaxConsecutiveLosses int     `json:"max_consecutive_losses" yaml:"max_consecutive_losses"`
	CooldownSteps        int     `json:"cooldown_steps" yaml:"cooldown_steps"`
}

// DefaultConfig mirrors the reference trading profile.
func DefaultConfig() Config {
	return Config{
		MaxDrawdown:          0.15,
		MaxVolatility:        0.50,
		MaxConsecutiveLosses: 5,
		CooldownSteps:        10,
	}
}

// Validate rejects thresholds that would make the gate meaningless.
func (c Config) Validate() error {
	switch {
	case math.IsNaN(c.MaxDrawdown) || c.MaxDrawdown <= 0 || c.MaxDrawdown > 1:
		return fmt.Errorf("%w: max_drawdown must be in (0, 1], got %v", ErrInvalidConfig, c.MaxDrawdown)
	case math.IsNaN(c.MaxVolatility) || math.IsInf(c.MaxVolatility, 0) || c.MaxVolatility <= 0:
		return fmt.Errorf("%w: max_volatility must be > 0, got %v", ErrInvalidConfig, c.MaxVolatility)
	case c.MaxConsecutiveLosses < 1:
		return fmt.Errorf("%w: max_consecutive_losses must be >= 1, got %d", ErrInvalidConfig, c.MaxConsecutiveLosses)
	case c.CooldownSteps < 0:
		return fmt.Errorf("%w: cooldown_steps must be >= 0, got %d", ErrInvalidConfig, c.CooldownSteps)
	}
	return nil
}

// MaxDrawdown returns the largest peak-to-trough loss over the curve as a
// fraction of the running peak.
func MaxDrawdown(curve []float64) float64 {
	if len(curve) == 0 {
		return 0
	}
	peak := curve[0]
	maxDD := 0.0
	for _, v := range curve {
		peak = math.Max(peak, v)
		if peak <= 0 {
			continue
		}
		maxDD = math.Max(maxDD, 1.0-v/peak)
	}
	return maxDD
}

// Volatility returns the population standard deviation of the last window
// returns, or of all of them when fewer are available.
func Volatility(returns []float64, window int) float64 {
	if window > 0 && len(returns) > window {
		returns = returns[len(returns)-window:]
	}
	if len(returns) == 0 {
		return 0
	}
	var mean float64
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))
	var ss float64
	for _, r := range returns {
		d := r - mean
		ss += d * d
	}
	return math.Sqrt(ss / float64(len(returns)))
}

// Gate is the killswitch gate. It is the only gate that writes RunState.
type Gate struct {
	cfg Config
}

// NewGate validates cfg and returns a gate.
func NewGate(cfg Config) (*Gate, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Gate{cfg: cfg}, nil
}

// Config returns the gate thresholds.
func (g *Gate) Config() Config { return g.cfg }

// Name implements compose.Gate.
func (g *Gate) Name() string { return contracts.GateRisk }

// Evaluate implements compose.Gate.
func (g *Gate) Evaluate(_ context.Context, in *compose.Input) (contracts.GateResult, error) {
	return g.Check(in.State, in.Returns)
}

// Check evaluates state in the order cooldown, drawdown, volatility, losses.
// Each trip other than an active cooldown sets CooldownRemaining.
func (g *Gate) Check(state *contracts.RunState, returns []float64) (contracts.GateResult, error) {
	if err := state.Validate(); err != nil {
		return contracts.GateResult{}, err
	}

	if state.CooldownRemaining > 0 {
		return fail(contracts.ReasonCooldown), nil
	}
	if MaxDrawdown(state.EquityCurve) >= g.cfg.MaxDrawdown {
		return g.trip(state, contracts.ReasonKillDrawdown), nil
	}
	if vol := Volatility(returns, VolatilityWindow); vol >= g.cfg.MaxVolatility || math.IsNaN(vol) {
		return g.trip(state, contracts.ReasonKillVolatility), nil
	}
	if state.ConsecutiveLosses >= g.cfg.MaxConsecutiveLosses {
		return g.trip(state, contracts.ReasonKillLosses), nil
	}
	return contracts.Pass(contracts.GateRisk), nil
}

func (g *Gate) trip(state *contracts.RunState, reason string) contracts.GateResult {
	state.CooldownRemaining = g.cfg.CooldownSteps
	return fail(reason)
}

func fail(reason string) contracts.GateResult {
	return contracts.Fail(contracts.GateRisk, contracts.VoteBlock, reason)
}
