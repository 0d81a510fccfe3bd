// Package backtest replays a price history through the gating engine,
// paper-filling every authorized step.
package backtest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/obsidia-labs/x108/pkg/contracts"
	"github.com/obsidia-labs/x108/pkg/engine"
	"github.com/obsidia-labs/x108/pkg/features"
	"github.com/obsidia-labs/x108/pkg/paper"
	"github.com/obsidia-labs/x108/pkg/risk"
)

// DefaultWarmup is the number of returns observed before the first step.
const DefaultWarmup = 60

// ErrTooShort is returned when the history does not cover the warmup.
var ErrTooShort = errors.New("backtest: history shorter than warmup")

// Config tunes a run.
type Config struct {
	Asset     string
	Warmup    int
	RiskLevel float64 // order size as a fraction of equity
	// Irreversible marks candidates as investment-level actions subject to
	// the X-108 wait.
	Irreversible bool
	// DisableSafeMode keeps trading after a killswitch trip. By default the
	// first kill_* block puts the run in safe mode until it ends.
	DisableSafeMode bool
}

// DefaultConfig returns the reference run settings.
func DefaultConfig() Config {
	return Config{Asset: "BTC", Warmup: DefaultWarmup, RiskLevel: 0.5, Irreversible: true}
}

// Step is one line of the decision log.
type Step struct {
	Step     int                `json:"step"`
	Intent   contracts.Intent   `json:"intent"`
	Features contracts.Features `json:"features"`
	Decision contracts.Decision `json:"decision"`
	Fill     *paper.Fill        `json:"fill,omitempty"`
	PnL      float64            `json:"pnl"`
	Equity   float64            `json:"equity"`
	SafeMode bool               `json:"safe_mode,omitempty"`
}

// Summary aggregates a run.
type Summary struct {
	Steps       int            `json:"steps"`
	Executes    int            `json:"executes"`
	Holds       int            `json:"holds"`
	Blocks      int            `json:"blocks"`
	Reasons     map[string]int `json:"reasons"`
	FinalEquity float64        `json:"final_equity"`
	MaxDrawdown float64        `json:"max_drawdown"`
	// SafeModeStep is the step whose kill trip started safe mode, or -1.
	SafeModeStep int `json:"safe_mode_step"`
}

// Runner drives one engine session over a history.
type Runner struct {
	engine   *engine.Engine
	executor paper.Executor
	cfg      Config
	logger   *slog.Logger

	mu  sync.Mutex
	out *json.Encoder
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithExecutor replaces the dry executor.
func WithExecutor(x paper.Executor) RunnerOption {
	return func(r *Runner) { r.executor = x }
}

// WithDecisionLog writes every step as one JSON line to w.
func WithDecisionLog(w io.Writer) RunnerOption {
	return func(r *Runner) { r.out = json.NewEncoder(w) }
}

// NewRunner builds a runner. Zero config fields take their defaults.
func NewRunner(e *engine.Engine, cfg Config, opts ...RunnerOption) *Runner {
	def := DefaultConfig()
	if cfg.Asset == "" {
		cfg.Asset = def.Asset
	}
	if cfg.Warmup <= 0 {
		cfg.Warmup = def.Warmup
	}
	if !(cfg.RiskLevel > 0) {
		cfg.RiskLevel = def.RiskLevel
	}
	r := &Runner{
		engine:   e,
		executor: paper.DryExecutor{},
		cfg:      cfg,
		logger:   slog.Default().With("component", "backtest"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run replays prices. Step t sees returns[:t] and is decided at Now = t, so
// the wait is measured in steps.
func (r *Runner) Run(ctx context.Context, prices []float64) (Summary, error) {
	returns := features.Returns(prices)
	if len(returns) <= r.cfg.Warmup {
		return Summary{}, fmt.Errorf("%w: %d returns, warmup %d", ErrTooShort, len(returns), r.cfg.Warmup)
	}

	session := r.engine.NewSession(nil)
	threshold := r.engine.Profile().CoherenceThreshold
	sum := Summary{Reasons: map[string]int{}, SafeModeStep: -1}
	safe := false

	for t := r.cfg.Warmup; t < len(returns); t++ {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		session.Tick()

		hist := returns[:t]
		feats := features.Extract(hist)
		side := contracts.SideSell
		if feats.Coherence >= threshold {
			side = contracts.SideBuy
		}

		// The id is tied to the current investment epoch so the wait
		// restarts after every fill.
		state := session.State()
		intent := contracts.NewIntent(r.cfg.Asset, side, r.cfg.RiskLevel, float64(t), feats.Coherence, r.cfg.Irreversible)
		intent.ID = fmt.Sprintf("%s@%g", r.cfg.Asset, state.LastInvestTimestamp)

		d, err := session.Decide(ctx, engine.Request{
			Intent:   intent,
			Features: &feats,
			Returns:  hist,
			Now:      float64(t),
			SafeMode: safe,
		})
		if err != nil {
			return sum, fmt.Errorf("step %d: %w", t, err)
		}

		step := Step{Step: t, Intent: intent, Features: feats, Decision: d, SafeMode: safe}
		sum.Steps++
		sum.Reasons[d.Reason]++
		switch d.Value {
		case contracts.VerdictExecute:
			sum.Executes++
			if err := r.fill(ctx, session, &step, returns[t-1]); err != nil {
				return sum, fmt.Errorf("step %d: %w", t, err)
			}
		case contracts.VerdictHold:
			sum.Holds++
		case contracts.VerdictBlock:
			sum.Blocks++
			if !safe && !r.cfg.DisableSafeMode && isKill(d.Reason) {
				safe = true
				sum.SafeModeStep = t
				r.logger.InfoContext(ctx, "entering safe mode", "step", t, "reason", d.Reason)
			}
		}
		step.Equity = session.State().Equity()

		if err := r.write(step); err != nil {
			return sum, err
		}
	}

	final := session.State()
	sum.FinalEquity = final.Equity()
	sum.MaxDrawdown = risk.MaxDrawdown(final.EquityCurve)
	r.logger.InfoContext(ctx, "backtest finished",
		"steps", sum.Steps, "executes", sum.Executes, "holds", sum.Holds, "blocks", sum.Blocks,
		"final_equity", sum.FinalEquity, "max_drawdown", sum.MaxDrawdown, "safe_mode_step", sum.SafeModeStep)
	return sum, nil
}

func isKill(reason string) bool {
	switch reason {
	case contracts.ReasonKillDrawdown, contracts.ReasonKillVolatility, contracts.ReasonKillLosses:
		return true
	}
	return false
}

func (r *Runner) fill(ctx context.Context, s *engine.Session, step *Step, stepReturn float64) error {
	ti, err := paper.Build(step.Intent, step.Decision, map[string]any{
		"step":   step.Step,
		"regime": string(step.Features.Regime),
	})
	if err != nil {
		return err
	}
	f, err := r.executor.Execute(ctx, ti)
	if err != nil {
		return fmt.Errorf("execute: %w", err)
	}
	signed := step.Intent.AmountValue()
	if step.Intent.Side == contracts.SideSell {
		signed = -signed
	}
	step.Fill = &f
	step.PnL = signed * stepReturn
	s.RecordFill(float64(step.Step), step.PnL)
	return nil
}

func (r *Runner) write(s Step) error {
	if r.out == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.out.Encode(s); err != nil {
		return fmt.Errorf("decision log: %w", err)
	}
	return nil
}
