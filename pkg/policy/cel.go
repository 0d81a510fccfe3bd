// Package policy evaluates operator-defined CEL rules as additional gates.
//
// A rule is a boolean CEL expression over the decision inputs. When it
// evaluates to true the rule allows; when false it votes its configured
// failure class (BLOCK or HOLD) with reason "policy_violation:<name>".
// Rules that fail to evaluate at runtime fail closed with BLOCK.
//
// Available variables:
//
//	intent    map: asset, side, amount, timestamp, coherence, irreversible, metadata
//	features  map: volatility, coherence, friction, regime
//	sim       map: mu, sigma, p_dd, p_ruin, cvar_95, verdict
//	state     map: last_invest_ts, equity, consecutive_losses, cooldown_remaining
//	elapsed   double: seconds since the intent was first seen
//	now       double: evaluation time in seconds
package policy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/obsidia-labs/x108/pkg/compose"
	"github.com/obsidia-labs/x108/pkg/contracts"
)

// ErrInvalidRule is returned when a rule cannot be compiled.
var ErrInvalidRule = errors.New("policy: invalid rule")

var ruleName = regexp.MustCompile(`^[a-z0-9][a-z0-9_.-]*$`)

// Rule is one operator policy.
type Rule struct {
	Name   string         `json:"name" yaml:"name"`
	Expr   string         `json:"expr" yaml:"expr"`
	OnFail contracts.Vote `json:"on_fail" yaml:"on_fail"`
}

// Evaluator compiles and caches CEL programs.
type Evaluator struct {
	env      *cel.Env
	prgCache map[string]cel.Program
	mu       sync.RWMutex
	logger   *slog.Logger
}

// NewEvaluator creates an evaluator with the decision-input environment.
func NewEvaluator() (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("intent", cel.DynType),
		cel.Variable("features", cel.DynType),
		cel.Variable("sim", cel.DynType),
		cel.Variable("state", cel.DynType),
		cel.Variable("elapsed", cel.DoubleType),
		cel.Variable("now", cel.DoubleType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return &Evaluator{
		env:      env,
		prgCache: make(map[string]cel.Program),
		logger:   slog.Default().With("component", "policy"),
	}, nil
}

// Compile validates rules and returns one gate per rule, in order.
func (e *Evaluator) Compile(rules []Rule) ([]*Gate, error) {
	seen := make(map[string]bool, len(rules))
	gates := make([]*Gate, 0, len(rules))
	for i, r := range rules {
		if !ruleName.MatchString(r.Name) {
			return nil, fmt.Errorf("%w: rule %d: bad name %q", ErrInvalidRule, i, r.Name)
		}
		if seen[r.Name] {
			return nil, fmt.Errorf("%w: duplicate rule %q", ErrInvalidRule, r.Name)
		}
		seen[r.Name] = true

		onFail := r.OnFail
		if onFail == "" {
			onFail = contracts.VoteBlock
		}
		if onFail != contracts.VoteBlock && onFail != contracts.VoteHold {
			return nil, fmt.Errorf("%w: rule %q: on_fail must be BLOCK or HOLD, got %q", ErrInvalidRule, r.Name, r.OnFail)
		}
		if _, err := e.program(r.Expr); err != nil {
			return nil, fmt.Errorf("%w: rule %q: %v", ErrInvalidRule, r.Name, err)
		}
		gates = append(gates, &Gate{eval: e, name: r.Name, expr: r.Expr, onFail: onFail})
	}
	return gates, nil
}

func (e *Evaluator) program(expr string) (cel.Program, error) {
	e.mu.RLock()
	prg, hit := e.prgCache[expr]
	e.mu.RUnlock()
	if hit {
		return prg, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	// Double check
	if prg, hit = e.prgCache[expr]; hit {
		return prg, nil
	}
	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile: %w", issues.Err())
	}
	if ot := ast.OutputType(); !ot.IsExactType(cel.BoolType) && !ot.IsExactType(cel.DynType) {
		return nil, fmt.Errorf("expression must be boolean, got %s", ot)
	}
	p, err := e.env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("program: %w", err)
	}
	e.prgCache[expr] = p
	return p, nil
}

func (e *Evaluator) evaluate(ctx context.Context, expr string, input map[string]any) (bool, error) {
	prg, err := e.program(expr)
	if err != nil {
		return false, err
	}
	out, _, err := prg.ContextEval(ctx, input)
	if err != nil {
		return false, fmt.Errorf("eval: %w", err)
	}
	val, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("result not bool")
	}
	return val, nil
}

// Gate is a compiled rule.
type Gate struct {
	eval   *Evaluator
	name   string
	expr   string
	onFail contracts.Vote
}

// Name implements compose.Gate.
func (g *Gate) Name() string { return "policy:" + g.name }

// Rule returns the source rule.
func (g *Gate) Rule() Rule { return Rule{Name: g.name, Expr: g.expr, OnFail: g.onFail} }

// Evaluate implements compose.Gate.
func (g *Gate) Evaluate(ctx context.Context, in *compose.Input) (contracts.GateResult, error) {
	allowed, err := g.eval.evaluate(ctx, g.expr, Activation(in))
	if err != nil {
		g.eval.logger.WarnContext(ctx, "policy evaluation failed, failing closed",
			"rule", g.name, "error", err)
		return contracts.Fail(g.Name(), contracts.VoteBlock, contracts.ReasonPolicyViolationPrefix+g.name), nil
	}
	if !allowed {
		return contracts.Fail(g.Name(), g.onFail, contracts.ReasonPolicyViolationPrefix+g.name), nil
	}
	return contracts.Pass(g.Name()), nil
}

// Activation builds the CEL variables for in.
func Activation(in *compose.Input) map[string]any {
	metadata := in.Intent.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	state := map[string]any{
		"last_invest_ts":     0.0,
		"equity":             1.0,
		"consecutive_losses": int64(0),
		"cooldown_remaining": int64(0),
	}
	if in.State != nil {
		state["last_invest_ts"] = in.State.LastInvestTimestamp
		state["equity"] = in.State.Equity()
		state["consecutive_losses"] = int64(in.State.ConsecutiveLosses)
		state["cooldown_remaining"] = int64(in.State.CooldownRemaining)
	}
	return map[string]any{
		"intent": map[string]any{
			"asset":        in.Intent.Asset,
			"side":         string(in.Intent.Side),
			"amount":       in.Intent.AmountValue(),
			"timestamp":    in.Intent.TimestampValue(),
			"coherence":    in.Intent.CoherenceValue(),
			"irreversible": in.Intent.Irreversible,
			"metadata":     metadata,
		},
		"features": map[string]any{
			"volatility": in.Features.Volatility,
			"coherence":  in.Features.Coherence,
			"friction":   in.Features.Friction,
			"regime":     string(in.Features.Regime),
		},
		"sim": map[string]any{
			"mu":      in.Simulation.Mu,
			"sigma":   in.Simulation.Sigma,
			"p_dd":    in.Simulation.PDD,
			"p_ruin":  in.Simulation.PRuin,
			"cvar_95": in.Simulation.CVaR95,
			"verdict": string(in.Simulation.Classify()),
		},
		"state":   state,
		"elapsed": in.Now - in.FirstSeen,
		"now":     in.Now,
	}
}
