// Package engine orchestrates the gates into a single decision.
//
// Evaluation order is fixed and short-circuits on the first failure:
// integrity, risk killswitch, run safe mode, X-108 temporal lock, simulation
// verdict, then operator policies. The first failing step decides the verdict and reason;
// steps after it are reported as skipped. Every evaluated step leaves an
// entry in the decision's laws trace.
package engine

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/obsidia-labs/x108/pkg/audit"
	"github.com/obsidia-labs/x108/pkg/compose"
	"github.com/obsidia-labs/x108/pkg/contracts"
	"github.com/obsidia-labs/x108/pkg/firstseen"
	"github.com/obsidia-labs/x108/pkg/integrity"
	"github.com/obsidia-labs/x108/pkg/paper"
	"github.com/obsidia-labs/x108/pkg/policy"
	"github.com/obsidia-labs/x108/pkg/temporal"
)

var (
	// ErrNonFinite is returned for NaN or infinite numeric request fields.
	ErrNonFinite = errors.New("engine: non-finite input")
	// ErrNoState is returned when a request carries no RunState.
	ErrNoState = errors.New("engine: run state required")
)

// Trace labels for the laws list.
const (
	LawIntegrity   = "gate1_integrity"
	LawSafeHold    = "safe_hold"
	LawRisk        = "gate3_risk"
	LawRunSafeMode = "run_safe_mode"
	LawTemporal    = "x108_temporal"
	LawSimulation  = "simulation"
	LawPolicy      = "policy"
)

var decisionNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://obsidia-labs/x108/decision"))

// Request is one decision request.
type Request struct {
	Intent contracts.Intent
	// Features overrides the intent coherence for the temporal gate. When nil
	// the intent's own coherence is used.
	Features   *contracts.Features
	Simulation contracts.SimulationSummary
	State      *contracts.RunState
	Returns    []float64
	// Tau overrides the profile wait. Nil means the profile value.
	Tau *float64
	// Now is the evaluation time in seconds.
	Now float64
	// Scope namespaces the first-seen key, for example per tenant.
	Scope string
	// SafeMode holds every intent that clears the killswitch. Kill trips and
	// cooldowns still surface.
	SafeMode bool
}

// Recorder receives every decision for metrics.
type Recorder interface {
	RecordDecision(ctx context.Context, d contracts.Decision)
}

// Options configures an Engine.
type Options struct {
	// Registry anchors first-seen times. Defaults to an in-memory store.
	Registry *firstseen.Registry
	Profile  *Profile
	Audit    *audit.Log
	// Sink receives a paper trade intent for every EXECUTE.
	Sink     paper.Sink
	Recorder Recorder
	Logger   *slog.Logger
}

// Engine evaluates decision requests. It is safe for concurrent use; the
// RunState of each request must still have a single writer (see Session).
type Engine struct {
	registry *firstseen.Registry
	policies *policy.Evaluator
	audit    *audit.Log
	sink     paper.Sink
	recorder Recorder
	logger   *slog.Logger
	tracer   trace.Tracer

	mu       sync.RWMutex
	current  *compiled
	safeHold string
}

// New builds an engine. An invalid profile is a configuration error.
func New(opts Options) (*Engine, error) {
	eval, err := policy.NewEvaluator()
	if err != nil {
		return nil, err
	}
	e := &Engine{
		registry: opts.Registry,
		policies: eval,
		audit:    opts.Audit,
		sink:     opts.Sink,
		recorder: opts.Recorder,
		logger:   opts.Logger,
		tracer:   otel.Tracer("github.com/obsidia-labs/x108/pkg/engine"),
	}
	if e.registry == nil {
		e.registry = firstseen.NewRegistry(firstseen.NewMemoryStore())
	}
	if e.logger == nil {
		e.logger = slog.Default().With("component", "engine")
	}
	profile := DefaultProfile()
	if opts.Profile != nil {
		profile = *opts.Profile
	}
	if e.current, err = compile(profile, eval); err != nil {
		return nil, err
	}
	return e, nil
}

// Registry returns the first-seen registry.
func (e *Engine) Registry() *firstseen.Registry { return e.registry }

// Profile returns the active profile.
func (e *Engine) Profile() Profile {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.current.profile
}

// ApplyProfile validates and activates p, leaving safe-hold mode. On error
// the previous profile stays active.
func (e *Engine) ApplyProfile(ctx context.Context, p Profile) error {
	c, err := compile(p, e.policies)
	if err != nil {
		return err
	}
	e.mu.Lock()
	prev := e.current.profile.Version
	e.current = c
	wasHeld := e.safeHold != ""
	e.safeHold = ""
	e.mu.Unlock()

	e.logger.InfoContext(ctx, "profile applied",
		"version", p.Version, "previous", prev, "policies", len(p.Policies), "left_safe_hold", wasHeld)
	return nil
}

// EnterSafeHold makes every decision HOLD until the next ApplyProfile.
func (e *Engine) EnterSafeHold(ctx context.Context, cause error) {
	msg := "unknown"
	if cause != nil {
		msg = cause.Error()
	}
	e.mu.Lock()
	e.safeHold = msg
	e.mu.Unlock()
	e.logger.WarnContext(ctx, "entering safe hold", "cause", msg)
}

// SafeHold reports whether safe-hold mode is active and why.
func (e *Engine) SafeHold() (bool, string) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.safeHold != "", e.safeHold
}

// Decide evaluates req. Business outcomes (BLOCK, HOLD) are decisions, not
// errors; errors are reserved for invalid numeric input, corrupt state and
// backend failures. Decide may set req.State.CooldownRemaining.
func (e *Engine) Decide(ctx context.Context, req Request) (contracts.Decision, error) {
	ctx, span := e.tracer.Start(ctx, "engine.Decide")
	defer span.End()

	d, err := e.decide(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return contracts.Decision{}, err
	}
	span.SetAttributes(
		attribute.String("x108.decision", string(d.Value)),
		attribute.String("x108.reason", d.Reason),
		attribute.String("x108.intent_key", d.IntentKey),
	)

	if e.audit != nil {
		if _, err := e.audit.Record(ctx, d); err != nil {
			return contracts.Decision{}, fmt.Errorf("audit: %w", err)
		}
	}
	if e.recorder != nil {
		e.recorder.RecordDecision(ctx, d)
	}
	if d.Executable() && e.sink != nil {
		e.emit(ctx, req.Intent, d)
	}

	e.logger.InfoContext(ctx, "decision",
		"id", d.ID,
		"intent_key", d.IntentKey,
		"decision", d.Value,
		"reason", d.Reason,
		"wait_remaining", d.WaitRemaining,
	)
	return d, nil
}

func (e *Engine) decide(ctx context.Context, req Request) (contracts.Decision, error) {
	e.mu.RLock()
	c := e.current
	safeHold := e.safeHold
	e.mu.RUnlock()

	tau := c.profile.Tau
	if req.Tau != nil {
		tau = *req.Tau
	}
	if err := checkFinite(req, tau); err != nil {
		return contracts.Decision{}, err
	}
	if tau < 0 {
		return contracts.Decision{}, fmt.Errorf("%w: tau %g", temporal.ErrInvalidMinWait, tau)
	}
	if req.State == nil {
		return contracts.Decision{}, ErrNoState
	}
	if err := req.State.Validate(); err != nil {
		return contracts.Decision{}, err
	}

	b := &builder{
		d: contracts.Decision{
			ID:          decisionID(req, tau, safeHold != ""),
			EvaluatedAt: req.Now,
			GateDetail: contracts.GateDetail{
				Gate1: contracts.Skip(contracts.GateIntegrity),
				Gate2: contracts.Skip(contracts.GateTemporal),
				Gate3: contracts.Skip(contracts.GateRisk),
			},
			LawsApplied: []string{},
		},
	}

	// 1. Integrity
	g1 := integrity.Validate(req.Intent)
	b.d.GateDetail.Gate1 = g1
	b.law(LawIntegrity, g1.Reason)
	if !g1.OK {
		return b.finish(contracts.VerdictBlock, g1.Reason), nil
	}

	key, err := req.Intent.Key()
	if err != nil {
		return contracts.Decision{}, err
	}
	b.d.IntentKey = key

	if safeHold != "" {
		b.law(LawSafeHold, contracts.ReasonPolicySafeHold)
		return b.finish(contracts.VerdictHold, contracts.ReasonPolicySafeHold), nil
	}

	// 2. Risk killswitch
	g3, err := c.risk.Check(req.State, req.Returns)
	if err != nil {
		return contracts.Decision{}, err
	}
	b.d.GateDetail.Gate3 = g3
	b.law(LawRisk, g3.Reason)
	if !g3.OK {
		return b.finish(contracts.VerdictBlock, g3.Reason), nil
	}

	if req.SafeMode {
		b.law(LawRunSafeMode, contracts.ReasonRunSafeMode)
		return b.finish(contracts.VerdictHold, contracts.ReasonRunSafeMode), nil
	}

	// 3. X-108 temporal lock
	t0, err := e.registry.EnsureFirstSeen(ctx, firstseen.ScopedID(req.Scope, key), req.Now)
	if err != nil {
		return contracts.Decision{}, fmt.Errorf("first-seen: %w", err)
	}
	coherence := req.Intent.CoherenceValue()
	if req.Features != nil {
		coherence = req.Features.Coherence
	}
	tg := temporal.Gate{MinWait: tau, CoherenceThreshold: c.temporal.CoherenceThreshold}
	check, g2, err := tg.Assess(temporal.Elapsed(t0, req.Now), req.Intent.Irreversible, coherence)
	if err != nil {
		return contracts.Decision{}, err
	}
	b.d.GateDetail.Gate2 = g2
	b.law(LawTemporal, g2.Reason)
	if !g2.OK {
		b.d.WaitRemaining = check.WaitRemaining
		return b.finish(contracts.VerdictHold, g2.Reason), nil
	}

	// 4. Simulation
	verdict := req.Simulation.Classify()
	b.law(LawSimulation, string(verdict))
	if verdict == contracts.SimDestructive {
		return b.finish(contracts.VerdictBlock, contracts.ReasonSimulationDestructive), nil
	}

	// 5. Operator policies
	if len(c.policies) > 0 {
		in := &compose.Input{
			Intent:     req.Intent,
			Simulation: req.Simulation,
			State:      req.State,
			Returns:    req.Returns,
			FirstSeen:  t0,
			Now:        req.Now,
		}
		if req.Features != nil {
			in.Features = *req.Features
		} else {
			in.Features = contracts.Features{Coherence: coherence}
		}
		out, err := compose.Chain(ctx, c.policies, in)
		if err != nil {
			return contracts.Decision{}, err
		}
		b.d.Policies = out.Results
		for _, r := range out.Results {
			if !r.Skipped {
				b.law(LawPolicy, r.Gate+"="+r.Reason)
			}
		}
		if out.Decisive != nil {
			return b.finish(contracts.VerdictFromVote(out.Vote), out.Decisive.Reason), nil
		}
	}

	return b.finish(contracts.VerdictExecute, contracts.ReasonPass), nil
}

func (e *Engine) emit(ctx context.Context, intent contracts.Intent, d contracts.Decision) {
	ti, err := paper.Build(intent, d, map[string]any{
		"gates": d.GateDetail,
		"laws":  d.LawsApplied,
	})
	if err == nil {
		err = e.sink.Emit(ctx, ti)
	}
	if err != nil {
		e.logger.ErrorContext(ctx, "paper intent emission failed", "decision_id", d.ID, "error", err)
	}
}

type builder struct {
	d contracts.Decision
}

func (b *builder) law(step, outcome string) {
	b.d.LawsApplied = append(b.d.LawsApplied, step+":"+outcome)
}

func (b *builder) finish(v contracts.Verdict, reason string) contracts.Decision {
	b.d.Value = v
	b.d.Reason = reason
	return b.d
}

func checkFinite(req Request, tau float64) error {
	bad := func(name string, v float64) error {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: %s", ErrNonFinite, name)
		}
		return nil
	}
	if err := bad("now", req.Now); err != nil {
		return err
	}
	if err := bad("tau", tau); err != nil {
		return err
	}
	for i, r := range req.Returns {
		if err := bad(fmt.Sprintf("returns[%d]", i), r); err != nil {
			return err
		}
	}
	if req.Features != nil {
		if err := bad("features.coherence", req.Features.Coherence); err != nil {
			return err
		}
	}
	return nil
}

// decisionID derives a name-based UUID from everything the decision depends
// on, so identical inputs and state give identical ids.
func decisionID(req Request, tau float64, safeHold bool) string {
	h := sha256.New()
	in := req.Intent
	fmt.Fprintf(h, "intent:%q|%q|%q|%s|%s|%s|%t\n",
		in.ID, in.Asset, in.Side, optional(in.Amount), optional(in.Timestamp), optional(in.Coherence), in.Irreversible)
	keys := make([]string, 0, len(in.Metadata))
	for k := range in.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(h, "meta:%q=%v\n", k, in.Metadata[k])
	}
	if req.Features != nil {
		fmt.Fprintf(h, "features:%+v\n", *req.Features)
	}
	fmt.Fprintf(h, "sim:%+v\n", req.Simulation)
	fmt.Fprintf(h, "returns:%v\n", req.Returns)
	if s := req.State; s != nil {
		fmt.Fprintf(h, "state:%v|%v|%d|%d\n", s.LastInvestTimestamp, s.EquityCurve, s.ConsecutiveLosses, s.CooldownRemaining)
	}
	fmt.Fprintf(h, "tau:%v|now:%v|hold:%t|safe:%t|scope:%q\n", tau, req.Now, safeHold, req.SafeMode, req.Scope)
	return uuid.NewSHA1(decisionNamespace, h.Sum(nil)).String()
}

func optional(v *float64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprint(*v)
}
