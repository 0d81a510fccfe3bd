package engine

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/obsidia-labs/x108/pkg/audit"
	"github.com/obsidia-labs/x108/pkg/contracts"
	"github.com/obsidia-labs/x108/pkg/firstseen"
	"github.com/obsidia-labs/x108/pkg/observability"
	"github.com/obsidia-labs/x108/pkg/paper"
	"github.com/obsidia-labs/x108/pkg/policy"
	"github.com/obsidia-labs/x108/pkg/risk"
)

type countingRecorder struct {
	mu     sync.Mutex
	counts map[contracts.Verdict]int
}

func (r *countingRecorder) RecordDecision(_ context.Context, d contracts.Decision) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.counts == nil {
		r.counts = map[contracts.Verdict]int{}
	}
	r.counts[d.Value]++
}

func newEngine(t *testing.T, opts Options) *Engine {
	t.Helper()
	e, err := New(opts)
	require.NoError(t, err)
	return e
}

func goodIntent() contracts.Intent {
	in := contracts.NewIntent("BTC-USD", contracts.SideBuy, 1, 1000, 0.9, true)
	in.ID = "intent-1"
	return in
}

func goodKey(t *testing.T) string {
	t.Helper()
	key, err := goodIntent().Key()
	require.NoError(t, err)
	return key
}

func tau(v float64) *float64 { return &v }

func TestDecide_ExecuteAfterWait(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, Options{})
	state := contracts.NewRunState()

	d, err := e.Decide(ctx, Request{Intent: goodIntent(), State: state, Now: 1000})
	require.NoError(t, err)
	assert.Equal(t, contracts.VerdictHold, d.Value)
	assert.Equal(t, contracts.ReasonX108Hold, d.Reason)
	assert.InDelta(t, 108.0, d.WaitRemaining, 1e-9)

	d, err = e.Decide(ctx, Request{Intent: goodIntent(), State: state, Now: 1050})
	require.NoError(t, err)
	assert.Equal(t, contracts.VerdictHold, d.Value)
	assert.InDelta(t, 58.0, d.WaitRemaining, 1e-9)

	d, err = e.Decide(ctx, Request{Intent: goodIntent(), State: state, Now: 1108})
	require.NoError(t, err)
	assert.Equal(t, contracts.VerdictExecute, d.Value)
	assert.Equal(t, contracts.ReasonPass, d.Reason)
	assert.Equal(t, 0.0, d.WaitRemaining)
	assert.True(t, d.GateDetail.Gate1.OK)
	assert.True(t, d.GateDetail.Gate2.OK)
	assert.True(t, d.GateDetail.Gate3.OK)
	assert.Equal(t, []string{
		"gate1_integrity:pass",
		"gate3_risk:pass",
		"x108_temporal:pass",
		"simulation:OK",
	}, d.LawsApplied)
	assert.Equal(t, goodKey(t), d.IntentKey)
}

func TestDecide_AllGatesPass(t *testing.T) {
	e := newEngine(t, Options{})
	in := goodIntent()
	in.Irreversible = false

	d, err := e.Decide(context.Background(), Request{
		Intent:     in,
		Simulation: contracts.SimulationSummary{Verdict: contracts.SimUncertain},
		State:      contracts.NewRunState(),
		Now:        5,
	})
	require.NoError(t, err)
	assert.Equal(t, contracts.VerdictExecute, d.Value)
	assert.Equal(t, contracts.ReasonPass, d.Reason)
}

func TestDecide_Precedence(t *testing.T) {
	ctx := context.Background()

	t.Run("integrity beats everything", func(t *testing.T) {
		e := newEngine(t, Options{})
		in := goodIntent()
		in.Coherence = nil
		state := contracts.NewRunState()
		state.CooldownRemaining = 3

		d, err := e.Decide(ctx, Request{Intent: in, State: state, Now: 0,
			Simulation: contracts.SimulationSummary{Verdict: contracts.SimDestructive}})
		require.NoError(t, err)
		assert.Equal(t, contracts.VerdictBlock, d.Value)
		assert.Equal(t, "invalid_intent_missing_fields:coherence", d.Reason)
		assert.True(t, d.GateDetail.Gate2.Skipped)
		assert.True(t, d.GateDetail.Gate3.Skipped)
		assert.Len(t, d.LawsApplied, 1)
	})

	t.Run("risk beats temporal and does not register first-seen", func(t *testing.T) {
		e := newEngine(t, Options{})
		state := contracts.NewRunState()
		state.EquityCurve = []float64{1.0, 0.8}

		d, err := e.Decide(ctx, Request{Intent: goodIntent(), State: state, Now: 0})
		require.NoError(t, err)
		assert.Equal(t, contracts.VerdictBlock, d.Value)
		assert.Equal(t, contracts.ReasonKillDrawdown, d.Reason)
		assert.Equal(t, risk.DefaultConfig().CooldownSteps, state.CooldownRemaining)
		assert.True(t, d.GateDetail.Gate2.Skipped)

		_, found, err := e.Registry().GetFirstSeen(ctx, goodKey(t))
		require.NoError(t, err)
		assert.False(t, found)
	})

	t.Run("temporal hold beats destructive simulation", func(t *testing.T) {
		e := newEngine(t, Options{})
		d, err := e.Decide(ctx, Request{Intent: goodIntent(), State: contracts.NewRunState(), Now: 0,
			Simulation: contracts.SimulationSummary{PRuin: 0.5}})
		require.NoError(t, err)
		assert.Equal(t, contracts.VerdictHold, d.Value)
		assert.Equal(t, contracts.ReasonX108Hold, d.Reason)
	})

	t.Run("destructive simulation blocks", func(t *testing.T) {
		e := newEngine(t, Options{})
		d, err := e.Decide(ctx, Request{Intent: goodIntent(), State: contracts.NewRunState(), Now: 0, Tau: tau(0),
			Simulation: contracts.SimulationSummary{PRuin: 0.5}})
		require.NoError(t, err)
		assert.Equal(t, contracts.VerdictBlock, d.Value)
		assert.Equal(t, contracts.ReasonSimulationDestructive, d.Reason)
		assert.Equal(t, "simulation:DESTRUCTIVE", d.LawsApplied[len(d.LawsApplied)-1])
	})

	t.Run("low coherence holds after the wait", func(t *testing.T) {
		e := newEngine(t, Options{})
		d, err := e.Decide(ctx, Request{Intent: goodIntent(), State: contracts.NewRunState(), Now: 0, Tau: tau(0),
			Features: &contracts.Features{Coherence: 0.1}})
		require.NoError(t, err)
		assert.Equal(t, contracts.VerdictHold, d.Value)
		assert.Equal(t, contracts.ReasonX108LowCoherence, d.Reason)
	})
}

func TestDecide_ClockSkewHolds(t *testing.T) {
	ctx := context.Background()
	var rejected []string
	reg := firstseen.NewRegistry(firstseen.NewMemoryStore(),
		firstseen.WithRejectHook(func(_ context.Context, id string) { rejected = append(rejected, id) }))
	e := newEngine(t, Options{Registry: reg})
	ok, err := e.Registry().SetFirstSeen(ctx, goodKey(t), 5000)
	require.NoError(t, err)
	require.True(t, ok)

	d, err := e.Decide(ctx, Request{Intent: goodIntent(), State: contracts.NewRunState(), Now: 4000})
	require.NoError(t, err)
	assert.Equal(t, contracts.VerdictHold, d.Value)
	assert.InDelta(t, 1108.0, d.WaitRemaining, 1e-9)
	assert.Equal(t, []string{goodKey(t)}, rejected)
}

func TestDecide_SkewedFirstSeenIsCounted(t *testing.T) {
	ctx := context.Background()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer func() { _ = mp.Shutdown(ctx) }()
	rec, err := observability.NewRecorder(mp.Meter("test"))
	require.NoError(t, err)

	reg := firstseen.NewRegistry(firstseen.NewMemoryStore(), firstseen.WithRejectHook(rec.RecordRejection))
	e := newEngine(t, Options{Registry: reg, Recorder: rec})
	_, err = reg.SetFirstSeen(ctx, goodKey(t), 5000)
	require.NoError(t, err)

	for _, now := range []float64{4000, 4500, 5200} {
		_, err := e.Decide(ctx, Request{Intent: goodIntent(), State: contracts.NewRunState(), Now: now})
		require.NoError(t, err)
	}

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	var rejections int64 = -1
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "x108.first_seen.rejections" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok)
			require.Len(t, sum.DataPoints, 1)
			rejections = sum.DataPoints[0].Value
		}
	}
	assert.Equal(t, int64(2), rejections)
}

func TestDecide_ChangedOrderRestartsWait(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, Options{})
	small := goodIntent()
	small.Amount = contracts.Float(0.0001)

	d, err := e.Decide(ctx, Request{Intent: small, State: contracts.NewRunState(), Now: 0})
	require.NoError(t, err)
	require.Equal(t, contracts.VerdictHold, d.Value)

	big := goodIntent()
	big.Amount = contracts.Float(1000)
	d, err = e.Decide(ctx, Request{Intent: big, State: contracts.NewRunState(), Now: 1000})
	require.NoError(t, err)
	assert.Equal(t, contracts.VerdictHold, d.Value)
	assert.Equal(t, contracts.ReasonX108Hold, d.Reason)
	assert.InDelta(t, 108.0, d.WaitRemaining, 1e-9)

	d, err = e.Decide(ctx, Request{Intent: small, State: contracts.NewRunState(), Now: 1000})
	require.NoError(t, err)
	assert.Equal(t, contracts.VerdictExecute, d.Value)
}

func TestDecide_ScopesDoNotShareFirstSeen(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, Options{})

	d, err := e.Decide(ctx, Request{Intent: goodIntent(), State: contracts.NewRunState(), Now: 0, Scope: "mallory"})
	require.NoError(t, err)
	require.Equal(t, contracts.VerdictHold, d.Value)

	d, err = e.Decide(ctx, Request{Intent: goodIntent(), State: contracts.NewRunState(), Now: 1000, Scope: "bob"})
	require.NoError(t, err)
	assert.Equal(t, contracts.VerdictHold, d.Value)
	assert.InDelta(t, 108.0, d.WaitRemaining, 1e-9)

	t0, found, err := e.Registry().GetFirstSeen(ctx, firstseen.ScopedID("bob", goodKey(t)))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 1000.0, t0)

	_, found, err = e.Registry().GetFirstSeen(ctx, goodKey(t))
	require.NoError(t, err)
	assert.False(t, found)
}

func TestDecide_RunSafeMode(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, Options{})

	d, err := e.Decide(ctx, Request{Intent: goodIntent(), State: contracts.NewRunState(), Now: 0, SafeMode: true})
	require.NoError(t, err)
	assert.Equal(t, contracts.VerdictHold, d.Value)
	assert.Equal(t, contracts.ReasonRunSafeMode, d.Reason)
	assert.Equal(t, []string{"gate1_integrity:pass", "gate3_risk:pass", "run_safe_mode:run_safe_mode"}, d.LawsApplied)
	assert.True(t, d.GateDetail.Gate2.Skipped)

	_, found, err := e.Registry().GetFirstSeen(ctx, goodKey(t))
	require.NoError(t, err)
	assert.False(t, found)

	state := contracts.NewRunState()
	state.CooldownRemaining = 2
	d, err = e.Decide(ctx, Request{Intent: goodIntent(), State: state, Now: 0, SafeMode: true})
	require.NoError(t, err)
	assert.Equal(t, contracts.VerdictBlock, d.Value)
	assert.Equal(t, contracts.ReasonCooldown, d.Reason)
}

func TestDecide_Idempotent(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, Options{})
	base := contracts.NewRunState()
	base.EquityCurve = []float64{1.0, 1.02, 1.01}

	req := Request{Intent: goodIntent(), Returns: []float64{0.02, -0.01}, Now: 2000}

	s1 := base.Clone()
	req.State = s1
	d1, err := e.Decide(ctx, req)
	require.NoError(t, err)

	s2 := base.Clone()
	req.State = s2
	d2, err := e.Decide(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, d1, d2)
	assert.Equal(t, s1, s2)
}

func TestDecide_Errors(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, Options{})

	_, err := e.Decide(ctx, Request{Intent: goodIntent(), State: contracts.NewRunState(), Now: math.NaN()})
	assert.ErrorIs(t, err, ErrNonFinite)

	_, err = e.Decide(ctx, Request{Intent: goodIntent(), State: contracts.NewRunState(), Tau: tau(math.Inf(1))})
	assert.ErrorIs(t, err, ErrNonFinite)

	_, err = e.Decide(ctx, Request{Intent: goodIntent(), State: contracts.NewRunState(), Tau: tau(-1)})
	assert.Error(t, err)

	_, err = e.Decide(ctx, Request{Intent: goodIntent(), State: contracts.NewRunState(), Returns: []float64{math.NaN()}})
	assert.ErrorIs(t, err, ErrNonFinite)

	_, err = e.Decide(ctx, Request{Intent: goodIntent()})
	assert.ErrorIs(t, err, ErrNoState)

	_, err = e.Decide(ctx, Request{Intent: goodIntent(), State: &contracts.RunState{}})
	assert.ErrorIs(t, err, contracts.ErrCorruptState)
}

type failingStore struct{ firstseen.MemoryStore }

func (*failingStore) GetFirstSeen(context.Context, string) (float64, bool, error) {
	return 0, false, errors.New("backend down")
}

func TestDecide_RegistryFailureIsError(t *testing.T) {
	e := newEngine(t, Options{Registry: firstseen.NewRegistry(&failingStore{})})
	_, err := e.Decide(context.Background(), Request{Intent: goodIntent(), State: contracts.NewRunState()})
	assert.ErrorContains(t, err, "backend down")
}

func TestSafeHold(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, Options{})
	in := goodIntent()
	in.Irreversible = false

	e.EnterSafeHold(ctx, errors.New("bad yaml"))
	held, why := e.SafeHold()
	assert.True(t, held)
	assert.Equal(t, "bad yaml", why)

	d, err := e.Decide(ctx, Request{Intent: in, State: contracts.NewRunState()})
	require.NoError(t, err)
	assert.Equal(t, contracts.VerdictHold, d.Value)
	assert.Equal(t, contracts.ReasonPolicySafeHold, d.Reason)

	// Malformed intents still block.
	bad := in
	bad.Side = "LONG"
	d, err = e.Decide(ctx, Request{Intent: bad, State: contracts.NewRunState()})
	require.NoError(t, err)
	assert.Equal(t, contracts.VerdictBlock, d.Value)

	require.NoError(t, e.ApplyProfile(ctx, DefaultProfile()))
	held, _ = e.SafeHold()
	assert.False(t, held)
	d, err = e.Decide(ctx, Request{Intent: in, State: contracts.NewRunState()})
	require.NoError(t, err)
	assert.Equal(t, contracts.VerdictExecute, d.Value)
}

func TestApplyProfile_InvalidKeepsPrevious(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, Options{})

	p := DefaultProfile()
	p.Version = "2.0.0"
	p.Killswitch.MaxDrawdown = 0
	assert.ErrorIs(t, e.ApplyProfile(ctx, p), risk.ErrInvalidConfig)

	p = DefaultProfile()
	p.Policies = []policy.Rule{{Name: "broken", Expr: "intent.amount >"}}
	assert.ErrorIs(t, e.ApplyProfile(ctx, p), policy.ErrInvalidRule)

	assert.Equal(t, "1.0.0", e.Profile().Version)

	p = DefaultProfile()
	p.Tau = math.NaN()
	_, err := New(Options{Profile: &p})
	assert.Error(t, err)
}

func TestDecide_Policies(t *testing.T) {
	ctx := context.Background()
	p := DefaultProfile()
	p.Tau = 0
	p.Policies = []policy.Rule{
		{Name: "max-amount", Expr: "intent.amount <= 1.0"},
		{Name: "calm-only", Expr: "features.coherence >= 0.95", OnFail: contracts.VoteHold},
	}
	e := newEngine(t, Options{Profile: &p})

	in := goodIntent()
	in.Coherence = contracts.Float(0.99)
	d, err := e.Decide(ctx, Request{Intent: in, State: contracts.NewRunState()})
	require.NoError(t, err)
	assert.Equal(t, contracts.VerdictExecute, d.Value)
	require.Len(t, d.Policies, 2)

	in.Coherence = contracts.Float(0.5)
	d, err = e.Decide(ctx, Request{Intent: in, State: contracts.NewRunState()})
	require.NoError(t, err)
	assert.Equal(t, contracts.VerdictHold, d.Value)
	assert.Equal(t, "policy_violation:calm-only", d.Reason)

	in.Amount = contracts.Float(5)
	d, err = e.Decide(ctx, Request{Intent: in, State: contracts.NewRunState()})
	require.NoError(t, err)
	assert.Equal(t, contracts.VerdictBlock, d.Value)
	assert.Equal(t, "policy_violation:max-amount", d.Reason)
	assert.True(t, d.Policies[1].Skipped)
}

func TestDecide_CollaboratorsSeeDecisions(t *testing.T) {
	ctx := context.Background()
	log, err := audit.NewLog(ctx)
	require.NoError(t, err)
	sink := &paper.MemorySink{}
	rec := &countingRecorder{}
	e := newEngine(t, Options{Audit: log, Sink: sink, Recorder: rec})

	_, err = e.Decide(ctx, Request{Intent: goodIntent(), State: contracts.NewRunState(), Now: 0})
	require.NoError(t, err)
	d, err := e.Decide(ctx, Request{Intent: goodIntent(), State: contracts.NewRunState(), Now: 200})
	require.NoError(t, err)
	require.Equal(t, contracts.VerdictExecute, d.Value)

	assert.Len(t, log.Entries(), 2)
	require.NoError(t, log.Verify())
	assert.Equal(t, 1, rec.counts[contracts.VerdictHold])
	assert.Equal(t, 1, rec.counts[contracts.VerdictExecute])

	intents := sink.Intents()
	require.Len(t, intents, 1)
	assert.Equal(t, d.ID, intents[0].DecisionID)
	assert.Equal(t, "ERC-8004", intents[0].Standard)
}

func TestSession_SerializesState(t *testing.T) {
	ctx := context.Background()
	p := DefaultProfile()
	p.Killswitch = risk.Config{MaxDrawdown: 0.5, MaxVolatility: 1, MaxConsecutiveLosses: 2, CooldownSteps: 3}
	e := newEngine(t, Options{Profile: &p})
	s := e.NewSession(nil)

	in := goodIntent()
	in.Irreversible = false

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := s.Decide(ctx, Request{Intent: in, Now: 1})
			assert.NoError(t, err)
			assert.Equal(t, contracts.VerdictExecute, d.Value)
		}()
	}
	wg.Wait()

	s.RecordFill(10, -0.01)
	s.RecordFill(11, -0.01)
	assert.Equal(t, 2, s.State().ConsecutiveLosses)
	assert.Equal(t, 11.0, s.State().LastInvestTimestamp)

	d, err := s.Decide(ctx, Request{Intent: in, Now: 12})
	require.NoError(t, err)
	assert.Equal(t, contracts.ReasonKillLosses, d.Reason)
	assert.Equal(t, 3, s.State().CooldownRemaining)

	s.Tick()
	d, err = s.Decide(ctx, Request{Intent: in, Now: 13})
	require.NoError(t, err)
	assert.Equal(t, contracts.ReasonCooldown, d.Reason)
	assert.Equal(t, 2, s.State().CooldownRemaining)
}
