// Package temporal implements the X-108 temporal lock: irreversible actions
// must wait a minimum time tau after their first observation before they may
// act.
//
// The gate is a pure function of (elapsed, irreversible, min wait). Negative
// elapsed time (clock skew, or a first-seen timestamp in the future) is
// treated conservatively and always holds.
package temporal

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/obsidia-labs/x108/pkg/compose"
	"github.com/obsidia-labs/x108/pkg/contracts"
)

// DefaultMinWait is the canonical X-108 wait in seconds.
const DefaultMinWait = 108.0

// DefaultCoherenceThreshold is the minimum feature coherence required to act.
const DefaultCoherenceThreshold = 0.3

var (
	// ErrNonFinite is returned for NaN or infinite inputs.
	ErrNonFinite = errors.New("x108: non-finite input")
	// ErrInvalidMinWait is returned for a negative minimum wait.
	ErrInvalidMinWait = errors.New("x108: min wait must be >= 0")
)

// Action is the temporal gate's decision.
type Action int

const (
	// ActionHold means the wait is not satisfied; re-evaluate later.
	ActionHold Action = iota
	// ActionAct means the action may proceed.
	ActionAct
)

// String implements fmt.Stringer for Action.
func (a Action) String() string {
	switch a {
	case ActionHold:
		return "HOLD"
	case ActionAct:
		return "ACT"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(a))
	}
}

// MarshalText renders the action by name.
func (a Action) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// Result is the outcome of one temporal check.
type Result struct {
	Decision      Action  `json:"decision"`
	WaitRemaining float64 `json:"wait_remaining"`
	Reason        string  `json:"reason"`
}

// Check decides whether an action observed elapsed seconds ago may act.
//
// Reversible actions bypass the lock. Irreversible actions act iff
// elapsed >= minWait; otherwise they hold with the exact deficit as the
// remaining wait, which is strictly positive even for negative elapsed.
func Check(elapsed float64, irreversible bool, minWait float64) (Result, error) {
	if !finite(elapsed) || !finite(minWait) {
		return Result{}, ErrNonFinite
	}
	if minWait < 0 {
		return Result{}, fmt.Errorf("%w: got %g", ErrInvalidMinWait, minWait)
	}

	if !irreversible {
		return Result{
			Decision: ActionAct,
			Reason:   "Reversible action; X108 bypass.",
		}, nil
	}
	if elapsed >= minWait {
		return Result{
			Decision: ActionAct,
			Reason:   fmt.Sprintf("X108 satisfied (elapsed=%.2fs >= %.2fs).", elapsed, minWait),
		}, nil
	}

	wait := minWait - elapsed
	reason := fmt.Sprintf("X108 HOLD: need +%.2fs (elapsed=%.2fs, min=%.2fs).", wait, elapsed, minWait)
	if elapsed < 0 {
		reason += " Negative elapsed time (clock skew)."
	}
	return Result{Decision: ActionHold, WaitRemaining: wait, Reason: reason}, nil
}

// Elapsed returns now - firstSeen in seconds.
func Elapsed(firstSeen, now float64) float64 {
	return now - firstSeen
}

// Gate binds the lock to a fixed minimum wait and coherence floor so it can
// take part in gate composition. A zero coherence threshold disables the
// coherence check.
type Gate struct {
	MinWait            float64
	CoherenceThreshold float64
}

// NewGate validates the parameters and returns a gate.
func NewGate(minWait, coherenceThreshold float64) (*Gate, error) {
	if !finite(minWait) || !finite(coherenceThreshold) {
		return nil, ErrNonFinite
	}
	if minWait < 0 {
		return nil, fmt.Errorf("%w: got %g", ErrInvalidMinWait, minWait)
	}
	return &Gate{MinWait: minWait, CoherenceThreshold: coherenceThreshold}, nil
}

// Name implements compose.Gate.
func (g *Gate) Name() string { return contracts.GateTemporal }

// Evaluate implements compose.Gate.
func (g *Gate) Evaluate(_ context.Context, in *compose.Input) (contracts.GateResult, error) {
	_, res, err := g.Assess(Elapsed(in.FirstSeen, in.Now), in.Intent.Irreversible, in.Features.Coherence)
	return res, err
}

// Assess runs the lock and then the coherence floor. The wait is checked
// first: a held action reports x108_hold even when coherence is also low.
func (g *Gate) Assess(elapsed float64, irreversible bool, coherence float64) (Result, contracts.GateResult, error) {
	r, err := Check(elapsed, irreversible, g.MinWait)
	if err != nil {
		return Result{}, contracts.GateResult{}, err
	}
	if r.Decision == ActionHold {
		return r, contracts.Fail(contracts.GateTemporal, contracts.VoteHold, contracts.ReasonX108Hold), nil
	}
	if coherence < g.CoherenceThreshold || math.IsNaN(coherence) {
		return r, contracts.Fail(contracts.GateTemporal, contracts.VoteHold, contracts.ReasonX108LowCoherence), nil
	}
	return r, contracts.Pass(contracts.GateTemporal), nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// Clock provides the time used to compute elapsed seconds. Tests and replays
// inject a fixed clock; the engine itself only sees the resulting seconds.
type Clock interface {
	Now() time.Time
}

// WallClock reads the system clock.
type WallClock struct{}

// Now implements Clock.
func (WallClock) Now() time.Time { return time.Now() }

// Seconds converts a time to floating-point Unix seconds.
func Seconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}
