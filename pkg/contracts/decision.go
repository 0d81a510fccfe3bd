// Package contracts defines the values exchanged between the gates, the
// decision engine and its external callers.
package contracts

import "fmt"

// Vote is a single gate's output in the three-level lattice BLOCK > HOLD > ALLOW.
type Vote string

// Vote constants.
const (
	VoteAllow Vote = "ALLOW"
	VoteHold  Vote = "HOLD"
	VoteBlock Vote = "BLOCK"
)

// Rank orders votes by severity. Unknown votes rank as BLOCK so that a
// malformed vote can never weaken a composition.
func (v Vote) Rank() int {
	switch v {
	case VoteAllow:
		return 0
	case VoteHold:
		return 1
	default:
		return 2
	}
}

// Valid reports whether v is one of the three lattice values.
func (v Vote) Valid() bool {
	return v == VoteAllow || v == VoteHold || v == VoteBlock
}

// Verdict is the final outcome of the decision engine.
type Verdict string

// Verdict constants.
const (
	VerdictExecute Verdict = "EXECUTE"
	VerdictHold    Verdict = "HOLD"
	VerdictBlock   Verdict = "BLOCK"
)

// VerdictFromVote maps the composition lattice onto engine terminology.
func VerdictFromVote(v Vote) Verdict {
	switch v {
	case VoteAllow:
		return VerdictExecute
	case VoteHold:
		return VerdictHold
	default:
		return VerdictBlock
	}
}

// Reason codes. These strings are matched by exporters, notifications and
// audit consumers and must not change.
const (
	ReasonPass                  = "pass"
	ReasonX108Hold              = "x108_hold"
	ReasonX108LowCoherence      = "x108_low_coherence"
	ReasonKillDrawdown          = "kill_drawdown"
	ReasonKillVolatility        = "kill_volatility"
	ReasonKillLosses            = "kill_losses"
	ReasonCooldown              = "cooldown"
	ReasonMissingFieldsPrefix   = "invalid_intent_missing_fields:"
	ReasonInvalidSide           = "invalid_intent_side"
	ReasonInvalidAmount         = "invalid_intent_amount"
	ReasonInvalidCoherence      = "invalid_intent_coherence"
	ReasonSimulationDestructive = "simulation_destructive"
	ReasonPolicySafeHold        = "policy_safe_hold"
	ReasonRunSafeMode           = "run_safe_mode"
	ReasonPolicyViolationPrefix = "policy_violation:"
	ReasonSkipped               = "skipped"
)

// Gate names used in GateResult and audit records.
const (
	GateIntegrity = "integrity"
	GateTemporal  = "temporal"
	GateRisk      = "risk"
)

// GateResult is the uniform output of every gate.
type GateResult struct {
	Gate    string `json:"gate"`
	OK      bool   `json:"ok"`
	Reason  string `json:"reason"`
	Vote    Vote   `json:"vote"`
	Skipped bool   `json:"skipped,omitempty"`
}

// Pass builds a successful result for the named gate.
func Pass(gate string) GateResult {
	return GateResult{Gate: gate, OK: true, Reason: ReasonPass, Vote: VoteAllow}
}

// Fail builds a failed result carrying the gate's failure class.
func Fail(gate string, class Vote, reason string) GateResult {
	return GateResult{Gate: gate, OK: false, Reason: reason, Vote: class}
}

// Skip marks a gate that was not evaluated because an earlier gate decided.
func Skip(gate string) GateResult {
	return GateResult{Gate: gate, OK: false, Reason: ReasonSkipped, Vote: VoteAllow, Skipped: true}
}

// GateDetail keeps the per-gate results under their historical names:
// gate1 integrity, gate2 X-108 temporal, gate3 risk killswitch.
type GateDetail struct {
	Gate1 GateResult `json:"gate1"`
	Gate2 GateResult `json:"gate2"`
	Gate3 GateResult `json:"gate3"`
}

// Decision is the immutable result of one evaluation.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type Decision struct {
	ID            string       `json:"id"`
	Value         Verdict      `json:"decision"`
	Reason        string       `json:"reason"`
	GateDetail    GateDetail   `json:"gates"`
	Policies      []GateResult `json:"policies,omitempty"`
	LawsApplied   []string     `json:"laws"`
	WaitRemaining float64      `json:"wait_remaining"`
	IntentKey     string       `json:"intent_key"`
	EvaluatedAt   float64      `json:"evaluated_at"`
}

// Executable reports whether the decision authorises the action.
func (d Decision) Executable() bool {
	return d.Value == VerdictExecute
}

// String implements fmt.Stringer.
func (d Decision) String() string {
	return fmt.Sprintf("%s(%s)", d.Value, d.Reason)
}
