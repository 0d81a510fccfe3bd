package contracts

// SimVerdict classifies a projected simulation.
type SimVerdict string

// SimVerdict constants.
const (
	SimOK          SimVerdict = "OK"
	SimUncertain   SimVerdict = "UNCERTAIN"
	SimDestructive SimVerdict = "DESTRUCTIVE"
)

// SimulationSummary is the projection produced by the (external) simulation
// layer. Only the verdict influences the decision.
type SimulationSummary struct {
	Mu      float64    `json:"mu"`
	Sigma   float64    `json:"sigma"`
	PDD     float64    `json:"p_dd"`
	PRuin   float64    `json:"p_ruin"`
	CVaR95  float64    `json:"cvar_95"`
	Verdict SimVerdict `json:"verdict,omitempty"`
}

// Classify returns the explicit verdict, or derives one from the ruin and
// drawdown probabilities when the producer left it empty.
func (s SimulationSummary) Classify() SimVerdict {
	if s.Verdict != "" {
		return s.Verdict
	}
	switch {
	case s.PRuin > 0.10 || s.PDD > 0.25:
		return SimDestructive
	case s.PRuin > 0.05 || s.PDD > 0.15:
		return SimUncertain
	default:
		return SimOK
	}
}

// Regime labels the recent return trend.
type Regime string

// Regime constants.
const (
	RegimeUnknown   Regime = "unknown"
	RegimeTrendUp   Regime = "trend_up"
	RegimeTrendDown Regime = "trend_down"
	RegimeRange     Regime = "range"
)

// Features summarises recent market behaviour for the gates.
type Features struct {
	Volatility float64 `json:"volatility"`
	Coherence  float64 `json:"coherence"`
	Friction   float64 `json:"friction"`
	Regime     Regime  `json:"regime"`
}
