package engine

import (
	"fmt"

	"github.com/obsidia-labs/x108/pkg/compose"
	"github.com/obsidia-labs/x108/pkg/policy"
	"github.com/obsidia-labs/x108/pkg/risk"
	"github.com/obsidia-labs/x108/pkg/temporal"
)

// Profile is the tunable part of the engine: everything an operator can
// hot-reload without restarting.
type Profile struct {
	Version            string        `json:"version"`
	Tau                float64       `json:"tau_seconds"`
	CoherenceThreshold float64       `json:"coherence_threshold"`
	Killswitch         risk.Config   `json:"killswitch"`
	Policies           []policy.Rule `json:"policies,omitempty"`
}

// DefaultProfile is the canonical X-108 trading profile.
func DefaultProfile() Profile {
	return Profile{
		Version:            "1.0.0",
		Tau:                temporal.DefaultMinWait,
		CoherenceThreshold: temporal.DefaultCoherenceThreshold,
		Killswitch:         risk.DefaultConfig(),
	}
}

// compiled is a validated profile ready for evaluation.
type compiled struct {
	profile  Profile
	risk     *risk.Gate
	temporal *temporal.Gate
	policies []compose.Gate
}

func compile(p Profile, eval *policy.Evaluator) (*compiled, error) {
	tg, err := temporal.NewGate(p.Tau, p.CoherenceThreshold)
	if err != nil {
		return nil, fmt.Errorf("profile %s: temporal: %w", p.Version, err)
	}
	rg, err := risk.NewGate(p.Killswitch)
	if err != nil {
		return nil, fmt.Errorf("profile %s: %w", p.Version, err)
	}
	gates, err := eval.Compile(p.Policies)
	if err != nil {
		return nil, fmt.Errorf("profile %s: %w", p.Version, err)
	}
	chain := make([]compose.Gate, len(gates))
	for i, g := range gates {
		chain[i] = g
	}
	return &compiled{profile: p, risk: rg, temporal: tg, policies: chain}, nil
}
