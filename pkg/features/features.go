// Package features derives the deterministic market features the gates
// consume from a return series.
package features

import (
	"math"

	"github.com/obsidia-labs/x108/pkg/contracts"
	"github.com/obsidia-labs/x108/pkg/risk"
)

// Windows used by Extract.
const (
	VolatilityWindow = 20
	RegimeWindow     = 50
)

// regimeZ is the |mean/std| above which the series is trending.
const regimeZ = 0.2

// Extract computes volatility, coherence, friction and regime.
func Extract(returns []float64) contracts.Features {
	vol := risk.Volatility(returns, VolatilityWindow)
	return contracts.Features{
		Volatility: vol,
		Coherence:  CoherenceFromVol(vol),
		Friction:   FrictionFromVol(vol),
		Regime:     RegimeFromReturns(returns, RegimeWindow),
	}
}

// CoherenceFromVol maps volatility into [0,1], high when the market is calm.
func CoherenceFromVol(vol float64) float64 {
	return clamp01(1.0 - 10.0*vol)
}

// FrictionFromVol maps volatility into [0,1], high when the market is choppy.
func FrictionFromVol(vol float64) float64 {
	return clamp01(10.0 * vol)
}

// RegimeFromReturns labels the trend of the last window returns by the
// z-score of their mean.
func RegimeFromReturns(returns []float64, window int) contracts.Regime {
	if len(returns) < 2 {
		return contracts.RegimeUnknown
	}
	if len(returns) > window {
		returns = returns[len(returns)-window:]
	}
	var mu float64
	for _, r := range returns {
		mu += r
	}
	mu /= float64(len(returns))
	z := mu / (risk.Volatility(returns, 0) + 1e-12)
	switch {
	case z > regimeZ:
		return contracts.RegimeTrendUp
	case z < -regimeZ:
		return contracts.RegimeTrendDown
	default:
		return contracts.RegimeRange
	}
}

// Returns converts a price series into simple returns p[i]/p[i-1] - 1.
// Non-positive prices yield a zero return for that step.
func Returns(prices []float64) []float64 {
	if len(prices) < 2 {
		return nil
	}
	out := make([]float64, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		if prices[i-1] > 0 {
			out[i-1] = prices[i]/prices[i-1] - 1.0
		}
	}
	return out
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(1, v))
}
