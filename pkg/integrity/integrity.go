// Package integrity validates the structure of an intent before any other
// gate looks at it.
package integrity

import (
	"context"
	"math"
	"strings"

	"github.com/obsidia-labs/x108/pkg/compose"
	"github.com/obsidia-labs/x108/pkg/contracts"
)

// RequiredFields lists the intent fields that must be present, in the order
// they are reported.
var RequiredFields = []string{"asset", "side", "amount", "timestamp", "coherence"}

// Validate checks an intent and returns the first failing rule in the order
// missing fields, side, amount, coherence. It never mutates the intent.
func Validate(intent contracts.Intent) contracts.GateResult {
	if missing := Missing(intent); len(missing) > 0 {
		return fail(contracts.ReasonMissingFieldsPrefix + strings.Join(missing, ","))
	}
	if !intent.Side.Valid() {
		return fail(contracts.ReasonInvalidSide)
	}
	// Written as negated comparisons so NaN fails.
	if !(*intent.Amount > 0) || math.IsInf(*intent.Amount, 0) {
		return fail(contracts.ReasonInvalidAmount)
	}
	if c := *intent.Coherence; !(c >= 0 && c <= 1) {
		return fail(contracts.ReasonInvalidCoherence)
	}
	return contracts.Pass(contracts.GateIntegrity)
}

// Missing returns the absent required fields in RequiredFields order. A
// non-finite timestamp counts as absent.
func Missing(intent contracts.Intent) []string {
	var missing []string
	present := map[string]bool{
		"asset":     intent.Asset != "",
		"side":      intent.Side != "",
		"amount":    intent.Amount != nil,
		"timestamp": intent.Timestamp != nil && !math.IsNaN(*intent.Timestamp) && !math.IsInf(*intent.Timestamp, 0),
		"coherence": intent.Coherence != nil,
	}
	for _, f := range RequiredFields {
		if !present[f] {
			missing = append(missing, f)
		}
	}
	return missing
}

func fail(reason string) contracts.GateResult {
	return contracts.Fail(contracts.GateIntegrity, contracts.VoteBlock, reason)
}

// Gate adapts Validate to compose.Gate.
type Gate struct{}

// Name implements compose.Gate.
func (Gate) Name() string { return contracts.GateIntegrity }

// Evaluate implements compose.Gate.
func (Gate) Evaluate(_ context.Context, in *compose.Input) (contracts.GateResult, error) {
	return Validate(in.Intent), nil
}
