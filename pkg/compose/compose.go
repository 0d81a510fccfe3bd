// Package compose implements the gate algebra: BLOCK dominates HOLD, which
// dominates ALLOW. Composition is associative, commutative and idempotent,
// with ALLOW as identity, so a gate set can be combined in any order.
package compose

import (
	"context"
	"fmt"

	"github.com/obsidia-labs/x108/pkg/contracts"
)

// Input is everything a gate may look at. Gates must treat it as read-only,
// except the risk gate which owns the cooldown assignment on State.
type Input struct {
	Intent     contracts.Intent
	Features   contracts.Features
	Simulation contracts.SimulationSummary
	State      *contracts.RunState
	Returns    []float64
	// FirstSeen and Now are seconds; elapsed time is Now - FirstSeen.
	FirstSeen float64
	Now       float64
}

// Gate is the capability shared by every gate kind.
type Gate interface {
	Name() string
	Evaluate(ctx context.Context, in *Input) (contracts.GateResult, error)
}

// Join combines two votes.
func Join(a, b contracts.Vote) contracts.Vote {
	if a.Rank() >= b.Rank() {
		return normalize(a)
	}
	return normalize(b)
}

// Compose folds a vote set. The empty set composes to ALLOW.
func Compose(votes ...contracts.Vote) contracts.Vote {
	out := contracts.VoteAllow
	for _, v := range votes {
		out = Join(out, v)
		if out == contracts.VoteBlock {
			return out
		}
	}
	return out
}

// normalize maps unknown votes to BLOCK so they can't weaken the result.
func normalize(v contracts.Vote) contracts.Vote {
	if v.Valid() {
		return v
	}
	return contracts.VoteBlock
}

// Outcome is the result of running a gate chain.
type Outcome struct {
	Vote    contracts.Vote
	Results []contracts.GateResult
	// Decisive is the first result carrying the composed vote, if any gate failed.
	Decisive *contracts.GateResult
}

// Chain evaluates gates in order and composes their votes. Evaluation stops at
// the first BLOCK; remaining gates are reported as skipped.
func Chain(ctx context.Context, gates []Gate, in *Input) (Outcome, error) {
	out := Outcome{Vote: contracts.VoteAllow, Results: make([]contracts.GateResult, 0, len(gates))}
	for i, g := range gates {
		res, err := g.Evaluate(ctx, in)
		if err != nil {
			return Outcome{}, fmt.Errorf("gate %s: %w", g.Name(), err)
		}
		if res.Gate == "" {
			res.Gate = g.Name()
		}
		out.Results = append(out.Results, res)
		out.Vote = Join(out.Vote, res.Vote)

		if out.Vote == contracts.VoteBlock {
			for _, rest := range gates[i+1:] {
				out.Results = append(out.Results, contracts.Skip(rest.Name()))
			}
			break
		}
	}
	for i := range out.Results {
		r := out.Results[i]
		if !r.Skipped && !r.OK && r.Vote == out.Vote {
			out.Decisive = &out.Results[i]
			break
		}
	}
	return out, nil
}
