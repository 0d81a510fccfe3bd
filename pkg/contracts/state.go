package contracts

import (
	"errors"
	"fmt"
	"math"
)

// ErrCorruptState is returned when a RunState violates its invariants.
var ErrCorruptState = errors.New("run state corrupt")

// RunState is the mutable per-run bookkeeping shared by sequential decisions
// of one agent. It has a single writer: concurrent decisions for the same run
// must be serialized by the owner (see engine.Session).
type RunState struct {
	LastInvestTimestamp float64   `json:"last_invest_ts"`
	EquityCurve         []float64 `json:"equity_curve"`
	ConsecutiveLosses   int       `json:"consecutive_losses"`
	CooldownRemaining   int       `json:"cooldown_remaining"`
}

// NewRunState returns a state with the baseline equity of 1.0.
func NewRunState() *RunState {
	return &RunState{EquityCurve: []float64{1.0}}
}

// Validate checks the structural invariants of the state.
func (s *RunState) Validate() error {
	if s == nil {
		return fmt.Errorf("%w: nil state", ErrCorruptState)
	}
	if len(s.EquityCurve) == 0 {
		return fmt.Errorf("%w: empty equity curve", ErrCorruptState)
	}
	for i, v := range s.EquityCurve {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: equity[%d] is not finite", ErrCorruptState, i)
		}
	}
	if s.ConsecutiveLosses < 0 {
		return fmt.Errorf("%w: negative consecutive losses", ErrCorruptState)
	}
	if s.CooldownRemaining < 0 {
		return fmt.Errorf("%w: negative cooldown", ErrCorruptState)
	}
	return nil
}

// Tick advances the cooldown by one caller-driven step. It never goes below zero.
func (s *RunState) Tick() {
	if s.CooldownRemaining > 0 {
		s.CooldownRemaining--
	}
}

// Equity returns the latest equity value.
func (s *RunState) Equity() float64 {
	if len(s.EquityCurve) == 0 {
		return 1.0
	}
	return s.EquityCurve[len(s.EquityCurve)-1]
}

// RecordStep appends the equity after a step with the given PnL fraction and
// maintains the consecutive loss streak.
func (s *RunState) RecordStep(pnl float64) {
	s.EquityCurve = append(s.EquityCurve, s.Equity()*(1.0+pnl))
	if pnl < 0 {
		s.ConsecutiveLosses++
	} else {
		s.ConsecutiveLosses = 0
	}
}

// Clone returns a deep copy of the state.
func (s *RunState) Clone() *RunState {
	c := *s
	c.EquityCurve = append([]float64(nil), s.EquityCurve...)
	return &c
}
