package engine

import (
	"context"
	"sync"

	"github.com/obsidia-labs/x108/pkg/contracts"
)

// Session owns one RunState and serializes every read and write of it, so
// concurrent requests for the same run never interleave.
type Session struct {
	engine *Engine

	mu    sync.Mutex
	state *contracts.RunState
}

// NewSession starts a run. A nil state starts from NewRunState.
func (e *Engine) NewSession(state *contracts.RunState) *Session {
	if state == nil {
		state = contracts.NewRunState()
	}
	return &Session{engine: e, state: state}
}

// Decide evaluates req against the session state. req.State is ignored.
func (s *Session) Decide(ctx context.Context, req Request) (contracts.Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req.State = s.state
	return s.engine.Decide(ctx, req)
}

// Tick advances the cooldown by one step.
func (s *Session) Tick() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Tick()
}

// RecordFill books an executed step: the investment time moves to ts and
// the equity curve and loss streak absorb pnl.
func (s *Session) RecordFill(ts, pnl float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.LastInvestTimestamp = ts
	s.state.RecordStep(pnl)
}

// State returns a copy of the current state.
func (s *Session) State() *contracts.RunState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Clone()
}
