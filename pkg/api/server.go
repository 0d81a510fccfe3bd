// Package api exposes the gating engine over JSON HTTP.
//
// Each run_id owns one engine Session, so concurrent requests for the same
// run are serialized while different runs proceed in parallel.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/obsidia-labs/x108/pkg/contracts"
	"github.com/obsidia-labs/x108/pkg/engine"
	"github.com/obsidia-labs/x108/pkg/firstseen"
	"github.com/obsidia-labs/x108/pkg/temporal"
)

const maxBodyBytes = 1 << 20

// DecideRequest is the body of POST /v1/decide.
type DecideRequest struct {
	RunID      string                      `json:"run_id"`
	Intent     contracts.Intent            `json:"intent"`
	Features   *contracts.Features         `json:"features,omitempty"`
	Simulation contracts.SimulationSummary `json:"simulation"`
	Returns    []float64                   `json:"returns,omitempty"`
	Tau        *float64                    `json:"tau_seconds,omitempty"`
	// Now is honored only within the client clock skew allowed by
	// WithClientClock. Otherwise the server clock decides.
	Now *float64 `json:"now,omitempty"`
}

// FillRequest is the body of POST /v1/runs/{run}/fill.
type FillRequest struct {
	Timestamp float64 `json:"timestamp"`
	PnL       float64 `json:"pnl"`
}

// FirstSeenResponse is the body of GET /v1/first-seen/{id}.
type FirstSeenResponse struct {
	ID        string  `json:"id"`
	FirstSeen float64 `json:"first_seen"`
}

// Server routes HTTP requests to the engine.
type Server struct {
	engine *engine.Engine
	clock  temporal.Clock
	skew   float64
	auth   *JWTValidator
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*engine.Session
}

// Option configures a Server.
type Option func(*Server)

// WithClock sets the server clock.
func WithClock(c temporal.Clock) Option {
	return func(s *Server) { s.clock = c }
}

// WithClientClock lets a request's now stand in for the server clock when the
// two differ by at most maxSkew. Zero, the default, ignores client clocks.
func WithClientClock(maxSkew time.Duration) Option {
	return func(s *Server) { s.skew = maxSkew.Seconds() }
}

// WithAuth requires bearer tokens checked by v. Runs are then scoped to the
// token subject. A nil validator leaves the API open.
func WithAuth(v *JWTValidator) Option {
	return func(s *Server) { s.auth = v }
}

// NewServer builds a server around e.
func NewServer(e *engine.Engine, opts ...Option) *Server {
	s := &Server{
		engine:   e,
		clock:    temporal.WallClock{},
		logger:   slog.Default().With("component", "api"),
		sessions: make(map[string]*engine.Session),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the routed handler, wrapped in rl when it is non-nil.
func (s *Server) Handler(rl *RateLimiter) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("POST /v1/decide", s.handleDecide)
	mux.HandleFunc("GET /v1/first-seen/{id}", s.handleFirstSeen)
	mux.HandleFunc("GET /v1/runs/{run}", s.handleRunState)
	mux.HandleFunc("POST /v1/runs/{run}/fill", s.handleFill)
	mux.HandleFunc("POST /v1/runs/{run}/tick", s.handleTick)

	var h http.Handler = mux
	if s.auth != nil {
		h = authMiddleware(s.auth, h)
	}
	if rl != nil {
		h = rl.Middleware(h)
	}
	return h
}

func (s *Server) session(r *http.Request, run string, create bool) *engine.Session {
	if sub := SubjectFrom(r.Context()); sub != "" {
		run = sub + "/" + run
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[run]
	if !ok && create {
		sess = s.engine.NewSession(nil)
		s.sessions[run] = sess
	}
	return sess
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	held, cause := s.engine.SafeHold()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"profile":   s.engine.Profile().Version,
		"safe_hold": held,
		"cause":     cause,
	})
}

func (s *Server) handleDecide(w http.ResponseWriter, r *http.Request) {
	var req DecideRequest
	if !decode(w, r, &req) {
		return
	}
	if req.RunID == "" {
		WriteBadRequest(w, r, "run_id is required")
		return
	}

	d, err := s.session(r, req.RunID, true).Decide(r.Context(), engine.Request{
		Intent:     req.Intent,
		Features:   req.Features,
		Simulation: req.Simulation,
		Returns:    req.Returns,
		Tau:        req.Tau,
		Now:        s.now(r, req.Now),
		Scope:      SubjectFrom(r.Context()),
	})
	switch {
	case errors.Is(err, engine.ErrNonFinite), errors.Is(err, temporal.ErrInvalidMinWait):
		WriteBadRequest(w, r, err.Error())
		return
	case err != nil:
		WriteInternal(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// now is the evaluation time of a request. A client clock outside the
// allowed skew is ignored.
func (s *Server) now(r *http.Request, client *float64) float64 {
	now := temporal.Seconds(s.clock.Now())
	if client == nil {
		return now
	}
	if math.Abs(*client-now) <= s.skew {
		return *client
	}
	s.logger.WarnContext(r.Context(), "client clock ignored",
		"client_now", *client, "server_now", now, "max_skew", s.skew)
	return now
}

func (s *Server) handleFirstSeen(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	key := firstseen.ScopedID(SubjectFrom(r.Context()), id)
	t0, found, err := s.engine.Registry().GetFirstSeen(r.Context(), key)
	switch {
	case errors.Is(err, firstseen.ErrInvalidID):
		WriteBadRequest(w, r, err.Error())
		return
	case err != nil:
		WriteInternal(w, r, err)
		return
	case !found:
		WriteNotFound(w, r, fmt.Sprintf("intent %q has not been seen", id))
		return
	}
	writeJSON(w, http.StatusOK, FirstSeenResponse{ID: id, FirstSeen: t0})
}

func (s *Server) handleRunState(w http.ResponseWriter, r *http.Request) {
	sess := s.session(r, r.PathValue("run"), false)
	if sess == nil {
		WriteNotFound(w, r, "unknown run")
		return
	}
	writeJSON(w, http.StatusOK, sess.State())
}

func (s *Server) handleFill(w http.ResponseWriter, r *http.Request) {
	var req FillRequest
	if !decode(w, r, &req) {
		return
	}
	sess := s.session(r, r.PathValue("run"), false)
	if sess == nil {
		WriteNotFound(w, r, "unknown run")
		return
	}
	sess.RecordFill(req.Timestamp, req.PnL)
	writeJSON(w, http.StatusOK, sess.State())
}

func (s *Server) handleTick(w http.ResponseWriter, r *http.Request) {
	sess := s.session(r, r.PathValue("run"), false)
	if sess == nil {
		WriteNotFound(w, r, "unknown run")
		return
	}
	sess.Tick()
	writeJSON(w, http.StatusOK, sess.State())
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		WriteBadRequest(w, r, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}
