// Package firstseen is the write-once registry that anchors the X-108 clock.
//
// Each intent id maps to the timestamp t0 at which it was first observed.
// Once set, t0 never moves: a rewrite within Epsilon is an idempotent
// success, and any other value is rejected without mutating the record.
// A rejected rewrite is a normal outcome (false), not an error; errors are
// reserved for invalid input and backend failures.
package firstseen

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/url"
)

// Epsilon is the tolerance, in seconds, under which a rewrite of t0 is
// considered identical to the stored value.
const Epsilon = 1e-9

var (
	// ErrInvalidID is returned for an empty intent id.
	ErrInvalidID = errors.New("firstseen: intent id must not be empty")
	// ErrNonFinite is returned for a NaN or infinite timestamp.
	ErrNonFinite = errors.New("firstseen: timestamp must be finite")
	// ErrVanished is returned when a record disappears between write and read.
	ErrVanished = errors.New("firstseen: record missing after write")
)

// Store is the contract every backend implements.
type Store interface {
	// SetFirstSeen records t0 for id if absent. It returns true when the
	// stored value equals ts within Epsilon after the call.
	SetFirstSeen(ctx context.Context, id string, ts float64) (bool, error)
	// GetFirstSeen returns the stored t0 and whether it exists.
	GetFirstSeen(ctx context.Context, id string) (float64, bool, error)
}

// Same reports whether two timestamps are equal within Epsilon.
func Same(a, b float64) bool {
	return math.Abs(a-b) <= Epsilon
}

func validate(id string, ts float64) error {
	if id == "" {
		return ErrInvalidID
	}
	if math.IsNaN(ts) || math.IsInf(ts, 0) {
		return fmt.Errorf("%w: %v", ErrNonFinite, ts)
	}
	return nil
}

// ScopedID namespaces id under scope, so tenants never share a t0. The scope
// is escaped and cannot contain the separator. An empty scope leaves id
// unchanged.
func ScopedID(scope, id string) string {
	if scope == "" {
		return id
	}
	return url.PathEscape(scope) + "/" + id
}

// Registry layers lookup-or-register semantics on top of a Store and
// reports rejected rewrites.
type Registry struct {
	store    Store
	logger   *slog.Logger
	onReject func(ctx context.Context, id string)
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(l *slog.Logger) RegistryOption {
	return func(r *Registry) { r.logger = l }
}

// WithRejectHook is called whenever a differing rewrite is refused and
// whenever a stored t0 lies ahead of the caller's clock.
func WithRejectHook(fn func(ctx context.Context, id string)) RegistryOption {
	return func(r *Registry) { r.onReject = fn }
}

// NewRegistry wraps store.
func NewRegistry(store Store, opts ...RegistryOption) *Registry {
	r := &Registry{
		store:  store,
		logger: slog.Default().With("component", "firstseen"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Store returns the underlying backend.
func (r *Registry) Store() Store { return r.store }

// SetFirstSeen delegates to the store and reports rejections.
func (r *Registry) SetFirstSeen(ctx context.Context, id string, ts float64) (bool, error) {
	ok, err := r.store.SetFirstSeen(ctx, id, ts)
	if err != nil {
		return false, err
	}
	if !ok {
		r.logger.WarnContext(ctx, "first-seen rewrite rejected", "intent_id", id, "ts", ts)
		if r.onReject != nil {
			r.onReject(ctx, id)
		}
	}
	return ok, nil
}

// GetFirstSeen delegates to the store.
func (r *Registry) GetFirstSeen(ctx context.Context, id string) (float64, bool, error) {
	return r.store.GetFirstSeen(ctx, id)
}

// EnsureFirstSeen returns the stored t0 for id, registering now when absent.
// Concurrent callers for the same id all observe the single winning value.
// A stored t0 later than now is returned unchanged and reported through the
// reject hook.
func (r *Registry) EnsureFirstSeen(ctx context.Context, id string, now float64) (float64, error) {
	if err := validate(id, now); err != nil {
		return 0, err
	}
	t0, ok, err := r.store.GetFirstSeen(ctx, id)
	if err != nil {
		return 0, fmt.Errorf("lookup first-seen: %w", err)
	}
	if ok {
		r.checkAhead(ctx, id, t0, now)
		return t0, nil
	}

	// A lost registration race is reported like any refused rewrite; the
	// winner is read back below.
	if _, err := r.SetFirstSeen(ctx, id, now); err != nil {
		return 0, fmt.Errorf("register first-seen: %w", err)
	}
	t0, ok, err = r.store.GetFirstSeen(ctx, id)
	if err != nil {
		return 0, fmt.Errorf("lookup first-seen: %w", err)
	}
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrVanished, id)
	}
	r.logger.DebugContext(ctx, "first-seen registered", "intent_id", id, "t0", t0)
	return t0, nil
}

func (r *Registry) checkAhead(ctx context.Context, id string, t0, now float64) {
	if t0 <= now+Epsilon {
		return
	}
	r.logger.WarnContext(ctx, "stored first-seen is ahead of the clock", "intent_id", id, "t0", t0, "now", now)
	if r.onReject != nil {
		r.onReject(ctx, id)
	}
}
