package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/obsidia-labs/x108/pkg/contracts"
)

// Recorder turns gate outcomes into metrics.
type Recorder struct {
	decisions  metric.Int64Counter
	wait       metric.Float64Histogram
	rejections metric.Int64Counter
}

// NewRecorder registers the decision instruments on meter.
func NewRecorder(meter metric.Meter) (*Recorder, error) {
	r := &Recorder{}
	var err error

	r.decisions, err = meter.Int64Counter("x108.decisions",
		metric.WithDescription("Gate decisions by verdict and reason"),
		metric.WithUnit("{decision}"),
	)
	if err != nil {
		return nil, fmt.Errorf("x108.decisions: %w", err)
	}

	r.wait, err = meter.Float64Histogram("x108.wait_remaining_seconds",
		metric.WithDescription("Remaining X-108 wait reported on temporal holds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(1, 5, 15, 30, 60, 108, 300, 900, 3600),
	)
	if err != nil {
		return nil, fmt.Errorf("x108.wait_remaining_seconds: %w", err)
	}

	r.rejections, err = meter.Int64Counter("x108.first_seen.rejections",
		metric.WithDescription("First-seen rewrites refused, and stored first-seen values found ahead of the clock"),
		metric.WithUnit("{rejection}"),
	)
	if err != nil {
		return nil, fmt.Errorf("x108.first_seen.rejections: %w", err)
	}
	return r, nil
}

// RecordDecision counts d and, for temporal holds, records the wait.
func (r *Recorder) RecordDecision(ctx context.Context, d contracts.Decision) {
	r.decisions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("verdict", string(d.Value)),
		attribute.String("reason", d.Reason),
	))
	if d.WaitRemaining > 0 {
		r.wait.Record(ctx, d.WaitRemaining)
	}
}

// RecordRejection counts a first-seen rejection. Its signature fits
// firstseen.WithRejectHook.
func (r *Recorder) RecordRejection(ctx context.Context, _ string) {
	r.rejections.Add(ctx, 1)
}
