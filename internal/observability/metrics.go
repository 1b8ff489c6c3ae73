package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/upb/governed-core"

// Metrics records the core's counters and histograms. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	decisions         metric.Int64Counter
	appends           metric.Int64Counter
	appendFailures    metric.Int64Counter
	appendLatency     metric.Float64Histogram
	integrityFailures metric.Int64Counter
	calculations      metric.Int64Counter
}

// NewMetrics creates the instruments on the given meter
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.decisions, err = meter.Int64Counter("governed.authz.decisions",
		metric.WithDescription("Authorization decisions by action and outcome")); err != nil {
		return nil, err
	}
	if m.appends, err = meter.Int64Counter("governed.ledger.appends",
		metric.WithDescription("Sealed ledger records by action kind")); err != nil {
		return nil, err
	}
	if m.appendFailures, err = meter.Int64Counter("governed.ledger.append_failures",
		metric.WithDescription("Ledger appends that failed to become durable")); err != nil {
		return nil, err
	}
	if m.appendLatency, err = meter.Float64Histogram("governed.ledger.append_latency",
		metric.WithUnit("ms"),
		metric.WithDescription("Time spent inside the serialized append section")); err != nil {
		return nil, err
	}
	if m.integrityFailures, err = meter.Int64Counter("governed.ledger.integrity_failures",
		metric.WithDescription("Verification runs that found a broken chain")); err != nil {
		return nil, err
	}
	if m.calculations, err = meter.Int64Counter("governed.duty.calculations",
		metric.WithDescription("Completed duty calculations by destination")); err != nil {
		return nil, err
	}
	return m, nil
}

// NewGlobalMetrics creates the instruments on the global meter provider
func NewGlobalMetrics() (*Metrics, error) {
	return NewMetrics(otel.Meter(instrumentationName))
}

// RecordDecision counts one authorization decision
func (m *Metrics) RecordDecision(ctx context.Context, action string, allowed bool, reason string) {
	if m == nil {
		return
	}
	m.decisions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("action", action),
		attribute.Bool("allowed", allowed),
		attribute.String("reason", reason),
	))
}

// RecordAppend records a ledger append attempt
func (m *Metrics) RecordAppend(ctx context.Context, kind string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("action_kind", kind))
	m.appendLatency.Record(ctx, float64(elapsed.Microseconds())/1000, attrs)
	if err != nil {
		m.appendFailures.Add(ctx, 1, attrs)
		return
	}
	m.appends.Add(ctx, 1, attrs)
}

// RecordIntegrityFailure counts a failed verification
func (m *Metrics) RecordIntegrityFailure(ctx context.Context) {
	if m == nil {
		return
	}
	m.integrityFailures.Add(ctx, 1)
}

// RecordCalculation counts a completed duty calculation
func (m *Metrics) RecordCalculation(ctx context.Context, destination string) {
	if m == nil {
		return
	}
	m.calculations.Add(ctx, 1, metric.WithAttributes(attribute.String("destination", destination)))
}
