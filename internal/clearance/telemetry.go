package clearance

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentationName is the name used for OTEL instrumentation.
const InstrumentationName = "github.com/fyrsmithlabs/tierd/internal/clearance"

// Metrics holds OTEL instruments for clearance resolution.
type Metrics struct {
	resolveTotal        metric.Int64Counter
	invalidationTotal   metric.Int64Counter
	integrityErrTotal   metric.Int64Counter
	overrideExpireTotal metric.Int64Counter

	initialized bool
}

// NewMetrics creates instruments on meter, or on the global meter when nil.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		meter = otel.Meter(InstrumentationName)
	}

	m := &Metrics{}
	var err error

	m.resolveTotal, err = meter.Int64Counter(
		"clearance.resolve.total",
		metric.WithDescription("Clearance resolutions by source"),
		metric.WithUnit("{resolve}"),
	)
	if err != nil {
		return nil, err
	}

	m.invalidationTotal, err = meter.Int64Counter(
		"clearance.invalidation.total",
		metric.WithDescription("Cached clearance invalidations by origin"),
		metric.WithUnit("{invalidation}"),
	)
	if err != nil {
		return nil, err
	}

	m.integrityErrTotal, err = meter.Int64Counter(
		"clearance.integrity_error.total",
		metric.WithDescription("Requests failed on malformed permission data"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	m.overrideExpireTotal, err = meter.Int64Counter(
		"clearance.override.expired.total",
		metric.WithDescription("Overrides transitioned to expired"),
		metric.WithUnit("{override}"),
	)
	if err != nil {
		return nil, err
	}

	m.initialized = true
	return m, nil
}

// source is one of cache, store, default.
func (m *Metrics) recordResolve(ctx context.Context, source string) {
	if m == nil || !m.initialized {
		return
	}
	m.resolveTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("source", source)))
}

// origin is local or remote.
func (m *Metrics) recordInvalidation(ctx context.Context, origin string) {
	if m == nil || !m.initialized {
		return
	}
	m.invalidationTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("origin", origin)))
}

func (m *Metrics) recordIntegrityError(ctx context.Context) {
	if m == nil || !m.initialized {
		return
	}
	m.integrityErrTotal.Add(ctx, 1)
}

func (m *Metrics) recordExpired(ctx context.Context, n int) {
	if m == nil || !m.initialized || n == 0 {
		return
	}
	m.overrideExpireTotal.Add(ctx, int64(n))
}

func tracer() trace.Tracer {
	return otel.Tracer(InstrumentationName)
}
