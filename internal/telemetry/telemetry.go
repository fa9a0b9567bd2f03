// Package telemetry holds the OpenTelemetry instruments of the service. With
// no SDK registered the global providers are no-ops, so instruments are always
// safe to use.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const scope = "inteltrace"

// Metrics records analysis outcomes and encoder latency.
type Metrics struct {
	analyses       metric.Int64Counter
	encoderLatency metric.Float64Histogram
	encoderErrors  metric.Int64Counter
}

// NewMetrics creates the instruments on the global meter provider.
func NewMetrics() (*Metrics, error) {
	return NewMetricsWith(otel.GetMeterProvider())
}

// NewMetricsWith creates the instruments on mp.
func NewMetricsWith(mp metric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter(scope)

	analyses, err := meter.Int64Counter("inteltrace.analyses",
		metric.WithDescription("Completed threat analyses by threat band"))
	if err != nil {
		return nil, err
	}
	latency, err := meter.Float64Histogram("inteltrace.encoder.duration",
		metric.WithDescription("CLIP encoder call latency"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}
	encErrs, err := meter.Int64Counter("inteltrace.encoder.errors",
		metric.WithDescription("Failed CLIP encoder calls"))
	if err != nil {
		return nil, err
	}

	return &Metrics{analyses: analyses, encoderLatency: latency, encoderErrors: encErrs}, nil
}

// AnalysisCompleted counts one analysis in the given threat band.
func (m *Metrics) AnalysisCompleted(ctx context.Context, band string) {
	if m == nil {
		return
	}
	m.analyses.Add(ctx, 1, metric.WithAttributes(attribute.String("band", band)))
}

// EncoderCall records one encoder round trip. op is "image" or "text".
func (m *Metrics) EncoderCall(ctx context.Context, op string, started time.Time, err error) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("op", op))
	m.encoderLatency.Record(ctx, time.Since(started).Seconds(), attrs)
	if err != nil {
		m.encoderErrors.Add(ctx, 1, attrs)
	}
}
