// Package telemetry exports monitoring metrics over OTLP.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
)

const (
	meterName      = "github.com/nhle/leadmail"
	exportInterval = 30 * time.Second
)

// Init installs an OTLP/HTTP meter provider as the global provider and
// returns its shutdown function. An empty endpoint leaves the no-op
// global provider in place.
func Init(ctx context.Context, endpoint string) (func(context.Context) error, error) {
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	exp, err := otlpmetrichttp.New(ctx, otlpmetrichttp.WithEndpointURL(endpoint))
	if err != nil {
		return nil, fmt.Errorf("creating OTLP metric exporter: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(exportInterval))),
		sdkmetric.WithResource(resource.NewSchemaless(attribute.String("service.name", "leadmail"))),
	)
	otel.SetMeterProvider(mp)
	return mp.Shutdown, nil
}

// Recorder records cycle, dispatch and cleanup metrics.
type Recorder struct {
	cycles         metric.Int64Counter
	cycleDuration  metric.Float64Histogram
	messages       metric.Int64Counter
	dispatches     metric.Int64Counter
	cleanupDeleted metric.Int64Counter
	cleanups       metric.Int64Counter
}

// NewRecorder registers the instruments on mp. Pass otel.GetMeterProvider()
// to use the global provider.
func NewRecorder(mp metric.MeterProvider) *Recorder {
	m := mp.Meter(meterName)

	r := &Recorder{}
	r.cycles, _ = m.Int64Counter("leadmail.cycles.total",
		metric.WithDescription("Total monitoring cycles run"),
	)
	r.cycleDuration, _ = m.Float64Histogram("leadmail.cycle.duration_ms",
		metric.WithDescription("Monitoring cycle duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	r.messages, _ = m.Int64Counter("leadmail.messages.total",
		metric.WithDescription("Messages handled by outcome"),
	)
	r.dispatches, _ = m.Int64Counter("leadmail.dispatches.total",
		metric.WithDescription("Lead dispatches to the CRM by portal and status"),
	)
	r.cleanupDeleted, _ = m.Int64Counter("leadmail.ledger.deleted.total",
		metric.WithDescription("Ledger records removed by the cleanup sweep"),
	)
	r.cleanups, _ = m.Int64Counter("leadmail.cleanups.total",
		metric.WithDescription("Cleanup sweeps by status"),
	)
	return r
}

// RecordCycle records one completed cycle and its message counts.
func (r *Recorder) RecordCycle(ctx context.Context, seen, fresh, succeeded, failed int, d time.Duration) {
	r.cycles.Add(ctx, 1)
	r.cycleDuration.Record(ctx, float64(d.Microseconds())/1000)
	r.messages.Add(ctx, int64(seen), metric.WithAttributes(attribute.String("outcome", "seen")))
	r.messages.Add(ctx, int64(fresh), metric.WithAttributes(attribute.String("outcome", "new")))
	r.messages.Add(ctx, int64(succeeded), metric.WithAttributes(attribute.String("outcome", "succeeded")))
	r.messages.Add(ctx, int64(failed), metric.WithAttributes(attribute.String("outcome", "failed")))
}

// RecordDispatch records one dispatch attempt.
func (r *Recorder) RecordDispatch(ctx context.Context, portal string, err error) {
	r.dispatches.Add(ctx, 1, metric.WithAttributes(
		attribute.String("portal", portal),
		attribute.String("status", statusStr(err)),
	))
}

// RecordCleanup records one cleanup sweep.
func (r *Recorder) RecordCleanup(ctx context.Context, deleted int64, err error) {
	r.cleanups.Add(ctx, 1, metric.WithAttributes(attribute.String("status", statusStr(err))))
	if deleted > 0 {
		r.cleanupDeleted.Add(ctx, deleted)
	}
}

// statusStr returns "ok" or "error" depending on whether err is nil.
func statusStr(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
