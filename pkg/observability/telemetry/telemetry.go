// Package telemetry owns the daemon's OpenTelemetry providers. Metrics are
// kept in process and read on demand; finished spans are written to the
// debug log.
package telemetry

import (
	"context"
	"fmt"
	"sort"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

type Metric struct {
	Attrs map[string]string
	Name  string
	Value int64
}

type Telemetry struct {
	reader         *sdkmetric.ManualReader
	MeterProvider  *sdkmetric.MeterProvider
	TracerProvider *sdktrace.TracerProvider
}

func New() *Telemetry {
	reader := sdkmetric.NewManualReader()
	return &Telemetry{
		reader:        reader,
		MeterProvider: sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)),
		TracerProvider: sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(&logExporter{log: zap.S().Named("trace")}),
		),
	}
}

// Install makes the providers the otel globals.
func (t *Telemetry) Install() {
	otel.SetMeterProvider(t.MeterProvider)
	otel.SetTracerProvider(t.TracerProvider)
}

// Snapshot collects every int64 sum, one entry per attribute set, ordered
// by name.
func (t *Telemetry) Snapshot(ctx context.Context) ([]Metric, error) {
	var rm metricdata.ResourceMetrics
	if err := t.reader.Collect(ctx, &rm); err != nil {
		return nil, fmt.Errorf("collect metrics: %w", err)
	}

	var out []Metric
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			for _, dp := range sum.DataPoints {
				out = append(out, Metric{Name: m.Name, Attrs: attrMap(dp.Attributes), Value: dp.Value})
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (t *Telemetry) Shutdown(ctx context.Context) error {
	return multierr.Combine(
		t.TracerProvider.Shutdown(ctx),
		t.MeterProvider.Shutdown(ctx),
	)
}

func attrMap(set attribute.Set) map[string]string {
	if set.Len() == 0 {
		return nil
	}
	out := make(map[string]string, set.Len())
	iter := set.Iter()
	for iter.Next() {
		kv := iter.Attribute()
		out[string(kv.Key)] = kv.Value.Emit()
	}
	return out
}

type logExporter struct {
	log *zap.SugaredLogger
}

func (e *logExporter) ExportSpans(_ context.Context, spans []sdktrace.ReadOnlySpan) error {
	for _, s := range spans {
		e.log.Debugw("span",
			"name", s.Name(),
			"duration", s.EndTime().Sub(s.StartTime()),
			"status", s.Status().Code.String(),
			"trace", s.SpanContext().TraceID().String(),
		)
	}
	return nil
}

func (e *logExporter) Shutdown(context.Context) error { return nil }
