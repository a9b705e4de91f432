// Package adapter connects the rendezvous to external telemetry systems.
package adapter

import (
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// InstrumentationName identifies this module's tracers and meters.
const InstrumentationName = "github.com/srediag/brother-shm"

// OTel carries the tracer and meter handed to the barrier and the shared
// region layer.
type OTel struct {
	Tracer trace.Tracer
	Meter  metric.Meter
}

// NewOTel derives a tracer and a meter from the given providers. Nil
// providers fall back to no-op implementations.
func NewOTel(tp trace.TracerProvider, mp metric.MeterProvider) OTel {
	if tp == nil {
		tp = tracenoop.NewTracerProvider()
	}
	if mp == nil {
		mp = metricnoop.NewMeterProvider()
	}
	return OTel{
		Tracer: tp.Tracer(InstrumentationName),
		Meter:  mp.Meter(InstrumentationName),
	}
}
