// Package otel publishes authflow client counters through an
// OpenTelemetry meter.
//
// [NewOTelExporter] registers one Int64ObservableCounter per client
// counter and one Int64ObservableGauge per latency bucket. A single
// callback reads [authflow.Client.MetricsSnapshot] on each collection.
// Callers own the MeterProvider.
package otel
