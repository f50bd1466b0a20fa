// Package prometheus renders authflow client counters in the Prometheus
// text exposition format.
//
// [NewPrometheusExporter] wraps an [authflow.Client] and exposes an
// [http.Handler] suitable for a sidecar or the CLI's metrics listener.
// Counter names are prefixed authflow_*_total; the single histogram is
// authflow_user_fetch_latency_seconds.
//
// The exporter never registers with a global registry and never mutates
// client state.
package prometheus
