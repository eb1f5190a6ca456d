// Package observability provides the service's structured logging,
// Prometheus metrics, health probes, OpenTelemetry tracing setup and
// graceful-shutdown helper.
package observability
