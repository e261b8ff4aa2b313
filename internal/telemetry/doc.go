// Package telemetry sets up OpenTelemetry tracing and metrics export for
// tierd. When telemetry is disabled the global no-op providers stay in
// place, so instrumented packages need no special casing.
package telemetry
