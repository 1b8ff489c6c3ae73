// Package observability builds the zap logger and the OpenTelemetry tracer
// and meter providers, and defines the metric instruments recorded by the
// authorization gate, the audit ledger and the calculation engine.
package observability
