// Package telemetry sets up OpenTelemetry tracing and metrics for ragd.
//
// Spans and otel metrics are exported over OTLP (grpc or http/protobuf) to a
// collector. Prometheus counters registered with promauto are separate and
// are served on /metrics by the HTTP server whether or not OTLP export is
// enabled.
//
// Failures to reach the collector never stop the daemon: New returns a
// degraded instance whose Tracer and Meter fall back to the global no-op
// providers.
//
//	telemetry:
//	  enabled: true
//	  endpoint: "localhost:4317"
//	  protocol: grpc
//	  sampling:
//	    rate: 0.2
package telemetry
