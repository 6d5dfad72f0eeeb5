// Package telemetry provides the observability plumbing of rolecraft.
//
// It integrates structured logging (zerolog), tracing (OpenTelemetry) and
// build metrics (Prometheus) behind one Telemetry value constructed in main()
// and passed down explicitly.
//
// # Logging
//
// Logger wraps zerolog with the fields the build pipeline attaches to every
// line: service, role and an abbreviated fingerprint.
//
//	logger := tel.Logger.NewComponentLogger("build").
//	    WithService("web").
//	    WithRole("nginx")
//	logger.Info("Running role")
//
// # Tracing
//
// Spans follow the build structure:
//
//	build.service   one per service
//	build.role      one per role layer, cached or not
//	driver.commit   one per committed layer
//	plan.apply      one per applied lifecycle
//
// The exporter is selected by settings.tracing.exporter: stdout, otlp (gRPC)
// or none.
//
// # Metrics
//
// Metrics count cache hits and misses, committed layers, role durations and
// applied plan tasks. They live in a private registry and are written in text
// exposition format to settings.metrics_file when the builder exits, so a
// node exporter textfile collector can pick them up without the builder
// serving HTTP.
//
// # Events
//
// EventPublisher implements engine.EventPublisher. Plan execution events are
// logged and fanned out to subscribers from a single delivery goroutine.
package telemetry
