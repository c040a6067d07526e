// Package instrumentation provides OpenTelemetry (OTEL) instrumentation for the broker.
//
// This package enables observability across all layers through:
// - Metrics: Counters, histograms, and gauges for broker operations
// - Traces: Distributed tracing for resolution flows across components
//
// # Quick Start
//
//	import "github.com/cmsbridge/mcp-broker/instrumentation"
//
//	inst, err := instrumentation.New(instrumentation.Config{
//		ServiceName:    "my-broker",
//		ServiceVersion: "1.0.0",
//		Enabled:        true,
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer inst.Shutdown(context.Background())
//
// # Available Metrics
//
// Broker:
//   - broker.resolutions.total{mode, outcome} - Credential resolutions
//   - broker.resolution.duration{mode} - Resolution duration in milliseconds
//   - broker.refresh.total{outcome, rotated} - Offline-grant refresh attempts
//   - broker.exchange.denied - Token exchange denials
//   - broker.provisioning.started / .completed / .revoked - Provisioning flow events
//   - broker.guard.rejections{kind} - Guard rejections by error kind
//   - broker.credential_cache.lookups{result} - Delegated credential cache hits/misses
//
// Identity provider:
//   - idp.calls.total{operation} - Identity provider calls
//   - idp.call.duration{operation} - Call duration in milliseconds
//   - idp.call.errors{operation} - Call errors
//
// Storage:
//   - storage.operation.total{operation, result} - Storage operations
//   - storage.operation.duration{operation} - Operation duration in milliseconds
//   - storage.grants.count / storage.registrations.count - Current storage size
//
// Security:
//   - broker.rate_limit.exceeded{limiter_type} - Rate limit violations
//   - broker.audit.events.total{event_type} - Audit events
//   - broker.encryption.operations.total{operation} - Encryption operations
//
// # Performance
//
// When instrumentation is not configured or disabled:
//   - Zero overhead (uses no-op providers)
//   - No allocations or latency impact
//
// # Thread Safety
//
// All instrumentation operations are thread-safe and can be called concurrently
// from multiple goroutines.
//
// # Security Considerations
//
// IMPORTANT: This package collects observability data, not credentials.
//
// When instrumenting broker flows, you MUST:
//   - NEVER log actual token values (session tokens, refresh tokens)
//   - NEVER log client secrets
//   - ONLY log metadata (modes, operation names, error kinds, expiry times)
//
// Data collected in traces and metrics may be persisted for extended periods,
// accessible to wider audiences than production systems, and subject to
// compliance requirements.
package instrumentation
