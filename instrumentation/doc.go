// Package instrumentation provides OpenTelemetry (OTEL) instrumentation for the
// authorization server.
//
// Metrics and traces are created per layer ("http", "server", "storage",
// "security", "token") from a single Instrumentation value that the binary
// constructs once and hands to every component.
//
// # Quick Start
//
//	inst, err := instrumentation.New(instrumentation.Config{
//		ServiceName:     "oauth-issuer",
//		ServiceVersion:  "1.0.0",
//		Enabled:         true,
//		MetricsExporter: "prometheus",
//		TracesExporter:  "stdout",
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer inst.Shutdown(context.Background())
//
//	// Expose /metrics
//	router.Handle("/metrics", inst.MetricsHandler())
//
// # Available Metrics
//
// HTTP Layer:
//   - oauth.http.requests.total{method, endpoint, status} - Total HTTP requests
//   - oauth.http.request.duration{endpoint} - Request duration in milliseconds
//
// OAuth Flows:
//   - oauth.code.issued{client_id, pkce_method} - Authorization codes issued
//   - oauth.code.exchanged{client_id, pkce_method} - Authorization codes exchanged
//   - oauth.token.issued{client_id, token_use} - Signed tokens minted
//   - oauth.token.refreshed{client_id, rotated} - Tokens refreshed
//   - oauth.token.revoked{client_id} - Grants revoked
//
// Security:
//   - oauth.rate_limit.exceeded{limiter_type} - Rate limit violations
//   - oauth.pkce.validation_failed{method} - PKCE validation failures
//   - oauth.code.reuse_detected - Authorization code reuse attempts
//   - oauth.token.reuse_detected - Refresh token reuse attempts
//   - oauth.token.decode_failed{reason} - Rejected tokens by failure reason
//   - oauth.audit.events.total{event_type} - Audit events
//
// Storage:
//   - storage.operation.total{operation, result} - Storage operations
//   - storage.operation.duration{operation} - Operation duration in milliseconds
//   - storage.codes.count, storage.refresh_tokens.count, storage.clients.count,
//     storage.revoked_grants.count - Current storage sizes (memory backend)
//
// # Exporters
//
// MetricsExporter "prometheus" registers an OTEL Prometheus exporter on a
// private registry served by MetricsHandler. TracesExporter "stdout" writes
// spans as JSON. Anything else, or Enabled=false, uses no-op providers.
//
// # Security Considerations
//
// Never record token values, authorization codes, client secrets or PKCE
// verifiers in spans or metric attributes. Only metadata (token use, grant
// id prefix, validation results) is recorded.
package instrumentation
