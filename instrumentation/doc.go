// Package instrumentation provides OpenTelemetry instrumentation for the
// authorization server.
//
// Metrics and traces are produced through named meters and tracers, one per
// layer ("http", "server", "security", "storage"). When Config.Enabled is false
// every provider is a no-op and recording costs nothing.
//
// # Quick Start
//
//	inst, err := instrumentation.New(instrumentation.Config{
//		ServiceName:     "nuguri-auth",
//		ServiceVersion:  "1.0.0",
//		Enabled:         true,
//		MetricsExporter: instrumentation.MetricsExporterPrometheus,
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer inst.Shutdown(context.Background())
//
//	srv.SetInstrumentation(inst)
//	mux.Handle("/metrics", inst.MetricsHandler())
//
// # Available Metrics
//
// HTTP Layer:
//   - oauth.http.requests.total{method, endpoint, status}
//   - oauth.http.request.duration{endpoint}
//
// Grants:
//   - oauth.token.issued{grant_type, token_kind}
//   - oauth.grant.failures{grant_type, error}
//   - oauth.code.issued{client_id}
//   - oauth.code.exchanged{client_id}
//   - oauth.token.refreshed{client_id, rotated}
//   - oauth.token.revoked{token_kind, cascaded}
//   - oauth.subject.revocations
//   - oauth.client.registered
//   - oauth.account.registered
//
// Security:
//   - oauth.code.replay_detected
//   - oauth.auth.failures{reason}
//   - oauth.ownership.denied{resource}
//   - oauth.token.validations{result}
//   - oauth.audit.events.total{event_type}
//
// Storage:
//   - storage.operation.total{operation, result}
//   - storage.operation.duration{operation}
//   - storage.tokens.count, storage.clients.count, storage.codes.count, storage.accounts.count
//
// The Prometheus exporter renames these according to the OpenTelemetry to
// Prometheus conventions (dots become underscores, counters gain "_total").
//
// # Security
//
// Tokens, secrets and passwords are never recorded as attributes. Client IPs
// are recorded only when Config.LogClientIPs is set.
package instrumentation
