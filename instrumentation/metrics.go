package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all metric instruments of the authorization server
type Metrics struct {
	// HTTP Layer Metrics
	HTTPRequestsTotal   metric.Int64Counter
	HTTPRequestDuration metric.Float64Histogram

	// Grant Metrics
	TokensIssued       metric.Int64Counter
	GrantFailures      metric.Int64Counter
	CodeIssued         metric.Int64Counter
	CodeExchanged      metric.Int64Counter
	TokenRefreshed     metric.Int64Counter
	TokenRevoked       metric.Int64Counter
	SubjectRevocations metric.Int64Counter
	ClientRegistered   metric.Int64Counter
	AccountRegistered  metric.Int64Counter

	// Security Metrics
	CodeReplayDetected metric.Int64Counter
	AuthFailures       metric.Int64Counter
	OwnershipDenied    metric.Int64Counter
	TokenValidations   metric.Int64Counter
	AuditEventsTotal   metric.Int64Counter

	// Storage Metrics
	StorageOperationTotal    metric.Int64Counter
	StorageOperationDuration metric.Float64Histogram
	StorageTokensCount       metric.Int64ObservableGauge
	StorageClientsCount      metric.Int64ObservableGauge
	StorageCodesCount        metric.Int64ObservableGauge
	StorageAccountsCount     metric.Int64ObservableGauge
}

type counterSpec struct {
	target *metric.Int64Counter
	meter  metric.Meter
	name   string
	desc   string
	unit   string
}

// newMetrics creates and registers all metric instruments
func newMetrics(inst *Instrumentation) (*Metrics, error) {
	m := &Metrics{}

	httpMeter := inst.Meter("http")
	serverMeter := inst.Meter("server")
	securityMeter := inst.Meter("security")
	storageMeter := inst.Meter("storage")

	counters := []counterSpec{
		{&m.HTTPRequestsTotal, httpMeter, "oauth.http.requests.total", "Total number of HTTP requests", "{request}"},
		{&m.TokensIssued, serverMeter, "oauth.token.issued", "Number of tokens issued", "{token}"},
		{&m.GrantFailures, serverMeter, "oauth.grant.failures", "Number of failed grant requests", "{failure}"},
		{&m.CodeIssued, serverMeter, "oauth.code.issued", "Number of authorization codes issued", "{code}"},
		{&m.CodeExchanged, serverMeter, "oauth.code.exchanged", "Number of authorization codes exchanged for tokens", "{exchange}"},
		{&m.TokenRefreshed, serverMeter, "oauth.token.refreshed", "Number of tokens refreshed", "{refresh}"},
		{&m.TokenRevoked, serverMeter, "oauth.token.revoked", "Number of tokens revoked", "{revocation}"},
		{&m.SubjectRevocations, serverMeter, "oauth.subject.revocations", "Number of tokens revoked because their account was removed", "{token}"},
		{&m.ClientRegistered, serverMeter, "oauth.client.registered", "Number of clients registered", "{client}"},
		{&m.AccountRegistered, serverMeter, "oauth.account.registered", "Number of accounts registered", "{account}"},
		{&m.CodeReplayDetected, securityMeter, "oauth.code.replay_detected", "Number of authorization code replay attempts", "{attempt}"},
		{&m.AuthFailures, securityMeter, "oauth.auth.failures", "Number of failed client or resource owner authentications", "{failure}"},
		{&m.OwnershipDenied, securityMeter, "oauth.ownership.denied", "Number of requests denied by the ownership guard", "{request}"},
		{&m.TokenValidations, securityMeter, "oauth.token.validations", "Number of access token validations", "{validation}"},
		{&m.AuditEventsTotal, securityMeter, "oauth.audit.events.total", "Total number of audit events", "{event}"},
		{&m.StorageOperationTotal, storageMeter, "storage.operation.total", "Total number of storage operations", "{operation}"},
	}

	for _, c := range counters {
		counter, err := c.meter.Int64Counter(c.name, metric.WithDescription(c.desc), metric.WithUnit(c.unit))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}
		*c.target = counter
	}

	var err error
	m.HTTPRequestDuration, err = httpMeter.Float64Histogram(
		"oauth.http.request.duration",
		metric.WithDescription("HTTP request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http.request.duration histogram: %w", err)
	}

	m.StorageOperationDuration, err = storageMeter.Float64Histogram(
		"storage.operation.duration",
		metric.WithDescription("Storage operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.operation.duration histogram: %w", err)
	}

	gauges := []struct {
		target *metric.Int64ObservableGauge
		name   string
		desc   string
	}{
		{&m.StorageTokensCount, "storage.tokens.count", "Number of tokens held by the token store"},
		{&m.StorageClientsCount, "storage.clients.count", "Number of registered clients"},
		{&m.StorageCodesCount, "storage.codes.count", "Number of outstanding authorization codes"},
		{&m.StorageAccountsCount, "storage.accounts.count", "Number of accounts"},
	}
	for _, g := range gauges {
		gauge, err := storageMeter.Int64ObservableGauge(g.name, metric.WithDescription(g.desc), metric.WithUnit("{item}"))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s gauge: %w", g.name, err)
		}
		*g.target = gauge
	}

	return m, nil
}

// RecordHTTPRequest records an HTTP request metric
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, endpoint string, statusCode int, durationMs float64) {
	m.HTTPRequestsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("endpoint", endpoint),
		attribute.Int("status", statusCode),
	))
	m.HTTPRequestDuration.Record(ctx, durationMs, metric.WithAttributes(attribute.String("endpoint", endpoint)))
}

// RecordTokenIssued records one issued token
func (m *Metrics) RecordTokenIssued(ctx context.Context, grantType, kind string) {
	m.TokensIssued.Add(ctx, 1, metric.WithAttributes(
		attribute.String("grant_type", grantType),
		attribute.String("token_kind", kind),
	))
}

// RecordGrantFailure records a failed grant by error kind
func (m *Metrics) RecordGrantFailure(ctx context.Context, grantType, errorKind string) {
	m.GrantFailures.Add(ctx, 1, metric.WithAttributes(
		attribute.String("grant_type", grantType),
		attribute.String("error", errorKind),
	))
}

// RecordCodeIssued records an authorization code being minted
func (m *Metrics) RecordCodeIssued(ctx context.Context, clientID string) {
	m.CodeIssued.Add(ctx, 1, metric.WithAttributes(attribute.String("client_id", clientID)))
}

// RecordCodeExchange records an authorization code exchange
func (m *Metrics) RecordCodeExchange(ctx context.Context, clientID string) {
	m.CodeExchanged.Add(ctx, 1, metric.WithAttributes(attribute.String("client_id", clientID)))
}

// RecordTokenRefresh records a token refresh operation
func (m *Metrics) RecordTokenRefresh(ctx context.Context, clientID string, rotated bool) {
	m.TokenRefreshed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
		attribute.Bool("rotated", rotated),
	))
}

// RecordTokenRevocation records a token revocation
func (m *Metrics) RecordTokenRevocation(ctx context.Context, kind string, cascaded bool) {
	m.TokenRevoked.Add(ctx, 1, metric.WithAttributes(
		attribute.String("token_kind", kind),
		attribute.Bool("cascaded", cascaded),
	))
}

// RecordSubjectRevocation records tokens removed for a deleted account
func (m *Metrics) RecordSubjectRevocation(ctx context.Context, count int) {
	m.SubjectRevocations.Add(ctx, int64(count))
}

// RecordClientRegistration records a client registration
func (m *Metrics) RecordClientRegistration(ctx context.Context) {
	m.ClientRegistered.Add(ctx, 1)
}

// RecordAccountRegistration records an account registration
func (m *Metrics) RecordAccountRegistration(ctx context.Context) {
	m.AccountRegistered.Add(ctx, 1)
}

// RecordCodeReplayDetected records an authorization code replay attempt
func (m *Metrics) RecordCodeReplayDetected(ctx context.Context) {
	m.CodeReplayDetected.Add(ctx, 1)
}

// RecordAuthFailure records a failed authentication
func (m *Metrics) RecordAuthFailure(ctx context.Context, reason string) {
	m.AuthFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordOwnershipDenied records a request rejected by the ownership guard
func (m *Metrics) RecordOwnershipDenied(ctx context.Context, resource string) {
	m.OwnershipDenied.Add(ctx, 1, metric.WithAttributes(attribute.String("resource", resource)))
}

// RecordTokenValidation records the outcome of an access token validation
func (m *Metrics) RecordTokenValidation(ctx context.Context, result string) {
	m.TokenValidations.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// RecordAuditEvent records an audit event
func (m *Metrics) RecordAuditEvent(ctx context.Context, eventType string) {
	m.AuditEventsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("event_type", eventType)))
}

// RecordStorageOperation records a storage operation
func (m *Metrics) RecordStorageOperation(ctx context.Context, operation, result string, durationMs float64) {
	m.StorageOperationTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("result", result),
	))
	m.StorageOperationDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("operation", operation),
	))
}
