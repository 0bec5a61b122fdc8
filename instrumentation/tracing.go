package instrumentation

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Span attribute keys. Values are identifiers and outcomes only; token
// values, codes and secrets never go into spans.
const (
	AttrClientID     = "oauth.client_id"
	AttrAccountID    = "oauth.account_id"
	AttrScope        = "oauth.scope"
	AttrGrantType    = "oauth.grant_type"
	AttrResponseType = "oauth.response_type"
	AttrTokenKind    = "oauth.token.kind"    //nolint:gosec // access or refresh
	AttrTokenRotated = "oauth.token.rotated" //nolint:gosec // refresh token replaced on use
	AttrTokenCascade = "oauth.token.cascade" //nolint:gosec // revocation removed the paired token

	AttrResourceType  = "authz.resource.type"
	AttrResourceOwner = "authz.resource.owner"

	AttrStorageOperation = "storage.operation"
	AttrStorageType      = "storage.type"

	AttrClientIP = "security.client_ip"

	AttrHTTPEndpoint   = "http.endpoint"
	AttrHTTPMethod     = "http.method"
	AttrHTTPStatusCode = "http.status_code"
	AttrRequestID      = "http.request_id"
)

// RecordError records err on span and marks it failed. Nil-safe.
func RecordError(span trace.Span, err error) {
	if span != nil && err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSpanSuccess marks span as successful. Nil-safe.
func SetSpanSuccess(span trace.Span) {
	if span != nil {
		span.SetStatus(codes.Ok, "")
	}
}

// SetSpanError marks span as failed with message. Nil-safe.
func SetSpanError(span trace.Span, message string) {
	if span != nil {
		span.SetStatus(codes.Error, message)
	}
}

// SetSpanAttributes sets attrs on span. Nil-safe.
func SetSpanAttributes(span trace.Span, attrs ...attribute.KeyValue) {
	if span != nil {
		span.SetAttributes(attrs...)
	}
}

// AddIssuedTokenAttributes describes a successful grant. accountID is zero
// for client_credentials tokens and is then omitted.
func AddIssuedTokenAttributes(span trace.Span, clientID string, accountID int64, scope string) {
	attrs := []attribute.KeyValue{attribute.String(AttrClientID, clientID)}
	if accountID != 0 {
		attrs = append(attrs, attribute.Int64(AttrAccountID, accountID))
	}
	if scope != "" {
		attrs = append(attrs, attribute.String(AttrScope, scope))
	}
	SetSpanAttributes(span, attrs...)
}

// AddGrantAttributes records the grant type and authenticated client.
func AddGrantAttributes(span trace.Span, grantType, clientID string) {
	SetSpanAttributes(span,
		attribute.String(AttrGrantType, grantType),
		attribute.String(AttrClientID, clientID),
	)
}

// AddStorageAttributes records the storage operation and backend.
func AddStorageAttributes(span trace.Span, operation, storageType string) {
	SetSpanAttributes(span,
		attribute.String(AttrStorageOperation, operation),
		attribute.String(AttrStorageType, storageType),
	)
}

// AddHTTPAttributes records the endpoint and response status.
func AddHTTPAttributes(span trace.Span, method, endpoint string, statusCode int) {
	SetSpanAttributes(span,
		attribute.String(AttrHTTPMethod, method),
		attribute.String(AttrHTTPEndpoint, endpoint),
		attribute.Int(AttrHTTPStatusCode, statusCode),
	)
}

// AddClientIPAttribute records the caller address. Client IPs can be personal
// data, so callers check Instrumentation.ShouldLogClientIPs first.
func AddClientIPAttribute(span trace.Span, clientIP string) {
	if clientIP != "" {
		SetSpanAttributes(span, attribute.String(AttrClientIP, clientIP))
	}
}

// AddOwnershipAttributes records the resource an ownership check ran against.
func AddOwnershipAttributes(span trace.Span, resourceType string, ownerID int64) {
	SetSpanAttributes(span,
		attribute.String(AttrResourceType, resourceType),
		attribute.Int64(AttrResourceOwner, ownerID),
	)
}
