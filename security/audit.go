package security

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"strconv"
	"time"
)

// EventRecorder receives the type of every logged audit event. The
// instrumentation metrics satisfy it.
type EventRecorder interface {
	RecordAuditEvent(ctx context.Context, eventType string)
}

// Auditor handles security event logging with PII protection.
type Auditor struct {
	logger   *slog.Logger
	enabled  bool
	recorder EventRecorder
}

// NewAuditor creates a new security auditor
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{
		logger:  logger,
		enabled: enabled,
	}
}

// SetRecorder attaches a metrics recorder. Nil detaches it.
func (a *Auditor) SetRecorder(r EventRecorder) {
	a.recorder = r
}

// Event represents a security audit event
type Event struct {
	Type      string
	AccountID int64 // 0 when the event has no resource owner
	Email     string
	ClientID  string
	IPAddress string
	Details   map[string]any
	Timestamp time.Time
}

// LogEvent logs a security event with hashed PII
func (a *Auditor) LogEvent(event Event) {
	if a == nil || !a.enabled {
		return
	}

	event.Timestamp = time.Now()

	attrs := []any{
		"event_type", event.Type,
		"client_id", event.ClientID,
		"ip_address", event.IPAddress,
		"timestamp", event.Timestamp,
	}
	if event.AccountID != 0 {
		attrs = append(attrs, "account_id_hash", hashForLogging(strconv.FormatInt(event.AccountID, 10)))
	}
	if event.Email != "" {
		attrs = append(attrs, "email_hash", hashForLogging(event.Email))
	}
	if len(event.Details) > 0 {
		attrs = append(attrs, "details", event.Details)
	}

	a.logger.Info("security_audit", attrs...)

	if a.recorder != nil {
		a.recorder.RecordAuditEvent(context.Background(), event.Type)
	}
}

// LogTokenIssued logs when a grant issues a token
func (a *Auditor) LogTokenIssued(accountID int64, clientID, ipAddress, grantType, scope string) {
	a.LogEvent(Event{
		Type:      EventTokenIssued,
		AccountID: accountID,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"grant_type": grantType,
			"scope":      scope,
		},
	})
}

// LogTokenRefreshed logs when a token is refreshed
func (a *Auditor) LogTokenRefreshed(accountID int64, clientID, ipAddress string, rotated bool) {
	a.LogEvent(Event{
		Type:      EventTokenRefreshed,
		AccountID: accountID,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"rotated": rotated,
		},
	})
}

// LogTokenRevoked logs when a token is revoked
func (a *Auditor) LogTokenRevoked(accountID int64, clientID, ipAddress, tokenKind string) {
	a.LogEvent(Event{
		Type:      EventTokenRevoked,
		AccountID: accountID,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"token_kind": tokenKind,
		},
	})
}

// LogAllTokensRevoked logs a bulk revocation for one account
func (a *Auditor) LogAllTokensRevoked(accountID int64, count int, reason string) {
	a.LogEvent(Event{
		Type:      EventAllTokensRevoked,
		AccountID: accountID,
		Details: map[string]any{
			"count":  count,
			"reason": reason,
		},
	})
}

// LogAuthFailure logs an authentication failure. email is empty for client
// authentication failures.
func (a *Auditor) LogAuthFailure(email, clientID, ipAddress, reason string) {
	a.LogEvent(Event{
		Type:      EventAuthFailure,
		Email:     email,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"reason": reason,
		},
	})
}

// LogCodeReplay logs a presented authorization code that was unknown or already consumed
func (a *Auditor) LogCodeReplay(clientID, ipAddress string) {
	a.LogEvent(Event{
		Type:      EventAuthorizationCodeReplay,
		ClientID:  clientID,
		IPAddress: ipAddress,
	})
}

// LogOwnershipDenied logs a request rejected by the ownership guard
func (a *Auditor) LogOwnershipDenied(accountID int64, clientID, resource string) {
	a.LogEvent(Event{
		Type:      EventOwnershipDenied,
		AccountID: accountID,
		ClientID:  clientID,
		Details: map[string]any{
			"resource": resource,
		},
	})
}

// LogClientRegistered logs when a new client is registered
func (a *Auditor) LogClientRegistered(clientID string, ownerID int64, grantTypes []string) {
	a.LogEvent(Event{
		Type:      EventClientRegistered,
		AccountID: ownerID,
		ClientID:  clientID,
		Details: map[string]any{
			"grant_types": grantTypes,
		},
	})
}

// hashForLogging creates a SHA256 hash of sensitive data for logging
func hashForLogging(sensitive string) string {
	if sensitive == "" {
		return "<empty>"
	}
	hash := sha256.Sum256([]byte(sensitive))
	return hex.EncodeToString(hash[:])[:16]
}
