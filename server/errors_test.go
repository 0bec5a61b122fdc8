package server

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestError_Is(t *testing.T) {
	err := errorf(KindInvalidGrant, "bad credentials")

	if !errors.Is(err, ErrInvalidGrant) {
		t.Error("errors.Is(err, ErrInvalidGrant) = false")
	}
	if errors.Is(err, ErrInvalidScope) {
		t.Error("errors.Is(err, ErrInvalidScope) = true")
	}

	wrapped := fmt.Errorf("grant failed: %w", err)
	if !errors.Is(wrapped, ErrInvalidGrant) {
		t.Error("wrapped error lost its kind")
	}
	if KindOf(wrapped) != KindInvalidGrant {
		t.Errorf("KindOf() = %q", KindOf(wrapped))
	}
}

func TestError_Unwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := newError(KindServiceUnavailable, "account lookup failed", cause)

	if !errors.Is(err, cause) {
		t.Error("cause not reachable through Unwrap")
	}
	msg := err.Error()
	for _, want := range []string{"temporarily_unavailable", "account lookup failed", "connection refused"} {
		if !strings.Contains(msg, want) {
			t.Errorf("Error() = %q, missing %q", msg, want)
		}
	}
}

func TestKindOf_PlainError(t *testing.T) {
	if got := KindOf(errors.New("boom")); got != "" {
		t.Errorf("KindOf(plain) = %q, want empty", got)
	}
	if got := KindOf(nil); got != "" {
		t.Errorf("KindOf(nil) = %q, want empty", got)
	}
}

func TestIsTokenError(t *testing.T) {
	tests := []struct {
		kind ErrorKind
		want bool
	}{
		{KindTokenExpired, true},
		{KindTokenInvalidSignature, true},
		{KindTokenNotFound, true},
		{KindInvalidGrant, false},
		{KindForbidden, false},
	}
	for _, tt := range tests {
		if got := IsTokenError(errorf(tt.kind, "x")); got != tt.want {
			t.Errorf("IsTokenError(%s) = %v, want %v", tt.kind, got, tt.want)
		}
	}
}
