package security

import (
	"context"
	"net/http/httptest"
	"testing"
)

func TestClientIPResolver_Resolve(t *testing.T) {
	tests := []struct {
		name              string
		remoteAddr        string
		xForwardedFor     string
		xRealIP           string
		trustProxy        bool
		trustedProxyCount int
		want              string
	}{
		{name: "direct connection", remoteAddr: "192.168.1.100:12345", want: "192.168.1.100"},
		{name: "ipv6 remote", remoteAddr: "[2001:db8::1]:443", want: "2001:db8::1"},
		{name: "remote without port", remoteAddr: "10.1.1.1", want: "10.1.1.1"},
		{name: "X-Forwarded-For with trust", remoteAddr: "10.0.0.1:12345", xForwardedFor: "203.0.113.1, 10.0.0.2", trustProxy: true, want: "203.0.113.1"},
		{name: "X-Forwarded-For without trust", remoteAddr: "10.0.0.1:12345", xForwardedFor: "203.0.113.1", want: "10.0.0.1"},
		{name: "X-Real-IP with trust", remoteAddr: "10.0.0.1:12345", xRealIP: "203.0.113.1", trustProxy: true, want: "203.0.113.1"},
		{name: "X-Real-IP without trust", remoteAddr: "10.0.0.1:12345", xRealIP: "203.0.113.1", want: "10.0.0.1"},
		{name: "multiple trusted proxies", remoteAddr: "10.0.0.1:12345", xForwardedFor: "203.0.113.1, 10.0.0.2, 10.0.0.3", trustProxy: true, trustedProxyCount: 2, want: "203.0.113.1"},
		{name: "spoofed left entries ignored", remoteAddr: "10.0.0.1:12345", xForwardedFor: "6.6.6.6, 203.0.113.1, 10.0.0.2", trustProxy: true, want: "203.0.113.1"},
		{name: "short chain uses leftmost", remoteAddr: "10.0.0.1:12345", xForwardedFor: "203.0.113.9", trustProxy: true, trustedProxyCount: 3, want: "203.0.113.9"},
		{name: "garbage header falls back", remoteAddr: "10.0.0.1:12345", xForwardedFor: "not-an-ip, 10.0.0.2", trustProxy: true, want: "10.0.0.1"},
		{name: "mapped ipv4 is unmapped", remoteAddr: "[::ffff:192.0.2.7]:80", want: "192.0.2.7"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			req.RemoteAddr = tt.remoteAddr
			if tt.xForwardedFor != "" {
				req.Header.Set("X-Forwarded-For", tt.xForwardedFor)
			}
			if tt.xRealIP != "" {
				req.Header.Set("X-Real-IP", tt.xRealIP)
			}

			got := ClientIPResolver{TrustProxy: tt.trustProxy, TrustedProxyCount: tt.trustedProxyCount}.Resolve(req)
			if got != tt.want {
				t.Errorf("Resolve() = %q, want %q", got, tt.want)
			}
			if legacy := GetClientIP(req, tt.trustProxy, tt.trustedProxyCount); legacy != got {
				t.Errorf("GetClientIP() = %q, want %q", legacy, got)
			}
		})
	}
}

func TestClientIPContext(t *testing.T) {
	if got := ClientIPFromContext(context.Background()); got != "" {
		t.Errorf("ClientIPFromContext() on empty context = %q", got)
	}
	ctx := WithClientIP(context.Background(), "203.0.113.9")
	if got := ClientIPFromContext(ctx); got != "203.0.113.9" {
		t.Errorf("ClientIPFromContext() = %q, want 203.0.113.9", got)
	}
}
