package security

import (
	"context"
	"net/http"
	"net/netip"
	"strings"
)

// ClientIPResolver extracts the client address of a request.
//
// Forwarding headers are only honoured when TrustProxy is set. Enable it only
// behind a reverse proxy that overwrites X-Forwarded-For, otherwise clients
// can spoof their address.
type ClientIPResolver struct {
	TrustProxy bool

	// TrustedProxyCount is the number of proxies we control, counted from the
	// right of X-Forwarded-For. Zero means one.
	TrustedProxyCount int
}

// Resolve returns the client IP, falling back to the connection's remote address.
func (c ClientIPResolver) Resolve(r *http.Request) string {
	if c.TrustProxy {
		if ip, ok := c.fromForwardedFor(r.Header.Get("X-Forwarded-For")); ok {
			return ip
		}
		if ip, ok := parseIP(r.Header.Get("X-Real-IP")); ok {
			return ip
		}
	}
	return fromRemoteAddr(r.RemoteAddr)
}

// GetClientIP is shorthand for ClientIPResolver{...}.Resolve(r).
func GetClientIP(r *http.Request, trustProxy bool, trustedProxyCount int) string {
	return ClientIPResolver{TrustProxy: trustProxy, TrustedProxyCount: trustedProxyCount}.Resolve(r)
}

// fromForwardedFor picks the client entry of "client, proxy1, proxy2".
//
//	Client (1.2.3.4) -> UntrustedProxy -> TrustedProxy2 -> TrustedProxy1 (us)
//	X-Forwarded-For: "1.2.3.4, untrusted-ip, proxy2-ip", TrustedProxyCount=2
//	=> "1.2.3.4"
func (c ClientIPResolver) fromForwardedFor(xff string) (string, bool) {
	if xff == "" {
		return "", false
	}
	hops := strings.Split(xff, ",")

	proxies := c.TrustedProxyCount
	if proxies <= 0 {
		proxies = 1
	}
	idx := max(len(hops)-proxies-1, 0)
	return parseIP(hops[idx])
}

func parseIP(s string) (string, bool) {
	addr, err := netip.ParseAddr(strings.TrimSpace(s))
	if err != nil {
		return "", false
	}
	return addr.Unmap().String(), true
}

func fromRemoteAddr(remoteAddr string) string {
	if ap, err := netip.ParseAddrPort(remoteAddr); err == nil {
		return ap.Addr().Unmap().String()
	}
	if ip, ok := parseIP(remoteAddr); ok {
		return ip
	}
	return remoteAddr
}

type clientIPContextKey struct{}

// WithClientIP stores the resolved client address in the context so that
// audit events raised below the HTTP layer can include it.
func WithClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, clientIPContextKey{}, ip)
}

// ClientIPFromContext returns the address stored by WithClientIP, or "".
func ClientIPFromContext(ctx context.Context) string {
	if ip, ok := ctx.Value(clientIPContextKey{}).(string); ok {
		return ip
	}
	return ""
}
