package security

import "time"

// DefaultClockSkewGracePeriod is how long past its expiry a token or code is
// still accepted, to absorb clock drift between replicas.
const DefaultClockSkewGracePeriod = 5 * time.Second

// IsTokenExpired reports whether expiresAt lies more than the default grace
// period in the past. A zero time never expires.
func IsTokenExpired(expiresAt time.Time) bool {
	return IsExpiredAt(expiresAt, time.Now(), DefaultClockSkewGracePeriod)
}

// IsExpiredAt is IsTokenExpired against an explicit clock reading.
func IsExpiredAt(expiresAt, now time.Time, grace time.Duration) bool {
	if expiresAt.IsZero() {
		return false
	}
	return now.After(expiresAt.Add(grace))
}

// SecondsUntil returns the whole seconds from now until expiresAt, never
// negative. Used for expires_in in token and introspection responses.
func SecondsUntil(expiresAt, now time.Time) int64 {
	if expiresAt.IsZero() || !expiresAt.After(now) {
		return 0
	}
	return int64(expiresAt.Sub(now) / time.Second)
}
