// Package tokenutil provides opaque-token generation, constant-time
// comparison, and millisecond-epoch time helpers shared by every
// component that mints or checks a bearer credential.
package tokenutil

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"time"
)

// MaxTokenChars is the upper bound accepted by IsOpaqueToken, independent
// of how many bytes of entropy a given token was minted with.
const MaxTokenChars = 512

// RandomToken returns a URL-safe, unpadded base64 encoding of n
// cryptographically random bytes.
func RandomToken(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand.Read only fails if the OS entropy source is
		// unavailable, which is not a condition this relay can recover
		// from; a panic surfaces it immediately at boot or first use.
		panic("tokenutil: failed to read random bytes: " + err.Error())
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}

// IsOpaqueToken reports whether v looks like a token minted by RandomToken:
// minChars <= len(v) <= MaxTokenChars, every byte ASCII alphanumeric, '-' or '_'.
func IsOpaqueToken(v string, minChars int) bool {
	if len(v) < minChars || len(v) > MaxTokenChars {
		return false
	}
	for i := 0; i < len(v); i++ {
		c := v[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '_':
		default:
			return false
		}
	}
	return true
}

// SafeTokenEquals compares a and b in time independent of the position of
// the first differing byte, returning false immediately if lengths differ
// (length itself is not considered secret).
func SafeTokenEquals(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// NowMs returns the current wall-clock time as milliseconds since the epoch, UTC.
func NowMs() int64 {
	return time.Now().UTC().UnixMilli()
}

// FromMs converts a millisecond epoch timestamp to a UTC time.Time.
func FromMs(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// RFC3339FromMs renders a millisecond epoch timestamp as an RFC 3339 string.
func RFC3339FromMs(ms int64) string {
	return FromMs(ms).Format(time.RFC3339Nano)
}

// ParseRFC3339ToMs parses an RFC 3339 timestamp into milliseconds since the
// epoch. Returns an error if the value is not a valid RFC 3339 timestamp.
func ParseRFC3339ToMs(v string) (int64, error) {
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		t, err = time.Parse(time.RFC3339, v)
		if err != nil {
			return 0, err
		}
	}
	return t.UnixMilli(), nil
}
