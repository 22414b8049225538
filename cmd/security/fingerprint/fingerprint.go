package fingerprint

import (
	"encoding/hex"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// shortLen is the hex length of Short digests.
const shortLen = 12

// Digest returns the BLAKE2b-256 hex digest of s. Empty input yields "".
func Digest(s string) string {
	if s == "" {
		return ""
	}
	sum := blake2b.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// Short returns a truncated digest suitable for log correlation.
func Short(s string) string {
	d := Digest(strings.TrimSpace(s))
	if len(d) <= shortLen {
		return d
	}
	return d[:shortLen]
}
