// Package hexid generates short random hex identifiers.
package hexid

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
)

// New returns an 8-character lowercase hex string (4 random bytes).
func New() string {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic("hexid: crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b[:])
}

// Join builds "<part>-<part>-...-<hex8>", skipping empty parts. External
// executors use it for session ids such as "cron-nightly-1a2b3c4d".
func Join(parts ...string) string {
	kept := make([]string, 0, len(parts)+1)
	for _, p := range parts {
		p = strings.Trim(strings.TrimSpace(p), "-")
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(append(kept, New()), "-")
}
