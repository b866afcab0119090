// Package idgen mints the random identifiers used across the engine.
// Every aggregate id is a short type prefix ("pay_", "dsp_", "evd_", ...)
// followed by 24 hex characters, which keeps ids unguessable and lets logs
// and support tooling tell entity types apart at a glance.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
)

// WithPrefix returns prefix + 24 hex chars from 12 random bytes.
func WithPrefix(prefix string) string {
	return prefix + Hex(12)
}

// Hex returns n random bytes hex-encoded.
func Hex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		// rand.Read only fails when the OS entropy source is broken;
		// minting predictable ids would be worse than crashing.
		panic("idgen: " + err.Error())
	}
	return hex.EncodeToString(b)
}
