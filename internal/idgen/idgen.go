// Package idgen generates opaque random identifiers for persisted records.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
)

// Record prefixes. Keeping them here makes an id's kind obvious in logs.
const (
	PrefixOrganization = "org_"
	PrefixUser         = "usr_"
	PrefixPlan         = "pln_"
	PrefixSubscription = "sub_"
	PrefixAudit        = "aud_"
	PrefixProperty     = "prp_"
)

// WithPrefix returns prefix followed by 24 hex chars (12 random bytes).
func WithPrefix(prefix string) string {
	return prefix + Hex(12)
}

// Hex returns numBytes random bytes hex-encoded.
func Hex(numBytes int) string {
	b := make([]byte, numBytes)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}
