// Package ids generates store and request identifiers and derives the
// namespace, release, and URL names built from them.
package ids

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"
)

const (
	storePrefix = "store-"
	reqPrefix   = "req_"
)

// StoreIDPattern is the wire-level shape of a store id.
var StoreIDPattern = regexp.MustCompile(`^store-[0-9a-f]{8}$`)

// NamePattern is the wire-level shape of a tenant-chosen store name.
var NamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*[a-z0-9]$`)

// NewStoreID generates a storeId from 4 cryptographically random bytes.
func NewStoreID() string {
	return storePrefix + randomHex(4)
}

// NewRequestID generates a requestId from 6 cryptographically random bytes.
func NewRequestID() string {
	return reqPrefix + randomHex(6)
}

func randomHex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}

// ValidStoreName reports whether name satisfies the length, charset, and
// no-consecutive-hyphen rules. The reserved-name set is checked separately
// by the caller (guardrail.ReservedName).
func ValidStoreName(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}
	if !NamePattern.MatchString(name) {
		return false
	}
	for i := 0; i+1 < len(name); i++ {
		if name[i] == '-' && name[i+1] == '-' {
			return false
		}
	}
	return true
}

// Namespace derives the Kubernetes namespace from a storeId. By construction
// this equals the id verbatim.
func Namespace(storeID string) string { return storeID }

// ReleaseName derives the chart installer release name from a storeId. By
// construction this equals the id verbatim.
func ReleaseName(storeID string) string { return storeID }

// BuildStoreURL composes the storefront URL for a store from the configured
// scheme and domain suffix. Colocated here with the rest of the naming
// module rather than in config, per the naming/config split decision
// recorded in DESIGN.md.
func BuildStoreURL(scheme, storeID, domainSuffix, port string) string {
	host := fmt.Sprintf("%s.%s", storeID, domainSuffix)
	if port != "" {
		host += ":" + port
	}
	return fmt.Sprintf("%s://%s", scheme, host)
}

// AdminURL derives the admin URL from the storefront URL and engine.
func AdminURL(storefrontURL, engine string) string {
	switch engine {
	case "woocommerce":
		return storefrontURL + "/wp-admin"
	case "medusa":
		return storefrontURL + "/admin"
	default:
		return storefrontURL + "/admin"
	}
}
