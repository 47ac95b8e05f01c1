package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"sort"
	"strings"
)

// FingerprintLength is the number of hex characters kept from the SHA-256
// digest. 64 bits keeps collisions negligible well past a million keys.
const FingerprintLength = 16

// Key identifies one upstream request: the endpoint path plus its
// parameters. Parameter order is irrelevant.
type Key struct {
	// Endpoint is the upstream path (e.g. "/api/allIndices")
	Endpoint string

	// Params are the query parameters (e.g. {"symbol": "INFY"})
	Params map[string]string
}

// NewKey builds a Key for endpoint and params.
func NewKey(endpoint string, params map[string]string) Key {
	return Key{Endpoint: endpoint, Params: params}
}

// String returns the canonical request form: endpoint followed by the
// escaped, key-sorted parameters.
//
// Example:
//
//	/api/quote-equity?section=trade_info&symbol=INFY
func (k Key) String() string {
	if len(k.Params) == 0 {
		return k.Endpoint
	}

	names := make([]string, 0, len(k.Params))
	for name := range k.Params {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString(k.Endpoint)
	b.WriteByte('?')
	for i, name := range names {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(name))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(k.Params[name]))
	}
	return b.String()
}

// Fingerprint returns the fixed-length digest of the canonical form.
func (k Key) Fingerprint() string {
	sum := sha256.Sum256([]byte(k.String()))
	return hex.EncodeToString(sum[:])[:FingerprintLength]
}

// Fingerprint is shorthand for NewKey(endpoint, params).Fingerprint().
func Fingerprint(endpoint string, params map[string]string) string {
	return NewKey(endpoint, params).Fingerprint()
}
