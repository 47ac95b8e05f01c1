// Package tracker remembers which feed records have been processed, making
// repeated polling of a cursor-less upstream feed idempotent.
package tracker

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
	"unicode"
)

const (
	// NoTimestamp replaces the timestamp part of an id when the record has
	// none or it cannot be parsed.
	NoTimestamp = "00000000000000"

	// maxNameKeyLength caps the name-derived key of non-symbol records.
	maxNameKeyLength = 20

	unknownKey = "UNKNOWN"

	idTimestampLayout = "20060102150405"
)

// Upstream timestamps carry no zone and are exchange local time.
var exchangeLocation = time.FixedZone("IST", 5*60*60+30*60)

var timestampLayouts = []string{
	"02-Jan-2006 15:04:05",
	"02-Jan-2006 15:04",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	time.RFC3339,
	"02-Jan-2006",
	"2006-01-02",
}

// Record is one item of an upstream feed such as corporate announcements.
type Record struct {
	// Category is the feed the record came from, e.g. "announcement".
	Category string `json:"category"`

	// Symbol is the trading symbol; empty for non-listed entities.
	Symbol string `json:"symbol,omitempty"`

	// Name is the entity name, used when Symbol is empty.
	Name string `json:"name,omitempty"`

	Subject     string `json:"subject,omitempty"`
	Description string `json:"description,omitempty"`

	// AttachmentURL points at an optional document.
	AttachmentURL string `json:"attachment_url,omitempty"`

	// Timestamp is the raw upstream broadcast time.
	Timestamp string `json:"timestamp,omitempty"`
}

// NaturalKey is the symbol, or the normalized name for non-symbol records.
func (r Record) NaturalKey() string {
	if s := strings.TrimSpace(r.Symbol); s != "" {
		return strings.ToUpper(s)
	}
	if n := normalizeName(r.Name); n != "" {
		return n
	}
	return unknownKey
}

// UniqueID derives the stable identity of r:
//
//	<natural key>_<YYYYMMDDHHMMSS>_<first 8 hex of sha256(subject)>
//
// The description is hashed instead when the subject is empty. The
// timestamp is rendered in exchange local time whatever offset it carried.
// Only fields the upstream does not rewrite between fetches take part.
func UniqueID(r Record) string {
	ts := NoTimestamp
	if t, ok := ParseTimestamp(r.Timestamp); ok {
		ts = t.In(exchangeLocation).Format(idTimestampLayout)
	}

	text := strings.TrimSpace(r.Subject)
	if text == "" {
		text = strings.TrimSpace(r.Description)
	}
	sum := sha256.Sum256([]byte(text))

	return r.NaturalKey() + "_" + ts + "_" + hex.EncodeToString(sum[:])[:8]
}

// ParseTimestamp parses the upstream timestamp formats. Values without a
// zone are read as exchange local time.
func ParseTimestamp(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, s, exchangeLocation); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// normalizeName keeps letters and digits, upper-cased and capped.
func normalizeName(name string) string {
	var b strings.Builder
	for _, r := range name {
		if b.Len() >= maxNameKeyLength {
			break
		}
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			b.WriteRune(unicode.ToUpper(r))
		}
	}
	return b.String()
}
