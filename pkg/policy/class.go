// Package policy maps upstream endpoints to cache freshness classes.
package policy

import (
	"fmt"
	"time"
)

// Class is a cache freshness class.
type Class int

const (
	// Disabled never caches.
	Disabled Class = iota

	// VeryShort is for live snapshots that move every few seconds.
	VeryShort

	// Short is for intraday analytics refreshed every couple of minutes.
	Short

	// Medium is the default for anything unlisted.
	Medium

	// Long is for filings and calendars updated a few times an hour.
	Long

	// Daily is for reference data refreshed once per session.
	Daily

	// Weekly is for periodic disclosures.
	Weekly

	// Static is for data that practically never changes.
	Static
)

var classDurations = [...]time.Duration{
	Disabled:  0,
	VeryShort: 30 * time.Second,
	Short:     2 * time.Minute,
	Medium:    5 * time.Minute,
	Long:      15 * time.Minute,
	Daily:     24 * time.Hour,
	Weekly:    7 * 24 * time.Hour,
	Static:    30 * 24 * time.Hour,
}

var classNames = [...]string{
	Disabled:  "disabled",
	VeryShort: "very_short",
	Short:     "short",
	Medium:    "medium",
	Long:      "long",
	Daily:     "daily",
	Weekly:    "weekly",
	Static:    "static",
}

// Duration returns the TTL for the class.
func (c Class) Duration() time.Duration {
	if c < Disabled || int(c) >= len(classDurations) {
		return 0
	}
	return classDurations[c]
}

// String implements fmt.Stringer.
func (c Class) String() string {
	if c < Disabled || int(c) >= len(classNames) {
		return fmt.Sprintf("class(%d)", int(c))
	}
	return classNames[c]
}

// ParseClass converts a class name back to a Class.
func ParseClass(name string) (Class, error) {
	for c, n := range classNames {
		if n == name {
			return Class(c), nil
		}
	}
	return Disabled, fmt.Errorf("unknown ttl class %q", name)
}
