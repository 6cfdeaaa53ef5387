// Package temporal implements the validity and decay model shared by
// hybrid search and the memory graph: duration parsing, as-of reference
// times, and exponential recency decay with an access-count boost.
package temporal

import (
	"math"
	"regexp"
	"strconv"
	"time"

	"memvault/internal/errors"
	"memvault/internal/record"
)

// durationRegex matches the compact duration forms: 7d, 2w, 3m, 1y.
var durationRegex = regexp.MustCompile(`^(\d+)([dwmy])$`)

// Calendar approximations used for the month and year suffixes.
const (
	day   = 24 * time.Hour
	week  = 7 * day
	month = 30 * day
	year  = 365 * day
)

// ParseDuration converts "Nd", "Nw", "Nm", "Ny", or an ISO date into a
// timestamp. Duration forms are relative to now; a date is taken
// literally. Unknown forms fail with a validation error.
func ParseDuration(s string, now time.Time) (time.Time, error) {
	if m := durationRegex.FindStringSubmatch(s); m != nil {
		n, err := strconv.Atoi(m[1])
		if err != nil {
			return time.Time{}, errors.Validationf("malformed duration %q", s)
		}
		switch m[2] {
		case "d":
			return now.Add(time.Duration(n) * day), nil
		case "w":
			return now.Add(time.Duration(n) * week), nil
		case "m":
			return now.Add(time.Duration(n) * month), nil
		case "y":
			return now.Add(time.Duration(n) * year), nil
		}
	}

	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}

	return time.Time{}, errors.Validationf("malformed duration %q: want Nd, Nw, Nm, Ny, or an ISO date", s)
}

// ReferenceTime resolves the "now" used in validity predicates. A set
// asOf replaces the wall clock; invalidated_by is still applied by the
// callers, so point-in-time here means validity, not knowledge horizon.
func ReferenceTime(asOf *time.Time, now time.Time) time.Time {
	if asOf != nil {
		return *asOf
	}
	return now
}

// DecayParams tunes recency decay and the access-count boost.
type DecayParams struct {
	// Lambda is the exponential decay rate per day.
	Lambda float64
	// AccessWeight is the α in the access boost 1 + α·log(1+count).
	AccessWeight float64
	// MaxAccessBoost caps the access boost multiplier.
	MaxAccessBoost float64
}

// DecayedScore applies temporal decay and the access boost to a score:
// s' = s · exp(-λ · age_days) · min(1 + α·log(1+access), max_boost).
func DecayedScore(score float64, createdAt time.Time, accessCount int, now time.Time, p DecayParams) float64 {
	ageDays := now.Sub(createdAt).Hours() / 24
	if ageDays < 0 {
		ageDays = 0
	}
	decayed := score * math.Exp(-p.Lambda*ageDays)

	boost := 1 + p.AccessWeight*math.Log1p(float64(accessCount))
	if p.MaxAccessBoost > 0 && boost > p.MaxAccessBoost {
		boost = p.MaxAccessBoost
	}
	return decayed * boost
}

// AllYoungerThan reports whether every memory was created within the
// given window of now. Hybrid search auto-skips decay in that case.
func AllYoungerThan(memories []*record.Memory, window time.Duration, now time.Time) bool {
	for _, m := range memories {
		if now.Sub(m.CreatedAt) >= window {
			return false
		}
	}
	return true
}

// VisibleAt applies the point-in-time post-filter: rows created after the
// reference date, or whose validity interval excludes it, are dropped.
// invalidated_by is checked separately by the caller.
func VisibleAt(m *record.Memory, asOf time.Time) bool {
	if m.CreatedAt.After(asOf) {
		return false
	}
	if m.ValidFrom != nil && m.ValidFrom.After(asOf) {
		return false
	}
	if m.ValidUntil != nil && m.ValidUntil.Before(asOf) {
		return false
	}
	return true
}
