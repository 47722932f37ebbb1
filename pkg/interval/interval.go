// Package interval defines the date interval selected on the dashboard and
// the validity predicates that gate dataset fetches. Everything here is pure:
// the only wall-clock dependency is ContainsToday, which is display-only and
// never consulted when deciding whether to fetch.
package interval

import (
	"strings"
	"time"
)

// DayFormat is the wire format for interval endpoints.
const DayFormat = "2006-01-02"

// EqualTolerance absorbs sub-second jitter introduced by serialization
// round-trips when comparing normalized endpoints.
const EqualTolerance = time.Second

// Interval is a closed, day-granularity date range. A zero From or To means
// the endpoint is unset; predicates treat a partially-set interval as invalid.
// Intervals are value types and are never mutated once handed downstream.
type Interval struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// Set reports whether both endpoints are present.
func (iv Interval) Set() bool { return !iv.From.IsZero() && !iv.To.IsZero() }

// Valid reports whether the interval is well-formed: both endpoints set and
// From not after To, at day granularity.
func (iv Interval) Valid() bool {
	if !iv.Set() {
		return false
	}
	n := iv.Normalize()
	return !n.From.After(n.To)
}

// Normalize truncates both endpoints to midnight in their own locations.
// Sub-day time components carry no meaning for a day-granularity range.
func (iv Interval) Normalize() Interval {
	return Interval{From: dayStart(iv.From), To: dayStart(iv.To)}
}

// Days returns the inclusive number of calendar days covered, or 0 when the
// interval is not valid. Endpoints are compared as UTC dates so a DST
// transition inside the range cannot shift the count.
func (iv Interval) Days() int {
	if !iv.Valid() {
		return 0
	}
	n := iv.Normalize()
	return int(utcDate(n.To).Sub(utcDate(n.From)).Hours()/24) + 1
}

// Equal compares two intervals at day granularity within tolerance.
// Two selections of the same days with different sub-day components or
// sub-second jitter are the same interval. Each endpoint is compared by value
// when present on both sides; a mismatch in which endpoints are set is a
// genuine change.
func (iv Interval) Equal(other Interval, tolerance time.Duration) bool {
	if iv.From.IsZero() != other.From.IsZero() || iv.To.IsZero() != other.To.IsZero() {
		return false
	}
	if !iv.From.IsZero() && !endpointEqual(iv.From, other.From, tolerance) {
		return false
	}
	if !iv.To.IsZero() && !endpointEqual(iv.To, other.To, tolerance) {
		return false
	}
	return true
}

// endpointEqual accepts either raw timestamps within tolerance (serialization
// jitter, which may cross a midnight boundary) or the same calendar day.
func endpointEqual(a, b time.Time, tolerance time.Duration) bool {
	return within(a, b, tolerance) || sameDay(a, b)
}

// String renders the interval as "YYYY-MM-DD..YYYY-MM-DD" for logs and keys.
func (iv Interval) String() string {
	return formatDay(iv.From) + ".." + formatDay(iv.To)
}

// RequestKey derives the cache and dedupe identity for one dataset+interval
// query. Logically equal intervals always produce the same key.
func RequestKey(dataset string, iv Interval, extra ...string) string {
	n := iv.Normalize()
	parts := append([]string{dataset, formatDay(n.From), formatDay(n.To)}, extra...)
	return strings.Join(parts, "|")
}

// utcDate re-expresses t's calendar date at midnight UTC.
func utcDate(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func dayStart(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

func formatDay(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format(DayFormat)
}

func within(a, b time.Time, tolerance time.Duration) bool {
	d := a.Sub(b)
	if d < 0 {
		d = -d
	}
	return d <= tolerance
}
