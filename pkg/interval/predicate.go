package interval

import "time"

// Kind identifies the shape of interval a dataset accepts.
type Kind string

const (
	// SingleDay matches an interval covering exactly one calendar day.
	SingleDay Kind = "single_day"
	// ExactWeek matches one Monday-to-Sunday calendar week. Monday-start is
	// the only accepted convention; Sunday-start selections are rejected.
	ExactWeek Kind = "exact_week"
	// FullMonth matches the first through the last day of one calendar month.
	FullMonth Kind = "full_month"
	// CustomRange matches any other well-formed range of 1 to 365 days that
	// is not a more specific kind.
	CustomRange Kind = "custom_range"
)

// MaxCustomDays bounds the span a custom range may cover.
const MaxCustomDays = 365

// Matches reports whether the interval is an eligible selection for the given
// kind. It is pure and total: an unset or malformed interval matches nothing.
func Matches(kind Kind, iv Interval) bool {
	if !iv.Valid() {
		return false
	}
	n := iv.Normalize()
	switch kind {
	case SingleDay:
		return sameDay(n.From, n.To)
	case ExactWeek:
		return n.Days() == 7 && n.From.Weekday() == time.Monday && n.To.Weekday() == time.Sunday
	case FullMonth:
		return n.From.Day() == 1 &&
			n.From.Month() == n.To.Month() && n.From.Year() == n.To.Year() &&
			n.To.Day() == lastDayOfMonth(n.To)
	case CustomRange:
		days := n.Days()
		if days < 1 || days > MaxCustomDays {
			return false
		}
		return !Matches(SingleDay, n) && !Matches(ExactWeek, n) && !Matches(FullMonth, n)
	default:
		return false
	}
}

// ContainsToday reports whether the interval covers the current calendar day.
// It exists only so callers can flag an in-progress period; fetch gating goes
// through Matches, which never reads the clock.
func ContainsToday(iv Interval) bool {
	if !iv.Valid() {
		return false
	}
	n := iv.Normalize()
	today := dayStart(time.Now())
	return !today.Before(n.From) && !today.After(n.To)
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

func lastDayOfMonth(t time.Time) int {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location()).
		AddDate(0, 1, -1).Day()
}
