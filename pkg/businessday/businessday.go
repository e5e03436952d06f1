// Package businessday counts elapsed business days between two instants,
// excluding Saturdays and Sundays. Consent freshness rules are expressed in
// business days rather than calendar days.
package businessday

import "time"

// Age returns the number of business days between from and now. Saturdays
// and Sundays are not counted. Only whole calendar days are considered; the
// day of `from` itself is not counted. A zero or future `from` yields 0.
func Age(from, now time.Time) int {
	from = from.In(time.UTC)
	now = now.In(time.UTC)

	day := time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, time.UTC)
	end := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	age := 0
	for day.Before(end) {
		day = day.AddDate(0, 0, 1)
		switch day.Weekday() {
		case time.Saturday, time.Sunday:
		default:
			age++
		}
	}
	return age
}

// Expired reports whether `from` has reached an age of maxDays business
// days. A record dated Friday is expired on the following Wednesday when
// maxDays is 3 (Mon, Tue, Wed), but not on Tuesday.
func Expired(from, now time.Time, maxDays int) bool {
	return Age(from, now) >= maxDays
}
