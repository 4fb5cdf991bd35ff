// Package quota tracks per-account daily send counts with calendar-day
// rollover.
package quota

import "time"

// DayFormat is the stored date key.
const DayFormat = "2006-01-02"

// Counter is the daily counter for one account. Not safe for concurrent
// use; the owning session serializes access.
type Counter struct {
	Date  string
	Count int
}

// CheckAndRoll must be called once per send attempt, immediately before
// deciding to proceed. If the stored date differs from today it resets the
// count and reports rolled=true so the caller can also restart its warmup
// counter. Returns whether another send is still allowed under limit.
func (c *Counter) CheckAndRoll(today time.Time, limit int) (allowed, rolled bool) {
	day := today.Format(DayFormat)
	if c.Date != day {
		c.Date = day
		c.Count = 0
		rolled = true
	}
	return c.Count < limit, rolled
}

// Inc records one successful send.
func (c *Counter) Inc() {
	c.Count++
}
