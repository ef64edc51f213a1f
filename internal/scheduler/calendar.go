package scheduler

import (
	"time"

	"github.com/scmhub/calendar"
)

// BusinessCalendar answers business-day questions for the B3 exchange
// calendar, degrading to plain Mon-Fri when the MIC is unknown.
type BusinessCalendar struct {
	cal      *calendar.Calendar
	fallback bool
	loc      *time.Location
}

// NewBusinessCalendar loads the calendar for a MIC code (ISO 10383).
func NewBusinessCalendar(mic string, loc *time.Location) *BusinessCalendar {
	cal := calendar.GetCalendar(mic)
	if cal == nil {
		return &BusinessCalendar{fallback: true, loc: loc}
	}
	return &BusinessCalendar{cal: cal, loc: cal.Loc}
}

// IsBusinessDay reports whether the given date is a trading day.
func (c *BusinessCalendar) IsBusinessDay(t time.Time) bool {
	if c.loc != nil {
		t = t.In(c.loc)
	}
	if c.fallback {
		wd := t.Weekday()
		return wd != time.Saturday && wd != time.Sunday
	}
	return c.cal.IsBusinessDay(t)
}
