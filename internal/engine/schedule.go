package engine

import (
	"fmt"
	"time"
	_ "time/tzdata"
)

const (
	DefaultMarketTimezone   = "Asia/Kolkata"
	DefaultMarketOpen       = "09:15"
	DefaultMarketClose      = "15:30"
	DefaultOffHoursInterval = 60 * time.Second
)

// Schedule slows polling down outside the exchange's weekday trading session.
type Schedule struct {
	loc              *time.Location
	openAt           time.Duration
	closeAt          time.Duration
	offHoursInterval time.Duration
}

func NewSchedule(timezone, openAt, closeAt string, offHours time.Duration) (*Schedule, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("часовой пояс %q: %w", timezone, err)
	}
	o, err := clockOffset(openAt)
	if err != nil {
		return nil, err
	}
	c, err := clockOffset(closeAt)
	if err != nil {
		return nil, err
	}
	if c <= o {
		return nil, fmt.Errorf("время закрытия %s должно быть позже открытия %s", closeAt, openAt)
	}
	if offHours <= 0 {
		offHours = DefaultOffHoursInterval
	}
	return &Schedule{loc: loc, openAt: o, closeAt: c, offHoursInterval: offHours}, nil
}

func clockOffset(hhmm string) (time.Duration, error) {
	t, err := time.Parse("15:04", hhmm)
	if err != nil {
		return 0, fmt.Errorf("некорректное время %q: %w", hhmm, err)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

func (s *Schedule) IsOpen(t time.Time) bool {
	local := t.In(s.loc)
	switch local.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, s.loc)
	offset := local.Sub(midnight)
	return offset >= s.openAt && offset < s.closeAt
}

// Interval returns the poll interval to use at t.
func (s *Schedule) Interval(t time.Time, base time.Duration) time.Duration {
	if s == nil || s.IsOpen(t) {
		return base
	}
	return s.offHoursInterval
}
