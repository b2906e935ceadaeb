package agents

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

const (
	dateLayout     = "2006-01-02"
	dateTimeLayout = "2006-01-02 15:04:05"
	day            = 24 * time.Hour
)

var (
	ErrNoDates     = errors.New("no dates in request")
	ErrInvalidStay = errors.New("check-out must be after check-in")

	datePattern = regexp.MustCompile(`\b(\d{4})[-/](\d{1,2})[-/](\d{1,2})(?:[ T](\d{1,2}):(\d{2})(?::(\d{2}))?)?\b`)
)

// ParseDate accepts "YYYY-MM-DD" and "YYYY-MM-DD HH:MM:SS". A bare date means
// midnight UTC.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(dateTimeLayout, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse date %q: %w", s, err)
	}
	return t, nil
}

// ExtractDates returns every calendar date written in text, in order.
func ExtractDates(text string) []time.Time {
	var out []time.Time
	for _, m := range datePattern.FindAllStringSubmatch(text, -1) {
		s := m[1] + "-" + pad2(m[2]) + "-" + pad2(m[3])
		t, err := time.Parse(dateLayout, s)
		if err != nil {
			continue
		}
		out = append(out, t)
	}
	return out
}

func pad2(s string) string {
	if len(s) == 1 {
		return "0" + s
	}
	return s
}

func midnight(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// Stay is a check-in/check-out pair at day granularity. Nights run from
// CheckIn up to, not including, CheckOut.
type Stay struct {
	CheckIn  time.Time
	CheckOut time.Time
}

// StayFromText reads the first two dates in text as check-in and check-out.
// A single date is a one-night stay.
func StayFromText(text string) (Stay, error) {
	dates := ExtractDates(text)
	if len(dates) == 0 {
		return Stay{}, ErrNoDates
	}
	s := Stay{CheckIn: midnight(dates[0]), CheckOut: midnight(dates[0]).Add(day)}
	if len(dates) > 1 {
		s.CheckOut = midnight(dates[1])
	}
	if !s.CheckOut.After(s.CheckIn) {
		return Stay{}, fmt.Errorf("%w: %s to %s", ErrInvalidStay, s.CheckIn.Format(dateLayout), s.CheckOut.Format(dateLayout))
	}
	return s, nil
}

func (s Stay) Nights() []time.Time {
	var out []time.Time
	for d := s.CheckIn; d.Before(s.CheckOut); d = d.Add(day) {
		out = append(out, d)
	}
	return out
}

// Window widens the stay for a lookup: two days earlier (one when check-in is
// today) and two days later, both at midnight.
func (s Stay) Window(today time.Time) (time.Time, time.Time) {
	before := 2 * day
	if s.CheckIn.Equal(midnight(today)) {
		before = day
	}
	return s.CheckIn.Add(-before), s.CheckOut.Add(2 * day)
}
