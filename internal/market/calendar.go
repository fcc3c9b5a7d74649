// Package market provides the trading calendar and session clock for
// the National Stock Exchange of India.
package market

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Phase classifies an instant relative to the trading session
type Phase string

const (
	PhaseClosed Phase = "closed" // Holiday or weekend
	PhasePre    Phase = "pre"    // Trading day, before open
	PhaseOpen   Phase = "open"   // Inside session hours
	PhasePost   Phase = "post"   // Trading day, after close
)

// Calendar is a pure function of a timestamp and a static holiday set.
// All classification happens in the configured zone (IST by default).
type Calendar struct {
	loc       *time.Location
	holidays  map[string]bool // "2006-01-02" -> true
	years     map[int]bool    // Years with a configured holiday list
	openHour  int
	openMin   int
	closeHour int
	closeMin  int
	log       zerolog.Logger

	warnedYears map[int]bool // Fail-open warning emitted once per year
}

// NewCalendar builds a calendar for the given zone and session times.
// Open and close are "HH:MM" strings in the zone.
func NewCalendar(timezone, open, close string, log zerolog.Logger) (*Calendar, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("failed to load timezone %q: %w", timezone, err)
	}

	openT, err := time.Parse("15:04", open)
	if err != nil {
		return nil, fmt.Errorf("invalid open time %q: %w", open, err)
	}
	closeT, err := time.Parse("15:04", close)
	if err != nil {
		return nil, fmt.Errorf("invalid close time %q: %w", close, err)
	}

	return &Calendar{
		loc:         loc,
		holidays:    make(map[string]bool),
		years:       make(map[int]bool),
		openHour:    openT.Hour(),
		openMin:     openT.Minute(),
		closeHour:   closeT.Hour(),
		closeMin:    closeT.Minute(),
		log:         log.With().Str("component", "calendar").Logger(),
		warnedYears: make(map[int]bool),
	}, nil
}

// Location returns the calendar's time zone
func (c *Calendar) Location() *time.Location {
	return c.loc
}

// AddHolidays registers exchange holidays (dates as "2006-01-02")
func (c *Calendar) AddHolidays(dates ...string) error {
	for _, d := range dates {
		t, err := time.ParseInLocation("2006-01-02", d, c.loc)
		if err != nil {
			return fmt.Errorf("invalid holiday date %q: %w", d, err)
		}
		c.holidays[d] = true
		c.years[t.Year()] = true
	}
	return nil
}

// LoadHolidayFile reads a holiday list, one "2006-01-02" date per line.
// Blank lines and lines starting with '#' are ignored.
func (c *Calendar) LoadHolidayFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open holiday file: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if err := c.AddHolidays(line); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// IsTradingDay reports whether the date (interpreted in the calendar
// zone) is a trading day. Weekends are never trading days. If the year
// has no configured holiday list the calendar fails open: it logs a
// warning once per year and assumes a trading day.
func (c *Calendar) IsTradingDay(ts time.Time) bool {
	ts = ts.In(c.loc)
	wd := ts.Weekday()
	if wd == time.Saturday || wd == time.Sunday {
		return false
	}

	if !c.years[ts.Year()] {
		if !c.warnedYears[ts.Year()] {
			c.log.Warn().Int("year", ts.Year()).
				Msg("No holiday list configured for year, assuming trading day")
			c.warnedYears[ts.Year()] = true
		}
		return true
	}

	return !c.holidays[ts.Format("2006-01-02")]
}

// Phase classifies a timestamp as closed, pre-market, open, or post-market
func (c *Calendar) Phase(ts time.Time) Phase {
	ts = ts.In(c.loc)
	if !c.IsTradingDay(ts) {
		return PhaseClosed
	}

	open, close := c.SessionBoundaries(ts)
	switch {
	case ts.Before(open):
		return PhasePre
	case ts.After(close):
		return PhasePost
	default:
		return PhaseOpen
	}
}

// SessionBoundaries returns the session open and close instants for the
// date of the given timestamp. Boundaries are inclusive on both ends.
func (c *Calendar) SessionBoundaries(ts time.Time) (time.Time, time.Time) {
	ts = ts.In(c.loc)
	open := time.Date(ts.Year(), ts.Month(), ts.Day(), c.openHour, c.openMin, 0, 0, c.loc)
	close := time.Date(ts.Year(), ts.Month(), ts.Day(), c.closeHour, c.closeMin, 0, 0, c.loc)
	return open, close
}

// SameTradingDay reports whether two instants fall on the same calendar
// day in the exchange zone. Used for day-transition resets.
func (c *Calendar) SameTradingDay(a, b time.Time) bool {
	a, b = a.In(c.loc), b.In(c.loc)
	return a.Year() == b.Year() && a.YearDay() == b.YearDay()
}
