package schedule

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// nextOccurrenceBound caps the forward search so unreachable expressions
// (e.g. February 30th) fail instead of looping.
const nextOccurrenceBound = 4 * 365 * 24 * time.Hour

// Engine parses cron expressions in both the standard 5-field format and
// the 6-field seconds-prefixed variant.
type Engine struct {
	standard cron.Parser
	seconds  cron.Parser
}

// NewEngine returns a cron engine.
func NewEngine() *Engine {
	return &Engine{
		standard: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		seconds:  cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
	}
}

func (e *Engine) parse(expr string) (cron.Schedule, error) {
	fields := strings.Fields(expr)
	// A leading CRON_TZ=/TZ= token pins the timezone; robfig consumes it.
	if len(fields) > 0 && (strings.HasPrefix(fields[0], "CRON_TZ=") || strings.HasPrefix(fields[0], "TZ=")) {
		fields = fields[1:]
	}
	switch len(fields) {
	case 5:
		return e.standard.Parse(expr)
	case 6:
		return e.seconds.Parse(expr)
	default:
		return nil, fmt.Errorf("cron expression %q: want 5 or 6 fields, got %d", expr, len(fields))
	}
}

// IsValid reports whether expr parses. It never panics.
func (e *Engine) IsValid(expr string) bool {
	_, err := e.parse(expr)
	return err == nil
}

// NextOccurrence returns the next fire time strictly after from, in UTC.
func (e *Engine) NextOccurrence(expr string, from time.Time) (time.Time, error) {
	sched, err := e.parse(expr)
	if err != nil {
		return time.Time{}, err
	}
	from = from.UTC()
	next := sched.Next(from)
	if next.IsZero() || next.Sub(from) > nextOccurrenceBound {
		return time.Time{}, fmt.Errorf("cron expression %q: no occurrence within bound", expr)
	}
	return next.UTC(), nil
}

// Description returns a short humanization for common patterns and
// "Cron: <expr>" for everything else.
func (e *Engine) Description(expr string) string {
	fields := strings.Fields(expr)

	if len(fields) == 6 {
		if fields[0] == "*" && allStars(fields[1:]) {
			return "Every second"
		}
		return "Cron: " + expr
	}
	if len(fields) != 5 {
		return "Cron: " + expr
	}

	minute, hour, dom, month, dow := fields[0], fields[1], fields[2], fields[3], fields[4]

	if allStars(fields) {
		return "Every minute"
	}
	if minute == "0" && allStars(fields[1:]) {
		return "Every hour"
	}

	m, mOK := parseField(minute)
	h, hOK := parseField(hour)

	if mOK && hOK && dom == "*" && month == "*" {
		if dow == "*" {
			return "Every day at " + clockPhrase(h, m)
		}
		if day, ok := weekdayName(dow); ok && m == 0 && h == 0 {
			return fmt.Sprintf("Every %s at midnight", day)
		}
	}
	if m == 0 && h == 0 && mOK && hOK && dom == "1" && month == "*" && dow == "*" {
		return "First day of every month"
	}
	return "Cron: " + expr
}

func allStars(fields []string) bool {
	for _, f := range fields {
		if f != "*" {
			return false
		}
	}
	return true
}

func parseField(f string) (int, bool) {
	n, err := strconv.Atoi(f)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

func clockPhrase(hour, minute int) string {
	switch {
	case hour == 0 && minute == 0:
		return "midnight"
	case minute == 0 && hour < 12:
		return fmt.Sprintf("%d AM", hour)
	case minute == 0 && hour == 12:
		return "12 PM"
	case minute == 0:
		return fmt.Sprintf("%d PM", hour-12)
	default:
		return fmt.Sprintf("%02d:%02d", hour, minute)
	}
}

func weekdayName(dow string) (string, bool) {
	names := map[string]string{
		"0": "Sunday", "1": "Monday", "2": "Tuesday", "3": "Wednesday",
		"4": "Thursday", "5": "Friday", "6": "Saturday", "7": "Sunday",
	}
	name, ok := names[dow]
	return name, ok
}
