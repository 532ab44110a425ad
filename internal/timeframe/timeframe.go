// Package timeframe turns loose relative expressions such as "7d", "2w" or
// "last month" into concrete date ranges ending now.
package timeframe

import (
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var relativePattern = regexp.MustCompile(`^(\d+)\s*(d|w|m|h|y)`)

// Longest accepted span. Larger spans overflow time.Time arithmetic and are not-found.
const (
	maxYears = 1_000_000
	maxDays  = maxYears * 366
)

// Range is a closed interval with End equal to the reference time.
type Range struct {
	Start time.Time `json:"start_date"`
	End   time.Time `json:"end_date"`
}

func (r Range) Duration() time.Duration { return r.End.Sub(r.Start) }

// Parse resolves expr relative to the current UTC time.
func Parse(expr string) (Range, bool) {
	return ParseAt(expr, time.Now().UTC())
}

// ParseAt resolves expr relative to now. Units are days, weeks, months (30 days),
// hours and years. Anything after the unit letter is ignored, so "7days" is "7d".
// Expressions without a number fall back to 7 days when they mention a week and
// 30 days when they mention a month.
func ParseAt(expr string, now time.Time) (Range, bool) {
	term := strings.ToLower(strings.TrimSpace(expr))
	if term == "" {
		return Range{}, false
	}

	match := relativePattern.FindStringSubmatch(term)
	if match == nil {
		switch {
		case strings.Contains(term, "week"):
			return ParseAt("7d", now)
		case strings.Contains(term, "month"):
			return ParseAt("30d", now)
		default:
			return Range{}, false
		}
	}

	quantity, err := strconv.Atoi(match[1])
	if err != nil {
		return Range{}, false
	}

	var start time.Time
	switch match[2] {
	case "d":
		if quantity > maxDays {
			return Range{}, false
		}
		start = now.AddDate(0, 0, -quantity)
	case "w":
		if quantity > maxDays/7 {
			return Range{}, false
		}
		start = now.AddDate(0, 0, -quantity*7)
	case "m":
		if quantity > maxDays/30 {
			return Range{}, false
		}
		start = now.AddDate(0, 0, -quantity*30)
	case "h":
		if int64(quantity) > math.MaxInt64/int64(time.Hour) {
			return Range{}, false
		}
		start = now.Add(-time.Duration(quantity) * time.Hour)
	case "y":
		if quantity > maxYears {
			return Range{}, false
		}
		start = now.AddDate(-quantity, 0, 0)
	default:
		return Range{}, false
	}
	return Range{Start: start, End: now}, true
}
