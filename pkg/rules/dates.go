package rules

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	isoDatePattern     = regexp.MustCompile(`(\d{4})[-/.](\d{1,2})[-/.](\d{1,2})`)
	numericDatePattern = regexp.MustCompile(`(\d{1,2})[-/. ](\d{1,2})[-/. ](\d{2,4})`)
	namedDatePattern   = regexp.MustCompile(`(?i)(\d{1,2})(?:st|nd|rd|th)?\s+([a-z]{3,})\.?,?\s+(\d{2,4})`)
)

var monthPrefixes = map[string]time.Month{
	"jan": time.January, "feb": time.February, "mar": time.March, "apr": time.April,
	"may": time.May, "jun": time.June, "jul": time.July, "aug": time.August,
	"sep": time.September, "oct": time.October, "nov": time.November, "dec": time.December,
}

// ParseDate finds a date in input. Purely numeric dates are read as
// day/month/year or month/day/year according to format; four-digit leading
// years are always year/month/day.
func ParseDate(input string, format DateFormat, now time.Time, loc *time.Location) (time.Time, bool) {
	if loc == nil {
		loc = time.UTC
	}

	if m := isoDatePattern.FindStringSubmatch(input); m != nil {
		return buildDate(atoi(m[1]), atoi(m[2]), atoi(m[3]), now, loc)
	}

	if m := numericDatePattern.FindStringSubmatch(input); m != nil {
		first, second, year := atoi(m[1]), atoi(m[2]), atoi(m[3])
		if format == MonthFirst {
			return buildDate(year, first, second, now, loc)
		}
		return buildDate(year, second, first, now, loc)
	}

	if m := namedDatePattern.FindStringSubmatch(input); m != nil {
		month, ok := monthPrefixes[strings.ToLower(m[2][:3])]
		if !ok {
			return time.Time{}, false
		}
		return buildDate(atoi(m[3]), int(month), atoi(m[1]), now, loc)
	}

	return time.Time{}, false
}

func buildDate(year, month, day int, now time.Time, loc *time.Location) (time.Time, bool) {
	if year < 100 {
		year += 2000
		if year > now.Year()+20 {
			year -= 100
		}
	}
	if month < 1 || month > 12 || day < 1 {
		return time.Time{}, false
	}
	d := time.Date(year, time.Month(month), day, 0, 0, 0, 0, loc)
	if d.Day() != day || int(d.Month()) != month {
		return time.Time{}, false
	}
	return d, true
}

// today returns midnight of now in loc, shifted by days.
func today(now time.Time, loc *time.Location, days int) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	n := now.In(loc)
	return time.Date(n.Year(), n.Month(), n.Day()+days, 0, 0, 0, 0, loc)
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
