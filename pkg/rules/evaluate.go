package rules

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/nyaruka/phonenumbers"
	"github.com/shopspring/decimal"
)

var (
	emailPattern = regexp.MustCompile(`[\w.+\-]+@[\w\-]+(?:\.[\w\-]+)+`)
	phonePattern = regexp.MustCompile(`\+?[\d][\d\s().\-]{4,}\d`)
)

const isoDate = "2006-01-02"

// Evaluate runs t against input. A nil ctx behaves like an empty Context
// evaluated at the current time.
func Evaluate(t Test, input string, ctx *Context) Result {
	if ctx == nil {
		ctx = &Context{}
	}
	if ctx.Now.IsZero() {
		ctx.Now = time.Now()
	}

	switch t := t.(type) {
	case TrueTest:
		return matched(strings.TrimSpace(input))
	case FalseTest:
		return noMatch

	case AndTest:
		if len(t.Tests) == 0 {
			return noMatch
		}
		var last Result
		var captures map[string]string
		for _, child := range t.Tests {
			last = Evaluate(child, input, ctx)
			if !last.Matched {
				return noMatch
			}
			for k, v := range last.Captures {
				if captures == nil {
					captures = map[string]string{}
				}
				captures[k] = v
			}
		}
		last.Captures = captures
		return last
	case OrTest:
		for _, child := range t.Tests {
			if r := Evaluate(child, input, ctx); r.Matched {
				return r
			}
		}
		return noMatch

	case ContainsTest:
		return fromPair(containsWords(input, t.Test, true))
	case ContainsAnyTest:
		return fromPair(containsWords(input, t.Test, false))
	case ContainsPhraseTest:
		return fromPair(containsPhrase(input, t.Test))
	case ContainsOnlyPhraseTest:
		return fromPair(containsOnlyPhrase(input, t.Test))
	case StartsWithTest:
		return fromPair(startsWith(input, t.Test))
	case RegexTest:
		return evaluateRegex(t, input, ctx)

	case NumberTest:
		return compareNumber(input, func(decimal.Decimal) bool { return true })
	case LessThanTest:
		return compareNumber(input, func(d decimal.Decimal) bool { return d.LessThan(t.Test) })
	case LessThanOrEqualTest:
		return compareNumber(input, func(d decimal.Decimal) bool { return d.LessThanOrEqual(t.Test) })
	case GreaterThanTest:
		return compareNumber(input, func(d decimal.Decimal) bool { return d.GreaterThan(t.Test) })
	case GreaterThanOrEqualTest:
		return compareNumber(input, func(d decimal.Decimal) bool { return d.GreaterThanOrEqual(t.Test) })
	case EqualTest:
		return compareNumber(input, func(d decimal.Decimal) bool { return d.Equal(t.Test) })
	case BetweenTest:
		return compareNumber(input, func(d decimal.Decimal) bool {
			return d.GreaterThanOrEqual(t.Min) && d.LessThanOrEqual(t.Max)
		})

	case PhoneTest:
		country := t.Country
		if country == "" {
			country = ctx.Country
		}
		return evaluatePhone(input, strings.ToUpper(country))
	case EmailTest:
		if m := emailPattern.FindString(input); m != "" {
			return matched(m)
		}
		return noMatch
	case NotEmptyTest:
		if v := strings.TrimSpace(input); v != "" {
			return matched(v)
		}
		return noMatch

	case DateTest:
		return compareDate(input, ctx, 0, func(time.Time, time.Time) bool { return true })
	case DateBeforeTest:
		return compareDate(input, ctx, t.Days, func(d, ref time.Time) bool { return d.Before(ref) })
	case DateEqualTest:
		return compareDate(input, ctx, t.Days, func(d, ref time.Time) bool { return d.Equal(ref) })
	case DateAfterTest:
		return compareDate(input, ctx, t.Days, func(d, ref time.Time) bool { return d.After(ref) })

	case HasStateTest:
		if b := findInText(ctx.Locations, input, LevelState, nil); b != nil {
			return matched(b.Name)
		}
		return noMatch
	case HasDistrictTest:
		state := findState(ctx, resolveReference(t.State, ctx))
		if state == nil {
			return noMatch
		}
		if b := findInText(ctx.Locations, input, LevelDistrict, state); b != nil {
			return matched(b.Name)
		}
		return noMatch
	case HasWardTest:
		state := findState(ctx, resolveReference(t.State, ctx))
		if state == nil {
			return noMatch
		}
		district := ctx.Locations.FindBoundary(resolveReference(t.District, ctx), LevelDistrict, state)
		if district == nil {
			return noMatch
		}
		if b := findInText(ctx.Locations, input, LevelWard, district); b != nil {
			return matched(b.Name)
		}
		return noMatch

	case WebhookStatusTest:
		if ctx.WebhookStatus != "" && ctx.WebhookStatus == t.Status {
			return matched(input)
		}
		return noMatch
	case SubflowTest:
		if ctx.SubflowExit != "" && ctx.SubflowExit == t.Exit {
			return matched(t.Exit)
		}
		return noMatch
	case TimeoutTest:
		if ctx.TimedOut {
			return matched(strconv.Itoa(t.Minutes))
		}
		return noMatch
	}
	return noMatch
}

func fromPair(ok bool, value string) Result {
	if !ok {
		return noMatch
	}
	return matched(value)
}

func compareNumber(input string, cmp func(decimal.Decimal) bool) Result {
	d, ok := ParseNumber(input)
	if !ok || !cmp(d) {
		return noMatch
	}
	return matched(d.String())
}

func compareDate(input string, ctx *Context, days int, cmp func(d, ref time.Time) bool) Result {
	d, ok := ParseDate(input, ctx.DateFormat, ctx.Now, ctx.Timezone)
	if !ok {
		return noMatch
	}
	ref := today(ctx.Now, d.Location(), days)
	if !cmp(d, ref) {
		return noMatch
	}
	return matched(d.Format(isoDate))
}

func evaluatePhone(input, country string) Result {
	candidate := phonePattern.FindString(input)
	if candidate == "" {
		return noMatch
	}
	num, err := phonenumbers.Parse(candidate, country)
	if err != nil || !phonenumbers.IsPossibleNumber(num) {
		return noMatch
	}
	return matched(phonenumbers.Format(num, phonenumbers.E164))
}

func evaluateRegex(t RegexTest, input string, ctx *Context) Result {
	re, err := regexp.Compile("(?i)" + t.Pattern)
	if err != nil {
		return noMatch
	}
	groups := re.FindStringSubmatch(input)
	if groups == nil {
		return noMatch
	}
	names := re.SubexpNames()
	captures := make(map[string]string, len(groups))
	for i, g := range groups {
		captures[strconv.Itoa(i)] = g
		if names[i] != "" {
			captures[names[i]] = g
		}
	}
	r := matched(groups[0])
	r.Captures = captures
	return r
}
