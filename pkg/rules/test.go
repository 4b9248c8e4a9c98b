package rules

import (
	"time"

	"github.com/shopspring/decimal"
)

// Test is a single rule condition. The set of implementations is closed:
// only types declared in this package satisfy it.
type Test interface {
	// Type returns the wire name of the test, e.g. "contains_any".
	Type() string
	isTest()
}

// DateFormat resolves the day-first / month-first ambiguity of numeric dates.
type DateFormat string

const (
	DayFirst   DateFormat = "day_first"
	MonthFirst DateFormat = "month_first"
)

// Outcome values reported by webhook and subflow steps.
const (
	WebhookSuccess = "success"
	WebhookFailure = "failure"

	SubflowCompleted = "completed"
	SubflowExpired   = "expired"
)

// Context carries everything a test may need besides the input text.
type Context struct {
	Now        time.Time
	Timezone   *time.Location
	DateFormat DateFormat
	Country    string // ISO 3166 alpha-2, used by phone and state tests

	Locations LocationResolver

	// Results exposes the current result values by key so tests can
	// reference earlier answers (e.g. the state for a district test).
	Results map[string]string

	// Outcome fields for non-message inputs.
	WebhookStatus string
	SubflowExit   string
	TimedOut      bool
}

// Result is what Evaluate reports.
type Result struct {
	Matched bool
	Value   string

	// Captures are regex groups of a matching result.
	Captures map[string]string
}

func matched(value string) Result { return Result{Matched: true, Value: value} }

var noMatch = Result{}

// TrueTest matches anything. It is the catch-all of a RuleStep.
type TrueTest struct{}

// FalseTest never matches.
type FalseTest struct{}

// AndTest matches when every child test matches.
type AndTest struct {
	Tests []Test `json:"-"`
}

// OrTest matches when any child test matches.
type OrTest struct {
	Tests []Test `json:"-"`
}

// ContainsTest matches when every word of Test appears in the input.
type ContainsTest struct {
	Test string `json:"test"`
}

// ContainsAnyTest matches when at least one word of Test appears in the input.
type ContainsAnyTest struct {
	Test string `json:"test"`
}

// ContainsPhraseTest matches when the words of Test appear consecutively.
type ContainsPhraseTest struct {
	Test string `json:"test"`
}

// ContainsOnlyPhraseTest matches when the input consists of exactly the phrase.
type ContainsOnlyPhraseTest struct {
	Test string `json:"test"`
}

// StartsWithTest matches when the input begins with Test (case-insensitive).
type StartsWithTest struct {
	Test string `json:"test"`
}

// RegexTest matches a case-insensitive regular expression.
type RegexTest struct {
	Pattern string `json:"pattern"`
}

// NumberTest matches any number.
type NumberTest struct{}

// LessThanTest matches numbers strictly below Test.
type LessThanTest struct {
	Test decimal.Decimal `json:"test"`
}

// LessThanOrEqualTest matches numbers at or below Test.
type LessThanOrEqualTest struct {
	Test decimal.Decimal `json:"test"`
}

// GreaterThanTest matches numbers strictly above Test.
type GreaterThanTest struct {
	Test decimal.Decimal `json:"test"`
}

// GreaterThanOrEqualTest matches numbers at or above Test.
type GreaterThanOrEqualTest struct {
	Test decimal.Decimal `json:"test"`
}

// EqualTest matches numbers equal to Test.
type EqualTest struct {
	Test decimal.Decimal `json:"test"`
}

// BetweenTest matches numbers in the inclusive range [Min, Max].
type BetweenTest struct {
	Min decimal.Decimal `json:"min"`
	Max decimal.Decimal `json:"max"`
}

// PhoneTest matches a phone number and normalizes it to E.164.
type PhoneTest struct {
	Country string `json:"country,omitempty"`
}

// EmailTest matches an email address.
type EmailTest struct{}

// NotEmptyTest matches any input with non-whitespace content.
type NotEmptyTest struct{}

// DateTest matches any parseable date.
type DateTest struct{}

// DateBeforeTest matches dates before today plus Days.
type DateBeforeTest struct {
	Days int `json:"days"`
}

// DateEqualTest matches dates equal to today plus Days.
type DateEqualTest struct {
	Days int `json:"days"`
}

// DateAfterTest matches dates after today plus Days.
type DateAfterTest struct {
	Days int `json:"days"`
}

// HasStateTest matches a first-level boundary of the context country.
type HasStateTest struct{}

// HasDistrictTest matches a district within State. State may reference an
// earlier result as "@results.<key>".
type HasDistrictTest struct {
	State string `json:"state"`
}

// HasWardTest matches a ward within District of State.
type HasWardTest struct {
	State    string `json:"state"`
	District string `json:"district"`
}

// WebhookStatusTest matches the outcome of a webhook or resthook call.
type WebhookStatusTest struct {
	Status string `json:"status"`
}

// SubflowTest matches the exit of a child run.
type SubflowTest struct {
	Exit string `json:"exit"`
}

// TimeoutTest matches when the wait timed out without a reply.
type TimeoutTest struct {
	Minutes int `json:"minutes"`
}

func (TrueTest) Type() string               { return "true" }
func (FalseTest) Type() string              { return "false" }
func (AndTest) Type() string                { return "and" }
func (OrTest) Type() string                 { return "or" }
func (ContainsTest) Type() string           { return "contains" }
func (ContainsAnyTest) Type() string        { return "contains_any" }
func (ContainsPhraseTest) Type() string     { return "contains_phrase" }
func (ContainsOnlyPhraseTest) Type() string { return "contains_only_phrase" }
func (StartsWithTest) Type() string         { return "starts" }
func (RegexTest) Type() string              { return "regex" }
func (NumberTest) Type() string             { return "number" }
func (LessThanTest) Type() string           { return "lt" }
func (LessThanOrEqualTest) Type() string    { return "lte" }
func (GreaterThanTest) Type() string        { return "gt" }
func (GreaterThanOrEqualTest) Type() string { return "gte" }
func (EqualTest) Type() string              { return "eq" }
func (BetweenTest) Type() string            { return "between" }
func (PhoneTest) Type() string              { return "phone" }
func (EmailTest) Type() string              { return "email" }
func (NotEmptyTest) Type() string           { return "not_empty" }
func (DateTest) Type() string               { return "date" }
func (DateBeforeTest) Type() string         { return "date_before" }
func (DateEqualTest) Type() string          { return "date_equal" }
func (DateAfterTest) Type() string          { return "date_after" }
func (HasStateTest) Type() string           { return "state" }
func (HasDistrictTest) Type() string        { return "district" }
func (HasWardTest) Type() string            { return "ward" }
func (WebhookStatusTest) Type() string      { return "webhook_status" }
func (SubflowTest) Type() string            { return "subflow" }
func (TimeoutTest) Type() string            { return "timeout" }

func (TrueTest) isTest()               {}
func (FalseTest) isTest()              {}
func (AndTest) isTest()                {}
func (OrTest) isTest()                 {}
func (ContainsTest) isTest()           {}
func (ContainsAnyTest) isTest()        {}
func (ContainsPhraseTest) isTest()     {}
func (ContainsOnlyPhraseTest) isTest() {}
func (StartsWithTest) isTest()         {}
func (RegexTest) isTest()              {}
func (NumberTest) isTest()             {}
func (LessThanTest) isTest()           {}
func (LessThanOrEqualTest) isTest()    {}
func (GreaterThanTest) isTest()        {}
func (GreaterThanOrEqualTest) isTest() {}
func (EqualTest) isTest()              {}
func (BetweenTest) isTest()            {}
func (PhoneTest) isTest()              {}
func (EmailTest) isTest()              {}
func (NotEmptyTest) isTest()           {}
func (DateTest) isTest()               {}
func (DateBeforeTest) isTest()         {}
func (DateEqualTest) isTest()          {}
func (DateAfterTest) isTest()          {}
func (HasStateTest) isTest()           {}
func (HasDistrictTest) isTest()        {}
func (HasWardTest) isTest()            {}
func (WebhookStatusTest) isTest()      {}
func (SubflowTest) isTest()            {}
func (TimeoutTest) isTest()            {}

// IsCatchAll reports whether t matches every input.
func IsCatchAll(t Test) bool {
	_, ok := t.(TrueTest)
	return ok
}
