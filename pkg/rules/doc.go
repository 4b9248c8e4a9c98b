/*
Package rules implements the tests a RuleStep uses to classify contact input.

A Test is a closed set of variants (TrueTest, ContainsAnyTest, BetweenTest, ...).
Evaluate matches on the concrete type and returns whether the input matched
together with the normalized value that gets stored as the result value.

The package has no dependencies on the rest of the engine. Everything a test
needs beyond the input text (the current time, the org date format, the
location hierarchy, webhook or subflow outcomes) is passed in through Context.

# Evaluation Order

Rules are evaluated in declared order and the first match wins. Callers must
preserve that order exactly since category counts depend on it.

# Captures

Evaluation is side-effect free. RegexTest reports its capture groups in
Result.Captures ("0" for the whole match, "1", "2", ... for positional
groups, plus any named groups). An AndTest carries the captures of its
children only when all of them match, so the caller can copy them into the
run once the rule is chosen.
*/
package rules
