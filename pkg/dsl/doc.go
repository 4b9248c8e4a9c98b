/*
Package dsl builds flow definitions in Go instead of hand-written JSON.

The builder produces the same stored definition that the editor saves, so
its output can be passed to Engine.ImportFlow or SaveRevision. This is
useful for tests and for flows generated by other programs.

Example usage:

	b := dsl.New("color-flow").Language("eng").ExpiresAfter(60)

	b.Actions("prompt").
		Reply("What is your favorite color?").
		Go("color")

	b.Rules("color", domain.RuleStepWaitMessage).
		Label("Color").
		Case("orange", rules.ContainsAnyTest{Test: "orange"}, "Orange", "good").
		Otherwise("other", "Other", "")

	b.Actions("good").
		Reply("Good choice, @results.color.category!")

	definition, err := b.Definition()
*/
package dsl
