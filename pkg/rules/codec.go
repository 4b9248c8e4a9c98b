package rules

import (
	"encoding/json"
	"fmt"
)

type decoder func([]byte) (Test, error)

func decodeAs[T Test](data []byte) (Test, error) {
	var t T
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, err
	}
	return t, nil
}

var decoders = map[string]decoder{
	"true":                 decodeAs[TrueTest],
	"false":                decodeAs[FalseTest],
	"contains":             decodeAs[ContainsTest],
	"contains_any":         decodeAs[ContainsAnyTest],
	"contains_phrase":      decodeAs[ContainsPhraseTest],
	"contains_only_phrase": decodeAs[ContainsOnlyPhraseTest],
	"starts":               decodeAs[StartsWithTest],
	"regex":                decodeAs[RegexTest],
	"number":               decodeAs[NumberTest],
	"lt":                   decodeAs[LessThanTest],
	"lte":                  decodeAs[LessThanOrEqualTest],
	"gt":                   decodeAs[GreaterThanTest],
	"gte":                  decodeAs[GreaterThanOrEqualTest],
	"eq":                   decodeAs[EqualTest],
	"between":              decodeAs[BetweenTest],
	"phone":                decodeAs[PhoneTest],
	"email":                decodeAs[EmailTest],
	"not_empty":            decodeAs[NotEmptyTest],
	"date":                 decodeAs[DateTest],
	"date_before":          decodeAs[DateBeforeTest],
	"date_equal":           decodeAs[DateEqualTest],
	"date_after":           decodeAs[DateAfterTest],
	"state":                decodeAs[HasStateTest],
	"district":             decodeAs[HasDistrictTest],
	"ward":                 decodeAs[HasWardTest],
	"webhook_status":       decodeAs[WebhookStatusTest],
	"subflow":              decodeAs[SubflowTest],
	"timeout":              decodeAs[TimeoutTest],

	// older names still found in saved definitions
	"has_all_words": decodeAs[ContainsTest],
	"has_any_word":  decodeAs[ContainsAnyTest],
	"has_word":      decodeAs[ContainsAnyTest],
	"starts_with":   decodeAs[StartsWithTest],
}

// Marshal encodes t as a JSON object with a "type" discriminator.
func Marshal(t Test) ([]byte, error) {
	if t == nil {
		return nil, fmt.Errorf("cannot marshal nil test")
	}
	switch t := t.(type) {
	case AndTest:
		return marshalGroup(t.Type(), t.Tests)
	case OrTest:
		return marshalGroup(t.Type(), t.Tests)
	}

	body, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s test: %w", t.Type(), err)
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("failed to marshal %s test: %w", t.Type(), err)
	}
	fields["type"], _ = json.Marshal(t.Type())
	return json.Marshal(fields)
}

func marshalGroup(kind string, tests []Test) ([]byte, error) {
	children := make([]json.RawMessage, 0, len(tests))
	for _, child := range tests {
		b, err := Marshal(child)
		if err != nil {
			return nil, err
		}
		children = append(children, b)
	}
	return json.Marshal(struct {
		Type  string            `json:"type"`
		Tests []json.RawMessage `json:"tests"`
	}{kind, children})
}

// Unmarshal decodes a test previously encoded with Marshal.
func Unmarshal(data []byte) (Test, error) {
	var head struct {
		Type  string            `json:"type"`
		Tests []json.RawMessage `json:"tests"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("invalid test: %w", err)
	}

	switch head.Type {
	case "and", "or":
		children := make([]Test, 0, len(head.Tests))
		for _, raw := range head.Tests {
			child, err := Unmarshal(raw)
			if err != nil {
				return nil, err
			}
			children = append(children, child)
		}
		if head.Type == "and" {
			return AndTest{Tests: children}, nil
		}
		return OrTest{Tests: children}, nil
	}

	decode, ok := decoders[head.Type]
	if !ok {
		return nil, fmt.Errorf("unknown test type %q", head.Type)
	}
	t, err := decode(data)
	if err != nil {
		return nil, fmt.Errorf("invalid %s test: %w", head.Type, err)
	}
	return t, nil
}
