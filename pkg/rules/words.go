package rules

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// fold lowercases s and strips diacritics so "Orángé" compares equal to "orange".
func fold(s string) string {
	// Chained transformers carry state, so each call gets its own.
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return strings.ToLower(s)
	}
	return strings.ToLower(out)
}

type word struct {
	raw    string
	folded string
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsNumber(r) || unicode.Is(unicode.Mn, r)
}

// tokenize splits s into words, keeping the original spelling next to the folded one.
func tokenize(s string) []word {
	fields := strings.FieldsFunc(s, func(r rune) bool { return !isWordRune(r) })
	words := make([]word, 0, len(fields))
	for _, f := range fields {
		folded := fold(f)
		if folded == "" {
			continue
		}
		words = append(words, word{raw: f, folded: folded})
	}
	return words
}

func foldedWords(s string) []string {
	tokens := tokenize(s)
	out := make([]string, len(tokens))
	for i, t := range tokens {
		out[i] = t.folded
	}
	return out
}

func joinRaw(words []word) string {
	parts := make([]string, len(words))
	for i, w := range words {
		parts[i] = w.raw
	}
	return strings.Join(parts, " ")
}

// containsWords returns the input words matching the test words, in input order.
// When all is true every test word must be present.
func containsWords(input, test string, all bool) (bool, string) {
	tests := foldedWords(test)
	if len(tests) == 0 {
		return false, ""
	}
	inputs := tokenize(input)

	hit := make([]bool, len(inputs))
	found := 0
	for _, t := range tests {
		ok := false
		for i, w := range inputs {
			if w.folded == t {
				hit[i] = true
				ok = true
			}
		}
		if ok {
			found++
		} else if all {
			return false, ""
		}
	}
	if found == 0 {
		return false, ""
	}

	var matchedWords []word
	for i, w := range inputs {
		if hit[i] {
			matchedWords = append(matchedWords, w)
		}
	}
	return true, joinRaw(matchedWords)
}

func containsPhrase(input, phrase string) (bool, string) {
	tests := foldedWords(phrase)
	if len(tests) == 0 {
		return true, ""
	}
	inputs := tokenize(input)
	for start := 0; start+len(tests) <= len(inputs); start++ {
		ok := true
		for j, t := range tests {
			if inputs[start+j].folded != t {
				ok = false
				break
			}
		}
		if ok {
			return true, joinRaw(inputs[start : start+len(tests)])
		}
	}
	return false, ""
}

func containsOnlyPhrase(input, phrase string) (bool, string) {
	tests := foldedWords(phrase)
	inputs := tokenize(input)
	if len(tests) != len(inputs) {
		return false, ""
	}
	for i, t := range tests {
		if inputs[i].folded != t {
			return false, ""
		}
	}
	return true, joinRaw(inputs)
}

func startsWith(input, prefix string) (bool, string) {
	in := strings.TrimSpace(input)
	p := fold(strings.TrimSpace(prefix))
	if p == "" {
		return false, ""
	}
	if !strings.HasPrefix(fold(in), p) {
		return false, ""
	}
	n := len([]rune(p))
	r := []rune(in)
	if n > len(r) {
		n = len(r)
	}
	return true, string(r[:n])
}
