package rules

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/shopspring/decimal"
)

var numberPattern = regexp.MustCompile(`[-+]?\d+(?:[.,']\d+)*`)

// ParseNumber extracts the first number in input. Currency symbols are
// ignored, and thousands separators are told apart from decimal separators
// by position: "1,500" and "1.500.000" are thousands, "3,5" and "2.75" are
// decimals, and in "1.234,56" the last separator is the decimal one.
func ParseNumber(input string) (decimal.Decimal, bool) {
	cleaned := strings.Map(func(r rune) rune {
		if unicode.Is(unicode.Sc, r) {
			return ' '
		}
		return r
	}, input)

	for _, token := range numberPattern.FindAllString(cleaned, -1) {
		if d, ok := normalizeNumber(token); ok {
			return d, true
		}
	}
	return decimal.Decimal{}, false
}

func normalizeNumber(token string) (decimal.Decimal, bool) {
	sign := ""
	if strings.HasPrefix(token, "-") || strings.HasPrefix(token, "+") {
		sign, token = token[:1], token[1:]
		if sign == "+" {
			sign = ""
		}
	}
	token = strings.ReplaceAll(token, "'", "")

	commas := strings.Count(token, ",")
	dots := strings.Count(token, ".")

	switch {
	case commas > 0 && dots > 0:
		decimalSep, thousandsSep := ".", ","
		if strings.LastIndex(token, ",") > strings.LastIndex(token, ".") {
			decimalSep, thousandsSep = ",", "."
		}
		if strings.Count(token, decimalSep) > 1 {
			return decimal.Decimal{}, false
		}
		token = strings.ReplaceAll(token, thousandsSep, "")
		token = strings.Replace(token, decimalSep, ".", 1)

	case commas == 1:
		if len(token)-strings.Index(token, ",")-1 == 3 {
			token = strings.ReplaceAll(token, ",", "")
		} else {
			token = strings.Replace(token, ",", ".", 1)
		}

	case commas > 1:
		token = strings.ReplaceAll(token, ",", "")

	case dots > 1:
		token = strings.ReplaceAll(token, ".", "")
	}

	d, err := decimal.NewFromString(sign + token)
	if err != nil {
		return decimal.Decimal{}, false
	}
	return d, true
}
