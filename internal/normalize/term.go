package normalize

import (
	"regexp"
	"strconv"
	"strings"
)

var numberWords = map[string]int{
	"one": 1, "two": 2, "three": 3, "four": 4, "five": 5, "six": 6,
	"seven": 7, "eight": 8, "nine": 9, "ten": 10, "eleven": 11, "twelve": 12,
	"fifteen": 15, "eighteen": 18, "twenty": 20, "twenty-four": 24, "thirty": 30,
	"thirty-six": 36, "forty-five": 45, "sixty": 60, "ninety": 90,
	"one hundred twenty": 120, "one hundred eighty": 180,
}

var (
	termDigitsRe = regexp.MustCompile(`(?i)(\d+)\s*(?:-\s*)?(month|year)s?\b`)
	termWordsRe  = regexp.MustCompile(`(?i)\b([a-z]+(?:[\s-][a-z]+)*?)\s*(?:\(\d+\)\s*)?(?:-\s*)?(month|year)s?\b`)
)

// TermMonths reads a term length such as "24 months", "2 years", "thirty-six month"
// or "two (2) years" and returns it in months.
func TermMonths(s string) (int, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return 0, false
	}
	if m := termDigitsRe.FindStringSubmatch(s); m != nil {
		n, err := strconv.Atoi(m[1])
		if err == nil && n > 0 {
			return scale(n, m[2]), true
		}
	}
	if m := termWordsRe.FindStringSubmatch(s); m != nil {
		if n, ok := trailingNumberWord(m[1]); ok {
			return scale(n, m[2]), true
		}
	}
	return 0, false
}

func scale(n int, unit string) int {
	if strings.HasPrefix(strings.ToLower(unit), "year") {
		return n * 12
	}
	return n
}

// trailingNumberWord matches the longest number word phrase ending the given words,
// so "initial term of twenty-four" yields 24.
func trailingNumberWord(phrase string) (int, bool) {
	words := strings.Fields(strings.ReplaceAll(phrase, "-", " - "))
	for i := 0; i < len(words); i++ {
		candidate := strings.ReplaceAll(strings.Join(words[i:], " "), " - ", "-")
		if v, ok := numberWords[candidate]; ok {
			return v, true
		}
	}
	return 0, false
}

// leadingNumberWord matches a number word at the start of s, e.g. "ninety days".
func leadingNumberWord(s string) (int, bool) {
	words := strings.Fields(strings.ToLower(strings.ReplaceAll(s, "-", " - ")))
	for i := len(words); i > 0; i-- {
		candidate := strings.ReplaceAll(strings.Join(words[:i], " "), " - ", "-")
		if v, ok := numberWords[candidate]; ok {
			return v, true
		}
	}
	return 0, false
}
