package normalize

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/local/renewalcal/internal/contract"
)

var (
	isoDateRe     = regexp.MustCompile(`^(\d{4})[-/](\d{1,2})[-/](\d{1,2})(?:[T ].*)?$`)
	numericDateRe = regexp.MustCompile(`^(\d{1,2})[/.\-](\d{1,2})[/.\-](\d{4}|\d{2})$`)
	ordinalRe     = regexp.MustCompile(`(?i)\b(\d{1,2})(st|nd|rd|th)\b`)
	spaceRe       = regexp.MustCompile(`\s+`)
	septRe        = regexp.MustCompile(`(?i)\bsept\b`)
	abbrevDotRe   = regexp.MustCompile(`(?i)\b(jan|feb|mar|apr|jun|jul|aug|sep|oct|nov|dec)\.`)
)

// Month-name layouts in priority order, applied after cleanup removes commas.
var namedLayouts = []string{
	"January 2 2006",
	"Jan 2 2006",
	"2 January 2006",
	"2 Jan 2006",
}

// interpretDate returns every calendar-valid reading of s, most likely first.
// An unambiguous value yields one date; "03/04/2024" yields March 4 then April 3.
func interpretDate(s string) []contract.Date {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	var out []contract.Date
	add := func(d contract.Date, ok bool) {
		if !ok {
			return
		}
		for _, x := range out {
			if x.Equal(d) {
				return
			}
		}
		out = append(out, d)
	}

	if m := isoDateRe.FindStringSubmatch(s); m != nil {
		add(civil(atoi(m[1]), atoi(m[2]), atoi(m[3])))
		return out
	}

	cleaned := cleanDateText(s)
	for _, layout := range namedLayouts {
		if t, err := time.Parse(layout, cleaned); err == nil {
			add(contract.DateOf(t), true)
		}
	}

	if m := numericDateRe.FindStringSubmatch(cleaned); m != nil {
		a, b, y := atoi(m[1]), atoi(m[2]), expandYear(m[3])
		add(civil(y, a, b)) // month/day/year
		add(civil(y, b, a)) // day/month/year
	}
	return out
}

func cleanDateText(s string) string {
	s = strings.TrimRight(s, ".;: ")
	s = septRe.ReplaceAllString(s, "Sep")
	s = abbrevDotRe.ReplaceAllString(s, "$1")
	s = ordinalRe.ReplaceAllString(s, "$1")
	s = strings.ReplaceAll(s, ",", " ")
	s = strings.ReplaceAll(s, " of ", " ")
	return strings.TrimSpace(spaceRe.ReplaceAllString(s, " "))
}

// civil builds a date and rejects values time.Date would roll over (Feb 30 and similar).
func civil(year, month, day int) (contract.Date, bool) {
	if month < 1 || month > 12 || day < 1 || day > 31 {
		return contract.Date{}, false
	}
	d := contract.NewDate(year, time.Month(month), day)
	if d.Year() != year || int(d.Month()) != month || d.Day() != day {
		return contract.Date{}, false
	}
	return d, true
}

func expandYear(s string) int {
	y := atoi(s)
	if len(s) == 2 {
		y += 2000
	}
	return y
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
