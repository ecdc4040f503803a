// Package normalize turns raw model output into typed contract terms plus
// quality metadata. It performs no I/O.
package normalize

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/local/renewalcal/internal/contract"
	"github.com/local/renewalcal/internal/inference"
)

const (
	DefaultReviewThreshold = 0.60
	MaxNoticeDays          = contract.MaxNoticeDays
	// MaxCandidateDates caps the alternates kept per date field.
	MaxCandidateDates = 3
)

// Options tunes normalization.
type Options struct {
	// ReviewThreshold flags records whose confidence falls below it.
	ReviewThreshold float64
}

// Result is the normalized form of one extraction.
type Result struct {
	Terms   contract.Terms
	Quality contract.Quality
	// TermInferred is set when end_date was derived from the term length.
	TermInferred bool
}

type normalizer struct {
	uncertain  []string
	candidates map[string][]contract.Date
	notes      []string
}

func (n *normalizer) flag(field string) { n.uncertain = append(n.uncertain, field) }

func (n *normalizer) note(format string, args ...any) {
	n.notes = append(n.notes, fmt.Sprintf(format, args...))
}

// Normalize validates and coerces raw fields. It never fails: values it cannot
// interpret become null, are flagged uncertain and get a note.
func Normalize(raw inference.Fields, opts Options) Result {
	if opts.ReviewThreshold <= 0 {
		opts.ReviewThreshold = DefaultReviewThreshold
	}
	n := &normalizer{candidates: map[string][]contract.Date{}}
	var res Result

	res.Terms.VendorName = text(raw.VendorName)
	res.Terms.RenewalTerm = text(raw.RenewalTerm)
	res.Terms.StartDate = n.date(contract.FieldStartDate, raw.StartDate, raw.CandidateDates)
	res.Terms.EndDate = n.date(contract.FieldEndDate, raw.EndDate, raw.CandidateDates)
	res.Terms.RenewalDate = n.date(contract.FieldRenewalDate, raw.RenewalDate, raw.CandidateDates)
	res.Terms.NoticePeriodDays = n.notice(raw.NoticePeriodDays)

	if res.Terms.EndDate == nil && res.Terms.StartDate != nil && !hasAlternates(n.candidates, contract.FieldEndDate) {
		for i, src := range []*string{raw.TermLength, raw.RenewalTerm} {
			if src == nil {
				continue
			}
			if months, ok := TermMonths(*src); ok {
				end := res.Terms.StartDate.AddMonths(months)
				res.Terms.EndDate = &end
				res.TermInferred = true
				if i == 0 {
					n.note("end_date inferred from start_date plus %d months", months)
				} else {
					// A renewal term need not match the initial term.
					n.flag(contract.FieldEndDate)
					n.note("end_date inferred from start_date plus the %d month renewal term", months)
				}
				break
			}
		}
	}

	for _, f := range raw.UncertainFields {
		f = strings.TrimSpace(f)
		if contract.IsField(f) {
			n.flag(f)
		}
	}

	q := &res.Quality
	if raw.Confidence != nil {
		c := math.Max(0, math.Min(1, *raw.Confidence))
		q.Confidence = &c
	}
	q.UncertainFields = contract.SortFields(n.uncertain)
	if len(n.candidates) > 0 {
		q.CandidateDates = n.candidates
	}

	var notes []string
	if raw.Notes != nil {
		if s := strings.TrimSpace(*raw.Notes); s != "" {
			notes = append(notes, s)
		}
	}
	notes = append(notes, n.notes...)
	if len(notes) > 0 {
		joined := strings.Join(notes, "; ")
		q.Notes = &joined
	}

	q.NeedsReview = (q.Confidence != nil && *q.Confidence < opts.ReviewThreshold) ||
		len(q.UncertainFields) > 0 ||
		res.Terms.RenewalDate == nil ||
		res.Terms.NoticePeriodDays == nil
	return res
}

func hasAlternates(c map[string][]contract.Date, field string) bool {
	return len(c[field]) > 0
}

func text(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	if v == "" || strings.EqualFold(v, "null") {
		return nil
	}
	return &v
}

// date resolves the primary value and any alternates for one date field.
func (n *normalizer) date(field string, primary *string, alternates map[string][]string) *contract.Date {
	var all []contract.Date
	add := func(ds []contract.Date) {
		for _, d := range ds {
			dup := false
			for _, x := range all {
				if x.Equal(d) {
					dup = true
					break
				}
			}
			if !dup {
				all = append(all, d)
			}
		}
	}

	var value *contract.Date
	if p := text(primary); p != nil {
		parsed := interpretDate(*p)
		if len(parsed) == 0 {
			n.flag(field)
			n.note("%s: could not interpret %q", field, *p)
		} else {
			value = &parsed[0]
			add(parsed)
		}
	}
	for _, alt := range alternates[field] {
		add(interpretDate(alt))
	}

	if len(all) > 1 || (value == nil && len(all) > 0) {
		if len(all) > MaxCandidateDates {
			all = all[:MaxCandidateDates]
		}
		n.candidates[field] = all
		n.flag(field)
	}
	return value
}

var (
	parenNumberRe = regexp.MustCompile(`\((\s*-?\d+(?:\.\d+)?\s*)\)`)
	firstNumberRe = regexp.MustCompile(`-?\d+(?:\.\d+)?`)
)

// notice coerces a notice period to whole days within [0, MaxNoticeDays].
func (n *normalizer) notice(v any) *int {
	if v == nil {
		return nil
	}
	var (
		f   float64
		ok  bool
		raw string
	)
	switch t := v.(type) {
	case json.Number:
		raw = t.String()
		var err error
		f, err = t.Float64()
		ok = err == nil
	case float64:
		raw, f, ok = strconv.FormatFloat(t, 'f', -1, 64), t, true
	case int:
		raw, f, ok = strconv.Itoa(t), float64(t), true
	case string:
		raw = strings.TrimSpace(t)
		if raw == "" || strings.EqualFold(raw, "null") {
			return nil
		}
		var rejected bool
		f, ok, rejected = n.noticeText(raw)
		if rejected {
			return nil
		}
	default:
		raw = fmt.Sprint(t)
	}

	if !ok {
		n.flag(contract.FieldNoticePeriodDays)
		n.note("notice_period_days: could not interpret %q", raw)
		return nil
	}
	if f != math.Trunc(f) {
		n.flag(contract.FieldNoticePeriodDays)
		n.note("notice_period_days: %s is not a whole number of days", raw)
		return nil
	}
	if f < 0 || f > MaxNoticeDays {
		n.flag(contract.FieldNoticePeriodDays)
		n.note("notice_period_days: %s is outside 0..%d", raw, MaxNoticeDays)
		return nil
	}
	days := int(f)
	return &days
}

// Approximate calendar days per unit; conversions through them flag the field.
const (
	daysPerMonth = 30
	daysPerYear  = 365
)

// noticeText reads a notice period written as text. Days and weeks convert
// exactly. Months and years convert approximately and flag the field, as does
// a number with no unit. Business days cannot be mapped to calendar days and
// are rejected.
func (n *normalizer) noticeText(raw string) (days float64, ok, rejected bool) {
	s := stripThousands(raw)
	f, ok := parseNoticeNumber(s)
	if !ok {
		return 0, false, false
	}
	if _, err := strconv.ParseFloat(s, 64); err == nil {
		return f, true, false
	}
	m := noticeUnitRe.FindStringSubmatch(s)
	if m == nil {
		n.flag(contract.FieldNoticePeriodDays)
		n.note("notice_period_days: no unit in %q, assumed days", raw)
		return f, true, false
	}
	qualifier, unit := strings.ToLower(m[1]), strings.ToLower(m[2])
	if qualifier == "business" || qualifier == "working" {
		n.flag(contract.FieldNoticePeriodDays)
		n.note("notice_period_days: %q counts %s days, not calendar days", raw, qualifier)
		return 0, false, true
	}
	switch unit {
	case "week":
		return f * 7, true, false
	case "month":
		f = math.Round(f * daysPerMonth)
	case "year":
		f = math.Round(f * daysPerYear)
	default:
		return f, true, false
	}
	n.flag(contract.FieldNoticePeriodDays)
	n.note("notice_period_days: %q converted to %d days", raw, int(f))
	return f, true, false
}

var (
	thousandsRe  = regexp.MustCompile(`(\d),(\d{3})\b`)
	noticeUnitRe = regexp.MustCompile(`(?i)\b(?:(business|working|calendar)\s+)?(day|week|month|year)s?\b`)
)

// stripThousands turns "1,095" into "1095".
func stripThousands(s string) string {
	for {
		next := thousandsRe.ReplaceAllString(s, "$1$2")
		if next == s {
			return s
		}
		s = next
	}
}

func parseNoticeNumber(s string) (float64, bool) {
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f, true
	}
	if m := parenNumberRe.FindStringSubmatch(s); m != nil {
		if f, err := strconv.ParseFloat(strings.TrimSpace(m[1]), 64); err == nil {
			return f, true
		}
	}
	if m := firstNumberRe.FindString(s); m != "" {
		if f, err := strconv.ParseFloat(m, 64); err == nil {
			return f, true
		}
	}
	if v, ok := leadingNumberWord(s); ok {
		return float64(v), true
	}
	return 0, false
}
