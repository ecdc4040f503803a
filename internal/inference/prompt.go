package inference

import (
	"encoding/json"
	"strings"
)

const systemPrompt = `You are a precise legal metadata extractor for purchase agreements.
Always return STRICT JSON only, one object, no markdown.
If a field is unknown, use null. Write dates as ISO YYYY-MM-DD whenever the text allows it.
If you are unsure or find conflicting values for a date, list the field in "uncertain_fields"
and give up to 3 options in "candidate_dates" keyed by field name.
Set "confidence" to your overall confidence between 0 and 1.
Keep "extraction_notes" under 120 characters.`

const fieldGuide = `Extract these fields from the purchase agreement text below:
- vendor_name: the supplier or provider company, not the buyer. Drop legal suffixes unless they are part of the common name.
- start_date: "Effective Date", "Start Date" or "Commencement Date".
- end_date: "End Date", "Expiration Date" or "Term End". Leave null when only a term length is given.
- term_length: the initial term as written, e.g. "24 months" or "two (2) years".
- renewal_date: the date the contract renews, often the end date for auto-renewing contracts.
- renewal_term: a short description of the renewal terms, e.g. "Auto-renews annually" or "No auto-renewal".
- notice_period_days: days of notice required to cancel or not renew, as an integer ("thirty (30) days" = 30).
- confidence, uncertain_fields, candidate_dates, extraction_notes: as described above.`

// TruncateHead keeps the first max runes of text. Agreement metadata (parties,
// effective date, term, renewal and notice clauses) sits near the start of the
// document, so the head is what matters.
func TruncateHead(text string, max int) (string, bool) {
	if max <= 0 {
		return text, false
	}
	n := 0
	for i := range text {
		if n == max {
			return text[:i], true
		}
		n++
	}
	return text, false
}

func buildSystemPrompt() string {
	schema, _ := json.MarshalIndent(BuildSchema(), "", "  ")
	var b strings.Builder
	b.WriteString(systemPrompt)
	b.WriteString("\n\nJSON Schema:\n")
	b.Write(schema)
	return b.String()
}

func buildUserPrompt(text string, truncated bool) string {
	var b strings.Builder
	b.WriteString(fieldGuide)
	b.WriteString("\n\nTEXT")
	if truncated {
		b.WriteString(" (beginning of document only)")
	}
	b.WriteString(":\n")
	b.WriteString(text)
	return b.String()
}
