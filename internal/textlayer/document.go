// Package textlayer reads the embedded text of a PDF page by page and decides
// whether the document is mostly image-only.
package textlayer

import (
	"errors"
	"regexp"
	"strings"
	"unicode"
)

// ErrDocumentUnreadable means the bytes could not be opened as a PDF at all.
var ErrDocumentUnreadable = errors.New("document unreadable")

const (
	DefaultMinPageChars   = 20
	DefaultMaxSparseRatio = 0.5
)

// Page is the text layer of one page.
type Page struct {
	Index int    `json:"index"` // zero-based
	Text  string `json:"text"`
	// Chars counts non-whitespace runes in Text.
	Chars int `json:"chars"`
	// Failed marks a page whose text could not be read; Text is empty.
	Failed     bool   `json:"failed,omitempty"`
	Diagnostic string `json:"diagnostic,omitempty"`
	// OCR marks text that came from the OCR fallback instead of the text layer.
	OCR bool `json:"ocr,omitempty"`
}

// Document is an ordered sequence of pages.
type Document struct {
	Pages []Page `json:"pages"`
}

// NewPage builds a page from raw text, normalizing whitespace.
func NewPage(index int, raw string) Page {
	text := Clean(raw)
	return Page{Index: index, Text: text, Chars: CountChars(text)}
}

// FailedPage records a page whose text could not be read.
func FailedPage(index int, diagnostic string) Page {
	return Page{Index: index, Failed: true, Diagnostic: diagnostic}
}

// IsSparse reports whether the page carries fewer than minChars characters.
func (p Page) IsSparse(minChars int) bool { return p.Chars < minChars }

// SparsePages returns the indexes of pages below minChars, in order.
func (d Document) SparsePages(minChars int) []int {
	var out []int
	for _, p := range d.Pages {
		if p.IsSparse(minChars) {
			out = append(out, p.Index)
		}
	}
	return out
}

// SparseRatio is the fraction of pages below minChars.
func (d Document) SparseRatio(minChars int) float64 {
	if len(d.Pages) == 0 {
		return 0
	}
	return float64(len(d.SparsePages(minChars))) / float64(len(d.Pages))
}

// NeedsOCR is true when the share of sparse pages strictly exceeds maxRatio.
// A single image page inside an otherwise text-rich agreement does not qualify.
func (d Document) NeedsOCR(minChars int, maxRatio float64) bool {
	if len(d.Pages) == 0 {
		return false
	}
	return d.SparseRatio(minChars) > maxRatio
}

// Text joins page texts in order, separated by blank lines. Empty pages are skipped.
func (d Document) Text() string {
	var b strings.Builder
	for _, p := range d.Pages {
		if strings.TrimSpace(p.Text) == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(p.Text)
	}
	return b.String()
}

// TotalChars sums Chars over all pages.
func (d Document) TotalChars() int {
	n := 0
	for _, p := range d.Pages {
		n += p.Chars
	}
	return n
}

// Replace returns a copy of d with the page at index swapped for p.
func (d Document) Replace(p Page) Document {
	pages := make([]Page, len(d.Pages))
	copy(pages, d.Pages)
	for i := range pages {
		if pages[i].Index == p.Index {
			pages[i] = p
		}
	}
	return Document{Pages: pages}
}

var blankLinesRe = regexp.MustCompile(`\n{3,}`)

// Clean normalizes line endings, trims trailing spaces and collapses runs of blank lines.
// Unlike header/footer stripping it keeps every content line, so short vendor or
// date lines survive.
func Clean(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = strings.ReplaceAll(s, "\u00a0", " ")
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRightFunc(l, unicode.IsSpace)
	}
	s = strings.Join(lines, "\n")
	s = blankLinesRe.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

// CountChars counts non-whitespace runes.
func CountChars(s string) int {
	n := 0
	for _, r := range s {
		if !unicode.IsSpace(r) {
			n++
		}
	}
	return n
}
