package textlayer

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/gen2brain/go-fitz"
	"github.com/ledongthuc/pdf"
	"github.com/rs/zerolog/log"
)

// Extractor reads per-page text from PDF bytes.
type Extractor interface {
	Name() string
	Extract(data []byte) (Document, error)
}

// New returns the extractor for backend: "fitz" (MuPDF, default) or "native" (pure Go).
func New(backend string) (Extractor, error) {
	switch strings.ToLower(backend) {
	case "", "fitz", "mupdf":
		return NewFitzExtractor(), nil
	case "native", "go":
		return NewNativeExtractor(), nil
	default:
		return nil, fmt.Errorf("unknown text backend %q", backend)
	}
}

// FitzExtractor uses go-fitz (embedded MuPDF), no external tools needed.
type FitzExtractor struct{}

func NewFitzExtractor() *FitzExtractor { return &FitzExtractor{} }

func (f *FitzExtractor) Name() string { return "fitz" }

// Extract never fails on a single bad page; only an unopenable document is an error.
func (f *FitzExtractor) Extract(data []byte) (Document, error) {
	doc, err := fitz.NewFromMemory(data)
	if err != nil {
		return Document{}, fmt.Errorf("%w: %v", ErrDocumentUnreadable, err)
	}
	defer doc.Close()

	n := doc.NumPage()
	out := Document{Pages: make([]Page, 0, n)}
	for i := 0; i < n; i++ {
		out.Pages = append(out.Pages, fitzPage(doc, i))
	}
	log.Debug().Int("pages", n).Int("chars", out.TotalChars()).Str("backend", f.Name()).Msg("text layer extracted")
	return out, nil
}

func fitzPage(doc *fitz.Document, i int) (p Page) {
	defer func() {
		if r := recover(); r != nil {
			p = FailedPage(i, fmt.Sprintf("panic: %v", r))
		}
	}()
	text, err := doc.Text(i)
	if err != nil {
		log.Warn().Err(err).Int("page", i+1).Msg("failed to extract text from page")
		return FailedPage(i, err.Error())
	}
	return NewPage(i, text)
}

// NativeExtractor uses the pure-Go ledongthuc/pdf reader, for builds without cgo.
type NativeExtractor struct{}

func NewNativeExtractor() *NativeExtractor { return &NativeExtractor{} }

func (n *NativeExtractor) Name() string { return "native" }

func (n *NativeExtractor) Extract(data []byte) (doc Document, err error) {
	defer func() {
		if r := recover(); r != nil {
			doc, err = Document{}, fmt.Errorf("%w: %v", ErrDocumentUnreadable, r)
		}
	}()
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return Document{}, fmt.Errorf("%w: %v", ErrDocumentUnreadable, err)
	}

	total := reader.NumPage()
	doc.Pages = make([]Page, 0, total)
	for i := 1; i <= total; i++ {
		doc.Pages = append(doc.Pages, nativePage(reader, i))
	}
	log.Debug().Int("pages", total).Int("chars", doc.TotalChars()).Str("backend", n.Name()).Msg("text layer extracted")
	return doc, nil
}

func nativePage(reader *pdf.Reader, num int) (p Page) {
	idx := num - 1
	defer func() {
		if r := recover(); r != nil {
			p = FailedPage(idx, fmt.Sprintf("panic: %v", r))
		}
	}()
	page := reader.Page(num)
	if page.V.IsNull() {
		return FailedPage(idx, "page object missing")
	}
	text, err := page.GetPlainText(nil)
	if err != nil {
		log.Warn().Err(err).Int("page", num).Msg("failed to extract text from page")
		return FailedPage(idx, err.Error())
	}
	return NewPage(idx, text)
}
