// Package ocr recovers text for pages whose text layer is missing or too thin.
package ocr

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/local/renewalcal/internal/imagerender"
	"github.com/local/renewalcal/internal/metrics"
	"github.com/local/renewalcal/internal/textlayer"
)

const (
	DefaultDPI         = 300
	DefaultPageTimeout = 60 * time.Second
)

// Rasterizer opens a PDF for page rendering.
type Rasterizer interface {
	Open(data []byte) (Pages, error)
}

// Pages renders pages of one open document.
type Pages interface {
	RenderPNG(index, dpi int) ([]byte, error)
	Close() error
}

// FitzRasterizer renders grayscale PNGs with go-fitz.
type FitzRasterizer struct{}

func (FitzRasterizer) Open(data []byte) (Pages, error) {
	doc, err := imagerender.Open(data)
	if err != nil {
		return nil, err
	}
	return grayPages{doc}, nil
}

type grayPages struct{ doc *imagerender.Document }

func (g grayPages) RenderPNG(index, dpi int) ([]byte, error) {
	return g.doc.RenderPNG(index, dpi, imagerender.ColorGray)
}

func (g grayPages) Close() error { return g.doc.Close() }

// Config controls the engine.
type Config struct {
	DPI          int
	PageTimeout  time.Duration
	MinPageChars int
}

// Engine replaces the text of sparse pages with OCR output.
type Engine struct {
	raster Rasterizer
	rec    Recognizer
	cfg    Config
}

func NewEngine(raster Rasterizer, rec Recognizer, cfg Config) *Engine {
	if cfg.DPI <= 0 {
		cfg.DPI = DefaultDPI
	}
	if cfg.PageTimeout <= 0 {
		cfg.PageTimeout = DefaultPageTimeout
	}
	if cfg.MinPageChars <= 0 {
		cfg.MinPageChars = textlayer.DefaultMinPageChars
	}
	return &Engine{raster: raster, rec: rec, cfg: cfg}
}

func (e *Engine) Name() string { return e.rec.Name() }

// Recover OCRs every sparse page of doc and returns the merged document plus one
// note per page that could not be recovered. Page order is preserved; a failed
// page ends up with empty text and never aborts the document.
func (e *Engine) Recover(ctx context.Context, data []byte, doc textlayer.Document) (textlayer.Document, []string) {
	sparse := doc.SparsePages(e.cfg.MinPageChars)
	if len(sparse) == 0 {
		return doc, nil
	}

	var notes []string
	fail := func(idx int, err error) {
		doc = doc.Replace(textlayer.FailedPage(idx, "ocr failed: "+err.Error()))
		notes = append(notes, fmt.Sprintf("page %d: ocr failed: %v", idx+1, err))
		metrics.IncOCRPage(e.rec.Name(), "failed")
	}

	pages, err := e.raster.Open(data)
	if err != nil {
		for _, idx := range sparse {
			fail(idx, err)
		}
		return doc, notes
	}
	defer pages.Close()

	start := time.Now()
	recovered := 0
	for _, idx := range sparse {
		text, err := e.page(ctx, pages, idx)
		if err != nil {
			log.Warn().Err(err).Int("page", idx+1).Str("engine", e.rec.Name()).Msg("ocr page failed")
			fail(idx, err)
			continue
		}
		p := textlayer.NewPage(idx, text)
		p.OCR = true
		doc = doc.Replace(p)
		recovered++
		metrics.IncOCRPage(e.rec.Name(), "success")
	}
	log.Info().
		Int("pages", len(sparse)).
		Int("recovered", recovered).
		Str("engine", e.rec.Name()).
		Int("dpi", e.cfg.DPI).
		Dur("elapsed", time.Since(start)).
		Msg("ocr fallback finished")
	return doc, notes
}

func (e *Engine) page(ctx context.Context, pages Pages, idx int) (string, error) {
	pctx, cancel := context.WithTimeout(ctx, e.cfg.PageTimeout)
	defer cancel()

	png, err := pages.RenderPNG(idx, e.cfg.DPI)
	if err != nil {
		return "", err
	}
	type result struct {
		text string
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		text, err := e.rec.Recognize(pctx, PageImage{Index: idx, PNG: png, DPI: e.cfg.DPI})
		ch <- result{text, err}
	}()
	select {
	case r := <-ch:
		return r.text, r.err
	case <-pctx.Done():
		return "", fmt.Errorf("timed out after %s: %w", e.cfg.PageTimeout, pctx.Err())
	}
}
