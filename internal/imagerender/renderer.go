package imagerender

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/draw"
	"image/png"
	"sync"

	"github.com/gen2brain/go-fitz"
	"github.com/rs/zerolog/log"
)

// ColorMode defines the color mode for rendering
type ColorMode string

const (
	ColorRGB  ColorMode = "rgb"
	ColorGray ColorMode = "gray"
)

// Document is an open PDF ready for page rasterization. MuPDF documents are
// not safe for concurrent use, so calls are serialized.
type Document struct {
	mu  sync.Mutex
	doc *fitz.Document
}

// Open loads a PDF from memory.
func Open(data []byte) (*Document, error) {
	doc, err := fitz.NewFromMemory(data)
	if err != nil {
		return nil, fmt.Errorf("failed to open PDF: %w", err)
	}
	return &Document{doc: doc}, nil
}

func (d *Document) NumPage() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.doc.NumPage()
}

func (d *Document) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.doc.Close()
}

// RenderPNG renders the zero-based page at dpi and encodes it as PNG.
// Grayscale output keeps OCR input small without hurting recognition.
func (d *Document) RenderPNG(index, dpi int, mode ColorMode) (out []byte, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, fmt.Errorf("render page %d: panic: %v", index+1, r)
		}
	}()

	if index < 0 || index >= d.doc.NumPage() {
		return nil, fmt.Errorf("page %d out of range (document has %d pages)", index+1, d.doc.NumPage())
	}
	img, err := d.doc.ImageDPI(index, float64(dpi))
	if err != nil {
		return nil, fmt.Errorf("failed to render page %d: %w", index+1, err)
	}

	bounds := img.Bounds()
	var final image.Image = img
	if mode == ColorGray {
		gray := image.NewGray(bounds)
		draw.Draw(gray, bounds, img, image.Point{}, draw.Src)
		final = gray
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, final); err != nil {
		return nil, fmt.Errorf("failed to encode PNG: %w", err)
	}
	log.Debug().
		Int("page", index+1).
		Int("width", bounds.Dx()).
		Int("height", bounds.Dy()).
		Int("dpi", dpi).
		Str("color", string(mode)).
		Int("png_size", buf.Len()).
		Msg("rendered page")
	return buf.Bytes(), nil
}

// EncodeToBase64 converts binary data to base64 string
func EncodeToBase64(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}
