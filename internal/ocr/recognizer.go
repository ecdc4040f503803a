package ocr

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/local/renewalcal/internal/ai"
	"github.com/local/renewalcal/internal/imagerender"
)

// PageImage is one rasterized page.
type PageImage struct {
	Index int
	PNG   []byte
	DPI   int
}

// Recognizer turns a page image into text.
type Recognizer interface {
	Name() string
	Recognize(ctx context.Context, img PageImage) (string, error)
}

// TesseractRecognizer shells out to the tesseract CLI.
type TesseractRecognizer struct {
	Bin    string
	Lang   string
	PSM    int
	Runner Runner
}

func NewTesseract(bin, lang string) *TesseractRecognizer {
	if bin == "" {
		bin = "tesseract"
	}
	if lang == "" {
		lang = "eng"
	}
	return &TesseractRecognizer{Bin: bin, Lang: lang, PSM: 6, Runner: ExecRunner{}}
}

func (t *TesseractRecognizer) Name() string { return "tesseract" }

func (t *TesseractRecognizer) Recognize(ctx context.Context, img PageImage) (string, error) {
	f, err := os.CreateTemp("", "ocrpage-*.png")
	if err != nil {
		return "", fmt.Errorf("temp image: %w", err)
	}
	defer os.Remove(f.Name())
	if _, err := f.Write(img.PNG); err != nil {
		f.Close()
		return "", fmt.Errorf("write temp image: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close temp image: %w", err)
	}

	args := []string{f.Name(), "stdout", "-l", t.Lang, "--oem", "1", "--psm", strconv.Itoa(t.PSM)}
	if img.DPI > 0 {
		args = append(args, "--dpi", strconv.Itoa(img.DPI))
	}
	stdout, stderr, err := t.Runner.Run(ctx, t.Bin, args...)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("tesseract: %w: %s", err, strings.TrimSpace(truncate(string(stderr), 512)))
	}
	return string(stdout), nil
}

const visionPrompt = `Transcribe all text visible on this scanned contract page exactly as written.
Keep line breaks. Do not summarize, translate or add commentary. If the page has no text, reply with nothing.`

// VisionRecognizer reads the page with a vision-capable chat model.
type VisionRecognizer struct {
	client ai.Client
	model  string
}

func NewVision(client ai.Client, model string) *VisionRecognizer {
	return &VisionRecognizer{client: client, model: model}
}

func (v *VisionRecognizer) Name() string { return "vision" }

func (v *VisionRecognizer) Recognize(ctx context.Context, img PageImage) (string, error) {
	resp, err := v.client.Do(ctx, ai.Request{
		Model:       v.model,
		UserText:    visionPrompt,
		ImageBase64: imagerender.EncodeToBase64(img.PNG),
		ImageMIME:   "image/png",
		MaxTokens:   4096,
	})
	if errors.Is(err, ai.ErrMalformedReply) {
		// An empty reply is a legitimate answer for a blank page.
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}
