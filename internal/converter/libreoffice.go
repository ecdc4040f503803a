// Package converter turns word-processing uploads into PDF with a headless
// LibreOffice so they can go through the same extraction path as PDFs.
package converter

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// ErrProtected is returned for password protected documents.
var ErrProtected = errors.New("document is password protected")

// ErrUnsupported is returned for extensions LibreOffice is not asked to convert.
var ErrUnsupported = errors.New("unsupported document type")

var supported = map[string]bool{
	"doc": true, "docx": true, "rtf": true, "odt": true,
	"txt": true, "html": true, "htm": true,
}

type Config struct {
	// Binary is the LibreOffice executable, soffice by default.
	Binary     string
	Timeout    time.Duration
	MaxWorkers int
}

// runFunc executes the converter binary and returns its combined output.
type runFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRun(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// LibreOffice converts one document per call, bounded by MaxWorkers.
type LibreOffice struct {
	cfg       Config
	semaphore chan struct{}
	run       runFunc
}

func NewLibreOffice(cfg Config) *LibreOffice {
	if cfg.Binary == "" {
		cfg.Binary = "soffice"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 180 * time.Second
	}
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 2
	}
	return &LibreOffice{cfg: cfg, semaphore: make(chan struct{}, cfg.MaxWorkers), run: execRun}
}

// Binary is the executable this converter shells out to.
func (l *LibreOffice) Binary() string { return l.cfg.Binary }

// Supports reports whether ext (with or without the dot) is convertible.
func (l *LibreOffice) Supports(ext string) bool {
	return supported[strings.ToLower(strings.TrimPrefix(ext, "."))]
}

// ToPDF converts data, named name, and returns the PDF bytes.
func (l *LibreOffice) ToPDF(ctx context.Context, name string, data []byte) ([]byte, error) {
	ext := strings.TrimPrefix(filepath.Ext(name), ".")
	if !l.Supports(ext) {
		return nil, fmt.Errorf("%w: %q", ErrUnsupported, ext)
	}
	if len(data) == 0 {
		return nil, errors.New("document is empty")
	}

	select {
	case l.semaphore <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-l.semaphore }()

	start := time.Now()
	work, err := os.MkdirTemp("", "convert-*")
	if err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}
	defer os.RemoveAll(work)

	// Each conversion gets its own profile so parallel runs do not fight over the lock.
	profile := filepath.Join(work, "profile")
	outDir := filepath.Join(work, "out")
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	input := filepath.Join(work, "input-"+uuid.NewString()[:8]+"."+strings.ToLower(ext))
	if err := os.WriteFile(input, data, 0o600); err != nil {
		return nil, fmt.Errorf("write input: %w", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, l.cfg.Timeout)
	defer cancel()
	args := []string{
		"-env:UserInstallation=file://" + profile,
		"--headless",
		"--nologo",
		"--nolockcheck",
		"--convert-to", "pdf",
		"--outdir", outDir,
		input,
	}
	log.Debug().Str("cmd", l.cfg.Binary+" "+strings.Join(args, " ")).Msg("LibreOffice command")
	out, err := l.run(runCtx, l.cfg.Binary, args...)
	if isProtected(out) {
		return nil, ErrProtected
	}
	if runCtx.Err() == context.DeadlineExceeded {
		return nil, fmt.Errorf("conversion timeout after %v", l.cfg.Timeout)
	}
	if err != nil {
		return nil, fmt.Errorf("conversion failed: %w: %s", err, trimOutput(out))
	}

	pdf, err := os.ReadFile(expectedOutputPath(input, outDir))
	if err != nil {
		return nil, fmt.Errorf("output file not created: %w", err)
	}
	log.Info().Str("file", name).Int("bytes", len(pdf)).Dur("duration", time.Since(start)).Msg("converted to PDF")
	return pdf, nil
}

func isProtected(out []byte) bool {
	s := strings.ToLower(string(out))
	return strings.Contains(s, "password") || strings.Contains(s, "encrypted")
}

func trimOutput(out []byte) string {
	s := strings.TrimSpace(string(out))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}

// expectedOutputPath is where LibreOffice writes the PDF for inputPath.
func expectedOutputPath(inputPath, outputDir string) string {
	base := filepath.Base(inputPath)
	return filepath.Join(outputDir, strings.TrimSuffix(base, filepath.Ext(base))+".pdf")
}
