package statuscheck

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"time"
)

// Pinger is anything that can report reachability: the record store, the
// document storage, the Redis queue.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Checker aggregates health checks for the service's dependencies.
type Checker struct {
	store     Pinger
	documents Pinger
	queue     Pinger
	ocrBinary string
	converter string
	provider  string
	apiKey    string
}

// Options configures the Checker. Nil pingers and an empty OCRBinary are
// reported as not configured rather than failing.
type Options struct {
	Store     Pinger
	Documents Pinger
	Queue     Pinger
	OCRBinary string
	// Converter is the LibreOffice binary when office conversion is enabled.
	Converter string
	Provider  string
	APIKey    string
}

// Status represents the readiness of a subsystem.
type Status struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
}

// Summary bundles all subsystem statuses. Healthy is false only when a
// required subsystem (store or documents) is down.
type Summary struct {
	Healthy   bool   `json:"healthy"`
	Store     Status `json:"store"`
	Documents Status `json:"documents"`
	Queue     Status `json:"queue"`
	OCR       Status `json:"ocr"`
	Converter Status `json:"converter"`
	Inference Status `json:"inference"`
}

func New(opts Options) *Checker {
	return &Checker{
		store:     opts.Store,
		documents: opts.Documents,
		queue:     opts.Queue,
		ocrBinary: opts.OCRBinary,
		converter: opts.Converter,
		provider:  opts.Provider,
		apiKey:    strings.TrimSpace(opts.APIKey),
	}
}

// Summary returns the current status snapshot.
func (c *Checker) Summary(ctx context.Context) Summary {
	s := Summary{
		Store:     c.ping(ctx, c.store, true),
		Documents: c.ping(ctx, c.documents, true),
		Queue:     c.ping(ctx, c.queue, false),
		OCR:       checkBinary(c.ocrBinary),
		Converter: checkBinary(c.converter),
		Inference: c.checkInference(),
	}
	s.Healthy = s.Store.OK && s.Documents.OK
	return s
}

func (c *Checker) ping(ctx context.Context, p Pinger, required bool) Status {
	if p == nil {
		if required {
			return Status{OK: false, Message: "not configured"}
		}
		return Status{OK: true, Message: "not configured"}
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := p.Ping(ctx); err != nil {
		return Status{OK: false, Message: trimError(err)}
	}
	return Status{OK: true, Message: "Connected"}
}

func checkBinary(name string) Status {
	if name == "" {
		return Status{OK: true, Message: "not configured"}
	}
	if _, err := exec.LookPath(name); err != nil {
		return Status{OK: false, Message: "Binary not found"}
	}
	return Status{OK: true, Message: "Available"}
}

func (c *Checker) checkInference() Status {
	if c.apiKey == "" {
		return Status{OK: false, Message: c.provider + ": API key missing"}
	}
	return Status{OK: true, Message: c.provider + ": configured"}
}

func trimError(err error) string {
	if err == nil {
		return ""
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "timeout"
	}
	msg := err.Error()
	if len(msg) > 120 {
		return msg[:120]
	}
	return msg
}
