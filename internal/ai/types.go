package ai

import (
	"context"
	"errors"
	"fmt"
)

// Request is a single chat-style inference call: a system prompt, user text and an
// optional image for vision-capable models.
type Request struct {
	Model        string
	SystemPrompt string
	UserText     string
	// Vision fields
	ImageBase64 string
	ImageMIME   string
	// JSONOutput asks the provider for a bare JSON object.
	JSONOutput  bool
	Temperature float64
	MaxTokens   int
}

type Response struct {
	Text      string
	TokensIn  int
	TokensOut int
}

// Client interface for providers like OpenAI-compatible gateways and Anthropic.
type Client interface {
	Name() string
	Do(ctx context.Context, req Request) (Response, error)
}

var (
	ErrRateLimited = errors.New("rate_limited")
	ErrMalformedReply = errors.New("malformed_reply")
)

func IsRateLimited(err error) bool { return errors.Is(err, ErrRateLimited) }

// HTTPError represents a non-2xx status from a provider.
type HTTPError struct {
	StatusCode int
	Body       string
	Provider   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d from %s: %s", e.StatusCode, e.Provider, e.Body)
}

// Unwrap lets errors.Is(err, ErrRateLimited) match 429 responses.
func (e *HTTPError) Unwrap() error {
	if e.StatusCode == 429 {
		return ErrRateLimited
	}
	return nil
}

func snippet(b []byte) string {
	const max = 512
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
