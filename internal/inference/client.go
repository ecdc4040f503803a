// Package inference sends document text to a hosted language model and returns
// the raw field values it proposes, or a classified failure.
package inference

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/local/renewalcal/internal/ai"
	"github.com/local/renewalcal/internal/metrics"
)

const (
	DefaultTimeout       = 30 * time.Second
	DefaultMaxInputChars = 12000
	DefaultMaxTokens     = 800
)

// Config controls a Client.
type Config struct {
	Model         string
	Timeout       time.Duration
	MaxInputChars int
	MaxTokens     int
	Temperature   float64
}

// Result holds exactly one of Fields or Failure.
type Result struct {
	Fields    *Fields
	Failure   *Failure
	Truncated bool
	Duration  time.Duration
}

// OK reports whether the call produced fields.
func (r Result) OK() bool { return r.Fields != nil }

// Client extracts raw contract fields through an ai.Client.
type Client struct {
	ai  ai.Client
	cfg Config
}

func New(client ai.Client, cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxInputChars <= 0 {
		cfg.MaxInputChars = DefaultMaxInputChars
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	return &Client{ai: client, cfg: cfg}
}

// Extract makes a single bounded call. It never retries; a failure is returned
// in the Result with its class.
func (c *Client) Extract(ctx context.Context, docID, text string) Result {
	input, truncated := TruncateHead(text, c.cfg.MaxInputChars)
	req := ai.Request{
		Model:        c.cfg.Model,
		SystemPrompt: buildSystemPrompt(),
		UserText:     buildUserPrompt(input, truncated),
		JSONOutput:   true,
		Temperature:  c.cfg.Temperature,
		MaxTokens:    c.cfg.MaxTokens,
	}

	cctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	start := time.Now()
	resp, err := c.ai.Do(cctx, req)
	dur := time.Since(start)
	res := Result{Truncated: truncated, Duration: dur}

	if err != nil {
		if cctx.Err() != nil && errors.Is(cctx.Err(), context.DeadlineExceeded) && !errors.Is(err, context.DeadlineExceeded) {
			err = errors.Join(err, context.DeadlineExceeded)
		}
		class := classify(err)
		res.Failure = &Failure{Class: class, Err: err}
		metrics.ObserveInference(c.ai.Name(), c.cfg.Model, string(class), dur)
		log.Warn().Err(err).
			Str("doc_id", docID).
			Str("provider", c.ai.Name()).
			Str("model", c.cfg.Model).
			Str("class", string(class)).
			Bool("timeout", isTimeout(err)).
			Dur("elapsed", dur).
			Msg("inference call failed")
		return res
	}

	fields, err := ParseFields([]byte(stripFences(resp.Text)))
	if err != nil {
		res.Failure = &Failure{Class: ClassMalformed, Err: err}
		metrics.ObserveInference(c.ai.Name(), c.cfg.Model, string(ClassMalformed), dur)
		log.Warn().Err(err).
			Str("doc_id", docID).
			Str("model", c.cfg.Model).
			Int("reply_chars", len(resp.Text)).
			Msg("inference reply rejected")
		return res
	}

	res.Fields = &fields
	metrics.ObserveInference(c.ai.Name(), c.cfg.Model, "success", dur)
	log.Info().
		Str("doc_id", docID).
		Str("provider", c.ai.Name()).
		Str("model", c.cfg.Model).
		Int("input_chars", len(input)).
		Bool("truncated", truncated).
		Int("tokens_in", resp.TokensIn).
		Int("tokens_out", resp.TokensOut).
		Dur("elapsed", dur).
		Msg("inference call ok")
	return res
}

// stripFences removes a surrounding markdown code fence some models add even in JSON mode.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
