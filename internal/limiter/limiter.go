// Package limiter guards calls to an inference provider with an in-process
// concurrency cap and a cooldown keyed by provider and model. Callers wait out
// a cooldown rather than fail, so one document's 429 only delays the next.
package limiter

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/local/renewalcal/internal/ai"
)

// ErrCircuitOpen is returned, without sending a request, when a cooldown
// outlasts the caller's deadline.
var ErrCircuitOpen = errors.New("circuit open")

// Breaker tracks cooldowns. Implementations must be safe for concurrent use.
type Breaker interface {
	// Remaining is the cooldown left for key, 0 when calls may proceed.
	Remaining(ctx context.Context, key string) time.Duration
	// Trip opens or extends the cooldown and returns its length.
	Trip(ctx context.Context, key string) time.Duration
	Reset(ctx context.Context, key string)
}

type Options struct {
	MaxInflight int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	// Scope separates cooldowns of guards sharing a provider and model,
	// e.g. OCR page calls from field extraction.
	Scope string
}

func (o *Options) defaults() {
	if o.MaxInflight <= 0 {
		o.MaxInflight = 2
	}
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = 2 * time.Second
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 20 * time.Second
	}
}

// backoff doubles per consecutive failure up to max.
func backoff(base, max time.Duration, failures int64) time.Duration {
	if failures < 1 {
		failures = 1
	}
	d := base
	for i := int64(1); i < failures; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		d = max
	}
	return d
}

// Key names the breaker slot for a provider and model.
func Key(provider, model string) string {
	return fmt.Sprintf("cb:%s:%s", strings.ToLower(provider), strings.ToLower(model))
}

// Guard is an ai.Client that limits concurrent calls and holds calls to a
// provider that keeps answering 429 or 5xx until its cooldown passes.
type Guard struct {
	next    ai.Client
	breaker Breaker
	scope   string
	sem     chan struct{}
}

// NewGuard wraps next. A nil breaker disables the cooldown.
func NewGuard(next ai.Client, breaker Breaker, opts Options) *Guard {
	opts.defaults()
	return &Guard{next: next, breaker: breaker, scope: opts.Scope, sem: make(chan struct{}, opts.MaxInflight)}
}

func (g *Guard) Name() string { return g.next.Name() }

func (g *Guard) key(model string) string {
	k := Key(g.next.Name(), model)
	if g.scope != "" {
		k += ":" + strings.ToLower(g.scope)
	}
	return k
}

func (g *Guard) Do(ctx context.Context, req ai.Request) (ai.Response, error) {
	key := g.key(req.Model)
	if err := g.waitCooldown(ctx, key); err != nil {
		return ai.Response{}, err
	}

	select {
	case g.sem <- struct{}{}:
	case <-ctx.Done():
		return ai.Response{}, ctx.Err()
	}
	defer func() { <-g.sem }()

	resp, err := g.next.Do(ctx, req)
	if g.breaker == nil {
		return resp, err
	}
	switch {
	case err == nil:
		g.breaker.Reset(ctx, key)
	case tripsBreaker(err):
		cooldown := g.breaker.Trip(context.WithoutCancel(ctx), key)
		log.Warn().Err(err).Str("breaker", key).Dur("cooldown", cooldown).Msg("circuit breaker opened")
	}
	return resp, err
}

// waitCooldown blocks until key's cooldown has passed. A cooldown that ends
// after ctx's deadline fails at once with ErrCircuitOpen.
func (g *Guard) waitCooldown(ctx context.Context, key string) error {
	if g.breaker == nil {
		return nil
	}
	wait := g.breaker.Remaining(ctx, key)
	if wait <= 0 {
		return nil
	}
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < wait {
		return fmt.Errorf("%s: %w, cooldown of %v outlasts the call deadline, no request sent", key, ErrCircuitOpen, wait.Round(time.Millisecond))
	}
	log.Debug().Str("breaker", key).Dur("wait", wait).Msg("waiting for provider cooldown")
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func tripsBreaker(err error) bool {
	if ai.IsRateLimited(err) {
		return true
	}
	var httpErr *ai.HTTPError
	return errors.As(err, &httpErr) && httpErr.StatusCode >= 500
}
