package limiter

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/local/renewalcal/internal/ai"
)

type stubClient struct {
	calls   atomic.Int32
	active  atomic.Int32
	peak    atomic.Int32
	hold    time.Duration
	mu      sync.Mutex
	replies []error
}

func (s *stubClient) Name() string { return "stub" }

func (s *stubClient) Do(ctx context.Context, _ ai.Request) (ai.Response, error) {
	n := s.active.Add(1)
	defer s.active.Add(-1)
	for {
		p := s.peak.Load()
		if n <= p || s.peak.CompareAndSwap(p, n) {
			break
		}
	}
	s.calls.Add(1)
	if s.hold > 0 {
		time.Sleep(s.hold)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.replies) == 0 {
		return ai.Response{Text: "{}"}, nil
	}
	err := s.replies[0]
	s.replies = s.replies[1:]
	return ai.Response{}, err
}

func TestBackoffDoublesToMax(t *testing.T) {
	base, max := 30*time.Second, 5*time.Minute
	want := []time.Duration{30 * time.Second, time.Minute, 2 * time.Minute, 4 * time.Minute, 5 * time.Minute, 5 * time.Minute}
	for i, w := range want {
		if got := backoff(base, max, int64(i+1)); got != w {
			t.Errorf("failures=%d: got %v want %v", i+1, got, w)
		}
	}
}

func TestGuardWaitsOutCooldown(t *testing.T) {
	client := &stubClient{replies: []error{&ai.HTTPError{StatusCode: 429, Provider: "stub"}}}
	br := NewMemoryBreaker(Options{BaseBackoff: 50 * time.Millisecond})
	g := NewGuard(client, br, Options{})
	req := ai.Request{Model: "m1"}

	if _, err := g.Do(context.Background(), req); !ai.IsRateLimited(err) {
		t.Fatalf("first call err = %v", err)
	}
	if br.Remaining(context.Background(), Key("stub", "m1")) <= 0 {
		t.Fatal("breaker not tripped")
	}
	start := time.Now()
	if _, err := g.Do(context.Background(), req); err != nil {
		t.Fatalf("second call err = %v", err)
	}
	if waited := time.Since(start); waited < 30*time.Millisecond {
		t.Fatalf("second call did not wait for the cooldown: %v", waited)
	}
	if client.calls.Load() != 2 {
		t.Fatalf("provider called %d times", client.calls.Load())
	}
	if br.Remaining(context.Background(), Key("stub", "m1")) != 0 {
		t.Fatal("success did not reset the breaker")
	}
}

// One document's 503 must not fail the next document without a request.
func TestGuardIsolatesDocuments(t *testing.T) {
	client := &stubClient{replies: []error{&ai.HTTPError{StatusCode: 503, Provider: "stub"}}}
	g := NewGuard(client, NewMemoryBreaker(Options{BaseBackoff: 30 * time.Millisecond}), Options{})
	req := ai.Request{Model: "m"}

	docA, cancelA := context.WithTimeout(context.Background(), time.Second)
	defer cancelA()
	if _, err := g.Do(docA, req); err == nil {
		t.Fatal("docA: expected the 503")
	}

	docB, cancelB := context.WithTimeout(context.Background(), time.Second)
	defer cancelB()
	if _, err := g.Do(docB, req); err != nil {
		t.Fatalf("docB err = %v", err)
	}
	if client.calls.Load() != 2 {
		t.Fatalf("service calls = %d, want 2", client.calls.Load())
	}
}

func TestGuardFailsFastWhenCooldownOutlastsDeadline(t *testing.T) {
	client := &stubClient{replies: []error{&ai.HTTPError{StatusCode: 500}}}
	g := NewGuard(client, NewMemoryBreaker(Options{BaseBackoff: time.Minute}), Options{})
	_, _ = g.Do(context.Background(), ai.Request{Model: "m"})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := g.Do(ctx, ai.Request{Model: "m"})
	if !errors.Is(err, ErrCircuitOpen) || !strings.Contains(err.Error(), "no request sent") {
		t.Fatalf("err = %v", err)
	}
	if client.calls.Load() != 1 {
		t.Fatalf("provider called %d times", client.calls.Load())
	}

	// other models and scopes have their own slots
	if _, err := g.Do(ctx, ai.Request{Model: "m2"}); err != nil {
		t.Fatalf("other model: %v", err)
	}
	ocr := NewGuard(client, g.breaker, Options{Scope: "ocr"})
	if _, err := ocr.Do(ctx, ai.Request{Model: "m"}); err != nil {
		t.Fatalf("other scope: %v", err)
	}
}

func TestGuardIgnoresClientErrors(t *testing.T) {
	client := &stubClient{replies: []error{&ai.HTTPError{StatusCode: 400}, ai.ErrMalformedReply}}
	br := NewMemoryBreaker(Options{})
	g := NewGuard(client, br, Options{})
	for i := 0; i < 2; i++ {
		_, _ = g.Do(context.Background(), ai.Request{Model: "m"})
	}
	if br.Remaining(context.Background(), Key("stub", "m")) != 0 {
		t.Fatal("breaker opened on non-transient errors")
	}
}

func TestMemoryBreakerCooldownAndReset(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	br := NewMemoryBreaker(Options{BaseBackoff: 10 * time.Second, MaxBackoff: time.Minute})
	br.now = func() time.Time { return now }
	ctx := context.Background()

	if d := br.Trip(ctx, "k"); d != 10*time.Second {
		t.Fatalf("first trip = %v", d)
	}
	if d := br.Remaining(ctx, "k"); d != 10*time.Second {
		t.Fatalf("remaining = %v", d)
	}
	now = now.Add(11 * time.Second)
	if br.Remaining(ctx, "k") != 0 {
		t.Fatal("expected cooldown to expire")
	}
	if d := br.Trip(ctx, "k"); d != 20*time.Second {
		t.Fatalf("second trip = %v", d)
	}
	br.Reset(ctx, "k")
	if br.Remaining(ctx, "k") != 0 {
		t.Fatal("expected closed after reset")
	}
	if d := br.Trip(ctx, "k"); d != 10*time.Second {
		t.Fatalf("trip after reset = %v", d)
	}
}

func TestGuardCapsInflight(t *testing.T) {
	client := &stubClient{hold: 20 * time.Millisecond}
	g := NewGuard(client, nil, Options{MaxInflight: 2})
	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = g.Do(context.Background(), ai.Request{Model: "m"})
		}()
	}
	wg.Wait()
	if p := client.peak.Load(); p > 2 {
		t.Fatalf("peak inflight = %d", p)
	}
	if client.calls.Load() != 6 {
		t.Fatalf("calls = %d", client.calls.Load())
	}
}

func TestGuardWaitRespectsContext(t *testing.T) {
	client := &stubClient{hold: 200 * time.Millisecond}
	g := NewGuard(client, nil, Options{MaxInflight: 1})
	go func() { _, _ = g.Do(context.Background(), ai.Request{}) }()
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := g.Do(ctx, ai.Request{}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v", err)
	}
}
