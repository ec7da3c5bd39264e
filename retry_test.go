package cauce

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// flakyProvider fails with the given errors before succeeding.
type flakyProvider struct {
	mu    sync.Mutex
	fails []error
	calls int
}

func (p *flakyProvider) Name() string { return "flaky" }

func (p *flakyProvider) Chat(_ context.Context, _ ChatRequest) (ChatResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if len(p.fails) > 0 {
		err := p.fails[0]
		p.fails = p.fails[1:]
		return ChatResponse{}, err
	}
	return ChatResponse{Content: "ok"}, nil
}

func (p *flakyProvider) ChatStream(ctx context.Context, req ChatRequest, ch chan<- string) (ChatResponse, error) {
	resp, err := p.Chat(ctx, req)
	if err != nil {
		close(ch)
		return ChatResponse{}, err
	}
	ch <- resp.Content
	close(ch)
	return resp, nil
}

func TestWithRetryRecoversTransient(t *testing.T) {
	inner := &flakyProvider{fails: []error{
		&ErrHTTP{Status: 429, Body: "rate limited"},
		&ErrHTTP{Status: 503, Body: "overloaded"},
	}}
	p := WithRetry(inner, RetryBaseDelay(time.Millisecond))

	resp, err := p.Chat(context.Background(), ChatRequest{})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "ok" || inner.calls != 3 {
		t.Errorf("content=%q calls=%d", resp.Content, inner.calls)
	}
}

func TestWithRetryGivesUpAfterMaxAttempts(t *testing.T) {
	inner := &flakyProvider{fails: []error{
		&ErrHTTP{Status: 429}, &ErrHTTP{Status: 429}, &ErrHTTP{Status: 429},
	}}
	p := WithRetry(inner, RetryMaxAttempts(2), RetryBaseDelay(time.Millisecond))

	_, err := p.Chat(context.Background(), ChatRequest{})
	var httpErr *ErrHTTP
	if !errors.As(err, &httpErr) || httpErr.Status != 429 {
		t.Fatalf("err = %v", err)
	}
	if inner.calls != 2 {
		t.Errorf("calls = %d, want 2", inner.calls)
	}
}

func TestWithRetryDoesNotRetryPermanentErrors(t *testing.T) {
	inner := &flakyProvider{fails: []error{&ErrHTTP{Status: 400, Body: "bad request"}}}
	p := WithRetry(inner, RetryBaseDelay(time.Millisecond))

	if _, err := p.Chat(context.Background(), ChatRequest{}); err == nil {
		t.Fatal("permanent error swallowed")
	}
	if inner.calls != 1 {
		t.Errorf("calls = %d, want 1 (no retry on 400)", inner.calls)
	}
}

func TestWithRetryHonorsRetryAfter(t *testing.T) {
	inner := &flakyProvider{fails: []error{
		&ErrHTTP{Status: 429, RetryAfter: 30 * time.Millisecond},
	}}
	p := WithRetry(inner, RetryBaseDelay(time.Millisecond))

	start := time.Now()
	if _, err := p.Chat(context.Background(), ChatRequest{}); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Errorf("retried after %v, want >= 30ms", elapsed)
	}
}

func TestWithRetryHonorsContext(t *testing.T) {
	inner := &flakyProvider{fails: []error{&ErrHTTP{Status: 429}, &ErrHTTP{Status: 429}}}
	p := WithRetry(inner, RetryBaseDelay(time.Hour))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := p.Chat(ctx, ChatRequest{})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want DeadlineExceeded", err)
	}
}

func TestWithRetryStreamForwardsTokens(t *testing.T) {
	inner := &flakyProvider{fails: []error{&ErrHTTP{Status: 503}}}
	p := WithRetry(inner, RetryBaseDelay(time.Millisecond))

	ch := make(chan string, 8)
	resp, err := p.ChatStream(context.Background(), ChatRequest{}, ch)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "ok" {
		t.Errorf("Content = %q", resp.Content)
	}
	var tokens []string
	for tok := range ch {
		tokens = append(tokens, tok)
	}
	if len(tokens) != 1 || tokens[0] != "ok" {
		t.Errorf("tokens = %v", tokens)
	}
}

func TestParseRetryAfterSeconds(t *testing.T) {
	if d := ParseRetryAfter("15"); d != 15*time.Second {
		t.Errorf("ParseRetryAfter(15) = %v", d)
	}
	if d := ParseRetryAfter("garbage"); d != 0 {
		t.Errorf("ParseRetryAfter(garbage) = %v", d)
	}
}
