package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cauce-ai/cauce"
)

// Option configures a Provider.
type Option func(*Provider)

// WithName overrides the provider name carried in errors and logs.
func WithName(name string) Option {
	return func(p *Provider) { p.name = name }
}

// WithHTTPClient replaces the HTTP client (timeouts, proxies, test servers).
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.client = c }
}

// WithTemperature sets a default temperature applied when the request carries
// none.
func WithTemperature(t float64) Option {
	return func(p *Provider) { p.temperature = &t }
}

// WithLogger sets the provider logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) { p.logger = l }
}

// Provider speaks the OpenAI chat completions protocol. baseURL is the API
// base (e.g. "https://api.openai.com/v1", "http://localhost:11434/v1"); the
// endpoint paths are appended.
type Provider struct {
	apiKey      string
	model       string
	baseURL     string
	name        string
	temperature *float64
	client      *http.Client
	logger      *slog.Logger
}

var _ cauce.Provider = (*Provider)(nil)

// New creates a chat provider for an OpenAI-compatible API.
func New(apiKey, model, baseURL string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		model:   model,
		baseURL: baseURL,
		name:    "openai",
		client:  &http.Client{Timeout: 60 * time.Second},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Provider) Name() string { return p.name }

// Chat sends a non-streaming request and returns the complete response.
func (p *Provider) Chat(ctx context.Context, req cauce.ChatRequest) (cauce.ChatResponse, error) {
	resp, err := p.send(ctx, p.buildBody(req, false))
	if err != nil {
		return cauce.ChatResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return cauce.ChatResponse{}, p.httpErr(resp)
	}

	var wire wireChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return cauce.ChatResponse{}, &cauce.ErrLLM{Provider: p.name, Message: fmt.Sprintf("decode response: %v", err)}
	}
	if len(wire.Choices) == 0 || wire.Choices[0].Message == nil {
		return cauce.ChatResponse{}, &cauce.ErrLLM{Provider: p.name, Message: "response has no choices"}
	}

	out := cauce.ChatResponse{Content: wire.Choices[0].Message.Content}
	if wire.Usage != nil {
		out.Usage = cauce.Usage{InputTokens: wire.Usage.PromptTokens, OutputTokens: wire.Usage.CompletionTokens}
	}
	return out, nil
}

// ChatStream streams text deltas into ch and returns the accumulated
// response. The channel is always closed when the call ends.
func (p *Provider) ChatStream(ctx context.Context, req cauce.ChatRequest, ch chan<- string) (cauce.ChatResponse, error) {
	body := p.buildBody(req, true)

	resp, err := p.send(ctx, body)
	if err != nil {
		close(ch)
		return cauce.ChatResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		close(ch)
		return cauce.ChatResponse{}, p.httpErr(resp)
	}

	// streamSSE closes ch when done.
	return streamSSE(ctx, resp.Body, ch)
}

func (p *Provider) buildBody(req cauce.ChatRequest, stream bool) wireChatRequest {
	body := wireChatRequest{
		Model:     p.model,
		Messages:  make([]wireMessage, len(req.Messages)),
		MaxTokens: req.MaxTokens,
		Stream:    stream,
	}
	for i, m := range req.Messages {
		body.Messages[i] = wireMessage{Role: m.Role, Content: m.Content}
	}
	if req.Temperature != 0 {
		t := req.Temperature
		body.Temperature = &t
	} else if p.temperature != nil {
		body.Temperature = p.temperature
	}
	if stream {
		body.StreamOptions = &wireStreamOptions{IncludeUsage: true}
	}
	return body
}

func (p *Provider) send(ctx context.Context, body wireChatRequest) (*http.Response, error) {
	return p.post(ctx, "/chat/completions", body)
}

func (p *Provider) post(ctx context.Context, path string, body any) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &cauce.ErrLLM{Provider: p.name, Message: fmt.Sprintf("marshal request: %v", err)}
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, &cauce.ErrLLM{Provider: p.name, Message: fmt.Sprintf("create request: %v", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
	return p.client.Do(httpReq)
}

// httpErr drains the response body into an ErrHTTP so retry middleware can
// act on the status and Retry-After header.
func (p *Provider) httpErr(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	return &cauce.ErrHTTP{
		Status:     resp.StatusCode,
		Body:       string(body),
		RetryAfter: cauce.ParseRetryAfter(resp.Header.Get("Retry-After")),
	}
}
