package openaicompat

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cauce-ai/cauce"
)

// EmbeddingProvider speaks the OpenAI embeddings protocol.
type EmbeddingProvider struct {
	apiKey     string
	model      string
	baseURL    string
	name       string
	dimensions int
	client     *http.Client
}

var _ cauce.EmbeddingProvider = (*EmbeddingProvider)(nil)

// NewEmbedding creates an embedding provider. dimensions is the vector size
// the model emits (e.g. 1536 for text-embedding-3-small).
func NewEmbedding(apiKey, model, baseURL string, dimensions int) *EmbeddingProvider {
	return &EmbeddingProvider{
		apiKey:     apiKey,
		model:      model,
		baseURL:    baseURL,
		name:       "openai",
		dimensions: dimensions,
		client:     &http.Client{Timeout: 30 * time.Second},
	}
}

func (e *EmbeddingProvider) Name() string    { return e.name }
func (e *EmbeddingProvider) Dimensions() int { return e.dimensions }

// Embed returns one vector per input text, in input order.
func (e *EmbeddingProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	p := &Provider{apiKey: e.apiKey, name: e.name, baseURL: e.baseURL, client: e.client}
	resp, err := p.post(ctx, "/embeddings", wireEmbeddingRequest{Model: e.model, Input: texts})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, p.httpErr(resp)
	}

	var wire wireEmbeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, &cauce.ErrLLM{Provider: e.name, Message: fmt.Sprintf("decode embeddings: %v", err)}
	}
	if len(wire.Data) != len(texts) {
		return nil, &cauce.ErrLLM{Provider: e.name, Message: fmt.Sprintf("got %d embeddings for %d inputs", len(wire.Data), len(texts))}
	}

	out := make([][]float32, len(texts))
	for _, d := range wire.Data {
		if d.Index < 0 || d.Index >= len(out) {
			return nil, &cauce.ErrLLM{Provider: e.name, Message: fmt.Sprintf("embedding index %d out of range", d.Index)}
		}
		out[d.Index] = d.Embedding
	}
	return out, nil
}
