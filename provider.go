package cauce

import "context"

// Provider abstracts the LLM backend.
type Provider interface {
	// Chat sends a request and returns a complete response.
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)
	// ChatStream streams tokens into ch, then returns the final response with usage stats.
	ChatStream(ctx context.Context, req ChatRequest, ch chan<- string) (ChatResponse, error)
	// Name returns the provider name (e.g. "openai", "ollama").
	Name() string
}

// EmbeddingProvider abstracts text embedding.
type EmbeddingProvider interface {
	// Embed returns embedding vectors for the given texts.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	// Dimensions returns the embedding vector size.
	Dimensions() int
	// Name returns the provider name.
	Name() string
}

// RetrievalResult is a scored piece of content from a knowledge base search.
// Score is in [0, 1]; higher means more relevant.
type RetrievalResult struct {
	Content string  `json:"content"`
	Score   float32 `json:"score"`
	Source  string  `json:"source,omitempty"`
}

// Retriever searches a knowledge base and returns ranked results. Workers that
// answer from retrieved data hold one and report rag_metrics from its output.
// Concrete implementations (vector stores, ERP lookups) live outside this
// module.
type Retriever interface {
	Retrieve(ctx context.Context, query string, topK int) ([]RetrievalResult, error)
}
