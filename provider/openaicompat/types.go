// Package openaicompat implements cauce.Provider and cauce.EmbeddingProvider
// over any OpenAI-compatible API (OpenAI, OpenRouter, Groq, DeepSeek, Ollama,
// vLLM, and friends).
package openaicompat

// Wire types for the chat completions and embeddings endpoints. Only the
// fields this module reads or writes are declared.

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type wireChatRequest struct {
	Model         string             `json:"model"`
	Messages      []wireMessage      `json:"messages"`
	Temperature   *float64           `json:"temperature,omitempty"`
	MaxTokens     int                `json:"max_tokens,omitempty"`
	Stream        bool               `json:"stream,omitempty"`
	StreamOptions *wireStreamOptions `json:"stream_options,omitempty"`
}

type wireStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type wireChoice struct {
	Message *wireMessage `json:"message,omitempty"`
	Delta   *wireMessage `json:"delta,omitempty"`
}

type wireUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

type wireChatResponse struct {
	Choices []wireChoice `json:"choices"`
	Usage   *wireUsage   `json:"usage,omitempty"`
}

type wireEmbeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type wireEmbeddingResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}
