package openaicompat

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"

	"github.com/cauce-ai/cauce"
)

// streamSSE reads a chat completions SSE stream, forwards content deltas to
// ch, and returns the accumulated response. ch is closed when the stream
// ends. Expected framing:
//
//	data: {"choices":[{"delta":{"content":"..."}}]}\n
//	data: [DONE]\n
func streamSSE(ctx context.Context, body io.Reader, ch chan<- string) (cauce.ChatResponse, error) {
	defer close(ch)

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)

	var full strings.Builder
	var usage cauce.Usage

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		var chunk wireChatResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			// Malformed chunks are skipped, not fatal.
			continue
		}

		// Usage arrives on the final chunk, sometimes with no choices.
		if chunk.Usage != nil {
			usage.InputTokens = chunk.Usage.PromptTokens
			usage.OutputTokens = chunk.Usage.CompletionTokens
		}
		if len(chunk.Choices) == 0 || chunk.Choices[0].Delta == nil {
			continue
		}

		if delta := chunk.Choices[0].Delta.Content; delta != "" {
			full.WriteString(delta)
			select {
			case ch <- delta:
			case <-ctx.Done():
				return cauce.ChatResponse{}, ctx.Err()
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return cauce.ChatResponse{}, err
	}

	return cauce.ChatResponse{Content: full.String(), Usage: usage}, nil
}
