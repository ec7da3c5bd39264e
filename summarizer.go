package cauce

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Rolling summarizer: keeps Context.RollingSummary fresh so analyzer prompts
// stay short as conversations grow. Refreshes every N committed turns; the
// admin surface can force a regeneration at any time.

const (
	defaultSummarizeEvery   = 5
	summaryTranscriptBudget = 1200 // tokens
	summarizerTimeout       = 30 * time.Second
)

// SummarizerOption configures a Summarizer.
type SummarizerOption func(*Summarizer)

// WithSummarizeEvery sets how many turns pass between refreshes (default 5).
func WithSummarizeEvery(n int) SummarizerOption {
	return func(s *Summarizer) {
		if n > 0 {
			s.every = n
		}
	}
}

// WithSummarizerTokenCounter sets the counter used to budget the transcript.
func WithSummarizerTokenCounter(tc *TokenCounter) SummarizerOption {
	return func(s *Summarizer) { s.tokens = tc }
}

// WithSummarizerLogger sets the logger. Defaults to a no-op logger.
func WithSummarizerLogger(l *slog.Logger) SummarizerOption {
	return func(s *Summarizer) { s.logger = l }
}

// Summarizer produces the rolling conversation summary.
type Summarizer struct {
	provider Provider
	every    int
	tokens   *TokenCounter
	logger   *slog.Logger
}

// NewSummarizer builds a summarizer around a provider.
func NewSummarizer(provider Provider, opts ...SummarizerOption) *Summarizer {
	s := &Summarizer{provider: provider, every: defaultSummarizeEvery, logger: nopLogger()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// MaybeRefresh regenerates the summary when the turn counter crosses the
// refresh interval. Failures keep the previous summary; summarization is
// best-effort and never fails a turn.
func (s *Summarizer) MaybeRefresh(ctx context.Context, c *Context, recent []StoredMessage) {
	if c.TotalTurns == 0 || c.TotalTurns%s.every != 0 {
		return
	}
	if err := s.Refresh(ctx, c, recent); err != nil {
		s.logger.Warn("summary refresh failed", "conversation_id", c.ConversationID, "error", err)
	}
}

// Refresh regenerates the rolling summary unconditionally and updates the
// context in place.
func (s *Summarizer) Refresh(ctx context.Context, c *Context, recent []StoredMessage) error {
	if len(recent) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, summarizerTimeout)
	defer cancel()

	resp, err := s.provider.Chat(ctx, ChatRequest{
		Messages: []ChatMessage{
			SystemMessage("Resumí la conversación en un párrafo corto en español. " +
				"Conservá los datos concretos (nombres, pedidos, montos, productos mencionados) y el estado actual del pedido o consulta. " +
				"Respondé solo con el resumen."),
			UserMessage(s.transcript(c, recent)),
		},
		Temperature: 0.2,
	})
	if err != nil {
		return fmt.Errorf("summarize %s: %w", c.ConversationID, err)
	}
	summary := strings.TrimSpace(resp.Content)
	if summary == "" {
		return fmt.Errorf("summarize %s: empty summary", c.ConversationID)
	}
	c.RollingSummary = summary
	return nil
}

// transcript renders the prior summary plus the recent messages inside the
// token budget, keeping the tail.
func (s *Summarizer) transcript(c *Context, recent []StoredMessage) string {
	var b strings.Builder
	if c.RollingSummary != "" {
		b.WriteString("Resumen previo: ")
		b.WriteString(c.RollingSummary)
		b.WriteString("\n\n")
	}
	for _, m := range recent {
		b.WriteString(m.Sender)
		if m.AgentName != "" {
			b.WriteString(" (" + m.AgentName + ")")
		}
		b.WriteString(": ")
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	return budgetText(s.tokens, b.String(), summaryTranscriptBudget)
}
