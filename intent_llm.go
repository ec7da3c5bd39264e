package cauce

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync/atomic"
	"time"
)

// LLM analyzer: the first cascade tier. Builds a classification prompt from
// the conversation context, calls the provider under a hard timeout, extracts
// JSON tolerantly, and validates the result. Every failure mode degrades to a
// fallback result so the cascade can move on.

const (
	llmAnalyzerTimeout     = 60 * time.Second
	llmAnalyzerTemperature = 0.3
	llmFailureConfidence   = 0.3
	llmRecentMessages      = 6
	llmTranscriptBudget    = 600 // tokens
)

// LLMAnalyzerOption configures an LLMAnalyzer.
type LLMAnalyzerOption func(*LLMAnalyzer)

// WithLLMTimeout overrides the per-call hard timeout (default 60s).
func WithLLMTimeout(d time.Duration) LLMAnalyzerOption {
	return func(a *LLMAnalyzer) {
		if d > 0 {
			a.timeout = d
		}
	}
}

// WithLLMCache attaches an intent cache. Results are keyed by normalized
// utterance plus routing context and replayed without a provider call.
func WithLLMCache(c *IntentCache) LLMAnalyzerOption {
	return func(a *LLMAnalyzer) { a.cache = c }
}

// WithLLMTokenCounter sets the counter used to budget the recent transcript.
func WithLLMTokenCounter(tc *TokenCounter) LLMAnalyzerOption {
	return func(a *LLMAnalyzer) { a.tokens = tc }
}

// WithLLMLogger sets the analyzer logger. Defaults to a no-op logger.
func WithLLMLogger(l *slog.Logger) LLMAnalyzerOption {
	return func(a *LLMAnalyzer) { a.logger = l }
}

// LLMAnalyzer classifies intents through a Provider.
type LLMAnalyzer struct {
	provider Provider
	cache    *IntentCache
	tokens   *TokenCounter
	timeout  time.Duration
	logger   *slog.Logger
	failures atomic.Uint64
}

var _ Analyzer = (*LLMAnalyzer)(nil)

// NewLLMAnalyzer builds the LLM tier around a provider.
func NewLLMAnalyzer(provider Provider, opts ...LLMAnalyzerOption) *LLMAnalyzer {
	a := &LLMAnalyzer{
		provider: provider,
		timeout:  llmAnalyzerTimeout,
		logger:   nopLogger(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *LLMAnalyzer) MethodName() string { return MethodLLM }

// Failures returns how many analyses degraded to fallback.
func (a *LLMAnalyzer) Failures() uint64 { return a.failures.Load() }

func (a *LLMAnalyzer) Analyze(ctx context.Context, message string, conv ConversationData) (IntentResult, error) {
	var cacheKey string
	if a.cache != nil {
		cacheKey = a.cache.Key(message, conv)
		if res, ok := a.cache.Get(cacheKey); ok {
			return res, nil
		}
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	resp, err := a.provider.Chat(ctx, ChatRequest{
		Messages: []ChatMessage{
			SystemMessage(a.systemPrompt()),
			UserMessage(a.userPrompt(message, conv)),
		},
		Temperature: llmAnalyzerTemperature,
	})
	if err != nil {
		return a.fail(fmt.Sprintf("llm: %v", err)), nil
	}

	parsed, err := parseIntentResponse(resp.Content)
	if err != nil {
		return a.fail(fmt.Sprintf("respuesta no parseable: %v", err)), nil
	}

	intent, conf, reason := validateIntent(parsed.PrimaryIntent, validIntents())
	if conf < parsed.Confidence {
		parsed.Confidence = conf
	}
	result := IntentResult{
		PrimaryIntent: intent,
		Confidence:    parsed.Confidence,
		TargetAgent:   mapIntentToAgent(intent),
		Method:        MethodLLM,
		Reasoning:     strings.TrimSpace(parsed.Reasoning + " | " + reason),
		Entities:      parsed.Entities,
	}
	if a.cache != nil {
		a.cache.Set(cacheKey, result)
	}
	return result, nil
}

func (a *LLMAnalyzer) fail(reason string) IntentResult {
	a.failures.Add(1)
	a.logger.Warn("llm analysis degraded", "reason", reason)
	return IntentResult{
		PrimaryIntent: IntentFallback,
		Confidence:    llmFailureConfidence,
		TargetAgent:   AgentFallback,
		Method:        MethodLLM,
		Reasoning:     reason,
	}
}

// systemPrompt enumerates the valid intents with their examples. Generated
// from the intent tables so new intents never require prompt edits.
func (a *LLMAnalyzer) systemPrompt() string {
	var b strings.Builder
	b.WriteString("Sos un clasificador de intenciones para un asistente de atención al cliente.\n")
	b.WriteString("Clasificá el mensaje del usuario en exactamente una de estas intenciones:\n\n")
	for _, intent := range validIntents() {
		b.WriteString("- ")
		b.WriteString(intent)
		if examples := intentExamples[intent]; len(examples) > 0 {
			b.WriteString(` (ej: "`)
			b.WriteString(strings.Join(examples, `", "`))
			b.WriteString(`")`)
		}
		b.WriteString("\n")
	}
	b.WriteString("\nRespondé SOLO con un objeto JSON, sin texto adicional:\n")
	b.WriteString(`{"primary_intent": "...", "confidence": 0.0, "reasoning": "...", "entities": {}}` + "\n")
	b.WriteString("\nReglas:\n")
	b.WriteString("- confidence es un número entre 0 y 1.\n")
	b.WriteString("- entities mapea nombre a valor para datos concretos del mensaje (números de pedido, montos, productos).\n")
	b.WriteString("- Ante la duda, usá fallback con confidence baja.\n")
	return b.String()
}

// userPrompt packs the routing context: rolling summary, last bot message,
// previous agent, and the recent transcript truncated to the token budget.
func (a *LLMAnalyzer) userPrompt(message string, conv ConversationData) string {
	var b strings.Builder
	if conv.RollingSummary != "" {
		b.WriteString("Resumen de la conversación:\n")
		b.WriteString(conv.RollingSummary)
		b.WriteString("\n\n")
	}
	if conv.PreviousAgent != "" {
		b.WriteString("Agente anterior: ")
		b.WriteString(conv.PreviousAgent)
		b.WriteString("\n")
	}
	if conv.LastBotMessage != "" {
		b.WriteString("Último mensaje del asistente: ")
		b.WriteString(conv.LastBotMessage)
		b.WriteString("\n")
	}
	if recent := conv.RecentMessages; len(recent) > 0 {
		if len(recent) > llmRecentMessages {
			recent = recent[len(recent)-llmRecentMessages:]
		}
		b.WriteString("Mensajes recientes:\n")
		b.WriteString(budgetText(a.tokens, flattenMessages(recent), llmTranscriptBudget))
		b.WriteString("\n")
	}
	b.WriteString("\nMensaje a clasificar: ")
	b.WriteString(message)
	return b.String()
}

type llmIntentResponse struct {
	PrimaryIntent string            `json:"primary_intent"`
	Confidence    float64           `json:"confidence"`
	Reasoning     string            `json:"reasoning"`
	Entities      map[string]string `json:"entities"`
}

// parseIntentResponse extracts and decodes the first JSON object in an LLM
// response, tolerating code fences and surrounding prose.
func parseIntentResponse(response string) (llmIntentResponse, error) {
	var parsed llmIntentResponse
	jsonStr := extractJSON(response)
	if err := json.Unmarshal([]byte(jsonStr), &parsed); err != nil {
		return parsed, err
	}
	if parsed.PrimaryIntent == "" {
		return parsed, fmt.Errorf("primary_intent vacío")
	}
	if parsed.Confidence < 0 {
		parsed.Confidence = 0
	}
	if parsed.Confidence > 1 {
		parsed.Confidence = 1
	}
	return parsed, nil
}

// extractJSON finds the first JSON object in a string (handles code fences).
func extractJSON(input string) string {
	trimmed := strings.TrimSpace(input)

	if strings.HasPrefix(trimmed, "```json") {
		trimmed = strings.TrimPrefix(trimmed, "```json")
		trimmed = strings.TrimSuffix(trimmed, "```")
		trimmed = strings.TrimSpace(trimmed)
	} else if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```")
		trimmed = strings.TrimSuffix(trimmed, "```")
		trimmed = strings.TrimSpace(trimmed)
	}

	start := strings.Index(trimmed, "{")
	end := strings.LastIndex(trimmed, "}")
	if start >= 0 && end > start {
		return trimmed[start : end+1]
	}
	return trimmed
}

// sortedKeys returns map keys in stable order, for deterministic logs.
func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
