package cauce

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// Workers are the opaque handlers that produce the assistant's reply for one
// intent family. They are stateless executors built per request: every piece
// of tenant-specific configuration travels in the WorkerConfig carried by the
// StateView, never on shared instances.

// WorkerConfig is the merged (global + tenant) configuration a worker reads
// from its frame.
type WorkerConfig struct {
	Key            string         `json:"key"`
	DisplayName    string         `json:"display_name,omitempty"`
	Keywords       []string       `json:"keywords,omitempty"`
	Priority       int            `json:"priority"`
	PromptFragment string         `json:"prompt_fragment,omitempty"`
	Model          string         `json:"model,omitempty"`
	Options        map[string]any `json:"options,omitempty"`
}

// StateView is the flattened state a worker receives: the transcript, the
// customer identifiers, the counters, and the retrieved data accumulated so
// far. Workers never see the raw frame.
type StateView struct {
	ConversationID string
	OrganizationID string
	UserID         string
	UserPhone      string

	Transcript     string // flattened messages with roles, newest last
	RollingSummary string
	AgentHistory   []string

	RoutingAttempts int
	ErrorCount      int

	RetrievedData map[string]any
	Config        WorkerConfig
}

// Worker is the contract every agent implements. Process returns a Delta that
// the executor merges into the frame via the state reducers.
type Worker interface {
	// Key returns the agent key this worker answers for.
	Key() string
	// Process handles one user message and returns a partial state update.
	Process(ctx context.Context, message string, view StateView) (Delta, error)
}

// nopLogger returns a logger that discards all output. Used when WithLogger
// options are not set.
func nopLogger() *slog.Logger { return slog.New(discardHandler{}) }

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// --- Canned workers ---

// GreetingWorker answers salutations with a canned greeting. It never needs
// supervision; the graph wires it straight to END.
type GreetingWorker struct {
	cfg WorkerConfig
}

// NewGreetingWorker builds the greeting worker.
func NewGreetingWorker(cfg WorkerConfig) Worker { return &GreetingWorker{cfg: cfg} }

func (w *GreetingWorker) Key() string { return AgentGreeting }

func (w *GreetingWorker) Process(_ context.Context, _ string, view StateView) (Delta, error) {
	name := view.Config.DisplayName
	if name == "" {
		name = "nuestro asistente"
	}
	text := fmt.Sprintf("¡Hola! Soy %s. ¿En qué te puedo ayudar hoy?", name)
	return Delta{
		Messages: []StateMessage{{Role: SenderAssistant, Content: text, AgentName: AgentGreeting}},
	}, nil
}

// FarewellWorker closes the conversation. The executor forces is_complete for
// this agent, but the worker sets it too so the delta stands on its own.
type FarewellWorker struct {
	cfg WorkerConfig
}

// NewFarewellWorker builds the farewell worker.
func NewFarewellWorker(cfg WorkerConfig) Worker { return &FarewellWorker{cfg: cfg} }

func (w *FarewellWorker) Key() string { return AgentFarewell }

func (w *FarewellWorker) Process(_ context.Context, _ string, _ StateView) (Delta, error) {
	return Delta{
		Messages: []StateMessage{{
			Role:      SenderAssistant,
			Content:   "¡Gracias por escribirnos! Que tengas un buen día.",
			AgentName: AgentFarewell,
		}},
		IsComplete: boolPtr(true),
	}, nil
}

// FallbackWorker handles messages no other agent claims.
type FallbackWorker struct {
	cfg WorkerConfig
}

// NewFallbackWorker builds the fallback worker.
func NewFallbackWorker(cfg WorkerConfig) Worker { return &FallbackWorker{cfg: cfg} }

func (w *FallbackWorker) Key() string { return AgentFallback }

func (w *FallbackWorker) Process(_ context.Context, _ string, _ StateView) (Delta, error) {
	return Delta{
		Messages: []StateMessage{{
			Role:      SenderAssistant,
			Content:   "No estoy seguro de haber entendido. ¿Podés contarme un poco más sobre lo que necesitás?",
			AgentName: AgentFallback,
		}},
	}, nil
}

// --- LLM-backed worker ---

// LLMWorkerOption configures an LLMWorker.
type LLMWorkerOption func(*LLMWorker)

// WithWorkerRetriever attaches a knowledge retriever. When set, the worker
// searches before answering and reports rag_metrics from the results.
func WithWorkerRetriever(r Retriever, topK int) LLMWorkerOption {
	return func(w *LLMWorker) {
		w.retriever = r
		if topK > 0 {
			w.topK = topK
		}
	}
}

// WithWorkerLogger sets the worker logger. Defaults to a no-op logger.
func WithWorkerLogger(l *slog.Logger) LLMWorkerOption {
	return func(w *LLMWorker) { w.logger = l }
}

// WithWorkerButtons makes the worker emit interactive quick-reply buttons for
// channels that support them.
func WithWorkerButtons(buttons []Button) LLMWorkerOption {
	return func(w *LLMWorker) { w.buttons = buttons }
}

// LLMWorker answers through an LLM, optionally grounded on retrieved data.
// The system prompt is the tenant prompt fragment from the frame config, so
// one LLMWorker value serves any agent key.
type LLMWorker struct {
	key       string
	provider  Provider
	retriever Retriever
	topK      int
	buttons   []Button
	logger    *slog.Logger
}

// NewLLMWorker builds an LLM-backed worker for the given agent key.
func NewLLMWorker(key string, provider Provider, opts ...LLMWorkerOption) *LLMWorker {
	w := &LLMWorker{key: key, provider: provider, topK: 5, logger: nopLogger()}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

var _ Worker = (*LLMWorker)(nil)

func (w *LLMWorker) Key() string { return w.key }

func (w *LLMWorker) Process(ctx context.Context, message string, view StateView) (Delta, error) {
	var (
		retrieved []RetrievalResult
		metrics   *RAGMetrics
	)
	if w.retriever != nil {
		results, err := w.retriever.Retrieve(ctx, message, w.topK)
		if err != nil {
			w.logger.Warn("retrieval failed", "agent", w.key, "error", err)
		} else {
			retrieved = results
		}
		metrics = &RAGMetrics{HasResults: len(retrieved) > 0, ResultCount: len(retrieved)}
		if len(retrieved) > 0 {
			metrics.TopScore = retrieved[0].Score
		}
	}

	req := ChatRequest{
		Messages:    w.buildMessages(message, view, retrieved),
		Temperature: 0.7,
	}
	resp, err := w.provider.Chat(ctx, req)
	if err != nil {
		return Delta{}, fmt.Errorf("%s: %w", w.key, err)
	}

	delta := Delta{
		Messages:   []StateMessage{{Role: SenderAssistant, Content: resp.Content, AgentName: w.key}},
		RAGMetrics: metrics,
	}
	if len(retrieved) > 0 {
		delta.RetrievedData = map[string]any{w.key: retrieved}
	}
	if len(w.buttons) > 0 {
		delta.ResponseButtons = w.buttons
	}
	return delta, nil
}

func (w *LLMWorker) buildMessages(message string, view StateView, retrieved []RetrievalResult) []ChatMessage {
	var system strings.Builder
	if frag := view.Config.PromptFragment; frag != "" {
		system.WriteString(frag)
	} else {
		system.WriteString("Sos un asistente de atención al cliente. Respondé en el idioma del usuario, de forma breve y concreta.")
	}
	if view.RollingSummary != "" {
		system.WriteString("\n\nResumen de la conversación hasta ahora:\n")
		system.WriteString(view.RollingSummary)
	}
	if len(retrieved) > 0 {
		system.WriteString("\n\nInformación recuperada (usala como única fuente de datos concretos):\n")
		for _, r := range retrieved {
			system.WriteString("- ")
			system.WriteString(r.Content)
			system.WriteString("\n")
		}
	}

	msgs := []ChatMessage{SystemMessage(system.String())}
	if view.Transcript != "" {
		msgs = append(msgs, SystemMessage("Transcripción reciente:\n"+view.Transcript))
	}
	msgs = append(msgs, UserMessage(message))
	return msgs
}
