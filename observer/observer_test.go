package observer

import (
	"context"
	"errors"
	"testing"
	"time"

	cauce "github.com/cauce-ai/cauce"
)

// ---------------------------------------------------------------------------
// Mock implementations
// ---------------------------------------------------------------------------

// mockProvider for observer tests.
type mockProvider struct {
	name     string
	chatResp cauce.ChatResponse
	chatErr  error
}

func (m *mockProvider) Name() string { return m.name }
func (m *mockProvider) Chat(_ context.Context, _ cauce.ChatRequest) (cauce.ChatResponse, error) {
	return m.chatResp, m.chatErr
}
func (m *mockProvider) ChatStream(_ context.Context, _ cauce.ChatRequest, ch chan<- string) (cauce.ChatResponse, error) {
	ch <- "hola"
	ch <- " mundo"
	close(ch)
	return m.chatResp, m.chatErr
}

// mockEmbedding for observer tests.
type mockEmbedding struct {
	name string
	dims int
	vecs [][]float32
	err  error
}

func (m *mockEmbedding) Name() string    { return m.name }
func (m *mockEmbedding) Dimensions() int { return m.dims }
func (m *mockEmbedding) Embed(_ context.Context, _ []string) ([][]float32, error) {
	return m.vecs, m.err
}

// mockWorker for observer tests.
type mockWorker struct {
	key   string
	delta cauce.Delta
	err   error
	calls int
}

func (m *mockWorker) Key() string { return m.key }
func (m *mockWorker) Process(_ context.Context, _ string, _ cauce.StateView) (cauce.Delta, error) {
	m.calls++
	return m.delta, m.err
}

// testInstruments creates a no-op Instruments using the global OTEL providers
// (which are no-ops by default). This is safe for testing delegation behavior
// without any real OTEL backend.
func testInstruments(t *testing.T) *Instruments {
	t.Helper()
	inst, err := newInstruments(nil)
	if err != nil {
		t.Fatalf("newInstruments: %v", err)
	}
	return inst
}

// ---------------------------------------------------------------------------
// ObservedProvider tests
// ---------------------------------------------------------------------------

func TestObservedProviderName(t *testing.T) {
	inner := &mockProvider{name: "test-provider"}
	op := WrapProvider(inner, "test-model", testInstruments(t))

	got := op.Name()
	if got != "test-provider" {
		t.Errorf("Name() = %q, want %q", got, "test-provider")
	}
}

func TestObservedProviderChat(t *testing.T) {
	want := cauce.ChatResponse{
		Content: "hola desde el modelo",
		Usage:   cauce.Usage{InputTokens: 10, OutputTokens: 5},
	}
	inner := &mockProvider{name: "p", chatResp: want}
	op := WrapProvider(inner, "m", testInstruments(t))

	got, err := op.Chat(context.Background(), cauce.ChatRequest{})
	if err != nil {
		t.Fatalf("Chat returned unexpected error: %v", err)
	}
	if got.Content != want.Content {
		t.Errorf("Content = %q, want %q", got.Content, want.Content)
	}
	if got.Usage != want.Usage {
		t.Errorf("Usage = %+v, want %+v", got.Usage, want.Usage)
	}
}

func TestObservedProviderChatError(t *testing.T) {
	wantErr := errors.New("provider unavailable")
	inner := &mockProvider{name: "p", chatErr: wantErr}
	op := WrapProvider(inner, "m", testInstruments(t))

	_, err := op.Chat(context.Background(), cauce.ChatRequest{})
	if !errors.Is(err, wantErr) {
		t.Errorf("Chat error = %v, want %v", err, wantErr)
	}
}

func TestObservedProviderChatStream(t *testing.T) {
	want := cauce.ChatResponse{
		Content: "hola mundo",
		Usage:   cauce.Usage{InputTokens: 8, OutputTokens: 2},
	}
	inner := &mockProvider{name: "p", chatResp: want}
	op := WrapProvider(inner, "m", testInstruments(t))

	ch := make(chan string, 10)
	got, err := op.ChatStream(context.Background(), cauce.ChatRequest{}, ch)
	if err != nil {
		t.Fatalf("ChatStream returned unexpected error: %v", err)
	}

	// The wrapper's goroutine forwards tokens from the inner wrappedCh to our
	// ch and closes our ch when done. Collect all tokens.
	var tokens []string
	for tok := range ch {
		tokens = append(tokens, tok)
	}

	if len(tokens) != 2 {
		t.Fatalf("received %d tokens, want 2", len(tokens))
	}
	if tokens[0] != "hola" || tokens[1] != " mundo" {
		t.Errorf("tokens = %v, want [hola, ' mundo']", tokens)
	}
	if got.Content != want.Content {
		t.Errorf("Content = %q, want %q", got.Content, want.Content)
	}
	if got.Usage != want.Usage {
		t.Errorf("Usage = %+v, want %+v", got.Usage, want.Usage)
	}
}

// ---------------------------------------------------------------------------
// ObservedWorker tests
// ---------------------------------------------------------------------------

func TestObservedWorkerKey(t *testing.T) {
	inner := &mockWorker{key: cauce.AgentBilling}
	ow := WrapWorker(inner, testInstruments(t))

	if got := ow.Key(); got != cauce.AgentBilling {
		t.Errorf("Key() = %q, want %q", got, cauce.AgentBilling)
	}
}

func TestObservedWorkerProcess(t *testing.T) {
	done := true
	inner := &mockWorker{
		key: cauce.AgentBilling,
		delta: cauce.Delta{
			Messages:   []cauce.StateMessage{{Role: "assistant", Content: "son $150", AgentName: cauce.AgentBilling}},
			IsComplete: &done,
		},
	}
	ow := WrapWorker(inner, testInstruments(t))

	delta, err := ow.Process(context.Background(), "cuanto cuesta", cauce.StateView{})
	if err != nil {
		t.Fatalf("Process returned unexpected error: %v", err)
	}
	if inner.calls != 1 {
		t.Errorf("inner calls = %d, want 1", inner.calls)
	}
	if len(delta.Messages) != 1 || delta.Messages[0].Content != "son $150" {
		t.Errorf("delta messages = %+v", delta.Messages)
	}
	if delta.IsComplete == nil || !*delta.IsComplete {
		t.Error("IsComplete not passed through")
	}
}

func TestObservedWorkerProcessError(t *testing.T) {
	wantErr := errors.New("worker broken")
	inner := &mockWorker{key: cauce.AgentSupport, err: wantErr}
	ow := WrapWorker(inner, testInstruments(t))

	_, err := ow.Process(context.Background(), "ayuda", cauce.StateView{})
	if !errors.Is(err, wantErr) {
		t.Errorf("Process error = %v, want %v", err, wantErr)
	}
}

func TestWrapConstructor(t *testing.T) {
	inst := testInstruments(t)
	ctor := func(cfg cauce.WorkerConfig) cauce.Worker {
		return &mockWorker{key: cfg.Key}
	}

	wrapped := WrapConstructor(ctor, inst)
	w := wrapped(cauce.WorkerConfig{Key: cauce.AgentTracking})

	if _, ok := w.(*ObservedWorker); !ok {
		t.Fatalf("constructor produced %T, want *ObservedWorker", w)
	}
	if w.Key() != cauce.AgentTracking {
		t.Errorf("Key() = %q, want %q", w.Key(), cauce.AgentTracking)
	}
}

// ---------------------------------------------------------------------------
// Turn-level tests
// ---------------------------------------------------------------------------

// The no-op meter swallows the measurements; these verify the recorder walks
// every result shape without panicking.
func TestTurnRecorder(t *testing.T) {
	rec := TurnRecorder(testInstruments(t))

	rec(context.Background(), &cauce.TurnResult{
		Agent:      cauce.AgentGreeting,
		Decision:   &cauce.RoutingDecision{Strategy: "keyword", TargetAgent: cauce.AgentGreeting},
		Evaluation: &cauce.Evaluation{Category: "aprobado"},
	}, nil, 10*time.Millisecond)

	rec(context.Background(), nil, errors.New("turn failed"), time.Millisecond)
	rec(context.Background(), nil, context.Canceled, time.Millisecond)
}

func TestObserveIntentCache(t *testing.T) {
	inst := testInstruments(t)
	err := inst.ObserveIntentCache(func() (uint64, uint64, int) { return 3, 1, 2 })
	if err != nil {
		t.Fatalf("ObserveIntentCache: %v", err)
	}
}

// ---------------------------------------------------------------------------
// ObservedEmbedding tests
// ---------------------------------------------------------------------------

func TestObservedEmbeddingName(t *testing.T) {
	inner := &mockEmbedding{name: "embed-provider"}
	oe := WrapEmbedding(inner, "embed-model", testInstruments(t))

	got := oe.Name()
	if got != "embed-provider" {
		t.Errorf("Name() = %q, want %q", got, "embed-provider")
	}
}

func TestObservedEmbeddingDimensions(t *testing.T) {
	inner := &mockEmbedding{dims: 768}
	oe := WrapEmbedding(inner, "embed-model", testInstruments(t))

	got := oe.Dimensions()
	if got != 768 {
		t.Errorf("Dimensions() = %d, want %d", got, 768)
	}
}

func TestObservedEmbeddingEmbed(t *testing.T) {
	want := [][]float32{
		{0.1, 0.2, 0.3},
		{0.4, 0.5, 0.6},
	}
	inner := &mockEmbedding{name: "e", dims: 3, vecs: want}
	oe := WrapEmbedding(inner, "embed-model", testInstruments(t))

	got, err := oe.Embed(context.Background(), []string{"hola", "mundo"})
	if err != nil {
		t.Fatalf("Embed returned unexpected error: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("Embed returned %d vectors, want %d", len(got), len(want))
	}
	for i := range got {
		for j := range got[i] {
			if got[i][j] != want[i][j] {
				t.Errorf("vector[%d][%d] = %f, want %f", i, j, got[i][j], want[i][j])
			}
		}
	}
}

func TestObservedEmbeddingEmbedError(t *testing.T) {
	wantErr := errors.New("embedding service down")
	inner := &mockEmbedding{name: "e", dims: 3, err: wantErr}
	oe := WrapEmbedding(inner, "embed-model", testInstruments(t))

	_, err := oe.Embed(context.Background(), []string{"test"})
	if !errors.Is(err, wantErr) {
		t.Errorf("Embed error = %v, want %v", err, wantErr)
	}
}
