package cauce

import (
	"context"
	"sync"
)

// memContextStore is an in-memory ContextStore for engine tests.
type memContextStore struct {
	mu       sync.Mutex
	contexts map[string]Context
	messages map[string][]StoredMessage
}

func newMemContextStore() *memContextStore {
	return &memContextStore{
		contexts: make(map[string]Context),
		messages: make(map[string][]StoredMessage),
	}
}

func (m *memContextStore) GetContext(_ context.Context, conversationID string) (*Context, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.contexts[conversationID]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (m *memContextStore) SaveContext(_ context.Context, c Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.contexts[c.ConversationID] = c
	return nil
}

func (m *memContextStore) SaveMessage(_ context.Context, msg StoredMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if msg.ID == "" {
		msg.ID = NewID()
	}
	m.messages[msg.ConversationID] = append(m.messages[msg.ConversationID], msg)
	return nil
}

func (m *memContextStore) RecentMessages(_ context.Context, conversationID string, limit int) ([]StoredMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs := m.messages[conversationID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]StoredMessage, len(msgs))
	copy(out, msgs)
	return out, nil
}

func (m *memContextStore) ClearContext(_ context.Context, conversationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.contexts, conversationID)
	delete(m.messages, conversationID)
	return nil
}

// stubProvider returns scripted responses in order, repeating the last one.
type stubProvider struct {
	mu        sync.Mutex
	responses []string
	err       error
	calls     int
	requests  []ChatRequest
}

func (p *stubProvider) Name() string { return "stub" }

func (p *stubProvider) Chat(_ context.Context, req ChatRequest) (ChatResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	p.requests = append(p.requests, req)
	if p.err != nil {
		return ChatResponse{}, p.err
	}
	if len(p.responses) == 0 {
		return ChatResponse{Content: "ok"}, nil
	}
	i := p.calls - 1
	if i >= len(p.responses) {
		i = len(p.responses) - 1
	}
	return ChatResponse{Content: p.responses[i], Usage: Usage{InputTokens: 10, OutputTokens: 5}}, nil
}

func (p *stubProvider) ChatStream(ctx context.Context, req ChatRequest, ch chan<- string) (ChatResponse, error) {
	resp, err := p.Chat(ctx, req)
	if err != nil {
		close(ch)
		return ChatResponse{}, err
	}
	ch <- resp.Content
	close(ch)
	return resp, nil
}

// stubAnalyzer returns a fixed result or error.
type stubAnalyzer struct {
	result IntentResult
	err    error
	method string
	calls  int
}

func (a *stubAnalyzer) Analyze(_ context.Context, _ string, _ ConversationData) (IntentResult, error) {
	a.calls++
	if a.err != nil {
		return IntentResult{}, a.err
	}
	return a.result, nil
}

func (a *stubAnalyzer) MethodName() string {
	if a.method != "" {
		return a.method
	}
	return a.result.Method
}

// stubRetriever returns fixed results.
type stubRetriever struct {
	results []RetrievalResult
	err     error
}

func (r *stubRetriever) Retrieve(_ context.Context, _ string, _ int) ([]RetrievalResult, error) {
	if r.err != nil {
		return nil, r.err
	}
	return r.results, nil
}

// scriptedWorker answers with a fixed delta or error, recording invocations.
type scriptedWorker struct {
	key   string
	delta Delta
	err   error
	calls int
	panic bool
}

func (w *scriptedWorker) Key() string { return w.key }

func (w *scriptedWorker) Process(_ context.Context, _ string, _ StateView) (Delta, error) {
	w.calls++
	if w.panic {
		panic("scripted panic")
	}
	if w.err != nil {
		return Delta{}, w.err
	}
	return w.delta, nil
}
