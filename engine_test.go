package cauce

import (
	"context"
	"errors"
	"strings"
	"testing"
)

// seqAnalyzer returns scripted results in order, repeating the last one.
type seqAnalyzer struct {
	results []IntentResult
	calls   int
}

func (a *seqAnalyzer) Analyze(_ context.Context, _ string, _ ConversationData) (IntentResult, error) {
	i := a.calls
	a.calls++
	if i >= len(a.results) {
		i = len(a.results) - 1
	}
	return a.results[i], nil
}

func (a *seqAnalyzer) MethodName() string { return MethodLLM }

func workerAnswering(key, text string, rag *RAGMetrics) WorkerConstructor {
	return func(cfg WorkerConfig) Worker {
		return &scriptedWorker{key: key, delta: Delta{
			Messages:   []StateMessage{{Role: SenderAssistant, Content: text, AgentName: key}},
			RAGMetrics: rag,
		}}
	}
}

func TestEngineGreetingTurn(t *testing.T) {
	store := newMemContextStore()
	engine := NewEngine(store, NewFactory())

	res, err := engine.Invoke(context.Background(), TurnRequest{
		ConversationID: "c1", Message: "hola",
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Agent != AgentGreeting {
		t.Errorf("Agent = %q, want %q", res.Agent, AgentGreeting)
	}
	if res.Response == "" || !strings.Contains(res.Response, "Hola") {
		t.Errorf("Response = %q", res.Response)
	}
	if res.TotalTurns != 1 {
		t.Errorf("TotalTurns = %d, want 1", res.TotalTurns)
	}
	// Greeting ends the graph without supervision.
	hist := res.State.AgentHistory
	if len(hist) != 2 || hist[0] != NodeOrchestrator || hist[1] != AgentGreeting {
		t.Errorf("AgentHistory = %v", hist)
	}
	if res.Evaluation != nil {
		t.Error("greeting turn was supervised")
	}

	// The turn committed both messages and the context.
	msgs, _ := store.RecentMessages(context.Background(), "c1", 10)
	if len(msgs) != 2 || msgs[0].Sender != SenderUser || msgs[1].Sender != SenderAssistant {
		t.Errorf("stored messages = %v", msgs)
	}
	c, _ := store.GetContext(context.Background(), "c1")
	if c == nil || c.LastAgent != AgentGreeting || c.TotalTurns != 1 {
		t.Errorf("context = %+v", c)
	}
}

func TestEngineFlowContinuation(t *testing.T) {
	store := newMemContextStore()
	_ = store.SaveContext(context.Background(), Context{
		ConversationID: "c1", LastAgent: AgentSupport, TotalTurns: 2,
	})

	llm := &seqAnalyzer{results: []IntentResult{
		{PrimaryIntent: IntentProducto, Confidence: 0.9, TargetAgent: AgentProduct, Method: MethodLLM},
	}}
	factory := NewFactory(WithBuiltinWorker(AgentSupport, workerAnswering(
		AgentSupport,
		"Tu alta quedó registrada con el número 88012 y ya podés ingresar al sistema.",
		&RAGMetrics{HasResults: true, ResultCount: 1},
	)))
	engine := NewEngine(store, factory,
		WithEngineRouter(NewIntentRouter(WithRouterLLM(llm))))

	res, err := engine.Invoke(context.Background(), TurnRequest{
		ConversationID: "c1", Message: "alta",
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Agent != AgentSupport {
		t.Errorf("Agent = %q, want flow-pinned %q", res.Agent, AgentSupport)
	}
	if res.Decision == nil || res.Decision.Strategy != MethodFlow {
		t.Errorf("Decision = %+v, want flow_continuation", res.Decision)
	}
	if res.Decision.Confidence != flowConfidence {
		t.Errorf("Confidence = %v", res.Decision.Confidence)
	}
	if llm.calls != 0 {
		t.Errorf("analyzer consulted %d times during flow pin", llm.calls)
	}
	if res.State.RoutingAttempts != 1 {
		t.Errorf("RoutingAttempts = %d, want 1", res.State.RoutingAttempts)
	}
	if !res.State.IsComplete {
		t.Error("supervisor did not accept")
	}
}

func TestEngineReRouteToSecondWorker(t *testing.T) {
	store := newMemContextStore()
	llm := &seqAnalyzer{results: []IntentResult{
		{PrimaryIntent: IntentProducto, Confidence: 0.9, TargetAgent: AgentProduct, Method: MethodLLM},
		{PrimaryIntent: IntentFacturacion, Confidence: 0.9, TargetAgent: AgentBilling, Method: MethodLLM},
	}}
	factory := NewFactory(
		WithBuiltinWorker(AgentProduct, workerAnswering(
			AgentProduct,
			"No tengo información sobre eso. ¿En qué más puedo ayudarte?",
			&RAGMetrics{HasResults: true, ResultCount: 2},
		)),
		WithBuiltinWorker(AgentBilling, workerAnswering(
			AgentBilling,
			"El módulo de facturación cuesta $150 por mes e incluye 3 usuarios.",
			&RAGMetrics{HasResults: true, ResultCount: 2},
		)),
	)
	engine := NewEngine(store, factory,
		WithEngineRouter(NewIntentRouter(WithRouterLLM(llm))))

	res, err := engine.Invoke(context.Background(), TurnRequest{
		ConversationID: "c1", Message: "¿cuánto sale el módulo de facturación?",
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Agent != AgentBilling {
		t.Errorf("final Agent = %q, want %q", res.Agent, AgentBilling)
	}
	if res.State.SupervisorRetryCount != 1 {
		t.Errorf("SupervisorRetryCount = %d, want 1", res.State.SupervisorRetryCount)
	}
	last, prev := lastTwoWorkers(res.State.AgentHistory)
	if last != AgentBilling || prev != AgentProduct {
		t.Errorf("workers = (%q, %q), want distinct product then billing", prev, last)
	}
	if res.Evaluation == nil || res.Evaluation.Category != CategoryCompleteWithData {
		t.Errorf("Evaluation = %+v", res.Evaluation)
	}
	if res.Handoff {
		t.Error("unexpected handoff")
	}
}

func TestEngineStopRetryWithoutRAGResults(t *testing.T) {
	store := newMemContextStore()
	llm := &seqAnalyzer{results: []IntentResult{
		{PrimaryIntent: IntentSoporte, Confidence: 0.9, TargetAgent: AgentSupport, Method: MethodLLM},
	}}
	support := &scriptedWorker{key: AgentSupport, delta: Delta{
		Messages: []StateMessage{{
			Role:      SenderAssistant,
			Content:   "No tengo información sobre eso. ¿En qué más puedo ayudarte?",
			AgentName: AgentSupport,
		}},
		RAGMetrics: &RAGMetrics{HasResults: false},
	}}
	factory := NewFactory(WithBuiltinWorker(AgentSupport, func(WorkerConfig) Worker { return support }))
	engine := NewEngine(store, factory,
		WithEngineRouter(NewIntentRouter(WithRouterLLM(llm))))

	res, err := engine.Invoke(context.Background(), TurnRequest{
		ConversationID: "c1", Message: "¿tienen sucursal en Mendoza?",
	})
	if err != nil {
		t.Fatal(err)
	}
	if support.calls != 1 {
		t.Errorf("worker calls = %d, want 1 (no retry without RAG results)", support.calls)
	}
	if res.Evaluation == nil || res.Evaluation.SuggestedAction != ActionStopRetry {
		t.Errorf("Evaluation = %+v, want stop_retry", res.Evaluation)
	}
	if res.Handoff {
		t.Error("unexpected handoff")
	}
	if !res.State.IsComplete {
		t.Error("turn not complete")
	}
}

func TestEngineFrustrationHandoff(t *testing.T) {
	store := newMemContextStore()
	llm := &seqAnalyzer{results: []IntentResult{
		{PrimaryIntent: IntentSoporte, Confidence: 0.9, TargetAgent: AgentSupport, Method: MethodLLM},
	}}
	factory := NewFactory(WithBuiltinWorker(AgentSupport, workerAnswering(
		AgentSupport,
		"El horario de atención es de 9 a 18 horas.",
		&RAGMetrics{HasResults: true, ResultCount: 1},
	)))
	engine := NewEngine(store, factory,
		WithEngineRouter(NewIntentRouter(WithRouterLLM(llm))))

	res, err := engine.Invoke(context.Background(), TurnRequest{
		ConversationID: "c1", Message: "esto no sirve, quiero un supervisor",
	})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Handoff {
		t.Fatal("handoff not requested on frustration")
	}
	if !res.State.IsComplete {
		t.Error("handoff turn not complete")
	}
	if res.State.NeedsReRouting {
		t.Error("re-route flag set alongside handoff")
	}
}

func TestEngineBypassRouting(t *testing.T) {
	store := newMemContextStore()
	llm := &seqAnalyzer{results: []IntentResult{
		{PrimaryIntent: IntentSoporte, Confidence: 0.9, TargetAgent: AgentSupport, Method: MethodLLM},
	}}
	pharmacy := &scriptedWorker{key: AgentPharmacy, delta: Delta{
		Messages: []StateMessage{{
			Role:      SenderAssistant,
			Content:   "Tenemos ibuprofeno 600 a $2500, te lo reservo con gusto.",
			AgentName: AgentPharmacy,
		}},
		RAGMetrics: &RAGMetrics{HasResults: true, ResultCount: 1},
	}}
	factory := NewFactory(WithBuiltinWorker(AgentPharmacy, func(WorkerConfig) Worker { return pharmacy }))
	engine := NewEngine(store, factory,
		WithEngineRouter(NewIntentRouter(WithRouterLLM(llm))),
		WithEngineRegistryLoader(&StaticRegistryLoader{
			Agents: DefaultAgentConfigs(),
			BypassRules: []BypassRule{{
				ID: "r1", RuleType: BypassByPhonePattern, Pattern: "549264*",
				TargetAgent: AgentPharmacy, Priority: 10, Enabled: true,
			}},
		}))

	res, err := engine.Invoke(context.Background(), TurnRequest{
		ConversationID: "c1", Message: "¿tienen ibuprofeno?", UserPhone: "5492641234567",
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Decision == nil || res.Decision.Strategy != MethodBypass {
		t.Errorf("Decision = %+v, want bypass", res.Decision)
	}
	if res.Agent != AgentPharmacy {
		t.Errorf("Agent = %q", res.Agent)
	}
	if llm.calls != 0 {
		t.Errorf("analyzer consulted %d times despite bypass", llm.calls)
	}
	if pharmacy.calls != 1 {
		t.Errorf("worker calls = %d, want 1", pharmacy.calls)
	}
	if res.State.BypassCount != 1 {
		t.Errorf("BypassCount = %d", res.State.BypassCount)
	}
}

func TestEngineValidatesRequest(t *testing.T) {
	engine := NewEngine(newMemContextStore(), NewFactory())
	if _, err := engine.Invoke(context.Background(), TurnRequest{Message: "hola"}); err == nil {
		t.Error("missing conversation_id accepted")
	}
	if _, err := engine.Invoke(context.Background(), TurnRequest{ConversationID: "c1"}); err == nil {
		t.Error("missing message accepted")
	}
}

func TestEngineStreamEmitsProgressAndFinal(t *testing.T) {
	engine := NewEngine(newMemContextStore(), NewFactory())

	var events []StreamEvent
	for ev := range engine.Stream(context.Background(), TurnRequest{ConversationID: "c1", Message: "hola"}) {
		events = append(events, ev)
	}
	if len(events) < 2 {
		t.Fatalf("events = %v", events)
	}
	last := events[len(events)-1]
	if last.Type != EventFinal || last.Data == nil {
		t.Fatalf("last event = %+v", last)
	}
	if last.Data.Agent != AgentGreeting {
		t.Errorf("final Agent = %q", last.Data.Agent)
	}
	for _, ev := range events[:len(events)-1] {
		if ev.Type != EventStream {
			t.Errorf("progress event type = %q", ev.Type)
		}
	}
}

func TestEngineCancelledTurnDoesNotCommit(t *testing.T) {
	store := newMemContextStore()
	engine := NewEngine(store, NewFactory())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := engine.Invoke(ctx, TurnRequest{ConversationID: "c1", Message: "hola"})
	if err == nil {
		t.Fatal("cancelled turn succeeded")
	}
	if c, _ := store.GetContext(context.Background(), "c1"); c != nil {
		t.Errorf("cancelled turn committed context: %+v", c)
	}
}

func TestEngineTurnsAccumulate(t *testing.T) {
	store := newMemContextStore()
	engine := NewEngine(store, NewFactory())

	for i := 0; i < 3; i++ {
		if _, err := engine.Invoke(context.Background(), TurnRequest{ConversationID: "c1", Message: "hola"}); err != nil {
			t.Fatal(err)
		}
	}
	c, _ := store.GetContext(context.Background(), "c1")
	if c == nil || c.TotalTurns != 3 {
		t.Errorf("context = %+v, want 3 turns", c)
	}
	if len(c.TopicHistory) != 3 {
		t.Errorf("TopicHistory = %v", c.TopicHistory)
	}
}

func TestEngineResumeMissingCheckpoint(t *testing.T) {
	engine := NewEngine(newMemContextStore(), NewFactory())
	if _, err := engine.Resume(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestEngineCheckpointClearedAfterCommit(t *testing.T) {
	cps := NewMemoryCheckpointStore()
	engine := NewEngine(newMemContextStore(), NewFactory(), WithEngineCheckpoints(cps))

	if _, err := engine.Invoke(context.Background(), TurnRequest{ConversationID: "c1", Message: "hola"}); err != nil {
		t.Fatal(err)
	}
	if _, err := cps.GetCheckpoint(context.Background(), "c1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("checkpoint not cleared: %v", err)
	}
}

func TestEngineRegenerateSummary(t *testing.T) {
	store := newMemContextStore()
	_ = store.SaveContext(context.Background(), Context{ConversationID: "c1", TotalTurns: 3})
	_ = store.SaveMessage(context.Background(), StoredMessage{ConversationID: "c1", Sender: SenderUser, Content: "quiero ibuprofeno"})
	_ = store.SaveMessage(context.Background(), StoredMessage{ConversationID: "c1", Sender: SenderAssistant, Content: "¿cuántas unidades?", AgentName: AgentPharmacy})

	provider := &stubProvider{responses: []string{"El cliente pide ibuprofeno."}}
	engine := NewEngine(store, NewFactory(), WithEngineSummarizer(NewSummarizer(provider)))

	c, err := engine.RegenerateSummary(context.Background(), "c1")
	if err != nil {
		t.Fatal(err)
	}
	if c.RollingSummary != "El cliente pide ibuprofeno." {
		t.Errorf("summary = %q", c.RollingSummary)
	}
	saved, _ := store.GetContext(context.Background(), "c1")
	if saved == nil || saved.RollingSummary != c.RollingSummary {
		t.Errorf("summary not persisted: %+v", saved)
	}

	if _, err := engine.RegenerateSummary(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}
