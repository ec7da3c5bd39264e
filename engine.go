package cauce

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Engine: the turn pipeline. One Invoke is: acquire the conversation lock,
// load context, build the tenant registry, evaluate bypass, build workers,
// run the compiled graph under the turn budget, and commit context + messages
// atomically at the end. Cancelled or failed turns never commit.

const (
	defaultTurnBudget = 90 * time.Second
)

// TurnRequest is one user-message-in.
type TurnRequest struct {
	ConversationID string `json:"conversation_id"`
	OrganizationID string `json:"organization_id,omitempty"`
	UserID         string `json:"user_id,omitempty"`
	UserPhone      string `json:"user_phone,omitempty"`
	Message        string `json:"message"`
	Language       string `json:"language,omitempty"`
	UserTier       string `json:"user_tier,omitempty"`
	// PhoneNumberID is the messaging-channel phone-number-id, for bypass
	// rules keyed on the receiving channel.
	PhoneNumberID string `json:"phone_number_id,omitempty"`
	// BypassTargetAgent is set by an upstream pre-router. Consumed once.
	BypassTargetAgent string `json:"bypass_target_agent,omitempty"`
}

// TurnResult is one assistant-message-out.
type TurnResult struct {
	ConversationID string           `json:"conversation_id"`
	Response       string           `json:"response"`
	Agent          string           `json:"agent,omitempty"`
	Handoff        bool             `json:"human_handoff_requested"`
	TotalTurns     int              `json:"total_turns"`
	Decision       *RoutingDecision `json:"routing_decision,omitempty"`
	Evaluation     *Evaluation      `json:"evaluation,omitempty"`
	Buttons        []Button         `json:"buttons,omitempty"`
	ListItems      []ListItem       `json:"list_items,omitempty"`
	State          State            `json:"-"`
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithEngineRouter sets the intent router. Defaults to a keyword-only router.
func WithEngineRouter(r *IntentRouter) EngineOption {
	return func(e *Engine) { e.router = r }
}

// WithEngineSupervisor sets the supervisor. Defaults to NewSupervisor().
func WithEngineSupervisor(s *Supervisor) EngineOption {
	return func(e *Engine) { e.supervisor = s }
}

// WithEngineRegistryLoader sets the tenant registry source. Defaults to a
// static loader with the builtin agents enabled.
func WithEngineRegistryLoader(l RegistryLoader) EngineOption {
	return func(e *Engine) { e.registries = l }
}

// WithEngineCheckpoints sets the checkpoint store. Defaults to in-memory.
func WithEngineCheckpoints(cs CheckpointStore) EngineOption {
	return func(e *Engine) { e.checkpoints = cs }
}

// WithEngineSummarizer enables rolling-summary refreshes at commit.
func WithEngineSummarizer(s *Summarizer) EngineOption {
	return func(e *Engine) { e.summarizer = s }
}

// WithEngineTurnBudget sets the whole-turn timeout (default 90s).
func WithEngineTurnBudget(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.turnBudget = d
		}
	}
}

// WithEngineGlobalAgents restricts routable agents to this list, intersected
// with each tenant registry. Empty means the registry alone decides.
func WithEngineGlobalAgents(keys []string) EngineOption {
	return func(e *Engine) { e.globalAgents = keys }
}

// WithEngineEnabledDomains disables tenant agents whose domain is not in this
// list. Empty leaves domains unrestricted.
func WithEngineEnabledDomains(keys []string) EngineOption {
	return func(e *Engine) { e.enabledDomains = keys }
}

// WithEngineMaxWaiters bounds the per-conversation lock wait queue.
func WithEngineMaxWaiters(n int) EngineOption {
	return func(e *Engine) { e.locks = newConvLocks(n) }
}

// WithEngineLogger sets the engine logger. Defaults to a no-op logger.
func WithEngineLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// WithEngineTracer sets the tracer seam. Nil skips span creation.
func WithEngineTracer(t Tracer) EngineOption {
	return func(e *Engine) { e.tracer = t }
}

// Engine drives turns through the compiled graph.
type Engine struct {
	contexts       ContextStore
	factory        *Factory
	router         *IntentRouter
	supervisor     *Supervisor
	registries     RegistryLoader
	checkpoints    CheckpointStore
	summarizer     *Summarizer
	locks          *convLocks
	turnBudget     time.Duration
	globalAgents   []string
	enabledDomains []string
	logger         *slog.Logger
	tracer         Tracer
}

// NewEngine builds an engine over a context store and a worker factory.
func NewEngine(contexts ContextStore, factory *Factory, opts ...EngineOption) *Engine {
	e := &Engine{
		contexts:    contexts,
		factory:     factory,
		router:      NewIntentRouter(),
		supervisor:  NewSupervisor(),
		registries:  &StaticRegistryLoader{Agents: DefaultAgentConfigs()},
		checkpoints: NewMemoryCheckpointStore(),
		locks:       newConvLocks(0),
		turnBudget:  defaultTurnBudget,
		logger:      nopLogger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Invoke runs one turn and returns the final response.
func (e *Engine) Invoke(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	if req.ConversationID == "" || req.Message == "" {
		return nil, fmt.Errorf("invoke: conversation_id and message are required")
	}

	release, err := e.locks.Acquire(ctx, req.ConversationID)
	if err != nil {
		return nil, err
	}
	defer release()

	if e.tracer != nil {
		var span Span
		ctx, span = e.tracer.Start(ctx, "engine.turn",
			StringAttr("conversation_id", req.ConversationID),
			StringAttr("organization_id", req.OrganizationID))
		defer span.End()
	}

	return e.turn(ctx, req, nil)
}

// Stream runs one turn, emitting per-node progress events followed by a final
// result or error event. The channel is closed when the turn ends.
func (e *Engine) Stream(ctx context.Context, req TurnRequest) <-chan StreamEvent {
	events := make(chan StreamEvent, 8)
	go func() {
		defer close(events)

		if req.ConversationID == "" || req.Message == "" {
			events <- StreamEvent{Type: EventError, Error: "conversation_id and message are required"}
			return
		}
		release, err := e.locks.Acquire(ctx, req.ConversationID)
		if err != nil {
			events <- StreamEvent{Type: EventError, Error: err.Error()}
			return
		}
		defer release()

		result, err := e.turn(ctx, req, func(node string, step int, s State) {
			ev := StreamEvent{Type: EventStream, CurrentNode: node, StepCount: step}
			if msg, ok := lastAssistantMessage(s.Messages); ok && msg.AgentName == node {
				ev.Preview = truncateStr(msg.Content, 120)
			}
			select {
			case events <- ev:
			case <-ctx.Done():
			}
		})
		if err != nil {
			events <- StreamEvent{Type: EventError, Error: err.Error()}
			return
		}
		events <- StreamEvent{Type: EventFinal, Data: result}
	}()
	return events
}

// turn is the shared pipeline behind Invoke and Stream.
func (e *Engine) turn(ctx context.Context, req TurnRequest, observe func(node string, step int, s State)) (*TurnResult, error) {
	turnCtx, cancel := context.WithTimeout(ctx, e.turnBudget)
	defer cancel()

	start := time.Now()

	// Load context; durable read trouble degrades to a fresh in-memory
	// context for this turn.
	prior, err := e.contexts.GetContext(turnCtx, req.ConversationID)
	if err != nil {
		e.logger.Warn("context load degraded", "conversation_id", req.ConversationID, "error", err)
		prior = nil
	}

	reg, err := e.loadRegistry(turnCtx, req)
	if err != nil {
		return nil, fmt.Errorf("load registry: %w", err)
	}

	// Tenant overrides on, and always off again when the turn ends.
	e.factory.ApplyTenantConfig(reg)
	defer e.factory.ResetToDefaults()

	workers := e.factory.Build(turnCtx, reg, e.globalAgents)
	exec := &executor{
		workers: workers,
		configs: e.factory.EffectiveConfig,
		logger:  e.logger,
		tracer:  e.tracer,
	}
	if prior != nil {
		exec.summary = prior.RollingSummary
	}

	state := e.seedState(req)
	bypass := EvaluateBypass(reg, BypassInput{UserPhone: req.UserPhone, PhoneNumberID: req.PhoneNumberID})

	g := compileGraph(e.orchestratorNode(reg, prior, &bypass), exec, e.supervisor, e.logger)
	g.onStep = func(stepCtx context.Context, node string, step int, s State) {
		cp := Checkpoint{State: s, Node: node, Step: step, UpdatedAt: NowUnix()}
		if err := e.checkpoints.PutCheckpoint(stepCtx, req.ConversationID, cp); err != nil {
			e.logger.Warn("checkpoint write failed", "conversation_id", req.ConversationID, "error", err)
		}
		if observe != nil {
			observe(node, step, s)
		}
	}

	final, err := g.run(turnCtx, state)
	switch {
	case err == nil:
	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		// Turn budget exhausted: apologize, hand off, and still commit.
		e.logger.Warn("turn budget exceeded", "conversation_id", req.ConversationID, "budget", e.turnBudget)
		final = mergeState(final, Delta{
			Messages: []StateMessage{{Role: SenderAssistant, Content: apologyText, AgentName: NodeSupervisor}},
			HumanHandoffRequested: boolPtr(true),
			IsComplete:            boolPtr(true),
		})
	case errors.Is(err, context.Canceled):
		// Caller cancelled: discard everything, commit nothing.
		return nil, err
	default:
		var engErr *ErrEngine
		if errors.As(err, &engErr) {
			// Fatal engine failure: partial result, marked complete.
			e.logger.Error("engine failure", "conversation_id", req.ConversationID, "node", engErr.Node, "error", err)
			final = mergeState(final, Delta{
				Messages:   []StateMessage{{Role: SenderAssistant, Content: apologyText, AgentName: engErr.Node}},
				IsComplete: boolPtr(true),
			})
		} else {
			return nil, err
		}
	}

	result, err := e.commit(ctx, req, prior, final)
	if err != nil {
		return nil, err
	}
	e.logger.Info("turn committed",
		"conversation_id", req.ConversationID,
		"agent", final.CurrentAgent,
		"attempts", final.RoutingAttempts,
		"handoff", final.HumanHandoffRequested,
		"duration", time.Since(start))
	return result, nil
}

// Resume continues an interrupted turn from its checkpoint. Returns
// ErrNotFound when no checkpoint exists.
func (e *Engine) Resume(ctx context.Context, conversationID string) (*TurnResult, error) {
	cp, err := e.checkpoints.GetCheckpoint(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	req := TurnRequest{
		ConversationID: conversationID,
		OrganizationID: cp.State.OrganizationID,
		UserID:         cp.State.UserID,
		UserPhone:      cp.State.UserPhone,
		Message:        lastUserMessage(cp.State.Messages),
	}

	release, err := e.locks.Acquire(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	defer release()

	turnCtx, cancel := context.WithTimeout(ctx, e.turnBudget)
	defer cancel()

	prior, err := e.contexts.GetContext(turnCtx, conversationID)
	if err != nil {
		prior = nil
	}
	reg, err := e.loadRegistry(turnCtx, req)
	if err != nil {
		return nil, fmt.Errorf("load registry: %w", err)
	}
	e.factory.ApplyTenantConfig(reg)
	defer e.factory.ResetToDefaults()

	workers := e.factory.Build(turnCtx, reg, e.globalAgents)
	exec := &executor{workers: workers, configs: e.factory.EffectiveConfig, logger: e.logger, tracer: e.tracer}
	if prior != nil {
		exec.summary = prior.RollingSummary
	}

	bypass := BypassTest{} // bypass never survives into a resumed pass
	g := compileGraph(e.orchestratorNode(reg, prior, &bypass), exec, e.supervisor, e.logger)
	g.startState = &cp.State
	g.startNode = g.next(cp.Node, cp.State)
	if g.startNode == End {
		// Checkpoint was already terminal; just commit it.
		return e.commit(ctx, req, prior, cp.State)
	}

	final, err := g.run(turnCtx, cp.State)
	if err != nil {
		return nil, err
	}
	return e.commit(ctx, req, prior, final)
}

// RegenerateSummary rebuilds the rolling summary from the recent transcript
// regardless of the refresh interval and persists the updated context.
// Returns ErrNotFound when the conversation has no context.
func (e *Engine) RegenerateSummary(ctx context.Context, conversationID string) (*Context, error) {
	if e.summarizer == nil {
		return nil, fmt.Errorf("regenerate summary: no summarizer configured")
	}

	release, err := e.locks.Acquire(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	defer release()

	c, err := e.contexts.GetContext(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("load context: %w", err)
	}
	if c == nil {
		return nil, ErrNotFound
	}
	recent, err := e.contexts.RecentMessages(ctx, conversationID, 20)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	if err := e.summarizer.Refresh(ctx, c, recent); err != nil {
		return nil, err
	}
	if err := e.contexts.SaveContext(ctx, *c); err != nil {
		return nil, fmt.Errorf("save context: %w", err)
	}
	return c, nil
}

// orchestratorNode builds the entry node: bypass short-circuit or the intent
// cascade, then next_agent plus the routing bookkeeping.
func (e *Engine) orchestratorNode(reg *Registry, prior *Context, bypass *BypassTest) nodeFunc {
	return func(ctx context.Context, s State) (Delta, error) {
		// A fired bypass is consumed by the first pass only.
		if bypass != nil && bypass.Matched {
			target := bypass.TargetAgent
			bypass.Matched = false
			return Delta{
				NextAgent:    strPtr(target),
				AgentHistory: []string{NodeOrchestrator},
				BypassCount:  intPtr(s.BypassCount + 1),
				RoutingDecision: &RoutingDecision{
					Strategy:    MethodBypass,
					Confidence:  1,
					TargetAgent: target,
					Reasoning:   "regla de bypass",
				},
			}, nil
		}

		conv := e.conversationData(s, prior)
		res := e.router.Route(ctx, lastUserMessage(s.Messages), conv)

		// Registry patterns refine the default intent->agent mapping.
		target := res.TargetAgent
		if res.Method != MethodFlow {
			target = reg.AgentForIntent(res.PrimaryIntent)
		}
		return Delta{
			NextAgent:       strPtr(target),
			AgentHistory:    []string{NodeOrchestrator},
			RoutingAttempts: intPtr(s.RoutingAttempts + 1),
			NeedsReRouting:  boolPtr(false),
			RoutingDecision: &RoutingDecision{
				Strategy:    res.Method,
				Intent:      res.PrimaryIntent,
				Confidence:  res.Confidence,
				TargetAgent: target,
				Reasoning:   res.Reasoning,
			},
		}, nil
	}
}

func (e *Engine) conversationData(s State, prior *Context) ConversationData {
	conv := ConversationData{
		ConversationID: s.ConversationID,
		RecentMessages: s.Messages,
	}
	if prior != nil {
		conv.PreviousAgent = prior.LastAgent
		conv.RollingSummary = prior.RollingSummary
		conv.LastBotMessage = prior.LastBotResponse
	}
	// Within a re-routed turn the last worker becomes the previous agent.
	if last, _ := lastTwoWorkers(s.AgentHistory); last != "" {
		conv.PreviousAgent = last
	}
	return conv
}

func (e *Engine) loadRegistry(ctx context.Context, req TurnRequest) (*Registry, error) {
	reg, err := e.registries.LoadRegistry(ctx, req.OrganizationID)
	if err != nil {
		return nil, err
	}
	reg.RestrictDomains(e.enabledDomains)
	if req.BypassTargetAgent != "" {
		reg.SetBypassTarget(req.BypassTargetAgent)
	}
	return reg, nil
}

// seedState builds the initial frame: identity fields plus the incoming user
// message.
func (e *Engine) seedState(req TurnRequest) State {
	return State{
		Messages:       []StateMessage{{Role: SenderUser, Content: req.Message}},
		ConversationID: req.ConversationID,
		UserID:         req.UserID,
		UserPhone:      req.UserPhone,
		OrganizationID: req.OrganizationID,
	}
}

// commit persists the turn: messages first, context last, checkpoint cleared.
// Uses the caller's context deliberately — a budget-exhausted turn still
// commits its apology.
func (e *Engine) commit(ctx context.Context, req TurnRequest, prior *Context, final State) (*TurnResult, error) {
	c := Context{ConversationID: req.ConversationID}
	if prior != nil {
		c = *prior
	}
	if c.OrganizationID == "" {
		c.OrganizationID = req.OrganizationID
	}
	if c.UserPhone == "" {
		c.UserPhone = req.UserPhone
	}

	response := e.deriveResponse(final)

	c.TotalTurns++
	c.LastUserMessage = req.Message
	c.LastBotResponse = response
	if final.CurrentAgent != "" {
		c.LastAgent = final.CurrentAgent
	}
	if final.RoutingDecision != nil && final.RoutingDecision.Intent != "" {
		c.TopicHistory = append(c.TopicHistory, final.RoutingDecision.Intent)
	}

	if err := e.contexts.SaveMessage(ctx, StoredMessage{
		ConversationID: req.ConversationID,
		Sender:         SenderUser,
		Content:        req.Message,
	}); err != nil {
		return nil, fmt.Errorf("save user message: %w", err)
	}
	for _, m := range final.Messages {
		if m.Role != SenderAssistant {
			continue
		}
		if err := e.contexts.SaveMessage(ctx, StoredMessage{
			ConversationID: req.ConversationID,
			Sender:         SenderAssistant,
			Content:        m.Content,
			AgentName:      m.AgentName,
		}); err != nil {
			return nil, fmt.Errorf("save assistant message: %w", err)
		}
	}

	if e.summarizer != nil {
		recent, err := e.contexts.RecentMessages(ctx, req.ConversationID, 20)
		if err == nil {
			e.summarizer.MaybeRefresh(ctx, &c, recent)
		}
	}

	if err := e.contexts.SaveContext(ctx, c); err != nil {
		return nil, fmt.Errorf("save context: %w", err)
	}
	if err := e.checkpoints.DeleteCheckpoint(ctx, req.ConversationID); err != nil {
		e.logger.Warn("checkpoint clear failed", "conversation_id", req.ConversationID, "error", err)
	}

	return &TurnResult{
		ConversationID: req.ConversationID,
		Response:       response,
		Agent:          final.CurrentAgent,
		Handoff:        final.HumanHandoffRequested,
		TotalTurns:     c.TotalTurns,
		Decision:       final.RoutingDecision,
		Evaluation:     final.SupervisorEvaluation,
		Buttons:        final.ResponseButtons,
		ListItems:      final.ResponseListItems,
		State:          final,
	}, nil
}

// deriveResponse picks the user-visible text: the enhanced rewrite when the
// supervisor produced one, otherwise the last assistant message.
func (e *Engine) deriveResponse(final State) string {
	if ev := final.SupervisorEvaluation; ev != nil && ev.EnhancedResponse != "" {
		return ev.EnhancedResponse
	}
	if msg, ok := lastAssistantMessage(final.Messages); ok {
		return msg.Content
	}
	return apologyText
}
