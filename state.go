package cauce

import "strings"

// Graph state: the frame passed between nodes. Nodes never mutate a frame in
// place; each returns a Delta and the engine merges it with mergeState. The
// per-field merge rules are the reducers from the data model: sequences
// append, maps shallow-union with right precedence, next_agent and the
// interactive fields are last-non-null, everything else is last write wins.

// StateMessage is one message inside the graph frame.
type StateMessage struct {
	Role      string `json:"role"` // "user", "assistant", "system"
	Content   string `json:"content"`
	AgentName string `json:"agent_name,omitempty"`
}

// RAGMetrics is worker-reported evidence of retrieved data. Absence of
// results tells the supervisor that re-routing cannot conjure an answer.
type RAGMetrics struct {
	HasResults  bool    `json:"has_results"`
	ResultCount int     `json:"result_count"`
	TopScore    float32 `json:"top_score,omitempty"`
}

// RoutingDecision records how the orchestrator resolved the target worker.
type RoutingDecision struct {
	Strategy    string  `json:"routing_strategy"` // "llm", "nlp", "keyword", "flow_continuation", "bypass"
	Intent      string  `json:"intent,omitempty"`
	Confidence  float64 `json:"confidence"`
	TargetAgent string  `json:"target_agent"`
	Reasoning   string  `json:"reasoning,omitempty"`
}

// FlowState marks an agent that owns an active multi-turn flow.
type FlowState struct {
	Agent     string `json:"agent"`
	SinceTurn int    `json:"since_turn"`
}

// Button is an interactive quick-reply option for channels that support it.
type Button struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// ListItem is an interactive list row for channels that support it.
type ListItem struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

// State is the full graph frame. It lives for one invocation and is
// checkpointed between node executions keyed by conversation id.
type State struct {
	Messages []StateMessage `json:"messages"`

	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id,omitempty"`
	UserPhone      string `json:"user_phone,omitempty"`
	OrganizationID string `json:"organization_id,omitempty"`

	CurrentAgent string   `json:"current_agent,omitempty"`
	NextAgent    string   `json:"next_agent,omitempty"`
	AgentHistory []string `json:"agent_history,omitempty"`

	RoutingAttempts      int `json:"routing_attempts"`
	BypassCount          int `json:"bypass_count"`
	SupervisorRetryCount int `json:"supervisor_retry_count"`
	ErrorCount           int `json:"error_count"`

	IsComplete            bool `json:"is_complete"`
	HumanHandoffRequested bool `json:"human_handoff_requested"`
	NeedsReRouting        bool `json:"needs_re_routing"`

	RetrievedData map[string]any `json:"retrieved_data,omitempty"`

	SupervisorEvaluation *Evaluation      `json:"supervisor_evaluation,omitempty"`
	ConversationFlow     *FlowState       `json:"conversation_flow,omitempty"`
	RoutingDecision      *RoutingDecision `json:"routing_decision,omitempty"`
	RAGMetrics           *RAGMetrics      `json:"rag_metrics,omitempty"`

	ResponseButtons   []Button   `json:"response_buttons,omitempty"`
	ResponseListItems []ListItem `json:"response_list_items,omitempty"`
}

// Delta is a partial state update returned by a node. Nil fields are "no
// write"; set fields merge per the reducers above.
type Delta struct {
	Messages []StateMessage

	CurrentAgent *string
	NextAgent    *string
	AgentHistory []string

	RoutingAttempts      *int
	BypassCount          *int
	SupervisorRetryCount *int
	ErrorCount           *int

	IsComplete            *bool
	HumanHandoffRequested *bool
	NeedsReRouting        *bool

	RetrievedData map[string]any

	SupervisorEvaluation *Evaluation
	ConversationFlow     *FlowState
	RoutingDecision      *RoutingDecision
	RAGMetrics           *RAGMetrics

	ResponseButtons   []Button
	ResponseListItems []ListItem
}

// mergeState applies a delta to a frame and returns the merged frame. The
// input frame is not modified; sequence and map fields are copied before
// growth so deltas can never alias the previous frame.
func mergeState(prev State, d Delta) State {
	next := prev

	if len(d.Messages) > 0 {
		msgs := make([]StateMessage, 0, len(prev.Messages)+len(d.Messages))
		msgs = append(msgs, prev.Messages...)
		msgs = append(msgs, d.Messages...)
		next.Messages = msgs
	}
	if len(d.AgentHistory) > 0 {
		hist := make([]string, 0, len(prev.AgentHistory)+len(d.AgentHistory))
		hist = append(hist, prev.AgentHistory...)
		hist = append(hist, d.AgentHistory...)
		next.AgentHistory = hist
	}
	if len(d.RetrievedData) > 0 {
		merged := make(map[string]any, len(prev.RetrievedData)+len(d.RetrievedData))
		for k, v := range prev.RetrievedData {
			merged[k] = v
		}
		for k, v := range d.RetrievedData {
			merged[k] = v
		}
		next.RetrievedData = merged
	}

	if d.CurrentAgent != nil {
		next.CurrentAgent = *d.CurrentAgent
	}
	if d.NextAgent != nil {
		next.NextAgent = *d.NextAgent
	}
	if d.RoutingAttempts != nil {
		next.RoutingAttempts = *d.RoutingAttempts
	}
	if d.BypassCount != nil {
		next.BypassCount = *d.BypassCount
	}
	if d.SupervisorRetryCount != nil {
		next.SupervisorRetryCount = *d.SupervisorRetryCount
	}
	if d.ErrorCount != nil {
		next.ErrorCount = *d.ErrorCount
	}
	if d.IsComplete != nil {
		next.IsComplete = *d.IsComplete
	}
	if d.HumanHandoffRequested != nil {
		next.HumanHandoffRequested = *d.HumanHandoffRequested
	}
	if d.NeedsReRouting != nil {
		next.NeedsReRouting = *d.NeedsReRouting
	}
	if d.SupervisorEvaluation != nil {
		next.SupervisorEvaluation = d.SupervisorEvaluation
	}
	if d.ConversationFlow != nil {
		next.ConversationFlow = d.ConversationFlow
	}
	if d.RoutingDecision != nil {
		next.RoutingDecision = d.RoutingDecision
	}
	if d.RAGMetrics != nil {
		next.RAGMetrics = d.RAGMetrics
	}
	if d.ResponseButtons != nil {
		next.ResponseButtons = d.ResponseButtons
	}
	if d.ResponseListItems != nil {
		next.ResponseListItems = d.ResponseListItems
	}
	return next
}

// lastUserMessage returns the content of the most recent user message.
func lastUserMessage(msgs []StateMessage) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == SenderUser {
			return msgs[i].Content
		}
	}
	return ""
}

// lastAssistantMessage returns the most recent assistant message, if any.
func lastAssistantMessage(msgs []StateMessage) (StateMessage, bool) {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == SenderAssistant {
			return msgs[i], true
		}
	}
	return StateMessage{}, false
}

// recentUserMessages returns up to n most recent user messages, oldest first.
func recentUserMessages(msgs []StateMessage, n int) []string {
	var out []string
	for i := len(msgs) - 1; i >= 0 && len(out) < n; i-- {
		if msgs[i].Role == SenderUser {
			out = append(out, msgs[i].Content)
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// lastTwoWorkers returns the last two worker entries in the history, skipping
// the orchestrator and supervisor entries that interleave by construction.
func lastTwoWorkers(history []string) (last, prev string) {
	for i := len(history) - 1; i >= 0; i-- {
		h := history[i]
		if h == NodeOrchestrator || h == NodeSupervisor {
			continue
		}
		if last == "" {
			last = h
		} else {
			return last, h
		}
	}
	return last, ""
}

// flattenMessages renders frame messages as a plain transcript, newest last.
func flattenMessages(msgs []StateMessage) string {
	var b strings.Builder
	for _, m := range msgs {
		b.WriteString(m.Role)
		if m.AgentName != "" {
			b.WriteString(" (" + m.AgentName + ")")
		}
		b.WriteString(": ")
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	return b.String()
}

func strPtr(s string) *string { return &s }
func intPtr(n int) *int       { return &n }
func boolPtr(b bool) *bool    { return &b }
