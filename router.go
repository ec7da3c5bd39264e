package cauce

// Graph router: the pure functions behind every conditional edge. They read
// state and the effective enabled set; they never mutate anything.

// Engine node names. Worker nodes use their agent keys.
const (
	NodeOrchestrator = "orchestrator"
	NodeSupervisor   = "supervisor"
	// End is the terminal pseudo-node.
	End = "__end__"
)

// Loop caps. Regardless of supervisor advice, a turn never exceeds these.
const (
	maxRoutingAttempts   = 3
	maxSupervisorRetries = 3
	maxErrorCount        = 3
)

// RouteToAgent maps the orchestrator's output to the next node. Terminal
// flags short-circuit to End; a missing, unknown, or disabled next_agent is
// rewritten to the fallback agent.
func RouteToAgent(s State, enabled map[string]bool) string {
	if s.IsComplete || s.HumanHandoffRequested {
		return End
	}
	next := s.NextAgent
	if next == "" || next == NodeOrchestrator || next == NodeSupervisor {
		next = AgentFallback
	}
	if !enabled[next] {
		next = AgentFallback
	}
	return next
}

// SupervisorShouldContinue decides the edge after the supervisor node:
// "continue" loops back to the orchestrator, End terminates the turn.
func SupervisorShouldContinue(s State) string {
	if s.IsComplete || s.HumanHandoffRequested {
		return End
	}
	if s.ErrorCount >= maxErrorCount {
		return End
	}
	if s.NeedsReRouting && s.RoutingAttempts < maxRoutingAttempts && s.SupervisorRetryCount < maxSupervisorRetries {
		return "continue"
	}
	return End
}
