package cauce

import (
	"context"
	"fmt"
	"log/slog"
)

// The compiled graph for one turn: an orchestrator entry node, one node per
// enabled worker, and the supervisor closing the loop. Conditional edges are
// the pure functions in router.go; the run loop applies deltas through the
// state reducers and checkpoints after every node.

// maxGraphSteps backstops the conditional edges. The counters in state bound
// the loop well below this; the guard exists so a routing bug can never spin.
const maxGraphSteps = 25

// nodeFunc executes one node against the frame and returns its delta.
type nodeFunc func(ctx context.Context, s State) (Delta, error)

// stepFunc observes node completions (checkpointing, stream events).
type stepFunc func(ctx context.Context, node string, step int, s State)

// graph is the compiled state machine for one turn.
type graph struct {
	nodes      map[string]nodeFunc
	enabled    map[string]bool // effective enabled worker set
	entry      string
	onStep     stepFunc
	logger     *slog.Logger
	startNode  string // resume support; empty means entry
	startState *State
}

// compileGraph wires the orchestrator, the workers, and the supervisor.
func compileGraph(orchestrator nodeFunc, exec *executor, sup *Supervisor, logger *slog.Logger) *graph {
	g := &graph{
		nodes:   make(map[string]nodeFunc),
		enabled: make(map[string]bool),
		entry:   NodeOrchestrator,
		logger:  logger,
	}
	g.nodes[NodeOrchestrator] = orchestrator
	g.nodes[NodeSupervisor] = func(ctx context.Context, s State) (Delta, error) {
		return sup.Review(ctx, s), nil
	}
	for key := range exec.workers {
		key := key
		g.enabled[key] = true
		g.nodes[key] = func(ctx context.Context, s State) (Delta, error) {
			return exec.run(ctx, key, s), nil
		}
	}
	return g
}

// next maps a completed node to the following one using the conditional
// edges. The greeting worker goes straight to End; every other worker goes to
// the supervisor.
func (g *graph) next(node string, s State) string {
	switch node {
	case NodeOrchestrator:
		return RouteToAgent(s, g.enabled)
	case NodeSupervisor:
		if SupervisorShouldContinue(s) == "continue" {
			return NodeOrchestrator
		}
		return End
	case AgentGreeting:
		return End
	default:
		return NodeSupervisor
	}
}

// run drives the graph from the entry (or a resume point) to End and returns
// the final frame.
func (g *graph) run(ctx context.Context, initial State) (State, error) {
	s := initial
	node := g.entry
	step := 0
	if g.startNode != "" {
		node = g.startNode
		if g.startState != nil {
			s = *g.startState
		}
	}

	for node != End {
		if err := ctx.Err(); err != nil {
			return s, err
		}
		step++
		if step > maxGraphSteps {
			return s, &ErrEngine{Node: node, Message: fmt.Sprintf("step limit %d exceeded", maxGraphSteps)}
		}

		fn, ok := g.nodes[node]
		if !ok {
			return s, &ErrEngine{Node: node, Message: "unknown node"}
		}

		delta, err := fn(ctx, s)
		if err != nil {
			return s, &ErrEngine{Node: node, Message: err.Error()}
		}
		s = mergeState(s, delta)
		g.logger.Debug("node completed", "node", node, "step", step)

		if g.onStep != nil {
			g.onStep(ctx, node, step, s)
		}
		node = g.next(node, s)
	}
	return s, nil
}
