package cauce

import (
	"context"
	"fmt"
	"log/slog"
)

// Node executor: the wrapper around every worker invocation. It builds the
// worker's state view, recovers panics, turns failures into a user-facing
// apology, and records the history entry. Worker trouble never escapes this
// file; the supervisor still runs on whatever came out.

// apologyText is the single user-visible failure string. No stack traces.
const apologyText = "Disculpá, tuvimos un inconveniente al procesar tu mensaje. ¿Podés intentarlo de nuevo en un momento?"

// executor runs worker nodes for one turn's worker set.
type executor struct {
	workers map[string]Worker
	configs func(key string) WorkerConfig
	summary string // rolling summary from the loaded context
	logger  *slog.Logger
	tracer  Tracer
}

// run invokes the worker registered for key and returns the merged-ready
// delta. Missing workers and worker errors produce an apology delta with
// error_count incremented; the history entry is appended either way.
func (e *executor) run(ctx context.Context, key string, s State) Delta {
	if e.tracer != nil {
		var span Span
		ctx, span = e.tracer.Start(ctx, "worker."+key,
			StringAttr("agent", key),
			StringAttr("conversation_id", s.ConversationID))
		defer span.End()
	}

	w, ok := e.workers[key]
	if !ok {
		e.logger.Error("worker missing", "agent", key)
		return e.failure(key, s, fmt.Errorf("worker %q not instantiated", key))
	}

	message := lastUserMessage(s.Messages)
	view := e.buildView(key, s, message)

	delta, err := e.invoke(ctx, w, message, view)
	if err != nil {
		e.logger.Error("worker failed", "agent", key, "error", err)
		return e.failure(key, s, err)
	}

	delta.CurrentAgent = strPtr(key)
	delta.AgentHistory = append(delta.AgentHistory, key)
	if key == AgentFarewell {
		// The farewell worker always ends the conversation.
		delta.IsComplete = boolPtr(true)
	}
	return delta
}

// invoke calls the worker with panic recovery. A panicking worker is
// indistinguishable from an erroring one downstream.
func (e *executor) invoke(ctx context.Context, w Worker, message string, view StateView) (delta Delta, err error) {
	defer func() {
		if r := recover(); r != nil {
			delta = Delta{}
			err = fmt.Errorf("worker panic: %v", r)
		}
	}()
	return w.Process(ctx, message, view)
}

func (e *executor) buildView(key string, s State, message string) StateView {
	var cfg WorkerConfig
	if e.configs != nil {
		cfg = e.configs(key)
	}
	history := make([]string, len(s.AgentHistory))
	copy(history, s.AgentHistory)
	return StateView{
		ConversationID:  s.ConversationID,
		OrganizationID:  s.OrganizationID,
		UserID:          s.UserID,
		UserPhone:       s.UserPhone,
		Transcript:      flattenMessages(s.Messages),
		RollingSummary:  e.summary,
		AgentHistory:    history,
		RoutingAttempts: s.RoutingAttempts,
		ErrorCount:      s.ErrorCount,
		RetrievedData:   s.RetrievedData,
		Config:          cfg,
	}
}

func (e *executor) failure(key string, s State, _ error) Delta {
	return Delta{
		Messages: []StateMessage{{
			Role:      SenderAssistant,
			Content:   apologyText,
			AgentName: key,
		}},
		CurrentAgent: strPtr(key),
		AgentHistory: []string{key},
		ErrorCount:   intPtr(s.ErrorCount + 1),
	}
}
