package cauce

// StreamEventType identifies the kind of streaming event.
type StreamEventType string

const (
	// EventStream reports one completed graph node.
	EventStream StreamEventType = "stream_event"
	// EventFinal carries the turn result after the graph ends.
	EventFinal StreamEventType = "final_result"
	// EventError reports a fatal engine failure; it is always terminal.
	EventError StreamEventType = "error"
)

// StreamEvent is one per-node progress event emitted by Engine.Stream.
type StreamEvent struct {
	// Type identifies the event kind.
	Type StreamEventType `json:"type"`
	// CurrentNode is the node that just completed (stream_event only).
	CurrentNode string `json:"current_node,omitempty"`
	// StepCount is the 1-based node completion counter (stream_event only).
	StepCount int `json:"step_count,omitempty"`
	// Preview is a truncated view of the newest assistant text, if the node
	// produced one (stream_event only).
	Preview string `json:"preview,omitempty"`
	// Data carries the final result (final_result only).
	Data *TurnResult `json:"data,omitempty"`
	// Error carries the failure description (error only).
	Error string `json:"error,omitempty"`
}
