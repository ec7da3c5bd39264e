package cauce

import (
	"errors"
	"fmt"
	"strconv"
	"time"
)

// ErrNotFound reports a lookup miss on a durable store.
var ErrNotFound = errors.New("not found")

// ErrConversationBusy reports that a conversation's turn lock could not be
// acquired because the bounded wait queue is full.
var ErrConversationBusy = errors.New("conversation busy")

type ErrLLM struct {
	Provider string
	Message  string
}

func (e *ErrLLM) Error() string {
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

type ErrHTTP struct {
	Status     int
	Body       string
	RetryAfter time.Duration // parsed Retry-After header; 0 if absent
}

func (e *ErrHTTP) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// ParseRetryAfter parses an HTTP Retry-After header value (delta-seconds or
// HTTP-date). Returns 0 when the value is empty or unparseable.
func ParseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := time.Parse(time.RFC1123, v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// ErrEngine reports a fatal graph-engine failure with the node where it arose.
type ErrEngine struct {
	Node    string
	Message string
}

func (e *ErrEngine) Error() string {
	return fmt.Sprintf("engine at %s: %s", e.Node, e.Message)
}
