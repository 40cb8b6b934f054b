// Package streaming fans task lifecycle events out to in-process listeners
// (the CLI progress line, the MCP server, tests).
package streaming

import "context"

// StreamEvent is one lifecycle notification.
type StreamEvent struct {
	TaskID    string `json:"task_id"`
	PageID    string `json:"page_id,omitempty"`
	EventType string `json:"event_type"`
	Payload   any    `json:"payload,omitempty"`
}

// EventFilter selects events for a subscriber. Zero value matches everything.
type EventFilter struct {
	TaskID     string   `json:"task_id,omitempty"`
	EventTypes []string `json:"event_types,omitempty"`
}

// EventHub provides pub/sub for task events.
type EventHub interface {
	Publish(ctx context.Context, event StreamEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error)
}

// Nop is an EventHub that discards everything.
type Nop struct{}

func (Nop) Publish(ctx context.Context, _ StreamEvent) error { return ctx.Err() }

func (Nop) Subscribe(ctx context.Context, _ EventFilter) (<-chan StreamEvent, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	ch := make(chan StreamEvent)
	close(ch)
	return ch, func() {}, nil
}
