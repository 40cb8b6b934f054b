package store

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/rain-yyy/FAN-Tianrui-FYP/internal/logging"
	"github.com/rain-yyy/FAN-Tianrui-FYP/internal/streaming"
	"github.com/rain-yyy/FAN-Tianrui-FYP/pkg/schema"
)

// recordedEvents are the event types kept in the history. Poll scheduling is
// left out; it fires on every cycle and carries nothing replay needs.
var recordedEvents = map[string]bool{
	schema.EventTaskSubmitted: true,
	schema.EventTaskResumed:   true,
	schema.EventTaskProgress:  true,
	schema.EventTaskCompleted: true,
	schema.EventTaskFailed:    true,
	schema.EventTaskCleared:   true,
	schema.EventPollFailed:    true,
}

// EventLog is an EventHub that appends task events to the store before
// forwarding them to the next hub.
type EventLog struct {
	store  Store
	next   streaming.EventHub
	logger *slog.Logger
	now    func() time.Time
}

// NewEventLog records into s and forwards to next (streaming.Nop when nil).
func NewEventLog(s Store, next streaming.EventHub, logger *slog.Logger) *EventLog {
	if next == nil {
		next = streaming.Nop{}
	}
	return &EventLog{store: s, next: next, logger: logging.OrDiscard(logger), now: time.Now}
}

// Publish records event and forwards it. A failed append is logged and never
// blocks delivery.
func (el *EventLog) Publish(ctx context.Context, event streaming.StreamEvent) error {
	if recordedEvents[event.EventType] && event.TaskID != "" {
		if err := el.append(ctx, event); err != nil {
			logging.LogWith(logging.WithTaskID(ctx, event.TaskID), el.logger).Warn("record task event",
				slog.String("event_type", event.EventType),
				slog.String("error", err.Error()))
		}
	}
	return el.next.Publish(ctx, event)
}

// Subscribe delegates to the next hub.
func (el *EventLog) Subscribe(ctx context.Context, filter streaming.EventFilter) (<-chan streaming.StreamEvent, func(), error) {
	return el.next.Subscribe(ctx, filter)
}

func (el *EventLog) append(ctx context.Context, event streaming.StreamEvent) error {
	var payload json.RawMessage
	if event.Payload != nil {
		data, err := json.Marshal(event.Payload)
		if err != nil {
			return err
		}
		payload = data
	}
	return el.store.AppendEvent(ctx, &Event{
		TaskID:    event.TaskID,
		PageID:    event.PageID,
		Type:      event.EventType,
		Payload:   payload,
		Timestamp: el.now().UTC(),
	})
}

// GetEvents returns events for a task with sequence > since, ordered by sequence ASC.
func (el *EventLog) GetEvents(ctx context.Context, taskID string, since int64) ([]*Event, error) {
	events, err := el.store.GetEvents(ctx, taskID, since)
	if err != nil {
		return nil, wrapStore("get events", err)
	}
	return events, nil
}

// Replay folds a task's events into a TaskHistory. It returns NOT_FOUND for a
// task with no history and STORE_ERROR on a sequence gap.
func (el *EventLog) Replay(ctx context.Context, taskID string) (*TaskHistory, error) {
	events, err := el.GetEvents(ctx, taskID, 0)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "no history for task %q", taskID)
	}

	for i, e := range events {
		if expected := int64(i + 1); e.Sequence != expected {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in task %s: expected %d, got %d", taskID, expected, e.Sequence)
		}
	}

	h := &TaskHistory{TaskID: taskID, Status: schema.TaskStatusNone, Events: len(events)}
	for _, e := range events {
		ts := e.Timestamp
		switch e.Type {
		case schema.EventTaskSubmitted:
			var p struct {
				RepoURL string `json:"repo_url"`
			}
			_ = json.Unmarshal(e.Payload, &p)
			h.RepoURL = p.RepoURL
			h.SubmittedAt = &ts
			if h.Status == schema.TaskStatusNone {
				h.Status = schema.TaskStatusPending
			}

		case schema.EventTaskResumed:
			h.Resumes++

		case schema.EventTaskProgress, schema.EventTaskCompleted, schema.EventTaskFailed:
			var rec schema.TaskRecord
			if err := json.Unmarshal(e.Payload, &rec); err != nil {
				continue
			}
			h.Status = rec.Status
			h.Progress = rec.Progress
			h.CurrentStep = rec.CurrentStep
			h.Error = rec.Error
			if rec.Status.IsTerminal() {
				h.FinishedAt = &ts
			}

		case schema.EventPollFailed:
			h.PollFailures++

		case schema.EventTaskCleared:
			h.Cleared = true
		}
	}
	return h, nil
}
