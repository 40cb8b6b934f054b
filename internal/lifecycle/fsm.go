package lifecycle

import (
	"context"
	"log/slog"
	"slices"
	"sync"

	"github.com/rain-yyy/FAN-Tianrui-FYP/internal/logging"
	"github.com/rain-yyy/FAN-Tianrui-FYP/internal/streaming"
	"github.com/rain-yyy/FAN-Tianrui-FYP/pkg/schema"
)

// TransitionHook is called before or after a state transition. A before hook
// returning an error vetoes the transition.
type TransitionHook func(from, to schema.TaskStatus) error

type hookKey struct {
	from, to schema.TaskStatus
}

// ValidTransitions is the task state machine. Self-transitions on the
// in-flight statuses carry progress updates. Terminal states only leave via
// Reset.
var ValidTransitions = map[schema.TaskStatus][]schema.TaskStatus{
	schema.TaskStatusNone:       {schema.TaskStatusPending, schema.TaskStatusProcessing, schema.TaskStatusCompleted, schema.TaskStatusFailed},
	schema.TaskStatusPending:    {schema.TaskStatusPending, schema.TaskStatusProcessing, schema.TaskStatusCompleted, schema.TaskStatusFailed},
	schema.TaskStatusProcessing: {schema.TaskStatusProcessing, schema.TaskStatusCompleted, schema.TaskStatusFailed},
	schema.TaskStatusCompleted:  {},
	schema.TaskStatusFailed:     {},
}

// IsValidTransition reports whether from -> to is in the table.
func IsValidTransition(from, to schema.TaskStatus) bool {
	allowed, ok := ValidTransitions[from]
	return ok && slices.Contains(allowed, to)
}

// FSM tracks the status of the one task a client follows.
type FSM struct {
	mu      sync.Mutex
	hub     streaming.EventHub
	logger  *slog.Logger
	taskID  string
	current schema.TaskStatus
	before  map[hookKey][]TransitionHook
	after   map[hookKey][]TransitionHook
}

// NewFSM creates an FSM in the none state that publishes to hub.
func NewFSM(hub streaming.EventHub, logger *slog.Logger) *FSM {
	if hub == nil {
		hub = streaming.Nop{}
	}
	return &FSM{
		hub:     hub,
		logger:  logging.OrDiscard(logger),
		current: schema.TaskStatusNone,
		before:  make(map[hookKey][]TransitionHook),
		after:   make(map[hookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before from -> to.
func (f *FSM) OnBefore(from, to schema.TaskStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := hookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after from -> to.
func (f *FSM) OnAfter(from, to schema.TaskStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := hookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// State returns the tracked task id and its status.
func (f *FSM) State() (string, schema.TaskStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.taskID, f.current
}

// Bind points the FSM at taskID. Binding a different id silently returns the
// machine to none. Rebinding the same id keeps an in-flight status but rearms
// a terminal one, so a new watch observes the terminal record again.
func (f *FSM) Bind(taskID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.taskID != taskID || f.current.IsTerminal() {
		f.taskID = taskID
		f.current = schema.TaskStatusNone
	}
}

// Advance applies rec to the machine. On an illegal move the state is left
// untouched and an INVALID_TRANSITION error is returned.
func (f *FSM) Advance(ctx context.Context, rec *schema.TaskRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	from, to := f.current, rec.Status
	if f.taskID != "" && rec.TaskID != f.taskID {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"record for task %s applied to task %s", rec.TaskID, f.taskID)
	}
	if !IsValidTransition(from, to) {
		err := schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid task transition: %s -> %s", from, to).
			WithDetails(map[string]any{"task_id": rec.TaskID, "from": string(from), "to": string(to)})
		logging.LogWith(ctx, f.logger).Warn("rejected task transition",
			slog.String("from", string(from)), slog.String("to", string(to)))
		return err
	}

	key := hookKey{from, to}
	for _, hook := range f.before[key] {
		if err := hook(from, to); err != nil {
			return err
		}
	}

	f.taskID = rec.TaskID
	f.current = to
	f.publish(ctx, eventType(to), rec)

	for _, hook := range f.after[key] {
		if err := hook(from, to); err != nil {
			return err
		}
	}
	return nil
}

// Reset returns the machine to none from any state and announces the clear.
func (f *FSM) Reset(ctx context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.current == schema.TaskStatusNone && f.taskID == "" {
		return
	}
	taskID := f.taskID
	f.taskID = ""
	f.current = schema.TaskStatusNone
	f.publishEvent(ctx, streaming.StreamEvent{TaskID: taskID, EventType: schema.EventTaskCleared})
}

func (f *FSM) publish(ctx context.Context, typ string, rec *schema.TaskRecord) {
	cp := *rec
	f.publishEvent(ctx, streaming.StreamEvent{TaskID: rec.TaskID, EventType: typ, Payload: &cp})
}

// publishEvent never fails the transition; a hub error is only logged.
func (f *FSM) publishEvent(ctx context.Context, evt streaming.StreamEvent) {
	if err := f.hub.Publish(context.WithoutCancel(ctx), evt); err != nil {
		logging.LogWith(ctx, f.logger).Debug("publish task event",
			slog.String("event_type", evt.EventType), slog.String("error", err.Error()))
	}
}

func eventType(to schema.TaskStatus) string {
	switch to {
	case schema.TaskStatusCompleted:
		return schema.EventTaskCompleted
	case schema.TaskStatusFailed:
		return schema.EventTaskFailed
	default:
		return schema.EventTaskProgress
	}
}
