// Package lifecycle submits generation tasks, follows them to a terminal
// status and keeps the tracked task id in the store so a later process can
// resume following it.
package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rain-yyy/FAN-Tianrui-FYP/internal/logging"
	"github.com/rain-yyy/FAN-Tianrui-FYP/internal/store"
	"github.com/rain-yyy/FAN-Tianrui-FYP/internal/streaming"
	"github.com/rain-yyy/FAN-Tianrui-FYP/pkg/schema"
)

// TaskAPI is the subset of the backend the lifecycle client needs.
// *api.Client satisfies it.
type TaskAPI interface {
	Generate(ctx context.Context, repoURL string) (*schema.GenerateResponse, error)
	GetTask(ctx context.Context, taskID string) (*schema.TaskStatusResponse, error)
}

// UpdateFunc receives every committed record of a watch. The terminal record
// is delivered exactly once and is always the last call.
type UpdateFunc func(rec *schema.TaskRecord)

// ErrWatchStopped is returned by Wait when the watch was cleared, closed or
// superseded before reaching a terminal status.
var ErrWatchStopped = errors.New("lifecycle: watch stopped before a terminal status")

// ErrNoWatch is returned by Wait when nothing is being watched.
var ErrNoWatch = errors.New("lifecycle: no active watch")

// Config wires a Client.
type Config struct {
	API    TaskAPI
	Store  store.Store
	Hub    streaming.EventHub
	Logger *slog.Logger
	Clock  Clock
	Policy PollPolicy
}

// Client is the TaskLifecycleClient. At most one watch loop runs per Client;
// starting another, clearing or closing stops the previous one.
type Client struct {
	api    TaskAPI
	store  store.Store
	hub    streaming.EventHub
	logger *slog.Logger
	clock  Clock
	policy PollPolicy
	fsm    *FSM

	mu    sync.Mutex
	watch *watchLoop
	last  *schema.TaskRecord
}

type watchLoop struct {
	taskID   string
	cancel   context.CancelFunc
	done     chan struct{}
	inNotify atomic.Bool

	// set before done is closed
	final *schema.TaskRecord
}

// New creates a Client. API and Store are required.
func New(cfg Config) (*Client, error) {
	if cfg.API == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "lifecycle: api is required")
	}
	if cfg.Store == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "lifecycle: store is required")
	}
	if cfg.Hub == nil {
		cfg.Hub = streaming.Nop{}
	}
	if cfg.Clock == nil {
		cfg.Clock = SystemClock{}
	}
	logger := logging.OrDiscard(cfg.Logger)
	return &Client{
		api:    cfg.API,
		store:  cfg.Store,
		hub:    cfg.Hub,
		logger: logger,
		clock:  cfg.Clock,
		policy: cfg.Policy.withDefaults(),
		fsm:    NewFSM(cfg.Hub, logger),
	}, nil
}

// FSM exposes the state machine, mainly for registering hooks.
func (c *Client) FSM() *FSM { return c.fsm }

// Current returns a copy of the last committed record, or nil.
func (c *Client) Current() *schema.TaskRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.last == nil {
		return nil
	}
	cp := *c.last
	return &cp
}

// Submit starts a generation job. Failures are SUBMISSION_ERROR and are not
// retried. On success the task is persisted (replacing any previous one) and
// the returned record is pending unless the server already reports progress.
// Submit does not start watching.
func (c *Client) Submit(ctx context.Context, repoURL string) (*schema.TaskRecord, error) {
	repoURL = strings.TrimSpace(repoURL)
	if repoURL == "" {
		return nil, schema.NewError(schema.ErrCodeSubmission, "repository url is empty")
	}

	resp, err := c.api.Generate(ctx, repoURL)
	if err != nil {
		if !schema.HasCode(err, schema.ErrCodeSubmission) {
			err = schema.NewErrorf(schema.ErrCodeSubmission, "submit %s: %s", repoURL, err.Error()).WithCause(err)
		}
		c.logger.Error("submission failed", slog.String("repo_url", repoURL), slog.String("error", err.Error()))
		return nil, err
	}

	ctx = logging.WithTaskID(ctx, resp.TaskID)
	if err := store.SaveTask(ctx, c.store, store.TaskSlot{TaskID: resp.TaskID, RepoURL: repoURL}); err != nil {
		return nil, err
	}
	c.stopWatch()

	rec := &schema.TaskRecord{TaskID: resp.TaskID, Status: schema.TaskStatusPending}
	c.fsm.Reset(ctx)
	c.fsm.Bind(resp.TaskID)
	if err := c.fsm.Advance(ctx, rec); err != nil {
		return nil, err
	}
	c.setLast(rec)

	c.publish(ctx, streaming.StreamEvent{
		TaskID:    resp.TaskID,
		EventType: schema.EventTaskSubmitted,
		Payload:   map[string]any{"repo_url": repoURL, "message": resp.Message},
	})
	logging.LogWith(ctx, c.logger).Info("task submitted", slog.String("repo_url", repoURL))
	return rec, nil
}

// Poll fetches the task once. An unknown task is not an error: it yields a
// synthesized failed record. Any other failure is TRANSPORT_ERROR. Poll does
// not touch the state machine.
func (c *Client) Poll(ctx context.Context, taskID string) (*schema.TaskRecord, error) {
	resp, err := c.api.GetTask(ctx, taskID)
	if err != nil {
		if schema.HasCode(err, schema.ErrCodeNotFound) {
			return schema.NotFoundRecord(taskID), nil
		}
		if !schema.HasCode(err, schema.ErrCodeTransport) {
			err = schema.NewErrorf(schema.ErrCodeTransport, "poll %s: %s", taskID, err.Error()).WithCause(err)
		}
		return nil, err
	}
	rec := resp.ToRecord()
	if rec.TaskID == "" {
		rec.TaskID = taskID
	}
	return rec, nil
}

// Watch follows taskID until a terminal status. The first poll happens
// immediately; later polls are scheduled from the completion of the previous
// one. Watch returns at once; use Wait to block. Any previous watch is
// stopped first and will deliver no further updates.
func (c *Client) Watch(ctx context.Context, taskID string, onUpdate UpdateFunc) error {
	if strings.TrimSpace(taskID) == "" {
		return schema.NewError(schema.ErrCodeValidation, "watch: empty task id")
	}
	c.stopWatch()

	loopCtx, cancel := context.WithCancel(logging.WithTaskID(ctx, taskID))
	w := &watchLoop{taskID: taskID, cancel: cancel, done: make(chan struct{})}

	c.mu.Lock()
	c.watch = w
	c.mu.Unlock()

	c.fsm.Bind(taskID)
	go c.run(loopCtx, w, onUpdate)
	return nil
}

// Resume restarts watching the persisted task without resubmitting. It
// returns false when no task is persisted.
func (c *Client) Resume(ctx context.Context, onUpdate UpdateFunc) (bool, error) {
	slot, ok, err := store.LoadTask(ctx, c.store)
	if err != nil || !ok {
		return false, err
	}
	ctx = logging.WithTaskID(ctx, slot.TaskID)
	c.publish(ctx, streaming.StreamEvent{
		TaskID:    slot.TaskID,
		EventType: schema.EventTaskResumed,
		Payload:   map[string]any{"repo_url": slot.RepoURL},
	})
	logging.LogWith(ctx, c.logger).Info("resuming task", slog.String("repo_url", slot.RepoURL))
	return true, c.Watch(ctx, slot.TaskID, onUpdate)
}

// Persisted returns the stored task slot.
func (c *Client) Persisted(ctx context.Context) (store.TaskSlot, bool, error) {
	return store.LoadTask(ctx, c.store)
}

// Clear stops any watch, deletes the persisted task and returns the state
// machine to none. No update is delivered after Clear returns, except one
// already in progress when Clear is called from inside an UpdateFunc.
func (c *Client) Clear(ctx context.Context) error {
	c.stopWatch()
	err := store.ClearTask(ctx, c.store)
	c.fsm.Reset(ctx)
	c.setLast(nil)
	if err != nil {
		return err
	}
	c.logger.Info("task cleared")
	return nil
}

// Close stops the watch loop for process teardown. The persisted task is
// kept so a later process can Resume.
func (c *Client) Close() {
	c.stopWatch()
}

// Wait blocks until the current watch ends and returns its terminal record.
func (c *Client) Wait(ctx context.Context) (*schema.TaskRecord, error) {
	c.mu.Lock()
	w := c.watch
	c.mu.Unlock()
	if w == nil {
		return nil, ErrNoWatch
	}
	select {
	case <-w.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if w.final == nil {
		return nil, ErrWatchStopped
	}
	cp := *w.final
	return &cp, nil
}

func (c *Client) stopWatch() {
	c.mu.Lock()
	w := c.watch
	c.watch = nil
	c.mu.Unlock()
	if w == nil {
		return
	}
	w.cancel()
	// A loop blocked in its own UpdateFunc may be the caller; it exits as
	// soon as the callback returns.
	if !w.inNotify.Load() {
		<-w.done
	}
}

func (c *Client) run(ctx context.Context, w *watchLoop, onUpdate UpdateFunc) {
	defer close(w.done)
	log := logging.LogWith(ctx, c.logger)

	var delay time.Duration
	for attempt := 1; ; attempt++ {
		if ctx.Err() != nil {
			return
		}
		if delay > 0 {
			c.publish(ctx, streaming.StreamEvent{
				TaskID:    w.taskID,
				EventType: schema.EventPollScheduled,
				Payload:   map[string]any{"delay_ms": delay.Milliseconds(), "attempt": attempt},
			})
			timer := c.clock.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C():
			}
		}
		if ctx.Err() != nil {
			return
		}

		rec, err := c.Poll(ctx, w.taskID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			transient := IsTransientError(err)
			level := slog.LevelWarn
			if !transient {
				level = slog.LevelError
			}
			log.Log(ctx, level, "poll failed",
				slog.Int("attempt", attempt),
				slog.Bool("transient", transient),
				slog.String("error", err.Error()))
			c.publish(ctx, streaming.StreamEvent{
				TaskID:    w.taskID,
				EventType: schema.EventPollFailed,
				Payload:   map[string]any{"error": err.Error(), "transient": transient, "attempt": attempt},
			})
			delay = c.policy.NextDelay(err)
			continue
		}

		committed, live := c.commit(ctx, w, rec)
		if !live {
			return
		}
		if committed {
			if !c.notify(ctx, w, onUpdate, rec) {
				return
			}
			if rec.Status.IsTerminal() {
				w.final = rec
				log.Info("task finished", slog.String("status", string(rec.Status)))
				return
			}
		}
		delay = c.policy.NextDelay(nil)
	}
}

// commit applies rec to the state machine. live is false when w has been
// superseded; committed is false when the transition was rejected.
func (c *Client) commit(ctx context.Context, w *watchLoop, rec *schema.TaskRecord) (committed, live bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.watch != w || ctx.Err() != nil {
		return false, false
	}
	if err := c.fsm.Advance(ctx, rec); err != nil {
		return false, true
	}
	c.last = rec
	return true, true
}

// notify delivers rec unless the loop has been stopped.
func (c *Client) notify(ctx context.Context, w *watchLoop, onUpdate UpdateFunc, rec *schema.TaskRecord) bool {
	if onUpdate == nil {
		return ctx.Err() == nil
	}
	w.inNotify.Store(true)
	defer w.inNotify.Store(false)
	if ctx.Err() != nil {
		return false
	}
	cp := *rec
	onUpdate(&cp)
	return true
}

func (c *Client) setLast(rec *schema.TaskRecord) {
	c.mu.Lock()
	c.last = rec
	c.mu.Unlock()
}

func (c *Client) publish(ctx context.Context, evt streaming.StreamEvent) {
	if err := c.hub.Publish(context.WithoutCancel(ctx), evt); err != nil {
		logging.LogWith(ctx, c.logger).Debug("publish event",
			slog.String("event_type", evt.EventType), slog.String("error", err.Error()))
	}
}
