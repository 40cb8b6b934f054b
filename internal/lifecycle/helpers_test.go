package lifecycle

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rain-yyy/FAN-Tianrui-FYP/internal/store"
	"github.com/rain-yyy/FAN-Tianrui-FYP/internal/streaming"
	"github.com/rain-yyy/FAN-Tianrui-FYP/pkg/schema"
)

// --- fake clock ---

type fakeTimer struct {
	c        chan time.Time
	deadline time.Time
	done     bool
}

type fakeClock struct {
	mu      sync.Mutex
	now     time.Time
	timers  []*fakeTimer
	created chan time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0), created: make(chan time.Duration, 100)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) NewTimer(d time.Duration) Timer {
	f.mu.Lock()
	t := &fakeTimer{c: make(chan time.Time, 1), deadline: f.now.Add(d)}
	f.timers = append(f.timers, t)
	f.mu.Unlock()
	f.created <- d
	return &fakeTimerHandle{clock: f, t: t}
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
	for _, t := range f.timers {
		if !t.done && !f.now.Before(t.deadline) {
			t.done = true
			t.c <- f.now
		}
	}
}

// awaitTimer waits until the loop arms a timer and returns its delay.
func (f *fakeClock) awaitTimer(t *testing.T) time.Duration {
	t.Helper()
	select {
	case d := <-f.created:
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the next poll to be scheduled")
	}
	return 0
}

func (f *fakeClock) assertNoTimer(t *testing.T) {
	t.Helper()
	select {
	case d := <-f.created:
		t.Fatalf("unexpected poll scheduled after %s", d)
	case <-time.After(50 * time.Millisecond):
	}
}

type fakeTimerHandle struct {
	clock *fakeClock
	t     *fakeTimer
}

func (h *fakeTimerHandle) C() <-chan time.Time { return h.t.c }

func (h *fakeTimerHandle) Stop() bool {
	h.clock.mu.Lock()
	defer h.clock.mu.Unlock()
	wasActive := !h.t.done
	h.t.done = true
	return wasActive
}

// --- scripted task api ---

type pollStep struct {
	resp *schema.TaskStatusResponse
	err  error
}

type fakeAPI struct {
	mu     sync.Mutex
	steps  []pollStep
	calls  int
	polled chan string

	inflight    atomic.Int32
	maxInflight atomic.Int32

	genResp *schema.GenerateResponse
	genErr  error
	genRepo []string
}

func newFakeAPI(steps ...pollStep) *fakeAPI {
	return &fakeAPI{steps: steps, polled: make(chan string, 100)}
}

func (a *fakeAPI) Generate(_ context.Context, repoURL string) (*schema.GenerateResponse, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.genRepo = append(a.genRepo, repoURL)
	return a.genResp, a.genErr
}

func (a *fakeAPI) GetTask(_ context.Context, taskID string) (*schema.TaskStatusResponse, error) {
	n := a.inflight.Add(1)
	defer a.inflight.Add(-1)
	for {
		m := a.maxInflight.Load()
		if n <= m || a.maxInflight.CompareAndSwap(m, n) {
			break
		}
	}

	a.mu.Lock()
	idx := a.calls
	if idx >= len(a.steps) {
		idx = len(a.steps) - 1
	}
	a.calls++
	step := a.steps[idx]
	a.mu.Unlock()

	a.polled <- taskID
	if step.err != nil {
		return nil, step.err
	}
	resp := *step.resp
	resp.TaskID = taskID
	return &resp, nil
}

func (a *fakeAPI) Calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

func (a *fakeAPI) awaitPoll(t *testing.T) string {
	t.Helper()
	select {
	case id := <-a.polled:
		return id
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a poll")
	}
	return ""
}

func status(s schema.TaskStatus, progress float64) pollStep {
	return pollStep{resp: &schema.TaskStatusResponse{Status: s, Progress: progress}}
}

func completed(structureURL string, contentURLs ...string) pollStep {
	return pollStep{resp: &schema.TaskStatusResponse{
		Status:   schema.TaskStatusCompleted,
		Progress: 100,
		Result:   &schema.GenResult{R2StructureURL: structureURL, R2ContentURLs: contentURLs},
	}}
}

func failedPoll(err error) pollStep { return pollStep{err: err} }

// --- update recorder ---

type recorder struct {
	mu   sync.Mutex
	recs []*schema.TaskRecord
}

func (r *recorder) fn(rec *schema.TaskRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recs = append(r.recs, rec)
}

func (r *recorder) statuses() []schema.TaskStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]schema.TaskStatus, len(r.recs))
	for i, rec := range r.recs {
		out[i] = rec.Status
	}
	return out
}

type harness struct {
	client *Client
	api    *fakeAPI
	clock  *fakeClock
	store  *store.MemoryStore
	hub    *streaming.MemoryHub
}

func newHarness(t *testing.T, steps ...pollStep) *harness {
	t.Helper()
	h := &harness{
		api:   newFakeAPI(steps...),
		clock: newFakeClock(),
		store: store.NewMemoryStore(),
		hub:   streaming.NewMemoryHub(256),
	}
	c, err := New(Config{API: h.api, Store: h.store, Hub: h.hub, Clock: h.clock})
	require.NoError(t, err)
	h.client = c
	t.Cleanup(c.Close)
	return h
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}
