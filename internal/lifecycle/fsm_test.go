package lifecycle

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rain-yyy/FAN-Tianrui-FYP/internal/streaming"
	"github.com/rain-yyy/FAN-Tianrui-FYP/pkg/schema"
)

func drain(ch <-chan streaming.StreamEvent) []string {
	var out []string
	for len(ch) > 0 {
		out = append(out, (<-ch).EventType)
	}
	return out
}

func record(id string, s schema.TaskStatus) *schema.TaskRecord {
	return &schema.TaskRecord{TaskID: id, Status: s}
}

func TestFSM_HappyPath(t *testing.T) {
	hub := streaming.NewMemoryHub(0)
	ctx := context.Background()
	events, cancel, err := hub.Subscribe(ctx, streaming.EventFilter{})
	require.NoError(t, err)
	defer cancel()

	fsm := NewFSM(hub, nil)
	fsm.Bind("t")
	require.NoError(t, fsm.Advance(ctx, record("t", schema.TaskStatusPending)))
	require.NoError(t, fsm.Advance(ctx, record("t", schema.TaskStatusPending)))
	require.NoError(t, fsm.Advance(ctx, record("t", schema.TaskStatusProcessing)))
	require.NoError(t, fsm.Advance(ctx, record("t", schema.TaskStatusProcessing)))
	require.NoError(t, fsm.Advance(ctx, record("t", schema.TaskStatusCompleted)))

	_, st := fsm.State()
	assert.Equal(t, schema.TaskStatusCompleted, st)
	assert.Equal(t, []string{
		schema.EventTaskProgress, schema.EventTaskProgress,
		schema.EventTaskProgress, schema.EventTaskProgress,
		schema.EventTaskCompleted,
	}, drain(events))
}

func TestFSM_TerminalStatesAreFinal(t *testing.T) {
	ctx := context.Background()
	for _, terminal := range []schema.TaskStatus{schema.TaskStatusCompleted, schema.TaskStatusFailed} {
		fsm := NewFSM(nil, nil)
		require.NoError(t, fsm.Advance(ctx, record("t", terminal)))
		for _, next := range []schema.TaskStatus{
			schema.TaskStatusPending, schema.TaskStatusProcessing,
			schema.TaskStatusCompleted, schema.TaskStatusFailed,
		} {
			err := fsm.Advance(ctx, record("t", next))
			require.Error(t, err, "%s -> %s", terminal, next)
			assert.True(t, schema.HasCode(err, schema.ErrCodeInvalidTransition))
		}
		_, st := fsm.State()
		assert.Equal(t, terminal, st, "rejected transitions leave the state untouched")
	}
}

func TestFSM_ProcessingCannotRegress(t *testing.T) {
	fsm := NewFSM(nil, nil)
	ctx := context.Background()
	require.NoError(t, fsm.Advance(ctx, record("t", schema.TaskStatusProcessing)))

	err := fsm.Advance(ctx, record("t", schema.TaskStatusPending))
	require.Error(t, err)
	var we *schema.WikiError
	require.ErrorAs(t, err, &we)
	assert.Equal(t, "processing", we.Details["from"])
	assert.Equal(t, "pending", we.Details["to"])
}

func TestFSM_RejectsForeignTask(t *testing.T) {
	fsm := NewFSM(nil, nil)
	fsm.Bind("mine")
	err := fsm.Advance(context.Background(), record("theirs", schema.TaskStatusPending))
	assert.True(t, schema.HasCode(err, schema.ErrCodeInvalidTransition))
}

func TestFSM_ResetAndBind(t *testing.T) {
	hub := streaming.NewMemoryHub(0)
	ctx := context.Background()
	events, cancel, err := hub.Subscribe(ctx, streaming.EventFilter{EventTypes: []string{schema.EventTaskCleared}})
	require.NoError(t, err)
	defer cancel()

	fsm := NewFSM(hub, nil)
	fsm.Reset(ctx)
	assert.Empty(t, drain(events), "resetting an idle machine is silent")

	require.NoError(t, fsm.Advance(ctx, record("t", schema.TaskStatusFailed)))
	fsm.Reset(ctx)
	assert.Equal(t, []string{schema.EventTaskCleared}, drain(events))

	id, st := fsm.State()
	assert.Empty(t, id)
	assert.Equal(t, schema.TaskStatusNone, st)
	require.NoError(t, fsm.Advance(ctx, record("u", schema.TaskStatusPending)))

	fsm.Bind("u")
	_, st = fsm.State()
	assert.Equal(t, schema.TaskStatusPending, st, "rebinding the same task keeps state")
	fsm.Bind("v")
	_, st = fsm.State()
	assert.Equal(t, schema.TaskStatusNone, st)

	require.NoError(t, fsm.Advance(ctx, record("v", schema.TaskStatusCompleted)))
	fsm.Bind("v")
	id, st = fsm.State()
	assert.Equal(t, "v", id)
	assert.Equal(t, schema.TaskStatusNone, st, "rebinding a finished task rearms it")
}

func TestFSM_Hooks(t *testing.T) {
	fsm := NewFSM(nil, nil)
	ctx := context.Background()

	var seen []string
	fsm.OnAfter(schema.TaskStatusNone, schema.TaskStatusPending, func(from, to schema.TaskStatus) error {
		seen = append(seen, string(from)+"->"+string(to))
		return nil
	})
	fsm.OnBefore(schema.TaskStatusPending, schema.TaskStatusCompleted, func(_, _ schema.TaskStatus) error {
		return errors.New("vetoed")
	})

	require.NoError(t, fsm.Advance(ctx, record("t", schema.TaskStatusPending)))
	assert.Equal(t, []string{"none->pending"}, seen)

	require.EqualError(t, fsm.Advance(ctx, record("t", schema.TaskStatusCompleted)), "vetoed")
	_, st := fsm.State()
	assert.Equal(t, schema.TaskStatusPending, st)
}

func TestIsValidTransition_Table(t *testing.T) {
	assert.True(t, IsValidTransition(schema.TaskStatusNone, schema.TaskStatusPending))
	assert.True(t, IsValidTransition(schema.TaskStatusNone, schema.TaskStatusCompleted))
	assert.True(t, IsValidTransition(schema.TaskStatusPending, schema.TaskStatusCompleted))
	assert.False(t, IsValidTransition(schema.TaskStatusNone, schema.TaskStatusNone))
	assert.False(t, IsValidTransition(schema.TaskStatusCompleted, schema.TaskStatusNone))
	assert.False(t, IsValidTransition("bogus", schema.TaskStatusPending))
}
