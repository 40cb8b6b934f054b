package store

import (
	"context"
	"errors"
	"time"

	"github.com/rain-yyy/FAN-Tianrui-FYP/pkg/schema"
)

// Keys of the persisted task slot. There is exactly one slot: writing a new
// task overwrites both keys.
const (
	KeyCurrentTaskID  = "current_task_id"
	KeyCurrentRepoURL = "current_repo_url"
)

// Store is the process-external key-value boundary.
// All implementations must be safe for concurrent use.
type Store interface {
	// Get returns the value for key, or a NOT_FOUND WikiError.
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	// SetMany writes every pair or none of them.
	SetMany(ctx context.Context, values map[string]string) error
	// Delete removes the given keys. Missing keys are not an error.
	Delete(ctx context.Context, keys ...string) error

	// Event history
	// AppendEvent assigns the next per-task sequence to event and stores it.
	AppendEvent(ctx context.Context, event *Event) error
	// GetEvents returns events for a task with sequence > since, oldest first.
	GetEvents(ctx context.Context, taskID string, since int64) ([]*Event, error)
	// DeleteEvents drops a task's history.
	DeleteEvents(ctx context.Context, taskID string) error

	// Maintenance
	Migrate(ctx context.Context) error

	// Lifecycle
	Close() error
}

// TaskSlot is the persisted identity of the tracked task.
type TaskSlot struct {
	TaskID  string
	RepoURL string
}

// SaveTask writes the task slot, replacing any previous one. On error the
// previous slot is left intact.
func SaveTask(ctx context.Context, s Store, slot TaskSlot) error {
	err := s.SetMany(ctx, map[string]string{
		KeyCurrentTaskID:  slot.TaskID,
		KeyCurrentRepoURL: slot.RepoURL,
	})
	if err != nil {
		return wrapStore("save task", err)
	}
	return nil
}

// LoadTask reads the task slot. ok is false when no task id is persisted.
func LoadTask(ctx context.Context, s Store) (slot TaskSlot, ok bool, err error) {
	id, err := s.Get(ctx, KeyCurrentTaskID)
	if IsNotFound(err) {
		return TaskSlot{}, false, nil
	}
	if err != nil {
		return TaskSlot{}, false, wrapStore("load task id", err)
	}
	if id == "" {
		return TaskSlot{}, false, nil
	}
	repo, err := s.Get(ctx, KeyCurrentRepoURL)
	if err != nil && !IsNotFound(err) {
		return TaskSlot{}, false, wrapStore("load repo url", err)
	}
	return TaskSlot{TaskID: id, RepoURL: repo}, true, nil
}

// ClearTask removes the task slot.
func ClearTask(ctx context.Context, s Store) error {
	if err := s.Delete(ctx, KeyCurrentTaskID, KeyCurrentRepoURL); err != nil {
		return wrapStore("clear task", err)
	}
	return nil
}

// IsNotFound reports whether err is a store miss.
func IsNotFound(err error) bool {
	return err != nil && schema.HasCode(err, schema.ErrCodeNotFound)
}

func storeNotFound(key string) *schema.WikiError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "key %q not found", key)
}

func wrapStore(op string, err error) error {
	var we *schema.WikiError
	if errors.As(err, &we) && we.Code == schema.ErrCodeStore {
		return err
	}
	return schema.NewErrorf(schema.ErrCodeStore, "%s: %s", op, err.Error()).WithCause(err)
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}
