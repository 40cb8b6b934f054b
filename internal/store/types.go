package store

import (
	"encoding/json"
	"time"

	"github.com/rain-yyy/FAN-Tianrui-FYP/pkg/schema"
)

// Event is an immutable entry in a task's event history.
type Event struct {
	ID        int64           `json:"id"`
	TaskID    string          `json:"task_id"`
	PageID    string          `json:"page_id,omitempty"`
	Type      string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Sequence  int64           `json:"sequence"`
}

// TaskHistory is a task's state reconstructed from its events.
type TaskHistory struct {
	TaskID       string            `json:"task_id"`
	RepoURL      string            `json:"repo_url,omitempty"`
	Status       schema.TaskStatus `json:"status"`
	Progress     float64           `json:"progress"`
	CurrentStep  string            `json:"current_step,omitempty"`
	Error        string            `json:"error,omitempty"`
	SubmittedAt  *time.Time        `json:"submitted_at,omitempty"`
	FinishedAt   *time.Time        `json:"finished_at,omitempty"`
	Resumes      int               `json:"resumes"`
	PollFailures int               `json:"poll_failures"`
	Cleared      bool              `json:"cleared"`
	Events       int               `json:"events"`
}

// Duration is the time from submission to the terminal status, or zero when
// either end is unknown.
func (h *TaskHistory) Duration() time.Duration {
	if h.SubmittedAt == nil || h.FinishedAt == nil {
		return 0
	}
	return h.FinishedAt.Sub(*h.SubmittedAt)
}
