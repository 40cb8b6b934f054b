package schema

import (
	"strings"
	"time"
)

// TaskStatus represents the lifecycle state of a generation task.
type TaskStatus string

const (
	// TaskStatusNone is the client-side state when no task is tracked.
	TaskStatusNone       TaskStatus = "none"
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusProcessing TaskStatus = "processing"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
)

// IsTerminal reports whether no further remote transitions are possible.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// Valid reports whether s is one of the statuses the Task API may return.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusPending, TaskStatusProcessing, TaskStatusCompleted, TaskStatusFailed:
		return true
	}
	return false
}

// TaskNotFoundMessage is the error synthesized for a task the server no
// longer knows about.
const TaskNotFoundMessage = "task not found or expired"

// TaskResult is present only on completed tasks.
type TaskResult struct {
	StructureURL string   `json:"structure_url"`
	ContentURLs  []string `json:"content_urls"`
}

// TaskRecord is the client view of one generation job.
type TaskRecord struct {
	TaskID      string      `json:"task_id"`
	Status      TaskStatus  `json:"status"`
	Progress    float64     `json:"progress"`
	CurrentStep string      `json:"current_step,omitempty"`
	CreatedAt   *time.Time  `json:"created_at,omitempty"`
	UpdatedAt   *time.Time  `json:"updated_at,omitempty"`
	Result      *TaskResult `json:"result,omitempty"`
	Error       string      `json:"error,omitempty"`
}

// NotFoundRecord synthesizes the terminal record for an expired task id.
func NotFoundRecord(taskID string) *TaskRecord {
	return &TaskRecord{
		TaskID: taskID,
		Status: TaskStatusFailed,
		Error:  TaskNotFoundMessage,
	}
}

// --- Wire types (Task API) ---

// GenerateRequest is the body of POST /generate.
type GenerateRequest struct {
	URLLink string `json:"url_link"`
}

// GenerateResponse is returned by POST /generate.
type GenerateResponse struct {
	TaskID  string `json:"task_id"`
	Message string `json:"message"`
}

// GenResult is the result block inside a TaskStatusResponse.
type GenResult struct {
	R2StructureURL string   `json:"r2_structure_url"`
	R2ContentURLs  []string `json:"r2_content_urls"`
}

// TaskStatusResponse is returned by GET /task/{task_id}.
type TaskStatusResponse struct {
	TaskID      string     `json:"task_id"`
	Status      TaskStatus `json:"status"`
	Progress    float64    `json:"progress"`
	CurrentStep string     `json:"current_step"`
	CreatedAt   Timestamp  `json:"created_at"`
	UpdatedAt   Timestamp  `json:"updated_at"`
	Result      *GenResult `json:"result"`
	Error       *string    `json:"error"`
}

// ToRecord converts the wire response into a TaskRecord. Result and Error are
// only carried over for the statuses that own them.
func (r *TaskStatusResponse) ToRecord() *TaskRecord {
	rec := &TaskRecord{
		TaskID:      r.TaskID,
		Status:      r.Status,
		Progress:    r.Progress,
		CurrentStep: r.CurrentStep,
		CreatedAt:   r.CreatedAt.Ptr(),
		UpdatedAt:   r.UpdatedAt.Ptr(),
	}
	switch r.Status {
	case TaskStatusCompleted:
		if r.Result != nil {
			urls := make([]string, len(r.Result.R2ContentURLs))
			copy(urls, r.Result.R2ContentURLs)
			rec.Result = &TaskResult{StructureURL: r.Result.R2StructureURL, ContentURLs: urls}
		}
	case TaskStatusFailed:
		if r.Error != nil && *r.Error != "" {
			rec.Error = *r.Error
		} else {
			rec.Error = "task failed"
		}
	}
	return rec
}

// --- Chat API (contract only) ---

// ChatMessage is one turn of conversation history.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the body of POST /chat.
type ChatRequest struct {
	Question            string        `json:"question"`
	RepoURL             string        `json:"repo_url"`
	ConversationHistory []ChatMessage `json:"conversation_history,omitempty"`
	CurrentPageContext  string        `json:"current_page_context,omitempty"`
}

// ChatResponse is returned by POST /chat.
type ChatResponse struct {
	Answer  string   `json:"answer"`
	Sources []string `json:"sources"`
	RepoURL string   `json:"repo_url,omitempty"`
}

// Timestamp decodes the server's timestamps, which may lack a zone offset.
// Unparseable values decode to the zero time rather than failing the whole
// response; timestamps are advisory.
type Timestamp struct {
	time.Time
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05",
}

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		t.Time = time.Time{}
		return nil
	}
	for _, layout := range timestampLayouts {
		if parsed, err := time.Parse(layout, s); err == nil {
			t.Time = parsed
			return nil
		}
	}
	t.Time = time.Time{}
	return nil
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return t.Time.MarshalJSON()
}

// Ptr returns nil for the zero time.
func (t Timestamp) Ptr() *time.Time {
	if t.IsZero() {
		return nil
	}
	v := t.Time
	return &v
}
