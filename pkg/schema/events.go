package schema

// Event type constants published on the task event hub.
const (
	EventTaskSubmitted = "task_submitted"
	EventTaskResumed   = "task_resumed"
	EventTaskProgress  = "task_progress"
	EventTaskCompleted = "task_completed"
	EventTaskFailed    = "task_failed"
	EventTaskCleared   = "task_cleared"

	EventPollFailed    = "poll_failed"
	EventPollScheduled = "poll_scheduled"
)
