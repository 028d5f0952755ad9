// Package event defines the pub-sub surface between the orchestration core
// and its external collaborators. The presentation layer consumes the
// task.* events; the notification layer consumes the notify.* events.
// Phase and status values are carried as plain strings so consumers do not
// need to depend on the phase package.
package event

import "time"

// Event is the interface that all events must implement.
type Event interface {
	// EventType returns a string identifier for this event type.
	// Convention: "category.action" (e.g., "task.progress", "notify.task_failed")
	EventType() string

	// Timestamp returns when the event occurred.
	Timestamp() time.Time
}

// baseEvent provides common fields for all events.
// Embed this in concrete event types to satisfy the Event interface.
type baseEvent struct {
	eventType string
	timestamp time.Time
}

func (e baseEvent) EventType() string    { return e.eventType }
func (e baseEvent) Timestamp() time.Time { return e.timestamp }

func newBaseEvent(eventType string) baseEvent {
	return baseEvent{
		eventType: eventType,
		timestamp: time.Now(),
	}
}

// -----------------------------------------------------------------------------
// Presentation Events
// -----------------------------------------------------------------------------

// LogLineEvent carries one complete line of worker output.
type LogLineEvent struct {
	baseEvent
	TaskID string // Task that produced the line
	Stream string // "stdout" or "stderr"
	Line   string // The line, without trailing newline
}

// NewLogLineEvent creates a LogLineEvent.
func NewLogLineEvent(taskID, stream, line string) LogLineEvent {
	return LogLineEvent{
		baseEvent: newBaseEvent("task.log"),
		TaskID:    taskID,
		Stream:    stream,
		Line:      line,
	}
}

// ExecutionProgressEvent reports execution progress inferred from worker
// output. Seq is strictly increasing per spawn; consumers must discard
// events whose Seq is not greater than the last one seen for the task.
type ExecutionProgressEvent struct {
	baseEvent
	TaskID          string
	SpawnID         int64  // Spawn attempt that produced this event
	Phase           string // Current execution phase
	PhaseProgress   int    // 0-100 within the current phase
	OverallProgress int    // 0-100 across all phases
	Subtask         string // Current subtask label, if known
	Message         string // Human-readable progress message, if any
	Seq             uint64 // Strictly increasing per spawn
	CurrentModel    string // Model serving this spawn, if known
}

// NewExecutionProgressEvent creates an ExecutionProgressEvent.
func NewExecutionProgressEvent(taskID string, spawnID int64, phase string, phaseProgress, overallProgress int, subtask, message string, seq uint64, currentModel string) ExecutionProgressEvent {
	return ExecutionProgressEvent{
		baseEvent:       newBaseEvent("task.progress"),
		TaskID:          taskID,
		SpawnID:         spawnID,
		Phase:           phase,
		PhaseProgress:   phaseProgress,
		OverallProgress: overallProgress,
		Subtask:         subtask,
		Message:         message,
		Seq:             seq,
		CurrentModel:    currentModel,
	}
}

// StatusChangeEvent is emitted when a task's durable status changes.
type StatusChangeEvent struct {
	baseEvent
	TaskID string
	Status string // New durable status
}

// NewStatusChangeEvent creates a StatusChangeEvent.
func NewStatusChangeEvent(taskID, status string) StatusChangeEvent {
	return StatusChangeEvent{
		baseEvent: newBaseEvent("task.status"),
		TaskID:    taskID,
		Status:    status,
	}
}

// ExitEvent is emitted when a worker process exits and the exit is not
// swallowed (i.e., the spawn was not explicitly killed or superseded).
type ExitEvent struct {
	baseEvent
	TaskID      string
	SpawnID     int64
	Code        int    // Process exit code
	ProcessType string // e.g. "task", "qa"
}

// NewExitEvent creates an ExitEvent.
func NewExitEvent(taskID string, spawnID int64, code int, processType string) ExitEvent {
	return ExitEvent{
		baseEvent:   newBaseEvent("task.exit"),
		TaskID:      taskID,
		SpawnID:     spawnID,
		Code:        code,
		ProcessType: processType,
	}
}

// ErrorKind distinguishes the failure categories surfaced to consumers.
type ErrorKind string

const (
	// ErrorAuth is an authentication failure; never retried automatically.
	ErrorAuth ErrorKind = "auth"
	// ErrorExhausted means every fallback chain entry was rate-limited.
	ErrorExhausted ErrorKind = "exhausted"
	// ErrorSpawn means the worker process could not be started.
	ErrorSpawn ErrorKind = "spawn"
	// ErrorGeneric is an unexplained non-zero exit.
	ErrorGeneric ErrorKind = "generic"
)

// ErrorEvent is emitted for terminal task failures.
type ErrorEvent struct {
	baseEvent
	TaskID  string
	Kind    ErrorKind
	Message string
}

// NewErrorEvent creates an ErrorEvent.
func NewErrorEvent(taskID string, kind ErrorKind, message string) ErrorEvent {
	return ErrorEvent{
		baseEvent: newBaseEvent("task.error"),
		TaskID:    taskID,
		Kind:      kind,
		Message:   message,
	}
}

// ModelSwitchEvent is the informational notice published when a rate limit
// forces a fallback respawn with a different credential/model pair.
type ModelSwitchEvent struct {
	baseEvent
	TaskID     string
	FromModel  string
	ToModel    string
	ChainIndex int // Index of the new entry in the fallback chain
}

// NewModelSwitchEvent creates a ModelSwitchEvent.
func NewModelSwitchEvent(taskID, fromModel, toModel string, chainIndex int) ModelSwitchEvent {
	return ModelSwitchEvent{
		baseEvent:  newBaseEvent("task.model_switch"),
		TaskID:     taskID,
		FromModel:  fromModel,
		ToModel:    toModel,
		ChainIndex: chainIndex,
	}
}

// -----------------------------------------------------------------------------
// Notification Events
// -----------------------------------------------------------------------------

// TaskCompleteEvent is published for the notification layer when a task
// finishes successfully. It carries identifiers only; presentation and
// opt-in/opt-out settings belong to the notification layer.
type TaskCompleteEvent struct {
	baseEvent
	TaskID string
	Title  string
}

// NewTaskCompleteEvent creates a TaskCompleteEvent.
func NewTaskCompleteEvent(taskID, title string) TaskCompleteEvent {
	return TaskCompleteEvent{
		baseEvent: newBaseEvent("notify.task_complete"),
		TaskID:    taskID,
		Title:     title,
	}
}

// TaskFailedEvent is published for the notification layer when a task fails.
type TaskFailedEvent struct {
	baseEvent
	TaskID string
	Title  string
	Reason string
}

// NewTaskFailedEvent creates a TaskFailedEvent.
func NewTaskFailedEvent(taskID, title, reason string) TaskFailedEvent {
	return TaskFailedEvent{
		baseEvent: newBaseEvent("notify.task_failed"),
		TaskID:    taskID,
		Title:     title,
		Reason:    reason,
	}
}

// ReviewNeededEvent is published when a task reaches human review.
type ReviewNeededEvent struct {
	baseEvent
	TaskID string
	Title  string
}

// NewReviewNeededEvent creates a ReviewNeededEvent.
func NewReviewNeededEvent(taskID, title string) ReviewNeededEvent {
	return ReviewNeededEvent{
		baseEvent: newBaseEvent("notify.review_needed"),
		TaskID:    taskID,
		Title:     title,
	}
}
