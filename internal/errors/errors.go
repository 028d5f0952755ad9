// Package errors provides centralized error definitions and error handling
// utilities for the autoclaude codebase. It defines domain-specific errors,
// sentinel errors, constructors with context wrapping, and classification
// helpers used to decide whether a failure is retryable or user-facing.
//
// # Error Types
//
// Domain-specific errors represent failures from specific subsystems:
//   - ProcessError: errors from spawning, killing, or supervising workers
//   - ProfileError: errors from credential profile resolution
//   - PersistError: errors from durable status record writes
//
// # Usage
//
// Creating errors:
//
//	err := errors.NewProcessError("spawn failed", baseErr).WithTask("task-1")
//
// Checking errors:
//
//	if errors.Is(err, errors.ErrChainExhausted) { ... }
//
//	var procErr *errors.ProcessError
//	if errors.As(err, &procErr) { ... }
//
//	if errors.IsRetryable(err) { ... }
package errors

import (
	"errors"
	"fmt"
)

// Re-export standard library functions for convenience.
// This allows callers to import only this package for all error handling.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	New    = errors.New
	Join   = errors.Join
)

// -----------------------------------------------------------------------------
// Sentinel Errors
// -----------------------------------------------------------------------------

// Worker-related sentinel errors
var (
	// ErrRateLimited indicates the upstream model provider rate-limited the worker.
	ErrRateLimited = New("rate limited by provider")
	// ErrAuthFailure indicates the worker's credentials were rejected.
	ErrAuthFailure = New("authentication failure")
	// ErrChainExhausted indicates every entry in a fallback chain has been tried.
	ErrChainExhausted = New("all fallback entries exhausted")
	// ErrNotRunning indicates an operation requires a live worker process.
	ErrNotRunning = New("no worker process running for task")
	// ErrNoWorkerInterpreter indicates no usable worker interpreter was found on PATH.
	ErrNoWorkerInterpreter = New("worker interpreter not found")
)

// Registry and persistence sentinel errors
var (
	// ErrTaskNotFound indicates a task ID has no spec directory.
	ErrTaskNotFound = New("task not found")
	// ErrProjectNotFound indicates an unknown project ID.
	ErrProjectNotFound = New("project not found")
	// ErrRecordLocked indicates the durable record lock could not be acquired.
	ErrRecordLocked = New("status record is locked")
	// ErrStaleStatus indicates a write was rejected because the on-disk
	// record already carries a newer status.
	ErrStaleStatus = New("write superseded by newer status")
)

// Profile sentinel errors
var (
	// ErrProfileNotFound indicates an unknown credential profile reference.
	ErrProfileNotFound = New("credential profile not found")
	// ErrNoActiveProfile indicates no default profile is active in the store.
	ErrNoActiveProfile = New("no active credential profile")
)

// -----------------------------------------------------------------------------
// Domain Error Types
// -----------------------------------------------------------------------------

// ProcessError represents an error from worker process management.
type ProcessError struct {
	Message  string
	TaskID   string
	SpawnID  int64
	ExitCode int
	Err      error
}

// NewProcessError creates a ProcessError wrapping the given error.
func NewProcessError(message string, err error) *ProcessError {
	return &ProcessError{Message: message, Err: err, ExitCode: -1}
}

// WithTask attaches the task ID to the error.
func (e *ProcessError) WithTask(taskID string) *ProcessError {
	e.TaskID = taskID
	return e
}

// WithSpawn attaches the spawn identifier to the error.
func (e *ProcessError) WithSpawn(spawnID int64) *ProcessError {
	e.SpawnID = spawnID
	return e
}

// WithExitCode attaches the worker's exit code to the error.
func (e *ProcessError) WithExitCode(code int) *ProcessError {
	e.ExitCode = code
	return e
}

func (e *ProcessError) Error() string {
	if e.TaskID != "" {
		return fmt.Sprintf("process [task %s]: %s: %v", e.TaskID, e.Message, e.Err)
	}
	return fmt.Sprintf("process: %s: %v", e.Message, e.Err)
}

func (e *ProcessError) Unwrap() error { return e.Err }

// ProfileError represents an error from credential profile resolution.
type ProfileError struct {
	Message string
	Profile string
	Err     error
}

// NewProfileError creates a ProfileError wrapping the given error.
func NewProfileError(message string, err error) *ProfileError {
	return &ProfileError{Message: message, Err: err}
}

// WithProfile attaches the profile identifier to the error.
func (e *ProfileError) WithProfile(id string) *ProfileError {
	e.Profile = id
	return e
}

func (e *ProfileError) Error() string {
	if e.Profile != "" {
		return fmt.Sprintf("profile [%s]: %s: %v", e.Profile, e.Message, e.Err)
	}
	return fmt.Sprintf("profile: %s: %v", e.Message, e.Err)
}

func (e *ProfileError) Unwrap() error { return e.Err }

// PersistError represents an error writing a durable status record.
type PersistError struct {
	Message string
	Path    string
	Err     error
}

// NewPersistError creates a PersistError wrapping the given error.
func NewPersistError(message string, err error) *PersistError {
	return &PersistError{Message: message, Err: err}
}

// WithPath attaches the record path to the error.
func (e *PersistError) WithPath(path string) *PersistError {
	e.Path = path
	return e
}

func (e *PersistError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("persist [%s]: %s: %v", e.Path, e.Message, e.Err)
	}
	return fmt.Sprintf("persist: %s: %v", e.Message, e.Err)
}

func (e *PersistError) Unwrap() error { return e.Err }

// -----------------------------------------------------------------------------
// Classification Helpers
// -----------------------------------------------------------------------------

// IsRetryable reports whether the error represents a transient condition
// that may succeed on retry. Rate limits are retryable (via fallback
// rotation); authentication failures and exhausted chains are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case Is(err, ErrRateLimited):
		return true
	case Is(err, ErrRecordLocked):
		return true
	}
	return false
}

// IsUserFacing reports whether the error carries a message suitable for
// direct display. Internal bookkeeping errors are not user-facing.
func IsUserFacing(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case Is(err, ErrAuthFailure),
		Is(err, ErrChainExhausted),
		Is(err, ErrTaskNotFound),
		Is(err, ErrProjectNotFound),
		Is(err, ErrNoWorkerInterpreter):
		return true
	}
	return false
}
