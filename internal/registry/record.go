package registry

import (
	"encoding/json"
	"os"
	"time"

	"github.com/autoclaude/autoclaude/internal/phase"
)

// File layout constants. Each task owns a spec directory at
// <project>/.auto-claude/specs/<task-id>/ containing its durable record;
// tasks with an isolated workspace mirror the record under
// <project>/.worktrees/<task-id>/ at the analogous path.
const (
	AutoClaudeDirName = ".auto-claude"
	SpecsDirName      = "specs"
	WorktreesDirName  = ".worktrees"
	RecordFileName    = "implementation_plan.json"
)

// Subtask is one unit of work inside a task's plan.
type Subtask struct {
	Title     string `json:"title"`
	Completed bool   `json:"completed"`
}

// PhaseEntry is one accepted status transition in the record's history.
type PhaseEntry struct {
	Status phase.Status `json:"status"`
	At     time.Time    `json:"at"`
}

// Record is the durable on-disk representation of a task's status.
// It is shared state: the orchestrator and external progress reporters
// both update it, always through the locked read-modify-write path in the
// persist package.
type Record struct {
	Title        string       `json:"title,omitempty"`
	Status       phase.Status `json:"status"`
	PhaseHistory []PhaseEntry `json:"phase_history,omitempty"`
	Subtasks     []Subtask    `json:"subtasks,omitempty"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// ReadRecord loads a record from disk.
func ReadRecord(path string) (*Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// SubtasksAllCompleted reports whether the record has at least one subtask
// and every one of them is completed.
func (r *Record) SubtasksAllCompleted() bool {
	if len(r.Subtasks) == 0 {
		return false
	}
	for _, st := range r.Subtasks {
		if !st.Completed {
			return false
		}
	}
	return true
}
