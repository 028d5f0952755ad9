package worker

import (
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/autoclaude/autoclaude/internal/classify"
	"github.com/autoclaude/autoclaude/internal/phase"
	"github.com/autoclaude/autoclaude/internal/profile"
)

// SpawnSpec describes one worker launch request.
type SpawnSpec struct {
	ProjectID   string
	TaskID      string
	WorkDir     string
	Args        []string          // arguments passed to the worker interpreter
	ExtraEnv    map[string]string // per-spawn environment additions
	ProcessType string            // "task" or "qa"
}

// Process is the record of one worker spawn. Records are immutable after
// registration: a fallback respawn builds a new Process with the next
// chain index rather than mutating the old one. The side-state fields
// (parser, tail window, handled flag) are internally synchronized.
type Process struct {
	SpawnID    int64
	TaskID     string
	ProjectID  string
	Spec       SpawnSpec
	Chain      []profile.ChainEntry
	ChainPhase phase.Phase // phase whose fallback chain is in hand
	ChainIndex int
	Model      string
	StartTime  time.Time

	cmd    *exec.Cmd
	parser *phase.Parser
	window *classify.TailWindow

	// handled flips once per spawn when a classification verdict has been
	// acted on, so the continuous and exit paths never double-handle.
	handled atomic.Bool

	// done closes when the process has exited and been reaped.
	done   chan struct{}
	pumpWG sync.WaitGroup
}

// Phase returns the spawn's current inferred phase.
func (p *Process) Phase() phase.Phase {
	return p.parser.Phase()
}
