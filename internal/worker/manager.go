// Package worker owns the lifecycle of worker processes: spawning with
// resolved credentials, pumping and parsing their output, classifying
// failures, rotating through fallback chains on rate limits, and
// persisting terminal outcomes. At most one live worker exists per task;
// spawn, kill, and exit handling for a task are serialized.
package worker

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/autoclaude/autoclaude/internal/classify"
	"github.com/autoclaude/autoclaude/internal/errors"
	"github.com/autoclaude/autoclaude/internal/event"
	"github.com/autoclaude/autoclaude/internal/logging"
	"github.com/autoclaude/autoclaude/internal/persist"
	"github.com/autoclaude/autoclaude/internal/phase"
	"github.com/autoclaude/autoclaude/internal/procenv"
	"github.com/autoclaude/autoclaude/internal/profile"
	"github.com/autoclaude/autoclaude/internal/registry"
)

// Options configures a Manager.
type Options struct {
	// Interpreter is the path of the worker interpreter binary.
	Interpreter string

	// GracePeriod is how long a killed worker gets between SIGTERM and
	// SIGKILL (default: 5s).
	GracePeriod time.Duration

	// KillSafetyTimeout bounds the wait for an exit that never arrives
	// after SIGKILL (default: 500ms).
	KillSafetyTimeout time.Duration

	// WindowBytes is the classifier tail window size per spawn
	// (default: classify.DefaultWindowSize).
	WindowBytes int
}

// Manager runs worker processes. All dependencies are constructor-injected.
type Manager struct {
	logger   *logging.Logger
	bus      *event.Bus
	resolver *profile.Resolver
	composer *procenv.Composer
	gateway  *persist.Gateway
	reg      *registry.Registry
	opts     Options

	mu          sync.Mutex
	nextSpawnID int64
	procs       map[string]*Process    // task ID -> live process
	killed      map[int64]bool         // spawn IDs whose exit must be swallowed
	locks       map[string]*sync.Mutex // task ID -> spawn/kill/exit serialization
	wg          sync.WaitGroup
}

// NewManager creates a Manager.
func NewManager(logger *logging.Logger, bus *event.Bus, resolver *profile.Resolver, composer *procenv.Composer, gateway *persist.Gateway, reg *registry.Registry, opts Options) *Manager {
	if logger == nil {
		logger = logging.NopLogger()
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = 5 * time.Second
	}
	if opts.KillSafetyTimeout <= 0 {
		opts.KillSafetyTimeout = 500 * time.Millisecond
	}
	if opts.WindowBytes <= 0 {
		opts.WindowBytes = classify.DefaultWindowSize
	}
	return &Manager{
		logger:   logger,
		bus:      bus,
		resolver: resolver,
		composer: composer,
		gateway:  gateway,
		reg:      reg,
		opts:     opts,
		procs:    make(map[string]*Process),
		killed:   make(map[int64]bool),
		locks:    make(map[string]*sync.Mutex),
	}
}

// taskLock returns the serialization lock for a task, creating it on first
// use. Holding it makes kill-resolve-start sequences atomic per task.
func (m *Manager) taskLock(taskID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[taskID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[taskID] = l
	}
	return l
}

// Spawn launches a worker for the task. Any live worker for the same task
// is killed first. The initial fallback chain is the planning chain; when a
// rate limit is handled later, the chain is re-consulted against the
// worker's phase at that moment, so a mid-coding failure walks the coding
// chain. The whole kill-resolve-start sequence holds the task lock.
func (m *Manager) Spawn(ctx context.Context, spec SpawnSpec) (*Process, error) {
	l := m.taskLock(spec.TaskID)
	l.Lock()
	defer l.Unlock()

	m.killLocked(spec.TaskID)

	chain, err := m.resolver.Chain(ctx, phase.PhasePlanning)
	if err != nil {
		return nil, fmt.Errorf("resolve fallback chain: %w", err)
	}
	m.gateway.Forget(spec.ProjectID, spec.TaskID)
	return m.startSpawn(ctx, spec, chain, phase.PhasePlanning, 0)
}

// Running reports the live spawn ID for a task, if any.
func (m *Manager) Running(taskID string) (int64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.procs[taskID]
	if !ok {
		return 0, false
	}
	return p.SpawnID, true
}

// Kill terminates the task's live worker, if any. The spawn is marked
// killed before any signal is sent so its exit is swallowed. Kill blocks
// until the process exits or the kill safety timeout elapses, and is
// idempotent: killing a task with no live worker reports false.
func (m *Manager) Kill(taskID string) bool {
	l := m.taskLock(taskID)
	l.Lock()
	defer l.Unlock()
	return m.killLocked(taskID)
}

// killLocked is Kill without the task lock; callers must hold it.
func (m *Manager) killLocked(taskID string) bool {
	m.mu.Lock()
	p, ok := m.procs[taskID]
	if !ok {
		m.mu.Unlock()
		return false
	}
	m.killed[p.SpawnID] = true
	delete(m.procs, taskID)
	m.mu.Unlock()

	m.logger.Info("killing worker", "task_id", taskID, "spawn_id", p.SpawnID)
	m.terminate(p)
	return true
}

// KillAll terminates every live worker.
func (m *Manager) KillAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.procs))
	for taskID := range m.procs {
		ids = append(ids, taskID)
	}
	m.mu.Unlock()

	for _, taskID := range ids {
		m.Kill(taskID)
	}
}

// Wait blocks until all pump and reap goroutines have finished. Call after
// KillAll during shutdown.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// startSpawn launches one worker process with the chain entry at idx and
// registers its Process record. chainPhase records which phase's chain is
// in hand so fallback can detect when the worker has moved past it.
func (m *Manager) startSpawn(ctx context.Context, spec SpawnSpec, chain []profile.ChainEntry, chainPhase phase.Phase, idx int) (*Process, error) {
	entry := chain[idx]
	credEnv, err := m.resolver.Env(ctx, entry)
	if err != nil {
		m.publish(event.NewErrorEvent(spec.TaskID, event.ErrorSpawn, err.Error()))
		return nil, fmt.Errorf("resolve credentials: %w", err)
	}

	cmd := exec.Command(m.opts.Interpreter, spec.Args...)
	cmd.Dir = spec.WorkDir
	cmd.Env = m.composer.Compose(spec.ExtraEnv, credEnv)
	// Own process group, so kill signals reach the worker's children and
	// no orphan keeps the output pipes open.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.NewProcessError("open stdout pipe", err).WithTask(spec.TaskID)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, errors.NewProcessError("open stderr pipe", err).WithTask(spec.TaskID)
	}

	m.mu.Lock()
	m.nextSpawnID++
	spawnID := m.nextSpawnID
	m.mu.Unlock()

	p := &Process{
		SpawnID:    spawnID,
		TaskID:     spec.TaskID,
		ProjectID:  spec.ProjectID,
		Spec:       spec,
		Chain:      chain,
		ChainPhase: chainPhase,
		ChainIndex: idx,
		Model:      credEnv[profile.EnvModel],
		StartTime:  time.Now(),
		cmd:        cmd,
		parser:     phase.NewParser(m.logger.WithTask(spec.TaskID)),
		window:     classify.NewTailWindow(m.opts.WindowBytes),
		done:       make(chan struct{}),
	}

	if err := cmd.Start(); err != nil {
		m.publish(event.NewErrorEvent(spec.TaskID, event.ErrorSpawn, err.Error()))
		return nil, errors.NewProcessError("start worker", err).WithTask(spec.TaskID).WithSpawn(spawnID)
	}

	m.mu.Lock()
	m.procs[spec.TaskID] = p
	m.mu.Unlock()

	p.pumpWG.Add(2)
	m.wg.Add(3)
	go m.pump(p, phase.StreamStdout, stdout)
	go m.pump(p, phase.StreamStderr, stderr)
	go m.reap(p)

	m.logger.Info("worker started",
		"task_id", spec.TaskID,
		"spawn_id", spawnID,
		"chain_index", idx,
		"model", p.Model,
		"process_type", spec.ProcessType)
	m.publish(event.NewExecutionProgressEvent(
		spec.TaskID, spawnID, string(phase.PhasePlanning),
		0, phase.OverallProgress(phase.PhasePlanning, 0),
		"", "worker started", 0, p.Model))
	return p, nil
}

// pump reads one output stream to EOF, feeding the parser, the classifier
// window, and the event bus.
func (m *Manager) pump(p *Process, stream phase.Stream, r io.Reader) {
	defer m.wg.Done()
	defer p.pumpWG.Done()

	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			m.consume(p, stream, buf[:n])
		}
		if err != nil {
			return
		}
	}
}

// consume dispatches one chunk and runs the continuous classifier over the
// joint tail window of both streams.
func (m *Manager) consume(p *Process, stream phase.Stream, chunk []byte) {
	m.dispatch(p, p.parser.ScanChunk(stream, chunk))

	res := classify.Classify(p.window.String())
	if res.Kind == classify.KindRateLimited {
		m.handleRateLimit(p, res)
	}
}

// dispatch publishes log lines and progress updates, persisting any status
// change a phase transition implies. Persistence failures are logged and
// swallowed. Output of a killed spawn is dropped: whatever it prints while
// dying must not move the task's status or progress.
func (m *Manager) dispatch(p *Process, result phase.ScanResult) {
	if m.isKilled(p.SpawnID) {
		return
	}
	for _, line := range result.Lines {
		p.window.WriteLine(line.Text)
		m.publish(event.NewLogLineEvent(p.TaskID, line.Stream.String(), line.Text))
	}
	for _, u := range result.Updates {
		if status, ok := phase.StatusForPhase(u.Phase); ok {
			m.persistStatus(p, status)
		}
		m.publish(event.NewExecutionProgressEvent(
			p.TaskID, p.SpawnID, string(u.Phase),
			u.PhaseProgress, u.OverallProgress,
			u.Subtask, u.Message, u.Seq, p.Model))
	}
}

// handleRateLimit reacts to a rate-limit verdict from the continuous
// classifier: the current worker is killed without waiting for its exit
// (which is swallowed), and the next chain entry is spawned immediately.
// A spawn that was already killed or superseded gets no fallback: rate-limit
// text a dying worker prints must not respawn a task the user just stopped.
func (m *Manager) handleRateLimit(p *Process, res classify.Result) {
	if p.handled.Swap(true) {
		return
	}

	l := m.taskLock(p.TaskID)
	l.Lock()
	defer l.Unlock()

	m.mu.Lock()
	if m.killed[p.SpawnID] {
		m.mu.Unlock()
		m.logger.Debug("ignored rate limit from killed spawn",
			"task_id", p.TaskID, "spawn_id", p.SpawnID)
		return
	}
	if cur, ok := m.procs[p.TaskID]; !ok || cur.SpawnID != p.SpawnID {
		m.mu.Unlock()
		m.logger.Debug("ignored rate limit from superseded spawn",
			"task_id", p.TaskID, "spawn_id", p.SpawnID)
		return
	}
	m.killed[p.SpawnID] = true
	delete(m.procs, p.TaskID)
	m.mu.Unlock()

	m.logger.Warn("rate limit detected",
		"task_id", p.TaskID,
		"spawn_id", p.SpawnID,
		"limit_type", string(res.LimitType),
		"reset_hint", res.ResetHint)

	// Terminate asynchronously: this runs on the pump goroutine, which the
	// reaper waits on, so blocking here until exit would deadlock.
	go m.terminate(p)

	m.fallback(p)
}

// fallback respawns the task with the next entry of the chain governing
// the spawn's current phase, or fails the task when that chain is
// exhausted. Chains are per-phase: when the worker has moved past the
// phase its chain was resolved for, the current phase's chain is resolved
// and the walk continues after the failing entry (or from the head when
// the new chain does not contain it). Callers hold the task lock.
func (m *Manager) fallback(p *Process) {
	ctx := context.Background()
	chain, chainPhase, idx := p.Chain, p.ChainPhase, p.ChainIndex

	if cur := chainPhaseFor(p.parser.Phase(), chainPhase); cur != chainPhase {
		if fresh, err := m.resolver.Chain(ctx, cur); err == nil {
			m.logger.Info("switching to phase fallback chain",
				"task_id", p.TaskID,
				"from_phase", string(chainPhase),
				"to_phase", string(cur))
			chain, chainPhase = fresh, cur
			idx = entryIndex(fresh, p.Chain[p.ChainIndex])
		}
	}

	var next int
	if idx < 0 {
		next = 0
	} else {
		n, err := m.resolver.Next(ctx, chain, idx)
		if err != nil {
			m.logger.Error("fallback chain exhausted",
				"task_id", p.TaskID,
				"chain_phase", string(chainPhase),
				"chain_length", len(chain))
			m.persistStatus(p, phase.StatusFailed)
			m.publish(event.NewErrorEvent(p.TaskID, event.ErrorExhausted,
				fmt.Sprintf("all %d fallback entries rate limited", len(chain))))
			m.publish(event.NewTaskFailedEvent(p.TaskID, m.title(p), "fallback chain exhausted"))
			return
		}
		next = n
	}

	np, err := m.startSpawn(ctx, p.Spec, chain, chainPhase, next)
	if err != nil {
		m.logger.Error("fallback respawn failed",
			"task_id", p.TaskID,
			"chain_index", next,
			"error", err.Error())
		m.persistStatus(p, phase.StatusFailed)
		m.publish(event.NewTaskFailedEvent(p.TaskID, m.title(p), "fallback respawn failed"))
		return
	}
	m.publish(event.NewModelSwitchEvent(p.TaskID, p.Model, np.Model, next))
}

// chainPhaseFor maps the parser's current phase onto the phase whose
// fallback chain governs a failure. Idle counts as planning; terminal
// phases keep the chain already in hand.
func chainPhaseFor(cur, active phase.Phase) phase.Phase {
	switch cur {
	case phase.PhasePlanning, phase.PhaseCoding, phase.PhaseQAReview, phase.PhaseQAFixing:
		return cur
	case phase.PhaseIdle:
		return phase.PhasePlanning
	}
	return active
}

// entryIndex finds an entry's position in a chain, or -1.
func entryIndex(chain []profile.ChainEntry, e profile.ChainEntry) int {
	for i, c := range chain {
		if c.Ref == e.Ref && c.Model == e.Model {
			return i
		}
	}
	return -1
}

// reap waits for the pumps to drain, collects the exit status, and runs
// exit handling.
func (m *Manager) reap(p *Process) {
	defer m.wg.Done()

	p.pumpWG.Wait()
	err := p.cmd.Wait()
	close(p.done)

	code := 0
	if err != nil {
		code = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		}
	}
	m.handleExit(p, code)
}

// handleExit processes a worker exit. Exits of killed or superseded spawns
// are swallowed: they trigger no events, no classification, and no status
// writes. The task lock is held throughout so exit handling never overlaps
// a concurrent spawn or kill for the same task.
func (m *Manager) handleExit(p *Process, code int) {
	l := m.taskLock(p.TaskID)
	l.Lock()
	defer l.Unlock()

	m.mu.Lock()
	if m.killed[p.SpawnID] {
		delete(m.killed, p.SpawnID)
		m.mu.Unlock()
		m.logger.Debug("swallowed exit of killed spawn",
			"task_id", p.TaskID, "spawn_id", p.SpawnID, "code", code)
		return
	}
	if cur, ok := m.procs[p.TaskID]; !ok || cur.SpawnID != p.SpawnID {
		m.mu.Unlock()
		m.logger.Debug("ignored stale exit",
			"task_id", p.TaskID, "spawn_id", p.SpawnID, "code", code)
		return
	}
	delete(m.procs, p.TaskID)
	m.mu.Unlock()

	m.dispatch(p, p.parser.Flush())
	m.publish(event.NewExitEvent(p.TaskID, p.SpawnID, code, p.Spec.ProcessType))
	m.logger.Info("worker exited",
		"task_id", p.TaskID, "spawn_id", p.SpawnID, "code", code)

	if code == 0 {
		m.finishSuccess(p)
		return
	}
	if p.handled.Swap(true) {
		return
	}

	res := classify.Classify(p.window.String())
	switch res.Kind {
	case classify.KindRateLimited:
		m.fallback(p)
	case classify.KindAuthFailure:
		m.persistStatus(p, phase.StatusFailed)
		m.publish(event.NewErrorEvent(p.TaskID, event.ErrorAuth, res.Message))
		m.publish(event.NewTaskFailedEvent(p.TaskID, m.title(p), "authentication failure: "+res.FailureType))
	default:
		msg := fmt.Sprintf("worker exited with code %d", code)
		m.persistStatus(p, phase.StatusFailed)
		m.publish(event.NewErrorEvent(p.TaskID, event.ErrorGeneric, msg))
		m.publish(event.NewTaskFailedEvent(p.TaskID, m.title(p), msg))
	}
}

// finishSuccess handles a clean exit: terminal-phase completion, then the
// subtask heuristic. The heuristic goes through the regression-guarded
// gateway, so it can never downgrade a completed task.
func (m *Manager) finishSuccess(p *Process) {
	if p.parser.Phase() == phase.PhaseComplete {
		m.persistStatus(p, phase.StatusCompleted)
		m.publish(event.NewTaskCompleteEvent(p.TaskID, m.title(p)))
		return
	}

	rec := m.readRecord(p)
	if rec == nil || !rec.SubtasksAllCompleted() {
		return
	}
	wrote, err := m.gateway.Persist(p.ProjectID, p.TaskID, phase.StatusHumanReview)
	if err != nil {
		m.logger.Warn("failed to persist human review status",
			"task_id", p.TaskID, "error", err.Error())
		return
	}
	if wrote {
		m.publish(event.NewReviewNeededEvent(p.TaskID, rec.Title))
	}
}

// terminate escalates SIGTERM -> grace period -> SIGKILL -> safety timeout.
// Signals go to the worker's process group.
func (m *Manager) terminate(p *Process) {
	if p.cmd.Process == nil {
		return
	}
	m.signal(p, syscall.SIGTERM)
	select {
	case <-p.done:
		return
	case <-time.After(m.opts.GracePeriod):
	}

	m.signal(p, syscall.SIGKILL)
	select {
	case <-p.done:
	case <-time.After(m.opts.KillSafetyTimeout):
		m.logger.Warn("worker did not exit after SIGKILL",
			"task_id", p.TaskID, "spawn_id", p.SpawnID)
	}
}

func (m *Manager) signal(p *Process, sig syscall.Signal) {
	if err := syscall.Kill(-p.cmd.Process.Pid, sig); err != nil {
		_ = p.cmd.Process.Signal(sig)
	}
}

func (m *Manager) isKilled(spawnID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.killed[spawnID]
}

func (m *Manager) persistStatus(p *Process, status phase.Status) {
	if _, err := m.gateway.Persist(p.ProjectID, p.TaskID, status); err != nil {
		m.logger.Warn("failed to persist status",
			"task_id", p.TaskID,
			"status", string(status),
			"error", err.Error())
	}
}

// publish sends an event without letting a misbehaving subscriber block
// cleanup; the bus already isolates handler panics.
func (m *Manager) publish(ev event.Event) {
	if m.bus != nil {
		m.bus.Publish(ev)
	}
}

func (m *Manager) readRecord(p *Process) *registry.Record {
	path, err := m.reg.RecordPath(p.ProjectID, p.TaskID)
	if err != nil {
		return nil
	}
	rec, err := registry.ReadRecord(path)
	if err != nil {
		return nil
	}
	return rec
}

func (m *Manager) title(p *Process) string {
	if rec := m.readRecord(p); rec != nil && rec.Title != "" {
		return rec.Title
	}
	return p.TaskID
}
