package worker

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/autoclaude/autoclaude/internal/event"
	"github.com/autoclaude/autoclaude/internal/persist"
	"github.com/autoclaude/autoclaude/internal/phase"
	"github.com/autoclaude/autoclaude/internal/procenv"
	"github.com/autoclaude/autoclaude/internal/profile"
	"github.com/autoclaude/autoclaude/internal/registry"
)

// recorder collects published events for later assertion.
type recorder struct {
	mu     sync.Mutex
	events []event.Event
}

func (r *recorder) record(ev event.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

// waitFor polls until an event satisfying pred arrives or the deadline
// passes.
func (r *recorder) waitFor(t *testing.T, timeout time.Duration, desc string, pred func(event.Event) bool) event.Event {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		r.mu.Lock()
		for _, ev := range r.events {
			if pred(ev) {
				r.mu.Unlock()
				return ev
			}
		}
		r.mu.Unlock()
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", desc)
	return nil
}

func (r *recorder) none(t *testing.T, desc string, pred func(event.Event) bool) {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range r.events {
		if pred(ev) {
			t.Errorf("unexpected %s: %+v", desc, ev)
		}
	}
}

type fixture struct {
	manager  *Manager
	recorder *recorder
	recPath  string
}

func isType(eventType string) func(event.Event) bool {
	return func(ev event.Event) bool { return ev.EventType() == eventType }
}

// newFixture builds a Manager wired to a real registry and gateway in a
// temp project, with /bin/sh as the worker interpreter so scripts stand in
// for workers. The chain is registered for the planning phase.
func newFixture(t *testing.T, rec *registry.Record, chain []profile.ChainEntry) *fixture {
	t.Helper()
	return newChainFixture(t, rec, map[phase.Phase][]profile.ChainEntry{
		phase.PhasePlanning: chain,
	})
}

// newChainFixture is newFixture with explicit per-phase chains.
func newChainFixture(t *testing.T, rec *registry.Record, chains map[phase.Phase][]profile.ChainEntry) *fixture {
	t.Helper()

	reg, err := registry.NewRegistry(nil)
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}
	t.Cleanup(func() { reg.Close() })

	project := t.TempDir()
	specDir := filepath.Join(project, registry.AutoClaudeDirName, registry.SpecsDirName, "task-1")
	if err := os.MkdirAll(specDir, 0755); err != nil {
		t.Fatalf("failed to create spec dir: %v", err)
	}
	data, err := json.Marshal(rec)
	if err != nil {
		t.Fatalf("failed to marshal record: %v", err)
	}
	recPath := filepath.Join(specDir, registry.RecordFileName)
	if err := os.WriteFile(recPath, data, 0644); err != nil {
		t.Fatalf("failed to write record: %v", err)
	}
	if err := reg.AddProject("p1", project); err != nil {
		t.Fatalf("AddProject failed: %v", err)
	}

	bus := event.NewBus()
	r := &recorder{}
	bus.SubscribeAll(r.record)

	resolver := profile.NewResolver(nil, chains, profile.LocalSettings{}, nil)

	m := NewManager(nil, bus, resolver, &procenv.Composer{}, persist.NewGateway(reg, bus, nil), reg, Options{
		Interpreter:       "/bin/sh",
		GracePeriod:       100 * time.Millisecond,
		KillSafetyTimeout: 200 * time.Millisecond,
	})
	t.Cleanup(func() {
		m.KillAll()
		m.Wait()
	})

	return &fixture{manager: m, recorder: r, recPath: recPath}
}

func localChain(models ...string) []profile.ChainEntry {
	chain := make([]profile.ChainEntry, len(models))
	for i, model := range models {
		chain[i] = profile.ChainEntry{
			Ref:   profile.Ref{Kind: profile.KindLocal, ID: "local"},
			Model: model,
		}
	}
	return chain
}

func spec(args ...string) SpawnSpec {
	return SpawnSpec{
		ProjectID:   "p1",
		TaskID:      "task-1",
		Args:        append([]string{"-c"}, args...),
		ProcessType: "task",
	}
}

func diskStatus(t *testing.T, path string) phase.Status {
	t.Helper()
	rec, err := registry.ReadRecord(path)
	if err != nil {
		t.Fatalf("ReadRecord failed: %v", err)
	}
	return rec.Status
}

func TestManager_RunToCompletion(t *testing.T) {
	f := newFixture(t, &registry.Record{Title: "Demo", Status: phase.StatusPending}, localChain("m1"))

	_, err := f.manager.Spawn(context.Background(), spec(`printf '[PLAN] reading\n[CODE] writing\n[QA] checking\n[DONE] finished\n'`))
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}

	f.recorder.waitFor(t, 5*time.Second, "exit event", isType("task.exit"))
	f.recorder.waitFor(t, 5*time.Second, "completion notification", isType("notify.task_complete"))

	if got := diskStatus(t, f.recPath); got != phase.StatusCompleted {
		t.Errorf("on-disk status = %q, want completed", got)
	}

	// Progress sequence numbers must be strictly increasing per spawn.
	f.recorder.mu.Lock()
	var lastSeq uint64
	for _, ev := range f.recorder.events {
		pe, ok := ev.(event.ExecutionProgressEvent)
		if !ok || pe.Seq == 0 {
			continue
		}
		if pe.Seq <= lastSeq {
			t.Errorf("seq %d after %d is not strictly increasing", pe.Seq, lastSeq)
		}
		lastSeq = pe.Seq
		if pe.CurrentModel != "m1" {
			t.Errorf("CurrentModel = %q, want m1", pe.CurrentModel)
		}
	}
	f.recorder.mu.Unlock()

	if _, live := f.manager.Running("task-1"); live {
		t.Error("no worker should remain after a clean exit")
	}
}

func TestManager_RateLimitFallback(t *testing.T) {
	// First model hits a rate limit mid-stream and stalls; the manager must
	// kill it and respawn with the fallback model without waiting.
	script := `if [ "$ANTHROPIC_MODEL" = "m1" ]; then echo "Error 429: rate limit"; sleep 30; else printf '[DONE] finished\n'; fi`
	f := newFixture(t, &registry.Record{Status: phase.StatusPending}, localChain("m1", "m2"))

	_, err := f.manager.Spawn(context.Background(), spec(script))
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}

	sw := f.recorder.waitFor(t, 5*time.Second, "model switch", isType("task.model_switch")).(event.ModelSwitchEvent)
	if sw.FromModel != "m1" || sw.ToModel != "m2" || sw.ChainIndex != 1 {
		t.Errorf("switch = %+v, want m1 -> m2 at index 1", sw)
	}

	f.recorder.waitFor(t, 5*time.Second, "completion notification", isType("notify.task_complete"))
	if got := diskStatus(t, f.recPath); got != phase.StatusCompleted {
		t.Errorf("on-disk status = %q, want completed", got)
	}

	// The killed first spawn must not surface as a failure.
	f.recorder.none(t, "error event", isType("task.error"))

	pe := f.recorder.waitFor(t, time.Second, "progress with fallback model", func(ev event.Event) bool {
		p, ok := ev.(event.ExecutionProgressEvent)
		return ok && p.CurrentModel == "m2"
	}).(event.ExecutionProgressEvent)
	if pe.CurrentModel != "m2" {
		t.Errorf("CurrentModel = %q, want m2", pe.CurrentModel)
	}
}

func TestManager_ChainExhausted(t *testing.T) {
	f := newFixture(t, &registry.Record{Status: phase.StatusPending}, localChain("m1"))

	_, err := f.manager.Spawn(context.Background(), spec(`echo "quota exceeded"; sleep 30`))
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}

	ee := f.recorder.waitFor(t, 5*time.Second, "exhausted error", func(ev event.Event) bool {
		e, ok := ev.(event.ErrorEvent)
		return ok && e.Kind == event.ErrorExhausted
	}).(event.ErrorEvent)
	if ee.TaskID != "task-1" {
		t.Errorf("TaskID = %q", ee.TaskID)
	}

	f.recorder.waitFor(t, 5*time.Second, "failure notification", isType("notify.task_failed"))
	if got := diskStatus(t, f.recPath); got != phase.StatusFailed {
		t.Errorf("on-disk status = %q, want failed", got)
	}
}

func TestManager_AuthFailureNoRespawn(t *testing.T) {
	// An auth failure is never retried, even with fallback entries left.
	f := newFixture(t, &registry.Record{Status: phase.StatusPending}, localChain("m1", "m2"))

	_, err := f.manager.Spawn(context.Background(), spec(`echo "Invalid API key provided"; exit 1`))
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}

	ee := f.recorder.waitFor(t, 5*time.Second, "auth error", func(ev event.Event) bool {
		e, ok := ev.(event.ErrorEvent)
		return ok && e.Kind == event.ErrorAuth
	}).(event.ErrorEvent)
	if ee.TaskID != "task-1" {
		t.Errorf("TaskID = %q", ee.TaskID)
	}

	f.recorder.none(t, "model switch", isType("task.model_switch"))
	if _, live := f.manager.Running("task-1"); live {
		t.Error("auth failure must not respawn")
	}
	if got := diskStatus(t, f.recPath); got != phase.StatusFailed {
		t.Errorf("on-disk status = %q, want failed", got)
	}
}

func TestManager_GenericFailure(t *testing.T) {
	f := newFixture(t, &registry.Record{Status: phase.StatusPending}, localChain("m1"))

	_, err := f.manager.Spawn(context.Background(), spec(`echo "something broke"; exit 3`))
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}

	exit := f.recorder.waitFor(t, 5*time.Second, "exit event", isType("task.exit")).(event.ExitEvent)
	if exit.Code != 3 {
		t.Errorf("exit code = %d, want 3", exit.Code)
	}
	f.recorder.waitFor(t, 5*time.Second, "generic error", func(ev event.Event) bool {
		e, ok := ev.(event.ErrorEvent)
		return ok && e.Kind == event.ErrorGeneric
	})
	if got := diskStatus(t, f.recPath); got != phase.StatusFailed {
		t.Errorf("on-disk status = %q, want failed", got)
	}
}

func TestManager_SubtaskHeuristicAllCompleted(t *testing.T) {
	rec := &registry.Record{
		Title:  "Demo",
		Status: phase.StatusPending,
		Subtasks: []registry.Subtask{
			{Title: "one", Completed: true},
			{Title: "two", Completed: true},
		},
	}
	f := newFixture(t, rec, localChain("m1"))

	// Clean exit without a terminal marker: the heuristic takes over.
	_, err := f.manager.Spawn(context.Background(), spec(`printf '[PLAN] working\n'`))
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}

	f.recorder.waitFor(t, 5*time.Second, "review notification", isType("notify.review_needed"))
	if got := diskStatus(t, f.recPath); got != phase.StatusHumanReview {
		t.Errorf("on-disk status = %q, want human_review", got)
	}
}

func TestManager_SubtaskHeuristicNoSubtasks(t *testing.T) {
	f := newFixture(t, &registry.Record{Status: phase.StatusPending}, localChain("m1"))

	_, err := f.manager.Spawn(context.Background(), spec(`printf '[PLAN] working\n'`))
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}

	f.recorder.waitFor(t, 5*time.Second, "exit event", isType("task.exit"))
	f.recorder.none(t, "review notification", isType("notify.review_needed"))
	if got := diskStatus(t, f.recPath); got != phase.StatusPlanning {
		t.Errorf("on-disk status = %q, want planning (unchanged by heuristic)", got)
	}
}

func TestManager_PhaseChainGovernsFallback(t *testing.T) {
	// A rate limit during coding rotates through the coding chain, not the
	// chain the spawn started with.
	chains := map[phase.Phase][]profile.ChainEntry{
		phase.PhasePlanning: localChain("m1"),
		phase.PhaseCoding:   localChain("m1", "m2"),
	}
	f := newChainFixture(t, &registry.Record{Status: phase.StatusPending}, chains)

	script := `if [ "$ANTHROPIC_MODEL" = "m1" ]; then printf '[CODE] implementing\n'; echo "Error 429: rate limit"; sleep 30; else printf '[DONE] finished\n'; fi`
	if _, err := f.manager.Spawn(context.Background(), spec(script)); err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}

	sw := f.recorder.waitFor(t, 5*time.Second, "model switch", isType("task.model_switch")).(event.ModelSwitchEvent)
	if sw.FromModel != "m1" || sw.ToModel != "m2" || sw.ChainIndex != 1 {
		t.Errorf("switch = %+v, want m1 -> m2 at index 1 of the coding chain", sw)
	}

	f.recorder.waitFor(t, 5*time.Second, "completion notification", isType("notify.task_complete"))
	if got := diskStatus(t, f.recPath); got != phase.StatusCompleted {
		t.Errorf("on-disk status = %q, want completed", got)
	}
}

func TestManager_KillSuppressesRateLimitRespawn(t *testing.T) {
	// The dying worker prints a rate-limit line during teardown; an
	// explicitly killed spawn must never trigger a fallback respawn.
	f := newFixture(t, &registry.Record{Status: phase.StatusPending}, localChain("m1", "m2"))

	_, err := f.manager.Spawn(context.Background(), spec(`trap 'echo "Error 429: rate limit"; exit 1' TERM; sleep 30`))
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	time.Sleep(200 * time.Millisecond) // let the trap install

	if !f.manager.Kill("task-1") {
		t.Fatal("Kill should report true for a live worker")
	}
	time.Sleep(300 * time.Millisecond)

	f.recorder.none(t, "model switch", isType("task.model_switch"))
	f.recorder.none(t, "error event", isType("task.error"))
	if _, live := f.manager.Running("task-1"); live {
		t.Error("an explicitly killed task must not respawn")
	}
	if got := diskStatus(t, f.recPath); got != phase.StatusPending {
		t.Errorf("on-disk status = %q, want pending", got)
	}
}

func TestManager_ConcurrentSpawnsLeaveOneWorker(t *testing.T) {
	f := newFixture(t, &registry.Record{Status: phase.StatusPending}, localChain("m1"))

	const n = 4
	ids := make([]int64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, err := f.manager.Spawn(context.Background(), spec(`sleep 30`))
			if err != nil {
				t.Errorf("Spawn %d failed: %v", i, err)
				return
			}
			ids[i] = p.SpawnID
		}(i)
	}
	wg.Wait()

	id, live := f.manager.Running("task-1")
	if !live {
		t.Fatal("no live worker after concurrent spawns")
	}
	var max int64
	for _, sid := range ids {
		if sid > max {
			max = sid
		}
	}
	if id != max {
		t.Errorf("live spawn = %d, want the last started %d", id, max)
	}

	// Every superseded spawn was killed on replacement; none may surface
	// exit or error events.
	time.Sleep(300 * time.Millisecond)
	f.recorder.none(t, "exit event", isType("task.exit"))
	f.recorder.none(t, "error event", isType("task.error"))
}

func TestManager_KillSwallowsExit(t *testing.T) {
	f := newFixture(t, &registry.Record{Status: phase.StatusPending}, localChain("m1"))

	_, err := f.manager.Spawn(context.Background(), spec(`sleep 30`))
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}

	if !f.manager.Kill("task-1") {
		t.Fatal("Kill should report true for a live worker")
	}
	if f.manager.Kill("task-1") {
		t.Error("second Kill should report false")
	}

	// The killed spawn's exit must produce no events or status writes.
	time.Sleep(300 * time.Millisecond)
	f.recorder.none(t, "exit event", isType("task.exit"))
	f.recorder.none(t, "error event", isType("task.error"))
	if got := diskStatus(t, f.recPath); got != phase.StatusPending {
		t.Errorf("on-disk status = %q, want pending", got)
	}
}

func TestManager_SpawnReplacesLiveWorker(t *testing.T) {
	f := newFixture(t, &registry.Record{Status: phase.StatusPending}, localChain("m1"))

	first, err := f.manager.Spawn(context.Background(), spec(`sleep 30`))
	if err != nil {
		t.Fatalf("first Spawn failed: %v", err)
	}
	second, err := f.manager.Spawn(context.Background(), spec(`sleep 30`))
	if err != nil {
		t.Fatalf("second Spawn failed: %v", err)
	}
	if second.SpawnID <= first.SpawnID {
		t.Errorf("spawn IDs not monotonic: %d then %d", first.SpawnID, second.SpawnID)
	}

	id, live := f.manager.Running("task-1")
	if !live || id != second.SpawnID {
		t.Errorf("Running = (%d, %v), want the replacement spawn %d", id, live, second.SpawnID)
	}
}

func TestManager_KillAll(t *testing.T) {
	f := newFixture(t, &registry.Record{Status: phase.StatusPending}, localChain("m1"))

	if _, err := f.manager.Spawn(context.Background(), spec(`sleep 30`)); err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}

	f.manager.KillAll()
	if _, live := f.manager.Running("task-1"); live {
		t.Error("KillAll left a live worker")
	}
}
