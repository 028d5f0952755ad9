// Package persist is the single write path for durable task records.
// Every status change flows through Gateway.Persist, which holds a
// cross-process file lock, rejects regressions against the on-disk state,
// debounces repeat writes, and renames updated records into place
// atomically.
package persist

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/autoclaude/autoclaude/internal/errors"
	"github.com/autoclaude/autoclaude/internal/event"
	"github.com/autoclaude/autoclaude/internal/logging"
	"github.com/autoclaude/autoclaude/internal/phase"
	"github.com/autoclaude/autoclaude/internal/registry"
)

// lockWaitTimeout bounds how long a write waits out contention with an
// external reporter before giving up with ErrRecordLocked.
const lockWaitTimeout = 500 * time.Millisecond

// Gateway serializes status writes for all tasks. It is safe for
// concurrent use.
type Gateway struct {
	mu     sync.Mutex
	reg    *registry.Registry
	bus    *event.Bus
	logger *logging.Logger
	last   map[string]phase.Status // task key -> last persisted status
}

// NewGateway creates a Gateway. The bus may be nil; status change events
// are then not published.
func NewGateway(reg *registry.Registry, bus *event.Bus, logger *logging.Logger) *Gateway {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Gateway{
		reg:    reg,
		bus:    bus,
		logger: logger,
		last:   make(map[string]phase.Status),
	}
}

// Persist writes a task's status to its durable record. It reports whether
// a write actually happened: repeat writes of the current status are
// debounced, and writes that would regress the on-disk status are rejected
// with errors.ErrStaleStatus. A write that lands in the primary record is
// also mirrored into the task's worktree when one exists; mirror failures
// are logged but never fail the write.
func (g *Gateway) Persist(projectID, taskID string, status phase.Status) (bool, error) {
	key := projectID + "/" + taskID

	g.mu.Lock()
	if cached, ok := g.last[key]; ok && cached == status {
		g.mu.Unlock()
		return false, nil
	}
	g.mu.Unlock()

	path, err := g.reg.RecordPath(projectID, taskID)
	if err != nil {
		return false, err
	}
	specDir := filepath.Dir(path)

	lock := NewRecordLock(specDir)
	acquired, err := lock.LockWithTimeout(lockWaitTimeout)
	if err != nil {
		return false, errors.NewPersistError("acquire record lock", err).WithPath(path)
	}
	if !acquired {
		return false, errors.NewPersistError("record held by another writer", errors.ErrRecordLocked).WithPath(path)
	}
	defer func() { _ = lock.Unlock() }()

	rec, err := registry.ReadRecord(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return false, errors.NewPersistError("read record", err).WithPath(path)
		}
		rec = &registry.Record{Status: phase.StatusPending}
	}

	if rec.Status == status {
		g.remember(key, status)
		return false, nil
	}
	if !phase.CanTransition(rec.Status, status) {
		g.logger.Warn("rejected stale status write",
			"task_id", taskID,
			"on_disk", string(rec.Status),
			"attempted", string(status))
		return false, fmt.Errorf("%s -> %s: %w", rec.Status, status, errors.ErrStaleStatus)
	}

	now := time.Now().UTC()
	rec.Status = status
	rec.UpdatedAt = now
	rec.PhaseHistory = append(rec.PhaseHistory, registry.PhaseEntry{Status: status, At: now})

	if err := writeAtomic(path, rec); err != nil {
		return false, errors.NewPersistError("write record", err).WithPath(path)
	}
	g.mirror(projectID, taskID, rec)
	g.remember(key, status)
	g.reg.InvalidateCache(projectID)

	if g.bus != nil {
		g.bus.Publish(event.NewStatusChangeEvent(taskID, string(status)))
	}
	g.logger.Info("status persisted",
		"task_id", taskID,
		"status", string(status))
	return true, nil
}

// Forget drops the debounce entry for a task, forcing the next Persist to
// consult the on-disk record. Used when a new run starts for the task.
func (g *Gateway) Forget(projectID, taskID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.last, projectID+"/"+taskID)
}

func (g *Gateway) remember(key string, status phase.Status) {
	g.mu.Lock()
	g.last[key] = status
	g.mu.Unlock()
}

// mirror copies the record into the task's worktree spec directory so
// tools running inside the isolated workspace see current status.
func (g *Gateway) mirror(projectID, taskID string, rec *registry.Record) {
	mirrorPath, ok := g.reg.WorktreeRecordPath(projectID, taskID)
	if !ok {
		return
	}
	if err := os.MkdirAll(filepath.Dir(mirrorPath), 0755); err != nil {
		g.logger.Warn("failed to create worktree mirror dir",
			"task_id", taskID, "error", err.Error())
		return
	}
	if err := writeAtomic(mirrorPath, rec); err != nil {
		g.logger.Warn("failed to mirror record to worktree",
			"task_id", taskID, "error", err.Error())
	}
}

// writeAtomic writes the record to a temporary file and renames it into
// place so readers never observe a partial record.
func writeAtomic(target string, rec *registry.Record) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		_ = os.Remove(tmp) // best-effort cleanup
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
