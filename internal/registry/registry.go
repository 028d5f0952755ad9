// Package registry enumerates projects and tasks and resolves the on-disk
// paths of their durable status records. A per-project task cache is
// invalidated either explicitly or by an fsnotify watcher when external
// progress reporters edit records behind the orchestrator's back.
package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/autoclaude/autoclaude/internal/errors"
	"github.com/autoclaude/autoclaude/internal/logging"
	"github.com/autoclaude/autoclaude/internal/phase"
)

// Project is a registered project root.
type Project struct {
	ID   string
	Path string
}

// Task is the registry's view of one task.
type Task struct {
	ID        string
	Title     string
	Status    phase.Status
	Subtasks  []Subtask
	UpdatedAt time.Time
	SpecDir   string
}

// Registry tracks registered projects and caches their task listings.
// All methods are safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	logger   *logging.Logger
	projects map[string]string // project ID -> root path
	cache    map[string][]Task // project ID -> cached tasks
	watcher  *fsnotify.Watcher
	done     chan struct{}
}

// NewRegistry creates a Registry with a running change watcher.
// Call Close to release the watcher.
func NewRegistry(logger *logging.Logger) (*Registry, error) {
	if logger == nil {
		logger = logging.NopLogger()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}

	r := &Registry{
		logger:   logger,
		projects: make(map[string]string),
		cache:    make(map[string][]Task),
		watcher:  watcher,
		done:     make(chan struct{}),
	}
	go r.watchLoop()
	return r, nil
}

// AddProject registers a project root and watches its specs directory.
// The specs directory is created if missing so the watch can attach.
func (r *Registry) AddProject(id, path string) error {
	specs := filepath.Join(path, AutoClaudeDirName, SpecsDirName)
	if err := os.MkdirAll(specs, 0755); err != nil {
		return fmt.Errorf("create specs dir: %w", err)
	}

	r.mu.Lock()
	r.projects[id] = path
	delete(r.cache, id)
	r.mu.Unlock()

	if err := r.watcher.Add(specs); err != nil {
		// The registry still works without the watch; reads fall back to
		// explicit invalidation.
		r.logger.Warn("failed to watch specs dir", "project", id, "error", err.Error())
	}
	return nil
}

// ListProjects returns registered projects sorted by ID.
func (r *Registry) ListProjects() []Project {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Project, 0, len(r.projects))
	for id, path := range r.projects {
		out = append(out, Project{ID: id, Path: path})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Tasks returns the task listing for a project, serving from cache when
// the cache is warm.
func (r *Registry) Tasks(projectID string) ([]Task, error) {
	r.mu.RLock()
	path, ok := r.projects[projectID]
	cached, warm := r.cache[projectID]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%q: %w", projectID, errors.ErrProjectNotFound)
	}
	if warm {
		return cached, nil
	}

	tasks, err := r.scanTasks(path)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.cache[projectID] = tasks
	r.mu.Unlock()
	return tasks, nil
}

// InvalidateCache drops the cached task listing for a project.
func (r *Registry) InvalidateCache(projectID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cache, projectID)
}

// RecordPath returns the durable record path for a task in its primary
// project location. The task's spec directory must exist.
func (r *Registry) RecordPath(projectID, taskID string) (string, error) {
	r.mu.RLock()
	path, ok := r.projects[projectID]
	r.mu.RUnlock()

	if !ok {
		return "", fmt.Errorf("%q: %w", projectID, errors.ErrProjectNotFound)
	}
	specDir := filepath.Join(path, AutoClaudeDirName, SpecsDirName, taskID)
	if _, err := os.Stat(specDir); err != nil {
		return "", fmt.Errorf("%q: %w", taskID, errors.ErrTaskNotFound)
	}
	return filepath.Join(specDir, RecordFileName), nil
}

// WorktreeRecordPath returns the mirror record path inside the task's
// isolated workspace, and whether such a workspace exists.
func (r *Registry) WorktreeRecordPath(projectID, taskID string) (string, bool) {
	r.mu.RLock()
	path, ok := r.projects[projectID]
	r.mu.RUnlock()

	if !ok {
		return "", false
	}
	worktree := filepath.Join(path, WorktreesDirName, taskID)
	if info, err := os.Stat(worktree); err != nil || !info.IsDir() {
		return "", false
	}
	return filepath.Join(worktree, AutoClaudeDirName, SpecsDirName, taskID, RecordFileName), true
}

// Close stops the change watcher.
func (r *Registry) Close() error {
	close(r.done)
	return r.watcher.Close()
}

// scanTasks reads every spec directory under the project's specs root.
// Directories without a record file are skipped: they are tasks that have
// not been planned yet.
func (r *Registry) scanTasks(projectPath string) ([]Task, error) {
	specs := filepath.Join(projectPath, AutoClaudeDirName, SpecsDirName)
	entries, err := os.ReadDir(specs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read specs dir: %w", err)
	}

	var tasks []Task
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		specDir := filepath.Join(specs, entry.Name())
		rec, err := ReadRecord(filepath.Join(specDir, RecordFileName))
		if err != nil {
			if !os.IsNotExist(err) {
				r.logger.Warn("skipping unreadable record",
					"task_id", entry.Name(),
					"error", err.Error())
			}
			continue
		}

		title := rec.Title
		if title == "" {
			title = entry.Name()
		}
		tasks = append(tasks, Task{
			ID:        entry.Name(),
			Title:     title,
			Status:    rec.Status,
			Subtasks:  rec.Subtasks,
			UpdatedAt: rec.UpdatedAt,
			SpecDir:   specDir,
		})
	}

	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })
	return tasks, nil
}

// watchLoop invalidates project caches when their specs dirs change.
func (r *Registry) watchLoop() {
	for {
		select {
		case <-r.done:
			return
		case ev, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if id := r.projectForPath(ev.Name); id != "" {
				r.InvalidateCache(id)
				r.logger.Debug("cache invalidated by external change",
					"project", id, "path", ev.Name)
			}
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			r.logger.Warn("watcher error", "error", err.Error())
		}
	}
}

// projectForPath finds the registered project whose tree contains path.
func (r *Registry) projectForPath(path string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for id, root := range r.projects {
		if strings.HasPrefix(path, root+string(os.PathSeparator)) || path == root {
			return id
		}
	}
	return ""
}
