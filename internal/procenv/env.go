// Package procenv builds the process environment for worker spawns and
// locates the worker interpreter. The merge order is fixed: OS/tool-path
// environment, then explicit per-spawn extras, then resolved credential
// variables; later sources win.
package procenv

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/autoclaude/autoclaude/internal/errors"
)

// toolDirs are common tool locations appended to PATH so workers launched
// from GUI contexts (no shell profile) still find their toolchains.
var toolDirs = []string{
	"/usr/local/bin",
	"/opt/homebrew/bin",
}

// interpreterCandidates are tried in order when locating the worker
// interpreter.
var interpreterCandidates = []string{"python3", "python"}

// Composer builds spawn environments. ExtraBin holds additional PATH
// directories from configuration.
type Composer struct {
	ExtraBin []string
}

// Augmented returns the OS environment with PATH extended by the standard
// tool directories, the user's ~/.local/bin, and any configured extras.
// Directories already on PATH are not duplicated.
func (c *Composer) Augmented() []string {
	env := os.Environ()

	var dirs []string
	if home, err := os.UserHomeDir(); err == nil {
		dirs = append(dirs, filepath.Join(home, ".local", "bin"))
	}
	dirs = append(dirs, toolDirs...)
	dirs = append(dirs, c.ExtraBin...)

	for i, kv := range env {
		if !strings.HasPrefix(kv, "PATH=") {
			continue
		}
		path := strings.TrimPrefix(kv, "PATH=")
		existing := make(map[string]bool)
		for _, p := range filepath.SplitList(path) {
			existing[p] = true
		}
		for _, d := range dirs {
			if !existing[d] {
				path += string(os.PathListSeparator) + d
			}
		}
		env[i] = "PATH=" + path
		return env
	}

	return append(env, "PATH="+strings.Join(dirs, string(os.PathListSeparator)))
}

// Compose merges the augmented OS environment with per-spawn extras and
// resolved credential variables. Later sources override earlier ones.
// The result is sorted for deterministic spawns.
func (c *Composer) Compose(extra, cred map[string]string) []string {
	merged := make(map[string]string)

	for _, kv := range c.Augmented() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			merged[k] = v
		}
	}
	for k, v := range extra {
		merged[k] = v
	}
	for k, v := range cred {
		merged[k] = v
	}

	out := make([]string, 0, len(merged))
	for k, v := range merged {
		out = append(out, fmt.Sprintf("%s=%s", k, v))
	}
	sort.Strings(out)
	return out
}

// LocateInterpreter finds the worker interpreter on the augmented PATH.
// It returns errors.ErrNoWorkerInterpreter if no candidate resolves.
func (c *Composer) LocateInterpreter() (string, error) {
	// Check configured and standard tool directories first: they may hold
	// a newer interpreter than the ambient PATH.
	var dirs []string
	dirs = append(dirs, c.ExtraBin...)
	if home, err := os.UserHomeDir(); err == nil {
		dirs = append(dirs, filepath.Join(home, ".local", "bin"))
	}
	dirs = append(dirs, toolDirs...)

	for _, cand := range interpreterCandidates {
		for _, d := range dirs {
			p := filepath.Join(d, cand)
			if info, err := os.Stat(p); err == nil && !info.IsDir() && info.Mode()&0111 != 0 {
				return p, nil
			}
		}
		if p, err := exec.LookPath(cand); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("tried %v: %w", interpreterCandidates, errors.ErrNoWorkerInterpreter)
}
