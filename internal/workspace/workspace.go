// Package workspace hands each conversion job a private scratch directory and
// guarantees it is removed exactly once.
package workspace

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"acsmconv/internal/logging"
)

// Prefix starts every workspace directory name.
const Prefix = "job-"

// Manager creates and tracks job workspaces under a root directory.
type Manager struct {
	root   string
	logger *slog.Logger

	mu   sync.Mutex
	live map[string]*Workspace
}

// Workspace is one job's scratch directory.
type Workspace struct {
	JobID   string
	Root    string
	Created time.Time

	manager *Manager
	once    sync.Once
	err     error
}

// LiveWorkspace describes a workspace currently held by a job.
type LiveWorkspace struct {
	JobID   string    `json:"job_id"`
	Path    string    `json:"path"`
	Created time.Time `json:"created"`
}

// NewManager ensures root exists and returns a Manager for it.
func NewManager(root string, logger *slog.Logger) (*Manager, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, errors.New("workspace root required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}
	return &Manager{
		root:   root,
		logger: logging.NewComponentLogger(logger, "workspace"),
		live:   make(map[string]*Workspace),
	}, nil
}

// Root returns the directory workspaces are created in.
func (m *Manager) Root() string {
	return m.root
}

// Acquire creates a fresh, empty directory for jobID. The random suffix from
// os.MkdirTemp means a path is never reused, even for a retried job id.
func (m *Manager) Acquire(jobID string) (*Workspace, error) {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" || strings.ContainsAny(jobID, `/\`) || jobID == "." || jobID == ".." {
		return nil, fmt.Errorf("invalid job id %q", jobID)
	}
	dir, err := os.MkdirTemp(m.root, Prefix+jobID+"-")
	if err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	ws := &Workspace{JobID: jobID, Root: dir, Created: time.Now(), manager: m}

	m.mu.Lock()
	m.live[dir] = ws
	m.mu.Unlock()

	m.logger.Debug("workspace acquired", logging.String(logging.FieldJobID, jobID), logging.String("workspace_dir", dir))
	return ws, nil
}

// Release removes ws. It is safe to call more than once.
func (m *Manager) Release(ws *Workspace) error {
	if ws == nil {
		return nil
	}
	return ws.Release()
}

// Live lists workspaces that have been acquired and not yet released, oldest first.
func (m *Manager) Live() []LiveWorkspace {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]LiveWorkspace, 0, len(m.live))
	for _, ws := range m.live {
		out = append(out, LiveWorkspace{JobID: ws.JobID, Path: ws.Root, Created: ws.Created})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Created.Before(out[j].Created) })
	return out
}

func (m *Manager) isLive(path string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.live[path]
	return ok
}

// Path joins parts under the workspace root.
func (w *Workspace) Path(parts ...string) string {
	return filepath.Join(append([]string{w.Root}, parts...)...)
}

// Dir returns a subdirectory of the workspace, creating it on first use.
func (w *Workspace) Dir(name string) (string, error) {
	dir := w.Path(name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create workspace subdirectory %s: %w", name, err)
	}
	return dir, nil
}

// Release removes the workspace directory. Only the first call does work;
// later calls return the first result.
func (w *Workspace) Release() error {
	w.once.Do(func() {
		w.err = os.RemoveAll(w.Root)
		if w.manager == nil {
			return
		}
		w.manager.mu.Lock()
		delete(w.manager.live, w.Root)
		w.manager.mu.Unlock()
		if w.err != nil {
			logging.WarnWithContext(w.manager.logger, "workspace removal failed", "workspace_cleanup_failed",
				logging.String(logging.FieldJobID, w.JobID),
				logging.String("workspace_dir", w.Root),
				logging.Error(w.err),
				logging.String(logging.FieldErrorHint, "check workspace_dir permissions"),
				logging.String(logging.FieldImpact, "disk space not reclaimed until the stale sweep"),
			)
			return
		}
		w.manager.logger.Debug("workspace released", logging.String(logging.FieldJobID, w.JobID))
	})
	return w.err
}
