package scheduler

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// completedDir records a finished run's working directory, eligible for
// purging once the disk budget is exceeded.
type completedDir struct {
	runID      string
	path       string
	finishedAt time.Time
}

// WorkdirManager owns the worker's scratch space: one directory per run
// under a common root, bounded in total size. Active runs' directories are
// never purged; completed ones go oldest-first. All methods are called from
// the scheduler loop only.
type WorkdirManager struct {
	root     string
	maxBytes int64 // 0 disables enforcement (shared-filesystem mode)
	logger   *slog.Logger

	active    map[string]string // runID → path
	completed []completedDir    // ordered by completion time
}

// NewWorkdirManager creates the manager and its root directory. maxBytes of
// 0 disables purging entirely.
func NewWorkdirManager(root string, maxBytes int64, logger *slog.Logger) (*WorkdirManager, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create work dir root: %w", err)
	}
	return &WorkdirManager{
		root:     root,
		maxBytes: maxBytes,
		logger:   logger,
		active:   make(map[string]string),
	}, nil
}

// Create makes the working directory for a run and marks it active.
func (m *WorkdirManager) Create(runID string) (string, error) {
	path := filepath.Join(m.root, runID)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", fmt.Errorf("create run work dir: %w", err)
	}
	m.active[runID] = path
	return path, nil
}

// Completed marks a run's directory as no longer active. It stays on disk
// (the coordinator may still fetch artifacts) until the budget forces it out.
func (m *WorkdirManager) Completed(runID string, at time.Time) {
	path, ok := m.active[runID]
	if !ok {
		return
	}
	delete(m.active, runID)
	m.completed = append(m.completed, completedDir{runID: runID, path: path, finishedAt: at})
	sort.Slice(m.completed, func(i, j int) bool {
		return m.completed[i].finishedAt.Before(m.completed[j].finishedAt)
	})
}

// Enforce purges completed directories, oldest completion first, until the
// total size of all run directories fits the budget or only active
// directories remain.
func (m *WorkdirManager) Enforce() {
	if m.maxBytes == 0 {
		return
	}

	total := m.totalSize()
	for total > m.maxBytes && len(m.completed) > 0 {
		victim := m.completed[0]
		m.completed = m.completed[1:]

		size := dirSize(victim.path)
		if err := os.RemoveAll(victim.path); err != nil {
			m.logger.Warn("purge run work dir failed", "run_id", victim.runID, "error", err)
			continue
		}
		total -= size
		m.logger.Info("purged run work dir", "run_id", victim.runID, "freed_bytes", size)
	}

	if total > m.maxBytes {
		m.logger.Warn("work dir over budget, all remaining directories belong to active runs",
			"total_bytes", total, "max_bytes", m.maxBytes)
	}
}

// totalSize walks every run directory under the root.
func (m *WorkdirManager) totalSize() int64 {
	var total int64
	total += sumDirs(m.active)
	for _, c := range m.completed {
		total += dirSize(c.path)
	}
	return total
}

func sumDirs(dirs map[string]string) int64 {
	var total int64
	for _, path := range dirs {
		total += dirSize(path)
	}
	return total
}

func dirSize(root string) int64 {
	var size int64
	_ = filepath.WalkDir(root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, err := d.Info(); err == nil {
			size += info.Size()
		}
		return nil
	})
	return size
}
