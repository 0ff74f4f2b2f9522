// Package imagecache tracks locally cached container images and keeps their
// total size under a configured budget by evicting the least recently used
// unpinned entries.
package imagecache

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Runtime is the narrow slice of a container runtime the cache needs.
// The Docker backend satisfies it with the Engine API client.
type Runtime interface {
	// PullImage fetches the image from its registry.
	PullImage(ctx context.Context, ref string) error
	// InspectImage reports the image's on-disk size, or exists=false when
	// the image is not present locally.
	InspectImage(ctx context.Context, ref string) (size int64, exists bool, err error)
	// RemoveImage deletes the local copy of the image.
	RemoveImage(ctx context.Context, ref string) error
}

// PullError wraps a failed image pull. The scheduler treats it as a
// run-level failure, not a cache failure.
type PullError struct {
	Ref string
	Err error
}

func (e *PullError) Error() string {
	return fmt.Sprintf("pull image %s: %v", e.Ref, e.Err)
}

func (e *PullError) Unwrap() error { return e.Err }

// CachedImage is a snapshot of one cache entry.
type CachedImage struct {
	Ref       string    `json:"ref"`
	SizeBytes int64     `json:"size_bytes"`
	LastUsed  time.Time `json:"last_used"`
	Refs      int       `json:"refs"`
}

type entry struct {
	size     int64
	lastUsed time.Time
	refs     int
}

// Manager is the image cache. It is safe for concurrent use; pulls release
// the lock so one slow registry does not stall unrelated lookups.
type Manager struct {
	runtime  Runtime
	maxBytes int64 // 0 disables eviction
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
	pulls   map[string]chan struct{} // in-flight pulls, closed on completion
}

// NewManager creates a cache over the given runtime. maxBytes of 0 disables
// eviction entirely; bookkeeping (reference counts, pull-skip) still runs.
func NewManager(rt Runtime, maxBytes int64, logger *slog.Logger) *Manager {
	return &Manager{
		runtime:  rt,
		maxBytes: maxBytes,
		logger:   logger,
		now:      time.Now,
		entries:  make(map[string]*entry),
		pulls:    make(map[string]chan struct{}),
	}
}

// EnsureAvailable makes the image locally present, pulling it if absent,
// then pins it with one reference and refreshes its last-used time. Every
// successful call must be paired with exactly one ReleaseReference.
func (m *Manager) EnsureAvailable(ctx context.Context, ref string, sizeHint int64) (CachedImage, error) {
	for {
		m.mu.Lock()
		if e, ok := m.entries[ref]; ok {
			e.refs++
			e.lastUsed = m.now()
			img := CachedImage{Ref: ref, SizeBytes: e.size, LastUsed: e.lastUsed, Refs: e.refs}
			m.mu.Unlock()
			return img, nil
		}
		if waiting, ok := m.pulls[ref]; ok {
			m.mu.Unlock()
			select {
			case <-waiting:
			case <-ctx.Done():
				return CachedImage{}, ctx.Err()
			}
			continue // entry present now, or the pull failed and we retry it
		}
		done := make(chan struct{})
		m.pulls[ref] = done
		m.mu.Unlock()

		img, err := m.materialize(ctx, ref, sizeHint)

		m.mu.Lock()
		delete(m.pulls, ref)
		close(done)
		m.mu.Unlock()
		return img, err
	}
}

// materialize pulls the image if needed and installs its cache entry with
// one reference. Called without the lock held.
func (m *Manager) materialize(ctx context.Context, ref string, sizeHint int64) (CachedImage, error) {
	size, exists, err := m.runtime.InspectImage(ctx, ref)
	if err != nil {
		return CachedImage{}, fmt.Errorf("inspect image %s: %w", ref, err)
	}
	if !exists {
		if err := m.runtime.PullImage(ctx, ref); err != nil {
			return CachedImage{}, &PullError{Ref: ref, Err: err}
		}
		size, exists, err = m.runtime.InspectImage(ctx, ref)
		if err != nil || !exists {
			// Fall back to the declared hint rather than failing a run over
			// bookkeeping.
			size = sizeHint
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	e := &entry{size: size, lastUsed: m.now(), refs: 1}
	m.entries[ref] = e
	return CachedImage{Ref: ref, SizeBytes: e.size, LastUsed: e.lastUsed, Refs: e.refs}, nil
}

// ReleaseReference unpins one reference on the image and refreshes its
// last-used time, making it an eviction candidate once unreferenced.
func (m *Manager) ReleaseReference(ref string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[ref]
	if !ok || e.refs == 0 {
		m.logger.Warn("release of unreferenced image", "image", ref)
		return
	}
	e.refs--
	e.lastUsed = m.now()
}

// EvictIfOverBudget removes least-recently-used unpinned images one at a
// time until the total size fits the budget or nothing evictable remains.
// Returns the evicted refs. When every remaining entry is pinned the cache
// may stay over budget; that is a soft condition reported by the second
// return value, since pinned images belong to runs in progress.
func (m *Manager) EvictIfOverBudget(ctx context.Context) (evicted []string, overBudget bool) {
	if m.maxBytes == 0 {
		return nil, false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	skipped := make(map[string]bool) // removal failed this round
	for m.totalLocked() > m.maxBytes {
		victim := ""
		var oldest time.Time
		for ref, e := range m.entries {
			if e.refs > 0 || skipped[ref] {
				continue
			}
			if victim == "" || e.lastUsed.Before(oldest) {
				victim = ref
				oldest = e.lastUsed
			}
		}
		if victim == "" {
			return evicted, true
		}

		// Take the entry out and leave an in-flight marker before releasing
		// the lock for the runtime call, so a concurrent EnsureAvailable for
		// the victim waits and re-materializes instead of pinning an image
		// that is being removed.
		e := m.entries[victim]
		delete(m.entries, victim)
		done := make(chan struct{})
		m.pulls[victim] = done

		m.mu.Unlock()
		err := m.runtime.RemoveImage(ctx, victim)
		m.mu.Lock()

		delete(m.pulls, victim)
		close(done)

		if err != nil {
			m.logger.Warn("image eviction failed", "image", victim, "error", err)
			m.entries[victim] = e
			skipped[victim] = true
			continue
		}
		evicted = append(evicted, victim)
		m.logger.Info("evicted image", "image", victim, "size_bytes", e.size)
	}
	return evicted, false
}

// TotalBytes returns the summed size of all cached entries.
func (m *Manager) TotalBytes() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.totalLocked()
}

func (m *Manager) totalLocked() int64 {
	var total int64
	for _, e := range m.entries {
		total += e.size
	}
	return total
}

// Snapshot returns a copy of every cache entry for status reporting.
func (m *Manager) Snapshot() []CachedImage {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]CachedImage, 0, len(m.entries))
	for ref, e := range m.entries {
		out = append(out, CachedImage{Ref: ref, SizeBytes: e.size, LastUsed: e.lastUsed, Refs: e.refs})
	}
	return out
}
