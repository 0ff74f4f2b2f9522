package backend

import (
	"context"
	"errors"
	"fmt"

	"github.com/seantiz/crucible/internal/model"
	"github.com/seantiz/crucible/internal/resource"
)

// Handle is an opaque backend-specific execution reference: a container id
// for the local backend, a batch job id for the remote one. It is
// correlated 1:1 with a run for the run's active lifetime.
type Handle string

// Result states reported by Poll.
const (
	StateRunning   = "running"
	StateSucceeded = "succeeded"
	StateFailed    = "failed"
)

// Result is the three-way answer to a Poll.
type Result struct {
	State    string
	ExitCode int    // meaningful when State is StateSucceeded or StateFailed
	Reason   string // human-readable failure reason, set when StateFailed
}

// StartSpec is everything a backend needs to begin one execution.
type StartSpec struct {
	Run model.RunSpec

	// Resources is the locally reserved allocation. Empty for backends
	// that delegate partitioning (LocalResources false).
	Resources resource.Allocation

	// WorkDir is the run's working directory on the worker host.
	WorkDir string

	// OutputWriter, when non-nil, receives output lines as the execution
	// produces them.
	OutputWriter func(line string)
}

// Capabilities describes a backend variant.
type Capabilities struct {
	// Name identifies the backend in logs and status output.
	Name string
	// LocalResources reports whether runs on this backend consume the
	// worker's own CPU/GPU pool. When false, partitioning is delegated to
	// the backend's own scheduler and the local pool is bypassed.
	LocalResources bool
}

// Backend starts, observes, and tears down one execution per run. All
// methods may be called concurrently from dispatch goroutines; resulting
// state changes are applied on the scheduler loop.
type Backend interface {
	// Start begins an execution and returns its handle. Failures are
	// classified via StartError so the scheduler can decide between
	// retrying, failing the run, and degrading the worker.
	Start(ctx context.Context, spec StartSpec) (Handle, error)

	// Poll reports the execution's current state. Transient errors (marked
	// via Transient) are retried by the scheduler with backoff instead of
	// failing the run.
	Poll(ctx context.Context, h Handle) (Result, error)

	// Cancel requests termination, best effort. It must not block
	// indefinitely; it is used for explicit cancellation and for shutdown
	// draining.
	Cancel(ctx context.Context, h Handle) error

	// Cleanup releases backend-side resources for the handle. Idempotent.
	Cleanup(ctx context.Context, h Handle) error

	// Capabilities reports the variant's name and resource model.
	Capabilities() Capabilities
}

// StartErrorKind classifies why a Start failed.
type StartErrorKind int

const (
	// KindImagePull means the image could not be fetched; retryable on a
	// fresh attempt.
	KindImagePull StartErrorKind = iota
	// KindResourceRejected means the runtime refused the resource
	// constraints; not retryable without re-partitioning.
	KindResourceRejected
	// KindRuntimeUnavailable means the runtime itself is unreachable;
	// escalated as worker-level degradation rather than per-run failure.
	KindRuntimeUnavailable
)

// StartError wraps a Start failure with its classification.
type StartError struct {
	Kind StartErrorKind
	Err  error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("start execution: %v", e.Err)
}

func (e *StartError) Unwrap() error { return e.Err }

// StartKind extracts the classification from a Start error, defaulting to
// KindResourceRejected (run-scoped, non-retryable) for unclassified errors.
func StartKind(err error) StartErrorKind {
	var se *StartError
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindResourceRejected
}

// transientError marks errors the scheduler should retry with backoff.
type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }

func (e *transientError) Unwrap() error { return e.err }

// MarkTransient wraps err so that Transient reports true for it.
func MarkTransient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// Transient reports whether err was marked retryable by a backend.
func Transient(err error) bool {
	var te *transientError
	return errors.As(err, &te)
}
