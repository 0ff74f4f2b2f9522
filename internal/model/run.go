package model

import (
	"encoding/json"
	"time"
)

// Run status constants. A run moves strictly forward through these stages;
// failures at any stage still pass through finalizing and reported so that
// resources are released and the coordinator hears a final answer.
const (
	StatusPending    = "pending"
	StatusReserved   = "reserved"
	StatusStarting   = "starting"
	StatusRunning    = "running"
	StatusFinalizing = "finalizing"
	StatusReported   = "reported"
)

// Run outcome constants, meaningful once a run reaches finalizing.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"

	// OutcomeUnconfirmed marks a run that was still in flight when the
	// drain grace period expired. The execution may well have succeeded;
	// the worker just never confirmed it with the coordinator.
	OutcomeUnconfirmed = "unconfirmed"
)

// validTransitions maps each status to the set of statuses it may move to.
// Finalizing is reachable from every non-terminal stage because any stage
// can fail.
var validTransitions = map[string]map[string]bool{
	StatusPending: {
		StatusReserved:   true,
		StatusStarting:   true,
		StatusFinalizing: true,
	},
	StatusReserved: {
		StatusStarting:   true,
		StatusFinalizing: true,
	},
	StatusStarting: {
		StatusRunning:    true,
		StatusFinalizing: true,
		// A retryable start failure (image pull, runtime hiccup) sends the
		// run back to pending for a fresh attempt.
		StatusPending: true,
	},
	StatusRunning: {
		StatusFinalizing: true,
	},
	StatusFinalizing: {
		StatusReported: true,
	},
}

// ValidTransition reports whether moving a run from one status to another
// is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// TerminalStatus reports whether a status is terminal for the worker.
func TerminalStatus(status string) bool {
	return status == StatusReported
}

// Dependency names one parent bundle mounted into a run's working directory.
type Dependency struct {
	ParentUUID string `json:"parent_uuid"`
	ParentPath string `json:"parent_path"`
	ChildPath  string `json:"child_path"`
}

// Resources is the resource shape a run declares up front.
type Resources struct {
	CPUs      int   `json:"cpus"`
	GPUs      int   `json:"gpus"`
	MemoryMB  int64 `json:"memory_mb,omitempty"`
	DiskBytes int64 `json:"disk_bytes,omitempty"`
}

// RunSpec is the immutable description of a run as assigned by the
// coordinator. It never changes after admission.
type RunSpec struct {
	BundleUUID    string       `json:"bundle_uuid"`
	Command       []string     `json:"command"`
	Image         string       `json:"image"`
	ImageSizeHint int64        `json:"image_size_hint,omitempty"`
	Resources     Resources    `json:"resources"`
	Dependencies  []Dependency `json:"dependencies,omitempty"`
}

// SerializedDependencyLength returns the length in bytes of the JSON
// encoding of the spec's dependency list. Admission rejects specs whose
// dependency metadata exceeds the configured maximum.
func (s RunSpec) SerializedDependencyLength() int {
	if len(s.Dependencies) == 0 {
		return 0
	}
	b, err := json.Marshal(s.Dependencies)
	if err != nil {
		return 0
	}
	return len(b)
}

// Run is one unit of work owned exclusively by the scheduler loop for its
// whole lifetime. The spec is immutable; everything else is mutated only on
// the scheduling loop.
type Run struct {
	ID   string  `json:"id"`
	Spec RunSpec `json:"spec"`

	Status  string `json:"status"`
	Outcome string `json:"outcome,omitempty"`

	// CPUSet and GPUSet are the identifier sets reserved from the local
	// pool. Empty for runs dispatched to a remote batch backend.
	CPUSet []int `json:"cpu_set,omitempty"`
	GPUSet []int `json:"gpu_set,omitempty"`

	// Handle is the backend-specific execution reference (container id or
	// batch job id), valid from starting until cleanup.
	Handle string `json:"handle,omitempty"`

	ExitCode      *int   `json:"exit_code,omitempty"`
	FailureReason string `json:"failure_reason,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	LastPollAt *time.Time `json:"last_poll_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	ReportedAt *time.Time `json:"reported_at,omitempty"`
}

// OutputLine is a single persisted line of run output.
type OutputLine struct {
	ID        int64     `json:"id"`
	RunID     string    `json:"run_id"`
	Seq       int       `json:"seq"`
	Line      string    `json:"line"`
	CreatedAt time.Time `json:"created_at"`
}
