package scheduler_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/seantiz/crucible/internal/backend"
	"github.com/seantiz/crucible/internal/coordinator"
	"github.com/seantiz/crucible/internal/model"
	"github.com/seantiz/crucible/internal/resource"
	"github.com/seantiz/crucible/internal/scheduler"
	"github.com/seantiz/crucible/internal/store"
)

// fakeCoordinator serves each queued assignment once and records reports.
type fakeCoordinator struct {
	mu          sync.Mutex
	queue       []model.RunSpec
	reports     []coordinator.Report
	reportFails int // fail this many ReportRun calls before succeeding
	heartbeats  int
}

func (f *fakeCoordinator) FetchAssignments(_ context.Context, max int) ([]model.RunSpec, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := min(max, len(f.queue))
	out := f.queue[:n]
	f.queue = f.queue[n:]
	return out, nil
}

func (f *fakeCoordinator) ReportRun(_ context.Context, r coordinator.Report) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reportFails > 0 {
		f.reportFails--
		return errors.New("coordinator unavailable")
	}
	f.reports = append(f.reports, r)
	return nil
}

func (f *fakeCoordinator) SendHeartbeat(_ context.Context, _ coordinator.Heartbeat) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeats++
	return nil
}

func (f *fakeCoordinator) enqueue(specs ...model.RunSpec) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queue = append(f.queue, specs...)
}

func (f *fakeCoordinator) reported() []coordinator.Report {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]coordinator.Report(nil), f.reports...)
}

// fakeBackend runs everything in memory. startFn and pollFn override the
// default behavior of starting instantly and reporting success.
type fakeBackend struct {
	mu         sync.Mutex
	startFn    func(spec backend.StartSpec) (backend.Handle, error)
	pollFn     func(h backend.Handle) (backend.Result, error)
	startOrder []string // bundle uuids in the order Start was called
	cancels    []backend.Handle
	cleanups   []backend.Handle
}

func (f *fakeBackend) Start(_ context.Context, spec backend.StartSpec) (backend.Handle, error) {
	f.mu.Lock()
	startFn := f.startFn
	f.startOrder = append(f.startOrder, spec.Run.BundleUUID)
	f.mu.Unlock()
	if startFn != nil {
		return startFn(spec)
	}
	return backend.Handle("h-" + spec.Run.BundleUUID), nil
}

func (f *fakeBackend) Poll(_ context.Context, h backend.Handle) (backend.Result, error) {
	f.mu.Lock()
	pollFn := f.pollFn
	f.mu.Unlock()
	if pollFn != nil {
		return pollFn(h)
	}
	return backend.Result{State: backend.StateSucceeded, ExitCode: 0}, nil
}

func (f *fakeBackend) Cancel(_ context.Context, h backend.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels = append(f.cancels, h)
	return nil
}

func (f *fakeBackend) Cleanup(_ context.Context, h backend.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleanups = append(f.cleanups, h)
	return nil
}

func (f *fakeBackend) Capabilities() backend.Capabilities {
	return backend.Capabilities{Name: "fake", LocalResources: true}
}

func (f *fakeBackend) started() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.startOrder...)
}

func (f *fakeBackend) cancelled() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.cancels)
}

func (f *fakeBackend) setPoll(fn func(h backend.Handle) (backend.Result, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pollFn = fn
}

type testHarness struct {
	sched  *scheduler.Scheduler
	coord  *fakeCoordinator
	be     *fakeBackend
	store  store.Store
	cancel context.CancelFunc
	done   chan error
}

// startScheduler wires a scheduler with millisecond timing over a fake
// coordinator and backend, a real SQLite store, and a 2-CPU pool.
func startScheduler(t *testing.T, coord *fakeCoordinator, be *fakeBackend, cpus, gpus []int) *testHarness {
	t.Helper()

	st, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	pool, err := resource.NewPool(cpus, gpus)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	workdirs, err := scheduler.NewWorkdirManager(t.TempDir(), 0, logger)
	if err != nil {
		t.Fatalf("NewWorkdirManager: %v", err)
	}

	cfg := scheduler.Config{
		WorkerID:          "test-worker",
		MaxDepsLength:     200,
		GracePeriod:       150 * time.Millisecond,
		TickInterval:      5 * time.Millisecond,
		PollInterval:      5 * time.Millisecond,
		FetchInterval:     5 * time.Millisecond,
		HeartbeatInterval: 20 * time.Millisecond,
		MaxStartAttempts:  2,
	}
	sched := scheduler.New(cfg, coord, be, pool, workdirs, st, logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sched.Run(ctx); close(done) }()

	h := &testHarness{sched: sched, coord: coord, be: be, store: st, cancel: cancel, done: done}
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("scheduler did not stop")
		}
	})
	return h
}

func spec(bundle string, cpus, gpus int) model.RunSpec {
	return model.RunSpec{
		BundleUUID: bundle,
		Command:    []string{"true"},
		Image:      "alpine:3",
		Resources:  model.Resources{CPUs: cpus, GPUs: gpus},
	}
}

// waitFor polls until the condition holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func findReport(c *fakeCoordinator, bundle string) (coordinator.Report, bool) {
	for _, r := range c.reported() {
		if r.BundleUUID == bundle {
			return r, true
		}
	}
	return coordinator.Report{}, false
}

func TestRunLifecycleSucceeds(t *testing.T) {
	coord := &fakeCoordinator{}
	be := &fakeBackend{}
	coord.enqueue(spec("b-1", 1, 0))
	h := startScheduler(t, coord, be, []int{0, 1}, nil)

	waitFor(t, "run reported", func() bool {
		_, ok := findReport(coord, "b-1")
		return ok
	})

	r, _ := findReport(coord, "b-1")
	if r.Outcome != model.OutcomeSucceeded {
		t.Errorf("outcome = %q, want %q", r.Outcome, model.OutcomeSucceeded)
	}
	if r.ExitCode == nil || *r.ExitCode != 0 {
		t.Errorf("exit code = %v, want 0", r.ExitCode)
	}

	// Resources must be back in the pool once the run is reported.
	waitFor(t, "pool drained back", func() bool {
		return h.sched.Snapshot().FreeCPUs == 2
	})

	runs, _, err := h.store.ListRuns(context.Background(), 10, 0)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 1 || runs[0].Status != model.StatusReported {
		t.Fatalf("stored run status = %v, want one reported run", runs)
	}
}

func TestFailedRunReportsExitCode(t *testing.T) {
	coord := &fakeCoordinator{}
	be := &fakeBackend{}
	be.setPoll(func(backend.Handle) (backend.Result, error) {
		return backend.Result{State: backend.StateFailed, ExitCode: 3, Reason: "command exited"}, nil
	})
	coord.enqueue(spec("b-fail", 1, 0))
	startScheduler(t, coord, be, []int{0}, nil)

	waitFor(t, "failure reported", func() bool {
		_, ok := findReport(coord, "b-fail")
		return ok
	})
	r, _ := findReport(coord, "b-fail")
	if r.Outcome != model.OutcomeFailed {
		t.Errorf("outcome = %q, want %q", r.Outcome, model.OutcomeFailed)
	}
	if r.ExitCode == nil || *r.ExitCode != 3 {
		t.Errorf("exit code = %v, want 3", r.ExitCode)
	}
	if r.FailureReason != "command exited" {
		t.Errorf("failure reason = %q", r.FailureReason)
	}
}

func TestArrivalOrderIsStrict(t *testing.T) {
	coord := &fakeCoordinator{}
	be := &fakeBackend{}

	// first holds one of two CPUs until we let it finish.
	var mu sync.Mutex
	release := false
	be.setPoll(func(h backend.Handle) (backend.Result, error) {
		mu.Lock()
		defer mu.Unlock()
		if h == "h-first" && !release {
			return backend.Result{State: backend.StateRunning}, nil
		}
		return backend.Result{State: backend.StateSucceeded}, nil
	})

	coord.enqueue(spec("first", 1, 0), spec("blocked", 2, 0), spec("small", 1, 0))
	startScheduler(t, coord, be, []int{0, 1}, nil)

	waitFor(t, "first run started", func() bool {
		return len(be.started()) >= 1
	})

	// "blocked" needs 2 CPUs and only 1 is free. "small" would fit, but it
	// arrived later and must not jump the queue.
	time.Sleep(100 * time.Millisecond)
	if started := be.started(); len(started) != 1 {
		t.Fatalf("started = %v, want only the first run", started)
	}

	mu.Lock()
	release = true
	mu.Unlock()

	waitFor(t, "all runs reported", func() bool {
		return len(coord.reported()) == 3
	})
	started := be.started()
	if started[1] != "blocked" || started[2] != "small" {
		t.Errorf("start order = %v, want [first blocked small]", started)
	}
}

func TestOversizedDependenciesRejected(t *testing.T) {
	coord := &fakeCoordinator{}
	be := &fakeBackend{}

	s := spec("b-deps", 1, 0)
	for i := range 10 {
		s.Dependencies = append(s.Dependencies, model.Dependency{
			ParentUUID: fmt.Sprintf("parent-%d", i),
			ParentPath: strings.Repeat("p", 20),
			ChildPath:  strings.Repeat("c", 20),
		})
	}
	coord.enqueue(s)
	startScheduler(t, coord, be, []int{0}, nil)

	waitFor(t, "rejection reported", func() bool {
		_, ok := findReport(coord, "b-deps")
		return ok
	})
	r, _ := findReport(coord, "b-deps")
	if r.Outcome != model.OutcomeFailed {
		t.Errorf("outcome = %q, want failed", r.Outcome)
	}
	if !strings.Contains(r.FailureReason, "dependency metadata too large") {
		t.Errorf("failure reason = %q", r.FailureReason)
	}
	if len(be.started()) != 0 {
		t.Errorf("backend started %v for a rejected assignment", be.started())
	}
}

func TestImagePullRetriesThenFails(t *testing.T) {
	coord := &fakeCoordinator{}
	be := &fakeBackend{}

	var attempts int
	var mu sync.Mutex
	be.startFn = func(backend.StartSpec) (backend.Handle, error) {
		mu.Lock()
		attempts++
		mu.Unlock()
		return "", &backend.StartError{Kind: backend.KindImagePull, Err: errors.New("manifest unknown")}
	}

	coord.enqueue(spec("b-pull", 1, 0))
	startScheduler(t, coord, be, []int{0}, nil)

	waitFor(t, "pull failure reported", func() bool {
		_, ok := findReport(coord, "b-pull")
		return ok
	})
	r, _ := findReport(coord, "b-pull")
	if r.Outcome != model.OutcomeFailed {
		t.Errorf("outcome = %q, want failed", r.Outcome)
	}
	if !strings.Contains(r.FailureReason, "image pull failed after 2 attempts") {
		t.Errorf("failure reason = %q", r.FailureReason)
	}
	mu.Lock()
	defer mu.Unlock()
	if attempts != 2 {
		t.Errorf("start attempts = %d, want 2", attempts)
	}
}

func TestTransientStartFailureRetries(t *testing.T) {
	coord := &fakeCoordinator{}
	be := &fakeBackend{}

	var mu sync.Mutex
	failures := 1
	be.startFn = func(s backend.StartSpec) (backend.Handle, error) {
		mu.Lock()
		defer mu.Unlock()
		if failures > 0 {
			failures--
			return "", backend.MarkTransient(errors.New("socket reset"))
		}
		return backend.Handle("h-" + s.Run.BundleUUID), nil
	}

	coord.enqueue(spec("b-flaky", 1, 0))
	startScheduler(t, coord, be, []int{0}, nil)

	waitFor(t, "run reported after retry", func() bool {
		_, ok := findReport(coord, "b-flaky")
		return ok
	})
	r, _ := findReport(coord, "b-flaky")
	if r.Outcome != model.OutcomeSucceeded {
		t.Errorf("outcome = %q, want succeeded", r.Outcome)
	}
	if started := be.started(); len(started) != 2 {
		t.Errorf("start calls = %d, want 2", len(started))
	}
}

func TestTransientFailuresDoNotErodePullAttempts(t *testing.T) {
	coord := &fakeCoordinator{}
	be := &fakeBackend{}

	var mu sync.Mutex
	transients := 2
	be.startFn = func(backend.StartSpec) (backend.Handle, error) {
		mu.Lock()
		defer mu.Unlock()
		if transients > 0 {
			transients--
			return "", backend.MarkTransient(errors.New("socket reset"))
		}
		return "", &backend.StartError{Kind: backend.KindImagePull, Err: errors.New("manifest unknown")}
	}

	coord.enqueue(spec("b-mixed", 1, 0))
	startScheduler(t, coord, be, []int{0}, nil)

	waitFor(t, "pull failure reported", func() bool {
		_, ok := findReport(coord, "b-mixed")
		return ok
	})
	r, _ := findReport(coord, "b-mixed")
	if r.Outcome != model.OutcomeFailed {
		t.Errorf("outcome = %q, want failed", r.Outcome)
	}
	// The two transient failures must not count against the pull cap: the
	// run still gets its full two pull attempts.
	if !strings.Contains(r.FailureReason, "image pull failed after 2 attempts") {
		t.Errorf("failure reason = %q", r.FailureReason)
	}
	if started := be.started(); len(started) != 4 {
		t.Errorf("start calls = %d, want 4 (2 transient + 2 pull attempts)", len(started))
	}
}

func TestResourceRejectionFailsRun(t *testing.T) {
	coord := &fakeCoordinator{}
	be := &fakeBackend{}
	be.startFn = func(backend.StartSpec) (backend.Handle, error) {
		return "", &backend.StartError{Kind: backend.KindResourceRejected, Err: errors.New("memory limit above node capacity")}
	}

	coord.enqueue(spec("b-rej", 1, 0))
	startScheduler(t, coord, be, []int{0}, nil)

	waitFor(t, "rejection reported", func() bool {
		_, ok := findReport(coord, "b-rej")
		return ok
	})
	r, _ := findReport(coord, "b-rej")
	if r.Outcome != model.OutcomeFailed {
		t.Errorf("outcome = %q, want failed", r.Outcome)
	}
	if started := be.started(); len(started) != 1 {
		t.Errorf("start calls = %d, want 1 (no retry for rejections)", len(started))
	}
}

func TestRuntimeUnavailableDegrades(t *testing.T) {
	coord := &fakeCoordinator{}
	be := &fakeBackend{}
	be.startFn = func(backend.StartSpec) (backend.Handle, error) {
		return "", &backend.StartError{Kind: backend.KindRuntimeUnavailable, Err: errors.New("cannot connect to the docker daemon")}
	}

	coord.enqueue(spec("b-deg", 1, 0))
	h := startScheduler(t, coord, be, []int{0}, nil)

	waitFor(t, "worker degraded", func() bool {
		return h.sched.Snapshot().Degraded
	})

	// The run is not failed: it waits for the runtime to come back.
	if _, ok := findReport(coord, "b-deg"); ok {
		t.Error("run was reported while the runtime was merely unavailable")
	}
	snap := h.sched.Snapshot()
	if snap.ActiveRuns != 1 {
		t.Errorf("active runs = %d, want 1", snap.ActiveRuns)
	}
}

func TestReportRetriesUntilAcknowledged(t *testing.T) {
	coord := &fakeCoordinator{reportFails: 2}
	be := &fakeBackend{}
	coord.enqueue(spec("b-retry", 1, 0))
	startScheduler(t, coord, be, []int{0}, nil)

	waitFor(t, "report finally acknowledged", func() bool {
		_, ok := findReport(coord, "b-retry")
		return ok
	})
}

func TestDrainMarksUnfinishedRunsUnconfirmed(t *testing.T) {
	coord := &fakeCoordinator{}
	be := &fakeBackend{}
	// The execution never finishes from the worker's point of view.
	be.setPoll(func(backend.Handle) (backend.Result, error) {
		return backend.Result{State: backend.StateRunning}, nil
	})

	coord.enqueue(spec("b-drain", 1, 0))
	h := startScheduler(t, coord, be, []int{0}, nil)

	waitFor(t, "run started", func() bool {
		return len(be.started()) == 1
	})

	h.cancel()
	select {
	case err := <-h.done:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop after the grace period")
	}

	if be.cancelled() == 0 {
		t.Error("backend.Cancel was never called during drain")
	}

	runs, _, err := h.store.ListRuns(context.Background(), 10, 0)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("stored runs = %d, want 1", len(runs))
	}
	if runs[0].Outcome != model.OutcomeUnconfirmed {
		t.Errorf("outcome = %q, want %q", runs[0].Outcome, model.OutcomeUnconfirmed)
	}
	if _, ok := findReport(coord, "b-drain"); ok {
		t.Error("unconfirmed run was reported to the coordinator")
	}
}

func TestDrainStopsAcceptingAssignments(t *testing.T) {
	coord := &fakeCoordinator{}
	be := &fakeBackend{}
	h := startScheduler(t, coord, be, []int{0}, nil)

	h.cancel()
	select {
	case <-h.done:
	case <-time.After(2 * time.Second):
		t.Fatal("idle scheduler did not stop promptly")
	}

	coord.enqueue(spec("b-late", 1, 0))
	time.Sleep(50 * time.Millisecond)
	if len(be.started()) != 0 {
		t.Error("assignment started after shutdown")
	}
}

func TestHeartbeatsFlow(t *testing.T) {
	coord := &fakeCoordinator{}
	be := &fakeBackend{}
	startScheduler(t, coord, be, []int{0}, nil)

	waitFor(t, "heartbeats", func() bool {
		coord.mu.Lock()
		defer coord.mu.Unlock()
		return coord.heartbeats >= 2
	})
}
