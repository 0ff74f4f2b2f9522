package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/seantiz/crucible/internal/backend"
	"github.com/seantiz/crucible/internal/coordinator"
	"github.com/seantiz/crucible/internal/model"
	"github.com/seantiz/crucible/internal/resource"
	"github.com/seantiz/crucible/internal/store"
)

// Default loop timing. Overridable through Config for tests.
const (
	defaultTickInterval      = 1 * time.Second
	defaultPollInterval      = 3 * time.Second
	defaultFetchInterval     = 2 * time.Second
	defaultHeartbeatInterval = 30 * time.Second
	defaultDegradedAfter     = 5 * time.Minute
	defaultMaxStartAttempts  = 3
	defaultFetchBatch        = 10

	// maxBackoff caps the exponential retry delay for fetch, poll, and
	// report failures.
	maxBackoff = 30 * time.Second

	// opTimeout bounds every dispatched backend or coordinator call so a
	// hung collaborator cannot pin a goroutine forever.
	opTimeout = 2 * time.Minute
)

// Config tunes the scheduler loop.
type Config struct {
	WorkerID      string
	Tag           string
	MaxDepsLength int
	GracePeriod   time.Duration

	TickInterval      time.Duration
	PollInterval      time.Duration
	FetchInterval     time.Duration
	HeartbeatInterval time.Duration
	DegradedAfter     time.Duration
	MaxStartAttempts  int
	FetchBatch        int
}

func (c Config) withDefaults() Config {
	if c.TickInterval == 0 {
		c.TickInterval = defaultTickInterval
	}
	if c.PollInterval == 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.FetchInterval == 0 {
		c.FetchInterval = defaultFetchInterval
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = defaultHeartbeatInterval
	}
	if c.DegradedAfter == 0 {
		c.DegradedAfter = defaultDegradedAfter
	}
	if c.MaxStartAttempts == 0 {
		c.MaxStartAttempts = defaultMaxStartAttempts
	}
	if c.FetchBatch == 0 {
		c.FetchBatch = defaultFetchBatch
	}
	return c
}

// Status is a consistent snapshot of the scheduler's state, published once
// per loop iteration for the status API and metrics.
type Status struct {
	WorkerID     string         `json:"worker_id"`
	Backend      string         `json:"backend"`
	Draining     bool           `json:"draining"`
	Degraded     bool           `json:"degraded"`
	ActiveRuns   int            `json:"active_runs"`
	RunsByStatus map[string]int `json:"runs_by_status"`
	TotalCPUs    int            `json:"total_cpus"`
	FreeCPUs     int            `json:"free_cpus"`
	TotalGPUs    int            `json:"total_gpus"`
	FreeGPUs     int            `json:"free_gpus"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// runState is the loop-private view of one active run.
type runState struct {
	run      *model.Run
	workdir  string
	attempts int  // start attempts so far
	inflight bool // an async operation for this run is outstanding
	released bool // local resources have been returned to the pool

	nextPollAt    time.Time
	pollBackoff   time.Duration
	nextReportAt  time.Time
	reportBackoff time.Duration

	seq atomic.Int32 // output line sequence, bumped from backend goroutines
}

// Scheduler owns every run's lifecycle. A single loop applies all state
// transitions and all pool mutations; backend and coordinator calls are
// dispatched to goroutines whose results come back as events on the loop.
type Scheduler struct {
	cfg      Config
	coord    coordinator.Client
	backend  backend.Backend
	pool     *resource.Pool // nil when the backend delegates partitioning
	workdirs *WorkdirManager
	store    store.Store
	broker   *OutputBroker
	logger   *slog.Logger

	events chan event
	done   chan struct{}

	// Loop-owned state. Touched only from Run's goroutine.
	runs          map[string]*runState
	order         []string // run ids in arrival order
	activeBundles map[string]bool
	draining      bool
	runtimeDown   bool
	lastContact   time.Time
	fetchInflight bool
	nextFetchAt   time.Time
	fetchBackoff  time.Duration
	hbInflight    bool
	nextHbAt      time.Time

	status atomic.Pointer[Status]
}

type event interface{ isEvent() }

type assignmentsEvent struct {
	specs []model.RunSpec
	err   error
}

type startedEvent struct {
	runID  string
	handle backend.Handle
	err    error
}

type polledEvent struct {
	runID  string
	result backend.Result
	err    error
}

type reportedEvent struct {
	runID string
	err   error
}

type heartbeatEvent struct{ err error }

func (assignmentsEvent) isEvent() {}
func (startedEvent) isEvent()     {}
func (polledEvent) isEvent()      {}
func (reportedEvent) isEvent()    {}
func (heartbeatEvent) isEvent()   {}

// New creates a scheduler. pool may be nil when the backend reports
// LocalResources false (remote batch mode).
func New(cfg Config, coord coordinator.Client, be backend.Backend, pool *resource.Pool,
	workdirs *WorkdirManager, st store.Store, logger *slog.Logger) *Scheduler {

	s := &Scheduler{
		cfg:           cfg.withDefaults(),
		coord:         coord,
		backend:       be,
		pool:          pool,
		workdirs:      workdirs,
		store:         st,
		broker:        NewOutputBroker(),
		logger:        logger,
		events:        make(chan event, 128),
		done:          make(chan struct{}),
		runs:          make(map[string]*runState),
		activeBundles: make(map[string]bool),
		lastContact:   time.Now(),
	}
	s.publishStatus()
	return s
}

// Broker returns the run output broker for SSE subscription.
func (s *Scheduler) Broker() *OutputBroker { return s.broker }

// Snapshot returns the most recently published status. Safe for concurrent
// callers; the snapshot was taken under the loop's serialization point.
func (s *Scheduler) Snapshot() Status { return *s.status.Load() }

// Run drives the scheduling loop until ctx is cancelled and the drain
// protocol completes. The returned error is non-nil only for fatal
// invariant violations; best-effort cancellation of active runs has been
// attempted by then.
func (s *Scheduler) Run(ctx context.Context) error {
	defer close(s.done)

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	drainCh := ctx.Done()
	var graceCh <-chan time.Time

	for {
		select {
		case <-drainCh:
			drainCh = nil
			s.enterDrain()
			graceCh = time.After(s.cfg.GracePeriod)
		case ev := <-s.events:
			if err := s.apply(ev); err != nil {
				s.cancelAll()
				return err
			}
		case <-graceCh:
			s.expireGrace()
			return nil
		case <-ticker.C:
			if err := s.tick(); err != nil {
				s.cancelAll()
				return err
			}
		}

		s.publishStatus()
		if s.draining && len(s.runs) == 0 {
			s.logger.Info("drain complete")
			return nil
		}
	}
}

// tick advances every run that is due for work and keeps the ambient
// duties (fetch, heartbeat, disk budget) running.
func (s *Scheduler) tick() error {
	now := time.Now()

	if !s.draining && !s.degraded() && !s.fetchInflight && now.After(s.nextFetchAt) {
		s.dispatchFetch()
	}
	if !s.hbInflight && now.After(s.nextHbAt) {
		s.dispatchHeartbeat()
	}

	// Coordinator silence stops new reservations; runs that already hold
	// resources still start. With an unavailable runtime the retried start
	// doubles as the recovery probe.
	if !s.draining && !s.coordSilent() {
		if err := s.reservePending(); err != nil {
			return err
		}
	}
	if !s.draining {
		if err := s.startReserved(); err != nil {
			return err
		}
	}
	s.pollRunning(now)
	s.reportFinalizing(now)

	if s.workdirs != nil {
		s.workdirs.Enforce()
	}

	if time.Since(s.lastContact) > s.cfg.DegradedAfter {
		s.logger.Warn("coordinator unreachable beyond threshold, degrading",
			"since", s.lastContact)
	}
	return nil
}

func (s *Scheduler) coordSilent() bool {
	return time.Since(s.lastContact) > s.cfg.DegradedAfter
}

func (s *Scheduler) degraded() bool {
	return s.runtimeDown || s.coordSilent()
}

// dispatchFetch pulls new assignments from the coordinator.
func (s *Scheduler) dispatchFetch() {
	s.fetchInflight = true
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()
		specs, err := s.coord.FetchAssignments(ctx, s.cfg.FetchBatch)
		s.send(assignmentsEvent{specs: specs, err: err})
	}()
}

func (s *Scheduler) dispatchHeartbeat() {
	s.hbInflight = true
	snap := s.Snapshot()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()
		err := s.coord.SendHeartbeat(ctx, coordinator.Heartbeat{
			WorkerID:   s.cfg.WorkerID,
			Tag:        s.cfg.Tag,
			ActiveRuns: snap.ActiveRuns,
			Degraded:   snap.Degraded,
			Draining:   snap.Draining,
		})
		s.send(heartbeatEvent{err: err})
	}()
}

// reservePending walks pending runs in arrival order and reserves local
// resources. Scanning stops at the first run that does not fit so that a
// later, smaller run can never overtake an earlier one.
func (s *Scheduler) reservePending() error {
	local := s.backend.Capabilities().LocalResources
	for _, id := range s.order {
		rs := s.runs[id]
		if rs == nil || rs.run.Status != model.StatusPending || rs.inflight {
			continue
		}

		if local {
			alloc, err := s.pool.Reserve(rs.run.Spec.Resources.CPUs, rs.run.Spec.Resources.GPUs)
			if errors.Is(err, resource.ErrInsufficient) {
				return nil // retry next iteration, in the same order
			}
			if err != nil {
				// Malformed resource request; run-scoped fatal.
				return s.finalize(rs, model.OutcomeFailed, nil, err.Error())
			}
			rs.run.CPUSet = alloc.CPUs
			rs.run.GPUSet = alloc.GPUs
			rs.released = false
		}

		if err := s.transition(rs, model.StatusReserved); err != nil {
			return err
		}
	}
	return nil
}

// startReserved dispatches backend starts for reserved runs.
func (s *Scheduler) startReserved() error {
	for _, id := range s.order {
		rs := s.runs[id]
		if rs == nil || rs.run.Status != model.StatusReserved || rs.inflight {
			continue
		}

		if s.workdirs != nil && rs.workdir == "" {
			dir, err := s.workdirs.Create(rs.run.ID)
			if err != nil {
				if ferr := s.finalize(rs, model.OutcomeFailed, nil, err.Error()); ferr != nil {
					return ferr
				}
				continue
			}
			rs.workdir = dir
		}

		if err := s.transition(rs, model.StatusStarting); err != nil {
			return err
		}
		rs.inflight = true
		rs.attempts++

		spec := backend.StartSpec{
			Run: rs.run.Spec,
			Resources: resource.Allocation{
				CPUs: resource.Set(rs.run.CPUSet),
				GPUs: resource.Set(rs.run.GPUSet),
			},
			WorkDir:      rs.workdir,
			OutputWriter: s.outputWriter(rs),
		}
		go func(runID string) {
			ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
			defer cancel()
			h, err := s.backend.Start(ctx, spec)
			s.send(startedEvent{runID: runID, handle: h, err: err})
		}(id)
	}
	return nil
}

// outputWriter persists and publishes output lines. It runs on backend
// goroutines; it touches only the store, the broker, and the run's atomic
// sequence counter, never loop-owned state.
func (s *Scheduler) outputWriter(rs *runState) func(string) {
	runID := rs.run.ID
	return func(line string) {
		seq := int(rs.seq.Add(1) - 1)
		if err := s.store.InsertOutputLine(context.Background(), runID, seq, line); err != nil {
			s.logger.Error("persist output line", "run_id", runID, "seq", seq, "error", err)
		}
		s.broker.Publish(runID, line)
	}
}

// pollRunning dispatches backend polls for running runs that are due.
func (s *Scheduler) pollRunning(now time.Time) {
	for _, id := range s.order {
		rs := s.runs[id]
		if rs == nil || rs.run.Status != model.StatusRunning || rs.inflight || now.Before(rs.nextPollAt) {
			continue
		}
		rs.inflight = true
		handle := backend.Handle(rs.run.Handle)
		go func(runID string) {
			ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
			defer cancel()
			res, err := s.backend.Poll(ctx, handle)
			s.send(polledEvent{runID: runID, result: res, err: err})
		}(id)
	}
}

// reportFinalizing dispatches coordinator reports for finalized runs.
func (s *Scheduler) reportFinalizing(now time.Time) {
	for _, id := range s.order {
		rs := s.runs[id]
		if rs == nil || rs.run.Status != model.StatusFinalizing || rs.inflight || now.Before(rs.nextReportAt) {
			continue
		}
		rs.inflight = true
		report := coordinator.Report{
			BundleUUID:    rs.run.Spec.BundleUUID,
			Outcome:       rs.run.Outcome,
			ExitCode:      rs.run.ExitCode,
			FailureReason: rs.run.FailureReason,
		}
		go func(runID string) {
			ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
			defer cancel()
			err := s.coord.ReportRun(ctx, report)
			s.send(reportedEvent{runID: runID, err: err})
		}(id)
	}
}

// apply folds one async result back into loop-owned state. A non-nil error
// means internal accounting is corrupt and the process must stop.
func (s *Scheduler) apply(ev event) error {
	switch ev := ev.(type) {
	case assignmentsEvent:
		return s.applyAssignments(ev)
	case startedEvent:
		return s.applyStarted(ev)
	case polledEvent:
		return s.applyPolled(ev)
	case reportedEvent:
		return s.applyReported(ev)
	case heartbeatEvent:
		s.hbInflight = false
		s.nextHbAt = time.Now().Add(s.cfg.HeartbeatInterval)
		if ev.err != nil {
			coordinatorErrorsTotal.Inc()
			s.logger.Warn("heartbeat failed", "error", ev.err)
		} else {
			s.lastContact = time.Now()
		}
		return nil
	default:
		return fmt.Errorf("unknown event %T", ev)
	}
}

func (s *Scheduler) applyAssignments(ev assignmentsEvent) error {
	s.fetchInflight = false
	if ev.err != nil {
		coordinatorErrorsTotal.Inc()
		s.fetchBackoff = nextBackoff(s.fetchBackoff)
		s.nextFetchAt = time.Now().Add(s.fetchBackoff)
		s.logger.Warn("assignment fetch failed", "error", ev.err, "retry_in", s.fetchBackoff)
		return nil
	}
	s.lastContact = time.Now()
	s.fetchBackoff = 0
	s.nextFetchAt = time.Now().Add(s.cfg.FetchInterval)

	for _, spec := range ev.specs {
		if err := s.admit(spec); err != nil {
			return err
		}
	}
	return nil
}

// admit validates one assignment and creates its run record. Oversized
// dependency metadata is rejected with a reported failure, not dropped.
func (s *Scheduler) admit(spec model.RunSpec) error {
	if s.activeBundles[spec.BundleUUID] {
		return nil // already tracking this bundle
	}

	run := &model.Run{
		ID:        model.NewID(),
		Spec:      spec,
		Status:    model.StatusPending,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.CreateRun(context.Background(), run); err != nil {
		s.logger.Error("persist new run", "bundle_uuid", spec.BundleUUID, "error", err)
		return nil // leave it for a later fetch
	}

	rs := &runState{run: run}
	s.runs[run.ID] = rs
	s.order = append(s.order, run.ID)
	s.activeBundles[spec.BundleUUID] = true
	s.logger.Info("run admitted", "run_id", run.ID, "bundle_uuid", spec.BundleUUID)

	if l := spec.SerializedDependencyLength(); l > s.cfg.MaxDepsLength {
		assignmentsRejectedTotal.Inc()
		reason := fmt.Sprintf("dependency metadata too large: %d bytes exceeds the %d byte limit",
			l, s.cfg.MaxDepsLength)
		return s.finalize(rs, model.OutcomeFailed, nil, reason)
	}
	return nil
}

func (s *Scheduler) applyStarted(ev startedEvent) error {
	rs, ok := s.runs[ev.runID]
	if !ok {
		return nil
	}
	rs.inflight = false

	if ev.err == nil {
		now := time.Now().UTC()
		rs.run.Handle = string(ev.handle)
		rs.run.StartedAt = &now
		rs.nextPollAt = now.Add(s.cfg.PollInterval)
		s.runtimeDown = false
		if s.draining {
			// The start raced the shutdown signal; this handle missed the
			// drain-time cancel sweep.
			s.cancelHandle(ev.handle)
		}
		return s.transition(rs, model.StatusRunning)
	}

	// Failed start: release the reservation in every case, then decide
	// between retrying and failing the run.
	s.release(rs)

	if backend.Transient(ev.err) {
		// Transient failures retry without counting against the attempt cap.
		rs.attempts--
		s.logger.Warn("start failed, will retry", "run_id", ev.runID, "error", ev.err)
		return s.transition(rs, model.StatusPending)
	}

	switch backend.StartKind(ev.err) {
	case backend.KindImagePull:
		if rs.attempts < s.cfg.MaxStartAttempts {
			s.logger.Warn("image pull failed, will retry on a fresh attempt",
				"run_id", ev.runID, "attempt", rs.attempts, "error", ev.err)
			return s.transition(rs, model.StatusPending)
		}
		return s.finalize(rs, model.OutcomeFailed, nil,
			fmt.Sprintf("image pull failed after %d attempts: %v", rs.attempts, ev.err))
	case backend.KindRuntimeUnavailable:
		// Worker-level condition, not this run's fault; the attempt does not
		// count against the cap.
		rs.attempts--
		s.runtimeDown = true
		workerDegraded.Set(1)
		s.logger.Error("container runtime unreachable, degrading", "error", ev.err)
		return s.transition(rs, model.StatusPending)
	default: // KindResourceRejected
		return s.finalize(rs, model.OutcomeFailed, nil, ev.err.Error())
	}
}

func (s *Scheduler) applyPolled(ev polledEvent) error {
	rs, ok := s.runs[ev.runID]
	if !ok {
		return nil
	}
	rs.inflight = false
	now := time.Now().UTC()
	rs.run.LastPollAt = &now

	if ev.err != nil {
		// Transient by taxonomy: backend trouble during poll never fails
		// the run, only delays the next look.
		rs.pollBackoff = nextBackoff(rs.pollBackoff)
		rs.nextPollAt = now.Add(rs.pollBackoff)
		s.logger.Warn("poll failed", "run_id", ev.runID, "error", ev.err, "retry_in", rs.pollBackoff)
		return nil
	}
	rs.pollBackoff = 0
	s.runtimeDown = false

	switch ev.result.State {
	case backend.StateRunning:
		rs.nextPollAt = now.Add(s.cfg.PollInterval)
		return nil
	case backend.StateSucceeded:
		code := ev.result.ExitCode
		return s.finalize(rs, model.OutcomeSucceeded, &code, "")
	case backend.StateFailed:
		code := ev.result.ExitCode
		return s.finalize(rs, model.OutcomeFailed, &code, ev.result.Reason)
	default:
		return fmt.Errorf("backend reported unknown state %q for run %s", ev.result.State, ev.runID)
	}
}

func (s *Scheduler) applyReported(ev reportedEvent) error {
	rs, ok := s.runs[ev.runID]
	if !ok {
		return nil
	}
	rs.inflight = false

	if ev.err != nil {
		coordinatorErrorsTotal.Inc()
		rs.reportBackoff = nextBackoff(rs.reportBackoff)
		rs.nextReportAt = time.Now().Add(rs.reportBackoff)
		s.logger.Warn("report failed", "run_id", ev.runID, "error", ev.err, "retry_in", rs.reportBackoff)
		return nil
	}
	s.lastContact = time.Now()

	now := time.Now().UTC()
	rs.run.ReportedAt = &now
	if err := s.transition(rs, model.StatusReported); err != nil {
		return err
	}
	if err := s.store.UpdateRun(context.Background(), rs.run); err != nil {
		s.logger.Error("persist reported run", "run_id", ev.runID, "error", err)
	}

	runsFinishedTotal.WithLabelValues(rs.run.Outcome).Inc()
	s.drop(ev.runID)
	s.logger.Info("run reported", "run_id", ev.runID,
		"bundle_uuid", rs.run.Spec.BundleUUID, "outcome", rs.run.Outcome)
	return nil
}

// finalize moves a run into finalizing: resources back to the pool, output
// stream closed, backend cleanup dispatched, final state persisted. The
// report step delivers it to the coordinator afterwards.
func (s *Scheduler) finalize(rs *runState, outcome string, exitCode *int, reason string) error {
	s.release(rs)

	now := time.Now().UTC()
	rs.run.Outcome = outcome
	rs.run.ExitCode = exitCode
	rs.run.FailureReason = reason
	rs.run.FinishedAt = &now

	if err := s.transition(rs, model.StatusFinalizing); err != nil {
		return err
	}
	if err := s.store.UpdateRun(context.Background(), rs.run); err != nil {
		s.logger.Error("persist finalized run", "run_id", rs.run.ID, "error", err)
	}

	s.broker.Close(rs.run.ID)
	if s.workdirs != nil {
		s.workdirs.Completed(rs.run.ID, now)
	}

	if rs.run.Handle != "" {
		handle := backend.Handle(rs.run.Handle)
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
			defer cancel()
			if err := s.backend.Cleanup(ctx, handle); err != nil {
				s.logger.Warn("backend cleanup failed", "handle", string(handle), "error", err)
			}
		}()
	}
	return nil
}

// release returns the run's reservation to the pool, exactly once.
func (s *Scheduler) release(rs *runState) {
	if s.pool == nil || rs.released {
		return
	}
	if len(rs.run.CPUSet) == 0 && len(rs.run.GPUSet) == 0 {
		rs.released = true
		return
	}
	s.pool.Release(resource.Allocation{
		CPUs: resource.Set(rs.run.CPUSet),
		GPUs: resource.Set(rs.run.GPUSet),
	})
	rs.run.CPUSet = nil
	rs.run.GPUSet = nil
	rs.released = true
}

// transition applies and persists one lifecycle step. An invalid transition
// means the run-state table is corrupt, which is fatal.
func (s *Scheduler) transition(rs *runState, to string) error {
	from := rs.run.Status
	if !model.ValidTransition(from, to) {
		return fmt.Errorf("run %s: %w: %s -> %s", rs.run.ID, store.ErrInvalidTransition, from, to)
	}
	rs.run.Status = to
	if err := s.store.UpdateRunStatus(context.Background(), rs.run.ID, to); err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			return fmt.Errorf("run %s: %w", rs.run.ID, err)
		}
		s.logger.Error("persist status", "run_id", rs.run.ID, "status", to, "error", err)
	}
	s.logger.Debug("run transition", "run_id", rs.run.ID, "from", from, "to", to)
	return nil
}

// enterDrain stops accepting assignments and cancels every active handle.
// Runs already in flight continue through finalizing and reported until the
// grace period expires.
func (s *Scheduler) enterDrain() {
	s.draining = true
	s.logger.Info("drain started", "active_runs", len(s.runs), "grace_period", s.cfg.GracePeriod)
	s.cancelAll()
}

func (s *Scheduler) cancelAll() {
	for _, rs := range s.runs {
		if rs.run.Handle != "" {
			s.cancelHandle(backend.Handle(rs.run.Handle))
		}
	}
}

func (s *Scheduler) cancelHandle(handle backend.Handle) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()
		if err := s.backend.Cancel(ctx, handle); err != nil {
			s.logger.Warn("cancel failed", "handle", string(handle), "error", err)
		}
	}()
}

// expireGrace marks every run still unreported as unconfirmed. Their
// executions are left as they are; claiming failure for work we simply
// never confirmed would misattribute the outcome.
func (s *Scheduler) expireGrace() {
	for id, rs := range s.runs {
		rs.run.Outcome = model.OutcomeUnconfirmed
		if err := s.store.UpdateRun(context.Background(), rs.run); err != nil {
			s.logger.Error("persist unconfirmed run", "run_id", id, "error", err)
		}
		s.logger.Warn("run left unconfirmed at shutdown",
			"run_id", id, "bundle_uuid", rs.run.Spec.BundleUUID, "status", rs.run.Status)
	}
	s.logger.Info("grace period expired", "unconfirmed_runs", len(s.runs))
}

func (s *Scheduler) drop(runID string) {
	rs, ok := s.runs[runID]
	if !ok {
		return
	}
	delete(s.activeBundles, rs.run.Spec.BundleUUID)
	delete(s.runs, runID)
	for i, id := range s.order {
		if id == runID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// publishStatus snapshots loop state for concurrent readers and refreshes
// the gauges. Called once per loop iteration.
func (s *Scheduler) publishStatus() {
	byStatus := make(map[string]int)
	for _, rs := range s.runs {
		byStatus[rs.run.Status]++
	}

	st := &Status{
		WorkerID:     s.cfg.WorkerID,
		Backend:      s.backend.Capabilities().Name,
		Draining:     s.draining,
		Degraded:     s.degraded(),
		ActiveRuns:   len(s.runs),
		RunsByStatus: byStatus,
		UpdatedAt:    time.Now().UTC(),
	}
	if s.pool != nil {
		st.TotalCPUs = s.pool.TotalCPUs()
		st.FreeCPUs = s.pool.FreeCPUs()
		st.TotalGPUs = s.pool.TotalGPUs()
		st.FreeGPUs = s.pool.FreeGPUs()
		cpusReserved.Set(float64(st.TotalCPUs - st.FreeCPUs))
		gpusReserved.Set(float64(st.TotalGPUs - st.FreeGPUs))
	}
	s.status.Store(st)

	runsActive.Set(float64(len(s.runs)))
	if st.Degraded {
		workerDegraded.Set(1)
	} else {
		workerDegraded.Set(0)
	}
}

// send delivers an event to the loop unless the scheduler has exited.
func (s *Scheduler) send(ev event) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

func nextBackoff(current time.Duration) time.Duration {
	if current == 0 {
		return time.Second
	}
	next := current * 2
	if next > maxBackoff {
		return maxBackoff
	}
	return next
}
