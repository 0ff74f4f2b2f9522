package docker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/seantiz/crucible/internal/backend"
	"github.com/seantiz/crucible/internal/imagecache"
)

const (
	// BackendName identifies this variant in logs and status output.
	BackendName = "docker"

	// containerWorkDir is where the run's working directory is mounted
	// inside the container; the command executes there.
	containerWorkDir = "/crucible"

	// stopTimeout bounds how long Cancel waits for graceful termination
	// before the daemon kills the container.
	stopTimeout = 10 * time.Second
)

// containerState tracks one active container.
type containerState struct {
	imageRef string
	stopLogs context.CancelFunc // nil when no output streaming was requested
}

// Backend runs bundles in local Docker containers.
type Backend struct {
	cli    client.APIClient
	images *imagecache.Manager
	logger *slog.Logger

	mu     sync.Mutex
	active map[backend.Handle]*containerState
}

// NewBackend creates a Docker backend over an established client. The image
// cache manager is consulted before every start and released on cleanup.
func NewBackend(cli client.APIClient, images *imagecache.Manager, logger *slog.Logger) *Backend {
	return &Backend{
		cli:    cli,
		images: images,
		logger: logger,
		active: make(map[backend.Handle]*containerState),
	}
}

// Capabilities reports that this backend consumes the worker's local pool.
func (b *Backend) Capabilities() backend.Capabilities {
	return backend.Capabilities{Name: BackendName, LocalResources: true}
}

// Start pulls the image through the cache, creates a container constrained
// to the reserved CPU/GPU sets, and starts it.
func (b *Backend) Start(ctx context.Context, spec backend.StartSpec) (backend.Handle, error) {
	img, err := b.images.EnsureAvailable(ctx, spec.Run.Image, spec.Run.ImageSizeHint)
	if err != nil {
		return "", classifyStartErr(err)
	}

	hostConfig := &container.HostConfig{
		Binds: binds(spec),
		Resources: container.Resources{
			CpusetCpus: spec.Resources.CPUs.String(),
			Memory:     spec.Run.Resources.MemoryMB * 1024 * 1024,
		},
	}
	if len(spec.Resources.GPUs) > 0 {
		hostConfig.Resources.DeviceRequests = []container.DeviceRequest{
			{
				Driver:       "nvidia",
				DeviceIDs:    deviceIDs(spec.Resources.GPUs),
				Capabilities: [][]string{{"gpu"}},
			},
		}
	}

	created, err := b.cli.ContainerCreate(ctx,
		&container.Config{
			Image:      spec.Run.Image,
			Cmd:        spec.Run.Command,
			WorkingDir: containerWorkDir,
			Labels: map[string]string{
				"crucible.managed":     "true",
				"crucible.bundle_uuid": spec.Run.BundleUUID,
			},
		},
		hostConfig, nil, nil, "")
	if err != nil {
		b.images.ReleaseReference(img.Ref)
		return "", classifyStartErr(err)
	}

	if err := b.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		_ = b.cli.ContainerRemove(ctx, created.ID, container.RemoveOptions{Force: true})
		b.images.ReleaseReference(img.Ref)
		return "", classifyStartErr(err)
	}

	h := backend.Handle(created.ID)
	state := &containerState{imageRef: img.Ref}
	if spec.OutputWriter != nil {
		logCtx, cancel := context.WithCancel(context.Background())
		state.stopLogs = cancel
		go b.streamOutput(logCtx, created.ID, spec.OutputWriter)
	}

	b.mu.Lock()
	b.active[h] = state
	b.mu.Unlock()

	b.logger.Info("container started",
		"container_id", created.ID,
		"bundle_uuid", spec.Run.BundleUUID,
		"image", spec.Run.Image,
		"cpuset", spec.Resources.CPUs.String(),
		"gpuset", spec.Resources.GPUs.String(),
	)
	return h, nil
}

// Poll inspects the live container and maps its state onto the three-way
// contract.
func (b *Backend) Poll(ctx context.Context, h backend.Handle) (backend.Result, error) {
	inspect, err := b.cli.ContainerInspect(ctx, string(h))
	if client.IsErrNotFound(err) {
		return backend.Result{State: backend.StateFailed, Reason: "container disappeared"}, nil
	}
	if err != nil {
		// The daemon may be briefly unreachable; let the scheduler retry.
		return backend.Result{}, backend.MarkTransient(fmt.Errorf("inspect container: %w", err))
	}

	if inspect.State == nil || inspect.State.Running {
		return backend.Result{State: backend.StateRunning}, nil
	}

	exit := inspect.State.ExitCode
	if exit == 0 {
		return backend.Result{State: backend.StateSucceeded}, nil
	}

	reason := fmt.Sprintf("command exited with code %d", exit)
	if inspect.State.OOMKilled {
		reason = "killed by the out-of-memory killer"
	} else if inspect.State.Error != "" {
		reason = inspect.State.Error
	}
	return backend.Result{State: backend.StateFailed, ExitCode: exit, Reason: reason}, nil
}

// Cancel stops the container, best effort. Already-gone containers are fine.
func (b *Backend) Cancel(ctx context.Context, h backend.Handle) error {
	secs := int(stopTimeout.Seconds())
	err := b.cli.ContainerStop(ctx, string(h), container.StopOptions{Timeout: &secs})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("stop container: %w", err)
	}
	return nil
}

// Cleanup removes the container and releases the run's image reference
// exactly once, then gives the cache a chance to evict. Idempotent.
func (b *Backend) Cleanup(ctx context.Context, h backend.Handle) error {
	b.mu.Lock()
	state, ok := b.active[h]
	delete(b.active, h)
	b.mu.Unlock()
	if !ok {
		return nil
	}

	if state.stopLogs != nil {
		state.stopLogs()
	}

	err := b.cli.ContainerRemove(ctx, string(h), container.RemoveOptions{Force: true})
	if err != nil && !client.IsErrNotFound(err) {
		b.logger.Warn("container removal failed", "container_id", string(h), "error", err)
	}

	b.images.ReleaseReference(state.imageRef)
	if _, over := b.images.EvictIfOverBudget(ctx); over {
		b.logger.Warn("image cache over budget, all remaining images pinned")
	}
	return nil
}

// streamOutput follows the container's multiplexed log stream and delivers
// it line by line until the container exits or the context is cancelled.
func (b *Backend) streamOutput(ctx context.Context, containerID string, write func(string)) {
	rc, err := b.cli.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		b.logger.Warn("attach container logs", "container_id", containerID, "error", err)
		return
	}
	defer rc.Close()

	pr, pw := io.Pipe()
	go func() {
		_, err := stdcopy.StdCopy(pw, pw, rc)
		pw.CloseWithError(err)
	}()

	scanner := bufio.NewScanner(pr)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		write(scanner.Text())
	}
}

// binds builds the container's bind mounts: the run's working directory,
// plus read-only reference mounts for dependencies that name an absolute
// host path (shared-filesystem mode). Relative dependency paths are assumed
// to have been materialized under the working directory already.
func binds(spec backend.StartSpec) []string {
	out := []string{spec.WorkDir + ":" + containerWorkDir}
	for _, dep := range spec.Run.Dependencies {
		if filepath.IsAbs(dep.ParentPath) {
			out = append(out, fmt.Sprintf("%s:%s:ro",
				dep.ParentPath, filepath.Join(containerWorkDir, dep.ChildPath)))
		}
	}
	return out
}

func deviceIDs(gpus []int) []string {
	out := make([]string, len(gpus))
	for i, id := range gpus {
		out[i] = fmt.Sprintf("%d", id)
	}
	return out
}

// classifyStartErr maps a raw start failure onto the scheduler's retry
// taxonomy: pull failures retry on a fresh attempt, an unreachable daemon
// degrades the worker, anything else is a run-scoped rejection.
func classifyStartErr(err error) error {
	var pullErr *imagecache.PullError
	if errors.As(err, &pullErr) {
		return &backend.StartError{Kind: backend.KindImagePull, Err: err}
	}
	if client.IsErrConnectionFailed(err) {
		return &backend.StartError{Kind: backend.KindRuntimeUnavailable, Err: err}
	}
	return &backend.StartError{Kind: backend.KindResourceRejected, Err: err}
}
