// Package awsbatch implements the remote batch backend on AWS Batch. Runs
// are submitted as jobs to a pre-existing queue; CPU/GPU partitioning is
// delegated to Batch, so the worker's local resource pool is bypassed.
package awsbatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/batch"
	batchtypes "github.com/aws/aws-sdk-go-v2/service/batch/types"

	"github.com/seantiz/crucible/internal/backend"
	"github.com/seantiz/crucible/internal/model"
)

// BackendName identifies this variant in logs and status output.
const BackendName = "aws-batch"

// jobNamePrefix namespaces this worker's jobs in the shared queue.
const jobNamePrefix = "crucible-"

// API is the slice of the AWS Batch client the backend uses; narrowed so
// tests can supply a fake.
type API interface {
	SubmitJob(ctx context.Context, in *batch.SubmitJobInput, opts ...func(*batch.Options)) (*batch.SubmitJobOutput, error)
	DescribeJobs(ctx context.Context, in *batch.DescribeJobsInput, opts ...func(*batch.Options)) (*batch.DescribeJobsOutput, error)
	ListJobs(ctx context.Context, in *batch.ListJobsInput, opts ...func(*batch.Options)) (*batch.ListJobsOutput, error)
	TerminateJob(ctx context.Context, in *batch.TerminateJobInput, opts ...func(*batch.Options)) (*batch.TerminateJobOutput, error)
}

// Backend submits runs to an AWS Batch queue.
type Backend struct {
	client        API
	queue         string
	jobDefinition string
	logger        *slog.Logger
}

// NewBackend creates a Batch backend for the given queue and job
// definition, both of which must already exist.
func NewBackend(client API, queue, jobDefinition string, logger *slog.Logger) *Backend {
	return &Backend{
		client:        client,
		queue:         queue,
		jobDefinition: jobDefinition,
		logger:        logger,
	}
}

// Capabilities reports that Batch owns resource partitioning for its runs.
func (b *Backend) Capabilities() backend.Capabilities {
	return backend.Capabilities{Name: BackendName, LocalResources: false}
}

// Start submits the run as a Batch job. Submission is idempotent: the job
// name is derived deterministically from the bundle identifier, and an
// existing live job under that name is adopted instead of resubmitted, so
// a retry after a transient submit failure cannot create a duplicate.
func (b *Backend) Start(ctx context.Context, spec backend.StartSpec) (backend.Handle, error) {
	name := JobName(spec.Run.BundleUUID)

	if id, found, err := b.findExisting(ctx, name); err != nil {
		return "", backend.MarkTransient(fmt.Errorf("probe existing job %s: %w", name, err))
	} else if found {
		b.logger.Info("adopted existing batch job", "job_name", name, "job_id", id)
		return backend.Handle(id), nil
	}

	out, err := b.client.SubmitJob(ctx, &batch.SubmitJobInput{
		JobName:       aws.String(name),
		JobQueue:      aws.String(b.queue),
		JobDefinition: aws.String(b.jobDefinition),
		ContainerOverrides: &batchtypes.ContainerOverrides{
			Command:              spec.Run.Command,
			ResourceRequirements: resourceRequirements(spec.Run.Resources),
		},
	})
	if err != nil {
		var ce *batchtypes.ClientException
		if errors.As(err, &ce) {
			// The queue or definition rejected the job shape; run-scoped.
			return "", &backend.StartError{Kind: backend.KindResourceRejected, Err: err}
		}
		return "", backend.MarkTransient(fmt.Errorf("submit job %s: %w", name, err))
	}

	b.logger.Info("batch job submitted", "job_name", name, "job_id", aws.ToString(out.JobId))
	return backend.Handle(aws.ToString(out.JobId)), nil
}

// Poll maps the queue's job-state vocabulary onto the three-way contract.
// Network and API errors are transient; the scheduler retries with backoff.
func (b *Backend) Poll(ctx context.Context, h backend.Handle) (backend.Result, error) {
	out, err := b.client.DescribeJobs(ctx, &batch.DescribeJobsInput{
		Jobs: []string{string(h)},
	})
	if err != nil {
		return backend.Result{}, backend.MarkTransient(fmt.Errorf("describe job %s: %w", h, err))
	}
	if len(out.Jobs) == 0 {
		return backend.Result{State: backend.StateFailed, Reason: "job no longer known to the batch queue"}, nil
	}

	job := out.Jobs[0]
	switch job.Status {
	case batchtypes.JobStatusSucceeded:
		return backend.Result{State: backend.StateSucceeded, ExitCode: containerExitCode(job)}, nil
	case batchtypes.JobStatusFailed:
		return backend.Result{
			State:    backend.StateFailed,
			ExitCode: containerExitCode(job),
			Reason:   failureReason(job),
		}, nil
	default:
		// SUBMITTED, PENDING, RUNNABLE, STARTING, and RUNNING are all
		// "still going" from the scheduler's point of view.
		return backend.Result{State: backend.StateRunning}, nil
	}
}

// Cancel terminates the job, best effort.
func (b *Backend) Cancel(ctx context.Context, h backend.Handle) error {
	_, err := b.client.TerminateJob(ctx, &batch.TerminateJobInput{
		JobId:  aws.String(string(h)),
		Reason: aws.String("cancelled by crucible worker"),
	})
	if err != nil {
		return fmt.Errorf("terminate job %s: %w", h, err)
	}
	return nil
}

// Cleanup is a no-op for Batch; the queue owns job record retention.
func (b *Backend) Cleanup(ctx context.Context, h backend.Handle) error {
	return nil
}

// findExisting looks the deterministic job name up in the queue and returns
// the id of a live submission when one exists.
func (b *Backend) findExisting(ctx context.Context, name string) (string, bool, error) {
	out, err := b.client.ListJobs(ctx, &batch.ListJobsInput{
		JobQueue: aws.String(b.queue),
		Filters: []batchtypes.KeyValuesPair{
			{Name: aws.String("JOB_NAME"), Values: []string{name}},
		},
	})
	if err != nil {
		return "", false, err
	}
	for _, job := range out.JobSummaryList {
		if job.Status == batchtypes.JobStatusSucceeded || job.Status == batchtypes.JobStatusFailed {
			continue
		}
		return aws.ToString(job.JobId), true, nil
	}
	return "", false, nil
}

// JobName derives the deterministic Batch job name for a bundle. Batch job
// names allow letters, digits, hyphens, and underscores, up to 128 chars.
func JobName(bundleUUID string) string {
	mapped := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '-'
		}
	}, bundleUUID)

	name := jobNamePrefix + mapped
	if len(name) > 128 {
		name = name[:128]
	}
	return name
}

func resourceRequirements(res model.Resources) []batchtypes.ResourceRequirement {
	var reqs []batchtypes.ResourceRequirement
	if res.CPUs > 0 {
		reqs = append(reqs, batchtypes.ResourceRequirement{
			Type:  batchtypes.ResourceTypeVcpu,
			Value: aws.String(strconv.Itoa(res.CPUs)),
		})
	}
	if res.MemoryMB > 0 {
		reqs = append(reqs, batchtypes.ResourceRequirement{
			Type:  batchtypes.ResourceTypeMemory,
			Value: aws.String(strconv.FormatInt(res.MemoryMB, 10)),
		})
	}
	if res.GPUs > 0 {
		reqs = append(reqs, batchtypes.ResourceRequirement{
			Type:  batchtypes.ResourceTypeGpu,
			Value: aws.String(strconv.Itoa(res.GPUs)),
		})
	}
	return reqs
}

func containerExitCode(job batchtypes.JobDetail) int {
	if job.Container != nil && job.Container.ExitCode != nil {
		return int(*job.Container.ExitCode)
	}
	return 0
}

func failureReason(job batchtypes.JobDetail) string {
	if job.StatusReason != nil && *job.StatusReason != "" {
		return *job.StatusReason
	}
	if job.Container != nil && job.Container.Reason != nil && *job.Container.Reason != "" {
		return *job.Container.Reason
	}
	return "batch job failed"
}
