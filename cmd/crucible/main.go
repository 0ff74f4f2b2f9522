package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/batch"
	"golang.org/x/sync/errgroup"

	"github.com/seantiz/crucible/internal/api"
	"github.com/seantiz/crucible/internal/backend"
	"github.com/seantiz/crucible/internal/backend/awsbatch"
	"github.com/seantiz/crucible/internal/backend/docker"
	"github.com/seantiz/crucible/internal/config"
	"github.com/seantiz/crucible/internal/coordinator"
	"github.com/seantiz/crucible/internal/imagecache"
	"github.com/seantiz/crucible/internal/resource"
	"github.com/seantiz/crucible/internal/scheduler"
	"github.com/seantiz/crucible/internal/store"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("crucible: %v", err)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("crucible: starting",
		"worker_id", cfg.WorkerID,
		"server_url", cfg.ServerURL,
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
	)

	creds := config.Credentials{}
	if cfg.PasswordFile != "" {
		creds, err = config.LoadCredentials(cfg.PasswordFile)
		if err != nil {
			return err
		}
	}

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	be, pool, images, err := buildBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}

	// Shared-filesystem deployments reference bundle data in place, so the
	// local disk budget does not apply.
	workdirBudget := cfg.MaxWorkDirBytes
	if cfg.SharedFilesystem {
		workdirBudget = 0
	}
	workdirs, err := scheduler.NewWorkdirManager(cfg.WorkDir, workdirBudget, logger)
	if err != nil {
		return err
	}

	coord := coordinator.NewHTTPClient(cfg.ServerURL, cfg.WorkerID, creds.Username, creds.Password)

	sched := scheduler.New(scheduler.Config{
		WorkerID:      cfg.WorkerID,
		Tag:           cfg.Tag,
		MaxDepsLength: cfg.MaxDepsLength,
		GracePeriod:   cfg.GracePeriod,
	}, coord, be, pool, workdirs, db, logger)

	srv := api.NewServer(cfg.ListenAddr, db, sched, images, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sched.Run(gctx) })
	g.Go(func() error { return srv.Run(gctx) })

	fmt.Println("Worker started; waiting for runs.")
	return g.Wait()
}

// buildBackend picks the execution backend from configuration: AWS Batch
// when a queue is named, local Docker otherwise. The resource pool and
// image cache exist only for the local backend.
func buildBackend(ctx context.Context, cfg config.Config, logger *slog.Logger) (backend.Backend, *resource.Pool, *imagecache.Manager, error) {
	if cfg.BatchQueue != "" {
		if cfg.BatchJobDefinition == "" {
			return nil, nil, nil, fmt.Errorf("%s requires %s to be set",
				"CRUCIBLE_BATCH_QUEUE", "CRUCIBLE_BATCH_JOB_DEFINITION")
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("load aws config: %w", err)
		}
		be := awsbatch.NewBackend(batch.NewFromConfig(awsCfg), cfg.BatchQueue, cfg.BatchJobDefinition, logger)
		logger.Info("using aws batch backend", "queue", cfg.BatchQueue, "job_definition", cfg.BatchJobDefinition)
		return be, nil, nil, nil
	}

	cli, err := docker.NewClient(ctx)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("connect to docker: %w", err)
	}

	cpuIDs, err := resolveCPUs(cfg.CPUSet)
	if err != nil {
		return nil, nil, nil, err
	}
	gpuIDs, err := resolveGPUs(ctx, cfg.GPUSet)
	if err != nil {
		return nil, nil, nil, err
	}
	pool, err := resource.NewPool(cpuIDs, gpuIDs)
	if err != nil {
		return nil, nil, nil, err
	}
	logger.Info("local resource pool", "cpus", len(cpuIDs), "gpus", len(gpuIDs))

	images := imagecache.NewManager(docker.NewImages(cli), cfg.MaxImageCacheBytes, logger)
	return docker.NewBackend(cli, images, logger), pool, images, nil
}

// resolveCPUs turns the cpuset description into concrete identifiers,
// enumerating every host CPU for the ALL sentinel.
func resolveCPUs(raw string) ([]int, error) {
	ids, all, err := config.ParseIDSet(raw)
	if err != nil {
		return nil, fmt.Errorf("parse cpuset: %w", err)
	}
	if all {
		for i := 0; i < runtime.NumCPU(); i++ {
			ids = append(ids, i)
		}
	}
	return ids, nil
}

// resolveGPUs turns the gpuset description into concrete identifiers. The
// ALL sentinel asks the driver; a host without GPUs yields an empty pool.
func resolveGPUs(ctx context.Context, raw string) ([]int, error) {
	ids, all, err := config.ParseIDSet(raw)
	if err != nil {
		return nil, fmt.Errorf("parse gpuset: %w", err)
	}
	if all {
		return resource.DiscoverGPUs(ctx), nil
	}
	return ids, nil
}
