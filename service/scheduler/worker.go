package scheduler

import (
	"context"
	"fmt"
	"os"
	"path"
	"strconv"

	"github.com/viant/afs"

	"github.com/taskmill/taskmill/model"
	"github.com/taskmill/taskmill/service/executor"
	"github.com/taskmill/taskmill/service/messaging/fs"
)

// Environment variables used to hand queue coordinates to a spawned worker
// process. The supervisor sets them; RunWorkerProcess reads them.
const (
	EnvWorker        = "TASKMILL_WORKER"
	EnvWorkerID      = "TASKMILL_WORKER_ID"
	EnvQueueURL      = "TASKMILL_QUEUE_URL"
	EnvMaxConcurrent = "TASKMILL_CONCURRENCY"
)

// TaskQueueName and ResultQueueName are the directories of the two shared
// queues under the queue base URL.
const (
	TaskQueueName   = "tasks"
	ResultQueueName = "results"
)

// IsWorkerProcess reports whether the current process was spawned by a
// supervisor as a worker. Host binaries call it early in main and branch into
// RunWorkerProcess when it returns true.
func IsWorkerProcess() bool {
	return os.Getenv(EnvWorker) == "1"
}

// RunWorkerProcess attaches to the shared filesystem queues advertised in the
// environment and runs the scheduling loop with the supplied executor until
// it terminates. It is the worker side of the supervisor's Spawn.
func RunWorkerProcess(ctx context.Context, exec executor.Service) error {
	baseURL := os.Getenv(EnvQueueURL)
	if baseURL == "" {
		return fmt.Errorf("%v is not set", EnvQueueURL)
	}

	fileService := afs.New()
	tasks, err := fs.NewQueue[model.Submission](fileService, fs.DefaultConfig(path.Join(baseURL, TaskQueueName)))
	if err != nil {
		return fmt.Errorf("failed to open task queue: %w", err)
	}
	results, err := fs.NewQueue[model.TaskOutcome](fileService, fs.DefaultConfig(path.Join(baseURL, ResultQueueName)))
	if err != nil {
		return fmt.Errorf("failed to open result queue: %w", err)
	}

	options := []Option{
		WithTaskQueue(tasks),
		WithResultQueue(results),
		WithExecutor(exec),
	}
	if workerID := os.Getenv(EnvWorkerID); workerID != "" {
		options = append(options, WithWorkerID(workerID))
	}
	if raw := os.Getenv(EnvMaxConcurrent); raw != "" {
		if maxConcurrent, err := strconv.Atoi(raw); err == nil {
			options = append(options, WithMaxConcurrent(maxConcurrent))
		}
	}

	service, err := New(options...)
	if err != nil {
		return err
	}
	return service.Run(ctx)
}
