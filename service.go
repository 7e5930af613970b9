package taskmill

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path"
	"time"

	"github.com/viant/afs"

	"github.com/taskmill/taskmill/internal/idgen"
	"github.com/taskmill/taskmill/model"
	"github.com/taskmill/taskmill/service/executor"
	"github.com/taskmill/taskmill/service/messaging"
	"github.com/taskmill/taskmill/service/messaging/fs"
	"github.com/taskmill/taskmill/service/messaging/memory"
	"github.com/taskmill/taskmill/service/scheduler"
	"github.com/taskmill/taskmill/service/supervisor"
	"github.com/taskmill/taskmill/tracing"
)

// Service is the high-level façade over the runtime: it assembles the two
// shared queues, the worker spawner and the supervisor, and delegates the
// submit/collect/stats/start/shutdown surface to the supervisor.
type Service struct {
	config       *Config
	queueBaseURL string
	tasks        messaging.Queue[model.Submission]
	results      messaging.Queue[model.TaskOutcome]
	spawner      supervisor.Spawner
	supervisor   *supervisor.Service
	executor     executor.Service
	logger       *log.Logger
	memoryQueues bool

	tracingService string
	tracingVersion string
	tracingOutput  string
}

// New creates a runtime service. By default workers are separate OS processes
// attached through filesystem queues; WithMemoryQueues switches to in-process
// workers over channel queues.
func New(options ...Option) (*Service, error) {
	s := &Service{}
	for _, option := range options {
		option(s)
	}
	if err := s.init(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Service) init() error {
	if s.config == nil {
		s.config = DefaultConfig()
	}
	if err := s.config.Validate(); err != nil {
		return err
	}
	if s.logger == nil {
		s.logger = log.Default()
	}
	if s.tracingService != "" {
		if err := tracing.Init(s.tracingService, s.tracingVersion, s.tracingOutput); err != nil {
			return fmt.Errorf("failed to initialise tracing: %w", err)
		}
	}
	if err := s.ensureBaseSetup(); err != nil {
		return err
	}

	var err error
	s.supervisor, err = supervisor.New(
		supervisor.WithTaskQueue(s.tasks),
		supervisor.WithResultQueue(s.results),
		supervisor.WithSpawner(s.spawner),
		supervisor.WithQueueBaseURL(s.queueBaseURL),
		supervisor.WithConfig(s.config.supervisorConfig()),
		supervisor.WithLogger(s.logger),
	)
	return err
}

func (s *Service) ensureBaseSetup() error {
	if s.memoryQueues {
		if s.tasks == nil {
			s.tasks = memory.NewQueue[model.Submission](memory.DefaultConfig())
		}
		if s.results == nil {
			s.results = memory.NewQueue[model.TaskOutcome](memory.DefaultConfig())
		}
		if s.spawner == nil {
			if s.executor == nil {
				return fmt.Errorf("executor is required with memory queues")
			}
			s.spawner = supervisor.NewGoSpawner(s.tasks, s.results, s.executor)
		}
		return nil
	}

	if s.queueBaseURL == "" {
		if s.config.QueueBaseURL != "" {
			s.queueBaseURL = s.config.QueueBaseURL
		} else {
			s.queueBaseURL = path.Join(os.TempDir(), "taskmill", idgen.New())
		}
	}
	fileService := afs.New()
	if s.tasks == nil {
		tasks, err := fs.NewQueue[model.Submission](fileService, fs.DefaultConfig(path.Join(s.queueBaseURL, scheduler.TaskQueueName)))
		if err != nil {
			return fmt.Errorf("failed to create task queue: %w", err)
		}
		s.tasks = tasks
	}
	if s.results == nil {
		results, err := fs.NewQueue[model.TaskOutcome](fileService, fs.DefaultConfig(path.Join(s.queueBaseURL, scheduler.ResultQueueName)))
		if err != nil {
			return fmt.Errorf("failed to create result queue: %w", err)
		}
		s.results = results
	}
	if s.spawner == nil {
		s.spawner = supervisor.NewExecSpawner()
	}
	return nil
}

// Supervisor exposes the underlying supervisor service
func (s *Service) Supervisor() *supervisor.Service {
	return s.supervisor
}

// Start spawns the initial workers and the monitoring loop
func (s *Service) Start(ctx context.Context) error {
	return s.supervisor.Start(ctx)
}

// Submit enqueues one work item and returns its task id
func (s *Service) Submit(ctx context.Context, payload json.RawMessage) (string, error) {
	return s.supervisor.Submit(ctx, payload)
}

// Collect dequeues one outcome, waiting up to timeout; (nil, nil) on timeout
func (s *Service) Collect(ctx context.Context, timeout time.Duration) (*model.TaskOutcome, error) {
	return s.supervisor.Collect(ctx, timeout)
}

// Stats returns a point-in-time snapshot of the runtime counters
func (s *Service) Stats() model.Stats {
	return s.supervisor.Stats()
}

// Shutdown stops the monitoring loop and the workers
func (s *Service) Shutdown(ctx context.Context) error {
	return s.supervisor.Shutdown(ctx)
}

// IsWorkerProcess reports whether the current process was spawned as a worker
func IsWorkerProcess() bool {
	return scheduler.IsWorkerProcess()
}

// RunWorker is the worker-process branch of a host binary: it attaches to the
// queues advertised in the environment and runs the scheduling loop with the
// supplied executor until the worker idles out or is told to stop.
func RunWorker(ctx context.Context, exec executor.Service) error {
	return scheduler.RunWorkerProcess(ctx, exec)
}
