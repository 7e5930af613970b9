package taskmill

import (
	"log"

	"github.com/taskmill/taskmill/model"
	"github.com/taskmill/taskmill/service/executor"
	"github.com/taskmill/taskmill/service/messaging"
	"github.com/taskmill/taskmill/service/supervisor"
)

// Option customises the runtime service
type Option func(s *Service)

// WithConfig sets the runtime configuration
func WithConfig(config *Config) Option {
	return func(s *Service) {
		s.config = config
	}
}

// WithQueueBaseURL sets the directory the shared filesystem queues live under
func WithQueueBaseURL(baseURL string) Option {
	return func(s *Service) {
		s.queueBaseURL = baseURL
	}
}

// WithMemoryQueues switches the runtime to in-process workers over channel
// backed queues; requires WithExecutor.
func WithMemoryQueues() Option {
	return func(s *Service) {
		s.memoryQueues = true
	}
}

// WithExecutor sets the task executor used by in-process workers
func WithExecutor(exec executor.Service) Option {
	return func(s *Service) {
		s.executor = exec
	}
}

// WithSpawner overrides the worker spawner
func WithSpawner(spawner supervisor.Spawner) Option {
	return func(s *Service) {
		s.spawner = spawner
	}
}

// WithTaskQueue sets the submission queue
func WithTaskQueue(queue messaging.Queue[model.Submission]) Option {
	return func(s *Service) {
		s.tasks = queue
	}
}

// WithResultQueue sets the outcome queue
func WithResultQueue(queue messaging.Queue[model.TaskOutcome]) Option {
	return func(s *Service) {
		s.results = queue
	}
}

// WithLogger sets the logger
func WithLogger(logger *log.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithTracing initialises OpenTelemetry tracing with the stdout exporter;
// outputFile may be empty to write spans to os.Stdout.
func WithTracing(serviceName, serviceVersion, outputFile string) Option {
	return func(s *Service) {
		s.tracingService = serviceName
		s.tracingVersion = serviceVersion
		s.tracingOutput = outputFile
	}
}
