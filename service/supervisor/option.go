package supervisor

import (
	"log"

	"github.com/taskmill/taskmill/model"
	"github.com/taskmill/taskmill/service/messaging"
)

// Option customises the supervisor service
type Option func(*Service)

// WithTaskQueue sets the shared submission queue
func WithTaskQueue(queue messaging.Queue[model.Submission]) Option {
	return func(s *Service) {
		s.tasks = queue
	}
}

// WithResultQueue sets the shared outcome queue
func WithResultQueue(queue messaging.Queue[model.TaskOutcome]) Option {
	return func(s *Service) {
		s.results = queue
	}
}

// WithSpawner sets the worker process spawner
func WithSpawner(spawner Spawner) Option {
	return func(s *Service) {
		s.spawner = spawner
	}
}

// WithQueueBaseURL sets the queue location handed to spawned worker processes
func WithQueueBaseURL(baseURL string) Option {
	return func(s *Service) {
		s.queueBaseURL = baseURL
	}
}

// WithConfig sets the configuration for the service
func WithConfig(config Config) Option {
	return func(s *Service) {
		s.config = config
	}
}

// WithMinWorkers sets the minimum live worker count
func WithMinWorkers(count int) Option {
	return func(s *Service) {
		s.config.MinWorkers = count
	}
}

// WithMaxWorkers sets the maximum live worker count
func WithMaxWorkers(count int) Option {
	return func(s *Service) {
		s.config.MaxWorkers = count
	}
}

// WithWorkerConcurrency sets the per worker concurrency ceiling
func WithWorkerConcurrency(count int) Option {
	return func(s *Service) {
		s.config.WorkerConcurrency = count
	}
}

// WithLogger sets the logger
func WithLogger(logger *log.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}
