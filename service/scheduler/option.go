package scheduler

import (
	"log"

	"github.com/taskmill/taskmill/model"
	"github.com/taskmill/taskmill/service/executor"
	"github.com/taskmill/taskmill/service/messaging"
)

// Option customises the scheduler service
type Option func(*Service)

// WithTaskQueue sets the inbound submission queue
func WithTaskQueue(queue messaging.Queue[model.Submission]) Option {
	return func(s *Service) {
		s.tasks = queue
	}
}

// WithResultQueue sets the outbound outcome queue
func WithResultQueue(queue messaging.Queue[model.TaskOutcome]) Option {
	return func(s *Service) {
		s.results = queue
	}
}

// WithExecutor sets the task executor
func WithExecutor(executor executor.Service) Option {
	return func(s *Service) {
		s.executor = executor
	}
}

// WithWorkerID sets the human readable worker label carried on outcomes
func WithWorkerID(id string) Option {
	return func(s *Service) {
		s.workerID = id
	}
}

// WithMaxConcurrent sets the concurrency ceiling
func WithMaxConcurrent(count int) Option {
	return func(s *Service) {
		s.config.MaxConcurrent = count
	}
}

// WithConfig sets the configuration for the service
func WithConfig(config Config) Option {
	return func(s *Service) {
		s.config = config
	}
}

// WithLogger sets the logger
func WithLogger(logger *log.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}
