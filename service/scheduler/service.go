package scheduler

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/taskmill/taskmill/internal/clock"
	"github.com/taskmill/taskmill/model"
	"github.com/taskmill/taskmill/service/executor"
	"github.com/taskmill/taskmill/service/messaging"
	"github.com/taskmill/taskmill/tracing"
)

// Config represents scheduler service configuration
type Config struct {
	// MaxConcurrent is the ceiling on simultaneously executing work items.
	// Each in-flight execution typically holds one outbound connection, so
	// the default is deliberately small.
	MaxConcurrent int

	// PollInterval is the backoff before re-polling the task queue while
	// below the ceiling with work still in flight
	PollInterval time.Duration
}

// DefaultConfig returns the default scheduler configuration
func DefaultConfig() Config {
	return Config{
		MaxConcurrent: 2,
		PollInterval:  100 * time.Millisecond,
	}
}

// Service runs the cooperative scheduling loop of a single worker
type Service struct {
	config   Config
	workerID string
	tasks    messaging.Queue[model.Submission]
	results  messaging.Queue[model.TaskOutcome]
	executor executor.Service
	logger   *log.Logger
}

// New creates a new scheduler service
func New(options ...Option) (*Service, error) {
	s := &Service{
		config: DefaultConfig(),
	}
	for _, opt := range options {
		opt(s)
	}
	if s.executor == nil {
		return nil, fmt.Errorf("executor is required")
	}
	if s.tasks == nil {
		return nil, fmt.Errorf("task queue is required")
	}
	if s.results == nil {
		return nil, fmt.Errorf("result queue is required")
	}
	if s.config.MaxConcurrent <= 0 {
		s.config.MaxConcurrent = DefaultConfig().MaxConcurrent
	}
	if s.config.PollInterval <= 0 {
		s.config.PollInterval = DefaultConfig().PollInterval
	}
	if s.workerID == "" {
		s.workerID = "Worker-00"
	}
	if s.logger == nil {
		s.logger = log.Default()
	}
	return s, nil
}

// Run executes the scheduling loop until the worker idles out, receives a
// STOP directive or ctx is cancelled. Suspension only ever blocks on internal
// completions, never on the cross process queue, so a slow execution cannot
// starve result delivery.
func (s *Service) Run(ctx context.Context) error {
	s.logger.Printf("worker %s: scheduler started, maxConcurrent=%d", s.workerID, s.config.MaxConcurrent)

	completions := make(chan *model.TaskOutcome, s.config.MaxConcurrent)
	active := 0
	completed := 0

	for {
		// Sweep already finished executions before anything else.
		for swept := true; swept; {
			select {
			case outcome := <-completions:
				active--
				completed++
				s.publish(ctx, outcome)
			default:
				swept = false
			}
		}

		if ctx.Err() != nil {
			completed += s.drain(active, completions)
			s.logger.Printf("worker %s: context cancelled, exiting after %d tasks", s.workerID, completed)
			return ctx.Err()
		}

		if active < s.config.MaxConcurrent {
			msg, err := s.tasks.TryConsume(ctx)
			if err != nil {
				s.logger.Printf("worker %s: failed to poll task queue: %v", s.workerID, err)
				time.Sleep(s.config.PollInterval)
				continue
			}
			if msg != nil {
				submission := msg.T()
				_ = msg.Ack()
				if submission.IsStop() {
					completed += s.drain(active, completions)
					s.logger.Printf("worker %s: STOP received, exiting after %d tasks", s.workerID, completed)
					return nil
				}
				if submission.Task != nil {
					s.launch(ctx, submission.Task, completions)
					active++
				}
				continue
			}
			// Queue empty. With nothing in flight the worker is idle and
			// exits rather than spinning; the supervisor restores capacity.
			if active == 0 {
				s.logger.Printf("worker %s: queue empty, exiting after %d tasks", s.workerID, completed)
				return nil
			}
			select {
			case outcome := <-completions:
				active--
				completed++
				s.publish(ctx, outcome)
			case <-time.After(s.config.PollInterval):
			}
			continue
		}

		// At the ceiling: suspend until at least one execution completes.
		select {
		case outcome := <-completions:
			active--
			completed++
			s.publish(ctx, outcome)
		case <-ctx.Done():
		}
	}
}

// launch starts one concurrent execution. Failures and panics of the executor
// are converted into failed outcomes; they never abort the loop or siblings.
func (s *Service) launch(ctx context.Context, item *model.WorkItem, completions chan<- *model.TaskOutcome) {
	go func() {
		started := clock.Now()
		outcome := &model.TaskOutcome{
			TaskID:   item.ID,
			WorkerID: s.workerID,
		}
		defer func() {
			if r := recover(); r != nil {
				outcome.Success = false
				outcome.Content = ""
				outcome.Error = fmt.Sprintf("executor panic: %v", r)
				outcome.ExecutionTime = time.Since(started).Seconds()
			}
			completions <- outcome
		}()

		execCtx, span := tracing.StartSpan(ctx, fmt.Sprintf("scheduler.execute %s", item.ID), "INTERNAL")
		span.WithAttributes(map[string]string{"task.id": item.ID, "worker.id": s.workerID})

		result, err := s.executor.Execute(execCtx, item)
		tracing.EndSpan(span, err)

		outcome.ExecutionTime = time.Since(started).Seconds()
		if err != nil {
			outcome.Success = false
			outcome.Error = err.Error()
			return
		}
		outcome.Success = true
		if result != nil {
			outcome.Content = result.Content
			if result.ExecutionTime > 0 {
				outcome.ExecutionTime = result.ExecutionTime
			}
		}
	}()
}

// drain waits for all in-flight executions and publishes their outcomes; no
// new work is accepted. Publishing uses a background context so that results
// survive cancellation of the loop context.
func (s *Service) drain(active int, completions <-chan *model.TaskOutcome) int {
	if active > 0 {
		s.logger.Printf("worker %s: draining %d in-flight tasks", s.workerID, active)
	}
	drained := 0
	for ; active > 0; active-- {
		outcome := <-completions
		drained++
		s.publish(context.Background(), outcome)
	}
	return drained
}

func (s *Service) publish(ctx context.Context, outcome *model.TaskOutcome) {
	if ctx.Err() != nil {
		ctx = context.Background()
	}
	if err := s.results.Publish(ctx, outcome); err != nil {
		s.logger.Printf("worker %s: failed to publish outcome for task %s: %v", s.workerID, outcome.TaskID, err)
	}
}
