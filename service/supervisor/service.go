package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/taskmill/taskmill/model"
	"github.com/taskmill/taskmill/service/messaging"
	"github.com/taskmill/taskmill/tracing"
)

// ErrMaxWorkers is returned by SpawnWorker when the registry already holds
// the configured maximum number of workers.
var ErrMaxWorkers = errors.New("maximum worker count reached")

// ErrNotStarted is returned when Submit or Collect is called before Start.
var ErrNotStarted = errors.New("supervisor is not started")

// Status describes a worker record in the registry
type Status string

const (
	// StatusStarting indicates the worker process has been created but not
	// yet observed running
	StatusStarting Status = "starting"

	// StatusRunning indicates the worker is live
	StatusRunning Status = "running"

	// StatusExited indicates the worker process has terminated
	StatusExited Status = "exited"
)

// WorkerRecord is the registry entry for one live worker. The WorkerID label
// is human readable and not globally unique; collisions are cosmetic only.
type WorkerRecord struct {
	PID      int
	WorkerID string
	Status   Status

	proc Process
}

// Config represents supervisor service configuration
type Config struct {
	// MinWorkers is the worker count the supervisor restores after exits
	MinWorkers int

	// MaxWorkers bounds the registry size
	MaxWorkers int

	// WorkerConcurrency is the per worker concurrency ceiling
	WorkerConcurrency int

	// MonitorInterval is the pause between monitoring passes
	MonitorInterval time.Duration

	// ShutdownGrace is how long Shutdown waits for workers to drain before
	// force terminating them
	ShutdownGrace time.Duration

	// CollectTimeout is the wait applied by Collect when the caller passes a
	// non-positive timeout
	CollectTimeout time.Duration

	// SpawnOnSubmit makes Submit top the registry up to MinWorkers so that a
	// submission never sits unclaimed waiting for the next monitoring pass
	// after all workers have idled out
	SpawnOnSubmit bool
}

// DefaultConfig returns the default supervisor configuration
func DefaultConfig() Config {
	return Config{
		MinWorkers:        1,
		MaxWorkers:        4,
		WorkerConcurrency: 3,
		MonitorInterval:   2 * time.Second,
		ShutdownGrace:     3 * time.Second,
		CollectTimeout:    5 * time.Second,
		SpawnOnSubmit:     true,
	}
}

type exitEvent struct {
	pid int
	err error
}

// Service is the master component: it owns the queues, the worker registry
// and the runtime counters. All registry and counter mutation happens under
// s.mu; the counters are the single source of truth for backlog size and are
// never derived from the queue implementation.
type Service struct {
	config       Config
	queueBaseURL string
	tasks        messaging.Queue[model.Submission]
	results      messaging.Queue[model.TaskOutcome]
	spawner      Spawner
	logger       *log.Logger

	mu         sync.Mutex
	workers    map[int]*WorkerRecord
	submitted  int
	completed  int
	queueDepth int
	started    bool
	stopping   bool

	exitCh     chan exitEvent
	shutdownCh chan struct{}
	monitorWg  sync.WaitGroup
}

// New creates a new supervisor service
func New(options ...Option) (*Service, error) {
	s := &Service{
		config:  DefaultConfig(),
		workers: make(map[int]*WorkerRecord),
		exitCh:  make(chan exitEvent, 64),
	}
	for _, opt := range options {
		opt(s)
	}
	if s.tasks == nil {
		return nil, fmt.Errorf("task queue is required")
	}
	if s.results == nil {
		return nil, fmt.Errorf("result queue is required")
	}
	if s.spawner == nil {
		return nil, fmt.Errorf("spawner is required")
	}
	if s.config.MinWorkers <= 0 {
		s.config.MinWorkers = DefaultConfig().MinWorkers
	}
	if s.config.MaxWorkers < s.config.MinWorkers {
		s.config.MaxWorkers = s.config.MinWorkers
	}
	if s.config.WorkerConcurrency <= 0 {
		s.config.WorkerConcurrency = DefaultConfig().WorkerConcurrency
	}
	if s.config.MonitorInterval <= 0 {
		s.config.MonitorInterval = DefaultConfig().MonitorInterval
	}
	if s.config.ShutdownGrace <= 0 {
		s.config.ShutdownGrace = DefaultConfig().ShutdownGrace
	}
	if s.config.CollectTimeout <= 0 {
		s.config.CollectTimeout = DefaultConfig().CollectTimeout
	}
	if s.logger == nil {
		s.logger = log.Default()
	}
	return s, nil
}

// SpawnWorker creates one worker bound to the shared queues and records it in
// the registry. It fails with ErrMaxWorkers when the registry is full.
func (s *Service) SpawnWorker(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.spawnWorkerLocked(ctx)
}

func (s *Service) spawnWorkerLocked(ctx context.Context) (string, error) {
	if len(s.workers) >= s.config.MaxWorkers {
		s.logger.Printf("master: maximum worker count reached: %d", s.config.MaxWorkers)
		return "", ErrMaxWorkers
	}

	workerID := fmt.Sprintf("Worker-%02d", 10+rand.Intn(90))
	record := &WorkerRecord{WorkerID: workerID, Status: StatusStarting}
	proc, err := s.spawner.Spawn(ctx, WorkerSpec{
		WorkerID:      workerID,
		QueueBaseURL:  s.queueBaseURL,
		MaxConcurrent: s.config.WorkerConcurrency,
	})
	if err != nil {
		return "", fmt.Errorf("failed to spawn worker: %w", err)
	}

	record.PID = proc.PID()
	record.proc = proc
	record.Status = StatusRunning
	s.workers[record.PID] = record
	s.logger.Printf("[*] master: scaled up -> %s (pid %d)", workerID, record.PID)

	go func() {
		err := proc.Wait()
		s.exitCh <- exitEvent{pid: record.PID, err: err}
	}()
	return workerID, nil
}

// Submit enqueues one work item and returns its task id. It never blocks the
// caller beyond the queue's own enqueue latency.
func (s *Service) Submit(ctx context.Context, payload json.RawMessage) (string, error) {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if !started {
		return "", ErrNotStarted
	}

	item := model.NewWorkItem(payload)
	ctx, span := tracing.StartSpan(ctx, "supervisor.submit", "INTERNAL")
	span.WithAttributes(map[string]string{"task.id": item.ID})

	submission := model.Submission{Task: item}
	err := s.tasks.Publish(ctx, &submission)
	tracing.EndSpan(span, err)
	if err != nil {
		return "", fmt.Errorf("failed to enqueue task: %w", err)
	}

	s.mu.Lock()
	s.submitted++
	s.queueDepth++
	total := s.submitted
	s.mu.Unlock()
	s.logger.Printf("[master] task %s submitted, total=%d", item.ID, total)

	if s.config.SpawnOnSubmit {
		s.ensureCapacity(ctx)
	}
	return item.ID, nil
}

// Collect dequeues one outcome, waiting up to timeout. A timeout is not an
// error: it returns (nil, nil).
func (s *Service) Collect(ctx context.Context, timeout time.Duration) (*model.TaskOutcome, error) {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if !started {
		return nil, ErrNotStarted
	}

	if timeout <= 0 {
		timeout = s.config.CollectTimeout
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	msg, err := s.results.Consume(waitCtx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, nil
		}
		return nil, err
	}
	if msg == nil {
		return nil, nil
	}
	outcome := msg.T()
	_ = msg.Ack()

	s.mu.Lock()
	s.completed++
	s.queueDepth--
	s.mu.Unlock()
	return outcome, nil
}

// Workers returns a snapshot of the current registry records.
func (s *Service) Workers() []WorkerRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	records := make([]WorkerRecord, 0, len(s.workers))
	for _, record := range s.workers {
		records = append(records, *record)
	}
	return records
}

// Stats returns a point-in-time snapshot of the runtime counters.
// ActiveWorkers is the registry size, not a process table query.
func (s *Service) Stats() model.Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return model.Stats{
		QueueDepth:    s.queueDepth,
		ActiveWorkers: len(s.workers),
		Submitted:     s.submitted,
		Completed:     s.completed,
	}
}

// Start spawns the initial workers and launches the monitoring loop. Calling
// Start on a running supervisor is a logged no-op.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		s.logger.Printf("supervisor is already running")
		return nil
	}
	s.started = true
	s.stopping = false
	s.shutdownCh = make(chan struct{})
	s.mu.Unlock()

	s.logger.Printf("supervisor starting: minWorkers=%d maxWorkers=%d workerConcurrency=%d",
		s.config.MinWorkers, s.config.MaxWorkers, s.config.WorkerConcurrency)

	for i := 0; i < s.config.MinWorkers; i++ {
		if _, err := s.SpawnWorker(ctx); err != nil {
			s.logger.Printf("master: failed to spawn initial worker: %v", err)
		}
	}

	s.monitorWg.Add(1)
	go s.monitor()
	return nil
}

// monitor reaps exited workers, restores capacity and reports aggregate state
// until Shutdown signals it to stop.
func (s *Service) monitor() {
	defer s.monitorWg.Done()
	s.logger.Printf("monitor loop started")

	ticker := time.NewTicker(s.config.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdownCh:
			s.logger.Printf("monitor loop exiting")
			return
		case <-ticker.C:
			s.ensureCapacity(context.Background())
			stats := s.Stats()
			s.logger.Printf("--- master: backlog %d | active workers %d | submitted %d | completed %d ---",
				stats.QueueDepth, stats.ActiveWorkers, stats.Submitted, stats.Completed)
		}
	}
}

// reap removes an exited worker from the registry. An abnormal exit is logged
// but treated identically to a worker that idled out.
func (s *Service) reap(event exitEvent) {
	s.mu.Lock()
	record, ok := s.workers[event.pid]
	if ok {
		record.Status = StatusExited
		delete(s.workers, event.pid)
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	if event.err != nil {
		s.logger.Printf("[!] master: worker %s (pid %d) exited abnormally: %v", record.WorkerID, event.pid, event.err)
	} else {
		s.logger.Printf("master: worker %s (pid %d) exited", record.WorkerID, event.pid)
	}
}

// reapExited consumes every queued exit event without blocking; removal
// always happens before a replacement spawns.
func (s *Service) reapExited() {
	for {
		select {
		case event := <-s.exitCh:
			s.reap(event)
		default:
			return
		}
	}
}

// ensureCapacity reaps exited workers and tops the registry up to MinWorkers.
// Spawn failures are logged and retried on the next monitoring pass rather
// than escalated.
func (s *Service) ensureCapacity(ctx context.Context) {
	s.reapExited()
	for {
		s.mu.Lock()
		need := s.started && !s.stopping && len(s.workers) < s.config.MinWorkers
		s.mu.Unlock()
		if !need {
			return
		}
		if _, err := s.SpawnWorker(ctx); err != nil {
			s.logger.Printf("master: failed to spawn worker: %v", err)
			return
		}
	}
}

// Shutdown stops the monitoring loop, asks every registered worker to stop,
// waits up to the grace period and force terminates any straggler.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.stopping = true
	s.mu.Unlock()

	s.logger.Printf("stopping supervisor...")
	close(s.shutdownCh)
	s.monitorWg.Wait()
	s.logger.Printf("monitor loop stopped")

	// Reap anything that exited since the last monitoring pass so STOP is
	// only sent to workers that are actually alive.
	s.reapExited()
	s.mu.Lock()
	count := len(s.workers)
	s.mu.Unlock()

	s.logger.Printf("sending STOP to %d workers...", count)
	for i := 0; i < count; i++ {
		stop := model.Submission{Directive: model.DirectiveStop}
		if err := s.tasks.Publish(ctx, &stop); err != nil {
			s.logger.Printf("master: failed to enqueue STOP: %v", err)
		}
	}

	s.awaitWorkerExit()
	s.killRemaining()

	s.mu.Lock()
	s.started = false
	stats := model.Stats{
		QueueDepth:    s.queueDepth,
		ActiveWorkers: len(s.workers),
		Submitted:     s.submitted,
		Completed:     s.completed,
	}
	s.mu.Unlock()

	s.logger.Printf("supervisor shutdown complete: submitted=%d completed=%d backlog=%d",
		stats.Submitted, stats.Completed, stats.QueueDepth)
	return nil
}

// awaitWorkerExit consumes exit events until the registry drains or the grace
// period elapses.
func (s *Service) awaitWorkerExit() {
	deadline := time.After(s.config.ShutdownGrace)
	for {
		s.mu.Lock()
		remaining := len(s.workers)
		s.mu.Unlock()
		if remaining == 0 {
			return
		}
		select {
		case event := <-s.exitCh:
			s.reap(event)
		case <-deadline:
			return
		}
	}
}

// killRemaining force terminates workers still registered after the grace
// period. This is an expected fallback, logged as a warning rather than an
// error.
func (s *Service) killRemaining() {
	s.mu.Lock()
	var leftover []*WorkerRecord
	for pid, record := range s.workers {
		leftover = append(leftover, record)
		delete(s.workers, pid)
	}
	s.mu.Unlock()

	if len(leftover) == 0 {
		return
	}
	s.logger.Printf("[!] master: force terminating %d remaining workers", len(leftover))
	for _, record := range leftover {
		record.Status = StatusExited
		if err := record.proc.Kill(); err != nil {
			s.logger.Printf("master: failed to kill worker %s (pid %d): %v", record.WorkerID, record.PID, err)
		}
	}
}
