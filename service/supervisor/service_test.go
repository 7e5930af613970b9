package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/taskmill/taskmill/model"
	"github.com/taskmill/taskmill/service/executor"
	"github.com/taskmill/taskmill/service/messaging/memory"
)

// fakeProcess blocks in Wait until killed, modelling a worker that never
// idles out on its own.
type fakeProcess struct {
	pid  int
	done chan struct{}
	err  error
	once sync.Once
}

func (p *fakeProcess) PID() int { return p.pid }

func (p *fakeProcess) Kill() error {
	p.once.Do(func() {
		p.err = fmt.Errorf("killed")
		close(p.done)
	})
	return nil
}

func (p *fakeProcess) Wait() error {
	<-p.done
	return p.err
}

// crash terminates the process with an abnormal exit error
func (p *fakeProcess) crash(err error) {
	p.once.Do(func() {
		p.err = err
		close(p.done)
	})
}

type fakeSpawner struct {
	mu      sync.Mutex
	procs   []*fakeProcess
	nextPID int
}

func (s *fakeSpawner) Spawn(ctx context.Context, spec WorkerSpec) (Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextPID++
	proc := &fakeProcess{pid: s.nextPID, done: make(chan struct{})}
	s.procs = append(s.procs, proc)
	return proc, nil
}

func (s *fakeSpawner) spawnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.procs)
}

func (s *fakeSpawner) proc(i int) *fakeProcess {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.procs[i]
}

func newTestService(t *testing.T, exec executor.Service, config Config) (*Service, *memory.Queue[model.Submission], *memory.Queue[model.TaskOutcome]) {
	t.Helper()
	tasks := memory.NewQueue[model.Submission](memory.DefaultConfig())
	results := memory.NewQueue[model.TaskOutcome](memory.DefaultConfig())
	service, err := New(
		WithTaskQueue(tasks),
		WithResultQueue(results),
		WithSpawner(NewGoSpawner(tasks, results, exec)),
		WithConfig(config),
	)
	assert.NoError(t, err)
	return service, tasks, results
}

func echoExecutor(delay time.Duration) executor.Service {
	return executor.Func(func(ctx context.Context, item *model.WorkItem) (*executor.Result, error) {
		if delay > 0 {
			time.Sleep(delay)
		}
		return &executor.Result{Content: "echo: " + string(item.Payload)}, nil
	})
}

func TestNewValidation(t *testing.T) {
	tasks := memory.NewQueue[model.Submission](memory.DefaultConfig())
	results := memory.NewQueue[model.TaskOutcome](memory.DefaultConfig())
	spawner := &fakeSpawner{}

	testCases := []struct {
		name    string
		options []Option
	}{
		{name: "missing task queue", options: []Option{WithResultQueue(results), WithSpawner(spawner)}},
		{name: "missing result queue", options: []Option{WithTaskQueue(tasks), WithSpawner(spawner)}},
		{name: "missing spawner", options: []Option{WithTaskQueue(tasks), WithResultQueue(results)}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New(tc.options...)
			assert.Error(t, err)
		})
	}
}

func TestService_SubmitBeforeStart(t *testing.T) {
	service, _, _ := newTestService(t, echoExecutor(0), DefaultConfig())

	_, err := service.Submit(context.Background(), json.RawMessage(`"early"`))
	assert.ErrorIs(t, err, ErrNotStarted)

	_, err = service.Collect(context.Background(), 10*time.Millisecond)
	assert.ErrorIs(t, err, ErrNotStarted)
}

func TestService_SubmitAndCollect(t *testing.T) {
	config := DefaultConfig()
	config.MonitorInterval = 50 * time.Millisecond
	config.ShutdownGrace = time.Second
	service, _, _ := newTestService(t, echoExecutor(10*time.Millisecond), config)

	ctx := context.Background()
	assert.NoError(t, service.Start(ctx))
	defer service.Shutdown(ctx)

	taskID, err := service.Submit(ctx, json.RawMessage(`"hello"`))
	assert.NoError(t, err)
	assert.NotEmpty(t, taskID)

	var outcome *model.TaskOutcome
	deadline := time.Now().Add(5 * time.Second)
	for outcome == nil && time.Now().Before(deadline) {
		outcome, err = service.Collect(ctx, 100*time.Millisecond)
		assert.NoError(t, err)
	}
	if assert.NotNil(t, outcome, "task should complete") {
		assert.Equal(t, taskID, outcome.TaskID)
		assert.True(t, outcome.Success)
		assert.Contains(t, outcome.Content, "hello")
		assert.NotEmpty(t, outcome.WorkerID)
	}

	stats := service.Stats()
	assert.Equal(t, 1, stats.Submitted)
	assert.Equal(t, 1, stats.Completed)
	assert.Equal(t, 0, stats.QueueDepth)
}

func TestService_CounterConsistency(t *testing.T) {
	// A spawner whose workers never consume keeps the backlog observable.
	tasks := memory.NewQueue[model.Submission](memory.DefaultConfig())
	results := memory.NewQueue[model.TaskOutcome](memory.DefaultConfig())
	spawner := &fakeSpawner{}

	config := DefaultConfig()
	config.MonitorInterval = time.Hour
	config.ShutdownGrace = 20 * time.Millisecond
	service, err := New(
		WithTaskQueue(tasks),
		WithResultQueue(results),
		WithSpawner(spawner),
		WithConfig(config),
	)
	assert.NoError(t, err)

	ctx := context.Background()
	assert.NoError(t, service.Start(ctx))
	defer service.Shutdown(ctx)

	for i := 0; i < 3; i++ {
		_, err := service.Submit(ctx, json.RawMessage(fmt.Sprintf("%d", i)))
		assert.NoError(t, err)

		stats := service.Stats()
		assert.Equal(t, stats.Submitted-stats.Completed, stats.QueueDepth)
	}

	stats := service.Stats()
	assert.Equal(t, 3, stats.Submitted)
	assert.Equal(t, 0, stats.Completed)
	assert.Equal(t, 3, stats.QueueDepth)
}

func TestService_SpawnWorkerMax(t *testing.T) {
	tasks := memory.NewQueue[model.Submission](memory.DefaultConfig())
	results := memory.NewQueue[model.TaskOutcome](memory.DefaultConfig())
	spawner := &fakeSpawner{}

	config := DefaultConfig()
	config.MinWorkers = 1
	config.MaxWorkers = 2
	config.MonitorInterval = time.Hour
	config.ShutdownGrace = 20 * time.Millisecond
	service, err := New(
		WithTaskQueue(tasks),
		WithResultQueue(results),
		WithSpawner(spawner),
		WithConfig(config),
	)
	assert.NoError(t, err)

	ctx := context.Background()
	assert.NoError(t, service.Start(ctx))
	defer service.Shutdown(ctx)

	workerID, err := service.SpawnWorker(ctx)
	assert.NoError(t, err)
	assert.NotEmpty(t, workerID)

	_, err = service.SpawnWorker(ctx)
	assert.ErrorIs(t, err, ErrMaxWorkers)
	assert.Equal(t, 2, service.Stats().ActiveWorkers)
}

func TestService_StartIsIdempotent(t *testing.T) {
	tasks := memory.NewQueue[model.Submission](memory.DefaultConfig())
	results := memory.NewQueue[model.TaskOutcome](memory.DefaultConfig())
	spawner := &fakeSpawner{}

	config := DefaultConfig()
	config.MinWorkers = 1
	config.MonitorInterval = time.Hour
	config.ShutdownGrace = 20 * time.Millisecond
	service, err := New(
		WithTaskQueue(tasks),
		WithResultQueue(results),
		WithSpawner(spawner),
		WithConfig(config),
	)
	assert.NoError(t, err)

	ctx := context.Background()
	assert.NoError(t, service.Start(ctx))
	assert.NoError(t, service.Start(ctx))
	defer service.Shutdown(ctx)

	assert.Equal(t, 1, spawner.spawnCount())
	assert.Equal(t, 1, service.Stats().ActiveWorkers)
}

func TestService_WorkersRegistry(t *testing.T) {
	tasks := memory.NewQueue[model.Submission](memory.DefaultConfig())
	results := memory.NewQueue[model.TaskOutcome](memory.DefaultConfig())
	spawner := &fakeSpawner{}

	config := DefaultConfig()
	config.MinWorkers = 2
	config.MaxWorkers = 2
	config.MonitorInterval = time.Hour
	config.ShutdownGrace = 20 * time.Millisecond
	service, err := New(
		WithTaskQueue(tasks),
		WithResultQueue(results),
		WithSpawner(spawner),
		WithConfig(config),
	)
	assert.NoError(t, err)

	ctx := context.Background()
	assert.NoError(t, service.Start(ctx))
	defer service.Shutdown(ctx)

	records := service.Workers()
	assert.Len(t, records, 2)
	for _, record := range records {
		assert.Equal(t, StatusRunning, record.Status)
		assert.Greater(t, record.PID, 0)
		assert.True(t, strings.HasPrefix(record.WorkerID, "Worker-"), "unexpected worker label %s", record.WorkerID)
	}
}

func TestService_ParallelWorkers(t *testing.T) {
	// Two workers with a per-worker ceiling of one execution each: two slow
	// items finish in roughly the duration of one, not their serial sum.
	const taskDuration = 300 * time.Millisecond

	config := DefaultConfig()
	config.MinWorkers = 2
	config.MaxWorkers = 2
	config.WorkerConcurrency = 1
	config.MonitorInterval = 50 * time.Millisecond
	config.ShutdownGrace = time.Second
	service, _, _ := newTestService(t, echoExecutor(taskDuration), config)

	ctx := context.Background()
	assert.NoError(t, service.Start(ctx))
	defer service.Shutdown(ctx)

	start := time.Now()
	for i := 0; i < 2; i++ {
		_, err := service.Submit(ctx, json.RawMessage(fmt.Sprintf("%d", i)))
		assert.NoError(t, err)
	}

	for collected := 0; collected < 2; {
		outcome, err := service.Collect(ctx, 2*time.Second)
		assert.NoError(t, err)
		if outcome == nil {
			t.Fatal("timed out collecting outcomes")
		}
		assert.True(t, outcome.Success)
		collected++
	}
	elapsed := time.Since(start)

	assert.GreaterOrEqual(t, elapsed, taskDuration)
	assert.Less(t, elapsed, 2*taskDuration-100*time.Millisecond,
		"two workers should overlap execution rather than run serially")
}

func TestService_RespawnsCrashedWorker(t *testing.T) {
	tasks := memory.NewQueue[model.Submission](memory.DefaultConfig())
	results := memory.NewQueue[model.TaskOutcome](memory.DefaultConfig())
	spawner := &fakeSpawner{}

	config := DefaultConfig()
	config.MinWorkers = 1
	config.MaxWorkers = 2
	config.MonitorInterval = 20 * time.Millisecond
	config.ShutdownGrace = 20 * time.Millisecond
	service, err := New(
		WithTaskQueue(tasks),
		WithResultQueue(results),
		WithSpawner(spawner),
		WithConfig(config),
	)
	assert.NoError(t, err)

	ctx := context.Background()
	assert.NoError(t, service.Start(ctx))
	defer service.Shutdown(ctx)

	assert.Equal(t, 1, spawner.spawnCount())

	spawner.proc(0).crash(fmt.Errorf("simulated crash"))

	// The next monitoring pass reaps the exited worker and restores capacity
	deadline := time.Now().Add(2 * time.Second)
	for spawner.spawnCount() < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, 2, spawner.spawnCount(), "a replacement worker should be spawned")
	assert.Equal(t, 1, service.Stats().ActiveWorkers)
}

func TestService_ShutdownDrainsWorkers(t *testing.T) {
	config := DefaultConfig()
	config.MinWorkers = 2
	config.MaxWorkers = 2
	// Capacity is restored on submit; a passive monitor keeps the worker
	// population deterministic once the backlog is gone.
	config.MonitorInterval = time.Hour
	config.ShutdownGrace = 2 * time.Second
	service, tasks, _ := newTestService(t, echoExecutor(10*time.Millisecond), config)

	ctx := context.Background()
	assert.NoError(t, service.Start(ctx))

	const taskCount = 6
	for i := 0; i < taskCount; i++ {
		_, err := service.Submit(ctx, json.RawMessage(fmt.Sprintf("%d", i)))
		assert.NoError(t, err)
	}

	for collected := 0; collected < taskCount; {
		outcome, err := service.Collect(ctx, time.Second)
		assert.NoError(t, err)
		if outcome == nil {
			t.Fatal("timed out collecting outcomes")
		}
		collected++
	}

	// Give idled workers a moment to report their exits before stopping
	time.Sleep(50 * time.Millisecond)

	assert.NoError(t, service.Shutdown(ctx))

	stats := service.Stats()
	assert.Equal(t, 0, stats.ActiveWorkers)
	assert.Equal(t, taskCount, stats.Submitted)
	assert.Equal(t, taskCount, stats.Completed)
	assert.Equal(t, 0, stats.QueueDepth)
	assert.Equal(t, 0, tasks.Size(), "no unclaimed submissions after shutdown")
}

func TestService_ShutdownKillsStragglers(t *testing.T) {
	tasks := memory.NewQueue[model.Submission](memory.DefaultConfig())
	results := memory.NewQueue[model.TaskOutcome](memory.DefaultConfig())
	spawner := &fakeSpawner{}

	config := DefaultConfig()
	config.MinWorkers = 2
	config.MaxWorkers = 2
	config.MonitorInterval = time.Hour
	config.ShutdownGrace = 50 * time.Millisecond
	service, err := New(
		WithTaskQueue(tasks),
		WithResultQueue(results),
		WithSpawner(spawner),
		WithConfig(config),
	)
	assert.NoError(t, err)

	ctx := context.Background()
	assert.NoError(t, service.Start(ctx))
	assert.Equal(t, 2, spawner.spawnCount())

	// fakeProcess never exits on STOP, so the grace period elapses and both
	// workers are force terminated
	start := time.Now()
	assert.NoError(t, service.Shutdown(ctx))
	assert.GreaterOrEqual(t, time.Since(start), config.ShutdownGrace)
	assert.Equal(t, 0, service.Stats().ActiveWorkers)
}
