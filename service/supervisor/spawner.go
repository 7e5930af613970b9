package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync/atomic"

	"github.com/taskmill/taskmill/model"
	"github.com/taskmill/taskmill/service/executor"
	"github.com/taskmill/taskmill/service/messaging"
	"github.com/taskmill/taskmill/service/scheduler"
)

// WorkerSpec carries everything a spawner needs to start one worker
type WorkerSpec struct {
	WorkerID      string
	QueueBaseURL  string
	MaxConcurrent int
}

// Process is a handle on a spawned worker. Wait blocks until the worker has
// exited and returns its terminal error, if any; Kill terminates the worker
// without waiting for in-flight work.
type Process interface {
	PID() int
	Kill() error
	Wait() error
}

// Spawner creates worker processes. The default implementation re-execs the
// current binary; an in-process implementation backs single-binary mode and
// tests.
type Spawner interface {
	Spawn(ctx context.Context, spec WorkerSpec) (Process, error)
}

// execSpawner starts workers as OS processes by re-executing the current
// binary with the worker environment set. The host binary is expected to
// branch into scheduler.RunWorkerProcess when scheduler.IsWorkerProcess()
// reports true.
type execSpawner struct {
	args []string
}

// NewExecSpawner returns a Spawner that re-executes os.Args[0] with the given
// extra arguments.
func NewExecSpawner(args ...string) Spawner {
	return &execSpawner{args: args}
}

// Spawn implements Spawner
func (s *execSpawner) Spawn(ctx context.Context, spec WorkerSpec) (Process, error) {
	if spec.QueueBaseURL == "" {
		return nil, fmt.Errorf("queue base URL is required to spawn a worker process")
	}
	cmd := exec.Command(os.Args[0], s.args...)
	cmd.Env = append(os.Environ(),
		fmt.Sprintf("%v=1", scheduler.EnvWorker),
		fmt.Sprintf("%v=%v", scheduler.EnvWorkerID, spec.WorkerID),
		fmt.Sprintf("%v=%v", scheduler.EnvQueueURL, spec.QueueBaseURL),
		fmt.Sprintf("%v=%v", scheduler.EnvMaxConcurrent, spec.MaxConcurrent),
	)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start worker process: %w", err)
	}
	return &osProcess{cmd: cmd}, nil
}

type osProcess struct {
	cmd *exec.Cmd
}

func (p *osProcess) PID() int {
	return p.cmd.Process.Pid
}

func (p *osProcess) Kill() error {
	return p.cmd.Process.Kill()
}

func (p *osProcess) Wait() error {
	return p.cmd.Wait()
}

// goSpawner runs each worker scheduler as a goroutine inside the current
// process. It trades the fault isolation of OS processes for zero spawn cost
// and is used with memory queues and in tests.
type goSpawner struct {
	tasks    messaging.Queue[model.Submission]
	results  messaging.Queue[model.TaskOutcome]
	executor executor.Service
	nextPID  int32
}

// NewGoSpawner returns an in-process Spawner bound to the supplied queues and
// executor.
func NewGoSpawner(tasks messaging.Queue[model.Submission], results messaging.Queue[model.TaskOutcome], exec executor.Service) Spawner {
	return &goSpawner{tasks: tasks, results: results, executor: exec}
}

// Spawn implements Spawner
func (s *goSpawner) Spawn(ctx context.Context, spec WorkerSpec) (Process, error) {
	service, err := scheduler.New(
		scheduler.WithTaskQueue(s.tasks),
		scheduler.WithResultQueue(s.results),
		scheduler.WithExecutor(s.executor),
		scheduler.WithWorkerID(spec.WorkerID),
		scheduler.WithMaxConcurrent(spec.MaxConcurrent),
	)
	if err != nil {
		return nil, err
	}
	runCtx, cancel := context.WithCancel(context.Background())
	proc := &goProcess{
		pid:    int(atomic.AddInt32(&s.nextPID, 1)),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go func() {
		defer close(proc.done)
		if err := service.Run(runCtx); err != nil && runCtx.Err() == nil {
			proc.err = err
		}
	}()
	return proc, nil
}

type goProcess struct {
	pid    int
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

func (p *goProcess) PID() int {
	return p.pid
}

func (p *goProcess) Kill() error {
	p.cancel()
	return nil
}

func (p *goProcess) Wait() error {
	<-p.done
	return p.err
}
