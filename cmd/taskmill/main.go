package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/taskmill/taskmill"
	"github.com/taskmill/taskmill/model"
	"github.com/taskmill/taskmill/service/executor"
)

// demoExecutor uppercases the payload after a short delay; payloads containing
// "bad" fail, exercising the failure path end to end.
var demoExecutor = executor.Func(func(ctx context.Context, item *model.WorkItem) (*executor.Result, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(200 * time.Millisecond):
	}
	payload := string(item.Payload)
	if strings.Contains(payload, "bad") {
		return nil, fmt.Errorf("refusing payload %s", payload)
	}
	return &executor.Result{Content: strings.ToUpper(payload)}, nil
})

func main() {
	ctx := context.Background()

	// Spawned worker processes re-enter this binary; branch before flag parsing.
	if taskmill.IsWorkerProcess() {
		if err := taskmill.RunWorker(ctx, demoExecutor); err != nil {
			log.Printf("worker terminated: %v", err)
			os.Exit(1)
		}
		return
	}

	configURL := flag.String("config", "", "optional YAML config URL")
	count := flag.Int("tasks", 5, "number of demo tasks to submit")
	flag.Parse()

	options := []taskmill.Option{
		taskmill.WithTracing("taskmill-demo", "0.1.0", ""),
	}
	if *configURL != "" {
		config, err := taskmill.LoadConfig(ctx, *configURL)
		if err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
		options = append(options, taskmill.WithConfig(config))
	}

	service, err := taskmill.New(options...)
	if err != nil {
		log.Fatalf("failed to create service: %v", err)
	}
	if err := service.Start(ctx); err != nil {
		log.Fatalf("failed to start service: %v", err)
	}
	defer service.Shutdown(ctx)

	for i := 0; i < *count; i++ {
		payload, _ := json.Marshal(fmt.Sprintf("demo task %d", i))
		taskID, err := service.Submit(ctx, payload)
		if err != nil {
			log.Fatalf("failed to submit: %v", err)
		}
		log.Printf("submitted %s", taskID)
	}

	for collected := 0; collected < *count; {
		outcome, err := service.Collect(ctx, 5*time.Second)
		if err != nil {
			log.Fatalf("failed to collect: %v", err)
		}
		if outcome == nil {
			stats := service.Stats()
			log.Printf("waiting: backlog=%d workers=%d", stats.QueueDepth, stats.ActiveWorkers)
			continue
		}
		collected++
		if outcome.Success {
			log.Printf("task %s done by %s in %.2fs: %s", outcome.TaskID, outcome.WorkerID, outcome.ExecutionTime, outcome.Content)
		} else {
			log.Printf("task %s failed on %s: %s", outcome.TaskID, outcome.WorkerID, outcome.Error)
		}
	}
}
