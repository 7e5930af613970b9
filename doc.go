// Package taskmill provides a process-isolated task-distribution runtime: a
// supervisor hands work items to a bounded pool of worker processes through
// shared queues, each worker runs several executions concurrently on a
// single-threaded cooperative loop, and crashed workers are reaped and
// replaced automatically.
//
// Taskmill is designed to be embedded in host applications. The host binary
// branches into the worker loop when spawned as a worker and otherwise drives
// the supervisor via the high-level Service façade exposed by the root
// package:
//
//	if taskmill.IsWorkerProcess() {
//		_ = taskmill.RunWorker(ctx, myExecutor)
//		return
//	}
//	srv, _ := taskmill.New()
//	_ = srv.Start(ctx)
//	defer srv.Shutdown(ctx)
//	taskID, _ := srv.Submit(ctx, payload)
//	outcome, _ := srv.Collect(ctx, 5*time.Second)
//
// For more details see the individual sub-packages.
package taskmill
