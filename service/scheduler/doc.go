// Package scheduler hosts the cooperative event loop that runs inside each
// worker process. The loop claims submissions from the shared task queue,
// runs up to a configured ceiling of concurrent executions and publishes
// every completion to the shared result queue. A worker that finds the queue
// empty with nothing in flight exits rather than busy-waiting; the supervisor
// replaces it on demand.
package scheduler
