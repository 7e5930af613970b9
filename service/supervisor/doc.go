// Package supervisor implements the master side of the runtime: it owns the
// two shared queues, spawns worker processes up to a configured bound, reaps
// and replaces workers that exit, and exposes the submit/collect/stats
// surface to callers. Worker loss only ever drops the items that worker held;
// the supervisor itself never goes down with a worker.
package supervisor
