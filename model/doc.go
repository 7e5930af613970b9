// Package model contains the data types exchanged between the supervisor and
// the worker processes: work items, task outcomes, the queue submission
// envelope with its STOP directive, and runtime counter snapshots.
package model
