package model

import (
	"encoding/json"
	"time"

	"github.com/taskmill/taskmill/internal/clock"
	"github.com/taskmill/taskmill/internal/idgen"
)

// WorkItem is a unit of submitted work. It is immutable once submitted and is
// owned by the task queue until claimed by exactly one worker.
type WorkItem struct {
	ID         string          `json:"id"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
}

// NewWorkItem creates a work item with a fresh globally unique identifier.
func NewWorkItem(payload json.RawMessage) *WorkItem {
	return &WorkItem{
		ID:         idgen.New(),
		Payload:    payload,
		EnqueuedAt: clock.Now(),
	}
}

// TaskOutcome is the result record produced for a WorkItem. Content is
// populated on success, Error on failure; ExecutionTime is elapsed seconds.
type TaskOutcome struct {
	TaskID        string  `json:"taskId"`
	WorkerID      string  `json:"workerId"`
	Success       bool    `json:"success"`
	Content       string  `json:"content,omitempty"`
	Error         string  `json:"error,omitempty"`
	ExecutionTime float64 `json:"executionTime"`
}

// Directive is a control command carried on the task queue alongside regular
// work items.
type Directive string

// DirectiveStop instructs a worker to stop accepting new items, drain its
// in-flight executions and exit.
const DirectiveStop Directive = "STOP"

// Submission is the task queue envelope: either a directive or a work item.
type Submission struct {
	Directive Directive `json:"directive,omitempty"`
	Task      *WorkItem `json:"task,omitempty"`
}

// IsStop returns true when the submission carries the STOP directive.
func (s *Submission) IsStop() bool {
	return s != nil && s.Directive == DirectiveStop
}

// Stats is a point-in-time snapshot of the runtime counters. QueueDepth is
// maintained by explicit increments on submit and decrements on collect and is
// never derived from the queue implementation.
type Stats struct {
	QueueDepth    int `json:"queueDepth"`
	ActiveWorkers int `json:"activeWorkers"`
	Submitted     int `json:"submitted"`
	Completed     int `json:"completed"`
}
