package executor

import (
	"context"

	"github.com/taskmill/taskmill/model"
)

// Result is the success payload of a single execution. ExecutionTime is
// elapsed seconds; when an implementation leaves it zero the scheduler fills
// it in from its own clock.
type Result struct {
	Content       string
	ExecutionTime float64
}

// Service executes a single work item. Execute may take seconds to minutes
// and may return an error or panic; the scheduler converts both into a failed
// outcome and never aborts sibling executions. No cancellation of an
// individual in-flight item is required beyond honouring ctx on I/O.
type Service interface {
	Execute(ctx context.Context, item *model.WorkItem) (*Result, error)
}

// Func adapts an ordinary function to the Service interface
type Func func(ctx context.Context, item *model.WorkItem) (*Result, error)

// Execute implements Service
func (f Func) Execute(ctx context.Context, item *model.WorkItem) (*Result, error) {
	return f(ctx, item)
}
