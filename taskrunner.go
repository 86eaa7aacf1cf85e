package vrift

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// TaskRunner bounds a group of goroutines to a maximum concurrency. The daemon
// uses one for directory-ingest hashing and promotion so a large tree walk
// cannot spawn unbounded workers.
type TaskRunner struct {
	maxThreadCount int
	eg             *errgroup.Group
	limiterChan    chan bool
	context        context.Context
}

// NewTaskRunner creates a task runner allowing up to maxThreadCount concurrent tasks.
func NewTaskRunner(ctx context.Context, maxThreadCount int) *TaskRunner {
	eg, ctx2 := errgroup.WithContext(ctx)
	return &TaskRunner{
		maxThreadCount: maxThreadCount,
		limiterChan:    make(chan bool, maxThreadCount),
		eg:             eg,
		context:        ctx2,
	}
}

// GetContext returns the runner's context; it is canceled when any task fails.
func (tr *TaskRunner) GetContext() context.Context {
	return tr.context
}

// Go spins up a task, blocking first until a thread slot frees up.
func (tr *TaskRunner) Go(task func() error) {
	t := func() error {
		defer func() { <-tr.limiterChan }()
		return task()
	}
	tr.limiterChan <- true
	tr.eg.Go(t)
}

// Wait blocks until all tasks complete and returns the first task error.
func (tr *TaskRunner) Wait() error {
	defer close(tr.limiterChan)
	return tr.eg.Wait()
}
