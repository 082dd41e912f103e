// Package worker runs the per-stage dispatch loops and stage handlers.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/cwygoda/clipmill/internal/domain"
	"github.com/cwygoda/clipmill/internal/queue"
)

// Handler executes one task of a stage.
type Handler interface {
	Handle(ctx context.Context, task domain.TaskItem) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, task domain.TaskItem) error

func (f HandlerFunc) Handle(ctx context.Context, task domain.TaskItem) error { return f(ctx, task) }

// Failer receives handler failures and task completion.
type Failer interface {
	FailStage(ctx context.Context, task domain.TaskItem, err error) error
	TaskDone(task domain.TaskItem)
}

// Worker dequeues tasks of one stage and runs each in its own goroutine,
// at most concurrency at a time.
type Worker struct {
	stage       domain.Stage
	queue       *queue.Queue
	handler     Handler
	failer      Failer
	concurrency int
	sem         *semaphore.Weighted
	log         logrus.FieldLogger

	wg sync.WaitGroup
}

// New creates a worker for q's stage.
func New(q *queue.Queue, concurrency int, h Handler, failer Failer, log logrus.FieldLogger) *Worker {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Worker{
		stage:       q.Stage(),
		queue:       q,
		handler:     h,
		failer:      failer,
		concurrency: concurrency,
		sem:         semaphore.NewWeighted(int64(concurrency)),
		log:         log.WithField("stage", q.Stage()),
	}
}

// Run dispatches tasks until ctx is cancelled or the queue closes, then
// waits for in-flight handlers.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Infof("worker started, concurrency %d", w.concurrency)
	defer w.wg.Wait()

	for {
		task, err := w.queue.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, queue.ErrClosed) || ctx.Err() != nil {
				w.log.Info("worker shutting down")
				return nil
			}
			return err
		}

		if err := w.sem.Acquire(ctx, 1); err != nil {
			// persisted state lets boot recovery pick the task up again
			w.log.WithField("job", task.JobID).Info("worker shutting down, task left for recovery")
			return nil
		}
		w.wg.Add(1)
		go w.dispatch(ctx, task)
	}
}

func (w *Worker) dispatch(ctx context.Context, task domain.TaskItem) {
	defer w.wg.Done()
	defer w.sem.Release(1)
	defer w.failer.TaskDone(task)

	log := w.log.WithFields(logrus.Fields{"job": task.JobID, "task": task.ID})
	err := w.handle(ctx, task)
	if err == nil {
		return
	}
	if ctx.Err() != nil {
		log.WithError(err).Info("interrupted by shutdown")
		return
	}
	if ferr := w.failer.FailStage(ctx, task, err); ferr != nil {
		log.WithError(ferr).Errorf("handle failure %v", err)
	}
}

// handle runs the handler, turning a panic into a transient stage error.
func (w *Worker) handle(ctx context.Context, task domain.TaskItem) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = domain.NewStageError(w.stage, task.AccountID, fmt.Errorf("panic: %v", r))
		}
	}()
	return w.handler.Handle(ctx, task)
}
