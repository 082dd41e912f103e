// Package queue holds the in-memory per-stage task queues.
package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cwygoda/clipmill/internal/domain"
)

// ErrClosed is returned by operations on a closed queue.
var ErrClosed = errors.New("queue closed")

// Queue is an unbounded FIFO of tasks for one stage.
type Queue struct {
	stage domain.Stage

	mu     sync.Mutex
	items  []domain.TaskItem
	closed bool

	ready   chan struct{}
	done    chan struct{}
	delayed atomic.Int64
}

// New creates an empty queue for stage.
func New(stage domain.Stage) *Queue {
	return &Queue{
		stage: stage,
		ready: make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

// Stage returns the stage the queue serves.
func (q *Queue) Stage() domain.Stage {
	return q.stage
}

// Enqueue appends a task. It never blocks.
func (q *Queue) Enqueue(task domain.TaskItem) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	q.items = append(q.items, task)
	q.signal()
	return nil
}

// EnqueueAfter appends task once delay has elapsed. The task is dropped if
// ctx ends or the queue closes first; persisted pipeline state lets boot
// recovery pick it up again.
func (q *Queue) EnqueueAfter(ctx context.Context, task domain.TaskItem, delay time.Duration) {
	if delay <= 0 {
		_ = q.Enqueue(task)
		return
	}
	q.delayed.Add(1)
	go func() {
		defer q.delayed.Add(-1)
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-t.C:
			_ = q.Enqueue(task)
		case <-ctx.Done():
		case <-q.done:
		}
	}()
}

// Dequeue blocks until a task is available, ctx is done or the queue is
// closed.
func (q *Queue) Dequeue(ctx context.Context) (domain.TaskItem, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			task := q.items[0]
			q.items[0] = domain.TaskItem{}
			q.items = q.items[1:]
			if len(q.items) > 0 {
				q.signal()
			}
			q.mu.Unlock()
			return task, nil
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return domain.TaskItem{}, ErrClosed
		}

		select {
		case <-q.ready:
		case <-q.done:
		case <-ctx.Done():
			return domain.TaskItem{}, ctx.Err()
		}
	}
}

// signal wakes one waiting consumer. Callers hold q.mu.
func (q *Queue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// Len returns the number of tasks ready for dequeue.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Delayed returns the number of tasks waiting on EnqueueAfter.
func (q *Queue) Delayed() int {
	return int(q.delayed.Load())
}

// Close stops the queue. Queued and delayed tasks are discarded.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.items = nil
	close(q.done)
}

// Set is the collection of per-stage queues.
type Set struct {
	queues map[domain.Stage]*Queue
}

// NewSet creates one queue per pipeline stage.
func NewSet() *Set {
	s := &Set{queues: make(map[domain.Stage]*Queue, len(domain.Stages))}
	for _, st := range domain.Stages {
		s.queues[st] = New(st)
	}
	return s
}

// Get returns the queue for stage, or nil for an unknown stage.
func (s *Set) Get(stage domain.Stage) *Queue {
	return s.queues[stage]
}

// Enqueue routes task to its stage's queue.
func (s *Set) Enqueue(task domain.TaskItem) error {
	q := s.queues[task.Stage]
	if q == nil {
		return errors.New("no queue for stage " + string(task.Stage))
	}
	return q.Enqueue(task)
}

// Depth reports ready and delayed tasks of one stage.
type Depth struct {
	Ready   int `json:"ready"`
	Delayed int `json:"delayed"`
}

// Stats returns the depth of every queue.
func (s *Set) Stats() map[domain.Stage]Depth {
	out := make(map[domain.Stage]Depth, len(s.queues))
	for st, q := range s.queues {
		out[st] = Depth{Ready: q.Len(), Delayed: q.Delayed()}
	}
	return out
}

// Close closes every queue.
func (s *Set) Close() {
	for _, q := range s.queues {
		q.Close()
	}
}
