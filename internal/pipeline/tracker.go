package pipeline

import "sync"

// Tracker records the single outstanding task of each job. A task is
// outstanding from enqueue until its worker finishes or hands the job to a
// successor task.
type Tracker struct {
	mu    sync.Mutex
	tasks map[int64]string
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{tasks: make(map[int64]string)}
}

// Set makes taskID the job's outstanding task, replacing any predecessor.
func (t *Tracker) Set(jobID int64, taskID string) {
	t.mu.Lock()
	t.tasks[jobID] = taskID
	t.mu.Unlock()
}

// Done clears the job's mark if taskID is still its outstanding task.
func (t *Tracker) Done(jobID int64, taskID string) {
	t.mu.Lock()
	if t.tasks[jobID] == taskID {
		delete(t.tasks, jobID)
	}
	t.mu.Unlock()
}

// Current returns the job's outstanding task id, if any.
func (t *Tracker) Current(jobID int64) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id, ok := t.tasks[jobID]
	return id, ok
}

// Outstanding reports whether the job has a task queued or running.
func (t *Tracker) Outstanding(jobID int64) bool {
	_, ok := t.Current(jobID)
	return ok
}

// Len returns the number of jobs with an outstanding task.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.tasks)
}
