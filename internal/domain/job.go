package domain

import (
	"fmt"
	"time"
)

// JobStatus represents the lifecycle state of a generation job.
type JobStatus string

const (
	StatusDraft      JobStatus = "draft"
	StatusPending    JobStatus = "pending"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
	StatusCancelled  JobStatus = "cancelled"
)

// DefaultMaxRetries is the per-stage retry allowance of a new job.
const DefaultMaxRetries = 3

// allowedTransitions lists the status moves a job may make. Terminal statuses
// only reopen to pending/processing through an explicit retry.
var allowedTransitions = map[JobStatus]map[JobStatus]bool{
	StatusDraft: {
		StatusPending:    true,
		StatusProcessing: true,
	},
	StatusPending: {
		StatusPending:    true,
		StatusProcessing: true,
		StatusFailed:     true,
		StatusCancelled:  true,
	},
	StatusProcessing: {
		StatusProcessing: true,
		StatusPending:    true, // stale reset
		StatusCompleted:  true,
		StatusFailed:     true,
		StatusCancelled:  true,
	},
	StatusCompleted: {
		StatusPending:    true,
		StatusProcessing: true,
	},
	StatusFailed: {
		StatusPending:    true,
		StatusProcessing: true,
	},
	StatusCancelled: {
		StatusPending:    true,
		StatusProcessing: true,
	},
}

// IsKnown reports whether s is a recognised job status.
func (s JobStatus) IsKnown() bool {
	_, ok := allowedTransitions[s]
	return ok
}

// IsTerminal reports whether s is an absorbing status.
func (s JobStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// CanTransition reports whether a job may move from one status to another.
func CanTransition(from, to JobStatus) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	return next[to]
}

// Job represents one generation request tracked through the pipeline.
type Job struct {
	ID           int64
	Prompt       string
	Duration     int
	AspectRatio  string
	Status       JobStatus
	RetryCount   int
	MaxRetries   int
	AccountID    *int64
	VideoURL     string
	LocalPath    string
	ErrorMessage string
	Pipeline     PipelineState
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// NewJob returns a draft job with defaults applied.
func NewJob(prompt string, duration int) *Job {
	now := time.Now().UTC()
	return &Job{
		Prompt:      prompt,
		Duration:    duration,
		AspectRatio: "16:9",
		Status:      StatusDraft,
		MaxRetries:  DefaultMaxRetries,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Transition moves the job to a new status, recording reason as the error
// message when non-empty.
func (j *Job) Transition(to JobStatus, reason string) error {
	if !CanTransition(j.Status, to) {
		return fmt.Errorf("%w: job %d %q -> %q", ErrInvalidTransition, j.ID, j.Status, to)
	}
	j.Status = to
	if reason != "" {
		j.ErrorMessage = reason
	}
	return nil
}

// Active reports whether the job is currently owned by the pipeline.
func (j *Job) Active() bool {
	return j.Status == StatusPending || j.Status == StatusProcessing
}

// Cancellable reports whether the job may still be cancelled.
func (j *Job) Cancellable() bool {
	return j.Status == StatusPending || j.Status == StatusProcessing
}

// ResetForRetry clears failure bookkeeping so the job can run from scratch.
func (j *Job) ResetForRetry() {
	j.Status = StatusPending
	j.ErrorMessage = ""
	j.RetryCount = 0
}

// AssignAccount records the account that owns the job's current attempt.
func (j *Job) AssignAccount(id int64) {
	j.AccountID = &id
}
