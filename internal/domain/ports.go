package domain

import (
	"context"
	"time"
)

// JobRepository is the driven port for job persistence.
type JobRepository interface {
	Create(ctx context.Context, job *Job) error
	Get(ctx context.Context, id int64) (*Job, error)
	Update(ctx context.Context, job *Job) error
	List(ctx context.Context, limit int) ([]Job, error)
	ListByStatus(ctx context.Context, status JobStatus) ([]Job, error)
	ListByIDs(ctx context.Context, ids []int64) ([]Job, error)
	Delete(ctx context.Context, ids []int64) (int64, error)
	DeleteByStatus(ctx context.Context, status JobStatus) (int64, error)
	// MarkStale moves a job that is still processing back to pending.
	MarkStale(ctx context.Context, id int64, note string) (bool, error)
	// RecoverStale resets every processing job to pending (boot recovery).
	RecoverStale(ctx context.Context) (int64, error)
}

// AccountRepository is the driven port for account persistence.
type AccountRepository interface {
	Create(ctx context.Context, acct *Account) error
	Get(ctx context.Context, id int64) (*Account, error)
	Update(ctx context.Context, acct *Account) error
	List(ctx context.Context) ([]Account, error)
	ListByPlatform(ctx context.Context, platform string) ([]Account, error)
	ListByStatus(ctx context.Context, status AccountStatus) ([]Account, error)
	// TransitionStatus moves an account between statuses only if it is
	// still in the from status.
	TransitionStatus(ctx context.Context, id int64, from, to AccountStatus) (bool, error)
	// Touch, SetCredits and SetStatus write a single column group so they
	// never overwrite a concurrent status change.
	Touch(ctx context.Context, id int64, at time.Time) error
	SetCredits(ctx context.Context, id int64, credits int) error
	SetStatus(ctx context.Context, id int64, status AccountStatus, at time.Time) error
}

// GenerationRequest is the input of one generation submission.
type GenerationRequest struct {
	JobID    int64
	Prompt   string
	Duration int
}

// SubmitResult reports whether the platform accepted a submission and the
// account credits observed around it.
type SubmitResult struct {
	Submitted     bool
	CreditsBefore int
	CreditsAfter  int
}

// GenerationStatus is the platform-side progress of a submitted generation.
type GenerationStatus string

const (
	GenerationRunning   GenerationStatus = "generating"
	GenerationCompleted GenerationStatus = "completed"
)

// Generator is the driven port for a generation platform. Login opens an
// authenticated session bound to the account's persistent profile.
type Generator interface {
	Platform() string
	Login(ctx context.Context, acct *Account) (GenerationSession, error)
}

// GenerationSession is an open, exclusively held account session. Every call
// may fail with ErrQuotaExhausted, ErrVerificationRequired or a transient
// error.
type GenerationSession interface {
	Submit(ctx context.Context, req GenerationRequest) (SubmitResult, error)
	Status(ctx context.Context, jobID int64) (GenerationStatus, error)
	ArtifactLink(ctx context.Context, jobID int64) (string, error)
	Close() error
}

// ArtifactFetcher downloads a finished artifact into outputDir.
type ArtifactFetcher interface {
	Fetch(ctx context.Context, url, outputDir string) (localPath string, size int64, err error)
}

// Event is a pipeline notification.
type Event struct {
	Type      string
	JobID     int64
	Stage     Stage
	AccountID int64
	Detail    string
	At        time.Time
}

// EventPublisher is the driven port for pipeline notifications.
type EventPublisher interface {
	Publish(ctx context.Context, ev Event) error
}
