// Package pipeline owns the job state machine: every stage transition is
// persisted here before the follow-up task is enqueued.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cwygoda/clipmill/internal/account"
	"github.com/cwygoda/clipmill/internal/domain"
	"github.com/cwygoda/clipmill/internal/queue"
)

// Event types published on transitions.
const (
	EventJobStarted     = "job.started"
	EventStageCompleted = "stage.completed"
	EventStageRetry     = "stage.retry"
	EventAccountSwitch  = "account.switched"
	EventJobCompleted   = "job.completed"
	EventJobFailed      = "job.failed"
	EventJobCancelled   = "job.cancelled"
)

// Config holds the pipeline tunables.
type Config struct {
	Platform           string
	MaxRetries         int
	AccountSwitchLimit int
	RetryDelay         time.Duration
	PollInterval       time.Duration
	MaxPolls           int
	CapacityWait       time.Duration
	VerifyDownloads    bool
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Platform:           "sora",
		MaxRetries:         domain.DefaultMaxRetries,
		AccountSwitchLimit: 10,
		RetryDelay:         5 * time.Second,
		PollInterval:       30 * time.Second,
		MaxPolls:           60,
		CapacityWait:       10 * time.Second,
	}
}

// Service runs job transitions.
type Service struct {
	jobs    domain.JobRepository
	pool    *account.Pool
	queues  *queue.Set
	events  domain.EventPublisher
	tracker *Tracker
	policy  RetryPolicy
	cfg     Config
	log     logrus.FieldLogger
	now     func() time.Time

	// ctx bounds delayed requeues; see Bind.
	ctx context.Context

	locksMu sync.Mutex
	locks   map[int64]*sync.Mutex
}

// NewService wires a pipeline service.
func NewService(jobs domain.JobRepository, pool *account.Pool, queues *queue.Set, events domain.EventPublisher, cfg Config, log logrus.FieldLogger) *Service {
	return &Service{
		jobs:    jobs,
		pool:    pool,
		queues:  queues,
		events:  events,
		tracker: NewTracker(),
		policy:  RetryPolicy{SwitchLimit: cfg.AccountSwitchLimit, RetryDelay: cfg.RetryDelay},
		cfg:     cfg,
		log:     log,
		now:     time.Now,
		ctx:     context.Background(),
		locks:   make(map[int64]*sync.Mutex),
	}
}

// Bind ties delayed requeues to ctx, normally the orchestrator's run context.
func (s *Service) Bind(ctx context.Context) {
	s.ctx = ctx
}

// Tracker returns the outstanding-task tracker.
func (s *Service) Tracker() *Tracker {
	return s.tracker
}

// Config returns the pipeline configuration.
func (s *Service) Config() Config {
	return s.cfg
}

func (s *Service) lock(jobID int64) func() {
	s.locksMu.Lock()
	mu, ok := s.locks[jobID]
	if !ok {
		mu = &sync.Mutex{}
		s.locks[jobID] = mu
	}
	s.locksMu.Unlock()
	mu.Lock()
	return mu.Unlock
}

// Get returns a job.
func (s *Service) Get(ctx context.Context, id int64) (*domain.Job, error) {
	return s.jobs.Get(ctx, id)
}

// List returns the most recent jobs.
func (s *Service) List(ctx context.Context, limit int) ([]domain.Job, error) {
	return s.jobs.List(ctx, limit)
}

// ListByStatus returns jobs with the given status.
func (s *Service) ListByStatus(ctx context.Context, status domain.JobStatus) ([]domain.Job, error) {
	return s.jobs.ListByStatus(ctx, status)
}

// ErrInvalidJob marks a job that cannot be created as given.
var ErrInvalidJob = errors.New("invalid job")

// CreateJob stores a new draft job.
func (s *Service) CreateJob(ctx context.Context, prompt string, duration int) (*domain.Job, error) {
	if strings.TrimSpace(prompt) == "" {
		return nil, fmt.Errorf("%w: prompt is required", ErrInvalidJob)
	}
	if duration <= 0 {
		return nil, fmt.Errorf("%w: duration must be positive", ErrInvalidJob)
	}
	job := domain.NewJob(prompt, duration)
	job.MaxRetries = s.cfg.MaxRetries
	if err := s.jobs.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	s.log.WithField("job", job.ID).Info("job created")
	return job, nil
}

// IsCancelled reports whether the job was cancelled or otherwise left the
// pipeline. Stage handlers call it at their cancellation checkpoints.
func (s *Service) IsCancelled(ctx context.Context, jobID int64) (bool, error) {
	job, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			return true, nil
		}
		return false, err
	}
	return job.Status.IsTerminal(), nil
}

// StartJob initialises the pipeline of a draft or pending job and enqueues
// its generate task. A pending job whose pipeline already started resumes
// at its recorded stage instead.
func (s *Service) StartJob(ctx context.Context, jobID int64) error {
	defer s.lock(jobID)()
	job, err := s.loadIdle(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != domain.StatusDraft && job.Status != domain.StatusPending {
		return fmt.Errorf("%w: job %d is %s", domain.ErrInvalidTransition, jobID, job.Status)
	}
	if job.Status == domain.StatusPending && job.Pipeline.Started() {
		return s.resume(ctx, job)
	}
	return s.start(ctx, job)
}

// RetryJob resets a job's counters and runs it again from generate.
func (s *Service) RetryJob(ctx context.Context, jobID int64) error {
	defer s.lock(jobID)()
	job, err := s.loadIdle(ctx, jobID)
	if err != nil {
		return err
	}
	job.ResetForRetry()
	return s.start(ctx, job)
}

func (s *Service) start(ctx context.Context, job *domain.Job) error {
	job.Pipeline = domain.NewPipelineState(job.Prompt, job.Duration)
	job.AccountID = nil
	job.VideoURL = ""
	job.LocalPath = ""
	job.ErrorMessage = ""
	if err := job.Transition(domain.StatusProcessing, ""); err != nil {
		return err
	}
	if err := s.saveAndEnqueue(ctx, job, 0); err != nil {
		return err
	}
	s.log.WithField("job", job.ID).Info("job started")
	s.publish(ctx, domain.Event{Type: EventJobStarted, JobID: job.ID, Stage: domain.StageGenerate})
	return nil
}

// RetrySubtasks resumes a job from the furthest stage its recorded state
// allows: download when a video URL exists, poll when generation was
// submitted, generate otherwise.
func (s *Service) RetrySubtasks(ctx context.Context, jobID int64) error {
	defer s.lock(jobID)()
	job, err := s.loadIdle(ctx, jobID)
	if err != nil {
		return err
	}
	if !job.Pipeline.Started() {
		job.ResetForRetry()
		return s.start(ctx, job)
	}

	p := &job.Pipeline
	var candidates []domain.Stage
	if job.VideoURL != "" || p.Download.VideoURL != "" {
		candidates = append(candidates, domain.StageDownload)
	}
	if p.Generate.Status == domain.StageCompleted {
		candidates = append(candidates, domain.StagePoll)
	}
	candidates = append(candidates, domain.StageGenerate)

	var stage domain.Stage
	for _, c := range candidates {
		if err := p.RewindTo(c); err == nil {
			stage = c
			break
		}
	}
	if stage == "" {
		return fmt.Errorf("%w: job %d", domain.ErrNotResumable, jobID)
	}
	p.Record(stage).RetryCount = 0
	if stage == domain.StageDownload && p.Download.VideoURL == "" {
		p.Download.VideoURL = job.VideoURL
	}

	job.ResetForRetry()
	if err := job.Transition(domain.StatusProcessing, ""); err != nil {
		return err
	}
	if err := s.saveAndEnqueue(ctx, job, 0); err != nil {
		return err
	}
	s.log.WithFields(logrus.Fields{"job": jobID, "stage": stage}).Info("subtasks retried")
	return nil
}

// Resume re-dispatches the recorded current stage of a pending or
// processing job that has no outstanding task, e.g. after a stale reset.
func (s *Service) Resume(ctx context.Context, jobID int64) error {
	defer s.lock(jobID)()
	job, err := s.loadIdle(ctx, jobID)
	if err != nil {
		return err
	}
	return s.resume(ctx, job)
}

func (s *Service) resume(ctx context.Context, job *domain.Job) error {
	jobID := job.ID
	if !job.Active() || !job.Pipeline.Started() || job.Pipeline.CurrentStage == domain.StageDone {
		return fmt.Errorf("%w: job %d is %s", domain.ErrNotResumable, jobID, job.Status)
	}
	if job.Pipeline.Record(job.Pipeline.CurrentStage).Status != domain.StagePending {
		return fmt.Errorf("%w: job %d stage %s is not pending", domain.ErrNotResumable, jobID, job.Pipeline.CurrentStage)
	}
	if err := job.Transition(domain.StatusProcessing, ""); err != nil {
		return err
	}
	if err := s.saveAndEnqueue(ctx, job, 0); err != nil {
		return err
	}
	s.log.WithFields(logrus.Fields{"job": jobID, "stage": job.Pipeline.CurrentStage}).Info("job resumed")
	return nil
}

// Recover is boot recovery: processing jobs left by a previous process go
// back to pending and every started pending job is resumed.
func (s *Service) Recover(ctx context.Context) (int, error) {
	n, err := s.jobs.RecoverStale(ctx)
	if err != nil {
		return 0, fmt.Errorf("recover stale jobs: %w", err)
	}
	if n > 0 {
		s.log.WithField("count", n).Info("reset interrupted jobs to pending")
	}

	pending, err := s.jobs.ListByStatus(ctx, domain.StatusPending)
	if err != nil {
		return 0, fmt.Errorf("list pending jobs: %w", err)
	}
	resumed := 0
	for _, job := range pending {
		if !job.Pipeline.Started() {
			continue
		}
		if err := s.Resume(ctx, job.ID); err != nil {
			s.log.WithField("job", job.ID).WithError(err).Warn("resume failed")
			continue
		}
		resumed++
	}
	return resumed, nil
}

// Cancel cancels a pending or processing job. In-flight work notices at
// its next cancellation checkpoint.
func (s *Service) Cancel(ctx context.Context, jobID int64, reason string) error {
	defer s.lock(jobID)()
	job, err := s.load(ctx, jobID)
	if err != nil {
		return err
	}
	if !job.Cancellable() {
		return fmt.Errorf("%w: job %d is %s", domain.ErrInvalidTransition, jobID, job.Status)
	}
	if reason == "" {
		reason = "cancelled by user"
	}
	if err := job.Transition(domain.StatusCancelled, reason); err != nil {
		return err
	}
	if err := s.save(ctx, job); err != nil {
		return err
	}
	s.log.WithField("job", jobID).Info("job cancelled")
	s.publish(ctx, domain.Event{Type: EventJobCancelled, JobID: jobID, Stage: job.Pipeline.CurrentStage, Detail: reason})
	return nil
}

// CompleteSubmit records an accepted generation and enqueues polling.
func (s *Service) CompleteSubmit(ctx context.Context, jobID, accountID int64, creditsBefore, creditsAfter int) error {
	defer s.lock(jobID)()
	job, err := s.loadActive(ctx, jobID)
	if err != nil {
		return err
	}
	if err := job.Pipeline.CompleteGenerate(accountID, creditsBefore, creditsAfter, s.now()); err != nil {
		return err
	}
	job.AssignAccount(accountID)
	if err := s.saveAndEnqueue(ctx, job, 0); err != nil {
		return err
	}
	s.log.WithFields(logrus.Fields{"job": jobID, "account": accountID}).Info("generation submitted")
	s.publish(ctx, domain.Event{Type: EventStageCompleted, JobID: jobID, Stage: domain.StageGenerate, AccountID: accountID})
	return nil
}

// CompletePoll records the artifact link and enqueues the download.
func (s *Service) CompletePoll(ctx context.Context, jobID int64, videoURL string) error {
	defer s.lock(jobID)()
	job, err := s.loadActive(ctx, jobID)
	if err != nil {
		return err
	}
	if err := job.Pipeline.CompletePoll(videoURL, s.now()); err != nil {
		return err
	}
	job.VideoURL = videoURL
	if err := s.saveAndEnqueue(ctx, job, 0); err != nil {
		return err
	}
	s.log.WithField("job", jobID).Info("generation ready")
	s.publish(ctx, domain.Event{Type: EventStageCompleted, JobID: jobID, Stage: domain.StagePoll, Detail: videoURL})
	return nil
}

// PollPending counts an unfinished poll and schedules the next one. A job
// over the poll ceiling fails regardless of its remaining retries.
func (s *Service) PollPending(ctx context.Context, jobID int64) error {
	defer s.lock(jobID)()
	job, err := s.loadActive(ctx, jobID)
	if err != nil {
		return err
	}
	p := &job.Pipeline
	if p.CurrentStage != domain.StagePoll {
		return fmt.Errorf("%w: job %d is at %s, not poll", domain.ErrInvalidTransition, jobID, p.CurrentStage)
	}
	p.Poll.PollCount++
	if p.Poll.PollCount > s.cfg.MaxPolls {
		reason := fmt.Sprintf("poll failed: generation not ready after %d polls", s.cfg.MaxPolls)
		return s.fail(ctx, job, domain.StagePoll, reason)
	}
	return s.saveAndEnqueue(ctx, job, s.cfg.PollInterval)
}

// AwaitCapacity requeues a generate task without counting a retry because
// every eligible account is busy.
func (s *Service) AwaitCapacity(ctx context.Context, jobID int64) error {
	defer s.lock(jobID)()
	job, err := s.loadActive(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Pipeline.CurrentStage != domain.StageGenerate {
		return fmt.Errorf("%w: job %d is at %s, not generate", domain.ErrInvalidTransition, jobID, job.Pipeline.CurrentStage)
	}
	s.log.WithField("job", jobID).Debug("all accounts busy, waiting for capacity")
	return s.saveAndEnqueue(ctx, job, s.cfg.CapacityWait)
}

// CompleteDownload records the fetched artifact and completes the job, or
// enqueues verification when enabled. Replaying a completion with the same
// artifact is a no-op.
func (s *Service) CompleteDownload(ctx context.Context, jobID int64, localPath string, size int64) error {
	defer s.lock(jobID)()
	job, err := s.load(ctx, jobID)
	if err != nil {
		return err
	}
	d := job.Pipeline.Download
	if d.Status == domain.StageCompleted && d.LocalPath == localPath && d.Size == size && job.LocalPath == localPath {
		return nil
	}
	if job.Status != domain.StatusProcessing {
		return s.inactive(job)
	}
	if err := job.Pipeline.CompleteDownload(localPath, size, s.cfg.VerifyDownloads, s.now()); err != nil {
		return err
	}
	job.LocalPath = localPath
	s.publish(ctx, domain.Event{Type: EventStageCompleted, JobID: jobID, Stage: domain.StageDownload, Detail: localPath})
	if s.cfg.VerifyDownloads {
		return s.saveAndEnqueue(ctx, job, 0)
	}
	return s.complete(ctx, job)
}

// CompleteVerify completes a job whose download was verified.
func (s *Service) CompleteVerify(ctx context.Context, jobID int64) error {
	defer s.lock(jobID)()
	job, err := s.load(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status == domain.StatusCompleted && job.Pipeline.Verify.Status == domain.StageCompleted {
		return nil
	}
	if job.Status != domain.StatusProcessing {
		return s.inactive(job)
	}
	if err := job.Pipeline.CompleteVerify(s.now()); err != nil {
		return err
	}
	return s.complete(ctx, job)
}

func (s *Service) complete(ctx context.Context, job *domain.Job) error {
	if err := job.Transition(domain.StatusCompleted, ""); err != nil {
		return err
	}
	job.ErrorMessage = ""
	if err := s.save(ctx, job); err != nil {
		return err
	}
	s.log.WithFields(logrus.Fields{"job": job.ID, "path": job.LocalPath}).Info("job completed")
	s.publish(ctx, domain.Event{Type: EventJobCompleted, JobID: job.ID, Detail: job.LocalPath})
	return nil
}

// FailStage hands a failed task to the retry policy and applies its
// decision. Failures of tasks that no longer match the job's state are
// dropped.
func (s *Service) FailStage(ctx context.Context, task domain.TaskItem, cause error) error {
	defer s.lock(task.JobID)()
	log := s.log.WithFields(logrus.Fields{"job": task.JobID, "stage": task.Stage, "task": task.ID})

	job, err := s.jobs.Get(ctx, task.JobID)
	if err != nil {
		return fmt.Errorf("load job %d: %w", task.JobID, err)
	}
	if job.Status != domain.StatusProcessing || job.Pipeline.CurrentStage != task.Stage {
		log.WithError(cause).Info("dropping failure of superseded task")
		return nil
	}

	se := domain.NewStageError(task.Stage, task.AccountID, cause)
	p := &job.Pipeline
	f := Failure{
		Stage:      task.Stage,
		Kind:       se.Kind,
		AccountID:  se.AccountID,
		Err:        se.Err,
		RetryCount: p.Record(task.Stage).RetryCount,
		MaxRetries: job.MaxRetries,
		Switches:   p.Generate.AccountSwitches,
	}
	if f.Kind.SwitchesAccount() && f.AccountID != 0 {
		exclude := append(append([]int64(nil), p.Generate.ExcludedAccounts...), f.AccountID)
		alt, err := s.pool.HasAlternative(ctx, s.cfg.Platform, exclude)
		if err != nil {
			return err
		}
		f.Alternative = alt
	}
	d := s.policy.Decide(f)
	msg := se.Error()

	if d.MarkAccount != "" {
		s.markAccount(ctx, f.AccountID, d.MarkAccount)
	}

	switch d.Action {
	case ActionDrop:
		log.WithError(cause).Info("stage interrupted")
		return nil
	case ActionFail:
		if d.SwitchAccount {
			p.Generate.AccountSwitches++
		}
		return s.fail(ctx, job, task.Stage, d.Reason)
	}

	if d.SwitchAccount {
		n := p.SwitchAccount(f.AccountID, msg)
		log.WithField("account", f.AccountID).WithError(cause).Warnf("switching account (%d/%d)", n, s.cfg.AccountSwitchLimit)
		s.publish(ctx, domain.Event{Type: EventAccountSwitch, JobID: job.ID, Stage: task.Stage, AccountID: f.AccountID, Detail: msg})
	}
	if d.CountRetry {
		n := p.RetryStage(task.Stage, msg)
		job.RetryCount++
		if d.Exclude {
			p.ExcludeAccount(f.AccountID)
		}
		log.WithError(cause).Warnf("retrying stage (%d/%d)", n, job.MaxRetries)
		s.publish(ctx, domain.Event{Type: EventStageRetry, JobID: job.ID, Stage: task.Stage, AccountID: f.AccountID, Detail: msg})
	}
	return s.saveAndEnqueue(ctx, job, d.Delay)
}

func (s *Service) markAccount(ctx context.Context, id int64, status domain.AccountStatus) {
	acct, err := s.pool.Get(ctx, id)
	if err != nil {
		s.log.WithField("account", id).WithError(err).Error("load account")
		return
	}
	if acct.Status == status {
		// already marked by the stage handler
		return
	}
	switch status {
	case domain.AccountQuotaExhausted:
		err = s.pool.MarkQuotaExhausted(ctx, acct)
	case domain.AccountCheckpoint:
		err = s.pool.MarkCheckpoint(ctx, acct)
	}
	if err != nil {
		s.log.WithField("account", id).WithError(err).Error("mark account")
	}
}

func (s *Service) fail(ctx context.Context, job *domain.Job, stage domain.Stage, reason string) error {
	job.Pipeline.FailStage(stage, reason)
	if err := job.Transition(domain.StatusFailed, reason); err != nil {
		return err
	}
	if err := s.save(ctx, job); err != nil {
		return err
	}
	s.log.WithFields(logrus.Fields{"job": job.ID, "stage": stage}).Error(reason)
	s.publish(ctx, domain.Event{Type: EventJobFailed, JobID: job.ID, Stage: stage, Detail: reason})
	return nil
}

// TaskDone releases the job's outstanding mark once a worker finished with
// task, unless a successor task already replaced it.
func (s *Service) TaskDone(task domain.TaskItem) {
	s.tracker.Done(task.JobID, task.ID)
}

// saveAndEnqueue persists job and then enqueues the task for its current
// stage, after delay when positive.
func (s *Service) saveAndEnqueue(ctx context.Context, job *domain.Job, delay time.Duration) error {
	if err := job.Pipeline.Validate(); err != nil {
		return fmt.Errorf("job %d: %w", job.ID, err)
	}
	if err := s.save(ctx, job); err != nil {
		return err
	}
	task := domain.TaskFor(job)
	q := s.queues.Get(task.Stage)
	if q == nil {
		return fmt.Errorf("job %d: no queue for stage %q", job.ID, task.Stage)
	}
	s.tracker.Set(job.ID, task.ID)
	if delay > 0 {
		q.EnqueueAfter(s.ctx, task, delay)
		return nil
	}
	if err := q.Enqueue(task); err != nil {
		s.tracker.Done(job.ID, task.ID)
		return fmt.Errorf("enqueue %s for job %d: %w", task.Stage, job.ID, err)
	}
	return nil
}

func (s *Service) save(ctx context.Context, job *domain.Job) error {
	job.UpdatedAt = s.now().UTC()
	if err := s.jobs.Update(ctx, job); err != nil {
		return fmt.Errorf("save job %d: %w", job.ID, err)
	}
	return nil
}

func (s *Service) load(ctx context.Context, jobID int64) (*domain.Job, error) {
	job, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("load job %d: %w", jobID, err)
	}
	return job, nil
}

// loadIdle loads a job that must not have an outstanding task.
func (s *Service) loadIdle(ctx context.Context, jobID int64) (*domain.Job, error) {
	if s.tracker.Outstanding(jobID) {
		return nil, fmt.Errorf("%w: job %d", domain.ErrJobBusy, jobID)
	}
	return s.load(ctx, jobID)
}

// loadActive loads a job that a stage worker is about to transition.
func (s *Service) loadActive(ctx context.Context, jobID int64) (*domain.Job, error) {
	job, err := s.load(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != domain.StatusProcessing {
		return nil, s.inactive(job)
	}
	return job, nil
}

func (s *Service) inactive(job *domain.Job) error {
	if job.Status.IsTerminal() {
		return fmt.Errorf("%w: job %d is %s", domain.ErrJobTerminal, job.ID, job.Status)
	}
	return fmt.Errorf("%w: job %d is %s", domain.ErrInvalidTransition, job.ID, job.Status)
}

func (s *Service) publish(ctx context.Context, ev domain.Event) {
	if s.events == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = s.now().UTC()
	}
	if err := s.events.Publish(ctx, ev); err != nil {
		s.log.WithField("event", ev.Type).WithError(err).Warn("publish event")
	}
}
