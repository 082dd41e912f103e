package worker

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/cwygoda/clipmill/internal/account"
	"github.com/cwygoda/clipmill/internal/domain"
)

// Pipeline is the subset of the pipeline service stage handlers drive.
type Pipeline interface {
	Failer
	Get(ctx context.Context, id int64) (*domain.Job, error)
	IsCancelled(ctx context.Context, jobID int64) (bool, error)
	CompleteSubmit(ctx context.Context, jobID, accountID int64, creditsBefore, creditsAfter int) error
	AwaitCapacity(ctx context.Context, jobID int64) error
	PollPending(ctx context.Context, jobID int64) error
	CompletePoll(ctx context.Context, jobID int64, videoURL string) error
	CompleteDownload(ctx context.Context, jobID int64, localPath string, size int64) error
	CompleteVerify(ctx context.Context, jobID int64) error
}

// errCancelled stops a handler at a cancellation checkpoint.
var errCancelled = errors.New("job cancelled")

func checkpoint(ctx context.Context, pipe Pipeline, jobID int64) error {
	cancelled, err := pipe.IsCancelled(ctx, jobID)
	if err != nil {
		return err
	}
	if cancelled {
		return errCancelled
	}
	return nil
}

// Generate submits a job's prompt on a freshly claimed account.
type Generate struct {
	pipe     Pipeline
	pool     *account.Pool
	gen      domain.Generator
	platform string
	log      logrus.FieldLogger
}

// NewGenerate creates the generate stage handler.
func NewGenerate(pipe Pipeline, pool *account.Pool, gen domain.Generator, log logrus.FieldLogger) *Generate {
	return &Generate{pipe: pipe, pool: pool, gen: gen, platform: gen.Platform(), log: log}
}

// Handle claims an account, holds its lock for login and submission, and
// records the submission.
func (g *Generate) Handle(ctx context.Context, task domain.TaskItem) error {
	log := g.log.WithFields(logrus.Fields{"job": task.JobID, "stage": domain.StageGenerate})

	acct, err := g.pool.Claim(ctx, g.platform, task.ExcludeAccountIDs)
	if errors.Is(err, domain.ErrNoAccount) {
		waiting, werr := g.pool.Waiting(ctx, g.platform, task.ExcludeAccountIDs)
		if werr == nil && waiting {
			return g.pipe.AwaitCapacity(ctx, task.JobID)
		}
		return domain.NewStageError(domain.StageGenerate, 0, err)
	}
	if err != nil {
		return domain.NewStageError(domain.StageGenerate, 0, err)
	}
	defer g.pool.MarkFree(acct.ID)
	log = log.WithField("account", acct.ID)

	var res domain.SubmitResult
	err = g.pool.Locks().With(ctx, acct.ID, func() error {
		sess, err := g.gen.Login(ctx, acct)
		if err != nil {
			return err
		}
		defer sess.Close()

		if err := checkpoint(ctx, g.pipe, task.JobID); err != nil {
			return err
		}
		res, err = sess.Submit(ctx, domain.GenerationRequest{
			JobID:    task.JobID,
			Prompt:   task.Prompt,
			Duration: task.Duration,
		})
		if err != nil {
			return err
		}
		if !res.Submitted {
			return errors.New("submission was not accepted")
		}
		return checkpoint(ctx, g.pipe, task.JobID)
	})
	if errors.Is(err, errCancelled) {
		log.Info("cancelled, submission not recorded")
		return nil
	}
	if err != nil {
		se := domain.NewStageError(domain.StageGenerate, acct.ID, err)
		// mark while still busy so no other claim sees the account live
		markAccount(ctx, g.pool, acct, se.Kind, log)
		return se
	}

	if err := g.pool.RecordCredits(ctx, acct, res.CreditsAfter); err != nil {
		log.WithError(err).Warn("record credits")
	}
	log.Infof("submitted, credits %d -> %d", res.CreditsBefore, res.CreditsAfter)
	return g.pipe.CompleteSubmit(ctx, task.JobID, acct.ID, res.CreditsBefore, res.CreditsAfter)
}

func markAccount(ctx context.Context, pool *account.Pool, acct *domain.Account, kind domain.ErrorKind, log logrus.FieldLogger) {
	if _, err := pool.MarkFailure(ctx, acct, kind); err != nil {
		log.WithError(err).Error("mark account")
	}
}
