package worker

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/cwygoda/clipmill/internal/account"
	"github.com/cwygoda/clipmill/internal/domain"
)

// Poll checks a submitted generation on the account that submitted it.
type Poll struct {
	pipe Pipeline
	pool *account.Pool
	gen  domain.Generator
	log  logrus.FieldLogger
}

// NewPoll creates the poll stage handler.
func NewPoll(pipe Pipeline, pool *account.Pool, gen domain.Generator, log logrus.FieldLogger) *Poll {
	return &Poll{pipe: pipe, pool: pool, gen: gen, log: log}
}

// Handle polls once. An unfinished generation is rescheduled by the
// pipeline; a finished one has its artifact link recorded.
func (p *Poll) Handle(ctx context.Context, task domain.TaskItem) error {
	if task.AccountID == 0 {
		return domain.FatalError(domain.StagePoll, errors.New("no account recorded for submitted generation"))
	}
	log := p.log.WithFields(logrus.Fields{"job": task.JobID, "stage": domain.StagePoll, "account": task.AccountID})

	acct, err := p.pool.Get(ctx, task.AccountID)
	if err != nil {
		return domain.NewStageError(domain.StagePoll, task.AccountID, err)
	}

	var (
		done bool
		link string
	)
	check := func() error {
		sess, err := p.gen.Login(ctx, acct)
		if err != nil {
			return err
		}
		defer sess.Close()

		st, err := sess.Status(ctx, task.JobID)
		if err != nil {
			return err
		}
		if st != domain.GenerationCompleted {
			return nil
		}
		done = true
		if err := checkpoint(ctx, p.pipe, task.JobID); err != nil {
			return err
		}
		link, err = sess.ArtifactLink(ctx, task.JobID)
		return err
	}
	err = p.pool.Locks().With(ctx, acct.ID, func() error {
		err := check()
		// only a checkpoint takes the account out of rotation during poll
		if domain.Classify(err) == domain.KindVerificationRequired {
			markAccount(ctx, p.pool, acct, domain.KindVerificationRequired, log)
		}
		return err
	})
	if errors.Is(err, errCancelled) {
		log.Info("cancelled after generation finished")
		return nil
	}
	if err != nil {
		return domain.NewStageError(domain.StagePoll, acct.ID, err)
	}

	if !done {
		log.Debugf("still generating (poll %d)", task.PollCount+1)
		return p.pipe.PollPending(ctx, task.JobID)
	}
	if link == "" {
		return domain.NewStageError(domain.StagePoll, acct.ID, errors.New("empty artifact link"))
	}
	return p.pipe.CompletePoll(ctx, task.JobID, link)
}
