// Package monitor runs the periodic reconciliation sweep: accounts past
// their quota cooldown go back to live and jobs stuck in processing go back
// to pending.
package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cwygoda/clipmill/internal/domain"
	"github.com/cwygoda/clipmill/internal/queue"
)

// Jobs is the job store the sweep reads and resets.
type Jobs interface {
	ListByStatus(ctx context.Context, status domain.JobStatus) ([]domain.Job, error)
	MarkStale(ctx context.Context, id int64, note string) (bool, error)
}

// Accounts resets quota-exhausted accounts whose cooldown has passed.
type Accounts interface {
	ResetCooldownAccounts(ctx context.Context, cooldown time.Duration) (int, error)
}

// Tracker reports whether a job still has a task in flight in this process.
type Tracker interface {
	Outstanding(jobID int64) bool
}

// Resumer re-dispatches a job that was reset to pending.
type Resumer interface {
	Resume(ctx context.Context, jobID int64) error
}

// Queues exposes queue depths for the sweep log line.
type Queues interface {
	Stats() map[domain.Stage]queue.Depth
}

// Config holds sweep timing.
type Config struct {
	Interval   time.Duration
	Cooldown   time.Duration
	StaleAfter time.Duration
}

// DefaultConfig returns a 60s sweep with a 24h cooldown and 15m staleness.
func DefaultConfig() Config {
	return Config{
		Interval:   60 * time.Second,
		Cooldown:   24 * time.Hour,
		StaleAfter: 15 * time.Minute,
	}
}

// Result summarizes one sweep.
type Result struct {
	AccountsReset int
	JobsReset     []int64
}

// Monitor is the stale job and account cooldown sweeper.
type Monitor struct {
	jobs     Jobs
	accounts Accounts
	tracker  Tracker
	resumer  Resumer
	queues   Queues
	cfg      Config
	log      logrus.FieldLogger
	now      func() time.Time
}

// New creates a monitor. tracker, resumer and queues may be nil.
func New(jobs Jobs, accounts Accounts, tracker Tracker, resumer Resumer, queues Queues, cfg Config, log logrus.FieldLogger) *Monitor {
	return &Monitor{
		jobs:     jobs,
		accounts: accounts,
		tracker:  tracker,
		resumer:  resumer,
		queues:   queues,
		cfg:      cfg,
		log:      log.WithField("component", "monitor"),
		now:      time.Now,
	}
}

// Run sweeps every Interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	m.log.Infof("monitor started, sweeping every %s", m.cfg.Interval)
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.log.Info("monitor shutting down")
			return nil
		case <-ticker.C:
			if _, err := m.Sweep(ctx); err != nil && ctx.Err() == nil {
				m.log.WithError(err).Error("sweep")
			}
		}
	}
}

// Sweep runs both reconciliations once. A failure in one does not skip the
// other; the first error is returned.
func (m *Monitor) Sweep(ctx context.Context) (Result, error) {
	var (
		res      Result
		firstErr error
	)

	n, err := m.accounts.ResetCooldownAccounts(ctx, m.cfg.Cooldown)
	if err != nil {
		firstErr = fmt.Errorf("reset cooldown accounts: %w", err)
	}
	res.AccountsReset = n

	reset, err := m.resetStaleJobs(ctx)
	if err != nil && firstErr == nil {
		firstErr = err
	}
	res.JobsReset = reset

	if m.queues != nil {
		fields := logrus.Fields{}
		for stage, d := range m.queues.Stats() {
			fields[string(stage)] = d.Ready + d.Delayed
		}
		m.log.WithFields(fields).Debug("queue depths")
	}
	return res, firstErr
}

func (m *Monitor) resetStaleJobs(ctx context.Context) ([]int64, error) {
	jobs, err := m.jobs.ListByStatus(ctx, domain.StatusProcessing)
	if err != nil {
		return nil, fmt.Errorf("list processing jobs: %w", err)
	}

	cutoff := m.now().Add(-m.cfg.StaleAfter)
	var reset []int64
	for _, job := range jobs {
		if !job.UpdatedAt.Before(cutoff) {
			continue
		}
		if m.tracker != nil && m.tracker.Outstanding(job.ID) {
			continue
		}
		log := m.log.WithField("job", job.ID)

		note := fmt.Sprintf("reset after %s without progress", m.now().Sub(job.UpdatedAt).Round(time.Second))
		ok, err := m.jobs.MarkStale(ctx, job.ID, note)
		if err != nil {
			return reset, fmt.Errorf("mark job %d stale: %w", job.ID, err)
		}
		if !ok {
			continue
		}
		log.Warn("stale job reset to pending")
		reset = append(reset, job.ID)

		if m.resumer != nil {
			if err := m.resumer.Resume(ctx, job.ID); err != nil {
				log.WithError(err).Warn("resume stale job")
			}
		}
	}
	return reset, nil
}
