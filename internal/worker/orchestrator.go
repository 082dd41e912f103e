package worker

import (
	"context"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/cwygoda/clipmill/internal/account"
	"github.com/cwygoda/clipmill/internal/domain"
	"github.com/cwygoda/clipmill/internal/pipeline"
	"github.com/cwygoda/clipmill/internal/queue"
)

// Concurrency is the worker width of each stage.
type Concurrency struct {
	Generate int
	Poll     int
	Download int
	Verify   int
}

// Runner is a long-running component stopped by cancelling ctx.
type Runner interface {
	Run(ctx context.Context) error
}

// Orchestrator runs the stage workers and any auxiliary runners under one
// errgroup.
type Orchestrator struct {
	svc     *pipeline.Service
	queues  *queue.Set
	workers []*Worker
	extra   []Runner
	log     logrus.FieldLogger
}

// NewOrchestrator wires one worker per stage.
func NewOrchestrator(svc *pipeline.Service, queues *queue.Set, pool *account.Pool, gen domain.Generator, fetcher domain.ArtifactFetcher, downloadDir string, c Concurrency, log logrus.FieldLogger) *Orchestrator {
	return &Orchestrator{
		svc:    svc,
		queues: queues,
		workers: []*Worker{
			New(queues.Get(domain.StageGenerate), c.Generate, NewGenerate(svc, pool, gen, log), svc, log),
			New(queues.Get(domain.StagePoll), c.Poll, NewPoll(svc, pool, gen, log), svc, log),
			New(queues.Get(domain.StageDownload), c.Download, NewDownload(svc, fetcher, downloadDir, log), svc, log),
			New(queues.Get(domain.StageVerify), c.Verify, NewVerify(svc, log), svc, log),
		},
		log: log,
	}
}

// Add registers an auxiliary runner such as the stale job monitor.
func (o *Orchestrator) Add(r Runner) {
	o.extra = append(o.extra, r)
}

// Run recovers interrupted jobs, then runs every worker until ctx is
// cancelled. In-flight handlers finish before Run returns.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.svc.Bind(ctx)

	n, err := o.svc.Recover(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		o.log.Infof("resumed %d jobs", n)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, w := range o.workers {
		g.Go(func() error { return w.Run(gctx) })
	}
	for _, r := range o.extra {
		g.Go(func() error { return r.Run(gctx) })
	}
	err = g.Wait()
	o.queues.Close()
	o.log.Info("orchestrator stopped")
	return err
}
