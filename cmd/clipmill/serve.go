package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/cwygoda/clipmill/internal/account"
	"github.com/cwygoda/clipmill/internal/adapter/automation"
	"github.com/cwygoda/clipmill/internal/adapter/fetch"
	httpAdapter "github.com/cwygoda/clipmill/internal/adapter/http"
	redisAdapter "github.com/cwygoda/clipmill/internal/adapter/redis"
	"github.com/cwygoda/clipmill/internal/adapter/sqlite"
	"github.com/cwygoda/clipmill/internal/config"
	"github.com/cwygoda/clipmill/internal/domain"
	"github.com/cwygoda/clipmill/internal/monitor"
	"github.com/cwygoda/clipmill/internal/pipeline"
	"github.com/cwygoda/clipmill/internal/queue"
	"github.com/cwygoda/clipmill/internal/worker"
)

func serveCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the stage workers, the stale job monitor and the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, repo, err := g.open()
			if err != nil {
				return err
			}
			defer repo.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, log, repo)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config, log *logrus.Logger, repo *sqlite.Repository) error {
	log.WithFields(logrus.Fields{
		"port":     cfg.Server.Port,
		"database": cfg.Database.Path,
		"platform": cfg.Pipeline.Platform,
	}).Info("starting clipmill")

	registry, err := automation.FromConfig(cfg.Drivers, log)
	if err != nil {
		return err
	}
	gen, err := registry.Get(cfg.Pipeline.Platform)
	if err != nil {
		return fmt.Errorf("%w (configured: %v)", err, registry.Platforms())
	}

	events, err := eventPublisher(ctx, cfg.Redis, log)
	if err != nil {
		return err
	}

	pool := account.NewPool(repo.Accounts(), log)
	queues := queue.NewSet()
	svc := pipeline.NewService(repo, pool, queues, events, pipeline.Config{
		Platform:           cfg.Pipeline.Platform,
		MaxRetries:         cfg.Pipeline.MaxRetries,
		AccountSwitchLimit: cfg.Pipeline.AccountSwitchLimit,
		RetryDelay:         cfg.Pipeline.RetryDelay,
		PollInterval:       cfg.Pipeline.PollInterval,
		MaxPolls:           cfg.Pipeline.MaxPolls,
		CapacityWait:       cfg.Pipeline.CapacityWait,
		VerifyDownloads:    cfg.Pipeline.VerifyDownloads,
	}, log)

	orch := worker.NewOrchestrator(svc, queues, pool, gen, fetch.New(cfg.Fetch, log), cfg.Pipeline.DownloadDir, worker.Concurrency{
		Generate: cfg.Workers.Generate,
		Poll:     cfg.Workers.Poll,
		Download: cfg.Workers.Download,
		Verify:   cfg.Workers.Verify,
	}, log)
	orch.Add(newMonitor(cfg.Monitor, repo, pool, svc, queues, log))

	srv := httpAdapter.NewServer(svc, fmt.Sprintf(":%d", cfg.Server.Port), cfg.Server.Secret, log)
	if cfg.Server.Secret == "" {
		log.Warn("no server secret configured, requests are not signed")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	orchDone := make(chan error, 1)
	go func() { orchDone <- orch.Run(ctx) }()

	srvErr := make(chan error, 1)
	go func() {
		log.Infof("HTTP server listening on %s", srv.Addr())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case runErr = <-srvErr:
		log.WithError(runErr).Error("HTTP server error")
	case err := <-orchDone:
		shutdown(srv, log)
		return err
	}

	cancel()
	shutdown(srv, log)
	if err := <-orchDone; err != nil && !errors.Is(err, context.Canceled) && runErr == nil {
		runErr = err
	}
	log.Info("shutdown complete")
	return runErr
}

// newMonitor builds the stale job sweep. Reset jobs stay pending with their
// note until StartJob or the next boot resumes them.
func newMonitor(cfg config.MonitorConfig, repo *sqlite.Repository, pool *account.Pool, svc *pipeline.Service, queues *queue.Set, log logrus.FieldLogger) *monitor.Monitor {
	return monitor.New(repo, pool, svc.Tracker(), nil, queues, monitor.Config{
		Interval:   cfg.Interval,
		Cooldown:   cfg.Cooldown,
		StaleAfter: cfg.StaleAfter,
	}, log)
}

func shutdown(srv *httpAdapter.Server, log logrus.FieldLogger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.WithError(err).Error("HTTP server shutdown error")
	}
}

// eventPublisher streams events to redis when a url is configured.
func eventPublisher(ctx context.Context, cfg config.RedisConfig, log logrus.FieldLogger) (domain.EventPublisher, error) {
	if cfg.URL == "" {
		return redisAdapter.NopPublisher{}, nil
	}
	client, err := redisAdapter.Connect(ctx, cfg.URL)
	if err != nil {
		return nil, err
	}
	log.WithField("stream", cfg.Stream).Info("publishing events to redis")
	return redisAdapter.NewPublisher(client, cfg.Stream, cfg.MaxLen), nil
}
