package worker

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/cwygoda/clipmill/internal/domain"
)

// Download fetches a finished artifact into the download directory.
type Download struct {
	pipe    Pipeline
	fetcher domain.ArtifactFetcher
	dir     string
	log     logrus.FieldLogger
}

// NewDownload creates the download stage handler.
func NewDownload(pipe Pipeline, fetcher domain.ArtifactFetcher, dir string, log logrus.FieldLogger) *Download {
	return &Download{pipe: pipe, fetcher: fetcher, dir: dir, log: log}
}

func (d *Download) Handle(ctx context.Context, task domain.TaskItem) error {
	if task.VideoURL == "" {
		return domain.FatalError(domain.StageDownload, errors.New("no video url"))
	}
	path, size, err := d.fetcher.Fetch(ctx, task.VideoURL, d.dir)
	if err != nil {
		return domain.NewStageError(domain.StageDownload, 0, err)
	}
	d.log.WithFields(logrus.Fields{"job": task.JobID, "path": path, "size": size}).Info("downloaded")
	return d.pipe.CompleteDownload(ctx, task.JobID, path, size)
}

// Verify checks that a downloaded artifact is on disk with its recorded
// size.
type Verify struct {
	pipe Pipeline
	log  logrus.FieldLogger
}

// NewVerify creates the verify stage handler.
func NewVerify(pipe Pipeline, log logrus.FieldLogger) *Verify {
	return &Verify{pipe: pipe, log: log}
}

func (v *Verify) Handle(ctx context.Context, task domain.TaskItem) error {
	job, err := v.pipe.Get(ctx, task.JobID)
	if err != nil {
		return domain.NewStageError(domain.StageVerify, 0, err)
	}
	rec := job.Pipeline.Download
	fi, err := os.Stat(rec.LocalPath)
	if err != nil {
		return domain.FatalError(domain.StageVerify, fmt.Errorf("downloaded file: %w", err))
	}
	if fi.Size() != rec.Size || fi.Size() == 0 {
		return domain.FatalError(domain.StageVerify, fmt.Errorf("downloaded file is %d bytes, expected %d", fi.Size(), rec.Size))
	}
	return v.pipe.CompleteVerify(ctx, task.JobID)
}
