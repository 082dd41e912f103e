package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"github.com/cwygoda/clipmill/internal/domain"
	"github.com/cwygoda/clipmill/internal/queue"
)

// BulkAction names one bulk operation.
type BulkAction string

const (
	ActionStartSelected         BulkAction = "start_selected"
	ActionRetrySelected         BulkAction = "retry_selected"
	ActionRetryDownloadSelected BulkAction = "retry_download_selected"
	ActionRetryFailed           BulkAction = "retry_failed"
	ActionDeleteAll             BulkAction = "delete_all"
	ActionClearCompleted        BulkAction = "clear_completed"
	ActionDeleteSelected        BulkAction = "delete_selected"
)

// Selective reports whether the action works on explicit job ids.
func (a BulkAction) Selective() bool {
	switch a {
	case ActionStartSelected, ActionRetrySelected, ActionRetryDownloadSelected, ActionDeleteSelected:
		return true
	}
	return false
}

// BulkRequest is a bulk operation over jobs.
type BulkRequest struct {
	Action BulkAction `json:"action" validate:"required,oneof=start_selected retry_selected retry_download_selected retry_failed delete_all clear_completed delete_selected"`
	JobIDs []int64    `json:"job_ids" validate:"omitempty,dive,gt=0"`
}

// ErrInvalidRequest marks a malformed bulk request.
var ErrInvalidRequest = errors.New("invalid bulk request")

var validate = validator.New()

// Validate checks the request shape.
func (r BulkRequest) Validate() error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if r.Action.Selective() && len(r.JobIDs) == 0 {
		return fmt.Errorf("%w: %s needs job_ids", ErrInvalidRequest, r.Action)
	}
	return nil
}

// BulkResult reports what a bulk operation did.
type BulkResult struct {
	Action   BulkAction       `json:"action"`
	Affected int              `json:"affected"`
	Skipped  map[int64]string `json:"skipped,omitempty"`
}

func (r *BulkResult) skip(id int64, err error) {
	if r.Skipped == nil {
		r.Skipped = make(map[int64]string)
	}
	r.Skipped[id] = err.Error()
}

// Bulk runs a bulk action. Per-job failures are reported in the result,
// not as an error. Jobs with an outstanding task are never deleted.
func (s *Service) Bulk(ctx context.Context, req BulkRequest) (*BulkResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	res := &BulkResult{Action: req.Action}

	switch req.Action {
	case ActionStartSelected:
		s.each(ctx, req.JobIDs, res, s.StartJob)
	case ActionRetrySelected:
		s.each(ctx, req.JobIDs, res, s.RetryJob)
	case ActionRetryDownloadSelected:
		s.each(ctx, req.JobIDs, res, s.RetrySubtasks)
	case ActionRetryFailed:
		failed, err := s.jobs.ListByStatus(ctx, domain.StatusFailed)
		if err != nil {
			return nil, fmt.Errorf("list failed jobs: %w", err)
		}
		ids := make([]int64, 0, len(failed))
		for _, j := range failed {
			ids = append(ids, j.ID)
		}
		s.each(ctx, ids, res, s.RetryJob)
	case ActionClearCompleted:
		n, err := s.jobs.DeleteByStatus(ctx, domain.StatusCompleted)
		if err != nil {
			return nil, fmt.Errorf("clear completed jobs: %w", err)
		}
		res.Affected = int(n)
	case ActionDeleteAll:
		jobs, err := s.jobs.List(ctx, 0)
		if err != nil {
			return nil, fmt.Errorf("list jobs: %w", err)
		}
		ids := make([]int64, 0, len(jobs))
		for _, j := range jobs {
			ids = append(ids, j.ID)
		}
		if err := s.deleteIdle(ctx, ids, res); err != nil {
			return nil, err
		}
	case ActionDeleteSelected:
		if err := s.deleteIdle(ctx, req.JobIDs, res); err != nil {
			return nil, err
		}
	}

	s.log.WithFields(logrus.Fields{"action": req.Action, "affected": res.Affected, "skipped": len(res.Skipped)}).Info("bulk action")
	return res, nil
}

func (s *Service) each(ctx context.Context, ids []int64, res *BulkResult, fn func(context.Context, int64) error) {
	for _, id := range ids {
		if err := fn(ctx, id); err != nil {
			res.skip(id, err)
			continue
		}
		res.Affected++
	}
}

func (s *Service) deleteIdle(ctx context.Context, ids []int64, res *BulkResult) error {
	idle := make([]int64, 0, len(ids))
	for _, id := range ids {
		if s.tracker.Outstanding(id) {
			res.skip(id, fmt.Errorf("%w: job %d", domain.ErrJobBusy, id))
			continue
		}
		idle = append(idle, id)
	}
	if len(idle) == 0 {
		return nil
	}
	n, err := s.jobs.Delete(ctx, idle)
	if err != nil {
		return fmt.Errorf("delete jobs: %w", err)
	}
	res.Affected = int(n)
	return nil
}

// Stats is a snapshot of pipeline load.
type Stats struct {
	Queues            map[domain.Stage]queue.Depth `json:"queues"`
	Outstanding       int                          `json:"outstanding"`
	BusyAccounts      []int64                      `json:"busy_accounts"`
	AvailableAccounts int                          `json:"available_accounts"`
}

// Stats reports queue depths and account capacity.
func (s *Service) Stats(ctx context.Context) (*Stats, error) {
	n, err := s.pool.AvailableCount(ctx, s.cfg.Platform)
	if err != nil {
		return nil, err
	}
	return &Stats{
		Queues:            s.queues.Stats(),
		Outstanding:       s.tracker.Len(),
		BusyAccounts:      s.pool.BusyIDs(),
		AvailableAccounts: n,
	}, nil
}
