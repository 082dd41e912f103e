package domain

import "github.com/google/uuid"

// TaskItem is one unit of queued stage work for a job. Stage-specific
// fields are zero for stages that do not use them.
type TaskItem struct {
	ID         string
	JobID      int64
	Stage      Stage
	RetryCount int

	// generate
	Prompt             string
	Duration           int
	AccountSwitchCount int
	ExcludeAccountIDs  []int64

	// poll
	AccountID int64
	PollCount int

	// download
	VideoURL string
}

// NewTask returns a task for a job stage with a fresh task id.
func NewTask(jobID int64, stage Stage) TaskItem {
	return TaskItem{ID: uuid.NewString(), JobID: jobID, Stage: stage}
}

// Next returns a copy of t with a new task id, for requeueing.
func (t TaskItem) Next() TaskItem {
	n := t
	n.ID = uuid.NewString()
	n.ExcludeAccountIDs = append([]int64(nil), t.ExcludeAccountIDs...)
	return n
}

// TaskFor builds the task that resumes the job's current stage from its
// recorded pipeline state.
func TaskFor(job *Job) TaskItem {
	p := &job.Pipeline
	t := NewTask(job.ID, p.CurrentStage)
	switch p.CurrentStage {
	case StageGenerate:
		t.RetryCount = p.Generate.RetryCount
		t.Prompt = p.Generate.Prompt
		t.Duration = p.Generate.Duration
		t.AccountSwitchCount = p.Generate.AccountSwitches
		t.ExcludeAccountIDs = append([]int64(nil), p.Generate.ExcludedAccounts...)
	case StagePoll:
		t.RetryCount = p.Poll.RetryCount
		t.AccountID = p.Poll.AccountID
		if t.AccountID == 0 {
			t.AccountID = p.Generate.AccountID
		}
		if t.AccountID == 0 && job.AccountID != nil {
			t.AccountID = *job.AccountID
		}
		t.PollCount = p.Poll.PollCount
		t.AccountSwitchCount = p.Generate.AccountSwitches
	case StageDownload:
		t.RetryCount = p.Download.RetryCount
		t.VideoURL = p.Download.VideoURL
		if t.VideoURL == "" {
			t.VideoURL = job.VideoURL
		}
	case StageVerify:
		t.RetryCount = p.Verify.RetryCount
	}
	return t
}
