package domain

import (
	"fmt"
	"time"
)

// Stage names one phase of the pipeline.
type Stage string

const (
	StageGenerate Stage = "generate"
	StagePoll     Stage = "poll"
	StageDownload Stage = "download"
	StageVerify   Stage = "verify"

	// StageDone is the current-stage marker of a finished pipeline.
	StageDone Stage = "done"
)

// Stages lists the pipeline stages in execution order.
var Stages = []Stage{StageGenerate, StagePoll, StageDownload, StageVerify}

func (s Stage) index() int {
	for i, st := range Stages {
		if st == s {
			return i
		}
	}
	if s == StageDone {
		return len(Stages)
	}
	return -1
}

// StageStatus is the status of a single stage record.
type StageStatus string

const (
	StageBlocked   StageStatus = "blocked"
	StagePending   StageStatus = "pending"
	StageCompleted StageStatus = "completed"
	StageFailed    StageStatus = "failed"
)

// StageRecord holds the bookkeeping common to every stage.
type StageRecord struct {
	Status      StageStatus `json:"status"`
	RetryCount  int         `json:"retry_count,omitempty"`
	LastError   string      `json:"last_error,omitempty"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
}

// GenerateRecord is the generate stage: input prompt plus the account and
// credit deltas of the accepted submission.
type GenerateRecord struct {
	StageRecord
	Prompt           string  `json:"prompt"`
	Duration         int     `json:"duration"`
	AccountID        int64   `json:"account_id,omitempty"`
	CreditsBefore    int     `json:"credits_before,omitempty"`
	CreditsAfter     int     `json:"credits_after,omitempty"`
	AccountSwitches  int     `json:"account_switches,omitempty"`
	ExcludedAccounts []int64 `json:"excluded_accounts,omitempty"`
}

// PollRecord is the poll stage.
type PollRecord struct {
	StageRecord
	AccountID int64 `json:"account_id,omitempty"`
	PollCount int   `json:"poll_count,omitempty"`
}

// DownloadRecord is the download stage: input URL and fetched artifact.
type DownloadRecord struct {
	StageRecord
	VideoURL  string `json:"video_url,omitempty"`
	LocalPath string `json:"local_path,omitempty"`
	Size      int64  `json:"size,omitempty"`
}

// PipelineState is the per-job stage state machine.
type PipelineState struct {
	CurrentStage Stage          `json:"current_stage,omitempty"`
	Generate     GenerateRecord `json:"generate"`
	Poll         PollRecord     `json:"poll"`
	Download     DownloadRecord `json:"download"`
	Verify       StageRecord    `json:"verify"`
}

// NewPipelineState returns a state with generate pending and the rest blocked.
func NewPipelineState(prompt string, duration int) PipelineState {
	return PipelineState{
		CurrentStage: StageGenerate,
		Generate: GenerateRecord{
			StageRecord: StageRecord{Status: StagePending},
			Prompt:      prompt,
			Duration:    duration,
		},
		Poll:     PollRecord{StageRecord: StageRecord{Status: StageBlocked}},
		Download: DownloadRecord{StageRecord: StageRecord{Status: StageBlocked}},
		Verify:   StageRecord{Status: StageBlocked},
	}
}

// Started reports whether the pipeline has been initialised.
func (p *PipelineState) Started() bool {
	return p.CurrentStage != ""
}

// Record returns the common record of a stage, or nil for an unknown stage.
func (p *PipelineState) Record(s Stage) *StageRecord {
	switch s {
	case StageGenerate:
		return &p.Generate.StageRecord
	case StagePoll:
		return &p.Poll.StageRecord
	case StageDownload:
		return &p.Download.StageRecord
	case StageVerify:
		return &p.Verify
	}
	return nil
}

// Validate checks that upstream stages are completed, the current stage is
// the only pending (or failed) one and everything downstream is blocked.
func (p *PipelineState) Validate() error {
	if !p.Started() {
		return nil
	}
	cur := p.CurrentStage.index()
	if cur < 0 {
		return fmt.Errorf("%w: unknown current stage %q", ErrInvalidTransition, p.CurrentStage)
	}
	for i, s := range Stages {
		st := p.Record(s).Status
		switch {
		case i < cur:
			// verify is skipped when downloads are not verified
			if st != StageCompleted && !(s == StageVerify && st == StageBlocked) {
				return fmt.Errorf("%w: upstream stage %s is %s", ErrInvalidTransition, s, st)
			}
		case i == cur:
			if st != StagePending && st != StageFailed {
				return fmt.Errorf("%w: current stage %s is %s", ErrInvalidTransition, s, st)
			}
		default:
			if st != StageBlocked {
				return fmt.Errorf("%w: downstream stage %s is %s", ErrInvalidTransition, s, st)
			}
		}
	}
	return nil
}

func (p *PipelineState) expect(s Stage) error {
	if p.CurrentStage != s {
		return fmt.Errorf("%w: current stage is %q, not %q", ErrInvalidTransition, p.CurrentStage, s)
	}
	if st := p.Record(s).Status; st != StagePending {
		return fmt.Errorf("%w: stage %s is %s", ErrInvalidTransition, s, st)
	}
	return nil
}

// CompleteGenerate records an accepted submission and unlocks poll.
func (p *PipelineState) CompleteGenerate(accountID int64, creditsBefore, creditsAfter int, now time.Time) error {
	if err := p.expect(StageGenerate); err != nil {
		return err
	}
	p.Generate.Status = StageCompleted
	p.Generate.CompletedAt = stamp(now)
	p.Generate.AccountID = accountID
	p.Generate.CreditsBefore = creditsBefore
	p.Generate.CreditsAfter = creditsAfter
	p.Poll = PollRecord{StageRecord: StageRecord{Status: StagePending}, AccountID: accountID}
	p.CurrentStage = StagePoll
	return nil
}

// CompletePoll records the ready artifact link and unlocks download.
func (p *PipelineState) CompletePoll(videoURL string, now time.Time) error {
	if err := p.expect(StagePoll); err != nil {
		return err
	}
	p.Poll.Status = StageCompleted
	p.Poll.CompletedAt = stamp(now)
	p.Download = DownloadRecord{StageRecord: StageRecord{Status: StagePending}, VideoURL: videoURL}
	p.CurrentStage = StageDownload
	return nil
}

// CompleteDownload records the fetched artifact. With verify set the verify
// stage is unlocked, otherwise the pipeline is finished.
func (p *PipelineState) CompleteDownload(localPath string, size int64, verify bool, now time.Time) error {
	if err := p.expect(StageDownload); err != nil {
		return err
	}
	p.Download.Status = StageCompleted
	p.Download.CompletedAt = stamp(now)
	p.Download.LocalPath = localPath
	p.Download.Size = size
	if verify {
		p.Verify = StageRecord{Status: StagePending}
		p.CurrentStage = StageVerify
		return nil
	}
	p.CurrentStage = StageDone
	return nil
}

// CompleteVerify finishes a pipeline whose download was verified.
func (p *PipelineState) CompleteVerify(now time.Time) error {
	if err := p.expect(StageVerify); err != nil {
		return err
	}
	p.Verify.Status = StageCompleted
	p.Verify.CompletedAt = stamp(now)
	p.CurrentStage = StageDone
	return nil
}

// RetryStage counts a retry of the current stage and keeps it pending.
func (p *PipelineState) RetryStage(s Stage, lastErr string) int {
	r := p.Record(s)
	r.RetryCount++
	r.Status = StagePending
	r.LastError = lastErr
	return r.RetryCount
}

// FailStage marks a stage as permanently failed.
func (p *PipelineState) FailStage(s Stage, lastErr string) {
	r := p.Record(s)
	if r == nil {
		return
	}
	r.Status = StageFailed
	r.LastError = lastErr
}

// SwitchAccount excludes an account from further generate attempts and
// counts the switch. A poll in progress is rewound to generate because the
// artifact is bound to the excluded account.
func (p *PipelineState) SwitchAccount(accountID int64, lastErr string) int {
	p.Generate.AccountSwitches++
	p.Generate.LastError = lastErr
	p.ExcludeAccount(accountID)
	if p.CurrentStage == StagePoll {
		p.Poll = PollRecord{StageRecord: StageRecord{Status: StageBlocked, LastError: lastErr}}
		p.Generate.Status = StagePending
		p.Generate.CompletedAt = nil
		p.Generate.AccountID = 0
		p.CurrentStage = StageGenerate
	}
	return p.Generate.AccountSwitches
}

// ExcludeAccount keeps accountID out of further generate attempts.
func (p *PipelineState) ExcludeAccount(accountID int64) {
	if accountID != 0 && !containsID(p.Generate.ExcludedAccounts, accountID) {
		p.Generate.ExcludedAccounts = append(p.Generate.ExcludedAccounts, accountID)
	}
}

// RewindTo makes s the current pending stage and blocks everything after it.
// Upstream records are left untouched.
func (p *PipelineState) RewindTo(s Stage) error {
	idx := s.index()
	if idx < 0 || idx >= len(Stages) {
		return fmt.Errorf("%w: cannot rewind to %q", ErrInvalidTransition, s)
	}
	for i := 0; i < idx; i++ {
		if st := p.Record(Stages[i]).Status; st != StageCompleted {
			return fmt.Errorf("%w: cannot rewind to %s, %s is %s", ErrInvalidTransition, s, Stages[i], st)
		}
	}
	for i := idx + 1; i < len(Stages); i++ {
		r := p.Record(Stages[i])
		r.Status = StageBlocked
		r.CompletedAt = nil
	}
	r := p.Record(s)
	r.Status = StagePending
	r.CompletedAt = nil
	if s == StagePoll {
		p.Poll.PollCount = 0
	}
	p.CurrentStage = s
	return nil
}

func stamp(now time.Time) *time.Time {
	t := now.UTC()
	return &t
}

func containsID(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
