package pipeline

import (
	"fmt"
	"time"

	"github.com/cwygoda/clipmill/internal/domain"
)

// Action is what the pipeline does with a failed task.
type Action int

const (
	// ActionRequeue puts the job's next attempt back on a queue.
	ActionRequeue Action = iota
	// ActionFail moves the job to failed.
	ActionFail
	// ActionDrop leaves the job untouched, e.g. on shutdown.
	ActionDrop
)

func (a Action) String() string {
	switch a {
	case ActionRequeue:
		return "requeue"
	case ActionFail:
		return "fail"
	case ActionDrop:
		return "drop"
	}
	return fmt.Sprintf("action(%d)", int(a))
}

// Failure describes a failed stage attempt.
type Failure struct {
	Stage     domain.Stage
	Kind      domain.ErrorKind
	AccountID int64
	Err       error

	// RetryCount and Switches are the counters before this failure.
	RetryCount int
	MaxRetries int
	Switches   int

	// Alternative reports whether a live account other than the excluded
	// ones exists.
	Alternative bool
}

// Decision is the outcome of a RetryPolicy.
type Decision struct {
	Action Action

	// MarkAccount is the status the failing account moves to, if any.
	MarkAccount domain.AccountStatus
	// SwitchAccount counts an account switch and excludes the account from
	// generate. A poll in progress is rewound to generate.
	SwitchAccount bool
	// CountRetry counts a stage retry.
	CountRetry bool
	// Exclude excludes the failing account on a counted retry.
	Exclude bool
	Delay   time.Duration
	Reason  string
}

// RetryPolicy decides how a stage failure is recovered.
type RetryPolicy struct {
	// SwitchLimit is the number of account switches a job may make.
	SwitchLimit int
	// RetryDelay is multiplied by the retry number to delay a requeue.
	RetryDelay time.Duration
}

// Decide maps a failure onto a decision. It has no side effects.
func (p RetryPolicy) Decide(f Failure) Decision {
	kind := f.Kind
	switch {
	case kind.SwitchesAccount() && (f.Stage == domain.StageDownload || f.Stage == domain.StageVerify || f.AccountID == 0):
		// no account to switch
		kind = domain.KindTransient
	case kind == domain.KindQuotaExhausted && f.Stage != domain.StageGenerate:
		// quota only switches accounts before submission
		kind = domain.KindTransient
	}

	switch kind {
	case domain.KindCancelled:
		return Decision{Action: ActionDrop}

	case domain.KindFatal:
		return Decision{Action: ActionFail, Reason: fmt.Sprintf("%s failed: %v", f.Stage, f.Err)}

	case domain.KindQuotaExhausted, domain.KindVerificationRequired:
		d := Decision{MarkAccount: domain.AccountQuotaExhausted, SwitchAccount: true}
		if kind == domain.KindVerificationRequired {
			d.MarkAccount = domain.AccountCheckpoint
		}
		switches := f.Switches + 1
		switch {
		case switches > p.SwitchLimit:
			d.Action = ActionFail
			d.Reason = fmt.Sprintf("%s failed: account switch limit (%d) exceeded: %v", f.Stage, p.SwitchLimit, f.Err)
		case !f.Alternative:
			d.Action = ActionFail
			d.Reason = fmt.Sprintf("%s failed: no live account left after %d of %d account switches: %v", f.Stage, switches, p.SwitchLimit, f.Err)
		default:
			d.Action = ActionRequeue
		}
		return d
	}

	retries := f.RetryCount + 1
	if retries > f.MaxRetries || f.Switches > p.SwitchLimit {
		return Decision{
			Action: ActionFail,
			Reason: fmt.Sprintf("%s failed after %d retries: %v", f.Stage, f.RetryCount, f.Err),
		}
	}
	return Decision{
		Action:     ActionRequeue,
		CountRetry: true,
		Exclude:    f.Stage == domain.StageGenerate && f.AccountID != 0,
		Delay:      p.RetryDelay * time.Duration(retries),
	}
}
