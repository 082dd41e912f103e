package domain

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrJobNotFound       = errors.New("job not found")
	ErrAccountNotFound   = errors.New("account not found")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrJobTerminal       = errors.New("job is terminal")
	ErrJobBusy           = errors.New("job has an outstanding task")
	ErrNotResumable      = errors.New("job has no resumable stage")
	ErrNoAccount         = errors.New("no available account")

	// Collaborator failures that drive account switching.
	ErrQuotaExhausted       = errors.New("account quota exhausted")
	ErrVerificationRequired = errors.New("account verification required")

	ErrFetchFailed = errors.New("artifact fetch failed")
)

// ErrorKind is the closed set of failure classes a stage can report.
type ErrorKind int

const (
	KindTransient ErrorKind = iota
	KindQuotaExhausted
	KindVerificationRequired
	KindFatal
	KindCancelled
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindQuotaExhausted:
		return "quota_exhausted"
	case KindVerificationRequired:
		return "verification_required"
	case KindFatal:
		return "fatal"
	case KindCancelled:
		return "cancelled"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// SwitchesAccount reports whether the kind is recovered by moving the job to
// another account rather than by a counted stage retry.
func (k ErrorKind) SwitchesAccount() bool {
	return k == KindQuotaExhausted || k == KindVerificationRequired
}

// StageError is the failure reported by a stage handler.
type StageError struct {
	Stage     Stage
	Kind      ErrorKind
	AccountID int64
	Err       error
}

func (e *StageError) Error() string {
	if e.AccountID != 0 {
		return fmt.Sprintf("%s (account %d): %v", e.Stage, e.AccountID, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// NewStageError wraps err for a stage, classifying it unless it already
// carries a kind.
func NewStageError(stage Stage, accountID int64, err error) *StageError {
	var se *StageError
	if errors.As(err, &se) {
		out := *se
		out.Stage = stage
		if out.AccountID == 0 {
			out.AccountID = accountID
		}
		return &out
	}
	return &StageError{Stage: stage, Kind: Classify(err), AccountID: accountID, Err: err}
}

// FatalError marks err as unrecoverable by retry.
func FatalError(stage Stage, err error) *StageError {
	return &StageError{Stage: stage, Kind: KindFatal, Err: err}
}

// Classify maps an error onto its failure class.
func Classify(err error) ErrorKind {
	var se *StageError
	switch {
	case err == nil:
		return KindTransient
	case errors.As(err, &se):
		return se.Kind
	case errors.Is(err, ErrQuotaExhausted):
		return KindQuotaExhausted
	case errors.Is(err, ErrVerificationRequired):
		return KindVerificationRequired
	case errors.Is(err, context.Canceled):
		return KindCancelled
	}
	return KindTransient
}
