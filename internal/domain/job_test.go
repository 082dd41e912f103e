package domain

import (
	"errors"
	"testing"
	"time"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name string
		from JobStatus
		to   JobStatus
		want bool
	}{
		{"draft starts", StatusDraft, StatusProcessing, true},
		{"pending starts", StatusPending, StatusProcessing, true},
		{"processing completes", StatusProcessing, StatusCompleted, true},
		{"processing resets stale", StatusProcessing, StatusPending, true},
		{"pending cancels", StatusPending, StatusCancelled, true},
		{"draft cannot cancel", StatusDraft, StatusCancelled, false},
		{"completed cannot fail", StatusCompleted, StatusFailed, false},
		{"failed cannot complete", StatusFailed, StatusCompleted, false},
		{"cancelled cannot complete", StatusCancelled, StatusCompleted, false},
		{"failed reopens on retry", StatusFailed, StatusPending, true},
		{"unknown status", JobStatus("bogus"), StatusPending, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CanTransition(tt.from, tt.to); got != tt.want {
				t.Errorf("CanTransition(%q, %q) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestJob_Transition(t *testing.T) {
	job := NewJob("P", 5)
	job.ID = 1

	if err := job.Transition(StatusProcessing, ""); err != nil {
		t.Fatalf("Transition() error = %v", err)
	}
	if err := job.Transition(StatusFailed, "boom"); err != nil {
		t.Fatalf("Transition() error = %v", err)
	}
	if job.ErrorMessage != "boom" {
		t.Errorf("ErrorMessage = %q, want %q", job.ErrorMessage, "boom")
	}

	err := job.Transition(StatusCompleted, "")
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Transition() error = %v, want %v", err, ErrInvalidTransition)
	}
	if job.Status != StatusFailed {
		t.Errorf("Status = %q, want %q", job.Status, StatusFailed)
	}
}

func TestJob_Cancellable(t *testing.T) {
	for status, want := range map[JobStatus]bool{
		StatusDraft:      false,
		StatusPending:    true,
		StatusProcessing: true,
		StatusCompleted:  false,
		StatusFailed:     false,
		StatusCancelled:  false,
	} {
		job := Job{Status: status}
		if got := job.Cancellable(); got != want {
			t.Errorf("Cancellable(%q) = %v, want %v", status, got, want)
		}
	}
}

func TestNewJob_Defaults(t *testing.T) {
	job := NewJob("P", 5)

	if job.Status != StatusDraft {
		t.Errorf("Status = %q, want %q", job.Status, StatusDraft)
	}
	if job.MaxRetries != 3 {
		t.Errorf("MaxRetries = %d, want 3", job.MaxRetries)
	}
	if job.Pipeline.Started() {
		t.Error("Pipeline.Started() = true, want false")
	}
}

func TestJob_ResetForRetry(t *testing.T) {
	job := Job{Status: StatusFailed, ErrorMessage: "x", RetryCount: 4}
	job.ResetForRetry()

	if job.Status != StatusPending || job.ErrorMessage != "" || job.RetryCount != 0 {
		t.Errorf("ResetForRetry() = %+v", job)
	}
}

func TestAccount_UsedBefore(t *testing.T) {
	old := time.Now().Add(-time.Hour)
	recent := time.Now()

	never := &Account{ID: 3}
	a := &Account{ID: 1, LastUsedAt: &old}
	b := &Account{ID: 2, LastUsedAt: &recent}

	if !never.UsedBefore(a) {
		t.Error("never-used account should sort before used account")
	}
	if !a.UsedBefore(b) {
		t.Error("older account should sort before recent account")
	}
	if b.UsedBefore(a) {
		t.Error("recent account should not sort before older account")
	}
}
