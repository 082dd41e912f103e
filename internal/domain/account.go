package domain

import "time"

// AccountStatus represents the health of an external generation account.
type AccountStatus string

const (
	AccountLive           AccountStatus = "live"
	AccountQuotaExhausted AccountStatus = "quota_exhausted"
	AccountCheckpoint     AccountStatus = "checkpoint"
	AccountDead           AccountStatus = "dead"
)

// Account is a credential slot on a generation platform.
type Account struct {
	ID               int64
	Platform         string
	Email            string
	Secret           string
	Proxy            string
	Status           AccountStatus
	LastUsedAt       *time.Time
	CreditsRemaining int
	CreatedAt        time.Time
}

// Assignable reports whether the account's status permits new work.
// Busy-set membership is tracked separately by the account pool.
func (a *Account) Assignable() bool {
	return a.Status == AccountLive
}

// UsedBefore orders accounts least-recently-used first; never-used accounts
// sort ahead of everything else.
func (a *Account) UsedBefore(other *Account) bool {
	switch {
	case a.LastUsedAt == nil && other.LastUsedAt == nil:
		return a.ID < other.ID
	case a.LastUsedAt == nil:
		return true
	case other.LastUsedAt == nil:
		return false
	case a.LastUsedAt.Equal(*other.LastUsedAt):
		return a.ID < other.ID
	default:
		return a.LastUsedAt.Before(*other.LastUsedAt)
	}
}

// Touch stamps the account as used now.
func (a *Account) Touch(now time.Time) {
	t := now.UTC()
	a.LastUsedAt = &t
}
