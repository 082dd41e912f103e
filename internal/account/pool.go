// Package account tracks generation accounts: status, the process-wide busy
// set, least-recently-used selection and per-account locking.
package account

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cwygoda/clipmill/internal/domain"
)

// Pool selects and books accounts. One Pool is shared by every stage worker
// of the process.
type Pool struct {
	repo  domain.AccountRepository
	log   logrus.FieldLogger
	locks *LockTable
	now   func() time.Time

	mu   sync.Mutex
	busy map[int64]struct{}
}

// NewPool creates a pool backed by repo.
func NewPool(repo domain.AccountRepository, log logrus.FieldLogger) *Pool {
	return &Pool{
		repo:  repo,
		log:   log,
		locks: NewLockTable(),
		now:   time.Now,
		busy:  make(map[int64]struct{}),
	}
}

// Locks returns the pool's per-account lock table.
func (p *Pool) Locks() *LockTable {
	return p.locks
}

// SelectAccount returns the least recently used live account of platform
// that is neither excluded nor busy, or nil when none qualifies.
func (p *Pool) SelectAccount(ctx context.Context, platform string, exclude []int64) (*domain.Account, error) {
	accts, err := p.repo.ListByPlatform(ctx, platform)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pick(accts, exclude), nil
}

func (p *Pool) pick(accts []domain.Account, exclude []int64) *domain.Account {
	skip := make(map[int64]bool, len(exclude))
	for _, id := range exclude {
		skip[id] = true
	}
	var candidates []*domain.Account
	for i := range accts {
		a := &accts[i]
		if !a.Assignable() || skip[a.ID] {
			continue
		}
		if _, busy := p.busy[a.ID]; busy {
			continue
		}
		candidates = append(candidates, a)
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].UsedBefore(candidates[j])
	})
	return candidates[0]
}

// Claim selects an account, marks it busy and stamps its last use, so two
// concurrent claims never receive the same account. It returns
// domain.ErrNoAccount when nothing is selectable. The caller must MarkFree
// the account when done.
func (p *Pool) Claim(ctx context.Context, platform string, exclude []int64) (*domain.Account, error) {
	// list under mu: a failing holder marks its account before MarkFree,
	// so the listing never predates that mark
	p.mu.Lock()
	accts, err := p.repo.ListByPlatform(ctx, platform)
	if err != nil {
		p.mu.Unlock()
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	acct := p.pick(accts, exclude)
	if acct != nil {
		p.busy[acct.ID] = struct{}{}
	}
	p.mu.Unlock()

	if acct == nil {
		return nil, domain.ErrNoAccount
	}

	acct.Touch(p.now())
	if err := p.repo.Touch(ctx, acct.ID, *acct.LastUsedAt); err != nil {
		p.MarkFree(acct.ID)
		return nil, fmt.Errorf("touch account %d: %w", acct.ID, err)
	}
	p.log.WithField("account", acct.ID).Debug("account claimed")
	return acct, nil
}

// Waiting reports whether a live, non-excluded account exists that is only
// unavailable because it is busy.
func (p *Pool) Waiting(ctx context.Context, platform string, exclude []int64) (bool, error) {
	accts, err := p.repo.ListByPlatform(ctx, platform)
	if err != nil {
		return false, fmt.Errorf("list accounts: %w", err)
	}
	skip := make(map[int64]bool, len(exclude))
	for _, id := range exclude {
		skip[id] = true
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, a := range accts {
		if !a.Assignable() || skip[a.ID] {
			continue
		}
		if _, busy := p.busy[a.ID]; busy {
			return true, nil
		}
	}
	return false, nil
}

// MarkBusy adds id to the busy set. It is idempotent.
func (p *Pool) MarkBusy(id int64) {
	p.mu.Lock()
	p.busy[id] = struct{}{}
	p.mu.Unlock()
}

// MarkFree removes id from the busy set. It is idempotent.
func (p *Pool) MarkFree(id int64) {
	p.mu.Lock()
	delete(p.busy, id)
	p.mu.Unlock()
}

// IsBusy reports busy-set membership.
func (p *Pool) IsBusy(id int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.busy[id]
	return ok
}

// BusyIDs returns a snapshot of the busy set.
func (p *Pool) BusyIDs() []int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]int64, 0, len(p.busy))
	for id := range p.busy {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// MarkQuotaExhausted puts the account into cooldown.
func (p *Pool) MarkQuotaExhausted(ctx context.Context, acct *domain.Account) error {
	return p.markStatus(ctx, acct, domain.AccountQuotaExhausted)
}

// MarkCheckpoint flags the account for manual verification. The monitor
// never clears this status; see ClearCheckpoint.
func (p *Pool) MarkCheckpoint(ctx context.Context, acct *domain.Account) error {
	return p.markStatus(ctx, acct, domain.AccountCheckpoint)
}

func (p *Pool) markStatus(ctx context.Context, acct *domain.Account, status domain.AccountStatus) error {
	acct.Status = status
	acct.Touch(p.now())
	if err := p.repo.SetStatus(ctx, acct.ID, status, *acct.LastUsedAt); err != nil {
		return fmt.Errorf("mark account %d %s: %w", acct.ID, status, err)
	}
	p.log.WithFields(logrus.Fields{"account": acct.ID, "email": acct.Email}).Warnf("account marked %s", status)
	return nil
}

// MarkFailure applies the account status an account-switching failure
// implies: checkpoint for verification, quota_exhausted for quota. It
// returns the status set, or "" when kind does not mark accounts.
func (p *Pool) MarkFailure(ctx context.Context, acct *domain.Account, kind domain.ErrorKind) (domain.AccountStatus, error) {
	switch kind {
	case domain.KindQuotaExhausted:
		return domain.AccountQuotaExhausted, p.MarkQuotaExhausted(ctx, acct)
	case domain.KindVerificationRequired:
		return domain.AccountCheckpoint, p.MarkCheckpoint(ctx, acct)
	}
	return "", nil
}

// ClearCheckpoint is the operator transition checkpoint -> live.
func (p *Pool) ClearCheckpoint(ctx context.Context, id int64) error {
	ok, err := p.repo.TransitionStatus(ctx, id, domain.AccountCheckpoint, domain.AccountLive)
	if err != nil {
		return fmt.Errorf("clear checkpoint %d: %w", id, err)
	}
	if !ok {
		return fmt.Errorf("%w: account %d is not in checkpoint", domain.ErrInvalidTransition, id)
	}
	p.log.WithField("account", id).Info("checkpoint cleared")
	return nil
}

// ResetCooldownAccounts returns quota-exhausted accounts last used before
// the cooldown window to live. Accounts without a last-use stamp are reset
// as well. It returns the number of accounts reset.
func (p *Pool) ResetCooldownAccounts(ctx context.Context, cooldown time.Duration) (int, error) {
	accts, err := p.repo.ListByStatus(ctx, domain.AccountQuotaExhausted)
	if err != nil {
		return 0, fmt.Errorf("list exhausted accounts: %w", err)
	}
	cutoff := p.now().Add(-cooldown)
	n := 0
	for _, a := range accts {
		if a.LastUsedAt != nil && !a.LastUsedAt.Before(cutoff) {
			continue
		}
		ok, err := p.repo.TransitionStatus(ctx, a.ID, domain.AccountQuotaExhausted, domain.AccountLive)
		if err != nil {
			return n, fmt.Errorf("reset account %d: %w", a.ID, err)
		}
		if ok {
			n++
		}
	}
	if n > 0 {
		p.log.WithField("count", n).Info("reset quota exhausted accounts to live")
	}
	return n, nil
}

// AvailableCount returns the number of live accounts of platform that are
// not busy.
func (p *Pool) AvailableCount(ctx context.Context, platform string) (int, error) {
	accts, err := p.repo.ListByPlatform(ctx, platform)
	if err != nil {
		return 0, fmt.Errorf("list accounts: %w", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, a := range accts {
		if !a.Assignable() {
			continue
		}
		if _, busy := p.busy[a.ID]; !busy {
			n++
		}
	}
	return n, nil
}

// Get loads one account.
func (p *Pool) Get(ctx context.Context, id int64) (*domain.Account, error) {
	return p.repo.Get(ctx, id)
}

// HasAlternative reports whether a live account outside exclude exists,
// busy or not.
func (p *Pool) HasAlternative(ctx context.Context, platform string, exclude []int64) (bool, error) {
	accts, err := p.repo.ListByPlatform(ctx, platform)
	if err != nil {
		return false, fmt.Errorf("list accounts: %w", err)
	}
	skip := make(map[int64]bool, len(exclude))
	for _, id := range exclude {
		skip[id] = true
	}
	for _, a := range accts {
		if a.Assignable() && !skip[a.ID] {
			return true, nil
		}
	}
	return false, nil
}

// RecordCredits stores the credit balance observed after a submission. It
// leaves the account's status alone.
func (p *Pool) RecordCredits(ctx context.Context, acct *domain.Account, credits int) error {
	acct.CreditsRemaining = credits
	if err := p.repo.SetCredits(ctx, acct.ID, credits); err != nil {
		return fmt.Errorf("record credits for account %d: %w", acct.ID, err)
	}
	return nil
}
