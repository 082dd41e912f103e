package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/cwygoda/clipmill/internal/domain"
)

const accountColumns = `id, platform, email, secret, proxy, status, last_used_at, credits_remaining, created_at`

// Accounts implements domain.AccountRepository.
type Accounts struct {
	db *sql.DB
}

// Create inserts a new account and fills in its ID.
func (a *Accounts) Create(ctx context.Context, acct *domain.Account) error {
	if acct.Status == "" {
		acct.Status = domain.AccountLive
	}
	if acct.CreatedAt.IsZero() {
		acct.CreatedAt = time.Now().UTC()
	}
	result, err := a.db.ExecContext(ctx,
		`INSERT INTO accounts (platform, email, secret, proxy, status, last_used_at, credits_remaining, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		acct.Platform, acct.Email, acct.Secret, acct.Proxy, acct.Status, nullTime(acct.LastUsedAt),
		acct.CreditsRemaining, acct.CreatedAt.UTC(),
	)
	if err != nil {
		return err
	}
	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	acct.ID = id
	return nil
}

// Get retrieves an account by ID.
func (a *Accounts) Get(ctx context.Context, id int64) (*domain.Account, error) {
	row := a.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id)
	return scanAccount(row)
}

// Update writes the mutable account columns.
func (a *Accounts) Update(ctx context.Context, acct *domain.Account) error {
	result, err := a.db.ExecContext(ctx,
		`UPDATE accounts SET email = ?, secret = ?, proxy = ?, status = ?, last_used_at = ?, credits_remaining = ?
		 WHERE id = ?`,
		acct.Email, acct.Secret, acct.Proxy, acct.Status, nullTime(acct.LastUsedAt), acct.CreditsRemaining, acct.ID,
	)
	if err != nil {
		return err
	}
	return expectRow(result, domain.ErrAccountNotFound)
}

// List returns every account.
func (a *Accounts) List(ctx context.Context) ([]domain.Account, error) {
	return a.query(ctx, `SELECT `+accountColumns+` FROM accounts ORDER BY id ASC`)
}

// ListByPlatform returns the accounts of one platform.
func (a *Accounts) ListByPlatform(ctx context.Context, platform string) ([]domain.Account, error) {
	return a.query(ctx, `SELECT `+accountColumns+` FROM accounts WHERE platform = ? ORDER BY id ASC`, platform)
}

// ListByStatus returns the accounts in a status.
func (a *Accounts) ListByStatus(ctx context.Context, status domain.AccountStatus) ([]domain.Account, error) {
	return a.query(ctx, `SELECT `+accountColumns+` FROM accounts WHERE status = ? ORDER BY id ASC`, status)
}

// TransitionStatus moves an account from one status to another only if it
// is still in from.
func (a *Accounts) TransitionStatus(ctx context.Context, id int64, from, to domain.AccountStatus) (bool, error) {
	result, err := a.db.ExecContext(ctx,
		`UPDATE accounts SET status = ? WHERE id = ? AND status = ?`, to, id, from)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// Touch stamps last_used_at only.
func (a *Accounts) Touch(ctx context.Context, id int64, at time.Time) error {
	return a.exec(ctx, `UPDATE accounts SET last_used_at = ? WHERE id = ?`, at.UTC(), id)
}

// SetCredits stores the observed credit balance only.
func (a *Accounts) SetCredits(ctx context.Context, id int64, credits int) error {
	return a.exec(ctx, `UPDATE accounts SET credits_remaining = ? WHERE id = ?`, credits, id)
}

// SetStatus sets the status and last use stamp only.
func (a *Accounts) SetStatus(ctx context.Context, id int64, status domain.AccountStatus, at time.Time) error {
	return a.exec(ctx, `UPDATE accounts SET status = ?, last_used_at = ? WHERE id = ?`, status, at.UTC(), id)
}

func (a *Accounts) exec(ctx context.Context, query string, args ...any) error {
	result, err := a.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return expectRow(result, domain.ErrAccountNotFound)
}

func (a *Accounts) query(ctx context.Context, query string, args ...any) ([]domain.Account, error) {
	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accts []domain.Account
	for rows.Next() {
		acct, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accts = append(accts, *acct)
	}
	return accts, rows.Err()
}

func scanAccount(row scanner) (*domain.Account, error) {
	var (
		acct     domain.Account
		status   string
		lastUsed sql.NullTime
	)
	err := row.Scan(&acct.ID, &acct.Platform, &acct.Email, &acct.Secret, &acct.Proxy, &status,
		&lastUsed, &acct.CreditsRemaining, &acct.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, domain.ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	acct.Status = domain.AccountStatus(status)
	if lastUsed.Valid {
		t := lastUsed.Time.UTC()
		acct.LastUsedAt = &t
	}
	acct.CreatedAt = acct.CreatedAt.UTC()
	return &acct, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
