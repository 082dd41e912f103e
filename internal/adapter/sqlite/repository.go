package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cwygoda/clipmill/internal/domain"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
    id             INTEGER PRIMARY KEY AUTOINCREMENT,
    prompt         TEXT NOT NULL,
    duration       INTEGER NOT NULL DEFAULT 5,
    aspect_ratio   TEXT NOT NULL DEFAULT '16:9',
    status         TEXT NOT NULL DEFAULT 'draft',
    retry_count    INTEGER NOT NULL DEFAULT 0,
    max_retries    INTEGER NOT NULL DEFAULT 3,
    account_id     INTEGER,
    video_url      TEXT NOT NULL DEFAULT '',
    local_path     TEXT NOT NULL DEFAULT '',
    error          TEXT,
    pipeline_state TEXT NOT NULL DEFAULT '{}',
    created_at     DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at     DATETIME DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);

CREATE TABLE IF NOT EXISTS accounts (
    id                INTEGER PRIMARY KEY AUTOINCREMENT,
    platform          TEXT NOT NULL,
    email             TEXT NOT NULL,
    secret            TEXT NOT NULL DEFAULT '',
    proxy             TEXT NOT NULL DEFAULT '',
    status            TEXT NOT NULL DEFAULT 'live',
    last_used_at      DATETIME,
    credits_remaining INTEGER NOT NULL DEFAULT 0,
    created_at        DATETIME DEFAULT CURRENT_TIMESTAMP,
    UNIQUE (platform, email)
);
CREATE INDEX IF NOT EXISTS idx_accounts_platform ON accounts(platform, status);
`

const jobColumns = `id, prompt, duration, aspect_ratio, status, retry_count, max_retries, account_id,
	video_url, local_path, COALESCE(error, ''), pipeline_state, created_at, updated_at`

// Repository implements domain.JobRepository using SQLite. Accounts live in
// the same database, see Accounts.
type Repository struct {
	db *sql.DB
}

// New creates a new SQLite repository, initializing the schema if needed.
func New(dbPath string) (*Repository, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// one writer; concurrent workers would otherwise hit SQLITE_BUSY
	db.SetMaxOpenConns(1)

	// Initialize schema
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}

	return &Repository{db: db}, nil
}

// Close closes the database connection.
func (r *Repository) Close() error {
	return r.db.Close()
}

// Accounts returns the account repository backed by the same database.
func (r *Repository) Accounts() *Accounts {
	return &Accounts{db: r.db}
}

// Create inserts a new job and fills in its ID.
func (r *Repository) Create(ctx context.Context, job *domain.Job) error {
	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	if job.UpdatedAt.IsZero() {
		job.UpdatedAt = now
	}
	state, err := json.Marshal(job.Pipeline)
	if err != nil {
		return fmt.Errorf("encode pipeline state: %w", err)
	}

	result, err := r.db.ExecContext(ctx,
		`INSERT INTO jobs (prompt, duration, aspect_ratio, status, retry_count, max_retries, account_id,
		 video_url, local_path, error, pipeline_state, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.Prompt, job.Duration, job.AspectRatio, job.Status, job.RetryCount, job.MaxRetries,
		nullID(job.AccountID), job.VideoURL, job.LocalPath, nullString(job.ErrorMessage), string(state),
		job.CreatedAt.UTC(), job.UpdatedAt.UTC(),
	)
	if err != nil {
		return err
	}

	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	job.ID = id
	return nil
}

// Get retrieves a job by ID.
func (r *Repository) Get(ctx context.Context, id int64) (*domain.Job, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	return scanJob(row)
}

// Update writes every column of job. UpdatedAt is stored as given.
func (r *Repository) Update(ctx context.Context, job *domain.Job) error {
	if job.UpdatedAt.IsZero() {
		job.UpdatedAt = time.Now().UTC()
	}
	state, err := json.Marshal(job.Pipeline)
	if err != nil {
		return fmt.Errorf("encode pipeline state: %w", err)
	}

	result, err := r.db.ExecContext(ctx,
		`UPDATE jobs SET prompt = ?, duration = ?, aspect_ratio = ?, status = ?, retry_count = ?,
		 max_retries = ?, account_id = ?, video_url = ?, local_path = ?, error = ?, pipeline_state = ?,
		 updated_at = ?
		 WHERE id = ?`,
		job.Prompt, job.Duration, job.AspectRatio, job.Status, job.RetryCount, job.MaxRetries,
		nullID(job.AccountID), job.VideoURL, job.LocalPath, nullString(job.ErrorMessage), string(state),
		job.UpdatedAt.UTC(), job.ID,
	)
	if err != nil {
		return err
	}
	return expectRow(result, domain.ErrJobNotFound)
}

// List returns the newest jobs first. limit <= 0 returns all jobs.
func (r *Repository) List(ctx context.Context, limit int) ([]domain.Job, error) {
	if limit <= 0 {
		return r.queryJobs(ctx, `SELECT `+jobColumns+` FROM jobs ORDER BY id DESC`)
	}
	return r.queryJobs(ctx, `SELECT `+jobColumns+` FROM jobs ORDER BY id DESC LIMIT ?`, limit)
}

// ListByStatus returns jobs in a status, oldest first.
func (r *Repository) ListByStatus(ctx context.Context, status domain.JobStatus) ([]domain.Job, error) {
	return r.queryJobs(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE status = ? ORDER BY created_at ASC, id ASC`, status)
}

// ListByIDs returns the jobs among ids that exist, ordered by id.
func (r *Repository) ListByIDs(ctx context.Context, ids []int64) ([]domain.Job, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	in, args := inClause(ids)
	return r.queryJobs(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id IN (`+in+`) ORDER BY id ASC`, args...)
}

// Delete removes the jobs among ids and reports how many existed.
func (r *Repository) Delete(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	in, args := inClause(ids)
	result, err := r.db.ExecContext(ctx, `DELETE FROM jobs WHERE id IN (`+in+`)`, args...)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// DeleteByStatus removes every job in a status.
func (r *Repository) DeleteByStatus(ctx context.Context, status domain.JobStatus) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM jobs WHERE status = ?`, status)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// MarkStale resets a job to pending only if it is still processing.
func (r *Repository) MarkStale(ctx context.Context, id int64, note string) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, error = ?, updated_at = ? WHERE id = ? AND status = ?`,
		domain.StatusPending, note, time.Now().UTC(), id, domain.StatusProcessing,
	)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// RecoverStale resets all processing jobs back to pending (for crash recovery).
func (r *Repository) RecoverStale(ctx context.Context) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, error = 'recovered after crash', updated_at = ?
		 WHERE status = ?`,
		domain.StatusPending, time.Now().UTC(), domain.StatusProcessing,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (r *Repository) queryJobs(ctx context.Context, query string, args ...any) ([]domain.Job, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*domain.Job, error) {
	var (
		job       domain.Job
		status    string
		accountID sql.NullInt64
		state     string
	)
	err := row.Scan(&job.ID, &job.Prompt, &job.Duration, &job.AspectRatio, &status, &job.RetryCount,
		&job.MaxRetries, &accountID, &job.VideoURL, &job.LocalPath, &job.ErrorMessage, &state,
		&job.CreatedAt, &job.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, domain.ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	job.Status = domain.JobStatus(status)
	if accountID.Valid {
		id := accountID.Int64
		job.AccountID = &id
	}
	if err := json.Unmarshal([]byte(state), &job.Pipeline); err != nil {
		return nil, fmt.Errorf("job %d: decode pipeline state: %w", job.ID, err)
	}
	job.CreatedAt = job.CreatedAt.UTC()
	job.UpdatedAt = job.UpdatedAt.UTC()
	return &job, nil
}

func expectRow(result sql.Result, notFound error) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return notFound
	}
	return nil
}

func inClause(ids []int64) (string, []any) {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return strings.TrimSuffix(strings.Repeat("?,", len(ids)), ","), args
}

func nullID(id *int64) sql.NullInt64 {
	if id == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *id, Valid: true}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
