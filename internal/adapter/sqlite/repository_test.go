package sqlite

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	logtest "github.com/sirupsen/logrus/hooks/test"

	"github.com/cwygoda/clipmill/internal/account"
	"github.com/cwygoda/clipmill/internal/domain"
	"github.com/cwygoda/clipmill/internal/monitor"
)

func setupTestRepo(t *testing.T) (*Repository, func()) {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")

	repo, err := New(dbPath)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	cleanup := func() {
		repo.Close()
		os.Remove(dbPath)
	}
	return repo, cleanup
}

func createJob(t *testing.T, repo *Repository, status domain.JobStatus) *domain.Job {
	t.Helper()
	job := domain.NewJob("a red fox in snow", 5)
	job.Status = status
	if err := repo.Create(context.Background(), job); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	return job
}

func TestRepository_Create(t *testing.T) {
	repo, cleanup := setupTestRepo(t)
	defer cleanup()

	job := createJob(t, repo, domain.StatusDraft)
	if job.ID == 0 {
		t.Error("Create() job.ID = 0, want non-zero")
	}

	got, err := repo.Get(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Prompt != job.Prompt || got.Duration != 5 || got.AspectRatio != "16:9" {
		t.Errorf("Get() = %+v", got)
	}
	if got.Status != domain.StatusDraft {
		t.Errorf("Get() status = %q, want %q", got.Status, domain.StatusDraft)
	}
	if got.MaxRetries != domain.DefaultMaxRetries {
		t.Errorf("Get() max retries = %d, want %d", got.MaxRetries, domain.DefaultMaxRetries)
	}
	if got.AccountID != nil {
		t.Errorf("Get() account = %v, want nil", *got.AccountID)
	}
}

func TestRepository_Get(t *testing.T) {
	repo, cleanup := setupTestRepo(t)
	defer cleanup()

	_, err := repo.Get(context.Background(), 9999)
	if !errors.Is(err, domain.ErrJobNotFound) {
		t.Errorf("Get() error = %v, want %v", err, domain.ErrJobNotFound)
	}
}

func TestRepository_UpdatePipelineState(t *testing.T) {
	repo, cleanup := setupTestRepo(t)
	defer cleanup()

	ctx := context.Background()
	job := createJob(t, repo, domain.StatusDraft)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	job.Pipeline = domain.NewPipelineState(job.Prompt, job.Duration)
	if err := job.Pipeline.CompleteGenerate(7, 10, 9, now); err != nil {
		t.Fatal(err)
	}
	job.Pipeline.Generate.ExcludedAccounts = []int64{3, 4}
	job.Status = domain.StatusProcessing
	job.AssignAccount(7)
	job.UpdatedAt = now
	if err := repo.Update(ctx, job); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	got, err := repo.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Pipeline.CurrentStage != domain.StagePoll {
		t.Errorf("current stage = %q, want %q", got.Pipeline.CurrentStage, domain.StagePoll)
	}
	if got.Pipeline.Generate.AccountID != 7 || got.Pipeline.Generate.CreditsAfter != 9 {
		t.Errorf("generate record = %+v", got.Pipeline.Generate)
	}
	if len(got.Pipeline.Generate.ExcludedAccounts) != 2 {
		t.Errorf("excluded = %v", got.Pipeline.Generate.ExcludedAccounts)
	}
	if got.AccountID == nil || *got.AccountID != 7 {
		t.Errorf("account id = %v, want 7", got.AccountID)
	}
	if !got.UpdatedAt.Equal(now) {
		t.Errorf("updated at = %s, want %s", got.UpdatedAt, now)
	}
	if err := got.Pipeline.Validate(); err != nil {
		t.Errorf("decoded pipeline invalid: %v", err)
	}

	job.ID = 9999
	if err := repo.Update(ctx, job); !errors.Is(err, domain.ErrJobNotFound) {
		t.Errorf("Update() missing job error = %v, want %v", err, domain.ErrJobNotFound)
	}
}

func TestRepository_ListAndDelete(t *testing.T) {
	repo, cleanup := setupTestRepo(t)
	defer cleanup()

	ctx := context.Background()
	j1 := createJob(t, repo, domain.StatusCompleted)
	j2 := createJob(t, repo, domain.StatusFailed)
	j3 := createJob(t, repo, domain.StatusCompleted)

	all, err := repo.List(ctx, 0)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(all) != 3 || all[0].ID != j3.ID {
		t.Errorf("List(0) = %d jobs, first %d; want 3, newest first", len(all), all[0].ID)
	}
	limited, _ := repo.List(ctx, 2)
	if len(limited) != 2 {
		t.Errorf("List(2) returned %d jobs", len(limited))
	}

	byIDs, err := repo.ListByIDs(ctx, []int64{j1.ID, j2.ID, 9999})
	if err != nil {
		t.Fatalf("ListByIDs() error = %v", err)
	}
	if len(byIDs) != 2 {
		t.Errorf("ListByIDs() returned %d jobs, want 2", len(byIDs))
	}

	n, err := repo.DeleteByStatus(ctx, domain.StatusCompleted)
	if err != nil || n != 2 {
		t.Errorf("DeleteByStatus() = %d, %v; want 2", n, err)
	}
	n, err = repo.Delete(ctx, []int64{j2.ID, 9999})
	if err != nil || n != 1 {
		t.Errorf("Delete() = %d, %v; want 1", n, err)
	}
	all, _ = repo.List(ctx, 0)
	if len(all) != 0 {
		t.Errorf("List() after delete = %d jobs", len(all))
	}
}

func TestRepository_MarkStale(t *testing.T) {
	repo, cleanup := setupTestRepo(t)
	defer cleanup()

	ctx := context.Background()
	processing := createJob(t, repo, domain.StatusProcessing)
	completed := createJob(t, repo, domain.StatusCompleted)

	ok, err := repo.MarkStale(ctx, processing.ID, "stuck")
	if err != nil || !ok {
		t.Fatalf("MarkStale() = %v, %v", ok, err)
	}
	got, _ := repo.Get(ctx, processing.ID)
	if got.Status != domain.StatusPending || got.ErrorMessage != "stuck" {
		t.Errorf("MarkStale() job = %q %q", got.Status, got.ErrorMessage)
	}

	// only processing jobs move
	ok, _ = repo.MarkStale(ctx, completed.ID, "stuck")
	if ok {
		t.Error("MarkStale() moved a completed job")
	}
	ok, _ = repo.MarkStale(ctx, processing.ID, "again")
	if ok {
		t.Error("MarkStale() is not idempotent")
	}
}

func TestNew_CreatesDirectory(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "subdir", "nested", "test.db")

	repo, err := New(dbPath)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer repo.Close()

	// Verify directory was created
	if _, err := os.Stat(filepath.Dir(dbPath)); os.IsNotExist(err) {
		t.Error("New() did not create parent directory")
	}
}

func TestRepository_RecoverStale(t *testing.T) {
	repo, cleanup := setupTestRepo(t)
	defer cleanup()

	ctx := context.Background()

	job1 := createJob(t, repo, domain.StatusProcessing)
	job2 := createJob(t, repo, domain.StatusProcessing)
	job3 := createJob(t, repo, domain.StatusPending)

	count, err := repo.RecoverStale(ctx)
	if err != nil {
		t.Fatalf("RecoverStale() error = %v", err)
	}
	if count != 2 {
		t.Errorf("RecoverStale() count = %d, want 2", count)
	}

	for _, id := range []int64{job1.ID, job2.ID, job3.ID} {
		j, _ := repo.Get(ctx, id)
		if j.Status != domain.StatusPending {
			t.Errorf("job %d status = %q, want %q", id, j.Status, domain.StatusPending)
		}
	}

	j1, _ := repo.Get(ctx, job1.ID)
	if j1.ErrorMessage != "recovered after crash" {
		t.Errorf("job1 error = %q, want %q", j1.ErrorMessage, "recovered after crash")
	}
}

func TestAccounts(t *testing.T) {
	repo, cleanup := setupTestRepo(t)
	defer cleanup()

	ctx := context.Background()
	accts := repo.Accounts()

	a := &domain.Account{Platform: "sora", Email: "a@example.com"}
	if err := accts.Create(ctx, a); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if a.ID == 0 || a.Status != domain.AccountLive {
		t.Errorf("Create() = %+v", a)
	}
	if err := accts.Create(ctx, &domain.Account{Platform: "sora", Email: "a@example.com"}); err == nil {
		t.Error("Create() duplicate email should fail")
	}
	if err := accts.Create(ctx, &domain.Account{Platform: "veo", Email: "b@example.com"}); err != nil {
		t.Fatal(err)
	}

	used := time.Date(2026, 2, 1, 8, 30, 0, 0, time.UTC)
	a.LastUsedAt = &used
	a.CreditsRemaining = 12
	if err := accts.Update(ctx, a); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	got, err := accts.Get(ctx, a.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.LastUsedAt == nil || !got.LastUsedAt.Equal(used) || got.CreditsRemaining != 12 {
		t.Errorf("Get() = %+v", got)
	}

	sora, _ := accts.ListByPlatform(ctx, "sora")
	if len(sora) != 1 {
		t.Errorf("ListByPlatform() = %d accounts, want 1", len(sora))
	}
	all, _ := accts.List(ctx)
	if len(all) != 2 {
		t.Errorf("List() = %d accounts, want 2", len(all))
	}

	ok, err := accts.TransitionStatus(ctx, a.ID, domain.AccountCheckpoint, domain.AccountLive)
	if err != nil || ok {
		t.Errorf("TransitionStatus() from wrong status = %v, %v", ok, err)
	}
	ok, _ = accts.TransitionStatus(ctx, a.ID, domain.AccountLive, domain.AccountCheckpoint)
	if !ok {
		t.Error("TransitionStatus() live -> checkpoint did not apply")
	}
	cp, _ := accts.ListByStatus(ctx, domain.AccountCheckpoint)
	if len(cp) != 1 || cp[0].ID != a.ID {
		t.Errorf("ListByStatus(checkpoint) = %+v", cp)
	}

	// column writes leave the checkpoint in place
	touched := used.Add(time.Hour)
	if err := accts.Touch(ctx, a.ID, touched); err != nil {
		t.Fatalf("Touch() error = %v", err)
	}
	if err := accts.SetCredits(ctx, a.ID, 4); err != nil {
		t.Fatalf("SetCredits() error = %v", err)
	}
	got, _ = accts.Get(ctx, a.ID)
	if got.Status != domain.AccountCheckpoint || got.CreditsRemaining != 4 || !got.LastUsedAt.Equal(touched) {
		t.Errorf("after Touch/SetCredits = %+v", got)
	}
	if err := accts.SetStatus(ctx, a.ID, domain.AccountQuotaExhausted, touched); err != nil {
		t.Fatalf("SetStatus() error = %v", err)
	}
	if got, _ = accts.Get(ctx, a.ID); got.Status != domain.AccountQuotaExhausted || got.CreditsRemaining != 4 {
		t.Errorf("after SetStatus = %+v", got)
	}
	if err := accts.SetCredits(ctx, 9999, 1); !errors.Is(err, domain.ErrAccountNotFound) {
		t.Errorf("SetCredits() missing account error = %v, want %v", err, domain.ErrAccountNotFound)
	}

	if _, err := accts.Get(ctx, 9999); !errors.Is(err, domain.ErrAccountNotFound) {
		t.Errorf("Get() error = %v, want %v", err, domain.ErrAccountNotFound)
	}
}

// A full sweep against the database: a job idle past the staleness window
// goes back to pending, a recently updated one stays, and a quota-exhausted
// account past its cooldown is live again.
func TestStaleSweep(t *testing.T) {
	repo, cleanup := setupTestRepo(t)
	defer cleanup()

	ctx := context.Background()
	now := time.Now().UTC()

	stale := createJob(t, repo, domain.StatusProcessing)
	stale.UpdatedAt = now.Add(-20 * time.Minute)
	if err := repo.Update(ctx, stale); err != nil {
		t.Fatal(err)
	}
	fresh := createJob(t, repo, domain.StatusProcessing)
	fresh.UpdatedAt = now.Add(-5 * time.Minute)
	if err := repo.Update(ctx, fresh); err != nil {
		t.Fatal(err)
	}

	used := now.Add(-25 * time.Hour)
	acct := &domain.Account{Platform: "sora", Email: "q@example.com", Status: domain.AccountQuotaExhausted, LastUsedAt: &used}
	if err := repo.Accounts().Create(ctx, acct); err != nil {
		t.Fatal(err)
	}

	log, _ := logtest.NewNullLogger()
	pool := account.NewPool(repo.Accounts(), log)
	m := monitor.New(repo, pool, nil, nil, nil, monitor.DefaultConfig(), log)

	res, err := m.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if len(res.JobsReset) != 1 || res.JobsReset[0] != stale.ID {
		t.Errorf("JobsReset = %v, want [%d]", res.JobsReset, stale.ID)
	}
	if res.AccountsReset != 1 {
		t.Errorf("AccountsReset = %d, want 1", res.AccountsReset)
	}

	got, _ := repo.Get(ctx, stale.ID)
	if got.Status != domain.StatusPending || got.ErrorMessage == "" {
		t.Errorf("stale job = %q %q", got.Status, got.ErrorMessage)
	}
	got, _ = repo.Get(ctx, fresh.ID)
	if got.Status != domain.StatusProcessing {
		t.Errorf("fresh job status = %q, want processing", got.Status)
	}
	a, _ := repo.Accounts().Get(ctx, acct.ID)
	if a.Status != domain.AccountLive {
		t.Errorf("account status = %q, want live", a.Status)
	}
}
