package worker

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"

	"github.com/cwygoda/clipmill/internal/account"
	"github.com/cwygoda/clipmill/internal/domain"
	"github.com/cwygoda/clipmill/internal/queue"
)

// mockPipeline implements Pipeline for testing and records every call.
type mockPipeline struct {
	mu        sync.Mutex
	calls     []string
	failures  []error
	done      []string
	jobs      map[int64]*domain.Job
	cancelled map[int64]bool
}

func newMockPipeline() *mockPipeline {
	return &mockPipeline{jobs: make(map[int64]*domain.Job), cancelled: make(map[int64]bool)}
}

func (m *mockPipeline) record(call string) {
	m.mu.Lock()
	m.calls = append(m.calls, call)
	m.mu.Unlock()
}

func (m *mockPipeline) FailStage(ctx context.Context, task domain.TaskItem, err error) error {
	m.mu.Lock()
	m.failures = append(m.failures, err)
	m.mu.Unlock()
	return nil
}

func (m *mockPipeline) TaskDone(task domain.TaskItem) {
	m.mu.Lock()
	m.done = append(m.done, task.ID)
	m.mu.Unlock()
}

func (m *mockPipeline) Get(ctx context.Context, id int64) (*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	cp := *j
	return &cp, nil
}

func (m *mockPipeline) IsCancelled(ctx context.Context, jobID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancelled[jobID], nil
}

func (m *mockPipeline) CompleteSubmit(ctx context.Context, jobID, accountID int64, before, after int) error {
	m.record("submit")
	return nil
}

func (m *mockPipeline) AwaitCapacity(ctx context.Context, jobID int64) error {
	m.record("await")
	return nil
}

func (m *mockPipeline) PollPending(ctx context.Context, jobID int64) error {
	m.record("pending")
	return nil
}

func (m *mockPipeline) CompletePoll(ctx context.Context, jobID int64, videoURL string) error {
	m.record("poll:" + videoURL)
	return nil
}

func (m *mockPipeline) CompleteDownload(ctx context.Context, jobID int64, localPath string, size int64) error {
	m.record("download:" + localPath)
	return nil
}

func (m *mockPipeline) CompleteVerify(ctx context.Context, jobID int64) error {
	m.record("verify")
	return nil
}

func (m *mockPipeline) snapshot() ([]string, []error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...), append([]error(nil), m.failures...)
}

// mockGenerator implements domain.Generator for testing.
type mockGenerator struct {
	loginErr  error
	submitErr error
	status    domain.GenerationStatus
	link      string

	// onSubmit runs inside Submit, e.g. to cancel the job mid-flight.
	onSubmit func()

	active    int32
	maxActive int32
	logins    int32
}

func (g *mockGenerator) Platform() string { return "sora" }

func (g *mockGenerator) Login(ctx context.Context, acct *domain.Account) (domain.GenerationSession, error) {
	atomic.AddInt32(&g.logins, 1)
	if g.loginErr != nil {
		return nil, g.loginErr
	}
	n := atomic.AddInt32(&g.active, 1)
	for {
		m := atomic.LoadInt32(&g.maxActive)
		if n <= m || atomic.CompareAndSwapInt32(&g.maxActive, m, n) {
			break
		}
	}
	return &mockSession{g: g}, nil
}

type mockSession struct{ g *mockGenerator }

func (s *mockSession) Submit(ctx context.Context, req domain.GenerationRequest) (domain.SubmitResult, error) {
	if s.g.onSubmit != nil {
		s.g.onSubmit()
	}
	time.Sleep(2 * time.Millisecond)
	if s.g.submitErr != nil {
		return domain.SubmitResult{}, s.g.submitErr
	}
	return domain.SubmitResult{Submitted: true, CreditsBefore: 10, CreditsAfter: 9}, nil
}

func (s *mockSession) Status(ctx context.Context, jobID int64) (domain.GenerationStatus, error) {
	time.Sleep(2 * time.Millisecond)
	return s.g.status, nil
}

func (s *mockSession) ArtifactLink(ctx context.Context, jobID int64) (string, error) {
	return s.g.link, nil
}

func (s *mockSession) Close() error {
	atomic.AddInt32(&s.g.active, -1)
	return nil
}

// mockAccounts is a minimal domain.AccountRepository.
type mockAccounts struct {
	mu    sync.Mutex
	accts map[int64]*domain.Account
}

func newMockAccounts(statuses ...domain.AccountStatus) *mockAccounts {
	m := &mockAccounts{accts: make(map[int64]*domain.Account)}
	for i, st := range statuses {
		id := int64(i + 1)
		m.accts[id] = &domain.Account{ID: id, Platform: "sora", Status: st}
	}
	return m
}

func (m *mockAccounts) Create(ctx context.Context, acct *domain.Account) error { return nil }

func (m *mockAccounts) Get(ctx context.Context, id int64) (*domain.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accts[id]
	if !ok {
		return nil, domain.ErrAccountNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *mockAccounts) Update(ctx context.Context, acct *domain.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *acct
	m.accts[acct.ID] = &cp
	return nil
}

func (m *mockAccounts) List(ctx context.Context) ([]domain.Account, error) {
	return m.ListByPlatform(ctx, "sora")
}

func (m *mockAccounts) ListByPlatform(ctx context.Context, platform string) ([]domain.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Account
	for _, a := range m.accts {
		if a.Platform == platform {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (m *mockAccounts) ListByStatus(ctx context.Context, status domain.AccountStatus) ([]domain.Account, error) {
	return nil, nil
}

func (m *mockAccounts) TransitionStatus(ctx context.Context, id int64, from, to domain.AccountStatus) (bool, error) {
	return false, nil
}

func (m *mockAccounts) Touch(ctx context.Context, id int64, at time.Time) error {
	return m.set(id, func(a *domain.Account) { a.LastUsedAt = &at })
}

func (m *mockAccounts) SetCredits(ctx context.Context, id int64, credits int) error {
	return m.set(id, func(a *domain.Account) { a.CreditsRemaining = credits })
}

func (m *mockAccounts) SetStatus(ctx context.Context, id int64, status domain.AccountStatus, at time.Time) error {
	return m.set(id, func(a *domain.Account) {
		a.Status = status
		a.LastUsedAt = &at
	})
}

func (m *mockAccounts) status(id int64) domain.AccountStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.accts[id].Status
}

func (m *mockAccounts) set(id int64, fn func(*domain.Account)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accts[id]
	if !ok {
		return domain.ErrAccountNotFound
	}
	fn(a)
	return nil
}

func nullLogger() logrus.FieldLogger {
	log, _ := logtest.NewNullLogger()
	return log
}

func generateTask(jobID int64, exclude ...int64) domain.TaskItem {
	t := domain.NewTask(jobID, domain.StageGenerate)
	t.Prompt = "P"
	t.Duration = 5
	t.ExcludeAccountIDs = exclude
	return t
}

func TestGenerate_Success(t *testing.T) {
	pipe := newMockPipeline()
	repo := newMockAccounts(domain.AccountLive)
	pool := account.NewPool(repo, nullLogger())
	h := NewGenerate(pipe, pool, &mockGenerator{}, nullLogger())

	if err := h.Handle(context.Background(), generateTask(1)); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	calls, _ := pipe.snapshot()
	if len(calls) != 1 || calls[0] != "submit" {
		t.Errorf("calls = %v, want [submit]", calls)
	}
	if pool.IsBusy(1) {
		t.Error("account should be freed after generate")
	}
	if pool.Locks().Held(1) {
		t.Error("account lock should be released after generate")
	}
	acct, _ := repo.Get(context.Background(), 1)
	if acct.CreditsRemaining != 9 || acct.LastUsedAt == nil {
		t.Errorf("account = %+v", acct)
	}
}

func TestGenerate_QuotaExhausted(t *testing.T) {
	pipe := newMockPipeline()
	repo := newMockAccounts(domain.AccountLive)
	pool := account.NewPool(repo, nullLogger())
	gen := &mockGenerator{submitErr: domain.ErrQuotaExhausted}
	h := NewGenerate(pipe, pool, gen, nullLogger())

	err := h.Handle(context.Background(), generateTask(1))

	var se *domain.StageError
	if !errors.As(err, &se) {
		t.Fatalf("Handle() error = %v, want StageError", err)
	}
	if se.Kind != domain.KindQuotaExhausted || se.AccountID != 1 {
		t.Errorf("StageError = %+v", se)
	}
	if pool.IsBusy(1) || pool.Locks().Held(1) {
		t.Error("account must be released on failure")
	}
	if st := repo.status(1); st != domain.AccountQuotaExhausted {
		t.Errorf("account status = %s, want quota_exhausted", st)
	}
}

// The quota mark is in place before the account leaves the busy set, so a
// claim racing the failure never receives the exhausted account.
func TestGenerate_QuotaMarkedBeforeRelease(t *testing.T) {
	pipe := newMockPipeline()
	repo := newMockAccounts(domain.AccountLive)
	pool := account.NewPool(repo, nullLogger())

	claimed := make(chan error, 1)
	gen := &mockGenerator{submitErr: domain.ErrQuotaExhausted}
	gen.onSubmit = func() {
		// the failing submission still holds account 1
		_, err := pool.Claim(context.Background(), "sora", nil)
		claimed <- err
	}
	h := NewGenerate(pipe, pool, gen, nullLogger())

	if err := h.Handle(context.Background(), generateTask(1)); domain.Classify(err) != domain.KindQuotaExhausted {
		t.Fatalf("Handle() error = %v", err)
	}
	if err := <-claimed; !errors.Is(err, domain.ErrNoAccount) {
		t.Errorf("concurrent Claim() error = %v, want %v", err, domain.ErrNoAccount)
	}
	if _, err := pool.Claim(context.Background(), "sora", nil); !errors.Is(err, domain.ErrNoAccount) {
		t.Errorf("Claim() after failure error = %v, want %v", err, domain.ErrNoAccount)
	}
}

func TestGenerate_NoAccount(t *testing.T) {
	pipe := newMockPipeline()
	pool := account.NewPool(newMockAccounts(domain.AccountQuotaExhausted), nullLogger())
	h := NewGenerate(pipe, pool, &mockGenerator{}, nullLogger())

	err := h.Handle(context.Background(), generateTask(1))
	if !errors.Is(err, domain.ErrNoAccount) {
		t.Errorf("Handle() error = %v, want %v", err, domain.ErrNoAccount)
	}
	if domain.Classify(err) != domain.KindTransient {
		t.Errorf("kind = %s, want transient", domain.Classify(err))
	}
}

func TestGenerate_AllBusyAwaitsCapacity(t *testing.T) {
	pipe := newMockPipeline()
	pool := account.NewPool(newMockAccounts(domain.AccountLive), nullLogger())
	pool.MarkBusy(1)
	h := NewGenerate(pipe, pool, &mockGenerator{}, nullLogger())

	if err := h.Handle(context.Background(), generateTask(1)); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	calls, _ := pipe.snapshot()
	if len(calls) != 1 || calls[0] != "await" {
		t.Errorf("calls = %v, want [await]", calls)
	}
}

func TestGenerate_CancelledDuringSubmit(t *testing.T) {
	pipe := newMockPipeline()
	pool := account.NewPool(newMockAccounts(domain.AccountLive), nullLogger())
	gen := &mockGenerator{onSubmit: func() {
		pipe.mu.Lock()
		pipe.cancelled[1] = true
		pipe.mu.Unlock()
	}}
	h := NewGenerate(pipe, pool, gen, nullLogger())

	if err := h.Handle(context.Background(), generateTask(1)); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if calls, _ := pipe.snapshot(); len(calls) != 0 {
		t.Errorf("cancelled job recorded %v", calls)
	}
}

func TestPoll(t *testing.T) {
	tests := []struct {
		name   string
		status domain.GenerationStatus
		want   string
	}{
		{"still generating", domain.GenerationRunning, "pending"},
		{"completed", domain.GenerationCompleted, "poll:https://cdn/v.mp4"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pipe := newMockPipeline()
			pool := account.NewPool(newMockAccounts(domain.AccountLive), nullLogger())
			h := NewPoll(pipe, pool, &mockGenerator{status: tt.status, link: "https://cdn/v.mp4"}, nullLogger())

			task := domain.NewTask(1, domain.StagePoll)
			task.AccountID = 1
			if err := h.Handle(context.Background(), task); err != nil {
				t.Fatalf("Handle() error = %v", err)
			}
			calls, _ := pipe.snapshot()
			if len(calls) != 1 || calls[0] != tt.want {
				t.Errorf("calls = %v, want [%s]", calls, tt.want)
			}
		})
	}
}

func TestPoll_VerificationRequired(t *testing.T) {
	pipe := newMockPipeline()
	repo := newMockAccounts(domain.AccountLive)
	pool := account.NewPool(repo, nullLogger())
	h := NewPoll(pipe, pool, &mockGenerator{loginErr: domain.ErrVerificationRequired}, nullLogger())

	task := domain.NewTask(1, domain.StagePoll)
	task.AccountID = 1
	err := h.Handle(context.Background(), task)
	if domain.Classify(err) != domain.KindVerificationRequired {
		t.Errorf("kind = %s, want verification_required", domain.Classify(err))
	}
	if pool.Locks().Held(1) {
		t.Error("lock must be released")
	}
	if st := repo.status(1); st != domain.AccountCheckpoint {
		t.Errorf("account status = %s, want checkpoint", st)
	}
}

func TestPoll_QuotaKeepsAccount(t *testing.T) {
	pipe := newMockPipeline()
	repo := newMockAccounts(domain.AccountLive)
	pool := account.NewPool(repo, nullLogger())
	h := NewPoll(pipe, pool, &mockGenerator{loginErr: domain.ErrQuotaExhausted}, nullLogger())

	task := domain.NewTask(1, domain.StagePoll)
	task.AccountID = 1
	if err := h.Handle(context.Background(), task); err == nil {
		t.Fatal("Handle() error = nil")
	}
	if st := repo.status(1); st != domain.AccountLive {
		t.Errorf("account status = %s, want live", st)
	}
}

// Generate and poll workers running against the same account never hold
// its session at the same time.
func TestStages_AccountExclusive(t *testing.T) {
	pipe := newMockPipeline()
	pool := account.NewPool(newMockAccounts(domain.AccountLive), nullLogger())
	gen := &mockGenerator{status: domain.GenerationRunning}
	genH := NewGenerate(pipe, pool, gen, nullLogger())
	pollH := NewPoll(pipe, pool, gen, nullLogger())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func(id int64) {
			defer wg.Done()
			_ = genH.Handle(context.Background(), generateTask(id))
		}(int64(i))
		go func(id int64) {
			defer wg.Done()
			task := domain.NewTask(id, domain.StagePoll)
			task.AccountID = 1
			_ = pollH.Handle(context.Background(), task)
		}(int64(i))
	}
	wg.Wait()

	if max := atomic.LoadInt32(&gen.maxActive); max != 1 {
		t.Errorf("max concurrent sessions = %d, want 1", max)
	}
}

type fakeFetcher struct {
	path string
	err  error
}

func (f *fakeFetcher) Fetch(ctx context.Context, url, dir string) (string, int64, error) {
	if f.err != nil {
		return "", 0, f.err
	}
	return filepath.Join(dir, f.path), 12345, nil
}

func TestDownload(t *testing.T) {
	pipe := newMockPipeline()
	h := NewDownload(pipe, &fakeFetcher{path: "v.mp4"}, "/downloads", nullLogger())

	task := domain.NewTask(1, domain.StageDownload)
	task.VideoURL = "u"
	if err := h.Handle(context.Background(), task); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	calls, _ := pipe.snapshot()
	if len(calls) != 1 || calls[0] != "download:/downloads/v.mp4" {
		t.Errorf("calls = %v", calls)
	}

	h = NewDownload(pipe, &fakeFetcher{err: domain.ErrFetchFailed}, "/downloads", nullLogger())
	err := h.Handle(context.Background(), task)
	if !errors.Is(err, domain.ErrFetchFailed) || domain.Classify(err) != domain.KindTransient {
		t.Errorf("Handle() error = %v", err)
	}
}

func TestVerify(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "v.mp4")
	if err := os.WriteFile(path, []byte("12345"), 0o644); err != nil {
		t.Fatal(err)
	}

	pipe := newMockPipeline()
	job := &domain.Job{ID: 1}
	job.Pipeline.Download.LocalPath = path
	job.Pipeline.Download.Size = 5
	pipe.jobs[1] = job
	h := NewVerify(pipe, nullLogger())

	if err := h.Handle(context.Background(), domain.NewTask(1, domain.StageVerify)); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	job.Pipeline.Download.Size = 6
	err := h.Handle(context.Background(), domain.NewTask(1, domain.StageVerify))
	if domain.Classify(err) != domain.KindFatal {
		t.Errorf("size mismatch kind = %s, want fatal", domain.Classify(err))
	}
}

func TestWorker_SpawnAndContinue(t *testing.T) {
	q := queue.New(domain.StageDownload)
	pipe := newMockPipeline()

	var running, peak int32
	release := make(chan struct{})
	h := HandlerFunc(func(ctx context.Context, task domain.TaskItem) error {
		n := atomic.AddInt32(&running, 1)
		for {
			m := atomic.LoadInt32(&peak)
			if n <= m || atomic.CompareAndSwapInt32(&peak, m, n) {
				break
			}
		}
		<-release
		atomic.AddInt32(&running, -1)
		return nil
	})
	w := New(q, 3, h, pipe, nullLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = w.Run(ctx)
		close(done)
	}()

	for i := int64(1); i <= 5; i++ {
		_ = q.Enqueue(domain.NewTask(i, domain.StageDownload))
	}

	deadline := time.After(time.Second)
	for atomic.LoadInt32(&running) < 3 {
		select {
		case <-deadline:
			t.Fatalf("running = %d, want 3", atomic.LoadInt32(&running))
		case <-time.After(5 * time.Millisecond):
		}
	}
	if q.Len() != 1 {
		t.Errorf("queue = %d, want 1 task waiting behind the limiter", q.Len())
	}

	close(release)
	for q.Len() > 0 {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop after context cancellation")
	}
	if peak > 3 {
		t.Errorf("peak concurrency = %d, want <= 3", peak)
	}
}

func TestWorker_PanicGoesToRetryPolicy(t *testing.T) {
	q := queue.New(domain.StageGenerate)
	pipe := newMockPipeline()
	h := HandlerFunc(func(ctx context.Context, task domain.TaskItem) error {
		if task.JobID == 1 {
			panic("selector not found")
		}
		return errors.New("boom")
	})
	w := New(q, 2, h, pipe, nullLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()

	_ = q.Enqueue(domain.NewTask(1, domain.StageGenerate))
	_ = q.Enqueue(domain.NewTask(2, domain.StageGenerate))

	deadline := time.After(time.Second)
	for {
		_, failures := pipe.snapshot()
		if len(failures) == 2 {
			for _, f := range failures {
				if domain.Classify(f) != domain.KindTransient {
					t.Errorf("failure %v kind = %s, want transient", f, domain.Classify(f))
				}
			}
			break
		}
		select {
		case <-deadline:
			t.Fatalf("failures = %v, want 2", failures)
		case <-time.After(5 * time.Millisecond):
		}
	}

	pipe.mu.Lock()
	done := len(pipe.done)
	pipe.mu.Unlock()
	if done != 2 {
		t.Errorf("TaskDone calls = %d, want 2", done)
	}
}
