package automation

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	logtest "github.com/sirupsen/logrus/hooks/test"

	"github.com/cwygoda/clipmill/internal/config"
	"github.com/cwygoda/clipmill/internal/domain"
)

// newShellDriver builds a driver whose program is a shell script.
func newShellDriver(t *testing.T, script string) *CommandDriver {
	t.Helper()
	log, _ := logtest.NewNullLogger()
	d, err := NewCommandDriver(config.DriverConfig{
		Platform:   "sora",
		Command:    "sh",
		Args:       []string{"-c", script, "driver", "{op}", "{job}", "{prompt}"},
		ProfileDir: t.TempDir(),
		Timeout:    5 * time.Second,
	}, log)
	if err != nil {
		t.Fatal(err)
	}
	return d
}

var testAccount = &domain.Account{ID: 7, Platform: "sora", Email: "a@example.com", Secret: "pw"}

func TestNewCommandDriver(t *testing.T) {
	log, _ := logtest.NewNullLogger()

	tests := []struct {
		name    string
		cfg     config.DriverConfig
		wantErr bool
	}{
		{"valid config", config.DriverConfig{Platform: "sora", Command: "sora-driver"}, false},
		{"no command", config.DriverConfig{Platform: "sora"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewCommandDriver(tt.cfg, log)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewCommandDriver() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestCommandDriver_Submit(t *testing.T) {
	// $1 is the operation, $3 the prompt
	d := newShellDriver(t, `
case "$1" in
  login) echo '{}' ;;
  submit) [ "$3" = "a red fox" ] && echo '{"submitted":true,"credits_before":10,"credits_after":9}' ;;
esac`)

	sess, err := d.Login(context.Background(), testAccount)
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	defer sess.Close()

	res, err := sess.Submit(context.Background(), domain.GenerationRequest{JobID: 1, Prompt: "a red fox", Duration: 5})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	want := domain.SubmitResult{Submitted: true, CreditsBefore: 10, CreditsAfter: 9}
	if res != want {
		t.Errorf("Submit() = %+v, want %+v", res, want)
	}
}

func TestCommandDriver_StatusAndLink(t *testing.T) {
	// $2 is the job id
	d := newShellDriver(t, `
case "$1" in
  status) [ "$2" = "42" ] && echo '{"status":"completed"}' || echo '{"status":"generating"}' ;;
  link) echo "{\"url\":\"https://cdn.example/$2.mp4\"}" ;;
esac`)

	sess, err := d.Login(context.Background(), testAccount)
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}

	st, err := sess.Status(context.Background(), 41)
	if err != nil || st != domain.GenerationRunning {
		t.Errorf("Status(41) = %q, %v; want generating", st, err)
	}
	st, err = sess.Status(context.Background(), 42)
	if err != nil || st != domain.GenerationCompleted {
		t.Errorf("Status(42) = %q, %v; want completed", st, err)
	}
	link, err := sess.ArtifactLink(context.Background(), 42)
	if err != nil || link != "https://cdn.example/42.mp4" {
		t.Errorf("ArtifactLink() = %q, %v", link, err)
	}
}

func TestCommandDriver_AccountErrors(t *testing.T) {
	tests := []struct {
		name   string
		script string
		want   error
	}{
		{"quota exit code", `[ "$1" = submit ] && exit 3; echo '{}'`, domain.ErrQuotaExhausted},
		{"verification exit code", `[ "$1" = submit ] && exit 4; echo '{}'`, domain.ErrVerificationRequired},
		{"quota error code", `[ "$1" = submit ] && echo '{"error":"quota_exhausted"}' || echo '{}'`, domain.ErrQuotaExhausted},
		{"checkpoint error code", `[ "$1" = submit ] && echo '{"error":"checkpoint"}' || echo '{}'`, domain.ErrVerificationRequired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newShellDriver(t, tt.script)
			sess, err := d.Login(context.Background(), testAccount)
			if err != nil {
				t.Fatalf("Login() error = %v", err)
			}
			_, err = sess.Submit(context.Background(), domain.GenerationRequest{JobID: 1, Prompt: "p"})
			if !errors.Is(err, tt.want) {
				t.Errorf("Submit() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestCommandDriver_TransientErrors(t *testing.T) {
	tests := []struct {
		name   string
		script string
	}{
		{"other exit code", `echo boom >&2; exit 1`},
		{"bad json", `echo not-json`},
		{"error message", `echo '{"error":"selector_missing","message":"prompt box not found"}'`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newShellDriver(t, tt.script)
			_, err := d.Login(context.Background(), testAccount)
			if err == nil {
				t.Fatal("Login() error = nil")
			}
			if k := domain.Classify(err); k != domain.KindTransient {
				t.Errorf("Classify() = %s, want transient", k)
			}
		})
	}
}

func TestCommandDriver_ProfileDir(t *testing.T) {
	d := newShellDriver(t, `pwd > where.txt; echo '{}'`)

	if _, err := d.Login(context.Background(), testAccount); err != nil {
		t.Fatalf("Login() error = %v", err)
	}

	dir := d.ProfileDir(testAccount)
	if filepath.Base(dir) != "sora-7" {
		t.Errorf("ProfileDir() = %q, want .../sora-7", dir)
	}
	if _, err := os.Stat(filepath.Join(dir, "where.txt")); err != nil {
		t.Errorf("command did not run in the profile dir: %v", err)
	}
}

func TestCommandDriver_Timeout(t *testing.T) {
	log, _ := logtest.NewNullLogger()
	d, err := NewCommandDriver(config.DriverConfig{
		Platform:   "sora",
		Command:    "sleep",
		Args:       []string{"5"},
		ProfileDir: t.TempDir(),
		Timeout:    50 * time.Millisecond,
	}, log)
	if err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	if _, err := d.Login(context.Background(), testAccount); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Login() error = %v, want deadline exceeded", err)
	}
	if time.Since(start) > 3*time.Second {
		t.Error("timeout did not stop the command")
	}
}
