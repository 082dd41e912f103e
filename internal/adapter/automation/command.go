// Package automation drives generation platforms through external
// automation programs, one process per operation.
package automation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/cwygoda/clipmill/internal/config"
	"github.com/cwygoda/clipmill/internal/domain"
)

// Exit codes an automation program uses to report account conditions.
const (
	ExitQuotaExhausted       = 3
	ExitVerificationRequired = 4
)

// Operations passed as {op}.
const (
	OpLogin  = "login"
	OpSubmit = "submit"
	OpStatus = "status"
	OpLink   = "link"
)

// result is the JSON document an automation program prints on stdout.
type result struct {
	Error         string `json:"error,omitempty"`
	Message       string `json:"message,omitempty"`
	Submitted     bool   `json:"submitted"`
	CreditsBefore int    `json:"credits_before"`
	CreditsAfter  int    `json:"credits_after"`
	Status        string `json:"status"`
	URL           string `json:"url"`
}

// CommandDriver implements domain.Generator by running an external command.
type CommandDriver struct {
	platform   string
	command    string
	args       []string
	profileDir string
	cfg        config.DriverConfig
	log        logrus.FieldLogger
}

// NewCommandDriver creates a driver from config.
func NewCommandDriver(dc config.DriverConfig, log logrus.FieldLogger) (*CommandDriver, error) {
	if dc.Command == "" {
		return nil, fmt.Errorf("driver %q: no command", dc.Platform)
	}
	profileDir := dc.ProfileDir
	if profileDir == "" {
		profileDir = config.DefaultProfileDir()
	}
	return &CommandDriver{
		platform:   dc.Platform,
		command:    dc.Command,
		args:       dc.Args,
		profileDir: config.ExpandPath(profileDir),
		cfg:        dc,
		log:        log.WithField("platform", dc.Platform),
	}, nil
}

func (d *CommandDriver) Platform() string {
	return d.platform
}

// ProfileDir returns the persistent profile directory of an account.
func (d *CommandDriver) ProfileDir(acct *domain.Account) string {
	return filepath.Join(d.profileDir, fmt.Sprintf("%s-%d", d.platform, acct.ID))
}

// Login runs the login operation and returns a session bound to the
// account's profile.
func (d *CommandDriver) Login(ctx context.Context, acct *domain.Account) (domain.GenerationSession, error) {
	s := &session{d: d, acct: acct, profile: d.ProfileDir(acct)}
	if err := os.MkdirAll(s.profile, 0700); err != nil {
		return nil, fmt.Errorf("create profile dir: %w", err)
	}
	if _, err := s.run(ctx, OpLogin, nil); err != nil {
		return nil, err
	}
	return s, nil
}

type session struct {
	d       *CommandDriver
	acct    *domain.Account
	profile string
}

func (s *session) Submit(ctx context.Context, req domain.GenerationRequest) (domain.SubmitResult, error) {
	res, err := s.run(ctx, OpSubmit, map[string]string{
		"{job}":      strconv.FormatInt(req.JobID, 10),
		"{prompt}":   req.Prompt,
		"{duration}": strconv.Itoa(req.Duration),
	})
	if err != nil {
		return domain.SubmitResult{}, err
	}
	return domain.SubmitResult{
		Submitted:     res.Submitted,
		CreditsBefore: res.CreditsBefore,
		CreditsAfter:  res.CreditsAfter,
	}, nil
}

func (s *session) Status(ctx context.Context, jobID int64) (domain.GenerationStatus, error) {
	res, err := s.run(ctx, OpStatus, map[string]string{"{job}": strconv.FormatInt(jobID, 10)})
	if err != nil {
		return "", err
	}
	switch res.Status {
	case string(domain.GenerationCompleted):
		return domain.GenerationCompleted, nil
	case "", string(domain.GenerationRunning), "queued":
		return domain.GenerationRunning, nil
	}
	return "", fmt.Errorf("unexpected generation status %q", res.Status)
}

func (s *session) ArtifactLink(ctx context.Context, jobID int64) (string, error) {
	res, err := s.run(ctx, OpLink, map[string]string{"{job}": strconv.FormatInt(jobID, 10)})
	if err != nil {
		return "", err
	}
	return res.URL, nil
}

func (s *session) Close() error { return nil }

// run executes one operation in the account's profile directory.
func (s *session) run(ctx context.Context, op string, extra map[string]string) (*result, error) {
	if s.d.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.d.cfg.Timeout)
		defer cancel()
	}

	repl := map[string]string{
		"{op}":      op,
		"{account}": strconv.FormatInt(s.acct.ID, 10),
		"{email}":   s.acct.Email,
		"{secret}":  s.acct.Secret,
		"{proxy}":   s.acct.Proxy,
		"{profile}": s.profile,
	}
	for k, v := range extra {
		repl[k] = v
	}
	// Build args with placeholders replaced
	args := make([]string, len(s.d.args))
	for i, arg := range s.d.args {
		for k, v := range repl {
			arg = strings.ReplaceAll(arg, k, v)
		}
		args[i] = arg
	}

	cmd := exec.CommandContext(ctx, s.d.command, args...)
	cmd.Dir = s.profile
	cmd.Env = append(os.Environ(),
		"CLIPMILL_OP="+op,
		"CLIPMILL_EMAIL="+s.acct.Email,
		"CLIPMILL_SECRET="+s.acct.Secret,
		"CLIPMILL_PROXY="+s.acct.Proxy,
		"CLIPMILL_PROFILE="+s.profile,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	s.d.log.WithFields(logrus.Fields{"op": op, "account": s.acct.ID}).Debug("running automation")
	out, err := cmd.Output()
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%s %s: %w", s.d.command, op, ctx.Err())
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, exitError(op, exitErr.ExitCode(), strings.TrimSpace(stderr.String()))
		}
		return nil, fmt.Errorf("%s %s failed: %w", s.d.command, op, err)
	}

	var res result
	if len(bytes.TrimSpace(out)) > 0 {
		if err := json.Unmarshal(out, &res); err != nil {
			return nil, fmt.Errorf("%s %s: decode output: %w", s.d.command, op, err)
		}
	}
	if res.Error != "" {
		return nil, codeError(op, res.Error, res.Message)
	}
	return &res, nil
}

func exitError(op string, code int, stderr string) error {
	switch code {
	case ExitQuotaExhausted:
		return fmt.Errorf("%s: %w", op, domain.ErrQuotaExhausted)
	case ExitVerificationRequired:
		return fmt.Errorf("%s: %w", op, domain.ErrVerificationRequired)
	}
	return fmt.Errorf("%s: exit status %d: %s", op, code, stderr)
}

func codeError(op, code, msg string) error {
	switch code {
	case "quota_exhausted":
		return fmt.Errorf("%s: %w", op, domain.ErrQuotaExhausted)
	case "verification_required", "checkpoint":
		return fmt.Errorf("%s: %w", op, domain.ErrVerificationRequired)
	}
	if msg == "" {
		msg = code
	}
	return fmt.Errorf("%s: %s", op, msg)
}
