// Package gitremote detects the default branch of a remote repository by
// interrogating the remote itself, with no assumption that any particular
// branch name exists.
package gitremote

import (
	"bytes"
	"context"
	"log/slog"
	"net/url"
	"os/exec"
	"strings"
	"time"

	"github.com/blugreen/forge/internal/errs"
)

const defaultGitTimeout = 30 * time.Second

// candidateBranches is probed in order when the symbolic HEAD lookup fails.
var candidateBranches = []string{"main", "master", "develop", "trunk"}

// Runner executes a git subcommand and returns its combined output. The
// resolver only needs ls-remote, so a single method suffices.
type Runner interface {
	LsRemote(ctx context.Context, args ...string) (string, error)
}

// ExecRunner runs git through os/exec with a per-call timeout.
type ExecRunner struct {
	Timeout time.Duration
}

func (r ExecRunner) LsRemote(ctx context.Context, args ...string) (string, error) {
	timeout := r.Timeout
	if timeout == 0 {
		timeout = defaultGitTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", append([]string{"ls-remote"}, args...)...)
	var out, stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return "", errs.Newf(errs.CodeInternal, "git ls-remote: %s", msg)
		}
		return "", err
	}
	return out.String(), nil
}

// Resolver detects remote default branches.
type Resolver struct {
	runner Runner
	logger *slog.Logger
}

// NewResolver creates a Resolver. A nil runner gets an ExecRunner with the
// given timeout.
func NewResolver(runner Runner, timeout time.Duration, logger *slog.Logger) *Resolver {
	if runner == nil {
		runner = ExecRunner{Timeout: timeout}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{runner: runner, logger: logger}
}

// DetectionError reports a failed detection with everything that was tried
// and everything the remote actually advertises.
type DetectionError struct {
	Attempted []string
	Available []string
}

func (e *DetectionError) Error() string {
	return "could not detect default branch (tried " + strings.Join(e.Attempted, ", ") + ")"
}

// ValidateURL checks that raw is an http(s) or ssh-style git URL.
func ValidateURL(raw string) error {
	if raw == "" {
		return errs.New(errs.CodeInvalidRepositoryURL, "repository url is empty")
	}
	if strings.HasPrefix(raw, "git@") && strings.Contains(raw, ":") {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https" && u.Scheme != "ssh") || u.Host == "" {
		return errs.Newf(errs.CodeInvalidRepositoryURL, "invalid repository url: %s", redact(raw))
	}
	return nil
}

// redact strips userinfo before a URL reaches a log line or error message.
func redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	u.User = nil
	return u.String()
}

// DetectDefaultBranch resolves the remote's default branch.
//
// Order of attempts:
//  1. symbolic-ref lookup of HEAD (authoritative when the remote serves it)
//  2. probe of the conventional candidate names
//  3. first branch from a full heads listing
//
// When all three fail the returned error is a *DetectionError wrapped with
// the branch-detection code.
func (r *Resolver) DetectDefaultBranch(ctx context.Context, repoURL string) (string, error) {
	if err := ValidateURL(repoURL); err != nil {
		return "", err
	}

	attempted := []string{"symref HEAD"}
	if branch, ok := r.symrefHead(ctx, repoURL); ok {
		r.logger.Debug("default branch from symref", "repo", redact(repoURL), "branch", branch)
		return branch, nil
	}

	for _, cand := range candidateBranches {
		attempted = append(attempted, cand)
		out, err := r.runner.LsRemote(ctx, "--heads", repoURL, cand)
		if err == nil && strings.Contains(out, "refs/heads/"+cand) {
			r.logger.Debug("default branch from candidate probe", "repo", redact(repoURL), "branch", cand)
			return cand, nil
		}
	}

	attempted = append(attempted, "list heads")
	available := r.listHeads(ctx, repoURL)
	if len(available) > 0 {
		r.logger.Debug("default branch from heads listing", "repo", redact(repoURL), "branch", available[0])
		return available[0], nil
	}

	return "", errs.Wrap(errs.CodeCouldNotDetectBranch, "detect default branch",
		&DetectionError{Attempted: attempted, Available: available})
}

func (r *Resolver) symrefHead(ctx context.Context, repoURL string) (string, bool) {
	out, err := r.runner.LsRemote(ctx, "--symref", repoURL, "HEAD")
	if err != nil {
		return "", false
	}
	// "ref: refs/heads/main\tHEAD"
	for _, line := range strings.Split(out, "\n") {
		if !strings.HasPrefix(line, "ref:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) >= 2 && strings.HasPrefix(fields[1], "refs/heads/") {
			return strings.TrimPrefix(fields[1], "refs/heads/"), true
		}
	}
	return "", false
}

func (r *Resolver) listHeads(ctx context.Context, repoURL string) []string {
	out, err := r.runner.LsRemote(ctx, "--heads", repoURL)
	if err != nil {
		return nil
	}
	var heads []string
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 2 && strings.HasPrefix(fields[1], "refs/heads/") {
			heads = append(heads, strings.TrimPrefix(fields[1], "refs/heads/"))
		}
	}
	return heads
}
