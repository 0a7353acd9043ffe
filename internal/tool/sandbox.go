// Package tool confines every side effect a capability performs to a
// per-product workspace. File access is path-scoped, command execution is
// allowlisted, and every call is recorded for the step audit trail.
package tool

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/blugreen/forge/internal/errs"
)

// DefaultAllowedCommands is the baseline command allowlist. Matching is
// exact on the program name, never on a prefix or pattern.
var DefaultAllowedCommands = []string{"pytest", "ruff", "mypy", "npm", "node", "go"}

const defaultTimeout = 30 * time.Second

// Sandbox scopes file and command operations to a single workspace root.
type Sandbox struct {
	root    string
	allowed map[string]struct{}
	timeout time.Duration
	logger  *slog.Logger

	mu    sync.Mutex
	calls []Call
}

// Option configures a Sandbox.
type Option func(*Sandbox)

// WithAllowedCommands replaces the default command allowlist.
func WithAllowedCommands(cmds []string) Option {
	return func(s *Sandbox) {
		s.allowed = make(map[string]struct{}, len(cmds))
		for _, c := range cmds {
			s.allowed[c] = struct{}{}
		}
	}
}

// WithTimeout sets the per-command timeout (0 = 30s default).
func WithTimeout(d time.Duration) Option {
	return func(s *Sandbox) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithLogger sets the sandbox logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Sandbox) { s.logger = l }
}

// New creates a Sandbox rooted at dir, creating the directory if needed.
func New(dir string, opts ...Option) (*Sandbox, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, errs.Wrap(errs.CodeFileSystem, "resolve workspace root", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, errs.Wrap(errs.CodeFileSystem, "create workspace root", err)
	}

	s := &Sandbox{
		root:    abs,
		timeout: defaultTimeout,
		logger:  slog.Default(),
	}
	WithAllowedCommands(DefaultAllowedCommands)(s)
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Root returns the absolute workspace root.
func (s *Sandbox) Root() string { return s.root }

// resolve maps a workspace-relative path to an absolute one, rejecting any
// path that escapes the root.
func (s *Sandbox) resolve(rel string) (string, error) {
	if filepath.IsAbs(rel) {
		return "", errs.Newf(errs.CodeFileSystem, "absolute path not allowed: %s", rel)
	}
	abs := filepath.Join(s.root, rel)
	if abs != s.root && !strings.HasPrefix(abs, s.root+string(filepath.Separator)) {
		return "", errs.Newf(errs.CodeFileSystem, "path escapes workspace: %s", rel)
	}
	return abs, nil
}

// WriteFile writes content to a workspace-relative path, creating parent
// directories as needed.
func (s *Sandbox) WriteFile(rel string, content []byte) error {
	call := s.begin("write_file", map[string]string{"path": rel, "bytes": fmt.Sprint(len(content))})

	abs, err := s.resolve(rel)
	if err != nil {
		s.finish(call, "", err)
		return err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		err = errs.Wrap(errs.CodeFileSystem, "create parent directory", err)
		s.finish(call, "", err)
		return err
	}
	if err := os.WriteFile(abs, content, 0o644); err != nil {
		err = errs.Wrap(errs.CodeFileSystem, "write file", err)
		s.finish(call, "", err)
		return err
	}
	s.finish(call, "ok", nil)
	return nil
}

// ReadFile reads a workspace-relative path.
func (s *Sandbox) ReadFile(rel string) ([]byte, error) {
	call := s.begin("read_file", map[string]string{"path": rel})

	abs, err := s.resolve(rel)
	if err != nil {
		s.finish(call, "", err)
		return nil, err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		err = errs.Wrap(errs.CodeFileSystem, "read file", err)
		s.finish(call, "", err)
		return nil, err
	}
	s.finish(call, fmt.Sprintf("%d bytes", len(data)), nil)
	return data, nil
}

// ListFiles walks the workspace and returns all regular file paths relative
// to the root.
func (s *Sandbox) ListFiles() ([]string, error) {
	var files []string
	err := filepath.WalkDir(s.root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		files = append(files, rel)
		return nil
	})
	if err != nil {
		return nil, errs.Wrap(errs.CodeFileSystem, "walk workspace", err)
	}
	return files, nil
}

// RunResult carries the outcome of an allowlisted command.
type RunResult struct {
	ExitCode int    `json:"exit_code"`
	Output   string `json:"output"`
	Duration string `json:"duration"`
}

// Run executes an allowlisted program inside the workspace. The program is
// matched exactly against the allowlist; arguments are passed as a vector,
// never through a shell. A non-zero exit is a result, not an error.
func (s *Sandbox) Run(ctx context.Context, program string, args ...string) (*RunResult, error) {
	inputs := map[string]string{"program": program, "args": strings.Join(args, " ")}
	call := s.begin("run_command", inputs)

	if _, ok := s.allowed[program]; !ok {
		err := errs.Newf(errs.CodeDisallowedCommand, "command not allowed: %s", program)
		s.finish(call, "", err)
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, program, args...)
	cmd.Dir = s.root

	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)
	output := strings.TrimSpace(buf.String())

	if ctx.Err() == context.DeadlineExceeded {
		terr := errs.Newf(errs.CodeToolTimeout, "command %s exceeded %s", program, s.timeout)
		s.finish(call, truncateOut(output), terr)
		return nil, terr
	}

	res := &RunResult{Output: output, Duration: elapsed.Round(time.Millisecond).String()}
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			res.ExitCode = exitErr.ExitCode()
		} else {
			werr := errs.Wrap(errs.CodeToolExecution, "run command", err)
			s.finish(call, truncateOut(output), werr)
			return nil, werr
		}
	}

	s.logger.Debug("sandbox run", "program", program, "exit_code", res.ExitCode, "duration", res.Duration)
	s.finish(call, fmt.Sprintf("exit %d, %d bytes", res.ExitCode, len(output)), nil)
	return res, nil
}

func truncateOut(s string) string {
	if len(s) <= 200 {
		return s
	}
	return s[:200] + "..."
}
