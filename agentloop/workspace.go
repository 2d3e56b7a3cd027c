package agentloop

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// ExecResult holds the result of a command execution.
type ExecResult struct {
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	ExitCode   int    `json:"exit_code"`
	TimedOut   bool   `json:"timed_out"`
	DurationMs int64  `json:"duration_ms"`
}

// Output returns combined stdout and stderr.
func (r ExecResult) Output() string {
	switch {
	case r.Stderr == "":
		return r.Stdout
	case r.Stdout == "":
		return r.Stderr
	default:
		return r.Stdout + "\n" + r.Stderr
	}
}

// GrepOptions configures grep behavior.
type GrepOptions struct {
	GlobFilter      string `json:"glob_filter,omitempty"`
	CaseInsensitive bool   `json:"case_insensitive,omitempty"`
	MaxResults      int    `json:"max_results,omitempty"`
}

// Workspace is where tools act. Every operation that can block takes a
// context; cancelling it abandons the operation rather than hiding its result.
type Workspace interface {
	ReadFile(ctx context.Context, path string) (string, error)
	WriteFile(ctx context.Context, path, content string) error
	ExecCommand(ctx context.Context, command string, timeout time.Duration) (*ExecResult, error)
	Grep(ctx context.Context, pattern, path string, opts GrepOptions) (string, error)
	Glob(ctx context.Context, pattern, path string) ([]string, error)

	WorkingDirectory() string
	Platform() string
}

// sensitiveEnvPatterns are suffixes of environment variables withheld from
// child processes.
var sensitiveEnvPatterns = []string{
	"_API_KEY",
	"_SECRET",
	"_TOKEN",
	"_PASSWORD",
	"_CREDENTIAL",
}

func isSensitiveEnvVar(name string) bool {
	upper := strings.ToUpper(name)
	for _, pattern := range sensitiveEnvPatterns {
		if strings.HasSuffix(upper, pattern) {
			return true
		}
	}
	return false
}

func filterEnvironment(environ []string) []string {
	filtered := make([]string, 0, len(environ))
	for _, kv := range environ {
		name, _, ok := strings.Cut(kv, "=")
		if !ok || isSensitiveEnvVar(name) {
			continue
		}
		filtered = append(filtered, kv)
	}
	return filtered
}

// LocalWorkspace runs tools against the local filesystem.
type LocalWorkspace struct {
	root string
}

// NewLocalWorkspace returns a workspace rooted at dir (the current directory
// when empty).
func NewLocalWorkspace(dir string) *LocalWorkspace {
	if dir == "" {
		dir, _ = os.Getwd()
	}
	return &LocalWorkspace{root: dir}
}

func (w *LocalWorkspace) WorkingDirectory() string { return w.root }

func (w *LocalWorkspace) Platform() string { return runtime.GOOS + "/" + runtime.GOARCH }

func (w *LocalWorkspace) resolve(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(w.root, path)
}

func (w *LocalWorkspace) ReadFile(ctx context.Context, path string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	data, err := os.ReadFile(w.resolve(path))
	if err != nil {
		return "", fmt.Errorf("read_file: %w", err)
	}
	return string(data), nil
}

func (w *LocalWorkspace) WriteFile(ctx context.Context, path, content string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	resolved := w.resolve(path)
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return fmt.Errorf("write_file: create directory: %w", err)
	}
	return os.WriteFile(resolved, []byte(content), 0o644)
}

func (w *LocalWorkspace) ExecCommand(ctx context.Context, command string, timeout time.Duration) (*ExecResult, error) {
	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	shell, flag := "/bin/bash", "-c"
	if runtime.GOOS == "windows" {
		shell, flag = "cmd.exe", "/c"
	}

	cmd := exec.CommandContext(runCtx, shell, flag, command)
	cmd.Dir = w.root
	cmd.Env = filterEnvironment(os.Environ())
	// Own process group so the whole tree dies with the context.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	result := &ExecResult{
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		DurationMs: time.Since(start).Milliseconds(),
	}
	if err == nil {
		return result, nil
	}

	// The caller's cancellation is not a command outcome.
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		result.TimedOut = true
		result.ExitCode = -1
		return result, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		result.ExitCode = exitErr.ExitCode()
		return result, nil
	}
	return nil, fmt.Errorf("exec_command: %w", err)
}

func (w *LocalWorkspace) Grep(ctx context.Context, pattern, path string, opts GrepOptions) (string, error) {
	target := w.root
	if path != "" {
		target = w.resolve(path)
	}

	var cmd *exec.Cmd
	if rg, err := exec.LookPath("rg"); err == nil {
		args := []string{pattern, target, "--line-number", "--no-heading"}
		if opts.CaseInsensitive {
			args = append(args, "-i")
		}
		if opts.GlobFilter != "" {
			args = append(args, "--glob", opts.GlobFilter)
		}
		if opts.MaxResults > 0 {
			args = append(args, "--max-count", strconv.Itoa(opts.MaxResults))
		}
		cmd = exec.CommandContext(ctx, rg, args...)
	} else {
		args := []string{"-rn", pattern, target}
		if opts.CaseInsensitive {
			args = append([]string{"-i"}, args...)
		}
		if opts.GlobFilter != "" {
			args = append([]string{"--include", opts.GlobFilter}, args...)
		}
		cmd = exec.CommandContext(ctx, "grep", args...)
	}
	cmd.Dir = w.root

	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	// Exit status 1 means no matches.
	_ = cmd.Run()
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return stdout.String(), nil
}

func (w *LocalWorkspace) Glob(ctx context.Context, pattern, path string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	base := w.root
	if path != "" {
		base = w.resolve(path)
	}

	matches, err := filepath.Glob(filepath.Join(base, pattern))
	if err != nil {
		return nil, fmt.Errorf("glob: %w", err)
	}
	for i, m := range matches {
		if rel, err := filepath.Rel(w.root, m); err == nil {
			matches[i] = rel
		}
	}
	return matches, nil
}
