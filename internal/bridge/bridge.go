// Package bridge executes agent tool calls on the local host: shell
// commands and file operations, plus a lightweight system probe that gets
// attached to execution results for model context.
package bridge

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

const outputLimitBytes = 200_000

// Runner executes shell commands with bounded output capture.
type Runner struct {
	Shell   string
	WorkDir string
}

// ExecResult is the outcome of one command.
type ExecResult struct {
	Stdout     string
	Stderr     string
	ExitCode   int
	DurationMs int64
	Truncated  bool
}

type limitedBuffer struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	remaining := b.limit - b.buf.Len()
	if remaining <= 0 {
		b.truncated = true
		return len(p), nil
	}
	if len(p) > remaining {
		b.buf.Write(p[:remaining])
		b.truncated = true
		return len(p), nil
	}
	b.buf.Write(p)
	return len(p), nil
}

// Run executes command through the shell with a timeout. A non-zero exit is
// a normal result, not an error; only spawn failures and timeouts error.
func (r *Runner) Run(ctx context.Context, command string, cwd string, timeout time.Duration) (ExecResult, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	shell := strings.TrimSpace(r.Shell)
	if shell == "" {
		shell = "/bin/bash"
	}
	dir := strings.TrimSpace(cwd)
	if dir == "" {
		dir = r.WorkDir
	}

	cmd := exec.CommandContext(ctx, shell, "-lc", command)
	cmd.Dir = dir
	stdout := &limitedBuffer{limit: outputLimitBytes}
	stderr := &limitedBuffer{limit: outputLimitBytes}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	started := time.Now()
	runErr := cmd.Run()
	result := ExecResult{
		Stdout:     stdout.buf.String(),
		Stderr:     stderr.buf.String(),
		DurationMs: time.Since(started).Milliseconds(),
		Truncated:  stdout.truncated || stderr.truncated,
	}
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return result, runErr
	}
	return result, nil
}

// Files performs host filesystem operations rooted at a base directory.
// Paths escaping the root are rejected.
type Files struct {
	Root string
}

func (f *Files) resolve(p string) (string, error) {
	p = strings.TrimSpace(p)
	if p == "" {
		return "", errors.New("empty path")
	}
	root := f.Root
	if root == "" {
		root = "."
	}
	joined := p
	if !filepath.IsAbs(joined) {
		joined = filepath.Join(root, p)
	}
	// Both sides of the prefix check must be absolute: a relative root
	// would otherwise reject every relative path it just joined.
	abs, err := filepath.Abs(filepath.Clean(joined))
	if err != nil {
		return "", err
	}
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	if !strings.HasPrefix(abs, rootAbs+string(filepath.Separator)) && abs != rootAbs {
		return "", errors.New("path escapes the bridge root: " + p)
	}
	return abs, nil
}

func (f *Files) Read(p string) ([]byte, error) {
	abs, err := f.resolve(p)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(abs)
}

func (f *Files) Write(p string, data []byte) error {
	abs, err := f.resolve(p)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return err
	}
	return os.WriteFile(abs, data, 0o644)
}

// Edit replaces the first occurrence of find with replace in the file.
func (f *Files) Edit(p string, find string, replace string) error {
	abs, err := f.resolve(p)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return err
	}
	content := string(data)
	if !strings.Contains(content, find) {
		return errors.New("find string not present in " + p)
	}
	return os.WriteFile(abs, []byte(strings.Replace(content, find, replace, 1)), 0o644)
}
