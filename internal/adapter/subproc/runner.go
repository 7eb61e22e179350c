// Package subproc runs short-lived helper binaries (rpicam-still, pinctrl)
// with a deadline and bounded output capture.
package subproc

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"
)

// DefaultOutputMax bounds captured stdout and stderr per invocation.
const DefaultOutputMax = 8 * 1024

// Result is the outcome of one invocation.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// Runner executes a command to completion.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (Result, error)
}

// ExitError reports a non-zero exit. Stderr holds the tail of the child's
// error output.
type ExitError struct {
	Command  string
	ExitCode int
	Stderr   string
}

func (e *ExitError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("%s exited with status %d: %s", e.Command, e.ExitCode, e.Stderr)
	}
	return fmt.Sprintf("%s exited with status %d", e.Command, e.ExitCode)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct {
	Timeout   time.Duration // per invocation; zero means ctx only
	OutputMax int           // bytes kept per stream (default: DefaultOutputMax)
}

// Run starts name with args and waits for it to finish. A deadline hit is
// reported as context.DeadlineExceeded wrapped with the command name.
func (r ExecRunner) Run(ctx context.Context, name string, args ...string) (Result, error) {
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}
	max := r.OutputMax
	if max <= 0 {
		max = DefaultOutputMax
	}

	stdout := newRingBuffer(max)
	stderr := newRingBuffer(max)
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = time.Second

	start := time.Now()
	err := cmd.Run()
	res := Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return res, fmt.Errorf("%s: %w", name, ctxErr)
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return res, &ExitError{Command: name, ExitCode: res.ExitCode, Stderr: res.Stderr}
	}
	if err != nil {
		return res, fmt.Errorf("%s: %w", name, err)
	}
	return res, nil
}
