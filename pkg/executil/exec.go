// Package executil provides the two child-process primitives the rest of
// the agent is built on (spec.md §9 "Process execution"): stream a child's
// output to the log sink while it runs, or capture its stdout and return it
// alongside the exit code. No shell interpolation is ever used — arguments
// are passed as argv, never through a shell.
package executil

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"

	"go.uber.org/zap"
)

// Runner executes external commands on behalf of the tree-repo manager,
// app engine, and bootloader controller.
type Runner struct {
	log *zap.SugaredLogger
}

// NewRunner returns a Runner that logs child stdout/stderr through log.
func NewRunner(log *zap.SugaredLogger) *Runner {
	return &Runner{log: log}
}

// Stream runs name with args in dir, streaming stdout and stderr to the log
// sink chunk by chunk as they are read, and returns the exit code.
func (r *Runner) Stream(ctx context.Context, dir, name string, args ...string) (int, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return -1, fmt.Errorf("stdout pipe for %s: %w", name, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return -1, fmt.Errorf("stderr pipe for %s: %w", name, err)
	}

	if err := cmd.Start(); err != nil {
		return -1, fmt.Errorf("starting %s: %w", name, err)
	}

	done := make(chan struct{}, 2)
	go func() { r.streamLines(stdout, name); done <- struct{}{} }()
	go func() { r.streamLines(stderr, name); done <- struct{}{} }()
	<-done
	<-done

	if err := cmd.Wait(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return exitErr.ExitCode(), fmt.Errorf("%s %v: %w", name, args, err)
		}
		return -1, fmt.Errorf("running %s: %w", name, err)
	}

	return 0, nil
}

// Capture runs name with args in dir and returns its combined stdout and
// exit code, without streaming to the log sink.
func (r *Runner) Capture(ctx context.Context, dir, name string, args ...string) (exitCode int, stdout string, err error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir

	var outBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &outBuf

	runErr := cmd.Run()
	if runErr != nil {
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			return exitErr.ExitCode(), outBuf.String(), fmt.Errorf("%s %v: %w: %s", name, args, runErr, outBuf.String())
		}
		return -1, outBuf.String(), fmt.Errorf("running %s: %w", name, runErr)
	}

	return 0, outBuf.String(), nil
}

func (r *Runner) streamLines(rc interface{ Read([]byte) (int, error) }, name string) {
	buf := make([]byte, 4096)
	for {
		n, err := rc.Read(buf)
		if n > 0 {
			r.log.Debugw("child output", "cmd", name, "output", string(buf[:n]))
		}
		if err != nil {
			return
		}
	}
}
