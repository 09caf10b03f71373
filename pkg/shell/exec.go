package shell

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"time"
)

// CommandRunner runs a shell command, and returns its exit code.
// err is only non-nil if the command could not be run to completion,
// in which case the exit code is -1.
type CommandRunner interface {
	RunShell(ctx context.Context, command string) (exitCode int, err error)
}

// Runner runs commands with /bin/sh, and passes their output through to ours
type Runner struct {
	Shell  string    // Defaults to /bin/sh
	Stdout io.Writer // Defaults to os.Stdout
	Stderr io.Writer // Defaults to os.Stderr
}

func NewRunner() *Runner {
	return &Runner{
		Shell:  "/bin/sh",
		Stdout: os.Stdout,
		Stderr: os.Stderr,
	}
}

func (r *Runner) RunShell(ctx context.Context, command string) (int, error) {
	sh := r.Shell
	if sh == "" {
		sh = "/bin/sh"
	}
	cmd := exec.CommandContext(ctx, sh, "-c", command)
	cmd.Stdout = r.Stdout
	cmd.Stderr = r.Stderr
	if cmd.Stdout == nil {
		cmd.Stdout = os.Stdout
	}
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}
	// Children of the shell can hold our output pipes open after the shell is killed
	cmd.WaitDelay = time.Second
	err := cmd.Run()
	if err == nil {
		return 0, nil
	}
	if ctx.Err() != nil {
		// Killed because of timeout or shutdown
		return -1, ctx.Err()
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, err
}
