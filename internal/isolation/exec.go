package isolation

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
)

// Command is a process invocation
type Command struct {
	Name string
	Args []string
	Dir  string // Working directory; empty means the current one
}

// ExecResult is the captured outcome of a finished process
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Execer runs processes. A non-zero exit code is reported in ExecResult,
// not as an error; errors mean the process could not be run at all.
type Execer interface {
	Execute(ctx context.Context, cmd Command) (ExecResult, error)
}

// OSExecer runs commands with os/exec
type OSExecer struct{}

// Execute implements Execer
func (OSExecer) Execute(ctx context.Context, c Command) (ExecResult, error) {
	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Dir = c.Dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := ExecResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return res, fmt.Errorf("running %s: %w", c.Name, err)
	}
	return res, nil
}
