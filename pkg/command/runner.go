// Package command runs external tools (the container build tool and cloud CLIs)
// behind a small interface so callers can be exercised with fakes in tests.
package command

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	osexec "os/exec"
	"strings"

	"github.com/jmgilman/go/exec"
	"github.com/lissto-dev/docker-cache/pkg/logging"
	"go.uber.org/zap"
)

// Command describes a single invocation of an external program.
type Command struct {
	Name string
	Args []string

	// Stdin is fed to the process when set. Used for passwords so they never
	// appear in the process list.
	Stdin string

	// Env entries are appended to the inherited environment.
	Env map[string]string

	// Passthrough streams stdout and stderr to the terminal while capturing them.
	Passthrough bool
}

// String renders the command for logs. Stdin is never included.
func (c Command) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// Result holds the captured output of a finished command.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Runner executes commands.
type Runner interface {
	Run(ctx context.Context, cmd Command) (*Result, error)
}

// ExecError is returned when a command exits non-zero or cannot be started.
type ExecError struct {
	Command  []string
	ExitCode int
	Stderr   string
	Err      error
}

// Error implements the error interface.
func (e *ExecError) Error() string {
	msg := fmt.Sprintf("command %v failed with exit code %d", e.Command, e.ExitCode)
	if stderr := strings.TrimSpace(e.Stderr); stderr != "" {
		msg += ": " + lastLine(stderr)
	} else if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *ExecError) Unwrap() error {
	return e.Err
}

// ExecRunner runs commands through the jmgilman exec library. Commands that
// need stdin go through os/exec directly since the library has no stdin option.
type ExecRunner struct {
	stdout io.Writer
	stderr io.Writer
}

// NewExecRunner creates a runner that streams passthrough output to the process stdio.
func NewExecRunner() *ExecRunner {
	return &ExecRunner{stdout: os.Stdout, stderr: os.Stderr}
}

// NewExecRunnerWithOutput creates a runner streaming passthrough output to the given writers.
func NewExecRunnerWithOutput(stdout, stderr io.Writer) *ExecRunner {
	return &ExecRunner{stdout: stdout, stderr: stderr}
}

// Run executes the command and waits for it to finish.
func (r *ExecRunner) Run(ctx context.Context, cmd Command) (*Result, error) {
	argv := append([]string{cmd.Name}, cmd.Args...)
	if cmd.Name == "" {
		return nil, &ExecError{Command: argv, ExitCode: -1, Err: osexec.ErrNotFound}
	}

	logging.Logger.Debug("Running command", zap.String("command", cmd.String()))

	if cmd.Stdin != "" {
		return r.runWithStdin(ctx, cmd, argv)
	}

	executor := exec.New(
		exec.WithContext(ctx),
		exec.WithInheritEnv(),
		exec.WithEnv(cmd.Env),
		exec.WithStdout(r.stdout),
		exec.WithStderr(r.stderr),
	)
	if cmd.Passthrough {
		executor.WithPassthrough()
	}

	res, err := executor.Run(argv...)
	var result *Result
	if res != nil {
		result = &Result{Stdout: res.Stdout, Stderr: res.Stderr, ExitCode: res.ExitCode}
	}
	if err != nil {
		var execErr *exec.ExecError
		if errors.As(err, &execErr) {
			return result, &ExecError{
				Command:  execErr.Command,
				ExitCode: execErr.ExitCode,
				Stderr:   execErr.Stderr,
				Err:      execErr.Err,
			}
		}
		return result, &ExecError{Command: argv, ExitCode: -1, Err: err}
	}
	return result, nil
}

// runWithStdin feeds cmd.Stdin to the process. Output is captured, never streamed.
func (r *ExecRunner) runWithStdin(ctx context.Context, cmd Command, argv []string) (*Result, error) {
	c := osexec.CommandContext(ctx, cmd.Name, cmd.Args...)
	if len(cmd.Env) > 0 {
		c.Env = os.Environ()
		for k, v := range cmd.Env {
			c.Env = append(c.Env, k+"="+v)
		}
	}
	c.Stdin = strings.NewReader(cmd.Stdin)

	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	err := c.Run()
	result := &Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: c.ProcessState.ExitCode(),
	}
	if err != nil {
		return result, &ExecError{
			Command:  argv,
			ExitCode: result.ExitCode,
			Stderr:   result.Stderr,
			Err:      err,
		}
	}
	return result, nil
}

func lastLine(s string) string {
	lines := strings.Split(s, "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
