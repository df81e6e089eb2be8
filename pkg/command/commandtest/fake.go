// Package commandtest provides a scripted command.Runner for tests.
package commandtest

import (
	"context"
	"strings"
	"sync"

	"github.com/lissto-dev/docker-cache/pkg/command"
)

// Response is the scripted outcome for a matching command.
type Response struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// FakeRunner records every command and answers from scripted responses keyed by
// command-line prefix. Unmatched commands succeed with empty output.
type FakeRunner struct {
	mu        sync.Mutex
	responses []scripted
	Calls     []command.Command
}

type scripted struct {
	prefix string
	resp   Response
}

// NewFakeRunner creates an empty fake.
func NewFakeRunner() *FakeRunner {
	return &FakeRunner{}
}

// On registers a response for commands whose rendered form starts with prefix.
// Later registrations win over earlier ones.
func (f *FakeRunner) On(prefix string, resp Response) *FakeRunner {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses = append([]scripted{{prefix: prefix, resp: resp}}, f.responses...)
	return f
}

// Run implements command.Runner.
func (f *FakeRunner) Run(_ context.Context, cmd command.Command) (*command.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, cmd)

	rendered := cmd.String()
	for _, s := range f.responses {
		if strings.HasPrefix(rendered, s.prefix) {
			result := &command.Result{Stdout: s.resp.Stdout, Stderr: s.resp.Stderr, ExitCode: s.resp.ExitCode}
			if s.resp.ExitCode != 0 {
				return result, &command.ExecError{
					Command:  append([]string{cmd.Name}, cmd.Args...),
					ExitCode: s.resp.ExitCode,
					Stderr:   s.resp.Stderr,
				}
			}
			return result, nil
		}
	}
	return &command.Result{}, nil
}

// Rendered returns every recorded command as a string.
func (f *FakeRunner) Rendered() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.Calls))
	for _, c := range f.Calls {
		out = append(out, c.String())
	}
	return out
}

// Called reports whether any recorded command starts with prefix.
func (f *FakeRunner) Called(prefix string) bool {
	for _, r := range f.Rendered() {
		if strings.HasPrefix(r, prefix) {
			return true
		}
	}
	return false
}
