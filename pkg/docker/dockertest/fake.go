// Package dockertest provides an in-memory docker.Builder that also answers
// remote existence probes, so cache flows can be tested end to end.
package dockertest

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/lissto-dev/docker-cache/pkg/docker"
)

// FakeDocker simulates a local image store and a remote registry.
// Images are identified by an opaque content id.
type FakeDocker struct {
	mu sync.Mutex

	Local  map[string]string
	Remote map[string]string

	BuildErr error
	PullErr  map[string]error
	PushErr  map[string]error
	LoginErr error

	Builds []docker.BuildOptions
	Logins []string
	Calls  []string

	buildSeq int
}

// New creates an empty fake.
func New() *FakeDocker {
	return &FakeDocker{
		Local:   map[string]string{},
		Remote:  map[string]string{},
		PullErr: map[string]error{},
		PushErr: map[string]error{},
	}
}

func (f *FakeDocker) record(format string, args ...any) {
	f.Calls = append(f.Calls, fmt.Sprintf(format, args...))
}

// Login implements docker.Builder.
func (f *FakeDocker) Login(_ context.Context, registry, username, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("login %s %s", username, registry)
	if f.LoginErr != nil {
		return f.LoginErr
	}
	f.Logins = append(f.Logins, registry)
	return nil
}

// Build implements docker.Builder. Every tag points at a fresh content id.
func (f *FakeDocker) Build(_ context.Context, opts docker.BuildOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("build %s", strings.Join(opts.Tags, ","))
	f.Builds = append(f.Builds, opts)
	if f.BuildErr != nil {
		return f.BuildErr
	}
	f.buildSeq++
	id := fmt.Sprintf("built-%d", f.buildSeq)
	for _, t := range opts.Tags {
		f.Local[t] = id
	}
	return nil
}

// Tag implements docker.Builder.
func (f *FakeDocker) Tag(_ context.Context, source, target string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("tag %s %s", source, target)
	id, ok := f.Local[source]
	if !ok {
		return fmt.Errorf("no such image: %s", source)
	}
	f.Local[target] = id
	return nil
}

// Push implements docker.Builder.
func (f *FakeDocker) Push(_ context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("push %s", ref)
	if err := f.PushErr[ref]; err != nil {
		return err
	}
	id, ok := f.Local[ref]
	if !ok {
		return fmt.Errorf("no such image: %s", ref)
	}
	f.Remote[ref] = id
	return nil
}

// Pull implements docker.Builder.
func (f *FakeDocker) Pull(_ context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("pull %s", ref)
	if err := f.PullErr[ref]; err != nil {
		return err
	}
	id, ok := f.Remote[ref]
	if !ok {
		return fmt.Errorf("manifest unknown: %s", ref)
	}
	f.Local[ref] = id
	return nil
}

// ImageExists implements docker.Builder.
func (f *FakeDocker) ImageExists(_ context.Context, ref string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.Local[ref]
	return ok
}

// ImageID implements docker.Builder. The content id stands in for the image ID.
func (f *FakeDocker) ImageID(_ context.Context, ref string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.Local[ref]
	return id, ok
}

// Exists answers remote existence probes against the fake registry.
func (f *FakeDocker) Exists(_ context.Context, ref string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("probe %s", ref)
	_, ok := f.Remote[ref]
	return ok, nil
}

// Pushed reports whether ref was pushed during the test.
func (f *FakeDocker) Pushed(ref string) bool {
	return f.called("push " + ref)
}

// Pulled reports whether ref was pulled during the test.
func (f *FakeDocker) Pulled(ref string) bool {
	return f.called("pull " + ref)
}

// CountPrefix counts recorded calls starting with prefix.
func (f *FakeDocker) CountPrefix(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.Calls {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

func (f *FakeDocker) called(call string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.Calls {
		if c == call {
			return true
		}
	}
	return false
}
