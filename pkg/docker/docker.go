package docker

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/shlex"
	"github.com/lissto-dev/docker-cache/pkg/command"
	"github.com/lissto-dev/docker-cache/pkg/logging"
	"go.uber.org/zap"
)

// Builder is the container build tool as seen by the cache engine
type Builder interface {
	Login(ctx context.Context, registry, username, password string) error
	Build(ctx context.Context, opts BuildOptions) error
	Tag(ctx context.Context, source, target string) error
	Push(ctx context.Context, ref string) error
	Pull(ctx context.Context, ref string) error
	ImageExists(ctx context.Context, ref string) bool
	ImageID(ctx context.Context, ref string) (string, bool)
}

// BuildOptions holds the arguments for a single image build
type BuildOptions struct {
	Dockerfile     string
	Context        string
	Target         string
	Tags           []string
	BuildArgs      []string
	Secrets        []string
	CacheFrom      string
	InlineCache    bool
	AdditionalArgs string
}

// Args assembles the build command line (without the binary name)
func (o BuildOptions) Args() ([]string, error) {
	args := []string{"build"}

	if o.Dockerfile != "" {
		args = append(args, "--file", o.Dockerfile)
	}
	for _, t := range o.Tags {
		args = append(args, "--tag", t)
	}
	if o.Target != "" {
		args = append(args, "--target", o.Target)
	}
	for _, ba := range o.BuildArgs {
		args = append(args, "--build-arg", ba)
	}
	for _, s := range o.Secrets {
		args = append(args, "--secret", s)
	}
	if o.CacheFrom != "" {
		args = append(args, "--cache-from", o.CacheFrom)
	}
	if o.InlineCache {
		args = append(args, "--build-arg", "BUILDKIT_INLINE_CACHE=1")
	}
	if strings.TrimSpace(o.AdditionalArgs) != "" {
		extra, err := shlex.Split(o.AdditionalArgs)
		if err != nil {
			return nil, fmt.Errorf("failed to parse additional build args %q: %w", o.AdditionalArgs, err)
		}
		args = append(args, extra...)
	}

	buildContext := o.Context
	if buildContext == "" {
		buildContext = "."
	}
	return append(args, buildContext), nil
}

// CLI drives the docker command line client
type CLI struct {
	runner command.Runner
	binary string
}

// NewCLI creates a docker CLI builder using the given runner
func NewCLI(runner command.Runner) *CLI {
	return &CLI{runner: runner, binary: "docker"}
}

// Login stores registry credentials in the docker credential store.
// The password is passed on stdin.
func (c *CLI) Login(ctx context.Context, registry, username, password string) error {
	_, err := c.runner.Run(ctx, command.Command{
		Name:  c.binary,
		Args:  []string{"login", "--username", username, "--password-stdin", registry},
		Stdin: password,
	})
	if err != nil {
		return fmt.Errorf("docker login to %s failed: %w", registry, err)
	}
	return nil
}

// Build runs docker build with output streamed to the job log
func (c *CLI) Build(ctx context.Context, opts BuildOptions) error {
	args, err := opts.Args()
	if err != nil {
		return err
	}

	logging.Logger.Info("Building image",
		zap.Strings("tags", opts.Tags),
		zap.String("dockerfile", opts.Dockerfile),
		zap.String("cache_from", opts.CacheFrom))

	_, err = c.runner.Run(ctx, command.Command{
		Name:        c.binary,
		Args:        args,
		Env:         map[string]string{"DOCKER_BUILDKIT": "1"},
		Passthrough: true,
	})
	if err != nil {
		return fmt.Errorf("docker build failed: %w", err)
	}
	return nil
}

// Tag adds target as a new name for source
func (c *CLI) Tag(ctx context.Context, source, target string) error {
	if _, err := c.runner.Run(ctx, command.Command{Name: c.binary, Args: []string{"tag", source, target}}); err != nil {
		return fmt.Errorf("failed to tag %s as %s: %w", source, target, err)
	}
	return nil
}

// Push uploads ref to its registry
func (c *CLI) Push(ctx context.Context, ref string) error {
	if _, err := c.runner.Run(ctx, command.Command{Name: c.binary, Args: []string{"push", ref}, Passthrough: true}); err != nil {
		return fmt.Errorf("failed to push %s: %w", ref, err)
	}
	return nil
}

// Pull downloads ref into the local image store
func (c *CLI) Pull(ctx context.Context, ref string) error {
	if _, err := c.runner.Run(ctx, command.Command{Name: c.binary, Args: []string{"pull", ref}, Passthrough: true}); err != nil {
		return fmt.Errorf("failed to pull %s: %w", ref, err)
	}
	return nil
}

// ImageExists reports whether ref is present in the local image store
func (c *CLI) ImageExists(ctx context.Context, ref string) bool {
	_, ok := c.ImageID(ctx, ref)
	return ok
}

// ImageID returns the local image ID ref resolves to
func (c *CLI) ImageID(ctx context.Context, ref string) (string, bool) {
	res, err := c.runner.Run(ctx, command.Command{
		Name: c.binary,
		Args: []string{"image", "inspect", "--format", "{{.Id}}", ref},
	})
	if err != nil {
		logging.Logger.Debug("Local image not found", zap.String("image", ref))
		return "", false
	}
	return strings.TrimSpace(res.Stdout), true
}
