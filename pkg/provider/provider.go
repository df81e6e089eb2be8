// Package provider adapts each supported registry backend to a common
// interface: validate parameters, authenticate the build tool, and name the
// cache images.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/lissto-dev/docker-cache/pkg/command"
	"github.com/lissto-dev/docker-cache/pkg/config"
	"github.com/lissto-dev/docker-cache/pkg/image"
	"go.uber.org/zap"
)

var (
	// ErrUnknownProvider is returned for provider ids outside the supported set
	ErrUnknownProvider = errors.New("unknown provider")
	// ErrInvalidParameter marks a missing or malformed provider parameter
	ErrInvalidParameter = errors.New("invalid provider parameter")
	// ErrAuthentication marks a failed login or token exchange
	ErrAuthentication = errors.New("registry authentication failed")
)

// DefaultFallbackTag is the tag pushed alongside the keyed tag for layer cache priming
const DefaultFallbackTag = "latest"

// Identity is the resolved registry identity for one run. Tokens are never
// persisted and are re-acquired on every Setup.
type Identity struct {
	Registry       string
	RepositoryPath []string
	Username       string
	Token          string
	Region         string
	Account        string
}

// Provider is one registry backend
type Provider interface {
	Name() string

	// ValidateParams checks the provider parameters without contacting the
	// registry or reading cloud credentials.
	ValidateParams(cfg *config.CacheConfig) error

	// Setup validates parameters, resolves defaults and logs the build tool in.
	Setup(ctx context.Context, cfg *config.CacheConfig) (*Identity, error)

	// ImageReference names the remote cache image for tag. It must be a pure
	// function of its arguments.
	ImageReference(cfg *config.CacheConfig, id *Identity, tag string) string

	// FallbackTag is the secondary tag used for layer cache priming.
	FallbackTag(cfg *config.CacheConfig) string

	// EnsureRepository creates the remote repository when the backend needs it.
	EnsureRepository(ctx context.Context, cfg *config.CacheConfig, id *Identity) error
}

// Authenticator stores registry credentials for the build tool
type Authenticator interface {
	Login(ctx context.Context, registry, username, password string) error
}

// Factory selects a provider by id
type Factory func(name string) (Provider, error)

// Deps carries the collaborators providers depend on
type Deps struct {
	Docker Authenticator
	Runner command.Runner
	Lookup config.LookupFunc
	Logger *zap.Logger

	AWS          AWSClients
	AzureToken   ARMTokenProvider
	ACRExchanger RegistryTokenExchanger
	GoogleToken  TokenSourceFunc
}

// DefaultDeps wires the production SDK clients around the given docker
// authenticator and command runner
func DefaultDeps(docker Authenticator, runner command.Runner, logger *zap.Logger) Deps {
	return Deps{
		Docker:       docker,
		Runner:       runner,
		Lookup:       os.LookupEnv,
		Logger:       logger,
		AWS:          DefaultAWSClients(),
		AzureToken:   NewDefaultAzureTokenProvider(),
		ACRExchanger: NewHTTPExchanger(http.DefaultClient),
		GoogleToken:  DefaultGoogleTokenSource,
	}
}

// New returns the provider registered under name
func New(name string, deps Deps) (Provider, error) {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Lookup == nil {
		deps.Lookup = os.LookupEnv
	}

	switch name {
	case config.ProviderECR:
		return &ECR{deps: deps}, nil
	case config.ProviderACR:
		return &ACR{deps: deps}, nil
	case config.ProviderGAR, config.ProviderGCR:
		return &GAR{deps: deps}, nil
	case config.ProviderArtifactory:
		return &Artifactory{deps: deps}, nil
	case config.ProviderBuildkite:
		return &Buildkite{deps: deps, resolver: NewTokenResolver(deps.Lookup)}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
}

// NewFactory binds deps into a Factory
func NewFactory(deps Deps) Factory {
	return func(name string) (Provider, error) {
		return New(name, deps)
	}
}

// imageReference is the reference layout shared by every backend:
// <registry>/<repository path>/<image>:<tag>
func imageReference(cfg *config.CacheConfig, id *Identity, tag string) string {
	path := append(append([]string{}, id.RepositoryPath...), cfg.Image)
	return image.Reference(id.Registry, path, tag)
}

func invalidParam(provider, param, format string, args ...any) error {
	return fmt.Errorf("%w: %s.%s: %s", ErrInvalidParameter, provider, param, fmt.Sprintf(format, args...))
}

func authFailed(provider string, err error, hint string) error {
	if hint != "" {
		return fmt.Errorf("%w: %s: %w (%s)", ErrAuthentication, provider, err, hint)
	}
	return fmt.Errorf("%w: %s: %w", ErrAuthentication, provider, err)
}

func login(ctx context.Context, deps Deps, provider, registry, username, password string) error {
	if deps.Docker == nil {
		return authFailed(provider, errors.New("no docker authenticator configured"), "")
	}
	if err := deps.Docker.Login(ctx, registry, username, password); err != nil {
		return authFailed(provider, err, "")
	}
	deps.Logger.Info("Logged in to registry",
		zap.String("provider", provider),
		zap.String("registry", registry))
	return nil
}
