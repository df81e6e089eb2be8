package provider

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/lissto-dev/docker-cache/pkg/command"
	"github.com/lissto-dev/docker-cache/pkg/config"
)

// Buildkite auth methods
const (
	AuthMethodAPIToken = "api-token"
	AuthMethodOIDC     = "oidc"
)

const (
	// BuildkitePackagesHost serves every Buildkite Packages container registry
	BuildkitePackagesHost = "packages.buildkite.com"
	// BuildkiteUsername is the docker user name for both auth methods
	BuildkiteUsername = "buildkite"

	orgSlugEnv       = "BUILDKITE_ORGANIZATION_SLUG"
	oidcTokenSeconds = "300"
)

var slugPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*$`)

// Buildkite is the CI-native Buildkite Packages adapter
type Buildkite struct {
	deps     Deps
	resolver *TokenResolver
}

// Name implements Provider
func (p *Buildkite) Name() string { return config.ProviderBuildkite }

// ValidateParams implements Provider. API token references are resolved
// against the environment, the OIDC token is not requested.
func (p *Buildkite) ValidateParams(cfg *config.CacheConfig) error {
	_, method, err := p.params(cfg.Buildkite)
	if err != nil {
		return err
	}
	if method == AuthMethodAPIToken {
		_, err = p.apiToken(cfg.Buildkite.APIToken)
	}
	return err
}

// params returns the organization slug and auth method after checking the slugs
func (p *Buildkite) params(params config.BuildkiteConfig) (string, string, error) {
	org := params.OrgSlug
	if org == "" {
		org, _ = p.deps.Lookup(orgSlugEnv)
	}
	if org == "" {
		return "", "", invalidParam(p.Name(), "org-slug", "is required when %s is not set", orgSlugEnv)
	}
	if !slugPattern.MatchString(org) {
		return "", "", invalidParam(p.Name(), "org-slug", "%q is not a valid slug", org)
	}
	if params.RegistrySlug == "" {
		return "", "", invalidParam(p.Name(), "registry-slug", "is required")
	}
	if !slugPattern.MatchString(params.RegistrySlug) {
		return "", "", invalidParam(p.Name(), "registry-slug", "%q is not a valid slug", params.RegistrySlug)
	}

	method := params.AuthMethod
	if method == "" {
		method = AuthMethodAPIToken
	}
	if method != AuthMethodAPIToken && method != AuthMethodOIDC {
		return "", "", invalidParam(p.Name(), "auth-method", "must be %q or %q, got %q", AuthMethodAPIToken, AuthMethodOIDC, method)
	}
	return org, method, nil
}

// Setup resolves the organization and registry and logs docker in with either
// a static API token or a short-lived OIDC token
func (p *Buildkite) Setup(ctx context.Context, cfg *config.CacheConfig) (*Identity, error) {
	params := cfg.Buildkite
	org, method, err := p.params(params)
	if err != nil {
		return nil, err
	}

	id := &Identity{
		Registry:       BuildkitePackagesHost,
		RepositoryPath: []string{org, params.RegistrySlug},
		Username:       BuildkiteUsername,
		Account:        org,
	}

	if method == AuthMethodOIDC {
		id.Token, err = p.oidcToken(ctx, org, params.RegistrySlug)
	} else {
		id.Token, err = p.apiToken(params.APIToken)
	}
	if err != nil {
		return nil, err
	}

	if err := login(ctx, p.deps, p.Name(), id.Registry, id.Username, id.Token); err != nil {
		return nil, err
	}
	return id, nil
}

func (p *Buildkite) apiToken(raw string) (string, error) {
	if raw == "" {
		return "", invalidParam(p.Name(), "api-token", "is required for the %s auth method (scopes: read_packages, write_packages)", AuthMethodAPIToken)
	}
	token, err := p.resolver.Resolve(raw)
	if err != nil {
		return "", invalidParam(p.Name(), "api-token", "%v", err)
	}
	return token, nil
}

func (p *Buildkite) oidcToken(ctx context.Context, org, registry string) (string, error) {
	if p.deps.Runner == nil {
		return "", authFailed(p.Name(), errors.New("no command runner configured"), "")
	}
	audience := fmt.Sprintf("https://%s/%s/%s", BuildkitePackagesHost, org, registry)
	res, err := p.deps.Runner.Run(ctx, command.Command{
		Name: "buildkite-agent",
		Args: []string{"oidc", "request-token", "--audience", audience, "--lifetime", oidcTokenSeconds},
	})
	if err != nil {
		return "", authFailed(p.Name(), err, "the registry must trust this pipeline's OIDC tokens")
	}
	token := strings.TrimSpace(res.Stdout)
	if token == "" {
		return "", authFailed(p.Name(), errors.New("buildkite-agent returned an empty OIDC token"), "")
	}
	return token, nil
}

// ImageReference implements Provider
func (p *Buildkite) ImageReference(cfg *config.CacheConfig, id *Identity, tag string) string {
	return imageReference(cfg, id, tag)
}

// FallbackTag implements Provider
func (p *Buildkite) FallbackTag(*config.CacheConfig) string { return DefaultFallbackTag }

// EnsureRepository is not applicable to Buildkite Packages
func (p *Buildkite) EnsureRepository(context.Context, *config.CacheConfig, *Identity) error {
	return nil
}
