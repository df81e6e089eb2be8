package provider

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/lissto-dev/docker-cache/pkg/config"
)

const (
	minHostnameLength = 3
	maxHostnameLength = 253
)

var hostValidator = validator.New()

// Artifactory is the generic registry adapter: an explicit URL, username and
// identity token.
type Artifactory struct {
	deps Deps
}

// Name implements Provider
func (p *Artifactory) Name() string { return config.ProviderArtifactory }

// ValidateParams implements Provider
func (p *Artifactory) ValidateParams(cfg *config.CacheConfig) error {
	_, _, err := p.registry(cfg.Artifactory)
	return err
}

func (p *Artifactory) registry(params config.ArtifactoryConfig) (string, []string, error) {
	if params.URL == "" {
		return "", nil, invalidParam(p.Name(), "url", "is required")
	}
	if params.Username == "" {
		return "", nil, invalidParam(p.Name(), "username", "is required")
	}
	if params.IdentityToken == "" {
		return "", nil, invalidParam(p.Name(), "identity-token", "is required (create one under User Profile > Identity Tokens)")
	}
	host, path, err := ParseRegistryURL(params.URL)
	if err != nil {
		return "", nil, invalidParam(p.Name(), "url", "%v", err)
	}
	return host, path, nil
}

// Setup validates the registry URL and logs docker in with the identity token
func (p *Artifactory) Setup(ctx context.Context, cfg *config.CacheConfig) (*Identity, error) {
	params := cfg.Artifactory
	host, path, err := p.registry(params)
	if err != nil {
		return nil, err
	}

	id := &Identity{
		Registry:       host,
		RepositoryPath: path,
		Username:       params.Username,
		Token:          params.IdentityToken,
	}
	if repo := strings.Trim(params.Repository, "/"); repo != "" {
		id.RepositoryPath = append(id.RepositoryPath, strings.Split(repo, "/")...)
	}

	if err := login(ctx, p.deps, p.Name(), id.Registry, id.Username, id.Token); err != nil {
		return nil, err
	}
	return id, nil
}

// ImageReference implements Provider
func (p *Artifactory) ImageReference(cfg *config.CacheConfig, id *Identity, tag string) string {
	return imageReference(cfg, id, tag)
}

// FallbackTag returns the configured fallback tag, defaulting to latest
func (p *Artifactory) FallbackTag(cfg *config.CacheConfig) string {
	if tag := strings.TrimSpace(cfg.Artifactory.FallbackTag); tag != "" {
		return tag
	}
	return DefaultFallbackTag
}

// EnsureRepository is not applicable, repositories are managed by the registry admin
func (p *Artifactory) EnsureRepository(context.Context, *config.CacheConfig, *Identity) error {
	return nil
}

// ParseRegistryURL strips the scheme from raw and splits it into a validated
// host (with optional port) and any path components.
func ParseRegistryURL(raw string) (string, []string, error) {
	trimmed := strings.Trim(stripScheme(strings.TrimSpace(raw)), "/")
	hostport, rest, _ := strings.Cut(trimmed, "/")

	host, port, hasPort := strings.Cut(hostport, ":")
	if len(host) < minHostnameLength || len(host) > maxHostnameLength {
		return "", nil, fmt.Errorf("hostname %q must be between %d and %d characters", host, minHostnameLength, maxHostnameLength)
	}
	if err := hostValidator.Var(host, "hostname_rfc1123"); err != nil {
		return "", nil, fmt.Errorf("%q is not a valid hostname", host)
	}
	if hasPort {
		n, err := strconv.Atoi(port)
		if err != nil || n < 1 || n > 65535 {
			return "", nil, fmt.Errorf("%q is not a valid port", port)
		}
	}

	var path []string
	for _, p := range strings.Split(rest, "/") {
		if p != "" {
			path = append(path, p)
		}
	}
	return hostport, path, nil
}

func stripScheme(s string) string {
	if _, rest, ok := strings.Cut(s, "://"); ok {
		return rest
	}
	return s
}
