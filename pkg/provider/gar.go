package provider

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/lissto-dev/docker-cache/pkg/command"
	"github.com/lissto-dev/docker-cache/pkg/config"
)

const (
	// GoogleUsername is the docker user name for OAuth access token logins
	GoogleUsername = "oauth2accesstoken"

	artifactRegistrySuffix = "-docker.pkg.dev"
	containerRegistryHost  = "gcr.io"
	cloudPlatformScope     = "https://www.googleapis.com/auth/cloud-platform"
)

var (
	gcpProjectPattern = regexp.MustCompile(`^[a-z][a-z0-9-]{4,28}[a-z0-9]$`)
	gcpRegionPattern  = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)
	garRepoPattern    = regexp.MustCompile(`^[a-z]([a-z0-9-]{0,61}[a-z0-9])?$`)
)

// TokenSourceFunc returns a source of Google OAuth access tokens
type TokenSourceFunc func(ctx context.Context) (oauth2.TokenSource, error)

// DefaultGoogleTokenSource uses Application Default Credentials
func DefaultGoogleTokenSource(ctx context.Context) (oauth2.TokenSource, error) {
	return google.DefaultTokenSource(ctx, cloudPlatformScope)
}

// GAR is the Google Container Registry / Artifact Registry adapter
type GAR struct {
	deps Deps
}

// Name implements Provider
func (p *GAR) Name() string { return config.ProviderGAR }

// RegistryHost resolves the registry host for a region setting. Values that
// already are Artifact Registry (or gcr.io) hosts are used verbatim, short
// region codes get the gcr.io suffix.
func RegistryHost(region string) string {
	region = strings.TrimSuffix(stripScheme(strings.TrimSpace(region)), "/")
	switch {
	case region == "":
		return containerRegistryHost
	case IsArtifactRegistryHost(region):
		return region
	case region == containerRegistryHost || strings.HasSuffix(region, "."+containerRegistryHost):
		return region
	default:
		return region + "." + containerRegistryHost
	}
}

// IsArtifactRegistryHost reports whether host is an Artifact Registry docker host
func IsArtifactRegistryHost(host string) bool {
	return strings.HasSuffix(host, artifactRegistrySuffix)
}

// ValidateParams implements Provider
func (p *GAR) ValidateParams(cfg *config.CacheConfig) error {
	_, _, err := p.repositoryPath(cfg.GAR)
	return err
}

// repositoryPath validates the parameters and returns the registry host and
// the repository path components below it
func (p *GAR) repositoryPath(params config.GARConfig) (string, []string, error) {
	if params.Project == "" {
		return "", nil, invalidParam(p.Name(), "project", "is required")
	}
	if !gcpProjectPattern.MatchString(params.Project) {
		return "", nil, invalidParam(p.Name(), "project", "%q is not a valid Google Cloud project id", params.Project)
	}

	host := RegistryHost(params.Region)
	if IsArtifactRegistryHost(host) {
		if params.Repository == "" {
			return "", nil, invalidParam(p.Name(), "repository", "is required for Artifact Registry host %s", host)
		}
		if !garRepoPattern.MatchString(params.Repository) {
			return "", nil, invalidParam(p.Name(), "repository", "%q is not a valid Artifact Registry repository id", params.Repository)
		}
		return host, []string{params.Project, params.Repository}, nil
	}

	region := strings.TrimSuffix(strings.TrimSuffix(host, containerRegistryHost), ".")
	if region != "" && !gcpRegionPattern.MatchString(region) {
		return "", nil, invalidParam(p.Name(), "region", "%q is neither a region code nor an Artifact Registry host", params.Region)
	}
	return host, []string{params.Project}, nil
}

// Setup validates the project and region, then logs docker in with an access token
func (p *GAR) Setup(ctx context.Context, cfg *config.CacheConfig) (*Identity, error) {
	params := cfg.GAR
	host, path, err := p.repositoryPath(params)
	if err != nil {
		return nil, err
	}
	id := &Identity{
		Registry:       host,
		RepositoryPath: path,
		Region:         params.Region,
		Account:        params.Project,
		Username:       GoogleUsername,
	}

	if p.deps.GoogleToken == nil {
		return nil, authFailed(p.Name(), errors.New("no Google token source configured"), "")
	}
	ts, err := p.deps.GoogleToken(ctx)
	if err != nil {
		return nil, authFailed(p.Name(), err, "configure Application Default Credentials")
	}
	token, err := ts.Token()
	if err != nil {
		return nil, authFailed(p.Name(), err, "configure Application Default Credentials")
	}
	if token.AccessToken == "" {
		return nil, authFailed(p.Name(), errors.New("empty access token"), "")
	}
	id.Token = token.AccessToken

	if err := login(ctx, p.deps, p.Name(), id.Registry, id.Username, id.Token); err != nil {
		return nil, err
	}
	return id, nil
}

// ImageReference implements Provider
func (p *GAR) ImageReference(cfg *config.CacheConfig, id *Identity, tag string) string {
	return imageReference(cfg, id, tag)
}

// FallbackTag implements Provider
func (p *GAR) FallbackTag(*config.CacheConfig) string { return DefaultFallbackTag }

// EnsureRepository creates the Artifact Registry repository when missing.
// gcr.io hosts create storage implicitly.
func (p *GAR) EnsureRepository(ctx context.Context, cfg *config.CacheConfig, id *Identity) error {
	if !IsArtifactRegistryHost(id.Registry) {
		return nil
	}
	if p.deps.Runner == nil {
		return errors.New("gar: no command runner configured")
	}

	location := strings.TrimSuffix(id.Registry, artifactRegistrySuffix)
	project, repository := cfg.GAR.Project, cfg.GAR.Repository

	_, err := p.deps.Runner.Run(ctx, command.Command{
		Name: "gcloud",
		Args: []string{"artifacts", "repositories", "describe", repository,
			"--project=" + project, "--location=" + location, "--format=value(name)"},
	})
	if err == nil {
		p.deps.Logger.Debug("Artifact Registry repository exists", zap.String("repository", repository))
		return nil
	}

	p.deps.Logger.Info("Creating Artifact Registry repository",
		zap.String("repository", repository),
		zap.String("location", location))
	_, err = p.deps.Runner.Run(ctx, command.Command{
		Name: "gcloud",
		Args: []string{"artifacts", "repositories", "create", repository,
			"--project=" + project, "--location=" + location,
			"--repository-format=docker", "--description=Docker build cache"},
	})
	if err != nil {
		return fmt.Errorf("failed to create Artifact Registry repository %s (requires artifactregistry.repositories.create): %w", repository, err)
	}
	return nil
}
