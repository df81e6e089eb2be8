package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Provider identifiers
const (
	ProviderECR         = "ecr"
	ProviderACR         = "acr"
	ProviderGAR         = "gar"
	ProviderGCR         = "gcr"
	ProviderArtifactory = "artifactory"
	ProviderBuildkite   = "buildkite"
)

// Strategy names
const (
	StrategyArtifact = "artifact"
	StrategyBuild    = "build"
	StrategyHybrid   = "hybrid"
)

// Defaults applied when a field is left empty
const (
	DefaultStrategy          = StrategyHybrid
	DefaultTag               = "latest"
	DefaultDockerfile        = "Dockerfile"
	DefaultContext           = "."
	DefaultMaxAgeDays        = 30
	DefaultExportEnvVariable = "BUILDKITE_PLUGIN_DOCKER_IMAGE"
)

// CacheConfig is the per-run plugin configuration. It is built once at the start
// of a run and treated as read-only afterwards.
type CacheConfig struct {
	Provider string `yaml:"provider" validate:"required,oneof=ecr acr gar artifactory buildkite"`
	Image    string `yaml:"image" validate:"required"`
	Strategy string `yaml:"strategy" validate:"oneof=artifact build hybrid"`
	Tag      string `yaml:"tag" validate:"dockertag"`
	CacheKey string `yaml:"cache-key"`

	Save              *bool `yaml:"save"`
	Restore           *bool `yaml:"restore"`
	SkipPullFromCache bool  `yaml:"skip-pull-from-cache"`

	Dockerfile          string   `yaml:"dockerfile"`
	Context             string   `yaml:"context"`
	Target              string   `yaml:"target"`
	BuildArgs           []string `yaml:"build-args" validate:"dive,buildarg"`
	Secrets             []string `yaml:"secrets" validate:"dive,required"`
	AdditionalBuildArgs string   `yaml:"additional-build-args"`

	// MaxAgeDays is accepted and validated but no eviction consumes it.
	MaxAgeDays int  `yaml:"max-age-days" validate:"min=1,max=365"`
	Verbose    bool `yaml:"verbose"`

	ExportEnvVariable string `yaml:"export-env-variable" validate:"envname"`

	ECR         ECRConfig         `yaml:"ecr"`
	ACR         ACRConfig         `yaml:"acr"`
	GAR         GARConfig         `yaml:"gar"`
	Artifactory ArtifactoryConfig `yaml:"artifactory"`
	Buildkite   BuildkiteConfig   `yaml:"buildkite"`
}

// ECRConfig holds AWS Elastic Container Registry parameters
type ECRConfig struct {
	Region           string `yaml:"region"`
	AccountID        string `yaml:"account-id"`
	RepositoryPrefix string `yaml:"repository-prefix"`
}

// ACRConfig holds Azure Container Registry parameters
type ACRConfig struct {
	RegistryName string `yaml:"registry-name"`
	LoginServer  string `yaml:"login-server"`
}

// GARConfig holds Google Container Registry / Artifact Registry parameters
type GARConfig struct {
	Project    string `yaml:"project"`
	Region     string `yaml:"region"`
	Repository string `yaml:"repository"`
}

// ArtifactoryConfig holds generic registry parameters
type ArtifactoryConfig struct {
	URL           string `yaml:"url"`
	Username      string `yaml:"username"`
	IdentityToken string `yaml:"identity-token"`
	Repository    string `yaml:"repository"`
	FallbackTag   string `yaml:"fallback-tag"`
}

// BuildkiteConfig holds Buildkite Packages parameters
type BuildkiteConfig struct {
	OrgSlug      string `yaml:"org-slug"`
	RegistrySlug string `yaml:"registry-slug"`
	AuthMethod   string `yaml:"auth-method"`
	APIToken     string `yaml:"api-token"`
}

// Load reads a YAML configuration file and applies defaults
func Load(filename string) (*CacheConfig, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration and applies defaults
func Parse(data []byte) (*CacheConfig, error) {
	var cfg CacheConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	cfg.ApplyDefaults()
	return &cfg, nil
}

// ApplyDefaults fills empty fields with their default values
func (c *CacheConfig) ApplyDefaults() {
	c.Provider = strings.ToLower(strings.TrimSpace(c.Provider))
	if c.Provider == ProviderGCR {
		c.Provider = ProviderGAR
	}
	c.Strategy = strings.ToLower(strings.TrimSpace(c.Strategy))
	if c.Strategy == "" {
		c.Strategy = DefaultStrategy
	}
	if c.Tag == "" {
		c.Tag = DefaultTag
	}
	if c.Dockerfile == "" {
		c.Dockerfile = DefaultDockerfile
	}
	if c.Context == "" {
		c.Context = DefaultContext
	}
	if c.MaxAgeDays == 0 {
		c.MaxAgeDays = DefaultMaxAgeDays
	}
	if c.ExportEnvVariable == "" {
		c.ExportEnvVariable = DefaultExportEnvVariable
	}
	if c.Save == nil {
		c.Save = boolPtr(true)
	}
	if c.Restore == nil {
		c.Restore = boolPtr(true)
	}
}

// SaveEnabled reports whether the cache should be saved after a build
func (c *CacheConfig) SaveEnabled() bool {
	return c.Save == nil || *c.Save
}

// RestoreEnabled reports whether a cache restore should be attempted
func (c *CacheConfig) RestoreEnabled() bool {
	return c.Restore == nil || *c.Restore
}

// LogLevel returns the log level implied by the verbose flag
func (c *CacheConfig) LogLevel() string {
	if c.Verbose {
		return "debug"
	}
	return "info"
}

func boolPtr(b bool) *bool {
	return &b
}
