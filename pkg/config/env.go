package config

import (
	"fmt"
	"strconv"
	"strings"
)

// PluginEnvPrefix is the prefix the CI agent uses to pass plugin configuration
const PluginEnvPrefix = "BUILDKITE_PLUGIN_DOCKER_CACHE_"

// LookupFunc resolves an environment variable
type LookupFunc func(key string) (string, bool)

// FromPluginEnv builds a configuration from the plugin environment variables.
// Scalars map to PREFIX_<FIELD>, lists to PREFIX_<FIELD>_<N> and provider
// parameters to PREFIX_<PROVIDER>_<FIELD>.
func FromPluginEnv(lookup LookupFunc) (*CacheConfig, error) {
	e := pluginEnv{lookup: lookup}

	cfg := &CacheConfig{
		Provider:            e.str("PROVIDER"),
		Image:               e.str("IMAGE"),
		Strategy:            e.str("STRATEGY"),
		Tag:                 e.str("TAG"),
		CacheKey:            e.str("CACHE_KEY"),
		Dockerfile:          e.str("DOCKERFILE"),
		Context:             e.str("CONTEXT"),
		Target:              e.str("TARGET"),
		BuildArgs:           e.list("BUILD_ARGS"),
		Secrets:             e.list("SECRETS"),
		AdditionalBuildArgs: e.str("ADDITIONAL_BUILD_ARGS"),
		ExportEnvVariable:   e.str("EXPORT_ENV_VARIABLE"),
		ECR: ECRConfig{
			Region:           e.str("ECR_REGION"),
			AccountID:        e.str("ECR_ACCOUNT_ID"),
			RepositoryPrefix: e.str("ECR_REPOSITORY_PREFIX"),
		},
		ACR: ACRConfig{
			RegistryName: e.str("ACR_REGISTRY_NAME"),
			LoginServer:  e.str("ACR_LOGIN_SERVER"),
		},
		GAR: GARConfig{
			Project:    e.first("GAR_PROJECT", "GCR_PROJECT"),
			Region:     e.first("GAR_REGION", "GCR_REGION"),
			Repository: e.first("GAR_REPOSITORY", "GCR_REPOSITORY"),
		},
		Artifactory: ArtifactoryConfig{
			URL:           e.str("ARTIFACTORY_URL"),
			Username:      e.str("ARTIFACTORY_USERNAME"),
			IdentityToken: e.str("ARTIFACTORY_IDENTITY_TOKEN"),
			Repository:    e.str("ARTIFACTORY_REPOSITORY"),
			FallbackTag:   e.str("ARTIFACTORY_FALLBACK_TAG"),
		},
		Buildkite: BuildkiteConfig{
			OrgSlug:      e.str("BUILDKITE_ORG_SLUG"),
			RegistrySlug: e.str("BUILDKITE_REGISTRY_SLUG"),
			AuthMethod:   e.str("BUILDKITE_AUTH_METHOD"),
			APIToken:     e.str("BUILDKITE_API_TOKEN"),
		},
	}

	var err error
	if cfg.Save, err = e.boolPtr("SAVE"); err != nil {
		return nil, err
	}
	if cfg.Restore, err = e.boolPtr("RESTORE"); err != nil {
		return nil, err
	}
	if cfg.SkipPullFromCache, err = e.boolean("SKIP_PULL_FROM_CACHE"); err != nil {
		return nil, err
	}
	if cfg.Verbose, err = e.boolean("VERBOSE"); err != nil {
		return nil, err
	}
	if raw := e.str("MAX_AGE_DAYS"); raw != "" {
		if cfg.MaxAgeDays, err = strconv.Atoi(raw); err != nil {
			return nil, fmt.Errorf("%w: max-age-days %q is not an integer", ErrInvalidConfig, raw)
		}
	}

	cfg.ApplyDefaults()
	return cfg, nil
}

type pluginEnv struct {
	lookup LookupFunc
}

func (e pluginEnv) str(field string) string {
	v, _ := e.lookup(PluginEnvPrefix + field)
	return strings.TrimSpace(v)
}

func (e pluginEnv) first(fields ...string) string {
	for _, f := range fields {
		if v := e.str(f); v != "" {
			return v
		}
	}
	return ""
}

// list reads indexed entries until the first gap. A single scalar value is
// accepted as a one-element list.
func (e pluginEnv) list(field string) []string {
	var out []string
	for i := 0; ; i++ {
		v, ok := e.lookup(fmt.Sprintf("%s%s_%d", PluginEnvPrefix, field, i))
		if !ok {
			break
		}
		out = append(out, v)
	}
	if len(out) == 0 {
		if v := e.str(field); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func (e pluginEnv) boolean(field string) (bool, error) {
	p, err := e.boolPtr(field)
	if err != nil || p == nil {
		return false, err
	}
	return *p, nil
}

func (e pluginEnv) boolPtr(field string) (*bool, error) {
	raw := e.str(field)
	if raw == "" {
		return nil, nil
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %q is not a boolean", ErrInvalidConfig, strings.ToLower(strings.ReplaceAll(field, "_", "-")), raw)
	}
	return &b, nil
}
