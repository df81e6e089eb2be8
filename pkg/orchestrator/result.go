package orchestrator

import (
	"strconv"

	"github.com/lissto-dev/docker-cache/pkg/image"
	"github.com/lissto-dev/docker-cache/pkg/strategy"
)

// Exported variable names
const (
	EnvImage     = "DOCKER_CACHE_IMAGE"
	EnvTag       = "DOCKER_CACHE_TAG"
	EnvKey       = "DOCKER_CACHE_KEY"
	EnvHit       = "DOCKER_CACHE_HIT"
	EnvCacheFrom = "DOCKER_CACHE_FROM"
)

// Result is the outcome of a run for downstream consumption
type Result struct {
	RunID     string
	Provider  string
	Strategy  strategy.Mode
	CacheKey  string
	Image     string
	Tag       string
	Reference string

	CacheHit     bool
	CacheFrom    string
	BuildSkipped bool

	// ExportVariable receives the final image reference
	ExportVariable string
}

// Exports projects the result into the variables later pipeline steps read
func (r *Result) Exports() map[string]string {
	name, tag := image.SplitReference(r.Reference)
	vars := map[string]string{
		EnvImage: name,
		EnvTag:   tag,
		EnvKey:   r.CacheKey,
		EnvHit:   strconv.FormatBool(r.CacheHit),
	}
	if r.ExportVariable != "" {
		vars[r.ExportVariable] = r.Reference
	}
	if r.Strategy.UsesLayerCache() {
		vars[EnvCacheFrom] = r.CacheFrom
	}
	return vars
}
