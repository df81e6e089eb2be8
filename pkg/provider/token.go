package provider

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/lissto-dev/docker-cache/pkg/config"
)

// tokenReference matches a value that is exactly one $NAME or ${NAME} reference
var tokenReference = regexp.MustCompile(`^\$(?:\{([A-Za-z_][A-Za-z0-9_]*)\}|([A-Za-z_][A-Za-z0-9_]*))$`)

// AllowedTokenVariables are the exact variable names a token value may reference
var AllowedTokenVariables = []string{
	"BUILDKITE_API_TOKEN",
	"BUILDKITE_PACKAGES_TOKEN",
	"BUILDKITE_REGISTRY_TOKEN",
}

// allowedTokenPatterns extend the exact names with plugin scoped secrets
var allowedTokenPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^BUILDKITE_PLUGIN_DOCKER_CACHE_[A-Z0-9_]*TOKEN$`),
}

// TokenResolver dereferences token values through a closed set of
// environment variable names. Any other name is refused so configuration
// cannot be used to read arbitrary environment variables.
type TokenResolver struct {
	lookup  config.LookupFunc
	allowed map[string]struct{}
}

// NewTokenResolver creates a resolver over lookup
func NewTokenResolver(lookup config.LookupFunc) *TokenResolver {
	allowed := make(map[string]struct{}, len(AllowedTokenVariables))
	for _, name := range AllowedTokenVariables {
		allowed[name] = struct{}{}
	}
	return &TokenResolver{lookup: lookup, allowed: allowed}
}

// Permitted reports whether name may be dereferenced
func (r *TokenResolver) Permitted(name string) bool {
	if _, ok := r.allowed[name]; ok {
		return true
	}
	for _, p := range allowedTokenPatterns {
		if p.MatchString(name) {
			return true
		}
	}
	return false
}

// Resolve returns value unchanged unless it is a single variable reference,
// in which case the permitted variable's value is returned.
func (r *TokenResolver) Resolve(value string) (string, error) {
	value = strings.TrimSpace(value)
	m := tokenReference.FindStringSubmatch(value)
	if m == nil {
		return value, nil
	}
	name := m[1]
	if name == "" {
		name = m[2]
	}
	if !r.Permitted(name) {
		return "", fmt.Errorf("environment variable %s may not be referenced, allowed: %s or BUILDKITE_PLUGIN_DOCKER_CACHE_*TOKEN",
			name, strings.Join(sortedNames(r.allowed), ", "))
	}
	resolved, ok := r.lookup(name)
	if !ok || resolved == "" {
		return "", fmt.Errorf("environment variable %s is not set", name)
	}
	return resolved, nil
}

func sortedNames(m map[string]struct{}) []string {
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
