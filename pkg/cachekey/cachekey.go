// Package cachekey derives the deterministic cache key that selects which
// stored image a run may reuse.
//
// Keys are 40 character hex SHA-1 digests so they stay compatible with images
// cached by earlier versions of the plugin.
package cachekey

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/lissto-dev/docker-cache/pkg/config"
	"go.uber.org/zap"
)

// Source records how a key was obtained
type Source string

const (
	SourceExplicitLiteral Source = "explicit-literal"
	SourceExplicitFiles   Source = "explicit-files"
	SourceDerived         Source = "derived"
	SourceDateFallback    Source = "date-fallback"
)

// CommitEnvVar holds the commit identifier of the build
const CommitEnvVar = "BUILDKITE_COMMIT"

// DependencyManifests are checked in this order when deriving a key
var DependencyManifests = []string{
	"package.json",
	"package-lock.json",
	"yarn.lock",
	"pnpm-lock.yaml",
	"requirements.txt",
	"Pipfile.lock",
	"poetry.lock",
	"Gemfile.lock",
	"go.mod",
	"go.sum",
	"Cargo.lock",
	"composer.lock",
	"pom.xml",
	"build.gradle",
}

// Generator computes cache keys relative to a working directory
type Generator struct {
	Dir    string
	Lookup config.LookupFunc
	Now    func() time.Time
	Logger *zap.Logger
}

// NewGenerator creates a generator rooted at dir that reads the process environment
func NewGenerator(dir string, logger *zap.Logger) *Generator {
	return &Generator{
		Dir:    dir,
		Lookup: os.LookupEnv,
		Now:    time.Now,
		Logger: logger,
	}
}

// Generate returns the cache key for cfg
func (g *Generator) Generate(cfg *config.CacheConfig) (string, error) {
	key, _, err := g.GenerateWithSource(cfg)
	return key, err
}

// GenerateWithSource returns the cache key for cfg and how it was obtained
func (g *Generator) GenerateWithSource(cfg *config.CacheConfig) (string, Source, error) {
	if explicit := strings.TrimSpace(cfg.CacheKey); explicit != "" {
		if strings.ContainsRune(explicit, '/') || strings.ContainsRune(explicit, filepath.Separator) {
			return g.fromFiles(explicit)
		}
		return hashString(explicit), SourceExplicitLiteral, nil
	}
	return g.derive(cfg)
}

// fromFiles hashes the concatenated content digests of a comma separated file list
func (g *Generator) fromFiles(list string) (string, Source, error) {
	var digests strings.Builder
	found := 0
	for _, entry := range strings.Split(list, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		digest, ok, err := g.hashFile(entry)
		if err != nil {
			return "", "", err
		}
		if !ok {
			g.logger().Warn("Cache key file not found, skipping", zap.String("path", entry))
			continue
		}
		digests.WriteString(digest)
		found++
	}

	if found == 0 {
		g.logger().Warn("None of the cache key files exist, hashing the key as a literal string",
			zap.String("cache_key", list))
		return hashString(list), SourceExplicitLiteral, nil
	}
	return hashString(digests.String()), SourceExplicitFiles, nil
}

// derive combines the Dockerfile, dependency manifests and commit
func (g *Generator) derive(cfg *config.CacheConfig) (string, Source, error) {
	var parts strings.Builder

	dockerfile := cfg.Dockerfile
	if dockerfile == "" {
		dockerfile = config.DefaultDockerfile
	}
	if digest, ok, err := g.hashFile(dockerfile); err != nil {
		return "", "", err
	} else if ok {
		parts.WriteString(digest)
	}

	for _, manifest := range DependencyManifests {
		digest, ok, err := g.hashFile(manifest)
		if err != nil {
			return "", "", err
		}
		if ok {
			g.logger().Debug("Including dependency manifest in cache key", zap.String("file", manifest))
			parts.WriteString(digest)
		}
	}

	if commit, ok := g.lookup(CommitEnvVar); ok && commit != "" {
		parts.WriteString(commit)
	}

	if parts.Len() == 0 {
		date := g.now().UTC().Format("2006-01-02")
		g.logger().Warn("No cache key inputs found, falling back to the current date",
			zap.String("date", date))
		return hashString(date), SourceDateFallback, nil
	}
	return hashString(parts.String()), SourceDerived, nil
}

// hashFile returns the hex digest of a file's content. ok is false when the
// path does not exist or is a directory.
func (g *Generator) hashFile(path string) (string, bool, error) {
	if !filepath.IsAbs(path) && g.Dir != "" {
		path = filepath.Join(g.Dir, path)
	}
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return "", false, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", false, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return hashBytes(data), true, nil
}

func (g *Generator) logger() *zap.Logger {
	if g.Logger == nil {
		return zap.NewNop()
	}
	return g.Logger
}

func (g *Generator) lookup(key string) (string, bool) {
	if g.Lookup == nil {
		return "", false
	}
	return g.Lookup(key)
}

func (g *Generator) now() time.Time {
	if g.Now == nil {
		return time.Now()
	}
	return g.Now()
}

func hashString(s string) string {
	return hashBytes([]byte(s))
}

func hashBytes(b []byte) string {
	sum := sha1.Sum(b)
	return hex.EncodeToString(sum[:])
}
