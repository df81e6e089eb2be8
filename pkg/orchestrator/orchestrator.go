// Package orchestrator sequences one cache run: configuration, provider
// login, cache key, restore, build and save.
package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lissto-dev/docker-cache/pkg/cachekey"
	"github.com/lissto-dev/docker-cache/pkg/config"
	"github.com/lissto-dev/docker-cache/pkg/docker"
	"github.com/lissto-dev/docker-cache/pkg/image"
	"github.com/lissto-dev/docker-cache/pkg/logging"
	"github.com/lissto-dev/docker-cache/pkg/provider"
	"github.com/lissto-dev/docker-cache/pkg/strategy"
)

// KeyTagPrefix prefixes the cache key in keyed tags
const KeyTagPrefix = "cache"

var (
	// ErrSetupFailed wraps provider selection and authentication failures
	ErrSetupFailed = errors.New("provider setup failed")
	// ErrRestoreFailed wraps fatal restore failures
	ErrRestoreFailed = errors.New("cache restore failed")
	// ErrBuildFailed wraps build failures
	ErrBuildFailed = errors.New("image build failed")
	// ErrSaveFailed wraps save failures. The image is usable when it is returned.
	ErrSaveFailed = errors.New("cache save failed")
)

// KeyGenerator produces the cache key for a configuration
type KeyGenerator interface {
	GenerateWithSource(cfg *config.CacheConfig) (string, cachekey.Source, error)
}

// Orchestrator runs the cache flow against injected collaborators
type Orchestrator struct {
	Providers provider.Factory
	Builder   docker.Builder
	Checker   image.RemoteChecker
	Keys      KeyGenerator
	Logger    *zap.Logger

	// NewRunID defaults to a random UUID
	NewRunID func() string
}

// New creates an orchestrator
func New(providers provider.Factory, builder docker.Builder, checker image.RemoteChecker, keys KeyGenerator) *Orchestrator {
	return &Orchestrator{
		Providers: providers,
		Builder:   builder,
		Checker:   checker,
		Keys:      keys,
	}
}

// Run executes one cache run. A Result is returned whenever the image was
// produced, including when the subsequent save fails.
func (o *Orchestrator) Run(ctx context.Context, cfg *config.CacheConfig) (*Result, error) {
	runID := o.runID()
	log := logging.WithRun(o.Logger, runID)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	mode, err := strategy.ParseMode(cfg.Strategy)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", config.ErrInvalidConfig, err)
	}

	log.Info("Starting docker cache run",
		zap.String("provider", cfg.Provider),
		zap.String("image", cfg.Image),
		zap.String("strategy", mode.String()))

	p, err := o.Providers(cfg.Provider)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSetupFailed, err)
	}
	id, err := p.Setup(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSetupFailed, err)
	}

	key, err := o.cacheKey(cfg, log)
	if err != nil {
		return nil, err
	}

	keyedTag := KeyTagPrefix + "-" + key
	refs := strategy.Refs{
		RemoteKeyed:    p.ImageReference(cfg, id, keyedTag),
		RemoteFallback: p.ImageReference(cfg, id, p.FallbackTag(cfg)),
		LocalKeyed:     image.Reference("", []string{cfg.Image}, keyedTag),
	}
	target := image.Reference("", []string{cfg.Image}, cfg.Tag)

	result := &Result{
		RunID:          runID,
		Provider:       p.Name(),
		Strategy:       mode,
		CacheKey:       key,
		Image:          cfg.Image,
		Tag:            cfg.Tag,
		Reference:      target,
		ExportVariable: cfg.ExportEnvVariable,
	}

	engine := &strategy.Engine{Checker: o.Checker, Builder: o.Builder, Logger: log}

	var outcome strategy.Outcome
	if cfg.RestoreEnabled() {
		outcome = engine.Restore(ctx, mode, refs)
		if outcome.Err != nil {
			return nil, fmt.Errorf("%w: %w", ErrRestoreFailed, outcome.Err)
		}
	} else {
		log.Info("Cache restore disabled")
	}
	result.CacheHit = outcome.Hit
	result.CacheFrom = outcome.CacheFrom

	if outcome.Hit && cfg.SkipPullFromCache {
		// The restored image is only guaranteed under the keyed local name
		log.Info("Skipping build, image restored from cache", zap.String("image", refs.LocalKeyed))
		result.BuildSkipped = true
		result.Reference = refs.LocalKeyed
		result.Tag = keyedTag
		return result, nil
	}

	if outcome.Hit {
		if err := o.materialize(ctx, refs, target, log); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrRestoreFailed, err)
		}
		result.BuildSkipped = true
	} else {
		if err := o.build(ctx, cfg, mode, outcome, refs, target); err != nil {
			return nil, err
		}
		logging.SuccessTo(log, "Image built", zap.String("image", target))
	}

	if !cfg.SaveEnabled() {
		log.Info("Cache save disabled")
		return result, nil
	}
	ensure := func(ctx context.Context) error {
		return p.EnsureRepository(ctx, cfg, id)
	}
	if err := engine.Save(ctx, mode, outcome, refs, ensure); err != nil {
		log.Error("Failed to save image to cache", zap.Error(err))
		return result, fmt.Errorf("%w: %w", ErrSaveFailed, err)
	}
	return result, nil
}

// cacheKey accepts an explicit key or derives one, logging which path was taken
func (o *Orchestrator) cacheKey(cfg *config.CacheConfig, log *zap.Logger) (string, error) {
	if cfg.CacheKey != "" {
		log.Info("Using provided cache key", zap.String("cache_key", cfg.CacheKey))
	} else {
		log.Info("No cache key provided, generating one from build inputs")
	}
	key, source, err := o.Keys.GenerateWithSource(cfg)
	if err != nil {
		return "", fmt.Errorf("failed to compute cache key: %w", err)
	}
	log.Info("Resolved cache key",
		zap.String("key", key),
		zap.String("source", string(source)))
	return key, nil
}

// materialize names a restored image under the keyed and target local references.
// A name is left alone only when it already resolves to the restored image.
func (o *Orchestrator) materialize(ctx context.Context, refs strategy.Refs, target string, log *zap.Logger) error {
	restored, ok := o.Builder.ImageID(ctx, refs.RemoteKeyed)
	if !ok {
		restored, ok = o.Builder.ImageID(ctx, refs.LocalKeyed)
	}
	if !ok {
		return fmt.Errorf("restored image %s is not in the local image store", refs.RemoteKeyed)
	}

	for _, alias := range []struct{ source, target string }{
		{refs.RemoteKeyed, refs.LocalKeyed},
		{refs.LocalKeyed, target},
	} {
		id, exists := o.Builder.ImageID(ctx, alias.target)
		if exists && id == restored {
			continue
		}
		if exists {
			log.Info("Replacing stale local tag", zap.String("image", alias.target), zap.String("previous_id", id))
		}
		if err := o.Builder.Tag(ctx, alias.source, alias.target); err != nil {
			return err
		}
	}
	log.Info("Using cached image, build skipped", zap.String("image", target))
	return nil
}

func (o *Orchestrator) build(ctx context.Context, cfg *config.CacheConfig, mode strategy.Mode, outcome strategy.Outcome, refs strategy.Refs, target string) error {
	opts := docker.BuildOptions{
		Dockerfile:     cfg.Dockerfile,
		Context:        cfg.Context,
		Target:         cfg.Target,
		Tags:           []string{refs.LocalKeyed},
		BuildArgs:      cfg.BuildArgs,
		Secrets:        cfg.Secrets,
		CacheFrom:      outcome.CacheFrom,
		InlineCache:    mode.UsesLayerCache(),
		AdditionalArgs: cfg.AdditionalBuildArgs,
	}
	if err := o.Builder.Build(ctx, opts); err != nil {
		return fmt.Errorf("%w: %w", ErrBuildFailed, err)
	}
	if err := o.Builder.Tag(ctx, refs.LocalKeyed, target); err != nil {
		return fmt.Errorf("%w: %w", ErrBuildFailed, err)
	}
	return nil
}

func (o *Orchestrator) runID() string {
	if o.NewRunID != nil {
		return o.NewRunID()
	}
	return uuid.NewString()
}

