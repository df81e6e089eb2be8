// Package strategy decides how a cached image is restored before a build and
// saved after it. The engine is provider agnostic: providers only supply the
// references and the repository ensure step.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/lissto-dev/docker-cache/pkg/docker"
	"github.com/lissto-dev/docker-cache/pkg/image"
	"github.com/lissto-dev/docker-cache/pkg/logging"
)

// Mode is a cache strategy
type Mode string

// Supported modes
const (
	// ModeArtifact reuses the whole image and fails when a present image cannot be pulled
	ModeArtifact Mode = "artifact"
	// ModeBuild only uses the cached image as a layer cache hint
	ModeBuild Mode = "build"
	// ModeHybrid tries a full restore and degrades to a layer cache hint
	ModeHybrid Mode = "hybrid"
)

var (
	// ErrUnknownMode is returned by ParseMode
	ErrUnknownMode = errors.New("unknown cache strategy")
	// ErrPullFailed marks an artifact restore whose pull did not succeed
	ErrPullFailed = errors.New("failed to restore cached image")
	// ErrLocalImageMissing marks an artifact save without a built image
	ErrLocalImageMissing = errors.New("built image not found locally")
	// ErrPushFailed marks a failed push of the keyed cache image
	ErrPushFailed = errors.New("failed to push cache image")
	// ErrRepository marks a failed repository ensure step
	ErrRepository = errors.New("failed to prepare cache repository")
)

// ParseMode parses a strategy name. The empty string selects hybrid.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return ModeHybrid, nil
	case ModeArtifact, ModeBuild, ModeHybrid:
		return m, nil
	default:
		return "", fmt.Errorf("%w: %q (expected artifact, build or hybrid)", ErrUnknownMode, s)
	}
}

// UsesLayerCache reports whether builds in this mode are primed with a cache-from hint
func (m Mode) UsesLayerCache() bool {
	return m == ModeBuild || m == ModeHybrid
}

func (m Mode) String() string { return string(m) }

// Refs are the references one run works with
type Refs struct {
	RemoteKeyed    string
	RemoteFallback string
	LocalKeyed     string
}

// Outcome is the result of a restore attempt
type Outcome struct {
	Hit       bool
	CacheFrom string
	Err       error
}

// RepositoryEnsurer makes sure the remote repository can receive a push
type RepositoryEnsurer func(ctx context.Context) error

// Engine runs the restore and save decisions
type Engine struct {
	Checker image.RemoteChecker
	Builder docker.Builder
	Logger  *zap.Logger
}

// NewEngine creates an engine logging through the package logger
func NewEngine(checker image.RemoteChecker, builder docker.Builder) *Engine {
	return &Engine{Checker: checker, Builder: builder}
}

func (e *Engine) log() *zap.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return logging.Logger
}

// exists wraps the probe. A probe that cannot run is a miss.
func (e *Engine) exists(ctx context.Context, ref string) bool {
	ok, err := e.Checker.Exists(ctx, ref)
	if err != nil {
		e.log().Warn("Cache probe failed, treating as miss",
			zap.String("reference", ref),
			zap.Error(err))
		return false
	}
	return ok
}

// Restore probes the keyed image and, depending on mode, pulls it or turns it
// into a cache-from hint.
func (e *Engine) Restore(ctx context.Context, mode Mode, refs Refs) Outcome {
	log := e.log().With(zap.String("strategy", mode.String()))

	if !e.exists(ctx, refs.RemoteKeyed) {
		log.Info("Cache miss", zap.String("reference", refs.RemoteKeyed))
		if mode != ModeHybrid || refs.RemoteFallback == "" {
			return Outcome{}
		}
		if e.exists(ctx, refs.RemoteFallback) {
			log.Info("Using fallback image as layer cache", zap.String("cache_from", refs.RemoteFallback))
			return Outcome{CacheFrom: refs.RemoteFallback}
		}
		log.Info("No fallback image found, building without layer cache")
		return Outcome{}
	}

	if mode == ModeBuild {
		log.Info("Cached image found, using it as layer cache", zap.String("cache_from", refs.RemoteKeyed))
		return Outcome{CacheFrom: refs.RemoteKeyed}
	}

	log.Info("Cache hit, pulling image", zap.String("reference", refs.RemoteKeyed))
	err := e.pull(ctx, refs)
	if err == nil {
		logging.SuccessTo(log, "Restored image from cache", zap.String("image", refs.LocalKeyed))
		return Outcome{Hit: true}
	}

	if mode == ModeArtifact {
		log.Error("Failed to restore cached image", zap.Error(err))
		return Outcome{Err: err}
	}
	log.Warn("Failed to pull cached image, falling back to layer cache",
		zap.String("cache_from", refs.RemoteKeyed),
		zap.Error(err))
	return Outcome{CacheFrom: refs.RemoteKeyed}
}

// pull fetches the keyed image and names it under the canonical local reference
func (e *Engine) pull(ctx context.Context, refs Refs) error {
	if err := e.Builder.Pull(ctx, refs.RemoteKeyed); err != nil {
		return fmt.Errorf("%w: pull %s: %w", ErrPullFailed, refs.RemoteKeyed, err)
	}
	if err := e.Builder.Tag(ctx, refs.RemoteKeyed, refs.LocalKeyed); err != nil {
		return fmt.Errorf("%w: tag %s: %w", ErrPullFailed, refs.LocalKeyed, err)
	}
	return nil
}

// Save pushes the locally built image under the keyed and fallback references.
// Nothing is pushed after a restore hit.
func (e *Engine) Save(ctx context.Context, mode Mode, prior Outcome, refs Refs, ensure RepositoryEnsurer) error {
	log := e.log().With(zap.String("strategy", mode.String()))

	if prior.Hit {
		log.Info("Image was restored from cache, skipping save")
		return nil
	}

	if !e.Builder.ImageExists(ctx, refs.LocalKeyed) {
		if mode == ModeArtifact {
			return fmt.Errorf("%w: %s", ErrLocalImageMissing, refs.LocalKeyed)
		}
		log.Warn("Built image not found locally, skipping save", zap.String("image", refs.LocalKeyed))
		return nil
	}

	if ensure != nil {
		if err := ensure(ctx); err != nil {
			return fmt.Errorf("%w: %w", ErrRepository, err)
		}
	}

	if err := e.publish(ctx, refs.LocalKeyed, refs.RemoteKeyed); err != nil {
		return fmt.Errorf("%w: %w", ErrPushFailed, err)
	}
	logging.SuccessTo(log, "Saved image to cache", zap.String("reference", refs.RemoteKeyed))

	if refs.RemoteFallback == "" || refs.RemoteFallback == refs.RemoteKeyed {
		return nil
	}
	if err := e.publish(ctx, refs.LocalKeyed, refs.RemoteFallback); err != nil {
		log.Warn("Failed to push fallback tag",
			zap.String("reference", refs.RemoteFallback),
			zap.Error(err))
		return nil
	}
	log.Info("Pushed fallback tag", zap.String("reference", refs.RemoteFallback))
	return nil
}

func (e *Engine) publish(ctx context.Context, local, remote string) error {
	if err := e.Builder.Tag(ctx, local, remote); err != nil {
		return fmt.Errorf("tag %s: %w", remote, err)
	}
	if err := e.Builder.Push(ctx, remote); err != nil {
		return fmt.Errorf("push %s: %w", remote, err)
	}
	return nil
}
