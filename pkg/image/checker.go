package image

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/remote/transport"
	"github.com/lissto-dev/docker-cache/pkg/logging"
	"go.uber.org/zap"
)

// RemoteChecker probes whether an image reference exists in its registry
type RemoteChecker interface {
	Exists(ctx context.Context, ref string) (bool, error)
}

// ImageMetadata contains information about a remote image
type ImageMetadata struct {
	Exists    bool
	Digest    string
	MediaType string
	Size      int64
}

// ImageExistenceChecker checks if container images exist in registries.
// It reads credentials from the docker config written by the provider login.
type ImageExistenceChecker struct {
	keychain authn.Keychain
	options  []remote.Option
	nameOpts []name.Option
}

// NewImageExistenceChecker creates a checker that authenticates with the default docker keychain
func NewImageExistenceChecker() *ImageExistenceChecker {
	return &ImageExistenceChecker{keychain: authn.DefaultKeychain}
}

// NewImageExistenceCheckerWithOptions creates a checker with a custom keychain and extra remote options.
// Insecure allows plain-HTTP registries, which is only meant for local test registries.
func NewImageExistenceCheckerWithOptions(keychain authn.Keychain, insecure bool, opts ...remote.Option) *ImageExistenceChecker {
	if keychain == nil {
		keychain = authn.NewMultiKeychain()
	}
	iec := &ImageExistenceChecker{keychain: keychain, options: opts}
	if insecure {
		iec.nameOpts = append(iec.nameOpts, name.Insecure)
	}
	return iec
}

// Exists implements RemoteChecker. A missing manifest is a cache miss, never an error.
func (iec *ImageExistenceChecker) Exists(ctx context.Context, ref string) (bool, error) {
	metadata, err := iec.CheckImageExists(ctx, ref)
	if err != nil {
		return false, err
	}
	return metadata.Exists, nil
}

// CheckImageExists fetches the manifest descriptor for imageURL with a HEAD request.
// Not-found, unauthorized and transport failures are reported as Exists=false so
// they drive the fallback logic. Only malformed references return an error.
func (iec *ImageExistenceChecker) CheckImageExists(ctx context.Context, imageURL string) (*ImageMetadata, error) {
	logging.Logger.Debug("Checking image existence",
		zap.String("image", imageURL))

	ref, err := name.ParseReference(imageURL, iec.nameOpts...)
	if err != nil {
		logging.Logger.Debug("Failed to parse image reference",
			zap.String("image", imageURL),
			zap.Error(err))
		return &ImageMetadata{Exists: false}, fmt.Errorf("failed to parse image reference: %w", err)
	}

	opts := append([]remote.Option{
		remote.WithContext(ctx),
		remote.WithAuthFromKeychain(iec.keychain),
	}, iec.options...)

	desc, err := remote.Head(ref, opts...)
	if err != nil {
		logging.Logger.Debug("Image not found in registry",
			zap.String("image", imageURL),
			zap.Int("status", statusCode(err)),
			zap.Error(err))
		return &ImageMetadata{Exists: false}, nil
	}

	logging.Logger.Debug("Image exists in registry",
		zap.String("image", imageURL),
		zap.String("digest", desc.Digest.String()),
		zap.String("media_type", string(desc.MediaType)))

	return &ImageMetadata{
		Exists:    true,
		Digest:    desc.Digest.String(),
		MediaType: string(desc.MediaType),
		Size:      desc.Size,
	}, nil
}

// statusCode extracts the registry HTTP status from a transport error, or 0
func statusCode(err error) int {
	var terr *transport.Error
	if errors.As(err, &terr) {
		return terr.StatusCode
	}
	return 0
}
