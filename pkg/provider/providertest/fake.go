// Package providertest provides fakes for the cloud SDK clients used by the
// provider adapters, plus a static Provider.
package providertest

import (
	"context"
	"encoding/base64"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ecr"
	ecrtypes "github.com/aws/aws-sdk-go-v2/service/ecr/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"

	"github.com/lissto-dev/docker-cache/pkg/config"
	"github.com/lissto-dev/docker-cache/pkg/image"
	"github.com/lissto-dev/docker-cache/pkg/provider"
)

// ECRClient is an in-memory provider.ECRAPI
type ECRClient struct {
	mu sync.Mutex

	Username string
	Password string
	TokenErr error

	// Repositories that already exist
	Repositories map[string]bool
	DescribeErr  error
	CreateErr    error
	Created      []string
}

// NewECRClient creates a client issuing AWS:<password> tokens
func NewECRClient(password string) *ECRClient {
	return &ECRClient{Username: "AWS", Password: password, Repositories: map[string]bool{}}
}

// GetAuthorizationToken implements provider.ECRAPI
func (c *ECRClient) GetAuthorizationToken(context.Context, *ecr.GetAuthorizationTokenInput, ...func(*ecr.Options)) (*ecr.GetAuthorizationTokenOutput, error) {
	if c.TokenErr != nil {
		return nil, c.TokenErr
	}
	token := base64.StdEncoding.EncodeToString([]byte(c.Username + ":" + c.Password))
	return &ecr.GetAuthorizationTokenOutput{
		AuthorizationData: []ecrtypes.AuthorizationData{{AuthorizationToken: aws.String(token)}},
	}, nil
}

// DescribeRepositories implements provider.ECRAPI
func (c *ECRClient) DescribeRepositories(_ context.Context, in *ecr.DescribeRepositoriesInput, _ ...func(*ecr.Options)) (*ecr.DescribeRepositoriesOutput, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.DescribeErr != nil {
		return nil, c.DescribeErr
	}
	out := &ecr.DescribeRepositoriesOutput{}
	for _, name := range in.RepositoryNames {
		if !c.Repositories[name] {
			return nil, &ecrtypes.RepositoryNotFoundException{Message: aws.String("repository " + name + " not found")}
		}
		out.Repositories = append(out.Repositories, ecrtypes.Repository{RepositoryName: aws.String(name)})
	}
	return out, nil
}

// CreateRepository implements provider.ECRAPI
func (c *ECRClient) CreateRepository(_ context.Context, in *ecr.CreateRepositoryInput, _ ...func(*ecr.Options)) (*ecr.CreateRepositoryOutput, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	name := aws.ToString(in.RepositoryName)
	c.Created = append(c.Created, name)
	if c.CreateErr != nil {
		return nil, c.CreateErr
	}
	c.Repositories[name] = true
	return &ecr.CreateRepositoryOutput{Repository: &ecrtypes.Repository{RepositoryName: in.RepositoryName}}, nil
}

// STSClient is a fixed-account provider.STSAPI
type STSClient struct {
	Account string
	Calls   int
}

// GetCallerIdentity implements provider.STSAPI
func (c *STSClient) GetCallerIdentity(context.Context, *sts.GetCallerIdentityInput, ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error) {
	c.Calls++
	return &sts.GetCallerIdentityOutput{Account: aws.String(c.Account)}, nil
}

// AWSClients wires the fakes. The ambient region is used when the
// configuration leaves the region empty.
func AWSClients(ecrClient provider.ECRAPI, stsClient provider.STSAPI, ambientRegion string) provider.AWSClients {
	return provider.AWSClients{
		LoadConfig: func(_ context.Context, region string) (aws.Config, error) {
			if region == "" {
				region = ambientRegion
			}
			return aws.Config{Region: region}, nil
		},
		NewECR: func(aws.Config) provider.ECRAPI { return ecrClient },
		NewSTS: func(aws.Config) provider.STSAPI { return stsClient },
	}
}

// Static is a Provider with a fixed identity and no authentication
type Static struct {
	ID        provider.Identity
	Fallback    string
	ValidateErr error
	SetupErr    error
	EnsureErr   error

	SetupCalls  int
	EnsureCalls int
}

// Name implements provider.Provider
func (s *Static) Name() string { return "static" }

// ValidateParams implements provider.Provider
func (s *Static) ValidateParams(*config.CacheConfig) error { return s.ValidateErr }

// Setup implements provider.Provider
func (s *Static) Setup(context.Context, *config.CacheConfig) (*provider.Identity, error) {
	s.SetupCalls++
	if s.SetupErr != nil {
		return nil, s.SetupErr
	}
	id := s.ID
	return &id, nil
}

// ImageReference implements provider.Provider
func (s *Static) ImageReference(cfg *config.CacheConfig, id *provider.Identity, tag string) string {
	return image.Reference(id.Registry, append(append([]string{}, id.RepositoryPath...), cfg.Image), tag)
}

// FallbackTag implements provider.Provider
func (s *Static) FallbackTag(*config.CacheConfig) string {
	if s.Fallback != "" {
		return s.Fallback
	}
	return provider.DefaultFallbackTag
}

// EnsureRepository implements provider.Provider
func (s *Static) EnsureRepository(context.Context, *config.CacheConfig, *provider.Identity) error {
	s.EnsureCalls++
	return s.EnsureErr
}

// Factory returns a provider.Factory that always yields p
func Factory(p provider.Provider) provider.Factory {
	return func(string) (provider.Provider, error) { return p, nil }
}
