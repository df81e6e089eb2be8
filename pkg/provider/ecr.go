package provider

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ecr"
	ecrtypes "github.com/aws/aws-sdk-go-v2/service/ecr/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"

	"github.com/lissto-dev/docker-cache/pkg/config"
)

var (
	awsAccountPattern = regexp.MustCompile(`^[0-9]{12}$`)
	awsRegionPattern  = regexp.MustCompile(`^[a-z]{2}(-[a-z]+)+-[0-9]$`)
)

// ECRAPI is the subset of the ECR client used by the adapter
type ECRAPI interface {
	GetAuthorizationToken(ctx context.Context, in *ecr.GetAuthorizationTokenInput, optFns ...func(*ecr.Options)) (*ecr.GetAuthorizationTokenOutput, error)
	DescribeRepositories(ctx context.Context, in *ecr.DescribeRepositoriesInput, optFns ...func(*ecr.Options)) (*ecr.DescribeRepositoriesOutput, error)
	CreateRepository(ctx context.Context, in *ecr.CreateRepositoryInput, optFns ...func(*ecr.Options)) (*ecr.CreateRepositoryOutput, error)
}

// STSAPI is the subset of the STS client used to discover the account id
type STSAPI interface {
	GetCallerIdentity(ctx context.Context, in *sts.GetCallerIdentityInput, optFns ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error)
}

// AWSClients builds AWS clients from the ambient credential chain
type AWSClients struct {
	LoadConfig func(ctx context.Context, region string) (aws.Config, error)
	NewECR     func(cfg aws.Config) ECRAPI
	NewSTS     func(cfg aws.Config) STSAPI
}

// DefaultAWSClients returns clients backed by the AWS SDK default config chain
func DefaultAWSClients() AWSClients {
	return AWSClients{
		LoadConfig: func(ctx context.Context, region string) (aws.Config, error) {
			opts := []func(*awsconfig.LoadOptions) error{}
			if region != "" {
				opts = append(opts, awsconfig.WithRegion(region))
			}
			cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
			if err != nil {
				return aws.Config{}, fmt.Errorf("error loading AWS configuration: %w", err)
			}
			return cfg, nil
		},
		NewECR: func(cfg aws.Config) ECRAPI { return ecr.NewFromConfig(cfg) },
		NewSTS: func(cfg aws.Config) STSAPI { return sts.NewFromConfig(cfg) },
	}
}

// ECR is the AWS Elastic Container Registry adapter
type ECR struct {
	deps   Deps
	client ECRAPI
}

// Name implements Provider
func (p *ECR) Name() string { return config.ProviderECR }

// ValidateParams implements Provider. Region and account may be left empty
// and are detected during Setup.
func (p *ECR) ValidateParams(cfg *config.CacheConfig) error {
	params := cfg.ECR
	if params.AccountID != "" && !awsAccountPattern.MatchString(params.AccountID) {
		return invalidParam(p.Name(), "account-id", "%q must be a 12 digit AWS account id", params.AccountID)
	}
	if params.Region != "" && !awsRegionPattern.MatchString(params.Region) {
		return invalidParam(p.Name(), "region", "%q is not an AWS region (e.g. us-east-1)", params.Region)
	}
	return nil
}

// Setup resolves region and account, then logs docker in with an ECR authorization token
func (p *ECR) Setup(ctx context.Context, cfg *config.CacheConfig) (*Identity, error) {
	if err := p.ValidateParams(cfg); err != nil {
		return nil, err
	}
	params := cfg.ECR
	if p.deps.AWS.LoadConfig == nil {
		return nil, authFailed(p.Name(), errors.New("no AWS client factory configured"), "")
	}

	awsCfg, err := p.deps.AWS.LoadConfig(ctx, params.Region)
	if err != nil {
		return nil, authFailed(p.Name(), err, "configure AWS credentials for the agent")
	}

	region := params.Region
	if region == "" {
		region = awsCfg.Region
		if region == "" {
			return nil, invalidParam(p.Name(), "region", "not set and no region found in the AWS configuration")
		}
		if !awsRegionPattern.MatchString(region) {
			return nil, invalidParam(p.Name(), "region", "detected region %q is not an AWS region", region)
		}
		p.deps.Logger.Info("Detected AWS region from environment", zap.String("region", region))
	}

	account := params.AccountID
	if account == "" {
		out, err := p.deps.AWS.NewSTS(awsCfg).GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
		if err != nil {
			return nil, authFailed(p.Name(), err, "requires sts:GetCallerIdentity")
		}
		account = aws.ToString(out.Account)
		if !awsAccountPattern.MatchString(account) {
			return nil, invalidParam(p.Name(), "account-id", "detected account %q is not a 12 digit AWS account id", account)
		}
		p.deps.Logger.Info("Detected AWS account from caller identity", zap.String("account_id", account))
	}

	p.client = p.deps.AWS.NewECR(awsCfg)
	out, err := p.client.GetAuthorizationToken(ctx, &ecr.GetAuthorizationTokenInput{})
	if err != nil {
		return nil, authFailed(p.Name(), err, "requires ecr:GetAuthorizationToken")
	}
	if len(out.AuthorizationData) == 0 {
		return nil, authFailed(p.Name(), errors.New("no authorization data returned"), "")
	}
	username, password, err := decodeECRToken(aws.ToString(out.AuthorizationData[0].AuthorizationToken))
	if err != nil {
		return nil, authFailed(p.Name(), err, "")
	}

	id := &Identity{
		Registry: ecrRegistryHost(account, region),
		Username: username,
		Token:    password,
		Region:   region,
		Account:  account,
	}
	if prefix := strings.Trim(params.RepositoryPrefix, "/"); prefix != "" {
		id.RepositoryPath = strings.Split(prefix, "/")
	}

	if err := login(ctx, p.deps, p.Name(), id.Registry, id.Username, id.Token); err != nil {
		return nil, err
	}
	return id, nil
}

// ImageReference implements Provider
func (p *ECR) ImageReference(cfg *config.CacheConfig, id *Identity, tag string) string {
	return imageReference(cfg, id, tag)
}

// FallbackTag implements Provider
func (p *ECR) FallbackTag(*config.CacheConfig) string { return DefaultFallbackTag }

// EnsureRepository creates the ECR repository on first use
func (p *ECR) EnsureRepository(ctx context.Context, cfg *config.CacheConfig, id *Identity) error {
	if p.client == nil {
		return errors.New("ecr: setup has not been run")
	}
	repository := strings.Join(append(append([]string{}, id.RepositoryPath...), cfg.Image), "/")

	_, err := p.client.DescribeRepositories(ctx, &ecr.DescribeRepositoriesInput{
		RegistryId:      aws.String(id.Account),
		RepositoryNames: []string{repository},
	})
	if err == nil {
		p.deps.Logger.Debug("ECR repository exists", zap.String("repository", repository))
		return nil
	}
	var notFound *ecrtypes.RepositoryNotFoundException
	if !errors.As(err, &notFound) {
		return fmt.Errorf("failed to describe ECR repository %s: %w", repository, withAPICode(err))
	}

	p.deps.Logger.Info("Creating ECR repository", zap.String("repository", repository))
	_, err = p.client.CreateRepository(ctx, &ecr.CreateRepositoryInput{
		RepositoryName:     aws.String(repository),
		ImageTagMutability: ecrtypes.ImageTagMutabilityMutable,
		ImageScanningConfiguration: &ecrtypes.ImageScanningConfiguration{
			ScanOnPush: true,
		},
	})
	if err != nil {
		var exists *ecrtypes.RepositoryAlreadyExistsException
		if errors.As(err, &exists) {
			return nil
		}
		return fmt.Errorf("failed to create ECR repository %s (requires ecr:CreateRepository): %w", repository, withAPICode(err))
	}
	return nil
}

func ecrRegistryHost(account, region string) string {
	domain := "amazonaws.com"
	if strings.HasPrefix(region, "cn-") {
		domain = "amazonaws.com.cn"
	}
	return fmt.Sprintf("%s.dkr.ecr.%s.%s", account, region, domain)
}

// decodeECRToken splits the base64 "user:password" authorization token
func decodeECRToken(token string) (string, string, error) {
	raw, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return "", "", fmt.Errorf("failed to decode ECR authorization token: %w", err)
	}
	user, password, ok := strings.Cut(string(raw), ":")
	if !ok || password == "" {
		return "", "", errors.New("malformed ECR authorization token")
	}
	return user, password, nil
}

func withAPICode(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("%s: %w", apiErr.ErrorCode(), err)
	}
	return err
}
