package provider_test

import (
	"context"
	"errors"

	ecrtypes "github.com/aws/aws-sdk-go-v2/service/ecr/types"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/lissto-dev/docker-cache/pkg/config"
	"github.com/lissto-dev/docker-cache/pkg/docker/dockertest"
	"github.com/lissto-dev/docker-cache/pkg/provider"
	"github.com/lissto-dev/docker-cache/pkg/provider/providertest"
)

var _ = Describe("ECR", func() {
	var (
		docker    *dockertest.FakeDocker
		ecrClient *providertest.ECRClient
		stsClient *providertest.STSClient
		p         provider.Provider
		cfg       *config.CacheConfig
	)

	BeforeEach(func() {
		docker = dockertest.New()
		ecrClient = providertest.NewECRClient("secret-password")
		stsClient = &providertest.STSClient{Account: "123456789012"}
		p = newECR(docker, ecrClient, stsClient, "eu-west-1")
		cfg = &config.CacheConfig{Provider: config.ProviderECR, Image: "my-app"}
	})

	It("uses explicit region and account without calling STS", func() {
		cfg.ECR = config.ECRConfig{Region: "us-east-1", AccountID: "210987654321"}

		id, err := p.Setup(context.Background(), cfg)
		Expect(err).ToNot(HaveOccurred())
		Expect(id.Registry).To(Equal("210987654321.dkr.ecr.us-east-1.amazonaws.com"))
		Expect(id.Username).To(Equal("AWS"))
		Expect(id.Token).To(Equal("secret-password"))
		Expect(stsClient.Calls).To(BeZero())
		Expect(docker.Calls).To(ContainElement("login AWS 210987654321.dkr.ecr.us-east-1.amazonaws.com"))
		Expect(p.ImageReference(cfg, id, "cache-k")).To(Equal("210987654321.dkr.ecr.us-east-1.amazonaws.com/my-app:cache-k"))
	})

	It("detects region and account from the environment", func() {
		id, err := p.Setup(context.Background(), cfg)
		Expect(err).ToNot(HaveOccurred())
		Expect(id.Region).To(Equal("eu-west-1"))
		Expect(id.Account).To(Equal("123456789012"))
		Expect(stsClient.Calls).To(Equal(1))
	})

	It("uses the China partition domain for cn regions", func() {
		cfg.ECR.Region = "cn-north-1"
		id, err := p.Setup(context.Background(), cfg)
		Expect(err).ToNot(HaveOccurred())
		Expect(id.Registry).To(Equal("123456789012.dkr.ecr.cn-north-1.amazonaws.com.cn"))
	})

	It("places the repository prefix in the path", func() {
		cfg.ECR.RepositoryPrefix = "/ci/cache/"
		id, err := p.Setup(context.Background(), cfg)
		Expect(err).ToNot(HaveOccurred())
		Expect(p.ImageReference(cfg, id, "latest")).To(Equal("123456789012.dkr.ecr.eu-west-1.amazonaws.com/ci/cache/my-app:latest"))
	})

	DescribeTable("rejects malformed parameters",
		func(params config.ECRConfig, field string) {
			cfg.ECR = params
			_, err := p.Setup(context.Background(), cfg)
			Expect(err).To(MatchError(provider.ErrInvalidParameter))
			Expect(err.Error()).To(ContainSubstring("ecr." + field))
			Expect(docker.Logins).To(BeEmpty())
		},
		Entry("short account", config.ECRConfig{AccountID: "12345"}, "account-id"),
		Entry("alpha account", config.ECRConfig{AccountID: "12345678901a"}, "account-id"),
		Entry("bad region", config.ECRConfig{Region: "useast1"}, "region"),
	)

	It("fails when no region can be determined", func() {
		p = newECR(docker, ecrClient, stsClient, "")
		_, err := p.Setup(context.Background(), cfg)
		Expect(err).To(MatchError(provider.ErrInvalidParameter))
	})

	It("reports authorization failures", func() {
		ecrClient.TokenErr = errors.New("AccessDenied")
		_, err := p.Setup(context.Background(), cfg)
		Expect(err).To(MatchError(provider.ErrAuthentication))
		Expect(err.Error()).To(ContainSubstring("ecr:GetAuthorizationToken"))
	})

	It("rejects a malformed authorization token", func() {
		ecrClient.Password = ""
		_, err := p.Setup(context.Background(), cfg)
		Expect(err).To(MatchError(provider.ErrAuthentication))
	})

	Describe("EnsureRepository", func() {
		It("creates a missing repository", func() {
			cfg.ECR.RepositoryPrefix = "ci"
			id, err := p.Setup(context.Background(), cfg)
			Expect(err).ToNot(HaveOccurred())

			Expect(p.EnsureRepository(context.Background(), cfg, id)).To(Succeed())
			Expect(ecrClient.Created).To(Equal([]string{"ci/my-app"}))
		})

		It("does nothing when the repository exists", func() {
			ecrClient.Repositories["my-app"] = true
			id, err := p.Setup(context.Background(), cfg)
			Expect(err).ToNot(HaveOccurred())
			Expect(p.EnsureRepository(context.Background(), cfg, id)).To(Succeed())
			Expect(ecrClient.Created).To(BeEmpty())
		})

		It("tolerates a concurrent create", func() {
			ecrClient.CreateErr = &ecrtypes.RepositoryAlreadyExistsException{}
			id, err := p.Setup(context.Background(), cfg)
			Expect(err).ToNot(HaveOccurred())
			Expect(p.EnsureRepository(context.Background(), cfg, id)).To(Succeed())
		})

		It("surfaces other describe failures", func() {
			ecrClient.DescribeErr = errors.New("throttled")
			id, err := p.Setup(context.Background(), cfg)
			Expect(err).ToNot(HaveOccurred())
			Expect(p.EnsureRepository(context.Background(), cfg, id)).To(MatchError(ContainSubstring("throttled")))
		})
	})
})

func newECR(docker *dockertest.FakeDocker, ecrClient provider.ECRAPI, stsClient provider.STSAPI, region string) provider.Provider {
	p, err := provider.New(config.ProviderECR, provider.Deps{
		Docker: docker,
		AWS:    providertest.AWSClients(ecrClient, stsClient, region),
	})
	Expect(err).ToNot(HaveOccurred())
	return p
}
