package provider_test

import (
	"context"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/lissto-dev/docker-cache/pkg/config"
	"github.com/lissto-dev/docker-cache/pkg/docker/dockertest"
	"github.com/lissto-dev/docker-cache/pkg/provider"
)

var _ = Describe("Artifactory", func() {
	var (
		docker *dockertest.FakeDocker
		p      provider.Provider
		cfg    *config.CacheConfig
	)

	BeforeEach(func() {
		docker = dockertest.New()
		var err error
		p, err = provider.New(config.ProviderArtifactory, provider.Deps{Docker: docker})
		Expect(err).ToNot(HaveOccurred())
		cfg = &config.CacheConfig{
			Provider: config.ProviderArtifactory,
			Image:    "app",
			Artifactory: config.ArtifactoryConfig{
				URL:           "https://acme.jfrog.io",
				Username:      "ci@acme.io",
				IdentityToken: "identity-token",
				Repository:    "docker-cache",
			},
		}
	})

	It("logs in with the identity token", func() {
		id, err := p.Setup(context.Background(), cfg)
		Expect(err).ToNot(HaveOccurred())
		Expect(docker.Calls).To(ContainElement("login ci@acme.io acme.jfrog.io"))
		Expect(p.ImageReference(cfg, id, "cache-k")).To(Equal("acme.jfrog.io/docker-cache/app:cache-k"))
		Expect(p.EnsureRepository(context.Background(), cfg, id)).To(Succeed())
	})

	It("keeps extra URL path components before the repository", func() {
		cfg.Artifactory.URL = "registry.acme.io:8443/artifactory/"
		id, err := p.Setup(context.Background(), cfg)
		Expect(err).ToNot(HaveOccurred())
		Expect(p.ImageReference(cfg, id, "latest")).To(Equal("registry.acme.io:8443/artifactory/docker-cache/app:latest"))
	})

	It("uses the configured fallback tag", func() {
		Expect(p.FallbackTag(cfg)).To(Equal("latest"))
		cfg.Artifactory.FallbackTag = "main"
		Expect(p.FallbackTag(cfg)).To(Equal("main"))
	})

	DescribeTable("requires credentials",
		func(mutate func(*config.ArtifactoryConfig), field string) {
			mutate(&cfg.Artifactory)
			_, err := p.Setup(context.Background(), cfg)
			Expect(err).To(MatchError(provider.ErrInvalidParameter))
			Expect(err.Error()).To(ContainSubstring("artifactory." + field))
			Expect(docker.Logins).To(BeEmpty())
		},
		Entry("url", func(a *config.ArtifactoryConfig) { a.URL = "" }, "url"),
		Entry("username", func(a *config.ArtifactoryConfig) { a.Username = "" }, "username"),
		Entry("identity token", func(a *config.ArtifactoryConfig) { a.IdentityToken = "" }, "identity-token"),
		Entry("malformed url", func(a *config.ArtifactoryConfig) { a.URL = "https://bad_host!" }, "url"),
	)

	DescribeTable("ParseRegistryURL",
		func(raw, host string, path []string) {
			h, p, err := provider.ParseRegistryURL(raw)
			Expect(err).ToNot(HaveOccurred())
			Expect(h).To(Equal(host))
			if path == nil {
				Expect(p).To(BeEmpty())
			} else {
				Expect(p).To(Equal(path))
			}
		},
		Entry("bare host", "acme.jfrog.io", "acme.jfrog.io", nil),
		Entry("scheme and trailing slash", "https://acme.jfrog.io/", "acme.jfrog.io", nil),
		Entry("port", "http://localhost:5000", "localhost:5000", nil),
		Entry("path", "acme.jfrog.io/artifactory/api", "acme.jfrog.io", []string{"artifactory", "api"}),
	)

	DescribeTable("ParseRegistryURL rejects",
		func(raw string) {
			_, _, err := provider.ParseRegistryURL(raw)
			Expect(err).To(HaveOccurred())
		},
		Entry("empty", ""),
		Entry("too short", "ab"),
		Entry("invalid characters", "acme_jfrog!.io"),
		Entry("port out of range", "acme.jfrog.io:70000"),
		Entry("non numeric port", "acme.jfrog.io:http"),
	)
})
