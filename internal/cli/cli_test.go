package cli

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/lissto-dev/docker-cache/pkg/config"
	"github.com/lissto-dev/docker-cache/pkg/orchestrator"
	"github.com/lissto-dev/docker-cache/pkg/provider"
	"github.com/lissto-dev/docker-cache/pkg/strategy"
)

var _ = Describe("docker-cache command", func() {
	var (
		env     map[string]string
		a       *app
		stdout  *bytes.Buffer
		ran     []*config.CacheConfig
		result  *orchestrator.Result
		runErr  error
		tempDir string
	)

	execute := func(args ...string) error {
		root := newRootCommand(a)
		root.SetArgs(args)
		root.SetOut(stdout)
		root.SetErr(io.Discard)
		return root.Execute()
	}

	writeConfig := func(body string) string {
		path := filepath.Join(tempDir, "cache.yaml")
		Expect(os.WriteFile(path, []byte(body), 0o600)).To(Succeed())
		return path
	}

	BeforeEach(func() {
		tempDir = GinkgoT().TempDir()
		env = map[string]string{}
		stdout = &bytes.Buffer{}
		ran = nil
		result = &orchestrator.Result{
			Strategy:       strategy.ModeHybrid,
			CacheKey:       "abc",
			Image:          "my-app",
			Tag:            "latest",
			Reference:      "my-app:latest",
			CacheHit:       true,
			ExportVariable: "BUILDKITE_PLUGIN_DOCKER_IMAGE",
		}
		runErr = nil
		a = &app{
			lookup: func(k string) (string, bool) {
				v, ok := env[k]
				return v, ok
			},
			dir: tempDir,
			run: func(_ context.Context, cfg *config.CacheConfig, _, _ io.Writer) (*orchestrator.Result, error) {
				ran = append(ran, cfg)
				return result, runErr
			},
		}
	})

	Describe("validate", func() {
		It("accepts a valid file", func() {
			path := writeConfig("provider: acr\nimage: team/app\nacr:\n  registry-name: myregistry\n")
			Expect(execute("validate", "--config", path)).To(Succeed())
			Expect(stdout.String()).To(ContainSubstring("configuration is valid (provider=acr, strategy=hybrid, image=team/app)"))
		})

		It("reads the plugin environment without a file", func() {
			env["BUILDKITE_PLUGIN_DOCKER_CACHE_PROVIDER"] = "buildkite"
			env["BUILDKITE_PLUGIN_DOCKER_CACHE_IMAGE"] = "app"
			env["BUILDKITE_PLUGIN_DOCKER_CACHE_BUILDKITE_REGISTRY_SLUG"] = "images"
			env["BUILDKITE_PLUGIN_DOCKER_CACHE_BUILDKITE_API_TOKEN"] = "$BUILDKITE_API_TOKEN"
			env["BUILDKITE_ORGANIZATION_SLUG"] = "acme"
			env["BUILDKITE_API_TOKEN"] = "bkua_token"
			Expect(execute("validate")).To(Succeed())
			Expect(stdout.String()).To(ContainSubstring("provider=buildkite"))
		})

		DescribeTable("reports provider parameter errors without logging in",
			func(body, param string) {
				path := writeConfig(body)
				err := execute("validate", "--config", path)
				Expect(err).To(MatchError(provider.ErrInvalidParameter))
				Expect(err.Error()).To(ContainSubstring(param))
				Expect(stdout.String()).To(BeEmpty())
			},
			Entry("ecr account id", "provider: ecr\nimage: app\necr:\n  account-id: \"12345\"\n", "ecr.account-id"),
			Entry("acr login server", "provider: acr\nimage: app\nacr:\n  registry-name: myregistry\n  login-server: \"bad_host!\"\n", "acr.login-server"),
			Entry("gar project", "provider: gar\nimage: app\ngar:\n  project: P\n", "gar.project"),
			Entry("artifactory url", "provider: artifactory\nimage: app\nartifactory:\n  url: \"-bad-\"\n  username: ci\n  identity-token: t\n", "artifactory.url"),
			Entry("buildkite slug", "provider: buildkite\nimage: app\nbuildkite:\n  org-slug: Acme\n  registry-slug: images\n", "buildkite.org-slug"),
		)

		It("names the offending parameter", func() {
			path := writeConfig("provider: ecr\nimage: app\nstrategy: eager\n")
			err := execute("validate", "--config", path)
			Expect(err).To(MatchError(config.ErrInvalidConfig))
			Expect(err.Error()).To(ContainSubstring("strategy"))
		})
	})

	Describe("key", func() {
		It("prints a literal key and its source", func() {
			path := writeConfig("provider: ecr\nimage: app\ncache-key: my-key,other-key\n")
			Expect(execute("key", "--config", path)).To(Succeed())

			sum := sha1.Sum([]byte("my-key,other-key"))
			Expect(stdout.String()).To(Equal(hex.EncodeToString(sum[:]) + " explicit-literal\n"))
		})

		It("derives a key from files in the working directory", func() {
			Expect(os.WriteFile(filepath.Join(tempDir, "Dockerfile"), []byte("FROM scratch\n"), 0o600)).To(Succeed())
			env["BUILDKITE_PLUGIN_DOCKER_CACHE_PROVIDER"] = "ecr"
			env["BUILDKITE_PLUGIN_DOCKER_CACHE_IMAGE"] = "app"
			Expect(execute("key")).To(Succeed())
			Expect(stdout.String()).To(MatchRegexp(`^[0-9a-f]{40} derived\n$`))
		})
	})

	Describe("run", func() {
		BeforeEach(func() {
			env["BUILDKITE_PLUGIN_DOCKER_CACHE_PROVIDER"] = "ecr"
			env["BUILDKITE_PLUGIN_DOCKER_CACHE_IMAGE"] = "my-app"
		})

		It("is the default command and exports the result", func() {
			exportFile := filepath.Join(tempDir, "job.env")
			Expect(execute("--export-file", exportFile)).To(Succeed())
			Expect(ran).To(HaveLen(1))
			Expect(ran[0].Image).To(Equal("my-app"))

			vars, err := godotenv.Read(exportFile)
			Expect(err).ToNot(HaveOccurred())
			Expect(vars).To(HaveKeyWithValue("BUILDKITE_PLUGIN_DOCKER_IMAGE", "my-app:latest"))
			Expect(vars).To(HaveKeyWithValue("DOCKER_CACHE_HIT", "true"))
			Expect(stdout.String()).To(ContainSubstring("DOCKER_CACHE_KEY=abc\n"))
		})

		It("falls back to the job env file", func() {
			exportFile := filepath.Join(tempDir, "agent.env")
			env["BUILDKITE_ENV_FILE"] = exportFile
			Expect(execute("run")).To(Succeed())
			Expect(exportFile).To(BeAnExistingFile())
		})

		It("exports the image and still fails when the save failed", func() {
			runErr = orchestrator.ErrSaveFailed
			exportFile := filepath.Join(tempDir, "job.env")

			err := execute("run", "--export-file", exportFile)
			Expect(errors.Is(err, orchestrator.ErrSaveFailed)).To(BeTrue())
			Expect(exportFile).To(BeAnExistingFile())
		})

		It("exports nothing when the run produced no image", func() {
			result = nil
			runErr = orchestrator.ErrBuildFailed

			Expect(execute("run")).To(MatchError(orchestrator.ErrBuildFailed))
			Expect(stdout.String()).To(BeEmpty())
		})

		It("rejects malformed plugin booleans before running", func() {
			env["BUILDKITE_PLUGIN_DOCKER_CACHE_SAVE"] = "maybe"
			Expect(execute("run")).To(MatchError(config.ErrInvalidConfig))
			Expect(ran).To(BeEmpty())
		})
	})
})
