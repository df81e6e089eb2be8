package strategy_test

import (
	"context"
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/lissto-dev/docker-cache/pkg/docker/dockertest"
	"github.com/lissto-dev/docker-cache/pkg/strategy"
)

var _ = Describe("ParseMode", func() {
	DescribeTable("accepts known modes",
		func(in string, expected strategy.Mode) {
			m, err := strategy.ParseMode(in)
			Expect(err).ToNot(HaveOccurred())
			Expect(m).To(Equal(expected))
		},
		Entry("artifact", "artifact", strategy.ModeArtifact),
		Entry("build", "build", strategy.ModeBuild),
		Entry("hybrid", "hybrid", strategy.ModeHybrid),
		Entry("mixed case", " Hybrid ", strategy.ModeHybrid),
		Entry("empty defaults to hybrid", "", strategy.ModeHybrid),
	)

	It("rejects unknown modes", func() {
		_, err := strategy.ParseMode("eager")
		Expect(err).To(MatchError(strategy.ErrUnknownMode))
	})

	It("reports layer cache usage", func() {
		Expect(strategy.ModeArtifact.UsesLayerCache()).To(BeFalse())
		Expect(strategy.ModeBuild.UsesLayerCache()).To(BeTrue())
		Expect(strategy.ModeHybrid.UsesLayerCache()).To(BeTrue())
	})
})

var _ = Describe("Engine", func() {
	const (
		keyed    = "registry.example.com/team/app:cache-abc"
		fallback = "registry.example.com/team/app:latest"
		local    = "app:cache-abc"
	)

	var (
		docker *dockertest.FakeDocker
		engine *strategy.Engine
		logs   *observer.ObservedLogs
		refs   strategy.Refs
		ctx    context.Context
	)

	BeforeEach(func() {
		ctx = context.Background()
		docker = dockertest.New()
		var core zapcore.Core
		core, logs = observer.New(zapcore.DebugLevel)
		engine = strategy.NewEngine(docker, docker)
		engine.Logger = zap.New(core)
		refs = strategy.Refs{RemoteKeyed: keyed, RemoteFallback: fallback, LocalKeyed: local}
	})

	Describe("Restore", func() {
		Context("artifact", func() {
			It("pulls and tags the keyed image on a hit", func() {
				docker.Remote[keyed] = "img-1"

				out := engine.Restore(ctx, strategy.ModeArtifact, refs)
				Expect(out).To(Equal(strategy.Outcome{Hit: true}))
				Expect(docker.Pulled(keyed)).To(BeTrue())
				Expect(docker.Local).To(HaveKeyWithValue(local, "img-1"))
			})

			It("fails when the pull fails", func() {
				docker.Remote[keyed] = "img-1"
				docker.PullErr[keyed] = errors.New("toomanyrequests")

				out := engine.Restore(ctx, strategy.ModeArtifact, refs)
				Expect(out.Hit).To(BeFalse())
				Expect(out.CacheFrom).To(BeEmpty())
				Expect(out.Err).To(MatchError(strategy.ErrPullFailed))
				Expect(out.Err.Error()).To(ContainSubstring("toomanyrequests"))
			})

			It("reports a plain miss without probing the fallback", func() {
				docker.Remote[fallback] = "old"

				out := engine.Restore(ctx, strategy.ModeArtifact, refs)
				Expect(out).To(Equal(strategy.Outcome{}))
				Expect(docker.CountPrefix("probe")).To(Equal(1))
				Expect(logs.FilterMessage("Cache miss").Len()).To(Equal(1))
			})
		})

		Context("build", func() {
			It("uses the keyed image as a hint without pulling", func() {
				docker.Remote[keyed] = "img-1"

				out := engine.Restore(ctx, strategy.ModeBuild, refs)
				Expect(out).To(Equal(strategy.Outcome{CacheFrom: keyed}))
				Expect(docker.CountPrefix("pull")).To(BeZero())
			})

			It("has no hint when the keyed image is absent", func() {
				docker.Remote[fallback] = "old"

				out := engine.Restore(ctx, strategy.ModeBuild, refs)
				Expect(out).To(Equal(strategy.Outcome{}))
			})
		})

		Context("hybrid", func() {
			It("behaves like artifact on a successful pull", func() {
				docker.Remote[keyed] = "img-1"

				out := engine.Restore(ctx, strategy.ModeHybrid, refs)
				Expect(out).To(Equal(strategy.Outcome{Hit: true}))
				Expect(docker.Local).To(HaveKey(local))
			})

			It("degrades to the keyed hint when the pull fails", func() {
				docker.Remote[keyed] = "img-1"
				docker.PullErr[keyed] = errors.New("unexpected EOF")

				out := engine.Restore(ctx, strategy.ModeHybrid, refs)
				Expect(out.Hit).To(BeFalse())
				Expect(out.Err).ToNot(HaveOccurred())
				Expect(out.CacheFrom).To(Equal(keyed))
				Expect(logs.FilterLevelExact(zapcore.WarnLevel).Len()).To(Equal(1))
				Expect(logs.FilterLevelExact(zapcore.ErrorLevel).Len()).To(BeZero())
			})

			It("falls back to the fallback tag as a hint", func() {
				docker.Remote[fallback] = "old"

				out := engine.Restore(ctx, strategy.ModeHybrid, refs)
				Expect(out).To(Equal(strategy.Outcome{CacheFrom: fallback}))
				Expect(docker.Calls).To(Equal([]string{"probe " + keyed, "probe " + fallback}))
			})

			It("builds from scratch when nothing is cached", func() {
				out := engine.Restore(ctx, strategy.ModeHybrid, refs)
				Expect(out).To(Equal(strategy.Outcome{}))
			})
		})

		It("never logs a miss at error severity", func() {
			for _, mode := range []strategy.Mode{strategy.ModeArtifact, strategy.ModeBuild, strategy.ModeHybrid} {
				engine.Restore(ctx, mode, refs)
			}
			Expect(logs.FilterLevelExact(zapcore.ErrorLevel).Len()).To(BeZero())
		})
	})

	Describe("Save", func() {
		var ensured int

		ensure := func(context.Context) error {
			ensured++
			return nil
		}

		BeforeEach(func() {
			ensured = 0
			docker.Local[local] = "built-1"
		})

		DescribeTable("skips every push after a restore hit",
			func(mode strategy.Mode) {
				Expect(engine.Save(ctx, mode, strategy.Outcome{Hit: true}, refs, ensure)).To(Succeed())
				Expect(docker.CountPrefix("push")).To(BeZero())
				Expect(ensured).To(BeZero())
			},
			Entry("artifact", strategy.ModeArtifact),
			Entry("build", strategy.ModeBuild),
			Entry("hybrid", strategy.ModeHybrid),
		)

		It("ensures the repository and pushes keyed and fallback tags", func() {
			Expect(engine.Save(ctx, strategy.ModeHybrid, strategy.Outcome{}, refs, ensure)).To(Succeed())
			Expect(ensured).To(Equal(1))
			Expect(docker.Calls).To(Equal([]string{
				"tag " + local + " " + keyed,
				"push " + keyed,
				"tag " + local + " " + fallback,
				"push " + fallback,
			}))
			Expect(docker.Remote).To(HaveKeyWithValue(keyed, "built-1"))
			Expect(docker.Remote).To(HaveKeyWithValue(fallback, "built-1"))
		})

		It("treats a missing image as an error under artifact", func() {
			delete(docker.Local, local)
			err := engine.Save(ctx, strategy.ModeArtifact, strategy.Outcome{}, refs, ensure)
			Expect(err).To(MatchError(strategy.ErrLocalImageMissing))
		})

		DescribeTable("tolerates a missing image under layer cache modes",
			func(mode strategy.Mode) {
				delete(docker.Local, local)
				Expect(engine.Save(ctx, mode, strategy.Outcome{}, refs, ensure)).To(Succeed())
				Expect(docker.CountPrefix("push")).To(BeZero())
			},
			Entry("build", strategy.ModeBuild),
			Entry("hybrid", strategy.ModeHybrid),
		)

		It("fails when the keyed push fails", func() {
			docker.PushErr[keyed] = errors.New("denied")
			err := engine.Save(ctx, strategy.ModeBuild, strategy.Outcome{}, refs, ensure)
			Expect(err).To(MatchError(strategy.ErrPushFailed))
			Expect(docker.Pushed(fallback)).To(BeFalse())
		})

		It("only warns when the fallback push fails", func() {
			docker.PushErr[fallback] = errors.New("tag immutable")
			Expect(engine.Save(ctx, strategy.ModeArtifact, strategy.Outcome{}, refs, ensure)).To(Succeed())
			Expect(docker.Remote).To(HaveKey(keyed))
			Expect(logs.FilterMessage("Failed to push fallback tag").Len()).To(Equal(1))
		})

		It("stops before pushing when the repository cannot be ensured", func() {
			err := engine.Save(ctx, strategy.ModeHybrid, strategy.Outcome{}, refs, func(context.Context) error {
				return errors.New("AccessDenied")
			})
			Expect(err).To(MatchError(strategy.ErrRepository))
			Expect(docker.CountPrefix("push")).To(BeZero())
		})

		It("accepts a nil ensurer", func() {
			Expect(engine.Save(ctx, strategy.ModeHybrid, strategy.Outcome{}, refs, nil)).To(Succeed())
			Expect(docker.Pushed(keyed)).To(BeTrue())
		})
	})
})
