// Package cli wires the docker-cache commands.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lissto-dev/docker-cache/pkg/cachekey"
	"github.com/lissto-dev/docker-cache/pkg/command"
	"github.com/lissto-dev/docker-cache/pkg/config"
	"github.com/lissto-dev/docker-cache/pkg/docker"
	"github.com/lissto-dev/docker-cache/pkg/export"
	"github.com/lissto-dev/docker-cache/pkg/image"
	"github.com/lissto-dev/docker-cache/pkg/logging"
	"github.com/lissto-dev/docker-cache/pkg/orchestrator"
	"github.com/lissto-dev/docker-cache/pkg/provider"
)

// Runner executes a cache run for a loaded configuration
type Runner func(ctx context.Context, cfg *config.CacheConfig, stdout, stderr io.Writer) (*orchestrator.Result, error)

type app struct {
	lookup config.LookupFunc
	dir    string
	run    Runner

	configPath string
	exportFile string
	logFormat  string
}

// NewCommand returns the docker-cache root command. Without a subcommand it
// performs a cache run.
func NewCommand() *cobra.Command {
	return newRootCommand(&app{lookup: os.LookupEnv, dir: ".", run: defaultRunner})
}

func newRootCommand(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "docker-cache",
		Short:         "Cache container images across CI runs in a remote registry",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          a.runCache,
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", "", "Path to a YAML configuration file (defaults to the plugin environment)")
	root.PersistentFlags().StringVar(&a.logFormat, "log-format", "console", "Log format: console or json")
	root.PersistentFlags().StringVar(&a.exportFile, "export-file", "", "Env file receiving the exported variables (defaults to $"+export.EnvFileVariable+")")

	root.AddCommand(
		&cobra.Command{
			Use:   "run",
			Short: "Restore, build and save the cached image",
			Args:  cobra.NoArgs,
			RunE:  a.runCache,
		},
		&cobra.Command{
			Use:   "key",
			Short: "Print the cache key for the current configuration",
			Args:  cobra.NoArgs,
			RunE:  a.printKey,
		},
		&cobra.Command{
			Use:   "validate",
			Short: "Validate the configuration without contacting a registry",
			Args:  cobra.NoArgs,
			RunE:  a.validate,
		},
	)
	return root
}

func (a *app) loadConfig() (*config.CacheConfig, error) {
	var (
		cfg *config.CacheConfig
		err error
	)
	if a.configPath != "" {
		cfg, err = config.Load(a.configPath)
	} else {
		cfg, err = config.FromPluginEnv(a.lookup)
	}
	if err != nil {
		return nil, err
	}
	if err := logging.InitLogger(cfg.LogLevel(), a.logFormat); err != nil {
		return nil, fmt.Errorf("failed to initialize logging: %w", err)
	}
	return cfg, nil
}

func (a *app) runCache(cmd *cobra.Command, _ []string) error {
	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}

	res, runErr := a.run(cmd.Context(), cfg, cmd.OutOrStdout(), cmd.ErrOrStderr())
	if res != nil {
		if err := a.export(cmd.OutOrStdout(), res); err != nil {
			return err
		}
	}
	return runErr
}

func (a *app) export(out io.Writer, res *orchestrator.Result) error {
	vars := res.Exports()
	path := a.exportFile
	if path == "" {
		path = export.DefaultPath(a.lookup)
	}
	if path != "" {
		if err := export.WriteDotenv(path, vars); err != nil {
			return err
		}
		logging.Success("Exported variables", zap.String("file", path), zap.Int("count", len(vars)))
	}
	_, err := fmt.Fprint(out, export.Format(vars))
	return err
}

func (a *app) printKey(cmd *cobra.Command, _ []string) error {
	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	gen := cachekey.NewGenerator(a.dir, logging.Logger)
	gen.Lookup = a.lookup
	key, source, err := gen.GenerateWithSource(cfg)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", key, source)
	return err
}

func (a *app) validate(cmd *cobra.Command, _ []string) error {
	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	p, err := provider.New(cfg.Provider, provider.Deps{Lookup: a.lookup})
	if err != nil {
		return err
	}
	if err := p.ValidateParams(cfg); err != nil {
		return err
	}
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "configuration is valid (provider=%s, strategy=%s, image=%s)\n",
		cfg.Provider, cfg.Strategy, cfg.Image)
	return err
}

// defaultRunner wires the docker CLI, the cloud SDK clients and the registry probe
func defaultRunner(ctx context.Context, cfg *config.CacheConfig, stdout, stderr io.Writer) (*orchestrator.Result, error) {
	runner := command.NewExecRunnerWithOutput(stdout, stderr)
	cli := docker.NewCLI(runner)
	deps := provider.DefaultDeps(cli, runner, logging.Logger)

	orch := orchestrator.New(
		provider.NewFactory(deps),
		cli,
		image.NewImageExistenceChecker(),
		cachekey.NewGenerator(".", logging.Logger),
	)
	return orch.Run(ctx, cfg)
}
