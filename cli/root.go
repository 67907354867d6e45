package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/compozy/flow/pkg/config"
	"github.com/compozy/flow/pkg/logger"
	"github.com/compozy/flow/pkg/version"
)

const defaultConfigFile = "flow.yaml"

func RootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "flow",
		Short:         "Run declarative orchestration descriptors",
		Version:       version.Get().String(),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return SetupGlobalConfig(cmd)
		},
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			return config.ManagerFromContext(cmd.Context()).Close(context.WithoutCancel(cmd.Context()))
		},
	}
	addGlobalFlags(root.PersistentFlags())
	root.AddCommand(
		RunCmd(),
		ValidateCmd(),
		CacheCmd(),
		ConfigCmd(),
	)
	return root
}

func addGlobalFlags(flags *pflag.FlagSet) {
	defaults := config.Default()
	flags.String("config", defaultConfigFile, "Path to configuration file")
	flags.String("log-level", defaults.Logging.Level, "Log level (debug, info, warn, error, disabled)")
	flags.Bool("log-json", false, "Emit logs as JSON")
	flags.Bool("log-source", false, "Include source locations in logs")
	flags.Duration("timeout", defaults.Engine.Timeout, "Overall timeout of one run (0 disables it)")
	flags.Duration("until-interval", defaults.Engine.UntilInterval, "Wait between until$ attempts when wait$ is absent")
	flags.Int("concurrency", defaults.Engine.Concurrency, "Default in-flight bound for concurrent compositions")
	flags.Bool("trace", false, "Print the dispatch tree to stderr")
	flags.Bool("cache", false, "Enable the result cache for cache$ actions")
	flags.Int("cache-size", defaults.Cache.Size, "Result cache capacity")
	flags.String("cache-snapshot", defaults.Cache.SnapshotPath, "Cache snapshot file")
	flags.Bool("cache-persist", false, "Load the cache snapshot at startup and save it on exit")
	flags.Bool("metrics", false, "Serve Prometheus metrics while running")
	flags.String("metrics-addr", defaults.Monitoring.Addr, "Metrics listen address")
}

// SetupGlobalConfig loads the configuration for cmd, installs the logger and
// stores both on the command context.
func SetupGlobalConfig(cmd *cobra.Command) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	configFile, err := cmd.Flags().GetString("config")
	if err != nil {
		return fmt.Errorf("failed to get config flag: %w", err)
	}
	sources := []config.Source{config.NewYAMLProvider(configFile)}
	if flags := extractCLIFlags(cmd); len(flags) > 0 {
		sources = append(sources, config.NewCLIProvider(flags))
	}
	manager := config.NewManager(config.NewService())
	cfg, err := manager.Load(ctx, sources...)
	if err != nil {
		return err
	}
	log := logger.SetupLogger(cfg.Logging.Level, cfg.Logging.JSON, cfg.Logging.Source)
	log.Debug("Configuration loaded", "file", configFile)
	ctx = logger.ContextWithLogger(ctx, log)
	ctx = config.ContextWithManager(ctx, manager)
	cmd.SetContext(ctx)
	return nil
}

// extractCLIFlags collects the changed flags that map to configuration paths.
func extractCLIFlags(cmd *cobra.Command) map[string]any {
	flags := make(map[string]any)
	for name := range config.CLIFlagPaths {
		f := cmd.Flags().Lookup(name)
		if f == nil || !f.Changed {
			continue
		}
		var (
			v   any
			err error
		)
		switch f.Value.Type() {
		case "bool":
			v, err = cmd.Flags().GetBool(name)
		case "int":
			v, err = cmd.Flags().GetInt(name)
		default:
			v, err = f.Value.String(), nil
		}
		if err == nil {
			flags[name] = v
		}
	}
	return flags
}
