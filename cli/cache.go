package cli

import (
	"fmt"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/compozy/flow/engine/cache"
	"github.com/compozy/flow/pkg/config"
)

// CacheCmd returns the cache snapshot commands.
func CacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect or clear the result cache snapshot",
	}
	cmd.AddCommand(cacheStatsCmd(), cacheClearCmd())
	return cmd
}

func cacheStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show the entries held by the cache snapshot",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg := config.FromContext(ctx)
			c, err := cache.New(cfg.Cache.Size)
			if err != nil {
				return err
			}
			store := cache.NewStore(afero.NewOsFs(), cfg.Cache.SnapshotPath)
			n, err := store.Load(ctx, c)
			if err != nil {
				return err
			}
			return writeOutput(cmd.OutOrStdout(), OutputFormatYAML, map[string]any{
				"path":     store.Path(),
				"entries":  n,
				"capacity": cfg.Cache.Size,
			})
		},
	}
}

func cacheClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Delete the cache snapshot",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			store := cache.NewStore(afero.NewOsFs(), config.FromContext(ctx).Cache.SnapshotPath)
			if err := store.Remove(ctx); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", store.Path())
			return nil
		},
	}
}
