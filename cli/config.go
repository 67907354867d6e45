package cli

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"reflect"
	"sort"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/compozy/flow/pkg/config"
)

// ConfigCmd returns the config command
func ConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show the effective configuration",
	}
	cmd.AddCommand(configShowCmd(), configEnvCmd(), configWatchCmd())
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show current configuration values and their sources",
		Long: `Display the effective configuration.
Each value is listed with the source that provided it: cli, env, yaml or default.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			manager := config.ManagerFromContext(cmd.Context())
			cfg := manager.Get()
			if cfg == nil {
				return fmt.Errorf("configuration not loaded")
			}
			format, err := cmd.Flags().GetString("format")
			if err != nil {
				return fmt.Errorf("failed to get format flag: %w", err)
			}
			if format == "table" {
				return outputTable(cmd.OutOrStdout(), cfg, manager.Service)
			}
			return writeOutput(cmd.OutOrStdout(), format, flattenConfig(cfg))
		},
	}
	cmd.Flags().StringP("format", "f", "table", "Output format (json, yaml, table)")
	return cmd
}

func configEnvCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "env",
		Short: "List the environment variables read as configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			defer w.Flush()
			fmt.Fprintln(w, "VARIABLE\tKEY")
			for _, m := range config.GenerateEnvMappings() {
				fmt.Fprintf(w, "%s\t%s\n", m.EnvVar, m.ConfigPath)
			}
			return nil
		},
	}
}

func configWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Print configuration changes as the config file is edited",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			manager := config.ManagerFromContext(ctx)
			cfg := manager.Get()
			if cfg == nil {
				return fmt.Errorf("configuration not loaded")
			}
			updates := make(chan *config.Config, 1)
			unsubscribe := manager.OnChange(func(next *config.Config) {
				select {
				case updates <- next:
				case <-ctx.Done():
				}
			})
			defer unsubscribe()
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "Watching configuration, press Ctrl+C to stop")
			prev := flattenConfig(cfg)
			for {
				select {
				case <-ctx.Done():
					return nil
				case next := <-updates:
					flat := flattenConfig(next)
					writeChanges(out, diffConfig(prev, flat))
					prev = flat
				}
			}
		},
	}
}

type configChange struct {
	Key string
	Old any
	New any
}

// diffConfig lists the keys whose values differ, sorted by key.
func diffConfig(prev, next map[string]any) []configChange {
	var changes []configChange
	for key, v := range next {
		if old, ok := prev[key]; !ok || !reflect.DeepEqual(old, v) {
			changes = append(changes, configChange{Key: key, Old: prev[key], New: v})
		}
	}
	sort.Slice(changes, func(i, j int) bool { return changes[i].Key < changes[j].Key })
	return changes
}

func writeChanges(out io.Writer, changes []configChange) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	defer w.Flush()
	for _, c := range changes {
		fmt.Fprintf(w, "%s\t%v\t->\t%v\n", c.Key, c.Old, c.New)
	}
}

func outputTable(out io.Writer, cfg *config.Config, service config.Service) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	defer w.Flush()
	flat := flattenConfig(cfg)
	keys := make([]string, 0, len(flat))
	for k := range flat {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fmt.Fprintln(w, "KEY\tVALUE\tSOURCE")
	for _, key := range keys {
		fmt.Fprintf(w, "%s\t%v\t%s\n", key, flat[key], service.GetSource(key))
	}
	return nil
}

// flattenConfig maps dotted koanf paths to display values.
func flattenConfig(cfg *config.Config) map[string]any {
	out := make(map[string]any)
	flattenStruct("", reflect.ValueOf(cfg).Elem(), out)
	return out
}

func flattenStruct(prefix string, val reflect.Value, out map[string]any) {
	typ := val.Type()
	for i := 0; i < val.NumField(); i++ {
		field := typ.Field(i)
		tag := field.Tag.Get("koanf")
		if !field.IsExported() || tag == "" || tag == "-" {
			continue
		}
		key := tag
		if prefix != "" {
			key = prefix + "." + tag
		}
		fv := val.Field(i)
		switch {
		case fv.Kind() == reflect.Struct:
			flattenStruct(key, fv, out)
		case field.Type == reflect.TypeOf(time.Duration(0)):
			out[key] = time.Duration(fv.Int()).String()
		default:
			out[key] = fv.Interface()
		}
	}
}
