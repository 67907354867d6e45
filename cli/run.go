package cli

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/compozy/flow/engine/core"
	"github.com/compozy/flow/pkg/config"
	"github.com/compozy/flow/pkg/logger"
	"github.com/compozy/flow/pkg/tplengine"
)

const stdinPath = "-"

func RunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <descriptor>",
		Short: "Run a descriptor file and print its result",
		Long: `Run a YAML or JSON descriptor and print the result.
The file is rendered as a text/template first, with --var values under .vars.
Use - to read the descriptor from stdin.`,
		Args: cobra.ExactArgs(1),
		RunE: runDescriptor,
	}
	cmd.Flags().StringToString("var", nil, "Template variables for the descriptor file (key=value)")
	cmd.Flags().StringP("format", "f", OutputFormatJSON, "Output format (json, yaml)")
	return cmd
}

func runDescriptor(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	log := logger.FromContext(ctx)
	manager := config.ManagerFromContext(ctx)
	vars, err := cmd.Flags().GetStringToString("var")
	if err != nil {
		return fmt.Errorf("failed to get var flag: %w", err)
	}
	format, err := cmd.Flags().GetString("format")
	if err != nil {
		return fmt.Errorf("failed to get format flag: %w", err)
	}
	fs := afero.NewOsFs()
	raw, err := loadDescriptor(fs, cmd.InOrStdin(), args[0], vars)
	if err != nil {
		return err
	}
	a, err := newApp(ctx, manager, fs, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer a.Close(ctx)
	log.Debug("Running descriptor", "path", args[0])
	out, err := a.engine.Run(ctx, raw)
	if err != nil {
		return describeRunError(err)
	}
	return writeOutput(cmd.OutOrStdout(), format, out)
}

// loadDescriptor renders and decodes the descriptor at path.
func loadDescriptor(fs afero.Fs, stdin io.Reader, path string, vars map[string]string) (map[string]any, error) {
	data := map[string]any{"vars": toAnyMap(vars)}
	engine := tplengine.NewEngine("").WithFs(fs)
	var (
		res *tplengine.ProcessResult
		err error
	)
	if path == stdinPath {
		text, rerr := io.ReadAll(stdin)
		if rerr != nil {
			return nil, fmt.Errorf("failed to read stdin: %w", rerr)
		}
		res, err = engine.WithFormat(tplengine.FormatYAML).ProcessString(string(text), data)
	} else {
		res, err = engine.ProcessFile(path, data)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load descriptor %s: %w", path, err)
	}
	doc := res.YAML
	if doc == nil {
		doc = res.JSON
	}
	raw, ok := doc.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("descriptor %s must be a mapping, got %T", path, doc)
	}
	return raw, nil
}

func toAnyMap(m map[string]string) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func describeRunError(err error) error {
	if code := core.CodeOf(err); code != "" {
		return fmt.Errorf("run failed (%s): %w", code, err)
	}
	return fmt.Errorf("run failed: %w", err)
}
