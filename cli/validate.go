package cli

import (
	"fmt"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/compozy/flow/engine/core"
	"github.com/compozy/flow/engine/schema"
)

func ValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <descriptor>",
		Short: "Check a descriptor against the operator contracts without running it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			vars, err := cmd.Flags().GetStringToString("var")
			if err != nil {
				return fmt.Errorf("failed to get var flag: %w", err)
			}
			raw, err := loadDescriptor(afero.NewOsFs(), cmd.InOrStdin(), args[0], vars)
			if err != nil {
				return err
			}
			d, err := core.Parse(raw)
			if err != nil {
				return err
			}
			if err := schema.Validate(cmd.Context(), raw, d); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s descriptor is valid\n", d.Kind)
			return nil
		},
	}
	cmd.Flags().StringToString("var", nil, "Template variables for the descriptor file (key=value)")
	return cmd
}
