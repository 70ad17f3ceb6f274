package app

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/loxone-mcp/gateway/pkg/config"
)

// newConfigCmd builds the `config` command group: `config validate`
// loads and validates a configuration file the same way the running
// gateway does, without connecting to a Miniserver, so an operator can
// check a file before deploying it.
func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect gateway configuration",
	}
	cmd.AddCommand(newConfigValidateCmd())
	return cmd
}

func newConfigValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <path>",
		Short: "Load and validate a configuration file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "valid: %s\n", cfg)
			return nil
		},
	}
}
