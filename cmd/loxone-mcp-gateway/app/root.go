// Package app builds the gateway's cobra command tree: the default
// run behavior and the apikey administration subcommands from spec
// §6.1. Grounded on the teacher's cmd/docker-mcp/commands package
// layout, one file per command group, wired together by NewRootCmd.
package app

import (
	"github.com/spf13/cobra"

	"github.com/loxone-mcp/gateway/pkg/errs"
)

// NewRootCmd builds the gateway's command tree. With no subcommand it
// runs the gateway itself (config -> credentials -> connect -> serve);
// "apikey" groups the admin operations from spec §6.1.
func NewRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "loxone-mcp-gateway",
		Short:         "MCP gateway exposing a Loxone Miniserver to LLM clients",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runGateway(cmd.Context(), configPath)
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to the gateway's YAML configuration file")

	root.AddCommand(newAPIKeyCmd())
	root.AddCommand(newConfigCmd())
	return root
}

// ExitCodeFor maps err's errs.Kind to the process exit code from spec
// §6: 0 clean shutdown, 1 configuration error, 2 credential resolution
// failure, 3 transport bind failure. Anything else (device-control
// failures, protocol errors reaching this far, etc.) exits 1, the same
// bucket general startup failures fall into.
func ExitCodeFor(err error) int {
	if err == nil {
		return 0
	}
	switch errs.KindOf(err) {
	case errs.CredentialsUnavailable:
		return 2
	case errs.BindFailure:
		return 3
	default:
		return 1
	}
}
