package app

import (
	"context"

	"github.com/loxone-mcp/gateway/pkg/config"
	"github.com/loxone-mcp/gateway/pkg/credentials"
	"github.com/loxone-mcp/gateway/pkg/gateway"
)

// runGateway is the root command's default behavior: load
// configuration, resolve credentials, build the gateway's composition
// root, connect to the Miniserver, and serve until ctx is cancelled.
func runGateway(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	gw, err := gateway.New(ctx, cfg, credentials.NewEnvProvider(), configPath)
	if err != nil {
		return err
	}

	if err := gw.Connect(ctx); err != nil {
		return err
	}

	return gw.Run(ctx)
}
