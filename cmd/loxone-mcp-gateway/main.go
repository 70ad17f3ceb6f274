// Package main is the entry point for the Loxone MCP gateway.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/loxone-mcp/gateway/cmd/loxone-mcp-gateway/app"
	"github.com/loxone-mcp/gateway/pkg/log"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := app.NewRootCmd().ExecuteContext(ctx); err != nil {
		log.Errorf("%v", err)
		os.Exit(app.ExitCodeFor(err))
	}
}
