// Package gateway is the composition root: it wires the Credential
// Provider, Auth State Machine, Miniserver Client, Structure Cache,
// Rate Limiter, API-Key Authenticator, MCP Protocol Handler and its
// Resource/Tool catalogs, and a Transport Adapter into one running
// gateway process, the way the teacher's pkg/gateway.Gateway wires
// docker.Client, Configurator, and mcp.Server together in NewGateway
// and Run.
package gateway

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/loxone-mcp/gateway/pkg/apikey"
	"github.com/loxone-mcp/gateway/pkg/config"
	"github.com/loxone-mcp/gateway/pkg/credentials"
	"github.com/loxone-mcp/gateway/pkg/db"
	"github.com/loxone-mcp/gateway/pkg/errs"
	"github.com/loxone-mcp/gateway/pkg/log"
	"github.com/loxone-mcp/gateway/pkg/loxone/auth"
	"github.com/loxone-mcp/gateway/pkg/loxone/client"
	"github.com/loxone-mcp/gateway/pkg/loxone/structure"
	"github.com/loxone-mcp/gateway/pkg/mcpserver"
	"github.com/loxone-mcp/gateway/pkg/mcpserver/prompts"
	"github.com/loxone-mcp/gateway/pkg/mcpserver/resources"
	"github.com/loxone-mcp/gateway/pkg/mcpserver/tools"
	"github.com/loxone-mcp/gateway/pkg/ratelimit"
	"github.com/loxone-mcp/gateway/pkg/telemetry"
	"github.com/loxone-mcp/gateway/pkg/transport"
)

// Gateway owns every component for one run and the transport adapter
// serving it, per spec §2/§6.
type Gateway struct {
	cfg        config.Config
	configPath string

	store     db.DAO
	client    *client.Client
	structure *structure.Cache
	limiter   *ratelimit.Limiter
	authn     *apikey.Authenticator
	machine   *auth.Machine
	server    *mcpserver.Server
	transport transport.Transport
}

// New builds every component from cfg but does not start the
// transport; Connect and Run do that. Credential resolution failure is
// reported here with its own Kind so callers can map it to the distinct
// exit code in spec §6; Miniserver connect failure is reported by
// Connect.
func New(ctx context.Context, cfg config.Config, credProvider credentials.Provider, configPath string) (*Gateway, error) {
	telemetry.Init()

	creds, err := credProvider.Get(ctx)
	if err != nil {
		return nil, err // errs.CredentialsUnavailable
	}

	store, err := db.New()
	if err != nil {
		return nil, errs.Wrap(errs.Config, "opening api-key store", err)
	}

	machine := auth.New(newMiniserverProber(cfg.Miniserver.URL, cfg.Miniserver.Timeout), creds)
	if cfg.Auth.SessionTimeoutMinutes > 0 {
		machine.PeriodicRefresh = time.Duration(cfg.Auth.SessionTimeoutMinutes) * time.Minute
	}

	backend, err := newBackend(cfg, machine)
	if err != nil {
		return nil, err
	}

	mc := client.New(backend, client.Config{
		MaxRetries:     cfg.Miniserver.MaxRetries,
		Timeout:        cfg.Miniserver.Timeout,
		MaxConnections: cfg.Miniserver.MaxConnections,
	})

	structureCache := structure.New(mc)

	limiter := ratelimit.New(mergeTiers(ratelimit.DefaultTiers(), cfg.RateLimit.Tiers))
	authn := apikey.New(store)

	toolCatalog := tools.New(structureCache, mc)
	resourceRouter := resources.New(structureCache, mc)
	promptCatalog := prompts.New()

	server := mcpserver.New(
		mcpserver.ServerInfo{Name: "loxone-mcp-gateway", Version: "1.0.0"},
		toolCatalog, resourceRouter, promptCatalog,
	)

	g := &Gateway{
		cfg:        cfg,
		configPath: configPath,
		store:      store,
		client:     mc,
		structure:  structureCache,
		limiter:    limiter,
		authn:      authn,
		machine:    machine,
		server:     server,
	}

	switch cfg.Transport {
	case config.TransportStdio:
		g.transport = nil // bound to os.Stdin/os.Stdout by Run
	case config.TransportHTTP, config.TransportStreamableHTTP:
		g.transport = transport.NewHTTP(transport.HTTPConfig{
			Addr:       fmt.Sprintf(":%d", cfg.HTTP.Port),
			EnableSSE:  cfg.HTTP.EnableSSE,
			EnableCORS: cfg.HTTP.EnableCORS,
			DevMode:    cfg.HTTP.DevMode,
		}, limiter, authn)
	default:
		return nil, errs.New(errs.Config, "unknown transport "+string(cfg.Transport))
	}

	return g, nil
}

// newBackend picks the Miniserver backend by URL scheme: "ws"/"wss"
// dials the persistent WebSocket control channel, everything else
// (the common case) uses the plain HTTP REST surface. Both satisfy
// client.Backend so the rest of the gateway is backend-agnostic per
// spec §4.E.
func newBackend(cfg config.Config, machine *auth.Machine) (client.Backend, error) {
	u, err := url.Parse(cfg.Miniserver.URL)
	if err != nil {
		return nil, errs.Wrap(errs.Config, "invalid Miniserver URL", err)
	}
	switch u.Scheme {
	case "ws", "wss":
		return client.NewWebSocketBackend(client.WebSocketConfig{
			BaseURL: cfg.Miniserver.URL,
		}, machine)
	default:
		return client.NewHTTPBackend(client.HTTPConfig{
			BaseURL: cfg.Miniserver.URL,
			Timeout: cfg.Miniserver.Timeout,
		}, machine)
	}
}

// mergeTiers layers operator overrides (spec §6 `rate_limit.tiers`) on
// top of the built-in table, leaving zero-valued override fields
// untouched so a partial override doesn't blank out the rest of a row.
func mergeTiers(base map[ratelimit.Tier]ratelimit.TierConfig, overrides map[string]config.TierOverride) map[ratelimit.Tier]ratelimit.TierConfig {
	merged := make(map[ratelimit.Tier]ratelimit.TierConfig, len(base))
	for tier, cfg := range base {
		merged[tier] = cfg
	}
	for name, o := range overrides {
		tier := ratelimit.Tier(name)
		cfg, ok := merged[tier]
		if !ok {
			continue
		}
		if o.RatePerMinute > 0 {
			cfg.RatePerMinute = o.RatePerMinute
		}
		if o.Burst > 0 {
			cfg.Burst = o.Burst
		}
		if o.PenaltyBase > 0 {
			cfg.PenaltyBase = o.PenaltyBase
		}
		merged[tier] = cfg
	}
	return merged
}

// Connect dials the Miniserver and primes the Structure Cache, per
// spec §4.C/§4.F — callers should treat any error here as a startup
// failure distinct from configuration or credential errors.
func (g *Gateway) Connect(ctx context.Context) error {
	if err := g.client.Connect(ctx); err != nil {
		return err
	}
	return g.structure.Refresh(ctx)
}

// Run starts the selected transport and blocks until ctx is cancelled
// or the transport reports a fatal error, per spec §6.
func (g *Gateway) Run(ctx context.Context) error {
	defer g.store.Close()

	if g.configPath != "" {
		g.watchConfig(ctx)
	}

	if g.cfg.Transport == config.TransportStdio {
		return transport.NewStdio(os.Stdin, os.Stdout).Start(ctx, g.server.Engine())
	}

	log.Logf("starting %s transport", g.cfg.Transport)
	return g.transport.Start(ctx, g.server.Engine())
}

// watchConfig applies SPEC_FULL §2.1's hot-reload: rate-limit tier
// overrides and the Auth Machine's session-timeout window take
// effect on the running gateway without a restart. Everything else in
// a changed file (transport, Miniserver URL, ...) requires one, the
// same way the teacher's configurator only hot-applies the subset of
// its catalog that's safe to swap live.
func (g *Gateway) watchConfig(ctx context.Context) {
	updates, stop, err := config.Watch(g.configPath)
	if err != nil {
		log.Warnf("config hot-reload disabled for %s: %v", g.configPath, err)
		return
	}

	go func() {
		defer stop()
		for {
			select {
			case <-ctx.Done():
				return
			case cfg, ok := <-updates:
				if !ok {
					return
				}
				g.limiter.SetTiers(mergeTiers(ratelimit.DefaultTiers(), cfg.RateLimit.Tiers))
				if cfg.Auth.SessionTimeoutMinutes > 0 {
					g.machine.SetPeriodicRefresh(time.Duration(cfg.Auth.SessionTimeoutMinutes) * time.Minute)
				}
				log.Logf("applied hot-reloaded configuration from %s", g.configPath)
			}
		}
	}()
}
