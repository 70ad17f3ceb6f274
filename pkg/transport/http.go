package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/loxone-mcp/gateway/pkg/apikey"
	"github.com/loxone-mcp/gateway/pkg/errs"
	"github.com/loxone-mcp/gateway/pkg/log"
	"github.com/loxone-mcp/gateway/pkg/ratelimit"
)

// HTTPConfig configures the HTTP transport adapter, per spec §6's
// `http.*` configuration options.
type HTTPConfig struct {
	Addr       string
	EnableSSE  bool
	EnableCORS bool
	DevMode    bool
}

// HTTP is the HTTP transport adapter from spec §4.M: JSON-RPC over
// POST, an SSE notification channel, unauthenticated health/banner
// endpoints, and admin-gated routes. Grounded on the teacher's
// chi-less net/http mux in pkg/gateway/transport.go, rebuilt on
// go-chi/chi per the rest of the example pack's HTTP services.
type HTTP struct {
	cfg     HTTPConfig
	limiter *ratelimit.Limiter
	auth    *apikey.Authenticator

	server *http.Server
}

func NewHTTP(cfg HTTPConfig, limiter *ratelimit.Limiter, auth *apikey.Authenticator) *HTTP {
	return &HTTP{cfg: cfg, limiter: limiter, auth: auth}
}

func (h *HTTP) Start(ctx context.Context, handler MessageHandler) error {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	if h.cfg.EnableCORS {
		r.Use(corsMiddleware)
	}

	r.Get("/", bannerHandler)
	r.Get("/health", healthHandler)

	protected := chi.NewRouter()
	protected.Use(originSecurityMiddleware, h.rateLimitMiddleware, h.authMiddleware(""))
	protected.Post("/message", jsonRPCHandler(handler))
	protected.Post("/messages", jsonRPCHandler(handler))
	if h.cfg.EnableSSE {
		protected.Get("/sse", sseHandler)
		protected.Get("/mcp/sse", sseHandler)
	}
	r.Mount("/", protected)

	admin := chi.NewRouter()
	admin.Use(h.rateLimitMiddleware, h.authMiddleware("admin"))
	admin.Get("/status", adminStatusHandler)
	r.Mount("/admin", admin)

	ln, err := net.Listen("tcp", h.cfg.Addr)
	if err != nil {
		return errs.Wrap(errs.BindFailure, "binding http transport", err)
	}

	h.server = &http.Server{Handler: r}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.server.Shutdown(shutdownCtx)
	}()

	log.Logf("http transport listening on %s", ln.Addr())
	err = h.server.Serve(ln)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (h *HTTP) Stop(ctx context.Context) error {
	if h.server == nil {
		return nil
	}
	return h.server.Shutdown(ctx)
}

func bannerHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"name":"loxone-mcp-gateway"}`))
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func adminStatusHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// jsonRPCHandler adapts a MessageHandler to POST /message and
// /messages, per spec §4.M.
func jsonRPCHandler(handler MessageHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, 4<<20))
		if err != nil {
			http.Error(w, "request too large", http.StatusBadRequest)
			return
		}

		resp := handler.HandleMessage(r.Context(), body)
		w.Header().Set("Content-Type", "application/json")
		if resp == nil {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		encoded, err := json.Marshal(resp)
		if err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		_, _ = w.Write(encoded)
	}
}

// sseHandler opens the SSE notification channel from spec §4.M: a
// `connection` event, then a `ping` event every 30s, with a
// transport-level (comment) keepalive every 15s. SSE carries
// server→client notifications only; requests still arrive via POST.
func sseHandler(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	fmt.Fprintf(w, "event: connection\ndata: {}\n\n")
	flusher.Flush()

	pingTicker := time.NewTicker(30 * time.Second)
	defer pingTicker.Stop()
	keepaliveTicker := time.NewTicker(15 * time.Second)
	defer keepaliveTicker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-pingTicker.C:
			fmt.Fprintf(w, "event: ping\ndata: {}\n\n")
			flusher.Flush()
		case <-keepaliveTicker.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}

// originSecurityMiddleware rejects a browser-sent Origin header that
// isn't localhost, guarding against DNS-rebinding attacks against a
// gateway that's normally only reachable from the machine it runs on.
// Non-browser clients (curl, MCP SDKs) send no Origin header and pass
// through unchecked, matching the teacher's pkg/gateway origin check.
func originSecurityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && !isLocalOrigin(origin) {
			http.Error(w, "forbidden: invalid Origin header", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func isLocalOrigin(origin string) bool {
	u, err := url.Parse(origin)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return false
	}
	host := u.Hostname()
	return host == "localhost" || host == "127.0.0.1"
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// rateLimitMiddleware enforces the Rate Limiter (spec §4.K) ahead of
// the authenticator, classifying the tier from the actual JSON-RPC
// method decoded out of the POST body (restored afterward so the
// downstream handler still sees the full body), falling back to the
// route for requests that carry no JSON-RPC body at all.
func (h *HTTP) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.limiter == nil {
			next.ServeHTTP(w, r)
			return
		}

		tier := ratelimit.TierForMethod(tierHintFromRoute(r))
		clientID := ratelimit.ClientID(r, apikey.ExtractKey(r.Header))

		result := h.limiter.Allow(clientID, tier)
		if !result.Admitted() {
			w.Header().Set("Retry-After", strconv.Itoa(int(result.RetryAfter.Seconds())))
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// tierHintFromRoute returns the JSON-RPC method name to classify this
// request's tier by. For the admin and SSE routes there is no JSON-RPC
// envelope to decode, so the route stands in for the method directly;
// for POST /message and /messages it decodes the "method" field out of
// the body, restoring r.Body afterward so jsonRPCHandler still reads
// the complete, untouched request.
func tierHintFromRoute(r *http.Request) string {
	if strings.HasPrefix(r.URL.Path, "/admin") {
		return "admin"
	}
	if strings.HasSuffix(r.URL.Path, "/sse") {
		return "resources/read"
	}
	if r.Method == http.MethodPost {
		if method, ok := peekJSONRPCMethod(r); ok {
			return method
		}
	}
	return "tools/call"
}

// peekJSONRPCMethod decodes the "method" field from a POST body
// without consuming it, so the rate limiter can classify the real
// JSON-RPC method before the engine ever sees the request.
func peekJSONRPCMethod(r *http.Request) (string, bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 4<<20))
	_ = r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(body))
	if err != nil {
		return "", false
	}

	var probe struct {
		Method string `json:"method"`
	}
	if err := json.Unmarshal(body, &probe); err != nil || probe.Method == "" {
		return "", false
	}
	return probe.Method, true
}

// authMiddleware enforces the API-Key Authenticator (spec §4.L). An
// empty scope checks the JSON-RPC method decoded from a POST body,
// falling back to the request's path (e.g. "/sse"); the "admin" scope
// checks every request as "/admin/status".
func (h *HTTP) authMiddleware(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if h.auth == nil {
				next.ServeHTTP(w, r)
				return
			}

			presented := apikey.ExtractKey(r.Header)
			endpoint := r.URL.Path
			if scope == "admin" {
				endpoint = "/admin/status"
			} else if r.Method == http.MethodPost {
				if method, ok := peekJSONRPCMethod(r); ok {
					endpoint = method
				}
			}

			clientIP := clientIPFrom(r)
			_, err := h.auth.Authenticate(r.Context(), presented, clientIP, endpoint, r.Method)
			if err != nil {
				http.Error(w, err.Error(), errs.KindOf(err).HTTPStatus())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientIPFrom(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
