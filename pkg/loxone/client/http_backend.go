package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/loxone-mcp/gateway/pkg/errs"
	"github.com/loxone-mcp/gateway/pkg/loxone/auth"
	"github.com/loxone-mcp/gateway/pkg/loxone/codec"
)

// HTTPBackend talks to the Miniserver's plain REST surface: GET
// requests against jdev/... and data/LoxAPP3.json, with the Auth State
// Machine attaching either a Basic or Bearer header per request.
type HTTPBackend struct {
	httpClient *http.Client
	baseURL    *url.URL
	machine    *auth.Machine
	userAgent  string

	connected atomic.Bool
}

// HTTPConfig configures an HTTPBackend.
type HTTPConfig struct {
	BaseURL   string
	Timeout   time.Duration
	UserAgent string
}

// NewHTTPBackend builds an HTTPBackend bound to an already-constructed
// Auth State Machine.
func NewHTTPBackend(cfg HTTPConfig, machine *auth.Machine) (*HTTPBackend, error) {
	u, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, errs.Wrap(errs.Config, "invalid Miniserver base URL", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	agent := cfg.UserAgent
	if agent == "" {
		agent = "loxone-mcp-gateway/1.0"
	}
	return &HTTPBackend{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    u,
		machine:    machine,
		userAgent:  agent,
	}, nil
}

func (b *HTTPBackend) buildURL(path string) string {
	ref := &url.URL{Path: path}
	return b.baseURL.ResolveReference(ref).String()
}

// doGet issues a single authorized GET, translating HTTP status and
// transport failures into the error taxonomy.
func (b *HTTPBackend) doGet(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.buildURL(path), nil)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "failed to build request", err)
	}
	req.Header.Set("User-Agent", b.userAgent)
	if err := b.machine.AuthorizeRequest(ctx, req.Header); err != nil {
		return nil, err
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errs.Wrap(errs.Timeout, "request cancelled", ctx.Err())
		}
		return nil, errs.Wrap(errs.NetworkUnreachable, "HTTP request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errs.Wrap(errs.NetworkUnreachable, "failed to read response body", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return body, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, errs.New(errs.Unauthorized, fmt.Sprintf("Miniserver returned %d", resp.StatusCode))
	case resp.StatusCode == http.StatusNotFound:
		return nil, errs.New(errs.ProtocolMismatch, "endpoint not found")
	case resp.StatusCode >= 500:
		return nil, errs.DeviceControlError(resp.StatusCode, "Miniserver server error")
	default:
		return nil, errs.New(errs.NetworkUnreachable, fmt.Sprintf("unexpected HTTP status %d", resp.StatusCode))
	}
}

func (b *HTTPBackend) Connect(ctx context.Context) error {
	if err := b.machine.Connect(ctx); err != nil {
		return err
	}
	if _, err := b.doGet(ctx, "jdev/cfg/api"); err != nil {
		return err
	}
	b.connected.Store(true)
	return nil
}

func (b *HTTPBackend) IsConnected() bool {
	return b.connected.Load()
}

func (b *HTTPBackend) Unauthorized(ctx context.Context) error {
	return b.machine.Unauthorized(ctx)
}

func (b *HTTPBackend) GetStructure(ctx context.Context) (codec.Structure, error) {
	body, err := b.doGet(ctx, "data/LoxAPP3.json")
	if err != nil {
		return codec.Structure{}, err
	}
	return codec.ParseStructure(body)
}

func (b *HTTPBackend) SendCommand(ctx context.Context, uuid, cmd string) (codec.Response, error) {
	body, err := b.doGet(ctx, codec.EncodeIO(uuid, cmd))
	if err != nil {
		return codec.Response{}, err
	}
	return codec.ParseResponse(body)
}

func (b *HTTPBackend) GetSystemInfo(ctx context.Context) (json.RawMessage, error) {
	body, err := b.doGet(ctx, "jdev/cfg/api")
	if err != nil {
		return nil, err
	}
	resp, err := codec.ParseResponse(body)
	if err != nil {
		return nil, err
	}
	return resp.Value, nil
}
