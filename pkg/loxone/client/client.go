// Package client implements the Miniserver Client (spec §4.E): a
// typed operation set (connect, get_structure, send_command,
// batch_states, health_check, get_system_info) polymorphic over an
// HTTP or WebSocket Backend, with retry policy and parallel command
// fan-out layered on top.
package client

import (
	"context"
	"encoding/json"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/loxone-mcp/gateway/pkg/errs"
	"github.com/loxone-mcp/gateway/pkg/loxone/codec"
	"github.com/loxone-mcp/gateway/pkg/loxone/pool"
)

// Backend is the capability set both HTTPBackend and WebSocketBackend
// implement (spec §4.E table).
type Backend interface {
	Connect(ctx context.Context) error
	IsConnected() bool
	GetStructure(ctx context.Context) (codec.Structure, error)
	SendCommand(ctx context.Context, uuid, cmd string) (codec.Response, error)
	GetSystemInfo(ctx context.Context) (json.RawMessage, error)
	// Unauthorized is invoked by the Client when a call returns 401/403
	// so the backend can run its Auth State Machine's refresh cycle.
	Unauthorized(ctx context.Context) error
}

// Command is one (uuid, command) pair for a batched control call.
type Command struct {
	DeviceUUID string
	Action     string
}

// CommandResult is one entry in a control_many result, preserving the
// input order per spec §4.E.
type CommandResult struct {
	DeviceUUID string
	Action     string
	Response   codec.Response
	Err        error
}

// Client wraps a Backend with the retry policy and parallel fan-out
// described in spec §4.E, independent of which backend is in use.
type Client struct {
	backend    Backend
	pool       *pool.Pool
	maxRetries int
	timeout    time.Duration
}

// Config configures retry/pool behavior shared by both backends.
type Config struct {
	MaxRetries     int
	Timeout        time.Duration
	MaxConnections int
}

func (c Config) withDefaults() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxConnections <= 0 {
		c.MaxConnections = 10
	}
	return c
}

// New builds a Client over the given Backend.
func New(backend Backend, cfg Config) *Client {
	cfg = cfg.withDefaults()
	return &Client{
		backend:    backend,
		pool:       pool.New(pool.Config{MaxConnections: cfg.MaxConnections}),
		maxRetries: cfg.MaxRetries,
		timeout:    cfg.Timeout,
	}
}

func (c *Client) Connect(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.backend.Connect(ctx)
}

func (c *Client) IsConnected() bool {
	return c.backend.IsConnected()
}

// GetStructure fetches and parses the structure document, retrying per
// the policy in spec §4.E.
func (c *Client) GetStructure(ctx context.Context) (codec.Structure, error) {
	var structure codec.Structure
	err := c.withRetry(ctx, func(ctx context.Context) error {
		s, err := c.backend.GetStructure(ctx)
		if err != nil {
			return err
		}
		structure = s
		return nil
	})
	return structure, err
}

// SendCommand issues one control call, retrying per the policy in spec
// §4.E and acquiring a pool permit for the duration of the call.
func (c *Client) SendCommand(ctx context.Context, uuid, cmd string) (codec.Response, error) {
	permit, err := c.pool.Acquire(ctx)
	if err != nil {
		return codec.Response{}, err
	}
	defer permit.Release()

	var resp codec.Response
	err = c.withRetry(ctx, func(ctx context.Context) error {
		r, err := c.backend.SendCommand(ctx, uuid, cmd)
		if err != nil {
			return err
		}
		if r.Code >= 500 {
			return errs.DeviceControlError(r.Code, "Miniserver reported an error")
		}
		resp = r
		return nil
	})
	if err != nil {
		c.pool.RecordError()
	} else {
		c.pool.RecordSuccess()
	}
	return resp, err
}

// BatchStates fetches a batch of device states, collecting per-uuid
// failures rather than aborting the whole batch (spec §4.E: "partial:
// per-uuid failures collected").
func (c *Client) BatchStates(ctx context.Context, uuids []string) (map[string]json.RawMessage, map[string]error) {
	values := make(map[string]json.RawMessage, len(uuids))
	failures := make(map[string]error)

	for _, id := range uuids {
		resp, err := c.SendCommand(ctx, id, "")
		if err != nil {
			failures[id] = err
			continue
		}
		values[id] = resp.Value
	}
	return values, failures
}

// ControlMany fans out up to the pool's capacity, returning one result
// per input command in input order; individual failures never cancel
// peers (spec §4.E, §5).
func (c *Client) ControlMany(ctx context.Context, commands []Command) []CommandResult {
	results := make([]CommandResult, len(commands))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.pool.Stats().MaxConnections)

	for i, cmd := range commands {
		i, cmd := i, cmd
		g.Go(func() error {
			resp, err := c.SendCommand(gctx, cmd.DeviceUUID, cmd.Action)
			results[i] = CommandResult{DeviceUUID: cmd.DeviceUUID, Action: cmd.Action, Response: resp, Err: err}
			return nil // per-device failures are reported, not propagated
		})
	}
	_ = g.Wait()

	return results
}

// HealthCheck never fails; it reports false on any error.
func (c *Client) HealthCheck(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := c.backend.GetSystemInfo(ctx)
	return err == nil && c.pool.Health()
}

func (c *Client) GetSystemInfo(ctx context.Context) (json.RawMessage, error) {
	var info json.RawMessage
	err := c.withRetry(ctx, func(ctx context.Context) error {
		i, err := c.backend.GetSystemInfo(ctx)
		if err != nil {
			return err
		}
		info = i
		return nil
	})
	return info, err
}

func (c *Client) PoolStats() pool.Stats {
	return c.pool.Stats()
}

// withRetry implements the retry policy from spec §4.E: up to
// maxRetries attempts with delay 100ms*attempt; only Timeout,
// NetworkUnreachable, and 5xx DeviceControl are retried; 401/403
// short-circuit into the backend's auth-refresh path instead of being
// retried blindly.
func (c *Client) withRetry(ctx context.Context, op func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= c.maxRetries; attempt++ {
		err := op(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		kind := errs.KindOf(err)
		if kind == errs.Unauthorized || kind == errs.AuthRejected {
			if refreshErr := c.backend.Unauthorized(ctx); refreshErr != nil {
				return refreshErr
			}
			continue
		}

		if !errs.Retryable(err) {
			return err
		}

		if attempt == c.maxRetries {
			break
		}

		delay := time.Duration(attempt) * 100 * time.Millisecond
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return errs.Wrap(errs.Timeout, "context cancelled during retry backoff", ctx.Err())
		case <-t.C:
		}
	}
	return lastErr
}
