// Package auth implements the Auth State Machine (spec §4.C): capability
// probing followed by either a token-key exchange or a basic-auth
// fallback, with coalesced refresh on 401 and a bounded backoff before
// giving up.
package auth

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/singleflight"

	"github.com/loxone-mcp/gateway/pkg/credentials"
	"github.com/loxone-mcp/gateway/pkg/errs"
	"github.com/loxone-mcp/gateway/pkg/telemetry"
)

// State is a node in the state machine described in spec §4.C.
type State int

const (
	StateUnprobed State = iota
	StateProbeDone
	StateKeyFetched
	StateAuthenticated
	StateRefreshNeeded
	StateDisconnected
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUnprobed:
		return "Unprobed"
	case StateProbeDone:
		return "ProbeDone"
	case StateKeyFetched:
		return "KeyFetched"
	case StateAuthenticated:
		return "Authenticated"
	case StateRefreshNeeded:
		return "RefreshNeeded"
	case StateDisconnected:
		return "Disconnected"
	case StateFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// Mode records which auth mechanism is active once Authenticated.
type Mode int

const (
	ModeBasic Mode = iota
	ModeToken
)

// Session is the session key material described in spec §3. For Basic
// auth the Token/Key fields are unused; the credentials are resent on
// every request.
type Session struct {
	Mode      Mode
	Token     string
	Key       string
	Salt      string
	ProtoVer  string
	ExpiresAt time.Time
}

// Prober is the set of Miniserver handshake operations the state
// machine drives. A concrete implementation issues the actual HTTP
// calls described in spec §6 (GET /jdev/cfg/api, GET
// /jdev/sys/getkey2/<user>); the state machine itself never touches a
// socket directly so it can sit above either Miniserver Client backend.
type Prober interface {
	// Probe reports whether the server's firmware supports token auth.
	Probe(ctx context.Context) (supportsToken bool, fwVersion string, err error)
	// FetchKey retrieves the salt/key pair used in the token exchange.
	FetchKey(ctx context.Context, username string) (salt, key string, err error)
	// ExchangeToken completes the token handshake, returning the issued
	// session token and its lifetime.
	ExchangeToken(ctx context.Context, creds credentials.Credentials, salt, key string) (token string, ttl time.Duration, err error)
	// VerifyBasic confirms the credentials work over Basic auth, for
	// firmware that doesn't support tokens.
	VerifyBasic(ctx context.Context, creds credentials.Credentials) error
}

// Clock abstracts time so tests can control backoff and expiry.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Machine is the Auth State Machine. Safe for concurrent use: refresh
// attempts from concurrent callers are coalesced into a single
// in-flight refresh via a singleflight group.
type Machine struct {
	prober Prober
	creds  credentials.Credentials
	clock  Clock

	// PeriodicRefresh, if non-zero, enables a safety refresh independent
	// of 401s: once a token session is within PeriodicRefresh/10 of its
	// ExpiresAt, the next AuthorizeRequest refreshes it first. It does
	// not cap a session's age at PeriodicRefresh; when zero, token
	// sessions are refreshed only through Unauthorized.
	PeriodicRefresh time.Duration

	mu            sync.Mutex
	state         State
	session       Session
	supportsToken bool
	fwVersion     string
	violations    int

	sf singleflight.Group
}

// New builds a Machine in the Unprobed state.
func New(prober Prober, creds credentials.Credentials) *Machine {
	return &Machine{
		prober: prober,
		creds:  creds,
		clock:  realClock{},
		state:  StateUnprobed,
	}
}

// WithClock overrides the clock, for tests.
func (m *Machine) WithClock(c Clock) *Machine {
	m.clock = c
	return m
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// SetPeriodicRefresh updates the safety-refresh window under the same
// lock AuthorizeRequest reads it through, so a config hot-reload
// (SPEC_FULL §2.1) can change the session timeout of a running
// gateway without racing an in-flight request.
func (m *Machine) SetPeriodicRefresh(d time.Duration) {
	m.mu.Lock()
	m.PeriodicRefresh = d
	m.mu.Unlock()
}

// Connect drives Unprobed -> Authenticated, per spec §4.C. It probes
// server capability, then either performs the token-key exchange or
// falls back to basic verification — adaptive auth is the canonical
// model; it never silently forces Basic on a token-capable server.
func (m *Machine) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connectLocked(ctx)
}

func (m *Machine) connectLocked(ctx context.Context) error {
	supportsToken, fwVersion, err := m.prober.Probe(ctx)
	if err != nil {
		m.state = StateFailed
		return errs.Wrap(errs.NetworkUnreachable, "capability probe failed", err)
	}
	m.supportsToken = supportsToken
	m.fwVersion = fwVersion
	m.state = StateProbeDone

	if !supportsToken {
		if err := m.prober.VerifyBasic(ctx, m.creds); err != nil {
			m.state = StateFailed
			return errs.Wrap(errs.AuthRejected, "basic auth rejected", err)
		}
		m.session = Session{Mode: ModeBasic}
		m.state = StateAuthenticated
		return nil
	}

	salt, key, err := m.prober.FetchKey(ctx, m.creds.Username)
	if err != nil {
		m.state = StateFailed
		return errs.Wrap(errs.NetworkUnreachable, "key fetch failed", err)
	}
	m.state = StateKeyFetched

	token, ttl, err := m.prober.ExchangeToken(ctx, m.creds, salt, key)
	if err != nil {
		m.state = StateFailed
		return errs.Wrap(errs.AuthRejected, "token exchange rejected", err)
	}

	m.session = Session{
		Mode:      ModeToken,
		Token:     token,
		Salt:      salt,
		Key:       key,
		ExpiresAt: m.clock.Now().Add(ttl),
	}
	m.state = StateAuthenticated
	m.violations = 0
	return nil
}

// AuthorizeRequest attaches current credential material to req's
// headers: a Basic header when in ModeBasic, or the session token
// otherwise. It also checks the periodic safety-refresh window and
// triggers a coalesced refresh if the session is due.
func (m *Machine) AuthorizeRequest(ctx context.Context, header http.Header) error {
	m.mu.Lock()
	state, session := m.state, m.session
	needsRefresh := state == StateAuthenticated && session.Mode == ModeToken &&
		m.PeriodicRefresh > 0 && m.clock.Now().After(session.ExpiresAt.Add(-m.PeriodicRefresh/10))
	m.mu.Unlock()

	if state != StateAuthenticated {
		if state == StateDisconnected || state == StateUnprobed {
			if err := m.Connect(ctx); err != nil {
				return err
			}
			m.mu.Lock()
			session = m.session
			m.mu.Unlock()
		} else {
			return errs.Wrap(errs.AuthRejected, "not authenticated", nil)
		}
	} else if needsRefresh {
		if err := m.refresh(ctx); err != nil {
			return err
		}
		m.mu.Lock()
		session = m.session
		m.mu.Unlock()
	}

	applyAuthHeader(header, m.creds, session)
	return nil
}

func applyAuthHeader(header http.Header, creds credentials.Credentials, session Session) {
	switch session.Mode {
	case ModeToken:
		header.Set("Authorization", "Bearer "+session.Token)
	default:
		header.Set("Authorization", basicAuthHeader(creds.Username, creds.Password))
	}
}

// Unauthorized must be called when the server returns 401/403 for an
// authorized request. It transitions to RefreshNeeded, runs one
// coalesced refresh (retried on the backoff schedule across repeated
// failures), and surfaces AuthRejected only once that schedule is
// exhausted.
func (m *Machine) Unauthorized(ctx context.Context) error {
	m.mu.Lock()
	m.state = StateRefreshNeeded
	m.mu.Unlock()
	return m.refresh(ctx)
}

// refresh performs (or waits for) a single in-flight refresh shared by
// all concurrent callers, per spec §4.C "Token refresh is serialized
// per client".
func (m *Machine) refresh(ctx context.Context) error {
	_, err, _ := m.sf.Do("refresh", func() (any, error) {
		return nil, m.refreshWithBackoff(ctx)
	})
	telemetry.AuthRefreshes.Add(ctx, 1, metric.WithAttributes(
		attribute.Bool("error", err != nil),
	))
	return err
}

// fixedSchedule hands out 100ms, 400ms, 1600ms, then tells backoff.Retry
// to stop, matching the schedule in spec §4.C.
type fixedSchedule struct {
	delays []time.Duration
	i      int
}

func (f *fixedSchedule) NextBackOff() time.Duration {
	if f.i >= len(f.delays) {
		return backoff.Stop
	}
	d := f.delays[f.i]
	f.i++
	return d
}

// refreshWithBackoff retries the connect handshake on the 100ms/400ms/
// 1600ms schedule; once the initial attempt and its three retries have
// all failed it marks the machine Failed.
func (m *Machine) refreshWithBackoff(ctx context.Context) error {
	sched := &fixedSchedule{delays: []time.Duration{100 * time.Millisecond, 400 * time.Millisecond, 1600 * time.Millisecond}}

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		m.mu.Lock()
		err := m.connectLocked(ctx)
		m.mu.Unlock()
		return struct{}{}, err
	}, backoff.WithBackOff(sched), backoff.WithMaxTries(4))

	if err != nil {
		m.mu.Lock()
		m.state = StateFailed
		m.violations++
		m.mu.Unlock()
		return errs.Wrap(errs.AuthRejected, "refresh failed after backoff", err)
	}
	return nil
}

// TransportDown transitions to Disconnected; the next AuthorizeRequest
// or Connect call re-probes from Unprobed.
func (m *Machine) TransportDown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = StateDisconnected
}

