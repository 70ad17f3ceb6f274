// Package credentials implements the Credential Provider capability
// (spec §4.A): an opaque read of (username, password, api_key?) that the
// rest of the gateway treats as a single capability, never caching or
// logging the material itself.
package credentials

import (
	"context"
	"os"

	"github.com/loxone-mcp/gateway/pkg/errs"
)

// Credentials holds the material needed to authenticate against the
// Miniserver. Never logged; String/GoString are overridden to redact it.
type Credentials struct {
	Username  string
	Password  string
	APIKey    string // optional, empty when unused
	PublicKey string // optional, reserved for token-key exchange
}

func (Credentials) String() string   { return "credentials.Credentials{<redacted>}" }
func (Credentials) GoString() string { return "credentials.Credentials{<redacted>}" }

// Provider is the single capability the core depends on. Concrete
// implementations may read environment variables, a keyring, or a
// remote secret store (Infisical, etc.) — those live outside the core
// per spec §1 and are not provided here. The core calls Get once per
// client instantiation and holds the result immutably thereafter.
type Provider interface {
	Get(ctx context.Context) (Credentials, error)
}

// EnvProvider reads credentials from environment variables once and
// caches the result for the process lifetime. It is the only
// implementation shipped with the core; any other Provider plugs in
// unchanged.
type EnvProvider struct {
	UsernameVar string
	PasswordVar string
	APIKeyVar   string

	cached *Credentials
}

// NewEnvProvider builds a Provider reading LOXONE_USER, LOXONE_PASSWORD,
// and LOXONE_API_KEY by default.
func NewEnvProvider() *EnvProvider {
	return &EnvProvider{
		UsernameVar: "LOXONE_USER",
		PasswordVar: "LOXONE_PASSWORD",
		APIKeyVar:   "LOXONE_API_KEY",
	}
}

func (p *EnvProvider) Get(_ context.Context) (Credentials, error) {
	if p.cached != nil {
		return *p.cached, nil
	}

	username := os.Getenv(p.UsernameVar)
	password := os.Getenv(p.PasswordVar)
	if username == "" || password == "" {
		return Credentials{}, errs.Wrap(errs.CredentialsUnavailable,
			"missing "+p.UsernameVar+" or "+p.PasswordVar, nil)
	}

	creds := Credentials{
		Username: username,
		Password: password,
		APIKey:   os.Getenv(p.APIKeyVar),
	}
	p.cached = &creds
	return creds, nil
}

// StaticProvider wraps a fixed Credentials value, useful for tests and
// for callers that resolved credentials through an external capability
// before constructing the client.
type StaticProvider struct {
	Creds Credentials
}

func (p StaticProvider) Get(_ context.Context) (Credentials, error) {
	return p.Creds, nil
}
