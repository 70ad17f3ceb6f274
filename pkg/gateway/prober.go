package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/loxone-mcp/gateway/pkg/credentials"
	"github.com/loxone-mcp/gateway/pkg/errs"
)

// miniserverProber drives the handshake calls in spec §6 ("GET
// /jdev/cfg/api", "GET /jdev/sys/getkey2/<user>") that auth.Machine's
// Prober interface abstracts away from the rest of the Auth State
// Machine. The hash/HMAC handshake is Miniserver wire protocol, not a
// generic HTTP concern, so it's built on crypto/hmac and crypto/sha1
// directly: none of the example repos carry a Loxone-specific
// key-exchange library to reuse here.
type miniserverProber struct {
	baseURL    string
	httpClient *http.Client
}

func newMiniserverProber(baseURL string, timeout time.Duration) *miniserverProber {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &miniserverProber{baseURL: strings.TrimRight(baseURL, "/"), httpClient: &http.Client{Timeout: timeout}}
}

func (p *miniserverProber) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/"+path, nil)
	if err != nil {
		return nil, errs.Wrap(errs.NetworkUnreachable, "building request", err)
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, errs.Wrap(errs.NetworkUnreachable, "miniserver handshake request failed", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errs.Wrap(errs.NetworkUnreachable, "reading handshake response", err)
	}
	if resp.StatusCode >= 400 {
		return nil, errs.Wrap(errs.AuthRejected, fmt.Sprintf("handshake request returned %d", resp.StatusCode), nil)
	}
	return body, nil
}

type llValueEnvelope struct {
	LL struct {
		Value json.RawMessage `json:"value"`
	} `json:"LL"`
}

// Probe issues GET /jdev/cfg/api and inspects the returned firmware
// version to decide whether the Miniserver supports token auth
// (firmware 10+), per spec §4.C.
func (p *miniserverProber) Probe(ctx context.Context) (bool, string, error) {
	body, err := p.get(ctx, "jdev/cfg/api")
	if err != nil {
		return false, "", err
	}

	var env llValueEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return false, "", errs.Wrap(errs.MalformedResponse, "parsing /jdev/cfg/api response", err)
	}

	var info struct {
		Version string `json:"version"`
	}
	_ = json.Unmarshal(env.LL.Value, &info)

	major := 0
	if parts := strings.SplitN(info.Version, ".", 2); len(parts) > 0 {
		major, _ = strconv.Atoi(parts[0])
	}
	return major >= 10, info.Version, nil
}

// FetchKey issues GET /jdev/sys/getkey2/<user>, returning the salt and
// hashing key the Miniserver pairs with the password hash in the token
// exchange, per spec §4.C/§6.
func (p *miniserverProber) FetchKey(ctx context.Context, username string) (string, string, error) {
	body, err := p.get(ctx, "jdev/sys/getkey2/"+url.PathEscape(username))
	if err != nil {
		return "", "", err
	}

	var env llValueEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return "", "", errs.Wrap(errs.MalformedResponse, "parsing /jdev/sys/getkey2 response", err)
	}

	var keyInfo struct {
		Key  string `json:"key"`
		Salt string `json:"salt"`
	}
	if err := json.Unmarshal(env.LL.Value, &keyInfo); err != nil {
		return "", "", errs.Wrap(errs.MalformedResponse, "parsing getkey2 key/salt", err)
	}
	return keyInfo.Salt, keyInfo.Key, nil
}

// ExchangeToken hashes the password with the salt (SHA1, per the
// Miniserver's pre-2020 hashing scheme) then HMACs it with the hex
// key from FetchKey, and exchanges the result at /jdev/sys/gettoken
// for a session token.
func (p *miniserverProber) ExchangeToken(ctx context.Context, creds credentials.Credentials, salt, key string) (string, time.Duration, error) {
	pwHash := hashPassword(creds.Password, salt)

	keyBytes, err := hex.DecodeString(key)
	if err != nil {
		return "", 0, errs.Wrap(errs.MalformedResponse, "getkey2 key is not valid hex", err)
	}
	mac := hmac.New(sha1.New, keyBytes)
	mac.Write([]byte(creds.Username + ":" + pwHash))
	hash := hex.EncodeToString(mac.Sum(nil))

	path := fmt.Sprintf("jdev/sys/gettoken/%s/%s/%d/%s/%s",
		hash, url.PathEscape(creds.Username), 2 /* permission: web+app */, "loxone-mcp-gateway", url.PathEscape(creds.Username))
	body, err := p.get(ctx, path)
	if err != nil {
		return "", 0, err
	}

	var env llValueEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return "", 0, errs.Wrap(errs.MalformedResponse, "parsing gettoken response", err)
	}
	var tokenInfo struct {
		Token       string `json:"token"`
		ValidUntil  int64  `json:"validUntil"`
		TokenRights int    `json:"tokenRights"`
	}
	if err := json.Unmarshal(env.LL.Value, &tokenInfo); err != nil {
		return "", 0, errs.Wrap(errs.MalformedResponse, "parsing gettoken token", err)
	}
	if tokenInfo.Token == "" {
		return "", 0, errs.Wrap(errs.AuthRejected, "token exchange returned no token", nil)
	}

	ttl := 24 * time.Hour
	if tokenInfo.ValidUntil > 0 {
		ttl = time.Duration(tokenInfo.ValidUntil) * time.Second
	}
	return tokenInfo.Token, ttl, nil
}

// VerifyBasic confirms the credentials work by calling an
// authenticated endpoint with a Basic header, for firmware that
// doesn't support token auth.
func (p *miniserverProber) VerifyBasic(ctx context.Context, creds credentials.Credentials) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/jdev/cfg/api", nil)
	if err != nil {
		return errs.Wrap(errs.NetworkUnreachable, "building verify request", err)
	}
	req.SetBasicAuth(creds.Username, creds.Password)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return errs.Wrap(errs.NetworkUnreachable, "basic auth verification failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return errs.Wrap(errs.AuthRejected, "basic credentials rejected", nil)
	}
	return nil
}

// hashPassword mirrors the Miniserver's legacy salted-SHA1 password
// hash (password:salt, uppercase hex), used as the HMAC message in the
// token exchange.
func hashPassword(password, salt string) string {
	sum := sha1.Sum([]byte(password + ":" + salt))
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}
